// Package scanner implements the PEScanner: it walks the header graph a
// peimage.Image exposes and populates a patchspace.Space with every
// non-deterministic field a PE build can vary between otherwise-identical
// inputs: timestamps, the PDB GUID/age, and the header checksum.
package scanner

import (
	"encoding/binary"
	"fmt"

	"canonpe/pkg/canonerr"
	"canonpe/pkg/patchspace"
	"canonpe/pkg/peimage"
)

// Result is everything the orchestrator needs from a scan besides the
// patch space itself.
type Result struct {
	Space *patchspace.Space

	HasCodeView bool
	CvInfo      peimage.CvInfoPdb70
	// GuidRange is the (pending) range reserved for the PDB GUID. Only
	// meaningful when HasCodeView && a PDB was requested.
	GuidRange patchspace.Range
}

// Scan marks every non-deterministic field in img. needPdb controls
// whether the CodeView signature/age are marked at all, and whether a
// missing CodeView entry is fatal.
func Scan(img *peimage.Image, needPdb bool, constTimestamp, constAge uint32) (*Result, error) {
	space := patchspace.New()

	if err := insertConst(space, img.FileHeaderTimeDateStampOffset(), constTimestamp, "PE FileHeader TimeDateStamp"); err != nil {
		return nil, err
	}

	if err := markDataDirectoryTimestamp(img, space, peimage.DirExport, "Export Directory", constTimestamp); err != nil {
		return nil, err
	}
	if err := markDataDirectoryTimestamp(img, space, peimage.DirResource, "Resource Directory", constTimestamp); err != nil {
		return nil, err
	}

	entries, err := img.DebugDirectoryEntries()
	if err != nil {
		return nil, err
	}

	var cvEntry *peimage.DebugDirectoryEntry
	for i := range entries {
		e := entries[i]
		label := fmt.Sprintf("Debug Directory %d Timestamp", i)
		if err := insertConst(space, e.TimeDateStampOffset(), constTimestamp, label); err != nil {
			return nil, err
		}

		if e.Type == peimage.ImageDebugTypeCodeview {
			if cvEntry != nil {
				return nil, canonerr.NewPeStructure("found multiple CodeView debug directory entries", nil)
			}
			cvEntry = &entries[i]
		}
	}

	res := &Result{Space: space, HasCodeView: cvEntry != nil}

	if needPdb && cvEntry == nil {
		return nil, canonerr.NewPeStructure("PDB requested but PE has no CodeView debug directory entry", nil)
	}

	if cvEntry != nil {
		cvInfo, err := img.CvInfoAt(peimage.FileOffset(cvEntry.PointerToRawData))
		if err != nil {
			return nil, err
		}
		res.CvInfo = cvInfo

		if needPdb {
			guidRange := patchspace.Range{Start: uint32(cvInfo.SignatureOffset()), Size: 16}
			if err := space.Insert(guidRange, patchspace.Data{Pending: true, Label: "PDB GUID"}); err != nil {
				return nil, err
			}
			res.GuidRange = guidRange

			if err := insertConst(space, cvInfo.AgeOffset(), constAge, "PDB Age"); err != nil {
				return nil, err
			}
		}
		// A CodeView entry with no PDB requested is allowed — the GUID and
		// age are simply left untouched.
	}

	checksumRange := patchspace.Range{Start: uint32(img.OptionalHeaderCheckSumOffset()), Size: 4}
	if err := space.Insert(checksumRange, patchspace.Data{Pending: true, Label: "PE Checksum"}); err != nil {
		return nil, err
	}

	return res, nil
}

func insertConst(space *patchspace.Space, off peimage.FileOffset, value uint32, label string) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	return space.Insert(patchspace.Range{Start: uint32(off), Size: 4}, patchspace.Data{Bytes: buf, Label: label})
}

// markDataDirectoryTimestamp marks the TimeDateStamp field of the Export or
// Resource data directory, but only if the directory exists and its
// current timestamp is non-zero. This is deliberately asymmetric with the
// debug directory below, which is marked unconditionally; see DESIGN.md.
func markDataDirectoryTimestamp(img *peimage.Image, space *patchspace.Space, idx int, name string, constTimestamp uint32) error {
	off, current, ok, err := img.DataDirectoryTimeDateStampOffset(idx)
	if err != nil {
		return err
	}
	if !ok || current == 0 {
		return nil
	}
	return insertConst(space, off, constTimestamp, name+" Timestamp")
}
