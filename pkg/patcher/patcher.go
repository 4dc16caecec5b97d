// Package patcher applies a resolved patch address space to a file on
// disk: copy-on-write if the destination differs from the source, then an
// mmap'd in-place overwrite of every range, followed by the external
// checksum pass.
package patcher

import (
	"io"
	"os"

	"github.com/edsrzf/mmap-go"

	"canonpe/pkg/canonerr"
	"canonpe/pkg/patchspace"
	"canonpe/pkg/peimage"
)

// Apply writes every resolved entry of space into outputPath. If
// outputPath differs from inputPath, inputPath is copied there first. The
// "compute later" checksum sentinel is left untouched here; it's filled by
// the separate call to peimage.UpdateFileChecksum once every other patch
// has landed.
func Apply(inputPath, outputPath string, space *patchspace.Space) error {
	if inputPath != outputPath {
		if err := copyFile(inputPath, outputPath); err != nil {
			return err
		}
	}

	if err := applyPatches(outputPath, space); err != nil {
		return err
	}

	return peimage.UpdateFileChecksum(outputPath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return canonerr.NewIO("open", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return canonerr.NewIO("create", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return canonerr.NewIO("copy", dst, err)
	}
	return nil
}

// applyPatches mmaps outputPath read/write and writes every resolved range
// directly into the mapping, which the kernel flushes back to the file on
// Unmap. A range that's still Pending (the checksum sentinel) is skipped;
// anything else Pending at this point is a programmer error, since the
// caller must have resolved the PDB GUID entry (with the digest
// guidhash.Hash returns) before this runs.
func applyPatches(path string, space *patchspace.Space) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return canonerr.NewIO("open", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return canonerr.NewIO("stat", path, err)
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		return canonerr.NewIO("mmap", path, err)
	}
	defer m.Unmap()

	for _, e := range space.Iter() {
		if e.Data.Label == "PE Checksum" {
			continue
		}
		if e.Data.Pending {
			return canonerr.NewPolicy("patch entry \"" + e.Data.Label + "\" was never resolved before patching")
		}
		if e.Range.End() > uint32(info.Size()) {
			return canonerr.NewPeStructure("patch range extends past end of file: "+e.Data.Label, nil)
		}
		if uint32(len(e.Data.Bytes)) != e.Range.Size {
			return canonerr.NewPolicy("patch data for \"" + e.Data.Label + "\" does not match its reserved range size")
		}
		copy(m[e.Range.Start:e.Range.End()], e.Data.Bytes)
	}

	if err := m.Flush(); err != nil {
		return canonerr.NewIO("flush", path, err)
	}
	return nil
}
