// Package peimage is the light-weight PE decomposer: it parses only the
// header graph of a PE file — DOS header, NT headers, data directories,
// section table and debug directory — into an in-memory model that knows
// the file offset of every field the scanner needs to patch. It is not a
// full image-layout builder; outside the header region it reads only the
// debug directory, the CodeView record, the security directory and the
// Export/Resource directory timestamps.
package peimage

import (
	"encoding/binary"
	"fmt"
	"os"

	"canonpe/pkg/canonerr"
)

// FileOffset is an unsigned byte offset into the PE file on disk.
type FileOffset uint32

// RVA is an unsigned virtual offset from the PE image's load base.
type RVA uint32

// Data directory indices, in the order IMAGE_OPTIONAL_HEADER.DataDirectory
// lists them.
const (
	DirExport   = 0
	DirImport   = 1
	DirResource = 2
	DirSecurity = 4
	DirBaseReloc = 5
	DirDebug    = 6
)

// ImageDebugTypeCodeview is IMAGE_DEBUG_TYPE_CODEVIEW.
const ImageDebugTypeCodeview = 2

const (
	dosMagic       = 0x5A4D // "MZ"
	ntSignature    = 0x00004550 // "PE\0\0"
	optHdr32Magic  = 0x10b
	optHdr64Magic  = 0x20b
	sectionHdrSize = 40
	debugDirSize   = 28
	dataDirSize    = 8
)

// DataDirectory is a parsed IMAGE_DATA_DIRECTORY entry.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// DebugDirectoryEntry is a parsed IMAGE_DEBUG_DIRECTORY entry, plus the
// file offset at which it was found (needed to compute the offset of its
// own TimeDateStamp field).
type DebugDirectoryEntry struct {
	FileOffset       FileOffset
	TimeDateStamp    uint32
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

// TimeDateStampOffset returns the file offset of this entry's own
// TimeDateStamp field (the second DWORD of IMAGE_DEBUG_DIRECTORY).
func (e DebugDirectoryEntry) TimeDateStampOffset() FileOffset {
	return e.FileOffset + 4
}

// CvInfoPdb70 is the CodeView "RSDS" record a CODEVIEW debug directory
// entry refers to.
type CvInfoPdb70 struct {
	FileOffset  FileOffset
	Signature   [16]byte
	Age         uint32
	PdbFileName string
}

// SignatureOffset returns the file offset of the 16-byte GUID field.
func (c CvInfoPdb70) SignatureOffset() FileOffset { return c.FileOffset + 4 }

// AgeOffset returns the file offset of the 4-byte age field.
func (c CvInfoPdb70) AgeOffset() FileOffset { return c.FileOffset + 20 }

const cvSignatureRSDS = 0x53445352

type section struct {
	virtualAddress uint32
	virtualSize    uint32
	rawSize        uint32
	rawPointer     uint32
}

// Image is the parsed header graph of a PE file.
type Image struct {
	data []byte // the whole file, read once

	is64 bool

	fileHeaderOffset     FileOffset
	optionalHeaderOffset FileOffset
	dataDirOffset        FileOffset
	numDataDirs          uint32
	numberOfSections     uint16
	sizeOfHeaders        uint32

	sections []section
}

// Open reads path and parses its PE header graph.
func Open(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, canonerr.NewIO("read", path, err)
	}
	return Parse(data)
}

// Parse builds an Image from an already-loaded PE file.
func Parse(data []byte) (*Image, error) {
	if len(data) < 0x40 {
		return nil, canonerr.NewPeStructure("file too small for a DOS header", nil)
	}
	if binary.LittleEndian.Uint16(data[0:2]) != dosMagic {
		return nil, canonerr.NewPeStructure("missing MZ signature", nil)
	}

	elfanew := binary.LittleEndian.Uint32(data[0x3C:0x40])
	ntOff := FileOffset(elfanew)
	if int(ntOff)+24 > len(data) {
		return nil, canonerr.NewPeStructure("e_lfanew points past end of file", nil)
	}
	if binary.LittleEndian.Uint32(data[ntOff:ntOff+4]) != ntSignature {
		return nil, canonerr.NewPeStructure("missing PE00 signature", nil)
	}

	fileHeaderOffset := ntOff + 4
	numberOfSections := binary.LittleEndian.Uint16(data[fileHeaderOffset+2 : fileHeaderOffset+4])
	sizeOfOptionalHeader := binary.LittleEndian.Uint16(data[fileHeaderOffset+16 : fileHeaderOffset+18])
	optionalHeaderOffset := fileHeaderOffset + 20

	if int(optionalHeaderOffset)+2 > len(data) {
		return nil, canonerr.NewPeStructure("optional header truncated", nil)
	}
	magic := binary.LittleEndian.Uint16(data[optionalHeaderOffset : optionalHeaderOffset+2])

	var is64 bool
	var dataDirOffset FileOffset
	switch magic {
	case optHdr32Magic:
		is64 = false
		dataDirOffset = optionalHeaderOffset + 96
	case optHdr64Magic:
		is64 = true
		dataDirOffset = optionalHeaderOffset + 112
	default:
		return nil, canonerr.NewPeStructure(fmt.Sprintf("unrecognized optional header magic 0x%x", magic), nil)
	}

	numDataDirsOff := dataDirOffset - 4
	numDataDirs := binary.LittleEndian.Uint32(data[numDataDirsOff : numDataDirsOff+4])
	if numDataDirs > 16 {
		numDataDirs = 16
	}

	sizeOfHeaders := binary.LittleEndian.Uint32(data[optionalHeaderOffset+60 : optionalHeaderOffset+64])

	sectionTableOffset := optionalHeaderOffset + FileOffset(sizeOfOptionalHeader)
	sections := make([]section, 0, numberOfSections)
	for i := uint16(0); i < numberOfSections; i++ {
		off := sectionTableOffset + FileOffset(i)*sectionHdrSize
		if int(off)+sectionHdrSize > len(data) {
			return nil, canonerr.NewPeStructure("section table truncated", nil)
		}
		sections = append(sections, section{
			virtualSize:    binary.LittleEndian.Uint32(data[off+8 : off+12]),
			virtualAddress: binary.LittleEndian.Uint32(data[off+12 : off+16]),
			rawSize:        binary.LittleEndian.Uint32(data[off+16 : off+20]),
			rawPointer:     binary.LittleEndian.Uint32(data[off+20 : off+24]),
		})
	}

	return &Image{
		data:                 data,
		is64:                 is64,
		fileHeaderOffset:     fileHeaderOffset,
		optionalHeaderOffset: optionalHeaderOffset,
		dataDirOffset:        dataDirOffset,
		numDataDirs:          numDataDirs,
		numberOfSections:     numberOfSections,
		sizeOfHeaders:        sizeOfHeaders,
		sections:             sections,
	}, nil
}

// Is64 reports whether the image carries a PE32+ optional header.
func (im *Image) Is64() bool { return im.is64 }

// NumberOfSections returns the section count from the file header.
func (im *Image) NumberOfSections() uint16 { return im.numberOfSections }

// Size returns the total length of the underlying file.
func (im *Image) Size() uint32 { return uint32(len(im.data)) }

// FileHeaderTimeDateStampOffset returns the file offset of
// IMAGE_FILE_HEADER.TimeDateStamp.
func (im *Image) FileHeaderTimeDateStampOffset() FileOffset {
	return im.fileHeaderOffset + 4
}

// OptionalHeaderCheckSumOffset returns the file offset of
// IMAGE_OPTIONAL_HEADER.CheckSum, which falls at the same relative offset
// (0x40) in both PE32 and PE32+ since the extra 4 bytes PE32+'s wider
// ImageBase needs are exactly offset by PE32+ dropping BaseOfData.
func (im *Image) OptionalHeaderCheckSumOffset() FileOffset {
	return im.optionalHeaderOffset + 64
}

// DataDirectory returns the data directory at index idx, or ok=false if
// idx is beyond the number the optional header declares.
func (im *Image) DataDirectory(idx int) (DataDirectory, bool) {
	if idx < 0 || uint32(idx) >= im.numDataDirs {
		return DataDirectory{}, false
	}
	off := im.dataDirOffset + FileOffset(idx)*dataDirSize
	return DataDirectory{
		VirtualAddress: binary.LittleEndian.Uint32(im.data[off : off+4]),
		Size:           binary.LittleEndian.Uint32(im.data[off+4 : off+8]),
	}, true
}

// Translate converts an RVA to a file offset using the section table, the
// way the PE loader would. RVAs inside the header region (before the first
// section) map directly since headers occupy the same offset in the file
// and in the loaded image.
func (im *Image) Translate(rva RVA) (FileOffset, bool) {
	r := uint32(rva)
	if r < im.sizeOfHeaders {
		return FileOffset(r), true
	}
	for _, s := range im.sections {
		span := s.virtualSize
		if s.rawSize > span {
			span = s.rawSize
		}
		if r >= s.virtualAddress && r < s.virtualAddress+span {
			return FileOffset(s.rawPointer + (r - s.virtualAddress)), true
		}
	}
	return 0, false
}

// DebugDirectoryEntries locates and parses every IMAGE_DEBUG_DIRECTORY
// entry. It returns an empty slice, not an error, if the PE has no debug
// data directory.
func (im *Image) DebugDirectoryEntries() ([]DebugDirectoryEntry, error) {
	dd, ok := im.DataDirectory(DirDebug)
	if !ok || dd.VirtualAddress == 0 || dd.Size == 0 {
		return nil, nil
	}

	base, ok := im.Translate(RVA(dd.VirtualAddress))
	if !ok {
		return nil, canonerr.NewPeStructure("failed to translate debug directory RVA", nil)
	}

	count := dd.Size / debugDirSize
	out := make([]DebugDirectoryEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		off := base + FileOffset(i)*debugDirSize
		if int(off)+debugDirSize > len(im.data) {
			return nil, canonerr.NewPeStructure("debug directory entry truncated", nil)
		}
		out = append(out, DebugDirectoryEntry{
			FileOffset:       off,
			TimeDateStamp:    binary.LittleEndian.Uint32(im.data[off+4 : off+8]),
			Type:             binary.LittleEndian.Uint32(im.data[off+12 : off+16]),
			SizeOfData:       binary.LittleEndian.Uint32(im.data[off+16 : off+20]),
			AddressOfRawData: binary.LittleEndian.Uint32(im.data[off+20 : off+24]),
			PointerToRawData: binary.LittleEndian.Uint32(im.data[off+24 : off+28]),
		})
	}
	return out, nil
}

// CvInfoAt parses a CvInfoPdb70 ("RSDS") record at the given file offset,
// which is IMAGE_DEBUG_DIRECTORY.PointerToRawData for a CODEVIEW entry —
// already a file offset per the PE format, not an RVA.
func (im *Image) CvInfoAt(off FileOffset) (CvInfoPdb70, error) {
	if int(off)+24 > len(im.data) {
		return CvInfoPdb70{}, canonerr.NewPeStructure("CodeView record truncated", nil)
	}
	sig := binary.LittleEndian.Uint32(im.data[off : off+4])
	if sig != cvSignatureRSDS {
		return CvInfoPdb70{}, canonerr.NewPeStructure(fmt.Sprintf("unrecognized CodeView signature 0x%x", sig), nil)
	}

	cv := CvInfoPdb70{FileOffset: off, Age: binary.LittleEndian.Uint32(im.data[off+20 : off+24])}
	copy(cv.Signature[:], im.data[off+4:off+20])

	nameStart := int(off) + 24
	end := nameStart
	for end < len(im.data) && im.data[end] != 0 {
		end++
	}
	cv.PdbFileName = string(im.data[nameStart:end])
	return cv, nil
}

// SecurityDirectoryBytes returns the raw WIN_CERTIFICATE table the
// security data directory points to. Unlike every other data directory,
// IMAGE_DATA_DIRECTORY.VirtualAddress for DirSecurity is already a file
// offset, not an RVA — Translate must not be applied to it. ok is false
// if the PE carries no security directory.
func (im *Image) SecurityDirectoryBytes() (data []byte, ok bool, err error) {
	dd, present := im.DataDirectory(DirSecurity)
	if !present || dd.VirtualAddress == 0 || dd.Size == 0 {
		return nil, false, nil
	}
	start := int(dd.VirtualAddress)
	end := start + int(dd.Size)
	if end > len(im.data) || start > end {
		return nil, false, canonerr.NewPeStructure("security directory extends past end of file", nil)
	}
	return im.data[start:end], true, nil
}

// DataDirectoryTimeDateStampOffset returns the file offset of the
// TimeDateStamp field shared by IMAGE_EXPORT_DIRECTORY and
// IMAGE_RESOURCE_DIRECTORY (both put it 4 bytes in, after Characteristics),
// plus the field's current value, for data directory idx. ok is false if
// the directory is absent.
func (im *Image) DataDirectoryTimeDateStampOffset(idx int) (off FileOffset, current uint32, ok bool, err error) {
	dd, present := im.DataDirectory(idx)
	if !present || dd.VirtualAddress == 0 {
		return 0, 0, false, nil
	}

	base, translated := im.Translate(RVA(dd.VirtualAddress))
	if !translated {
		return 0, 0, false, canonerr.NewPeStructure("failed to translate data directory RVA", nil)
	}
	if int(base)+8 > len(im.data) {
		return 0, 0, false, canonerr.NewPeStructure("data directory truncated", nil)
	}

	tsOff := base + 4
	return tsOff, binary.LittleEndian.Uint32(im.data[tsOff : tsOff+4]), true, nil
}
