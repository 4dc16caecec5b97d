package pdbrewrite

import (
	"bytes"
	"encoding/binary"

	"canonpe/pkg/canonerr"
)

// dbiHeaderSize is the fixed DbiHeader (64 bytes), laid out the way
// jtang613-gopdb's DBIHeader struct declares its fields, sequentially and
// without padding.
const dbiHeaderSize = 64

const (
	dbiOffAge                     = 8
	dbiOffModInfoSize             = 24
	dbiOffSectionContributionSize = 28
	dbiOffPublicStreamIndex       = 16
	dbiOffSymRecordStream         = 20
)

// moduleInfoFixedSize is DbiModuleInfoBase's fixed portion, before the two
// NUL-terminated strings.
const moduleInfoFixedSize = 64

// sectionContribEntrySize is the size of one DbiSectionContrib record in
// the V60 layout. When the substream's version word is sectionContribV2,
// each record is sectionContribV2EntrySize bytes instead: the V60 record
// plus 4 trailing bytes this code does not need to touch, with pad1 and
// pad2 at the same offsets.
const (
	sectionContribEntrySize   = 28
	sectionContribV2EntrySize = 32
	sectionContribV2          = 0xeffe0000 + 20140516
)

// DBIResult reports the two stream indices the rest of the rewrite needs:
// the symbol record stream and the public symbol info stream.
type DBIResult struct {
	SymRecordStream   uint16
	PublicStreamIndex uint16
}

// NormalizeDBI rewrites data in place: sets the header's Age field,
// zeroes each module info record's legacy "offsets" word, and zeroes the
// padding fields of every section contribution record.
func NormalizeDBI(data []byte, age uint32) (DBIResult, error) {
	if len(data) < dbiHeaderSize {
		return DBIResult{}, canonerr.NewPdbStructure("DBI stream shorter than its header", nil)
	}

	modInfoSize := int32(binary.LittleEndian.Uint32(data[dbiOffModInfoSize : dbiOffModInfoSize+4]))
	secContribSize := int32(binary.LittleEndian.Uint32(data[dbiOffSectionContributionSize : dbiOffSectionContributionSize+4]))
	if modInfoSize < 0 || secContribSize < 0 {
		return DBIResult{}, canonerr.NewPdbStructure("negative DBI substream size", nil)
	}

	modInfoOffset := dbiHeaderSize
	modInfoEnd := modInfoOffset + int(modInfoSize)
	if modInfoEnd > len(data) {
		return DBIResult{}, canonerr.NewPdbStructure("DBI stream shorter than its module info substream", nil)
	}

	secContribOffset := modInfoEnd + 4 // a version signature word precedes the entries
	secContribEnd := secContribOffset + int(secContribSize)
	if secContribSize > 0 && secContribEnd > len(data) {
		return DBIResult{}, canonerr.NewPdbStructure("DBI stream shorter than its section contribution substream", nil)
	}

	binary.LittleEndian.PutUint32(data[dbiOffAge:dbiOffAge+4], age)

	if err := zeroModuleInfoOffsets(data[modInfoOffset:modInfoEnd]); err != nil {
		return DBIResult{}, err
	}
	if secContribSize > 0 {
		stride := sectionContribEntrySize
		if binary.LittleEndian.Uint32(data[modInfoEnd:secContribOffset]) == sectionContribV2 {
			stride = sectionContribV2EntrySize
		}
		zeroSectionContribPadding(data[secContribOffset:secContribEnd], stride)
	}

	return DBIResult{
		SymRecordStream:   binary.LittleEndian.Uint16(data[dbiOffSymRecordStream : dbiOffSymRecordStream+2]),
		PublicStreamIndex: binary.LittleEndian.Uint16(data[dbiOffPublicStreamIndex : dbiOffPublicStreamIndex+2]),
	}, nil
}

// zeroModuleInfoOffsets walks the module info substream record by record:
// a 64-byte fixed base (whose first DWORD, a legacy field this package
// treats as DbiModuleInfoBase.offsets, is zeroed) followed by the module
// name and object file name, two NUL-terminated strings, then padding to
// the next 4-byte boundary.
func zeroModuleInfoOffsets(data []byte) error {
	offset := 0
	for offset < len(data) {
		if offset+moduleInfoFixedSize > len(data) {
			return canonerr.NewPdbStructure("module info record truncated", nil)
		}

		for i := 0; i < 4; i++ {
			data[offset+i] = 0
		}

		cursor := offset + moduleInfoFixedSize
		for _, which := range [2]string{"module name", "object file name"} {
			end := bytes.IndexByte(data[cursor:], 0)
			if end == -1 {
				return canonerr.NewPdbStructure("module info "+which+" missing NUL terminator", nil)
			}
			cursor += end + 1
		}

		offset = (cursor + 3) &^ 3
	}
	return nil
}

// zeroSectionContribPadding walks the section contribution substream (the
// version word already skipped by the caller) and zeroes pad1 and pad2 of
// each fixed-size record of stride bytes.
func zeroSectionContribPadding(data []byte, stride int) {
	for off := 0; off+stride <= len(data); off += stride {
		data[off+2] = 0
		data[off+3] = 0
		data[off+18] = 0
		data[off+19] = 0
	}
}
