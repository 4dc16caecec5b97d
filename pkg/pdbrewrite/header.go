package pdbrewrite

import (
	"encoding/binary"

	"canonpe/pkg/canonerr"
	"canonpe/pkg/msf"
)

// HeaderInfo is the fixed portion of PdbInfoHeader70 this package cares
// about.
type HeaderInfo struct {
	Timestamp uint32
	Age       uint32
	GUID      [16]byte
}

// ReadHeaderInfoStream opens the MSF container at path and parses stream 1
// without modifying it, for the orchestrator's PE/PDB cross-check that
// must run before any rewrite is planned.
func ReadHeaderInfoStream(path string) (HeaderInfo, error) {
	c, err := msf.Open(path)
	if err != nil {
		return HeaderInfo{}, err
	}
	data, err := c.Stream(StreamPDBInfo)
	if err != nil {
		return HeaderInfo{}, err
	}
	if len(data) < headerInfoSize {
		return HeaderInfo{}, canonerr.NewPdbStructure("PDB info stream shorter than its fixed header", nil)
	}

	var out HeaderInfo
	out.Timestamp = binary.LittleEndian.Uint32(data[4:8])
	out.Age = binary.LittleEndian.Uint32(data[8:12])
	copy(out.GUID[:], data[12:28])
	return out, nil
}

// RewriteHeaderInfoStream overwrites the PDB info stream's timestamp, age,
// and signature in place, preserving the version field and everything
// after the fixed header (the named-stream map) verbatim.
//
// The PdbInfoHeader70 layout, little-endian: Version(4), Signature(4, the
// PDB's creation timestamp), Age(4), GUID(16).
func RewriteHeaderInfoStream(data []byte, timestamp, age uint32, guid [16]byte) error {
	if len(data) < headerInfoSize {
		return canonerr.NewPdbStructure("PDB info stream shorter than its fixed header", nil)
	}
	binary.LittleEndian.PutUint32(data[4:8], timestamp)
	binary.LittleEndian.PutUint32(data[8:12], age)
	copy(data[12:28], guid[:])
	return nil
}
