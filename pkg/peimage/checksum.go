package peimage

import (
	"encoding/binary"
	"os"

	"canonpe/pkg/canonerr"
)

// UpdateFileChecksum recomputes the standard PE header checksum over path
// and writes it into OptionalHeader.CheckSum. It is invoked once, after
// the file patcher has applied every other edit, so the sentinel range
// the scanner reserved for the checksum is the only thing left unresolved
// by the time this runs.
//
// saferwall/pe computes this checksum internally but doesn't expose a
// "recompute and write" entrypoint, so it's implemented directly against
// the documented algorithm.
func UpdateFileChecksum(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return canonerr.NewIO("read", path, err)
	}

	img, err := Parse(data)
	if err != nil {
		return err
	}
	csOff := img.OptionalHeaderCheckSumOffset()
	if int(csOff)+4 > len(data) {
		return canonerr.NewPeStructure("checksum field out of bounds", nil)
	}

	sum := peChecksum(data, uint32(csOff))

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return canonerr.NewIO("open", path, err)
	}
	defer f.Close()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], sum)
	if _, err := f.WriteAt(buf[:], int64(csOff)); err != nil {
		return canonerr.NewIO("write", path, err)
	}
	return nil
}

// peChecksum implements the checksum algorithm from the Microsoft PE/COFF
// specification: sum every 16-bit little-endian word of the file (the
// checksum field itself contributes zero), folding carries into the low 16
// bits as it goes, then add the file length.
func peChecksum(data []byte, checksumFieldOffset uint32) uint32 {
	var sum uint32

	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		if uint32(i) == checksumFieldOffset || uint32(i) == checksumFieldOffset+2 {
			continue
		}
		word := uint32(binary.LittleEndian.Uint16(data[i : i+2]))
		sum += word
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	if n%2 == 1 {
		sum += uint32(data[n-1])
		sum = (sum & 0xFFFF) + (sum >> 16)
	}

	sum = (sum & 0xFFFF) + (sum >> 16)
	sum += uint32(n)
	return sum
}
