package pdbrewrite

import (
	"encoding/binary"

	"canonpe/pkg/canonerr"
)

// NormalizeSymbolRecords walks the symbol record stream and, for each
// record, zeroes the tail padding a linker leaves uninitialized between a
// symbol's embedded name and the record's 4-byte-aligned end.
//
// Record framing: a u16 length prefix followed by that many bytes of
// body. By format, length+2 is a multiple of 4 and length is at least 2.
func NormalizeSymbolRecords(data []byte) error {
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return canonerr.NewPdbStructure("symbol record stream truncated at length prefix", nil)
		}
		size := binary.LittleEndian.Uint16(data[offset : offset+2])
		if size < 2 {
			return canonerr.NewPdbStructure("symbol record declared size too small", nil)
		}

		bodyStart := offset + 2
		end := bodyStart + int(size)
		if end > len(data) {
			return canonerr.NewPdbStructure("symbol record body truncated", nil)
		}

		if err := zeroRecordTail(data, bodyStart, end); err != nil {
			return err
		}

		offset = end
	}
	return nil
}

// zeroRecordTail finds the NUL terminator of the record's embedded name by
// scanning backward from end-3, then zeroes everything after it up to
// end-1.
func zeroRecordTail(data []byte, bodyStart, end int) error {
	scanFrom := end - 3
	if scanFrom < bodyStart {
		return nil
	}

	nulAt := -1
	for i := scanFrom; i >= bodyStart; i-- {
		if data[i] == 0 {
			nulAt = i
			break
		}
	}
	if nulAt == -1 {
		return canonerr.NewPdbStructure("symbol record name missing NUL terminator", nil)
	}

	for i := nulAt + 1; i < end; i++ {
		data[i] = 0
	}
	return nil
}
