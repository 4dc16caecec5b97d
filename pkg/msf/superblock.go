// Package msf implements the Multi-Stream Format container that backs a
// PDB file: a super block, a stream directory, and a set of streams stored
// as block lists that need not be contiguous. Reading follows the layout
// jtang613-gopdb's pdb/msf package uses; writing is new, since rewriting a
// PDB into a fresh, compacted container is this package's whole purpose.
package msf

import (
	"bytes"
	"fmt"
)

// Magic is the MSF 7.00 signature every PDB file begins with.
var Magic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")

// SuperBlockSize is the size in bytes of the fixed-layout SuperBlock.
const SuperBlockSize = 56

// ValidBlockSizes enumerates the block sizes the format allows.
var ValidBlockSizes = []uint32{512, 1024, 2048, 4096}

// SuperBlock is the header at the start of every MSF file.
type SuperBlock struct {
	BlockSize         uint32
	FreeBlockMapBlock uint32
	NumBlocks         uint32
	NumDirectoryBytes uint32
	Unknown           uint32
	BlockMapAddr      uint32
}

func isValidBlockSize(size uint32) bool {
	for _, v := range ValidBlockSizes {
		if v == size {
			return true
		}
	}
	return false
}

func validateMagic(got []byte) error {
	if !bytes.Equal(got, Magic) {
		return fmt.Errorf("invalid MSF magic: not a PDB file")
	}
	return nil
}

// NumDirectoryBlocks returns how many blocks the stream directory occupies.
func (sb *SuperBlock) NumDirectoryBlocks() uint32 {
	return ceilDiv(sb.NumDirectoryBytes, sb.BlockSize)
}

func ceilDiv(n, d uint32) uint32 {
	return (n + d - 1) / d
}
