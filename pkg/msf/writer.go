package msf

import (
	"encoding/binary"
	"os"

	"canonpe/pkg/canonerr"
)

// WriteTo serializes the container's current streams into a freshly
// compacted MSF file at path, discarding whatever block layout and stream
// directory the source file had. Every stream is laid out contiguously in
// stream order; nothing is reused from the original file's free space, so
// the output never carries leftover blocks from streams that shrank or
// were dropped.
func (c *Container) WriteTo(path string) error {
	blockSize := c.superBlock.BlockSize
	if blockSize == 0 {
		blockSize = 4096
	}

	// Block 0 is the super block; blocks 1 and 2 are the free block map
	// pair. The freshly written file has no free blocks of its own, so
	// both FPM blocks are all-zero.
	next := uint32(3)

	type placement struct {
		size   uint32
		blocks []uint32
	}
	placements := make([]placement, len(c.streams))
	for i, data := range c.streams {
		if data == nil {
			placements[i] = placement{size: 0xFFFFFFFF}
			continue
		}
		nb := ceilDiv(uint32(len(data)), blockSize)
		blocks := make([]uint32, nb)
		for j := range blocks {
			blocks[j] = next
			next++
		}
		placements[i] = placement{size: uint32(len(data)), blocks: blocks}
	}

	dir := make([]byte, 0, 4+4*len(placements)*2)
	dir = appendU32(dir, uint32(len(placements)))
	for _, p := range placements {
		dir = appendU32(dir, p.size)
	}
	for _, p := range placements {
		for _, b := range p.blocks {
			dir = appendU32(dir, b)
		}
	}

	numDirBlocks := ceilDiv(uint32(len(dir)), blockSize)
	dirBlocks := make([]uint32, numDirBlocks)
	for i := range dirBlocks {
		dirBlocks[i] = next
		next++
	}

	// The block map — the list of blocks holding the directory — must
	// itself fit in a single block. Real-world PDBs stay well under this;
	// a determinism pass that needs more than blockSize/4 directory
	// blocks is rewriting something unusually large.
	if uint32(len(dirBlocks))*4 > blockSize {
		return canonerr.NewPdbStructure("stream directory too large to fit a single-block block map", nil)
	}
	blockMapAddr := next
	next++

	numBlocks := next

	f, err := os.Create(path)
	if err != nil {
		return canonerr.NewIO("create", path, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(numBlocks) * int64(blockSize)); err != nil {
		return canonerr.NewIO("truncate", path, err)
	}

	writeBlock := func(idx uint32, data []byte) error {
		buf := make([]byte, blockSize)
		copy(buf, data)
		if _, err := f.WriteAt(buf, int64(idx)*int64(blockSize)); err != nil {
			return canonerr.NewIO("write", path, err)
		}
		return nil
	}

	for i := range c.streams {
		p := placements[i]
		if p.size == 0xFFFFFFFF {
			continue
		}
		data := c.streams[i]
		for j, blk := range p.blocks {
			start := uint32(j) * blockSize
			end := start + blockSize
			if end > uint32(len(data)) {
				end = uint32(len(data))
			}
			if err := writeBlock(blk, data[start:end]); err != nil {
				return err
			}
		}
	}

	for i, blk := range dirBlocks {
		start := uint32(i) * blockSize
		end := start + blockSize
		if end > uint32(len(dir)) {
			end = uint32(len(dir))
		}
		if err := writeBlock(blk, dir[start:end]); err != nil {
			return err
		}
	}

	bm := make([]byte, 0, len(dirBlocks)*4)
	for _, b := range dirBlocks {
		bm = appendU32(bm, b)
	}
	if err := writeBlock(blockMapAddr, bm); err != nil {
		return err
	}

	if err := writeBlock(1, nil); err != nil {
		return err
	}
	if err := writeBlock(2, nil); err != nil {
		return err
	}

	sb := make([]byte, 0, SuperBlockSize)
	sb = append(sb, Magic...)
	sb = appendU32(sb, blockSize)
	sb = appendU32(sb, 2) // FreeBlockMapBlock: FPM2 is the active one.
	sb = appendU32(sb, numBlocks)
	sb = appendU32(sb, uint32(len(dir)))
	sb = appendU32(sb, 0) // Unknown
	sb = appendU32(sb, blockMapAddr)
	if err := writeBlock(0, sb); err != nil {
		return err
	}

	return nil
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
