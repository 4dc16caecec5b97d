package msf

import (
	"encoding/binary"
	"os"

	"canonpe/pkg/canonerr"
)

// Container is an MSF file loaded fully into memory: every stream's bytes,
// already reassembled from their (possibly non-contiguous) blocks. A PDB
// rewrite only ever touches a handful of small streams, so holding the
// whole thing in memory avoids re-deriving block math on every access.
type Container struct {
	superBlock SuperBlock
	streams    [][]byte // nil entry means an unused/deleted stream
}

// New builds a Container from scratch out of already-in-memory stream
// data, for callers that construct a PDB's streams programmatically
// rather than by editing an existing file's.
func New(blockSize uint32, streams [][]byte) *Container {
	return &Container{superBlock: SuperBlock{BlockSize: blockSize}, streams: streams}
}

// Open reads path and reassembles every stream into memory.
func Open(path string) (*Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, canonerr.NewIO("read", path, err)
	}
	return Parse(data)
}

// Parse builds a Container from an already-loaded MSF file.
func Parse(data []byte) (*Container, error) {
	if len(data) < SuperBlockSize {
		return nil, canonerr.NewPdbStructure("file too small for an MSF super block", nil)
	}
	if err := validateMagic(data[:32]); err != nil {
		return nil, canonerr.NewPdbStructure(err.Error(), nil)
	}

	sb := SuperBlock{
		BlockSize:         binary.LittleEndian.Uint32(data[32:36]),
		FreeBlockMapBlock: binary.LittleEndian.Uint32(data[36:40]),
		NumBlocks:         binary.LittleEndian.Uint32(data[40:44]),
		NumDirectoryBytes: binary.LittleEndian.Uint32(data[44:48]),
		Unknown:           binary.LittleEndian.Uint32(data[48:52]),
		BlockMapAddr:      binary.LittleEndian.Uint32(data[52:56]),
	}
	if !isValidBlockSize(sb.BlockSize) {
		return nil, canonerr.NewPdbStructure("invalid MSF block size", nil)
	}
	if sb.FreeBlockMapBlock != 1 && sb.FreeBlockMapBlock != 2 {
		return nil, canonerr.NewPdbStructure("invalid MSF free block map index", nil)
	}

	readBlock := func(idx uint32, out []byte) error {
		off := int64(idx) * int64(sb.BlockSize)
		if off < 0 || off+int64(len(out)) > int64(len(data)) {
			return canonerr.NewPdbStructure("block index out of range", nil)
		}
		copy(out, data[off:off+int64(len(out))])
		return nil
	}

	numDirBlocks := sb.NumDirectoryBlocks()
	blockMap := make([]uint32, numDirBlocks)
	bmBuf := make([]byte, numDirBlocks*4)
	if err := readBlock(sb.BlockMapAddr, bmBuf); err != nil {
		return nil, err
	}
	for i := range blockMap {
		blockMap[i] = binary.LittleEndian.Uint32(bmBuf[i*4 : i*4+4])
	}

	dirData := make([]byte, sb.NumDirectoryBytes)
	var read uint32
	for _, blk := range blockMap {
		toRead := sb.BlockSize
		if read+toRead > uint32(len(dirData)) {
			toRead = uint32(len(dirData)) - read
		}
		if err := readBlock(blk, dirData[read:read+toRead]); err != nil {
			return nil, err
		}
		read += toRead
	}

	numStreams := binary.LittleEndian.Uint32(dirData[0:4])
	cursor := uint32(4)
	sizes := make([]uint32, numStreams)
	for i := range sizes {
		sizes[i] = binary.LittleEndian.Uint32(dirData[cursor : cursor+4])
		cursor += 4
	}

	streams := make([][]byte, numStreams)
	for i, size := range sizes {
		if size == 0xFFFFFFFF {
			streams[i] = nil
			continue
		}
		nb := ceilDiv(size, sb.BlockSize)
		blocks := make([]uint32, nb)
		for j := range blocks {
			blocks[j] = binary.LittleEndian.Uint32(dirData[cursor : cursor+4])
			cursor += 4
		}

		buf := make([]byte, size)
		var got uint32
		for _, blk := range blocks {
			toRead := sb.BlockSize
			if got+toRead > size {
				toRead = size - got
			}
			if err := readBlock(blk, buf[got:got+toRead]); err != nil {
				return nil, err
			}
			got += toRead
		}
		streams[i] = buf
	}

	return &Container{superBlock: sb, streams: streams}, nil
}

// NumStreams returns the stream count.
func (c *Container) NumStreams() int { return len(c.streams) }

// Stream returns the raw bytes of stream index, or nil for an unused
// stream slot.
func (c *Container) Stream(index int) ([]byte, error) {
	if index < 0 || index >= len(c.streams) {
		return nil, canonerr.NewPdbStructure("stream index out of range", nil)
	}
	return c.streams[index], nil
}

// SetStream replaces the contents of stream index. Streams are rewritten
// wholesale — there is no partial-update path, matching how the DBI and
// symbol record normalization passes in pkg/pdbrewrite operate.
func (c *Container) SetStream(index int, data []byte) error {
	if index < 0 || index >= len(c.streams) {
		return canonerr.NewPdbStructure("stream index out of range", nil)
	}
	c.streams[index] = data
	return nil
}

// BlockSize returns the block size this container was opened with.
func (c *Container) BlockSize() uint32 { return c.superBlock.BlockSize }
