// Package guidhash computes the content-derived PDB signature: an MD5
// digest of a PE image's bytes with every patched range excluded, streamed
// through a fixed-size buffer rather than held in memory twice over.
package guidhash

import (
	"crypto/md5"
	"io"
	"os"

	"canonpe/pkg/canonerr"
	"canonpe/pkg/patchspace"
)

const bufferSize = 4096

// Hash streams path through MD5, skipping every byte covered by space, and
// returns the 16-byte digest. space's entries need not be resolved yet —
// only their ranges matter, since the bytes about to be written there are
// exactly what must not influence the identity of the file they're being
// written into.
func Hash(path string, space *patchspace.Space) ([16]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [16]byte{}, canonerr.NewIO("open", path, err)
	}
	defer f.Close()

	ranges := space.Iter()

	h := md5.New()
	buf := make([]byte, bufferSize)
	var offset uint32

	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := hashExcludingRanges(h, buf[:n], offset, ranges); werr != nil {
				return [16]byte{}, werr
			}
			offset += uint32(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return [16]byte{}, canonerr.NewIO("read", path, err)
		}
	}

	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// hashExcludingRanges feeds chunk (which covers file bytes
// [chunkStart, chunkStart+len(chunk))) into h, skipping any portion that
// falls inside one of ranges. ranges is assumed sorted and non-overlapping,
// as patchspace.Space guarantees.
func hashExcludingRanges(h io.Writer, chunk []byte, chunkStart uint32, ranges []patchspace.Entry) error {
	chunkEnd := chunkStart + uint32(len(chunk))
	cursor := chunkStart

	for _, e := range ranges {
		if e.Range.End() <= cursor {
			continue
		}
		if e.Range.Start >= chunkEnd {
			break
		}

		if e.Range.Start > cursor {
			start := cursor - chunkStart
			end := min32(e.Range.Start, chunkEnd) - chunkStart
			if _, err := h.Write(chunk[start:end]); err != nil {
				return err
			}
		}

		cursor = max32(cursor, min32(e.Range.End(), chunkEnd))
	}

	if cursor < chunkEnd {
		if _, err := h.Write(chunk[cursor-chunkStart:]); err != nil {
			return err
		}
	}
	return nil
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
