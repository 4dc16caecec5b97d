// Package patchspace implements the PatchAddressSpace: an ordered,
// non-overlapping map from file-offset ranges to replacement bytes. It is
// the shared artifact that the scanner builds, the GUID hasher reads, and
// the file patcher consumes.
package patchspace

import (
	"sort"

	"canonpe/pkg/canonerr"
)

// Range is a half-open byte range [Start, Start+Size) of a file.
type Range struct {
	Start uint32
	Size  uint32
}

// End returns the exclusive end of the range.
func (r Range) End() uint32 { return r.Start + r.Size }

// Data is the replacement payload for a Range. A Pending entry carries no
// bytes yet — the checksum sentinel, and the GUID range before the hasher
// runs, are modeled this way as a two-phase entry.
type Data struct {
	Bytes   []byte
	Pending bool
	Label   string
}

type entry struct {
	rng  Range
	data Data
}

// Space is an ordered, non-overlapping PatchAddressSpace.
type Space struct {
	entries []entry
}

// New returns an empty Space.
func New() *Space {
	return &Space{}
}

// Insert adds data at rng. It fails if rng has zero size or intersects any
// existing range; conflicting, it returns a *canonerr.PatchConflict naming
// both labels.
func (s *Space) Insert(rng Range, data Data) error {
	if rng.Size == 0 {
		return canonerr.NewPolicy("cannot insert a zero-size patch range")
	}

	idx := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].rng.Start >= rng.Start
	})

	if idx > 0 {
		prev := s.entries[idx-1]
		if prev.rng.End() > rng.Start {
			return conflictErr(rng, data, prev)
		}
	}
	if idx < len(s.entries) {
		next := s.entries[idx]
		if next.rng.Start < rng.End() {
			return conflictErr(rng, data, next)
		}
	}

	s.entries = append(s.entries, entry{})
	copy(s.entries[idx+1:], s.entries[idx:])
	s.entries[idx] = entry{rng: rng, data: data}
	return nil
}

func conflictErr(rng Range, data Data, existing entry) error {
	return &canonerr.PatchConflict{
		NewLabel:      data.Label,
		ExistingLabel: existing.data.Label,
		NewStart:      rng.Start,
		NewSize:       rng.Size,
		ExistingStart: existing.rng.Start,
		ExistingSize:  existing.rng.Size,
	}
}

// Resolve supplies bytes for a previously-Pending entry at rng, e.g. the
// GUID range once the content hash has been computed. It is an error to
// resolve a range that wasn't inserted, or one that was already resolved
// with different bytes of a different length.
func (s *Space) Resolve(rng Range, bytes []byte) error {
	if uint32(len(bytes)) != rng.Size {
		return canonerr.NewPolicy("resolved data length does not match range size")
	}
	idx := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].rng.Start >= rng.Start
	})
	if idx >= len(s.entries) || s.entries[idx].rng != rng {
		return canonerr.NewPolicy("no pending entry at the given range")
	}
	s.entries[idx].data.Bytes = bytes
	s.entries[idx].data.Pending = false
	return nil
}

// Entry is a read-only view of one (Range, Data) pair, for iteration.
type Entry struct {
	Range Range
	Data  Data
}

// Iter returns every entry in ascending range-start order.
func (s *Space) Iter() []Entry {
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = Entry{Range: e.rng, Data: e.data}
	}
	return out
}

// Covers reports whether offset falls within any inserted range. Used only
// by tests.
func (s *Space) Covers(offset uint32) bool {
	idx := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].rng.Start > offset
	})
	if idx == 0 {
		return false
	}
	e := s.entries[idx-1]
	return offset >= e.rng.Start && offset < e.rng.End()
}

// Len returns the number of entries currently inserted.
func (s *Space) Len() int { return len(s.entries) }
