package msf

import (
	"bytes"
	"path/filepath"
	"testing"
)

func buildContainer(t *testing.T, blockSize uint32, streamData [][]byte) *Container {
	t.Helper()
	return &Container{
		superBlock: SuperBlock{BlockSize: blockSize},
		streams:    streamData,
	}
}

func TestWriteThenParseRoundTrips(t *testing.T) {
	streams := [][]byte{
		bytes.Repeat([]byte{0x01}, 10),
		bytes.Repeat([]byte{0x02}, 5000), // spans multiple blocks at blockSize 512
		nil,                              // a deleted stream slot
		{},
	}
	c := buildContainer(t, 512, streams)

	path := filepath.Join(t.TempDir(), "out.pdb")
	if err := c.WriteTo(path); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got.NumStreams() != len(streams) {
		t.Fatalf("expected %d streams, got %d", len(streams), got.NumStreams())
	}

	for i, want := range streams {
		s, err := got.Stream(i)
		if err != nil {
			t.Fatalf("Stream(%d): %v", i, err)
		}
		if want == nil {
			if s != nil {
				t.Errorf("stream %d: expected nil (deleted), got %d bytes", i, len(s))
			}
			continue
		}
		if !bytes.Equal(s, want) {
			t.Errorf("stream %d: round-trip mismatch (got %d bytes, want %d)", i, len(s), len(want))
		}
	}
}

func TestSetStreamReplacesContent(t *testing.T) {
	c := buildContainer(t, 512, [][]byte{{1, 2, 3}})
	if err := c.SetStream(0, []byte{9, 9}); err != nil {
		t.Fatalf("SetStream: %v", err)
	}
	got, err := c.Stream(0)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if !bytes.Equal(got, []byte{9, 9}) {
		t.Errorf("got %v", got)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	data := make([]byte, SuperBlockSize)
	if _, err := Parse(data); err == nil {
		t.Errorf("expected an error for bad magic")
	}
}
