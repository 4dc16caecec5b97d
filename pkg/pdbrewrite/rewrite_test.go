package pdbrewrite

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"canonpe/pkg/msf"
)

func buildSymbolRecordStream(t *testing.T) []byte {
	t.Helper()
	body := []byte{0x01, 0x02, 'f', 'o', 'o', 0x00, 0xAA, 0xBB}
	record := make([]byte, 2+len(body))
	binary.LittleEndian.PutUint16(record[0:2], uint16(len(body)))
	copy(record[2:], body)
	return record
}

func TestRewriteEndToEnd(t *testing.T) {
	headerStream := make([]byte, 32)
	binary.LittleEndian.PutUint32(headerStream[0:4], 20000404)
	binary.LittleEndian.PutUint32(headerStream[4:8], 0xDEADBEEF)
	binary.LittleEndian.PutUint32(headerStream[8:12], 5)
	for i := 0; i < 16; i++ {
		headerStream[12+i] = byte(0x11 + i)
	}

	streams := make([][]byte, 9)
	streams[StreamOldDirectory] = []byte("stale directory bytes")
	streams[StreamPDBInfo] = headerStream
	streams[StreamTPI] = []byte("type info, untouched")
	streams[StreamDBI] = buildDBIStream(t)
	streams[4] = []byte("unrelated stream, untouched")
	streams[7] = make([]byte, 32) // public symbol info stream
	for i := 24; i < 28; i++ {
		streams[7][i] = 0xEE // linker junk to be zeroed
	}
	streams[8] = buildSymbolRecordStream(t) // symbol record stream

	c := msf.New(512, streams)

	dir := t.TempDir()
	inputPath := filepath.Join(dir, "in.pdb")
	if err := c.WriteTo(inputPath); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	outputPath := filepath.Join(dir, "out.pdb")
	var guid [16]byte
	for i := range guid {
		guid[i] = byte(0xA0 + i)
	}
	if err := Rewrite(inputPath, outputPath, 0x4B3D8200, 1, guid); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	if _, err := os.Stat(inputPath); err != nil {
		t.Errorf("input file should still exist: %v", err)
	}

	out, err := msf.Open(outputPath)
	if err != nil {
		t.Fatalf("Open output: %v", err)
	}

	oldDir, err := out.Stream(StreamOldDirectory)
	if err != nil {
		t.Fatalf("Stream(old directory): %v", err)
	}
	if oldDir != nil {
		t.Errorf("old directory stream should be empty/unused, got %d bytes", len(oldDir))
	}

	info, err := out.Stream(StreamPDBInfo)
	if err != nil {
		t.Fatalf("Stream(pdb info): %v", err)
	}
	if got := binary.LittleEndian.Uint32(info[4:8]); got != 0x4B3D8200 {
		t.Errorf("timestamp not rewritten: got 0x%x", got)
	}
	if got := binary.LittleEndian.Uint32(info[8:12]); got != 1 {
		t.Errorf("age not rewritten: got %d", got)
	}
	for i := range guid {
		if info[12+i] != guid[i] {
			t.Errorf("GUID byte %d not rewritten", i)
			break
		}
	}

	dbi, err := out.Stream(StreamDBI)
	if err != nil {
		t.Fatalf("Stream(dbi): %v", err)
	}
	if got := binary.LittleEndian.Uint32(dbi[dbiOffAge : dbiOffAge+4]); got != 1 {
		t.Errorf("DBI age not rewritten: got %d", got)
	}

	pub, err := out.Stream(7)
	if err != nil {
		t.Fatalf("Stream(public): %v", err)
	}
	for i := 24; i < 28; i++ {
		if pub[i] != 0 {
			t.Errorf("public symbol info byte %d not zeroed", i)
		}
	}

	sym, err := out.Stream(8)
	if err != nil {
		t.Fatalf("Stream(symbols): %v", err)
	}
	want := []byte{0x01, 0x02, 'f', 'o', 'o', 0x00, 0x00, 0x00}
	for i, b := range want {
		if sym[2+i] != b {
			t.Errorf("symbol record byte %d: got 0x%x, want 0x%x", i, sym[2+i], b)
		}
	}

	untouched, err := out.Stream(4)
	if err != nil {
		t.Fatalf("Stream(4): %v", err)
	}
	if string(untouched) != "unrelated stream, untouched" {
		t.Errorf("unrelated stream was modified")
	}
}
