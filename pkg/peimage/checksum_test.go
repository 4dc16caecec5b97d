package peimage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestUpdateFileChecksumIsStable(t *testing.T) {
	data := buildMinimalPE(t, 0xCAFEBABE)

	dir := t.TempDir()
	path := filepath.Join(dir, "sample.dll")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := UpdateFileChecksum(path); err != nil {
		t.Fatalf("UpdateFileChecksum: %v", err)
	}

	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if err := UpdateFileChecksum(path); err != nil {
		t.Fatalf("UpdateFileChecksum (second pass): %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(first) != string(second) {
		t.Errorf("recomputing the checksum on an already-checksummed file changed it")
	}

	img, err := Parse(second)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	csOff := img.OptionalHeaderCheckSumOffset()
	got := binary.LittleEndian.Uint32(second[csOff : csOff+4])
	if got == 0x12345678 {
		t.Errorf("checksum field was never updated")
	}
}
