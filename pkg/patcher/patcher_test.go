package patcher

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"canonpe/pkg/patchspace"
)

// buildMinimalPE mirrors peimage's test fixture closely enough to exercise
// UpdateFileChecksum at the end of Apply without importing the peimage
// test helpers (which are unexported).
func buildMinimalPE(t *testing.T) []byte {
	t.Helper()
	const (
		dosHeaderSize   = 64
		fileHeaderSize  = 20
		optHeader32Size = 224
		sectionTableOff = dosHeaderSize + 4 + fileHeaderSize + optHeader32Size
	)
	buf := make([]byte, sectionTableOff+64)

	binary.LittleEndian.PutUint16(buf[0:2], 0x5A4D)
	binary.LittleEndian.PutUint32(buf[0x3C:0x40], dosHeaderSize)
	nt := dosHeaderSize
	binary.LittleEndian.PutUint32(buf[nt:nt+4], 0x00004550)
	fh := nt + 4
	binary.LittleEndian.PutUint16(buf[fh:fh+2], 0x14c)
	binary.LittleEndian.PutUint32(buf[fh+4:fh+8], 0xDEADBEEF) // TimeDateStamp
	binary.LittleEndian.PutUint16(buf[fh+16:fh+18], optHeader32Size)
	oh := fh + fileHeaderSize
	binary.LittleEndian.PutUint16(buf[oh:oh+2], 0x10b)
	binary.LittleEndian.PutUint32(buf[oh+60:oh+64], uint32(sectionTableOff))
	binary.LittleEndian.PutUint32(buf[oh+64:oh+68], 0x12345678) // CheckSum placeholder
	binary.LittleEndian.PutUint32(buf[oh+92:oh+96], 16)

	return buf
}

func TestApplySamePathPatchesInPlace(t *testing.T) {
	data := buildMinimalPE(t)
	path := filepath.Join(t.TempDir(), "sample.dll")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	space := patchspace.New()
	tsOff := uint32(64 + 4 + 4) // FileHeader.TimeDateStamp
	if err := space.Insert(patchspace.Range{Start: tsOff, Size: 4}, patchspace.Data{
		Bytes: []byte{0x00, 0x82, 0x3D, 0x4B}, Label: "timestamp",
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	checksumOff := uint32(64 + 4 + 20 + 64)
	if err := space.Insert(patchspace.Range{Start: checksumOff, Size: 4}, patchspace.Data{
		Pending: true, Label: "PE Checksum",
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := Apply(path, path, space); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if binary.LittleEndian.Uint32(got[tsOff:tsOff+4]) != 0x4B3D8200 {
		t.Errorf("timestamp not patched")
	}
	if binary.LittleEndian.Uint32(got[checksumOff:checksumOff+4]) == 0x12345678 {
		t.Errorf("checksum sentinel was never filled in")
	}
}

func TestApplyDifferentPathCopiesFirst(t *testing.T) {
	data := buildMinimalPE(t)
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.dll")
	outPath := filepath.Join(dir, "out.dll")
	if err := os.WriteFile(inPath, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := Apply(inPath, outPath, patchspace.New()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Errorf("expected output file to exist: %v", err)
	}
	if _, err := os.Stat(inPath); err != nil {
		t.Errorf("input file should be untouched: %v", err)
	}
}

func TestApplyRejectsUnresolvedPendingEntry(t *testing.T) {
	data := buildMinimalPE(t)
	path := filepath.Join(t.TempDir(), "sample.dll")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	space := patchspace.New()
	if err := space.Insert(patchspace.Range{Start: 0, Size: 2}, patchspace.Data{
		Pending: true, Label: "PDB GUID",
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := Apply(path, path, space); err == nil {
		t.Errorf("expected an error for an unresolved pending entry")
	}
}
