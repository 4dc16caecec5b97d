package peimage

import (
	"encoding/binary"
	"testing"
)

// buildMinimalPE assembles a tiny, but structurally valid, PE32 image with
// one section that holds a debug directory (one CODEVIEW entry) and its
// CvInfoPdb70 record. It is just enough for the decomposer to exercise
// every field this package reads.
func buildMinimalPE(t *testing.T, debugTimeDateStamp uint32) []byte {
	t.Helper()

	const (
		dosHeaderSize    = 64
		ntSigSize        = 4
		fileHeaderSize   = 20
		optHeader32Size  = 224
		sectionTableOff  = dosHeaderSize + ntSigSize + fileHeaderSize + optHeader32Size
		numSections      = 1
		sectionHeaderOff = sectionTableOff
		sectionDataOff   = sectionHeaderOff + numSections*sectionHdrSize
		sectionRVA       = 0x1000
	)

	// Layout inside the section's raw data: one IMAGE_DEBUG_DIRECTORY entry
	// followed immediately by its CvInfoPdb70 ("RSDS") record.
	debugEntryOff := uint32(0)
	cvInfoOff := debugEntryOff + debugDirSize

	buf := make([]byte, sectionDataOff+64)

	// DOS header: just e_magic and e_lfanew.
	binary.LittleEndian.PutUint16(buf[0:2], dosMagic)
	binary.LittleEndian.PutUint32(buf[0x3C:0x40], dosHeaderSize)

	nt := dosHeaderSize
	binary.LittleEndian.PutUint32(buf[nt:nt+4], ntSignature)

	fh := nt + 4
	binary.LittleEndian.PutUint16(buf[fh:fh+2], 0x14c)         // Machine: i386
	binary.LittleEndian.PutUint16(buf[fh+2:fh+4], numSections) // NumberOfSections
	binary.LittleEndian.PutUint32(buf[fh+4:fh+8], 0xDEADBEEF) // TimeDateStamp
	binary.LittleEndian.PutUint16(buf[fh+16:fh+18], optHeader32Size)

	oh := fh + fileHeaderSize
	binary.LittleEndian.PutUint16(buf[oh:oh+2], optHdr32Magic)
	binary.LittleEndian.PutUint32(buf[oh+60:oh+64], uint32(sectionDataOff)) // SizeOfHeaders
	binary.LittleEndian.PutUint32(buf[oh+64:oh+68], 0x12345678)             // CheckSum (junk, to be overwritten)
	binary.LittleEndian.PutUint32(buf[oh+92:oh+96], 16)                     // NumberOfRvaAndSizes

	dataDir := oh + 96
	debugDirIdx := DirDebug
	ddOff := dataDir + debugDirIdx*dataDirSize
	binary.LittleEndian.PutUint32(buf[ddOff:ddOff+4], sectionRVA)  // VirtualAddress
	binary.LittleEndian.PutUint32(buf[ddOff+4:ddOff+8], debugDirSize) // Size: one entry

	sh := sectionHeaderOff
	copy(buf[sh:sh+8], []byte(".text\x00\x00\x00"))
	binary.LittleEndian.PutUint32(buf[sh+8:sh+12], 64)                 // VirtualSize
	binary.LittleEndian.PutUint32(buf[sh+12:sh+16], sectionRVA)        // VirtualAddress
	binary.LittleEndian.PutUint32(buf[sh+16:sh+20], 64)                // SizeOfRawData
	binary.LittleEndian.PutUint32(buf[sh+20:sh+24], uint32(sectionDataOff)) // PointerToRawData

	debugEntryFileOff := uint32(sectionDataOff) + debugEntryOff
	binary.LittleEndian.PutUint32(buf[debugEntryFileOff+4:debugEntryFileOff+8], debugTimeDateStamp)
	binary.LittleEndian.PutUint32(buf[debugEntryFileOff+12:debugEntryFileOff+16], ImageDebugTypeCodeview)
	cvInfoFileOff := uint32(sectionDataOff) + cvInfoOff
	binary.LittleEndian.PutUint32(buf[debugEntryFileOff+24:debugEntryFileOff+28], cvInfoFileOff) // PointerToRawData

	binary.LittleEndian.PutUint32(buf[cvInfoFileOff:cvInfoFileOff+4], cvSignatureRSDS)
	for i := 0; i < 16; i++ {
		buf[cvInfoFileOff+4+uint32(i)] = byte(0x11 + i)
	}
	binary.LittleEndian.PutUint32(buf[cvInfoFileOff+20:cvInfoFileOff+24], 5) // Age

	return buf
}

func TestParseAndFileHeaderOffsets(t *testing.T) {
	data := buildMinimalPE(t, 0xCAFEBABE)
	img, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if img.Is64() {
		t.Errorf("expected 32-bit image")
	}
	if img.NumberOfSections() != 1 {
		t.Errorf("expected 1 section, got %d", img.NumberOfSections())
	}

	tsOff := img.FileHeaderTimeDateStampOffset()
	got := binary.LittleEndian.Uint32(data[tsOff : tsOff+4])
	if got != 0xDEADBEEF {
		t.Errorf("FileHeader.TimeDateStamp offset wrong: got 0x%x", got)
	}

	csOff := img.OptionalHeaderCheckSumOffset()
	got = binary.LittleEndian.Uint32(data[csOff : csOff+4])
	if got != 0x12345678 {
		t.Errorf("OptionalHeader.CheckSum offset wrong: got 0x%x", got)
	}
}

func TestTranslateRVA(t *testing.T) {
	data := buildMinimalPE(t, 0xCAFEBABE)
	img, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	off, ok := img.Translate(RVA(0x1000))
	if !ok {
		t.Fatalf("expected translation to succeed")
	}
	if off != FileOffset(img.sizeOfHeaders) {
		t.Errorf("expected translated offset to equal SizeOfHeaders, got %d want %d", off, img.sizeOfHeaders)
	}

	if _, ok := img.Translate(RVA(0xFFFFFF)); ok {
		t.Errorf("expected out-of-range RVA to fail translation")
	}
}

func TestDebugDirectoryAndCvInfo(t *testing.T) {
	data := buildMinimalPE(t, 0xCAFEBABE)
	img, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	entries, err := img.DebugDirectoryEntries()
	if err != nil {
		t.Fatalf("DebugDirectoryEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 debug directory entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.TimeDateStamp != 0xCAFEBABE {
		t.Errorf("unexpected TimeDateStamp: 0x%x", entry.TimeDateStamp)
	}
	if entry.Type != ImageDebugTypeCodeview {
		t.Errorf("expected CODEVIEW type, got %d", entry.Type)
	}

	cv, err := img.CvInfoAt(FileOffset(entry.PointerToRawData))
	if err != nil {
		t.Fatalf("CvInfoAt: %v", err)
	}
	if cv.Age != 5 {
		t.Errorf("expected age 5, got %d", cv.Age)
	}
	for i, b := range cv.Signature {
		if b != byte(0x11+i) {
			t.Errorf("signature byte %d: got 0x%x", i, b)
		}
	}
}

func TestDataDirectoryAbsent(t *testing.T) {
	data := buildMinimalPE(t, 0xCAFEBABE)
	img, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	_, _, ok, err := img.DataDirectoryTimeDateStampOffset(DirExport)
	if err != nil {
		t.Fatalf("DataDirectoryTimeDateStampOffset: %v", err)
	}
	if ok {
		t.Errorf("expected no export directory to be reported")
	}
}
