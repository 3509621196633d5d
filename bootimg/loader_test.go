package bootimg

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/gokvm-project/partvisor/e820"
)

func makeBzImage(setupSects uint8) []byte {
	buf := make([]byte, BootProtoOffset+int(binary.Size(Header{})))

	h := Header{
		SetupSects:  setupSects,
		HeaderMagic: BootProtoMagicSignature,
	}

	var hb bytes.Buffer
	_ = binary.Write(&hb, binary.LittleEndian, h)
	copy(buf[BootProtoOffset:], hb.Bytes())

	return buf
}

func TestParseHeaderRejectsBadSignature(t *testing.T) {
	buf := make([]byte, BootProtoOffset+64)
	if _, err := ParseHeader(buf); err == nil {
		t.Fatalf("expected ErrSignatureMismatch")
	}
}

func TestParseHeaderAcceptsValidSignature(t *testing.T) {
	buf := makeBzImage(4)

	h, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}

	if h.SetupSects != 4 {
		t.Fatalf("SetupSects = %d, want 4", h.SetupSects)
	}
}

func TestBzImageEntryMatchesScenario(t *testing.T) {
	got := BzImageEntry(0x100000, 4)
	want := uint64(0x100A00)

	if got != want {
		t.Fatalf("BzImageEntry = %#x, want %#x", got, want)
	}
}

func TestBzImageEntryZeroSects(t *testing.T) {
	got := BzImageEntry(0x100000, 0)
	want := uint64(0x100200)

	if got != want {
		t.Fatalf("BzImageEntry(loadAddr, 0) = %#x, want %#x", got, want)
	}
}

func TestBootArgsPlacementZeroSize(t *testing.T) {
	if got := BootArgsPlacement(0x100000, 0); got != 0 {
		t.Fatalf("expected 0 for empty boot args, got %#x", got)
	}
}

func TestBootArgsPlacementNonZeroSize(t *testing.T) {
	got := BootArgsPlacement(0x100000, 16)
	want := uint64(0x100000 - 8*1024)

	if got != want {
		t.Fatalf("BootArgsPlacement = %#x, want %#x", got, want)
	}
}

func TestGDTBaseRoundsUpAndTakesMax(t *testing.T) {
	got := GDTBase(0x1001, 0x2000)
	if got != 0x2000 {
		t.Fatalf("GDTBase = %#x, want 0x2000", got)
	}

	got = GDTBase(0x3005, 0x2000)
	if got != 0x3008 {
		t.Fatalf("GDTBase = %#x, want 0x3008", got)
	}
}

func TestDirectBootSWLoaderBzImageSetsZeroPageFields(t *testing.T) {
	hdr := &Header{SetupSects: 4, HeaderMagic: BootProtoMagicSignature}

	tbl := e820.NewTable()
	tbl.AddUnclamped(0, 0x9FC00, e820.RAM)

	result, zp, err := DirectBootSWLoaderBzImage(hdr, 0x100000, 0x100000-8*1024, tbl)
	if err != nil {
		t.Fatalf("DirectBootSWLoaderBzImage: %v", err)
	}

	if result.RIP != BzImageEntry(0x100000, 4) {
		t.Fatalf("RIP = %#x, want entry point", result.RIP)
	}

	if zp.Header.Version != ZeroPageVersion || zp.Header.TypeOfLoader != ZeroPageLoaderType ||
		zp.Header.LoadFlags != ZeroPageLoadFlags {
		t.Fatalf("zero page header fields not overridden: %+v", zp.Header)
	}

	if len(zp.E820Entries) != 1 {
		t.Fatalf("expected e820 table copied into zero page, got %d entries", len(zp.E820Entries))
	}
}

func TestDirectBootSWLoaderBzImageRejectsOversizedE820(t *testing.T) {
	hdr := &Header{SetupSects: 4, HeaderMagic: BootProtoMagicSignature}

	tbl := e820.NewTable()
	for i := 0; i < e820.MaxEntries+1; i++ {
		tbl.AddUnclamped(uint64(i)*0x1000, 0x1000, e820.RAM)
	}

	if _, _, err := DirectBootSWLoaderBzImage(hdr, 0x100000, 0, tbl); err == nil {
		t.Fatalf("expected an error for an oversized e820 table")
	}
}

func TestDirectBootSWLoaderZephyrUsesConfiguredEntry(t *testing.T) {
	result := DirectBootSWLoaderZephyr(0x1000000)
	if result.RIP != 0x1000000 || result.RSI != 0 {
		t.Fatalf("unexpected Zephyr result: %+v", result)
	}
}

func TestZeroPageBytesProducesNonEmptyEncoding(t *testing.T) {
	zp := &ZeroPage{
		Header:       Header{HeaderMagic: BootProtoMagicSignature},
		BootArgsAddr: 0x12345,
		E820Entries: []e820.Entry{
			{Base: 0, Length: 0x9FC00, Type: e820.RAM},
		},
	}

	b, err := zp.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	if len(b) == 0 {
		t.Fatalf("expected non-empty encoding")
	}
}
