package multiboot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestValidateBootRegsRejectsBadMagic(t *testing.T) {
	err := ValidateBootRegs(0xdeadbeef, Info{Flags: FlagHasMMap | FlagHasMods})
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestValidateBootRegsRejectsMissingMMap(t *testing.T) {
	err := ValidateBootRegs(InfoMagic, Info{Flags: FlagHasMods})
	if err != ErrMissingMMap {
		t.Fatalf("err = %v, want ErrMissingMMap", err)
	}
}

func TestValidateBootRegsRejectsMissingMods(t *testing.T) {
	err := ValidateBootRegs(InfoMagic, Info{Flags: FlagHasMMap})
	if err != ErrMissingMods {
		t.Fatalf("err = %v, want ErrMissingMods", err)
	}
}

func TestValidateBootRegsAcceptsValidInfo(t *testing.T) {
	err := ValidateBootRegs(InfoMagic, Info{Flags: FlagHasMMap | FlagHasMods})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func encodeMMapEntry(base, length uint64, typ uint32) []byte {
	var buf bytes.Buffer

	size := uint32(8 + 8 + 4)
	_ = binary.Write(&buf, binary.LittleEndian, size)
	_ = binary.Write(&buf, binary.LittleEndian, base)
	_ = binary.Write(&buf, binary.LittleEndian, length)
	_ = binary.Write(&buf, binary.LittleEndian, typ)

	return buf.Bytes()
}

func TestParseMMapDecodesMultipleEntries(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(encodeMMapEntry(0, 0x9FC00, 1))
	buf.Write(encodeMMapEntry(0x100000, 0x1000000, 1))

	entries, err := ParseMMap(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseMMap: %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	if entries[1].Base != 0x100000 || entries[1].Length != 0x1000000 {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}

func TestParseMMapRejectsTruncatedEntry(t *testing.T) {
	buf := encodeMMapEntry(0, 0x1000, 1)
	truncated := buf[:len(buf)-4]

	if _, err := ParseMMap(truncated); err == nil {
		t.Fatalf("expected an error for a truncated entry")
	}
}

func TestParseModulesDecodesFixedSizeEntries(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, Module{ModStart: 0x100000, ModEnd: 0x200000, String: 4})
	_ = binary.Write(&buf, binary.LittleEndian, Module{ModStart: 0x200000, ModEnd: 0x300000, String: 20})

	mods, err := ParseModules(buf.Bytes(), 2)
	if err != nil {
		t.Fatalf("ParseModules: %v", err)
	}

	if mods[0].ModStart != 0x100000 || mods[1].ModStart != 0x200000 {
		t.Fatalf("unexpected modules: %+v", mods)
	}
}

func TestParseModulesRejectsShortBuffer(t *testing.T) {
	if _, err := ParseModules(make([]byte, 8), 1); err == nil {
		t.Fatalf("expected an error for a short buffer")
	}
}

func TestMatchTagAcceptsTerminators(t *testing.T) {
	cases := []struct {
		tag  string
		want string
		ok   bool
	}{
		{"kernel\n", "kernel", true},
		{"kernel\r", "kernel", true},
		{"kernel\x00", "kernel", true},
		{"kernel", "kernel", true},
		{"kernel_extra", "kernel", false},
		{"kern", "kernel", false},
	}

	for _, c := range cases {
		if got := MatchTag(c.tag, c.want); got != c.ok {
			t.Errorf("MatchTag(%q, %q) = %v, want %v", c.tag, c.want, got, c.ok)
		}
	}
}

func TestFindModuleByTagLocatesMatchingModule(t *testing.T) {
	strTab := []byte("other\x00kernel\x00")
	mods := []Module{
		{String: 0},
		{String: 6},
	}

	idx := FindModuleByTag(mods, strTab, "kernel")
	if idx != 1 {
		t.Fatalf("FindModuleByTag = %d, want 1", idx)
	}
}

func TestFindModuleByTagReturnsMinusOneWhenAbsent(t *testing.T) {
	strTab := []byte("other\x00")
	mods := []Module{{String: 0}}

	if idx := FindModuleByTag(mods, strTab, "kernel"); idx != -1 {
		t.Fatalf("FindModuleByTag = %d, want -1", idx)
	}
}
