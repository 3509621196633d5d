package e820

import "testing"

func TestAddClampsAboveTop(t *testing.T) {
	tbl := NewTable()
	tbl.Add(0, 0x2000, RAM, 0x1000)

	if tbl.Len() != 1 {
		t.Fatalf("expected clamped entry to be kept, got %d entries", tbl.Len())
	}

	if tbl.Entries()[0].Length != 0x1000 {
		t.Fatalf("expected entry clamped to 0x1000, got %#x", tbl.Entries()[0].Length)
	}
}

func TestAddRejectsEntirelyAboveTop(t *testing.T) {
	tbl := NewTable()
	tbl.Add(0x2000, 0x1000, RAM, 0x1000)

	if tbl.Len() != 0 {
		t.Fatalf("expected entry entirely above top to be rejected")
	}
}

func TestAddKeepsSortedByBase(t *testing.T) {
	tbl := NewTable()
	tbl.Add(0x4000, 0x1000, RAM, 0x10000)
	tbl.Add(0x1000, 0x1000, RAM, 0x10000)
	tbl.Add(0x2000, 0x1000, Reserved, 0x10000)

	bases := []uint64{}
	for _, e := range tbl.Entries() {
		bases = append(bases, e.Base)
	}

	want := []uint64{0x1000, 0x2000, 0x4000}

	for i, b := range want {
		if bases[i] != b {
			t.Fatalf("entries not sorted: got %v, want %v", bases, want)
		}
	}
}

func TestTotalMemSizeCountsOnlyRAM(t *testing.T) {
	tbl := NewTable()
	tbl.AddUnclamped(0, 0x1000, RAM)
	tbl.AddUnclamped(0x1000, 0x2000, Reserved)
	tbl.AddUnclamped(0x3000, 0x4000, RAM)

	if got := tbl.TotalMemSize(); got != 0x1000+0x4000 {
		t.Fatalf("TotalMemSize = %#x, want %#x", got, 0x1000+0x4000)
	}
}

func TestAllocLowMemoryWithinSingleRAMEntry(t *testing.T) {
	tbl := NewTable()
	tbl.AddUnclamped(0x1000, LowMemLimit, RAM)

	got := tbl.AllocLowMemory(0x2000)
	if got == NoLowMemory {
		t.Fatalf("expected a valid low-memory allocation")
	}

	if got%PageSize != 0 {
		t.Fatalf("allocation %#x is not page-aligned", got)
	}

	need := roundUpPage(0x2000)
	if got+need > LowMemLimit {
		t.Fatalf("allocation %#x..%#x crosses 1MiB", got, got+need)
	}
}

func TestAllocLowMemoryFailsWhenTooBig(t *testing.T) {
	tbl := NewTable()
	tbl.AddUnclamped(0x1000, 0x1000, RAM)

	if got := tbl.AllocLowMemory(0x10000); got != NoLowMemory {
		t.Fatalf("expected NoLowMemory sentinel, got %#x", got)
	}
}

func TestAllocLowMemoryIgnoresNonRAM(t *testing.T) {
	tbl := NewTable()
	tbl.AddUnclamped(0x1000, 0x10000, Reserved)

	if got := tbl.AllocLowMemory(0x1000); got != NoLowMemory {
		t.Fatalf("expected no allocation from a Reserved entry, got %#x", got)
	}
}
