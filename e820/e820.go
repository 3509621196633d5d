// Package e820 implements the E820 memory map model of spec.md §3/§6:
// the per-VM table of non-overlapping, base-sorted memory regions, and
// a low-memory allocator that finds page-aligned RAM below 1MiB.
package e820

import "sort"

// Type is an E820 entry's memory-region classification.
type Type uint32

const (
	RAM Type = 1 + iota
	Reserved
	AcpiReclaim
	AcpiNvs
	Unusable
)

// PageSize is the page-rounding unit the low-memory allocator rounds
// requests to.
const PageSize = 0x1000

// MaxEntries bounds the zero-page e820 table (E820_MAX_ENTRIES in the
// Linux boot protocol).
const MaxEntries = 128

// Entry is one E820 region.
type Entry struct {
	Base   uint64
	Length uint64
	Type   Type
}

// End returns the exclusive end address of the entry.
func (e Entry) End() uint64 { return e.Base + e.Length }

// Table is a VM's E820 map: non-overlapping, sorted ascending by base.
type Table struct {
	entries []Entry
}

// NewTable returns an empty E820 table.
func NewTable() *Table { return &Table{} }

// Add inserts an entry, clamping it to topAddr and rejecting entries
// entirely above it, then re-sorts the table by base. This implements
// the "reject entries whose base lies above CONFIG_PLATFORM_RAM_SIZE +
// PLATFORM_LO_MMIO_SIZE; clamp entries that straddle it" policy of
// spec.md §4.6.
func (t *Table) Add(base, length uint64, typ Type, topAddr uint64) {
	if base >= topAddr {
		return
	}

	if base+length > topAddr {
		length = topAddr - base
	}

	t.entries = append(t.entries, Entry{Base: base, Length: length, Type: typ})

	sort.Slice(t.entries, func(i, j int) bool { return t.entries[i].Base < t.entries[j].Base })
}

// AddUnclamped inserts an entry with no top-address clamp, for callers
// that already know their entries fit.
func (t *Table) AddUnclamped(base, length uint64, typ Type) {
	t.entries = append(t.entries, Entry{Base: base, Length: length, Type: typ})
	sort.Slice(t.entries, func(i, j int) bool { return t.entries[i].Base < t.entries[j].Base })
}

// Entries returns the table's entries in ascending-base order.
func (t *Table) Entries() []Entry { return t.entries }

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// MemBottom returns the lowest entry's base, or 0 if the table is
// empty.
func (t *Table) MemBottom() uint64 {
	if len(t.entries) == 0 {
		return 0
	}

	return t.entries[0].Base
}

// MemTop returns the highest entry's end address, or 0 if the table is
// empty.
func (t *Table) MemTop() uint64 {
	if len(t.entries) == 0 {
		return 0
	}

	top := uint64(0)
	for _, e := range t.entries {
		if e.End() > top {
			top = e.End()
		}
	}

	return top
}

// TotalMemSize sums the lengths of RAM-typed entries.
func (t *Table) TotalMemSize() uint64 {
	var total uint64

	for _, e := range t.entries {
		if e.Type == RAM {
			total += e.Length
		}
	}

	return total
}

func roundUpPage(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// NoLowMemory is the sentinel AllocLowMemory returns on failure.
const NoLowMemory = ^uint64(0)

// LowMemLimit is the 1MiB boundary AllocLowMemory searches below.
const LowMemLimit = 0x100000

// AllocLowMemory implements e820_alloc_low_memory(size): walk entries,
// round each to page boundaries, and return the highest page-aligned
// address in a RAM entry at or below 1MiB large enough to hold size,
// else NoLowMemory.
//
// Per spec.md §9's open question, size is rounded up to a page after
// first adding one extra page — reproduced here verbatim since
// spec.md leaves it unresolved whether this is a guard-page policy or
// an off-by-one, and this module does not change load-bearing
// allocator behavior speculatively.
func (t *Table) AllocLowMemory(size uint64) uint64 {
	need := roundUpPage(size + PageSize)

	best := NoLowMemory

	for _, e := range t.entries {
		if e.Type != RAM {
			continue
		}

		base := roundUpPage(e.Base)
		end := e.End()

		if end > LowMemLimit {
			end = LowMemLimit
		}

		if end < base || end-base < need {
			continue
		}

		candidate := end - need
		candidate &^= PageSize - 1

		if candidate < base {
			continue
		}

		if best == NoLowMemory || candidate > best {
			best = candidate
		}
	}

	return best
}
