// Package ioapic implements IOAPIC pin discovery and masking, and the
// platform-wide GsiTable of spec.md §3/§4.3.
package ioapic

import "sync"

// Entry is one row of the GsiTable: the IOAPIC owning a GSI, its pin
// index within that IOAPIC, and the IOAPIC's register-window base.
type Entry struct {
	IOAPICID   uint8
	Pin        uint8
	IOAPICBase uint64
}

// NrLegacyIRQ is the number of fixed ISA-legacy GSIs (0..15) whose
// GsiTable index equals the legacy IRQ number.
const NrLegacyIRQ = 16

// Table is the ordered GSI->pin mapping built once during host init
// from the MADT. Indices 0..NrLegacyIRQ-1 are the ISA-legacy mapping;
// all later entries have Pin equal to their linear pin index within
// the owning IOAPIC.
type Table struct {
	entries []Entry
}

// PhysicalIOAPIC describes one IOAPIC discovered in the MADT, with the
// pin count already read from its Version register:
// nr_pins = ((VER>>16)&0xFF)+1.
type PhysicalIOAPIC struct {
	ID     uint8
	Base   uint64
	NrPins uint8
}

// NewTable builds a GsiTable from the physical IOAPICs discovered in
// the MADT.
func NewTable(ioapics []PhysicalIOAPIC) *Table {
	t := &Table{}

	linear := map[uint8]uint8{}

	for _, ap := range ioapics {
		for pin := uint8(0); pin < ap.NrPins; pin++ {
			entry := Entry{IOAPICID: ap.ID, Pin: linear[ap.ID], IOAPICBase: ap.Base}
			linear[ap.ID]++

			t.entries = append(t.entries, entry)
		}
	}

	return t
}

// Len returns nr_gsi, the platform-wide total of masked pins.
func (t *Table) Len() int { return len(t.entries) }

// Entry returns the GsiTable row at gsi.
func (t *Table) Entry(gsi int) (Entry, bool) {
	if gsi < 0 || gsi >= len(t.entries) {
		return Entry{}, false
	}

	return t.entries[gsi], true
}

// Masker raises/lowers a GSI at the platform's interrupt controller.
// *kvmapi-backed implementations satisfy this by calling
// kvmapi.IRQLine(vmFd, gsi, level).
type Masker interface {
	SetLevel(gsi uint32, level uint32) error
}

// window serializes the "write REGSEL then read/write WINDOW" MMIO
// access pattern spec.md §9 requires to be atomic with respect to
// other accessors.
var window sync.Mutex

// MaskAll writes every RTE in the table with the mask bit set (level
// 0 at the platform's interrupt controller) and no other bits set.
// Idempotent: masking an already-masked pin is a no-op observationally.
func MaskAll(t *Table, m Masker) error {
	window.Lock()
	defer window.Unlock()

	for gsi := range t.entries {
		if err := m.SetLevel(uint32(gsi), 0); err != nil {
			return err
		}
	}

	return nil
}
