package platform

import (
	"errors"
	"testing"

	"github.com/gokvm-project/partvisor/ioapic"
	"github.com/gokvm-project/partvisor/vm"
)

type recordingDisabler struct {
	ports []uint16
}

func (d *recordingDisabler) OutB(port uint16, value uint8) error {
	d.ports = append(d.ports, port)

	return nil
}

func TestAddVMRejectsDuplicateID(t *testing.T) {
	p := New(2, nil)

	v1, _ := vm.New(1, vm.SeverityStandard, []int{0})
	v2, _ := vm.New(1, vm.SeverityStandard, []int{1})

	if err := p.AddVM(v1); err != nil {
		t.Fatalf("AddVM: %v", err)
	}

	if err := p.AddVM(v2); err == nil {
		t.Fatalf("expected an error for a duplicate vm id")
	}
}

func TestAddVMRejectsSecondSafetyVM(t *testing.T) {
	p := New(2, nil)

	v1, _ := vm.New(1, vm.SeveritySafety, []int{0})
	v2, _ := vm.New(2, vm.SeveritySafety, []int{1})

	if err := p.AddVM(v1); err != nil {
		t.Fatalf("AddVM: %v", err)
	}

	if err := p.AddVM(v2); err == nil {
		t.Fatalf("expected an error for a second safety vm")
	}
}

func TestSafetyVMReturnsDesignatedVM(t *testing.T) {
	p := New(1, nil)

	v1, _ := vm.New(1, vm.SeveritySafety, []int{0})
	if err := p.AddVM(v1); err != nil {
		t.Fatalf("AddVM: %v", err)
	}

	if got := p.SafetyVM(); got == nil || got.VMID != 1 {
		t.Fatalf("SafetyVM() = %v, want vm 1", got)
	}
}

func TestBootstrapBuildsGsiTableAndDisablesPICOnce(t *testing.T) {
	p := New(1, nil)

	d := &recordingDisabler{}

	ioapics := []ioapic.PhysicalIOAPIC{{ID: 0, Base: 0xFEC00000, NrPins: 24}}

	if err := p.Bootstrap(ioapics, d); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if p.GsiTable.Len() != 24 {
		t.Fatalf("GsiTable.Len() = %d, want 24", p.GsiTable.Len())
	}

	if len(d.ports) != 2 {
		t.Fatalf("expected exactly 2 PIC port writes, got %d", len(d.ports))
	}

	if err := p.Bootstrap(ioapics, d); err == nil {
		t.Fatalf("expected a second Bootstrap call to fail")
	}
}

func TestMaskAllGsisFailsBeforeBootstrap(t *testing.T) {
	p := New(1, nil)

	if err := p.MaskAllGsis(fakeMasker{}); err == nil {
		t.Fatalf("expected an error before Bootstrap")
	}
}

type fakeMasker struct{}

func (fakeMasker) SetLevel(gsi uint32, level uint32) error { return nil }

func TestFatalPanicAlwaysPanics(t *testing.T) {
	p := New(1, nil)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected FatalPanic to panic")
		}
	}()

	p.FatalPanic(0, errors.New("boom"))
}
