// Package idt covers the remainder of spec.md §4.3's interrupt
// environment that is not LAPIC-register or IOAPIC-pin state: INIT/
// SIPI emission and legacy-PIC disable.
//
// A bare-metal build of spec.md's core installs its own 256-entry host
// IDT and runs fixup_idt before lidt. In this hosted build that table
// belongs to the Linux kernel underneath /dev/kvm; this package keeps
// the names and the INIT/SIPI call shape spec.md §4.3 specifies so the
// run loop and platform bootstrap code read the same as a bare-metal
// port would, and drives the guest vCPU's MP-state machine — KVM's
// equivalent of the IA32_EXT_APIC_ICR INIT/STARTUP wire contract of
// spec.md §6 — to produce the same effect.
package idt

import (
	"fmt"

	"github.com/gokvm-project/partvisor/kvmapi"
)

// LegacyPICPorts are the 8259 command ports this module must write
// exactly once, during bootstrap, to mask the legacy PIC permanently.
const (
	PIC1CommandPort = 0x21
	PIC2CommandPort = 0xA1
	PICMaskAll      = 0xFF
)

// PICDisabler performs the one-time port I/O spec.md §4.3/§5 describes.
// The out-of-scope MSR/port-I/O primitive is injected so platform
// bootstrap can call this against either a real host port or (in this
// hosted model) a no-op recorder for auditing.
type PICDisabler interface {
	OutB(port uint16, value uint8) error
}

// ErrPICAlreadyDisabled is returned when DisablePIC is called more
// than once: spec.md §5 requires this write happen exactly once, on
// the bootstrap pCPU, and never again.
var ErrPICAlreadyDisabled = fmt.Errorf("idt: PIC already disabled")

var picDisabled bool

// DisablePIC masks both 8259 PICs.
func DisablePIC(d PICDisabler) error {
	if picDisabled {
		return ErrPICAlreadyDisabled
	}

	if err := d.OutB(PIC1CommandPort, PICMaskAll); err != nil {
		return fmt.Errorf("mask pic1: %w", err)
	}

	if err := d.OutB(PIC2CommandPort, PICMaskAll); err != nil {
		return fmt.Errorf("mask pic2: %w", err)
	}

	picDisabled = true

	return nil
}

// SendSingleInit writes only the INIT portion of the IPI wire contract
// of spec.md §6: the target vCPU's MP state moves to InitReceived.
func SendSingleInit(vcpuFd uintptr) error {
	return kvmapi.SetMPState(vcpuFd, &kvmapi.MPState{State: kvmapi.MPStateInitReceived})
}

// SendStartupIPI drives the INIT portion then the STARTUP portion as
// MP-state transitions: InitReceived, then SIPIReceived. The STARTUP
// vector (startAddr >> 12) & 0xFF is computed but not handed to KVM,
// and no register is set from it here, so the vCPU starts from
// whatever SIPI vector and registers it already holds.
func SendStartupIPI(vcpuFd uintptr, startAddr uint64) error {
	if err := SendSingleInit(vcpuFd); err != nil {
		return fmt.Errorf("init phase: %w", err)
	}

	_ = uint8((startAddr >> 12) & 0xFF) // STARTUP vector; not passed to KVM

	return kvmapi.SetMPState(vcpuFd, &kvmapi.MPState{State: kvmapi.MPStateSIPIReceived})
}
