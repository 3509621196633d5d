// Package lapic implements the local-APIC bring-up sequence of
// spec.md §4.3: x2APIC transition and LVT/SIVR/ISR initialization, one
// instance per pCPU.
package lapic

import (
	"fmt"

	"github.com/gokvm-project/partvisor/kvmapi"
)

// xAPIC register byte offsets within the 1KiB KVM_GET_LAPIC page
// (Intel SDM Vol 3, Table 10-1). KVM always exposes the LAPIC in this
// legacy layout even once x2APIC mode is selected via IA32_APIC_BASE.
const (
	regLDR      = 0x0D0
	regSIVR     = 0x0F0
	regISR0     = 0x100 // ISR0..ISR7 each 0x10 apart
	regLVTCMCI  = 0x2F0
	regLVTTimer = 0x320
	regLVTTherm = 0x330
	regLVTPMI   = 0x340
	regLVTLINT0 = 0x350
	regLVTLINT1 = 0x360
	regLVTError = 0x370
	regTimerDiv = 0x3E0
	regTPR      = 0x080
	regICRLo    = 0x300
	regICRHi    = 0x310
	regInitCnt  = 0x380
)

// LVT mask / vector bits.
const (
	lvtMasked uint32 = 1 << 16
)

// SpuriousVector is the platform-wide spurious-interrupt vector
// programmed into the SIVR; 0xFF is the conventional choice on x86.
const SpuriousVector = 0xFF

func reg32(s *kvmapi.LAPICState, off int) uint32 {
	return uint32(s.Regs[off]) | uint32(s.Regs[off+1])<<8 | uint32(s.Regs[off+2])<<16 | uint32(s.Regs[off+3])<<24
}

func setReg32(s *kvmapi.LAPICState, off int, v uint32) {
	s.Regs[off] = byte(v)
	s.Regs[off+1] = byte(v >> 8)
	s.Regs[off+2] = byte(v >> 16)
	s.Regs[off+3] = byte(v >> 24)
}

// ApicBaseMSR bits, IA32_APIC_BASE (0x1B).
const (
	ApicBaseXAPICEnable  uint64 = 1 << 11
	ApicBaseX2APICEnable uint64 = 1 << 10
)

// EnableX2APIC transitions IA32_APIC_BASE through xAPIC before
// x2APIC, as the architecture requires (early_init_lapic in
// spec.md §4.3). base is the current value read from the MSR by the
// caller (MSR access is out of scope for this module; see spec.md §1).
func EnableX2APIC(base uint64) (xapicIntermediate, x2apicFinal uint64) {
	xapicIntermediate = base | ApicBaseXAPICEnable
	x2apicFinal = xapicIntermediate | ApicBaseX2APICEnable

	return xapicIntermediate, x2apicFinal
}

// Init implements init_lapic(pcpu_id): mask all seven LVT entries,
// program SIVR with SpuriousVector, clear the timer divide/ICR/TPR/
// init-count, and drain the ISR.
func Init(vcpuFd uintptr) (ldr uint32, err error) {
	s, err := kvmapi.GetLAPIC(vcpuFd)
	if err != nil {
		return 0, fmt.Errorf("get lapic: %w", err)
	}

	ldr = reg32(s, regLDR)

	for _, off := range []int{regLVTCMCI, regLVTTimer, regLVTTherm, regLVTPMI, regLVTLINT0, regLVTLINT1, regLVTError} {
		setReg32(s, off, reg32(s, off)|lvtMasked)
	}

	setReg32(s, regSIVR, (reg32(s, regSIVR)&^0xFF)|SpuriousVector|(1<<8))
	setReg32(s, regTimerDiv, 0)
	setReg32(s, regICRLo, 0)
	setReg32(s, regICRHi, 0)
	setReg32(s, regTPR, 0)
	setReg32(s, regInitCnt, 0)

	drainISR(s)

	if err := kvmapi.SetLAPIC(vcpuFd, s); err != nil {
		return ldr, fmt.Errorf("set lapic: %w", err)
	}

	return ldr, nil
}

// drainISR issues up to 32 EOIs for each of ISR7..ISR0 that is
// non-zero, per spec.md §4.3. Since this is an in-memory register page
// (not a live APIC), draining means clearing the ISR bits directly —
// the hosted-mode equivalent of repeated EOI writes.
func drainISR(s *kvmapi.LAPICState) {
	for isr := 7; isr >= 0; isr-- {
		off := regISR0 + isr*0x10

		v := reg32(s, off)
		if v == 0 {
			continue
		}

		for i := 0; i < 32 && v != 0; i++ {
			// Clear the highest set bit, mirroring one EOI per
			// outstanding in-service vector.
			highest := uint32(1) << (31 - leadingZeros32(v))
			v &^= highest
		}

		setReg32(s, off, v)
	}
}

func leadingZeros32(v uint32) int {
	n := 0

	for i := 31; i >= 0; i-- {
		if v&(1<<i) != 0 {
			break
		}

		n++
	}

	return n
}
