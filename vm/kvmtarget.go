package vm

import (
	"github.com/gokvm-project/partvisor/exception"
	"github.com/gokvm-project/partvisor/kvmapi"
	"github.com/gokvm-project/partvisor/pending"
)

// rflagsRF is the RFLAGS.RF (resume flag) bit: set to mark the next
// VM-entry as a fault re-execution, per spec.md §4.2.
const rflagsRF = 1 << 16

// KVMTarget adapts a *Vcpu to exception.Target over its KVM vCPU fd:
// SetEntryInterruption/RetainRIP/SetCR2 become KVM_SET_VCPU_EVENTS,
// KVM_{GET,SET}_REGS, and KVM_{GET,SET}_SREGS calls. ExceptionInfo and
// the pending bitmap stay in-memory on the Vcpu itself, since KVM
// exposes no ioctl for either.
type KVMTarget struct {
	V *Vcpu
}

func (t KVMTarget) ExceptionInfo() *exception.Info { return &t.V.Arch.ExceptionInfo }
func (t KVMTarget) Pending() *pending.Bitmap        { return &t.V.PendingReq }

// SetEntryInterruption implements exception.Target by round-tripping
// kvm_vcpu_events: fetch the current state, overwrite the
// exception/NMI sub-struct matching info's VMX interruption-type
// field, and write it back.
func (t KVMTarget) SetEntryInterruption(info uint32, errorCode uint32, hasError bool) {
	ev, err := kvmapi.GetVCPUEvents(t.V.Arch.VcpuFD)
	if err != nil {
		return
	}

	vec := uint8(info & 0xFF)
	typ := (info >> 8) & 0x7

	ev.Exception = kvmapi.ExceptionEvent{}
	ev.NMI = kvmapi.NMIEvent{}

	if typ == exception.EntryTypeNMI {
		ev.NMI.Injected = 1
	} else {
		ev.Exception.Injected = 1
		ev.Exception.Nr = vec

		if hasError {
			ev.Exception.HasErrorCode = 1
			ev.Exception.ErrorCode = errorCode
		}
	}

	_ = kvmapi.SetVCPUEvents(t.V.Arch.VcpuFD, ev)
}

// RetainRIP sets RFLAGS.RF so the next VM-entry re-executes the
// faulting instruction instead of advancing past it.
func (t KVMTarget) RetainRIP() {
	regs, err := kvmapi.GetRegs(t.V.Arch.VcpuFD)
	if err != nil {
		return
	}

	regs.RFLAGS |= rflagsRF

	_ = kvmapi.SetRegs(t.V.Arch.VcpuFD, regs)
}

// SetCR2 writes the guest CR2 register ahead of a page-fault injection.
func (t KVMTarget) SetCR2(linAddr uint64) {
	sregs, err := kvmapi.GetSregs(t.V.Arch.VcpuFD)
	if err != nil {
		return
	}

	sregs.CR2 = linAddr

	_ = kvmapi.SetSregs(t.V.Arch.VcpuFD, sregs)
}

func (t KVMTarget) IDTVectoring() exception.IDTVectoring { return t.V.Arch.IDTVectoring }

func (t KVMTarget) ClearIDTVectoring() { t.V.Arch.IDTVectoring = exception.IDTVectoring{} }

var _ exception.Target = KVMTarget{}
