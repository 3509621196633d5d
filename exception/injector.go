package exception

import "github.com/gokvm-project/partvisor/pending"

// Info mirrors spec's ExceptionInfo: the one exception currently
// queued for a vCPU, awaiting injection.
type Info struct {
	Vector Vector
	Error  uint32
}

// IDTVectoring carries a VM-exit's idt_vectoring_info snapshot: an
// event that was in the middle of being delivered when the VM exited
// and must be re-injected verbatim on the next entry.
type IDTVectoring struct {
	Valid        bool
	Raw          uint32
	HasErrorCode bool
	ErrorCode    uint32
}

// Target is the vCPU-side state the injector reads and mutates. A
// concrete vCPU type implements this by delegating to its KVM vCPU
// events state; tests use an in-memory fake.
type Target interface {
	ExceptionInfo() *Info
	Pending() *pending.Bitmap

	// SetEntryInterruption programs the VM-entry interruption-info
	// field (and error code, when hasError) for the next VM-entry.
	SetEntryInterruption(info uint32, errorCode uint32, hasError bool)

	// RetainRIP marks the next VM-entry to not advance guest RIP
	// (inst_len = 0) and sets RFLAGS.RF, the FAULT re-execution policy.
	RetainRIP()

	// SetCR2 writes the guest CR2 register (page-fault linear address).
	SetCR2(linAddr uint64)

	// IDTVectoring returns the saved idt_vectoring_info from the prior
	// VM-exit without clearing it; ClearIDTVectoring discards it.
	IDTVectoring() IDTVectoring
	ClearIDTVectoring()
}

// Queue implements the queue(vcpu, new_vec, new_err) policy of
// spec.md §4.2: double-fault promotion and triple-fault detection.
func Queue(t Target, newVec Vector, newErr uint32) {
	info := t.ExceptionInfo()
	prev := info.Vector

	if prev == DF && ClassifyClass(newVec) != ClassBenign {
		t.Pending().Set(pending.TrpFault)

		return
	}

	if (ClassifyClass(prev) == ClassContributory && ClassifyClass(newVec) == ClassContributory) ||
		(ClassifyClass(prev) == ClassPageFault && ClassifyClass(newVec) != ClassBenign) {
		newVec = DF
		newErr = 0
	}

	info.Vector = newVec
	info.Error = newErr

	t.Pending().Set(pending.EXCP)
}

// InjectGP queues a #GP(err).
func InjectGP(t Target, err uint32) {
	Queue(t, GP, err)
}

// InjectUD queues a #UD.
func InjectUD(t Target) {
	Queue(t, UD, 0)
}

// InjectPF queues a #PF at linAddr, first writing guest CR2.
func InjectPF(t Target, linAddr uint64, err uint32) {
	t.SetCR2(linAddr)
	Queue(t, PF, err)
}

// Inject is invoked from the run loop immediately before VM-entry. It
// drains, in priority order, a queued exception, a pending NMI, or a
// saved idt_vectoring_info, programming at most one VM-entry
// interruption-information field. It reports whether it injected
// anything.
func Inject(t Target) bool {
	if t.Pending().TestAndClear(pending.EXCP) {
		info := t.ExceptionInfo()
		vec := info.Vector
		hasErr := HasErrorCode(vec)

		t.SetEntryInterruption(BuildEntryInfo(vec), info.Error, hasErr)

		info.Vector = VectorInvalid
		info.Error = 0

		if ClassifyType(vec) == TypeFault {
			t.RetainRIP()
		}

		return true
	}

	if t.Pending().TestAndClear(pending.NMI) {
		t.SetEntryInterruption(BuildNMIEntryInfo(), 0, false)

		return true
	}

	if v := t.IDTVectoring(); v.Valid {
		t.SetEntryInterruption(v.Raw, v.ErrorCode, v.HasErrorCode)
		t.ClearIDTVectoring()

		return true
	}

	return false
}

// VMExitOutcome is the result of handling a guest-exception VM-exit.
type VMExitOutcome int

const (
	// VMExitHandled means the run loop may continue normally.
	VMExitHandled VMExitOutcome = iota
	// VMExitFatal means the fatal-error policy of spec.md §7 applies.
	VMExitFatal
)

// OnExceptionVMExit implements on_exception_vmexit of spec.md §4.2:
// RIP is always retained, #DB is re-surfaced to the guest as #GP(0),
// and every other vector is fatal for the owning VM (or the pCPU, for
// the safety VM — that policy decision is the caller's, since it needs
// VM identity this package deliberately does not model).
func OnExceptionVMExit(t Target, vec Vector) VMExitOutcome {
	t.RetainRIP()

	if vec == DB {
		InjectGP(t, 0)

		return VMExitHandled
	}

	return VMExitFatal
}
