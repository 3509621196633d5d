// Package vcpu implements the run loop of spec.md §4.5: per-pCPU
// schedule/drain/VM-entry/dispatch, the fatal-error policy, and the
// idle thread. The loop shape and handler-dispatch-by-exit-reason
// style are adapted from gokvm's machine.RunInfiniteLoop.
package vcpu

import (
	"errors"
	"fmt"
	"log"

	"github.com/gokvm-project/partvisor/exception"
	"github.com/gokvm-project/partvisor/kvmapi"
	"github.com/gokvm-project/partvisor/lapic"
	"github.com/gokvm-project/partvisor/pending"
	"github.com/gokvm-project/partvisor/sched"
	"github.com/gokvm-project/partvisor/vm"
)

// Outcome is the run loop's per-iteration result, the taxonomy of
// spec.md §7 expressed as a Go type instead of negative-integer error
// codes.
type Outcome int

const (
	// OutcomeOK means the iteration completed normally.
	OutcomeOK Outcome = iota
	// OutcomeFaultInject means a guest-attributable error was injected
	// as a fault and the loop continues.
	OutcomeFaultInject
	// OutcomeVMFatal means fatal_error_shutdown_vm(vcpu) was invoked.
	OutcomeVMFatal
	// OutcomePCPUPanic means this pCPU halted permanently via the
	// platform's fatal-error hook.
	OutcomePCPUPanic
	// OutcomeRecoverableInit means an init-time condition was clamped
	// and logged, per spec.md §7's "Recoverable init" row.
	OutcomeRecoverableInit
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeFaultInject:
		return "fault-inject"
	case OutcomeVMFatal:
		return "vm-fatal"
	case OutcomePCPUPanic:
		return "pcpu-panic"
	case OutcomeRecoverableInit:
		return "recoverable-init"
	default:
		return "unknown"
	}
}

// ErrTripleFault signals handle_pending_requests observed TRP_FAULT.
var ErrTripleFault = errors.New("vcpu: triple fault")

// Hooks are the out-of-scope collaborators the run loop calls into at
// fixed points: VMCS/EPT management (out of scope per spec.md §1) and
// the LAPIC reset this module does own.
type Hooks struct {
	// InitVMCS runs init_vmcs(vcpu) for the INIT_VMCS pending request.
	InitVMCS func(v *vm.Vcpu) error
	// FlushEPT runs invept(vm.eptp) for the EPT_FLUSH pending request.
	FlushEPT func(v *vm.Vcpu) error
	// DispatchExit handles one basic VM-exit reason. A negative-style
	// failure is reported via ok=false, meaning "inject #GP(0) and
	// continue" per spec.md §4.5 step 4.
	DispatchExit func(v *vm.Vcpu, reason kvmapi.ExitType, run *kvmapi.RunData) (ok bool)
	// ResetLAPIC runs init_lapic(this_pcpu) for the LAPIC_RESET pending
	// request, defaulting to lapic.Init(vcpu.Arch.VcpuFD).
	ResetLAPIC func(v *vm.Vcpu) error
}

// Target is the interface RunOnce drives Inject/OnExceptionVMExit
// through. vm.KVMTarget is the concrete, kvmapi-backed implementation;
// this package's own tests use an in-memory fake instead.
type Target = exception.Target

// Runner is the per-vCPU state the run loop needs beyond the pure
// vm.Vcpu model: its KVM file descriptor and exception-injection
// target.
type Runner struct {
	Vcpu   *vm.Vcpu
	Target Target
	Sched  *sched.Control
	Hooks  Hooks
	Logger *log.Logger

	// Enter performs VM-entry for the given vCPU file descriptor,
	// defaulting to kvmapi.Run. Tests substitute a fake to avoid real
	// ioctls.
	Enter func(vcpuFD uintptr) error
}

func (r *Runner) enter(fd uintptr) error {
	if r.Enter != nil {
		return r.Enter(fd)
	}

	return kvmapi.Run(fd)
}

// handlePendingRequests implements handle_pending_requests(vcpu) of
// spec.md §4.5: drain bits in priority order InitVMCS, TrpFault,
// LAPICReset, EPTFlush, then hand off to exception.Inject for
// EXCP/NMI/idt-vectoring re-injection.
func (r *Runner) handlePendingRequests() error {
	bm := r.Target.Pending()

	if bm.TestAndClear(pending.InitVMCS) {
		if r.Hooks.InitVMCS != nil {
			if err := r.Hooks.InitVMCS(r.Vcpu); err != nil {
				return fmt.Errorf("init_vmcs: %w", err)
			}
		}
	}

	if bm.TestAndClear(pending.TrpFault) {
		return ErrTripleFault
	}

	if bm.TestAndClear(pending.LAPICReset) {
		resetLAPIC := r.Hooks.ResetLAPIC
		if resetLAPIC == nil {
			resetLAPIC = func(v *vm.Vcpu) error {
				_, err := lapic.Init(v.Arch.VcpuFD)

				return err
			}
		}

		if err := resetLAPIC(r.Vcpu); err != nil {
			return fmt.Errorf("init_lapic: %w", err)
		}
	}

	if bm.TestAndClear(pending.EPTFlush) {
		if r.Hooks.FlushEPT != nil {
			if err := r.Hooks.FlushEPT(r.Vcpu); err != nil {
				return fmt.Errorf("invept: %w", err)
			}
		}
	}

	exception.Inject(r.Target)

	return nil
}

// fatal implements the "fatal policy" of spec.md §4.5/§7: panic the
// pCPU for the safety VM, else shut down the owning VM.
func (r *Runner) fatal(cause error) Outcome {
	v := r.Vcpu.VM()

	if v.IsSafetyVM() {
		panic(fmt.Sprintf("vcpu %d/%d: platform-fatal: %v", v.VMID, r.Vcpu.VcpuID, cause))
	}

	if r.Logger != nil {
		r.Logger.Printf("vcpu %d/%d fatal, shutting down vm: %v", v.VMID, r.Vcpu.VcpuID, cause)
	}

	v.FatalErrorShutdown()

	return OutcomeVMFatal
}

// RunOnce executes one iteration of vcpu_thread's body: schedule if
// requested, drain pending requests, VM-entry, dispatch the exit. It
// does not loop — callers (Run, or tests) drive iteration.
func (r *Runner) RunOnce(run *kvmapi.RunData) Outcome {
	if r.Sched != nil && r.Sched.NeedResched() {
		r.Sched.Schedule()
	}

	if err := r.handlePendingRequests(); err != nil {
		return r.fatal(err)
	}

	if err := r.enter(r.Vcpu.Arch.VcpuFD); err != nil {
		return r.fatal(fmt.Errorf("run_vcpu: %w", err))
	}

	reason := kvmapi.ExitType(run.ExitReason & 0xFFFF)

	if reason == kvmapi.EXITEXCEPTION {
		info := r.Target.ExceptionInfo()

		if exception.OnExceptionVMExit(r.Target, info.Vector) == exception.VMExitFatal {
			return r.fatal(fmt.Errorf("unhandled guest exception vector %d", info.Vector))
		}

		return OutcomeOK
	}

	if r.Hooks.DispatchExit != nil {
		if ok := r.Hooks.DispatchExit(r.Vcpu, reason, run); !ok {
			exception.InjectGP(r.Target, 0)

			return OutcomeFaultInject
		}
	}

	return OutcomeOK
}

// Run executes vcpu_thread(obj): an infinite loop over RunOnce. It
// returns only if stop reports true, observed between iterations —
// the run loop otherwise has no other exit, but tests and the idle
// path need a way to end the goroutine cleanly.
func (r *Runner) Run(run *kvmapi.RunData, stop func() bool) {
	for {
		if stop != nil && stop() {
			return
		}

		r.RunOnce(run)
	}
}

// IdleDecision is what default_idle's one polling pass decided to do.
type IdleDecision int

const (
	IdleDidNothing IdleDecision = iota
	IdleRescheduled
	IdleOffline
	IdleShutdownVM
)

// IdleState is the per-pCPU state default_idle polls, spec.md §4.5.
type IdleState struct {
	NeedOffline   bool
	ShutdownVMID  int
	HasShutdownVM bool
}

// DefaultIdle implements one pass of default_idle(obj): check
// reschedule, then offline, then shutdown-vm-id, else "do idle work"
// (HLT/MWAIT + kick), reporting which branch it took.
func DefaultIdle(sc *sched.Control, st *IdleState, shutdown func(vmID int), idleWork func()) IdleDecision {
	if sc != nil && sc.NeedResched() {
		sc.Schedule()

		return IdleRescheduled
	}

	if st.NeedOffline {
		return IdleOffline
	}

	if st.HasShutdownVM {
		if shutdown != nil {
			shutdown(st.ShutdownVMID)
		}

		st.HasShutdownVM = false

		return IdleShutdownVM
	}

	if idleWork != nil {
		idleWork()
	}

	return IdleDidNothing
}
