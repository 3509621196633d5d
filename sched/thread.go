// Package sched implements the noop scheduler and thread model of
// spec.md §4.4: one pinned vCPU thread per pCPU plus an idle fallback,
// with cooperative (not preemptive) scheduling.
package sched

// Status is a ThreadObject's run state.
type Status int

const (
	Running Status = iota
	Runnable
	Blocked
)

// ThreadObject is the schedulable unit of spec.md §3. Rather than a
// pointer back to its owning Vcpu (the source's container-of
// pattern), it carries the owning VM/vCPU identity as plain indices —
// spec.md §9's "container-of, expressed as an index" design note —
// so the scheduler never needs to know about the vCPU or VM types.
type ThreadObject struct {
	PCPUID int
	Status Status

	// VMID/VcpuID identify the owning vCPU for non-idle threads. The
	// idle thread object leaves these at their zero value and is never
	// resolved back to a vCPU.
	VMID   int
	VcpuID int

	// IsIdle marks the per-pCPU idle thread.
	IsIdle bool

	// Entry is the function the run loop invokes after a switch-in.
	// It never returns.
	Entry func(*ThreadObject)

	// SwitchIn/SwitchOut run synchronously around a schedule()
	// transition, matching spec.md §4.4.
	SwitchIn  func(*ThreadObject)
	SwitchOut func(*ThreadObject)

	sched *Control
}
