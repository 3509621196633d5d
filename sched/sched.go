package sched

import (
	"sync"
	"sync/atomic"
)

// NeedReschedule is the one flag bit Control.Flags carries.
const NeedReschedule uint32 = 1 << 0

// NotifyMode selects how MakeRescheduleRequest kicks a remote pCPU.
type NotifyMode int

const (
	// NotifyIPI sends a lightweight kick IPI.
	NotifyIPI NotifyMode = iota
	// NotifyINIT sends an INIT IPI (used to pull a halted pCPU back
	// into the scheduler).
	NotifyINIT
)

// Notifier delivers a cross-pCPU reschedule notification. No
// implementation outside tests exists in this module; with a nil
// Notifier, MakeRescheduleRequest only sets the flag.
type Notifier interface {
	NotifyReschedule(pcpuID int, mode NotifyMode)
}

// NoopControl is the per-pCPU private state of the noop policy: at
// most one pinned vCPU thread.
type NoopControl struct {
	ThreadObj *ThreadObject
}

// Control is the per-pCPU scheduler control block of spec.md §3.
type Control struct {
	PCPUID int

	flags atomic.Uint32

	mu      sync.Mutex
	currObj *ThreadObject
	idle    *ThreadObject
	priv    NoopControl

	notifier Notifier
}

// NewControl creates a Control for pcpuID with idle as its permanent
// idle thread. idle.PCPUID and any future pinned thread's PCPUID must
// equal pcpuID.
func NewControl(pcpuID int, idle *ThreadObject, n Notifier) *Control {
	idle.IsIdle = true
	idle.PCPUID = pcpuID

	c := &Control{PCPUID: pcpuID, idle: idle, notifier: n}
	c.currObj = idle
	idle.sched = c

	return c
}

// Init points obj's owning Control at this pCPU's noop private state,
// and binds obj to this Control (the pinned vCPU thread for this
// pCPU).
func (c *Control) Init(obj *ThreadObject) {
	obj.PCPUID = c.PCPUID
	obj.sched = c
	c.priv.ThreadObj = obj
}

// PickNext implements pick_next(ctl): return the pinned thread if
// present, else the idle thread.
func (c *Control) PickNext() *ThreadObject {
	if c.priv.ThreadObj != nil {
		return c.priv.ThreadObj
	}

	return c.idle
}

// Sleep implements sleep(obj): if obj is this pCPU's pinned thread,
// clear it so PickNext falls back to idle.
func (c *Control) Sleep(obj *ThreadObject) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.priv.ThreadObj == obj {
		c.priv.ThreadObj = nil
	}

	obj.Status = Blocked
}

// Wake implements wake(obj): if no thread is pinned, pin obj.
func (c *Control) Wake(obj *ThreadObject) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.priv.ThreadObj == nil {
		c.priv.ThreadObj = obj
	}

	obj.Status = Runnable

	c.flags.Or(NeedReschedule)
}

// NeedResched reports whether this pCPU has a pending reschedule
// request.
func (c *Control) NeedResched() bool {
	return c.flags.Load()&NeedReschedule != 0
}

// MakeRescheduleRequest sets NeedReschedule and, if target is not
// this pCPU, notifies it via mode.
func (c *Control) MakeRescheduleRequest(targetPCPU int, mode NotifyMode) {
	c.flags.Or(NeedReschedule)

	if targetPCPU != c.PCPUID && c.notifier != nil {
		c.notifier.NotifyReschedule(targetPCPU, mode)
	}
}

// CurrentObj returns the thread object currently installed as running
// on this pCPU.
func (c *Control) CurrentObj() *ThreadObject {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.currObj
}

// Schedule implements schedule() of spec.md §4.4: acquire the
// scheduler lock, clear NeedReschedule, pick the next thread, and if
// it differs from the current one, run its switch-out/switch-in hooks
// and install it as current. It returns the thread now installed,
// which the caller (the vCPU run loop or the idle loop) must then run.
func (c *Control) Schedule() *ThreadObject {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flags.And(^NeedReschedule)

	next := c.PickNext()
	prev := c.currObj

	if next != prev {
		if prev != nil && prev.SwitchOut != nil {
			prev.SwitchOut(prev)
		}

		c.currObj = next

		if next.SwitchIn != nil {
			next.SwitchIn(next)
		}
	}

	return next
}
