package sched

import "testing"

// S6 — noop scheduler idle fallback.
func TestPickNextFallsBackToIdle(t *testing.T) {
	idle := &ThreadObject{}
	ctl := NewControl(0, idle, nil)

	if ctl.PickNext() != idle {
		t.Fatalf("expected idle thread when nothing is pinned")
	}

	thread := &ThreadObject{}
	ctl.Init(thread)

	ctl.Wake(thread)

	if ctl.PickNext() != thread {
		t.Fatalf("expected pinned thread after Wake")
	}

	ctl.Sleep(thread)

	if ctl.PickNext() != idle {
		t.Fatalf("expected idle thread again after Sleep")
	}
}

func TestScheduleSwitchesAndClearsFlag(t *testing.T) {
	idle := &ThreadObject{}
	ctl := NewControl(0, idle, nil)

	thread := &ThreadObject{}
	ctl.Init(thread)

	var switchedIn, switchedOut *ThreadObject
	idle.SwitchOut = func(o *ThreadObject) { switchedOut = o }
	thread.SwitchIn = func(o *ThreadObject) { switchedIn = o }

	ctl.Wake(thread)

	if !ctl.NeedResched() {
		t.Fatalf("Wake should request a reschedule")
	}

	next := ctl.Schedule()

	if next != thread {
		t.Fatalf("expected schedule to pick the pinned thread")
	}

	if switchedOut != idle || switchedIn != thread {
		t.Fatalf("expected switch-out(idle) and switch-in(thread) to run")
	}

	if ctl.NeedResched() {
		t.Fatalf("Schedule must clear NeedReschedule")
	}

	if ctl.CurrentObj() != thread {
		t.Fatalf("expected current obj updated to thread")
	}
}

type recordingNotifier struct {
	pcpu int
	mode NotifyMode
	n    int
}

func (r *recordingNotifier) NotifyReschedule(pcpuID int, mode NotifyMode) {
	r.pcpu, r.mode, r.n = pcpuID, mode, r.n+1
}

func TestMakeRescheduleRequestNotifiesRemotePCPU(t *testing.T) {
	n := &recordingNotifier{}
	ctl := NewControl(0, &ThreadObject{}, n)

	ctl.MakeRescheduleRequest(1, NotifyINIT)

	if n.n != 1 || n.pcpu != 1 || n.mode != NotifyINIT {
		t.Fatalf("unexpected notifier state: %+v", n)
	}

	if !ctl.NeedResched() {
		t.Fatalf("expected NeedReschedule set")
	}
}

func TestMakeRescheduleRequestSamePCPUDoesNotNotify(t *testing.T) {
	n := &recordingNotifier{}
	ctl := NewControl(3, &ThreadObject{}, n)

	ctl.MakeRescheduleRequest(3, NotifyIPI)

	if n.n != 0 {
		t.Fatalf("expected no notification for self-reschedule request")
	}
}
