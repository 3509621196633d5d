package cli

import (
	"errors"
	"testing"
)

func TestBootCMDRunRequiresRegisteredFunc(t *testing.T) {
	old := BootFunc
	BootFunc = nil

	defer func() { BootFunc = old }()

	b := &BootCMD{ConfigPath: "x.yaml", Dev: "/dev/kvm"}
	if err := b.Run(); err == nil {
		t.Fatalf("expected an error when BootFunc is unregistered")
	}
}

func TestBootCMDRunDelegatesToBootFunc(t *testing.T) {
	old := BootFunc

	defer func() { BootFunc = old }()

	var gotConfig, gotDev string

	BootFunc = func(configPath, dev string) error {
		gotConfig, gotDev = configPath, dev

		return nil
	}

	b := &BootCMD{ConfigPath: "platform.yaml", Dev: "/dev/kvm"}
	if err := b.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if gotConfig != "platform.yaml" || gotDev != "/dev/kvm" {
		t.Fatalf("BootFunc called with unexpected args: %q %q", gotConfig, gotDev)
	}
}

func TestProbeCMDRunPropagatesError(t *testing.T) {
	old := ProbeFunc

	defer func() { ProbeFunc = old }()

	ProbeFunc = func(dev string) error { return errors.New("no kvm") }

	p := &ProbeCMD{Dev: "/dev/kvm"}
	if err := p.Run(); err == nil {
		t.Fatalf("expected error to propagate")
	}
}

func TestExitReturnsZeroOnNilError(t *testing.T) {
	if code := Exit(nil); code != 0 {
		t.Fatalf("Exit(nil) = %d, want 0", code)
	}
}

func TestExitReturnsOneOnError(t *testing.T) {
	if code := Exit(errors.New("boom")); code != 1 {
		t.Fatalf("Exit(err) = %d, want 1", code)
	}
}
