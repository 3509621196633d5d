package config

import (
	"testing"

	"github.com/gokvm-project/partvisor/vm"
)

const validYAML = `
nr_pcpus: 4
ram_size_total: 0x40000000
lo_mmio_size: 0x10000000
kvm_device_path: /dev/kvm
vms:
  - vm_id: 0
    name: safety
    safety: true
    pcpu_of: [0]
    kernel: /boot/safety.bz
    kernel_format: bzimage
    load_gpa: 0x100000
  - vm_id: 1
    name: standard
    pcpu_of: [1, 2]
    kernel: /boot/std.bz
`

func TestParseValidConfig(t *testing.T) {
	c, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if c.NrPCPUs != 4 || len(c.VMs) != 2 {
		t.Fatalf("unexpected config: %+v", c)
	}

	if c.TopAddr() != 0x40000000+0x10000000 {
		t.Fatalf("TopAddr = %#x, want sum of ram+mmio", c.TopAddr())
	}
}

func TestParseRejectsDuplicateVMID(t *testing.T) {
	yaml := `
nr_pcpus: 2
vms:
  - vm_id: 0
    pcpu_of: [0]
  - vm_id: 0
    pcpu_of: [1]
`

	if _, err := Parse([]byte(yaml)); err == nil {
		t.Fatalf("expected an error for duplicate vm_id")
	}
}

func TestParseRejectsSecondSafetyVM(t *testing.T) {
	yaml := `
nr_pcpus: 2
vms:
  - vm_id: 0
    safety: true
    pcpu_of: [0]
  - vm_id: 1
    safety: true
    pcpu_of: [1]
`

	if _, err := Parse([]byte(yaml)); err == nil {
		t.Fatalf("expected an error for two safety vms")
	}
}

func TestParseRejectsOutOfRangePCPU(t *testing.T) {
	yaml := `
nr_pcpus: 1
vms:
  - vm_id: 0
    pcpu_of: [5]
`

	if _, err := Parse([]byte(yaml)); err == nil {
		t.Fatalf("expected an error for an out-of-range pcpu")
	}
}

func TestVmConfigSeverityAndKernel(t *testing.T) {
	safety := VmConfig{Safety: true}
	if safety.Severity() != vm.SeveritySafety {
		t.Fatalf("expected SeveritySafety")
	}

	std := VmConfig{}
	if std.Severity() != vm.SeverityStandard {
		t.Fatalf("expected SeverityStandard")
	}

	zephyr := VmConfig{KernelFmt: "zephyr"}

	k, err := zephyr.ResolveKernel()
	if err != nil || k != vm.KernelZephyr {
		t.Fatalf("ResolveKernel(zephyr) = %v, %v", k, err)
	}

	bad := VmConfig{VMID: 9, KernelFmt: "nonsense"}
	if _, err := bad.ResolveKernel(); err == nil {
		t.Fatalf("expected an error for an unknown kernel format")
	}
}
