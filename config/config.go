// Package config holds the static, build/config-time resource
// assignment of spec.md §1/§3: the fixed set of VMs, their vCPU-to-
// pCPU pinning, and platform-wide sizing, loaded once at process start
// and never mutated afterward.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/gokvm-project/partvisor/vm"
)

// VmConfig is one statically configured guest.
type VmConfig struct {
	VMID      int      `yaml:"vm_id"`
	Name      string   `yaml:"name"`
	Safety    bool     `yaml:"safety"`
	PCPUOf    []int    `yaml:"pcpu_of"`
	Kernel    string   `yaml:"kernel"`
	KernelFmt string   `yaml:"kernel_format"` // "bzimage" or "zephyr"
	LoadGPA   uint64   `yaml:"load_gpa"`
	BootArgs  string   `yaml:"boot_args"`
	EntryAddr uint64   `yaml:"entry_addr"` // zephyr only
	RAMSize   uint64   `yaml:"ram_size"`
}

// Severity resolves this VM's vm.Severity.
func (c VmConfig) Severity() vm.Severity {
	if c.Safety {
		return vm.SeveritySafety
	}

	return vm.SeverityStandard
}

// ResolveKernel resolves this VM's vm.Kernel.
func (c VmConfig) ResolveKernel() (vm.Kernel, error) {
	switch c.KernelFmt {
	case "", "bzimage":
		return vm.KernelBzImage, nil
	case "zephyr":
		return vm.KernelZephyr, nil
	default:
		return 0, fmt.Errorf("config: vm %d: unknown kernel_format %q", c.VMID, c.KernelFmt)
	}
}

// PlatformConfig is the whole process's static configuration.
type PlatformConfig struct {
	NrPCPUs        int        `yaml:"nr_pcpus"`
	RAMSizeTotal   uint64     `yaml:"ram_size_total"`
	LoMMIOSize     uint64     `yaml:"lo_mmio_size"`
	KVMDevicePath  string     `yaml:"kvm_device_path"`
	VMs            []VmConfig `yaml:"vms"`
}

// TopAddr is CONFIG_PLATFORM_RAM_SIZE + PLATFORM_LO_MMIO_SIZE, the
// E820 clamp boundary of spec.md §4.6.
func (c PlatformConfig) TopAddr() uint64 {
	return c.RAMSizeTotal + c.LoMMIOSize
}

// Parse decodes a PlatformConfig from YAML and validates the
// invariants spec.md §3 requires before any VM is constructed: unique
// vm_id, at least one pCPU per VM, at most one safety VM.
func Parse(data []byte) (*PlatformConfig, error) {
	var c PlatformConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	if c.NrPCPUs <= 0 {
		return nil, fmt.Errorf("config: nr_pcpus must be positive")
	}

	seen := map[int]bool{}
	safetyCount := 0

	for _, v := range c.VMs {
		if seen[v.VMID] {
			return nil, fmt.Errorf("config: duplicate vm_id %d", v.VMID)
		}

		seen[v.VMID] = true

		if len(v.PCPUOf) == 0 {
			return nil, fmt.Errorf("config: vm %d: pcpu_of must be non-empty", v.VMID)
		}

		for _, p := range v.PCPUOf {
			if p < 0 || p >= c.NrPCPUs {
				return nil, fmt.Errorf("config: vm %d: pcpu %d out of range 0..%d", v.VMID, p, c.NrPCPUs-1)
			}
		}

		if v.Safety {
			safetyCount++
		}
	}

	if safetyCount > 1 {
		return nil, fmt.Errorf("config: at most one safety vm may be configured, got %d", safetyCount)
	}

	return &c, nil
}
