// Package platform is the top-level process object of spec.md §3/§5:
// per-pCPU data, bootstrap-only init ordering, the platform-wide
// GsiTable, and safety-VM designation. It orchestrates C1 through C6
// at host-init time the way gokvm's machine.New/machine.Setup wires
// its own subsystems together, generalized to many VMs instead of one.
package platform

import (
	"fmt"
	"log"
	"sync"

	"github.com/gokvm-project/partvisor/idt"
	"github.com/gokvm-project/partvisor/ioapic"
	"github.com/gokvm-project/partvisor/sched"
	"github.com/gokvm-project/partvisor/vm"
)

// BootPCPUID is the pCPU that runs bootstrap-only init: IOAPIC
// discovery, PIC disable, GsiTable construction.
const BootPCPUID = 0

// PerPCPU is the per-physical-CPU data array entry of spec.md §3.
type PerPCPU struct {
	PCPUID int
	Sched  *sched.Control
}

// Platform owns every statically configured VM, the per-pCPU data
// array, and the platform-wide GsiTable built once during bootstrap.
type Platform struct {
	Logger *log.Logger

	mu       sync.Mutex
	vms      map[int]*vm.Vm
	safetyID int
	haveSafety bool

	PCPUs    []PerPCPU
	GsiTable *ioapic.Table

	bootstrapped bool
}

// New creates a Platform sized for nrPCPUs physical CPUs, one idle
// thread per pCPU, with no reschedule notifier: a reschedule request
// on these controls sets the flag and notifies no remote pCPU.
func New(nrPCPUs int, logger *log.Logger) *Platform {
	p := &Platform{
		Logger: logger,
		vms:    map[int]*vm.Vm{},
		PCPUs:  make([]PerPCPU, nrPCPUs),
	}

	for i := range p.PCPUs {
		idle := &sched.ThreadObject{}
		p.PCPUs[i] = PerPCPU{
			PCPUID: i,
			Sched:  sched.NewControl(i, idle, nil),
		}
	}

	return p
}

// AddVM registers a statically configured VM. The first VM registered
// with vm.SeveritySafety becomes the platform's designated safety VM;
// registering a second one is an error, matching spec.md §1's static,
// build-time resource assignment.
func (p *Platform) AddVM(v *vm.Vm) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.vms[v.VMID]; exists {
		return fmt.Errorf("platform: vm id %d already registered", v.VMID)
	}

	if v.IsSafetyVM() {
		if p.haveSafety {
			return fmt.Errorf("platform: safety vm already designated as vm %d", p.safetyID)
		}

		p.safetyID = v.VMID
		p.haveSafety = true
	}

	p.vms[v.VMID] = v

	return nil
}

// VM returns the registered VM with the given id, or nil.
func (p *Platform) VM(vmID int) *vm.Vm {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.vms[vmID]
}

// SafetyVM returns the designated safety VM, or nil if none was
// registered.
func (p *Platform) SafetyVM() *vm.Vm {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.haveSafety {
		return nil
	}

	return p.vms[p.safetyID]
}

// PICDisabler is the out-of-scope port-I/O primitive Bootstrap needs
// to disable the legacy PIC exactly once.
type PICDisabler = idt.PICDisabler

// Bootstrap runs the bootstrap-pCPU-only portion of host init: build
// the platform-wide GsiTable from the discovered physical IOAPICs, and
// disable the legacy PIC. It must run exactly once, before any pCPU
// enters its run loop, matching spec.md §5's "port I/O write to
// 0x21/0xA1 is done exactly once on the bootstrap pCPU" requirement.
func (p *Platform) Bootstrap(ioapics []ioapic.PhysicalIOAPIC, picDisabler PICDisabler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bootstrapped {
		return fmt.Errorf("platform: Bootstrap already ran")
	}

	p.GsiTable = ioapic.NewTable(ioapics)

	if err := idt.DisablePIC(picDisabler); err != nil {
		return fmt.Errorf("disable pic: %w", err)
	}

	p.bootstrapped = true

	if p.Logger != nil {
		p.Logger.Printf("platform bootstrap complete: gsi_count=%d vms=%d", p.GsiTable.Len(), len(p.vms))
	}

	return nil
}

// MaskAllGsis masks every GSI in the platform's GsiTable through m,
// the IOAPIC-masking phase of host init.
func (p *Platform) MaskAllGsis(m ioapic.Masker) error {
	if p.GsiTable == nil {
		return fmt.Errorf("platform: GsiTable not built, call Bootstrap first")
	}

	return ioapic.MaskAll(p.GsiTable, m)
}

// FatalPanic implements bsp_fatal_error() of spec.md §7: the
// platform-fatal path for the safety VM and unresolvable host
// exceptions. It never returns.
func (p *Platform) FatalPanic(pcpuID int, cause error) {
	if p.Logger != nil {
		p.Logger.Printf("platform fatal error on pcpu %d: %v", pcpuID, cause)
	}

	panic(fmt.Sprintf("pcpu %d: platform-fatal: %v", pcpuID, cause))
}
