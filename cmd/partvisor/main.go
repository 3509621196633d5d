// Command partvisor boots the statically configured VMs named by a
// platform configuration file. It is the generalization of gokvm's
// single-VM main.go to this module's multi-VM, config-driven platform.
package main

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"unsafe"

	"github.com/gokvm-project/partvisor/bootimg"
	"github.com/gokvm-project/partvisor/cli"
	"github.com/gokvm-project/partvisor/config"
	"github.com/gokvm-project/partvisor/e820"
	"github.com/gokvm-project/partvisor/kvmapi"
	"github.com/gokvm-project/partvisor/platform"
	"github.com/gokvm-project/partvisor/vacpi"
	"github.com/gokvm-project/partvisor/vcpu"
	"github.com/gokvm-project/partvisor/vm"
)

func main() {
	cli.BootFunc = runBoot
	cli.ProbeFunc = runProbe

	os.Exit(cli.Exit(cli.Parse()))
}

// outbPortIO is the host port-I/O primitive idt.DisablePIC needs. The
// real instruction wrapper is out of scope (spec.md §1); this hosted
// build logs the write instead, since there is no legacy PIC to mask
// under KVM's in-kernel IRQ chip.
type outbPortIO struct {
	logger *log.Logger
}

func (o outbPortIO) OutB(port uint16, value uint8) error {
	if o.logger != nil {
		o.logger.Printf("outb(%#x, %#x)", port, value)
	}

	return nil
}

// kvmMasker adapts kvmapi.IRQLine to ioapic.Masker.
type kvmMasker struct {
	vmFd uintptr
}

func (m kvmMasker) SetLevel(gsi uint32, level uint32) error {
	return kvmapi.IRQLine(m.vmFd, gsi, level)
}

func runProbe(dev string) error {
	kvmFd, err := kvmapi.OpenDevice(dev)
	if err != nil {
		return fmt.Errorf("open %s: %w", dev, err)
	}

	ver, err := kvmapi.CreateVM(kvmFd)
	if err != nil {
		return fmt.Errorf("probe create vm: %w", err)
	}

	fmt.Printf("kvm device %s opened, vm fd probe returned %#x\n", dev, ver)

	cpuid := &kvmapi.CPUID{Nent: 100}
	if err := kvmapi.GetSupportedCPUID(kvmFd, cpuid); err != nil {
		return fmt.Errorf("get supported cpuid: %w", err)
	}

	fmt.Printf("supported cpuid entries: %d\n", cpuid.Nent)

	return nil
}

func runBoot(configPath, dev string) error {
	logger := log.New(os.Stderr, "partvisor: ", log.LstdFlags)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	pc, err := config.Parse(data)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	plat := platform.New(pc.NrPCPUs, logger)

	kvmFd, err := kvmapi.OpenDevice(dev)
	if err != nil {
		return fmt.Errorf("open %s: %w", dev, err)
	}

	var firstVMFd uintptr

	for _, vc := range pc.VMs {
		vmFd, err := provisionVM(plat, kvmFd, vc, pc.TopAddr(), logger)
		if err != nil {
			return fmt.Errorf("provision vm %d: %w", vc.VMID, err)
		}

		if firstVMFd == 0 {
			firstVMFd = vmFd
		}
	}

	if err := plat.Bootstrap(nil, outbPortIO{logger: logger}); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	if firstVMFd != 0 {
		if err := plat.MaskAllGsis(kvmMasker{vmFd: firstVMFd}); err != nil {
			return fmt.Errorf("mask gsis: %w", err)
		}
	}

	logger.Printf("boot complete: %d vm(s) configured across %d pcpu(s)", len(pc.VMs), pc.NrPCPUs)

	return nil
}

// provisionVM implements the full pre-launched-VM bring-up of spec.md
// §4.6: create the VM and its vCPUs, map and populate guest RAM
// (kernel image, zero page, ACPI tables), program the BP's initial
// register state, and start one pinned run-loop goroutine per vCPU.
func provisionVM(plat *platform.Platform, kvmFd uintptr, vc config.VmConfig, topAddr uint64, logger *log.Logger) (uintptr, error) {
	v, err := vm.New(vc.VMID, vc.Severity(), vc.PCPUOf)
	if err != nil {
		return 0, err
	}

	vmFd, err := kvmapi.CreateVM(kvmFd)
	if err != nil {
		return 0, fmt.Errorf("create vm: %w", err)
	}

	if err := kvmapi.CreateIRQChip(vmFd); err != nil {
		return 0, fmt.Errorf("create irqchip: %w", err)
	}

	ramSize := vc.RAMSize
	if ramSize == 0 {
		ramSize = topAddr
	}

	v.E820.Add(0, ramSize, e820.RAM, ramSize)

	mem, err := kvmapi.MmapAnon(int(ramSize))
	if err != nil {
		return 0, fmt.Errorf("map guest ram: %w", err)
	}

	if err := kvmapi.SetUserMemoryRegion(vmFd, &kvmapi.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		return 0, fmt.Errorf("set user memory region: %w", err)
	}

	v.Mem = mem

	kernelFmt, err := vc.ResolveKernel()
	if err != nil {
		return 0, err
	}

	var entry bootimg.Result

	switch kernelFmt {
	case vm.KernelBzImage:
		entry, err = loadBzImageGuest(v, vc, logger)
		if err != nil {
			if v.IsSafetyVM() {
				plat.FatalPanic(vc.PCPUOf[0], err)
			}

			return 0, fmt.Errorf("load kernel: %w", err)
		}
	case vm.KernelZephyr:
		entry = bootimg.DirectBootSWLoaderZephyr(vc.EntryAddr)
	}

	tpl, err := vacpi.Build(v.Hw.CreatedVcpus)
	if err != nil {
		return 0, fmt.Errorf("build vacpi: %w", err)
	}

	if ok, err := tpl.VerifyChecksums(); err != nil || !ok {
		return 0, fmt.Errorf("vacpi checksums invalid: ok=%v err=%v", ok, err)
	}

	if err := copyACPITables(v.Mem, tpl); err != nil {
		return 0, fmt.Errorf("copy acpi tables: %w", err)
	}

	mmapSize, err := kvmapi.GetVCPUMMapSize(kvmFd)
	if err != nil {
		return 0, fmt.Errorf("get vcpu mmap size: %w", err)
	}

	for i := 0; i < v.Hw.CreatedVcpus; i++ {
		cpu := v.Vcpu(i)

		vcpuFd, err := kvmapi.CreateVCPU(vmFd, i)
		if err != nil {
			return 0, fmt.Errorf("create vcpu %d: %w", i, err)
		}

		cpu.Arch.VcpuFD = vcpuFd

		if err := initVcpuState(vcpuFd, cpu, entry); err != nil {
			return 0, fmt.Errorf("init vcpu %d: %w", i, err)
		}

		runBuf, err := kvmapi.Mmap(int(vcpuFd), int(mmapSize))
		if err != nil {
			return 0, fmt.Errorf("map vcpu %d run page: %w", i, err)
		}

		runData := (*kvmapi.RunData)(unsafe.Pointer(&runBuf[0]))

		pcpu := &plat.PCPUs[cpu.PCPUID()]
		pcpu.Sched.Init(&cpu.Thread)
		pcpu.Sched.Wake(&cpu.Thread)

		runner := &vcpu.Runner{
			Vcpu:   cpu,
			Target: vm.KVMTarget{V: cpu},
			Sched:  pcpu.Sched,
			Hooks:  vcpu.Hooks{DispatchExit: defaultDispatchExit},
			Logger: logger,
		}

		go runVcpuThread(runner, runData)
	}

	v.SetState(vm.Started)

	if err := plat.AddVM(v); err != nil {
		return 0, err
	}

	return vmFd, nil
}

// runVcpuThread is the goroutine body pinned 1:1 to one vCPU: lock the
// OS thread before the first ioctl (the vCPU fd is only valid from the
// thread that issues KVM_RUN against it) and loop forever.
func runVcpuThread(r *vcpu.Runner, run *kvmapi.RunData) {
	runtime.LockOSThread()
	r.Run(run, nil)
}

// defaultDispatchExit handles the exit reasons this core expects in
// the absence of any paravirtual device model (out of scope per
// spec.md §1): a halted guest or a port-I/O access is not fatal.
// Everything else falls back to spec.md §4.5's unhandled-exit policy,
// injecting #GP(0) into the guest.
func defaultDispatchExit(v *vm.Vcpu, reason kvmapi.ExitType, run *kvmapi.RunData) bool {
	switch reason {
	case kvmapi.EXITHLT, kvmapi.EXITIO, kvmapi.EXITINTR, kvmapi.EXITIRQWINDOWOPEN:
		return true
	default:
		return false
	}
}

// initVcpuState programs flat 32-bit protected-mode segments (the
// Linux boot protocol's 32-bit entry convention) on every vCPU, then
// either the BP's initial RIP/RSI/RFLAGS or an AP's parked MP state.
func initVcpuState(vcpuFd uintptr, cpu *vm.Vcpu, entry bootimg.Result) error {
	sregs, err := kvmapi.GetSregs(vcpuFd)
	if err != nil {
		return fmt.Errorf("get sregs: %w", err)
	}

	sregs.CS.Base, sregs.CS.Limit, sregs.CS.G = 0, 0xFFFFFFFF, 1
	sregs.DS.Base, sregs.DS.Limit, sregs.DS.G = 0, 0xFFFFFFFF, 1
	sregs.FS.Base, sregs.FS.Limit, sregs.FS.G = 0, 0xFFFFFFFF, 1
	sregs.GS.Base, sregs.GS.Limit, sregs.GS.G = 0, 0xFFFFFFFF, 1
	sregs.ES.Base, sregs.ES.Limit, sregs.ES.G = 0, 0xFFFFFFFF, 1
	sregs.SS.Base, sregs.SS.Limit, sregs.SS.G = 0, 0xFFFFFFFF, 1
	sregs.CS.DB, sregs.SS.DB = 1, 1
	sregs.CR0 |= 1 // protected mode

	if err := kvmapi.SetSregs(vcpuFd, sregs); err != nil {
		return fmt.Errorf("set sregs: %w", err)
	}

	if !cpu.IsBP() {
		return kvmapi.SetMPState(vcpuFd, &kvmapi.MPState{State: kvmapi.MPStateUninitialized})
	}

	regs, err := kvmapi.GetRegs(vcpuFd)
	if err != nil {
		return fmt.Errorf("get regs: %w", err)
	}

	// Clear all FLAGS bits except bit 1, which is always set.
	regs.RFLAGS = 2
	regs.RIP = entry.RIP
	regs.RSI = entry.RSI

	return kvmapi.SetRegs(vcpuFd, regs)
}

// copyACPITables writes the RSDP/XSDT/MADT encodings into guest memory
// at their fixed GPAs, the copy_to_gpa step of build_vacpi(vm).
func copyACPITables(mem []byte, tpl *vacpi.Template) error {
	rsdp, err := tpl.RSDPBytes()
	if err != nil {
		return fmt.Errorf("encode rsdp: %w", err)
	}

	xsdt, err := tpl.XSDTBytes()
	if err != nil {
		return fmt.Errorf("encode xsdt: %w", err)
	}

	madt, err := tpl.MADTBytes()
	if err != nil {
		return fmt.Errorf("encode madt: %w", err)
	}

	for _, region := range []struct {
		addr uint64
		b    []byte
	}{
		{vacpi.RSDPAddr, rsdp},
		{vacpi.XSDTAddr, xsdt},
		{vacpi.MADTAddr, madt},
	} {
		if region.addr+uint64(len(region.b)) > uint64(len(mem)) {
			return fmt.Errorf("acpi table at %#x (len %d) exceeds guest ram of %d bytes", region.addr, len(region.b), len(mem))
		}

		copy(mem[region.addr:], region.b)
	}

	return nil
}

func loadBzImageGuest(v *vm.Vm, vc config.VmConfig, logger *log.Logger) (bootimg.Result, error) {
	img, err := os.ReadFile(vc.Kernel)
	if err != nil {
		return bootimg.Result{}, fmt.Errorf("read kernel image: %w", err)
	}

	hdr, err := bootimg.ParseHeader(img)
	if err != nil {
		return bootimg.Result{}, fmt.Errorf("parse bzimage header: %w", err)
	}

	bootArgsLoadAddr := bootimg.BootArgsPlacement(vc.LoadGPA, len(vc.BootArgs))

	result, zp, err := bootimg.DirectBootSWLoaderBzImage(hdr, vc.LoadGPA, bootArgsLoadAddr, v.E820)
	if err != nil {
		return bootimg.Result{}, fmt.Errorf("direct_boot_sw_loader: %w", err)
	}

	if vc.LoadGPA+uint64(len(img)) > uint64(len(v.Mem)) {
		return bootimg.Result{}, fmt.Errorf("kernel image (%d bytes) at %#x exceeds guest ram of %d bytes", len(img), vc.LoadGPA, len(v.Mem))
	}

	copy(v.Mem[vc.LoadGPA:], img)

	if len(vc.BootArgs) > 0 {
		if len(vc.BootArgs)+1 > bootimg.MaxBootArgsSize {
			return bootimg.Result{}, bootimg.ErrMaxBootArgs
		}

		if bootArgsLoadAddr+uint64(len(vc.BootArgs))+1 > uint64(len(v.Mem)) {
			return bootimg.Result{}, fmt.Errorf("boot args at %#x exceed guest ram of %d bytes", bootArgsLoadAddr, len(v.Mem))
		}

		copy(v.Mem[bootArgsLoadAddr:], vc.BootArgs)
		v.Mem[bootArgsLoadAddr+uint64(len(vc.BootArgs))] = 0
	}

	zpBytes, err := zp.Bytes()
	if err != nil {
		return bootimg.Result{}, fmt.Errorf("encode zero page: %w", err)
	}

	if result.RSI+uint64(len(zpBytes)) > uint64(len(v.Mem)) {
		return bootimg.Result{}, fmt.Errorf("zero page at %#x exceeds guest ram of %d bytes", result.RSI, len(v.Mem))
	}

	copy(v.Mem[result.RSI:], zpBytes)

	logger.Printf("vm %d: kernel entry=%#x zero_page=%#x", v.VMID, result.RIP, result.RSI)

	return result, nil
}
