// Package kvmapi wraps the /dev/kvm ioctl surface this module needs.
// It is adapted from gokvm's kvm package, ported from raw
// syscall.Syscall calls to golang.org/x/sys/unix, and extended with
// KVM_{GET,SET}_VCPU_EVENTS, KVM_{GET,SET}_MP_STATE and
// KVM_{GET,SET}_LAPIC — the hosted-mode equivalents of the VMX
// interruption-information field, the INIT/SIPI wire contract, and
// direct LAPIC register programming that spec.md treats as hardware
// primitives.
package kvmapi

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl numbers, taken from <linux/kvm.h>. Only the subset this module
// exercises is declared.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmCreateVCPU          = 0xAE41
	kvmRun                 = 0xAE80
	kvmGetVCPUMMapSize     = 0xAE04
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetTSSAddr          = 0xAE47
	kvmSetIdentityMapAddr  = 0x4008AE48
	kvmCreateIRQChip       = 0xAE60
	kvmCreatePIT2          = 0x4040AE77
	kvmGetSupportedCPUID   = 0xC008AE05
	kvmSetCPUID2           = 0x4008AE90
	kvmIRQLine             = 0xc008ae67
	kvmGetVCPUEvents       = 0x8040ae9f
	kvmSetVCPUEvents       = 0x4040aea0
	kvmGetMPState          = 0x8004ae98
	kvmSetMPState          = 0x4004ae99
	kvmGetLAPIC            = 0x8400ae8e
	kvmSetLAPIC            = 0x4400ae8f

	// EXITIOIN / EXITIOOUT index RunData.IO()'s direction result.
	EXITIOIN  = 0
	EXITIOOUT = 1
)

// ExitType is the basic (low 16 bits of) a KVM_RUN exit reason.
type ExitType uint32

// Exit reasons this module dispatches on. Values match <linux/kvm.h>.
const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITINTERNALERROR ExitType = 17
)

func (e ExitType) String() string {
	switch e {
	case EXITUNKNOWN:
		return "EXITUNKNOWN"
	case EXITEXCEPTION:
		return "EXITEXCEPTION"
	case EXITIO:
		return "EXITIO"
	case EXITHYPERCALL:
		return "EXITHYPERCALL"
	case EXITDEBUG:
		return "EXITDEBUG"
	case EXITHLT:
		return "EXITHLT"
	case EXITMMIO:
		return "EXITMMIO"
	case EXITIRQWINDOWOPEN:
		return "EXITIRQWINDOWOPEN"
	case EXITSHUTDOWN:
		return "EXITSHUTDOWN"
	case EXITFAILENTRY:
		return "EXITFAILENTRY"
	case EXITINTR:
		return "EXITINTR"
	case EXITSETTPR:
		return "EXITSETTPR"
	case EXITTPRACCESS:
		return "EXITTPRACCESS"
	case EXITINTERNALERROR:
		return "EXITINTERNALERROR"
	default:
		return "EXIT(unknown)"
	}
}

func ioctl(fd uintptr, op uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// OpenDevice opens the KVM device node (normally /dev/kvm).
func OpenDevice(path string) (uintptr, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return 0, err
	}

	return uintptr(fd), nil
}

func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, kvmCreateVM, 0)
}

func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return ioctl(vmFd, kvmCreateVCPU, uintptr(id))
}

func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, kvmRun, 0)

	return err
}

func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, kvmGetVCPUMMapSize, 0)
}

func SetTSSAddr(vmFd uintptr, addr uintptr) error {
	_, err := ioctl(vmFd, kvmSetTSSAddr, addr)

	return err
}

func SetIdentityMapAddr(vmFd uintptr, addr uint64) error {
	_, err := ioctl(vmFd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))

	return err
}

func CreateIRQChip(vmFd uintptr) error {
	_, err := ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

type PITConfig struct {
	Flags uint32
	_     [15]uint32
}

func CreatePIT2(vmFd uintptr) error {
	pit := PITConfig{}
	_, err := ioctl(vmFd, kvmCreatePIT2, uintptr(unsafe.Pointer(&pit)))

	return err
}

type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine raises or lowers a GSI, the ioctl this module uses to model
// both legacy PCI interrupt delivery and IOAPIC pin masking (level 0
// on every GSI at boot).
func IRQLine(vmFd uintptr, irq uint32, level uint32) error {
	l := IRQLevel{IRQ: irq, Level: level}
	_, err := ioctl(vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&l)))

	return err
}

// Regs mirrors struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	_, err := ioctl(vcpuFd, kvmGetRegs, uintptr(unsafe.Pointer(regs)))

	return regs, err
}

func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := ioctl(vcpuFd, kvmSetRegs, uintptr(unsafe.Pointer(regs)))

	return err
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base                         uint64
	Limit                        uint32
	Selector                     uint16
	Typ, Present, DPL, DB, S, L  uint8
	G, AVL, Unusable             uint8
	_                            uint8
}

// DTable mirrors struct kvm_dtable (GDT/IDT descriptors).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterrupts = 0x100

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS  Segment
	TR, LDT                 Segment
	GDT, IDT                DTable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER, ApicBase          uint64
	InterruptBitmap         [(numInterrupts + 63) / 64]uint64
}

func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := ioctl(vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(sregs)))

	return sregs, err
}

func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := ioctl(vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(sregs)))

	return err
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function, Index, Flags uint32
	Eax, Ebx, Ecx, Edx     uint32
	Padding                [3]uint32
}

// CPUID mirrors struct kvm_cpuid2, sized for the 100-entry buffer the
// teacher allocates.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

func GetSupportedCPUID(kvmFd uintptr, c *CPUID) error {
	_, err := ioctl(kvmFd, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(c)))

	return err
}

func SetCPUID2(vcpuFd uintptr, c *CPUID) error {
	_, err := ioctl(vcpuFd, kvmSetCPUID2, uintptr(unsafe.Pointer(c)))

	return err
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func SetUserMemoryRegion(vmFd uintptr, r *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(r)))

	return err
}

// ExceptionEvent mirrors the exception sub-struct of kvm_vcpu_events.
type ExceptionEvent struct {
	Injected     uint8
	Nr           uint8
	HasErrorCode uint8
	Pad          uint8
	ErrorCode    uint32
}

// InterruptEvent mirrors the interrupt sub-struct of kvm_vcpu_events.
type InterruptEvent struct {
	Injected       uint8
	Nr             uint8
	SoftOrShadow   uint8
	Pad            uint8
}

// NMIEvent mirrors the nmi sub-struct of kvm_vcpu_events.
type NMIEvent struct {
	Injected uint8
	Pending  uint8
	Masked   uint8
	Pad      uint8
}

// VCPUEvents mirrors the prefix of struct kvm_vcpu_events this module
// needs: exception/interrupt/NMI injection state, and the
// idt_vectoring_info snapshot carried across a VM-exit. This is the
// hosted-mode equivalent of VMX_ENTRY_INT_INFO_FIELD /
// VMX_ENTRY_EXCEPTION_ERROR_CODE / VMX_EXIT_IDT_VECTORING_INFO_FIELD.
type VCPUEvents struct {
	Exception ExceptionEvent
	Interrupt InterruptEvent
	NMI       NMIEvent
	SIPIVector uint32
	Flags      uint32
	_          [40]uint8 // smi, triple_fault, reserved and payload tail of kvm_vcpu_events (64 bytes total), unused here
}

func GetVCPUEvents(vcpuFd uintptr) (*VCPUEvents, error) {
	ev := &VCPUEvents{}
	_, err := ioctl(vcpuFd, kvmGetVCPUEvents, uintptr(unsafe.Pointer(ev)))

	return ev, err
}

func SetVCPUEvents(vcpuFd uintptr, ev *VCPUEvents) error {
	_, err := ioctl(vcpuFd, kvmSetVCPUEvents, uintptr(unsafe.Pointer(ev)))

	return err
}

// MPState mirrors struct kvm_mp_state.
type MPState struct {
	State uint32
}

// MP-state values this module drives through INIT/SIPI.
const (
	MPStateRunnable      uint32 = 0
	MPStateUninitialized uint32 = 1
	MPStateInitReceived  uint32 = 2
	MPStateHalted        uint32 = 3
	MPStateSIPIReceived  uint32 = 4
)

func GetMPState(vcpuFd uintptr) (*MPState, error) {
	s := &MPState{}
	_, err := ioctl(vcpuFd, kvmGetMPState, uintptr(unsafe.Pointer(s)))

	return s, err
}

func SetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := ioctl(vcpuFd, kvmSetMPState, uintptr(unsafe.Pointer(s)))

	return err
}

// LAPICState mirrors struct kvm_lapic_state: the 1KiB xAPIC-format
// register page KVM exposes even when x2APIC is enabled.
type LAPICState struct {
	Regs [1024]byte
}

func GetLAPIC(vcpuFd uintptr) (*LAPICState, error) {
	s := &LAPICState{}
	_, err := ioctl(vcpuFd, kvmGetLAPIC, uintptr(unsafe.Pointer(s)))

	return s, err
}

func SetLAPIC(vcpuFd uintptr, s *LAPICState) error {
	_, err := ioctl(vcpuFd, kvmSetLAPIC, uintptr(unsafe.Pointer(s)))

	return err
}

// RunData mirrors the head of struct kvm_run used by this module.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the kvm_run.io union for an EXITIO exit.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// Mmap wraps unix.Mmap for the kvm_run page and guest RAM allocation.
func Mmap(fd int, length int) ([]byte, error) {
	return unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// MmapAnon allocates anonymous guest RAM.
func MmapAnon(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
}
