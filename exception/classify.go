// Package exception implements the exception-injection state machine:
// classification of x86 exception vectors, the double/triple-fault
// promotion policy, and translation of a queued (vector, error code)
// pair into a VM-entry interruption-information field.
package exception

// Vector is an x86 exception or interrupt vector number.
type Vector = uint32

// Architectural exception vectors used by the classification and
// promotion rules.
const (
	DE Vector = 0  // Divide Error
	DB Vector = 1  // Debug
	NMIVec Vector = 2
	BP Vector = 3  // Breakpoint
	OF Vector = 4  // Overflow
	BR Vector = 5  // Bound Range Exceeded
	UD Vector = 6  // Invalid Opcode
	NM Vector = 7  // Device Not Available
	DF Vector = 8  // Double Fault
	TS Vector = 10 // Invalid TSS
	NP Vector = 11 // Segment Not Present
	SS Vector = 12 // Stack-Segment Fault
	GP Vector = 13 // General Protection
	PF Vector = 14 // Page Fault
	MF Vector = 16 // x87 FP Exception
	AC Vector = 17 // Alignment Check
	MC Vector = 18 // Machine Check
	XM Vector = 19 // SIMD FP Exception
	VE Vector = 20 // Virtualization Exception
)

// VectorInvalid means "nothing pending" in an ExceptionInfo.
const VectorInvalid Vector = 0xFFFFFFFF

// Type partitions vectors by when they report relative to the faulting
// instruction.
type Type int

const (
	TypeFault Type = iota
	TypeTrap
	TypeAbort
	TypeInterrupt
)

func (t Type) String() string {
	switch t {
	case TypeFault:
		return "fault"
	case TypeTrap:
		return "trap"
	case TypeAbort:
		return "abort"
	case TypeInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// Class partitions vectors by their promotion-to-double-fault class.
type Class int

const (
	ClassBenign Class = iota
	ClassContributory
	ClassPageFault
)

// ClassifyType returns the architectural type of vec. NMI and any
// vector above 31 is an interrupt.
func ClassifyType(vec Vector) Type {
	switch vec {
	case DB, BP, OF:
		return TypeTrap
	case DF, MC:
		return TypeAbort
	case NMIVec:
		return TypeInterrupt
	}

	if vec > 31 {
		return TypeInterrupt
	}

	return TypeFault
}

// ClassifyClass returns the double-fault promotion class of vec.
func ClassifyClass(vec Vector) Class {
	switch vec {
	case DE, TS, NP, SS, GP:
		return ClassContributory
	case PF, VE:
		return ClassPageFault
	default:
		return ClassBenign
	}
}

// HasErrorCode reports whether vec's architectural definition carries
// a hardware error code.
func HasErrorCode(vec Vector) bool {
	switch vec {
	case DF, TS, NP, SS, GP, PF, AC:
		return true
	default:
		return false
	}
}

// VMX interruption-information type field values (Intel SDM Vol 3,
// 24.8.3), restricted to the subset this injector emits.
const (
	EntryTypeNMI         uint32 = 2
	EntryTypeHWException uint32 = 3
)

// entryInfoValid is the VALID bit (bit 31) of the VM-entry
// interruption-information field.
const entryInfoValid uint32 = 1 << 31

// BuildEntryInfo returns the VM-entry interruption-information field
// for injecting vec as a hardware exception: VALID | (HW_EXCEPTION<<8)
// | (vec & 0xFF). Vectors 0..31 are always encoded as HW_EXCEPTION
// regardless of their FAULT/TRAP/ABORT type; only NMI (injected
// through a separate path) uses EntryTypeNMI.
func BuildEntryInfo(vec Vector) uint32 {
	return entryInfoValid | (EntryTypeHWException << 8) | (vec & 0xFF)
}

// BuildNMIEntryInfo returns the VM-entry interruption-information
// field for injecting an NMI.
func BuildNMIEntryInfo() uint32 {
	return entryInfoValid | (EntryTypeNMI << 8) | (uint32(NMIVec) & 0xFF)
}
