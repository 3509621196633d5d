// Package diag implements the crash/fault diagnostic dump the fatal
// paths of spec.md §7 produce before a pCPU halts: a register dump and
// a disassembly of the faulting instruction at RIP. The reflection-
// based field dump and the register-by-name lookup are adapted
// verbatim in spirit from gokvm's machine.show/GetReg, generalized
// from *kvm.Regs to this module's own kvmapi.Regs.
package diag

import (
	"fmt"
	"reflect"

	"golang.org/x/arch/x86/x86asm"

	"github.com/gokvm-project/partvisor/kvmapi"
)

// ErrUnsupportedRegister is returned when GetReg is asked for a
// register this module does not model.
var ErrUnsupportedRegister = fmt.Errorf("diag: unsupported register")

// showOne renders one struct's exported fields, one per line, in a
// field-name/type/value dump format.
func showOne(indent string, in interface{}) string {
	var ret string

	v := reflect.ValueOf(in).Elem()
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		if !f.CanInterface() {
			continue
		}

		if f.Kind() == reflect.String {
			ret += fmt.Sprintf(indent+"%s %s = %s\n", t.Field(i).Name, f.Type(), f.Interface())
		} else {
			ret += fmt.Sprintf(indent+"%s %s = %#x\n", t.Field(i).Name, f.Type(), f.Interface())
		}
	}

	return ret
}

// Show renders each of l, indented, in the fault-dump format.
func Show(indent string, l ...interface{}) string {
	var ret string

	for _, i := range l {
		ret += showOne(indent, i)
	}

	return ret
}

// GetReg returns a pointer to the named register within r, for the
// subset of general-purpose registers this module's crash dump reads.
func GetReg(r *kvmapi.Regs, reg x86asm.Reg) (*uint64, error) {
	switch reg {
	case x86asm.RAX:
		return &r.RAX, nil
	case x86asm.RBX:
		return &r.RBX, nil
	case x86asm.RCX:
		return &r.RCX, nil
	case x86asm.RDX:
		return &r.RDX, nil
	case x86asm.RSP:
		return &r.RSP, nil
	case x86asm.RBP:
		return &r.RBP, nil
	case x86asm.RSI:
		return &r.RSI, nil
	case x86asm.RDI:
		return &r.RDI, nil
	case x86asm.R8:
		return &r.R8, nil
	case x86asm.R9:
		return &r.R9, nil
	case x86asm.R10:
		return &r.R10, nil
	case x86asm.R11:
		return &r.R11, nil
	case x86asm.R12:
		return &r.R12, nil
	case x86asm.R13:
		return &r.R13, nil
	case x86asm.R14:
		return &r.R14, nil
	case x86asm.R15:
		return &r.R15, nil
	case x86asm.RIP:
		return &r.RIP, nil
	}

	return nil, fmt.Errorf("register %v: %w", reg, ErrUnsupportedRegister)
}

// DisassembleAt decodes one instruction from code (the guest memory
// bytes at RIP) in 64-bit mode, returning its textual form for the
// crash dump.
func DisassembleAt(code []byte, pc uint64) (string, int, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "", 0, fmt.Errorf("decode at %#x: %w", pc, err)
	}

	return x86asm.GNUSyntax(inst, pc, nil), inst.Len, nil
}

// Dump renders a full crash report: register state and, when code is
// available, the faulting instruction.
func Dump(vcpuID int, regs *kvmapi.Regs, sregs *kvmapi.Sregs, codeAtRIP []byte) string {
	report := fmt.Sprintf("=== vcpu %d fault dump ===\n", vcpuID)
	report += Show("  ", regs, sregs)

	if len(codeAtRIP) > 0 {
		if text, _, err := DisassembleAt(codeAtRIP, regs.RIP); err == nil {
			report += fmt.Sprintf("  faulting instruction: %s\n", text)
		} else {
			report += fmt.Sprintf("  faulting instruction: <decode error: %v>\n", err)
		}
	}

	return report
}
