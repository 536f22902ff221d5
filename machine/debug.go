package machine

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/gohv/vmx"
	"golang.org/x/arch/x86/x86asm"
)

// ErrBadRegister indicates a bad register was used.
var ErrBadRegister = errors.New("bad register")

// GetReg returns a pointer to the 64-bit register holding reg. Narrower
// general purpose registers map to their full-width container.
func GetReg(r *vmx.Regs, reg x86asm.Reg) (*uint64, error) {
	regs := [16]*uint64{
		&r.RAX, &r.RCX, &r.RDX, &r.RBX, &r.RSP, &r.RBP, &r.RSI, &r.RDI,
		&r.R8, &r.R9, &r.R10, &r.R11, &r.R12, &r.R13, &r.R14, &r.R15,
	}

	switch {
	case reg >= x86asm.RAX && reg <= x86asm.R15:
		return regs[reg-x86asm.RAX], nil
	case reg >= x86asm.EAX && reg <= x86asm.R15L:
		return regs[reg-x86asm.EAX], nil
	case reg >= x86asm.AX && reg <= x86asm.R15W:
		return regs[reg-x86asm.AX], nil
	case reg == x86asm.RIP || reg == x86asm.EIP:
		return &r.RIP, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrBadRegister, reg)
}

// Pointer returns the effective address of memory operand arg of inst.
// The general form is Segment:[Base+Scale*Index+Disp]; segments are flat.
func Pointer(inst *x86asm.Inst, r *vmx.Regs, arg int) (uint64, error) {
	if arg < 0 || arg >= len(inst.Args) {
		return 0, fmt.Errorf("arg %d: %w", arg, ErrBadRegister)
	}

	mem, ok := inst.Args[arg].(x86asm.Mem)
	if !ok {
		return 0, fmt.Errorf("arg %d is %v, not memory", arg, inst.Args[arg])
	}

	var addr uint64

	if mem.Base != 0 {
		b, err := GetReg(r, mem.Base)
		if err != nil {
			return 0, fmt.Errorf("base reg %v in %v:%w", mem.Base, mem, err)
		}

		addr = *b

		if mem.Base == x86asm.RIP {
			addr += uint64(inst.Len)
		}
	}

	addr += uint64(mem.Disp)

	if mem.Index != 0 {
		x, err := GetReg(r, mem.Index)
		if err != nil {
			return 0, fmt.Errorf("index reg %v in %v:%w", mem.Index, mem, err)
		}

		addr += uint64(mem.Scale) * (*x)
	}

	return addr, nil
}

// Asm returns a string for the given instruction at the given pc.
func Asm(d *x86asm.Inst, pc uint64) string {
	return "\"" + x86asm.GNUSyntax(*d, pc, nil) + "\""
}
