package dispatch

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// regSize returns the width of r in bytes, or 0 for registers that never
// carry an MMIO operand.
func regSize(r x86asm.Reg) uint8 {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 1
	case r >= x86asm.AX && r <= x86asm.R15W, r == x86asm.IP:
		return 2
	case r >= x86asm.EAX && r <= x86asm.R15L, r == x86asm.EIP:
		return 4
	case r >= x86asm.RAX && r <= x86asm.R15, r == x86asm.RIP:
		return 8
	case r >= x86asm.F0 && r <= x86asm.F7:
		return 10
	case r >= x86asm.M0 && r <= x86asm.M7:
		return 8
	case r >= x86asm.X0 && r <= x86asm.X15:
		return 16
	case r >= x86asm.ES && r <= x86asm.GS:
		return 2
	}

	return 0
}

// AccessSize returns the width in bytes of the memory access performed by
// inst. Operands are inspected by kind: a register operand decides first,
// then a memory operand, then an immediate. An instruction with none of
// them yields 0.
func AccessSize(inst *x86asm.Inst) (uint8, error) {
	if inst == nil || inst.Op == 0 {
		return 0, ErrDecode
	}

	for _, arg := range inst.Args {
		if r, ok := arg.(x86asm.Reg); ok {
			return regSize(r), nil
		}
	}

	for _, arg := range inst.Args {
		if _, ok := arg.(x86asm.Mem); ok {
			return uint8(inst.MemBytes), nil
		}
	}

	for _, arg := range inst.Args {
		if _, ok := arg.(x86asm.Imm); ok {
			return immSize(inst)
		}
	}

	return 0, nil
}

// immSize returns the encoded width of the first immediate of an
// instruction whose only operands are immediates. The width comes from the
// opcode, not from the operand size the immediate is extended to.
func immSize(inst *x86asm.Inst) (uint8, error) {
	switch op := inst.Opcode >> 24; op {
	case 0x6a, 0xcd, 0xc6, 0xd4, 0xd5: // push ib, int, xabort, aam, aad
		return 1, nil
	case 0xc2, 0xca, 0xc8: // ret iw, lret iw, enter iw, ib
		return 2, nil
	case 0x68: // push iw/id
		if inst.DataSize == 16 {
			return 2, nil
		}

		return 4, nil
	default:
		return 0, fmt.Errorf("%w: immediate of opcode %#02x", ErrDecode, op)
	}
}

// Decode decodes one 64-bit mode instruction from the start of code.
func Decode(code []byte) (*x86asm.Inst, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: % x: %w", ErrDecode, code, err)
	}

	return &inst, nil
}
