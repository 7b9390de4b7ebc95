package op

import (
	"testing"

	"github.com/go-unwind/unwind/pkg/memory"
)

func assertExprResult(t *testing.T, regs DwarfRegisters, readMem ReadMemoryFunc, instructions []byte, expected int64) {
	t.Helper()
	v, err := ExecuteStackProgram(regs, instructions, 8, readMem)
	if err != nil {
		t.Fatalf("stack program errored: %v", err)
	}
	if v != expected {
		t.Errorf("expected %#x got %#x", expected, v)
	}
}

func assertExprError(t *testing.T, regs DwarfRegisters, instructions []byte) {
	t.Helper()
	if _, err := ExecuteStackProgram(regs, instructions, 8, nil); err == nil {
		t.Errorf("expected error, got none")
	}
}

func TestExecuteStackProgram(t *testing.T) {
	var noRegs DwarfRegisters

	assertExprResult(t, noRegs, nil, []byte{byte(DW_OP_lit0 + 5)}, 5)
	assertExprResult(t, noRegs, nil, []byte{byte(DW_OP_lit0 + 5), byte(DW_OP_lit0 + 3), byte(DW_OP_plus)}, 8)
	assertExprResult(t, noRegs, nil, []byte{byte(DW_OP_lit0 + 5), byte(DW_OP_lit0 + 3), byte(DW_OP_minus)}, 2)
	assertExprResult(t, noRegs, nil, []byte{byte(DW_OP_lit0 + 8), byte(DW_OP_lit0 + 2), byte(DW_OP_div)}, 4)
	assertExprResult(t, noRegs, nil, []byte{byte(DW_OP_lit0 + 1), byte(DW_OP_lit0 + 4), byte(DW_OP_shl)}, 16)
	assertExprResult(t, noRegs, nil, []byte{byte(DW_OP_const1s), 0xff, byte(DW_OP_neg)}, 1)
	assertExprResult(t, noRegs, nil, []byte{byte(DW_OP_const2u), 0x34, 0x12}, 0x1234)
	assertExprResult(t, noRegs, nil, []byte{byte(DW_OP_constu), 0xe5, 0x8e, 0x26}, 624485)
	assertExprResult(t, noRegs, nil, []byte{byte(DW_OP_consts), 0x9b, 0xf1, 0x59}, -624485)
	assertExprResult(t, noRegs, nil, []byte{byte(DW_OP_lit0 + 3), byte(DW_OP_lit0 + 3), byte(DW_OP_eq)}, 1)
	assertExprResult(t, noRegs, nil, []byte{byte(DW_OP_lit0 + 3), byte(DW_OP_lit0 + 4), byte(DW_OP_eq)}, 0)
	assertExprResult(t, noRegs, nil, []byte{byte(DW_OP_lit0 + 2), byte(DW_OP_lit0 + 7), byte(DW_OP_swap), byte(DW_OP_minus)}, 5)
	assertExprResult(t, noRegs, nil, []byte{byte(DW_OP_lit0 + 9), byte(DW_OP_dup), byte(DW_OP_plus)}, 18)
	assertExprResult(t, noRegs, nil, []byte{byte(DW_OP_lit0 + 9), byte(DW_OP_plus_uconst), 0x81, 0x01}, 9+129)
}

func TestStackUnderflow(t *testing.T) {
	var noRegs DwarfRegisters
	assertExprError(t, noRegs, []byte{byte(DW_OP_plus)})
	assertExprError(t, noRegs, []byte{byte(DW_OP_lit0 + 1), byte(DW_OP_plus)})
	assertExprError(t, noRegs, []byte{byte(DW_OP_drop)})
	assertExprError(t, noRegs, []byte{byte(DW_OP_swap)})
}

func TestEmptyProgram(t *testing.T) {
	var noRegs DwarfRegisters
	assertExprError(t, noRegs, []byte{})
	assertExprError(t, noRegs, []byte{byte(DW_OP_lit0 + 1), byte(DW_OP_drop)})
}

func TestDivisionByZero(t *testing.T) {
	var noRegs DwarfRegisters
	assertExprError(t, noRegs, []byte{byte(DW_OP_lit0 + 1), byte(DW_OP_lit0), byte(DW_OP_div)})
	assertExprError(t, noRegs, []byte{byte(DW_OP_lit0 + 1), byte(DW_OP_lit0), byte(DW_OP_mod)})
}

func TestBreg(t *testing.T) {
	regs := *NewDwarfRegisters(0, nil, nil, 0, 0, 0, 0)
	regs.AddReg(7, DwarfRegisterFromUint64(0x1000))

	// DW_OP_breg0 + 7 with offset -8
	assertExprResult(t, regs, nil, []byte{byte(DW_OP_breg0 + 7), 0x78}, 0xff8)
	// DW_OP_bregx reg 7 offset 16
	assertExprResult(t, regs, nil, []byte{byte(DW_OP_bregx), 0x07, 0x10}, 0x1010)
	// Register 9 has no value.
	assertExprError(t, regs, []byte{byte(DW_OP_breg0 + 9), 0x00})
}

func TestCallFrameCFA(t *testing.T) {
	regs := *NewDwarfRegisters(0, nil, nil, 0, 0, 0, 0)
	regs.CFA = 0x2000
	assertExprResult(t, regs, nil, []byte{byte(DW_OP_call_frame_cfa)}, 0x2000)

	regs.CFA = 0
	assertExprError(t, regs, []byte{byte(DW_OP_call_frame_cfa)})
}

func TestDeref(t *testing.T) {
	mem := memory.NewBuffer(0x3000, []byte{
		0xef, 0xbe, 0xad, 0xde, 0x00, 0x00, 0x00, 0x00,
	})
	var noRegs DwarfRegisters

	program := []byte{
		byte(DW_OP_addr), 0x00, 0x30, 0, 0, 0, 0, 0, 0,
		byte(DW_OP_deref),
	}
	assertExprResult(t, noRegs, mem.ReadMemory, program, 0xdeadbeef)

	program = []byte{
		byte(DW_OP_addr), 0x00, 0x30, 0, 0, 0, 0, 0, 0,
		byte(DW_OP_deref_size), 2,
	}
	assertExprResult(t, noRegs, mem.ReadMemory, program, 0xbeef)

	// Without a memory reader any deref fails.
	if _, err := ExecuteStackProgram(noRegs, program, 8, nil); err == nil {
		t.Errorf("expected error dereferencing without memory")
	}

	// Out of range address.
	program = []byte{
		byte(DW_OP_addr), 0x00, 0x40, 0, 0, 0, 0, 0, 0,
		byte(DW_OP_deref),
	}
	if _, err := ExecuteStackProgram(noRegs, program, 8, mem.ReadMemory); err == nil {
		t.Errorf("expected error dereferencing unmapped address")
	}
}

func TestBranch(t *testing.T) {
	var noRegs DwarfRegisters

	// Unconditional forward skip over a lit1.
	assertExprResult(t, noRegs, nil, []byte{
		byte(DW_OP_lit0 + 7),
		byte(DW_OP_skip), 0x01, 0x00,
		byte(DW_OP_lit0 + 1),
	}, 7)

	// Conditional branch taken.
	assertExprResult(t, noRegs, nil, []byte{
		byte(DW_OP_lit0 + 1),
		byte(DW_OP_bra), 0x02, 0x00,
		byte(DW_OP_lit0 + 2), byte(DW_OP_nop),
		byte(DW_OP_lit0 + 9),
	}, 9)

	// Conditional branch not taken.
	assertExprResult(t, noRegs, nil, []byte{
		byte(DW_OP_lit0),
		byte(DW_OP_bra), 0x02, 0x00,
		byte(DW_OP_lit0 + 2),
	}, 2)

	// Backward branches are rejected.
	assertExprError(t, noRegs, []byte{byte(DW_OP_lit0 + 1), byte(DW_OP_skip), 0xfe, 0xff})
}

func TestInvalidOpcode(t *testing.T) {
	var noRegs DwarfRegisters
	// DW_OP_regx and friends are not part of the CFI subset.
	assertExprError(t, noRegs, []byte{0x90})
}
