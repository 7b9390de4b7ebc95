// Package op implements the DWARF expression stack machine, restricted
// to the operations that appear inside call frame information.
package op

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-unwind/unwind/pkg/dwarf/leb128"
)

// ReadMemoryFunc reads len(buf) bytes of target memory at addr. It is
// required by expressions containing DW_OP_deref and may be nil
// otherwise.
type ReadMemoryFunc func(buf []byte, addr uint64) (int, error)

type stackfn func(Opcode, *context) error

type context struct {
	buf        *bytes.Buffer
	stack      []int64
	ptrSize    int
	readMemory ReadMemoryFunc

	DwarfRegisters
}

var errStackUnderflow = errors.New("DWARF expression stack underflow")

// ExecuteStackProgram executes a DWARF location expression and returns
// the value left on top of the stack.
func ExecuteStackProgram(regs DwarfRegisters, instructions []byte, ptrSize int, readMemory ReadMemoryFunc) (int64, error) {
	ctxt := &context{
		buf:            bytes.NewBuffer(instructions),
		stack:          make([]int64, 0, 3),
		ptrSize:        ptrSize,
		readMemory:     readMemory,
		DwarfRegisters: regs,
	}

	for {
		opcodeByte, err := ctxt.buf.ReadByte()
		if err != nil {
			break
		}
		opcode := Opcode(opcodeByte)
		fn, err := lookupOp(opcode)
		if err != nil {
			return 0, err
		}

		if err := fn(opcode, ctxt); err != nil {
			return 0, err
		}
	}

	if len(ctxt.stack) == 0 {
		return 0, errors.New("empty OP stack")
	}

	return ctxt.stack[len(ctxt.stack)-1], nil
}

func lookupOp(opcode Opcode) (stackfn, error) {
	switch {
	case opcode >= DW_OP_lit0 && opcode <= DW_OP_lit31:
		return literal, nil
	case opcode >= DW_OP_breg0 && opcode <= DW_OP_breg31, opcode == DW_OP_bregx:
		return bReg, nil
	}

	switch opcode {
	case DW_OP_addr:
		return addr, nil
	case DW_OP_deref, DW_OP_deref_size:
		return deref, nil
	case DW_OP_const1u, DW_OP_const2u, DW_OP_const4u, DW_OP_const8u:
		return constnu, nil
	case DW_OP_const1s, DW_OP_const2s, DW_OP_const4s, DW_OP_const8s:
		return constns, nil
	case DW_OP_constu:
		return constu, nil
	case DW_OP_consts:
		return consts, nil
	case DW_OP_dup, DW_OP_drop, DW_OP_over, DW_OP_pick, DW_OP_swap, DW_OP_rot:
		return stackop, nil
	case DW_OP_abs, DW_OP_neg, DW_OP_not:
		return unaryop, nil
	case DW_OP_and, DW_OP_div, DW_OP_minus, DW_OP_mod, DW_OP_mul, DW_OP_or,
		DW_OP_plus, DW_OP_shl, DW_OP_shr, DW_OP_shra, DW_OP_xor,
		DW_OP_eq, DW_OP_ge, DW_OP_gt, DW_OP_le, DW_OP_lt, DW_OP_ne:
		return binaryop, nil
	case DW_OP_plus_uconst:
		return plusuconst, nil
	case DW_OP_skip, DW_OP_bra:
		return branch, nil
	case DW_OP_nop:
		return nop, nil
	case DW_OP_call_frame_cfa:
		return callframecfa, nil
	}
	return nil, fmt.Errorf("invalid instruction %#v", opcode)
}

func (ctxt *context) push(v int64) {
	ctxt.stack = append(ctxt.stack, v)
}

func (ctxt *context) pop() (int64, error) {
	if len(ctxt.stack) == 0 {
		return 0, errStackUnderflow
	}
	v := ctxt.stack[len(ctxt.stack)-1]
	ctxt.stack = ctxt.stack[:len(ctxt.stack)-1]
	return v, nil
}

func (ctxt *context) uleb() (uint64, error) {
	v, n := leb128.DecodeUnsigned(ctxt.buf)
	if n == 0 {
		return 0, errors.New("truncated expression operand")
	}
	return v, nil
}

func (ctxt *context) sleb() (int64, error) {
	v, n := leb128.DecodeSigned(ctxt.buf)
	if n == 0 {
		return 0, errors.New("truncated expression operand")
	}
	return v, nil
}

func callframecfa(opcode Opcode, ctxt *context) error {
	if ctxt.CFA == 0 {
		return errors.New("could not retrieve CFA for current PC")
	}
	ctxt.push(ctxt.CFA)
	return nil
}

func addr(opcode Opcode, ctxt *context) error {
	raw := ctxt.buf.Next(ctxt.ptrSize)
	if len(raw) != ctxt.ptrSize {
		return errors.New("truncated DW_OP_addr operand")
	}
	var v uint64
	if ctxt.ptrSize == 4 {
		v = uint64(ctxt.byteOrder().Uint32(raw))
	} else {
		v = ctxt.byteOrder().Uint64(raw)
	}
	ctxt.push(int64(v + ctxt.StaticBase))
	return nil
}

func (ctxt *context) byteOrder() binary.ByteOrder {
	if ctxt.ByteOrder != nil {
		return ctxt.ByteOrder
	}
	return binary.LittleEndian
}

func literal(opcode Opcode, ctxt *context) error {
	ctxt.push(int64(opcode - DW_OP_lit0))
	return nil
}

func bReg(opcode Opcode, ctxt *context) error {
	var regnum uint64
	if opcode == DW_OP_bregx {
		n, err := ctxt.uleb()
		if err != nil {
			return err
		}
		regnum = n
	} else {
		regnum = uint64(opcode - DW_OP_breg0)
	}
	off, err := ctxt.sleb()
	if err != nil {
		return err
	}
	reg := ctxt.Reg(regnum)
	if reg == nil {
		return fmt.Errorf("register %d not available", regnum)
	}
	ctxt.push(int64(reg.Uint64Val) + off)
	return nil
}

func deref(opcode Opcode, ctxt *context) error {
	if ctxt.readMemory == nil {
		return errors.New("memory access not available for DW_OP_deref")
	}
	size := ctxt.ptrSize
	if opcode == DW_OP_deref_size {
		b, err := ctxt.buf.ReadByte()
		if err != nil {
			return errors.New("truncated DW_OP_deref_size operand")
		}
		size = int(b)
		if size <= 0 || size > 8 {
			return fmt.Errorf("invalid DW_OP_deref_size size %d", size)
		}
	}
	addr, err := ctxt.pop()
	if err != nil {
		return err
	}
	buf := make([]byte, size)
	if _, err := ctxt.readMemory(buf, uint64(addr)); err != nil {
		return err
	}
	padded := make([]byte, 8)
	if ctxt.byteOrder() == binary.ByteOrder(binary.BigEndian) {
		copy(padded[8-size:], buf)
	} else {
		copy(padded, buf)
	}
	ctxt.push(int64(ctxt.byteOrder().Uint64(padded)))
	return nil
}

func constnu(opcode Opcode, ctxt *context) error {
	size := 1 << ((opcode - DW_OP_const1u) / 2)
	raw := ctxt.buf.Next(size)
	if len(raw) != size {
		return errors.New("truncated constant operand")
	}
	var v uint64
	switch size {
	case 1:
		v = uint64(raw[0])
	case 2:
		v = uint64(ctxt.byteOrder().Uint16(raw))
	case 4:
		v = uint64(ctxt.byteOrder().Uint32(raw))
	case 8:
		v = ctxt.byteOrder().Uint64(raw)
	}
	ctxt.push(int64(v))
	return nil
}

func constns(opcode Opcode, ctxt *context) error {
	size := 1 << ((opcode - DW_OP_const1s) / 2)
	raw := ctxt.buf.Next(size)
	if len(raw) != size {
		return errors.New("truncated constant operand")
	}
	var v int64
	switch size {
	case 1:
		v = int64(int8(raw[0]))
	case 2:
		v = int64(int16(ctxt.byteOrder().Uint16(raw)))
	case 4:
		v = int64(int32(ctxt.byteOrder().Uint32(raw)))
	case 8:
		v = int64(ctxt.byteOrder().Uint64(raw))
	}
	ctxt.push(v)
	return nil
}

func constu(opcode Opcode, ctxt *context) error {
	n, err := ctxt.uleb()
	if err != nil {
		return err
	}
	ctxt.push(int64(n))
	return nil
}

func consts(opcode Opcode, ctxt *context) error {
	n, err := ctxt.sleb()
	if err != nil {
		return err
	}
	ctxt.push(n)
	return nil
}

func stackop(opcode Opcode, ctxt *context) error {
	switch opcode {
	case DW_OP_dup:
		if len(ctxt.stack) == 0 {
			return errStackUnderflow
		}
		ctxt.push(ctxt.stack[len(ctxt.stack)-1])
	case DW_OP_drop:
		_, err := ctxt.pop()
		return err
	case DW_OP_over:
		if len(ctxt.stack) < 2 {
			return errStackUnderflow
		}
		ctxt.push(ctxt.stack[len(ctxt.stack)-2])
	case DW_OP_pick:
		b, err := ctxt.buf.ReadByte()
		if err != nil {
			return errors.New("truncated DW_OP_pick operand")
		}
		idx := len(ctxt.stack) - 1 - int(b)
		if idx < 0 {
			return errStackUnderflow
		}
		ctxt.push(ctxt.stack[idx])
	case DW_OP_swap:
		if len(ctxt.stack) < 2 {
			return errStackUnderflow
		}
		n := len(ctxt.stack)
		ctxt.stack[n-1], ctxt.stack[n-2] = ctxt.stack[n-2], ctxt.stack[n-1]
	case DW_OP_rot:
		if len(ctxt.stack) < 3 {
			return errStackUnderflow
		}
		n := len(ctxt.stack)
		ctxt.stack[n-1], ctxt.stack[n-2], ctxt.stack[n-3] = ctxt.stack[n-2], ctxt.stack[n-3], ctxt.stack[n-1]
	}
	return nil
}

func unaryop(opcode Opcode, ctxt *context) error {
	a, err := ctxt.pop()
	if err != nil {
		return err
	}
	switch opcode {
	case DW_OP_abs:
		if a < 0 {
			a = -a
		}
	case DW_OP_neg:
		a = -a
	case DW_OP_not:
		a = ^a
	}
	ctxt.push(a)
	return nil
}

func binaryop(opcode Opcode, ctxt *context) error {
	b, err := ctxt.pop()
	if err != nil {
		return err
	}
	a, err := ctxt.pop()
	if err != nil {
		return err
	}

	var r int64
	switch opcode {
	case DW_OP_and:
		r = a & b
	case DW_OP_div:
		if b == 0 {
			return errors.New("DW_OP_div division by zero")
		}
		r = a / b
	case DW_OP_minus:
		r = a - b
	case DW_OP_mod:
		if b == 0 {
			return errors.New("DW_OP_mod division by zero")
		}
		r = a % b
	case DW_OP_mul:
		r = a * b
	case DW_OP_or:
		r = a | b
	case DW_OP_plus:
		r = a + b
	case DW_OP_shl:
		r = a << uint64(b)
	case DW_OP_shr:
		r = int64(uint64(a) >> uint64(b))
	case DW_OP_shra:
		r = a >> uint64(b)
	case DW_OP_xor:
		r = a ^ b
	case DW_OP_eq:
		r = bool2int(a == b)
	case DW_OP_ge:
		r = bool2int(a >= b)
	case DW_OP_gt:
		r = bool2int(a > b)
	case DW_OP_le:
		r = bool2int(a <= b)
	case DW_OP_lt:
		r = bool2int(a < b)
	case DW_OP_ne:
		r = bool2int(a != b)
	}
	ctxt.push(r)
	return nil
}

func bool2int(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func plusuconst(opcode Opcode, ctxt *context) error {
	a, err := ctxt.pop()
	if err != nil {
		return err
	}
	n, err := ctxt.uleb()
	if err != nil {
		return err
	}
	ctxt.push(a + int64(n))
	return nil
}

func branch(opcode Opcode, ctxt *context) error {
	raw := ctxt.buf.Next(2)
	if len(raw) != 2 {
		return errors.New("truncated branch operand")
	}
	delta := int16(ctxt.byteOrder().Uint16(raw))

	if opcode == DW_OP_bra {
		cond, err := ctxt.pop()
		if err != nil {
			return err
		}
		if cond == 0 {
			return nil
		}
	}
	if delta < 0 {
		// Backward branches would allow unbounded loops.
		return errors.New("backward branch in CFI expression")
	}
	ctxt.buf.Next(int(delta))
	return nil
}

func nop(opcode Opcode, ctxt *context) error {
	return nil
}
