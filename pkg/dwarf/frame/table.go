package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-unwind/unwind/pkg/dwarf/leb128"
)

// DWRule wrapper of rule defined for register values.
type DWRule struct {
	Rule       Rule
	Offset     int64
	Reg        uint64
	Expression []byte
}

// FrameContext wrapper of FDE context, holding the register location
// rules valid at one PC.
type FrameContext struct {
	loc             uint64
	order           binary.ByteOrder
	address         uint64
	CFA             DWRule
	Regs            map[uint64]DWRule
	initialRegs     map[uint64]DWRule
	buf             *bytes.Buffer
	cie             *CommonInformationEntry
	RetAddrReg      uint64
	codeAlignment   uint64
	dataAlignment   int64
	rememberedState *stateStack
}

type rowState struct {
	cfa  DWRule
	regs map[uint64]DWRule
}

// stateStack is a stack where `DW_CFA_remember_state` pushes
// its CFA and registers state and `DW_CFA_restore_state`
// pops them.
type stateStack struct {
	items []rowState
}

func newStateStack() *stateStack {
	return &stateStack{
		items: make([]rowState, 0),
	}
}

func (stack *stateStack) push(state rowState) {
	stack.items = append(stack.items, state)
}

func (stack *stateStack) pop() (rowState, bool) {
	if len(stack.items) == 0 {
		return rowState{}, false
	}
	restored := stack.items[len(stack.items)-1]
	stack.items = stack.items[0 : len(stack.items)-1]
	return restored, true
}

// Instructions used to recreate the table from the .debug_frame data.
const (
	DW_CFA_nop                = 0x0        // No ops
	DW_CFA_set_loc            = 0x01       // op1: address
	DW_CFA_advance_loc1       = iota       // op1: 1-byte delta
	DW_CFA_advance_loc2                    // op1: 2-byte delta
	DW_CFA_advance_loc4                    // op1: 4-byte delta
	DW_CFA_offset_extended                 // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_restore_extended                // op1: ULEB128 register
	DW_CFA_undefined                       // op1: ULEB128 register
	DW_CFA_same_value                      // op1: ULEB128 register
	DW_CFA_register                        // op1: ULEB128 register, op2: ULEB128 register
	DW_CFA_remember_state                  // No ops
	DW_CFA_restore_state                   // No ops
	DW_CFA_def_cfa                         // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_def_cfa_register                // op1: ULEB128 register
	DW_CFA_def_cfa_offset                  // op1: ULEB128 offset
	DW_CFA_def_cfa_expression              // op1: BLOCK
	DW_CFA_expression                      // op1: ULEB128 register, op2: BLOCK
	DW_CFA_offset_extended_sf              // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_def_cfa_sf                      // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_def_cfa_offset_sf               // op1: SLEB128 offset
	DW_CFA_val_offset                      // op1: ULEB128, op2: ULEB128
	DW_CFA_val_offset_sf                   // op1: ULEB128, op2: SLEB128
	DW_CFA_val_expression                  // op1: ULEB128, op2: BLOCK

	DW_CFA_lo_user = 0x1c
	DW_CFA_hi_user = 0x3f

	// GNU vendor extensions, found in the lo_user..hi_user range.
	DW_CFA_GNU_window_save              = 0x2d // No ops
	DW_CFA_GNU_args_size                = 0x2e // op1: ULEB128 size
	DW_CFA_GNU_negative_offset_extended = 0x2f // op1: ULEB128 register, op2: ULEB128 offset

	DW_CFA_advance_loc = (0x1 << 6) // High 2 bits: 0x1, low 6: delta
	DW_CFA_offset      = (0x2 << 6) // High 2 bits: 0x2, low 6: register
	DW_CFA_restore     = (0x3 << 6) // High 2 bits: 0x3, low 6: register
)

// Rule rule defined for register values.
type Rule byte

const (
	RuleUndefined Rule = iota
	RuleSameVal
	RuleOffset
	RuleValOffset
	RuleRegister
	RuleExpression
	RuleValExpression
	RuleArchitectural
	RuleCFA          // Value is rule.Reg + rule.Offset
	RuleFramePointer // Value is stored at address rule.Reg + rule.Offset, but only if it's less than the current CFA, otherwise same value
)

const low_6_offset = 0x3f

var (
	errInstrTruncated = errors.New("truncated CFI instruction stream")
	errStackUnderflow = errors.New("DW_CFA_restore_state without a remembered state")
	errCFANotDefined  = errors.New("DW_CFA_def_cfa_register/offset without a current CFA rule")
)

type instruction func(frame *FrameContext) error

// Mapping from DWARF opcode to function.
var fnlookup = map[byte]instruction{
	DW_CFA_advance_loc:        advanceloc,
	DW_CFA_offset:             offset,
	DW_CFA_restore:            restore,
	DW_CFA_set_loc:            setloc,
	DW_CFA_advance_loc1:       advanceloc1,
	DW_CFA_advance_loc2:       advanceloc2,
	DW_CFA_advance_loc4:       advanceloc4,
	DW_CFA_offset_extended:    offsetextended,
	DW_CFA_restore_extended:   restoreextended,
	DW_CFA_undefined:          undefined,
	DW_CFA_same_value:         samevalue,
	DW_CFA_register:           register,
	DW_CFA_remember_state:     rememberstate,
	DW_CFA_restore_state:      restorestate,
	DW_CFA_def_cfa:            defcfa,
	DW_CFA_def_cfa_register:   defcfaregister,
	DW_CFA_def_cfa_offset:     defcfaoffset,
	DW_CFA_def_cfa_expression: defcfaexpression,
	DW_CFA_expression:         expression,
	DW_CFA_offset_extended_sf: offsetextendedsf,
	DW_CFA_def_cfa_sf:         defcfasf,
	DW_CFA_def_cfa_offset_sf:  defcfaoffsetsf,
	DW_CFA_val_offset:         valoffset,
	DW_CFA_val_offset_sf:      valoffsetsf,
	DW_CFA_val_expression:     valexpression,

	DW_CFA_GNU_window_save:              gnuwindowsave,
	DW_CFA_GNU_args_size:                gnuargssize,
	DW_CFA_GNU_negative_offset_extended: gnunegativeoffsetextended,
}

// executeCIEInstructions runs the CIE initial instruction stream in
// full. The resulting rules are the defaults shared by every FDE that
// references this CIE, and the snapshot DW_CFA_restore falls back to.
func executeCIEInstructions(cie *CommonInformationEntry) (*FrameContext, error) {
	initialInstructions := make([]byte, len(cie.InitialInstructions))
	copy(initialInstructions, cie.InitialInstructions)
	order := cie.order
	if order == nil {
		order = binary.LittleEndian
	}
	frame := &FrameContext{
		cie:             cie,
		order:           order,
		Regs:            make(map[uint64]DWRule),
		RetAddrReg:      cie.ReturnAddressRegister,
		initialRegs:     make(map[uint64]DWRule),
		codeAlignment:   cie.CodeAlignmentFactor,
		dataAlignment:   cie.DataAlignmentFactor,
		buf:             bytes.NewBuffer(initialInstructions),
		rememberedState: newStateStack(),
	}

	if err := frame.executeDwarfProgram(); err != nil {
		return nil, err
	}
	for k, v := range frame.Regs {
		frame.initialRegs[k] = v
	}
	return frame, nil
}

// executeDwarfProgramUntilPC builds the rule table valid at pc.
func executeDwarfProgramUntilPC(fde *FrameDescriptionEntry, pc uint64) (*FrameContext, error) {
	frame, err := executeCIEInstructions(fde.CIE)
	if err != nil {
		return nil, err
	}
	if fde.order != nil {
		frame.order = fde.order
	}
	frame.loc = fde.Begin()
	frame.address = pc
	if err := frame.ExecuteUntilPC(fde.Instructions); err != nil {
		return nil, err
	}

	return frame, nil
}

func (frame *FrameContext) executeDwarfProgram() error {
	for frame.buf.Len() > 0 {
		if err := executeDwarfInstruction(frame); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteUntilPC executes the instruction stream until the current
// location advances past the PC the table is being built for.
func (frame *FrameContext) ExecuteUntilPC(instructions []byte) error {
	frame.buf.Truncate(0)
	frame.buf.Write(instructions)

	// We only need to execute the instructions until
	// ctx.loc > ctx.address (which is the address we
	// are currently at in the traced process).
	for frame.address >= frame.loc && frame.buf.Len() > 0 {
		if err := executeDwarfInstruction(frame); err != nil {
			return err
		}
	}
	return nil
}

func executeDwarfInstruction(frame *FrameContext) error {
	instruction, err := frame.buf.ReadByte()
	if err != nil {
		return errInstrTruncated
	}

	if instruction == DW_CFA_nop {
		return nil
	}

	fn, err := lookupFunc(instruction, frame.buf)
	if err != nil {
		return err
	}

	return fn(frame)
}

func lookupFunc(opcode byte, buf *bytes.Buffer) (instruction, error) {
	const high_2_bits = 0xc0
	var restore bool

	// Special case the 3 opcodes that have their argument encoded in the opcode itself.
	switch opcode & high_2_bits {
	case DW_CFA_advance_loc:
		opcode = DW_CFA_advance_loc
		restore = true

	case DW_CFA_offset:
		opcode = DW_CFA_offset
		restore = true

	case DW_CFA_restore:
		opcode = DW_CFA_restore
		restore = true
	}

	if restore {
		// Restore the last byte as it actually contains the argument for the opcode.
		if err := buf.UnreadByte(); err != nil {
			return nil, errInstrTruncated
		}
	}

	fn, ok := fnlookup[opcode]
	if !ok {
		// Unknown vendor opcodes cannot be skipped, their operand
		// layout is unknown and the stream would lose alignment.
		return nil, fmt.Errorf("unknown DWARF CFA opcode %#x", opcode)
	}

	return fn, nil
}

func (frame *FrameContext) uleb() (uint64, error) {
	v, n := leb128.DecodeUnsigned(frame.buf)
	if n == 0 {
		return 0, errInstrTruncated
	}
	return v, nil
}

func (frame *FrameContext) sleb() (int64, error) {
	v, n := leb128.DecodeSigned(frame.buf)
	if n == 0 {
		return 0, errInstrTruncated
	}
	return v, nil
}

func (frame *FrameContext) block() ([]byte, error) {
	l, err := frame.uleb()
	if err != nil {
		return nil, err
	}
	if uint64(frame.buf.Len()) < l {
		return nil, errInstrTruncated
	}
	return frame.buf.Next(int(l)), nil
}

func advanceloc(frame *FrameContext) error {
	b, err := frame.buf.ReadByte()
	if err != nil {
		return errInstrTruncated
	}

	delta := b & low_6_offset
	frame.loc += uint64(delta) * frame.codeAlignment
	return nil
}

func advanceloc1(frame *FrameContext) error {
	delta, err := frame.buf.ReadByte()
	if err != nil {
		return errInstrTruncated
	}

	frame.loc += uint64(delta) * frame.codeAlignment
	return nil
}

func advanceloc2(frame *FrameContext) error {
	var delta uint16
	if err := binary.Read(frame.buf, frame.order, &delta); err != nil {
		return errInstrTruncated
	}

	frame.loc += uint64(delta) * frame.codeAlignment
	return nil
}

func advanceloc4(frame *FrameContext) error {
	var delta uint32
	if err := binary.Read(frame.buf, frame.order, &delta); err != nil {
		return errInstrTruncated
	}

	frame.loc += uint64(delta) * frame.codeAlignment
	return nil
}

func offset(frame *FrameContext) error {
	b, err := frame.buf.ReadByte()
	if err != nil {
		return errInstrTruncated
	}

	reg := b & low_6_offset
	off, err := frame.uleb()
	if err != nil {
		return err
	}

	frame.Regs[uint64(reg)] = DWRule{Offset: int64(off) * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func restore(frame *FrameContext) error {
	b, err := frame.buf.ReadByte()
	if err != nil {
		return errInstrTruncated
	}

	reg := uint64(b & low_6_offset)
	frame.restoreRegister(reg)
	return nil
}

// restoreRegister resets a register rule to the state left behind by
// the CIE initial instructions.
func (frame *FrameContext) restoreRegister(reg uint64) {
	oldrule, ok := frame.initialRegs[reg]
	if ok {
		frame.Regs[reg] = oldrule
	} else {
		frame.Regs[reg] = DWRule{Rule: RuleUndefined}
	}
}

func setloc(frame *FrameContext) error {
	ptrSize := frame.cie.ptrSize
	if ptrSize == 0 {
		ptrSize = 8
	}
	raw := frame.buf.Next(ptrSize)
	if len(raw) != ptrSize {
		return errInstrTruncated
	}

	var loc uint64
	if ptrSize == 4 {
		loc = uint64(frame.order.Uint32(raw))
	} else {
		loc = frame.order.Uint64(raw)
	}
	frame.loc = loc + frame.cie.staticBase
	return nil
}

func offsetextended(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	off, err := frame.uleb()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Offset: int64(off) * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func undefined(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Rule: RuleUndefined}
	return nil
}

func samevalue(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Rule: RuleSameVal}
	return nil
}

func register(frame *FrameContext) error {
	reg1, err := frame.uleb()
	if err != nil {
		return err
	}
	reg2, err := frame.uleb()
	if err != nil {
		return err
	}
	frame.Regs[reg1] = DWRule{Reg: reg2, Rule: RuleRegister}
	return nil
}

func rememberstate(frame *FrameContext) error {
	clonedRegs := make(map[uint64]DWRule, len(frame.Regs))
	for k, v := range frame.Regs {
		clonedRegs[k] = v
	}
	frame.rememberedState.push(rowState{cfa: frame.CFA, regs: clonedRegs})
	return nil
}

func restorestate(frame *FrameContext) error {
	restored, ok := frame.rememberedState.pop()
	if !ok {
		return errStackUnderflow
	}

	frame.CFA = restored.cfa
	frame.Regs = restored.regs
	return nil
}

func restoreextended(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}

	frame.restoreRegister(reg)
	return nil
}

func defcfa(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	off, err := frame.uleb()
	if err != nil {
		return err
	}

	frame.CFA.Rule = RuleCFA
	frame.CFA.Reg = reg
	frame.CFA.Offset = int64(off)
	return nil
}

func defcfaregister(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	if frame.CFA.Rule != RuleCFA {
		return errCFANotDefined
	}
	frame.CFA.Reg = reg
	return nil
}

func defcfaoffset(frame *FrameContext) error {
	off, err := frame.uleb()
	if err != nil {
		return err
	}
	if frame.CFA.Rule != RuleCFA {
		return errCFANotDefined
	}
	frame.CFA.Offset = int64(off)
	return nil
}

func defcfasf(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	off, err := frame.sleb()
	if err != nil {
		return err
	}

	frame.CFA.Rule = RuleCFA
	frame.CFA.Reg = reg
	frame.CFA.Offset = off * frame.dataAlignment
	return nil
}

func defcfaoffsetsf(frame *FrameContext) error {
	off, err := frame.sleb()
	if err != nil {
		return err
	}
	if frame.CFA.Rule != RuleCFA {
		return errCFANotDefined
	}
	frame.CFA.Offset = off * frame.dataAlignment
	return nil
}

func defcfaexpression(frame *FrameContext) error {
	expr, err := frame.block()
	if err != nil {
		return err
	}

	frame.CFA.Expression = expr
	frame.CFA.Rule = RuleExpression
	return nil
}

func expression(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	expr, err := frame.block()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Rule: RuleExpression, Expression: expr}
	return nil
}

func offsetextendedsf(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	off, err := frame.sleb()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Offset: off * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func valoffset(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	off, err := frame.uleb()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Offset: int64(off) * frame.dataAlignment, Rule: RuleValOffset}
	return nil
}

func valoffsetsf(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	off, err := frame.sleb()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Offset: off * frame.dataAlignment, Rule: RuleValOffset}
	return nil
}

func valexpression(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	expr, err := frame.block()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Rule: RuleValExpression, Expression: expr}
	return nil
}

func gnuwindowsave(frame *FrameContext) error {
	// SPARC register window rotation, nothing to track here.
	return nil
}

func gnuargssize(frame *FrameContext) error {
	// Size of callee removed arguments, irrelevant for register
	// recovery. Consume the operand to keep the stream aligned.
	_, err := frame.uleb()
	return err
}

func gnunegativeoffsetextended(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	off, err := frame.uleb()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Offset: -(int64(off) * frame.dataAlignment), Rule: RuleOffset}
	return nil
}
