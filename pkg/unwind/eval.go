package unwind

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-unwind/unwind/pkg/dwarf/frame"
	"github.com/go-unwind/unwind/pkg/dwarf/op"
	"github.com/go-unwind/unwind/pkg/logflags"
	"github.com/go-unwind/unwind/pkg/memory"
)

// evaluate resolves the location table in framectx against the callee
// registers in regs, producing the caller's register set. regs is never
// modified. The CFA rule is resolved first since every other rule may
// reference it.
func (s *Section) evaluate(framectx *frame.FrameContext, regs *op.DwarfRegisters, proc memory.Memory) (*op.DwarfRegisters, error) {
	cfa, err := s.resolveCFA(framectx.CFA, regs, proc)
	if err != nil {
		return nil, fmt.Errorf("resolving CFA: %w", err)
	}

	// Rules referencing the frame address see it through callCtx.
	callCtx := *regs
	callCtx.CFA = int64(cfa)

	callerRegs := op.NewDwarfRegisters(regs.StaticBase, nil, regs.ByteOrder,
		s.arch.PCRegNum, s.arch.SPRegNum, s.arch.BPRegNum, s.arch.LRRegNum)
	callerRegs.CFA = int64(cfa)

	// The stack pointer of the caller is the CFA itself; most CIEs
	// leave it without an explicit rule.
	callerRegs.AddReg(s.arch.SPRegNum, op.DwarfRegisterFromUint64(cfa))

	if logflags.FrameEval() {
		s.evalLogger.Debugf("cfa=%#x rules=%d", cfa, len(framectx.Regs))
	}

	for regn, rule := range framectx.Regs {
		if regn > s.arch.MaxRegNum {
			// Rules for registers outside the architecture's numbering
			// have no slot in the caller snapshot.
			continue
		}
		reg, err := s.resolveRule(regn, rule, &callCtx, proc)
		if err != nil {
			return nil, fmt.Errorf("resolving rule for %s: %w", s.regDesc(regn), err)
		}
		if reg == nil {
			continue
		}
		callerRegs.AddReg(regn, reg)
	}

	ret := callerRegs.Reg(framectx.RetAddrReg)
	if ret == nil {
		return nil, fmt.Errorf("return address (%s) is undefined", s.regDesc(framectx.RetAddrReg))
	}
	callerRegs.AddReg(s.arch.PCRegNum, op.DwarfRegisterFromUint64(ret.Uint64Val))

	return callerRegs, nil
}

// resolveCFA computes the canonical frame address. Unlike register
// expression rules, a CFA expression yields the address itself, there
// is no dereference.
func (s *Section) resolveCFA(rule frame.DWRule, regs *op.DwarfRegisters, proc memory.Memory) (uint64, error) {
	switch rule.Rule {
	case frame.RuleCFA:
		reg := regs.Reg(rule.Reg)
		if reg == nil {
			return 0, fmt.Errorf("base register %s has no value", s.regDesc(rule.Reg))
		}
		return uint64(int64(reg.Uint64Val) + rule.Offset), nil
	case frame.RuleExpression:
		v, err := s.runExpression(rule.Expression, regs, proc)
		if err != nil {
			return 0, err
		}
		return uint64(v), nil
	case frame.RuleUndefined:
		return 0, errors.New("no CFA rule at this location")
	default:
		return 0, fmt.Errorf("unsupported CFA rule %d", rule.Rule)
	}
}

// resolveRule computes the value the rule for register regn describes.
// A nil result with nil error means the register is undefined in the
// caller.
func (s *Section) resolveRule(regn uint64, rule frame.DWRule, regs *op.DwarfRegisters, proc memory.Memory) (*op.DwarfRegister, error) {
	switch rule.Rule {
	case frame.RuleUndefined:
		return nil, nil
	case frame.RuleSameVal:
		reg := regs.Reg(regn)
		if reg == nil {
			return nil, nil
		}
		v := *reg
		return &v, nil
	case frame.RuleRegister:
		reg := regs.Reg(rule.Reg)
		if reg == nil {
			return nil, fmt.Errorf("source register %s has no value", s.regDesc(rule.Reg))
		}
		v := *reg
		return &v, nil
	case frame.RuleOffset:
		return s.readPtrAt(proc, uint64(regs.CFA+rule.Offset))
	case frame.RuleValOffset:
		return op.DwarfRegisterFromUint64(uint64(regs.CFA + rule.Offset)), nil
	case frame.RuleExpression:
		addr, err := s.runExpression(rule.Expression, regs, proc)
		if err != nil {
			return nil, err
		}
		return s.readPtrAt(proc, uint64(addr))
	case frame.RuleValExpression:
		v, err := s.runExpression(rule.Expression, regs, proc)
		if err != nil {
			return nil, err
		}
		return op.DwarfRegisterFromUint64(uint64(v)), nil
	case frame.RuleFramePointer:
		reg := regs.Reg(rule.Reg)
		if reg == nil {
			return nil, nil
		}
		if reg.Uint64Val <= uint64(regs.CFA) {
			return s.readPtrAt(proc, reg.Uint64Val)
		}
		v := *reg
		return &v, nil
	case frame.RuleArchitectural:
		return nil, errors.New("architectural rules are not supported")
	default:
		return nil, fmt.Errorf("unknown location rule %d", rule.Rule)
	}
}

func (s *Section) runExpression(expr []byte, regs *op.DwarfRegisters, proc memory.Memory) (int64, error) {
	var readMem op.ReadMemoryFunc
	if proc != nil {
		readMem = proc.ReadMemory
	}
	return op.ExecuteStackProgram(*regs, expr, s.arch.PtrSize, readMem)
}

func (s *Section) readPtrAt(proc memory.Memory, addr uint64) (*op.DwarfRegister, error) {
	if proc == nil {
		return nil, fmt.Errorf("rule needs memory at %#x but no memory is available", addr)
	}
	order := s.order
	if order == nil {
		order = binary.LittleEndian
	}
	v, err := memory.ReadUintRaw(proc, addr, s.arch.PtrSize, order)
	if err != nil {
		return nil, fmt.Errorf("reading %d bytes at %#x: %w", s.arch.PtrSize, addr, err)
	}
	return op.DwarfRegisterFromUint64(v), nil
}

func (s *Section) regDesc(n uint64) string {
	if name := s.arch.regName(n); name != "" {
		return fmt.Sprintf("%s (%d)", name, n)
	}
	return fmt.Sprintf("reg %d", n)
}
