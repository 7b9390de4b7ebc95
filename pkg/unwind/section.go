package unwind

import (
	"encoding/binary"
	"errors"

	"github.com/go-unwind/unwind/pkg/dwarf/frame"
	"github.com/go-unwind/unwind/pkg/dwarf/op"
	"github.com/go-unwind/unwind/pkg/logflags"
	"github.com/go-unwind/unwind/pkg/memory"
)

// fdeSource is the part of frame.Table the driver uses to locate and
// load entries. Tests substitute a fake to exercise Step in isolation.
type fdeSource interface {
	FindFDEOffset(pc uint64) (uint64, error)
	FDEAt(offset uint64) (*frame.FrameDescriptionEntry, error)
}

// Config carries the section parameters that are not implied by the
// architecture.
type Config struct {
	Format      frame.Format
	StaticBase  uint64
	SectionAddr uint64
}

// Section interprets the call frame information of one unwind section
// (.debug_frame or .eh_frame) for one architecture. It is safe for
// concurrent use.
type Section struct {
	table      fdeSource
	arch       *Arch
	order      binary.ByteOrder
	logger     logflags.Logger
	evalLogger logflags.Logger
}

// NewSection parses the section header index of data and returns a
// Section ready to step through it. FDE bodies are decoded lazily.
func NewSection(data []byte, order binary.ByteOrder, arch *Arch, cfg Config) (*Section, error) {
	if arch == nil {
		return nil, errors.New("nil arch")
	}
	table, err := frame.NewTable(data, order, frame.TableConfig{
		Format:      cfg.Format,
		StaticBase:  cfg.StaticBase,
		PtrSize:     arch.PtrSize,
		SectionAddr: cfg.SectionAddr,
	})
	if err != nil {
		return nil, err
	}
	return &Section{
		table:      table,
		arch:       arch,
		order:      order,
		logger:     logflags.UnwinderLogger(),
		evalLogger: logflags.FrameEvalLogger(),
	}, nil
}

// Step computes the register state of the caller of the frame executing
// at pc. regs holds the callee's registers and is not modified; proc is
// read whenever a rule dereferences memory and may be nil if no rule
// does. A location table is built and evaluated exactly once per call.
func (s *Section) Step(pc uint64, regs *op.DwarfRegisters, proc memory.Memory) (*op.DwarfRegisters, error) {
	if regs == nil {
		return nil, errors.New("nil source registers")
	}

	offset, err := s.table.FindFDEOffset(pc)
	if err != nil {
		return nil, err
	}
	fde, err := s.table.FDEAt(offset)
	if err != nil {
		return nil, err
	}

	if pc >= fde.End() {
		return nil, &ErrPCOutOfRange{PC: pc, Begin: fde.Begin(), End: fde.End()}
	}
	if fde.CIE == nil {
		return nil, &ErrMissingCIE{Offset: fde.Offset}
	}

	framectx, err := fde.EstablishFrame(pc)
	if err != nil {
		return nil, &ErrCFAUnavailable{PC: pc, Cause: err}
	}

	callerRegs, err := s.evaluate(framectx, regs, proc)
	if err != nil {
		return nil, &ErrEvalFailed{PC: pc, Cause: err}
	}

	if logflags.Unwinder() {
		s.logger.Debugf("step pc=%#x fde=[%#x,%#x) cfa=%#x ret=%#x",
			pc, fde.Begin(), fde.End(), callerRegs.CFA, callerRegs.PC())
	}
	return callerRegs, nil
}

// FDEForPC returns the frame descriptor covering pc, mostly useful for
// inspecting ranges without stepping.
func (s *Section) FDEForPC(pc uint64) (*frame.FrameDescriptionEntry, error) {
	offset, err := s.table.FindFDEOffset(pc)
	if err != nil {
		return nil, err
	}
	return s.table.FDEAt(offset)
}
