package unwind

import (
	"fmt"
)

// ErrPCOutOfRange is returned by Step when the FDE found for a PC does
// not actually cover it.
type ErrPCOutOfRange struct {
	PC         uint64
	Begin, End uint64
}

func (err *ErrPCOutOfRange) Error() string {
	return fmt.Sprintf("PC %#x outside FDE range [%#x, %#x)", err.PC, err.Begin, err.End)
}

// ErrMissingCIE is returned by Step when an FDE has no associated CIE.
type ErrMissingCIE struct {
	Offset uint64
}

func (err *ErrMissingCIE) Error() string {
	return fmt.Sprintf("FDE at offset %#x has no CIE", err.Offset)
}

// ErrCFAUnavailable is returned by Step when the CFI instruction
// stream of a valid FDE cannot be executed up to the target PC.
type ErrCFAUnavailable struct {
	PC    uint64
	Cause error
}

func (err *ErrCFAUnavailable) Error() string {
	return fmt.Sprintf("could not build CFA location info for PC %#x: %v", err.PC, err.Cause)
}

func (err *ErrCFAUnavailable) Unwrap() error { return err.Cause }

// ErrEvalFailed is returned by Step when a location rule cannot be
// resolved against the given memory and register inputs.
type ErrEvalFailed struct {
	PC    uint64
	Cause error
}

func (err *ErrEvalFailed) Error() string {
	return fmt.Sprintf("could not evaluate location rules for PC %#x: %v", err.PC, err.Cause)
}

func (err *ErrEvalFailed) Unwrap() error { return err.Cause }
