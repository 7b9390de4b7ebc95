package unwind

import (
	"github.com/go-unwind/unwind/pkg/dwarf/regnum"
)

// Arch describes the register conventions the unwinder needs: the
// DWARF numbers of the program counter, stack pointer, frame pointer
// and (where one exists) link register, plus the pointer size.
type Arch struct {
	Name      string
	PtrSize   int
	PCRegNum  uint64
	SPRegNum  uint64
	BPRegNum  uint64
	LRRegNum  uint64
	MaxRegNum uint64

	// RegnumToName is used for log output only.
	RegnumToName func(uint64) string
}

// AMD64 is the x86-64 register numbering from the System V ABI.
var AMD64 = &Arch{
	Name:         "amd64",
	PtrSize:      8,
	PCRegNum:     regnum.AMD64_Rip,
	SPRegNum:     regnum.AMD64_Rsp,
	BPRegNum:     regnum.AMD64_Rbp,
	MaxRegNum:    regnum.AMD64MaxRegNum(),
	RegnumToName: regnum.AMD64ToName,
}

// ARM64 is the aarch64 register numbering from the AADWARF64 ABI.
var ARM64 = &Arch{
	Name:         "arm64",
	PtrSize:      8,
	PCRegNum:     regnum.ARM64_PC,
	SPRegNum:     regnum.ARM64_SP,
	BPRegNum:     regnum.ARM64_BP,
	LRRegNum:     regnum.ARM64_LR,
	MaxRegNum:    regnum.ARM64MaxRegNum(),
	RegnumToName: regnum.ARM64ToName,
}

func (a *Arch) regName(n uint64) string {
	if a.RegnumToName == nil {
		return ""
	}
	return a.RegnumToName(n)
}
