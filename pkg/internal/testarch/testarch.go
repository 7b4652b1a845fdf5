// Package testarch provides a minimal frame.Arch for tests.
package testarch

import (
	"encoding/binary"
	"fmt"

	"github.com/go-delve/unwind/pkg/frame"
	"github.com/go-delve/unwind/pkg/regcache"
)

// Register numbers of the test architecture.
const (
	R0 = iota
	R1
	R2
	R3
	LR
	FP
	SP
	PC
	NumRegs
)

// Arch is a 32-bit architecture with eight 4-byte registers.
type Arch struct {
	Order binary.ByteOrder
	Chain frame.Chain
}

// New returns a test architecture with the given byte order and an empty
// unwinder chain.
func New(order binary.ByteOrder) *Arch {
	return &Arch{Order: order}
}

func (a *Arch) Name() string                { return "test" }
func (a *Arch) NumRegs() int                { return NumRegs }
func (a *Arch) RegSize(int) int             { return 4 }
func (a *Arch) ByteOrder() binary.ByteOrder { return a.Order }
func (a *Arch) PtrBytes() int               { return 4 }
func (a *Arch) PCRegnum() int               { return PC }
func (a *Arch) SPRegnum() int               { return SP }
func (a *Arch) Unwinders() *frame.Chain     { return &a.Chain }

func (a *Arch) RegName(regnum int) string {
	names := []string{"r0", "r1", "r2", "r3", "lr", "fp", "sp", "pc"}
	if regnum >= 0 && regnum < len(names) {
		return names[regnum]
	}
	return fmt.Sprintf("r%d?", regnum)
}

// Regs returns a register cache with the given values, registers not
// listed are unavailable.
func (a *Arch) Regs(vals map[int]uint64) *regcache.Regcache {
	rc := regcache.New(a)
	for reg, v := range vals {
		rc.SetUint64(reg, v)
	}
	return rc
}
