// Package tdep contains what the architecture specific packages under it
// share: factory options and the generic fallback unwinders.
package tdep

import (
	"encoding/binary"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/frame"
	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/prologue"
	"github.com/go-delve/unwind/pkg/target"
	"github.com/go-delve/unwind/pkg/tradframe"
	"github.com/go-delve/unwind/pkg/tramp"
)

// Options configure the architecture factories.
type Options struct {
	// ExtraTrampolines are added to the descriptors of a family, keyed by
	// family name.
	ExtraTrampolines map[string][]*tramp.Descriptor
	// HPPAStubHeuristic enables the hppa import stub table repair.
	HPPAStubHeuristic bool
}

// AddExtraTrampolines adds the user defined trampolines of the family of
// the descriptor being built.
func (o Options) AddExtraTrampolines(b *arch.Builder) {
	for _, t := range o.ExtraTrampolines[b.Descriptor().Family()] {
		b.AddTrampoline(t)
	}
}

// FunctionStart returns the entry point of the function containing the
// code of fr, or its pc if the function is not known.
func FunctionStart(fr *frame.Frame) uint64 {
	if fn, ok := fr.Function(); ok {
		return fn.Entry
	}
	pc, _ := fr.PC()
	return pc
}

// ReadPtr reads a pointer sized value at addr.
func ReadPtr(fr *frame.Frame, addr uint64) (uint64, error) {
	a := fr.Arch()
	return target.ReadUint(fr.Memory(), a.ByteOrder(), addr, a.PtrBytes())
}

// Interrupted returns true if fr can be stopped at any instruction: it is
// the innermost frame or it was interrupted by a signal.
func Interrupted(fr *frame.Frame) bool {
	next := fr.Next()
	return next == nil || next.Kind() == frame.SigtrampFrame
}

// SigcontextInit returns a trampoline init function for signal frames that
// save the registers of the interrupted code in a block at the address
// returned by base. offsets[i] is the offset of register i in the block,
// negative for registers that are not saved.
func SigcontextInit(base func(fr *frame.Frame, fn uint64) (uint64, error), offsets []int) tramp.InitFunc {
	return func(fr *frame.Frame, c *tradframe.Cache, fn uint64) {
		addr, err := base(fr, fn)
		if err != nil {
			logflags.UnwindLogger().Debugf("signal context of frame #%d: %v", fr.Level(), err)
			for reg := 0; reg < c.NumRegs(); reg++ {
				c.SetUnknown(reg)
			}
			return
		}
		c.SetMemoryTable(addr, offsets)
	}
}

// SetSlot records that the caller's value of reg was saved in a slot of
// slotSize bytes at addr. Registers narrower than their slot are in its
// least significant bytes.
func SetSlot(fr *frame.Frame, c *tradframe.Cache, reg int, addr uint64, slotSize int) {
	a := fr.Arch()
	if size := a.RegSize(reg); size < slotSize && a.ByteOrder() == binary.BigEndian {
		addr += uint64(slotSize - size)
	}
	c.SetMemory(reg, addr)
}

// SPPlus returns a base function for SigcontextInit that adds off to the
// stack pointer of the trampoline frame.
func SPPlus(off uint64) func(fr *frame.Frame, fn uint64) (uint64, error) {
	return func(fr *frame.Frame, fn uint64) (uint64, error) {
		sp, err := fr.SP()
		return sp + off, err
	}
}

// ScaledOffsets returns offsets multiplied by size, negative entries are
// kept.
func ScaledOffsets(offsets []int, size int) []int {
	r := make([]int, len(offsets))
	for i, off := range offsets {
		if off < 0 {
			r[i] = -1
		} else {
			r[i] = off * size
		}
	}
	return r
}

// FPLayout describes the frame records of a frame pointer chain.
type FPLayout struct {
	Name       string
	FP, PC, SP int
	// LR is the link register, or -1 if calls push the return address.
	LR int
	// RecordBias is the distance between the frame record and the address
	// the frame pointer register points to.
	RecordBias uint64
	// Analyze decodes the prologue of a function, it can be nil.
	Analyze func(code []byte, entry, pc uint64) prologue.Result
}

// FramePointerUnwinder returns an unwinder that follows a chain of frame
// records {saved frame pointer, return address}, using the prologue
// analyzer to handle frames stopped before their record is set up.
func FramePointerUnwinder(l FPLayout) frame.Unwinder {
	return frame.NewUnwinder(l.Name, frame.NormalFrame, func(fr *frame.Frame) (*tradframe.Cache, bool) {
		a := fr.Arch()
		ptr := uint64(a.PtrBytes())
		pc, err := fr.PC()
		if err != nil {
			return nil, false
		}
		sp, err := fr.SP()
		if err != nil {
			return nil, false
		}
		res := prologue.Result{State: prologue.FPSet, FrameSize: int64(2 * ptr)}
		entry := pc
		if fn, ok := fr.Function(); ok {
			entry = fn.Entry
			if l.Analyze != nil {
				res = analyze(fr, l.Analyze, entry, pc, res)
			}
		}

		c := tradframe.New(fr, a.NumRegs())
		var rec uint64
		switch res.State {
		case prologue.NoFrame:
			slot := sp + uint64(res.SPAdjust)
			if l.LR < 0 {
				c.SetMemory(l.PC, slot)
			} else {
				c.SetSameRegister(l.PC, l.LR)
			}
			cfa := slot + uint64(res.FrameSize)
			c.SetValue(l.SP, cfa)
			c.SetID(tradframe.BuildID(cfa, entry))
			return c, true
		case prologue.FPSaved:
			rec = sp + uint64(res.RecordOffset)
		default:
			fp, err := fr.RegisterUint64(l.FP)
			if err != nil || fp == 0 || fp < l.RecordBias || fp-l.RecordBias < sp {
				return nil, false
			}
			rec = fp - l.RecordBias
		}
		c.SetMemory(l.FP, rec)
		c.SetMemory(l.PC, rec+ptr)
		if l.LR >= 0 {
			c.SetMemory(l.LR, rec+ptr)
		}
		cfa := rec + uint64(res.FrameSize)
		c.SetValue(l.SP, cfa)
		c.SetID(tradframe.BuildID(cfa, entry))
		return c, true
	})
}

func analyze(fr *frame.Frame, f func(code []byte, entry, pc uint64) prologue.Result, entry, pc uint64, def prologue.Result) prologue.Result {
	if pc < entry {
		return def
	}
	n := pc - entry
	if n > prologue.MaxLen {
		n = prologue.MaxLen
	}
	code := make([]byte, n)
	if err := target.ReadFull(fr.Memory(), code, entry); err != nil {
		return def
	}
	res := f(code, entry, pc)
	if logflags.Unwind() {
		logflags.UnwindLogger().Debugf("prologue of %#x at pc %#x: %v, frame size %d", entry, pc, res.State, res.FrameSize)
	}
	return res
}

// LinkRegisterUnwinder returns an unwinder for frames that can be stopped
// anywhere, which assumes the function has not saved its return address
// yet: the caller's pc is in register lr, with the bits in clear cleared,
// and the stack pointer is unchanged. Frames stopped at a call are not
// recognized.
func LinkRegisterUnwinder(name string, lr int, clear uint64) frame.Unwinder {
	return frame.NewUnwinder(name, frame.NormalFrame, func(fr *frame.Frame) (*tradframe.Cache, bool) {
		if !Interrupted(fr) {
			return nil, false
		}
		a := fr.Arch()
		ra, err := fr.RegisterUint64(lr)
		if err != nil || ra&^clear == 0 {
			return nil, false
		}
		sp, err := fr.SP()
		if err != nil {
			return nil, false
		}
		c := tradframe.New(fr, a.NumRegs())
		c.SetValue(a.PCRegnum(), ra&^clear)
		c.SetUnknown(lr)
		c.SetID(tradframe.BuildID(sp, FunctionStart(fr)))
		return c, true
	})
}
