// Package sparc describes the SPARC architecture on Linux, 32-bit and the
// 64-bit "v9" variant.
package sparc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/frame"
	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/regset"
	"github.com/go-delve/unwind/pkg/tdep"
	"github.com/go-delve/unwind/pkg/tradframe"
	"github.com/go-delve/unwind/pkg/tramp"
)

// Family is the name the architecture is registered under.
const Family = "sparc"

// V9 is the variant of 64-bit SPARC.
const V9 = "v9"

// Register numbers. The order follows elf_gregset_t.
const (
	G0 = 0
	G1 = 1
	O0 = 8
	SP = 14 // %o6
	O7 = 15
	L0 = 16
	I0 = 24
	FP = 30 // %i6
	I7 = 31
	// PSR is the processor state register, %tstate on 64-bit.
	PSR     = 32
	PC      = 33
	NPC     = 34
	Y       = 35
	WIM     = 36
	TBR     = 37
	NumRegs = 38
)

func regNames(v9 bool) []string {
	var names []string
	for _, bank := range []string{"g", "o", "l", "i"} {
		for i := 0; i < 8; i++ {
			names = append(names, fmt.Sprintf("%s%d", bank, i))
		}
	}
	names[SP], names[FP] = "sp", "fp"
	if v9 {
		return append(names, "state", "pc", "npc", "y", "wim", "tbr")
	}
	return append(names, "psr", "pc", "npc", "y", "wim", "tbr")
}

// Trampoline instruction words.
const (
	movSigreturn   = 0x821020d8 // mov __NR_sigreturn, %g1
	movRtSigreturn = 0x82102065 // mov __NR_rt_sigreturn, %g1
	ta0x10         = 0x91d02010 // ta 0x10
	ta0x6d         = 0x91d0206d // ta 0x6d
)

const (
	// stackBias is added to the stack and frame pointers of 64-bit code
	// to find the memory they refer to.
	stackBias64 = 2047
	// stackFrameSize is the size of struct sparc_stackf, at the bottom of
	// signal frames.
	stackFrameSize32 = 96
	stackFrameSize64 = 176
	siginfoSize      = 128
)

// regsLayout describes where the registers are in the structure the
// kernel saves on signal delivery.
type regsLayout struct {
	Globals, PSR, PC, NPC, Y int
}

var (
	siginfo32Layout = regsLayout{Globals: 0x10, PSR: 0x00, PC: 0x04, NPC: 0x08, Y: 0x0c}
	ptRegs64Layout  = regsLayout{Globals: 0x00, PSR: 0x80, PC: 0x88, NPC: 0x90, Y: 0x98}
)

// Tdep is the architecture specific data of sparc descriptors.
type Tdep struct {
	StackBias uint64
}

var (
	// Gregset32 is the layout of elf_gregset_t on 32-bit SPARC.
	Gregset32 = regset.FromMap(".reg", regset.Map{{Count: NumRegs, Regnum: G0, Size: 4}})
	// Gregset64 is the layout of elf_gregset_t on 64-bit SPARC.
	Gregset64 = regset.FromMap(".reg", regset.Map{{Count: Y + 1, Regnum: G0, Size: 8}})
)

// Register adds the sparc family to r.
func Register(r *arch.Registry, opts tdep.Options) {
	r.Register(Family, func(q arch.Query, cached []*arch.Descriptor) (*arch.Descriptor, error) {
		return initArch(q, cached, opts)
	}, dump)
}

// windowUnwinder unwinds through register windows. The caller's out
// registers are the callee's in registers, and the caller's local and in
// registers were spilled to the save area at the bottom of its stack
// frame, which the callee's %fp points to.
func windowUnwinder(td *Tdep) frame.Unwinder {
	return frame.NewUnwinder("sparc_window", frame.NormalFrame, func(fr *frame.Frame) (*tradframe.Cache, bool) {
		pc, err := fr.PC()
		if err != nil {
			return nil, false
		}
		c := tradframe.New(fr, NumRegs)
		entry := tdep.FunctionStart(fr)
		if fn, ok := fr.Function(); ok && pc == fn.Entry && tdep.Interrupted(fr) {
			// save not executed yet: the return address is still in %o7
			o7, err := fr.RegisterUint64(O7)
			if err != nil {
				return nil, false
			}
			sp, err := fr.SP()
			if err != nil {
				return nil, false
			}
			c.SetValue(PC, o7+8)
			c.SetValue(NPC, o7+12)
			c.SetID(tradframe.BuildID(sp+td.StackBias, entry))
			return c, true
		}
		fp, err := fr.RegisterUint64(FP)
		if err != nil || fp == 0 {
			return nil, false
		}
		i7, err := fr.RegisterUint64(I7)
		if err != nil {
			return nil, false
		}
		ptr := uint64(fr.Arch().PtrBytes())
		for k := 0; k < 8; k++ {
			c.SetSameRegister(O0+k, I0+k)
		}
		base := fp + td.StackBias
		for k := 0; k < 16; k++ {
			c.SetMemory(L0+k, base+uint64(k)*ptr)
		}
		c.SetValue(PC, i7+8)
		c.SetValue(NPC, i7+12)
		c.SetID(tradframe.BuildID(base, entry))
		return c, true
	})
}

// sigframeInit returns the init function of a signal trampoline whose
// saved registers are at offset from the biased stack pointer.
func sigframeInit(td *Tdep, offset uint64, l regsLayout) tramp.InitFunc {
	return func(fr *frame.Frame, c *tradframe.Cache, fn uint64) {
		ws := fr.Arch().PtrBytes()
		sp, err := fr.SP()
		if err != nil {
			logflags.UnwindLogger().Debugf("signal context of frame #%d: %v", fr.Level(), err)
			for reg := 0; reg < c.NumRegs(); reg++ {
				c.SetUnknown(reg)
			}
			return
		}
		base := sp + td.StackBias + offset
		tdep.SetSlot(fr, c, PSR, base+uint64(l.PSR), ws)
		tdep.SetSlot(fr, c, PC, base+uint64(l.PC), ws)
		tdep.SetSlot(fr, c, NPC, base+uint64(l.NPC), ws)
		tdep.SetSlot(fr, c, Y, base+uint64(l.Y), 4)
		for reg := G1; reg <= O7; reg++ {
			c.SetMemory(reg, base+uint64(l.Globals+reg*ws))
		}
		// the locals and ins of the interrupted code are in the save area
		// of its stack frame
		isp, err := tdep.ReadPtr(fr, base+uint64(l.Globals+SP*ws))
		if err != nil {
			logflags.UnwindLogger().Debugf("stack pointer in the signal context of frame #%d: %v", fr.Level(), err)
			for reg := L0; reg <= I7; reg++ {
				c.SetUnknown(reg)
			}
		} else {
			for k := 0; k < 16; k++ {
				c.SetMemory(L0+k, isp+td.StackBias+uint64(k*ws))
			}
		}
		c.SetID(tradframe.BuildID(sp+td.StackBias, fn))
	}
}

func sigtramps(td *Tdep, v9 bool) []*tramp.Descriptor {
	if v9 {
		return []*tramp.Descriptor{
			{Name: "sparc64_linux_rt_sigframe", Kind: frame.SigtrampFrame, InsnSize: 4,
				Insns: tramp.Words(movRtSigreturn, ta0x6d), Init: sigframeInit(td, stackFrameSize64+siginfoSize, ptRegs64Layout)},
		}
	}
	return []*tramp.Descriptor{
		{Name: "sparc32_linux_sigframe", Kind: frame.SigtrampFrame, InsnSize: 4,
			Insns: tramp.Words(movSigreturn, ta0x10), Init: sigframeInit(td, stackFrameSize32, siginfo32Layout)},
		{Name: "sparc32_linux_rt_sigframe", Kind: frame.SigtrampFrame, InsnSize: 4,
			Insns: tramp.Words(movRtSigreturn, ta0x10), Init: sigframeInit(td, stackFrameSize32+siginfoSize, siginfo32Layout)},
	}
}

func initArch(q arch.Query, cached []*arch.Descriptor, opts tdep.Options) (*arch.Descriptor, error) {
	var v9 bool
	switch q.Variant {
	case "":
	case V9:
		v9 = true
	default:
		return nil, nil
	}
	if q.ByteOrder != nil && q.ByteOrder != binary.BigEndian {
		return nil, nil
	}
	q.ByteOrder = binary.BigEndian
	for _, d := range cached {
		if d.OSABI() == q.OSABI && d.Variant() == q.Variant {
			return d, nil
		}
	}

	b := arch.NewBuilder(q)
	td := arch.New[Tdep](b.Arena())
	if v9 {
		b.SetName("sparc:v9")
		b.SetPointerBits(64)
		b.SetRegisters(regNames(true), 8, PC, SP)
		b.SetRegisterSize(Y, 4)
		td.StackBias = stackBias64
	} else {
		b.SetName("sparc")
		b.SetPointerBits(32)
		b.SetRegisters(regNames(false), 4, PC, SP)
	}
	b.SetTdep(td)
	b.AppendUnwinder(windowUnwinder(td))

	if q.OSABI == arch.OSABILinux {
		for _, t := range sigtramps(td, v9) {
			b.AddTrampoline(t)
		}
		if v9 {
			b.AddRegset(Gregset64)
		} else {
			b.AddRegset(Gregset32)
		}
		opts.AddExtraTrampolines(b)
	}
	return b.Finish()
}

func dump(d *arch.Descriptor, w io.Writer) {
	fmt.Fprintf(w, "sparc: stack_bias = %d\n", d.Tdep().(*Tdep).StackBias)
}
