// Package ppc describes the 32 and 64-bit PowerPC architectures on Linux.
package ppc

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

// Family is the name the architecture is registered under. The "64"
// variant selects the 64-bit ABI.
const Family = "powerpc"

// Register numbers. The ones up to CR follow struct pt_regs.
const (
	R0      = 0
	R1      = 1
	R3      = 3
	PC      = 32
	MSR     = 33
	OrigR3  = 34
	CTR     = 35
	LR      = 36
	XER     = 37
	CR      = 38
	F0      = 39
	FPSCR   = F0 + 32
	NumRegs = FPSCR + 1
)

var regNames = func() []string {
	names := make([]string, 0, NumRegs)
	for i := 0; i < 32; i++ {
		names = append(names, fmt.Sprintf("r%d", i))
	}
	names = append(names, "pc", "msr", "orig_r3", "ctr", "lr", "xer", "cr")
	for i := 0; i < 32; i++ {
		names = append(names, fmt.Sprintf("f%d", i))
	}
	return append(names, "fpscr")
}()

// elfNGReg is the number of slots of struct pt_regs in core files and
// signal frames.
const elfNGReg = 48

// Signal frame layout: the trampoline's stack holds a pointer to the saved
// registers at a fixed offset.
const (
	sigactionRegsOffset32   = 0xd0 + 0x30
	sigactionRegsOffset64   = 0x80 + 0xe0
	sighandlerRegsOffset32  = 0x40 + 0x1c
	sighandlerRegsOffset64  = 0x80 + 0x70
	sigtrampStackAdjustment = 128
)

// Trampoline instruction words.
const (
	addiR1R1   = 0x38210080 // addi r1, r1, 128
	liR0Rt     = 0x380000ac // li r0, 172
	liR0Sig    = 0x38000077 // li r0, 119
	syscallIns = 0x44000002 // sc
)

// Tdep is the architecture specific data of powerpc descriptors.
type Tdep struct {
	WordSize int
	// LROffset is where a function saves its return address, relative to
	// the stack pointer of its caller.
	LROffset uint64
}

// Gregset returns the layout of struct pt_regs for a word size.
func Gregset(wordSize int) *regset.Set {
	return regset.FromMap(".reg", regset.Map{
		{Count: CR + 1, Regnum: R0, Size: wordSize},
		{Count: elfNGReg - (CR + 1), Regnum: regset.Skip, Size: wordSize},
	})
}

// FPregset is the layout of elf_fpregset_t: 32 doubles and fpscr in the
// last double.
var FPregset = regset.FromMap(".reg2", regset.Map{
	{Count: 32, Regnum: F0, Size: 8},
	{Count: 1, Regnum: FPSCR, Size: 8},
})

var (
	gregset32 = Gregset(4)
	gregset64 = Gregset(8)
)

// Register adds the powerpc family to r.
func Register(r *arch.Registry, opts tdep.Options) {
	r.Register(Family, func(q arch.Query, cached []*arch.Descriptor) (*arch.Descriptor, error) {
		return initArch(q, cached, opts)
	}, dump)
}

// sigtrampInit returns the init function of a signal trampoline. The
// trampolines starting with addi r1, r1, 128 pop their frame first: once
// past that instruction the stack pointer is bias bytes higher.
func sigtrampInit(td *Tdep, offset, bias uint64) tramp.InitFunc {
	return func(fr *frame.Frame, c *tradframe.Cache, fn uint64) {
		ws := uint64(td.WordSize)
		base, err := fr.SP()
		if err == nil {
			if pc, _ := fr.PC(); bias > 0 && pc != fn {
				base -= bias
			}
			var gpregs uint64
			gpregs, err = tdep.ReadPtr(fr, base+offset)
			if err == nil {
				fpregs := gpregs + elfNGReg*ws
				for reg := R0; reg <= CR; reg++ {
					if reg != OrigR3 {
						tdep.SetSlot(fr, c, reg, gpregs+uint64(reg)*ws, td.WordSize)
					}
				}
				for i := 0; i < 32; i++ {
					tdep.SetSlot(fr, c, F0+i, fpregs+uint64(i)*8, 8)
				}
				tdep.SetSlot(fr, c, FPSCR, fpregs+32*8, 8)
				c.SetID(tradframe.BuildID(base, fn))
				return
			}
		}
		logflags.UnwindLogger().Debugf("signal context of frame #%d: %v", fr.Level(), err)
		for reg := 0; reg < c.NumRegs(); reg++ {
			c.SetUnknown(reg)
		}
	}
}

func sigtramps(td *Tdep, is64 bool) []*tramp.Descriptor {
	if is64 {
		return []*tramp.Descriptor{
			{Name: "ppc64_linux_sigaction", Kind: frame.SigtrampFrame, InsnSize: 4,
				Insns: tramp.Words(addiR1R1, liR0Rt, syscallIns), Init: sigtrampInit(td, sigactionRegsOffset64, sigtrampStackAdjustment)},
			{Name: "ppc64_linux_sighandler", Kind: frame.SigtrampFrame, InsnSize: 4,
				Insns: tramp.Words(addiR1R1, liR0Sig, syscallIns), Init: sigtrampInit(td, sighandlerRegsOffset64, sigtrampStackAdjustment)},
		}
	}
	return []*tramp.Descriptor{
		{Name: "ppc32_linux_sigaction", Kind: frame.SigtrampFrame, InsnSize: 4,
			Insns: tramp.Words(liR0Rt, syscallIns), Init: sigtrampInit(td, sigactionRegsOffset32, 0)},
		{Name: "ppc32_linux_sighandler", Kind: frame.SigtrampFrame, InsnSize: 4,
			Insns: tramp.Words(liR0Sig, syscallIns), Init: sigtrampInit(td, sighandlerRegsOffset32, 0)},
	}
}

// backchainUnwinder follows the stack back chain: every frame starts with
// a pointer to the frame of its caller, and the return address is saved
// in the caller's frame.
func backchainUnwinder(td *Tdep) frame.Unwinder {
	return frame.NewUnwinder("ppc_backchain", frame.NormalFrame, func(fr *frame.Frame) (*tradframe.Cache, bool) {
		sp, err := fr.SP()
		if err != nil || sp == 0 {
			return nil, false
		}
		back, err := tdep.ReadPtr(fr, sp)
		if err != nil || back <= sp {
			return nil, false
		}
		c := tradframe.New(fr, NumRegs)
		c.SetValue(R1, back)
		c.SetMemory(PC, back+td.LROffset)
		c.SetMemory(LR, back+td.LROffset)
		c.SetID(tradframe.BuildID(back, tdep.FunctionStart(fr)))
		return c, true
	})
}

func initArch(q arch.Query, cached []*arch.Descriptor, opts tdep.Options) (*arch.Descriptor, error) {
	var is64 bool
	switch q.Variant {
	case "":
	case "64":
		is64 = true
	default:
		return nil, nil
	}
	if q.ByteOrder == nil {
		q.ByteOrder = binary.BigEndian
	}
	for _, d := range cached {
		if d.OSABI() == q.OSABI && d.ByteOrder() == q.ByteOrder && d.Variant() == q.Variant {
			return d, nil
		}
	}

	b := arch.NewBuilder(q)
	td := arch.New[Tdep](b.Arena())
	if is64 {
		b.SetName("powerpc:common64")
		b.SetPointerBits(64)
		td.WordSize, td.LROffset = 8, 16
	} else {
		b.SetName("powerpc:common")
		b.SetPointerBits(32)
		td.WordSize, td.LROffset = 4, 4
	}
	b.SetTdep(td)
	b.SetRegisters(regNames, td.WordSize, PC, R1)
	b.SetRegisterSize(CR, 4)
	b.SetRegisterSize(XER, 4)
	b.SetRegisterSize(FPSCR, 4)
	for reg := F0; reg < F0+32; reg++ {
		b.SetRegisterSize(reg, 8)
	}

	b.AppendUnwinder(backchainUnwinder(td))
	b.AppendUnwinder(tdep.LinkRegisterUnwinder("ppc_lr", LR, 3))

	if q.OSABI == arch.OSABILinux {
		for _, t := range sigtramps(td, is64) {
			b.AddTrampoline(t)
		}
		if is64 {
			b.AddRegset(gregset64)
		} else {
			b.AddRegset(gregset32)
		}
		b.AddRegset(FPregset)
		opts.AddExtraTrampolines(b)
	}
	return b.Finish()
}

func dump(d *arch.Descriptor, w io.Writer) {
	td := d.Tdep().(*Tdep)
	fmt.Fprintf(w, "powerpc: wordsize = %d lr_offset = %d\n", td.WordSize, td.LROffset)
}
