// Package mips64 describes the MIPS architecture on Linux, with the n64,
// n32 and o32 ABIs as variants.
package mips64

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
const Family = "mips"

// ABI variants.
const (
	N64 = "n64"
	N32 = "n32"
	O32 = "o32"
)

// Register numbers.
const (
	R0       = 0
	SP       = 29
	RA       = 31
	SR       = 32
	LO       = 33
	HI       = 34
	BadVAddr = 35
	Cause    = 36
	PC       = 37
	F0       = 38
	FCSR     = F0 + 32
	NumRegs  = FCSR + 1
)

var regNames = func() []string {
	names := []string{
		"zero", "at", "v0", "v1", "a0", "a1", "a2", "a3",
		"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7",
		"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7",
		"t8", "t9", "k0", "k1", "gp", "sp", "s8", "ra",
		"sr", "lo", "hi", "badvaddr", "cause", "pc",
	}
	for i := 0; i < 32; i++ {
		names = append(names, fmt.Sprintf("f%d", i))
	}
	return append(names, "fcsr")
}()

// Trampoline instruction words.
const (
	liV0Sigreturn    = 0x24021017 // li v0, 4119
	liV0RtSigreturn  = 0x24021061 // li v0, 4193
	liV0N32RtSigret  = 0x24021843 // li v0, 6211
	liV0N64RtSigret  = 0x2402145b // li v0, 5211
	syscallInsn      = 0x0000000c // syscall
	sigframeSCOffset = 6 * 4      // after the argument save area and the code
	siginfoSize      = 128
)

// Offsets of struct sigcontext in signal frames, from the stack pointer of
// the trampoline.
const (
	o32SigcontextOffset   = sigframeSCOffset
	o32RtSigcontextOffset = sigframeSCOffset + siginfoSize + (2*4 + 3*4 + 4)
	n32RtSigcontextOffset = sigframeSCOffset + siginfoSize + (2*4 + 3*4 + 4)
	n64RtSigcontextOffset = sigframeSCOffset + siginfoSize + (2*8 + 2*8 + 4 + 4)
)

// sigcontextLayout is where struct sigcontext keeps the registers.
type sigcontextLayout struct {
	Regs, FPRegs, PC, HI, LO, FCSR, Status int
}

var (
	o32Sigcontext = sigcontextLayout{Regs: 16, FPRegs: 16 + 32*8, PC: 8, HI: 544, LO: 552, FCSR: 528, Status: 4}
	n64Sigcontext = sigcontextLayout{Regs: 0, FPRegs: 32 * 8, PC: 576, HI: 512, LO: 544, FCSR: 584, Status: -1}
)

// Tdep is the architecture specific data of mips descriptors.
type Tdep struct {
	ABI string
}

// elfNGReg is the number of slots of elf_gregset_t.
const elfNGReg = 45

// gregOffsets returns the slot of every register in elf_gregset_t. The
// 32-bit layout starts with six unused slots.
func gregOffsets(first int) []int {
	offs := make([]int, NumRegs)
	for i := range offs {
		offs[i] = -1
	}
	for reg := R0; reg <= RA; reg++ {
		offs[reg] = first + reg
	}
	offs[LO] = first + 32
	offs[HI] = first + 33
	offs[PC] = first + 34
	offs[BadVAddr] = first + 35
	offs[SR] = first + 36
	offs[Cause] = first + 37
	return offs
}

func gregset(first, size int) *regset.Set {
	m := regset.Offsets(tdep.ScaledOffsets(gregOffsets(first), size), size)
	if pad := elfNGReg*size - m.Len(); pad > 0 {
		m = append(m, regset.Entry{Count: 1, Regnum: regset.Skip, Size: pad})
	}
	return regset.FromMap(".reg", m)
}

var (
	// Gregset64 is the layout of elf_gregset_t for n64 and n32.
	Gregset64 = gregset(0, 8)
	// Gregset32 is the layout of elf_gregset_t for o32.
	Gregset32 = gregset(6, 4)
	// FPregset is the layout of elf_fpregset_t.
	FPregset = regset.FromMap(".reg2", regset.Map{
		{Count: 32, Regnum: F0, Size: 8},
		{Count: 1, Regnum: FCSR, Size: 4},
		{Count: 1, Regnum: regset.Skip, Size: 4},
	})
)

// Register adds the mips family to r.
func Register(r *arch.Registry, opts tdep.Options) {
	r.Register(Family, func(q arch.Query, cached []*arch.Descriptor) (*arch.Descriptor, error) {
		return initArch(q, cached, opts)
	}, dump)
}

func sigcontextInit(offset uint64, l sigcontextLayout) tramp.InitFunc {
	return func(fr *frame.Frame, c *tradframe.Cache, fn uint64) {
		sp, err := fr.SP()
		if err != nil {
			logflags.UnwindLogger().Debugf("signal context of frame #%d: %v", fr.Level(), err)
			for reg := 0; reg < c.NumRegs(); reg++ {
				c.SetUnknown(reg)
			}
			return
		}
		sc := sp + offset
		for reg := R0 + 1; reg <= RA; reg++ {
			tdep.SetSlot(fr, c, reg, sc+uint64(l.Regs+8*reg), 8)
		}
		for i := 0; i < 32; i++ {
			tdep.SetSlot(fr, c, F0+i, sc+uint64(l.FPRegs+8*i), 8)
		}
		tdep.SetSlot(fr, c, PC, sc+uint64(l.PC), 8)
		tdep.SetSlot(fr, c, HI, sc+uint64(l.HI), 8)
		tdep.SetSlot(fr, c, LO, sc+uint64(l.LO), 8)
		c.SetMemory(FCSR, sc+uint64(l.FCSR))
		if l.Status >= 0 {
			tdep.SetSlot(fr, c, SR, sc+uint64(l.Status), 4)
		}
		c.SetID(tradframe.BuildID(sp, fn))
	}
}

func sigtramps(abi string) []*tramp.Descriptor {
	switch abi {
	case O32:
		return []*tramp.Descriptor{
			{Name: "mips_linux_o32_sigframe", Kind: frame.SigtrampFrame, InsnSize: 4,
				Insns: tramp.Words(liV0Sigreturn, syscallInsn), Init: sigcontextInit(o32SigcontextOffset, o32Sigcontext)},
			{Name: "mips_linux_o32_rt_sigframe", Kind: frame.SigtrampFrame, InsnSize: 4,
				Insns: tramp.Words(liV0RtSigreturn, syscallInsn), Init: sigcontextInit(o32RtSigcontextOffset, o32Sigcontext)},
		}
	case N32:
		return []*tramp.Descriptor{
			{Name: "mips_linux_n32_rt_sigframe", Kind: frame.SigtrampFrame, InsnSize: 4,
				Insns: tramp.Words(liV0N32RtSigret, syscallInsn), Init: sigcontextInit(n32RtSigcontextOffset, n64Sigcontext)},
		}
	}
	return []*tramp.Descriptor{
		{Name: "mips_linux_n64_rt_sigframe", Kind: frame.SigtrampFrame, InsnSize: 4,
			Insns: tramp.Words(liV0N64RtSigret, syscallInsn), Init: sigcontextInit(n64RtSigcontextOffset, n64Sigcontext)},
	}
}

func initArch(q arch.Query, cached []*arch.Descriptor, opts tdep.Options) (*arch.Descriptor, error) {
	abi := q.Variant
	switch abi {
	case "":
		abi = N64
	case N64, N32, O32:
	default:
		return nil, nil
	}
	if q.ByteOrder == nil {
		q.ByteOrder = binary.BigEndian
	}
	for _, d := range cached {
		if d.OSABI() == q.OSABI && d.ByteOrder() == q.ByteOrder && d.Tdep().(*Tdep).ABI == abi {
			return d, nil
		}
	}

	b := arch.NewBuilder(q)
	td := arch.New[Tdep](b.Arena())
	td.ABI = abi
	b.SetTdep(td)
	switch abi {
	case O32:
		b.SetName("mips")
		b.SetPointerBits(32)
		b.SetRegisters(regNames, 4, PC, SP)
	case N32:
		b.SetName("mips:n32")
		b.SetPointerBits(32)
		b.SetRegisters(regNames, 8, PC, SP)
	default:
		b.SetName("mips:isa64")
		b.SetPointerBits(64)
		b.SetRegisters(regNames, 8, PC, SP)
	}
	for reg := F0; reg < F0+32; reg++ {
		b.SetRegisterSize(reg, 8)
	}
	b.SetRegisterSize(FCSR, 4)

	b.AppendUnwinder(tdep.LinkRegisterUnwinder("mips_ra", RA, 0))

	if q.OSABI == arch.OSABILinux {
		for _, t := range sigtramps(abi) {
			b.AddTrampoline(t)
		}
		if abi == O32 {
			b.AddRegset(Gregset32)
		} else {
			b.AddRegset(Gregset64)
		}
		b.AddRegset(FPregset)
		opts.AddExtraTrampolines(b)
	}
	return b.Finish()
}

func dump(d *arch.Descriptor, w io.Writer) {
	fmt.Fprintf(w, "mips: abi = %s\n", d.Tdep().(*Tdep).ABI)
}
