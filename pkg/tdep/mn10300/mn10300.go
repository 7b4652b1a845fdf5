// Package mn10300 describes the Matsushita MN10300 and its AM33 variant on
// Linux.
package mn10300

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/frame"
	"github.com/go-delve/unwind/pkg/regset"
	"github.com/go-delve/unwind/pkg/tdep"
	"github.com/go-delve/unwind/pkg/tramp"
)

// Family is the name the architecture is registered under.
const Family = "mn10300"

// AM33 is the variant with the extended register file.
const AM33 = "am33"

// Register numbers.
const (
	D0      = 0
	A0      = 4
	A3      = 7
	SP      = 8
	PC      = 9
	MDR     = 10
	PSW     = 11
	LIR     = 12
	LAR     = 13
	MDRQ    = 14
	E0      = 15
	SSP     = 23
	MSP     = 24
	USP     = 25
	MCRH    = 26
	MCRL    = 27
	MCVF    = 28
	NumRegs = 29
)

var regNames = []string{
	"d0", "d1", "d2", "d3", "a0", "a1", "a2", "a3",
	"sp", "pc", "mdr", "psw", "lir", "lar", "mdrq",
	"e0", "e1", "e2", "e3", "e4", "e5", "e6", "e7",
	"ssp", "msp", "usp", "mcrh", "mcrl", "mcvf",
}

// Trampolines are matched byte by byte: the instructions have variable
// length.
var (
	sigreturnCode   = []uint64{0x2c, 0x77, 0x00, 0xf0, 0xe0} // mov 119, d0; syscall 0
	rtSigreturnCode = []uint64{0x2c, 0xad, 0x00, 0xf0, 0xe0} // mov 173, d0; syscall 0
)

// Offsets in the signal frames, from the stack pointer of the trampoline.
const (
	sigcontextOffset = 12 // after pretcode, sig and psc
	ucontextPtr      = 12 // after pretcode, sig and pinfo
	ucontextHeader   = 20
)

// sigcontextSlots is the word of struct sigcontext holding each register.
var sigcontextSlots = func() []int {
	s := make([]int, NumRegs)
	for i := range s {
		s[i] = -1
	}
	for i := 0; i < 4; i++ {
		s[D0+i] = i
		s[A0+i] = 4 + i
	}
	for i := 0; i < 8; i++ {
		s[E0+i] = 8 + i
	}
	s[LAR], s[LIR] = 16, 17
	s[MDR], s[MCVF], s[MCRL], s[MCRH], s[MDRQ] = 18, 19, 20, 21, 22
	s[SP], s[PSW], s[PC] = 23, 24, 25
	return s
}()

// Gregset is the layout of elf_gregset_t, the order of struct pt_regs.
var Gregset = func() *regset.Set {
	s := make([]int, NumRegs)
	for i := range s {
		s[i] = -1
	}
	s[A3], s[A0+2], s[D0+3], s[D0+2] = 0, 1, 2, 3
	s[MCVF], s[MCRL], s[MCRH], s[MDRQ] = 4, 5, 6, 7
	s[E0+1], s[E0] = 8, 9
	for i := 7; i >= 2; i-- {
		s[E0+i] = 10 + 7 - i
	}
	s[SP], s[LAR], s[LIR], s[MDR] = 16, 17, 18, 19
	s[A0+1], s[A0], s[D0+1], s[D0] = 20, 21, 22, 23
	s[PSW], s[PC] = 25, 26
	m := regset.Offsets(tdep.ScaledOffsets(s, 4), 4)
	if pad := 28*4 - m.Len(); pad > 0 {
		m = append(m, regset.Entry{Count: 1, Regnum: regset.Skip, Size: pad})
	}
	return regset.FromMap(".reg", m)
}()

// Tdep is the architecture specific data of mn10300 descriptors.
type Tdep struct {
	AM33 bool
}

// Register adds the mn10300 family to r.
func Register(r *arch.Registry, opts tdep.Options) {
	r.Register(Family, func(q arch.Query, cached []*arch.Descriptor) (*arch.Descriptor, error) {
		return initArch(q, cached, opts)
	}, dump)
}

func rtSigcontextAddr(fr *frame.Frame, fn uint64) (uint64, error) {
	sp, err := fr.SP()
	if err != nil {
		return 0, err
	}
	uc, err := tdep.ReadPtr(fr, sp+ucontextPtr)
	if err != nil {
		return 0, err
	}
	return uc + ucontextHeader, nil
}

func initArch(q arch.Query, cached []*arch.Descriptor, opts tdep.Options) (*arch.Descriptor, error) {
	switch q.Variant {
	case "", AM33:
	default:
		return nil, nil
	}
	if q.ByteOrder != nil && q.ByteOrder != binary.LittleEndian {
		return nil, nil
	}
	q.ByteOrder = binary.LittleEndian
	for _, d := range cached {
		if d.OSABI() == q.OSABI && d.Variant() == q.Variant {
			return d, nil
		}
	}

	b := arch.NewBuilder(q)
	td := arch.New[Tdep](b.Arena())
	td.AM33 = q.Variant == AM33
	if td.AM33 {
		b.SetName("am33")
	} else {
		b.SetName("mn10300")
	}
	b.SetPointerBits(32)
	b.SetRegisters(regNames, 4, PC, SP)
	b.SetTdep(td)
	// calls leave the return address in mdr as well as on the stack
	b.AppendUnwinder(tdep.LinkRegisterUnwinder("mn10300_mdr", MDR, 0))

	if q.OSABI == arch.OSABILinux {
		offsets := tdep.ScaledOffsets(sigcontextSlots, 4)
		b.AddTrampoline(&tramp.Descriptor{Name: "am33_linux_sigframe", Kind: frame.SigtrampFrame, InsnSize: 1,
			Insns: tramp.Words(sigreturnCode...), Init: tdep.SigcontextInit(tdep.SPPlus(sigcontextOffset), offsets)})
		b.AddTrampoline(&tramp.Descriptor{Name: "am33_linux_rt_sigframe", Kind: frame.SigtrampFrame, InsnSize: 1,
			Insns: tramp.Words(rtSigreturnCode...), Init: tdep.SigcontextInit(rtSigcontextAddr, offsets)})
		b.AddRegset(Gregset)
		opts.AddExtraTrampolines(b)
	}
	return b.Finish()
}

func dump(d *arch.Descriptor, w io.Writer) {
	fmt.Fprintf(w, "mn10300: am33 = %v\n", d.Tdep().(*Tdep).AM33)
}
