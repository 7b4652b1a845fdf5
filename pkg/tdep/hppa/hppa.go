// Package hppa describes 32-bit PA-RISC on Linux.
package hppa

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/frame"
	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/regset"
	"github.com/go-delve/unwind/pkg/target"
	"github.com/go-delve/unwind/pkg/tdep"
	"github.com/go-delve/unwind/pkg/tradframe"
	"github.com/go-delve/unwind/pkg/tramp"
)

// Family is the name the architecture is registered under.
const Family = "hppa"

// Register numbers.
const (
	R0      = 0
	R1      = 1
	RP      = 2
	R19     = 19
	R21     = 21
	DP      = 27
	SP      = 30
	SAR     = 32
	PCOQH   = 33
	PCOQT   = 34
	PCSQH   = 35
	PCSQT   = 36
	IIR     = 37
	ISR     = 38
	IOR     = 39
	IPSW    = 40
	FR0     = 41
	NumRegs = FR0 + 32
)

var regNames = func() []string {
	names := make([]string, 0, NumRegs)
	for i := 0; i < 32; i++ {
		names = append(names, fmt.Sprintf("r%d", i))
	}
	names[RP], names[DP], names[SP] = "rp", "dp", "sp"
	names = append(names, "sar", "pcoqh", "pcoqt", "pcsqh", "pcsqt", "iir", "isr", "ior", "ipsw")
	for i := 0; i < 32; i++ {
		names = append(names, fmt.Sprintf("fr%d", i))
	}
	return names
}()

// privMask is the privilege level in the low bits of code addresses.
const privMask = 3

// sigtrampInsns matches the rt_sigreturn trampoline of struct rt_sigframe.
var sigtrampInsns = []tramp.Insn{
	{Bits: 0x34190000, Mask: 0xfffffffd}, // ldi 0, %r25 or ldi 1, %r25
	tramp.Word(0x3414015a),               // ldi __NR_rt_sigreturn, %r20
	tramp.Word(0xe4008200),               // be,l 0x100(%sr2, %r0), %sr0, %r31
	tramp.Word(0x08000240),               // nop
	tramp.Sentinel,
}

// importStubInsns matches the stubs the linker places in front of calls
// to shared library functions.
var importStubInsns = []tramp.Insn{
	{Bits: 0x2b600000, Mask: 0xffe00000}, // addil LR'xxx, %dp
	{Bits: 0x48350000, Mask: 0xffffb000}, // ldw RR'xxx(%r1), %r21
	tramp.Word(0xeaa0c000),               // bv %r0(%r21)
	{Bits: 0x48330000, Mask: 0xffffb000}, // ldw RR'xxx+4(%r1), %r19
	tramp.Sentinel,
}

// Offsets in struct rt_sigframe: the trampoline code, siginfo and the
// start of struct ucontext come before the sigcontext.
const (
	sigtrampWords  = 9
	siginfoSize    = 128
	ucontextHeader = 20
	sigcontextOff  = sigtrampWords*4 + siginfoSize + ucontextHeader

	scGR   = 4
	scFR   = 136
	scIASQ = 392
	scIAOQ = 400
	scSAR  = 408
)

// Tdep is the architecture specific data of hppa descriptors.
type Tdep struct {
	// StubHeuristic marks functions that look like import stubs as stubs
	// in the symbol table.
	StubHeuristic bool
}

// Gregset is the layout of elf_gregset_t.
var Gregset = func() *regset.Set {
	offs := make([]int, NumRegs)
	for i := range offs {
		offs[i] = -1
	}
	for reg := R0; reg < 32; reg++ {
		offs[reg] = reg
	}
	offs[PCOQH], offs[PCOQT], offs[PCSQH], offs[PCSQT] = 40, 41, 42, 43
	offs[SAR], offs[IIR], offs[ISR], offs[IOR], offs[IPSW] = 44, 45, 46, 47, 48
	m := regset.Offsets(tdep.ScaledOffsets(offs, 4), 4)
	if pad := 80*4 - m.Len(); pad > 0 {
		m = append(m, regset.Entry{Count: 1, Regnum: regset.Skip, Size: pad})
	}
	return regset.FromMap(".reg", m)
}()

// Register adds the hppa family to r.
func Register(r *arch.Registry, opts tdep.Options) {
	r.Register(Family, func(q arch.Query, cached []*arch.Descriptor) (*arch.Descriptor, error) {
		return initArch(q, cached, opts)
	}, dump)
}

func sigtrampInit(fr *frame.Frame, c *tradframe.Cache, fn uint64) {
	sc := fn + sigcontextOff
	for reg := R1; reg < 32; reg++ {
		c.SetMemory(reg, sc+scGR+uint64(4*reg))
	}
	for i := 0; i < 32; i++ {
		c.SetMemory(FR0+i, sc+scFR+uint64(8*i))
	}
	c.SetMemory(PCSQH, sc+scIASQ)
	c.SetMemory(PCSQT, sc+scIASQ+4)
	c.SetMemory(SAR, sc+scSAR)
	for i, reg := range []int{PCOQH, PCOQT} {
		addr := sc + scIAOQ + uint64(4*i)
		v, err := tdep.ReadPtr(fr, addr)
		if err != nil {
			c.SetMemory(reg, addr)
			continue
		}
		c.SetValue(reg, v&^privMask)
	}
}

// stubInit recovers the caller of an import stub: the stub does not touch
// the return pointer or the stack.
func stubInit(fr *frame.Frame, c *tradframe.Cache, fn uint64) {
	rp, err := fr.RegisterUint64(RP)
	if err != nil {
		c.SetUnknown(PCOQH)
		return
	}
	c.SetValue(PCOQH, rp&^privMask)
	c.SetValue(PCOQT, (rp&^privMask)+4)
}

// validateStub rejects pcs the symbol table knows as ordinary functions.
// With the heuristic enabled those functions are marked as stubs instead.
func validateStub(td *Tdep) tramp.ValidateFunc {
	return func(fr *frame.Frame, pc uint64) bool {
		fn, ok := fr.Function()
		if !ok || fn.Stub {
			return true
		}
		if !td.StubHeuristic {
			return false
		}
		logflags.UnwindLogger().Warnf("function %s at %#x looks like an import stub, marking it as one", fn.Name, fn.Entry)
		fn.Stub = true
		return true
	}
}

// Prologue instructions.
const (
	stwRP    = 0x6bc23fd9 // stw rp, -20(sr0, sp)
	stdRP    = 0x0fc212c1 // std rp, -16(sr0, sp)
	stdRP2   = 0x73c23fe1 // std rp, -16(sr0, sp)
	ldoSP    = 0x37de0000 // ldo X(sp), sp
	ldoMask  = 0xffffc000
	stwmSP   = 0x6fc00000 // stwm X, D(sp)
	stwmMask = 0xffe00000

	maxPrologue = 64 * 4
)

// prologueAdjust returns how much insn grows the stack.
func prologueAdjust(insn uint32) int64 {
	switch {
	case insn&ldoMask == ldoSP:
		return extract14(insn)
	case insn&stwmMask == stwmSP:
		return extract14(insn)
	}
	return 0
}

// prologueUnwinder scans the code between the entry of the function and
// the pc for stack adjustments and the store of the return pointer. The
// stack grows up on hppa: the caller's stack pointer is below ours.
func prologueUnwinder() frame.Unwinder {
	return frame.NewUnwinder("hppa_prologue", frame.NormalFrame, func(fr *frame.Frame) (*tradframe.Cache, bool) {
		pc, err := fr.PC()
		if err != nil {
			return nil, false
		}
		sp, err := fr.SP()
		if err != nil {
			return nil, false
		}
		entry := tdep.FunctionStart(fr)
		var size int64
		rpOffset, foundRP := int64(0), false
		order := fr.Arch().ByteOrder()
		for addr := entry; addr < pc && addr-entry < maxPrologue; addr += 4 {
			v, err := target.ReadUint(fr.Memory(), order, addr, 4)
			if err != nil {
				break
			}
			insn := uint32(v)
			size += prologueAdjust(insn)
			switch insn {
			case stwRP:
				rpOffset, foundRP = -20, true
			case stdRP, stdRP2:
				rpOffset, foundRP = -16, true
			}
		}
		if !foundRP && !tdep.Interrupted(fr) {
			return nil, false
		}
		base := sp - uint64(size)
		c := tradframe.New(fr, NumRegs)
		if foundRP {
			addr := base + uint64(rpOffset)
			rp, err := tdep.ReadPtr(fr, addr)
			if err != nil || rp&^privMask == 0 {
				return nil, false
			}
			c.SetMemory(RP, addr)
			c.SetValue(PCOQH, rp&^privMask)
			c.SetValue(PCOQT, (rp&^privMask)+4)
		} else {
			rp, err := fr.RegisterUint64(RP)
			if err != nil || rp&^privMask == 0 {
				return nil, false
			}
			c.SetValue(PCOQH, rp&^privMask)
			c.SetValue(PCOQT, (rp&^privMask)+4)
			c.SetUnknown(RP)
		}
		c.SetValue(SP, base)
		c.SetID(tradframe.BuildID(base, entry))
		return c, true
	})
}

// skipTrampoline returns the target of the import stub at pc: the stub
// loads it from the linkage table entry at dp plus the displacements of
// its first two instructions.
func skipTrampoline(fr *frame.Frame, pc uint64) uint64 {
	a := fr.Arch()
	d := &tramp.Descriptor{Name: "hppa_import_stub", InsnSize: 4, Insns: importStubInsns}
	if start, ok := tramp.Match(fr.Memory(), a.ByteOrder(), d, pc); !ok || start != pc {
		return 0
	}
	var insns [2]uint32
	for i := range insns {
		v, err := target.ReadUint(fr.Memory(), a.ByteOrder(), pc+uint64(4*i), 4)
		if err != nil {
			return 0
		}
		insns[i] = uint32(v)
	}
	dp, err := fr.RegisterUint64(DP)
	if err != nil {
		return 0
	}
	slot := uint32(int64(dp) + extract21(insns[0]) + extract14(insns[1]))
	dest, err := tdep.ReadPtr(fr, uint64(slot))
	if err != nil {
		return 0
	}
	return dest &^ privMask
}

// field returns bits from through to of w, numbered from the most
// significant bit.
func field(w uint32, from, to uint) uint32 {
	return (w >> (31 - to)) & (1<<(to-from+1) - 1)
}

func signExtend(v uint32, bits uint) int64 {
	return int64(int32(v<<(32-bits)) >> (32 - bits))
}

// lowSignExtend decodes an immediate with the sign in its lowest bit.
func lowSignExtend(v uint32, bits uint) int64 {
	r := int64(v >> 1)
	if v&1 != 0 {
		r |= -1 << (bits - 1)
	}
	return r
}

// extract21 decodes the scrambled 21 bit immediate of addil and ldil.
func extract21(insn uint32) int64 {
	w := (insn & (1<<21 - 1)) << 11
	v := field(w, 20, 20)
	v = v<<11 | field(w, 9, 19)
	v = v<<2 | field(w, 5, 6)
	v = v<<5 | field(w, 0, 4)
	v = v<<2 | field(w, 7, 8)
	return signExtend(v, 21) << 11
}

func extract14(insn uint32) int64 {
	return lowSignExtend(insn&(1<<14-1), 14)
}

func initArch(q arch.Query, cached []*arch.Descriptor, opts tdep.Options) (*arch.Descriptor, error) {
	if q.Variant != "" {
		return nil, nil
	}
	if q.ByteOrder != nil && q.ByteOrder != binary.BigEndian {
		return nil, nil
	}
	q.ByteOrder = binary.BigEndian
	for _, d := range cached {
		if d.OSABI() == q.OSABI {
			return d, nil
		}
	}

	b := arch.NewBuilder(q)
	td := arch.New[Tdep](b.Arena())
	td.StubHeuristic = opts.HPPAStubHeuristic
	if td.StubHeuristic {
		logflags.WriteError("warning: hppa import stub heuristic enabled, the symbol table will be modified while unwinding")
	}
	b.SetName("hppa1.1")
	b.SetPointerBits(32)
	b.SetRegisters(regNames, 4, PCOQH, SP)
	for reg := FR0; reg < FR0+32; reg++ {
		b.SetRegisterSize(reg, 8)
	}
	b.SetTdep(td)
	b.AppendUnwinder(prologueUnwinder())

	if q.OSABI == arch.OSABILinux {
		b.AddTrampoline(&tramp.Descriptor{Name: "hppa_linux_sigtramp", Kind: frame.SigtrampFrame, InsnSize: 4,
			Insns: sigtrampInsns, Init: sigtrampInit})
		b.AddTrampoline(&tramp.Descriptor{Name: "hppa_import_stub", Kind: frame.StubFrame, InsnSize: 4,
			Insns: importStubInsns, Init: stubInit, Validate: validateStub(td)})
		b.SetSkipTrampoline(skipTrampoline)
		b.AddRegset(Gregset)
		opts.AddExtraTrampolines(b)
	}
	return b.Finish()
}

func dump(d *arch.Descriptor, w io.Writer) {
	fmt.Fprintf(w, "hppa: stub_heuristic = %v\n", d.Tdep().(*Tdep).StubHeuristic)
}
