// Package i386 describes the 32-bit x86 architecture on Linux.
package i386

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/frame"
	"github.com/go-delve/unwind/pkg/prologue"
	"github.com/go-delve/unwind/pkg/regset"
	"github.com/go-delve/unwind/pkg/tdep"
	"github.com/go-delve/unwind/pkg/tramp"
)

// Family is the name the architecture is registered under.
const Family = "i386"

// Register numbers.
const (
	EAX = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
	EIP
	EFLAGS
	CS
	SS
	DS
	ES
	FS
	GS
	OrigEAX
	ST0
	NumRegs = ST0 + 8
)

var regNames = []string{
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	"eip", "eflags", "cs", "ss", "ds", "es", "fs", "gs", "orig_eax",
	"st0", "st1", "st2", "st3", "st4", "st5", "st6", "st7",
}

// scRegOffsets are the offsets, in 4 byte words, of the registers in
// struct sigcontext.
var scRegOffsets = [...]int{
	GS: 0, FS: 1, ES: 2, DS: 3, EDI: 4, ESI: 5, EBP: 6, ESP: 7,
	EBX: 8, EDX: 9, ECX: 10, EAX: 11, EIP: 14, CS: 15, EFLAGS: 16, SS: 18,
	OrigEAX: -1,
}

// gregOffsets are the offsets, in 4 byte words, of the registers in
// struct user_regs_struct.
var gregOffsets = [...]int{
	EBX: 0, ECX: 1, EDX: 2, ESI: 3, EDI: 4, EBP: 5, EAX: 6, DS: 7,
	ES: 8, FS: 9, GS: 10, OrigEAX: 11, EIP: 12, CS: 13, EFLAGS: 14, ESP: 15, SS: 16,
}

// GregsetSize is the size of struct user_regs_struct.
const GregsetSize = 17 * 4

// FPregsetSize is the size of struct user_fpregs_struct, the fsave area.
const FPregsetSize = 108

// ucontextSigcontextOffset is the offset of uc_mcontext in struct
// ucontext.
const ucontextSigcontextOffset = 20

var (
	// pop %eax; mov $0x77,%eax; int $0x80
	sigreturnCode = []uint64{0x58, 0xb8, 0x77, 0x00, 0x00, 0x00, 0xcd, 0x80}
	// mov $0xad,%eax; int $0x80
	rtSigreturnCode = []uint64{0xb8, 0xad, 0x00, 0x00, 0x00, 0xcd, 0x80}
)

// Tdep is the architecture specific data of i386 descriptors.
type Tdep struct {
	ScRegOffsets []int
}

// Gregset is the layout of the general purpose registers in core files.
var Gregset = regset.FromMap(".reg", regset.Offsets(tdep.ScaledOffsets(gregOffsets[:], 4), 4))

// FPregset is the layout of the fsave area.
var FPregset = regset.FromMap(".reg2", regset.Map{
	{Count: 1, Regnum: regset.Skip, Size: 28},
	{Count: 8, Regnum: ST0, Size: 10},
})

// Register adds the i386 family to r.
func Register(r *arch.Registry, opts tdep.Options) {
	r.Register(Family, func(q arch.Query, cached []*arch.Descriptor) (*arch.Descriptor, error) {
		return initArch(q, cached, opts)
	}, dump)
}

// sigcontextAddr returns the address of the sigcontext of a sigreturn
// trampoline: the first instruction pops the signal number.
func sigcontextAddr(fr *frame.Frame, fn uint64) (uint64, error) {
	sp, err := fr.SP()
	if err != nil {
		return 0, err
	}
	pc, err := fr.PC()
	if err != nil {
		return 0, err
	}
	if pc == fn {
		return sp + 4, nil
	}
	return sp, nil
}

// rtSigcontextAddr returns the address of the sigcontext of an
// rt_sigreturn trampoline, whose stack holds the signal number, a
// pointer to the siginfo and a pointer to the ucontext.
func rtSigcontextAddr(fr *frame.Frame, fn uint64) (uint64, error) {
	sp, err := fr.SP()
	if err != nil {
		return 0, err
	}
	uc, err := tdep.ReadPtr(fr, sp+8)
	if err != nil {
		return 0, err
	}
	return uc + ucontextSigcontextOffset, nil
}

func initArch(q arch.Query, cached []*arch.Descriptor, opts tdep.Options) (*arch.Descriptor, error) {
	if q.Variant != "" {
		return nil, nil
	}
	if q.ByteOrder != nil && q.ByteOrder != binary.LittleEndian {
		return nil, nil
	}
	q.ByteOrder = binary.LittleEndian
	for _, d := range cached {
		if d.OSABI() == q.OSABI {
			return d, nil
		}
	}

	b := arch.NewBuilder(q)
	b.SetName("i386")
	b.SetPointerBits(32)
	b.SetRegisters(regNames, 4, EIP, ESP)
	for reg := ST0; reg < ST0+8; reg++ {
		b.SetRegisterSize(reg, 10)
	}
	td := arch.New[Tdep](b.Arena())
	td.ScRegOffsets = tdep.ScaledOffsets(scRegOffsets[:], 4)
	b.SetTdep(td)

	b.AppendUnwinder(tdep.FramePointerUnwinder(tdep.FPLayout{
		Name: "i386_prologue",
		FP:   EBP,
		PC:   EIP,
		SP:   ESP,
		LR:   -1,
		Analyze: func(code []byte, entry, pc uint64) prologue.Result {
			return prologue.X86(code, 32, entry, pc)
		},
	}))

	if q.OSABI == arch.OSABILinux {
		b.AddTrampoline(&tramp.Descriptor{
			Name:     "i386_linux_sigreturn",
			Kind:     frame.SigtrampFrame,
			InsnSize: 1,
			Insns:    tramp.Words(sigreturnCode...),
			Init:     tdep.SigcontextInit(sigcontextAddr, td.ScRegOffsets),
		})
		b.AddTrampoline(&tramp.Descriptor{
			Name:     "i386_linux_rt_sigreturn",
			Kind:     frame.SigtrampFrame,
			InsnSize: 1,
			Insns:    tramp.Words(rtSigreturnCode...),
			Init:     tdep.SigcontextInit(rtSigcontextAddr, td.ScRegOffsets),
		})
		b.AddRegset(Gregset)
		b.AddRegset(FPregset)
		opts.AddExtraTrampolines(b)
	}
	return b.Finish()
}

func dump(d *arch.Descriptor, w io.Writer) {
	td := d.Tdep().(*Tdep)
	fmt.Fprintf(w, "i386: sc_reg_offset = %v\n", td.ScRegOffsets)
}
