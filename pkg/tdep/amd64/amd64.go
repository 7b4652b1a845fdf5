// Package amd64 describes the x86-64 architecture on Linux.
package amd64

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
const Family = "amd64"

// Register numbers.
const (
	RAX = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RBP
	RSP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	RIP
	EFLAGS
	CS
	SS
	DS
	ES
	FS
	GS
	FSBase
	GSBase
	OrigRAX
	ST0
	MXCSR   = ST0 + 8
	XMM0    = MXCSR + 1
	NumRegs = XMM0 + 16
)

var regNames = func() []string {
	names := []string{
		"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		"rip", "eflags", "cs", "ss", "ds", "es", "fs", "gs",
		"fs_base", "gs_base", "orig_rax",
	}
	for i := 0; i < 8; i++ {
		names = append(names, fmt.Sprintf("st%d", i))
	}
	names = append(names, "mxcsr")
	for i := 0; i < 16; i++ {
		names = append(names, fmt.Sprintf("xmm%d", i))
	}
	return names
}()

// sigcontextOffset is the offset of uc_mcontext in the ucontext the kernel
// pushes for rt signals, which is where the stack pointer of the
// trampoline points.
const sigcontextOffset = 40

// scRegOffsets are the offsets, in 8 byte words, of the registers in
// struct sigcontext.
var scRegOffsets = [...]int{
	RAX: 13, RBX: 11, RCX: 14, RDX: 12, RSI: 9, RDI: 8, RBP: 10, RSP: 15,
	R8: 0, R9: 1, R10: 2, R11: 3, R12: 4, R13: 5, R14: 6, R15: 7,
	RIP: 16, EFLAGS: 17,
	CS: -1, SS: -1, DS: -1, ES: -1, FS: -1, GS: -1, FSBase: -1, GSBase: -1, OrigRAX: -1,
}

// gregOffsets are the offsets, in 8 byte words, of the registers in
// struct user_regs_struct, the contents of NT_PRSTATUS.
var gregOffsets = [...]int{
	R15: 0, R14: 1, R13: 2, R12: 3, RBP: 4, RBX: 5, R11: 6, R10: 7,
	R9: 8, R8: 9, RAX: 10, RCX: 11, RDX: 12, RSI: 13, RDI: 14, OrigRAX: 15,
	RIP: 16, CS: 17, EFLAGS: 18, RSP: 19, SS: 20, FSBase: 21, GSBase: 22,
	DS: 23, ES: 24, FS: 25, GS: 26,
}

// GregsetSize is the size of struct user_regs_struct.
const GregsetSize = 27 * 8

// FPregsetSize is the size of struct user_fpregs_struct, the fxsave area.
const FPregsetSize = 512

// sigreturnCode is mov $15,%rax; syscall.
var sigreturnCode = []uint64{0x48, 0xc7, 0xc0, 0x0f, 0x00, 0x00, 0x00, 0x0f, 0x05}

// Tdep is the architecture specific data of amd64 descriptors.
type Tdep struct {
	SigcontextOffset uint64
	ScRegOffsets     []int
}

// Gregset is the layout of the general purpose registers in core files
// and ptrace.
var Gregset = regset.FromMap(".reg", regset.Offsets(tdep.ScaledOffsets(gregOffsets[:], 8), 8))

// FPregset is the layout of the fxsave area.
var FPregset = func() *regset.Set {
	m := regset.Map{
		{Count: 1, Regnum: regset.Skip, Size: 24},
		{Count: 1, Regnum: MXCSR, Size: 4},
		{Count: 1, Regnum: regset.Skip, Size: 4},
	}
	for i := 0; i < 8; i++ {
		m = append(m, regset.Entry{Count: 1, Regnum: ST0 + i, Size: 10}, regset.Entry{Count: 1, Regnum: regset.Skip, Size: 6})
	}
	m = append(m, regset.Entry{Count: 16, Regnum: XMM0, Size: 16})
	m = append(m, regset.Entry{Count: 1, Regnum: regset.Skip, Size: FPregsetSize - m.Len()})
	return regset.FromMap(".reg2", m)
}()

// Register adds the amd64 family to r.
func Register(r *arch.Registry, opts tdep.Options) {
	r.Register(Family, func(q arch.Query, cached []*arch.Descriptor) (*arch.Descriptor, error) {
		return initArch(q, cached, opts)
	}, dump)
}

func initArch(q arch.Query, cached []*arch.Descriptor, opts tdep.Options) (*arch.Descriptor, error) {
	if q.Variant != "" && q.Variant != "x86-64" {
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
	b.SetName("i386:x86-64")
	b.SetPointerBits(64)
	b.SetRegisters(regNames, 8, RIP, RSP)
	for reg := EFLAGS; reg <= GS; reg++ {
		b.SetRegisterSize(reg, 4)
	}
	for reg := ST0; reg < ST0+8; reg++ {
		b.SetRegisterSize(reg, 10)
	}
	b.SetRegisterSize(MXCSR, 4)
	for reg := XMM0; reg < XMM0+16; reg++ {
		b.SetRegisterSize(reg, 16)
	}

	td := arch.New[Tdep](b.Arena())
	td.SigcontextOffset = sigcontextOffset
	td.ScRegOffsets = tdep.ScaledOffsets(scRegOffsets[:], 8)
	b.SetTdep(td)

	b.AppendUnwinder(tdep.FramePointerUnwinder(tdep.FPLayout{
		Name: "amd64_prologue",
		FP:   RBP,
		PC:   RIP,
		SP:   RSP,
		LR:   -1,
		Analyze: func(code []byte, entry, pc uint64) prologue.Result {
			return prologue.X86(code, 64, entry, pc)
		},
	}))

	if q.OSABI == arch.OSABILinux {
		b.AddTrampoline(&tramp.Descriptor{
			Name:     "amd64_linux_rt_sigreturn",
			Kind:     frame.SigtrampFrame,
			InsnSize: 1,
			Insns:    tramp.Words(sigreturnCode...),
			Init:     tdep.SigcontextInit(tdep.SPPlus(td.SigcontextOffset), td.ScRegOffsets),
		})
		b.AddRegset(Gregset)
		b.AddRegset(FPregset)
		opts.AddExtraTrampolines(b)
	}
	return b.Finish()
}

func dump(d *arch.Descriptor, w io.Writer) {
	td := d.Tdep().(*Tdep)
	fmt.Fprintf(w, "amd64: sigcontext_offset = %d\n", td.SigcontextOffset)
	fmt.Fprintf(w, "amd64: sc_reg_offset = %v\n", td.ScRegOffsets)
}
