// Package aarch64 describes the 64-bit ARM architecture on Linux.
package aarch64

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
const Family = "aarch64"

// Register numbers.
const (
	X0      = 0
	FP      = 29
	LR      = 30
	SP      = 31
	PC      = 32
	CPSR    = 33
	NumRegs = 34
)

var regNames = func() []string {
	names := make([]string, 0, NumRegs)
	for i := 0; i < 31; i++ {
		names = append(names, fmt.Sprintf("x%d", i))
	}
	return append(names, "sp", "pc", "cpsr")
}()

const (
	// sigcontextOffset is the offset of uc_mcontext from the stack pointer
	// of the trampoline: a siginfo followed by the ucontext header.
	sigcontextOffset = 128 + 176
	// sigcontextRegs is the offset of the registers in struct sigcontext,
	// after the fault address.
	sigcontextRegs = 8
)

const (
	movX8Sigreturn = 0xd2801168 // mov x8, #139
	svc0           = 0xd4000001 // svc #0
)

// GregsetSize is the size of struct user_pt_regs.
const GregsetSize = NumRegs * 8

// Gregset is the layout of x0-x30, sp, pc and pstate in core files.
var Gregset = regset.FromMap(".reg", regset.Map{{Count: NumRegs, Regnum: X0, Size: 8}})

// Tdep is the architecture specific data of aarch64 descriptors.
type Tdep struct {
	SigcontextOffset uint64
	ScRegOffsets     []int
}

// Register adds the aarch64 family to r.
func Register(r *arch.Registry, opts tdep.Options) {
	r.Register(Family, func(q arch.Query, cached []*arch.Descriptor) (*arch.Descriptor, error) {
		return initArch(q, cached, opts)
	}, dump)
}

func initArch(q arch.Query, cached []*arch.Descriptor, opts tdep.Options) (*arch.Descriptor, error) {
	if q.Variant != "" {
		return nil, nil
	}
	// big endian aarch64 still has little endian instructions, which the
	// trampoline matcher can not express
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
	b.SetName("aarch64")
	b.SetPointerBits(64)
	b.SetRegisters(regNames, 8, PC, SP)
	b.SetRegisterSize(CPSR, 4)

	td := arch.New[Tdep](b.Arena())
	td.SigcontextOffset = sigcontextOffset
	td.ScRegOffsets = make([]int, NumRegs)
	for reg := range td.ScRegOffsets {
		td.ScRegOffsets[reg] = sigcontextRegs + 8*reg
	}
	b.SetTdep(td)

	b.AppendUnwinder(tdep.FramePointerUnwinder(tdep.FPLayout{
		Name:    "aarch64_prologue",
		FP:      FP,
		PC:      PC,
		SP:      SP,
		LR:      LR,
		Analyze: prologue.ARM64,
	}))

	if q.OSABI == arch.OSABILinux {
		b.AddTrampoline(&tramp.Descriptor{
			Name:     "aarch64_linux_rt_sigreturn",
			Kind:     frame.SigtrampFrame,
			InsnSize: 4,
			Insns:    tramp.Words(movX8Sigreturn, svc0),
			Init:     tdep.SigcontextInit(tdep.SPPlus(td.SigcontextOffset), td.ScRegOffsets),
		})
		b.AddRegset(Gregset)
		opts.AddExtraTrampolines(b)
	}
	return b.Finish()
}

func dump(d *arch.Descriptor, w io.Writer) {
	td := d.Tdep().(*Tdep)
	fmt.Fprintf(w, "aarch64: sigcontext_offset = %d\n", td.SigcontextOffset)
}
