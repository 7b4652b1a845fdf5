// Package arm describes the 32-bit ARM architecture on Linux, both the old
// and the EABI system call conventions.
package arm

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/frame"
	"github.com/go-delve/unwind/pkg/regset"
	"github.com/go-delve/unwind/pkg/target"
	"github.com/go-delve/unwind/pkg/tdep"
	"github.com/go-delve/unwind/pkg/tramp"
)

// Family is the name the architecture is registered under.
const Family = "arm"

// Register numbers.
const (
	R0   = 0
	R7   = 7
	FP   = 11
	SP   = 13
	LR   = 14
	PC   = 15
	CPSR = 16
	// OrigR0 is the value of r0 before a system call.
	OrigR0  = 17
	NumRegs = 18
)

var regNames = []string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "fp", "ip", "sp", "lr", "pc",
	"cpsr", "orig_r0",
}

const (
	// newSigframeMagic is stored at the bottom of the signal frames of
	// kernels that put a ucontext in sigreturn frames too.
	newSigframeMagic = 0x5ac3c35a

	ucontextSigcontext = 0x14
	rtSigframeUcontext = 0x80
	sigcontextR0       = 0xc
	sigcontextCPSR     = 0x4c
)

// Trampoline instruction words.
const (
	swiSigreturn       = 0xef900077 // swi #0x900077
	swiRtSigreturn     = 0xef9000ad // swi #0x9000ad
	movR7Sigreturn     = 0xe3a07077 // mov r7, #0x77
	movR7RtSigreturn   = 0xe3a070ad // mov r7, #0xad
	swi0               = 0xef000000 // swi #0
	thumbMovsSigreturn = 0x2777     // movs r7, #0x77
	thumbMovsRt        = 0x27ad     // movs r7, #0xad
	thumbSvc0          = 0xdf00     // svc #0
)

// GregsetSize is the size of the elf_gregset_t of ARM.
const GregsetSize = NumRegs * 4

// Gregset is the layout of r0-r15, cpsr and orig_r0 in core files.
var Gregset = regset.FromMap(".reg", regset.Map{{Count: NumRegs, Regnum: R0, Size: 4}})

// Tdep is the architecture specific data of arm descriptors.
type Tdep struct {
	ScRegOffsets []int
}

// Register adds the arm family to r.
func Register(r *arch.Registry, opts tdep.Options) {
	r.Register(Family, func(q arch.Query, cached []*arch.Descriptor) (*arch.Descriptor, error) {
		return initArch(q, cached, opts)
	}, dump)
}

func sigcontextOffsets() []int {
	offs := make([]int, NumRegs)
	for reg := R0; reg <= PC; reg++ {
		offs[reg] = sigcontextR0 + 4*reg
	}
	offs[CPSR] = sigcontextCPSR
	offs[OrigR0] = -1
	return offs
}

// sigreturnBase returns the address of the sigcontext of a sigreturn
// frame. Newer kernels put a whole ucontext in the frame, and mark it with
// newSigframeMagic.
func sigreturnBase(fr *frame.Frame, fn uint64) (uint64, error) {
	sp, err := fr.SP()
	if err != nil {
		return 0, err
	}
	magic, err := target.ReadUint(fr.Memory(), fr.Arch().ByteOrder(), sp, 4)
	if err != nil {
		return 0, err
	}
	if magic == newSigframeMagic {
		return sp + ucontextSigcontext, nil
	}
	return sp, nil
}

func rtSigreturnBase(fr *frame.Frame, fn uint64) (uint64, error) {
	sp, err := fr.SP()
	return sp + rtSigframeUcontext + ucontextSigcontext, err
}

func sigtramps(td *Tdep) []*tramp.Descriptor {
	sigInit := tdep.SigcontextInit(sigreturnBase, td.ScRegOffsets)
	rtInit := tdep.SigcontextInit(rtSigreturnBase, td.ScRegOffsets)
	return []*tramp.Descriptor{
		{Name: "arm_linux_sigreturn", Kind: frame.SigtrampFrame, InsnSize: 4, Insns: tramp.Words(swiSigreturn), Init: sigInit},
		{Name: "arm_linux_rt_sigreturn", Kind: frame.SigtrampFrame, InsnSize: 4, Insns: tramp.Words(swiRtSigreturn), Init: rtInit},
		{Name: "arm_eabi_linux_sigreturn", Kind: frame.SigtrampFrame, InsnSize: 4, Insns: tramp.Words(movR7Sigreturn, swi0), Init: sigInit},
		{Name: "arm_eabi_linux_rt_sigreturn", Kind: frame.SigtrampFrame, InsnSize: 4, Insns: tramp.Words(movR7RtSigreturn, swi0), Init: rtInit},
		{Name: "thumb2_eabi_linux_sigreturn", Kind: frame.SigtrampFrame, InsnSize: 2, Insns: tramp.Words(thumbMovsSigreturn, thumbSvc0), Init: sigInit},
		{Name: "thumb2_eabi_linux_rt_sigreturn", Kind: frame.SigtrampFrame, InsnSize: 2, Insns: tramp.Words(thumbMovsRt, thumbSvc0), Init: rtInit},
	}
}

func initArch(q arch.Query, cached []*arch.Descriptor, opts tdep.Options) (*arch.Descriptor, error) {
	if q.Variant != "" {
		return nil, nil
	}
	if q.ByteOrder == nil {
		q.ByteOrder = binary.LittleEndian
	}
	for _, d := range cached {
		if d.OSABI() == q.OSABI && d.ByteOrder() == q.ByteOrder {
			return d, nil
		}
	}

	b := arch.NewBuilder(q)
	b.SetName("arm")
	b.SetPointerBits(32)
	b.SetRegisters(regNames, 4, PC, SP)
	td := arch.New[Tdep](b.Arena())
	td.ScRegOffsets = sigcontextOffsets()
	b.SetTdep(td)

	// push {fp, lr}; add fp, sp, #4
	b.AppendUnwinder(tdep.FramePointerUnwinder(tdep.FPLayout{
		Name:       "arm_apcs",
		FP:         FP,
		PC:         PC,
		SP:         SP,
		LR:         LR,
		RecordBias: 4,
	}))
	b.AppendUnwinder(tdep.LinkRegisterUnwinder("arm_lr", LR, 1))

	if q.OSABI == arch.OSABILinux {
		for _, t := range sigtramps(td) {
			b.AddTrampoline(t)
		}
		b.AddRegset(Gregset)
		opts.AddExtraTrampolines(b)
	}
	return b.Finish()
}

func dump(d *arch.Descriptor, w io.Writer) {
	td := d.Tdep().(*Tdep)
	fmt.Fprintf(w, "arm: sc_reg_offset = %v\n", td.ScRegOffsets)
}
