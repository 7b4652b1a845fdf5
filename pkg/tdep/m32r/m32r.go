// Package m32r describes the Renesas M32R on Linux.
package m32r

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
const Family = "m32r"

// Register numbers.
const (
	R0      = 0
	FP      = 13
	LR      = 14
	SP      = 15
	PSW     = 16
	CBR     = 17
	SPI     = 18
	SPU     = 19
	BPC     = 20
	PC      = 21
	ACCL    = 22
	ACCH    = 23
	NumRegs = 24
)

var regNames = []string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "r11", "r12", "fp", "lr", "sp",
	"psw", "cbr", "spi", "spu", "bpc", "pc", "accl", "acch",
}

// pswSM selects the user stack pointer.
const pswSM = 0x80

// Trampoline instructions.
const (
	ldiR7Sigreturn = 0x6777 // ldi r7, #119
	trap2          = 0x10f2 // trap #2
	ldiR7RtSig     = 0x97f0 // ldi r7, #173, first half
	ldiR7RtSigImm  = 0x00ad // ldi r7, #173, second half
	nop            = 0xf000
)

// Offsets of struct sigcontext from the stack pointer of the trampoline.
const (
	sigcontextOffset   = 4
	rtSigcontextOffset = 4 + 4 + 4 + 128 + 20
)

// sigcontextSlots is the word of struct sigcontext holding each register.
// The stack pointer is spu or spi depending on the stack mode.
var sigcontextSlots = []int{
	4, 5, 6, 7, 0, 1, 2, 8, 9, 10, 11, 12, 13, // r0-r12
	21, 22, -1, // fp lr sp
	16, -1, 23, 20, 19, 17, 15, 14, // psw cbr spi spu bpc pc accl acch
}

const (
	scPSW = 16 * 4
	scSPI = 23 * 4
	scSPU = 20 * 4
)

// Gregset is the layout of elf_gregset_t. psw is stored as is: the core
// file does not have the bits the kernel keeps in bbpsw.
var Gregset = func() *regset.Set {
	m := regset.Offsets(tdep.ScaledOffsets([]int{
		4, 5, 6, 7, 0, 1, 2, 8, 9, 10, 11, 12, 13, // r0-r12
		24, 25, 23, // fp lr sp
		19, -1, 26, -1, 22, 20, 16, 15, // psw cbr spi spu bpc pc accl acch
	}, 4), 4)
	if pad := 28*4 - m.Len(); pad > 0 {
		m = append(m, regset.Entry{Count: 1, Regnum: regset.Skip, Size: pad})
	}
	return regset.FromMap(".reg", m)
}()

// Register adds the m32r family to r.
func Register(r *arch.Registry, opts tdep.Options) {
	r.Register(Family, func(q arch.Query, cached []*arch.Descriptor) (*arch.Descriptor, error) {
		return initArch(q, cached, opts)
	}, dump)
}

func sigcontextInit(off uint64) tramp.InitFunc {
	table := tdep.ScaledOffsets(sigcontextSlots, 4)
	return func(fr *frame.Frame, c *tradframe.Cache, fn uint64) {
		sp, err := fr.SP()
		if err != nil {
			logflags.UnwindLogger().Debugf("signal context of frame #%d: %v", fr.Level(), err)
			for reg := 0; reg < c.NumRegs(); reg++ {
				c.SetUnknown(reg)
			}
			return
		}
		sc := sp + off
		c.SetMemoryTable(sc, table)
		psw, err := target.ReadUint(fr.Memory(), fr.Arch().ByteOrder(), sc+scPSW, 4)
		switch {
		case err != nil:
			c.SetUnknown(SP)
		case psw&pswSM != 0:
			c.SetMemory(SP, sc+scSPU)
		default:
			c.SetMemory(SP, sc+scSPI)
		}
	}
}

func initArch(q arch.Query, cached []*arch.Descriptor, opts tdep.Options) (*arch.Descriptor, error) {
	if q.Variant != "" {
		return nil, nil
	}
	if q.ByteOrder == nil {
		q.ByteOrder = binary.BigEndian
	}
	for _, d := range cached {
		if d.OSABI() == q.OSABI && d.ByteOrder() == q.ByteOrder {
			return d, nil
		}
	}

	b := arch.NewBuilder(q)
	if q.ByteOrder == binary.LittleEndian {
		b.SetName("m32rle")
	} else {
		b.SetName("m32r")
	}
	b.SetPointerBits(32)
	b.SetRegisters(regNames, 4, PC, SP)
	b.AppendUnwinder(tdep.LinkRegisterUnwinder("m32r_lr", LR, 3))

	if q.OSABI == arch.OSABILinux {
		b.AddTrampoline(&tramp.Descriptor{Name: "m32r_linux_sigtramp", Kind: frame.SigtrampFrame, InsnSize: 2,
			Insns: tramp.Words(ldiR7Sigreturn, trap2), Init: sigcontextInit(sigcontextOffset)})
		b.AddTrampoline(&tramp.Descriptor{Name: "m32r_linux_rt_sigtramp", Kind: frame.SigtrampFrame, InsnSize: 2,
			Insns: tramp.Words(ldiR7RtSig, ldiR7RtSigImm, trap2, nop), Init: sigcontextInit(rtSigcontextOffset)})
		b.AddRegset(Gregset)
		opts.AddExtraTrampolines(b)
	}
	return b.Finish()
}

func dump(d *arch.Descriptor, w io.Writer) {
	fmt.Fprintf(w, "m32r: psw_sm = %#x\n", pswSM)
}
