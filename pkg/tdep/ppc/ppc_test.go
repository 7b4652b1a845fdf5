package ppc

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/frame"
	"github.com/go-delve/unwind/pkg/internal/tdeptest"
	"github.com/go-delve/unwind/pkg/regset"
	"github.com/go-delve/unwind/pkg/target"
	"github.com/go-delve/unwind/pkg/tdep"
)

func TestSigtramps(t *testing.T) {
	const (
		fn     = 0x100000
		gpregs = 0x7fff0400
	)
	for _, tc := range []struct {
		name    string
		variant string
		order   binary.ByteOrder
		code    []uint64
		pc      uint64
		sp      uint64
		ptrAt   uint64
	}{
		{"ppc32 sighandler", "", binary.BigEndian, []uint64{liR0Sig, syscallIns}, fn + 4, 0x7fff0000, 0x7fff0000 + sighandlerRegsOffset32},
		{"ppc32 sigaction", "", binary.BigEndian, []uint64{liR0Rt, syscallIns}, fn, 0x7fff0000, 0x7fff0000 + sigactionRegsOffset32},
		{"ppc64 sigaction at entry", "64", binary.BigEndian, []uint64{addiR1R1, liR0Rt, syscallIns}, fn, 0x7fff0000, 0x7fff0000 + sigactionRegsOffset64},
		{"ppc64 sigaction popped", "64", binary.BigEndian, []uint64{addiR1R1, liR0Rt, syscallIns}, fn + 8, 0x7fff0080, 0x7fff0000 + sigactionRegsOffset64},
		{"ppc64le sighandler", "64", binary.LittleEndian, []uint64{addiR1R1, liR0Sig, syscallIns}, fn + 4, 0x7fff0080, 0x7fff0000 + sighandlerRegsOffset64},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := tdeptest.Select(t, Register, tdep.Options{}, arch.Query{Family: Family, Variant: tc.variant, ByteOrder: tc.order, OSABI: arch.OSABILinux})
			ws := d.PtrBytes()
			mem := &target.SparseMemory{}
			mem.Map(fn, tdeptest.Words(tc.order, 4, tc.code...))
			mem.Map(tc.ptrAt, tdeptest.Words(tc.order, ws, gpregs))
			mem.Map(gpregs, tdeptest.Block(tc.order, ws, elfNGReg*ws, map[int]uint64{
				R1 * ws:  0x7fff1000,
				PC * ws:  0x10000100,
				LR * ws:  0x10000204,
				R3 * ws:  33,
				CR * ws:  0x24000422,
				MSR * ws: 0xd032,
			}))
			fpregs := make([]byte, 33*8)
			tc.order.PutUint64(fpregs[8:], math.Float64bits(1.5))
			target.EncodeUint(tc.order, fpregs[32*8:], 0xfe)
			mem.Map(gpregs+uint64(elfNGReg*ws), fpregs)
			// the return address of frame #1 is saved in the frame of its caller
			mem.Map(0x7fff1000, tdeptest.Words(tc.order, ws, 0x7fff1100))
			mem.Map(0x7fff1100, tdeptest.Words(tc.order, ws, 0, 0, 0))
			mem.Map(0x7fff1100+d.Tdep().(*Tdep).LROffset, tdeptest.Words(tc.order, ws, 0x10000300))

			frames, stop := tdeptest.Backtrace(d, map[int]uint64{PC: tc.pc, R1: tc.sp}, mem, nil)
			if stop != frame.StopOutermost {
				t.Errorf("stop reason %v", stop)
			}
			if diff := cmp.Diff([]uint64{tc.pc, 0x10000100, 0x10000300}, tdeptest.PCs(t, frames)); diff != "" {
				t.Fatalf("pcs mismatch (-want +got):\n%s", diff)
			}
			if frames[0].Kind() != frame.SigtrampFrame {
				t.Errorf("frame #0 kind %v", frames[0].Kind())
			}
			for reg, want := range map[int]uint64{R3: 33, CR: 0x24000422, LR: 0x10000204, MSR: 0xd032, F0 + 1: math.Float64bits(1.5), FPSCR: 0xfe} {
				if got := tdeptest.Reg(t, frames[1], reg); got != want {
					t.Errorf("%s = %#x, want %#x", d.RegName(reg), got, want)
				}
			}
			if got := tdeptest.Reg(t, frames[2], R1); got != 0x7fff1100 {
				t.Errorf("r1 of frame #2 = %#x", got)
			}
		})
	}
}

func TestLinkRegister(t *testing.T) {
	d := tdeptest.Select(t, Register, tdep.Options{}, arch.Query{Family: Family, OSABI: arch.OSABILinux})
	mem := &target.SparseMemory{}
	mem.Map(0x7fff0000, tdeptest.Words(binary.BigEndian, 4, 0))
	// a leaf function with no frame of its own
	frames, stop := tdeptest.Backtrace(d, map[int]uint64{PC: 0x10000100, R1: 0x7fff0000, LR: 0x10000200}, mem, nil)
	if diff := cmp.Diff([]uint64{0x10000100, 0x10000200}, tdeptest.PCs(t, frames)); diff != "" {
		t.Fatalf("pcs mismatch (-want +got):\n%s", diff)
	}
	if stop != frame.StopOutermost {
		t.Errorf("stop reason %v", stop)
	}
}

func TestRegsets(t *testing.T) {
	for _, tc := range []struct {
		variant string
		size    int
	}{
		{"", 192},
		{"64", 384},
	} {
		d := tdeptest.Select(t, Register, tdep.Options{}, arch.Query{Family: Family, Variant: tc.variant, OSABI: arch.OSABILinux})
		s, err := d.RegsetFromCoreSection(".reg", tc.size)
		if err != nil {
			t.Fatalf("variant %q: %v", tc.variant, err)
		}
		ws := d.PtrBytes()
		buf := tdeptest.Block(binary.BigEndian, ws, tc.size, map[int]uint64{PC * ws: 0x10000100, CR * ws: 0x44})
		rc := tdeptest.Regs(d, nil)
		if err := s.Supply(rc, regset.AllRegs, buf); err != nil {
			t.Fatal(err)
		}
		if pc, _ := rc.Uint64(PC); pc != 0x10000100 {
			t.Errorf("variant %q: pc = %#x", tc.variant, pc)
		}
		if cr, _ := rc.Uint64(CR); cr != 0x44 {
			t.Errorf("variant %q: cr = %#x", tc.variant, cr)
		}
	}
}
