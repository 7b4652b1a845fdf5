package mn10300

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/frame"
	"github.com/go-delve/unwind/pkg/internal/tdeptest"
	"github.com/go-delve/unwind/pkg/regset"
	"github.com/go-delve/unwind/pkg/target"
	"github.com/go-delve/unwind/pkg/tdep"
)

var le = binary.LittleEndian

func sigcontext() []byte {
	return tdeptest.Block(le, 4, 26*4, map[int]uint64{
		0:      5,
		8 * 4:  0xe0,
		23 * 4: 0x7ff800,
		24 * 4: 0x100,
		25 * 4: 0x2000,
	})
}

func TestSigframes(t *testing.T) {
	const (
		fn = 0x1000
		sp = 0x7ff000
	)
	for _, variant := range []string{"", AM33} {
		d := tdeptest.Select(t, Register, tdep.Options{}, arch.Query{Family: Family, Variant: variant, OSABI: arch.OSABILinux})

		mem := &target.SparseMemory{}
		mem.Map(fn, tdeptest.Words(le, 1, sigreturnCode...))
		mem.Map(sp+sigcontextOffset, sigcontext())
		checkSigframe(t, d, mem, fn+3)

		mem = &target.SparseMemory{}
		mem.Map(fn, tdeptest.Words(le, 1, rtSigreturnCode...))
		mem.Map(sp+ucontextPtr, tdeptest.Words(le, 4, 0x7fe000))
		mem.Map(0x7fe000+ucontextHeader, sigcontext())
		checkSigframe(t, d, mem, fn)
	}
}

func checkSigframe(t *testing.T, d *arch.Descriptor, mem target.MemoryReader, pc uint64) {
	t.Helper()
	frames, stop := tdeptest.Backtrace(d, map[int]uint64{PC: pc, SP: 0x7ff000}, mem, nil)
	if stop != frame.StopOutermost {
		t.Errorf("%s: stop reason %v", d.Name(), stop)
	}
	if diff := cmp.Diff([]uint64{pc, 0x2000}, tdeptest.PCs(t, frames)); diff != "" {
		t.Fatalf("%s: pcs mismatch (-want +got):\n%s", d.Name(), diff)
	}
	for reg, want := range map[int]uint64{D0: 5, E0: 0xe0, SP: 0x7ff800, PSW: 0x100} {
		if got := tdeptest.Reg(t, frames[1], reg); got != want {
			t.Errorf("%s: %s = %#x, want %#x", d.Name(), d.RegName(reg), got, want)
		}
	}
}

func TestMDR(t *testing.T) {
	d := tdeptest.Select(t, Register, tdep.Options{}, arch.Query{Family: Family, Variant: AM33, OSABI: arch.OSABILinux})
	frames, _ := tdeptest.Backtrace(d, map[int]uint64{PC: 0x2040, SP: 0x7ff000, MDR: 0x3005}, &target.SparseMemory{}, nil)
	if diff := cmp.Diff([]uint64{0x2040, 0x3005}, tdeptest.PCs(t, frames)); diff != "" {
		t.Errorf("pcs mismatch (-want +got):\n%s", diff)
	}
}

func TestGregset(t *testing.T) {
	d := tdeptest.Select(t, Register, tdep.Options{}, arch.Query{Family: Family, Variant: AM33, OSABI: arch.OSABILinux})
	s, err := d.RegsetFromCoreSection(".reg", 28*4)
	if err != nil {
		t.Fatal(err)
	}
	buf := tdeptest.Block(le, 4, 28*4, map[int]uint64{23 * 4: 7, 26 * 4: 0x2000, 16 * 4: 0x7ff000, 10 * 4: 0xe7})
	rc := tdeptest.Regs(d, nil)
	if err := s.Supply(rc, regset.AllRegs, buf); err != nil {
		t.Fatal(err)
	}
	for reg, want := range map[int]uint64{D0: 7, PC: 0x2000, SP: 0x7ff000, E0 + 7: 0xe7} {
		if got, _ := rc.Uint64(reg); got != want {
			t.Errorf("%s = %#x, want %#x", d.RegName(reg), got, want)
		}
	}
}

func TestSelect(t *testing.T) {
	r := arch.NewRegistry(arch.DefaultCacheSize)
	Register(r, tdep.Options{})
	if _, err := r.Select(arch.Query{Family: Family, ByteOrder: binary.BigEndian}); !errors.Is(err, arch.ErrNoMatch) {
		t.Errorf("big endian: %v", err)
	}
	mn, err := r.Select(arch.Query{Family: Family})
	if err != nil {
		t.Fatal(err)
	}
	am33, err := r.Select(arch.Query{Family: Family, Variant: AM33})
	if err != nil {
		t.Fatal(err)
	}
	if mn == am33 || mn.Name() != "mn10300" || am33.Name() != "am33" {
		t.Errorf("got %s and %s", mn.Name(), am33.Name())
	}
}
