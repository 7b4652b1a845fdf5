package frame_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/go-delve/unwind/pkg/frame"
	"github.com/go-delve/unwind/pkg/internal/testarch"
	"github.com/go-delve/unwind/pkg/regcache"
	"github.com/go-delve/unwind/pkg/target"
	"github.com/go-delve/unwind/pkg/tradframe"
)

// fpUnwinder walks a chain of frame records {saved fp, return address}.
func fpUnwinder(calls *int) frame.Unwinder {
	return frame.NewUnwinder("fp", frame.NormalFrame, func(fr *frame.Frame) (*tradframe.Cache, bool) {
		if calls != nil {
			*calls++
		}
		fp, err := fr.RegisterUint64(testarch.FP)
		if err != nil || fp == 0 {
			return nil, false
		}
		pc, _ := fr.PC()
		c := tradframe.New(fr, testarch.NumRegs)
		c.SetMemory(testarch.FP, fp)
		c.SetMemory(testarch.PC, fp+4)
		c.SetValue(testarch.SP, fp+8)
		c.SetID(tradframe.BuildID(fp+8, pc))
		return c, true
	})
}

func le32(vals ...uint32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	return buf
}

func fpStack() *target.SparseMemory {
	mem := &target.SparseMemory{}
	mem.Map(0x8010, le32(0x8030, 0x2004))
	mem.Map(0x8030, le32(0x8050, 0x3008))
	mem.Map(0x8050, le32(0x8070, 0))
	return mem
}

func innermost(a *testarch.Arch, mem target.MemoryReader) *frame.Frame {
	regs := a.Regs(map[int]uint64{
		testarch.PC: 0x1000,
		testarch.SP: 0x8000,
		testarch.FP: 0x8010,
		testarch.R0: 7,
	})
	return frame.New(a, regs, mem, nil)
}

func TestBacktraceFramePointer(t *testing.T) {
	a := testarch.New(binary.LittleEndian)
	a.Chain.Append(fpUnwinder(nil))

	frames, stop := frame.Backtrace(innermost(a, fpStack()), 0)
	if stop != frame.StopZeroPC {
		t.Errorf("stop reason: got %v, want %v", stop, frame.StopZeroPC)
	}
	want := []struct {
		pc, sp uint64
	}{
		{0x1000, 0x8000},
		{0x2004, 0x8018},
		{0x3008, 0x8038},
	}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(frames), len(want))
	}
	for i, w := range want {
		fr := frames[i]
		if fr.Level() != i {
			t.Errorf("frame %d: level %d", i, fr.Level())
		}
		pc, err := fr.PC()
		if err != nil || pc != w.pc {
			t.Errorf("frame %d: pc %#x %v, want %#x", i, pc, err, w.pc)
		}
		sp, err := fr.SP()
		if err != nil || sp != w.sp {
			t.Errorf("frame %d: sp %#x %v, want %#x", i, sp, err, w.sp)
		}
	}

	// R0 is never saved, it keeps the value of the innermost frame.
	r0, err := frames[2].RegisterUint64(testarch.R0)
	if err != nil || r0 != 7 {
		t.Errorf("r0 in frame 2: %d %v", r0, err)
	}
	// R1 was never supplied.
	if _, err := frames[1].RegisterUint64(testarch.R1); !errors.Is(err, regcache.ErrUnavailable) {
		t.Errorf("r1 in frame 1: expected ErrUnavailable, got %v", err)
	}
	if frames[0].Next() != nil {
		t.Errorf("innermost frame has a next frame")
	}
	if frames[2].Next() != frames[1] {
		t.Errorf("frame 2 next is not frame 1")
	}
}

func TestBacktraceLimit(t *testing.T) {
	a := testarch.New(binary.LittleEndian)
	a.Chain.Append(fpUnwinder(nil))
	frames, stop := frame.Backtrace(innermost(a, fpStack()), 2)
	if len(frames) != 2 || stop != frame.StopDepthLimit {
		t.Errorf("got %d frames and %v", len(frames), stop)
	}
}

func TestBacktraceOutermost(t *testing.T) {
	a := testarch.New(binary.LittleEndian)
	fr := innermost(a, fpStack())
	frames, stop := frame.Backtrace(fr, 0)
	if len(frames) != 1 || stop != frame.StopOutermost {
		t.Errorf("got %d frames and %v", len(frames), stop)
	}
	if fr.Cache() != nil || fr.Unwinder() != nil {
		t.Errorf("unrecognized frame has a cache")
	}
	if fr.ID().Valid() {
		t.Errorf("unrecognized frame has a valid id")
	}
}

func TestBacktraceUnreadablePC(t *testing.T) {
	a := testarch.New(binary.LittleEndian)
	a.Chain.Append(fpUnwinder(nil))
	mem := &target.SparseMemory{}
	mem.Map(0x8010, le32(0x9000, 0x2004))
	frames, stop := frame.Backtrace(innermost(a, mem), 0)
	if len(frames) != 2 || stop != frame.StopUnreadablePC {
		t.Fatalf("got %d frames and %v", len(frames), stop)
	}
	// The record at 0x9000 is unmapped, frame 1 is recognized but the
	// return address it points to can not be read.
	cache := frames[1].Cache()
	if cache == nil {
		t.Fatal("frame 1 was not recognized")
	}
	r := cache.Resolve(testarch.PC)
	if r.Kind() != tradframe.Memory || r.Addr() != 0x9004 {
		t.Errorf("pc of frame 2 resolves to %v", r.Location)
	}
}

func TestUnreadableRegisterError(t *testing.T) {
	a := testarch.New(binary.LittleEndian)
	a.Chain.Append(frame.NewUnwinder("spill", frame.NormalFrame, func(fr *frame.Frame) (*tradframe.Cache, bool) {
		c := tradframe.New(fr, testarch.NumRegs)
		c.SetMemory(testarch.R2, 0xdead0000)
		c.SetValue(testarch.PC, 0x4000)
		c.SetID(tradframe.BuildID(uint64(fr.Level()), 0x4000))
		return c, true
	}))
	fr := innermost(a, &target.SparseMemory{})
	prev := fr.Prev()
	if prev == nil {
		t.Fatalf("no caller: %v", fr.StopReason())
	}
	_, err := prev.RegisterUint64(testarch.R2)
	if !errors.Is(err, frame.ErrNotRecoverable) {
		t.Errorf("expected ErrNotRecoverable, got %v", err)
	}
	var uerr *target.UnreadableError
	if !errors.As(err, &uerr) || uerr.Addr != 0xdead0000 {
		t.Errorf("expected UnreadableError at 0xdead0000, got %v", err)
	}
}

func TestLocationKinds(t *testing.T) {
	a := testarch.New(binary.BigEndian)
	a.Chain.Append(frame.NewUnwinder("kinds", frame.NormalFrame, func(fr *frame.Frame) (*tradframe.Cache, bool) {
		c := tradframe.New(fr, testarch.NumRegs)
		c.SetValue(testarch.R0, 42)
		c.SetUnknown(testarch.R1)
		c.SetSameRegister(testarch.R2, testarch.R3)
		c.SetSameRegister(testarch.R3, testarch.R3)
		c.SetSameRegister(testarch.PC, testarch.LR)
		c.SetID(tradframe.BuildID(0x100, uint64(fr.Level())))
		return c, true
	}))
	regs := a.Regs(map[int]uint64{
		testarch.R0: 1,
		testarch.R1: 2,
		testarch.R2: 3,
		testarch.R3: 4,
		testarch.LR: 0x5000,
		testarch.PC: 0x1000,
		testarch.SP: 0x100,
	})
	prev := frame.New(a, regs, &target.SparseMemory{}, nil).Prev()
	if prev == nil {
		t.Fatal("no caller")
	}
	for _, tc := range []struct {
		reg  int
		want uint64
	}{
		{testarch.R0, 42},
		{testarch.R2, 4},
		{testarch.R3, 4},
		{testarch.PC, 0x5000},
		{testarch.SP, 0x100},
	} {
		got, err := prev.RegisterUint64(tc.reg)
		if err != nil || got != tc.want {
			t.Errorf("%s: got %#x %v, want %#x", a.RegName(tc.reg), got, err, tc.want)
		}
	}
	raw, err := prev.Register(testarch.R0)
	if err != nil || len(raw) != 4 || raw[3] != 42 {
		t.Errorf("raw r0: %x %v", raw, err)
	}
	if _, err := prev.RegisterUint64(testarch.R1); !errors.Is(err, frame.ErrNotRecoverable) {
		t.Errorf("r1: expected ErrNotRecoverable, got %v", err)
	}
}

func TestChainOrder(t *testing.T) {
	a := testarch.New(binary.LittleEndian)
	var order []string
	mk := func(name string, accept bool) frame.Unwinder {
		return frame.NewUnwinder(name, frame.NormalFrame, func(fr *frame.Frame) (*tradframe.Cache, bool) {
			order = append(order, name)
			if !accept {
				return nil, false
			}
			return tradframe.New(fr, testarch.NumRegs), true
		})
	}
	a.Chain.Append(mk("generic", true))
	a.Chain.Prepend(mk("specific", false))
	a.Chain.Prepend(mk("first", false))
	a.Chain.Append(mk("never", true))

	fr := innermost(a, nil)
	if u := fr.Unwinder(); u == nil || u.Name() != "generic" {
		t.Fatalf("wrong unwinder %v", u)
	}
	want := []string{"first", "specific", "generic"}
	if len(order) != len(want) {
		t.Fatalf("sniff order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("sniff order %v, want %v", order, want)
		}
	}
	if !fr.Cache().Sealed() {
		t.Errorf("committed cache is not sealed")
	}
	us := a.Chain.Unwinders()
	if len(us) != 4 || a.Chain.Len() != 4 || us[0].Name() != "first" {
		t.Errorf("unexpected chain %v", us)
	}
}

func TestUnwindMemoized(t *testing.T) {
	a := testarch.New(binary.LittleEndian)
	calls := 0
	a.Chain.Append(fpUnwinder(&calls))
	fr := innermost(a, fpStack())

	c1, kind, ok := frame.Unwind(fr)
	if !ok || kind != frame.NormalFrame {
		t.Fatalf("frame not recognized")
	}
	p1 := fr.Prev()
	c2, _, _ := frame.Unwind(fr)
	p2 := fr.Prev()
	_ = fr.Kind()
	_ = fr.ID()
	if c1 != c2 || p1 != p2 {
		t.Errorf("unwinding the same frame twice gave different results")
	}
	// Once for the frame and once for its caller, whose id is compared.
	if calls != 2 {
		t.Errorf("sniffer called %d times", calls)
	}

	// An independent walk over the same state yields the same frames.
	fr2 := innermost(a, fpStack())
	f1, _ := frame.Backtrace(fr, 0)
	f2, _ := frame.Backtrace(fr2, 0)
	if len(f1) != len(f2) {
		t.Fatalf("different backtrace lengths %d %d", len(f1), len(f2))
	}
	for i := range f1 {
		if f1[i].ID() != f2[i].ID() {
			t.Errorf("frame %d: ids %v %v", i, f1[i].ID(), f2[i].ID())
		}
	}
}

func TestSameIDStops(t *testing.T) {
	a := testarch.New(binary.LittleEndian)
	a.Chain.Append(frame.NewUnwinder("loop", frame.NormalFrame, func(fr *frame.Frame) (*tradframe.Cache, bool) {
		c := tradframe.New(fr, testarch.NumRegs)
		c.SetID(tradframe.BuildID(0x8000, 0x1000))
		return c, true
	}))
	frames, stop := frame.Backtrace(innermost(a, nil), 100)
	if len(frames) != 1 || stop != frame.StopSameID {
		t.Errorf("got %d frames and %v", len(frames), stop)
	}
}

func TestAddressInBlock(t *testing.T) {
	for _, tc := range []struct {
		kind frame.Kind
		want uint64
	}{
		{frame.NormalFrame, 0x4fff},
		{frame.SigtrampFrame, 0x5000},
	} {
		a := testarch.New(binary.LittleEndian)
		kind := tc.kind
		a.Chain.Append(frame.NewUnwinder("k", kind, func(fr *frame.Frame) (*tradframe.Cache, bool) {
			c := tradframe.New(fr, testarch.NumRegs)
			c.SetValue(testarch.PC, 0x5000)
			c.SetID(tradframe.BuildID(uint64(fr.Level()), 0))
			return c, true
		}))
		fr := innermost(a, nil)
		if got, _ := fr.AddressInBlock(); got != 0x1000 {
			t.Errorf("innermost frame: %#x", got)
		}
		prev := fr.Prev()
		if prev == nil {
			t.Fatalf("%v: no caller: %v", kind, fr.StopReason())
		}
		if got, _ := prev.AddressInBlock(); got != tc.want {
			t.Errorf("%v: got %#x, want %#x", kind, got, tc.want)
		}
	}
}

type funcTable []target.Function

func (ft funcTable) FunctionContaining(pc uint64) (*target.Function, bool) {
	for i := range ft {
		if ft[i].Contains(pc) {
			return &ft[i], true
		}
	}
	return nil, false
}

func TestFunction(t *testing.T) {
	a := testarch.New(binary.LittleEndian)
	a.Chain.Append(fpUnwinder(nil))
	syms := funcTable{
		{Name: "inner", Entry: 0x1000, End: 0x1100},
		{Name: "middle", Entry: 0x1f00, End: 0x2004},
		{Name: "outer", Entry: 0x2004, End: 0x2100},
	}
	regs := a.Regs(map[int]uint64{testarch.PC: 0x1000, testarch.SP: 0x8000, testarch.FP: 0x8010})
	fr := frame.New(a, regs, fpStack(), syms)
	if fn, ok := fr.Function(); !ok || fn.Name != "inner" {
		t.Errorf("frame 0: %v %v", fn, ok)
	}
	// The return address is the first byte of outer, the call was in middle.
	if fn, ok := fr.Prev().Function(); !ok || fn.Name != "middle" {
		t.Errorf("frame 1: %v %v", fn, ok)
	}
}

func TestChainPanics(t *testing.T) {
	t.Run("frozen", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		var c frame.Chain
		c.Freeze()
		c.Append(fpUnwinder(nil))
	})
	t.Run("nil cache", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		a := testarch.New(binary.LittleEndian)
		a.Chain.Append(frame.NewUnwinder("broken", frame.NormalFrame, func(*frame.Frame) (*tradframe.Cache, bool) {
			return nil, true
		}))
		innermost(a, nil).Cache()
	})
}
