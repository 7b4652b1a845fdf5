package tradframe

import (
	"testing"

	"github.com/go-delve/unwind/pkg/target"
	"github.com/google/go-cmp/cmp"
)

type fakeFrame struct{}

func (fakeFrame) Level() int                         { return 0 }
func (fakeFrame) RegisterUint64(int) (uint64, error) { return 0, nil }
func (fakeFrame) Memory() target.MemoryReader        { return nil }

func TestIdentityDefault(t *testing.T) {
	fr := fakeFrame{}
	c := New(fr, 16)
	c.Seal()
	for reg := 0; reg < 16; reg++ {
		r := c.Resolve(reg)
		if r.Kind() != SameRegister || r.Reg() != reg {
			t.Errorf("register %d resolved to %v, expected same register", reg, r.Location)
		}
		if r.Frame != Frame(fr) {
			t.Errorf("register %d resolved against the wrong frame", reg)
		}
		if c.Location(reg).Kind() != Identity {
			t.Errorf("register %d: raw location %v", reg, c.Location(reg))
		}
	}
}

func TestResolveIdempotent(t *testing.T) {
	c := New(fakeFrame{}, 8)
	c.SetMemory(0, 0x1000)
	c.SetSameRegister(1, 5)
	c.SetValue(2, 0xcafe)
	c.SetUnknown(3)
	c.SetSameRegister(4, 4)
	c.SetID(BuildID(0x7ff0, 0x400000))
	c.Seal()

	opt := cmp.AllowUnexported(Location{})
	for reg := 0; reg < 8; reg++ {
		first := c.Resolve(reg)
		second := c.Resolve(reg)
		if diff := cmp.Diff(first.Location, second.Location, opt); diff != "" {
			t.Errorf("register %d: resolve not idempotent (-first +second):\n%s", reg, diff)
		}
	}

	want := []Location{AtAddr(0x1000), InReg(5), Value(0xcafe), Undefined(), InReg(4)}
	for reg, w := range want {
		if diff := cmp.Diff(w, c.Resolve(reg).Location, opt); diff != "" {
			t.Errorf("register %d (-want +got):\n%s", reg, diff)
		}
	}

	if got := c.Resolve(100); got.Kind() != Unknown {
		t.Errorf("out of range register resolved to %v", got.Location)
	}
	if !c.ID().Equal(BuildID(0x7ff0, 0x400000)) {
		t.Errorf("wrong id %v", c.ID())
	}
}

func TestLastWriteWins(t *testing.T) {
	c := New(fakeFrame{}, 4)
	c.SetMemory(2, 0x10)
	c.SetValue(2, 7)
	c.SetMemoryTable(0x100, []int{0, -1, 8})
	if l := c.Location(2); l.Kind() != Memory || l.Addr() != 0x108 {
		t.Fatalf("got %v", l)
	}
	if l := c.Location(1); l.Kind() != Identity {
		t.Fatalf("register 1 should be untouched, got %v", l)
	}
	if l := c.Location(0); l.Kind() != Memory || l.Addr() != 0x100 {
		t.Fatalf("got %v", l)
	}
}

func TestSealedWritePanics(t *testing.T) {
	c := New(fakeFrame{}, 4)
	c.Seal()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	c.SetValue(0, 1)
}

func TestFrameID(t *testing.T) {
	var zero FrameID
	if zero.Valid() || zero.Equal(zero) {
		t.Fatal("zero frame id must be invalid and never equal")
	}
	a := BuildID(1, 2)
	if !a.Equal(BuildID(1, 2)) || a.Equal(BuildID(1, 3)) {
		t.Fatal("frame id comparison")
	}
	if a.String() != "{stack=0x1,code=0x2}" {
		t.Fatalf("got %q", a.String())
	}
}
