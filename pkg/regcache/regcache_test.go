package regcache

import (
	"encoding/binary"
	"errors"
	"testing"
)

type testLayout struct {
	sizes []int
	order binary.ByteOrder
}

func (l *testLayout) NumRegs() int                { return len(l.sizes) }
func (l *testLayout) RegSize(regnum int) int      { return l.sizes[regnum] }
func (l *testLayout) ByteOrder() binary.ByteOrder { return l.order }

func TestRegcache(t *testing.T) {
	rc := New(&testLayout{[]int{4, 8, 2}, binary.BigEndian})

	if _, err := rc.Uint64(0); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	rc.RawSupply(0, []byte{0xde, 0xad, 0xbe, 0xef})
	rc.SetUint64(1, 0x1122334455667788)
	rc.SetUint64(2, 0xabcdef)

	for _, tc := range []struct {
		regnum int
		want   uint64
	}{
		{0, 0xdeadbeef},
		{1, 0x1122334455667788},
		{2, 0xcdef},
	} {
		got, err := rc.Uint64(tc.regnum)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("register %d: got %#x want %#x", tc.regnum, got, tc.want)
		}
	}

	clone := rc.Clone()
	rc.Invalidate()
	if rc.Valid(0) {
		t.Fatal("register 0 still valid after Invalidate")
	}
	if v, _ := clone.Uint64(0); v != 0xdeadbeef {
		t.Fatalf("clone was modified: %#x", v)
	}

	buf := make([]byte, 2)
	if err := clone.RawCollect(2, buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0xcd || buf[1] != 0xef {
		t.Fatalf("RawCollect: %x", buf)
	}
}

func TestRawSupplyWrongSize(t *testing.T) {
	rc := New(&testLayout{[]int{4}, binary.LittleEndian})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic supplying a value of the wrong size")
		}
	}()
	rc.RawSupply(0, []byte{1, 2})
}
