package target

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestSparseMemory(t *testing.T) {
	var mem SparseMemory
	mem.Map(0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	mem.Map(0x1008, []byte{9, 10})
	mem.Map(0x1002, []byte{0xaa, 0xbb})

	buf := make([]byte, 10)
	if err := ReadFull(&mem, buf, 0x1000); err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 2, 0xaa, 0xbb, 5, 6, 7, 8, 9, 10}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("byte %d: got %#x want %#x", i, buf[i], want[i])
		}
	}

	err := ReadFull(&mem, make([]byte, 4), 0x1008)
	var uerr *UnreadableError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnreadableError reading past the end, got %v", err)
	}
	if uerr.Addr != 0x1008 || uerr.Len != 4 {
		t.Fatalf("wrong error fields %#v", uerr)
	}

	if _, err := mem.WriteMemory(0x1004, []byte{0xcc}); err != nil {
		t.Fatal(err)
	}
	v, err := ReadUint(&mem, binary.LittleEndian, 0x1004, 2)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x06cc {
		t.Fatalf("got %#x", v)
	}
}

func TestDecodeEncodeUint(t *testing.T) {
	for _, tc := range []struct {
		order binary.ByteOrder
		size  int
		v     uint64
	}{
		{binary.LittleEndian, 1, 0x7f},
		{binary.BigEndian, 2, 0x1234},
		{binary.LittleEndian, 4, 0xdeadbeef},
		{binary.BigEndian, 8, 0x0102030405060708},
		{binary.BigEndian, 3, 0x010203},
		{binary.LittleEndian, 3, 0x010203},
	} {
		buf := make([]byte, tc.size)
		EncodeUint(tc.order, buf, tc.v)
		if got := DecodeUint(tc.order, buf); got != tc.v {
			t.Errorf("%v size %d: got %#x want %#x", tc.order, tc.size, got, tc.v)
		}
	}
}
