package prologue

import (
	"encoding/binary"
	"testing"
)

func TestX86(t *testing.T) {
	amd64Code := []byte{
		0xf3, 0x0f, 0x1e, 0xfa, // endbr64
		0x55,             // push %rbp
		0x48, 0x89, 0xe5, // mov %rsp,%rbp
		0x48, 0x83, 0xec, 0x10, // sub $0x10,%rsp
	}
	frameless := []byte{
		0x48, 0x83, 0xec, 0x18, // sub $0x18,%rsp
		0xc3, // ret
	}
	i386Code := []byte{
		0x55,       // push %ebp
		0x89, 0xe5, // mov %esp,%ebp
	}
	const entry = 0x1000
	for _, tc := range []struct {
		name string
		code []byte
		mode int
		pc   uint64
		want Result
	}{
		{"entry", amd64Code, 64, entry, Result{State: NoFrame, FrameSize: 8, End: entry}},
		{"after endbr", amd64Code, 64, entry + 4, Result{State: NoFrame, FrameSize: 8, End: entry + 4}},
		{"after push", amd64Code, 64, entry + 5, Result{State: FPSaved, FrameSize: 16, End: entry + 5}},
		{"in mov", amd64Code, 64, entry + 6, Result{State: FPSaved, FrameSize: 16, End: entry + 5}},
		{"after mov", amd64Code, 64, entry + 8, Result{State: FPSet, FrameSize: 16, End: entry + 8}},
		{"body", amd64Code, 64, entry + 12, Result{State: FPSet, FrameSize: 16, End: entry + 8}},
		{"frameless", frameless, 64, entry + 5, Result{State: NoFrame, FrameSize: 8, SPAdjust: 0x18, End: entry + 4}},
		{"pc before entry", amd64Code, 64, entry - 1, Result{State: NoFrame, FrameSize: 8, End: entry}},
		{"i386 after push", i386Code, 32, entry + 1, Result{State: FPSaved, FrameSize: 8, End: entry + 1}},
		{"i386", i386Code, 32, entry + 3, Result{State: FPSet, FrameSize: 8, End: entry + 3}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := X86(tc.code, tc.mode, entry, tc.pc)
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func arm64Code(words ...uint32) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}

func TestARM64(t *testing.T) {
	preIndex := arm64Code(
		0xa9be7bfd, // stp x29, x30, [sp, #-32]!
		0x910003fd, // mov x29, sp
		0xd503201f, // nop
	)
	offset := arm64Code(
		0xd10103ff, // sub sp, sp, #0x40
		0xa9037bfd, // stp x29, x30, [sp, #48]
		0x9100c3fd, // add x29, sp, #0x30
	)
	leaf := arm64Code(
		0xd10043ff, // sub sp, sp, #0x10
		0xd65f03c0, // ret
	)
	const entry = 0x400000
	for _, tc := range []struct {
		name string
		code []byte
		pc   uint64
		want Result
	}{
		{"entry", preIndex, entry, Result{State: NoFrame, End: entry}},
		{"after stp", preIndex, entry + 4, Result{State: FPSaved, FrameSize: 32, SPAdjust: 32, End: entry + 4}},
		{"after mov", preIndex, entry + 8, Result{State: FPSet, FrameSize: 32, SPAdjust: 32, End: entry + 8}},
		{"body", preIndex, entry + 12, Result{State: FPSet, FrameSize: 32, SPAdjust: 32, End: entry + 8}},
		{"after sub", offset, entry + 4, Result{State: NoFrame, SPAdjust: 0x40, End: entry + 4}},
		{"offset record saved", offset, entry + 8, Result{State: FPSaved, FrameSize: 0x10, SPAdjust: 0x40, RecordOffset: 0x30, End: entry + 8}},
		{"offset record", offset, entry + 12, Result{State: FPSet, FrameSize: 0x10, SPAdjust: 0x40, RecordOffset: 0x30, End: entry + 12}},
		{"leaf", leaf, entry + 8, Result{State: NoFrame, SPAdjust: 0x10, End: entry + 4}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := ARM64(tc.code, entry, tc.pc)
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}
