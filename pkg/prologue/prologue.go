// Package prologue finds out how much of a function's frame setup has been
// executed at a given pc, by decoding the function's first instructions.
package prologue

import (
	"encoding/binary"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// MaxLen is the number of bytes from the function entry that are looked at.
const MaxLen = 64

// State is how far the frame setup has gone.
type State uint8

const (
	// NoFrame: the return address is where the call left it.
	NoFrame State = iota
	// FPSaved: the caller's frame pointer has been saved on the stack but
	// the frame pointer register has not been updated yet.
	FPSaved
	// FPSet: the frame pointer register points to the frame record.
	FPSet
)

func (s State) String() string {
	switch s {
	case NoFrame:
		return "no frame"
	case FPSaved:
		return "fp saved"
	case FPSet:
		return "fp set"
	}
	return "?"
}

// Result describes the prologue of a function up to some pc.
type Result struct {
	State State
	// FrameSize is the distance in bytes between the saved frame pointer and
	// the stack pointer of the caller. On x86 it includes the return address;
	// in x86 functions without a frame it is the size of the return address.
	FrameSize int64
	// SPAdjust is the amount subtracted from the stack pointer by the
	// recognized instructions, not counting pushes.
	SPAdjust int64
	// RecordOffset is the offset of the saved frame pointer from the stack
	// pointer, once it has been saved.
	RecordOffset int64
	// End is the address of the first instruction after the recognized
	// prologue.
	End uint64
}

var (
	endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}
	endbr32 = []byte{0xf3, 0x0f, 0x1e, 0xfb}
)

// X86 analyzes the prologue of an x86 function (mode 32 or 64) whose code
// starting at entry is in code, stopping at pc. The recognized sequence is
//
//	[endbr] push %rbp; mov %rsp,%rbp
//
// optionally preceded, in frameless functions, by sub $n,%rsp.
func X86(code []byte, mode int, entry, pc uint64) Result {
	ptr := int64(mode / 8)
	bp, sp := x86asm.RBP, x86asm.RSP
	if mode == 32 {
		bp, sp = x86asm.EBP, x86asm.ESP
	}
	res := Result{State: NoFrame, FrameSize: ptr, End: entry}
	if pc < entry {
		return res
	}
	addr := entry
	limit := pc - entry
	if limit > uint64(len(code)) {
		limit = uint64(len(code))
	}
	code = code[:limit]
	if len(code) >= 4 && (string(code[:4]) == string(endbr64) || string(code[:4]) == string(endbr32)) {
		code = code[4:]
		addr += 4
		res.End = addr
	}
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, mode)
		if err != nil {
			return res
		}
		switch {
		case inst.Op == x86asm.PUSH && inst.Args[0] == bp && res.State == NoFrame && res.SPAdjust == 0:
			res.State = FPSaved
			res.FrameSize += ptr
			res.RecordOffset = 0
		case inst.Op == x86asm.MOV && inst.Args[0] == bp && inst.Args[1] == sp && res.State == FPSaved:
			res.State = FPSet
		case inst.Op == x86asm.SUB && inst.Args[0] == sp && res.State == NoFrame:
			imm, ok := inst.Args[1].(x86asm.Imm)
			if !ok {
				return res
			}
			res.SPAdjust += int64(imm)
		default:
			return res
		}
		code = code[inst.Len:]
		addr += uint64(inst.Len)
		res.End = addr
		if res.State == FPSet {
			return res
		}
	}
	return res
}

// ARM64 analyzes the prologue of an arm64 function. The recognized sequence
// is
//
//	[sub sp, sp, #n]
//	stp x29, x30, [sp, #-n]!    or    stp x29, x30, [sp, #off]
//	mov x29, sp                       add x29, sp, #off
func ARM64(code []byte, entry, pc uint64) Result {
	res := Result{State: NoFrame, End: entry}
	for addr := entry; addr+4 <= pc && addr+4 <= entry+uint64(len(code)); addr += 4 {
		word := binary.LittleEndian.Uint32(code[addr-entry:])
		inst, err := arm64asm.Decode(code[addr-entry : addr-entry+4])
		if err != nil {
			return res
		}
		switch inst.Op {
		case arm64asm.SUB:
			if res.State != NoFrame || !isSPImmArith(word) {
				return res
			}
			res.SPAdjust += arm64Imm12(word)
		case arm64asm.STP:
			if res.State != NoFrame || !isFrameRecordStore(word) {
				return res
			}
			off := int64(int32(word<<10)>>25) * 8
			switch (word >> 23) & 7 {
			case 3: // pre-index
				res.SPAdjust -= off
				res.RecordOffset = 0
			case 2: // signed offset
				res.RecordOffset = off
			default:
				return res
			}
			res.State = FPSaved
			res.FrameSize = res.SPAdjust - res.RecordOffset
		case arm64asm.MOV, arm64asm.ADD:
			if res.State != FPSaved || !isFPFromSP(word) {
				return res
			}
			var off int64
			if inst.Op == arm64asm.ADD {
				off = arm64Imm12(word)
			}
			if off != res.RecordOffset {
				return res
			}
			res.State = FPSet
		default:
			return res
		}
		res.End = addr + 4
		if res.State == FPSet {
			break
		}
	}
	return res
}

// isSPImmArith returns true for sub sp, sp, #imm.
func isSPImmArith(w uint32) bool {
	return w&0xff800000 == 0xd1000000 && w&0x1f == 31 && (w>>5)&0x1f == 31
}

func arm64Imm12(w uint32) int64 {
	imm := int64((w >> 10) & 0xfff)
	if (w>>22)&1 == 1 {
		imm <<= 12
	}
	return imm
}

// isFrameRecordStore returns true for a 64-bit stp of x29 and x30 with sp as
// base.
func isFrameRecordStore(w uint32) bool {
	return w>>30 == 2 && w&0x3c400000 == 0x28000000 && w&0x1f == 29 && (w>>10)&0x1f == 30 && (w>>5)&0x1f == 31
}

// isFPFromSP returns true for mov x29, sp and add x29, sp, #imm.
func isFPFromSP(w uint32) bool {
	return w&0xff800000 == 0x91000000 && w&0x1f == 29 && (w>>5)&0x1f == 31
}
