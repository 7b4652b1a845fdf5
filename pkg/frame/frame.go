// Package frame implements the generic frame layer: frames are created
// lazily from the innermost one outwards, each one asking the architecture's
// unwinder chain where the registers of its caller live.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-delve/unwind/pkg/regcache"
	"github.com/go-delve/unwind/pkg/target"
	"github.com/go-delve/unwind/pkg/tradframe"
)

// Arch is what the frame layer needs to know about an architecture.
type Arch interface {
	Name() string
	NumRegs() int
	RegSize(regnum int) int
	RegName(regnum int) string
	ByteOrder() binary.ByteOrder
	PtrBytes() int
	PCRegnum() int
	SPRegnum() int
	Unwinders() *Chain
}

// ErrNotRecoverable is returned when the value of a register in a caller
// frame can not be determined.
var ErrNotRecoverable = errors.New("register value not recoverable")

// StopReason explains why a frame has no caller.
type StopReason uint8

const (
	// StopNone means the frame has a caller, or it was not computed yet.
	StopNone StopReason = iota
	// StopOutermost means no unwinder recognized the frame.
	StopOutermost
	// StopZeroPC means the caller's program counter is zero.
	StopZeroPC
	// StopUnreadablePC means the caller's program counter could not be
	// recovered.
	StopUnreadablePC
	// StopSameID means the caller has the same frame id as the frame,
	// which happens on corrupted stacks.
	StopSameID
	// StopDepthLimit means the backtrace limit was reached.
	StopDepthLimit
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopOutermost:
		return "outermost"
	case StopZeroPC:
		return "zero pc"
	case StopUnreadablePC:
		return "unreadable pc"
	case StopSameID:
		return "previous frame identical to this frame (corrupt stack?)"
	case StopDepthLimit:
		return "backtrace limit reached"
	}
	return fmt.Sprintf("StopReason(%d)", uint8(r))
}

// Frame is one activation record. Frames are not safe for concurrent use;
// a backtrace owns the frames it creates.
type Frame struct {
	arch  Arch
	mem   target.MemoryReader
	syms  target.SymbolLookup
	level int
	next  *Frame
	regs  *regcache.Regcache

	unwound  bool
	cache    *tradframe.Cache
	unwinder Unwinder

	prevDone bool
	prev     *Frame
	stop     StopReason
}

// New returns the innermost frame of a thread whose registers are in regs.
// The architecture is captured here and used for the whole backtrace.
// syms can be nil.
func New(a Arch, regs *regcache.Regcache, mem target.MemoryReader, syms target.SymbolLookup) *Frame {
	sentinel := &Frame{arch: a, mem: mem, syms: syms, level: -1, regs: regs, unwound: true}
	return &Frame{arch: a, mem: mem, syms: syms, level: 0, next: sentinel}
}

// Arch returns the architecture of the frame.
func (fr *Frame) Arch() Arch { return fr.arch }

// Memory returns the memory of the inferior.
func (fr *Frame) Memory() target.MemoryReader { return fr.mem }

// Symbols returns the symbol lookup of the inferior, possibly nil.
func (fr *Frame) Symbols() target.SymbolLookup { return fr.syms }

// Level returns the distance from the innermost frame, which is level 0.
func (fr *Frame) Level() int { return fr.level }

// Next returns the next inner frame, nil for the innermost frame.
func (fr *Frame) Next() *Frame {
	if fr.next == nil || fr.next.level < 0 {
		return nil
	}
	return fr.next
}

// Register returns the raw value of register regnum in this frame.
func (fr *Frame) Register(regnum int) ([]byte, error) {
	if fr.level < 0 {
		return fr.regs.Raw(regnum)
	}
	return fr.next.unwindRegister(regnum)
}

// RegisterUint64 returns the value of register regnum in this frame as an
// unsigned integer.
func (fr *Frame) RegisterUint64(regnum int) (uint64, error) {
	buf, err := fr.Register(regnum)
	if err != nil {
		return 0, err
	}
	return target.DecodeUint(fr.arch.ByteOrder(), buf), nil
}

// PC returns the program counter of this frame.
func (fr *Frame) PC() (uint64, error) {
	return fr.RegisterUint64(fr.arch.PCRegnum())
}

// SP returns the stack pointer of this frame.
func (fr *Frame) SP() (uint64, error) {
	return fr.RegisterUint64(fr.arch.SPRegnum())
}

// AddressInBlock returns an address inside the code block of this frame.
// For caller frames the program counter is a return address, which may
// belong to the next block or function, so one is subtracted from it.
// Frames interrupted by a signal stopped exactly at their pc.
func (fr *Frame) AddressInBlock() (uint64, error) {
	pc, err := fr.PC()
	if err != nil {
		return 0, err
	}
	if next := fr.Next(); next != nil && next.Kind() == NormalFrame && pc > 0 {
		return pc - 1, nil
	}
	return pc, nil
}

// Function returns the function containing this frame's code, if the
// symbol layer knows it.
func (fr *Frame) Function() (*target.Function, bool) {
	if fr.syms == nil {
		return nil, false
	}
	pc, err := fr.AddressInBlock()
	if err != nil {
		return nil, false
	}
	return fr.syms.FunctionContaining(pc)
}

func (fr *Frame) unwind() (*tradframe.Cache, Unwinder, bool) {
	if !fr.unwound {
		fr.unwound = true
		fr.cache, fr.unwinder, _ = fr.arch.Unwinders().Unwind(fr)
	}
	return fr.cache, fr.unwinder, fr.cache != nil
}

// Unwind returns the register location cache of fr and its kind, running
// the unwinder chain the first time it is called. It returns false if no
// unwinder recognized the frame.
func Unwind(fr *Frame) (*tradframe.Cache, Kind, bool) {
	cache, u, ok := fr.unwind()
	if !ok {
		return nil, NormalFrame, false
	}
	return cache, u.Kind(), true
}

// Cache returns the register location cache describing the caller of fr,
// nil if no unwinder recognized fr.
func (fr *Frame) Cache() *tradframe.Cache {
	cache, _, _ := fr.unwind()
	return cache
}

// Unwinder returns the unwinder that recognized fr, nil if none did.
func (fr *Frame) Unwinder() Unwinder {
	_, u, _ := fr.unwind()
	return u
}

// Kind returns the kind of fr.
func (fr *Frame) Kind() Kind {
	if fr.level < 0 {
		return SentinelFrame
	}
	if _, u, ok := fr.unwind(); ok {
		return u.Kind()
	}
	return NormalFrame
}

// ID returns the frame id of fr, invalid if no unwinder recognized it.
func (fr *Frame) ID() tradframe.FrameID {
	if cache, _, ok := fr.unwind(); ok {
		return cache.ID()
	}
	return tradframe.FrameID{}
}

// unwindRegister returns the value register regnum had in the caller of fr.
func (fr *Frame) unwindRegister(regnum int) ([]byte, error) {
	if fr.level < 0 {
		return fr.regs.Raw(regnum)
	}
	cache, _, ok := fr.unwind()
	if !ok {
		return nil, fmt.Errorf("register %s of frame #%d: %w", fr.arch.RegName(regnum), fr.level+1, ErrNotRecoverable)
	}
	return fr.readResolved(cache.Resolve(regnum), regnum)
}

func (fr *Frame) readResolved(r tradframe.Resolved, regnum int) ([]byte, error) {
	size := fr.arch.RegSize(regnum)
	switch r.Kind() {
	case tradframe.SameRegister:
		val, err := fr.Register(r.Reg())
		if err != nil {
			return nil, err
		}
		if len(val) == size {
			return val, nil
		}
		buf := make([]byte, size)
		target.EncodeUint(fr.arch.ByteOrder(), buf, target.DecodeUint(fr.arch.ByteOrder(), val))
		return buf, nil
	case tradframe.Memory:
		buf := make([]byte, size)
		if err := target.ReadFull(fr.mem, buf, r.Addr()); err != nil {
			return nil, fmt.Errorf("register %s saved at %#x: %w: %w", fr.arch.RegName(regnum), r.Addr(), ErrNotRecoverable, err)
		}
		return buf, nil
	case tradframe.Literal:
		buf := make([]byte, size)
		target.EncodeUint(fr.arch.ByteOrder(), buf, r.Value())
		return buf, nil
	}
	return nil, fmt.Errorf("register %s of frame #%d: %w", fr.arch.RegName(regnum), fr.level+1, ErrNotRecoverable)
}

// Prev returns the caller of fr, or nil if fr is the outermost frame that
// can be unwound; StopReason explains why. The result is computed once.
func (fr *Frame) Prev() *Frame {
	if !fr.prevDone {
		fr.prevDone = true
		fr.prev, fr.stop = fr.computePrev()
	}
	return fr.prev
}

// StopReason returns the reason Prev returned nil.
func (fr *Frame) StopReason() StopReason {
	fr.Prev()
	return fr.stop
}

func (fr *Frame) computePrev() (*Frame, StopReason) {
	if fr.level < 0 {
		return nil, StopOutermost
	}
	if _, _, ok := fr.unwind(); !ok {
		return nil, StopOutermost
	}
	prev := &Frame{arch: fr.arch, mem: fr.mem, syms: fr.syms, level: fr.level + 1, next: fr}
	pc, err := prev.PC()
	if err != nil {
		return nil, StopUnreadablePC
	}
	if pc == 0 {
		return nil, StopZeroPC
	}
	if id := fr.ID(); id.Valid() && prev.ID().Equal(id) {
		return nil, StopSameID
	}
	return prev, StopNone
}

// Backtrace returns fr and its callers, at most limit frames (no limit if
// limit <= 0), and the reason the walk stopped.
func Backtrace(fr *Frame, limit int) ([]*Frame, StopReason) {
	var frames []*Frame
	for fr != nil {
		if limit > 0 && len(frames) >= limit {
			return frames, StopDepthLimit
		}
		frames = append(frames, fr)
		prev := fr.Prev()
		if prev == nil {
			return frames, fr.StopReason()
		}
		fr = prev
	}
	return frames, StopNone
}
