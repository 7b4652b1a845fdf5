// Package tramp recognizes trampolines, short fixed instruction sequences
// such as signal return stubs, by matching the code around the program
// counter against a byte pattern.
package tramp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-delve/unwind/pkg/frame"
	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/target"
	"github.com/go-delve/unwind/pkg/tradframe"
)

// MaxInsns is the capacity of a trampoline pattern, sentinel included.
const MaxInsns = 48

// MaxInsnSize is the width of a pattern cell in bytes.
const MaxInsnSize = 8

// Insn is one cell of a trampoline pattern: the instruction word read from
// memory matches if word&Mask == Bits.
type Insn struct {
	Bits uint64
	Mask uint64
}

// Sentinel terminates a trampoline pattern.
var Sentinel = Insn{Bits: ^uint64(0)}

// Word returns a cell matching exactly the instruction word w.
func Word(w uint64) Insn {
	return Insn{Bits: w, Mask: ^uint64(0)}
}

// Words returns cells matching exactly each word in ws, followed by the
// sentinel.
func Words(ws ...uint64) []Insn {
	insns := make([]Insn, 0, len(ws)+1)
	for _, w := range ws {
		insns = append(insns, Word(w))
	}
	return append(insns, Sentinel)
}

func (in Insn) isSentinel() bool {
	return in.Bits == Sentinel.Bits
}

// InitFunc populates the register location cache of the caller of a frame
// stopped inside a trampoline that starts at fn.
type InitFunc func(fr *frame.Frame, c *tradframe.Cache, fn uint64)

// ValidateFunc can reject a match, pc is the frame's program counter.
type ValidateFunc func(fr *frame.Frame, pc uint64) bool

// Descriptor describes one trampoline. Descriptors are registered when an
// architecture is initialized and are read-only afterwards.
type Descriptor struct {
	Name     string
	Kind     frame.Kind
	InsnSize int
	// Insns is the pattern, terminated by Sentinel.
	Insns    []Insn
	Init     InitFunc
	Validate ValidateFunc
}

var (
	errNoSentinel = errors.New("pattern is not terminated by a sentinel")
	errInsnSize   = errors.New("instruction size out of range")
)

// Check verifies that d is well formed: the pattern must contain the
// sentinel within MaxInsns cells and the instruction size must fit in a
// pattern cell.
func (d *Descriptor) Check() error {
	if d.InsnSize <= 0 || d.InsnSize > MaxInsnSize {
		return fmt.Errorf("trampoline %s: %w: %d", d.Name, errInsnSize, d.InsnSize)
	}
	if d.Len() < 0 {
		return fmt.Errorf("trampoline %s: %w", d.Name, errNoSentinel)
	}
	if d.Len() == 0 {
		return fmt.Errorf("trampoline %s: empty pattern", d.Name)
	}
	if d.Init == nil {
		return fmt.Errorf("trampoline %s: no init function", d.Name)
	}
	return nil
}

// Len returns the number of instructions in the pattern, -1 if the
// sentinel is missing from the first MaxInsns cells.
func (d *Descriptor) Len() int {
	for i, in := range d.Insns {
		if i >= MaxInsns {
			break
		}
		if in.isSentinel() {
			return i
		}
	}
	return -1
}

// Match looks for the start of trampoline d given that pc points to one of
// its instructions, or just past the last one. For every candidate index
// ti, from 0 to the index of the sentinel, the trampoline would start at
// pc-ti*InsnSize; the candidate is accepted if every instruction up to the
// sentinel matches. Unreadable memory is a mismatch.
func Match(mem target.MemoryReader, order binary.ByteOrder, d *Descriptor, pc uint64) (uint64, bool) {
	var buf [MaxInsnSize]byte
	size := uint64(d.InsnSize)
	n := d.Len()
	for ti := 0; ti <= n; ti++ {
		back := uint64(ti) * size
		if back > pc {
			break
		}
		fn := pc - back
		for i := 0; i < len(d.Insns); i++ {
			if d.Insns[i].isSentinel() {
				return fn, true
			}
			if err := target.ReadFull(mem, buf[:size], fn+uint64(i)*size); err != nil {
				break
			}
			insn := target.DecodeUint(order, buf[:size])
			if insn&d.Insns[i].Mask != d.Insns[i].Bits {
				break
			}
		}
	}
	return 0, false
}

type unwinder struct {
	d *Descriptor
}

// NewUnwinder returns a frame.Unwinder recognizing trampoline d. It panics
// if d is malformed.
func NewUnwinder(d *Descriptor) frame.Unwinder {
	if err := d.Check(); err != nil {
		panic(err)
	}
	return &unwinder{d: d}
}

func (u *unwinder) Name() string     { return u.d.Name }
func (u *unwinder) Kind() frame.Kind { return u.d.Kind }

// Sniff implements frame.Unwinder.
func (u *unwinder) Sniff(fr *frame.Frame) (*tradframe.Cache, bool) {
	pc, err := fr.PC()
	if err != nil {
		return nil, false
	}
	a := fr.Arch()
	fn, ok := Match(fr.Memory(), a.ByteOrder(), u.d, pc)
	if !ok {
		return nil, false
	}
	if u.d.Validate != nil && !u.d.Validate(fr, pc) {
		return nil, false
	}
	logflags.UnwindLogger().Debugf("trampoline %s matched at %#x (pc %#x)", u.d.Name, fn, pc)
	c := tradframe.New(fr, a.NumRegs())
	u.d.Init(fr, c, fn)
	if !c.ID().Valid() {
		sp, _ := fr.SP()
		c.SetID(tradframe.BuildID(sp, fn))
	}
	return c, true
}
