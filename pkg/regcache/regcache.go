// Package regcache holds the raw register contents of one thread, in the
// layout described by an architecture.
package regcache

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-delve/unwind/pkg/target"
)

// Layout describes the size and byte order of every register in a
// Regcache.
type Layout interface {
	NumRegs() int
	RegSize(regnum int) int
	ByteOrder() binary.ByteOrder
}

// ErrUnavailable is returned when reading a register whose value was never
// supplied.
var ErrUnavailable = errors.New("register value unavailable")

// Regcache holds the value of the registers of a thread.
type Regcache struct {
	layout Layout
	regs   [][]byte
}

// New returns an empty register cache, every register is unavailable.
func New(layout Layout) *Regcache {
	return &Regcache{
		layout: layout,
		regs:   make([][]byte, layout.NumRegs()),
	}
}

// Layout returns the layout of rc.
func (rc *Regcache) Layout() Layout {
	return rc.layout
}

// ByteOrder returns the byte order of register values.
func (rc *Regcache) ByteOrder() binary.ByteOrder {
	return rc.layout.ByteOrder()
}

func (rc *Regcache) check(regnum int) {
	if regnum < 0 || regnum >= len(rc.regs) {
		panic(fmt.Sprintf("register number %d out of range [0, %d)", regnum, len(rc.regs)))
	}
}

// RawSupply sets the value of register regnum. A nil val marks the
// register as unavailable.
func (rc *Regcache) RawSupply(regnum int, val []byte) {
	rc.check(regnum)
	if val == nil {
		rc.regs[regnum] = nil
		return
	}
	sz := rc.layout.RegSize(regnum)
	if len(val) != sz {
		panic(fmt.Sprintf("register %d: supplied %d bytes, register is %d bytes", regnum, len(val), sz))
	}
	rc.regs[regnum] = append(rc.regs[regnum][:0], val...)
}

// RawCollect copies the value of register regnum into buf.
func (rc *Regcache) RawCollect(regnum int, buf []byte) error {
	val, err := rc.Raw(regnum)
	if err != nil {
		return err
	}
	copy(buf, val)
	return nil
}

// Raw returns the value of register regnum. The returned slice must not be
// modified.
func (rc *Regcache) Raw(regnum int) ([]byte, error) {
	rc.check(regnum)
	if rc.regs[regnum] == nil {
		return nil, fmt.Errorf("register %d: %w", regnum, ErrUnavailable)
	}
	return rc.regs[regnum], nil
}

// Valid returns true if register regnum has a value.
func (rc *Regcache) Valid(regnum int) bool {
	return regnum >= 0 && regnum < len(rc.regs) && rc.regs[regnum] != nil
}

// Uint64 returns the value of register regnum as an unsigned integer.
func (rc *Regcache) Uint64(regnum int) (uint64, error) {
	val, err := rc.Raw(regnum)
	if err != nil {
		return 0, err
	}
	return target.DecodeUint(rc.layout.ByteOrder(), val), nil
}

// SetUint64 sets register regnum to v, truncated to the register size.
func (rc *Regcache) SetUint64(regnum int, v uint64) {
	rc.check(regnum)
	buf := make([]byte, rc.layout.RegSize(regnum))
	target.EncodeUint(rc.layout.ByteOrder(), buf, v)
	rc.regs[regnum] = buf
}

// Invalidate marks every register as unavailable.
func (rc *Regcache) Invalidate() {
	for i := range rc.regs {
		rc.regs[i] = nil
	}
}

// Clone returns a deep copy of rc.
func (rc *Regcache) Clone() *Regcache {
	r := New(rc.layout)
	for i, v := range rc.regs {
		if v != nil {
			r.regs[i] = append([]byte(nil), v...)
		}
	}
	return r
}
