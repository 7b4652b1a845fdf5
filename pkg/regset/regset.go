// Package regset converts between register blobs, as found in core file
// sections or returned by ptrace, and register caches.
package regset

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/regcache"
	"github.com/go-delve/unwind/pkg/target"
)

// AllRegs asks Supply and Collect to transfer every register of the set.
const AllRegs = -1

// Skip is the register number of padding entries in a Map.
const Skip = -1

// ErrNotCollectable is returned by Collect for sets that can only be read.
var ErrNotCollectable = errors.New("register set can not be collected")

// TooSmallError is returned when a buffer is shorter than its register set.
type TooSmallError struct {
	Set  string
	Want int
	Got  int
}

func (e *TooSmallError) Error() string {
	return fmt.Sprintf("register set contents too small: %s is %d bytes, got %d", e.Set, e.Want, e.Got)
}

// Entry describes Count consecutive slots of Size bytes holding registers
// Regnum, Regnum+1, ... If Regnum is Skip the slots are padding.
type Entry struct {
	Count  int
	Regnum int
	Size   int
}

// Map describes the layout of a register set as a sequence of entries.
type Map []Entry

// Len returns the number of bytes covered by m.
func (m Map) Len() int {
	n := 0
	for _, e := range m {
		n += e.Count * e.Size
	}
	return n
}

// Offsets returns a Map for a set where register i is stored in a slot of
// size bytes at offsets[i], or is not stored if offsets[i] is negative.
// The slots must not overlap.
func Offsets(offsets []int, size int) Map {
	type slot struct{ off, reg int }
	var slots []slot
	for reg, off := range offsets {
		if off >= 0 {
			slots = append(slots, slot{off, reg})
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].off < slots[j].off })
	var m Map
	pos := 0
	for _, s := range slots {
		if s.off < pos {
			panic(fmt.Sprintf("regset: register %d at offset %d overlaps the previous slot", s.reg, s.off))
		}
		if s.off > pos {
			m = append(m, Entry{Count: 1, Regnum: Skip, Size: s.off - pos})
		}
		if n := len(m); n > 0 && m[n-1].Regnum != Skip && m[n-1].Size == size && m[n-1].Regnum+m[n-1].Count == s.reg {
			m[n-1].Count++
		} else {
			m = append(m, Entry{Count: 1, Regnum: s.reg, Size: size})
		}
		pos = s.off + size
	}
	return m
}

// Flags modify how a register set is matched and transferred.
type Flags uint8

const (
	// FlagVariableSize marks sets whose sections can be shorter than Size;
	// only registers entirely contained in the buffer are transferred.
	FlagVariableSize Flags = 1 << iota
)

// TransferFunc transfers register regnum, or all registers if regnum is
// AllRegs, between buf and rc. buf is at least as long as the set, unless
// the set has FlagVariableSize.
type TransferFunc func(s *Set, rc *regcache.Regcache, regnum int, buf []byte) error

// Set describes one register set.
type Set struct {
	// Name is the name of the core file section holding the set, such as
	// ".reg" for the general purpose registers.
	Name  string
	Size  int
	Map   Map
	Flags Flags

	// SupplyFunc and CollectFunc override the transfers derived from Map.
	SupplyFunc  TransferFunc
	CollectFunc TransferFunc
}

// FromMap returns a register set laid out as described by m.
func FromMap(name string, m Map) *Set {
	return &Set{Name: name, Size: m.Len(), Map: m}
}

func (s *Set) String() string {
	return fmt.Sprintf("%s[%d]", s.Name, s.Size)
}

func (s *Set) checkLen(buf []byte) error {
	if len(buf) < s.Size && s.Flags&FlagVariableSize == 0 {
		return &TooSmallError{Set: s.Name, Want: s.Size, Got: len(buf)}
	}
	return nil
}

// Supply decodes buf into rc. If regnum is AllRegs every register covered by
// the set is supplied, otherwise only regnum. Nothing is written to rc if
// buf is too small.
func (s *Set) Supply(rc *regcache.Regcache, regnum int, buf []byte) error {
	if err := s.checkLen(buf); err != nil {
		return err
	}
	if logflags.Regset() {
		logflags.RegsetLogger().Debugf("supply %v regnum %d from %d bytes", s, regnum, len(buf))
	}
	if s.SupplyFunc != nil {
		return s.SupplyFunc(s, rc, regnum, buf)
	}
	return s.Map.transfer(rc, regnum, buf, supplyReg)
}

// Collect encodes the registers in rc into buf, which must be at least
// Size bytes long. Registers without a value are encoded as zero. Slots
// for other registers and padding are left untouched.
func (s *Set) Collect(rc *regcache.Regcache, regnum int, buf []byte) error {
	if s.CollectFunc == nil && (s.Map == nil || s.SupplyFunc != nil) {
		return fmt.Errorf("%v: %w", s, ErrNotCollectable)
	}
	if err := s.checkLen(buf); err != nil {
		return err
	}
	if logflags.Regset() {
		logflags.RegsetLogger().Debugf("collect %v regnum %d", s, regnum)
	}
	if s.CollectFunc != nil {
		return s.CollectFunc(s, rc, regnum, buf)
	}
	return s.Map.transfer(rc, regnum, buf, collectReg)
}

// Collectable returns true if Collect is implemented for s.
func (s *Set) Collectable() bool {
	return s.CollectFunc != nil || (s.Map != nil && s.SupplyFunc == nil)
}

// Covers returns true if register regnum is transferred by s.
func (s *Set) Covers(regnum int) bool {
	for _, e := range s.Map {
		if e.Regnum != Skip && regnum >= e.Regnum && regnum < e.Regnum+e.Count {
			return true
		}
	}
	return false
}

type transferReg func(rc *regcache.Regcache, regnum int, slot []byte)

func (m Map) transfer(rc *regcache.Regcache, regnum int, buf []byte, xfer transferReg) error {
	numRegs := rc.Layout().NumRegs()
	off := 0
	for _, e := range m {
		if e.Regnum == Skip {
			off += e.Count * e.Size
			continue
		}
		for i := 0; i < e.Count; i++ {
			reg := e.Regnum + i
			if off+e.Size > len(buf) {
				return nil
			}
			if reg < numRegs && (regnum == AllRegs || regnum == reg) {
				xfer(rc, reg, buf[off:off+e.Size])
			}
			off += e.Size
		}
	}
	return nil
}

func supplyReg(rc *regcache.Regcache, regnum int, slot []byte) {
	size := rc.Layout().RegSize(regnum)
	if len(slot) == size {
		rc.RawSupply(regnum, slot)
		return
	}
	val := make([]byte, size)
	target.EncodeUint(rc.ByteOrder(), val, target.DecodeUint(rc.ByteOrder(), slot))
	rc.RawSupply(regnum, val)
}

func collectReg(rc *regcache.Regcache, regnum int, slot []byte) {
	val, err := rc.Raw(regnum)
	if err != nil {
		for i := range slot {
			slot[i] = 0
		}
		return
	}
	if len(val) == len(slot) {
		copy(slot, val)
		return
	}
	target.EncodeUint(rc.ByteOrder(), slot, target.DecodeUint(rc.ByteOrder(), val))
}
