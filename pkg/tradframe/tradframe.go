// Package tradframe implements the traditional register location cache:
// for one unwound frame it records, for every register, where the value
// the caller had in that register can be found.
package tradframe

import (
	"fmt"

	"github.com/go-delve/unwind/pkg/target"
)

// Kind is the kind of a register Location.
type Kind uint8

const (
	// Identity means the caller's register has the same value as the same
	// register in the frame being unwound. Every register starts out as
	// Identity.
	Identity Kind = iota
	// SameRegister means the caller's value is held in a different register
	// of the frame being unwound.
	SameRegister
	// Memory means the caller's value was saved at an address.
	Memory
	// Literal means the caller's value is a known constant.
	Literal
	// Unknown means the caller's value can not be recovered.
	Unknown
)

func (k Kind) String() string {
	switch k {
	case Identity:
		return "identity"
	case SameRegister:
		return "register"
	case Memory:
		return "memory"
	case Literal:
		return "value"
	case Unknown:
		return "unknown"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Location describes where the caller's value of a register lives.
// The zero value is Identity.
type Location struct {
	kind  Kind
	reg   int
	addr  uint64
	value uint64
}

// InReg returns a location for a value held in register reg.
func InReg(reg int) Location { return Location{kind: SameRegister, reg: reg} }

// AtAddr returns a location for a value saved in memory at addr.
func AtAddr(addr uint64) Location { return Location{kind: Memory, addr: addr} }

// Value returns a location for a constant value.
func Value(v uint64) Location { return Location{kind: Literal, value: v} }

// Undefined returns a location for a value that can not be recovered.
func Undefined() Location { return Location{kind: Unknown} }

// Kind returns the kind of l.
func (l Location) Kind() Kind { return l.kind }

// Reg returns the register number of a SameRegister location.
func (l Location) Reg() int { return l.reg }

// Addr returns the address of a Memory location.
func (l Location) Addr() uint64 { return l.addr }

// Value returns the constant of a Literal location.
func (l Location) Value() uint64 { return l.value }

func (l Location) String() string {
	switch l.kind {
	case Identity:
		return "same"
	case SameRegister:
		return fmt.Sprintf("reg %d", l.reg)
	case Memory:
		return fmt.Sprintf("at %#x", l.addr)
	case Literal:
		return fmt.Sprintf("= %#x", l.value)
	default:
		return "<unknown>"
	}
}

// Frame is the frame a cache is resolved against: the frame being unwound,
// which is the next-inner frame from the point of view of its caller.
type Frame interface {
	Level() int
	RegisterUint64(regnum int) (uint64, error)
	Memory() target.MemoryReader
}

// FrameID uniquely identifies an activation record.
type FrameID struct {
	StackAddr uint64
	CodeAddr  uint64
	valid     bool
}

// BuildID returns the frame id for the given stack and code addresses.
func BuildID(stackAddr, codeAddr uint64) FrameID {
	return FrameID{StackAddr: stackAddr, CodeAddr: codeAddr, valid: true}
}

// Valid returns true if id was built with BuildID.
func (id FrameID) Valid() bool { return id.valid }

// Equal returns true if both ids are valid and identify the same frame.
func (id FrameID) Equal(other FrameID) bool {
	return id.valid && other.valid && id.StackAddr == other.StackAddr && id.CodeAddr == other.CodeAddr
}

func (id FrameID) String() string {
	if !id.valid {
		return "{!stack,!code}"
	}
	return fmt.Sprintf("{stack=%#x,code=%#x}", id.StackAddr, id.CodeAddr)
}

// Cache is the register location cache of one frame.
// It is populated in a single pass by the unwinder that recognized the
// frame and then sealed, after which it is read-only.
type Cache struct {
	frame  Frame
	locs   []Location
	id     FrameID
	sealed bool
}

// New returns a cache for the caller of fr where every register has the
// Identity location.
func New(fr Frame, numRegs int) *Cache {
	return &Cache{frame: fr, locs: make([]Location, numRegs)}
}

// Frame returns the frame c is resolved against.
func (c *Cache) Frame() Frame { return c.frame }

// NumRegs returns the number of registers tracked by c.
func (c *Cache) NumRegs() int { return len(c.locs) }

func (c *Cache) set(reg int, l Location) {
	if c.sealed {
		panic("tradframe: write to a sealed register location cache")
	}
	if reg < 0 || reg >= len(c.locs) {
		panic(fmt.Sprintf("tradframe: register %d out of range [0, %d)", reg, len(c.locs)))
	}
	c.locs[reg] = l
}

// SetMemory records that the caller's value of reg was saved at addr.
func (c *Cache) SetMemory(reg int, addr uint64) { c.set(reg, AtAddr(addr)) }

// SetSameRegister records that the caller's value of reg is held in
// register other of the frame being unwound.
func (c *Cache) SetSameRegister(reg, other int) {
	if reg == other {
		c.set(reg, Location{})
		return
	}
	c.set(reg, InReg(other))
}

// SetValue records that the caller's value of reg is v.
func (c *Cache) SetValue(reg int, v uint64) { c.set(reg, Value(v)) }

// SetUnknown records that the caller's value of reg can not be recovered.
func (c *Cache) SetUnknown(reg int) { c.set(reg, Undefined()) }

// SetID sets the id of the frame being unwound.
func (c *Cache) SetID(id FrameID) {
	if c.sealed {
		panic("tradframe: write to a sealed register location cache")
	}
	c.id = id
}

// ID returns the frame id recorded in c.
func (c *Cache) ID() FrameID { return c.id }

// Seal ends the populate pass.
func (c *Cache) Seal() { c.sealed = true }

// Sealed returns true if the populate pass is over.
func (c *Cache) Sealed() bool { return c.sealed }

// Location returns the location recorded for reg, registers outside of the
// cache are Unknown.
func (c *Cache) Location(reg int) Location {
	if reg < 0 || reg >= len(c.locs) {
		return Undefined()
	}
	return c.locs[reg]
}

// Resolved is the result of resolving a register through a cache.
type Resolved struct {
	Location
	// Frame is the frame the location must be read from: memory
	// addresses are read through its memory and register numbers are
	// read from its registers.
	Frame Frame
}

// Resolve returns where the caller's value of reg can be read. Identity
// locations resolve to a SameRegister location naming reg itself.
// Resolve never modifies c.
func (c *Cache) Resolve(reg int) Resolved {
	l := c.Location(reg)
	if l.kind == Identity {
		l = InReg(reg)
	}
	return Resolved{Location: l, Frame: c.frame}
}

// SetMemoryTable records, for every register i with offsets[i] >= 0, that
// the caller's value of i was saved at base+offsets[i].
func (c *Cache) SetMemoryTable(base uint64, offsets []int) {
	for reg, off := range offsets {
		if off >= 0 {
			c.SetMemory(reg, base+uint64(off))
		}
	}
}
