package arch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-delve/unwind/pkg/frame"
	"github.com/go-delve/unwind/pkg/regset"
)

// ErrNotSupported is returned by the optional capabilities of a Descriptor
// when the architecture does not implement them.
var ErrNotSupported = errors.New("not supported by this architecture")

// Capability is an optional behaviour of an architecture.
type Capability uint8

const (
	CapRegsetFromCoreSection Capability = iota
	CapCoreRegsets
	CapSkipTrampolineCode
	CapDumpTdep
)

func (c Capability) String() string {
	switch c {
	case CapRegsetFromCoreSection:
		return "regset_from_core_section"
	case CapCoreRegsets:
		return "core_regsets"
	case CapSkipTrampolineCode:
		return "skip_trampoline_code"
	case CapDumpTdep:
		return "dump_tdep"
	}
	return fmt.Sprintf("Capability(%d)", uint8(c))
}

// RegsetSelector chooses the register set for a core file section.
type RegsetSelector func(d *Descriptor, name string, size int) (*regset.Set, error)

// SkipTrampolineFunc returns the address a stub at pc jumps to, or 0 if pc
// is not in a stub.
type SkipTrampolineFunc func(fr *frame.Frame, pc uint64) uint64

// Descriptor describes one architecture variant. Descriptors are created by
// a Registry and are read-only: they can be shared between goroutines.
type Descriptor struct {
	query    Query
	name     string
	ptrBits  int
	addrBits int

	regNames []string
	regSizes []int
	regnums  map[string]int
	pc, sp   int

	chain   frame.Chain
	regsets regset.Table

	regsetSelector RegsetSelector
	skipTrampoline SkipTrampolineFunc
	dump           DumpFunc

	tdep  any
	arena *Arena
}

// Name returns the printable name of the architecture, for example
// "i386:x86-64".
func (d *Descriptor) Name() string { return d.name }

// Query returns the query that created d.
func (d *Descriptor) Query() Query { return d.query }

// Family returns the name d's factory was registered under.
func (d *Descriptor) Family() string { return d.query.Family }

// Variant returns the architecture variant, empty for the default one.
func (d *Descriptor) Variant() string { return d.query.Variant }

// OSABI returns the OS ABI of d.
func (d *Descriptor) OSABI() OSABI { return d.query.OSABI }

// ByteOrder returns the byte order of d.
func (d *Descriptor) ByteOrder() binary.ByteOrder { return d.query.ByteOrder }

// PtrBits returns the size of a pointer in bits.
func (d *Descriptor) PtrBits() int { return d.ptrBits }

// PtrBytes returns the size of a pointer in bytes.
func (d *Descriptor) PtrBytes() int { return d.ptrBits / 8 }

// AddrBits returns the size of an address in bits.
func (d *Descriptor) AddrBits() int { return d.addrBits }

// NumRegs returns the number of registers.
func (d *Descriptor) NumRegs() int { return len(d.regNames) }

// RegSize returns the size of register regnum in bytes.
func (d *Descriptor) RegSize(regnum int) int {
	if regnum < 0 || regnum >= len(d.regSizes) {
		return 0
	}
	return d.regSizes[regnum]
}

// RegName returns the name of register regnum.
func (d *Descriptor) RegName(regnum int) string {
	if regnum < 0 || regnum >= len(d.regNames) {
		return fmt.Sprintf("reg%d", regnum)
	}
	return d.regNames[regnum]
}

// Regnum returns the number of the register called name.
func (d *Descriptor) Regnum(name string) (int, bool) {
	n, ok := d.regnums[name]
	return n, ok
}

// PCRegnum returns the register number of the program counter.
func (d *Descriptor) PCRegnum() int { return d.pc }

// SPRegnum returns the register number of the stack pointer.
func (d *Descriptor) SPRegnum() int { return d.sp }

// Unwinders returns the frozen unwinder chain of d.
func (d *Descriptor) Unwinders() *frame.Chain { return &d.chain }

// Tdep returns the architecture specific data set by the factory.
func (d *Descriptor) Tdep() any { return d.tdep }

// Arena returns the arena owning d's data.
func (d *Descriptor) Arena() *Arena { return d.arena }

// Supports returns true if d implements capability c.
func (d *Descriptor) Supports(c Capability) bool {
	switch c {
	case CapRegsetFromCoreSection:
		return d.regsetSelector != nil || len(d.regsets) > 0
	case CapCoreRegsets:
		return len(d.regsets) > 0
	case CapSkipTrampolineCode:
		return d.skipTrampoline != nil
	case CapDumpTdep:
		return d.dump != nil
	}
	return false
}

// RegsetFromCoreSection returns the register set describing the core file
// section called name, which is size bytes long.
func (d *Descriptor) RegsetFromCoreSection(name string, size int) (*regset.Set, error) {
	if d.regsetSelector != nil {
		return d.regsetSelector(d, name, size)
	}
	if len(d.regsets) == 0 {
		return nil, fmt.Errorf("%s: regset_from_core_section: %w", d.name, ErrNotSupported)
	}
	return d.regsets.Lookup(name, size)
}

// CoreRegsets returns the register sets to write in a core file, in order.
func (d *Descriptor) CoreRegsets() (regset.Table, error) {
	if len(d.regsets) == 0 {
		return nil, fmt.Errorf("%s: core_regsets: %w", d.name, ErrNotSupported)
	}
	return append(regset.Table(nil), d.regsets...), nil
}

// SkipTrampolineCode returns the address the stub at pc jumps to, or 0 if
// pc is not in a stub.
func (d *Descriptor) SkipTrampolineCode(fr *frame.Frame, pc uint64) (uint64, error) {
	if d.skipTrampoline == nil {
		return 0, fmt.Errorf("%s: skip_trampoline_code: %w", d.name, ErrNotSupported)
	}
	return d.skipTrampoline(fr, pc), nil
}

// Dump writes a description of d to w. The architecture specific part is
// only written if the family registered a dump function.
func (d *Descriptor) Dump(w io.Writer) error {
	fmt.Fprintf(w, "arch: name = %s\n", d.name)
	fmt.Fprintf(w, "arch: family = %s variant = %q osabi = %v byte_order = %v\n", d.query.Family, d.query.Variant, d.query.OSABI, d.query.ByteOrder)
	fmt.Fprintf(w, "arch: ptr_bit = %d addr_bit = %d\n", d.ptrBits, d.addrBits)
	fmt.Fprintf(w, "arch: num_regs = %d pc_regnum = %d (%s) sp_regnum = %d (%s)\n", len(d.regNames), d.pc, d.RegName(d.pc), d.sp, d.RegName(d.sp))
	for i, u := range d.chain.Unwinders() {
		fmt.Fprintf(w, "arch: unwinder[%d] = %s (%v)\n", i, u.Name(), u.Kind())
	}
	for _, s := range d.regsets {
		fmt.Fprintf(w, "arch: regset %v collectable = %v\n", s, s.Collectable())
	}
	fmt.Fprintf(w, "arch: arena = %d bytes, %d objects\n", d.arena.Bytes(), d.arena.Objects())
	if d.dump == nil {
		return fmt.Errorf("%s: dump_tdep: %w", d.name, ErrNotSupported)
	}
	d.dump(d, w)
	return nil
}

func (d *Descriptor) String() string {
	return d.name
}
