package arch

import (
	"errors"
	"fmt"

	"github.com/go-delve/unwind/pkg/frame"
	"github.com/go-delve/unwind/pkg/regset"
	"github.com/go-delve/unwind/pkg/tramp"
)

// Builder is the mutable view of a descriptor under construction. It is
// only used inside an InitFunc.
type Builder struct {
	d        *Descriptor
	finished bool
}

// NewBuilder starts a descriptor for query q. The name defaults to the
// family name.
func NewBuilder(q Query) *Builder {
	return &Builder{d: &Descriptor{
		query:   q,
		name:    q.Family,
		pc:      -1,
		sp:      -1,
		regnums: map[string]int{},
		arena:   &Arena{},
	}}
}

func (b *Builder) mutable() {
	if b.finished {
		panic("arch: descriptor modified after Finish")
	}
}

// SetName sets the printable name of the architecture.
func (b *Builder) SetName(name string) {
	b.mutable()
	b.d.name = name
}

// SetPointerBits sets the size of pointers and addresses in bits.
func (b *Builder) SetPointerBits(bits int) {
	b.mutable()
	b.d.ptrBits = bits
	b.d.addrBits = bits
}

// SetAddrBits sets the size of addresses, if different from pointers.
func (b *Builder) SetAddrBits(bits int) {
	b.mutable()
	b.d.addrBits = bits
}

// SetRegisters sets the register names, numbered densely from zero, all
// size bytes wide, and the program counter and stack pointer numbers.
func (b *Builder) SetRegisters(names []string, size, pc, sp int) {
	b.mutable()
	b.d.regNames = append([]string(nil), names...)
	b.d.regSizes = make([]int, len(names))
	for i, name := range names {
		b.d.regSizes[i] = size
		b.d.regnums[name] = i
	}
	b.d.pc = pc
	b.d.sp = sp
}

// SetRegisterSize overrides the size of register regnum.
func (b *Builder) SetRegisterSize(regnum, size int) {
	b.mutable()
	b.d.regSizes[regnum] = size
}

// PrependUnwinder adds u in front of the unwinder chain.
func (b *Builder) PrependUnwinder(u frame.Unwinder) {
	b.mutable()
	b.d.chain.Prepend(u)
}

// AppendUnwinder adds u at the end of the unwinder chain.
func (b *Builder) AppendUnwinder(u frame.Unwinder) {
	b.mutable()
	b.d.chain.Append(u)
}

// AddTrampoline prepends an unwinder for trampoline t. It panics if t is
// malformed.
func (b *Builder) AddTrampoline(t *tramp.Descriptor) {
	b.PrependUnwinder(tramp.NewUnwinder(t))
}

// AddRegset adds a register set.
func (b *Builder) AddRegset(s *regset.Set) {
	b.mutable()
	b.d.regsets = append(b.d.regsets, s)
}

// SetRegsetSelector installs a custom core section to register set mapping.
func (b *Builder) SetRegsetSelector(f RegsetSelector) {
	b.mutable()
	b.d.regsetSelector = f
}

// SetSkipTrampoline installs the skip_trampoline_code capability.
func (b *Builder) SetSkipTrampoline(f SkipTrampolineFunc) {
	b.mutable()
	b.d.skipTrampoline = f
}

// SetDump installs the architecture specific part of Dump.
func (b *Builder) SetDump(f DumpFunc) {
	b.mutable()
	b.d.dump = f
}

// SetTdep sets the architecture specific data. It should be allocated from
// Arena.
func (b *Builder) SetTdep(tdep any) {
	b.mutable()
	b.d.tdep = tdep
}

// Arena returns the arena of the descriptor under construction.
func (b *Builder) Arena() *Arena {
	return b.d.arena
}

// Descriptor returns the descriptor under construction, it must not be
// used for unwinding before Finish.
func (b *Builder) Descriptor() *Descriptor {
	return b.d
}

var errIncomplete = errors.New("incomplete architecture")

// Finish validates the descriptor and makes it read-only.
func (b *Builder) Finish() (*Descriptor, error) {
	b.mutable()
	d := b.d
	switch {
	case d.query.ByteOrder == nil:
		return nil, fmt.Errorf("%s: %w: no byte order", d.name, errIncomplete)
	case d.ptrBits == 0 || d.ptrBits%8 != 0:
		return nil, fmt.Errorf("%s: %w: pointer size %d", d.name, errIncomplete, d.ptrBits)
	case len(d.regNames) == 0:
		return nil, fmt.Errorf("%s: %w: no registers", d.name, errIncomplete)
	case d.pc < 0 || d.pc >= len(d.regNames) || d.sp < 0 || d.sp >= len(d.regNames):
		return nil, fmt.Errorf("%s: %w: bad pc/sp register numbers", d.name, errIncomplete)
	}
	for i, s := range d.regSizes {
		if s <= 0 {
			return nil, fmt.Errorf("%s: %w: register %s has size %d", d.name, errIncomplete, d.regNames[i], s)
		}
	}
	d.chain.Freeze()
	b.finished = true
	return d, nil
}
