// Package tdeptest has helpers for the tests of the architecture packages.
package tdeptest

import (
	"encoding/binary"
	"testing"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/frame"
	"github.com/go-delve/unwind/pkg/regcache"
	"github.com/go-delve/unwind/pkg/symbols"
	"github.com/go-delve/unwind/pkg/target"
	"github.com/go-delve/unwind/pkg/tdep"
)

// Select registers a family in a new registry and selects q.
func Select(t testing.TB, register func(*arch.Registry, tdep.Options), opts tdep.Options, q arch.Query) *arch.Descriptor {
	t.Helper()
	r := arch.NewRegistry(arch.DefaultCacheSize)
	register(r, opts)
	d, err := r.Select(q)
	if err != nil {
		t.Fatalf("Select(%v): %v", q, err)
	}
	return d
}

// Words encodes vals as size byte integers.
func Words(order binary.ByteOrder, size int, vals ...uint64) []byte {
	buf := make([]byte, size*len(vals))
	for i, v := range vals {
		target.EncodeUint(order, buf[i*size:(i+1)*size], v)
	}
	return buf
}

// Block returns a block of n size byte slots with the slots in vals set,
// keyed by byte offset.
func Block(order binary.ByteOrder, size, n int, vals map[int]uint64) []byte {
	buf := make([]byte, n)
	for off, v := range vals {
		target.EncodeUint(order, buf[off:off+size], v)
	}
	return buf
}

// Regs returns a register cache of d with the given values.
func Regs(d *arch.Descriptor, vals map[int]uint64) *regcache.Regcache {
	rc := regcache.New(d)
	for reg, v := range vals {
		rc.SetUint64(reg, v)
	}
	return rc
}

// Backtrace unwinds the thread with registers regs.
func Backtrace(d *arch.Descriptor, regs map[int]uint64, mem target.MemoryReader, funcs []target.Function) ([]*frame.Frame, frame.StopReason) {
	var syms target.SymbolLookup
	if len(funcs) > 0 {
		syms = symbols.New(funcs)
	}
	return frame.Backtrace(frame.New(d, Regs(d, regs), mem, syms), 0)
}

// Reg returns the value of register reg of fr, failing the test if it can
// not be read.
func Reg(t testing.TB, fr *frame.Frame, reg int) uint64 {
	t.Helper()
	v, err := fr.RegisterUint64(reg)
	if err != nil {
		t.Fatalf("frame #%d: %v", fr.Level(), err)
	}
	return v
}

// PCs returns the program counters of frames.
func PCs(t testing.TB, frames []*frame.Frame) []uint64 {
	t.Helper()
	r := make([]uint64, len(frames))
	for i, fr := range frames {
		pc, err := fr.PC()
		if err != nil {
			t.Fatalf("frame #%d: %v", i, err)
		}
		r[i] = pc
	}
	return r
}

// Kinds returns the kinds of frames.
func Kinds(frames []*frame.Frame) []frame.Kind {
	r := make([]frame.Kind, len(frames))
	for i, fr := range frames {
		r[i] = fr.Kind()
	}
	return r
}
