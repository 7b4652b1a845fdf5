// Package symbols maps addresses to the functions containing them, using
// the symbol tables of ELF executables.
package symbols

import (
	"debug/elf"
	"errors"
	"sort"

	"github.com/google/btree"

	"github.com/go-delve/unwind/pkg/target"
)

const btreeDegree = 16

// Table is an ordered set of non overlapping function ranges. It
// implements target.SymbolLookup.
type Table struct {
	tree *btree.BTreeG[*target.Function]
}

func lessEntry(a, b *target.Function) bool {
	return a.Entry < b.Entry
}

// New returns a table containing funcs. Functions with a zero End are
// extended up to the next function, if there is one, otherwise they cover a
// single byte.
func New(funcs []target.Function) *Table {
	fns := make([]target.Function, len(funcs))
	copy(fns, funcs)
	sort.SliceStable(fns, func(i, j int) bool { return fns[i].Entry < fns[j].Entry })
	t := &Table{tree: btree.NewG[*target.Function](btreeDegree, lessEntry)}
	for i := range fns {
		fn := &fns[i]
		if fn.End <= fn.Entry {
			fn.End = fn.Entry + 1
			if i+1 < len(fns) && fns[i+1].Entry > fn.Entry {
				fn.End = fns[i+1].Entry
			}
		}
		if old, ok := t.tree.Get(fn); ok && old.End-old.Entry >= fn.End-fn.Entry {
			// aliases of the same function, keep the widest one
			continue
		}
		t.tree.ReplaceOrInsert(fn)
	}
	return t
}

// FunctionContaining implements target.SymbolLookup.
func (t *Table) FunctionContaining(pc uint64) (*target.Function, bool) {
	var found *target.Function
	t.tree.DescendLessOrEqual(&target.Function{Entry: pc}, func(fn *target.Function) bool {
		found = fn
		return false
	})
	if found == nil || !found.Contains(pc) {
		return nil, false
	}
	return found, true
}

// Lookup returns the function called name.
func (t *Table) Lookup(name string) (*target.Function, bool) {
	var found *target.Function
	t.tree.Ascend(func(fn *target.Function) bool {
		if fn.Name == name {
			found = fn
			return false
		}
		return true
	})
	return found, found != nil
}

// Len returns the number of functions in t.
func (t *Table) Len() int {
	return t.tree.Len()
}

// Functions returns all functions of t sorted by entry point.
func (t *Table) Functions() []target.Function {
	r := make([]target.Function, 0, t.tree.Len())
	t.tree.Ascend(func(fn *target.Function) bool {
		r = append(r, *fn)
		return true
	})
	return r
}

// FromELF builds a table from the function symbols of the .symtab and
// .dynsym sections of f, relocated by bias.
func FromELF(f *elf.File, bias uint64) (*Table, error) {
	var funcs []target.Function
	found := false
	for _, read := range []func() ([]elf.Symbol, error){f.Symbols, f.DynamicSymbols} {
		syms, err := read()
		if err != nil {
			if errors.Is(err, elf.ErrNoSymbols) {
				continue
			}
			return nil, err
		}
		found = true
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 || sym.Section == elf.SHN_UNDEF {
				continue
			}
			fn := target.Function{Name: sym.Name, Entry: sym.Value + bias}
			if sym.Size > 0 {
				fn.End = fn.Entry + sym.Size
			}
			funcs = append(funcs, fn)
		}
	}
	if !found {
		return nil, elf.ErrNoSymbols
	}
	return New(funcs), nil
}

// Open reads the symbols of the ELF executable at path.
func Open(path string, bias uint64) (*Table, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return FromELF(f, bias)
}
