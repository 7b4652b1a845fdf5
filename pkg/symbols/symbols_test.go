package symbols

import (
	"debug/elf"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-delve/unwind/pkg/target"
)

func TestFunctionContaining(t *testing.T) {
	tbl := New([]target.Function{
		{Name: "main", Entry: 0x1100, End: 0x1180},
		{Name: "start", Entry: 0x1000},
		{Name: "helper", Entry: 0x1080, End: 0x10a0},
		{Name: "main_alias", Entry: 0x1100, End: 0x1110},
		{Name: "last", Entry: 0x2000},
	})
	if tbl.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", tbl.Len())
	}
	for _, tc := range []struct {
		pc   uint64
		name string
	}{
		{0x1000, "start"},
		{0x107f, "start"},
		{0x1080, "helper"},
		{0x10a0, ""},
		{0x1100, "main"},
		{0x117f, "main"},
		{0x1180, ""},
		{0x2000, "last"},
		{0x2001, ""},
		{0xfff, ""},
	} {
		fn, ok := tbl.FunctionContaining(tc.pc)
		switch {
		case tc.name == "" && ok:
			t.Errorf("%#x: unexpected function %s", tc.pc, fn.Name)
		case tc.name != "" && !ok:
			t.Errorf("%#x: no function, want %s", tc.pc, tc.name)
		case ok && fn.Name != tc.name:
			t.Errorf("%#x: got %s, want %s", tc.pc, fn.Name, tc.name)
		}
	}
}

func TestLookup(t *testing.T) {
	tbl := New([]target.Function{
		{Name: "b", Entry: 0x20, End: 0x30},
		{Name: "a", Entry: 0x10, End: 0x20},
	})
	fn, ok := tbl.Lookup("b")
	if !ok || fn.Entry != 0x20 {
		t.Fatalf("Lookup(b) = %v %v", fn, ok)
	}
	if _, ok := tbl.Lookup("c"); ok {
		t.Fatal("Lookup(c) succeeded")
	}
	want := []target.Function{
		{Name: "a", Entry: 0x10, End: 0x20},
		{Name: "b", Entry: 0x20, End: 0x30},
	}
	if diff := cmp.Diff(want, tbl.Functions()); diff != "" {
		t.Errorf("Functions() mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenSelf(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	f, err := elf.Open(exe)
	if err != nil {
		t.Skipf("test binary is not ELF: %v", err)
	}
	defer f.Close()
	tbl, err := FromELF(f, 0)
	if err == elf.ErrNoSymbols {
		t.Skip("stripped test binary")
	}
	if err != nil {
		t.Fatal(err)
	}
	fn, ok := tbl.Lookup("runtime.main")
	if !ok {
		t.Fatal("runtime.main not found")
	}
	got, ok := tbl.FunctionContaining(fn.Entry + 1)
	if !ok || got.Entry != fn.Entry {
		t.Errorf("FunctionContaining(%#x) = %v, want %s", fn.Entry+1, got, fn.Name)
	}
}
