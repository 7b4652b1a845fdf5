package core

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/config"
	"github.com/go-delve/unwind/pkg/regcache"
	"github.com/go-delve/unwind/pkg/regset"
	"github.com/go-delve/unwind/pkg/target"
	"github.com/go-delve/unwind/pkg/tdep/all"
)

func TestSplicedReader(t *testing.T) {
	data := []byte{}
	data2 := []byte{}
	for i := 0; i < 100; i++ {
		data = append(data, byte(i))
		data2 = append(data2, byte(i+100))
	}

	type region struct {
		data   []byte
		off    uint64
		length uint64
	}
	tests := []struct {
		name     string
		regions  []region
		readAddr uint64
		readLen  int
		want     []byte
	}{
		{
			"Insert after",
			[]region{
				{data, 0, 1},
				{data2, 1, 1},
			},
			0,
			2,
			[]byte{0, 101},
		},
		{
			"Insert before",
			[]region{
				{data, 1, 1},
				{data2, 0, 1},
			},
			0,
			2,
			[]byte{100, 1},
		},
		{
			"Completely overwrite",
			[]region{
				{data, 1, 1},
				{data2, 0, 3},
			},
			0,
			3,
			[]byte{100, 101, 102},
		},
		{
			"Overwrite end",
			[]region{
				{data, 0, 2},
				{data2, 1, 2},
			},
			0,
			3,
			[]byte{0, 101, 102},
		},
		{
			"Overwrite start",
			[]region{
				{data, 0, 3},
				{data2, 0, 2},
			},
			0,
			3,
			[]byte{100, 101, 2},
		},
		{
			"Punch hole",
			[]region{
				{data, 0, 5},
				{data2, 1, 3},
			},
			0,
			5,
			[]byte{0, 101, 102, 103, 4},
		},
		{
			"Overlap two",
			[]region{
				{data, 10, 4},
				{data, 14, 4},
				{data2, 12, 4},
			},
			10,
			8,
			[]byte{10, 11, 112, 113, 114, 115, 16, 17},
		},
		{
			"Read in the middle",
			[]region{
				{data, 0, 4},
				{data2, 4, 4},
			},
			3,
			2,
			[]byte{3, 104},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mem := &splicedMemory{}
			for _, region := range test.regions {
				r := bytes.NewReader(region.data)
				mem.Add(&offsetReaderAt{r, 0}, region.off, region.length)
			}
			got := make([]byte, test.readLen)
			n, err := mem.ReadMemory(got, test.readAddr)
			if n != test.readLen || err != nil || !bytes.Equal(got, test.want) {
				t.Errorf("ReadAt = %v, %v, %v, want %v, %v, %v", n, err, got, test.readLen, nil, test.want)
			}
		})
	}
}

func TestSplicedReaderUnmapped(t *testing.T) {
	mem := &splicedMemory{}
	mem.Add(&offsetReaderAt{bytes.NewReader(make([]byte, 8)), 0x100}, 0x100, 8)
	mem.Add(&offsetReaderAt{bytes.NewReader(make([]byte, 8)), 0x200}, 0x200, 8)
	buf := make([]byte, 4)
	if _, err := mem.ReadMemory(buf, 0x180); err == nil {
		t.Errorf("read in a hole succeeded")
	}
	if n, err := mem.ReadMemory(make([]byte, 16), 0x104); err == nil || n != 4 {
		t.Errorf("read across a hole: %d %v", n, err)
	}
}

func TestSplicedFileMapping(t *testing.T) {
	// executable mapped at 0x400000 from page offset 0x1000, with two bytes
	// of it dumped in the core
	file := make([]byte, 0x2000)
	for i := range file {
		file[i] = byte(i)
	}
	mem := &splicedMemory{}
	mem.Add(&offsetReaderAt{bytes.NewReader(file), 0x400000 - 0x1000}, 0x400000, 0x1000)
	mem.Add(&offsetReaderAt{bytes.NewReader([]byte{0xaa, 0xbb}), 0x400800}, 0x400800, 2)

	buf := make([]byte, 6)
	n, err := mem.ReadMemory(buf, 0x4007fe)
	if err != nil || n != len(buf) {
		t.Fatalf("read: %d %v", n, err)
	}
	if diff := cmp.Diff([]byte{0xfe, 0xff, 0xaa, 0xbb, 0x02, 0x03}, buf); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if _, err := mem.ReadMemory(buf, 0x3ffffc); err == nil {
		t.Error("read before the mapping succeeded")
	}
}

func TestQueryFor(t *testing.T) {
	tests := []struct {
		hdr   elf.FileHeader
		flags uint32
		want  arch.Query
	}{
		{elf.FileHeader{Machine: elf.EM_X86_64, Class: elf.ELFCLASS64, ByteOrder: binary.LittleEndian}, 0, arch.Query{Family: "amd64", ByteOrder: binary.LittleEndian}},
		{elf.FileHeader{Machine: elf.EM_PPC64, Class: elf.ELFCLASS64, ByteOrder: binary.BigEndian}, 0, arch.Query{Family: "powerpc", Variant: "64", ByteOrder: binary.BigEndian}},
		{elf.FileHeader{Machine: elf.EM_SPARCV9, Class: elf.ELFCLASS64, ByteOrder: binary.BigEndian}, 0, arch.Query{Family: "sparc", Variant: "v9", ByteOrder: binary.BigEndian}},
		{elf.FileHeader{Machine: elf.EM_MIPS, Class: elf.ELFCLASS64, ByteOrder: binary.BigEndian}, 0, arch.Query{Family: "mips", Variant: "n64", ByteOrder: binary.BigEndian}},
		{elf.FileHeader{Machine: elf.EM_MIPS, Class: elf.ELFCLASS32, ByteOrder: binary.LittleEndian}, efMIPSABI2, arch.Query{Family: "mips", Variant: "n32", ByteOrder: binary.LittleEndian}},
		{elf.FileHeader{Machine: elf.EM_MIPS, Class: elf.ELFCLASS32, ByteOrder: binary.BigEndian}, 0, arch.Query{Family: "mips", Variant: "o32", ByteOrder: binary.BigEndian}},
	}
	for _, tc := range tests {
		got, err := queryFor(&tc.hdr, tc.flags, arch.OSABIUnknown)
		if err != nil {
			t.Errorf("%v: %v", tc.hdr.Machine, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%v: got %v, want %v", tc.hdr.Machine, got, tc.want)
		}
	}
	if _, err := queryFor(&elf.FileHeader{Machine: elf.EM_VAX}, 0, arch.OSABIUnknown); err == nil {
		t.Errorf("vax: no error")
	}
}

func TestOSABIOf(t *testing.T) {
	linuxNotes := []*note{{Type: elf.NT_PRSTATUS, Name: "CORE"}}
	tests := []struct {
		hdr   elf.FileHeader
		notes []*note
		want  arch.OSABI
	}{
		{elf.FileHeader{OSABI: elf.ELFOSABI_NONE}, linuxNotes, arch.OSABILinux},
		{elf.FileHeader{OSABI: elf.ELFOSABI_NETBSD}, linuxNotes, arch.OSABINetBSD},
		{elf.FileHeader{OSABI: elf.ELFOSABI_NONE}, nil, arch.OSABIHPUX},
	}
	for i, tc := range tests {
		if got := osabiOf(&tc.hdr, tc.notes, arch.OSABIHPUX); got != tc.want {
			t.Errorf("%d: got %v, want %v", i, got, tc.want)
		}
	}
}

// TestWriteRead writes a core file for each architecture and reads it back.
func TestWriteRead(t *testing.T) {
	r, err := all.NewRegistry(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	queries := []arch.Query{
		{Family: "amd64"},
		{Family: "i386"},
		{Family: "arm"},
		{Family: "aarch64"},
		{Family: "powerpc"},
		{Family: "powerpc", Variant: "64"},
		{Family: "mips", Variant: "n32"},
		{Family: "mips", Variant: "o32"},
		{Family: "sparc"},
		{Family: "sparc", Variant: "v9"},
		{Family: "hppa"},
		{Family: "m32r"},
		{Family: "mn10300"},
	}
	code := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	for _, q := range queries {
		q.OSABI = arch.OSABILinux
		t.Run(q.String(), func(t *testing.T) {
			d, err := r.Select(q)
			if err != nil {
				t.Fatal(err)
			}
			mem := &target.SparseMemory{}
			mem.Map(0x1000, code)
			rc := regcache.New(d)
			rc.SetUint64(d.PCRegnum(), 0x1004)
			rc.SetUint64(d.SPRegnum(), 0x7000)
			threads := []*Thread{{ID: 42, Regs: rc}, {ID: 43, Regs: regcache.New(d)}}

			path := filepath.Join(t.TempDir(), "core")
			f, err := os.Create(path)
			if err != nil {
				t.Fatal(err)
			}
			segs := []Segment{{Addr: 0x1000, Size: 8, Flags: elf.PF_R | elf.PF_X}, {Addr: 0x7000, Size: 16, Flags: elf.PF_R | elf.PF_W}}
			if err := WriteCore(f, d, 42, threads, mem, segs); err != nil {
				t.Fatal(err)
			}

			p, err := Open(r, path, Options{})
			if err != nil {
				t.Fatal(err)
			}
			defer p.Close()
			if p.Arch.Name() != d.Name() || p.Arch.OSABI() != arch.OSABILinux {
				t.Errorf("read %v, wrote %v", p.Arch, d)
			}
			if p.Pid != 42 || len(p.Threads) != 2 || p.Threads[1].ID != 43 {
				t.Fatalf("pid %d threads %d", p.Pid, len(p.Threads))
			}
			got := map[string]uint64{}
			for _, reg := range []int{p.Arch.PCRegnum(), p.Arch.SPRegnum()} {
				got[p.Arch.RegName(reg)], err = p.Threads[0].Regs.Uint64(reg)
				if err != nil {
					t.Fatal(err)
				}
			}
			want := map[string]uint64{d.RegName(d.PCRegnum()): 0x1004, d.RegName(d.SPRegnum()): 0x7000}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("registers mismatch (-want +got):\n%s", diff)
			}
			buf := make([]byte, len(code))
			if err := target.ReadFull(p.Mem, buf, 0x1000); err != nil || !bytes.Equal(buf, code) {
				t.Errorf("memory: %v %v", buf, err)
			}
			if err := target.ReadFull(p.Mem, buf, 0x7008); err != nil || !bytes.Equal(buf, make([]byte, 8)) {
				t.Errorf("unmapped memory: %v %v", buf, err)
			}
		})
	}
}

func TestOpenErrors(t *testing.T) {
	r, err := all.NewRegistry(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "notacore")
	if err := os.WriteFile(path, []byte("hello world, this is not an ELF file"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(r, path, Options{}); !errors.Is(err, ErrUnrecognizedFormat) {
		t.Errorf("got %v", err)
	}
}

func TestThreadsFromNotes(t *testing.T) {
	order := binary.BigEndian
	prstatus := make([]byte, 72+8+4)
	order.PutUint32(prstatus[24:], 7)
	order.PutUint32(prstatus[72:], 0xdeadbeef)
	notes := []*note{
		{Type: elf.NT_PRPSINFO, Name: "CORE", Desc: make([]byte, 124)},
		{Type: elf.NT_PRSTATUS, Name: "CORE", Desc: prstatus},
		{Type: _NT_FPREGSET, Name: "CORE", Desc: []byte{1}},
		{Type: elf.NT_PRSTATUS, Name: "GNU", Desc: []byte{2}},
	}
	threads, err := threadsFromNotes(elf.ELFCLASS32, order, notes)
	if err != nil {
		t.Fatal(err)
	}
	want := []*Thread{{ID: 7, Sections: []Section{
		{".reg", []byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0}},
		{".reg2", []byte{1}},
	}}}
	if diff := cmp.Diff(want, threads, cmp.AllowUnexported(regcache.Regcache{})); diff != "" {
		t.Errorf("threads mismatch (-want +got):\n%s", diff)
	}

	if _, err := threadsFromNotes(elf.ELFCLASS64, order, notes[1:2]); err == nil {
		t.Errorf("short NT_PRSTATUS accepted")
	}
}

func TestFileMappings(t *testing.T) {
	order := binary.LittleEndian
	desc := make([]byte, 8*8)
	for i, v := range []uint64{2, 0x1000, 0x400000, 0x401000, 0, 0x600000, 0x602000, 3} {
		order.PutUint64(desc[i*8:], v)
	}
	desc = append(desc, "/bin/true\x00/lib/libc.so\x00"...)
	got := fileMappings(elf.ELFCLASS64, order, []*note{{Type: _NT_FILE, Name: "CORE", Desc: desc}})
	want := []Mapping{
		{Start: 0x400000, End: 0x401000, Offset: 0, Name: "/bin/true"},
		{Start: 0x600000, End: 0x602000, Offset: 0x3000, Name: "/lib/libc.so"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestFileMappingsBadCount(t *testing.T) {
	order := binary.LittleEndian
	for _, count := range []uint64{0xAAAAAAAAAAAAAAAB, 1 << 62, 3} {
		desc := make([]byte, 8*8)
		order.PutUint64(desc, count)
		order.PutUint64(desc[8:], 0x1000)
		if got := fileMappings(elf.ELFCLASS64, order, []*note{{Type: _NT_FILE, Name: "CORE", Desc: desc}}); len(got) != 0 {
			t.Errorf("count %#x: got %d mappings", count, len(got))
		}
	}
}

func TestSupplyShortSection(t *testing.T) {
	r, err := all.NewRegistry(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	d, err := r.Select(arch.Query{Family: "amd64", OSABI: arch.OSABILinux})
	if err != nil {
		t.Fatal(err)
	}
	sets, err := d.CoreRegsets()
	if err != nil {
		t.Fatal(err)
	}
	var reg []byte
	for _, s := range sets {
		if s.Name == ".reg" {
			reg = make([]byte, s.Size)
			break
		}
	}
	var tse *regset.TooSmallError

	th := &Thread{ID: 1, Sections: []Section{{".reg", reg}, {".reg-unknown", make([]byte, 100)}}}
	if err := th.Supply(d); err != nil {
		t.Fatalf("unknown section: %v", err)
	}

	th.Sections = append(th.Sections, Section{".reg2", make([]byte, 100)})
	err = th.Supply(d)
	if !errors.As(err, &tse) || tse.Set != ".reg2" || tse.Got != 100 {
		t.Fatalf("short .reg2: got %v", err)
	}

	th.Sections = []Section{{".reg", reg[:10]}}
	if err := th.Supply(d); !errors.As(err, &tse) {
		t.Errorf("short .reg: got %v", err)
	}
}
