package native

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/core"
)

const smaps = `00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/dbus-daemon
Size:                328 kB
Rss:                 128 kB
VmFlags: rd ex mr mw me dw sd
00651000-00652000 rw-p 00051000 08:02 173521      /usr/bin/dbus-daemon
Size:                  4 kB
VmFlags: rd wr mr mw me dw ac sd
00652000-00655000 rw-p 00000000 00:00 0 
Size:                 12 kB
VmFlags: rd wr mr mw me ac sd
7f6b1c000000-7f6b1c021000 rw-p 00000000 00:00 0 
VmFlags: rd wr mr mw me nr dd sd
7ffc34567000-7ffc34588000 rw-p 00000000 00:00 0                          [stack]
VmFlags: rd wr mr mw me gd ac
7ffc345fd000-7ffc345ff000 r-xp 00000000 00:00 0                          [vdso]
VmFlags: rd ex mr mw me de sd
ffffffffff600000-ffffffffff601000 --xp 00000000 00:00 0                  [vsyscall]
VmFlags: ex
`

func TestParseMaps(t *testing.T) {
	m, err := parseMaps([]byte(smaps))
	if err != nil {
		t.Fatal(err)
	}
	want := []memoryMapEntry{
		{Addr: 0x400000, Size: 0x52000, Read: true, Exec: true, Filename: "/usr/bin/dbus-daemon"},
		{Addr: 0x651000, Size: 0x1000, Read: true, Write: true, Filename: "/usr/bin/dbus-daemon", Offset: 0x51000},
		{Addr: 0x652000, Size: 0x3000, Read: true, Write: true},
		{Addr: 0x7ffc34567000, Size: 0x21000, Read: true, Write: true},
		{Addr: 0x7ffc345fd000, Size: 0x2000, Read: true, Exec: true},
		{Addr: 0xffffffffff600000, Size: 0x1000, Exec: true},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	wantSegs := []core.Segment{
		{Addr: 0x400000, Size: 0x52000, Flags: elf.PF_R | elf.PF_X},
		{Addr: 0x651000, Size: 0x1000, Flags: elf.PF_R | elf.PF_W},
		{Addr: 0x652000, Size: 0x3000, Flags: elf.PF_R | elf.PF_W},
		{Addr: 0x7ffc34567000, Size: 0x21000, Flags: elf.PF_R | elf.PF_W},
		{Addr: 0x7ffc345fd000, Size: 0x2000, Flags: elf.PF_R | elf.PF_X},
	}
	if diff := cmp.Diff(wantSegs, segments(m)); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}

	wantFiles := []core.Mapping{
		{Start: 0x400000, End: 0x452000, Name: "/usr/bin/dbus-daemon"},
		{Start: 0x651000, End: 0x652000, Offset: 0x51000, Name: "/usr/bin/dbus-daemon"},
	}
	if diff := cmp.Diff(wantFiles, fileMappings(m)); diff != "" {
		t.Errorf("file mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMapsErrors(t *testing.T) {
	for _, in := range []string{
		"00400000 r-xp 00000000 08:02 173521 /bin/true\n",
		"0040000g-00452000 r-xp 00000000 08:02 173521 /bin/true\n",
		"00400000-00452000 r- 00000000 08:02 173521 /bin/true\n",
		"00400000-00452000 r-xp zz 08:02 173521 /bin/true\n",
		"00400000-00452000 r-xp\n",
	} {
		if _, err := parseMaps([]byte(in)); err == nil {
			t.Errorf("%q: expected an error", in)
		}
	}
}

func TestQueryFor(t *testing.T) {
	testCases := []struct {
		goarch, goos string
		want         arch.Query
	}{
		{"amd64", "linux", arch.Query{Family: "amd64", ByteOrder: binary.LittleEndian, OSABI: arch.OSABILinux}},
		{"386", "freebsd", arch.Query{Family: "i386", ByteOrder: binary.LittleEndian, OSABI: arch.OSABIFreeBSD}},
		{"arm64", "darwin", arch.Query{Family: "aarch64", ByteOrder: binary.LittleEndian, OSABI: arch.OSABIUnknown}},
		{"ppc64", "linux", arch.Query{Family: "powerpc", Variant: "64", ByteOrder: binary.BigEndian, OSABI: arch.OSABILinux}},
		{"mipsle", "linux", arch.Query{Family: "mips", Variant: "o32", ByteOrder: binary.LittleEndian, OSABI: arch.OSABILinux}},
		{"mips64", "openbsd", arch.Query{Family: "mips", Variant: "n64", ByteOrder: binary.BigEndian, OSABI: arch.OSABIOpenBSD}},
	}
	for _, tc := range testCases {
		got, err := queryFor(tc.goarch, tc.goos)
		if err != nil {
			t.Errorf("%s/%s: %v", tc.goos, tc.goarch, err)
			continue
		}
		if got.String() != tc.want.String() {
			t.Errorf("%s/%s: got %v, want %v", tc.goos, tc.goarch, got, tc.want)
		}
	}
	if _, err := queryFor("wasm", "js"); err == nil {
		t.Error("expected an error for wasm")
	}
}
