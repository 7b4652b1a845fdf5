package core

import (
	"debug/elf"
	"fmt"

	"github.com/go-delve/unwind/pkg/arch"
)

const efMIPSABI2 = 0x20

type machine struct {
	family  string
	variant string
}

var machines = map[elf.Machine]machine{
	elf.EM_X86_64:      {"amd64", ""},
	elf.EM_386:         {"i386", ""},
	elf.EM_ARM:         {"arm", ""},
	elf.EM_AARCH64:     {"aarch64", ""},
	elf.EM_PPC:         {"powerpc", ""},
	elf.EM_PPC64:       {"powerpc", "64"},
	elf.EM_SPARC:       {"sparc", ""},
	elf.EM_SPARC32PLUS: {"sparc", ""},
	elf.EM_SPARCV9:     {"sparc", "v9"},
	elf.EM_PARISC:      {"hppa", ""},
	elf.EM_M32R:        {"m32r", ""},
	elf.EM_MN10300:     {"mn10300", ""},
	elf.EM_MIPS:        {"mips", ""},
}

// queryFor returns the architecture query describing an ELF file with the
// given header and processor flags.
func queryFor(hdr *elf.FileHeader, flags uint32, osabi arch.OSABI) (arch.Query, error) {
	m, ok := machines[hdr.Machine]
	if !ok {
		return arch.Query{}, fmt.Errorf("unsupported machine type %v", hdr.Machine)
	}
	q := arch.Query{Family: m.family, Variant: m.variant, ByteOrder: hdr.ByteOrder, OSABI: osabi}
	if hdr.Machine == elf.EM_MIPS {
		switch {
		case hdr.Class == elf.ELFCLASS64:
			q.Variant = "n64"
		case flags&efMIPSABI2 != 0:
			q.Variant = "n32"
		default:
			q.Variant = "o32"
		}
	}
	return q, nil
}

// machineFor is the inverse of queryFor, it returns the machine and the
// processor flags to write in the header of a core file of d.
func machineFor(d *arch.Descriptor) (elf.Machine, uint32, error) {
	for em, m := range machines {
		if m.family != d.Family() || em == elf.EM_SPARC32PLUS {
			continue
		}
		if em == elf.EM_MIPS {
			if d.Variant() == "n32" {
				return em, efMIPSABI2, nil
			}
			return em, 0, nil
		}
		if m.variant == d.Variant() {
			return em, 0, nil
		}
	}
	return elf.EM_NONE, 0, fmt.Errorf("%s: no ELF machine", d.Name())
}

var elfOSABIs = map[elf.OSABI]arch.OSABI{
	elf.ELFOSABI_LINUX:   arch.OSABILinux,
	elf.ELFOSABI_HPUX:    arch.OSABIHPUX,
	elf.ELFOSABI_NETBSD:  arch.OSABINetBSD,
	elf.ELFOSABI_FREEBSD: arch.OSABIFreeBSD,
	elf.ELFOSABI_OPENBSD: arch.OSABIOpenBSD,
	elf.ELFOSABI_SOLARIS: arch.OSABISolaris,
}

// noteOSABIs maps the names of the notes written by the kernel that
// produced a core file to its OS ABI.
var noteOSABIs = map[string]arch.OSABI{
	"CORE":        arch.OSABILinux,
	"LINUX":       arch.OSABILinux,
	"NetBSD-CORE": arch.OSABINetBSD,
	"FreeBSD":     arch.OSABIFreeBSD,
	"OpenBSD":     arch.OSABIOpenBSD,
}

// osabiOf returns the OS ABI of a core file, from its header or, if the
// header does not say, from the names of its notes.
func osabiOf(hdr *elf.FileHeader, notes []*note, def arch.OSABI) arch.OSABI {
	if o, ok := elfOSABIs[hdr.OSABI]; ok {
		return o
	}
	for _, n := range notes {
		if o, ok := noteOSABIs[n.Name]; ok {
			return o
		}
	}
	return def
}

func elfOSABI(o arch.OSABI) elf.OSABI {
	for eo, ao := range elfOSABIs {
		if ao == o {
			return eo
		}
	}
	return elf.ELFOSABI_NONE
}
