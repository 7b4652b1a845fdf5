// Package native stops a live process with ptrace and exposes its threads
// and memory the same way a core file is exposed by package core.
package native

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/tdep/mips64"
)

// ErrNotSupported is returned by Attach on operating systems other than
// Linux.
var ErrNotSupported = errors.New("attaching to processes is not supported on " + runtime.GOOS)

type hostArch struct {
	family  string
	variant string
	order   binary.ByteOrder
}

var hostArchs = map[string]hostArch{
	"amd64":    {"amd64", "", binary.LittleEndian},
	"386":      {"i386", "", binary.LittleEndian},
	"arm":      {"arm", "", binary.LittleEndian},
	"arm64":    {"aarch64", "", binary.LittleEndian},
	"ppc64":    {"powerpc", "64", binary.BigEndian},
	"mips":     {"mips", mips64.O32, binary.BigEndian},
	"mipsle":   {"mips", mips64.O32, binary.LittleEndian},
	"mips64":   {"mips", mips64.N64, binary.BigEndian},
	"mips64le": {"mips", mips64.N64, binary.LittleEndian},
}

// HostQuery returns the architecture query describing the processes of the
// machine this program runs on.
func HostQuery() (arch.Query, error) {
	return queryFor(runtime.GOARCH, runtime.GOOS)
}

func queryFor(goarch, goos string) (arch.Query, error) {
	h, ok := hostArchs[goarch]
	if !ok {
		return arch.Query{}, fmt.Errorf("unsupported architecture %s", goarch)
	}
	osabi, err := arch.ParseOSABI(goos)
	if err != nil {
		osabi = arch.OSABIUnknown
	}
	return arch.Query{Family: h.family, Variant: h.variant, ByteOrder: h.order, OSABI: osabi}, nil
}
