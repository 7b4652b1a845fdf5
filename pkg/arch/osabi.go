package arch

import (
	"fmt"
	"strings"
)

// OSABI identifies the operating system and ABI of a target.
type OSABI uint8

const (
	OSABIUnknown OSABI = iota
	OSABINone
	OSABILinux
	OSABIHPUX
	OSABINetBSD
	OSABIFreeBSD
	OSABIOpenBSD
	OSABISolaris
)

var osabiNames = [...]string{
	OSABIUnknown: "unknown",
	OSABINone:    "none",
	OSABILinux:   "linux",
	OSABIHPUX:    "hpux",
	OSABINetBSD:  "netbsd",
	OSABIFreeBSD: "freebsd",
	OSABIOpenBSD: "openbsd",
	OSABISolaris: "solaris",
}

func (o OSABI) String() string {
	if int(o) < len(osabiNames) {
		return osabiNames[o]
	}
	return fmt.Sprintf("OSABI(%d)", uint8(o))
}

// ParseOSABI returns the OSABI called s, case insensitive.
func ParseOSABI(s string) (OSABI, error) {
	for i, name := range osabiNames {
		if strings.EqualFold(name, s) {
			return OSABI(i), nil
		}
	}
	return OSABIUnknown, fmt.Errorf("unknown OS ABI %q", s)
}

// OSABINames returns the names accepted by ParseOSABI.
func OSABINames() []string {
	return append([]string(nil), osabiNames[:]...)
}

// Set implements pflag.Value.
func (o *OSABI) Set(s string) error {
	v, err := ParseOSABI(s)
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Type implements pflag.Value.
func (o *OSABI) Type() string {
	return "osabi"
}
