// Package all registers every supported architecture.
package all

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/config"
	"github.com/go-delve/unwind/pkg/frame"
	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/tdep"
	"github.com/go-delve/unwind/pkg/tdep/aarch64"
	"github.com/go-delve/unwind/pkg/tdep/amd64"
	"github.com/go-delve/unwind/pkg/tdep/arm"
	"github.com/go-delve/unwind/pkg/tdep/hppa"
	"github.com/go-delve/unwind/pkg/tdep/i386"
	"github.com/go-delve/unwind/pkg/tdep/m32r"
	"github.com/go-delve/unwind/pkg/tdep/mips64"
	"github.com/go-delve/unwind/pkg/tdep/mn10300"
	"github.com/go-delve/unwind/pkg/tdep/ppc"
	"github.com/go-delve/unwind/pkg/tdep/sparc"
	"github.com/go-delve/unwind/pkg/tradframe"
	"github.com/go-delve/unwind/pkg/tramp"
)

var families = []func(*arch.Registry, tdep.Options){
	aarch64.Register,
	amd64.Register,
	arm.Register,
	hppa.Register,
	i386.Register,
	m32r.Register,
	mips64.Register,
	mn10300.Register,
	ppc.Register,
	sparc.Register,
}

// Register adds all architecture families to r.
func Register(r *arch.Registry, opts tdep.Options) {
	for _, register := range families {
		register(r, opts)
	}
}

// NewRegistry returns a registry containing all architecture families,
// configured by cfg.
func NewRegistry(cfg *config.Config) (*arch.Registry, error) {
	opts := tdep.Options{HPPAStubHeuristic: cfg.HPPAStubHeuristic}
	if len(cfg.ExtraTrampolines) > 0 {
		opts.ExtraTrampolines = make(map[string][]*tramp.Descriptor)
	}
	for _, s := range cfg.ExtraTrampolines {
		d, err := Trampoline(s)
		if err != nil {
			return nil, err
		}
		opts.ExtraTrampolines[s.Family] = append(opts.ExtraTrampolines[s.Family], d)
	}
	r := arch.NewRegistry(cfg.CacheSize())
	Register(r, opts)
	known := make(map[string]bool)
	for _, f := range r.Families() {
		known[f] = true
	}
	for fam := range opts.ExtraTrampolines {
		if !known[fam] {
			return nil, fmt.Errorf("extra trampolines for unknown architecture %q", fam)
		}
	}
	return r, nil
}

// Trampoline converts a user defined trampoline.
func Trampoline(s config.TrampolineSpec) (*tramp.Descriptor, error) {
	insns, err := ParsePattern(s.Pattern, s.InsnSize)
	if err != nil {
		return nil, fmt.Errorf("trampoline %s: %v", s.Name, err)
	}
	d := &tramp.Descriptor{
		Name:     s.Name,
		Kind:     frame.SigtrampFrame,
		InsnSize: s.InsnSize,
		Insns:    insns,
		Init:     specInit(s),
	}
	if s.Kind == "stub" {
		d.Kind = frame.StubFrame
	}
	if err := d.Check(); err != nil {
		return nil, err
	}
	return d, nil
}

// ParsePattern parses a list of hexadecimal instruction words separated by
// spaces. A word can be followed by /mask, to match only some of its bits.
func ParsePattern(s string, insnSize int) ([]tramp.Insn, error) {
	if insnSize <= 0 || insnSize > tramp.MaxInsnSize {
		return nil, fmt.Errorf("instruction size %d out of range", insnSize)
	}
	limit := ^uint64(0)
	if insnSize < 8 {
		limit = 1<<(8*uint(insnSize)) - 1
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty pattern")
	}
	if len(fields) >= tramp.MaxInsns {
		return nil, fmt.Errorf("pattern longer than %d instructions", tramp.MaxInsns-1)
	}
	insns := make([]tramp.Insn, 0, len(fields)+1)
	for _, field := range fields {
		bits, mask := field, ""
		if i := strings.IndexByte(field, '/'); i >= 0 {
			bits, mask = field[:i], field[i+1:]
		}
		in := tramp.Insn{Mask: limit}
		var err error
		if in.Bits, err = parseHex(bits, limit); err != nil {
			return nil, err
		}
		if mask != "" {
			if in.Mask, err = parseHex(mask, limit); err != nil {
				return nil, err
			}
		}
		if in.Bits&^in.Mask != 0 {
			return nil, fmt.Errorf("%s: bits outside of the mask", field)
		}
		insns = append(insns, in)
	}
	return append(insns, tramp.Sentinel), nil
}

func parseHex(s string, limit uint64) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("bad instruction word %q", s)
	}
	if v > limit {
		return 0, fmt.Errorf("instruction word %q too large", s)
	}
	return v, nil
}

func regnum(a frame.Arch, name string) (int, bool) {
	for i := 0; i < a.NumRegs(); i++ {
		if a.RegName(i) == name {
			return i, true
		}
	}
	return 0, false
}

// specInit reads the registers of the caller from the block described by
// the sigcontext and registers of s. Register names are resolved against
// the architecture of the frame, unknown names are logged and ignored.
func specInit(s config.TrampolineSpec) tramp.InitFunc {
	return func(fr *frame.Frame, c *tradframe.Cache, fn uint64) {
		a := fr.Arch()
		logger := logflags.UnwindLogger()
		base := a.SPRegnum()
		if s.Sigcontext.Register != "" {
			reg, ok := regnum(a, s.Sigcontext.Register)
			if !ok {
				logger.Warnf("trampoline %s: unknown register %q", s.Name, s.Sigcontext.Register)
				return
			}
			base = reg
		}
		v, err := fr.RegisterUint64(base)
		if err != nil {
			logger.Debugf("trampoline %s in frame #%d: %v", s.Name, fr.Level(), err)
			for reg := 0; reg < c.NumRegs(); reg++ {
				c.SetUnknown(reg)
			}
			return
		}
		addr := v + s.Sigcontext.Offset
		for name, off := range s.Registers {
			reg, ok := regnum(a, name)
			if !ok {
				logger.Warnf("trampoline %s: unknown register %q", s.Name, name)
				continue
			}
			c.SetMemory(reg, addr+uint64(off))
		}
	}
}
