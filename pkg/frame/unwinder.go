package frame

import (
	"fmt"

	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/tradframe"
)

// Kind is the kind of a frame, as decided by the unwinder that recognized
// it.
type Kind uint8

const (
	// NormalFrame is the activation record of a compiled function.
	NormalFrame Kind = iota
	// SigtrampFrame is a signal trampoline; the registers of its caller are
	// those of the interrupted code.
	SigtrampFrame
	// StubFrame is a linker or import stub.
	StubFrame
	// SentinelFrame is the pseudo-frame wrapping the register cache.
	SentinelFrame
)

func (k Kind) String() string {
	switch k {
	case NormalFrame:
		return "normal"
	case SigtrampFrame:
		return "sigtramp"
	case StubFrame:
		return "stub"
	case SentinelFrame:
		return "sentinel"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Unwinder recognizes a kind of frame and computes where the registers of
// its caller were saved.
type Unwinder interface {
	// Name identifies the unwinder in logs and backtraces.
	Name() string
	// Kind is the kind of frames this unwinder commits to.
	Kind() Kind
	// Sniff either declines fr, returning false, or returns a populated and
	// sealed register location cache for the caller of fr.
	Sniff(fr *Frame) (*tradframe.Cache, bool)
}

// SniffFunc is the signature of the sniff method of an Unwinder.
type SniffFunc func(fr *Frame) (*tradframe.Cache, bool)

type funcUnwinder struct {
	name  string
	kind  Kind
	sniff SniffFunc
}

// NewUnwinder returns an Unwinder calling sniff.
func NewUnwinder(name string, kind Kind, sniff SniffFunc) Unwinder {
	return &funcUnwinder{name: name, kind: kind, sniff: sniff}
}

func (u *funcUnwinder) Name() string { return u.name }
func (u *funcUnwinder) Kind() Kind   { return u.kind }

func (u *funcUnwinder) Sniff(fr *Frame) (*tradframe.Cache, bool) {
	return u.sniff(fr)
}

// Chain is the ordered list of unwinders of an architecture. The first
// unwinder that commits wins. Chains are built during architecture
// initialization and frozen afterwards.
type Chain struct {
	unwinders []Unwinder
	frozen    bool
}

func (c *Chain) mutable() {
	if c.frozen {
		panic("frame: unwinder chain modified after architecture initialization")
	}
}

// Prepend adds u in front of the chain. OS and ABI specific unwinders are
// prepended.
func (c *Chain) Prepend(u Unwinder) {
	c.mutable()
	c.unwinders = append([]Unwinder{u}, c.unwinders...)
}

// Append adds u at the end of the chain. Generic analyzers are appended.
func (c *Chain) Append(u Unwinder) {
	c.mutable()
	c.unwinders = append(c.unwinders, u)
}

// Freeze makes the chain immutable.
func (c *Chain) Freeze() {
	c.frozen = true
}

// Frozen returns true if the chain can no longer be modified.
func (c *Chain) Frozen() bool {
	return c.frozen
}

// Len returns the number of unwinders in the chain.
func (c *Chain) Len() int {
	return len(c.unwinders)
}

// Unwinders returns a copy of the chain.
func (c *Chain) Unwinders() []Unwinder {
	return append([]Unwinder(nil), c.unwinders...)
}

// Unwind walks the chain in order and returns the cache built by the first
// unwinder that recognizes fr.
func (c *Chain) Unwind(fr *Frame) (*tradframe.Cache, Unwinder, bool) {
	logger := logflags.UnwindLogger()
	for _, u := range c.unwinders {
		cache, ok := u.Sniff(fr)
		if !ok {
			continue
		}
		if cache == nil {
			panic(fmt.Sprintf("frame: unwinder %s committed without a cache", u.Name()))
		}
		cache.Seal()
		if logflags.Unwind() {
			pc, _ := fr.PC()
			logger.Debugf("frame #%d pc=%#x: %s committed, id %v", fr.Level(), pc, u.Name(), cache.ID())
		}
		return cache, u, true
	}
	if logflags.Unwind() {
		pc, _ := fr.PC()
		logger.Debugf("frame #%d pc=%#x: no unwinder", fr.Level(), pc)
	}
	return nil, nil, false
}
