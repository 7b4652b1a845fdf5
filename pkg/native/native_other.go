//go:build !linux

package native

import (
	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/core"
)

// Process is a live process stopped by Attach.
type Process struct {
	*core.Process
}

// Attach is not supported on this operating system.
func Attach(r *arch.Registry, pid int) (*Process, error) {
	return nil, ErrNotSupported
}

// Detach does nothing.
func (dbp *Process) Detach() error {
	return nil
}

// Segments is not supported on this operating system.
func (dbp *Process) Segments() ([]core.Segment, error) {
	return nil, ErrNotSupported
}
