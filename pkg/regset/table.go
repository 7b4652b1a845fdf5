package regset

import (
	"errors"
	"fmt"
)

// ErrNoSet is returned by Lookup when no register set has the requested
// section name.
var ErrNoSet = errors.New("no register set for core file section")

// Table is the list of register sets of an architecture. Sets with the same
// name are told apart by size.
type Table []*Set

// Lookup returns the register set for a core file section called name that
// is size bytes long. A set of exactly that size is preferred, then a
// variable size set, then the largest set that fits in the section. If all
// the sets with that name are larger than the section a *TooSmallError is
// returned.
func (t Table) Lookup(name string, size int) (*Set, error) {
	var variable, fits, smallest *Set
	for _, s := range t {
		if s.Name != name {
			continue
		}
		switch {
		case s.Size == size:
			return s, nil
		case s.Flags&FlagVariableSize != 0:
			if variable == nil {
				variable = s
			}
		case s.Size < size:
			if fits == nil || s.Size > fits.Size {
				fits = s
			}
		default:
			if smallest == nil || s.Size < smallest.Size {
				smallest = s
			}
		}
	}
	switch {
	case variable != nil:
		return variable, nil
	case fits != nil:
		return fits, nil
	case smallest != nil:
		return nil, &TooSmallError{Set: name, Want: smallest.Size, Got: size}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNoSet)
}

// Names returns the distinct section names in t, in order.
func (t Table) Names() []string {
	var names []string
	seen := map[string]bool{}
	for _, s := range t {
		if !seen[s.Name] {
			seen[s.Name] = true
			names = append(names, s.Name)
		}
	}
	return names
}
