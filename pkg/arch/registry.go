// Package arch implements the architecture registry: per-family factories
// build immutable architecture descriptors on demand and the registry
// caches them.
package arch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/unwind/pkg/logflags"
)

// DefaultCacheSize is the number of descriptors kept by a registry created
// with a non positive size.
const DefaultCacheSize = 32

// ErrNoMatch is returned by Select when no architecture matches a query.
var ErrNoMatch = errors.New("no matching architecture")

// Query describes the architecture wanted by a client.
type Query struct {
	Family    string
	Variant   string
	ByteOrder binary.ByteOrder
	OSABI     OSABI
}

func (q Query) String() string {
	s := q.Family
	if q.Variant != "" {
		s += ":" + q.Variant
	}
	order := "default"
	if q.ByteOrder != nil {
		order = q.ByteOrder.String()
	}
	return fmt.Sprintf("%s/%s/%v", s, order, q.OSABI)
}

type queryKey struct {
	family, variant, order string
	osabi                  OSABI
}

func (q Query) key() queryKey {
	k := queryKey{family: q.Family, variant: q.Variant, osabi: q.OSABI}
	if q.ByteOrder != nil {
		k.order = q.ByteOrder.String()
	}
	return k
}

// InitFunc creates the descriptor for q, or returns one of the cached
// descriptors of the same family if it is equivalent. cached is ordered
// from the most to the least recently used. Returning a nil descriptor
// and a nil error declines the query.
type InitFunc func(q Query, cached []*Descriptor) (*Descriptor, error)

// DumpFunc writes the architecture specific data of d to w.
type DumpFunc func(d *Descriptor, w io.Writer)

type factory struct {
	family string
	init   InitFunc
	dump   DumpFunc
}

// Registry owns the architecture factories and the descriptors they
// created. It is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	factories map[string]*factory
	names     *trie.Trie
	cache     *lru.Cache
	refs      map[*Descriptor]int
}

// NewRegistry returns an empty registry keeping at most size descriptors.
func NewRegistry(size int) *Registry {
	if size <= 0 {
		size = DefaultCacheSize
	}
	r := &Registry{
		factories: map[string]*factory{},
		names:     trie.New(),
		refs:      map[*Descriptor]int{},
	}
	cache, err := lru.NewWithEvict(size, r.evicted)
	if err != nil {
		panic(err)
	}
	r.cache = cache
	return r
}

// evicted is called by the cache with r.mu held.
func (r *Registry) evicted(key, value interface{}) {
	d := value.(*Descriptor)
	r.refs[d]--
	if r.refs[d] > 0 {
		return
	}
	delete(r.refs, d)
	if logflags.Arch() {
		logflags.ArchLogger().Debugf("evicting %s, releasing %d bytes", d, d.arena.Bytes())
	}
	d.arena.Release()
}

// Register adds the factory of an architecture family. dump can be nil.
// Registering the same family twice panics.
func (r *Registry) Register(family string, init InitFunc, dump DumpFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[family]; dup {
		panic(fmt.Sprintf("arch: family %q registered twice", family))
	}
	r.factories[family] = &factory{family: family, init: init, dump: dump}
	r.names.Add(family, nil)
}

// Families returns the registered family names, sorted.
func (r *Registry) Families() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Complete returns the registered family names starting with prefix,
// sorted.
func (r *Registry) Complete(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prefix == "" {
		names := r.names.Keys()
		sort.Strings(names)
		return names
	}
	names := r.names.PrefixSearch(prefix)
	sort.Strings(names)
	return names
}

// Cached returns the cached descriptors, from the most to the least
// recently used, each one listed once.
func (r *Registry) Cached() []*Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cachedLocked("")
}

func (r *Registry) cachedLocked(family string) []*Descriptor {
	keys := r.cache.Keys()
	var ds []*Descriptor
	seen := map[*Descriptor]bool{}
	for i := len(keys) - 1; i >= 0; i-- {
		v, ok := r.cache.Peek(keys[i])
		if !ok {
			continue
		}
		d := v.(*Descriptor)
		if seen[d] || (family != "" && d.query.Family != family) {
			continue
		}
		seen[d] = true
		ds = append(ds, d)
	}
	return ds
}

// Select returns the descriptor matching q, creating it if necessary.
// Existing descriptors are never modified. If no factory recognizes q the
// returned error wraps ErrNoMatch.
func (r *Registry) Select(q Query) (*Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logger := logflags.ArchLogger()

	key := q.key()
	if v, ok := r.cache.Get(key); ok {
		if logflags.Arch() {
			logger.Debugf("select %v: cached %s", q, v.(*Descriptor))
		}
		return v.(*Descriptor), nil
	}

	f := r.factories[q.Family]
	if f == nil {
		return nil, fmt.Errorf("%v: %w", q, ErrNoMatch)
	}
	cached := r.cachedLocked(q.Family)
	d, err := f.init(q, cached)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", q, err)
	}
	if d == nil {
		return nil, fmt.Errorf("%v: %w", q, ErrNoMatch)
	}
	reused := false
	for _, c := range cached {
		if c == d {
			reused = true
			break
		}
	}
	if !reused {
		if !d.chain.Frozen() {
			panic(fmt.Sprintf("arch: factory for %s returned an unfinished descriptor", q.Family))
		}
		if d.dump == nil {
			d.dump = f.dump
		}
	}
	if logflags.Arch() {
		if reused {
			logger.Debugf("select %v: reusing %s", q, d)
		} else {
			logger.Debugf("select %v: created %s", q, d)
		}
	}
	r.refs[d]++
	r.cache.Add(key, d)
	return d, nil
}
