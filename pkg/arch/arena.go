package arch

const arenaChunkSize = 4096

// Arena allocates the per-architecture data of a descriptor. Everything
// allocated from it lives as long as the descriptor and is dropped at once
// when the descriptor is evicted from its registry.
type Arena struct {
	chunks   [][]byte
	large    [][]byte
	off      int
	objs     []any
	bytes    int
	released bool
}

func (a *Arena) live() {
	if a.released {
		panic("arch: allocation from a released arena")
	}
}

// Alloc returns n zeroed bytes, aligned to 8 bytes within the arena.
func (a *Arena) Alloc(n int) []byte {
	a.live()
	if n > arenaChunkSize/4 {
		buf := make([]byte, n)
		a.large = append(a.large, buf)
		a.bytes += n
		return buf
	}
	a.off = (a.off + 7) &^ 7
	if len(a.chunks) == 0 || a.off+n > arenaChunkSize {
		a.chunks = append(a.chunks, make([]byte, arenaChunkSize))
		a.off = 0
	}
	chunk := a.chunks[len(a.chunks)-1]
	buf := chunk[a.off : a.off+n : a.off+n]
	a.off += n
	a.bytes += n
	return buf
}

// New allocates a zero T owned by a.
func New[T any](a *Arena) *T {
	a.live()
	p := new(T)
	a.objs = append(a.objs, p)
	return p
}

// Bytes returns the number of bytes allocated with Alloc.
func (a *Arena) Bytes() int {
	return a.bytes
}

// Objects returns the number of objects allocated with New.
func (a *Arena) Objects() int {
	return len(a.objs)
}

// Release drops everything allocated from a. Allocating from a released
// arena panics.
func (a *Arena) Release() {
	a.chunks = nil
	a.large = nil
	a.objs = nil
	a.off = 0
	a.bytes = 0
	a.released = true
}

// Released returns true after Release has been called.
func (a *Arena) Released() bool {
	return a.released
}
