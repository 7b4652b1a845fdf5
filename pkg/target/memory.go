package target

import (
	"fmt"
	"sort"
)

// SparseMemory is a MemoryReadWriter backed by a set of non overlapping
// byte regions. Reads that touch an unmapped byte fail.
type SparseMemory struct {
	regions []memRegion
}

type memRegion struct {
	addr uint64
	data []byte
}

func (r *memRegion) end() uint64 {
	return r.addr + uint64(len(r.data))
}

// Map adds a region of memory at addr. Mapping over an existing region
// replaces the overlapped bytes.
func (m *SparseMemory) Map(addr uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	nr := memRegion{addr, append([]byte(nil), data...)}
	var regions []memRegion
	for _, r := range m.regions {
		if r.end() <= nr.addr || nr.end() <= r.addr {
			regions = append(regions, r)
			continue
		}
		if r.addr < nr.addr {
			regions = append(regions, memRegion{r.addr, r.data[:nr.addr-r.addr]})
		}
		if r.end() > nr.end() {
			regions = append(regions, memRegion{nr.end(), r.data[nr.end()-r.addr:]})
		}
	}
	regions = append(regions, nr)
	sort.Slice(regions, func(i, j int) bool { return regions[i].addr < regions[j].addr })
	m.regions = regions
}

func (m *SparseMemory) find(addr uint64) *memRegion {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].end() > addr })
	if i < len(m.regions) && m.regions[i].addr <= addr {
		return &m.regions[i]
	}
	return nil
}

// ReadMemory implements MemoryReader.
func (m *SparseMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	n := 0
	for n < len(buf) {
		r := m.find(addr + uint64(n))
		if r == nil {
			return n, fmt.Errorf("address %#x is not mapped", addr+uint64(n))
		}
		n += copy(buf[n:], r.data[addr+uint64(n)-r.addr:])
	}
	return n, nil
}

// WriteMemory implements MemoryReadWriter. Only mapped bytes can be
// written.
func (m *SparseMemory) WriteMemory(addr uint64, data []byte) (int, error) {
	n := 0
	for n < len(data) {
		r := m.find(addr + uint64(n))
		if r == nil {
			return n, fmt.Errorf("address %#x is not mapped", addr+uint64(n))
		}
		n += copy(r.data[addr+uint64(n)-r.addr:], data[n:])
	}
	return n, nil
}
