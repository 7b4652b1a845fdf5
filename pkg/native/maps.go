package native

import (
	"debug/elf"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-delve/unwind/pkg/core"
)

// memoryMapEntry represent a memory mapping in the target process.
type memoryMapEntry struct {
	Addr uint64
	Size uint64

	Read, Write, Exec bool

	Filename string
	Offset   uint64
}

// parseMaps parses the contents of /proc/pid/smaps, or of /proc/pid/maps
// which has the same format without the detail lines.
func parseMaps(smapsbuf []byte) ([]memoryMapEntry, error) {
	const VmFlagsPrefix = "VmFlags:"

	smapsLines := strings.Split(string(smapsbuf), "\n")
	r := make([]memoryMapEntry, 0)

smapsLinesLoop:
	for i := 0; i < len(smapsLines); {
		line := smapsLines[i]
		if line == "" {
			i++
			continue
		}
		start, end, perm, offset, dev, filename, err := parseSmapsHeaderLine(i+1, line)
		if err != nil {
			return nil, err
		}
		var vmflags []string
		for i++; i < len(smapsLines); i++ {
			line := smapsLines[i]
			if line == "" || line[0] < 'A' || line[0] > 'Z' {
				break
			}
			if strings.HasPrefix(line, VmFlagsPrefix) {
				vmflags = strings.Split(strings.TrimSpace(line[len(VmFlagsPrefix):]), " ")
			}
		}

		for i := range vmflags {
			switch vmflags[i] {
			case "pf":
				// pure PFN range
				continue smapsLinesLoop
			case "dd":
				// "don't dump"
				continue smapsLinesLoop
			case "io":
				continue smapsLinesLoop
			}
		}
		if strings.HasPrefix(dev, "00:") {
			filename = ""
			offset = 0
		}

		r = append(r, memoryMapEntry{
			Addr: start,
			Size: end - start,

			Read:  perm[0] == 'r',
			Write: perm[1] == 'w',
			Exec:  perm[2] == 'x',

			Filename: filename,
			Offset:   offset,
		})

	}
	return r, nil
}

func parseSmapsHeaderLine(lineno int, in string) (start, end uint64, perm string, offset uint64, dev, filename string, err error) {
	fields := strings.SplitN(in, " ", 6)
	if len(fields) == 5 {
		// anonymous mappings in /proc/pid/maps may have no name column
		fields = append(fields, "")
	}
	if len(fields) != 6 {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (wrong number of fields)", lineno, in)
		return
	}

	v := strings.Split(fields[0], "-")
	if len(v) != 2 {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (bad first field)", lineno, in)
		return
	}
	start, err = strconv.ParseUint(v[0], 16, 64)
	if err != nil {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
		return
	}
	end, err = strconv.ParseUint(v[1], 16, 64)
	if err != nil {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
		return
	}

	perm = fields[1]
	if len(perm) < 4 {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (permissions column too short)", lineno, in)
		return
	}

	offset, err = strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
		return
	}

	dev = fields[3]

	// fields[4] -> inode

	filename = strings.TrimLeft(fields[5], " ")
	return
}

// segments returns the readable mappings in m, as written to core files.
func segments(m []memoryMapEntry) []core.Segment {
	var r []core.Segment
	for _, e := range m {
		if !e.Read {
			continue
		}
		seg := core.Segment{Addr: e.Addr, Size: e.Size, Flags: elf.PF_R}
		if e.Write {
			seg.Flags |= elf.PF_W
		}
		if e.Exec {
			seg.Flags |= elf.PF_X
		}
		r = append(r, seg)
	}
	return r
}

// fileMappings returns the file backed mappings in m.
func fileMappings(m []memoryMapEntry) []core.Mapping {
	var r []core.Mapping
	for _, e := range m {
		if e.Filename == "" || strings.HasPrefix(e.Filename, "[") {
			continue
		}
		r = append(r, core.Mapping{Start: e.Addr, End: e.Addr + e.Size, Offset: e.Offset, Name: e.Filename})
	}
	return r
}
