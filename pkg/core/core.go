// Package core reads and writes ELF core files. Reading a core file selects
// the architecture that produced it and supplies the registers of each of
// its threads through the architecture's register sets.
package core

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/frame"
	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/regcache"
	"github.com/go-delve/unwind/pkg/regset"
	"github.com/go-delve/unwind/pkg/symbols"
	"github.com/go-delve/unwind/pkg/target"
)

// NT_FILE is file mapping information, e.g. program text mappings.
const _NT_FILE elf.NType = 0x46494c45 // "FILE".

// NT_PRXFPREG holds the i386 SSE registers.
const _NT_PRXFPREG elf.NType = 0x46e62b7f

// NT_X86_XSTATE is other registers, including AVX and such.
const _NT_X86_XSTATE elf.NType = 0x202

// NT_FPREGSET is the note type for floating point registers.
const _NT_FPREGSET elf.NType = 0x2

// sectionNames maps the types of the register notes of a thread to the
// name of the core file section they are exposed as.
var sectionNames = map[elf.NType]string{
	elf.NT_PRSTATUS: ".reg",
	_NT_FPREGSET:    ".reg2",
	_NT_PRXFPREG:    ".reg-xfp",
	_NT_X86_XSTATE:  ".reg-xstate",
}

const elfErrorBadMagicNumber = "bad magic number"

// ErrUnrecognizedFormat is returned when the core file is not recognized as
// any of the supported formats.
var ErrUnrecognizedFormat = errors.New("unrecognized core format")

// Section is a register note of a thread.
type Section struct {
	Name string
	Data []byte
}

// Thread is a thread of a core file or of a live process.
type Thread struct {
	ID int
	// Sections are the register notes of the thread, .reg first.
	Sections []Section
	Regs     *regcache.Regcache
}

// Process is the state of a program read from a core file.
type Process struct {
	Pid     int
	Arch    *arch.Descriptor
	Mem     target.MemoryReader
	Syms    target.SymbolLookup
	Threads []*Thread

	closers []io.Closer
}

// NewProcess returns a process for the given state, closers are closed by
// Close.
func NewProcess(pid int, d *arch.Descriptor, mem target.MemoryReader, syms target.SymbolLookup, threads []*Thread, closers ...io.Closer) *Process {
	return &Process{Pid: pid, Arch: d, Mem: mem, Syms: syms, Threads: threads, closers: closers}
}

// Close releases the files opened by the process.
func (p *Process) Close() error {
	var err error
	for _, c := range p.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	p.closers = nil
	return err
}

// Backtrace unwinds the stack of th, returning at most limit frames if limit
// is positive.
func (p *Process) Backtrace(th *Thread, limit int) ([]*frame.Frame, frame.StopReason) {
	return frame.Backtrace(frame.New(p.Arch, th.Regs.Clone(), p.Mem, p.Syms), limit)
}

// Options configures Open.
type Options struct {
	// ExePath is the executable that produced the core file, it is used for
	// symbols and for the memory that is not in the core file. It can be
	// empty.
	ExePath string
	// DefaultOSABI is used when the core file does not say which operating
	// system produced it.
	DefaultOSABI arch.OSABI
}

// Open reads the core file at corePath. The architecture is selected from r
// using the machine type, class and byte order of the core file.
// For details on the Linux ELF core format, see:
// http://www.gabriel.urdhr.fr/2015/05/29/core-file/,
// elf_core_dump in http://lxr.free-electrons.com/source/fs/binfmt_elf.c,
// and, if absolutely desperate, readelf.c from the binutils source.
func Open(r *arch.Registry, corePath string, opts Options) (p *Process, err error) {
	logger := logflags.CoreLogger()
	var closers []io.Closer
	defer func() {
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
		}
	}()
	coreFd, err := os.Open(corePath)
	if err != nil {
		return nil, err
	}
	closers = append(closers, coreFd)
	coreFile, err := elf.NewFile(coreFd)
	if err != nil {
		if _, isfmterr := err.(*elf.FormatError); isfmterr && (strings.Contains(err.Error(), elfErrorBadMagicNumber) || strings.Contains(err.Error(), " at offset 0x0: too short")) {
			return nil, ErrUnrecognizedFormat
		}
		return nil, err
	}
	if coreFile.Type != elf.ET_CORE {
		return nil, fmt.Errorf("%s is not a core file", corePath)
	}

	var exe *os.File
	var exeELF *elf.File
	if opts.ExePath != "" {
		exe, err = os.Open(opts.ExePath)
		if err != nil {
			return nil, err
		}
		closers = append(closers, exe)
		exeELF, err = elf.NewFile(exe)
		if err != nil {
			return nil, err
		}
		if exeELF.Type != elf.ET_EXEC && exeELF.Type != elf.ET_DYN {
			return nil, fmt.Errorf("%s is not an exe file", opts.ExePath)
		}
		if exeELF.Machine != coreFile.Machine {
			return nil, fmt.Errorf("%s is for %v, core file is for %v", opts.ExePath, exeELF.Machine, coreFile.Machine)
		}
	}

	notes, err := readNotes(coreFile)
	if err != nil {
		return nil, err
	}
	flags, err := headerFlags(coreFd, &coreFile.FileHeader)
	if err != nil {
		return nil, err
	}
	q, err := queryFor(&coreFile.FileHeader, flags, osabiOf(&coreFile.FileHeader, notes, opts.DefaultOSABI))
	if err != nil {
		return nil, err
	}
	d, err := r.Select(q)
	if err != nil {
		return nil, err
	}
	if logflags.Core() {
		logger.Debugf("%s: %d notes, architecture %s", corePath, len(notes), d)
	}

	threads, err := threadsFromNotes(coreFile.Class, coreFile.ByteOrder, notes)
	if err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		return nil, fmt.Errorf("%s: no threads", corePath)
	}
	for _, th := range threads {
		if err := th.Supply(d); err != nil {
			return nil, err
		}
	}

	files := fileMappings(coreFile.Class, coreFile.ByteOrder, notes)
	var syms target.SymbolLookup
	var bias uint64
	if exeELF != nil {
		bias = LoadBias(exeELF, opts.ExePath, files)
		tab, err := symbols.FromELF(exeELF, bias)
		switch {
		case err == nil:
			syms = tab
		case errors.Is(err, elf.ErrNoSymbols):
			logger.Warnf("%s: no symbols", opts.ExePath)
		default:
			return nil, err
		}
	}
	mem := buildMemory(coreFile, exeELF, exe, opts.ExePath, bias, files)

	return NewProcess(threads[0].ID, d, mem, syms, threads, closers...), nil
}

// Supply decodes the register notes of th into a new register cache of d.
// Notes without a matching register set are ignored, notes shorter than
// their register set are an error.
func (th *Thread) Supply(d *arch.Descriptor) error {
	logger := logflags.CoreLogger()
	th.Regs = regcache.New(d)
	for _, s := range th.Sections {
		set, err := d.RegsetFromCoreSection(s.Name, len(s.Data))
		if err != nil {
			if s.Name == ".reg" || !(errors.Is(err, regset.ErrNoSet) || errors.Is(err, arch.ErrNotSupported)) {
				return fmt.Errorf("thread %d: %w", th.ID, err)
			}
			if logflags.Core() {
				logger.Debugf("thread %d: %v", th.ID, err)
			}
			continue
		}
		if err := set.Supply(th.Regs, regset.AllRegs, s.Data); err != nil {
			return fmt.Errorf("thread %d: %w", th.ID, err)
		}
	}
	return nil
}

// headerFlags returns e_flags, which debug/elf does not expose.
func headerFlags(r io.ReaderAt, hdr *elf.FileHeader) (uint32, error) {
	off := int64(48)
	if hdr.Class == elf.ELFCLASS32 {
		off = 36
	}
	var buf [4]byte
	if _, err := r.ReadAt(buf[:], off); err != nil {
		return 0, fmt.Errorf("reading e_flags: %v", err)
	}
	return hdr.ByteOrder.Uint32(buf[:]), nil
}

// note is a note from the PT_NOTE prog.
type note struct {
	Type elf.NType
	Name string
	Desc []byte
}

type elfNotesHdr struct {
	Namesz uint32
	Descsz uint32
	Type   uint32
}

// readNotes reads all the notes from the notes progs in core.
func readNotes(core *elf.File) ([]*note, error) {
	notes := []*note{}
	for _, prog := range core.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		r := prog.Open()
		for {
			note, err := readNote(r, core.ByteOrder)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			notes = append(notes, note)
		}
	}
	return notes, nil
}

// readNote reads a single note from r.
func readNote(r io.ReadSeeker, order binary.ByteOrder) (*note, error) {
	// Notes are laid out as described in the SysV ABI:
	// http://www.sco.com/developers/gabi/latest/ch5.pheader.html#note_section
	note := &note{}
	hdr := &elfNotesHdr{}

	err := binary.Read(r, order, hdr)
	if err != nil {
		return nil, err // don't wrap so readNotes sees EOF.
	}
	note.Type = elf.NType(hdr.Type)

	name := make([]byte, hdr.Namesz)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, fmt.Errorf("reading name: %v", err)
	}
	note.Name = string(bytes.TrimRight(name, "\x00"))
	if err := skipPadding(r, 4); err != nil {
		return nil, fmt.Errorf("aligning after name: %v", err)
	}
	note.Desc = make([]byte, hdr.Descsz)
	if _, err := io.ReadFull(r, note.Desc); err != nil {
		return nil, fmt.Errorf("reading desc: %v", err)
	}
	if err := skipPadding(r, 4); err != nil {
		return nil, fmt.Errorf("aligning after desc: %v", err)
	}
	return note, nil
}

// skipPadding moves r to the next multiple of pad.
func skipPadding(r io.ReadSeeker, pad int64) error {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if pos%pad == 0 {
		return nil
	}
	if _, err := r.Seek(pad-(pos%pad), io.SeekCurrent); err != nil {
		return err
	}
	return nil
}

// prstatusLayout describes struct elf_prstatus for a word size: the offset
// of pr_pid, of pr_reg, and the size of pr_fpvalid with its padding.
type prstatusLayout struct {
	pid, reg, fpvalid int
}

func prstatusFor(class elf.Class) prstatusLayout {
	if class == elf.ELFCLASS64 {
		return prstatusLayout{pid: 32, reg: 112, fpvalid: 8}
	}
	return prstatusLayout{pid: 24, reg: 72, fpvalid: 4}
}

// threadsFromNotes returns the threads described by the NT_PRSTATUS notes,
// with the register notes following each one.
func threadsFromNotes(class elf.Class, order binary.ByteOrder, notes []*note) ([]*Thread, error) {
	layout := prstatusFor(class)
	var threads []*Thread
	var last *Thread
	for _, n := range notes {
		if n.Name != "CORE" && n.Name != "LINUX" {
			continue
		}
		name, ok := sectionNames[n.Type]
		if !ok {
			continue
		}
		if n.Type == elf.NT_PRSTATUS {
			if len(n.Desc) < layout.reg+layout.fpvalid {
				return nil, fmt.Errorf("NT_PRSTATUS note too short (%d bytes)", len(n.Desc))
			}
			last = &Thread{
				ID:       int(int32(order.Uint32(n.Desc[layout.pid:]))),
				Sections: []Section{{name, n.Desc[layout.reg : len(n.Desc)-layout.fpvalid]}},
			}
			threads = append(threads, last)
			continue
		}
		if last == nil {
			return nil, fmt.Errorf("%v note before NT_PRSTATUS", n.Type)
		}
		last.Sections = append(last.Sections, Section{name, n.Desc})
	}
	return threads, nil
}

// Mapping is a file mapped in the address space of a process.
type Mapping struct {
	Start, End uint64
	// Offset is the offset in the file of the byte mapped at Start.
	Offset uint64
	Name   string
}

// fileMappings decodes the NT_FILE note: a count and a page size, followed
// by count (start, end, page offset) triples and then count file names,
// each terminated by a NUL.
func fileMappings(class elf.Class, order binary.ByteOrder, notes []*note) []Mapping {
	ws := 8
	if class == elf.ELFCLASS32 {
		ws = 4
	}
	word := func(b []byte, i int) uint64 {
		return target.DecodeUint(order, b[i*ws:(i+1)*ws])
	}
	var r []Mapping
	for _, n := range notes {
		if n.Type != _NT_FILE || len(n.Desc) < 2*ws {
			continue
		}
		count, pageSize := word(n.Desc, 0), word(n.Desc, 1)
		if count > uint64(len(n.Desc)/ws-2)/3 {
			logflags.CoreLogger().Warnf("NT_FILE note with %d entries does not fit in %d bytes", count, len(n.Desc))
			continue
		}
		names := strings.Split(string(n.Desc[(2+3*count)*uint64(ws):]), "\x00")
		for i := uint64(0); i < count; i++ {
			m := Mapping{
				Start:  word(n.Desc, int(2+3*i)),
				End:    word(n.Desc, int(3+3*i)),
				Offset: word(n.Desc, int(4+3*i)) * pageSize,
			}
			if i < uint64(len(names)) {
				m.Name = names[i]
			}
			r = append(r, m)
		}
	}
	return r
}

func sameFile(mapped, exePath string) bool {
	return mapped != "" && filepath.Base(mapped) == filepath.Base(exePath)
}

// LoadBias returns the difference between the addresses the executable was
// loaded at, according to files, and the addresses in its program headers.
// It is zero for executables that are not position independent.
func LoadBias(exe *elf.File, exePath string, files []Mapping) uint64 {
	if exe.Type != elf.ET_DYN {
		return 0
	}
	var first *elf.Prog
	for _, prog := range exe.Progs {
		if prog.Type == elf.PT_LOAD && (first == nil || prog.Vaddr < first.Vaddr) {
			first = prog
		}
	}
	if first == nil {
		return 0
	}
	for _, m := range files {
		if m.Offset == 0 && sameFile(m.Name, exePath) {
			return m.Start - (first.Vaddr - first.Off)
		}
	}
	return 0
}

func buildMemory(core, exeELF *elf.File, exe io.ReaderAt, exePath string, bias uint64, files []Mapping) target.MemoryReader {
	memory := &splicedMemory{}

	if exeELF != nil {
		for _, m := range files {
			if !sameFile(m.Name, exePath) {
				continue
			}
			r := &offsetReaderAt{
				reader: exe,
				offset: m.Start - m.Offset,
			}
			memory.Add(r, m.Start, m.End-m.Start)
		}
	}

	// Load memory segments from exe and then from the core file,
	// allowing the corefile to overwrite previously loaded segments
	for _, elfFile := range []*elf.File{exeELF, core} {
		if elfFile == nil {
			continue
		}
		b := uint64(0)
		if elfFile == exeELF {
			b = bias
		}
		for _, prog := range elfFile.Progs {
			if prog.Type == elf.PT_LOAD {
				if prog.Filesz == 0 {
					continue
				}
				r := &offsetReaderAt{
					reader: prog.ReaderAt,
					offset: prog.Vaddr + b,
				}
				memory.Add(r, prog.Vaddr+b, prog.Filesz)
			}
		}
	}
	return memory
}
