package core

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/elfwriter"
	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/regset"
	"github.com/go-delve/unwind/pkg/target"
)

// Segment is a memory mapping of a process.
type Segment struct {
	Addr  uint64
	Size  uint64
	Flags elf.ProgFlag
}

// noteTypes is the inverse of sectionNames.
var noteTypes = func() map[string]elf.NType {
	m := make(map[string]elf.NType, len(sectionNames))
	for typ, name := range sectionNames {
		m[name] = typ
	}
	return m
}()

// WriteCore writes a core file of the process with the given threads and
// memory to out, in the format read by Open. The registers of each thread
// are encoded with the collectable register sets of d. out is closed.
func WriteCore(out elfwriter.WriteCloserSeeker, d *arch.Descriptor, pid int, threads []*Thread, mem target.MemoryReader, segments []Segment) (err error) {
	defer func() {
		cerr := out.Close()
		if err == nil && cerr != nil {
			err = fmt.Errorf("error writing output file: %v", cerr)
		}
	}()

	sets, err := d.CoreRegsets()
	if err != nil {
		return err
	}
	machine, flags, err := machineFor(d)
	if err != nil {
		return err
	}

	var fhdr elf.FileHeader
	fhdr.Class = elf.ELFCLASS64
	if d.PtrBits() == 32 {
		fhdr.Class = elf.ELFCLASS32
	}
	fhdr.Data = elf.ELFDATA2LSB
	if d.ByteOrder() == binary.BigEndian {
		fhdr.Data = elf.ELFDATA2MSB
	}
	fhdr.Version = elf.EV_CURRENT
	fhdr.OSABI = elfOSABI(d.OSABI())
	fhdr.Type = elf.ET_CORE
	fhdr.Machine = machine

	w, err := elfwriter.New(out, &fhdr)
	if err != nil {
		return err
	}
	if flags != 0 {
		w.SetFlags(flags)
	}

	var notes []elfwriter.Note
	for _, th := range threads {
		thNotes, err := threadNotes(d, fhdr.Class, sets, pid, th)
		if err != nil {
			return err
		}
		notes = append(notes, thNotes...)
	}

	for i := range segments {
		if w.Err != nil {
			return fmt.Errorf("error writing to output file: %v", w.Err)
		}
		dumpMemory(w, mem, &segments[i])
	}

	notesProg := w.WriteNotes(notes)
	if notesProg != nil {
		w.Progs = append(w.Progs, notesProg)
	}
	w.WriteProgramHeaders()
	if w.Err != nil {
		return fmt.Errorf("error writing to output file: %v", w.Err)
	}
	return nil
}

// threadNotes returns the NT_PRSTATUS note of th followed by a note for each
// other register set of d.
func threadNotes(d *arch.Descriptor, class elf.Class, sets regset.Table, pid int, th *Thread) ([]elfwriter.Note, error) {
	layout := prstatusFor(class)
	var gregs *regset.Set
	for _, s := range sets {
		if s.Name == ".reg" {
			gregs = s
			break
		}
	}
	if gregs == nil {
		return nil, fmt.Errorf("%s: .reg: %w", d, regset.ErrNoSet)
	}
	prstatus := make([]byte, layout.reg+gregs.Size+layout.fpvalid)
	order := d.ByteOrder()
	order.PutUint32(prstatus[layout.pid:], uint32(th.ID))
	order.PutUint32(prstatus[layout.pid+8:], uint32(pid)) // pr_pgrp
	if err := gregs.Collect(th.Regs, regset.AllRegs, prstatus[layout.reg:]); err != nil {
		return nil, fmt.Errorf("thread %d: %w", th.ID, err)
	}
	notes := []elfwriter.Note{{Type: elf.NT_PRSTATUS, Name: "CORE", Data: prstatus}}

	for _, s := range sets {
		if s.Name == ".reg" {
			continue
		}
		typ, ok := noteTypes[s.Name]
		if !ok || !s.Collectable() {
			if logflags.Core() {
				logflags.CoreLogger().Debugf("%s: not writing %v", d, s)
			}
			continue
		}
		buf := make([]byte, s.Size)
		if err := s.Collect(th.Regs, regset.AllRegs, buf); err != nil {
			return nil, fmt.Errorf("thread %d: %w", th.ID, err)
		}
		name := "CORE"
		if typ != elf.NT_PRSTATUS && typ != _NT_FPREGSET {
			name = "LINUX"
		}
		notes = append(notes, elfwriter.Note{Type: typ, Name: name, Data: buf})
	}
	return notes, nil
}

func dumpMemory(w *elfwriter.Writer, mem target.MemoryReader, seg *Segment) {
	w.Progs = append(w.Progs, &elf.ProgHeader{
		Type:   elf.PT_LOAD,
		Flags:  seg.Flags,
		Off:    uint64(w.Here()),
		Vaddr:  seg.Addr,
		Paddr:  0,
		Filesz: seg.Size,
		Memsz:  seg.Size,
		Align:  0,
	})

	buf := make([]byte, 1024*1024)
	addr := seg.Addr
	sz := seg.Size

	for sz > 0 {
		if w.Err != nil {
			return
		}
		chunk := buf
		if uint64(len(chunk)) > sz {
			chunk = chunk[:sz]
		}
		n, _ := mem.ReadMemory(chunk, addr)
		if n < 0 {
			n = 0
		}
		for i := n; i < len(chunk); i++ {
			chunk[i] = 0
		}
		// Unreadable memory is written as zeroes.
		w.Write(chunk)
		addr += uint64(len(chunk))
		sz -= uint64(len(chunk))
	}
}
