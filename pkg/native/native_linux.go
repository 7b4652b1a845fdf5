//go:build linux

package native

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/core"
	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/symbols"
	"github.com/go-delve/unwind/pkg/target"
)

// regsetNotes are the register sets read from each thread, with the core
// file section they are supplied as.
var regsetNotes = []struct {
	typ  elf.NType
	name string
}{
	{elf.NT_PRSTATUS, ".reg"},
	{elf.NT_FPREGSET, ".reg2"},
}

// Process is a live process stopped by Attach.
type Process struct {
	*core.Process

	pid            int
	tids           []int
	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
	detached       bool
}

// Attach stops every thread of process pid and reads their registers. The
// process stays stopped until Close is called.
func Attach(r *arch.Registry, pid int) (*Process, error) {
	logger := logflags.NativeLogger()
	q, err := HostQuery()
	if err != nil {
		return nil, err
	}
	d, err := r.Select(q)
	if err != nil {
		return nil, err
	}

	dbp := &Process{
		pid:            pid,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	go dbp.handlePtraceFuncs()

	tids, err := threadIDs(pid)
	if err != nil {
		dbp.stop()
		return nil, err
	}
	var threads []*core.Thread
	for _, tid := range tids {
		dbp.execPtraceFunc(func() { err = ptraceAttach(tid) })
		if err != nil {
			if errors.Is(err, sys.ESRCH) {
				// thread exited
				continue
			}
			dbp.Detach()
			return nil, fmt.Errorf("attaching to %d: %w", tid, err)
		}
		dbp.tids = append(dbp.tids, tid)
		if _, err := dbp.wait(tid); err != nil {
			dbp.Detach()
			return nil, err
		}
		th := &core.Thread{ID: tid}
		for _, n := range regsetNotes {
			var buf []byte
			dbp.execPtraceFunc(func() { buf, err = ptraceGetRegset(tid, n.typ) })
			if err != nil {
				if n.name == ".reg" {
					dbp.Detach()
					return nil, fmt.Errorf("reading registers of %d: %w", tid, err)
				}
				if logflags.Native() {
					logger.Debugf("thread %d: %s: %v", tid, n.name, err)
				}
				continue
			}
			th.Sections = append(th.Sections, core.Section{Name: n.name, Data: buf})
		}
		if err := th.Supply(d); err != nil {
			dbp.Detach()
			return nil, err
		}
		threads = append(threads, th)
	}
	if len(threads) == 0 {
		dbp.stop()
		return nil, fmt.Errorf("process %d has no threads", pid)
	}
	if logflags.Native() {
		logger.Debugf("attached to %d, %d threads, architecture %s", pid, len(threads), d)
	}

	var syms target.SymbolLookup
	exePath := fmt.Sprintf("/proc/%d/exe", pid)
	maps, err := dbp.memoryMap()
	if err != nil {
		dbp.Detach()
		return nil, err
	}
	if exe, err := elf.Open(exePath); err == nil {
		realPath, _ := os.Readlink(exePath)
		tab, err := symbols.FromELF(exe, core.LoadBias(exe, realPath, fileMappings(maps)))
		exe.Close()
		if err == nil {
			syms = tab
		} else {
			logger.Warnf("%s: %v", exePath, err)
		}
	}

	dbp.Process = core.NewProcess(pid, d, &memory{dbp}, syms, threads, detacher{dbp})
	return dbp, nil
}

type detacher struct {
	dbp *Process
}

func (d detacher) Close() error {
	return d.dbp.Detach()
}

// Detach lets the threads of the process run again.
func (dbp *Process) Detach() error {
	if dbp.detached {
		return nil
	}
	dbp.detached = true
	var err error
	for _, tid := range dbp.tids {
		var derr error
		dbp.execPtraceFunc(func() { derr = ptraceDetach(tid, 0) })
		if derr != nil && err == nil {
			err = fmt.Errorf("detaching from %d: %v", tid, derr)
		}
	}
	dbp.stop()
	return err
}

// memoryMap returns the memory mappings of the process.
func (dbp *Process) memoryMap() ([]memoryMapEntry, error) {
	smapsbuf, err := os.ReadFile(fmt.Sprintf("/proc/%d/smaps", dbp.pid))
	if err != nil {
		// Older versions of Linux don't have smaps but have maps which is in a similar format.
		smapsbuf, err = os.ReadFile(fmt.Sprintf("/proc/%d/maps", dbp.pid))
		if err != nil {
			return nil, err
		}
	}
	return parseMaps(smapsbuf)
}

// Segments returns the memory of the process to write in a core file.
func (dbp *Process) Segments() ([]core.Segment, error) {
	m, err := dbp.memoryMap()
	if err != nil {
		return nil, err
	}
	return segments(m), nil
}

func (dbp *Process) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

func (dbp *Process) stop() {
	close(dbp.ptraceChan)
}

func (dbp *Process) wait(tid int) (*sys.WaitStatus, error) {
	var s sys.WaitStatus
	wpid, err := sys.Wait4(tid, &s, sys.WALL, nil)
	if err != nil {
		return nil, err
	}
	if wpid != tid || !s.Stopped() {
		return nil, fmt.Errorf("unexpected wait status %#x for thread %d", s, tid)
	}
	return &s, nil
}

// memory reads the memory of a stopped process.
type memory struct {
	dbp *Process
}

func (m *memory) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if m.dbp.detached {
		return 0, fmt.Errorf("process %d detached", m.dbp.pid)
	}
	if len(data) == 0 {
		return
	}
	n, err = processVMRead(m.dbp.pid, data, addr)
	if err == nil && n == len(data) {
		return n, nil
	}
	m.dbp.execPtraceFunc(func() { n, err = sys.PtracePeekData(m.dbp.tids[0], uintptr(addr), data) })
	return
}

func processVMRead(pid int, data []byte, addr uint64) (int, error) {
	local := []sys.Iovec{{Base: &data[0]}}
	local[0].SetLen(len(data))
	remote := []sys.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}
	return sys.ProcessVMReadv(pid, local, remote, 0)
}

func threadIDs(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

// ptraceAttach executes the sys.PtraceAttach call.
func ptraceAttach(pid int) error {
	return sys.PtraceAttach(pid)
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceGetRegset returns the register set typ of thread tid, in the
// layout of the corresponding core file note.
func ptraceGetRegset(tid int, typ elf.NType) ([]byte, error) {
	buf := make([]byte, 4096)
	iov := sys.Iovec{Base: &buf[0]}
	iov.SetLen(len(buf))
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(tid), uintptr(typ), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err != syscall.Errno(0) {
		return nil, err
	}
	return buf[:iov.Len], nil
}
