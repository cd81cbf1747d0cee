package kernel

import (
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"
)

// ============================================================================
// System-Call Dispatcher
// ============================================================================

// System call numbers, as loaded into EAX before the trap.
const (
	SysHello  = 1
	SysWrite  = 2
	SysGetPID = 3
	SysExit   = 4
	SysOpen   = 5
	SysRead   = 6
	SysFWrite = 7
	SysClose  = 8
	SysList   = 9

	sysMax = SysList
)

// Negative result codes handlers write into EAX. Misbehaving calls are
// answered, never faulted: an unknown number or a bad argument comes
// back as a code the caller can test for.
const (
	ENOSYS int32 = -1 // unknown system call number
	EFAULT int32 = -2 // bad argument or unreadable buffer
	ENOENT int32 = -3 // no such file
	EMFILE int32 = -4 // open-file table full
	EIO    int32 = -5 // filesystem error
)

// maxSyscallBuf bounds buffer lengths a call may pass, keeping a bad
// length register from turning into a giant kernel copy.
const maxSyscallBuf = 1 << 16

// SyscallFunc services one system call for the current process. The
// returned value is written into the frame's EAX.
type SyscallFunc func(d *Dispatcher, p *PCB, tf *TrapFrame) int32

// Dispatcher owns the system-call table and the vector 0x80 handler.
// Arguments are read from the trapping frame's registers, buffers are
// copied through the active address space, and results land back in
// EAX before the frame is restored.
type Dispatcher struct {
	pm      *ProcessManager
	mm      *MemoryManager
	ft      *FileTable
	console Console
	table   [sysMax + 1]SyscallFunc
	calls   atomic.Uint64
	unknown atomic.Uint64
}

// NewDispatcher builds the call table and claims the syscall vector.
func NewDispatcher(ic *InterruptController, pm *ProcessManager, mm *MemoryManager, ft *FileTable, console Console) (*Dispatcher, error) {
	if console == nil {
		return nil, fmt.Errorf("syscall: no console collaborator")
	}
	d := &Dispatcher{pm: pm, mm: mm, ft: ft, console: console}
	d.table[SysHello] = (*Dispatcher).sysHello
	d.table[SysWrite] = (*Dispatcher).sysWrite
	d.table[SysGetPID] = (*Dispatcher).sysGetPID
	d.table[SysExit] = (*Dispatcher).sysExit
	d.table[SysOpen] = (*Dispatcher).sysOpen
	d.table[SysRead] = (*Dispatcher).sysRead
	d.table[SysFWrite] = (*Dispatcher).sysFWrite
	d.table[SysClose] = (*Dispatcher).sysClose
	d.table[SysList] = (*Dispatcher).sysList
	if err := ic.Register(VectorSyscall, d.handle); err != nil {
		return nil, err
	}
	return d, nil
}

// Calls returns the number of system calls dispatched since boot.
func (d *Dispatcher) Calls() uint64 { return d.calls.Load() }

// Unknown returns how many of those had no table entry.
func (d *Dispatcher) Unknown() uint64 { return d.unknown.Load() }

// handle is the vector 0x80 handler: validate the number, dispatch,
// store the result. An unknown number only touches EAX.
func (d *Dispatcher) handle(tf *TrapFrame) {
	d.calls.Add(1)
	num := tf.EAX
	if num > sysMax || d.table[num] == nil {
		d.unknown.Add(1)
		e := ENOSYS
		tf.EAX = uint32(e)
		return
	}
	tf.EAX = uint32(d.table[num](d, d.pm.Current(), tf))
}

// errno maps collaborator errors onto the result-code convention.
func errno(err error) int32 {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ENOENT
	case errors.Is(err, ErrTooManyFiles):
		return EMFILE
	case errors.Is(err, ErrBadDescriptor), errors.Is(err, ErrNotMapped):
		return EFAULT
	default:
		return EIO
	}
}

// copyInArg reads a (vaddr, len) buffer argument out of the active
// address space.
func (d *Dispatcher) copyInArg(vaddr, length uint32) ([]byte, bool) {
	if length > maxSyscallBuf {
		return nil, false
	}
	buf := make([]byte, length)
	if err := d.mm.copyIn(d.mm.Active(), buf, vaddr); err != nil {
		return nil, false
	}
	return buf, true
}

func (d *Dispatcher) sysHello(p *PCB, tf *TrapFrame) int32 {
	pid := PID(0)
	if p != nil {
		pid = p.pid
	}
	d.console.Write([]byte(fmt.Sprintf("hello from the kernel, pid %d\n", pid)))
	return 0
}

// sysWrite copies EBX/ECX bytes out of the caller and hands them to
// the console.
func (d *Dispatcher) sysWrite(p *PCB, tf *TrapFrame) int32 {
	buf, ok := d.copyInArg(tf.EBX, tf.ECX)
	if !ok {
		return EFAULT
	}
	return int32(d.console.Write(buf))
}

func (d *Dispatcher) sysGetPID(p *PCB, tf *TrapFrame) int32 {
	if p == nil {
		return EFAULT
	}
	return int32(p.pid)
}

// sysExit terminates the caller with the status in EBX. It unwinds the
// process body and never returns into the dispatch path of the caller.
func (d *Dispatcher) sysExit(p *PCB, tf *TrapFrame) int32 {
	if p == nil {
		return EFAULT
	}
	panic(processExit{status: int32(tf.EBX)})
}

func (d *Dispatcher) sysOpen(p *PCB, tf *TrapFrame) int32 {
	path, ok := d.copyInArg(tf.EBX, tf.ECX)
	if !ok {
		return EFAULT
	}
	fd, err := d.ft.Open(string(path))
	if err != nil {
		return errno(err)
	}
	return int32(fd)
}

func (d *Dispatcher) sysRead(p *PCB, tf *TrapFrame) int32 {
	if tf.EDX > maxSyscallBuf {
		return EFAULT
	}
	buf := make([]byte, tf.EDX)
	n, err := d.ft.Read(int(int32(tf.EBX)), buf)
	if err != nil {
		return errno(err)
	}
	if err := d.mm.copyOut(d.mm.Active(), tf.ECX, buf[:n]); err != nil {
		return EFAULT
	}
	return int32(n)
}

func (d *Dispatcher) sysFWrite(p *PCB, tf *TrapFrame) int32 {
	buf, ok := d.copyInArg(tf.ECX, tf.EDX)
	if !ok {
		return EFAULT
	}
	n, err := d.ft.Write(int(int32(tf.EBX)), buf)
	if err != nil {
		return errno(err)
	}
	return int32(n)
}

func (d *Dispatcher) sysClose(p *PCB, tf *TrapFrame) int32 {
	if err := d.ft.Close(int(int32(tf.EBX))); err != nil {
		return errno(err)
	}
	return 0
}

// sysList copies the root directory listing into the caller's buffer,
// truncated to its length, and returns the copied byte count.
func (d *Dispatcher) sysList(p *PCB, tf *TrapFrame) int32 {
	if tf.ECX > maxSyscallBuf {
		return EFAULT
	}
	listing, err := d.ft.List()
	if err != nil {
		return errno(err)
	}
	out := []byte(listing)
	if uint32(len(out)) > tf.ECX {
		out = out[:tf.ECX]
	}
	if err := d.mm.copyOut(d.mm.Active(), tf.EBX, out); err != nil {
		return EFAULT
	}
	return int32(len(out))
}

// ============================================================================
// Process-side call wrappers
// ============================================================================

// Hello asks the kernel for its greeting.
func (e *Env) Hello() int32 {
	return e.Syscall(SysHello, 0, 0, 0)
}

// Print writes s to the console through the write call.
func (e *Env) Print(s string) int32 {
	addr, err := e.stage([]byte(s))
	if err != nil {
		return EFAULT
	}
	return e.Syscall(SysWrite, addr, uint32(len(s)), 0)
}

// GetPID returns the caller's process identifier.
func (e *Env) GetPID() int32 {
	return e.Syscall(SysGetPID, 0, 0, 0)
}

// OpenFile opens (or creates) path and returns a descriptor.
func (e *Env) OpenFile(path string) int32 {
	addr, err := e.stage([]byte(path))
	if err != nil {
		return EFAULT
	}
	return e.Syscall(SysOpen, addr, uint32(len(path)), 0)
}

// ReadFile reads up to n bytes from fd at its current offset.
func (e *Env) ReadFile(fd int32, n uint32) (string, int32) {
	addr := e.p.stack.Addr()
	if n > e.p.stack.Size()/2 {
		return "", EFAULT
	}
	res := e.Syscall(SysRead, uint32(fd), addr, n)
	if res < 0 {
		return "", res
	}
	data, err := e.fetch(uint32(res))
	if err != nil {
		return "", EFAULT
	}
	return string(data), res
}

// WriteFile writes s to fd at its current offset.
func (e *Env) WriteFile(fd int32, s string) int32 {
	addr, err := e.stage([]byte(s))
	if err != nil {
		return EFAULT
	}
	return e.Syscall(SysFWrite, uint32(fd), addr, uint32(len(s)))
}

// CloseFile releases fd.
func (e *Env) CloseFile(fd int32) int32 {
	return e.Syscall(SysClose, uint32(fd), 0, 0)
}

// ListFiles returns the root directory listing, reading up to n bytes.
func (e *Env) ListFiles(n uint32) (string, int32) {
	addr := e.p.stack.Addr()
	if n > e.p.stack.Size()/2 {
		return "", EFAULT
	}
	res := e.Syscall(SysList, addr, n, 0)
	if res < 0 {
		return "", res
	}
	data, err := e.fetch(uint32(res))
	if err != nil {
		return "", EFAULT
	}
	return string(data), res
}
