package kernel

import (
	"fmt"
	"sync"

	"github.com/minos-kernel/minos/internal/vfs"
)

// ============================================================================
// Kernel aggregate
// ============================================================================

// Kernel owns every subsystem singleton. Nothing here is ambient: all
// state reachable from a Kernel was built by New for that Kernel, so
// two instances can boot side by side in one test binary.
type Kernel struct {
	cfg     Config
	console Console
	fsys    vfs.FileSystem
	ic      *InterruptController
	fa      *FrameAllocator
	mm      *MemoryManager
	hp      *Heap
	pm      *ProcessManager
	ft      *FileTable
	disp    *Dispatcher

	mu      sync.Mutex
	halted  bool
	haltMsg string
}

// Option adjusts kernel construction.
type Option func(*Kernel)

// WithConsole installs the console collaborator. The default is an
// unechoed 80x25 text console.
func WithConsole(c Console) Option {
	return func(k *Kernel) { k.console = c }
}

// WithFileSystem mounts the filesystem the file syscalls serve. The
// default is an empty in-memory filesystem.
func WithFileSystem(fsys vfs.FileSystem) Option {
	return func(k *Kernel) { k.fsys = fsys }
}

// KernelStatus is a diagnostic snapshot of every subsystem.
type KernelStatus struct {
	Version         string
	Halted          bool
	HaltReason      string
	Frames          FrameStats
	Heap            HeapStats
	Processes       []ProcessInfo
	Ticks           uint64
	ContextSwitches uint64
	Syscalls        uint64
	UnknownSyscalls uint64
	OpenFiles       int
}

// New boots a kernel: frame allocator, virtual memory, paging on,
// heap, process table, file table, syscall dispatcher, then interrupts
// open. Each stage must succeed before the next starts; a failed boot
// returns the stage's error and no kernel.
func New(cfg Config, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	k := &Kernel{cfg: cfg}
	for _, opt := range opts {
		opt(k)
	}
	if k.console == nil {
		k.console = NewTextConsole(0, 0)
	}
	if k.fsys == nil {
		k.fsys = vfs.NewMem()
	}

	k.logf("MinOS v%s booting (%d MiB, %d process slots)\n", Version, cfg.MemorySize>>20, cfg.MaxProcesses)

	k.ic = NewInterruptController()

	fa, err := NewFrameAllocator(cfg.MemorySize, []FrameRange{
		{Start: 0, Count: cfg.KernelImageSize / PageSize},
	})
	if err != nil {
		return nil, fmt.Errorf("boot: frame allocator: %w", err)
	}
	k.fa = fa
	k.logf("[1/6] frame allocator: %d frames, %d reserved\n", fa.Stats().TotalFrames, fa.Stats().ReservedFrames)

	mm, err := NewMemoryManager(fa, cfg.KernelImageSize, cfg.HeapBase, cfg.HeapSize)
	if err != nil {
		return nil, fmt.Errorf("boot: vmm: %w", err)
	}
	k.mm = mm
	if err := k.ic.Register(VectorPageFault, k.pageFault); err != nil {
		return nil, fmt.Errorf("boot: vmm: %w", err)
	}
	if err := mm.Enable(); err != nil {
		return nil, fmt.Errorf("boot: vmm: %w", err)
	}
	k.logf("[2/6] paging enabled, heap window at 0x%08x\n", cfg.HeapBase)

	hp, err := NewHeap(mm, cfg.HeapBase, cfg.HeapSize)
	if err != nil {
		return nil, fmt.Errorf("boot: heap: %w", err)
	}
	k.hp = hp
	k.logf("[3/6] kernel heap: %d KiB\n", hp.Stats().TotalBytes>>10)

	pm, err := NewProcessManager(k.ic, hp, cfg.MaxProcesses, cfg.StackSize, k.panicf)
	if err != nil {
		return nil, fmt.Errorf("boot: process manager: %w", err)
	}
	k.pm = pm
	k.logf("[4/6] process table: %d slots, %d KiB stacks\n", cfg.MaxProcesses, cfg.StackSize>>10)

	ft, err := NewFileTable(k.fsys, cfg.MaxOpenFiles)
	if err != nil {
		return nil, fmt.Errorf("boot: file table: %w", err)
	}
	k.ft = ft
	k.logf("[5/6] file table: %d descriptors\n", cfg.MaxOpenFiles)

	disp, err := NewDispatcher(k.ic, pm, mm, ft, k.console)
	if err != nil {
		return nil, fmt.Errorf("boot: syscall dispatcher: %w", err)
	}
	k.disp = disp
	k.logf("[6/6] syscall dispatcher: calls 1..%d on vector 0x%x\n", sysMax, VectorSyscall)

	k.ic.EnableInterrupts()
	k.logf("boot complete\n")
	return k, nil
}

// CreateProcess adds a process to the ready queue.
func (k *Kernel) CreateProcess(entry EntryFunc, name string) (PID, error) {
	return k.pm.Create(entry, name)
}

// Run drives the scheduler until every process exits or the kernel
// halts. Timer ticks must come from outside, via Tick or a driver.
func (k *Kernel) Run() {
	k.pm.Run()
}

// Tick raises one timer interrupt.
func (k *Kernel) Tick() {
	k.ic.Tick()
}

// Halt stops the kernel with a reason, as a controlled shutdown.
func (k *Kernel) Halt(reason string) {
	k.mu.Lock()
	if k.halted {
		k.mu.Unlock()
		return
	}
	k.halted = true
	k.haltMsg = reason
	k.mu.Unlock()
	k.pm.Stop()
}

// Halted reports whether the kernel has stopped.
func (k *Kernel) Halted() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.halted
}

// HaltReason returns the message the kernel stopped with.
func (k *Kernel) HaltReason() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.haltMsg
}

// Status snapshots every subsystem's counters.
func (k *Kernel) Status() KernelStatus {
	k.mu.Lock()
	halted, reason := k.halted, k.haltMsg
	k.mu.Unlock()
	return KernelStatus{
		Version:         Version,
		Halted:          halted,
		HaltReason:      reason,
		Frames:          k.fa.Stats(),
		Heap:            k.hp.Stats(),
		Processes:       k.pm.List(),
		Ticks:           k.ic.Ticks(),
		ContextSwitches: k.pm.ContextSwitches(),
		Syscalls:        k.disp.Calls(),
		UnknownSyscalls: k.disp.Unknown(),
		OpenFiles:       k.ft.OpenCount(),
	}
}

// Subsystem accessors, for drivers and diagnostics.

// Interrupts returns the interrupt controller.
func (k *Kernel) Interrupts() *InterruptController { return k.ic }

// Frames returns the physical frame allocator.
func (k *Kernel) Frames() *FrameAllocator { return k.fa }

// VM returns the virtual memory manager.
func (k *Kernel) VM() *MemoryManager { return k.mm }

// Heap returns the kernel heap.
func (k *Kernel) Heap() *Heap { return k.hp }

// Processes returns the process manager.
func (k *Kernel) Processes() *ProcessManager { return k.pm }

// Files returns the open-file table.
func (k *Kernel) Files() *FileTable { return k.ft }

// Syscalls returns the system-call dispatcher.
func (k *Kernel) Syscalls() *Dispatcher { return k.disp }

// pageFault is the vector 14 handler. Faults are always fatal: there
// is no demand paging, so a fault means a kernel bug.
func (k *Kernel) pageFault(tf *TrapFrame) {
	k.panicf("%s", DecodeFault(tf.FaultAddr, tf.ErrorCode))
}

// panicf is the kernel panic path: write the diagnostic, record it,
// stop the scheduler. The simulated machine stays inspectable after
// the halt, which is what the tests poke at.
func (k *Kernel) panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	k.logf("\n*** kernel panic ***\n%s\n", msg)
	k.Halt("panic: " + msg)
}

func (k *Kernel) logf(format string, args ...interface{}) {
	k.console.Write([]byte(fmt.Sprintf(format, args...)))
}
