package kernel

import (
	"errors"
	"fmt"
	"sync"
)

// ============================================================================
// Process Manager
// ============================================================================

// ErrTooManyProcesses is returned by Create when every slot of the
// fixed process table is occupied by a live process.
var ErrTooManyProcesses = errors.New("too many processes")

// PID identifies a process. PIDs are assigned monotonically and never
// reused; 0 is never a valid PID.
type PID uint32

// ProcessState is the lifecycle state of a process.
type ProcessState uint8

// Process lifecycle states.
const (
	StateReady ProcessState = iota
	StateRunning
	StateTerminated
)

func (s ProcessState) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// Context is the saved register file of a suspended process. It is a
// plain value: capturing and restoring are whole-struct copies to and
// from the machine's trap frame, and nothing outside those two
// operations transfers register state.
type Context struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP, ESP uint32
	EIP, EFLAGS        uint32
}

// CaptureContext snapshots the register file from a trap frame.
func CaptureContext(tf *TrapFrame) Context {
	return Context{
		EAX: tf.EAX, EBX: tf.EBX, ECX: tf.ECX, EDX: tf.EDX,
		ESI: tf.ESI, EDI: tf.EDI, EBP: tf.EBP, ESP: tf.ESP,
		EIP: tf.EIP, EFLAGS: tf.EFLAGS,
	}
}

// RestoreInto writes the saved register file back into a trap frame.
func (c Context) RestoreInto(tf *TrapFrame) {
	tf.EAX, tf.EBX, tf.ECX, tf.EDX = c.EAX, c.EBX, c.ECX, c.EDX
	tf.ESI, tf.EDI, tf.EBP, tf.ESP = c.ESI, c.EDI, c.EBP, c.ESP
	tf.EIP, tf.EFLAGS = c.EIP, c.EFLAGS
}

// EntryFunc is a process body. It runs when the scheduler first
// dispatches the process; returning is equivalent to calling Exit(0).
type EntryFunc func(env *Env)

// initialEFLAGS has the interrupt-enable bit set, as process entry
// always begins with interrupts open.
const initialEFLAGS = 0x202

// entryAddrBase is where process entry points are placed in the
// virtual layout. Each process gets its own page-aligned slot so saved
// EIP values are distinguishable in diagnostics.
const entryAddrBase = 0x08048000

// ProcessInfo is one row of List output.
type ProcessInfo struct {
	PID   PID
	Name  string
	State ProcessState
}

// processExit is the panic payload Env.Exit uses to unwind a process
// body without returning into it.
type processExit struct{ status int32 }

// PCB is one process control block: identity, lifecycle state, the
// saved register context and the heap block holding the stack.
type PCB struct {
	pid     PID
	slot    int
	name    string
	state   ProcessState
	ctx     Context
	stack   Block
	entry   EntryFunc
	env     *Env
	resched bool
	resume  chan struct{}
}

// ProcessManager owns the fixed process table and the ready queue, and
// drives round-robin dispatch. Exactly one context runs at a time: the
// scheduler loop, or the process it last handed the CPU to. The cpu
// field is the simulated register file; handoffs always capture the
// outgoing context from it and restore the incoming one into it with
// interrupts disabled.
type ProcessManager struct {
	mu             sync.Mutex
	ic             *InterruptController
	hp             *Heap
	slots          []*PCB
	freeSlots      []int
	ready          []*PCB
	current        *PCB
	nextPID        PID
	live           int
	stackSize      uint32
	switches       uint64
	lastExitPID    PID
	lastExitStatus int32
	cpu            TrapFrame
	toSched        chan struct{}
	stop           chan struct{}
	fatal          func(format string, args ...interface{})
}

// NewProcessManager builds an empty process table of maxProcesses
// slots. Stacks of stackSize bytes are carved from the kernel heap at
// Create time. The fatal callback is the kernel panic path.
func NewProcessManager(ic *InterruptController, hp *Heap, maxProcesses int, stackSize uint32, fatal func(string, ...interface{})) (*ProcessManager, error) {
	if maxProcesses <= 0 {
		return nil, fmt.Errorf("process: table needs at least one slot")
	}
	if stackSize == 0 || stackSize%heapAlign != 0 {
		return nil, fmt.Errorf("process: stack size %d is not a positive multiple of %d", stackSize, heapAlign)
	}
	pm := &ProcessManager{
		ic:        ic,
		hp:        hp,
		slots:     make([]*PCB, maxProcesses),
		freeSlots: make([]int, 0, maxProcesses),
		nextPID:   1,
		stackSize: stackSize,
		toSched:   make(chan struct{}),
		stop:      make(chan struct{}),
		fatal:     fatal,
	}
	// Free slots are kept as a stack so the lowest-index slots are
	// reused first, matching the table-scan order of List.
	for i := maxProcesses - 1; i >= 0; i-- {
		pm.freeSlots = append(pm.freeSlots, i)
	}
	if err := ic.Register(VectorTimer, pm.timerInterrupt); err != nil {
		return nil, err
	}
	return pm, nil
}

// Create allocates a slot and a stack for a new process, seeds its
// saved context so dispatch lands on the entry point with an empty
// stack, and appends it to the ready queue tail.
func (pm *ProcessManager) Create(entry EntryFunc, name string) (PID, error) {
	if entry == nil {
		return 0, fmt.Errorf("process %q: nil entry point", name)
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if len(pm.freeSlots) == 0 {
		return 0, fmt.Errorf("process %q: %w (%d slots)", name, ErrTooManyProcesses, len(pm.slots))
	}
	stack, err := pm.hp.Alloc(pm.stackSize)
	if err != nil {
		return 0, fmt.Errorf("process %q: stack: %w", name, err)
	}
	slot := pm.freeSlots[len(pm.freeSlots)-1]
	pm.freeSlots = pm.freeSlots[:len(pm.freeSlots)-1]

	p := &PCB{
		pid:   pm.nextPID,
		slot:  slot,
		name:  name,
		state: StateReady,
		stack: stack,
		entry: entry,
		ctx: Context{
			ESP:    stack.Addr() + stack.Size(),
			EIP:    entryAddrBase + uint32(pm.nextPID)*PageSize,
			EFLAGS: initialEFLAGS,
		},
		resume: make(chan struct{}),
	}
	p.env = &Env{pm: pm, p: p}
	pm.nextPID++
	pm.slots[slot] = p
	pm.ready = append(pm.ready, p)
	pm.live++
	go pm.runProcess(p)
	return p.pid, nil
}

// Current returns the running process, or nil from scheduler context.
func (pm *ProcessManager) Current() *PCB {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.current
}

// PID returns the process identifier.
func (p *PCB) PID() PID { return p.pid }

// Name returns the process name.
func (p *PCB) Name() string { return p.name }

// State returns the lifecycle state.
func (p *PCB) State() ProcessState { return p.state }

// List reports every live process in table order. Terminated processes
// have already left the table and do not appear.
func (pm *ProcessManager) List() []ProcessInfo {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	out := make([]ProcessInfo, 0, pm.live)
	for _, p := range pm.slots {
		if p == nil {
			continue
		}
		out = append(out, ProcessInfo{PID: p.pid, Name: p.name, State: p.state})
	}
	return out
}

// Live returns the number of processes that have not terminated.
func (pm *ProcessManager) Live() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.live
}

// ContextSwitches returns the number of dispatches performed.
func (pm *ProcessManager) ContextSwitches() uint64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.switches
}

// LastExit reports the most recent process termination: its PID and
// exit status. ok is false before any process has exited.
func (pm *ProcessManager) LastExit() (pid PID, status int32, ok bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.lastExitPID, pm.lastExitStatus, pm.lastExitPID != 0
}

// timerInterrupt is the vector 32 handler: it marks the running
// process for rescheduling. The mark is honored at the next kernel
// entry, which is as close to preemption as a cooperative simulation
// can get.
func (pm *ProcessManager) timerInterrupt(tf *TrapFrame) {
	pm.mu.Lock()
	if pm.current != nil {
		pm.current.resched = true
	}
	pm.mu.Unlock()
}

// runProcess is the goroutine body backing one process. It parks until
// the scheduler's first dispatch, runs the entry function, and turns a
// bare return into Exit(0).
func (pm *ProcessManager) runProcess(p *PCB) {
	<-p.resume
	status := func() (st int32) {
		defer func() {
			if r := recover(); r != nil {
				pe, ok := r.(processExit)
				if !ok {
					panic(r)
				}
				st = pe.status
			}
		}()
		p.entry(p.env)
		return 0
	}()
	pm.finishExit(p, status)
}
