package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ============================================================================
// Interrupt Controller
// ============================================================================

// Interrupt vector numbers. The low vectors mirror the processor fault
// numbering; the timer sits at the first external vector and system
// calls use the conventional software-interrupt slot.
const (
	VectorDivideError       = 0
	VectorInvalidOpcode     = 6
	VectorGeneralProtection = 13
	VectorPageFault         = 14
	VectorTimer             = 32
	VectorSyscall           = 0x80

	numVectors = 256
)

// TrapFrame is the register file pushed on kernel entry. Syscall
// arguments arrive in EBX/ECX/EDX and the result is written back to
// EAX before the frame is restored. FaultAddr carries the faulting
// address on vector 14, mirroring the address register a fault handler
// would read.
type TrapFrame struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP, ESP uint32
	EIP, EFLAGS        uint32
	Vector             uint32
	ErrorCode          uint32
	FaultAddr          uint32
}

// Handler services one interrupt vector. It runs with interrupts
// disabled and may mutate the frame; writes to the frame are visible
// to the interrupted context when it resumes.
type Handler func(*TrapFrame)

// InterruptController is the dispatch hub between event sources
// (timer driver, faulting code, trapping processes) and the kernel's
// registered handlers. It also owns the global interrupt-enable flag:
// maskable vectors raised while interrupts are disabled are dropped,
// the way a masked line is.
type InterruptController struct {
	mu       sync.Mutex
	handlers [numVectors]Handler
	enabled  bool
	ticks    atomic.Uint64
	dropped  atomic.Uint64
	tickCh   chan struct{}
}

// NewInterruptController returns a controller with interrupts disabled
// and no handlers registered, matching the machine state at boot.
func NewInterruptController() *InterruptController {
	return &InterruptController{
		tickCh: make(chan struct{}, 1),
	}
}

// Register installs the handler for a vector, replacing any previous one.
func (ic *InterruptController) Register(vector uint32, h Handler) error {
	if vector >= numVectors {
		return fmt.Errorf("interrupt: vector %d out of range", vector)
	}
	ic.mu.Lock()
	ic.handlers[vector] = h
	ic.mu.Unlock()
	return nil
}

// EnableInterrupts opens delivery of maskable vectors, the simulated sti.
func (ic *InterruptController) EnableInterrupts() {
	ic.mu.Lock()
	ic.enabled = true
	ic.mu.Unlock()
}

// DisableInterrupts masks maskable vectors, the simulated cli.
func (ic *InterruptController) DisableInterrupts() {
	ic.mu.Lock()
	ic.enabled = false
	ic.mu.Unlock()
}

// Raise delivers a vector to its handler. Faults and software
// interrupts always go through; the timer is maskable and is dropped
// while interrupts are disabled. Raising a vector with no handler is
// reported to the caller, not faulted.
func (ic *InterruptController) Raise(vector uint32, frame *TrapFrame) error {
	if vector >= numVectors {
		return fmt.Errorf("interrupt: vector %d out of range", vector)
	}
	ic.mu.Lock()
	h := ic.handlers[vector]
	if vector == VectorTimer {
		if !ic.enabled {
			ic.dropped.Add(1)
			ic.mu.Unlock()
			return nil
		}
		ic.ticks.Add(1)
		select {
		case ic.tickCh <- struct{}{}:
		default:
		}
	}
	ic.mu.Unlock()

	if h == nil {
		return fmt.Errorf("interrupt: no handler for vector %d", vector)
	}
	frame.Vector = vector
	h(frame)
	return nil
}

// Tick raises the timer vector with an empty frame. Timer drivers call
// this once per period.
func (ic *InterruptController) Tick() {
	_ = ic.Raise(VectorTimer, &TrapFrame{})
}

// Ticks returns the number of timer interrupts delivered since boot.
func (ic *InterruptController) Ticks() uint64 { return ic.ticks.Load() }

// DroppedTicks returns the number of timer interrupts masked away.
func (ic *InterruptController) DroppedTicks() uint64 { return ic.dropped.Load() }

// WaitForInterrupt blocks until the next delivered timer interrupt or
// until stop is closed, the simulated hlt in the idle loop.
func (ic *InterruptController) WaitForInterrupt(stop <-chan struct{}) {
	select {
	case <-ic.tickCh:
	case <-stop:
	}
}
