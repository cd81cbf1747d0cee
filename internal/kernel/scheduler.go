package kernel

import "fmt"

// ============================================================================
// Scheduler
// ============================================================================
//
// Strict round robin over a single ready queue. The dispatch loop and
// the running process pass the CPU back and forth over channels: the
// loop restores the next PCB's context into the simulated register
// file and signals its goroutine, then parks until that process blocks
// back (yield, exit, or a preemption mark honored at a kernel entry).
// At most one of them is ever runnable, which is what makes this a
// single-core machine.

// Run drives the scheduler until every process has terminated or Stop
// is called. When the ready queue is empty but live processes exist
// (all of them mid-handoff), the loop idles in WaitForInterrupt, the
// simulated hlt.
func (pm *ProcessManager) Run() {
	for {
		select {
		case <-pm.stop:
			return
		default:
		}

		pm.mu.Lock()
		if pm.live == 0 {
			pm.mu.Unlock()
			return
		}
		if len(pm.ready) == 0 {
			pm.mu.Unlock()
			pm.ic.WaitForInterrupt(pm.stop)
			continue
		}
		next := pm.ready[0]
		pm.ready = pm.ready[1:]

		// Context switch: interrupts closed across the restore so the
		// register file is never observed half-written.
		pm.ic.DisableInterrupts()
		next.state = StateRunning
		pm.current = next
		next.ctx.RestoreInto(&pm.cpu)
		pm.switches++
		pm.ic.EnableInterrupts()
		pm.mu.Unlock()

		next.resume <- struct{}{}
		// The dispatched process normally hands the CPU back over
		// toSched, but a fatal teardown halts without doing so; honor
		// Stop here too so Run cannot park forever on a dead machine.
		select {
		case <-pm.toSched:
		case <-pm.stop:
			return
		}
	}
}

// Stop makes Run return after the current dispatch completes.
func (pm *ProcessManager) Stop() {
	select {
	case <-pm.stop:
	default:
		close(pm.stop)
	}
}

// yieldCurrent moves the running process to the ready queue tail and
// hands the CPU to the scheduler. Must be called from process context.
func (pm *ProcessManager) yieldCurrent() {
	pm.mu.Lock()
	p := pm.current
	if p == nil {
		pm.mu.Unlock()
		pm.fatal("yield with no running process")
		return
	}
	pm.ic.DisableInterrupts()
	p.ctx = CaptureContext(&pm.cpu)
	p.state = StateReady
	p.resched = false
	pm.ready = append(pm.ready, p)
	pm.current = nil
	pm.ic.EnableInterrupts()
	pm.mu.Unlock()

	select {
	case pm.toSched <- struct{}{}:
	case <-pm.stop:
	}
	<-p.resume
}

// preemptPoint yields if a timer tick marked the running process for
// rescheduling. Every kernel entry calls it on the way out.
func (pm *ProcessManager) preemptPoint() {
	pm.mu.Lock()
	p := pm.current
	marked := p != nil && p.resched
	pm.mu.Unlock()
	if marked {
		pm.yieldCurrent()
	}
}

// finishExit tears the process down after its body has unwound: the
// stack block goes back to the heap, the table slot joins the free
// list for reuse, and the CPU returns to the scheduler. The PID is
// retired with the process.
func (pm *ProcessManager) finishExit(p *PCB, status int32) {
	pm.mu.Lock()
	pm.ic.DisableInterrupts()
	p.state = StateTerminated
	pm.lastExitPID = p.pid
	pm.lastExitStatus = status
	if err := pm.hp.Free(p.stack); err != nil {
		pm.ic.EnableInterrupts()
		pm.mu.Unlock()
		pm.fatal("process %d (%s): stack reclaim: %v", p.pid, p.name, err)
		return
	}
	pm.slots[p.slot] = nil
	pm.freeSlots = append(pm.freeSlots, p.slot)
	pm.live--
	pm.current = nil
	pm.ic.EnableInterrupts()
	pm.mu.Unlock()

	select {
	case pm.toSched <- struct{}{}:
	case <-pm.stop:
	}
}

// ============================================================================
// Process environment
// ============================================================================

// Env is a process's view of the kernel: the trap instruction plus the
// conveniences user code builds on it. Each PCB owns exactly one Env,
// valid only while that process runs.
type Env struct {
	pm *ProcessManager
	p  *PCB
}

// Yield voluntarily gives up the CPU; the process re-queues at the
// ready tail and resumes after everything ahead of it has run.
func (e *Env) Yield() {
	e.pm.yieldCurrent()
}

// Exit terminates the process, reclaiming its stack. It never returns.
func (e *Env) Exit(status int32) {
	panic(processExit{status: status})
}

// Syscall executes the software-interrupt trap: the call number goes
// to EAX, arguments to EBX/CX/DX, the frame is raised on vector 0x80,
// and the handler's EAX comes back as the result. A preemption mark
// set during the trap is honored before returning to the caller.
func (e *Env) Syscall(num, a1, a2, a3 uint32) int32 {
	pm := e.pm

	pm.mu.Lock()
	frame := pm.cpu
	pm.mu.Unlock()

	frame.EAX = num
	frame.EBX = a1
	frame.ECX = a2
	frame.EDX = a3
	if err := pm.ic.Raise(VectorSyscall, &frame); err != nil {
		pm.fatal("syscall trap: %v", err)
	}

	pm.mu.Lock()
	pm.cpu = frame
	pm.mu.Unlock()

	pm.preemptPoint()
	return int32(frame.EAX)
}

// stage copies data into the scratch area at the bottom of the process
// stack and returns its virtual address, so byte buffers can be passed
// to the kernel the way a real program passes pointers. The area is
// reused on every call; syscalls consume it before returning.
func (e *Env) stage(data []byte) (uint32, error) {
	if uint32(len(data)) > e.p.stack.Size()/2 {
		return 0, fmt.Errorf("process %d: %d byte buffer exceeds the stack scratch area", e.p.pid, len(data))
	}
	if err := e.pm.hp.write(e.p.stack, 0, data); err != nil {
		return 0, err
	}
	return e.p.stack.Addr(), nil
}

// fetch reads n bytes back out of the stack scratch area.
func (e *Env) fetch(n uint32) ([]byte, error) {
	if n > e.p.stack.Size()/2 {
		return nil, fmt.Errorf("process %d: %d byte buffer exceeds the stack scratch area", e.p.pid, n)
	}
	buf := make([]byte, n)
	if err := e.pm.hp.read(e.p.stack, 0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
