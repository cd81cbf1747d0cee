package kernel

import (
	"testing"
)

func TestInterruptDispatch(t *testing.T) {
	ic := NewInterruptController()
	var seen []uint32
	if err := ic.Register(VectorDivideError, func(tf *TrapFrame) {
		seen = append(seen, tf.Vector)
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := ic.Raise(VectorDivideError, &TrapFrame{}); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if len(seen) != 1 || seen[0] != VectorDivideError {
		t.Errorf("handler saw %v", seen)
	}
}

func TestRaiseUnhandledVector(t *testing.T) {
	ic := NewInterruptController()
	if err := ic.Raise(VectorGeneralProtection, &TrapFrame{}); err == nil {
		t.Error("Raise on empty vector succeeded")
	}
	if err := ic.Raise(300, &TrapFrame{}); err == nil {
		t.Error("Raise on out-of-range vector succeeded")
	}
	if err := ic.Register(300, func(*TrapFrame) {}); err == nil {
		t.Error("Register on out-of-range vector succeeded")
	}
}

func TestTimerMasking(t *testing.T) {
	ic := NewInterruptController()
	fired := 0
	if err := ic.Register(VectorTimer, func(*TrapFrame) { fired++ }); err != nil {
		t.Fatal(err)
	}

	// Masked at boot: ticks are dropped, not delivered or counted.
	ic.Tick()
	if fired != 0 || ic.Ticks() != 0 || ic.DroppedTicks() != 1 {
		t.Fatalf("masked tick: fired=%d ticks=%d dropped=%d", fired, ic.Ticks(), ic.DroppedTicks())
	}

	ic.EnableInterrupts()
	ic.Tick()
	ic.Tick()
	if fired != 2 || ic.Ticks() != 2 {
		t.Errorf("open ticks: fired=%d ticks=%d", fired, ic.Ticks())
	}

	ic.DisableInterrupts()
	ic.Tick()
	if fired != 2 || ic.DroppedTicks() != 2 {
		t.Errorf("re-masked tick: fired=%d dropped=%d", fired, ic.DroppedTicks())
	}
}

func TestSyscallVectorBypassesMask(t *testing.T) {
	ic := NewInterruptController()
	fired := false
	if err := ic.Register(VectorSyscall, func(*TrapFrame) { fired = true }); err != nil {
		t.Fatal(err)
	}
	// Software interrupts deliver even with interrupts disabled.
	if err := ic.Raise(VectorSyscall, &TrapFrame{}); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if !fired {
		t.Error("syscall vector masked")
	}
}

func TestWaitForInterrupt(t *testing.T) {
	ic := NewInterruptController()
	ic.EnableInterrupts()
	if err := ic.Register(VectorTimer, func(*TrapFrame) {}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		ic.WaitForInterrupt(nil)
		close(done)
	}()
	ic.Tick()
	<-done

	// A closed stop channel also releases the wait.
	stop := make(chan struct{})
	close(stop)
	ic.WaitForInterrupt(stop)
}
