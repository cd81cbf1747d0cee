package kernel

import (
	"errors"
	"testing"
)

func TestFrameAllocatorBasic(t *testing.T) {
	fa, err := NewFrameAllocator(16*PageSize, nil)
	if err != nil {
		t.Fatalf("NewFrameAllocator: %v", err)
	}

	t.Run("AllocLowestFirst", func(t *testing.T) {
		for want := Frame(0); want < 4; want++ {
			f, err := fa.AllocFrame()
			if err != nil {
				t.Fatalf("AllocFrame: %v", err)
			}
			if f != want {
				t.Errorf("AllocFrame = %d, want %d", f, want)
			}
		}
	})

	t.Run("Stats", func(t *testing.T) {
		st := fa.Stats()
		if st.TotalFrames != 16 || st.UsedFrames != 4 || st.FreeFrames != 12 {
			t.Errorf("Stats = %+v, want 4/16 used", st)
		}
	})

	t.Run("FreeReopensLowestSlot", func(t *testing.T) {
		if err := fa.FreeFrame(1); err != nil {
			t.Fatalf("FreeFrame(1): %v", err)
		}
		f, err := fa.AllocFrame()
		if err != nil {
			t.Fatalf("AllocFrame: %v", err)
		}
		if f != 1 {
			t.Errorf("AllocFrame after free = %d, want 1", f)
		}
	})

	t.Run("DoubleFree", func(t *testing.T) {
		if err := fa.FreeFrame(2); err != nil {
			t.Fatalf("FreeFrame(2): %v", err)
		}
		err := fa.FreeFrame(2)
		if !errors.Is(err, ErrDoubleFree) {
			t.Errorf("second FreeFrame(2) = %v, want ErrDoubleFree", err)
		}
	})

	t.Run("OutOfRange", func(t *testing.T) {
		if err := fa.FreeFrame(99); err == nil {
			t.Error("FreeFrame(99) succeeded for out-of-range frame")
		}
	})
}

func TestFrameAllocatorExhaustion(t *testing.T) {
	fa, err := NewFrameAllocator(4*PageSize, nil)
	if err != nil {
		t.Fatalf("NewFrameAllocator: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := fa.AllocFrame(); err != nil {
			t.Fatalf("AllocFrame %d: %v", i, err)
		}
	}
	_, err = fa.AllocFrame()
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("AllocFrame on full allocator = %v, want ErrOutOfMemory", err)
	}

	// Freeing any frame makes allocation possible again.
	if err := fa.FreeFrame(3); err != nil {
		t.Fatalf("FreeFrame: %v", err)
	}
	f, err := fa.AllocFrame()
	if err != nil || f != 3 {
		t.Fatalf("AllocFrame after free = %d, %v; want 3, nil", f, err)
	}
}

func TestFrameAllocatorReserved(t *testing.T) {
	fa, err := NewFrameAllocator(8*PageSize, []FrameRange{{Start: 0, Count: 3}})
	if err != nil {
		t.Fatalf("NewFrameAllocator: %v", err)
	}
	st := fa.Stats()
	if st.ReservedFrames != 3 || st.UsedFrames != 3 {
		t.Fatalf("Stats after reserve = %+v, want 3 reserved", st)
	}
	f, err := fa.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	if f != 3 {
		t.Errorf("first allocation = %d, want 3 (past reserved prefix)", f)
	}
}

func TestFrameAllocatorRejectsBadGeometry(t *testing.T) {
	if _, err := NewFrameAllocator(0, nil); err == nil {
		t.Error("zero memory size accepted")
	}
	if _, err := NewFrameAllocator(PageSize+1, nil); err == nil {
		t.Error("unaligned memory size accepted")
	}
	if _, err := NewFrameAllocator(4*PageSize, []FrameRange{{Start: 3, Count: 2}}); err == nil {
		t.Error("reserved range past end accepted")
	}
}

func TestFrameBytesAliasMemory(t *testing.T) {
	fa, err := NewFrameAllocator(4*PageSize, nil)
	if err != nil {
		t.Fatalf("NewFrameAllocator: %v", err)
	}
	f, err := fa.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	fa.FrameBytes(f)[0] = 0xAB
	if got := fa.PhysBytes(f.Addr(), 1)[0]; got != 0xAB {
		t.Errorf("PhysBytes = 0x%x, want 0xAB", got)
	}
}
