// Package kernel implements a simulated monolithic kernel for a
// single-core 32-bit machine: physical frame allocation, two-level
// paging, a first-fit kernel heap, round-robin process scheduling and
// a software-interrupt system-call dispatcher. Hardware state lives in
// explicit Go values owned by the Kernel aggregate; "interrupts" are
// events raised into the InterruptController by external drivers.
package kernel

import (
	"errors"
	"fmt"
	"sync"
)

// ============================================================================
// Physical Frame Allocator
// ============================================================================

// PageSize is the size of one physical frame and one virtual page.
const PageSize = 4096

var (
	// ErrOutOfMemory is returned when no free frame (or heap block)
	// can satisfy an allocation.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrDoubleFree is returned when a frame that is already free is
	// freed again.
	ErrDoubleFree = errors.New("double free")
)

// Frame is a physical frame number. The frame's base address is
// Frame * PageSize.
type Frame uint32

// Addr returns the physical base address of the frame.
func (f Frame) Addr() uint32 { return uint32(f) * PageSize }

// FrameRange describes a run of physical frames [Start, Start+Count).
type FrameRange struct {
	Start Frame
	Count uint32
}

// FrameStats is a snapshot of frame allocator accounting.
type FrameStats struct {
	TotalFrames    uint32
	UsedFrames     uint32
	FreeFrames     uint32
	ReservedFrames uint32
}

// FrameAllocator hands out physical frames from a bitmap covering all
// of simulated physical memory. One bit per frame; set means used.
// Allocation returns the lowest free frame, scanning from a cached
// hint so repeated allocations do not rescan the low region.
type FrameAllocator struct {
	mu       sync.Mutex
	bitmap   []uint32
	total    uint32
	used     uint32
	reserved uint32
	nextFree uint32 // scan hint: no free frame exists below this index
	mem      []byte // simulated physical memory backing store
}

// NewFrameAllocator builds an allocator over memBytes of physical
// memory. memBytes must be a positive multiple of PageSize. The given
// ranges (kernel image, firmware holes) are pre-marked as reserved and
// never handed out.
func NewFrameAllocator(memBytes uint32, reserved []FrameRange) (*FrameAllocator, error) {
	if memBytes == 0 || memBytes%PageSize != 0 {
		return nil, fmt.Errorf("memory size 0x%x is not a positive multiple of the page size", memBytes)
	}
	total := memBytes / PageSize
	fa := &FrameAllocator{
		bitmap: make([]uint32, (total+31)/32),
		total:  total,
		mem:    make([]byte, memBytes),
	}
	for _, r := range reserved {
		if uint32(r.Start)+r.Count > total {
			return nil, fmt.Errorf("reserved range [%d,+%d) exceeds %d frames", r.Start, r.Count, total)
		}
		for i := uint32(0); i < r.Count; i++ {
			f := uint32(r.Start) + i
			if !fa.testBit(f) {
				fa.setBit(f)
				fa.reserved++
			}
		}
	}
	fa.used = fa.reserved
	fa.advanceHint()
	return fa, nil
}

// AllocFrame returns the lowest-numbered free frame, or ErrOutOfMemory
// when every frame is in use.
func (fa *FrameAllocator) AllocFrame() (Frame, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	for i := fa.nextFree; i < fa.total; i++ {
		if !fa.testBit(i) {
			fa.setBit(i)
			fa.used++
			fa.nextFree = i + 1
			return Frame(i), nil
		}
	}
	return 0, fmt.Errorf("frame allocator: %w (%d/%d frames used)", ErrOutOfMemory, fa.used, fa.total)
}

// FreeFrame returns a frame to the allocator. Freeing a frame that is
// not allocated is a kernel bug and reported as ErrDoubleFree.
func (fa *FrameAllocator) FreeFrame(f Frame) error {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if uint32(f) >= fa.total {
		return fmt.Errorf("frame allocator: frame %d out of range (%d frames)", f, fa.total)
	}
	if !fa.testBit(uint32(f)) {
		return fmt.Errorf("frame allocator: frame %d: %w", f, ErrDoubleFree)
	}
	fa.clearBit(uint32(f))
	fa.used--
	if uint32(f) < fa.nextFree {
		fa.nextFree = uint32(f)
	}
	return nil
}

// Stats returns a consistent snapshot of the allocator counters.
func (fa *FrameAllocator) Stats() FrameStats {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return FrameStats{
		TotalFrames:    fa.total,
		UsedFrames:     fa.used,
		FreeFrames:     fa.total - fa.used,
		ReservedFrames: fa.reserved,
	}
}

// FrameBytes exposes the backing bytes of a frame. The slice aliases
// simulated physical memory; writes through it are stores to RAM.
func (fa *FrameAllocator) FrameBytes(f Frame) []byte {
	base := f.Addr()
	return fa.mem[base : base+PageSize : base+PageSize]
}

// PhysBytes exposes [addr, addr+n) of simulated physical memory.
func (fa *FrameAllocator) PhysBytes(addr, n uint32) []byte {
	return fa.mem[addr : addr+n : addr+n]
}

func (fa *FrameAllocator) testBit(i uint32) bool { return fa.bitmap[i/32]&(1<<(i%32)) != 0 }
func (fa *FrameAllocator) setBit(i uint32)       { fa.bitmap[i/32] |= 1 << (i % 32) }
func (fa *FrameAllocator) clearBit(i uint32)     { fa.bitmap[i/32] &^= 1 << (i % 32) }

// advanceHint moves the scan hint past the reserved prefix.
func (fa *FrameAllocator) advanceHint() {
	for fa.nextFree < fa.total && fa.testBit(fa.nextFree) {
		fa.nextFree++
	}
}
