package kernel

import (
	"errors"
	"fmt"
	"sync"
)

// ============================================================================
// Kernel Heap
// ============================================================================

var (
	// ErrInvalidFree is returned when freeing an address the heap does
	// not recognize as the start of a live allocation.
	ErrInvalidFree = errors.New("invalid free")

	// ErrOverflow is returned when a counted allocation's total size
	// does not fit in the address width.
	ErrOverflow = errors.New("size overflow")
)

// heapHeaderSize is the per-block accounting overhead. Every block,
// free or used, pays it, so the sum of body sizes plus overhead always
// equals the heap window.
const heapHeaderSize = 16

// heapAlign is the allocation granularity; requested sizes round up to it.
const heapAlign = 8

// Block is a live heap allocation: the virtual address of its body and
// the usable size in bytes.
type Block struct {
	addr uint32
	size uint32
}

// Addr returns the virtual address of the block body.
func (b Block) Addr() uint32 { return b.addr }

// Size returns the usable size of the block body.
func (b Block) Size() uint32 { return b.size }

// HeapStats is a snapshot of heap accounting.
type HeapStats struct {
	TotalBytes uint32 // size of the heap window
	UsedBytes  uint32 // body bytes of live allocations
	FreeBytes  uint32 // body bytes available in free blocks
	Blocks     uint32 // total block count, free and used
	FreeBlocks uint32
}

// heapBlock is one node of the ordered block list. addr is the header
// address; the body starts heapHeaderSize bytes after it.
type heapBlock struct {
	addr uint32
	size uint32 // body size
	free bool
	prev *heapBlock
	next *heapBlock
}

func (hb *heapBlock) body() uint32 { return hb.addr + heapHeaderSize }

// Heap is a first-fit allocator over a virtual window the memory
// manager mapped at boot. Blocks carry explicit headers; freeing
// coalesces with both neighbors immediately, so two adjacent free
// blocks never exist.
type Heap struct {
	mu    sync.Mutex
	mm    *MemoryManager
	base  uint32
	size  uint32
	head  *heapBlock
	byAdr map[uint32]*heapBlock // body address -> live block
	used  uint32
	count uint32
	frees uint32 // free block count
}

// NewHeap builds a heap over the window [base, base+size), which must
// already be mapped in the kernel address space. The window starts as
// a single free block.
func NewHeap(mm *MemoryManager, base, size uint32) (*Heap, error) {
	if size <= heapHeaderSize {
		return nil, fmt.Errorf("heap: window of %d bytes cannot hold a block header", size)
	}
	if _, err := mm.Translate(mm.KernelSpace(), base); err != nil {
		return nil, fmt.Errorf("heap: window base 0x%x is not mapped: %w", base, err)
	}
	if _, err := mm.Translate(mm.KernelSpace(), base+size-1); err != nil {
		return nil, fmt.Errorf("heap: window end 0x%x is not mapped: %w", base+size-1, err)
	}
	h := &Heap{
		mm:    mm,
		base:  base,
		size:  size,
		head:  &heapBlock{addr: base, size: size - heapHeaderSize, free: true},
		byAdr: make(map[uint32]*heapBlock),
		count: 1,
		frees: 1,
	}
	return h, nil
}

// Alloc returns a block of at least size bytes, scanning the block
// list front to back for the first free block that fits. The chosen
// block is split when the remainder can hold another header.
func (h *Heap) Alloc(size uint32) (Block, error) {
	if size == 0 {
		return Block{}, fmt.Errorf("heap: zero-size allocation")
	}
	need := (size + heapAlign - 1) &^ uint32(heapAlign-1)

	h.mu.Lock()
	defer h.mu.Unlock()

	for hb := h.head; hb != nil; hb = hb.next {
		if !hb.free || hb.size < need {
			continue
		}
		// Split off the tail when it can hold a header plus at least
		// one granule of body.
		if hb.size >= need+heapHeaderSize+heapAlign {
			tail := &heapBlock{
				addr: hb.addr + heapHeaderSize + need,
				size: hb.size - need - heapHeaderSize,
				free: true,
				prev: hb,
				next: hb.next,
			}
			if hb.next != nil {
				hb.next.prev = tail
			}
			hb.next = tail
			hb.size = need
			h.count++
			h.frees++
		}
		hb.free = false
		h.frees--
		h.used += hb.size
		h.byAdr[hb.body()] = hb
		return Block{addr: hb.body(), size: hb.size}, nil
	}
	return Block{}, fmt.Errorf("heap: %d bytes: %w", size, ErrOutOfMemory)
}

// AllocZeroed allocates count*size bytes and zero-fills the body; the
// product is overflow-checked before any allocation happens.
func (h *Heap) AllocZeroed(count, size uint32) (Block, error) {
	if count != 0 && size > ^uint32(0)/count {
		return Block{}, fmt.Errorf("heap: %d x %d bytes: %w", count, size, ErrOverflow)
	}
	b, err := h.Alloc(count * size)
	if err != nil {
		return Block{}, err
	}
	zero := make([]byte, b.size)
	if err := h.mm.copyOut(h.mm.KernelSpace(), b.addr, zero); err != nil {
		h.Free(b)
		return Block{}, fmt.Errorf("heap: zero fill at 0x%x: %w", b.addr, err)
	}
	return b, nil
}

// Free releases a block. The address must be the body address of a
// live allocation; anything else is a kernel bug reported as
// ErrInvalidFree. The freed block coalesces with free neighbors at once.
func (h *Heap) Free(b Block) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	hb, ok := h.byAdr[b.addr]
	if !ok || hb.free {
		return fmt.Errorf("heap: free 0x%08x: %w", b.addr, ErrInvalidFree)
	}
	delete(h.byAdr, b.addr)
	hb.free = true
	h.frees++
	h.used -= hb.size

	// Merge with the following block first so hb's extent is final
	// before the preceding merge looks at it.
	if n := hb.next; n != nil && n.free {
		hb.size += heapHeaderSize + n.size
		hb.next = n.next
		if n.next != nil {
			n.next.prev = hb
		}
		h.count--
		h.frees--
	}
	if p := hb.prev; p != nil && p.free {
		p.size += heapHeaderSize + hb.size
		p.next = hb.next
		if hb.next != nil {
			hb.next.prev = p
		}
		h.count--
		h.frees--
	}
	return nil
}

// Stats returns a consistent snapshot of the heap counters.
func (h *Heap) Stats() HeapStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HeapStats{
		TotalBytes: h.size,
		UsedBytes:  h.used,
		FreeBytes:  h.size - h.used - h.count*heapHeaderSize,
		Blocks:     h.count,
		FreeBlocks: h.frees,
	}
}

// write stores src at the given offset into the block body.
func (h *Heap) write(b Block, off uint32, src []byte) error {
	if off+uint32(len(src)) > b.size {
		return fmt.Errorf("heap: write past block 0x%08x (%d+%d > %d)", b.addr, off, len(src), b.size)
	}
	return h.mm.copyOut(h.mm.KernelSpace(), b.addr+off, src)
}

// read loads len(dst) bytes from the given offset of the block body.
func (h *Heap) read(b Block, off uint32, dst []byte) error {
	if off+uint32(len(dst)) > b.size {
		return fmt.Errorf("heap: read past block 0x%08x (%d+%d > %d)", b.addr, off, len(dst), b.size)
	}
	return h.mm.copyIn(h.mm.KernelSpace(), dst, b.addr+off)
}
