package kernel

import (
	"errors"
	"fmt"
	"sync"
)

// ============================================================================
// Virtual Memory Manager
// ============================================================================

var (
	// ErrAlreadyMapped is returned when mapping a virtual page that
	// already has a present translation.
	ErrAlreadyMapped = errors.New("page already mapped")

	// ErrNotMapped is returned when unmapping or translating a virtual
	// page that has no present translation.
	ErrNotMapped = errors.New("page not mapped")

	// ErrKernelPage is returned when a user address space tries to
	// unmap a page that belongs to the shared kernel region.
	ErrKernelPage = errors.New("kernel page")

	// ErrPagingEnabled is returned when paging is enabled twice.
	ErrPagingEnabled = errors.New("paging already enabled")
)

// PageTableEntry is one slot of a page table: the frame number in the
// upper 20 bits, flag bits in the lower 12.
type PageTableEntry uint32

// Page table entry flag bits.
const (
	PTE_PRESENT  PageTableEntry = 1 << 0
	PTE_WRITABLE PageTableEntry = 1 << 1
	PTE_USER     PageTableEntry = 1 << 2
)

const (
	entriesPerTable = 1024
	pageShift       = 12
	tableShift      = 22
	tableIndexMask  = 0x3FF
	offsetMask      = PageSize - 1
)

// Frame returns the frame number stored in the entry.
func (e PageTableEntry) Frame() Frame { return Frame(e >> pageShift) }

// Present reports whether the entry holds a live translation.
func (e PageTableEntry) Present() bool { return e&PTE_PRESENT != 0 }

func makeEntry(f Frame, flags PageTableEntry) PageTableEntry {
	return PageTableEntry(uint32(f)<<pageShift) | (flags & 0xFFF) | PTE_PRESENT
}

// pageTable is a second-level table of 1024 entries. The frame field
// records the physical frame that backs the table itself so the frame
// accounting matches what real hardware would consume.
type pageTable struct {
	frame   Frame
	entries [entriesPerTable]PageTableEntry
	live    uint32 // number of present entries
}

// dirEntry is one slot of a page directory.
type dirEntry struct {
	table        *pageTable
	kernelShared bool
}

// AddressSpace is a page directory handle. Every address space aliases
// the kernel's second-level tables, so kernel mappings are visible in
// all of them.
type AddressSpace struct {
	id  uint32
	dir [entriesPerTable]dirEntry
}

// ID returns the address-space identifier (0 is the kernel space).
func (as *AddressSpace) ID() uint32 { return as.id }

// FaultInfo describes a page fault as decoded from the fault vector's
// error code: the faulting virtual address and the access that caused it.
type FaultInfo struct {
	Addr  uint32
	Write bool
	User  bool
}

func (fi FaultInfo) String() string {
	access := "read"
	if fi.Write {
		access = "write"
	}
	mode := "kernel"
	if fi.User {
		mode = "user"
	}
	return fmt.Sprintf("page fault at 0x%08x (%s access, %s mode)", fi.Addr, access, mode)
}

// MemoryManager owns all page directories. It identity-maps the kernel
// image at boot, pre-maps the kernel heap window, and shares those
// regions into every address space it creates.
type MemoryManager struct {
	mu      sync.Mutex
	fa      *FrameAllocator
	kernel  *AddressSpace
	active  *AddressSpace
	paging  bool
	nextID  uint32
	faults  uint64
	heapTop uint32 // exclusive upper bound of the shared kernel region
}

// NewMemoryManager builds the kernel address space: the kernel image
// [0, kernelBytes) is identity-mapped, and the heap window
// [heapBase, heapBase+heapBytes) is mapped to freshly allocated frames.
// All sizes must be page multiples.
func NewMemoryManager(fa *FrameAllocator, kernelBytes, heapBase, heapBytes uint32) (*MemoryManager, error) {
	for _, v := range []uint32{kernelBytes, heapBase, heapBytes} {
		if v%PageSize != 0 {
			return nil, fmt.Errorf("vmm: 0x%x is not page aligned", v)
		}
	}
	mm := &MemoryManager{
		fa:      fa,
		kernel:  &AddressSpace{id: 0},
		nextID:  1,
		heapTop: heapBase + heapBytes,
	}
	mm.active = mm.kernel

	// Identity-map the kernel image so physical frame N backs virtual
	// page N. The image frames are already reserved in the allocator.
	for virt := uint32(0); virt < kernelBytes; virt += PageSize {
		if err := mm.mapLocked(mm.kernel, virt, Frame(virt/PageSize), PTE_WRITABLE, true); err != nil {
			return nil, fmt.Errorf("vmm: kernel image map at 0x%x: %w", virt, err)
		}
	}
	// Back the heap window with fresh frames.
	for virt := heapBase; virt < heapBase+heapBytes; virt += PageSize {
		f, err := fa.AllocFrame()
		if err != nil {
			return nil, fmt.Errorf("vmm: heap window at 0x%x: %w", virt, err)
		}
		if err := mm.mapLocked(mm.kernel, virt, f, PTE_WRITABLE, true); err != nil {
			return nil, fmt.Errorf("vmm: heap window map at 0x%x: %w", virt, err)
		}
	}
	return mm, nil
}

// KernelSpace returns the kernel address space.
func (mm *MemoryManager) KernelSpace() *AddressSpace { return mm.kernel }

// CreateAddressSpace builds a new address space whose directory aliases
// every kernel table, so the kernel image and heap are mapped in it.
func (mm *MemoryManager) CreateAddressSpace() (*AddressSpace, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	as := &AddressSpace{id: mm.nextID}
	mm.nextID++
	for i, de := range mm.kernel.dir {
		if de.table != nil {
			as.dir[i] = dirEntry{table: de.table, kernelShared: true}
		}
	}
	return as, nil
}

// DestroyAddressSpace releases every private mapping and table of the
// address space. The shared kernel tables are left untouched. The
// kernel space itself cannot be destroyed.
func (mm *MemoryManager) DestroyAddressSpace(as *AddressSpace) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if as == mm.kernel {
		return fmt.Errorf("vmm: cannot destroy the kernel address space")
	}
	if as == mm.active {
		return fmt.Errorf("vmm: cannot destroy the active address space %d", as.id)
	}
	for i := range as.dir {
		de := as.dir[i]
		if de.table == nil || de.kernelShared {
			continue
		}
		for j, pte := range de.table.entries {
			if !pte.Present() {
				continue
			}
			if err := mm.fa.FreeFrame(pte.Frame()); err != nil {
				return fmt.Errorf("vmm: destroy space %d, entry %d/%d: %w", as.id, i, j, err)
			}
		}
		if err := mm.fa.FreeFrame(de.table.frame); err != nil {
			return fmt.Errorf("vmm: destroy space %d, table %d: %w", as.id, i, err)
		}
		as.dir[i] = dirEntry{}
	}
	return nil
}

// Map installs a translation from the virtual page at virt to the given
// frame. The covering second-level table is allocated on demand.
// Mapping an already-mapped page fails with ErrAlreadyMapped.
func (mm *MemoryManager) Map(as *AddressSpace, virt uint32, f Frame, flags PageTableEntry) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.mapLocked(as, virt, f, flags, false)
}

func (mm *MemoryManager) mapLocked(as *AddressSpace, virt uint32, f Frame, flags PageTableEntry, kernelRegion bool) error {
	if virt%PageSize != 0 {
		return fmt.Errorf("vmm: map 0x%x: address not page aligned", virt)
	}
	di := virt >> tableShift
	ti := (virt >> pageShift) & tableIndexMask

	de := &as.dir[di]
	if de.table == nil {
		tf, err := mm.fa.AllocFrame()
		if err != nil {
			return fmt.Errorf("vmm: page table for 0x%x: %w", virt, err)
		}
		de.table = &pageTable{frame: tf}
		// Kernel tables are only grown during boot, before the first
		// CreateAddressSpace, so every later space aliases all of them.
		de.kernelShared = kernelRegion
	}
	if de.table.entries[ti].Present() {
		return fmt.Errorf("vmm: map 0x%08x in space %d: %w", virt, as.id, ErrAlreadyMapped)
	}
	de.table.entries[ti] = makeEntry(f, flags)
	de.table.live++
	return nil
}

// Unmap removes the translation for the virtual page at virt and
// returns its frame to the frame allocator. Unmapping an unmapped page
// fails with ErrNotMapped; unmapping a shared kernel page from a user
// space fails with ErrKernelPage.
func (mm *MemoryManager) Unmap(as *AddressSpace, virt uint32) (Frame, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if virt%PageSize != 0 {
		return 0, fmt.Errorf("vmm: unmap 0x%x: address not page aligned", virt)
	}
	di := virt >> tableShift
	ti := (virt >> pageShift) & tableIndexMask

	de := &as.dir[di]
	if de.table == nil || !de.table.entries[ti].Present() {
		return 0, fmt.Errorf("vmm: unmap 0x%08x in space %d: %w", virt, as.id, ErrNotMapped)
	}
	if de.kernelShared && as != mm.kernel {
		return 0, fmt.Errorf("vmm: unmap 0x%08x in space %d: %w", virt, as.id, ErrKernelPage)
	}
	f := de.table.entries[ti].Frame()
	de.table.entries[ti] = 0
	de.table.live--
	if err := mm.fa.FreeFrame(f); err != nil {
		return 0, fmt.Errorf("vmm: unmap 0x%08x: %w", virt, err)
	}
	return f, nil
}

// Translate resolves a virtual address to a physical one through the
// given address space. The byte offset within the page is preserved.
func (mm *MemoryManager) Translate(as *AddressSpace, virt uint32) (uint32, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	di := virt >> tableShift
	ti := (virt >> pageShift) & tableIndexMask

	de := as.dir[di]
	if de.table == nil || !de.table.entries[ti].Present() {
		return 0, fmt.Errorf("vmm: translate 0x%08x in space %d: %w", virt, as.id, ErrNotMapped)
	}
	return de.table.entries[ti].Frame().Addr() + virt&offsetMask, nil
}

// Enable turns paging on. It may be called exactly once, after the
// kernel address space is fully built.
func (mm *MemoryManager) Enable() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.paging {
		return ErrPagingEnabled
	}
	mm.paging = true
	return nil
}

// Enabled reports whether paging has been turned on.
func (mm *MemoryManager) Enabled() bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.paging
}

// SwitchAddressSpace makes as the active address space, the simulated
// equivalent of loading its directory into the translation base register.
func (mm *MemoryManager) SwitchAddressSpace(as *AddressSpace) {
	mm.mu.Lock()
	mm.active = as
	mm.mu.Unlock()
}

// Active returns the currently active address space.
func (mm *MemoryManager) Active() *AddressSpace {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.active
}

// DecodeFault interprets a fault vector's error code and faulting
// address register the way the hardware reports them: bit 1 set means
// a write access, bit 2 set means the fault came from user mode.
func DecodeFault(addr, errCode uint32) FaultInfo {
	return FaultInfo{
		Addr:  addr,
		Write: errCode&0x2 != 0,
		User:  errCode&0x4 != 0,
	}
}

// copyIn copies n bytes starting at virtual address virt in as into
// dst, translating page by page. Used by the syscall layer to read
// user buffers.
func (mm *MemoryManager) copyIn(as *AddressSpace, dst []byte, virt uint32) error {
	for off := uint32(0); off < uint32(len(dst)); {
		phys, err := mm.Translate(as, virt+off)
		if err != nil {
			return err
		}
		chunk := PageSize - (virt+off)&offsetMask
		if rem := uint32(len(dst)) - off; chunk > rem {
			chunk = rem
		}
		copy(dst[off:off+chunk], mm.fa.PhysBytes(phys, chunk))
		off += chunk
	}
	return nil
}

// copyOut copies src to virtual address virt in as, page by page.
func (mm *MemoryManager) copyOut(as *AddressSpace, virt uint32, src []byte) error {
	for off := uint32(0); off < uint32(len(src)); {
		phys, err := mm.Translate(as, virt+off)
		if err != nil {
			return err
		}
		chunk := PageSize - (virt+off)&offsetMask
		if rem := uint32(len(src)) - off; chunk > rem {
			chunk = rem
		}
		copy(mm.fa.PhysBytes(phys, chunk), src[off:off+chunk])
		off += chunk
	}
	return nil
}
