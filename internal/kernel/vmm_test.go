package kernel

import (
	"errors"
	"testing"
)

const (
	testKernelBytes = 16 * PageSize
	testHeapBase    = 1 << 22 // directory slot 1, away from the image
	testHeapBytes   = 16 * PageSize
)

func newTestVM(t *testing.T) (*FrameAllocator, *MemoryManager) {
	t.Helper()
	fa, err := NewFrameAllocator(4<<20, []FrameRange{{Start: 0, Count: testKernelBytes / PageSize}})
	if err != nil {
		t.Fatalf("NewFrameAllocator: %v", err)
	}
	mm, err := NewMemoryManager(fa, testKernelBytes, testHeapBase, testHeapBytes)
	if err != nil {
		t.Fatalf("NewMemoryManager: %v", err)
	}
	return fa, mm
}

func TestMapUnmapRoundtrip(t *testing.T) {
	fa, mm := newTestVM(t)
	as, err := mm.CreateAddressSpace()
	if err != nil {
		t.Fatalf("CreateAddressSpace: %v", err)
	}

	before := fa.Stats().UsedFrames
	f, err := fa.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	const virt = 0x40000000
	if err := mm.Map(as, virt, f, PTE_WRITABLE); err != nil {
		t.Fatalf("Map: %v", err)
	}

	phys, err := mm.Translate(as, virt+123)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if phys != f.Addr()+123 {
		t.Errorf("Translate = 0x%x, want 0x%x", phys, f.Addr()+123)
	}

	got, err := mm.Unmap(as, virt)
	if err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got != f {
		t.Errorf("Unmap returned frame %d, want %d", got, f)
	}
	if _, err := mm.Translate(as, virt); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Translate after unmap = %v, want ErrNotMapped", err)
	}

	// The mapped frame went back to the allocator; only the page table
	// frame allocated on first touch is still held.
	after := fa.Stats().UsedFrames
	if after != before+1 {
		t.Errorf("used frames after roundtrip = %d, want %d (one table frame)", after, before+1)
	}
}

func TestMapAlreadyMapped(t *testing.T) {
	fa, mm := newTestVM(t)
	f1, _ := fa.AllocFrame()
	f2, _ := fa.AllocFrame()
	const virt = 0x40000000
	if err := mm.Map(mm.KernelSpace(), virt, f1, PTE_WRITABLE); err != nil {
		t.Fatalf("Map: %v", err)
	}
	err := mm.Map(mm.KernelSpace(), virt, f2, PTE_WRITABLE)
	if !errors.Is(err, ErrAlreadyMapped) {
		t.Fatalf("second Map = %v, want ErrAlreadyMapped", err)
	}
	// The existing translation is untouched.
	phys, err := mm.Translate(mm.KernelSpace(), virt)
	if err != nil || phys != f1.Addr() {
		t.Errorf("Translate = 0x%x, %v; want frame %d intact", phys, err, f1)
	}
}

func TestUnmapNotMapped(t *testing.T) {
	_, mm := newTestVM(t)
	if _, err := mm.Unmap(mm.KernelSpace(), 0x50000000); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("Unmap of unmapped page = %v, want ErrNotMapped", err)
	}
}

func TestMapRejectsUnaligned(t *testing.T) {
	fa, mm := newTestVM(t)
	f, _ := fa.AllocFrame()
	if err := mm.Map(mm.KernelSpace(), 0x40000001, f, 0); err == nil {
		t.Error("Map accepted an unaligned address")
	}
	if _, err := mm.Unmap(mm.KernelSpace(), 0x40000001); err == nil {
		t.Error("Unmap accepted an unaligned address")
	}
}

func TestAddressSpacesShareKernelRegion(t *testing.T) {
	_, mm := newTestVM(t)
	as, err := mm.CreateAddressSpace()
	if err != nil {
		t.Fatalf("CreateAddressSpace: %v", err)
	}

	// The kernel image is identity-mapped and visible through the new
	// space without any explicit mapping.
	phys, err := mm.Translate(as, 2*PageSize+7)
	if err != nil {
		t.Fatalf("Translate kernel address: %v", err)
	}
	if phys != 2*PageSize+7 {
		t.Errorf("kernel identity map: Translate = 0x%x, want 0x%x", phys, 2*PageSize+7)
	}
	// The heap window is visible too.
	if _, err := mm.Translate(as, testHeapBase); err != nil {
		t.Errorf("heap window not visible in new space: %v", err)
	}
	// And unmapping a kernel page from a user space is refused.
	if _, err := mm.Unmap(as, 2*PageSize); !errors.Is(err, ErrKernelPage) {
		t.Errorf("Unmap of kernel page from user space = %v, want ErrKernelPage", err)
	}
}

func TestDestroyAddressSpaceReturnsFrames(t *testing.T) {
	fa, mm := newTestVM(t)
	as, err := mm.CreateAddressSpace()
	if err != nil {
		t.Fatalf("CreateAddressSpace: %v", err)
	}
	before := fa.Stats().UsedFrames
	for i := uint32(0); i < 4; i++ {
		f, err := fa.AllocFrame()
		if err != nil {
			t.Fatalf("AllocFrame: %v", err)
		}
		if err := mm.Map(as, 0x40000000+i*PageSize, f, PTE_WRITABLE); err != nil {
			t.Fatalf("Map: %v", err)
		}
	}
	if err := mm.DestroyAddressSpace(as); err != nil {
		t.Fatalf("DestroyAddressSpace: %v", err)
	}
	if after := fa.Stats().UsedFrames; after != before {
		t.Errorf("used frames after destroy = %d, want %d", after, before)
	}
}

func TestEnableIsOneShot(t *testing.T) {
	_, mm := newTestVM(t)
	if err := mm.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !mm.Enabled() {
		t.Fatal("Enabled = false after Enable")
	}
	if err := mm.Enable(); !errors.Is(err, ErrPagingEnabled) {
		t.Fatalf("second Enable = %v, want ErrPagingEnabled", err)
	}
}

func TestSwitchAddressSpace(t *testing.T) {
	_, mm := newTestVM(t)
	as, _ := mm.CreateAddressSpace()
	if mm.Active() != mm.KernelSpace() {
		t.Fatal("boot-time active space is not the kernel space")
	}
	mm.SwitchAddressSpace(as)
	if mm.Active() != as {
		t.Fatal("SwitchAddressSpace did not take effect")
	}
}

func TestDecodeFault(t *testing.T) {
	cases := []struct {
		name    string
		errCode uint32
		write   bool
		user    bool
	}{
		{"KernelRead", 0x0, false, false},
		{"KernelWrite", 0x2, true, false},
		{"UserRead", 0x4, false, true},
		{"UserWrite", 0x6, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fi := DecodeFault(0xDEAD0000, tc.errCode)
			if fi.Addr != 0xDEAD0000 || fi.Write != tc.write || fi.User != tc.user {
				t.Errorf("DecodeFault = %+v", fi)
			}
		})
	}
}
