package mem

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dgaur/dx/internal/status"
)

// testSpace builds an address space over a private physical memory and
// frame allocator.
func testSpace(t *testing.T) *AddressSpace {
	t.Helper()

	size := uintptr(KernelPagedBoundary + RegionSize)
	phys := NewPhysical(size)
	frames := NewFrameAllocator(size, quietLogger())

	return newAddressSpace(1, phys, frames, quietLogger())
}

func TestCommitDecommitRoundTrip(t *testing.T) {
	as := testSpace(t)

	frames, err := as.frames.AllocateFrames(2, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if err := as.Commit(UserBase, frames, FlagUserDefault); err != nil {
		t.Fatalf("commit: %v", err)
	}

	entry, ok := as.Entry(UserBase)
	if !ok || !entry.IsPresent() || !entry.IsWritable() || !entry.IsUser() {
		t.Errorf("entry after commit: %#x", uint32(entry))
	}

	got := as.Decommit(UserBase, 2)
	for i := range frames {
		if got[i] != frames[i] {
			t.Errorf("decommit frame %d want %#x, got %#x", i, frames[i], got[i])
		}
	}

	as.frames.FreeFrames(got)
}

func TestCommitConflict(t *testing.T) {
	as := testSpace(t)

	frames, err := as.frames.AllocateFrames(1, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if err := as.Commit(UserBase, frames, FlagUserDefault); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := as.Commit(UserBase, frames, FlagUserDefault); !errors.Is(err, status.ResourceConflict) {
		t.Errorf("double commit want ResourceConflict, got %v", err)
	}
}

func TestExpand(t *testing.T) {
	as := testSpace(t)

	if err := as.Expand(UserBase, 3*PageSize, 0); err != nil {
		t.Fatalf("expand: %v", err)
	}

	// New pages must be present, writable and zero-filled.
	buf := make([]byte, PageSize)
	if err := as.Load(UserBase+2*PageSize, buf); err != nil {
		t.Fatalf("load: %v", err)
	}

	for _, b := range buf {
		if b != 0 {
			t.Fatal("expanded page not zero-filled")
		}
	}
}

func TestExpandBoundaries(t *testing.T) {
	as := testSpace(t)

	if err := as.Expand(UserBase, 0, 0); !errors.Is(err, status.InsufficientMemory) {
		t.Errorf("zero size want InsufficientMemory, got %v", err)
	}

	oversize := uintptr(ExpandMaxPages+1) * PageSize
	if err := as.Expand(UserBase, oversize, 0); !errors.Is(err, status.InsufficientMemory) {
		t.Errorf("oversize want InsufficientMemory, got %v", err)
	}

	if err := as.Expand(UserBase+1, PageSize, 0); !errors.Is(err, status.InvalidData) {
		t.Errorf("misaligned want InvalidData, got %v", err)
	}

	if err := as.Expand(KernelDataBase, PageSize, 0); !errors.Is(err, status.InvalidData) {
		t.Errorf("kernel address want InvalidData, got %v", err)
	}

	// A page already present anywhere in the target range is a conflict.
	if err := as.Expand(UserBase, 2*PageSize, 0); err != nil {
		t.Fatalf("expand: %v", err)
	}

	if err := as.Expand(UserBase+PageSize, 2*PageSize, 0); !errors.Is(err, status.ResourceConflict) {
		t.Errorf("overlap want ResourceConflict, got %v", err)
	}
}

func TestShareUnshareRefCounts(t *testing.T) {
	as := testSpace(t)

	if err := as.Expand(UserBase, PageSize, 0); err != nil {
		t.Fatalf("expand: %v", err)
	}

	shared, err := as.SharePages(UserBase, PageSize)
	if err != nil {
		t.Fatalf("share: %v", err)
	}

	frame := shared[0]

	// One reference for the table, one for the caller.
	if count := frame.RefCount(); count != 2 {
		t.Errorf("refcount after share want 2, got %d", count)
	}

	entry, _ := as.Entry(UserBase)
	if !entry.IsShared() || !entry.IsCopyOnWrite() || entry.IsWritable() {
		t.Errorf("entry after share: %#x", uint32(entry))
	}

	// Sharing the same page again reuses the descriptor.
	again, err := as.SharePages(UserBase, PageSize)
	if err != nil {
		t.Fatalf("reshare: %v", err)
	}

	if again[0] != frame {
		t.Error("resharing allocated a second descriptor")
	}

	if count := frame.RefCount(); count != 3 {
		t.Errorf("refcount after reshare want 3, got %d", count)
	}

	// Unsharing drops the table's reference and the mapping.
	as.UnsharePages(UserBase, PageSize)

	if count := frame.RefCount(); count != 2 {
		t.Errorf("refcount after unshare want 2, got %d", count)
	}

	if entry, ok := as.Entry(UserBase); ok && entry.IsPresent() {
		t.Error("page still present after unshare")
	}

	frame.Release()
	again[0].Release()
}

func TestShareSuperPageFails(t *testing.T) {
	as := testSpace(t)

	if _, err := as.SharePages(KernelRamdiskBase, PageSize); err == nil {
		t.Error("sharing a kernel superpage should fail")
	}
}

func TestShareKernelFrames(t *testing.T) {
	as := testSpace(t)

	if err := as.ShareKernelFrames(KernelRamdiskBase, 2*PageSize); err != nil {
		t.Fatalf("share kernel frames: %v", err)
	}

	frame, ok := as.SharedFrameFor(KernelRamdiskBase)
	if !ok {
		t.Fatal("no synthetic shared frame recorded")
	}

	if frame.Address != Frame(KernelRamdiskBase) {
		t.Errorf("synthetic frame want %#x, got %#x",
			uintptr(KernelRamdiskBase), frame.Address)
	}

	// Unsharing a synthetic entry must leave the superpage mapping alone.
	as.UnsharePages(KernelRamdiskBase, PageSize)

	entry, ok := as.Entry(KernelRamdiskBase)
	if !ok || !entry.IsPresent() || !entry.IsSuperPage() {
		t.Errorf("superpage disturbed by unshare: %#x", uint32(entry))
	}
}

func TestCopyOnWrite(t *testing.T) {
	as := testSpace(t)

	if err := as.Expand(UserBase, PageSize, 0); err != nil {
		t.Fatalf("expand: %v", err)
	}

	pattern := bytes.Repeat([]byte{0xAA}, PageSize)
	if err := as.Store(UserBase, pattern); err != nil {
		t.Fatalf("store: %v", err)
	}

	shared, err := as.SharePages(UserBase, PageSize)
	if err != nil {
		t.Fatalf("share: %v", err)
	}

	copyPage, ok := as.AllocateLargePayloadBlock(1)
	if !ok {
		t.Fatal("no copy page")
	}

	// A store through the now read-only mapping must fault.
	var fault *PageFaultError
	if err := as.Store(UserBase, []byte{0xBB}); !errors.As(err, &fault) {
		t.Fatalf("store to shared page want fault, got %v", err)
	}

	if !as.CopyOnWrite(fault.Addr, copyPage) {
		t.Fatal("copy-on-write fixup failed")
	}

	// The shared descriptor lost the table's reference.
	if count := shared[0].RefCount(); count != 1 {
		t.Errorf("refcount after COW want 1, got %d", count)
	}

	// The page is private and writable again, with identical contents.
	entry, _ := as.Entry(UserBase)
	if !entry.IsWritable() || entry.IsShared() || entry.IsCopyOnWrite() {
		t.Errorf("entry after COW: %#x", uint32(entry))
	}

	buf := make([]byte, PageSize)
	if err := as.Load(UserBase, buf); err != nil {
		t.Fatalf("load: %v", err)
	}

	if !bytes.Equal(buf, pattern) {
		t.Error("page contents changed across COW")
	}

	// The store retries cleanly now.
	if err := as.Store(UserBase, []byte{0xBB}); err != nil {
		t.Fatalf("store after COW: %v", err)
	}

	shared[0].Release()
}

func TestCopyOnWriteRejectsOtherFaults(t *testing.T) {
	as := testSpace(t)

	if err := as.Expand(UserBase, PageSize, 0); err != nil {
		t.Fatalf("expand: %v", err)
	}

	copyPage, _ := as.AllocateLargePayloadBlock(1)

	// Private writable page: not a COW fault.
	if as.CopyOnWrite(UserBase, copyPage) {
		t.Error("COW claimed a non-COW page")
	}

	// Unmapped page: not a COW fault either.
	if as.CopyOnWrite(UserBase+0x100000, copyPage) {
		t.Error("COW claimed an unmapped page")
	}
}

func TestLargePayloadPools(t *testing.T) {
	as := testSpace(t)

	// Three pages round up to an order-2 block from the third pool.
	block, ok := as.AllocateLargePayloadBlock(3)
	if !ok {
		t.Fatal("no payload block")
	}

	wantBase := VirtAddr(LargePayloadPoolBase) + 2*PayloadPoolSize
	if block < wantBase || block >= wantBase+PayloadPoolSize {
		t.Errorf("block %#x outside order-2 pool", uintptr(block))
	}

	if err := as.FreeLargePayloadBlock(block); err != nil {
		t.Errorf("free: %v", err)
	}

	// Oversized requests cannot be served by any pool.
	if _, ok := as.AllocateLargePayloadBlock(1 << (LargePayloadPoolCount + 1)); ok {
		t.Error("oversized payload request succeeded")
	}
}

func TestMediumPayloadPool(t *testing.T) {
	as := testSpace(t)

	first, ok := as.AllocateMediumPayloadBlock()
	if !ok {
		t.Fatal("no medium block")
	}

	second, ok := as.AllocateMediumPayloadBlock()
	if !ok {
		t.Fatal("no second medium block")
	}

	if second != first+MediumPayloadSize {
		t.Errorf("blocks not adjacent: %#x then %#x", first, second)
	}

	// Both blocks pack into one backed page.
	if err := as.Store(first, []byte{1, 2, 3}); err != nil {
		t.Errorf("store into slab: %v", err)
	}

	if err := as.FreeMediumPayloadBlock(first); err != nil {
		t.Errorf("free: %v", err)
	}

	if err := as.FreeMediumPayloadBlock(second); err != nil {
		t.Errorf("free: %v", err)
	}
}

func TestIOPorts(t *testing.T) {
	as := testSpace(t)

	// Disabling before any enable is an error: the bitmap was never
	// instantiated.
	if err := as.DisableIOPorts(0x3F8, 8); !errors.Is(err, status.InvalidData) {
		t.Errorf("disable before enable want InvalidData, got %v", err)
	}

	if err := as.EnableIOPorts(0x3F8, 8); err != nil {
		t.Fatalf("enable: %v", err)
	}

	ports := as.IOPortMap()
	if ports == nil || !ports.IsEnabled(0x3F8) || !ports.IsEnabled(0x3FF) {
		t.Error("ports not enabled")
	}

	if ports.IsEnabled(0x400) {
		t.Error("port beyond range enabled")
	}

	if err := as.DisableIOPorts(0x3F8, 8); err != nil {
		t.Fatalf("disable: %v", err)
	}

	if ports.IsEnabled(0x3F8) {
		t.Error("port still enabled after disable")
	}
}
