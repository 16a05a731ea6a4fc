package mem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgaur/dx/internal/log"
	"github.com/dgaur/dx/internal/status"
)

// ID names an address space. Ids are either chosen by the creator or
// auto-allocated.
type ID uintptr

// Well-known address spaces.
const (
	UserLoaderID   ID = 0
	KernelID       ID = ^ID(1)
	AutoAllocateID ID = ^ID(0)
)

var (
	// invalidateTLBFn is called after any page-table change affecting a
	// mapped page. The simulated machine has no TLB, so the default is a
	// no-op; tests override it to observe invalidations.
	invalidateTLBFn = func(VirtAddr) {}
)

// PageFaultError reports a virtual access that the page tables could not
// satisfy. Write faults on copy-on-write pages are fixed up by the page
// fault path; anything else is a genuine fault.
type PageFaultError struct {
	Addr  VirtAddr
	Write bool
}

func (e *PageFaultError) Error() string {
	kind := "read"
	if e.Write {
		kind = "write"
	}

	return fmt.Sprintf("page fault: %s at %#x", kind, uintptr(e.Addr))
}

// AddressSpace is one virtual address space: a page directory, the table of
// frames shared with other address spaces, the pools used to map incoming
// message payloads, and an optional I/O port permission map. Address spaces
// are reference-counted; the last release tears the space down and returns
// its private frames to the allocator.
type AddressSpace struct {
	id   ID
	refs atomic.Int32

	mu     sync.Mutex
	dir    *PageDirectory
	shared map[VirtAddr]*SharedFrame

	mediumPool *memoryPool
	largePool  [LargePayloadPoolCount]*memoryPool
	ioPorts    *IOPortMap

	phys   *Physical
	frames *FrameAllocator
	log    *log.Logger
}

// newAddressSpace builds an address space containing only the shared kernel
// regions. The i'th large-payload pool contains blocks of 2^i pages, so the
// largest mappable payload is 2^7 pages.
func newAddressSpace(id ID, phys *Physical, frames *FrameAllocator, logger *log.Logger) *AddressSpace {
	as := &AddressSpace{
		id:     id,
		dir:    NewPageDirectory(),
		shared: make(map[VirtAddr]*SharedFrame),
		mediumPool: newMemoryPool(MediumPayloadPoolBase,
			MediumPayloadSize*uintptr(MediumPayloadBlockCount), MediumPayloadSize),
		phys:   phys,
		frames: frames,
		log:    logger,
	}
	as.refs.Store(1)

	base := VirtAddr(LargePayloadPoolBase)
	for i := 0; i < LargePayloadPoolCount; i++ {
		as.largePool[i] = newMemoryPool(base, PayloadPoolSize, uintptr(1<<i)*PageSize)
		base += PayloadPoolSize
	}

	return as
}

// ID returns the address space's id.
func (as *AddressSpace) ID() ID {
	return as.id
}

// AddRef adds a reference on behalf of a new holder.
func (as *AddressSpace) AddRef() {
	as.refs.Add(1)
}

// Release removes one reference; the last release destroys the address
// space.
func (as *AddressSpace) Release() {
	if as.refs.Add(-1) == 0 {
		as.destroy()
	}
}

// RefCount reads the current reference count, for diagnostics.
func (as *AddressSpace) RefCount() int32 {
	return as.refs.Load()
}

// destroy tears down the address space: releases the shared-frame table,
// returns any remaining private frames to the allocator and drops the page
// directory. This always executes in the context of the thread releasing
// the last reference, so no thread can be executing within the victim
// space and there is no concurrent access to guard against.
func (as *AddressSpace) destroy() {
	as.log.Debug("destroying address space", log.Uint64("id", uint64(as.id)))

	for page, frame := range as.shared {
		delete(as.shared, page)
		frame.Release()
	}

	// Release private frames still mapped anywhere above the payload area.
	// Shared entries are skipped: their frames belong to SharedFrame
	// descriptors and return to the allocator when the last reference
	// drops. No TLB invalidation is needed since the current thread is not
	// executing within the victim space.
	addr := PayloadAreaBase
	for {
		page, entry, ok := as.dir.findPresentEntry(addr)
		if !ok {
			break
		}

		shared := entry.IsShared()

		frame := entry.decommitFrame()
		if !shared {
			as.frames.FreeFrames([]Frame{frame})
		}

		addr = page + PageSize
	}
}

// Commit binds physical frames to consecutive virtual pages starting at
// page. This is the path for giving an address space clean, private frames
// that it owns outright. On failure some pages may be bound and some not;
// the caller is responsible for invoking Decommit to recover.
func (as *AddressSpace) Commit(page VirtAddr, frames []Frame, flags Flag) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	for _, frame := range frames {
		entry := as.dir.findEntry(page, true)

		if err := entry.commitFrame(frame, flags); err != nil {
			return err
		}

		page += PageSize
	}

	return nil
}

// CommitShared binds already-shared frames to consecutive virtual pages.
// Each binding takes a reference on the shared frame and records it in this
// space's shared-frame table. This is the delivery path for large message
// payloads.
func (as *AddressSpace) CommitShared(page VirtAddr, shared []*SharedFrame, flags Flag) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	for _, frame := range shared {
		entry := as.dir.findEntry(page, true)

		if err := entry.commitFrame(frame.Address, flags); err != nil {
			return err
		}

		frame.AddRef()
		as.shared[page] = frame

		page += PageSize
	}

	return nil
}

// Decommit unbinds pageCount pages starting at page and returns the frames
// that were backing them, in order, for the caller to free or reuse. The
// TLB entry for each page is invalidated.
func (as *AddressSpace) Decommit(page VirtAddr, pageCount uint32) []Frame {
	frames := make([]Frame, pageCount)

	as.mu.Lock()
	defer as.mu.Unlock()

	for i := range frames {
		entry := as.dir.findEntry(page, false)
		if entry == nil || !entry.IsPresent() {
			frames[i] = InvalidFrame
		} else {
			frames[i] = entry.decommitFrame()
			invalidateTLBFn(page)
		}

		page += PageSize
	}

	return frames
}

// sharePage shares the single page containing addr, reusing the existing
// descriptor if the page is already shared. The caller holds the address
// space lock and receives a counted reference to the descriptor.
func (as *AddressSpace) sharePage(page VirtAddr) (*SharedFrame, error) {
	if frame, ok := as.shared[page]; ok {
		frame.AddRef()
		return frame, nil
	}

	entry := as.dir.findEntry(page, false)
	if entry == nil {
		return nil, fmt.Errorf("cannot share unmapped page %#x: %w",
			uintptr(page), status.InvalidData)
	}

	// Superpages may not be shared; this keeps the copy-on-write logic and
	// the carving of the address space simple. Kernel superpage data goes
	// through ShareKernelFrames instead.
	if entry.IsSuperPage() {
		return nil, fmt.Errorf("cannot share page %#x within superpage: %w",
			uintptr(page), status.InvalidData)
	}

	frame, revoked := entry.shareFrame()
	if frame == InvalidFrame {
		return nil, fmt.Errorf("cannot share absent page %#x: %w",
			uintptr(page), status.InvalidData)
	}

	if revoked {
		invalidateTLBFn(page)
	}

	shared := NewSharedFrame(as.frames, frame)
	as.shared[page] = shared
	shared.AddRef() // caller's reference, beyond the table's

	return shared, nil
}

// SharePages shares every page spanning [addr, addr+size) and returns the
// descriptors, one per page, each carrying a reference owned by the caller.
// Typically the caller is a thread sending a large message whose payload
// occupies these pages.
func (as *AddressSpace) SharePages(addr VirtAddr, size uintptr) ([]*SharedFrame, error) {
	pageCount := PageCount(size)
	frames := make([]*SharedFrame, 0, pageCount)
	page := PageBase(addr)

	as.mu.Lock()
	defer as.mu.Unlock()

	for i := uint32(0); i < pageCount; i++ {
		frame, err := as.sharePage(page)
		if err != nil {
			return frames, err
		}

		frames = append(frames, frame)
		page += PageSize
	}

	return frames, nil
}

// ShareKernelFrames prepopulates the shared-frame table with synthetic
// entries covering kernel-superpage data, treating each page-sized block as
// if it were an ordinary shared page. This lets kernel data (the ramdisk,
// boot parameters) travel as message payloads without sharing whole
// superpages; unsharePage recognizes these entries and leaves the superpage
// mapping untouched.
func (as *AddressSpace) ShareKernelFrames(addr VirtAddr, size uintptr) error {
	block := PageBase(addr)
	end := addr + VirtAddr(size)

	if end >= PayloadAreaBase {
		return fmt.Errorf("kernel share %#x beyond kernel regions: %w",
			uintptr(addr), status.InvalidData)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	for ; block < end; block += PageSize {
		if _, ok := as.shared[block]; ok {
			continue
		}

		// The kernel image and ramdisk are identity-mapped, so the block's
		// virtual address doubles as its physical address.
		as.shared[block] = NewSharedFrame(as.frames, Frame(block))
	}

	return nil
}

// unsharePage breaks the linkage to a previously-shared page. Other address
// spaces holding references to the frame can continue to use it safely. The
// caller holds the address space lock.
func (as *AddressSpace) unsharePage(page VirtAddr) {
	frame, ok := as.shared[page]
	if !ok {
		as.log.Debug("page is not shared",
			log.Uint64("page", uint64(page)), log.Uint64("id", uint64(as.id)))
		return
	}

	delete(as.shared, page)

	// Update the page tables. Kernel superpages stay mapped: those entries
	// are just aliases injected by ShareKernelFrames.
	if entry := as.dir.findEntry(page, false); entry != nil && !entry.IsSuperPage() {
		entry.decommitFrame()
		invalidateTLBFn(page)
	}

	frame.Release()
}

// UnsharePages is the inverse of SharePages over [addr, addr+size).
func (as *AddressSpace) UnsharePages(addr VirtAddr, size uintptr) {
	pageCount := PageCount(size)
	page := PageBase(addr)

	as.mu.Lock()
	defer as.mu.Unlock()

	for i := uint32(0); i < pageCount; i++ {
		as.unsharePage(page)
		page += PageSize
	}
}

// CopyOnWrite handles a copy-on-write fault at addr in this address space.
// A fresh frame is allocated, the faulting page's contents are copied into
// it through the calling thread's reserved copy page, and the faulting page
// is rebound to the new frame with write permission. Returns true if the
// fault was a copy-on-write fault and was fixed up; false if the fault is
// of some other kind and the caller must handle it.
func (as *AddressSpace) CopyOnWrite(addr, copyPage VirtAddr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()

	entry := as.dir.findEntry(addr, false)
	if entry == nil || !entry.IsCopyOnWrite() {
		return false
	}

	copyEntry := as.dir.findEntry(copyPage, true)

	frames, err := as.frames.AllocateFrames(1, 0)
	if err != nil {
		// Physical memory is exhausted; the faulting thread is stuck.
		as.log.Warn("unable to allocate frame for copy-on-write",
			log.Uint64("addr", uint64(addr)))
		return false
	}

	frame := frames[0]

	// Bind the temporary copy page to the new frame and copy the faulting
	// page's data across.
	if err := copyEntry.commitFrame(frame, FlagWritable); err != nil {
		as.frames.FreeFrames(frames)
		return false
	}

	page := PageBase(addr)
	copy(as.phys.Page(frame), as.phys.Page(entry.Frame()))

	// Done with the temporary mapping.
	copyEntry.decommitFrame()
	invalidateTLBFn(copyPage)

	// The page data must stay at the same virtual address: the faulting
	// thread is unaware of the fault. Drop the shared frame and rebind the
	// page to the private copy.
	as.unsharePage(page)

	if err := entry.commitFrame(frame, FlagUserDefault); err != nil {
		as.frames.FreeFrames(frames)
		return false
	}

	// The original address is still valid but now points at the private
	// copy; the faulting store is re-executed against it.
	return true
}

// Expand grows the address space by adding fresh, zero-filled pages at
// base. The page count must be in (0, ExpandMaxPages]; base must be
// page-aligned and lie wholly within the user-visible region; and no page
// in the target range may already be present.
func (as *AddressSpace) Expand(base VirtAddr, size uintptr, flags Flag) error {
	// No expansion flag is currently defined; flags are accepted and
	// ignored.
	_ = flags

	frameCount := PageCount(size)
	if frameCount == 0 || frameCount > ExpandMaxPages {
		return fmt.Errorf("cannot expand by %d pages: %w",
			frameCount, status.InsufficientMemory)
	}

	lastPage := base + VirtAddr(frameCount-1)*PageSize
	if !IsPageAligned(base) || base < PayloadAreaBase || base > lastPage {
		return fmt.Errorf("bad expansion address %#x: %w",
			uintptr(base), status.InvalidData)
	}

	// To avoid leaking frames on error, the whole target range must be
	// empty before anything is allocated.
	as.mu.Lock()
	page, _, present := as.dir.findPresentEntry(base)
	as.mu.Unlock()

	if present && page >= base && page <= lastPage {
		return fmt.Errorf("page already present at %#x: %w",
			uintptr(page), status.ResourceConflict)
	}

	frames, err := as.frames.AllocateFrames(frameCount, 0)
	if err != nil {
		return err
	}

	// Wipe any stale data left from the frames' last use.
	for _, frame := range frames {
		as.phys.Zero(frame)
	}

	as.log.Debug("expanding address space",
		log.Uint64("id", uint64(as.id)),
		log.Int("frames", int(frameCount)),
		log.Uint64("base", uint64(base)))

	if err := as.Commit(base, frames, FlagPaged|FlagUser|FlagWritable); err != nil {
		as.Decommit(base, frameCount)
		as.frames.FreeFrames(frames)

		return err
	}

	return nil
}

// AllocateLargePayloadBlock reserves a virtually-contiguous block in the
// message area big enough to map a payload of pageCount pages. Only the
// address range is reserved: the caller must follow with Commit or
// CommitShared to install mappings. Returns false if no pool can serve the
// request.
func (as *AddressSpace) AllocateLargePayloadBlock(pageCount uint32) (VirtAddr, bool) {
	order := blockOrder(pageCount)

	for i := order; i < LargePayloadPoolCount; i++ {
		if block, ok := as.largePool[i].allocateBlock(); ok {
			return block, true
		}
	}

	as.log.Warn("unable to allocate payload block",
		log.Int("pages", int(pageCount)))

	return 0, false
}

// FreeLargePayloadBlock releases a block previously reserved with
// AllocateLargePayloadBlock. The caller must tear down any mappings first,
// via UnsharePages or Decommit.
func (as *AddressSpace) FreeLargePayloadBlock(block VirtAddr) error {
	if block < LargePayloadPoolBase || block >= UserBase {
		return fmt.Errorf("payload block %#x outside payload area: %w",
			uintptr(block), status.InvalidData)
	}

	index := uintptr(block-LargePayloadPoolBase) / PayloadPoolSize

	return as.largePool[index].freeBlock(block)
}

// AllocateMediumPayloadBlock reserves one slab entry in the medium-payload
// pool. Unlike the large pool this also installs the backing frame if the
// containing page has none yet, since multiple payload blocks pack into
// each page.
func (as *AddressSpace) AllocateMediumPayloadBlock() (VirtAddr, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	block, ok := as.mediumPool.allocateBlock()
	if !ok {
		as.log.Warn("unable to allocate medium payload block")
		return 0, false
	}

	entry := as.dir.findEntry(block, true)
	if entry.IsPresent() {
		// The containing page is already backed; nothing more to do.
		return block, true
	}

	frames, err := as.frames.AllocateFrames(1, 0)
	if err != nil {
		_ = as.mediumPool.freeBlock(block)
		return 0, false
	}

	if err := entry.commitFrame(frames[0], FlagUserDefault); err != nil {
		as.frames.FreeFrames(frames)
		_ = as.mediumPool.freeBlock(block)

		return 0, false
	}

	return block, true
}

// FreeMediumPayloadBlock releases a medium slab entry. The page directory
// is left unchanged, since other blocks within the same page may still be
// live.
func (as *AddressSpace) FreeMediumPayloadBlock(block VirtAddr) error {
	return as.mediumPool.freeBlock(block)
}

// EnableIOPorts grants ring-3 access to count I/O ports starting at first,
// lazily instantiating the port bitmap.
func (as *AddressSpace) EnableIOPorts(first, count uint16) error {
	if count == 0 {
		return status.InvalidData
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ioPorts == nil {
		as.ioPorts = NewIOPortMap()
	}

	as.ioPorts.Enable(first, count)

	return nil
}

// DisableIOPorts revokes ring-3 access to count I/O ports starting at
// first. Disabling ports that were never enabled is an error.
func (as *AddressSpace) DisableIOPorts(first, count uint16) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ioPorts == nil || count == 0 {
		return status.InvalidData
	}

	as.ioPorts.Disable(first, count)

	return nil
}

// IOPortMap exposes the port permission bitmap, or nil if no port was ever
// enabled. The machine consults this when reloading the TSS I/O map.
func (as *AddressSpace) IOPortMap() *IOPortMap {
	as.mu.Lock()
	defer as.mu.Unlock()

	return as.ioPorts
}

// Entry reports the page-table entry mapping addr, for diagnostics and
// invariant checks.
func (as *AddressSpace) Entry(addr VirtAddr) (PageTableEntry, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	entry := as.dir.findEntry(addr, false)
	if entry == nil {
		return 0, false
	}

	return *entry, true
}

// SharedFrameFor reports the shared-frame descriptor recorded for the page
// containing addr, if any.
func (as *AddressSpace) SharedFrameFor(addr VirtAddr) (*SharedFrame, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	frame, ok := as.shared[PageBase(addr)]

	return frame, ok
}

// Load copies bytes out of the address space starting at addr, translating
// through the page tables. A hole in the mapping produces a PageFaultError.
func (as *AddressSpace) Load(addr VirtAddr, buf []byte) error {
	for len(buf) > 0 {
		frame, _, ok := as.dir.translate(addr)
		if !ok {
			return &PageFaultError{Addr: addr}
		}

		span := PageSize - PageOffset(addr)
		if span > uintptr(len(buf)) {
			span = uintptr(len(buf))
		}

		page := as.phys.Page(frame)
		copy(buf[:span], page[PageOffset(addr):])

		buf = buf[span:]
		addr += VirtAddr(span)
	}

	return nil
}

// Store copies bytes into the address space starting at addr. A store to an
// unmapped or read-only page produces a PageFaultError carrying the
// faulting address; the page-fault path decides whether it is a
// copy-on-write fault.
func (as *AddressSpace) Store(addr VirtAddr, buf []byte) error {
	for len(buf) > 0 {
		frame, entry, ok := as.dir.translate(addr)
		if !ok || !entry.IsWritable() {
			return &PageFaultError{Addr: addr, Write: true}
		}

		span := PageSize - PageOffset(addr)
		if span > uintptr(len(buf)) {
			span = uintptr(len(buf))
		}

		page := as.phys.Page(frame)
		copy(page[PageOffset(addr):], buf[:span])

		buf = buf[span:]
		addr += VirtAddr(span)
	}

	return nil
}
