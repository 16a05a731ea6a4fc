// Package mem implements the kernel's memory manager: the physical frame
// allocator with its per-region buddy pools, page directories and tables,
// shared-frame tracking, address spaces with copy-on-write support, and the
// registry of address spaces keyed by id.
package mem

import "math/bits"

// Frame is the physical address of a single 4 KiB page frame. The zero value
// is the invalid sentinel; frame zero is never handed out by the allocator.
type Frame uintptr

// InvalidFrame is returned by allocators when no frame could be reserved.
const InvalidFrame = Frame(0)

// Valid returns true if this is an allocated, usable frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// VirtAddr is a virtual (linear) address within some address space. The
// kernel targets a 32-bit machine, so addresses wrap at 4 GiB.
type VirtAddr uintptr

// Dimensions of pages, superpages and allocator regions.
const (
	PageSize  = 4096
	PageShift = 12
	PageMask  = PageSize - 1

	SuperPageSize = 4 << 20

	// Each region spans exactly 1024 frames, or 4 MiB of physical address
	// space. Every region is managed by an independent buddy allocator.
	FramesPerRegion = 1024
	RegionSize      = PageSize * FramesPerRegion

	// Each region is subdivided into overlapping pools of blocks; a block
	// in pool k spans 2^k contiguous frames (k = 0..6, so block sizes run
	// from 4 KiB up to 256 KiB).
	MaxBlockOrder = 7
	MaxBlockSize  = 1 << (MaxBlockOrder - 1)
)

// Layout of every virtual address space. The low three superpages are
// identity-mapped kernel regions and are identical in all address spaces;
// the payload area hosts incoming message payloads; everything at UserBase
// and above belongs to the application.
const (
	KernelCodeBase    VirtAddr = 0x00000000 // kernel image, 4 MiB superpage
	KernelRamdiskBase VirtAddr = 0x00400000 // ramdisk, 4 MiB superpage
	KernelDataBase    VirtAddr = 0x00800000 // kernel runtime data, 4 MiB superpage

	// Physical addresses below this boundary are nonpaged and reserved for
	// the kernel; the frame allocator manages everything above it.
	KernelPagedBoundary = 0x00C00000

	PayloadAreaBase VirtAddr = 0x20000000 // 512 MiB
	PayloadPoolSize          = 0x00400000 // each payload pool spans 4 MiB

	// The first payload pool holds medium message payloads; the remaining
	// pools hold large payloads in blocks of 2^i pages.
	MediumPayloadPoolBase          = PayloadAreaBase
	LargePayloadPoolBase           = MediumPayloadPoolBase + PayloadPoolSize
	LargePayloadPoolCount          = 8
	MediumPayloadSize              = 256
	MediumPayloadBlockCount uint32 = 1024

	UserBase VirtAddr = 0x40000000 // 1 GiB

	AddressSpaceTop = VirtAddr(1) << 32
)

// ExpandMaxPages bounds a single address-space expansion request.
const ExpandMaxPages = 32

// PageBase rounds an address down to the base of its page.
func PageBase(addr VirtAddr) VirtAddr {
	return addr &^ PageMask
}

// PageOffset returns the offset of an address within its page.
func PageOffset(addr VirtAddr) uintptr {
	return uintptr(addr) & PageMask
}

// PageCount returns the number of pages needed to hold size bytes.
func PageCount(size uintptr) uint32 {
	return uint32((size + PageMask) >> PageShift)
}

// IsPageAligned returns true if the address lies on a page boundary.
func IsPageAligned(addr VirtAddr) bool {
	return addr&PageMask == 0
}

// blockOrder computes the 2^n order of contiguous frames required to satisfy
// a request for the given number of frames:
//
//	blockOrder(1) == 0 (2^0 = 1 frame)
//	blockOrder(3) == 2 (2^2 = 4 frames > 3 frames requested)
//	blockOrder(4) == 2
func blockOrder(frameCount uint32) uint32 {
	if frameCount <= 1 {
		return 0
	}

	return uint32(bits.Len32(frameCount - 1))
}
