package mem

import (
	"fmt"
	"sync"

	"github.com/dgaur/dx/internal/log"
	"github.com/dgaur/dx/internal/status"
)

// Flag carries allocation flags and page permissions through the memory
// manager. The permission bits map onto page-table entry bits at commit
// time; the contiguity bit selects DMA-style physically contiguous frames.
type Flag uint32

const (
	FlagWritable Flag = 1 << iota
	FlagUser
	FlagShared
	FlagCopyOnWrite
	FlagPaged
	FlagContiguous
)

// FlagUserDefault is the usual permission set for private user pages.
const FlagUserDefault = FlagPaged | FlagUser | FlagWritable

// FrameAllocator owns all physical memory above the nonpaged kernel
// boundary. It carves that memory into 4 MiB regions, each run by its own
// buddy allocator, and tracks which regions still have free blocks in a
// region free-map.
type FrameAllocator struct {
	mu          sync.Mutex
	regions     []*region
	regionMap   *bitmap
	totalMemory uintptr

	log *log.Logger
}

// NewFrameAllocator carves the available physical memory into regions of
// contiguous frames. The low portion of the physical address space is
// nonpaged and reserved for the kernel, so only memory above the paged
// boundary is managed here.
func NewFrameAllocator(totalMemory uintptr, logger *log.Logger) *FrameAllocator {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	pagedMemory := totalMemory - KernelPagedBoundary
	regionCount := uint32(totalMemory / RegionSize)
	firstRegion := uint32(KernelPagedBoundary / RegionSize)
	lastRegion := firstRegion + uint32(pagedMemory/RegionSize)

	f := &FrameAllocator{
		regions:     make([]*region, regionCount),
		regionMap:   newBitmap(regionCount),
		totalMemory: totalMemory,
		log:         logger,
	}

	base := Frame(KernelPagedBoundary)
	for i := firstRegion; i < lastRegion; i++ {
		f.regions[i] = newRegion(base)
		base += RegionSize
	}

	// Mask off the unmanaged ranges so that the free-map matches the region
	// table.
	f.regionMap.setRange(0, firstRegion)
	f.regionMap.setRange(lastRegion, regionCount-lastRegion)

	f.log.Debug("carved paged memory into regions",
		log.Uint64("bytes", uint64(pagedMemory)),
		log.Int("regions", int(lastRegion-firstRegion)))

	return f
}

// allocateBlock reserves a block of contiguous frames. All frame requests
// eventually land here; this is the only path into the per-region buddy
// allocators. A region that declines a request is left marked in-use until
// a later free reopens it, which is deliberately conservative: some free
// blocks in an "exhausted" region may be overlooked until then.
func (f *FrameAllocator) allocateBlock(frameCount uint32) Frame {
	for {
		index := f.regionMap.allocate()
		if index >= f.regionMap.size {
			f.log.Warn("unable to allocate frames; all regions are allocated",
				log.Int("frames", int(frameCount)))
			return InvalidFrame
		}

		block := f.regions[index].allocateBlock(frameCount)
		if block != InvalidFrame {
			f.regionMap.free(index)
			return block
		}

		f.log.Debug("region is completely allocated", log.Int("region", int(index)))
	}
}

// allocateContiguous reserves frameCount physically contiguous frames drawn
// from a single buddy allocation.
func (f *FrameAllocator) allocateContiguous(frames []Frame) error {
	count := uint32(len(frames))
	if count > MaxBlockSize {
		return fmt.Errorf("cannot allocate %d contiguous frames: %w",
			count, status.InsufficientMemory)
	}

	block := f.allocateBlock(count)
	if block == InvalidFrame {
		return status.InsufficientMemory
	}

	for i := range frames {
		frames[i] = block
		block += PageSize
	}

	return nil
}

// allocateDiscontiguous reserves frames one at a time; the results need not
// be contiguous.
func (f *FrameAllocator) allocateDiscontiguous(frames []Frame) error {
	for i := range frames {
		frames[i] = f.allocateBlock(1)
		if frames[i] == InvalidFrame {
			return status.InsufficientMemory
		}
	}

	return nil
}

// AllocateFrames reserves the requested number of physical frames. If the
// flags request DMA-style contiguity the frames are physically contiguous;
// otherwise any free frames will do. On failure every frame acquired along
// the way is returned to the free pool.
func (f *FrameAllocator) AllocateFrames(frameCount uint32, flags Flag) ([]Frame, error) {
	if frameCount == 0 {
		return nil, fmt.Errorf("zero-length frame request: %w", status.InsufficientMemory)
	}

	frames := make([]Frame, frameCount)
	for i := range frames {
		frames[i] = InvalidFrame
	}

	var err error

	f.mu.Lock()
	if flags&FlagContiguous != 0 {
		err = f.allocateContiguous(frames)
	} else {
		err = f.allocateDiscontiguous(frames)
	}
	f.mu.Unlock()

	if err != nil {
		f.FreeFrames(frames)
		return nil, err
	}

	return frames, nil
}

// FreeFrames releases a set of frames back to their owning regions. Invalid
// sentinel entries are skipped, which makes cleanup after a partially failed
// allocation safe. Frames below the paged boundary belong to the permanent
// kernel image and are silently ignored. The caller must not touch any of
// these frames again.
func (f *FrameAllocator) FreeFrames(frames []Frame) {
	for _, frame := range frames {
		if frame == InvalidFrame {
			continue
		}

		index := uint32(frame / RegionSize)
		if index >= uint32(len(f.regions)) || f.regions[index] == nil {
			continue
		}

		f.mu.Lock()
		f.regions[index].freeBlock(frame, 1)

		// This region cannot be empty now; at least one block is available.
		f.regionMap.free(index)
		f.mu.Unlock()
	}
}
