package mem

import (
	"fmt"
	"sync"

	"github.com/dgaur/dx/internal/status"
)

// memoryPool hands out fixed-size blocks of virtual address space from a
// contiguous range. A bitmap tracks which blocks are in use. The payload
// pools in every address space are built on this.
type memoryPool struct {
	mu         sync.Mutex
	base       VirtAddr
	blockSize  uintptr
	blockCount uint32
	bitmap     *bitmap
}

// newMemoryPool carves poolSize bytes starting at base into blocks of
// blockSize bytes each. The base must already be aligned to the block size.
func newMemoryPool(base VirtAddr, poolSize, blockSize uintptr) *memoryPool {
	count := uint32(poolSize / blockSize)

	return &memoryPool{
		base:       base,
		blockSize:  blockSize,
		blockCount: count,
		bitmap:     newBitmap(count),
	}
}

// allocateBlock reserves the next free block. Returns zero and false if the
// pool is exhausted.
func (p *memoryPool) allocateBlock() (VirtAddr, bool) {
	p.mu.Lock()
	index := p.bitmap.allocate()
	p.mu.Unlock()

	if index >= p.blockCount {
		return 0, false
	}

	return p.base + VirtAddr(uintptr(index)*p.blockSize), true
}

// freeBlock releases a block back into the pool. The block becomes eligible
// for reallocation, possibly to another thread; the caller must not touch
// it again.
func (p *memoryPool) freeBlock(block VirtAddr) error {
	if block < p.base {
		return fmt.Errorf("block %#x below pool base %#x: %w",
			block, p.base, status.InvalidData)
	}

	index := uint32(uintptr(block-p.base) / p.blockSize)
	if index >= p.blockCount {
		return fmt.Errorf("block %#x beyond pool at %#x: %w",
			block, p.base, status.InvalidData)
	}

	p.mu.Lock()
	p.bitmap.free(index)
	p.mu.Unlock()

	return nil
}
