package mem

// region is a 4 MiB run of 1024 contiguous page frames managed by a single
// buddy allocator. Seven overlapping bitmaps track the pools of free blocks,
// one per block order; a set bit in pool k means "a block of 2^k frames at
// this base is in use or does not exist at this granularity".
//
// Invariant: for any allocated block of order k at frame index i, its buddy
// at index i^(2^k) is marked allocated in pool k — either it is genuinely in
// use, or the pair is joined into one block at order k+1.
type region struct {
	base Frame
	pool [MaxBlockOrder]*bitmap
}

// newRegion initializes the pools for a region based at the given physical
// address, which must be region-aligned. Initially the region holds only
// maximum-sized blocks; the smaller pools stay empty until a larger block is
// split.
func newRegion(base Frame) *region {
	r := &region{base: base}

	for i := 0; i < MaxBlockOrder; i++ {
		r.pool[i] = newBitmap(FramesPerRegion)
		r.pool[i].setRange(0, FramesPerRegion)
	}

	for i := uint32(0); i < FramesPerRegion; i += MaxBlockSize {
		r.pool[MaxBlockOrder-1].free(i)
	}

	return r
}

// allocateBlock reserves a block of physically contiguous frames, splitting
// larger free blocks in half as necessary. The block may later be released
// as a unit or as individual frames via freeBlock. Returns InvalidFrame if
// the region cannot satisfy the request.
func (r *region) allocateBlock(frameCount uint32) Frame {
	order := blockOrder(frameCount)

	// Scan the pools for the smallest free block that can satisfy this
	// request.
	for i := order; i < MaxBlockOrder; i++ {
		index := r.pool[i].allocate()
		if index >= FramesPerRegion {
			continue
		}

		// If the request was satisfied with a larger-than-necessary block,
		// break the parent block into pairs of buddies for later allocation.
		if i > order {
			r.split(index, order, i)
		}

		return r.base + Frame(index)*PageSize
	}

	return InvalidFrame
}

// freeBlock releases a block of one or more contiguous frames previously
// reserved with allocateBlock, then tries to coalesce the freed block with
// its buddy. Multiple frames passed here must be physically contiguous; the
// caller must not touch the block again.
func (r *region) freeBlock(frame Frame, frameCount uint32) {
	index := uint32((frame - r.base) / PageSize)
	order := blockOrder(frameCount)

	r.pool[order].free(index)
	r.join(index, order)
}

// join repeatedly coalesces a free block with its buddy into progressively
// larger blocks, rolling back the work of split. Coalescing stops when a
// buddy is still in use or the largest order is reached.
func (r *region) join(index, order uint32) {
	for ; order < MaxBlockOrder-1; order++ {
		buddy := buddyIndex(index, order)
		if r.pool[order].isSet(buddy) {
			break
		}

		// Both halves are free; collapse them into one parent block based
		// at the lower of the pair.
		r.pool[order].set(index)
		r.pool[order].set(buddy)
		index &^= 1 << order
		r.pool[order+1].free(index)
	}
}

// split recursively halves free blocks to produce one of the requested
// order, returning the unused halves (the buddies) to their pools. Blocks
// split here are eventually rejoined via join.
func (r *region) split(index, requestedOrder, actualOrder uint32) {
	for order := int32(actualOrder) - 1; order >= int32(requestedOrder); order-- {
		r.pool[order].free(buddyIndex(index, uint32(order)))
	}
}

// buddyIndex finds the buddy of a block at the given order.
func buddyIndex(index, order uint32) uint32 {
	return index ^ (1 << order)
}
