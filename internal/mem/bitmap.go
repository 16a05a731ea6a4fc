package mem

import "math/bits"

// bitmap tracks a fixed population of allocatable slots. A set bit means the
// slot is in use (or does not exist at this granularity); a clear bit means
// the slot is free. This is the structure underneath the buddy pools, the
// region free-map and the payload pools.
type bitmap struct {
	size  uint32
	words []uint64
}

func newBitmap(size uint32) *bitmap {
	return &bitmap{
		size:  size,
		words: make([]uint64, (size+63)/64),
	}
}

// allocate finds the first free slot, marks it in use and returns its index.
// Returns size if no slot is free.
func (b *bitmap) allocate() uint32 {
	for w, word := range b.words {
		if word == ^uint64(0) {
			continue
		}

		bit := uint32(bits.TrailingZeros64(^word))

		index := uint32(w)*64 + bit
		if index >= b.size {
			break
		}

		b.words[w] |= 1 << bit

		return index
	}

	return b.size
}

// set marks a single slot in use.
func (b *bitmap) set(index uint32) {
	b.words[index/64] |= 1 << (index % 64)
}

// setRange marks count consecutive slots, starting at first, in use.
func (b *bitmap) setRange(first, count uint32) {
	for i := first; i < first+count; i++ {
		b.set(i)
	}
}

// free releases a single slot.
func (b *bitmap) free(index uint32) {
	b.words[index/64] &^= 1 << (index % 64)
}

// isSet returns true if the slot is in use.
func (b *bitmap) isSet(index uint32) bool {
	return b.words[index/64]&(1<<(index%64)) != 0
}
