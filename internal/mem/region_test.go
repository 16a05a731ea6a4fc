package mem

import "testing"

// checkBuddyLaw verifies that no block is represented as free at two
// granularities at once: a free block at order k implies its parent block
// does not also exist (free) at order k+1.
func checkBuddyLaw(t *testing.T, r *region) {
	t.Helper()

	for order := uint32(0); order < MaxBlockOrder-1; order++ {
		for index := uint32(0); index < FramesPerRegion; index += 1 << order {
			if r.pool[order].isSet(index) {
				continue
			}

			parent := index &^ ((1 << (order + 1)) - 1)
			if !r.pool[order+1].isSet(parent) {
				t.Errorf("order %d index %d free while parent %d also free at order %d",
					order, index, parent, order+1)
			}
		}
	}
}

func TestRegionAllocateSingle(t *testing.T) {
	base := Frame(KernelPagedBoundary)
	r := newRegion(base)

	frame := r.allocateBlock(1)
	if frame != base {
		t.Errorf("first frame want %#x, got %#x", base, frame)
	}

	// The buddy freed during the split should satisfy the next request.
	frame = r.allocateBlock(1)
	if frame != base+PageSize {
		t.Errorf("second frame want %#x, got %#x", base+PageSize, frame)
	}

	checkBuddyLaw(t, r)

	r.freeBlock(base, 1)
	r.freeBlock(base+PageSize, 1)
	checkBuddyLaw(t, r)
}

func TestRegionRoundUpToOrder(t *testing.T) {
	r := newRegion(RegionSize)

	// A request for 3 frames consumes an order-2 block; the next order-2
	// request lands on the following block.
	first := r.allocateBlock(3)
	second := r.allocateBlock(4)

	if second != first+4*PageSize {
		t.Errorf("blocks overlap: %#x then %#x", first, second)
	}

	checkBuddyLaw(t, r)
}

// TestRegionCoalesce allocates one order-3 block, frees it as eight single
// frames and verifies the region coalesces back so the same base satisfies
// the same request again.
func TestRegionCoalesce(t *testing.T) {
	base := Frame(KernelPagedBoundary)
	r := newRegion(base)

	block := r.allocateBlock(8)
	if block != base {
		t.Fatalf("block want %#x, got %#x", base, block)
	}

	for i := Frame(0); i < 8; i++ {
		r.freeBlock(block+i*PageSize, 1)
	}

	checkBuddyLaw(t, r)

	again := r.allocateBlock(8)
	if again != block {
		t.Errorf("after coalesce want %#x, got %#x", block, again)
	}
}

func TestRegionExhaustion(t *testing.T) {
	r := newRegion(RegionSize)

	// Drain the region with max-order blocks.
	count := 0
	for r.allocateBlock(MaxBlockSize) != InvalidFrame {
		count++
	}

	if want := int(FramesPerRegion / MaxBlockSize); count != want {
		t.Errorf("max blocks want %d, got %d", want, count)
	}

	if frame := r.allocateBlock(1); frame != InvalidFrame {
		t.Errorf("exhausted region returned frame %#x", frame)
	}
}

func TestBlockOrder(t *testing.T) {
	cases := []struct {
		count uint32
		order uint32
	}{
		{1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {8, 3}, {64, 6},
	}

	for _, c := range cases {
		if got := blockOrder(c.count); got != c.order {
			t.Errorf("blockOrder(%d) want %d, got %d", c.count, c.order, got)
		}
	}
}
