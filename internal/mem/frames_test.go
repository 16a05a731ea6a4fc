package mem

import (
	"errors"
	"io"
	"testing"

	"github.com/dgaur/dx/internal/log"
	"github.com/dgaur/dx/internal/status"
)

func quietLogger() *log.Logger {
	return log.NewFormattedLogger(io.Discard)
}

// testAllocator manages a single 4 MiB region above the kernel boundary.
func testAllocator() *FrameAllocator {
	return NewFrameAllocator(KernelPagedBoundary+RegionSize, quietLogger())
}

func TestAllocateDiscontiguousFrames(t *testing.T) {
	f := testAllocator()

	frames, err := f.AllocateFrames(3, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	seen := map[Frame]bool{}

	for _, frame := range frames {
		if !frame.Valid() {
			t.Errorf("invalid frame in result: %#x", frame)
		}

		if uintptr(frame) < KernelPagedBoundary {
			t.Errorf("frame %#x below paged boundary", frame)
		}

		if seen[frame] {
			t.Errorf("frame %#x returned twice", frame)
		}
		seen[frame] = true
	}

	f.FreeFrames(frames)
}

func TestAllocateContiguousFrames(t *testing.T) {
	f := testAllocator()

	frames, err := f.AllocateFrames(8, FlagContiguous)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	for i := 1; i < len(frames); i++ {
		if frames[i] != frames[i-1]+PageSize {
			t.Errorf("frames not contiguous at %d: %#x then %#x",
				i, frames[i-1], frames[i])
		}
	}

	f.FreeFrames(frames)
}

func TestAllocateBoundaries(t *testing.T) {
	f := testAllocator()

	if _, err := f.AllocateFrames(0, 0); !errors.Is(err, status.InsufficientMemory) {
		t.Errorf("zero frames want InsufficientMemory, got %v", err)
	}

	if _, err := f.AllocateFrames(MaxBlockSize+1, FlagContiguous); !errors.Is(err, status.InsufficientMemory) {
		t.Errorf("oversized contiguous want InsufficientMemory, got %v", err)
	}
}

func TestFreeInvalidFrameIsNoOp(t *testing.T) {
	f := testAllocator()
	f.FreeFrames([]Frame{InvalidFrame})
	f.FreeFrames([]Frame{Frame(PageSize)}) // kernel region, ignored
}

func TestExhaustionAndRecovery(t *testing.T) {
	f := testAllocator()

	// Drain every frame in the single managed region.
	var all []Frame

	for {
		frames, err := f.AllocateFrames(1, 0)
		if err != nil {
			break
		}

		all = append(all, frames...)
	}

	if len(all) != FramesPerRegion {
		t.Fatalf("drained %d frames, want %d", len(all), FramesPerRegion)
	}

	// A free reopens the region.
	f.FreeFrames(all[:1])

	frames, err := f.AllocateFrames(1, 0)
	if err != nil {
		t.Fatalf("allocate after free: %v", err)
	}

	if frames[0] != all[0] {
		t.Errorf("reallocation want %#x, got %#x", all[0], frames[0])
	}

	f.FreeFrames(all[1:])
	f.FreeFrames(frames)
}

// TestPartialFailureCleanup exhausts memory down to a couple of frames and
// verifies that an oversized request returns everything it had acquired.
func TestPartialFailureCleanup(t *testing.T) {
	f := testAllocator()

	var hoard []Frame

	for {
		frames, err := f.AllocateFrames(1, 0)
		if err != nil {
			break
		}

		hoard = append(hoard, frames...)
	}

	// Leave exactly two frames free.
	f.FreeFrames(hoard[:2])

	if _, err := f.AllocateFrames(4, 0); !errors.Is(err, status.InsufficientMemory) {
		t.Fatalf("oversized request want InsufficientMemory, got %v", err)
	}

	// The two frames acquired during the failed request must be back.
	for i := 0; i < 2; i++ {
		if _, err := f.AllocateFrames(1, 0); err != nil {
			t.Fatalf("allocation %d after cleanup: %v", i, err)
		}
	}
}
