package mem

import "sync/atomic"

// SharedFrame is a single physical frame shared between two or more address
// spaces, or held transiently by an in-flight message payload. The frame is
// reference-counted; when the last reference is released the underlying
// frame returns to the frame allocator. Synthetic entries injected for
// kernel superpage blocks point below the paged boundary, where the
// allocator ignores the free.
type SharedFrame struct {
	Address Frame

	refs      atomic.Int32
	allocator *FrameAllocator
}

// NewSharedFrame wraps a frame in a descriptor holding the caller's initial
// reference.
func NewSharedFrame(allocator *FrameAllocator, frame Frame) *SharedFrame {
	s := &SharedFrame{
		Address:   frame,
		allocator: allocator,
	}
	s.refs.Store(1)

	return s
}

// AddRef adds a reference on behalf of a new holder.
func (s *SharedFrame) AddRef() {
	s.refs.Add(1)
}

// Release removes one reference. When the count reaches zero the descriptor
// is dead and its frame is returned to the allocator; the caller must not
// touch the descriptor again.
func (s *SharedFrame) Release() {
	if s.refs.Add(-1) == 0 {
		s.allocator.FreeFrames([]Frame{s.Address})
	}
}

// RefCount reads the current reference count. Intended for diagnostics and
// invariant checks.
func (s *SharedFrame) RefCount() int32 {
	return s.refs.Load()
}
