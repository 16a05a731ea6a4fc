package mem

import (
	"fmt"
	"sync"

	"github.com/dgaur/dx/internal/log"
	"github.com/dgaur/dx/internal/status"
)

// Manager is the memory manager: the registry of address spaces keyed by
// id, plus the frame allocator and physical memory they all draw on. One
// manager exists per machine, initialized before any threads run.
type Manager struct {
	mu     sync.Mutex
	spaces map[ID]*AddressSpace
	nextID ID

	phys   *Physical
	frames *FrameAllocator
	log    *log.Logger
}

// NewManager initializes the memory manager over the given physical memory
// and allocates the kernel address space that all kernel threads share.
func NewManager(phys *Physical, frames *FrameAllocator, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	m := &Manager{
		spaces: make(map[ID]*AddressSpace),
		phys:   phys,
		frames: frames,
		log:    logger,
	}

	kernel, err := m.CreateAddressSpace(KernelID)
	if err != nil || kernel == nil {
		panic("unable to allocate initial address space")
	}

	return m
}

// CreateAddressSpace allocates and registers a new address space. The
// caller may request a specific id, which fails if already taken, or pass
// AutoAllocateID to receive the next free numeric id. The returned handle
// carries a reference owned by the caller, beyond the registry's own.
func (m *Manager) CreateAddressSpace(id ID) (*AddressSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == AutoAllocateID {
		for {
			if _, taken := m.spaces[m.nextID]; !taken {
				break
			}
			m.nextID++
		}

		id = m.nextID
		m.nextID++
	} else if _, taken := m.spaces[id]; taken {
		return nil, fmt.Errorf("address space id %#x already in use: %w",
			uintptr(id), status.ResourceConflict)
	}

	as := newAddressSpace(id, m.phys, m.frames, m.log)

	as.AddRef() // registry's reference; the constructor's is the caller's
	m.spaces[id] = as

	return as, nil
}

// DeleteAddressSpace removes the victim from the registry; all subsequent
// lookups fail. The space itself persists while any thread still holds a
// reference.
func (m *Manager) DeleteAddressSpace(victim *AddressSpace) {
	m.mu.Lock()
	delete(m.spaces, victim.id)
	m.mu.Unlock()

	victim.Release()
}

// FindAddressSpace locates an address space by id and returns a counted
// reference, or nil if no space has this id. The caller must release the
// reference when done.
func (m *Manager) FindAddressSpace(id ID) *AddressSpace {
	m.mu.Lock()
	as := m.spaces[id]
	m.mu.Unlock()

	if as == nil {
		m.log.Debug("unable to find address space", log.Uint64("id", uint64(id)))
		return nil
	}

	as.AddRef()

	return as
}

// KernelAddressSpace returns the shared kernel address space without taking
// a reference; it exists for the lifetime of the machine.
func (m *Manager) KernelAddressSpace() *AddressSpace {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.spaces[KernelID]
}

// IsUserAddress reports whether an address is user-visible (the payload
// area or above).
func (m *Manager) IsUserAddress(addr VirtAddr) bool {
	return addr >= PayloadAreaBase
}

// AllocateFrames reserves physical frames from the frame allocator.
func (m *Manager) AllocateFrames(frameCount uint32, flags Flag) ([]Frame, error) {
	return m.frames.AllocateFrames(frameCount, flags)
}

// FreeFrames returns physical frames to the allocator.
func (m *Manager) FreeFrames(frames []Frame) {
	m.frames.FreeFrames(frames)
}

// Physical exposes the machine's physical memory.
func (m *Manager) Physical() *Physical {
	return m.phys
}

// PageFault services a page fault at addr in the given address space. The
// kernel fixes up copy-on-write faults directly, using the faulting
// thread's reserved copy page. Any other fault is reported back to the
// caller: the design reserves a hook for forwarding those to a user-mode
// pager, but no pager protocol exists.
func (m *Manager) PageFault(as *AddressSpace, addr, copyPage VirtAddr) bool {
	return as.CopyOnWrite(addr, copyPage)
}
