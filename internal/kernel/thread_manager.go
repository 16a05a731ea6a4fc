package kernel

import (
	"fmt"
	"math"
	"sync"

	"github.com/dgaur/dx/internal/log"
	"github.com/dgaur/dx/internal/mem"
	"github.com/dgaur/dx/internal/status"
)

// ThreadManager is the registry of threads keyed by id. It creates the
// system threads at boot, mints new threads, and drives the front half of
// thread deletion.
type ThreadManager struct {
	k *Kernel

	mu     sync.Mutex
	table  map[ThreadID]*Thread
	nextID ThreadID

	bootThread    *Thread
	cleanupThread *Thread
	idleThread    *Thread
	nullThread    *Thread

	log *log.Logger
}

func newThreadManager(k *Kernel) *ThreadManager {
	tm := &ThreadManager{
		k:     k,
		table: make(map[ThreadID]*Thread),
		log:   k.log,
	}

	tm.log.Debug("initializing thread manager")
	tm.initializeSystemThreads()

	return tm
}

// initializeSystemThreads installs the boot, cleanup, idle and null
// threads. This runs exactly once, during boot, before any scheduling
// lottery; by definition it executes in the boot context and nothing can
// preempt it.
func (tm *ThreadManager) initializeSystemThreads() {
	kernelSpace := tm.k.mm.KernelAddressSpace()

	// The boot thread wraps the context that is already executing; it is
	// initialized in place rather than allocated. It carries no
	// copy-on-write page. An effectively infinite quantum
	// keeps it from being preempted before initialization finishes.
	boot := newThread(tm.k, nil, kernelSpace, BootThreadID, 0, CapAll, 0, 0)
	boot.tickCount = math.MaxInt64

	tm.table[BootThreadID] = boot
	tm.bootThread = boot
	tm.k.machine.adoptBootContext(boot)

	tm.log.Debug("initialized boot thread", log.Uint64("thread", uint64(boot.id)))

	var err error

	tm.cleanupThread, err = tm.CreateThread(tm.k.cleanupThreadEntry, nil,
		CleanupThreadID, CapKernelThread, 0, 0)
	if err == nil {
		tm.idleThread, err = tm.CreateThread(tm.k.idleThreadEntry, nil,
			IdleThreadID, CapKernelThread, 0, 0)
	}
	if err == nil {
		tm.nullThread, err = tm.CreateThread(tm.k.nullThreadEntry, nil,
			NullThreadID, CapKernelThread, 0, 0)
	}

	if err != nil {
		kernelPanic("unable to create system thread", uintptr(status.CodeOf(err)))
	}
}

// CreateThread allocates a new thread that will start executing in
// kernelStart. A nil address space places the thread in the shared kernel
// address space. The caller receives a counted reference beyond the
// registry's own and must release it when appropriate. A parent can grant
// a child any subset of its own capabilities, never more.
func (tm *ThreadManager) CreateThread(kernelStart func(), as *mem.AddressSpace,
	id ThreadID, capabilities Capability,
	userStart, userStack mem.VirtAddr) (*Thread, error) {
	current := tm.k.hal.CurrentThread()

	if current != nil && !current.HasCapability(CapCreateThread) {
		return nil, fmt.Errorf("create thread: %w", status.AccessDenied)
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	// Claim the requested id, or mint a fresh one. The id doubles as the
	// registry key.
	if id == AutoThreadID {
		for {
			if _, taken := tm.table[tm.nextID]; !taken {
				break
			}
			tm.nextID++
		}

		id = tm.nextID
		tm.nextID++
	} else if _, taken := tm.table[id]; taken {
		return nil, fmt.Errorf("thread id %#x already in use: %w",
			id, status.ResourceConflict)
	}

	// All threads need an address space to execute in.
	if as == nil {
		as = tm.k.mm.KernelAddressSpace()
	}

	// Reserve the page used to patch up copy-on-write faults. One page per
	// thread suffices: a thread incurs at most one fault at a time, so the
	// page is reused across faults.
	copyPage, ok := as.AllocateLargePayloadBlock(1)
	if !ok {
		return nil, fmt.Errorf("no copy page for new thread: %w",
			status.InsufficientMemory)
	}

	// A parent cannot give a child capabilities it does not itself hold.
	effective := capabilities
	if current != nil {
		effective &= current.CapabilityMask()
	}

	t := newThread(tm.k, kernelStart, as, id, copyPage, effective,
		userStart, userStack)

	// Prepare the execution context so the scheduler can dispatch this
	// thread as if it were simply resuming.
	tm.k.hal.InitializeThreadContext(t)

	t.AddRef() // the registry's reference, beyond the creator's
	tm.table[id] = t

	tm.log.Debug("created thread",
		log.Uint64("thread", uint64(id)),
		log.Uint64("space", uint64(as.ID())))

	return t, nil
}

// FindThread locates a thread by id and returns a counted reference, or
// nil if no such thread exists. The result may be a thread that is still
// initializing or already marked for deletion; callers must cope.
func (tm *ThreadManager) FindThread(id ThreadID) *Thread {
	current := tm.k.hal.CurrentThread()

	var t *Thread

	if current != nil && (id == current.id || id == LoopbackThreadID) {
		t = current
	} else {
		tm.mu.Lock()
		t = tm.table[id]
		tm.mu.Unlock()
	}

	if t == nil {
		tm.log.Debug("unable to find thread", log.Uint64("thread", uint64(id)))
		return nil
	}

	t.AddRef()

	return t
}

// DeleteThread prepares the victim for destruction: its mailbox is
// disabled and flushed, it disappears from the registry so subsequent
// lookups fail, and the registry's reference is dropped. The victim's
// resources are reclaimed later, when the last reference dies. Runs in the
// cleanup thread's context, never the victim's.
func (tm *ThreadManager) DeleteThread(victim *Thread, ack Message) {
	tm.k.io.DeleteMessages(victim, ack)

	tm.mu.Lock()
	delete(tm.table, victim.id)
	tm.mu.Unlock()

	victim.Release()
}

// SendDeletionMessage asks the cleanup thread to destroy the thread with
// the given id, blocking until the deletion completes. If the calling
// thread is deleting itself this never returns.
func (tm *ThreadManager) SendDeletionMessage(victimID ThreadID) error {
	current := tm.k.hal.CurrentThread()

	request := NewSmallMessage(current, tm.cleanupThread,
		MessageTypeDeleteThread, nextMessageID(), uintptr(victimID))

	response, err := tm.k.io.SendMessage(request)
	if err != nil {
		request.Release()
		return err
	}

	code := status.Code(response.PayloadWord())
	tm.k.DeleteMessage(response)

	if code != status.Success {
		return code
	}

	return nil
}

// ExitCurrentThread terminates the calling thread. Never returns; must not
// be called from interrupt context.
func (tm *ThreadManager) ExitCurrentThread() {
	current := tm.k.hal.CurrentThread()

	tm.log.Debug("thread exiting",
		log.Uint64("thread", uint64(current.id)),
		log.Int("refs", int(current.RefCount())))

	_ = tm.SendDeletionMessage(current.id)

	// Unreachable unless the deletion request itself failed.
	tm.log.Warn("thread unable to exit", log.Uint64("thread", uint64(current.id)))

	for {
		tm.k.Yield()
	}
}
