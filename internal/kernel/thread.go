package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgaur/dx/internal/log"
	"github.com/dgaur/dx/internal/mem"
	"github.com/dgaur/dx/internal/status"
)

// ThreadID names a thread. Ids are either chosen by the creator or
// auto-allocated.
type ThreadID uint32

// Well-known threads. The four system threads are installed at boot and
// occupy the low ids.
const (
	BootThreadID ThreadID = iota
	CleanupThreadID
	IdleThreadID
	NullThreadID

	AutoThreadID     = ^ThreadID(0)
	LoopbackThreadID = ^ThreadID(1)
)

// ThreadState tracks whether a thread can be scheduled. A Blocked thread
// waits on a specific response from a specific thread; everything else is
// Ready.
type ThreadState int

const (
	ThreadReady ThreadState = iota
	ThreadBlocked
)

// Thread is the full per-thread execution state: identity, capabilities,
// the address space it runs in, its mailbox, its blocking state, and the
// page reserved for copy-on-write fixups. Threads are reference-counted;
// the final release tears the thread down, and by construction that never
// happens in the victim's own context (teardown is delegated to the
// cleanup thread).
type Thread struct {
	id   ThreadID
	refs atomic.Int32
	mu   sync.Mutex

	k            *Kernel
	addressSpace *mem.AddressSpace
	capabilities Capability

	state             ThreadState
	blockingThread    *Thread
	blockingMessageID MessageID
	handoff           *Thread

	mailbox     mailbox
	deletionAck Message

	// copyPage is the reserved scratch page used to fix up copy-on-write
	// faults; one per thread, since a thread incurs at most one fault at a
	// time.
	copyPage mem.VirtAddr

	tickCount int64

	// Initial/startup context.
	kernelStart func()
	userStart   mem.VirtAddr
	userStack   mem.VirtAddr

	// resume parks the thread's execution context between schedulings.
	resume chan struct{}

	// received indexes delivered messages by the handle returned from the
	// receive system call, until the owner deletes them.
	received   map[uintptr]Message
	nextHandle uintptr
}

// newThread initializes a thread context. The caller holds the initial
// reference. The thread takes its own counted reference on the address
// space, which must persist until the thread exits.
func newThread(k *Kernel, kernelStart func(), as *mem.AddressSpace, id ThreadID,
	copyPage mem.VirtAddr, capabilities Capability,
	userStart, userStack mem.VirtAddr) *Thread {
	as.AddRef()

	t := &Thread{
		id:           id,
		k:            k,
		addressSpace: as,
		capabilities: capabilities,
		state:        ThreadReady,
		copyPage:     copyPage,
		kernelStart:  kernelStart,
		userStart:    userStart,
		userStack:    userStack,
		received:     make(map[uintptr]Message),
	}
	t.refs.Store(1)
	t.mailbox.enabled = true

	return t
}

// ID returns the thread's id.
func (t *Thread) ID() ThreadID {
	return t.id
}

// AddressSpace returns the address space the thread executes in.
func (t *Thread) AddressSpace() *mem.AddressSpace {
	return t.addressSpace
}

// State reports whether the thread is Ready or Blocked.
func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// HasCapability returns true if the thread holds every capability in mask.
func (t *Thread) HasCapability(mask Capability) bool {
	return t.capabilities&mask == mask
}

// CapabilityMask returns the thread's full capability mask.
func (t *Thread) CapabilityMask() Capability {
	return t.capabilities
}

// AddRef adds a reference on behalf of a new holder.
func (t *Thread) AddRef() {
	t.refs.Add(1)
}

// Release removes one reference; the last release destroys the thread.
func (t *Thread) Release() {
	if t.refs.Add(-1) == 0 {
		t.destroy()
	}
}

// RefCount reads the current reference count, for diagnostics.
func (t *Thread) RefCount() int32 {
	return t.refs.Load()
}

// destroy is the last stage of thread deletion. It runs in the context of
// whichever thread released the final reference, never the victim itself;
// by then there are no other holders, so no locking is needed. The
// copy-on-write page is returned, the address-space reference dropped, and
// the thread that requested the deletion is finally woken.
func (t *Thread) destroy() {
	t.k.log.Debug("destroying thread", log.Uint64("thread", uint64(t.id)))

	if t.copyPage != 0 {
		_ = t.addressSpace.FreeLargePayloadBlock(t.copyPage)
	}

	// The victim will never execute again, so it no longer pins its
	// address space.
	t.addressSpace.Release()

	// A gracefully-exiting thread dies blocked on the cleanup thread;
	// drop that leftover reference.
	if t.blockingThread != nil {
		t.blockingThread.Release()
		t.blockingThread = nil
	}

	if ack := t.deletionAck; ack != nil {
		t.deletionAck = nil

		t.k.log.Debug("waking deletion requester",
			log.Uint64("requester", uint64(ack.Destination().ID())),
			log.Uint64("victim", uint64(t.id)))

		if err := t.k.io.PutMessage(ack); err != nil {
			// The requester is stuck; delivery failed, so this context
			// still owns the acknowledgement.
			t.k.log.Warn("unable to wake deletion requester",
				log.Uint64("victim", uint64(t.id)))
			ack.Release()
		}
	}
}

// blockOn marks the calling thread as blocked until a response to message
// arrives from recipient. The thread keeps executing for now; the caller is
// expected to drop its locks and then yield. Only the current thread may
// invoke this on itself, and it must already hold its own lock.
func (t *Thread) blockOn(recipient *Thread, m Message) {
	if !m.Blocking() {
		return
	}

	t.state = ThreadBlocked
	t.blockingMessageID = m.ID()
	t.blockingThread = recipient
	recipient.AddRef()
}

// unblockOn checks whether this thread is blocked waiting for exactly this
// message; if so, it wakes the thread. The companion to blockOn. Assumes
// the caller holds this thread's lock. Returns true if the message woke the
// thread.
func (t *Thread) unblockOn(m Message) bool {
	if t.state != ThreadBlocked ||
		t.blockingThread.id != m.Source().ID() ||
		t.blockingMessageID != m.ID() {
		return false
	}

	t.state = ThreadReady
	t.blockingThread.Release()
	t.blockingThread = nil

	return true
}

// causesSchedulingLoop determines whether blocking current on this thread
// would create a cycle in the blocking graph. A loop would make the lottery
// spin forever, so the send is refused instead; the defect is in one of the
// threads involved, though not necessarily the caller.
func (t *Thread) causesSchedulingLoop(current *Thread, m Message) bool {
	if !m.Blocking() {
		return false
	}

	if current == t {
		t.k.log.Warn("thread attempting to block on itself",
			log.Uint64("thread", uint64(t.id)))
		return true
	}

	if blocker := t.findBlockingThread(); blocker == current {
		t.k.log.Warn("scheduling loop detected",
			log.Uint64("sender", uint64(current.id)),
			log.Uint64("recipient", uint64(t.id)))
		return true
	}

	return false
}

// findBlockingThread walks the chain of blocked threads to find the one at
// the head of the line: the thread actually preventing this one from
// executing. Returns nil if this thread is not blocked. The put-message
// path guarantees the chain is acyclic, so the walk terminates.
func (t *Thread) findBlockingThread() *Thread {
	blocker := t.blockingThread

	if blocker != nil {
		for blocker.blockingThread != nil {
			blocker = blocker.blockingThread
		}
	}

	return blocker
}

// getMessage retrieves the next pending message, if any. Only the current
// thread invokes this on itself; the deletion path drains victim mailboxes
// through markForDeletion instead.
func (t *Thread) getMessage() (Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mailbox.queue.isEmpty() {
		return nil, status.MailboxEmpty
	}

	return t.mailbox.queue.pop(), nil
}

// putMessage queues a message for this thread. This is the lowest-level
// delivery logic under both the synchronous and asynchronous send paths.
//
// Two threads are manipulated here: the sender (the current thread) and the
// recipient (this thread). The sender may be waking the recipient, and may
// also be preparing itself for suspension if the message is synchronous;
// the actual yield happens after all locks are dropped.
func (t *Thread) putMessage(m Message) error {
	current := t.k.hal.CurrentThread()

	lockBoth(t, current)
	defer unlockBoth(t, current)

	if !t.mailbox.enabled {
		return fmt.Errorf("thread %#x: %w", t.id, status.MailboxDisabled)
	}

	if t.causesSchedulingLoop(current, m) {
		return fmt.Errorf("thread %#x: %w", t.id, status.MessageDeadlock)
	}

	// Three possibilities: the message wakes the recipient and bypasses
	// the queue; it queues normally; or the queue is full.
	switch {
	case t.unblockOn(m):
		// The recipient was waiting for exactly this message; it jumps the
		// queue so the next receive returns it.
		t.mailbox.queue.pushHead(m)

	case !t.mailbox.overflowing():
		t.mailbox.queue.push(m)

	default:
		// The recipient has probably crashed or hung.
		t.k.log.Warn("mailbox overflow", log.Uint64("thread", uint64(t.id)))
		return fmt.Errorf("thread %#x: %w", t.id, status.MailboxOverflow)
	}

	// If the sender needs a response before it can proceed, mark it
	// blocked now; it yields once the locks are dropped.
	current.blockOn(t, m)

	return nil
}

// maybePutNullMessage queues a null message to this thread if its mailbox
// is empty, ensuring the thread holds at least one lottery ticket. This
// keeps a running thread that simply has no pending work from starving
// when its quantum expires. Only the current thread invokes this on
// itself. Returns the new message for the caller to enter into the pool,
// or nil if nothing was queued.
func (t *Thread) maybePutNullMessage(nullThread *Thread) Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.mailbox.enabled || !t.mailbox.queue.isEmpty() {
		return nil
	}

	m := NewSmallMessage(nullThread, t, MessageTypeNull, nextMessageID(), 0)
	t.mailbox.queue.push(m)

	return m
}

// markForDeletion flips the thread's state for deletion: the mailbox is
// disabled so no further messages arrive, pending messages are flushed
// into leftovers for the caller to dispose of, and the acknowledgement to
// eventually send to the deletion's requester is parked. Runs in the
// cleanup thread's context, never the victim's.
func (t *Thread) markForDeletion(leftovers *[]Message, ack Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.mailbox.enabled = false

	for !t.mailbox.queue.isEmpty() {
		*leftovers = append(*leftovers, t.mailbox.queue.pop())
	}

	if ack != nil {
		t.deletionAck = ack
	}
}

// takeHandoff consumes the scheduler's direct-handoff hint, if one is
// recorded.
func (t *Thread) takeHandoff() *Thread {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.handoff
	t.handoff = nil

	return h
}

// setHandoff records a direct-handoff hint: the thread just sent a
// blocking message to recipient, and the scheduler should prefer running
// the recipient next.
func (t *Thread) setHandoff(recipient *Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handoff = recipient
}

// EnableIOPorts grants the thread's address space ring-3 access to count
// I/O ports starting at first, then reloads the processor's I/O permission
// map if the thread is current.
func (t *Thread) EnableIOPorts(first, count uint16) error {
	if err := t.addressSpace.EnableIOPorts(first, count); err != nil {
		return err
	}

	t.k.hal.ReloadIOPortMap(t)

	return nil
}

// DisableIOPorts revokes ring-3 access to count I/O ports starting at
// first.
func (t *Thread) DisableIOPorts(first, count uint16) error {
	if err := t.addressSpace.DisableIOPorts(first, count); err != nil {
		return err
	}

	t.k.hal.ReloadIOPortMap(t)

	return nil
}

// registerReceived records a delivered message under a fresh handle for
// the receive system call.
func (t *Thread) registerReceived(m Message) uintptr {
	t.nextHandle++
	t.received[t.nextHandle] = m

	return t.nextHandle
}

// takeReceived claims a previously delivered message by handle.
func (t *Thread) takeReceived(handle uintptr) (Message, bool) {
	m, ok := t.received[handle]
	if ok {
		delete(t.received, handle)
	}

	return m, ok
}

// lockBoth locks two threads simultaneously. To avoid deadlocks the thread
// with the lower id is always locked first. Unlock with unlockBoth.
func lockBoth(t0, t1 *Thread) {
	switch {
	case t0 == t1:
		t0.mu.Lock()
	case t0.id < t1.id:
		t0.mu.Lock()
		t1.mu.Lock()
	default:
		t1.mu.Lock()
		t0.mu.Lock()
	}
}

// unlockBoth releases two threads locked with lockBoth. Release order
// cannot deadlock, so the locking hierarchy does not apply.
func unlockBoth(t0, t1 *Thread) {
	if t0 == t1 {
		t0.mu.Unlock()
		return
	}

	t0.mu.Unlock()
	t1.mu.Unlock()
}
