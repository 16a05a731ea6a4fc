package kernel

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/dgaur/dx/internal/log"
)

// SchedulingQuantumDefault is the quantum policy: every thread receives 12
// clock ticks. At 500 Hz this is a period of roughly 24 milliseconds; in
// practice a thread sees slightly less because it rarely gains the
// processor on an exact clock edge.
const SchedulingQuantumDefault = 12

// IOManager is the message-passing and scheduling subsystem: synchronous
// and asynchronous sends, receives, the lottery scheduler over the pool of
// pending messages, and the message half of thread deletion.
type IOManager struct {
	k *Kernel

	mu      sync.Mutex
	pending messagePool
	rng     *rand.Rand
	quantum int64

	// Statistics.
	directHandoffCount atomic.Int64
	idleCount          atomic.Int64
	lotteryCount       atomic.Int64
	messageCount       atomic.Int64
	receiveErrorCount  atomic.Int64
	sendErrorCount     atomic.Int64

	log *log.Logger
}

func newIOManager(k *Kernel, quantum int64, seed int64) *IOManager {
	if quantum <= 0 {
		quantum = SchedulingQuantumDefault
	}

	return &IOManager{
		k:       k,
		rng:     rand.New(rand.NewSource(seed)),
		quantum: quantum,
		log:     k.log,
	}
}

// addToPool enters a message into the lottery population.
func (io *IOManager) addToPool(m Message) {
	io.mu.Lock()
	io.pending.add(m)
	io.mu.Unlock()
}

// removeFromPool withdraws a message from the lottery population.
func (io *IOManager) removeFromPool(m Message) {
	io.mu.Lock()
	io.pending.remove(m)
	io.mu.Unlock()
}

// PendingMessages reports the size of the lottery population, for
// diagnostics.
func (io *IOManager) PendingMessages() int {
	io.mu.Lock()
	defer io.mu.Unlock()

	return io.pending.count()
}

// PutMessage delivers a message asynchronously: the payload is captured in
// the sender's context, the message is queued on the recipient's mailbox
// and entered into the scheduling pool, and the sender continues. On error
// the caller still owns the message.
func (io *IOManager) PutMessage(m Message) error {
	if err := m.CollectPayload(); err != nil {
		io.sendErrorCount.Add(1)
		return err
	}

	if err := m.Destination().putMessage(m); err != nil {
		io.sendErrorCount.Add(1)
		return err
	}

	io.addToPool(m)
	io.messageCount.Add(1)

	return nil
}

// SendMessage delivers a message synchronously: the caller blocks until
// the recipient replies with a message carrying the same id. Returns the
// response, delivered into the caller's context; the caller owns it and
// must eventually delete it. On error the caller still owns the request.
func (io *IOManager) SendMessage(request Message) (Message, error) {
	current := io.k.hal.CurrentThread()
	recipient := request.Destination()

	request.setBlocking(true)

	if err := io.PutMessage(request); err != nil {
		return nil, err
	}

	// Prefer handing the processor straight to the recipient if it can run
	// now; the lottery would probably pick it anyway.
	if recipient.State() == ThreadReady {
		current.setHandoff(recipient)
	}

	// The current thread was marked blocked when the message was queued;
	// yielding here actually gives up the processor. Execution resumes
	// when the response arrives, at the head of the mailbox.
	io.k.hal.SoftYield()

	return io.receiveOne(false)
}

// ReceiveMessage retrieves the next message pending for the current
// thread, delivering its payload into the caller's address space. With
// wait set, an empty mailbox suspends the caller until a message arrives;
// otherwise it fails with MailboxEmpty.
func (io *IOManager) ReceiveMessage(wait bool) (Message, error) {
	for {
		m, err := io.receiveOne(wait)
		if err == nil || !wait {
			return m, err
		}

		// Mailbox empty: give up the processor until some sender queues a
		// message for this thread. The thread stays Ready; with no pool
		// tickets it simply cannot win a lottery until a message arrives.
		io.k.hal.SoftYield()
	}
}

// receiveOne pops one message from the current thread's mailbox, withdraws
// it from the pool and lands its payload.
func (io *IOManager) receiveOne(wait bool) (Message, error) {
	current := io.k.hal.CurrentThread()

	m, err := current.getMessage()
	if err != nil {
		if !wait {
			io.receiveErrorCount.Add(1)
		}

		return nil, err
	}

	io.removeFromPool(m)

	if err := m.DeliverPayload(); err != nil {
		io.receiveErrorCount.Add(1)
		io.log.Warn("unable to deliver message",
			log.Uint64("thread", uint64(current.id)),
			log.Uint64("id", uint64(m.ID())))
		m.Release()

		return nil, err
	}

	return m, nil
}

// GetMessage is the nonblocking receive: it fails with MailboxEmpty rather
// than suspending.
func (io *IOManager) GetMessage() (Message, error) {
	return io.ReceiveMessage(false)
}

// DeleteMessages drives the message half of thread deletion: the victim's
// mailbox is disabled and drained, the drained messages are withdrawn from
// the scheduling pool and discarded, and the acknowledgement that will
// eventually wake the deletion's requester is parked on the victim.
func (io *IOManager) DeleteMessages(victim *Thread, ack Message) {
	var leftovers []Message

	victim.markForDeletion(&leftovers, ack)

	for _, m := range leftovers {
		io.removeFromPool(m)
		m.Release()
	}
}

// clockTick accounts one tick against the running thread's quantum and
// holds a new lottery when the quantum expires. Runs on every clock
// interrupt.
func (io *IOManager) clockTick() {
	current := io.k.hal.CurrentThread()

	current.tickCount--
	if current.tickCount > 0 {
		return
	}

	// The quantum expired. If the running thread is out of pending work,
	// give it a synthesized null message so it keeps at least one lottery
	// ticket; otherwise it would starve merely for being idle when the
	// clock fired.
	if current.State() == ThreadReady {
		if m := current.maybePutNullMessage(io.k.tm.nullThread); m != nil {
			io.addToPool(m)
		}
	}

	io.reschedule(current)
}

// yield gives up the remainder of the current thread's quantum and runs a
// lottery. The current thread may conceivably win the processor right
// back, but it at least attempted to relinquish it.
func (io *IOManager) yield() {
	current := io.k.hal.CurrentThread()
	current.tickCount = 0

	io.reschedule(current)
}

// reschedule selects the next thread and performs the context switch.
func (io *IOManager) reschedule(current *Thread) {
	next := io.selectNextThread(current)

	if next.tickCount <= 0 {
		next.tickCount = io.quantum
	}

	io.k.hal.SwitchThread(current, next)
}

// selectNextThread picks the thread to run: the current thread's direct
// handoff if one is recorded and still runnable, else the destination of a
// uniformly random message in the pool, else the idle thread. When the
// drawn destination is blocked, its lottery win transfers along the
// blocking chain to the thread at the head of the line.
func (io *IOManager) selectNextThread(current *Thread) *Thread {
	if handoff := current.takeHandoff(); handoff != nil &&
		handoff.State() == ThreadReady {
		io.directHandoffCount.Add(1)
		return handoff
	}

	io.mu.Lock()
	defer io.mu.Unlock()

	if io.pending.isEmpty() {
		io.idleCount.Add(1)
		return io.k.tm.idleThread
	}

	io.lotteryCount.Add(1)

	winner := io.pending.selectRandom(io.rng).Destination()
	if winner.State() == ThreadBlocked {
		if blocker := winner.findBlockingThread(); blocker != nil {
			winner = blocker
		}
	}

	return winner
}

// Stats is a snapshot of the scheduler's counters.
type Stats struct {
	DirectHandoffs int64
	Idles          int64
	Lotteries      int64
	Messages       int64
	ReceiveErrors  int64
	SendErrors     int64
}

// Stats reads the scheduling and messaging counters.
func (io *IOManager) Stats() Stats {
	return Stats{
		DirectHandoffs: io.directHandoffCount.Load(),
		Idles:          io.idleCount.Load(),
		Lotteries:      io.lotteryCount.Load(),
		Messages:       io.messageCount.Load(),
		ReceiveErrors:  io.receiveErrorCount.Load(),
		SendErrors:     io.sendErrorCount.Load(),
	}
}
