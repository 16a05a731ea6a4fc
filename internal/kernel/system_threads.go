package kernel

import (
	"github.com/dgaur/dx/internal/log"
	"github.com/dgaur/dx/internal/status"
)

// cleanupThreadEntry is the body of the dedicated cleanup thread. It
// receives deletion requests and drives thread destruction, so that the
// final teardown of a thread never runs in the victim's own context.
func (k *Kernel) cleanupThreadEntry() {
	k.log.Debug("cleanup thread starting")

	cleanup := k.hal.CurrentThread()

	for {
		message, err := k.io.ReceiveMessage(true)
		if err != nil {
			continue
		}

		if message.Type() != MessageTypeDeleteThread {
			// Stray traffic; discard it.
			k.DeleteMessage(message)
			continue
		}

		victimID := ThreadID(message.PayloadWord())
		requester := message.Source()

		victim := k.tm.FindThread(victimID)
		if victim == nil {
			// No such thread. Wake the requester with the error; it is
			// blocked on this thread awaiting the acknowledgement.
			k.log.Debug("deletion request for unknown thread",
				log.Uint64("thread", uint64(victimID)))

			ack := NewSmallMessage(cleanup, requester, MessageTypeThreadDeleted,
				message.ID(), uintptr(status.InvalidData))
			if err := k.io.PutMessage(ack); err != nil {
				ack.Release()
			}

			k.DeleteMessage(message)

			continue
		}

		// The acknowledgement is sent only when the victim's last
		// reference finally drops, which may be long after the mailbox is
		// drained: in-flight messages naming the victim keep it alive. A
		// thread deleting itself gets no acknowledgement; it blocked on
		// this thread and will simply never run again.
		var ack Message
		if requester != victim {
			ack = NewSmallMessage(cleanup, requester, MessageTypeThreadDeleted,
				message.ID(), uintptr(status.Success))
		}

		k.tm.DeleteThread(victim, ack)

		// Drop the request message's references and this thread's lookup
		// reference; the last of these typically destroys the victim and
		// delivers the acknowledgement.
		k.DeleteMessage(message)
		victim.Release()
	}
}

// idleThreadEntry is the body of the idle thread: it consumes cycles when
// nothing else is ready, discarding any stray messages and suspending the
// processor until the next interrupt. It never exits.
func (k *Kernel) idleThreadEntry() {
	k.log.Debug("idle thread starting")

	for {
		if message, err := k.io.ReceiveMessage(false); err == nil {
			k.DeleteMessage(message)
		}

		k.hal.SuspendProcessor()
	}
}

// nullThreadEntry is the body of the null thread: a sink that sources the
// synthesized null messages and swallows anything sent to it. It never
// exits.
func (k *Kernel) nullThreadEntry() {
	k.log.Debug("null thread starting")

	for {
		if message, err := k.io.ReceiveMessage(false); err == nil {
			k.DeleteMessage(message)
		}

		k.hal.SuspendProcessor()
	}
}

// userThreadEntry is the kernel-side trampoline for threads created by the
// CREATE_THREAD system call. The thread spins here, in kernel context,
// until an explicit START_USER_THREAD message arrives; only then is the
// address space guaranteed complete enough to enter user mode. Loader
// traffic arriving beforehand is consumed and discarded.
func (k *Kernel) userThreadEntry() {
	current := k.hal.CurrentThread()

	k.log.Debug("starting user thread",
		log.Uint64("thread", uint64(current.ID())),
		log.Uint64("space", uint64(current.AddressSpace().ID())))

	for {
		message, err := k.io.ReceiveMessage(true)
		if err != nil {
			// A lost startup message; depending on what it carried this
			// thread may now be stuck. Attempt to continue.
			k.log.Warn("user thread unable to receive startup message",
				log.Uint64("thread", uint64(current.ID())))
			continue
		}

		if message.Type() == MessageTypeStartUserThread {
			k.DeleteMessage(message)
			k.hal.JumpToUser(current.userStart, current.userStack)

			// The simulated user program ran to completion; returning
			// exits the thread.
			return
		}

		// Probably LOAD_ADDRESS_SPACE or a stray null message.
		k.DeleteMessage(message)
	}
}
