package kernel

import "math/rand"

// messagePool is the unsorted pool of all messages currently pending in
// some thread's mailbox. The pool is the lottery population: the scheduler
// draws a uniformly random message and runs its destination.
//
// This structure sits on the message/scheduling fast path, so insertion,
// random access and removal-by-handle are all O(1). Each message caches its
// own slot index; removal swaps the tail message into the vacated slot and
// updates its cached index. Message order within the pool is irrelevant.
type messagePool struct {
	messages []Message
}

func (p *messagePool) isEmpty() bool {
	return len(p.messages) == 0
}

func (p *messagePool) count() int {
	return len(p.messages)
}

// add appends a message and caches its slot index.
func (p *messagePool) add(m Message) {
	m.setPoolIndex(len(p.messages))
	p.messages = append(p.messages, m)
}

// remove deletes a message given only its handle, by overwriting its slot
// with the tail message. Messages stay packed at the front of the backing
// array, which keeps selectRandom trivial.
func (p *messagePool) remove(victim Message) {
	index := victim.poolIndex()
	if index < 0 || index >= len(p.messages) || p.messages[index] != victim {
		return
	}

	last := len(p.messages) - 1
	p.messages[index] = p.messages[last]
	p.messages[index].setPoolIndex(index)
	p.messages[last] = nil
	p.messages = p.messages[:last]

	victim.setPoolIndex(-1)
}

// selectRandom returns a uniformly random message; the message stays in
// the pool.
func (p *messagePool) selectRandom(rng *rand.Rand) Message {
	return p.messages[rng.Intn(len(p.messages))]
}
