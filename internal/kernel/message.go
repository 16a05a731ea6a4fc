package kernel

import (
	"fmt"
	"sync/atomic"

	"github.com/dgaur/dx/internal/mem"
	"github.com/dgaur/dx/internal/status"
)

// MessageType identifies the meaning of a message to its recipient.
type MessageType uint32

const (
	MessageTypeNull MessageType = iota
	MessageTypeDeleteThread
	MessageTypeThreadDeleted
	MessageTypeStartUserThread
	MessageTypeLoadAddressSpace
	MessageTypeHandleInterrupt
	MessageTypeAcknowledge

	// MessageTypeUser is the first type value available to applications.
	MessageTypeUser MessageType = 0x100
)

// MessageID distinguishes messages between the same pair of threads; a
// blocked sender wakes only on the response carrying the id it waits for.
type MessageID uintptr

var messageIDCounter atomic.Uintptr

// nextMessageID generates an id for kernel-originated messages.
func nextMessageID() MessageID {
	return MessageID(messageIDCounter.Add(1))
}

// Message is a single unit of communication between two threads. A message
// is single-owner: ownership transfers to the pool on send, to the receiver
// on a successful receive, and to the deletion path on teardown. Every
// message holds counted references on its source and destination threads
// for as long as it exists.
type Message interface {
	Source() *Thread
	Destination() *Thread
	Type() MessageType
	ID() MessageID

	// Blocking reports whether the sender waits for a response.
	Blocking() bool

	// CollectPayload captures the payload in the sender's context, before
	// the message is queued.
	CollectPayload() error

	// DeliverPayload lands the payload in the receiver's context, after
	// the message is dequeued.
	DeliverPayload() error

	// PayloadWord returns the inline payload word, if any.
	PayloadWord() uintptr

	// PayloadAddress returns the delivered payload location and size in
	// the receiver's address space; zero for inline payloads.
	PayloadAddress() (mem.VirtAddr, uintptr)

	// Release drops the message's thread references and payload resources.
	// The owner calls this exactly once, when the message dies.
	Release()

	setBlocking(blocking bool)
	poolIndex() int
	setPoolIndex(index int)
}

// baseMessage carries the bookkeeping common to every message variant.
type baseMessage struct {
	source      *Thread
	destination *Thread
	mtype       MessageType
	id          MessageID
	blocking    bool
	index       int
}

func newBaseMessage(source, destination *Thread, mtype MessageType, id MessageID) baseMessage {
	source.AddRef()
	destination.AddRef()

	return baseMessage{
		source:      source,
		destination: destination,
		mtype:       mtype,
		id:          id,
		index:       -1,
	}
}

func (m *baseMessage) Source() *Thread          { return m.source }
func (m *baseMessage) Destination() *Thread     { return m.destination }
func (m *baseMessage) Type() MessageType        { return m.mtype }
func (m *baseMessage) ID() MessageID            { return m.id }
func (m *baseMessage) Blocking() bool           { return m.blocking }
func (m *baseMessage) setBlocking(b bool)       { m.blocking = b }
func (m *baseMessage) poolIndex() int           { return m.index }
func (m *baseMessage) setPoolIndex(index int)   { m.index = index }

// release drops the thread references held by the message.
func (m *baseMessage) release() {
	m.source.Release()
	m.destination.Release()
}

// SmallMessage carries a payload that fits in a single word, stored inline.
type SmallMessage struct {
	baseMessage
	payload uintptr
}

// NewSmallMessage builds a message whose entire payload is one word.
func NewSmallMessage(source, destination *Thread, mtype MessageType, id MessageID, payload uintptr) *SmallMessage {
	return &SmallMessage{
		baseMessage: newBaseMessage(source, destination, mtype, id),
		payload:     payload,
	}
}

func (m *SmallMessage) CollectPayload() error { return nil }
func (m *SmallMessage) DeliverPayload() error { return nil }
func (m *SmallMessage) PayloadWord() uintptr  { return m.payload }

func (m *SmallMessage) PayloadAddress() (mem.VirtAddr, uintptr) { return 0, 0 }

func (m *SmallMessage) Release() { m.release() }

func (m *SmallMessage) String() string {
	return fmt.Sprintf("small message %#x type %d %#x->%#x",
		uintptr(m.id), m.mtype, m.source.ID(), m.destination.ID())
}

// MediumMessage carries a payload of up to one medium slab entry. The
// payload bytes are copied out of the sender's memory when the message is
// queued and copied into the recipient's medium-payload slab on delivery.
type MediumMessage struct {
	baseMessage

	senderPayload   mem.VirtAddr
	receiverPayload mem.VirtAddr
	payloadSize     uintptr
	payload         [mem.MediumPayloadSize]byte
}

// NewMediumMessage builds a message whose payload is a block of sender
// memory no larger than a medium slab entry.
func NewMediumMessage(source, destination *Thread, mtype MessageType, id MessageID,
	payload mem.VirtAddr, payloadSize uintptr) *MediumMessage {
	if payloadSize > mem.MediumPayloadSize {
		payloadSize = mem.MediumPayloadSize
	}

	return &MediumMessage{
		baseMessage:   newBaseMessage(source, destination, mtype, id),
		senderPayload: payload,
		payloadSize:   payloadSize,
	}
}

// CollectPayload copies the user data into the buffer embedded in the
// message. Runs in the sender's context; a bad sender address surfaces as a
// fault here, not at the recipient.
func (m *MediumMessage) CollectPayload() error {
	as := m.source.AddressSpace()

	if err := as.Load(m.senderPayload, m.payload[:m.payloadSize]); err != nil {
		return fmt.Errorf("collecting medium payload: %w", status.InvalidData)
	}

	return nil
}

// DeliverPayload copies the embedded payload into a slab block in the
// recipient's address space.
func (m *MediumMessage) DeliverPayload() error {
	as := m.destination.AddressSpace()

	block, ok := as.AllocateMediumPayloadBlock()
	if !ok {
		return fmt.Errorf("delivering medium payload: %w", status.InsufficientMemory)
	}

	if err := as.Store(block, m.payload[:m.payloadSize]); err != nil {
		_ = as.FreeMediumPayloadBlock(block)
		return fmt.Errorf("delivering medium payload: %w", status.InsufficientMemory)
	}

	m.receiverPayload = block

	return nil
}

func (m *MediumMessage) PayloadWord() uintptr { return uintptr(m.receiverPayload) }

func (m *MediumMessage) PayloadAddress() (mem.VirtAddr, uintptr) {
	return m.receiverPayload, m.payloadSize
}

func (m *MediumMessage) Release() { m.release() }

// LargeMessage carries a payload of arbitrary size as a list of shared
// frames. The sender's pages are shared when the message is queued; on
// delivery they are mapped into the recipient's address space, either at an
// auto-allocated payload block or at a caller-specified target address.
type LargeMessage struct {
	baseMessage

	senderPayload   mem.VirtAddr
	receiverPayload mem.VirtAddr
	payloadSize     uintptr
	autoBlock       mem.VirtAddr
	frames          []*mem.SharedFrame
}

// NewLargeMessage builds a message whose payload spans one or more pages of
// sender memory. A nonzero receiverPayload requests delivery at that exact
// address in the recipient's space, which requires the sender to hold
// CapExplicitTargetAddress.
func NewLargeMessage(source, destination *Thread, mtype MessageType, id MessageID,
	payload mem.VirtAddr, payloadSize uintptr, receiverPayload mem.VirtAddr) *LargeMessage {
	return &LargeMessage{
		baseMessage:     newBaseMessage(source, destination, mtype, id),
		senderPayload:   payload,
		receiverPayload: receiverPayload,
		payloadSize:     payloadSize,
	}
}

// CollectPayload shares all of the page frames underneath the payload, in
// the sending thread's context. The shared pages are mapped into the
// recipient later, via DeliverPayload.
func (m *LargeMessage) CollectPayload() error {
	if m.senderPayload == 0 || m.payloadSize == 0 {
		return fmt.Errorf("no payload to collect: %w", status.InvalidData)
	}

	sender := m.source
	k := sender.k

	// Validate the target address as far as possible. This cannot ensure
	// the recipient can actually accept the payload there; pages may
	// already be mapped at the target.
	if m.receiverPayload != 0 {
		if !sender.HasCapability(CapExplicitTargetAddress) {
			return fmt.Errorf("explicit payload target: %w", status.AccessDenied)
		}

		// The payload pointers must be congruent modulo the page size, or
		// the receiver would look for the payload at the wrong offset
		// within the shared pages.
		if mem.PageOffset(m.senderPayload) != mem.PageOffset(m.receiverPayload) {
			return fmt.Errorf("misaligned payload target %#x: %w",
				uintptr(m.receiverPayload), status.IOError)
		}

		if !k.mm.IsUserAddress(m.receiverPayload) {
			return fmt.Errorf("payload target %#x in kernel space: %w",
				uintptr(m.receiverPayload), status.AccessDenied)
		}
	}

	frames, err := sender.AddressSpace().SharePages(m.senderPayload, m.payloadSize)
	m.frames = frames

	if err != nil {
		for _, frame := range m.frames {
			frame.Release()
		}
		m.frames = nil

		return err
	}

	return nil
}

// DeliverPayload maps the shared frames into the recipient's address space.
// Runs in the receiving thread's context.
func (m *LargeMessage) DeliverPayload() error {
	as := m.destination.AddressSpace()

	var page mem.VirtAddr

	if m.receiverPayload == 0 {
		// No explicit target: reserve a block of payload area pages. The
		// payload lands at the same offset within the page as it had in
		// the sender.
		block, ok := as.AllocateLargePayloadBlock(uint32(len(m.frames)))
		if !ok {
			return fmt.Errorf("delivering large payload: %w", status.InsufficientMemory)
		}

		m.autoBlock = block
		m.receiverPayload = block + mem.VirtAddr(mem.PageOffset(m.senderPayload))
		page = block
	} else {
		page = mem.PageBase(m.receiverPayload)
	}

	return as.CommitShared(page, m.frames,
		mem.FlagShared|mem.FlagUser|mem.FlagCopyOnWrite)
}

func (m *LargeMessage) PayloadWord() uintptr { return uintptr(m.receiverPayload) }

func (m *LargeMessage) PayloadAddress() (mem.VirtAddr, uintptr) {
	return m.receiverPayload, m.payloadSize
}

// Release drops the references to the payload frames along with the usual
// thread references.
func (m *LargeMessage) Release() {
	for _, frame := range m.frames {
		frame.Release()
	}
	m.frames = nil

	m.release()
}
