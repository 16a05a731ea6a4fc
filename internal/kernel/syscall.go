package kernel

import (
	"unsafe"

	"github.com/dgaur/dx/internal/mem"
	"github.com/dgaur/dx/internal/status"
)

// SyscallVector selects a system call. The values double as interrupt
// vectors on the real machine, above the hardware and exception ranges.
type SyscallVector uint32

const (
	SyscallCreateAddressSpace SyscallVector = 0x90 + iota
	SyscallExpandAddressSpace
	SyscallCreateThread
	SyscallDeleteThread
	SyscallSendMessage
	SyscallSendAndReceiveMessage
	SyscallReceiveMessage
	SyscallDeleteMessage
	SyscallMapDevice
	SyscallUnmapDevice
	SyscallYield
)

// SyscallData is the argument block exchanged between a calling thread and
// the kernel. The caller populates size and the data words appropriate to
// the call; the kernel always overwrites size and status before returning.
// The meaning of each data word depends on the vector.
type SyscallData struct {
	Size   uintptr
	Data0  uintptr
	Data1  uintptr
	Data2  uintptr
	Data3  uintptr
	Data4  uintptr
	Data5  uintptr
	Status uintptr
}

var syscallDataSize = uintptr(unsafe.Sizeof(SyscallData{}))

// Syscall is the system-call entry point. Pending external interrupts are
// dispatched first, exactly as a trap on the real machine would be
// interleaved with the interrupt queue; then the call is validated and
// routed to the owning subsystem.
func (k *Kernel) Syscall(vector SyscallVector, data *SyscallData) {
	k.machine.dispatchPendingInterrupts()

	if data == nil {
		return
	}

	if data.Size < syscallDataSize {
		data.Size = syscallDataSize
		data.Status = uintptr(status.InvalidData)

		return
	}

	var err error

	switch vector {
	case SyscallCreateAddressSpace:
		err = k.syscallCreateAddressSpace(data)
	case SyscallExpandAddressSpace:
		err = k.syscallExpandAddressSpace(data)
	case SyscallCreateThread:
		err = k.syscallCreateThread(data)
	case SyscallDeleteThread:
		err = k.tm.SendDeletionMessage(ThreadID(data.Data0))
	case SyscallSendMessage:
		err = k.syscallSendMessage(data, false)
	case SyscallSendAndReceiveMessage:
		err = k.syscallSendMessage(data, true)
	case SyscallReceiveMessage:
		err = k.syscallReceiveMessage(data)
	case SyscallDeleteMessage:
		err = k.syscallDeleteMessage(data)
	case SyscallMapDevice:
		mapped, mapErr := k.dp.MapDevice(data.Data0, DeviceKind(data.Data1),
			data.Data2, data.Data3)
		if mapErr == nil {
			data.Data0 = mapped
		}
		err = mapErr
	case SyscallUnmapDevice:
		err = k.dp.UnmapDevice(data.Data0, DeviceKind(data.Data1), data.Data2)
	case SyscallYield:
		k.Yield()
	default:
		err = status.InvalidData
	}

	data.Size = syscallDataSize
	data.Status = uintptr(status.CodeOf(err))
}

// syscallCreateAddressSpace handles CREATE_ADDRESS_SPACE.
//
// Output: data0 = id of the new address space.
func (k *Kernel) syscallCreateAddressSpace(data *SyscallData) error {
	current := k.hal.CurrentThread()

	if !current.HasCapability(CapCreateAddressSpace) {
		return status.AccessDenied
	}

	space, err := k.mm.CreateAddressSpace(mem.AutoAllocateID)
	if err != nil {
		return err
	}

	data.Data0 = uintptr(space.ID())
	space.Release()

	return nil
}

// syscallExpandAddressSpace handles EXPAND_ADDRESS_SPACE.
//
// Input: data0 = target address space id; data1 = base address where pages
// should be added; data2 = size in bytes; data3 = expansion flags.
func (k *Kernel) syscallExpandAddressSpace(data *SyscallData) error {
	current := k.hal.CurrentThread()

	if !current.HasCapability(CapExpandAddressSpace) {
		return status.AccessDenied
	}

	space := k.mm.FindAddressSpace(mem.ID(data.Data0))
	if space == nil {
		return status.InvalidData
	}

	err := space.Expand(mem.VirtAddr(data.Data1), data.Data2, mem.Flag(data.Data3))
	space.Release()

	return err
}

// syscallCreateThread handles CREATE_THREAD.
//
// Input: data0 = id of the address space the thread runs in; data1 = user
// entry point; data2 = user stack base; data3 = capability mask.
// Output: data0 = id of the new thread.
func (k *Kernel) syscallCreateThread(data *SyscallData) error {
	space := k.mm.FindAddressSpace(mem.ID(data.Data0))
	if space == nil {
		return status.InvalidData
	}

	thread, err := k.tm.CreateThread(k.userThreadEntry, space, AutoThreadID,
		Capability(data.Data3), mem.VirtAddr(data.Data1), mem.VirtAddr(data.Data2))

	space.Release()

	if err != nil {
		return err
	}

	data.Data0 = uintptr(thread.ID())
	thread.Release()

	return nil
}

// syscallSendMessage handles SEND_MESSAGE and SEND_AND_RECEIVE_MESSAGE.
//
// Input: data0 = destination thread id; data1 = message type; data2 =
// message id; data3 = payload word or pointer; data4 = payload size (zero
// means the payload is the single word in data3); data5 = target address
// in the destination address space, or zero.
// Output (synchronous form): the response, encoded as for receive.
func (k *Kernel) syscallSendMessage(data *SyscallData, synchronous bool) error {
	destination := k.tm.FindThread(ThreadID(data.Data0))
	if destination == nil {
		return status.InvalidData
	}

	current := k.hal.CurrentThread()
	mtype := MessageType(data.Data1)
	id := MessageID(data.Data2)

	var message Message

	switch {
	case data.Data4 == 0:
		message = NewSmallMessage(current, destination, mtype, id, data.Data3)
	case data.Data4 <= mem.MediumPayloadSize:
		message = NewMediumMessage(current, destination, mtype, id,
			mem.VirtAddr(data.Data3), data.Data4)
	default:
		message = NewLargeMessage(current, destination, mtype, id,
			mem.VirtAddr(data.Data3), data.Data4, mem.VirtAddr(data.Data5))
	}

	// The message now holds its own reference on the destination.
	destination.Release()

	if !synchronous {
		if err := k.io.PutMessage(message); err != nil {
			message.Release()
			return err
		}

		return nil
	}

	response, err := k.io.SendMessage(message)
	if err != nil {
		message.Release()
		return err
	}

	k.encodeReceivedMessage(data, response)

	return nil
}

// syscallReceiveMessage handles RECEIVE_MESSAGE.
//
// Input: data0 = nonzero to wait for a message.
// Output: data0 = source thread id; data1 = type; data2 = id; data3 =
// payload word or delivered address; data4 = payload size; data5 = message
// handle for DELETE_MESSAGE.
func (k *Kernel) syscallReceiveMessage(data *SyscallData) error {
	message, err := k.io.ReceiveMessage(data.Data0 != 0)
	if err != nil {
		return err
	}

	k.encodeReceivedMessage(data, message)

	return nil
}

// encodeReceivedMessage marshals a delivered message into the syscall
// block and parks it under a handle until the receiver deletes it.
func (k *Kernel) encodeReceivedMessage(data *SyscallData, m Message) {
	data.Data0 = uintptr(m.Source().ID())
	data.Data1 = uintptr(m.Type())
	data.Data2 = uintptr(m.ID())

	addr, size := m.PayloadAddress()
	if size == 0 {
		data.Data3 = m.PayloadWord()
	} else {
		data.Data3 = uintptr(addr)
	}
	data.Data4 = size

	data.Data5 = k.hal.CurrentThread().registerReceived(m)
}

// syscallDeleteMessage handles DELETE_MESSAGE.
//
// Input: data0 = handle of a previously received message.
func (k *Kernel) syscallDeleteMessage(data *SyscallData) error {
	message, ok := k.hal.CurrentThread().takeReceived(data.Data0)
	if !ok {
		return status.InvalidData
	}

	k.DeleteMessage(message)

	return nil
}
