package kernel

import (
	"fmt"
	"sync"

	"github.com/dgaur/dx/internal/log"
	"github.com/dgaur/dx/internal/mem"
	"github.com/dgaur/dx/internal/status"
)

// DeviceKind selects what a MapDevice request is mapping: an interrupt
// line, a range of physical device memory, or a range of I/O ports.
type DeviceKind uintptr

const (
	DeviceInterrupt DeviceKind = iota
	DeviceMemory
	DeviceIOPort
)

// IRQCount is the number of PIC interrupt lines.
const IRQCount = 16

// DeviceProxy maps hardware resources into user-mode driver threads and
// fans device interrupts out to the threads registered on each IRQ line.
type DeviceProxy struct {
	k *Kernel

	mu       sync.Mutex
	handlers [IRQCount][]*Thread

	log *log.Logger
}

func newDeviceProxy(k *Kernel) *DeviceProxy {
	return &DeviceProxy{
		k:   k,
		log: k.log,
	}
}

// MapDevice grants the current thread access to a device resource. The
// caller must hold CapMapDevice. Returns the mapped resource (the linear
// address, for device memory) for the caller.
func (dp *DeviceProxy) MapDevice(resource uintptr, kind DeviceKind,
	size uintptr, flags uintptr) (uintptr, error) {
	current := dp.k.hal.CurrentThread()

	if !current.HasCapability(CapMapDevice) {
		return 0, fmt.Errorf("map device: %w", status.AccessDenied)
	}

	switch kind {
	case DeviceInterrupt:
		return resource, dp.registerInterruptHandler(current, uint32(resource))

	case DeviceMemory:
		return dp.mapMemory(current, mem.Frame(resource), size)

	case DeviceIOPort:
		dp.log.Debug("enabling I/O ports",
			log.Uint64("thread", uint64(current.id)),
			log.Uint64("port", uint64(resource)),
			log.Uint64("count", uint64(size)))

		return resource, current.EnableIOPorts(uint16(resource), uint16(size))

	default:
		dp.log.Debug("unable to map unknown device kind",
			log.Uint64("kind", uint64(kind)))
		return 0, fmt.Errorf("map device kind %d: %w", kind, status.InvalidData)
	}
}

// UnmapDevice is the symmetric operation to MapDevice; it requires
// CapUnmapDevice.
func (dp *DeviceProxy) UnmapDevice(resource uintptr, kind DeviceKind,
	size uintptr) error {
	current := dp.k.hal.CurrentThread()

	if !current.HasCapability(CapUnmapDevice) {
		return fmt.Errorf("unmap device: %w", status.AccessDenied)
	}

	switch kind {
	case DeviceInterrupt:
		return dp.unregisterInterruptHandler(current, uint32(resource))

	case DeviceMemory:
		return dp.unmapMemory(current, mem.VirtAddr(resource), size)

	case DeviceIOPort:
		return current.DisableIOPorts(uint16(resource), uint16(size))

	default:
		return fmt.Errorf("unmap device kind %d: %w", kind, status.InvalidData)
	}
}

// registerInterruptHandler attaches the current thread to an IRQ line. The
// thread must be prepared to handle interrupts immediately; it receives
// interrupt messages until it unregisters. The first handler on a line
// unmasks the IRQ.
func (dp *DeviceProxy) registerInterruptHandler(current *Thread, irq uint32) error {
	if irq >= IRQCount {
		return fmt.Errorf("irq %d: %w", irq, status.InvalidData)
	}

	dp.log.Debug("registering interrupt handler",
		log.Uint64("thread", uint64(current.id)),
		log.Uint64("irq", uint64(irq)))

	current.AddRef()

	dp.mu.Lock()
	dp.handlers[irq] = append(dp.handlers[irq], current)
	dp.k.hal.UnmaskInterrupt(irq)
	dp.mu.Unlock()

	return nil
}

// unregisterInterruptHandler detaches the current thread from an IRQ line.
// The last handler leaving a line remasks the IRQ.
func (dp *DeviceProxy) unregisterInterruptHandler(current *Thread, irq uint32) error {
	if irq >= IRQCount {
		return fmt.Errorf("irq %d: %w", irq, status.InvalidData)
	}

	dp.log.Debug("deregistering interrupt handler",
		log.Uint64("thread", uint64(current.id)),
		log.Uint64("irq", uint64(irq)))

	dp.mu.Lock()

	handlers := dp.handlers[irq]
	for i, handler := range handlers {
		if handler != current {
			continue
		}

		dp.handlers[irq] = append(handlers[:i], handlers[i+1:]...)

		if len(dp.handlers[irq]) == 0 {
			dp.k.hal.MaskInterrupt(irq)
		}

		dp.mu.Unlock()
		current.Release()

		return nil
	}

	dp.mu.Unlock()

	return fmt.Errorf("thread %#x not registered on irq %d: %w",
		current.id, irq, status.InvalidData)
}

// mapMemory maps a block of device memory (registers, ROM, a FIFO across
// the PCI bus) into the current address space. The device remains mapped
// until explicitly removed via unmapMemory. Returns the linear address at
// which the caller can reach the device.
func (dp *DeviceProxy) mapMemory(current *Thread, device mem.Frame,
	size uintptr) (uintptr, error) {
	space := current.AddressSpace()
	pageCount := mem.PageCount(size)

	if device == mem.InvalidFrame ||
		uintptr(device)&mem.PageMask != 0 ||
		pageCount == 0 {
		return 0, fmt.Errorf("bad device memory %#x: %w",
			uintptr(device), status.InvalidData)
	}

	// Refuse to expose any of the kernel image or runtime data as device
	// memory.
	lastByte := uintptr(device) + uintptr(pageCount)*mem.PageSize
	if uintptr(device) < mem.KernelPagedBoundary ||
		lastByte <= uintptr(device) {
		return 0, fmt.Errorf("device memory %#x overlaps kernel: %w",
			uintptr(device), status.AccessDenied)
	}

	mapped, ok := space.AllocateLargePayloadBlock(pageCount)
	if !ok {
		return 0, fmt.Errorf("mapping device memory: %w", status.InsufficientMemory)
	}

	// Device registers are physically contiguous; assemble the frame list
	// spanning them.
	frames := make([]mem.Frame, pageCount)
	for i := range frames {
		frames[i] = device
		device += mem.PageSize
	}

	if err := space.Commit(mapped, frames, mem.FlagWritable|mem.FlagUser); err != nil {
		space.Decommit(mapped, pageCount)
		_ = space.FreeLargePayloadBlock(mapped)

		return 0, err
	}

	dp.log.Debug("mapped device memory",
		log.Uint64("space", uint64(space.ID())),
		log.Uint64("mapped", uint64(mapped)))

	return uintptr(mapped), nil
}

// unmapMemory removes a device-memory view created by mapMemory. On return
// no thread in the address space may touch the device at this address.
func (dp *DeviceProxy) unmapMemory(current *Thread, mapped mem.VirtAddr,
	size uintptr) error {
	space := current.AddressSpace()
	pageCount := mem.PageCount(size)

	if mapped == 0 || !mem.IsPageAligned(mapped) ||
		!dp.k.mm.IsUserAddress(mapped) || pageCount == 0 {
		return fmt.Errorf("bad mapped device address %#x: %w",
			uintptr(mapped), status.InvalidData)
	}

	// Tear down the view. The frames behind it belong to the device, not
	// the frame allocator, so they are not freed.
	space.Decommit(mapped, pageCount)

	return space.FreeLargePayloadBlock(mapped)
}

// wakeInterruptHandlers sends a HANDLE_INTERRUPT message to every thread
// registered on the interrupting line, on the assumption that one of them
// owns the interrupting device. Each send blocks until the handler
// acknowledges. Executes in interrupt context, in whatever thread happened
// to be interrupted.
func (dp *DeviceProxy) wakeInterruptHandlers(irq uint32) {
	dp.mu.Lock()
	handlers := make([]*Thread, len(dp.handlers[irq]))
	copy(handlers, dp.handlers[irq])
	dp.mu.Unlock()

	current := dp.k.hal.CurrentThread()

	for _, handler := range handlers {
		message := NewSmallMessage(current, handler,
			MessageTypeHandleInterrupt, nextMessageID(), uintptr(irq))

		// Give the handler a chance to service its device, and wait for
		// its explicit acknowledgement.
		response, err := dp.k.io.SendMessage(message)
		if err != nil {
			// If this handler owned the device, it will likely keep
			// interrupting; this may or may not be recoverable.
			dp.log.Warn("unable to deliver interrupt message",
				log.Uint64("thread", uint64(handler.id)),
				log.Uint64("irq", uint64(irq)))
			message.Release()

			continue
		}

		dp.k.DeleteMessage(response)
	}
}
