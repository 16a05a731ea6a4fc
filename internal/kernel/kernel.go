// Package kernel implements the core of the dx microkernel: the thread
// manager, the message-passing I/O manager with its lottery scheduler, and
// the device proxy, all running over the memory manager in package mem and
// a simulated uniprocessor machine.
package kernel

import (
	"errors"
	"fmt"

	"github.com/dgaur/dx/internal/log"
	"github.com/dgaur/dx/internal/mem"
)

// Config carries the machine and kernel tuning knobs.
type Config struct {
	// MemorySize is the physical memory size in bytes; it must be a whole
	// number of 4 MiB regions. Defaults to 64 MiB.
	MemorySize uintptr

	// Quantum is the scheduling quantum in clock ticks. Defaults to
	// SchedulingQuantumDefault.
	Quantum int64

	// Seed seeds the scheduling lottery, making runs reproducible.
	Seed int64

	// Logger receives kernel trace output.
	Logger *log.Logger
}

// Kernel assembles the subsystem quartet over one simulated machine. The
// subsystems are initialized in dependency order: physical memory and the
// frame allocator, the memory manager, the I/O manager, the thread manager
// with its system threads, and finally the device proxy.
type Kernel struct {
	hal     HAL
	machine *machine

	phys   *mem.Physical
	frames *mem.FrameAllocator
	mm     *mem.Manager
	io     *IOManager
	tm     *ThreadManager
	dp     *DeviceProxy

	log *log.Logger
}

// New builds and initializes a kernel. On return the system threads exist
// and the machine is ready to boot.
func New(cfg Config) *Kernel {
	if cfg.MemorySize == 0 {
		cfg.MemorySize = 64 << 20
	}

	if cfg.Logger == nil {
		cfg.Logger = log.DefaultLogger()
	}

	k := &Kernel{log: cfg.Logger}

	k.machine = newMachine(cfg.Logger)
	k.machine.k = k
	k.hal = k.machine

	k.phys = mem.NewPhysical(cfg.MemorySize)
	k.frames = mem.NewFrameAllocator(cfg.MemorySize, cfg.Logger)
	k.mm = mem.NewManager(k.phys, k.frames, cfg.Logger)

	k.hal.EnablePaging(k.mm.KernelAddressSpace())

	k.io = newIOManager(k, cfg.Quantum, cfg.Seed)
	k.tm = newThreadManager(k)
	k.dp = newDeviceProxy(k)

	return k
}

// Boot runs init in the boot thread's context and then lets the boot
// thread exit. Returns once the machine goes idle: when every thread is
// blocked or waiting and the processor suspends. Drive the clock with Tick
// afterwards.
func (k *Kernel) Boot(init func(k *Kernel)) {
	k.machine.startBoot(k.tm.bootThread, func() {
		if init != nil {
			init(k)
		}

		k.tm.ExitCurrentThread()
	})
}

// Tick injects one clock interrupt and runs the machine until it next
// suspends.
func (k *Kernel) Tick() {
	k.machine.injectTick()
}

// Run injects ticks clock interrupts.
func (k *Kernel) Run(ticks int) {
	for i := 0; i < ticks; i++ {
		k.Tick()
	}
}

// RaiseIRQ injects one device interrupt and runs the machine until it
// next suspends.
func (k *Kernel) RaiseIRQ(irq uint32) {
	k.machine.injectIRQ(irq)
}

// RegisterUserProgram installs a simulated user program at an entry
// address; a thread jumping to user mode at that address runs it.
func (k *Kernel) RegisterUserProgram(entry mem.VirtAddr, program func()) {
	k.machine.registerUserProgram(entry, program)
}

// Threads returns the thread manager.
func (k *Kernel) Threads() *ThreadManager {
	return k.tm
}

// Memory returns the memory manager.
func (k *Kernel) Memory() *mem.Manager {
	return k.mm
}

// IO returns the I/O manager.
func (k *Kernel) IO() *IOManager {
	return k.io
}

// Devices returns the device proxy.
func (k *Kernel) Devices() *DeviceProxy {
	return k.dp
}

// CurrentThread returns the thread executing right now.
func (k *Kernel) CurrentThread() *Thread {
	return k.hal.CurrentThread()
}

// Yield gives up the processor; the scheduler may hand it right back.
// Safe within a system call, forbidden in device-interrupt context.
func (k *Kernel) Yield() {
	k.hal.SoftYield()
}

// DeleteMessage disposes of a received message: payload resources in the
// receiver's address space are released, then the message itself dies.
func (k *Kernel) DeleteMessage(m Message) {
	space := m.Destination().AddressSpace()

	switch msg := m.(type) {
	case *MediumMessage:
		if msg.receiverPayload != 0 {
			_ = space.FreeMediumPayloadBlock(msg.receiverPayload)
		}

	case *LargeMessage:
		if msg.receiverPayload != 0 {
			page := mem.PageBase(msg.receiverPayload)
			space.UnsharePages(page, msg.payloadSize)
		}

		if msg.autoBlock != 0 {
			_ = space.FreeLargePayloadBlock(msg.autoBlock)
		}
	}

	m.Release()
}

// ReadVirtual copies bytes out of the current thread's address space.
func (k *Kernel) ReadVirtual(addr mem.VirtAddr, buf []byte) error {
	return k.hal.CurrentThread().AddressSpace().Load(addr, buf)
}

// WriteVirtual copies bytes into the current thread's address space,
// retrying through the page-fault path exactly as the hardware re-executes
// a faulting store after a successful fixup.
func (k *Kernel) WriteVirtual(addr mem.VirtAddr, buf []byte) error {
	space := k.hal.CurrentThread().AddressSpace()

	for {
		err := space.Store(addr, buf)
		if err == nil {
			return nil
		}

		var fault *mem.PageFaultError
		if !errors.As(err, &fault) {
			return err
		}

		k.pageFault(fault.Addr)
	}
}

// pageFault services a page fault at addr in the current thread. The
// kernel fixes up copy-on-write faults directly. Any other fault should be
// pitched to a user-mode pager — the page is swapped out, or the address
// is simply bogus — but no pager protocol exists, so the kernel panics.
func (k *Kernel) pageFault(addr mem.VirtAddr) {
	k.machine.faultAddr = addr

	current := k.hal.CurrentThread()
	faulting := k.hal.ReadPageFaultAddress()

	k.log.Debug("page fault",
		log.Uint64("addr", uint64(faulting)),
		log.Uint64("thread", uint64(current.ID())))

	if !k.mm.PageFault(current.AddressSpace(), faulting, current.copyPage) {
		kernelPanic("unhandled page fault",
			uintptr(faulting), uintptr(current.ID()))
	}
}

// Stats reads the scheduler's counters.
func (k *Kernel) Stats() Stats {
	return k.io.Stats()
}

// kernelPanic reports an unrecoverable violation of a kernel invariant:
// the reason plus a few words of debug state. Panics are not recoverable.
func kernelPanic(reason string, data ...uintptr) {
	msg := "kernel panic: " + reason
	for _, word := range data {
		msg += fmt.Sprintf(" %#x", word)
	}

	panic(msg)
}
