package kernel

import "github.com/dgaur/dx/internal/mem"

// HAL is the narrow hardware interface the kernel core consumes. The
// machine in machine.go implements it in software; a port to real hardware
// would supply the same operations over the processor itself.
type HAL interface {
	// CurrentThread returns the thread executing right now, or nil during
	// early boot before the boot context is adopted.
	CurrentThread() *Thread

	// InitializeThreadContext prepares a new thread's execution context so
	// that the first switch into it "returns" into its kernel entry
	// function.
	InitializeThreadContext(t *Thread)

	// SwitchThread atomically suspends current and resumes next,
	// installing next's address space and I/O permission map.
	SwitchThread(current, next *Thread)

	// EnablePaging installs the address space's page directory and turns
	// on translation; called once at initialization.
	EnablePaging(space *mem.AddressSpace)

	// ReadPageFaultAddress reports the faulting address of the most recent
	// page fault.
	ReadPageFaultAddress() mem.VirtAddr

	// ReloadIOPortMap reloads the processor's I/O permission bitmap from
	// the thread's address space, if the thread is current.
	ReloadIOPortMap(t *Thread)

	InterruptsEnable()
	InterruptsDisable()

	// MaskInterrupt and UnmaskInterrupt gate delivery of one IRQ line.
	MaskInterrupt(irq uint32)
	UnmaskInterrupt(irq uint32)

	// SuspendProcessor halts the processor until the next interrupt.
	SuspendProcessor()

	// SoftYield raises the synthetic yield vector, handing the processor
	// to the scheduler.
	SoftYield()

	// JumpToUser leaves ring 0 for the thread's user entry point.
	JumpToUser(entry, stack mem.VirtAddr)
}
