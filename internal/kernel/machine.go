package kernel

import (
	"github.com/dgaur/dx/internal/log"
	"github.com/dgaur/dx/internal/mem"
)

// machine is the simulated uniprocessor the kernel runs on. Every kernel
// thread is a goroutine parked on its resume channel; a single processor
// token moves between the driver (whoever called Boot, Tick or RaiseIRQ)
// and exactly one thread goroutine, so precisely one context executes at a
// time, just as on the real machine with interrupts masked.
//
// External events (clock ticks, device IRQs) are queued by the driver and
// drained at kernel entry points: system-call entry, the yield path, and
// wakeup from processor suspension. Preemption therefore happens only
// where the real kernel would run its interrupt dispatch.
type machine struct {
	k *Kernel

	current *Thread

	// driver receives the processor token whenever the machine suspends;
	// each driver call runs the machine until it suspends again.
	driver chan struct{}

	pendingTicks int
	pendingIRQs  []uint32
	maskedIRQs   uint32

	faultAddr mem.VirtAddr

	// userPrograms simulates userland: JumpToUser runs the program
	// registered for the entry address.
	userPrograms map[mem.VirtAddr]func()

	log *log.Logger
}

func newMachine(logger *log.Logger) *machine {
	return &machine{
		driver:       make(chan struct{}, 1),
		maskedIRQs:   ^uint32(0),
		userPrograms: make(map[mem.VirtAddr]func()),
		log:          logger,
	}
}

// adoptBootContext installs the boot thread as the current execution
// context during early initialization, before its goroutine exists.
func (m *machine) adoptBootContext(boot *Thread) {
	m.current = boot
}

// startBoot spawns the boot thread's goroutine around the supplied body
// and hands it the processor. Returns when the machine next suspends.
func (m *machine) startBoot(boot *Thread, body func()) {
	boot.resume = make(chan struct{}, 1)

	go func() {
		<-boot.resume
		body()
	}()

	m.current = boot
	boot.resume <- struct{}{}
	<-m.driver
}

// kickProcessor resumes the suspended machine and waits for it to suspend
// again. Callers must hold the processor token, which every driver-facing
// entry point does by construction.
func (m *machine) kickProcessor() {
	m.current.resume <- struct{}{}
	<-m.driver
}

// injectTick queues one clock tick and runs the machine until it
// suspends.
func (m *machine) injectTick() {
	m.pendingTicks++
	m.kickProcessor()
}

// injectIRQ queues one device interrupt and runs the machine until it
// suspends. A masked IRQ is dropped, as the PIC would suppress it.
func (m *machine) injectIRQ(irq uint32) {
	if irq >= IRQCount {
		return
	}

	if m.maskedIRQs&(1<<irq) != 0 {
		m.log.Debug("dropping masked irq", log.Uint64("irq", uint64(irq)))
		return
	}

	m.pendingIRQs = append(m.pendingIRQs, irq)
	m.kickProcessor()
}

// dispatchPendingInterrupts drains queued external events in the current
// thread's context. Clock ticks go to the scheduler; device IRQs go to the
// device proxy's fan-out. Either may context-switch away and back before
// the next event is drained.
func (m *machine) dispatchPendingInterrupts() {
	for {
		switch {
		case m.pendingTicks > 0:
			m.pendingTicks--
			m.k.io.clockTick()

		case len(m.pendingIRQs) > 0:
			irq := m.pendingIRQs[0]
			m.pendingIRQs = m.pendingIRQs[1:]

			if m.maskedIRQs&(1<<irq) == 0 {
				m.k.dp.wakeInterruptHandlers(irq)
			}

		default:
			return
		}
	}
}

// registerUserProgram installs a simulated user program at an entry
// address; JumpToUser for that address runs it.
func (m *machine) registerUserProgram(entry mem.VirtAddr, program func()) {
	m.userPrograms[entry] = program
}

// --- HAL implementation ---

func (m *machine) CurrentThread() *Thread {
	return m.current
}

// InitializeThreadContext parks a goroutine for the thread; the first
// switch into the thread releases it into its kernel entry function, and a
// clean return from that function exits the thread.
func (m *machine) InitializeThreadContext(t *Thread) {
	t.resume = make(chan struct{}, 1)

	go func() {
		<-t.resume

		if t.kernelStart != nil {
			t.kernelStart()
		}

		// The entry function returned; the thread exits by asking the
		// cleanup thread to destroy it. Never returns.
		m.k.tm.ExitCurrentThread()
	}()
}

// SwitchThread hands the processor from current to next. The calling
// goroutine parks until some later switch resumes it; an exiting thread is
// simply never resumed.
func (m *machine) SwitchThread(current, next *Thread) {
	if current == next {
		return
	}

	m.current = next
	m.ReloadIOPortMap(next)

	next.resume <- struct{}{}
	<-current.resume
}

func (m *machine) EnablePaging(space *mem.AddressSpace) {
	m.log.Debug("paging enabled", log.Uint64("space", uint64(space.ID())))
}

func (m *machine) ReadPageFaultAddress() mem.VirtAddr {
	return m.faultAddr
}

func (m *machine) ReloadIOPortMap(t *Thread) {
	// The simulated processor consults the address space's bitmap
	// directly, so there is no TSS copy to refresh.
	_ = t
}

// InterruptsEnable and InterruptsDisable are implicit in the processor
// token: external events are only drained at kernel entry points, so the
// machine behaves as if interrupts were masked everywhere else.
func (m *machine) InterruptsEnable()  {}
func (m *machine) InterruptsDisable() {}

func (m *machine) MaskInterrupt(irq uint32) {
	m.maskedIRQs |= 1 << irq
}

func (m *machine) UnmaskInterrupt(irq uint32) {
	m.maskedIRQs &^= 1 << irq
}

// SuspendProcessor halts until the driver injects the next tick or IRQ,
// then dispatches whatever arrived. If events are already pending the
// suspension is skipped entirely.
func (m *machine) SuspendProcessor() {
	current := m.current

	if m.pendingTicks == 0 && len(m.pendingIRQs) == 0 {
		m.driver <- struct{}{}
		<-current.resume
	}

	m.dispatchPendingInterrupts()
}

// SoftYield dispatches any pending interrupts, then hands the processor to
// the scheduler.
func (m *machine) SoftYield() {
	m.dispatchPendingInterrupts()
	m.k.io.yield()
}

// JumpToUser runs the simulated user program registered at the entry
// address. On the real machine this transition is one-way; here the
// program returning lets the thread exit through the normal path.
func (m *machine) JumpToUser(entry, stack mem.VirtAddr) {
	_ = stack

	program := m.userPrograms[entry]
	if program == nil {
		m.log.Warn("no user program at entry", log.Uint64("entry", uint64(entry)))
		return
	}

	program()
}
