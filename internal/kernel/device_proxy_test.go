package kernel

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/dgaur/dx/internal/mem"
	"github.com/dgaur/dx/internal/status"
)

// interruptHandlerThread registers on an IRQ line, services the given
// number of interrupts (acknowledging each), then unregisters.
func interruptHandlerThread(k *Kernel, irq uint32, serve int, count *atomic.Int32) func() {
	return func() {
		drainKick(k)

		if _, err := k.Devices().MapDevice(uintptr(irq), DeviceInterrupt, 0, 0); err != nil {
			return
		}

		for served := 0; served < serve; {
			m, err := k.IO().ReceiveMessage(true)
			if err != nil {
				continue
			}

			if m.Type() == MessageTypeHandleInterrupt {
				count.Add(1)
				served++

				ack := NewSmallMessage(k.CurrentThread(), m.Source(),
					MessageTypeAcknowledge, m.ID(), 0)
				if err := k.IO().PutMessage(ack); err != nil {
					ack.Release()
				}
			}

			k.DeleteMessage(m)
		}

		_ = k.Devices().UnmapDevice(uintptr(irq), DeviceInterrupt, 0)
	}
}

// TestInterruptFanOut raises a synthetic IRQ with two registered handlers
// and verifies each receives exactly one HANDLE_INTERRUPT message, with
// the proxy collecting both acknowledgements.
func TestInterruptFanOut(tt *testing.T) {
	var (
		t = NewTestHarness(tt)
		k = t.Make()
	)

	var countX, countY atomic.Int32

	k.Boot(func(k *Kernel) {
		tm := k.Threads()

		x, err := tm.CreateThread(interruptHandlerThread(k, 5, 1, &countX),
			nil, AutoThreadID, CapKernelThread, 0, 0)
		if err != nil {
			t.Fatalf("create x: %v", err)
		}

		y, err := tm.CreateThread(interruptHandlerThread(k, 5, 1, &countY),
			nil, AutoThreadID, CapKernelThread, 0, 0)
		if err != nil {
			t.Fatalf("create y: %v", err)
		}

		t.kick(k, x)
		t.kick(k, y)

		x.Release()
		y.Release()
	})

	k.RaiseIRQ(5)

	if countX.Load() != 1 || countY.Load() != 1 {
		t.Errorf("fan-out counts want 1/1, got %d/%d",
			countX.Load(), countY.Load())
	}

	// Both handlers have unregistered, remasking the line; another IRQ
	// goes nowhere.
	k.RaiseIRQ(5)

	if countX.Load() != 1 || countY.Load() != 1 {
		t.Error("masked IRQ still delivered")
	}
}

func TestMaskedIRQDropped(tt *testing.T) {
	var (
		t = NewTestHarness(tt)
		k = t.Make()
	)

	k.Boot(nil)

	// No handler ever registered: the line is masked and the interrupt
	// must not disturb the machine.
	k.RaiseIRQ(3)
	k.Tick()
}

// TestMapDeviceMemory maps a page of device registers into the caller and
// tears the view down again.
func TestMapDeviceMemory(tt *testing.T) {
	var (
		t = NewTestHarness(tt)
		k = t.Make()
	)

	// High physical memory, well above the kernel image.
	const device = uintptr(28 << 20)

	result := make(chan error, 1)

	k.Boot(func(k *Kernel) {
		driver, err := k.Threads().CreateThread(func() {
			drainKick(k)

			mapped, err := k.Devices().MapDevice(device, DeviceMemory,
				2*mem.PageSize, 0)
			if err != nil {
				result <- err
				return
			}

			space := k.CurrentThread().AddressSpace()

			entry, ok := space.Entry(mem.VirtAddr(mapped))
			if !ok || !entry.IsPresent() || !entry.IsWritable() || !entry.IsUser() {
				t.Errorf("device mapping entry: %#x", uint32(entry))
			}

			if entry.Frame() != mem.Frame(device) {
				t.Errorf("device frame want %#x, got %#x", device, entry.Frame())
			}

			err = k.Devices().UnmapDevice(mapped, DeviceMemory, 2*mem.PageSize)
			if err == nil {
				if entry, ok := space.Entry(mem.VirtAddr(mapped)); ok && entry.IsPresent() {
					t.Error("device mapping survived unmap")
				}
			}

			result <- err
		}, nil, AutoThreadID, CapKernelThread, 0, 0)
		if err != nil {
			t.Fatalf("create driver: %v", err)
		}

		t.kick(k, driver)
		driver.Release()
	})

	if err := <-result; err != nil {
		t.Errorf("map/unmap device memory: %v", err)
	}
}

// TestMapDeviceMemoryRejectsKernel verifies the kernel image cannot be
// exposed as device memory.
func TestMapDeviceMemoryRejectsKernel(tt *testing.T) {
	var (
		t = NewTestHarness(tt)
		k = t.Make()
	)

	result := make(chan error, 1)

	k.Boot(func(k *Kernel) {
		driver, err := k.Threads().CreateThread(func() {
			drainKick(k)

			_, err := k.Devices().MapDevice(uintptr(mem.KernelDataBase),
				DeviceMemory, mem.PageSize, 0)
			result <- err
		}, nil, AutoThreadID, CapKernelThread, 0, 0)
		if err != nil {
			t.Fatalf("create driver: %v", err)
		}

		t.kick(k, driver)
		driver.Release()
	})

	if err := <-result; !errors.Is(err, status.AccessDenied) {
		t.Errorf("want AccessDenied, got %v", err)
	}
}

// TestMapDeviceRequiresCapability verifies MAP_DEVICE is refused without
// CapMapDevice.
func TestMapDeviceRequiresCapability(tt *testing.T) {
	var (
		t = NewTestHarness(tt)
		k = t.Make()
	)

	result := make(chan error, 1)

	k.Boot(func(k *Kernel) {
		limited, err := k.Threads().CreateThread(func() {
			drainKick(k)

			_, err := k.Devices().MapDevice(5, DeviceInterrupt, 0, 0)
			result <- err
		}, nil, AutoThreadID, CapNone, 0, 0)
		if err != nil {
			t.Fatalf("create thread: %v", err)
		}

		t.kick(k, limited)
		limited.Release()
	})

	if err := <-result; !errors.Is(err, status.AccessDenied) {
		t.Errorf("want AccessDenied, got %v", err)
	}
}

// TestMapIOPorts grants and revokes I/O port access through the device
// proxy.
func TestMapIOPorts(tt *testing.T) {
	var (
		t = NewTestHarness(tt)
		k = t.Make()
	)

	enabled := make(chan bool, 1)
	disabled := make(chan bool, 1)

	k.Boot(func(k *Kernel) {
		driver, err := k.Threads().CreateThread(func() {
			drainKick(k)

			if _, err := k.Devices().MapDevice(0x3F8, DeviceIOPort, 8, 0); err != nil {
				t.Errorf("map ports: %v", err)
			}

			ports := k.CurrentThread().AddressSpace().IOPortMap()
			enabled <- ports != nil && ports.IsEnabled(0x3F8)

			if err := k.Devices().UnmapDevice(0x3F8, DeviceIOPort, 8); err != nil {
				t.Errorf("unmap ports: %v", err)
			}

			disabled <- !ports.IsEnabled(0x3F8)
		}, nil, AutoThreadID, CapKernelThread, 0, 0)
		if err != nil {
			t.Fatalf("create driver: %v", err)
		}

		t.kick(k, driver)
		driver.Release()
	})

	if !<-enabled {
		t.Error("ports not enabled after MapDevice")
	}

	if !<-disabled {
		t.Error("ports still enabled after UnmapDevice")
	}
}
