package kernel

import (
	"testing"

	"github.com/dgaur/dx/internal/mem"
	"github.com/dgaur/dx/internal/status"
)

// call issues a system call from the current thread's context and returns
// the argument block.
func call(k *Kernel, vector SyscallVector, data SyscallData) SyscallData {
	data.Size = syscallDataSize
	k.Syscall(vector, &data)

	return data
}

// TestSyscallLifecycle drives the full user-facing surface: create an
// address space, expand it, create a thread inside it, start the thread's
// user program, and exchange a message with it.
func TestSyscallLifecycle(tt *testing.T) {
	var (
		t = NewTestHarness(tt)
		k = t.Make()
	)

	const userEntry = mem.VirtAddr(0x40001000)

	programRan := make(chan uintptr, 1)

	// The simulated user program: receive one message and report its
	// payload.
	k.RegisterUserProgram(userEntry, func() {
		data := call(k, SyscallReceiveMessage, SyscallData{Data0: 1})
		if status.Code(data.Status) != status.Success {
			close(programRan)
			return
		}

		programRan <- data.Data3

		call(k, SyscallDeleteMessage, SyscallData{Data0: data.Data5})
	})

	k.Boot(func(k *Kernel) {
		launcher, err := k.Threads().CreateThread(func() {
			drainKick(k)

			// Create the address space.
			data := call(k, SyscallCreateAddressSpace, SyscallData{})
			if status.Code(data.Status) != status.Success {
				t.Errorf("create address space: %v", status.Code(data.Status))
				return
			}

			spaceID := data.Data0

			// Give it some memory.
			data = call(k, SyscallExpandAddressSpace, SyscallData{
				Data0: spaceID,
				Data1: uintptr(mem.UserBase),
				Data2: 2 * mem.PageSize,
			})
			if status.Code(data.Status) != status.Success {
				t.Errorf("expand address space: %v", status.Code(data.Status))
				return
			}

			// Create the thread that will run the user program.
			data = call(k, SyscallCreateThread, SyscallData{
				Data0: spaceID,
				Data1: uintptr(userEntry),
				Data2: uintptr(mem.UserBase + mem.PageSize),
				Data3: uintptr(CapAll),
			})
			if status.Code(data.Status) != status.Success {
				t.Errorf("create thread: %v", status.Code(data.Status))
				return
			}

			threadID := data.Data0

			// Start it; the trampoline jumps to the user program.
			data = call(k, SyscallSendMessage, SyscallData{
				Data0: threadID,
				Data1: uintptr(MessageTypeStartUserThread),
				Data2: 0x100,
			})
			if status.Code(data.Status) != status.Success {
				t.Errorf("start thread: %v", status.Code(data.Status))
				return
			}

			// Hand the program its message.
			data = call(k, SyscallSendMessage, SyscallData{
				Data0: threadID,
				Data1: uintptr(MessageTypeUser),
				Data2: 0x101,
				Data3: 0xfeed,
			})
			if status.Code(data.Status) != status.Success {
				t.Errorf("message thread: %v", status.Code(data.Status))
			}
		}, nil, AutoThreadID, CapAll, 0, 0)
		if err != nil {
			t.Fatalf("create launcher: %v", err)
		}

		t.kick(k, launcher)
		launcher.Release()
	})

	if payload, ok := <-programRan; !ok || payload != 0xfeed {
		t.Errorf("user program payload want 0xfeed, got %#x (ok=%t)", payload, ok)
	}
}

// TestSyscallValidation covers the entry checks: an undersized argument
// block and an unknown vector are both refused.
func TestSyscallValidation(tt *testing.T) {
	var (
		t = NewTestHarness(tt)
		k = t.Make()
	)

	results := make(chan status.Code, 2)

	k.Boot(func(k *Kernel) {
		worker, err := k.Threads().CreateThread(func() {
			drainKick(k)

			short := SyscallData{Size: 4}
			k.Syscall(SyscallYield, &short)
			results <- status.Code(short.Status)

			bogus := call(k, SyscallVector(0xFF), SyscallData{})
			results <- status.Code(bogus.Status)
		}, nil, AutoThreadID, CapKernelThread, 0, 0)
		if err != nil {
			t.Fatalf("create worker: %v", err)
		}

		t.kick(k, worker)
		worker.Release()
	})

	if code := <-results; code != status.InvalidData {
		t.Errorf("short block want InvalidData, got %v", code)
	}

	if code := <-results; code != status.InvalidData {
		t.Errorf("unknown vector want InvalidData, got %v", code)
	}
}

// TestSyscallCapabilityChecks verifies the privileged calls demand their
// capabilities.
func TestSyscallCapabilityChecks(tt *testing.T) {
	var (
		t = NewTestHarness(tt)
		k = t.Make()
	)

	results := make(chan status.Code, 2)

	k.Boot(func(k *Kernel) {
		limited, err := k.Threads().CreateThread(func() {
			drainKick(k)

			data := call(k, SyscallCreateAddressSpace, SyscallData{})
			results <- status.Code(data.Status)

			data = call(k, SyscallExpandAddressSpace, SyscallData{
				Data0: uintptr(mem.KernelID),
				Data1: uintptr(mem.UserBase),
				Data2: mem.PageSize,
			})
			results <- status.Code(data.Status)
		}, nil, AutoThreadID, CapNone, 0, 0)
		if err != nil {
			t.Fatalf("create limited thread: %v", err)
		}

		t.kick(k, limited)
		limited.Release()
	})

	if code := <-results; code != status.AccessDenied {
		t.Errorf("create address space want AccessDenied, got %v", code)
	}

	if code := <-results; code != status.AccessDenied {
		t.Errorf("expand address space want AccessDenied, got %v", code)
	}
}

// TestSyscallSendAndReceive covers the combined synchronous vector.
func TestSyscallSendAndReceive(tt *testing.T) {
	var (
		t = NewTestHarness(tt)
		k = t.Make()
	)

	response := make(chan uintptr, 1)

	k.Boot(func(k *Kernel) {
		echo, err := k.Threads().CreateThread(func() {
			data := call(k, SyscallReceiveMessage, SyscallData{Data0: 1})
			if status.Code(data.Status) != status.Success {
				return
			}

			// Echo the payload back, doubled, reusing the message id so
			// the blocked sender wakes.
			call(k, SyscallSendMessage, SyscallData{
				Data0: data.Data0,
				Data1: uintptr(MessageTypeAcknowledge),
				Data2: data.Data2,
				Data3: data.Data3 * 2,
			})

			call(k, SyscallDeleteMessage, SyscallData{Data0: data.Data5})
		}, nil, AutoThreadID, CapKernelThread, 0, 0)
		if err != nil {
			t.Fatalf("create echo: %v", err)
		}

		client, err := k.Threads().CreateThread(func() {
			drainKick(k)

			data := call(k, SyscallSendAndReceiveMessage, SyscallData{
				Data0: uintptr(echo.ID()),
				Data1: uintptr(MessageTypeUser),
				Data2: 0x200,
				Data3: 8,
			})
			if status.Code(data.Status) != status.Success {
				close(response)
				return
			}

			response <- data.Data3

			call(k, SyscallDeleteMessage, SyscallData{Data0: data.Data5})
		}, nil, AutoThreadID, CapKernelThread, 0, 0)
		if err != nil {
			t.Fatalf("create client: %v", err)
		}

		t.kick(k, client)

		echo.Release()
		client.Release()
	})

	if got, ok := <-response; !ok || got != 16 {
		t.Errorf("echoed payload want 16, got %d (ok=%t)", got, ok)
	}
}
