package kernel

import (
	"testing"

	"github.com/dgaur/dx/internal/log"
)

func NewTestHarness(tt *testing.T) *testHarness {
	return &testHarness{T: tt}
}

// testHarness builds kernels wired to the test log and funnels kernel
// trace output through the test runner.
type testHarness struct {
	*testing.T
}

// Make builds a small, deterministic machine.
func (t *testHarness) Make() *Kernel {
	return t.MakeSeeded(1)
}

// MakeSeeded builds a machine with a specific lottery seed.
func (t *testHarness) MakeSeeded(seed int64) *Kernel {
	return New(Config{
		MemorySize: 32 << 20,
		Seed:       seed,
		Logger:     log.NewFormattedLogger(t),
	})
}

func (t *testHarness) Write(b []byte) (int, error) {
	if len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
	}

	t.Log(string(b))

	return len(b), nil
}

func (t *testHarness) Log(args ...any) {
	t.T.Helper()
	t.T.Log(args...)
}

// kick makes a freshly created thread runnable by queueing a message for
// it; a thread with an empty mailbox holds no lottery tickets. The
// thread's entry function is expected to drain it.
func (t *testHarness) kick(k *Kernel, target *Thread) {
	t.Helper()

	m := NewSmallMessage(k.CurrentThread(), target, MessageTypeNull,
		nextMessageID(), 0)

	if err := k.IO().PutMessage(m); err != nil {
		m.Release()
		t.Fatalf("kick thread %#x: %v", target.ID(), err)
	}
}

// drainKick consumes the kick message inside a thread entry function.
func drainKick(k *Kernel) {
	if m, err := k.IO().ReceiveMessage(true); err == nil {
		k.DeleteMessage(m)
	}
}
