package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dgaur/dx/internal/config"
	"github.com/dgaur/dx/internal/kernel"
	"github.com/dgaur/dx/internal/log"
)

var (
	runConfigPath string
	runTicks      int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the kernel and run a demonstration workload",
	Long: `Boot the simulated machine, start a pair of threads that exchange
messages through the kernel's send/receive path, drive the clock for a
while and report the scheduler's statistics.`,
	RunE: runKernel,
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "",
		"path to a TOML machine configuration")
	runCmd.Flags().IntVar(&runTicks, "ticks", 0,
		"clock ticks to drive after boot (overrides config)")

	rootCmd.AddCommand(runCmd)
}

func runKernel(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	if runConfigPath != "" {
		var err error
		if cfg, err = config.Load(runConfigPath); err != nil {
			return err
		}
	}

	if runTicks > 0 {
		cfg.Ticks = runTicks
	}

	switch cfg.LogLevel {
	case "debug":
		log.LogLevel.Set(log.Debug)
	case "warn":
		log.LogLevel.Set(log.Warn)
	case "error":
		log.LogLevel.Set(log.Error)
	default:
		log.LogLevel.Set(log.Info)
	}

	logger := log.NewFormattedLogger(os.Stderr)

	k := kernel.New(kernel.Config{
		MemorySize: uintptr(cfg.MemoryMB) << 20,
		Quantum:    cfg.Quantum,
		Seed:       cfg.Seed,
		Logger:     logger,
	})

	const exchanges = 32

	done := make(chan int, 1)

	k.Boot(func(k *kernel.Kernel) {
		startDemoThreads(k, exchanges, done)
	})

	k.Run(cfg.Ticks)

	stats := k.Stats()

	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println("dx: machine idle")
	}

	fmt.Printf("exchanges:       %d\n", <-done)
	fmt.Printf("messages:        %d\n", stats.Messages)
	fmt.Printf("lotteries:       %d\n", stats.Lotteries)
	fmt.Printf("direct handoffs: %d\n", stats.DirectHandoffs)
	fmt.Printf("idle entries:    %d\n", stats.Idles)

	return nil
}

// startDemoThreads builds a ping thread that sends synchronous messages
// and a pong thread that answers them, then kicks ping into motion.
// Completed exchange counts land on done.
func startDemoThreads(k *kernel.Kernel, exchanges int, done chan<- int) {
	tm := k.Threads()

	pong, err := tm.CreateThread(func() {
		for answered := 0; answered < exchanges; {
			m, err := k.IO().ReceiveMessage(true)
			if err != nil {
				continue
			}

			if m.Type() == kernel.MessageTypeUser {
				reply := kernel.NewSmallMessage(k.CurrentThread(), m.Source(),
					kernel.MessageTypeAcknowledge, m.ID(), m.PayloadWord()+1)

				if err := k.IO().PutMessage(reply); err == nil {
					answered++
				} else {
					reply.Release()
				}
			}

			k.DeleteMessage(m)
		}
	}, nil, kernel.AutoThreadID, kernel.CapKernelThread, 0, 0)
	if err != nil {
		panic(err)
	}

	ping, err := tm.CreateThread(func() {
		// Drain the kick that made this thread runnable.
		if m, err := k.IO().ReceiveMessage(true); err == nil {
			k.DeleteMessage(m)
		}

		completed := 0

		for i := 0; i < exchanges; i++ {
			request := kernel.NewSmallMessage(k.CurrentThread(), pong,
				kernel.MessageTypeUser, kernel.MessageID(0x1000+i), uintptr(i))

			response, err := k.IO().SendMessage(request)
			if err != nil {
				request.Release()
				continue
			}

			completed++
			k.DeleteMessage(response)
		}

		done <- completed
	}, nil, kernel.AutoThreadID, kernel.CapKernelThread, 0, 0)
	if err != nil {
		panic(err)
	}

	// A fresh thread holds no lottery tickets until someone messages it.
	kick := kernel.NewSmallMessage(k.CurrentThread(), ping,
		kernel.MessageTypeNull, kernel.MessageID(1), 0)
	if err := k.IO().PutMessage(kick); err != nil {
		kick.Release()
	}

	// Drop the creation handles; the registry and in-flight messages keep
	// the threads alive until they exit.
	ping.Release()
	pong.Release()
}
