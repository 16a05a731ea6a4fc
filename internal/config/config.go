// Package config loads machine configuration for the dx simulator.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config describes the simulated machine: how much physical memory it has,
// how the scheduler is tuned, and how chatty the trace output is.
type Config struct {
	// MemoryMB is the physical memory size in MiB; it must be a multiple
	// of the 4 MiB region size.
	MemoryMB int64 `toml:"memory_mb,omitempty"`

	// Quantum is the scheduling quantum in clock ticks.
	Quantum int64 `toml:"quantum,omitempty"`

	// Seed seeds the scheduling lottery, making runs reproducible.
	Seed int64 `toml:"seed,omitempty"`

	// Ticks is how many clock interrupts the run command drives after
	// boot.
	Ticks int `toml:"ticks,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		MemoryMB: 64,
		Quantum:  12,
		Seed:     1,
		Ticks:    100,
		LogLevel: "info",
	}
}

// Load reads a TOML config file, filling in defaults for anything the file
// leaves unset.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}
