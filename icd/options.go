package icd

import (
	"os"
	"strconv"

	"golang.org/x/exp/slog"
)

// Environment keys read once at first use.
const (
	envDebug       = "INTERPOSE_DEBUG"
	envAddressBase = "INTERPOSE_ADDRESS_BASE"
	envAddressPool = "INTERPOSE_ADDRESS_POOL_SIZE"
)

// Options configures the shim. The zero value takes every default.
type Options struct {
	// Logger receives the shim's structured output. Nil gets a text logger
	// on stderr at the level the environment asks for.
	Logger *slog.Logger

	// PoolBase and PoolSize place the placed-memory address pool. Zero
	// values take the extension defaults.
	PoolBase uintptr
	PoolSize int

	// PlaceUnrequested routes every mapping through the address pool, not
	// just the ones that ask for a particular address.
	PlaceUnrequested bool
}

// OptionsFromEnvironment builds Options from the process environment.
// Numeric values accept decimal or 0x-prefixed hex.
func OptionsFromEnvironment() Options {
	var options Options

	level := slog.LevelInfo
	if debug := os.Getenv(envDebug); debug != "" && debug != "0" && debug != "false" {
		level = slog.LevelDebug
	}
	options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	if raw := os.Getenv(envAddressBase); raw != "" {
		base, err := strconv.ParseUint(raw, 0, 64)
		if err != nil {
			options.Logger.Warn("ignoring unparseable address base override",
				slog.String("value", raw),
			)
		} else {
			options.PoolBase = uintptr(base)
		}
	}

	if raw := os.Getenv(envAddressPool); raw != "" {
		size, err := strconv.ParseUint(raw, 0, 63)
		if err != nil {
			options.Logger.Warn("ignoring unparseable pool size override",
				slog.String("value", raw),
			)
		} else {
			options.PoolSize = int(size)
		}
	}

	return options
}
