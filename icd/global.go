package icd

import (
	"sync"

	"github.com/vkngwrapper/interpose/driverbind"
)

var (
	activateOnce sync.Once
	activeShim   *Shim
	activeErr    error
)

// Activate builds the process-wide shim on first use and returns it on every
// use after that. The first caller's symbol source wins; later sources are
// ignored, matching the one-driver-per-process model.
func Activate(source driverbind.SymbolSource) (*Shim, error) {
	activateOnce.Do(func() {
		activeShim, activeErr = NewShim(OptionsFromEnvironment(), source, nil)
	})
	return activeShim, activeErr
}
