package executor

import "github.com/caffeineduck/moonrun/engine"

// Language defines the interface for a script language runtime.
type Language interface {
	// Name returns a unique identifier for this language (e.g., "luau").
	Name() string

	// Extensions returns the file extensions require probes, in order.
	Extensions() []string

	// Compile checks source ahead of time and returns the payload stored in
	// standalone executables. VMs accept the payload in place of source.
	Compile(name string, source []byte) ([]byte, error)

	// NewVM creates a VM wired to the host through cfg.
	NewVM(cfg engine.Config) (engine.VM, error)
}
