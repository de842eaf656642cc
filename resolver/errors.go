package resolver

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrModuleNotFound is matched by every *NotFoundError.
	ErrModuleNotFound = errors.New("module not found")
	// ErrUnknownLibrary is returned for @alias/name requests with no registry entry.
	ErrUnknownLibrary = errors.New("unknown library")
	// ErrCyclicRequire is returned when a module requires itself, directly or
	// through other modules, while it is still loading.
	ErrCyclicRequire = errors.New("cyclic require")
	// ErrInvalidRequest is returned for malformed request strings.
	ErrInvalidRequest = errors.New("invalid require path")

	errLoadAborted = errors.New("load aborted")
)

// NotFoundError reports that no candidate path existed. Path is the display
// path, relative to the working directory where possible.
type NotFoundError struct {
	Request string
	Path    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no file exists at the path '%s'", e.Path)
}

// Is lets errors.Is match ErrModuleNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrModuleNotFound
}

// LoadError is a failure to read, compile or evaluate a module. It is cached
// and returned unchanged to every later requester of the same module.
type LoadError struct {
	Op   string // read, compile, runtime or library
	Path string // display path
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s error in %s: %v", e.Op, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

type cycleError struct {
	chain []string
}

func (e *cycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCyclicRequire, strings.Join(e.chain, " -> "))
}

func (e *cycleError) Is(target error) bool {
	return target == ErrCyclicRequire
}
