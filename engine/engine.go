// Package engine defines the boundary between the moonrun host and a script VM.
//
// The host never looks inside script values. A VM compiles chunks into
// [Unit]s, evaluates them in a fresh scope and hands back [Values]; the
// resolver caches those values and hands them to every later requester.
package engine

import (
	"context"
	"fmt"
	"io"
)

// Values is the multi-value result of evaluating a chunk. Elements are owned
// by the VM that produced them.
type Values []any

// Unit is a compiled chunk, ready for evaluation.
type Unit interface {
	// Name is the chunk name the unit was compiled under. For modules loaded
	// through require this is the absolute path of the module.
	Name() string
}

// VM compiles and evaluates chunks. Implementations are not safe for
// concurrent use; the executor serializes access.
type VM interface {
	// Compile turns source or bytecode into a unit named name.
	Compile(name string, code []byte) (Unit, error)

	// Evaluate runs the unit in a fresh scope and returns whatever it returned.
	Evaluate(ctx context.Context, unit Unit) (Values, error)

	// Close releases the VM.
	Close()
}

// Scope is a top-level environment owned by a VM.
type Scope interface{}

// Persistent is implemented by VMs that can evaluate units in a scope that
// outlives one evaluation. Sessions use it so top-level assignments survive
// between inputs.
type Persistent interface {
	NewScope() Scope
	EvaluateIn(ctx context.Context, unit Unit, scope Scope) (Values, error)
}

// Formatter is implemented by VMs that can render their values for display.
type Formatter interface {
	Format(v any) string
}

// Requirer resolves a require request issued by the script at source.
type Requirer interface {
	Require(ctx context.Context, source, request string) (Values, error)
}

// RequireFunc adapts a function to the Requirer interface.
type RequireFunc func(ctx context.Context, source, request string) (Values, error)

// Require calls f(ctx, source, request).
func (f RequireFunc) Require(ctx context.Context, source, request string) (Values, error) {
	return f(ctx, source, request)
}

// Func is a host function callable from scripts. Arguments arrive as a
// decoded table; the result is marshalled back by the VM. A call made
// without a single table of named arguments passes its positional arguments
// as a list under ArgsKey.
type Func func(ctx context.Context, args map[string]any) (any, error)

// ArgsKey holds positional host function arguments.
const ArgsKey = "args"

// Config is what a VM needs from its host.
type Config struct {
	// Requirer serves every require call made by scripts in the VM.
	Requirer Requirer
	Stdout   io.Writer
	Stderr   io.Writer
	// Args are the script arguments, without the program name.
	Args []string
	// Version is exposed to scripts as _VERSION.
	Version string
}

// ExitError is returned when a script asks the host to exit with Code.
// VMs must let it unwind through nested evaluations unchanged.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}
