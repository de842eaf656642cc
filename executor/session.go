package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caffeineduck/moonrun/engine"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSessionBusy   = errors.New("session busy")
)

// Session evaluates interactive input on an executor. Input shares the VM
// and module cache with every other run; when the VM supports it, top-level
// assignments persist between inputs.
type Session struct {
	exec  *Executor
	name  string
	scope engine.Scope

	mu     sync.Mutex
	execMu sync.Mutex
	closed bool
}

// NewSession starts a session. Input is compiled under the chunk name
// "stdin" in the working directory.
func (e *Executor) NewSession() *Session {
	s := &Session{
		exec: e,
		name: filepath.Join(e.cwd, "stdin"),
	}
	if p, ok := e.vm.(engine.Persistent); ok {
		s.scope = p.NewScope()
	}
	return s
}

// Run evaluates code. Input that forms an expression is evaluated as one,
// and any non-nil values it returns are printed.
func (s *Session) Run(ctx context.Context, code string) Result {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{Error: ErrSessionClosed, ExitCode: 1}
	}
	s.mu.Unlock()

	if !s.execMu.TryLock() {
		return Result{Error: ErrSessionBusy, ExitCode: 1}
	}
	defer s.execMu.Unlock()

	e := s.exec
	return e.run(ctx, func(ctx context.Context) (engine.Values, error) {
		unit, err := s.compile(code)
		if err != nil {
			return nil, err
		}

		var values engine.Values
		if p, ok := e.vm.(engine.Persistent); ok && s.scope != nil {
			values, err = p.EvaluateIn(ctx, unit, s.scope)
		} else {
			values, err = e.vm.Evaluate(ctx, unit)
		}
		if err != nil {
			return nil, err
		}

		if line := s.format(values); line != "" {
			fmt.Fprintln(e.stdout, line)
		}
		return values, nil
	})
}

// compile tries code as an expression first, so "1 + 1" prints 2.
func (s *Session) compile(code string) (engine.Unit, error) {
	vm := s.exec.vm
	if unit, err := vm.Compile(s.name, []byte("return "+code)); err == nil {
		return unit, nil
	}
	return vm.Compile(s.name, []byte(code))
}

func (s *Session) format(values engine.Values) string {
	formatter, _ := s.exec.vm.(engine.Formatter)

	parts := make([]string, 0, len(values))
	for _, v := range values {
		if formatter != nil {
			parts = append(parts, formatter.Format(v))
		} else {
			parts = append(parts, fmt.Sprint(v))
		}
	}
	for len(parts) > 0 && parts[len(parts)-1] == "nil" {
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, "\t")
}

// Close ends the session. The executor stays open.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.scope = nil
	return nil
}
