package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"github.com/caffeineduck/moonrun/engine"
	"github.com/caffeineduck/moonrun/globals"
	"github.com/caffeineduck/moonrun/resolver"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("executor closed")

// Result holds the output and metadata from code execution.
type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
	Error    error
}

// Executor is one runtime: a VM, its require resolver and module cache.
// Runs are serialized; scripts never execute concurrently.
type Executor struct {
	lang     Language
	vm       engine.VM
	resolver *resolver.Resolver
	task     *resolver.Task
	fs       afero.Fs
	cwd      string
	timeout  time.Duration
	logger   *log.Logger
	stdout   *output
	mu       sync.Mutex
	closed   bool
}

// New creates an Executor for lang over the libraries and virtual scripts
// in gctx.
func New(gctx *globals.Context, lang Language, opts ...Option) (*Executor, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.logger == nil {
		cfg.logger = NewLogger(os.Stderr, log.WarnLevel)
	}
	if cfg.fs == nil {
		cfg.fs = afero.NewOsFs()
	}
	if cfg.workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		cfg.workingDir = wd
	}

	e := &Executor{
		lang:    lang,
		fs:      cfg.fs,
		cwd:     cfg.workingDir,
		timeout: cfg.timeout,
		logger:  cfg.logger,
		stdout:  &output{dst: cfg.stdout},
		task:    resolver.NewTask(),
	}

	vm, err := lang.NewVM(engine.Config{
		Requirer: engine.RequireFunc(func(ctx context.Context, source, request string) (engine.Values, error) {
			return e.resolver.Require(ctx, source, request)
		}),
		Stdout:  e.stdout,
		Stderr:  cfg.stderr,
		Args:    cfg.args,
		Version: cfg.version,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s vm: %w", lang.Name(), err)
	}
	e.vm = vm

	e.resolver = resolver.New(gctx, vm,
		resolver.WithFS(cfg.fs),
		resolver.WithWorkingDir(cfg.workingDir),
		resolver.WithLogger(cfg.logger.WithPrefix("require")),
	)

	return e, nil
}

// Run compiles chunk under name and evaluates it. Relative names are joined
// to the working directory; requires inside the chunk resolve against it.
//
// ExitCode is 0 on success, 1 on any error, or the code the script passed
// to process.exit.
func (e *Executor) Run(ctx context.Context, name string, chunk []byte) Result {
	return e.run(ctx, func(ctx context.Context) (engine.Values, error) {
		unit, err := e.vm.Compile(e.absolute(name), chunk)
		if err != nil {
			return nil, err
		}
		return e.vm.Evaluate(ctx, unit)
	})
}

// RunFile reads path through the executor's filesystem and runs it.
func (e *Executor) RunFile(ctx context.Context, path string) Result {
	abs := e.absolute(path)
	chunk, err := afero.ReadFile(e.fs, abs)
	if err != nil {
		return Result{Error: err, ExitCode: 1}
	}
	return e.Run(ctx, abs, chunk)
}

func (e *Executor) run(ctx context.Context, fn func(context.Context) (engine.Values, error)) Result {
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Result{Error: ErrClosed, ExitCode: 1}
	}

	limit := e.timeout
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	} else if deadline, ok := ctx.Deadline(); ok {
		limit = time.Until(deadline).Round(time.Millisecond)
	}

	e.stdout.begin()
	_, err := fn(resolver.WithTask(ctx, e.task))
	result := Result{
		Output:   e.stdout.end(),
		Duration: time.Since(start),
	}

	var exit *engine.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exit):
		result.ExitCode = exit.Code
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.ExitCode = 1
		result.Error = fmt.Errorf("timeout after %v", limit)
	default:
		result.ExitCode = 1
		result.Error = err
	}

	e.logger.Debug("run finished", "exit", result.ExitCode, "duration", result.Duration)
	return result
}

func (e *Executor) absolute(name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(e.cwd, name)
}

// Language returns the executor's language.
func (e *Executor) Language() Language {
	return e.lang
}

// Resolver returns the require resolver, for cache inspection.
func (e *Executor) Resolver() *resolver.Resolver {
	return e.resolver
}

// WorkingDir returns the directory relative names resolve against.
func (e *Executor) WorkingDir() string {
	return e.cwd
}

// Close releases the VM. Runs after Close fail with ErrClosed.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.vm.Close()
	return nil
}

// output forwards script output to an optional writer while capturing it
// for the current run.
type output struct {
	mu  sync.Mutex
	dst io.Writer
	buf *bytes.Buffer
}

func (o *output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.buf != nil {
		o.buf.Write(p)
	}
	if o.dst != nil {
		return o.dst.Write(p)
	}
	return len(p), nil
}

func (o *output) begin() {
	o.mu.Lock()
	o.buf = new(bytes.Buffer)
	o.mu.Unlock()
}

func (o *output) end() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.buf.String()
	o.buf = nil
	return s
}
