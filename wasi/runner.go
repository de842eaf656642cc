// Package wasi runs WebAssembly modules compiled for WASI preview 1 in a
// wazero sandbox. Scripts reach it as @std/wasm:
//
//	local wasm = require("@std/wasm")
//	local r = wasm.run{path = "/data/tool.wasm", argv = {"tool", "--fast"}}
//	print(r.exit_code, r.output)
//
// Guests have no filesystem or network access. They can call host
// functions through a framed request on stderr, answered on stdin; see
// [Runner.Run].
package wasi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/caffeineduck/moonrun/hostfunc"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("wasi runner closed")

// Result holds the output and metadata from a guest run.
type Result struct {
	Output   string
	Stderr   string
	ExitCode int
	Calls    int
	Duration time.Duration
	Error    error
}

// Runner owns one wazero runtime and caches compiled modules by content
// hash.
type Runner struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled map[[sha256.Size]byte]wazero.CompiledModule
	registry *hostfunc.Registry
	timeout  time.Duration
	mu       sync.RWMutex
	closed   bool
}

// NewRunner creates a Runner. Guest host calls are dispatched through
// registry, which may be nil.
func NewRunner(registry *hostfunc.Registry, opts ...Option) (*Runner, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	if cfg.diskCache {
		dir := cfg.cacheDir
		if dir == "" {
			dir = defaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	return &Runner{
		runtime:  rt,
		cache:    cache,
		compiled: make(map[[sha256.Size]byte]wazero.CompiledModule),
		registry: registry,
		timeout:  cfg.timeout,
	}, nil
}

// Run instantiates module and runs its _start function with argv. stdin
// carries host call replies, so guests cannot read other input.
//
// A non-zero proc_exit is reported through ExitCode, not Error.
func (r *Runner) Run(ctx context.Context, module []byte, argv ...string) Result {
	start := time.Now()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	compiled, err := r.Compile(ctx, module)
	if err != nil {
		return Result{Error: err, ExitCode: 1, Duration: time.Since(start)}
	}

	var stdout bytes.Buffer
	stdinReader, stdinWriter := io.Pipe()
	protocol := newProtocolHandler(ctx, r.registry, stdinWriter)

	moduleConfig := wazero.NewModuleConfig().
		WithStdout(&stdout).
		WithStderr(protocol).
		WithStdin(stdinReader).
		WithArgs(argv...).
		WithName("")

	errCh := make(chan error, 1)
	go func() {
		mod, err := r.runtime.InstantiateModule(ctx, compiled, moduleConfig)
		if mod != nil {
			mod.Close(context.Background())
		}
		stdinWriter.Close()
		errCh <- err
	}()

	err = <-errCh

	result := Result{
		Output:   stdout.String(),
		Stderr:   protocol.Stderr(),
		Calls:    protocol.Calls(),
		Duration: time.Since(start),
	}

	var exitErr *sys.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		result.ExitCode = int(exitErr.ExitCode())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.ExitCode = 1
		result.Error = fmt.Errorf("timeout after %v", r.timeout)
	default:
		result.ExitCode = 1
		result.Error = fmt.Errorf("execution failed: %w", err)
	}

	return result
}

// Compile returns the compiled form of module, compiling it on first use.
func (r *Runner) Compile(ctx context.Context, module []byte) (wazero.CompiledModule, error) {
	key := sha256.Sum256(module)

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	if compiled, ok := r.compiled[key]; ok {
		r.mu.RUnlock()
		return compiled, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if compiled, ok := r.compiled[key]; ok {
		return compiled, nil
	}

	compiled, err := r.runtime.CompileModule(ctx, module)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}

	r.compiled[key] = compiled
	return compiled, nil
}

// Compiled returns the number of distinct modules compiled so far.
func (r *Runner) Compiled() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.compiled)
}

// Close releases all resources held by the Runner.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	ctx := context.Background()

	var errs []error
	if err := r.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.cache != nil {
		if err := r.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
