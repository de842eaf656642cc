// Package resolver implements require: it maps request strings to library
// modules, virtual scripts or files on disk, and loads each target at most
// once per runtime.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"github.com/caffeineduck/moonrun/engine"
	"github.com/caffeineduck/moonrun/globals"
	"github.com/caffeineduck/moonrun/library"
)

// Resolver resolves and caches require requests for one VM.
type Resolver struct {
	globals *globals.Context
	vm      engine.VM
	fs      afero.Fs
	cwd     string
	logger  *log.Logger
	cache   *Cache
	loads   atomic.Int64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFS sets the filesystem probed for modules. Defaults to the OS filesystem.
func WithFS(fsys afero.Fs) Option {
	return func(r *Resolver) {
		r.fs = fsys
	}
}

// WithWorkingDir sets the directory used for top-level requests and for
// display paths. Defaults to the process working directory.
func WithWorkingDir(dir string) Option {
	return func(r *Resolver) {
		r.cwd = dir
	}
}

// WithLogger sets the logger for resolution events.
func WithLogger(l *log.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// WithCache shares an existing cache instead of creating a new one.
func WithCache(c *Cache) Option {
	return func(r *Resolver) {
		r.cache = c
	}
}

// New creates a resolver that loads modules into vm.
func New(gctx *globals.Context, vm engine.VM, opts ...Option) *Resolver {
	if gctx == nil {
		gctx = globals.Empty()
	}

	r := &Resolver{
		globals: gctx,
		vm:      vm,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.fs == nil {
		r.fs = afero.NewOsFs()
	}
	if r.cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			r.cwd = wd
		} else {
			r.cwd = string(os.PathSeparator)
		}
	}
	if r.logger == nil {
		r.logger = log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "require",
			Level:  log.WarnLevel,
		})
	}
	if r.cache == nil {
		r.cache = NewCache()
	}

	return r
}

// Cache returns the resolver's module cache.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// Loads returns how many loads this resolver has actually performed.
func (r *Resolver) Loads() int64 {
	return r.loads.Load()
}

// WorkingDir returns the directory top-level requests resolve against.
func (r *Resolver) WorkingDir() string {
	return r.cwd
}

// Require resolves request on behalf of the script at source, an absolute
// path or "" for the working directory.
func (r *Resolver) Require(ctx context.Context, source, request string) (engine.Values, error) {
	if len(request) > 0 && request[0] == '@' {
		return r.requireLibrary(ctx, request)
	}

	abs, rel, err := resolvePaths(r.cwd, source, request)
	if err != nil {
		return nil, err
	}

	if key, content, ok := r.globals.Script(abs); ok {
		r.logger.Debug("resolved virtual script", "request", request, "path", key)
		return r.load(ctx, key, rel, func(context.Context) ([]byte, error) {
			return content, nil
		})
	}

	for _, c := range candidates(abs, rel) {
		if r.cache.State(c.abs) != Absent {
			return r.load(ctx, c.abs, c.rel, r.readFile(c.abs))
		}

		ok, err := r.exists(c.abs)
		if err != nil {
			return nil, fmt.Errorf("require %s: %w", c.rel, err)
		}
		if !ok {
			continue
		}

		r.logger.Debug("resolved file", "request", request, "path", c.abs)
		return r.load(ctx, c.abs, c.rel, r.readFile(c.abs))
	}

	return nil, &NotFoundError{Request: request, Path: rel}
}

// exists reports whether path names a regular file. Missing paths and
// directories are not errors; anything else is.
func (r *Resolver) exists(path string) (bool, error) {
	info, err := r.fs.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

func (r *Resolver) readFile(path string) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) {
		return afero.ReadFile(r.fs, path)
	}
}

// load runs the Absent -> Pending -> Ready protocol for key. Only the caller
// that moves key to Pending runs read, compile and evaluate; everyone else
// waits for that outcome.
func (r *Resolver) load(ctx context.Context, key, display string, read func(context.Context) ([]byte, error)) (engine.Values, error) {
	return r.once(ctx, key, func(ctx context.Context) (engine.Values, error) {
		code, err := read(ctx)
		if err != nil {
			return nil, &LoadError{Op: "read", Path: display, Err: err}
		}

		unit, err := r.vm.Compile(key, code)
		if err != nil {
			return nil, &LoadError{Op: "compile", Path: display, Err: err}
		}

		values, err := r.vm.Evaluate(ctx, unit)
		if err != nil {
			return nil, &LoadError{Op: "runtime", Path: display, Err: err}
		}
		return values, nil
	})
}

func (r *Resolver) requireLibrary(ctx context.Context, request string) (engine.Values, error) {
	alias, name, err := parseLibrary(request)
	if err != nil {
		return nil, err
	}

	factory, ok := r.globals.Library(alias, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLibrary, request)
	}

	key := libraryKey(alias, name)
	return r.once(ctx, key, func(context.Context) (engine.Values, error) {
		v, err := library.Materialize(factory, r.vm)
		if err != nil {
			return nil, &LoadError{Op: "library", Path: key, Err: err}
		}
		return engine.Values{v}, nil
	})
}

func (r *Resolver) once(ctx context.Context, key string, fn func(context.Context) (engine.Values, error)) (engine.Values, error) {
	chain := chainFrom(ctx)
	if i := slices.Index(chain, key); i >= 0 {
		return nil, &cycleError{chain: append(slices.Clone(chain[i:]), key)}
	}

	task := TaskFrom(ctx)
	next := append(slices.Clone(chain), key)
	e, owner := r.cache.acquire(key, task, next)
	if !owner {
		if r.cache.reentrant(e, task) {
			// Reached from a coroutine or callback that lost the chain.
			return nil, &cycleError{chain: append(slices.Clone(e.chain), key)}
		}
		return r.wait(ctx, key, e)
	}

	r.loads.Add(1)
	start := time.Now()

	finished := false
	defer func() {
		if finished {
			return
		}
		p := recover()
		if p == nil {
			// runtime.Goexit: there is nothing to re-panic.
			r.cache.finish(e, nil, fmt.Errorf("load %s: %w", key, errLoadAborted))
			return
		}
		r.cache.finish(e, nil, fmt.Errorf("load %s: panic: %v", key, p))
		panic(p)
	}()

	values, err := fn(context.WithValue(ctx, chainKey{}, next))
	r.cache.finish(e, values, err)
	finished = true

	if err != nil {
		r.logger.Debug("module failed", "path", key, "duration", time.Since(start), "error", err)
	} else {
		r.logger.Debug("module loaded", "path", key, "duration", time.Since(start))
	}
	return values, err
}

func (r *Resolver) wait(ctx context.Context, key string, e *entry) (engine.Values, error) {
	select {
	case <-e.done:
		r.logger.Debug("cache hit", "path", key)
		return e.outcome()
	default:
	}

	r.logger.Debug("waiting for pending module", "path", key)
	select {
	case <-e.done:
		return e.outcome()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type chainKey struct{}

func chainFrom(ctx context.Context) []string {
	chain, _ := ctx.Value(chainKey{}).([]string)
	return chain
}

// Task identifies one logical thread of requires. Every require made on
// behalf of the same task runs on one goroutine, so a task that finds a key
// Pending under its own name would wait for itself.
type Task struct {
	id int64
}

var taskIDs atomic.Int64

// NewTask returns a new task identity.
func NewTask() *Task {
	return &Task{id: taskIDs.Add(1)}
}

type taskKey struct{}

// WithTask returns a copy of ctx carrying t. Contexts derived from it, such
// as the ones coroutines inherit, keep the task even when they lose the
// chain of in-flight loads.
func WithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskKey{}, t)
}

// TaskFrom returns the task carried by ctx, or nil.
func TaskFrom(ctx context.Context) *Task {
	t, _ := ctx.Value(taskKey{}).(*Task)
	return t
}
