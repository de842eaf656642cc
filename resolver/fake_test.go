package resolver

import (
	"context"
	"errors"
	"io/fs"
	"runtime"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/caffeineduck/moonrun/engine"
)

// fakeVM interprets a tiny instruction language instead of Lua so the
// resolver can be tested without a real runtime:
//
//	"error:msg"    evaluation fails with msg
//	"require:req"  evaluation returns the result of require(req)
//	"detached:req" like require, but with only the task kept in the context
//	"goexit"       evaluation calls runtime.Goexit
//	"block"        evaluation waits until release is closed
//	"!compile"     compilation fails
//
// Anything else evaluates to the chunk text itself.
type fakeVM struct {
	res *Resolver

	mu       sync.Mutex
	compiles map[string]int

	started chan struct{}
	release chan struct{}
}

type fakeUnit struct {
	name string
	code string
}

func (u *fakeUnit) Name() string { return u.name }

func newFakeVM() *fakeVM {
	return &fakeVM{
		compiles: make(map[string]int),
		started:  make(chan struct{}, 16),
		release:  make(chan struct{}),
	}
}

func (vm *fakeVM) Compile(name string, code []byte) (engine.Unit, error) {
	vm.mu.Lock()
	vm.compiles[name]++
	vm.mu.Unlock()

	if string(code) == "!compile" {
		return nil, errors.New("syntax error")
	}
	return &fakeUnit{name: name, code: string(code)}, nil
}

func (vm *fakeVM) Evaluate(ctx context.Context, u engine.Unit) (engine.Values, error) {
	unit := u.(*fakeUnit)
	switch {
	case strings.HasPrefix(unit.code, "error:"):
		return nil, errors.New(strings.TrimPrefix(unit.code, "error:"))
	case strings.HasPrefix(unit.code, "require:"):
		return vm.res.Require(ctx, unit.name, strings.TrimPrefix(unit.code, "require:"))
	case strings.HasPrefix(unit.code, "detached:"):
		detached := WithTask(context.Background(), TaskFrom(ctx))
		return vm.res.Require(detached, unit.name, strings.TrimPrefix(unit.code, "detached:"))
	case unit.code == "goexit":
		runtime.Goexit()
	case unit.code == "block":
		vm.started <- struct{}{}
		<-vm.release
		return engine.Values{"unblocked"}, nil
	}
	return engine.Values{unit.code}, nil
}

func (vm *fakeVM) Close() {}

func (vm *fakeVM) compileCount(name string) int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.compiles[name]
}

// deniedFs fails every Stat under a set of paths with a permission error.
type deniedFs struct {
	afero.Fs
	denied map[string]bool
}

func (d *deniedFs) Stat(name string) (fs.FileInfo, error) {
	if d.denied[name] {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrPermission}
	}
	return d.Fs.Stat(name)
}

func memFS(files map[string]string) afero.Fs {
	fsys := afero.NewMemMapFs()
	for path, content := range files {
		if err := afero.WriteFile(fsys, path, []byte(content), 0o644); err != nil {
			panic(err)
		}
	}
	return fsys
}
