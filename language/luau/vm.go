package luau

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/caffeineduck/moonrun/engine"
)

// VM is a gopher-lua state wired to a moonrun host.
type VM struct {
	L      *lua.LState
	cfg    engine.Config
	stdout io.Writer
	stderr io.Writer
}

type unit struct {
	name  string
	proto *lua.FunctionProto
}

func (u *unit) Name() string { return u.name }

// NewVM creates a VM. cfg.Requirer may be nil, in which case require fails.
func NewVM(cfg engine.Config) (*VM, error) {
	vm := &VM{
		L:      lua.NewState(lua.Options{SkipOpenLibs: true}),
		cfg:    cfg,
		stdout: cfg.Stdout,
		stderr: cfg.Stderr,
	}
	if vm.stdout == nil {
		vm.stdout = os.Stdout
	}
	if vm.stderr == nil {
		vm.stderr = os.Stderr
	}

	if err := vm.openLibs(); err != nil {
		vm.L.Close()
		return nil, err
	}
	vm.installGlobals()
	return vm, nil
}

func (vm *VM) openLibs() error {
	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.OsLibName, lua.OpenOs},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	}
	for _, lib := range libs {
		if err := vm.L.CallByParam(lua.P{
			Fn:      vm.L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("open %s library: %w", lib.name, err)
		}
	}
	return nil
}

func (vm *VM) installGlobals() {
	L := vm.L

	// Files and processes are reached through @std libraries only.
	for _, name := range []string{"dofile", "loadfile", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	if osLib, ok := L.GetGlobal("os").(*lua.LTable); ok {
		restricted := L.NewTable()
		for _, name := range []string{"clock", "date", "difftime", "time"} {
			restricted.RawSetString(name, osLib.RawGetString(name))
		}
		L.SetGlobal("os", restricted)
	}

	L.SetGlobal("pcall", L.NewFunction(pcall))
	L.SetGlobal("xpcall", L.NewFunction(xpcall))
	L.SetGlobal("print", L.NewFunction(vm.print))
	L.SetGlobal("warn", L.NewFunction(vm.warn))
	L.SetGlobal("require", vm.requireFor(""))
	L.SetGlobal("_G", L.NewTable())

	arg := L.CreateTable(len(vm.cfg.Args), 0)
	for _, a := range vm.cfg.Args {
		arg.Append(lua.LString(a))
	}
	L.SetGlobal("arg", arg)

	version := vm.cfg.Version
	if version == "" {
		version = "moonrun"
	}
	L.SetGlobal("_VERSION", lua.LString(version))
}

// Compile compiles code under name. For modules, name is the absolute path
// that nested require calls resolve against.
func (vm *VM) Compile(name string, code []byte) (engine.Unit, error) {
	proto, err := compile(name, code)
	if err != nil {
		return nil, err
	}
	return &unit{name: name, proto: proto}, nil
}

// Evaluate runs u in a fresh environment whose missing keys fall back to the
// globals. The returned values are lua.LValues.
func (vm *VM) Evaluate(ctx context.Context, u engine.Unit) (engine.Values, error) {
	return vm.EvaluateIn(ctx, u, vm.NewScope())
}

// NewScope returns an environment table backed by the globals.
func (vm *VM) NewScope() engine.Scope {
	L := vm.L
	env := L.NewTable()
	meta := L.NewTable()
	meta.RawSetString("__index", L.G.Global)
	L.SetMetatable(env, meta)
	return env
}

// EvaluateIn runs u with scope as its environment. Assignments to globals
// land in scope.
func (vm *VM) EvaluateIn(ctx context.Context, u engine.Unit, scope engine.Scope) (engine.Values, error) {
	lu, ok := u.(*unit)
	if !ok {
		return nil, fmt.Errorf("luau: foreign unit %T", u)
	}
	env, ok := scope.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("luau: foreign scope %T", scope)
	}
	L := vm.L

	env.RawSetString("require", vm.requireFor(lu.name))

	fn := L.NewFunctionFromProto(lu.proto)
	fn.Env = env

	prev := L.Context()
	L.SetContext(ctx)
	defer func() {
		if prev != nil {
			L.SetContext(prev)
		} else {
			L.RemoveContext()
		}
	}()

	top := L.GetTop()
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return nil, unwrapError(err)
	}

	n := L.GetTop() - top
	values := make(engine.Values, n)
	for i := range n {
		values[i] = L.Get(top + 1 + i)
	}
	L.Pop(n)
	return values, nil
}

// Close releases the Lua state.
func (vm *VM) Close() {
	vm.L.Close()
}

func (vm *VM) requireFor(source string) *lua.LFunction {
	return vm.L.NewFunction(func(L *lua.LState) int {
		request := L.CheckString(1)
		if vm.cfg.Requirer == nil {
			L.RaiseError("require is not available")
			return 0
		}

		values, err := vm.cfg.Requirer.Require(contextOf(L), source, request)
		if err != nil {
			raise(L, err)
			return 0
		}
		for _, v := range values {
			lv, err := ToLua(L, v)
			if err != nil {
				L.RaiseError("require %s: %v", request, err)
				return 0
			}
			L.Push(lv)
		}
		return len(values)
	})
}

func (vm *VM) print(L *lua.LState) int {
	fmt.Fprintln(vm.stdout, joinArgs(L))
	return 0
}

func (vm *VM) warn(L *lua.LState) int {
	fmt.Fprintf(vm.stderr, "[WARN]\n%s\n", joinArgs(L))
	return 0
}

// pcall and xpcall catch errors like the base library versions, except
// exit requests, which keep unwinding.
func pcall(L *lua.LState) int {
	L.CheckAny(1)
	if err := L.PCall(L.GetTop()-1, lua.MultRet, nil); err != nil {
		obj := errorObject(L, err)
		L.Push(lua.LFalse)
		L.Push(obj)
		return 2
	}
	L.Insert(lua.LTrue, 1)
	return L.GetTop()
}

func xpcall(L *lua.LState) int {
	fn := L.CheckAny(1)
	handler := L.CheckFunction(2)
	L.SetTop(0)

	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		obj := errorObject(L, err)
		L.SetTop(0)
		L.Push(handler)
		L.Push(obj)
		if err := L.PCall(1, 1, nil); err != nil {
			obj = errorObject(L, err)
			L.SetTop(0)
			L.Push(obj)
		}
		L.Insert(lua.LFalse, 1)
		return 2
	}
	L.Insert(lua.LTrue, 1)
	return L.GetTop()
}

// errorObject returns the value carried by a caught error, re-raising exit
// requests.
func errorObject(L *lua.LState, err error) lua.LValue {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return lua.LString(err.Error())
	}
	if ud, ok := apiErr.Object.(*lua.LUserData); ok {
		if _, ok := ud.Value.(*engine.ExitError); ok {
			L.Error(ud, 0)
		}
	}
	return apiErr.Object
}

func joinArgs(L *lua.LState) string {
	n := L.GetTop()
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		parts[i-1] = L.ToStringMeta(L.Get(i)).String()
	}
	return strings.Join(parts, "\t")
}

func contextOf(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// raise turns a Go error into a Lua error. Exit requests travel as userdata
// so they survive pcall boundaries inside the host and reach Evaluate intact.
func raise(L *lua.LState, err error) {
	var exit *engine.ExitError
	if errors.As(err, &exit) {
		ud := L.NewUserData()
		ud.Value = exit
		L.Error(ud, 0)
		return
	}
	L.RaiseError("%s", err.Error())
}

func unwrapError(err error) error {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if ud, ok := apiErr.Object.(*lua.LUserData); ok {
			if exit, ok := ud.Value.(*engine.ExitError); ok {
				return exit
			}
		}
	}
	return err
}
