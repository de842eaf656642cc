package hostfunc

import (
	"sort"
	"sync"

	"github.com/caffeineduck/moonrun/engine"
	"github.com/caffeineduck/moonrun/library"
)

// Func is a host function. Arguments arrive as a decoded table.
type Func = engine.Func

// Registry maps names to host functions. The WASI runner dispatches guest
// calls through it; scripts reach the same functions through namespaces.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

// RegisterNamespace registers every function in ns as prefix_name.
func (r *Registry) RegisterNamespace(prefix string, ns library.Namespace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, v := range ns {
		if fn, ok := v.(Func); ok {
			r.funcs[prefix+"_"+name] = fn
		}
	}
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// argAt returns args[key], or the positional argument at pos when the
// function was called without a table of named arguments.
func argAt(args map[string]any, key string, pos int) (any, bool) {
	if v, ok := args[key]; ok {
		return v, true
	}
	if list, ok := args[engine.ArgsKey].([]any); ok && pos < len(list) {
		return list[pos], list[pos] != nil
	}
	return nil, false
}

func stringAt(args map[string]any, key string, pos int) (string, bool) {
	v, _ := argAt(args, key, pos)
	s, ok := v.(string)
	return s, ok
}
