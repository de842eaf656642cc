// Package library holds the alias registry behind require("@alias/name").
//
// A deployment registers families of host-provided modules under an alias.
// Each module is a [Factory]: either a table factory, producing a namespace of
// fields, or a value factory, producing any single value. Factories run on the
// VM that requested them and must not themselves require other modules.
package library

import (
	"errors"
	"fmt"
	"sort"

	"github.com/caffeineduck/moonrun/engine"
)

// Kind tells which of the two factory shapes a Factory holds.
type Kind uint8

const (
	// KindTable factories produce a namespace of named fields.
	KindTable Kind = iota + 1
	// KindValue factories produce an arbitrary value.
	KindValue
)

func (k Kind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindValue:
		return "value"
	default:
		return "invalid"
	}
}

// Namespace is a table-like module value. The VM marshals it into its own
// table type, recursively marshalling the fields.
type Namespace map[string]any

// TableFunc produces a namespace for the given VM.
type TableFunc func(vm engine.VM) (Namespace, error)

// ValueFunc produces an arbitrary value for the given VM.
type ValueFunc func(vm engine.VM) (any, error)

// Factory is a closed union of TableFunc and ValueFunc.
type Factory struct {
	kind  Kind
	table TableFunc
	value ValueFunc
}

// Table returns a factory that produces a namespace.
func Table(fn TableFunc) Factory {
	return Factory{kind: KindTable, table: fn}
}

// Value returns a factory that produces a single value.
func Value(fn ValueFunc) Factory {
	return Factory{kind: KindValue, value: fn}
}

// Const returns a value factory that always produces v.
func Const(v any) Factory {
	return Value(func(engine.VM) (any, error) { return v, nil })
}

// Kind reports the factory shape. The zero Factory has no kind.
func (f Factory) Kind() Kind {
	return f.kind
}

// ErrInvalidFactory is returned when materializing a zero Factory.
var ErrInvalidFactory = errors.New("invalid library factory")

// Materialize invokes the factory on vm.
func Materialize(f Factory, vm engine.VM) (any, error) {
	switch f.kind {
	case KindTable:
		ns, err := f.table(vm)
		if err != nil {
			return nil, err
		}
		if ns == nil {
			ns = Namespace{}
		}
		return ns, nil
	case KindValue:
		return f.value(vm)
	default:
		return nil, ErrInvalidFactory
	}
}

// Modules is the set of named factories inside one alias.
type Modules map[string]Factory

// Entry is one alias and its modules.
type Entry struct {
	Alias    string
	Children Modules
}

// Registry maps aliases to module sets. It is filled at build time and only
// read afterwards; it performs no locking.
type Registry struct {
	entries map[string]*Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register inserts factory under name within alias, creating the alias bucket
// if needed. An existing (alias, name) pair is overwritten.
func (r *Registry) Register(alias, name string, factory Factory) {
	e, ok := r.entries[alias]
	if !ok {
		e = &Entry{Alias: alias, Children: make(Modules)}
		r.entries[alias] = e
	}
	e.Children[name] = factory
}

// RegisterAll runs fn against a scratch module set and merges it into alias
// only if fn succeeds, so a failing registration leaves r untouched.
func (r *Registry) RegisterAll(alias string, fn func(Modules) error) error {
	if alias == "" {
		return errors.New("empty library alias")
	}
	scratch := make(Modules)
	if err := fn(scratch); err != nil {
		return fmt.Errorf("register alias %q: %w", alias, err)
	}
	for name, f := range scratch {
		r.Register(alias, name, f)
	}
	if _, ok := r.entries[alias]; !ok {
		r.entries[alias] = &Entry{Alias: alias, Children: make(Modules)}
	}
	return nil
}

// Resolve looks up the factory for (alias, name).
func (r *Registry) Resolve(alias, name string) (Factory, bool) {
	e, ok := r.entries[alias]
	if !ok {
		return Factory{}, false
	}
	f, ok := e.Children[name]
	return f, ok
}

// Alias returns the entry for alias.
func (r *Registry) Alias(alias string) (*Entry, bool) {
	e, ok := r.entries[alias]
	return e, ok
}

// Aliases lists registered aliases in sorted order.
func (r *Registry) Aliases() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Names lists the module names under alias in sorted order.
func (e *Entry) Names() []string {
	names := make([]string, 0, len(e.Children))
	for name := range e.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
