// Package globals assembles the read-only context shared by every script a
// runtime executes: the library registry and the virtual script store.
//
//	b := globals.NewBuilder()
//	if err := b.WithAlias("custom", func(m library.Modules) error {
//	    m["number"] = library.Const(6009.0)
//	    return nil
//	}); err != nil {
//	    return err
//	}
//	b.WithScript("/app/fake_script", []byte("return 2000"))
//	ctx := b.Build()
//
// Scripts then reach these through require("@custom/number") and
// require("/app/fake_script").
package globals

import (
	"errors"
	"fmt"

	"github.com/caffeineduck/moonrun/library"
	"github.com/caffeineduck/moonrun/scripts"
)

// ErrRegistration wraps any failure reported while registering libraries.
var ErrRegistration = errors.New("library registration failed")

// Builder collects libraries and virtual scripts. It is not safe for
// concurrent use.
type Builder struct {
	libraries *library.Registry
	scripts   *scripts.Store
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		libraries: library.NewRegistry(),
		scripts:   scripts.NewStore(),
	}
}

// WithAlias registers the modules produced by fn under alias. If fn fails,
// nothing from this call is registered.
func (b *Builder) WithAlias(alias string, fn func(library.Modules) error) error {
	if err := b.libraries.RegisterAll(alias, fn); err != nil {
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	return nil
}

// WithLibrary registers a single module under alias/name.
func (b *Builder) WithLibrary(alias, name string, f library.Factory) *Builder {
	b.libraries.Register(alias, name, f)
	return b
}

// WithScript adds a virtual script at an absolute path.
func (b *Builder) WithScript(path string, content []byte) *Builder {
	b.scripts.Insert(path, content)
	return b
}

// Apply runs each setup function against the builder, stopping at the first
// error.
func (b *Builder) Apply(fns ...func(*Builder) error) error {
	for _, fn := range fns {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// Build freezes everything collected so far into a Context. The builder is
// left empty, so later calls cannot reach into a built Context.
func (b *Builder) Build() *Context {
	ctx := &Context{libraries: b.libraries, scripts: b.scripts}
	b.libraries = library.NewRegistry()
	b.scripts = scripts.NewStore()
	return ctx
}

// Context is the frozen, read-only view shared by all tasks of a runtime.
type Context struct {
	libraries *library.Registry
	scripts   *scripts.Store
}

// Empty returns a context with no libraries and no virtual scripts.
func Empty() *Context {
	return NewBuilder().Build()
}

// Library returns the factory for alias/name.
func (c *Context) Library(alias, name string) (library.Factory, bool) {
	return c.libraries.Resolve(alias, name)
}

// HasAlias reports whether alias has been registered.
func (c *Context) HasAlias(alias string) bool {
	_, ok := c.libraries.Alias(alias)
	return ok
}

// Aliases lists the registered aliases.
func (c *Context) Aliases() []string {
	return c.libraries.Aliases()
}

// Script looks up a virtual script, probing extensions.
func (c *Context) Script(path string) (key string, content []byte, ok bool) {
	return c.scripts.Lookup(path)
}

// Scripts returns the number of virtual scripts.
func (c *Context) Scripts() int {
	return c.scripts.Len()
}
