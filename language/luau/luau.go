// Package luau provides the Lua language adapter for moonrun, built on
// gopher-lua.
//
// Scripts use the .luau and .lua extensions and the Lua 5.1 dialect that
// gopher-lua implements.
package luau

import (
	"bytes"
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/caffeineduck/moonrun/engine"
)

// Luau implements the executor.Language interface.
type Luau struct{}

// New returns a Luau language adapter.
func New() *Luau {
	return &Luau{}
}

// Name returns "luau".
func (l *Luau) Name() string {
	return "luau"
}

// Extensions returns the file extensions probed by require, in order.
func (l *Luau) Extensions() []string {
	return []string{".luau", ".lua"}
}

// Compile checks that source parses and compiles, and returns the payload
// stored in standalone executables. gopher-lua prototypes cannot be
// serialized, so the payload is the checked chunk text.
func (l *Luau) Compile(name string, source []byte) ([]byte, error) {
	if _, err := compile(name, source); err != nil {
		return nil, err
	}
	return source, nil
}

// NewVM creates a VM with the standard globals installed.
func (l *Luau) NewVM(cfg engine.Config) (engine.VM, error) {
	return NewVM(cfg)
}

func compile(name string, code []byte) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(bytes.NewReader(stripShebang(code)), name)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	return proto, nil
}

// stripShebang turns a leading "#!" line into a comment so line numbers
// are preserved.
func stripShebang(code []byte) []byte {
	if !bytes.HasPrefix(code, []byte("#!")) {
		return code
	}
	out := bytes.Clone(code)
	out[0], out[1] = '-', '-'
	return out
}
