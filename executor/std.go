package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/caffeineduck/moonrun/engine"
	"github.com/caffeineduck/moonrun/globals"
	"github.com/caffeineduck/moonrun/hostfunc"
	"github.com/caffeineduck/moonrun/library"
	"github.com/caffeineduck/moonrun/wasi"
)

// StdAlias is the alias the standard libraries are registered under.
const StdAlias = "std"

// StdConfig selects the capabilities granted to scripts.
type StdConfig struct {
	// Mounts back @std/fs. Without mounts every fs call is denied.
	Mounts []hostfunc.Mount
	// FSBase is the filesystem mounts are views of. Defaults to the OS.
	FSBase afero.Fs

	// KV enables @std/kv.
	KV       bool
	KVConfig hostfunc.KVConfig

	// HTTP enables @std/http when AllowedHosts is not empty.
	HTTP hostfunc.HTTPConfig

	// Wasm enables @std/wasm.
	Wasm        bool
	WasmOptions []wasi.Option

	// Args and Env back @std/process. Env defaults to the process
	// environment.
	Args []string
	Env  []string
}

// Std holds the capability instances behind the std libraries. Scripts and
// WASI guests share them: a value set through @std/kv is visible to a guest
// calling kv_get.
type Std struct {
	FS       *hostfunc.FS
	KV       *hostfunc.KV
	HTTP     *hostfunc.HTTP
	Wasm     *wasi.Runner
	Registry *hostfunc.Registry

	args []string
	env  map[string]string
}

// NewStd creates the capability instances described by cfg.
func NewStd(cfg StdConfig) (*Std, error) {
	base := cfg.FSBase
	if base == nil {
		base = afero.NewOsFs()
	}

	s := &Std{
		FS:       hostfunc.NewFSOn(base, cfg.Mounts...),
		HTTP:     hostfunc.NewHTTP(cfg.HTTP),
		Registry: hostfunc.NewRegistry(),
		args:     cfg.Args,
		env:      parseEnv(cfg.Env),
	}
	if cfg.KV {
		s.KV = hostfunc.NewKV(cfg.KVConfig)
	}

	s.Registry.Register("time_now", func(ctx context.Context, args map[string]any) (any, error) {
		return float64(time.Now().UnixNano()) / 1e9, nil
	})
	if len(cfg.Mounts) > 0 {
		s.Registry.RegisterNamespace("fs", s.FS.Namespace())
	}
	if s.KV != nil {
		s.Registry.RegisterNamespace("kv", s.KV.Namespace())
	}
	if s.HTTP.Enabled() {
		s.Registry.RegisterNamespace("http", s.HTTP.Namespace())
	}

	if cfg.Wasm {
		runner, err := wasi.NewRunner(s.Registry, cfg.WasmOptions...)
		if err != nil {
			return nil, fmt.Errorf("wasm runner: %w", err)
		}
		s.Wasm = runner
	}

	return s, nil
}

func parseEnv(environ []string) map[string]string {
	if environ == nil {
		environ = os.Environ()
	}
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// Libraries registers the enabled libraries under StdAlias. It is meant for
// globals.Builder.Apply.
func (s *Std) Libraries(b *globals.Builder) error {
	return b.WithAlias(StdAlias, func(m library.Modules) error {
		m["fs"] = library.Table(func(engine.VM) (library.Namespace, error) {
			return s.FS.Namespace(), nil
		})
		if s.KV != nil {
			m["kv"] = library.Table(func(engine.VM) (library.Namespace, error) {
				return s.KV.Namespace(), nil
			})
		}
		if s.HTTP.Enabled() {
			m["http"] = library.Table(func(engine.VM) (library.Namespace, error) {
				return s.HTTP.Namespace(), nil
			})
		}
		if s.Wasm != nil {
			m["wasm"] = library.Table(func(engine.VM) (library.Namespace, error) {
				return s.Wasm.Namespace(s.FS), nil
			})
		}
		m["process"] = library.Table(s.process)
		m["path"] = library.Table(pathLibrary)
		return nil
	})
}

// Close releases the WASI runner, if any.
func (s *Std) Close() error {
	if s.Wasm != nil {
		return s.Wasm.Close()
	}
	return nil
}

func (s *Std) process(engine.VM) (library.Namespace, error) {
	args := make([]any, len(s.args))
	for i, a := range s.args {
		args[i] = a
	}
	env := make(map[string]any, len(s.env))
	for k, v := range s.env {
		env[k] = v
	}
	cwd, _ := os.Getwd()

	return library.Namespace{
		"args": args,
		"env":  env,
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
		"cwd":  cwd,
		"exit": engine.Func(exit),
	}, nil
}

// exit stops the script with the given code, 0 when omitted.
func exit(ctx context.Context, args map[string]any) (any, error) {
	v := args["code"]
	if list, ok := args[engine.ArgsKey].([]any); ok && len(list) > 0 {
		v = list[0]
	}

	code := 0
	switch n := v.(type) {
	case nil:
	case float64:
		if n != float64(int(n)) || n < 0 || n > 255 {
			return nil, fmt.Errorf("exit code must be an integer between 0 and 255, got %v", n)
		}
		code = int(n)
	case int:
		code = n
	default:
		return nil, errors.New("exit code must be a number")
	}
	return nil, &engine.ExitError{Code: code}
}

func pathLibrary(engine.VM) (library.Namespace, error) {
	return library.Namespace{
		"join": engine.Func(func(ctx context.Context, args map[string]any) (any, error) {
			parts, err := stringArgs(args)
			if err != nil {
				return nil, err
			}
			return filepath.Join(parts...), nil
		}),
		"dirname":  unaryPath(filepath.Dir),
		"basename": unaryPath(filepath.Base),
		"extname":  unaryPath(filepath.Ext),
	}, nil
}

func unaryPath(fn func(string) string) engine.Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		parts, err := stringArgs(args)
		if err != nil {
			return nil, err
		}
		if len(parts) != 1 {
			return nil, errors.New("expected exactly one path")
		}
		return fn(parts[0]), nil
	}
}

func stringArgs(args map[string]any) ([]string, error) {
	list, _ := args[engine.ArgsKey].([]any)
	out := make([]string, len(list))
	for i, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("argument %d must be a string", i+1)
		}
		out[i] = s
	}
	return out, nil
}
