package wasi

import (
	"context"
	"errors"
	"fmt"

	"github.com/caffeineduck/moonrun/engine"
	"github.com/caffeineduck/moonrun/hostfunc"
	"github.com/caffeineduck/moonrun/library"
)

// Namespace exposes the runner as @std/wasm. Module files are read through
// fs, so scripts can only run modules inside a mount.
func (r *Runner) Namespace(fs *hostfunc.FS) library.Namespace {
	return library.Namespace{
		"run": engine.Func(func(ctx context.Context, args map[string]any) (any, error) {
			return r.run(ctx, fs, args)
		}),
	}
}

// run accepts path (positional 0) or module (raw bytes), and argv.
func (r *Runner) run(ctx context.Context, fs *hostfunc.FS, args map[string]any) (any, error) {
	var module []byte
	switch {
	case args["module"] != nil:
		s, ok := args["module"].(string)
		if !ok {
			return nil, errors.New("module must be a string of bytes")
		}
		module = []byte(s)
	default:
		path := args["path"]
		if path == nil {
			if list, ok := args[engine.ArgsKey].([]any); ok && len(list) > 0 {
				path = list[0]
			}
		}
		p, ok := path.(string)
		if !ok || p == "" {
			return nil, errors.New("path or module required")
		}
		if fs == nil {
			return nil, errors.New("permission denied: path not in any mount")
		}
		content, err := fs.Read(ctx, map[string]any{"path": p})
		if err != nil {
			return nil, err
		}
		module = []byte(content.(string))
	}

	argv, err := stringList(args["argv"])
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		argv = []string{"guest"}
	}

	res := r.Run(ctx, module, argv...)
	if res.Error != nil {
		return nil, res.Error
	}

	return map[string]any{
		"output":      res.Output,
		"stderr":      res.Stderr,
		"exit_code":   res.ExitCode,
		"calls":       res.Calls,
		"duration_ms": res.Duration.Milliseconds(),
	}, nil
}

func stringList(v any) ([]string, error) {
	if m, ok := v.(map[string]any); v == nil || ok && len(m) == 0 {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, errors.New("argv must be a list of strings")
	}
	out := make([]string, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("argv[%d] must be a string", i+1)
		}
		out[i] = s
	}
	return out, nil
}
