package executor_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/caffeineduck/moonrun/engine"
	"github.com/caffeineduck/moonrun/executor"
	"github.com/caffeineduck/moonrun/globals"
	"github.com/caffeineduck/moonrun/language/luau"
	"github.com/caffeineduck/moonrun/library"
	"github.com/caffeineduck/moonrun/resolver"
)

const workDir = "/proj"

type testEnv struct {
	exec   *executor.Executor
	fs     afero.Fs
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newTestEnv(t *testing.T, gctx *globals.Context, files map[string]string, opts ...executor.Option) *testEnv {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, content := range files {
		if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	env := &testEnv{fs: fs, stdout: new(bytes.Buffer), stderr: new(bytes.Buffer)}
	opts = append([]executor.Option{
		executor.WithFS(fs),
		executor.WithWorkingDir(workDir),
		executor.WithStdout(env.stdout),
		executor.WithStderr(env.stderr),
	}, opts...)

	exec, err := executor.New(gctx, luau.New(), opts...)
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}
	t.Cleanup(func() { exec.Close() })
	env.exec = exec
	return env
}

func TestRunCapturesAndStreamsOutput(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	result := env.exec.Run(context.Background(), "main.luau", []byte(`print("hello")`))
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "hello\n" {
		t.Errorf("expected captured output 'hello\\n', got %q", result.Output)
	}
	if env.stdout.String() != "hello\n" {
		t.Errorf("expected streamed output, got %q", env.stdout.String())
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}

	// Output is captured per run.
	result = env.exec.Run(context.Background(), "main.luau", []byte(`print("again")`))
	if result.Output != "again\n" {
		t.Errorf("expected only this run's output, got %q", result.Output)
	}
}

func TestRunFileRequiresRelativeModules(t *testing.T) {
	env := newTestEnv(t, nil, map[string]string{
		"/proj/main.luau":      `local a = require("./lib/a"); local b = require("./lib/b"); print(a.name, b)`,
		"/proj/lib/a.luau":     `return {name = "a"}`,
		"/proj/lib/b.luau":     `return require("./a").name .. "b"`,
		"/proj/lib/unused.lua": `error("never loaded")`,
	})

	result := env.exec.RunFile(context.Background(), "main.luau")
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "a\tab\n" {
		t.Errorf("unexpected output %q", result.Output)
	}
	if loads := env.exec.Resolver().Loads(); loads != 2 {
		t.Errorf("expected 2 loads, got %d", loads)
	}
	if state := env.exec.Resolver().Cache().State("/proj/lib/a.luau"); state != resolver.Ready {
		t.Errorf("expected a.luau to be Ready, got %v", state)
	}
}

func TestRunFileMissing(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	result := env.exec.RunFile(context.Background(), "missing.luau")
	if result.Error == nil || result.ExitCode != 1 {
		t.Errorf("expected failure, got exit=%d err=%v", result.ExitCode, result.Error)
	}
}

func TestRunCustomLibraryAndVirtualScript(t *testing.T) {
	b := globals.NewBuilder()
	if err := b.WithAlias("custom", func(m library.Modules) error {
		m["number"] = library.Const(6009.0)
		return nil
	}); err != nil {
		t.Fatalf("WithAlias: %v", err)
	}
	b.WithScript("/proj/tests/fake_script", []byte("return 2000"))

	env := newTestEnv(t, b.Build(), nil)
	result := env.exec.Run(context.Background(), "tests/main.luau", []byte(`
		assert(require("@custom/number") == 6009)
		assert(require("./fake_script") == 2000)
		local ok, err = pcall(require, "./fake_script.luau")
		assert(not ok and string.find(tostring(err), "no file exists", 1, true))
		print("ok")
	`))
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "ok\n" {
		t.Errorf("unexpected output %q", result.Output)
	}
	if loads := env.exec.Resolver().Loads(); loads != 2 {
		t.Errorf("expected one library and one script load, got %d", loads)
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string
		code    string
		wantErr string
	}{
		{
			name:    "runtime error",
			code:    `error("boom")`,
			wantErr: "boom",
		},
		{
			name:    "syntax error",
			code:    `local = 1`,
			wantErr: "main.luau",
		},
		{
			name:    "module not found",
			code:    `require("./nope")`,
			wantErr: "no file exists at the path 'nope'",
		},
		{
			name: "cyclic require",
			files: map[string]string{
				"/proj/a.luau": `return require("./b")`,
				"/proj/b.luau": `return require("./a")`,
			},
			code:    `require("./a")`,
			wantErr: "cyclic require",
		},
		{
			name:    "unknown library",
			code:    `require("@nope/thing")`,
			wantErr: "@nope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil, tt.files)
			result := env.exec.Run(context.Background(), "main.luau", []byte(tt.code))
			if result.Error == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(result.Error.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, result.Error)
			}
			if result.ExitCode != 1 {
				t.Errorf("expected exit code 1, got %d", result.ExitCode)
			}
		})
	}
}

func TestRunExitCodeFromNestedModule(t *testing.T) {
	b := globals.NewBuilder()
	b.WithLibrary("test", "exit", library.Value(func(engine.VM) (any, error) {
		return engine.Func(func(ctx context.Context, args map[string]any) (any, error) {
			return nil, &engine.ExitError{Code: 7}
		}), nil
	}))

	env := newTestEnv(t, b.Build(), map[string]string{
		"/proj/quit.luau": `pcall(require("@test/exit")); error("unreachable")`,
	})

	result := env.exec.Run(context.Background(), "main.luau", []byte(`print("before"); require("./quit")`))
	if result.Error != nil {
		t.Fatalf("exit must not surface as an error: %v", result.Error)
	}
	if result.ExitCode != 7 {
		t.Errorf("expected exit code 7, got %d", result.ExitCode)
	}
	if result.Output != "before\n" {
		t.Errorf("unexpected output %q", result.Output)
	}
}

func TestRunTimeout(t *testing.T) {
	env := newTestEnv(t, nil, nil, executor.WithTimeout(50*time.Millisecond))

	result := env.exec.Run(context.Background(), "main.luau", []byte(`while true do end`))
	if result.Error == nil || !strings.Contains(result.Error.Error(), "timeout") {
		t.Fatalf("expected timeout error, got %v", result.Error)
	}
	if result.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", result.ExitCode)
	}

	// The executor stays usable after a timeout.
	result = env.exec.Run(context.Background(), "main.luau", []byte(`print(1)`))
	if result.Error != nil || result.Output != "1\n" {
		t.Errorf("expected executor to recover, got %q %v", result.Output, result.Error)
	}
}

func TestRunArgs(t *testing.T) {
	env := newTestEnv(t, nil, nil, executor.WithArgs([]string{"x", "y"}))

	result := env.exec.Run(context.Background(), "main.luau", []byte(`print(#arg, arg[2])`))
	if result.Output != "2\ty\n" {
		t.Errorf("unexpected output %q (err %v)", result.Output, result.Error)
	}
}

func TestRunAfterClose(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.exec.Close()

	result := env.exec.Run(context.Background(), "main.luau", []byte(`print(1)`))
	if !errors.Is(result.Error, executor.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", result.Error)
	}
	if err := env.exec.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestRunCoroutineRequiresPendingModule(t *testing.T) {
	env := newTestEnv(t, nil, map[string]string{
		"/proj/a.luau": `
			local ok, err = coroutine.resume(_G.co)
			assert(ok, err)
			assert(coroutine.status(_G.co) == "dead")
			return "a"
		`,
	}, executor.WithTimeout(5*time.Second))

	result := env.exec.Run(context.Background(), "main.luau", []byte(`
		_G.co = coroutine.create(function()
			local ok, err = pcall(require, "./a")
			assert(not ok)
			print(string.find(tostring(err), "cyclic require", 1, true) ~= nil)
		end)
		print(require("./a"))
	`))
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "true\na\n" {
		t.Errorf("unexpected output %q", result.Output)
	}
	if state := env.exec.Resolver().Cache().State("/proj/a.luau"); state != resolver.Ready {
		t.Errorf("expected ready, got %s", state)
	}
}
