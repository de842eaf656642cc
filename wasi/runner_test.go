package wasi

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/caffeineduck/moonrun/engine"
	"github.com/caffeineduck/moonrun/hostfunc"
)

func newTestRunner(t *testing.T, registry *hostfunc.Registry, opts ...Option) *Runner {
	t.Helper()
	r, err := NewRunner(registry, opts...)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRunEmptyModule(t *testing.T) {
	r := newTestRunner(t, nil)

	res := r.Run(context.Background(), emptyModule)
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if res.ExitCode != 0 || res.Output != "" {
		t.Errorf("got exit=%d output=%q", res.ExitCode, res.Output)
	}
}

func TestRunStdout(t *testing.T) {
	r := newTestRunner(t, nil)

	res := r.Run(context.Background(), guestModule(1, "hi\n", 0), "guest")
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if res.Output != "hi\n" {
		t.Errorf("output = %q, want %q", res.Output, "hi\n")
	}
}

func TestRunExitCode(t *testing.T) {
	r := newTestRunner(t, nil)

	res := r.Run(context.Background(), guestModule(1, "bye", 3))
	if res.Error != nil {
		t.Fatalf("non-zero exit should not be an error: %v", res.Error)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if res.Output != "bye" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestRunHostCall(t *testing.T) {
	var called atomic.Int32
	registry := hostfunc.NewRegistry()
	registry.Register("ping", func(ctx context.Context, args map[string]any) (any, error) {
		called.Add(1)
		return "pong", nil
	})
	r := newTestRunner(t, registry)

	text := "log line\n" + protocolPrefix + `{"fn":"ping","args":{}}` + protocolSuffix
	res := r.Run(context.Background(), guestModule(2, text, 0))
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if called.Load() != 1 || res.Calls != 1 {
		t.Errorf("called = %d, calls = %d", called.Load(), res.Calls)
	}
	if res.Stderr != "log line\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRunTimeout(t *testing.T) {
	r := newTestRunner(t, nil, WithTimeout(100*time.Millisecond))

	res := r.Run(context.Background(), loopModule())
	if res.Error == nil || !strings.Contains(res.Error.Error(), "timeout") {
		t.Fatalf("expected timeout error, got %v", res.Error)
	}
	if res.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", res.ExitCode)
	}
}

func TestRunInvalidModule(t *testing.T) {
	r := newTestRunner(t, nil)

	res := r.Run(context.Background(), []byte("not wasm"))
	if res.Error == nil {
		t.Fatal("expected compile error")
	}
	if !strings.Contains(res.Error.Error(), "compile module") {
		t.Errorf("error = %v", res.Error)
	}
	if res.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", res.ExitCode)
	}
}

func TestCompileCache(t *testing.T) {
	r := newTestRunner(t, nil)
	ctx := context.Background()

	mod := guestModule(1, "a", 0)
	r.Run(ctx, mod)
	r.Run(ctx, mod)
	r.Run(ctx, guestModule(1, "b", 0))

	if got := r.Compiled(); got != 2 {
		t.Errorf("compiled = %d, want 2", got)
	}
}

func TestDiskCache(t *testing.T) {
	r := newTestRunner(t, nil, WithDiskCache(t.TempDir()))

	res := r.Run(context.Background(), guestModule(1, "cached", 0))
	if res.Error != nil || res.Output != "cached" {
		t.Errorf("got %q, %v", res.Output, res.Error)
	}
}

func TestRunAfterClose(t *testing.T) {
	r, err := NewRunner(nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.Close()

	res := r.Run(context.Background(), emptyModule)
	if !errors.Is(res.Error, ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", res.Error)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"", 0, false},
		{"1mb", MemoryLimit1MB, false},
		{"16MB", MemoryLimit16MB, false},
		{"64mb", MemoryLimit64MB, false},
		{"256mb", MemoryLimit256MB, false},
		{"1gb", MemoryLimit1GB, false},
		{"2gb", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMemoryLimit(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNamespaceRun(t *testing.T) {
	mem := afero.NewMemMapFs()
	afero.WriteFile(mem, "/host/tool.wasm", guestModule(1, "from file", 4), 0o644)
	fs := hostfunc.NewFSOn(mem, hostfunc.Mount{VirtualPath: "/data", HostPath: "/host", Mode: hostfunc.MountReadOnly})

	r := newTestRunner(t, nil)
	run := r.Namespace(fs)["run"].(engine.Func)
	ctx := context.Background()

	out, err := run(ctx, map[string]any{"path": "/data/tool.wasm", "argv": []any{"tool", "-v"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	res := out.(map[string]any)
	if res["output"] != "from file" || res["exit_code"] != 4 {
		t.Errorf("unexpected result %v", res)
	}

	if _, err := run(ctx, map[string]any{engine.ArgsKey: []any{"/data/tool.wasm"}}); err != nil {
		t.Errorf("positional path: %v", err)
	}

	out, err = run(ctx, map[string]any{"module": string(guestModule(1, "inline", 0))})
	if err != nil || out.(map[string]any)["output"] != "inline" {
		t.Errorf("inline module: %v %v", out, err)
	}

	if _, err := run(ctx, map[string]any{"path": "/etc/tool.wasm"}); err == nil {
		t.Error("expected paths outside mounts to be rejected")
	}
	if _, err := run(ctx, map[string]any{}); err == nil || err.Error() != "path or module required" {
		t.Errorf("expected missing path error, got %v", err)
	}
	if _, err := run(ctx, map[string]any{"path": "/data/tool.wasm", "argv": []any{1.0}}); err == nil {
		t.Error("expected non-string argv to be rejected")
	}
}
