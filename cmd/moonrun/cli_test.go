package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/moonrun/internal/config"
	"github.com/caffeineduck/moonrun/language/luau"
	"github.com/caffeineduck/moonrun/standalone"
)

// isolate keeps tests away from the user's config and caches.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
}

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// newRunCmd mirrors the root command's run behaviour on a fresh flag set.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "moonrun",
		Args:          cobra.ArbitraryArgs,
		RunE:          runRun,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().String("config", "", "")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "")
	addRunFlags(cmd)
	return cmd
}

func runCLI(t *testing.T, stdin string, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	isolate(t)

	cmd := newRunCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--no-wasm"}, args...))
	code = execute(cmd, &errOut)
	return out.String(), errOut.String(), code
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"moonrun",
		"Luau",
		"standalone",
		"run",
		"build",
		"repl",
		"--config",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLISubcommandHelp(t *testing.T) {
	tests := []struct {
		command string
		phrases []string
	}{
		{"run", []string{"--code", "--timeout", "--kv", "--allow-host", "--mount", "--memory", "--no-wasm"}},
		{"build", []string{"--output", "--base", "moonrun.toml", "entry"}},
		{"repl", []string{"--history", "--kv", "Command history", "Line editing"}},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			output, err := executeCommand(rootCmd, tt.command, "--help")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, phrase := range tt.phrases {
				if !strings.Contains(output, phrase) {
					t.Errorf("%s help output should contain %q", tt.command, phrase)
				}
			}
		})
	}
}

func TestCLICompletionCommands(t *testing.T) {
	// Verify completion subcommand exists
	found := false
	for _, cmd := range rootCmd.Commands() {
		if cmd.Name() == "completion" {
			found = true
			break
		}
	}
	if !found {
		t.Error("completion command should exist (provided by cobra)")
	}
}

func TestCLIRunCode(t *testing.T) {
	stdout, stderr, code := runCLI(t, "", "-c", "print(1 + 1)")
	if code != 0 {
		t.Fatalf("exit code %d, stderr %q", code, stderr)
	}
	if stdout != "2\n" {
		t.Errorf("stdout = %q, want 2", stdout)
	}
}

func TestCLIRunStdin(t *testing.T) {
	stdout, stderr, code := runCLI(t, `print("from stdin")`)
	if code != 0 {
		t.Fatalf("exit code %d, stderr %q", code, stderr)
	}
	if stdout != "from stdin\n" {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestCLIRunFileWithArgs(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "args.luau")
	if err := os.WriteFile(script, []byte(`print(#arg, arg[1], arg[2])`), 0o644); err != nil {
		t.Fatal(err)
	}

	// Flags after the script belong to it.
	stdout, stderr, code := runCLI(t, "", script, "x", "--kv")
	if code != 0 {
		t.Fatalf("exit code %d, stderr %q", code, stderr)
	}
	if stdout != "2\tx\t--kv\n" {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestCLIRunExitCodes(t *testing.T) {
	tests := []struct {
		name       string
		code       string
		wantCode   int
		wantStderr string
	}{
		{"success", `local x = 1`, 0, ""},
		{"process exit", `require("@std/process").exit(3)`, 3, ""},
		{"runtime error", `error("boom")`, 1, "boom"},
		{"syntax error", `local = 1`, 1, "Error:"},
		{"kv disabled", `require("@std/kv")`, 1, "@std"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, stderr, code := runCLI(t, "", "-c", tt.code)
			if code != tt.wantCode {
				t.Errorf("exit code = %d, want %d (stderr %q)", code, tt.wantCode, stderr)
			}
			if !strings.Contains(stderr, tt.wantStderr) {
				t.Errorf("stderr %q should contain %q", stderr, tt.wantStderr)
			}
		})
	}
}

func TestCLIRunCapabilityFlags(t *testing.T) {
	stdout, stderr, code := runCLI(t, "", "--kv", "-c", `
		local kv = require("@std/kv")
		kv.set("k", "v")
		print(kv.get("k"))
	`)
	if code != 0 {
		t.Fatalf("exit code %d, stderr %q", code, stderr)
	}
	if stdout != "v\n" {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestCLIRunBadMount(t *testing.T) {
	_, stderr, code := runCLI(t, "", "--mount", "nocolon", "-c", "print(1)")
	if code != 1 || !strings.Contains(stderr, "invalid mount") {
		t.Errorf("expected invalid mount error, got %d %q", code, stderr)
	}
}

func TestPlanBuild(t *testing.T) {
	manifestDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(manifestDir, "moonrun.toml"), []byte(`
[project]
entry = "main.luau"

[build]
output = "out/app"
`), 0o644); err != nil {
		t.Fatal(err)
	}
	manifestDir, _ = filepath.Abs(manifestDir)

	tests := []struct {
		name       string
		cwd        string
		args       []string
		output     string
		wantOutput string
		wantInputs int
		wantErr    string
	}{
		{
			name:       "default output drops extension",
			cwd:        "/work",
			args:       []string{"main.luau", "lib.luau"},
			wantOutput: "/work/main",
			wantInputs: 2,
		},
		{
			name:       "explicit output",
			cwd:        "/work",
			args:       []string{"main.luau"},
			output:     "bin/tool",
			wantOutput: "/work/bin/tool",
			wantInputs: 1,
		},
		{
			name:    "output equals input",
			cwd:     "/work",
			args:    []string{"main", "other.luau"},
			wantErr: "cannot be the same",
		},
		{
			name:    "output equals explicit input",
			cwd:     "/work",
			args:    []string{"main.luau"},
			output:  "/work/main.luau",
			wantErr: "cannot be the same",
		},
		{
			name:       "manifest",
			cwd:        manifestDir,
			wantOutput: filepath.Join(manifestDir, "out", "app"),
			wantInputs: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := planBuild(tt.cwd, tt.args, tt.output, "")
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("planBuild: %v", err)
			}
			if plan.output != tt.wantOutput {
				t.Errorf("output = %q, want %q", plan.output, tt.wantOutput)
			}
			if len(plan.inputs) != tt.wantInputs {
				t.Errorf("inputs = %v", plan.inputs)
			}
		})
	}
}

func TestPlanBuildNoInputs(t *testing.T) {
	if _, err := planBuild(t.TempDir(), nil, "", ""); err == nil || !strings.Contains(err.Error(), "no inputs") {
		t.Errorf("expected no inputs error, got %v", err)
	}
}

func writeProject(t *testing.T, fsys afero.Fs) *buildPlan {
	t.Helper()
	files := map[string]string{
		"/bin/base":            "BASE-EXECUTABLE",
		"/proj/main.luau":      `local lib = require("./lib/util"); print(lib.greet(arg[1] or "nobody"))`,
		"/proj/lib/util.luau":  `return {greet = function(name) return "hello " .. name end}`,
		"/proj/lib/broken.lua": `local = 1`,
	}
	for path, content := range files {
		if err := afero.WriteFile(fsys, path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return &buildPlan{
		dir:    "/proj",
		inputs: []string{"/proj/main.luau", "/proj/lib/util.luau"},
		output: "/proj/dist/main",
		base:   "/bin/base",
	}
}

func TestBuildWritesStandaloneImage(t *testing.T) {
	fsys := afero.NewMemMapFs()
	plan := writeProject(t, fsys)

	if err := build(fsys, luau.New(), plan, log.New(io.Discard)); err != nil {
		t.Fatalf("build: %v", err)
	}

	image, err := afero.ReadFile(fsys, plan.output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.HasPrefix(image, []byte("BASE-EXECUTABLE")) {
		t.Error("image should start with the base executable")
	}
	info, err := fsys.Stat(plan.output)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}

	meta, err := standalone.Check(fsys, plan.output)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(meta.Scripts) != 2 || meta.Scripts[0].Path != "main.luau" || meta.Scripts[1].Path != "lib/util.luau" {
		t.Fatalf("unexpected scripts %+v", meta.Scripts)
	}

	// Building on top of a packaged executable replaces its scripts.
	plan.base = plan.output
	plan.output = "/proj/dist/again"
	plan.inputs = plan.inputs[1:]
	if err := build(fsys, luau.New(), plan, log.New(io.Discard)); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	rebuilt, _ := afero.ReadFile(fsys, plan.output)
	stripped, err := standalone.Strip(rebuilt)
	if err != nil || string(stripped) != "BASE-EXECUTABLE" {
		t.Errorf("rebuilt image base = %q, %v", stripped, err)
	}
}

func TestBuildRejectsInvalidScript(t *testing.T) {
	fsys := afero.NewMemMapFs()
	plan := writeProject(t, fsys)
	plan.inputs = append(plan.inputs, "/proj/lib/broken.lua")

	err := build(fsys, luau.New(), plan, log.New(io.Discard))
	if err == nil || !strings.Contains(err.Error(), "lib/broken.lua") {
		t.Errorf("expected compile error naming the script, got %v", err)
	}
	if exists, _ := afero.Exists(fsys, plan.output); exists {
		t.Error("no output should be written")
	}
}

func TestRunPackaged(t *testing.T) {
	isolate(t)
	fsys := afero.NewMemMapFs()
	plan := writeProject(t, fsys)
	if err := build(fsys, luau.New(), plan, log.New(io.Discard)); err != nil {
		t.Fatalf("build: %v", err)
	}
	meta, err := standalone.Check(fsys, plan.output)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	cfg := config.Default()
	cfg.Wasm.Enabled = false

	// Packaged scripts resolve from the virtual store, wherever the
	// executable runs.
	var stdout, stderr bytes.Buffer
	code := runPackaged(context.Background(), &cfg, meta, packagedOptions{
		cwd:    t.TempDir(),
		args:   []string{"moon"},
		stdout: &stdout,
		stderr: &stderr,
		logger: log.New(io.Discard),
	})
	if code != 0 {
		t.Fatalf("exit code %d, stderr %q", code, stderr.String())
	}
	if stdout.String() != "hello moon\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestRunPackagedExitCode(t *testing.T) {
	isolate(t)
	meta := &standalone.Metadata{Scripts: []standalone.Script{
		{Path: "main.luau", Bytecode: []byte(`require("@std/process").exit(42)`)},
	}}
	cfg := config.Default()
	cfg.Wasm.Enabled = false

	var stdout, stderr bytes.Buffer
	code := runPackaged(context.Background(), &cfg, meta, packagedOptions{
		cwd:    t.TempDir(),
		stdout: &stdout,
		stderr: &stderr,
		logger: log.New(io.Discard),
	})
	if code != 42 {
		t.Errorf("exit code = %d, want 42", code)
	}

	code = runPackaged(context.Background(), &cfg, &standalone.Metadata{}, packagedOptions{
		cwd:    t.TempDir(),
		stdout: &stdout,
		stderr: &stderr,
		logger: log.New(io.Discard),
	})
	if code != 1 || !strings.Contains(stderr.String(), "no scripts") {
		t.Errorf("expected no scripts failure, got %d %q", code, stderr.String())
	}
}

type fakeReader struct {
	lines   []string
	prompts []string
}

func (r *fakeReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func (r *fakeReader) SetPrompt(p string) {
	r.prompts = append(r.prompts, p)
}

func TestREPL(t *testing.T) {
	isolate(t)
	cfg := config.Default()
	cfg.Wasm.Enabled = false

	tests := []struct {
		name       string
		lines      []string
		wantCode   int
		wantOut    string
		wantStderr string
	}{
		{
			name:    "expressions and state",
			lines:   []string{"x = 1", "x + 1", "y = 10 + \\", "5", "y", "exit"},
			wantOut: "2\n15\n",
		},
		{
			name:       "errors keep the session",
			lines:      []string{`error("bad")`, `"still here"`, "quit"},
			wantOut:    "\"still here\"\n",
			wantStderr: "bad",
		},
		{
			name:     "process exit",
			lines:    []string{`require("@std/process").exit(4)`, `print("unreachable")`},
			wantCode: 4,
		},
		{
			name:    "eof",
			lines:   []string{"", "   "},
			wantOut: "\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			h, err := newHost(&cfg, hostOptions{
				stdout: &stdout,
				stderr: &stderr,
				cwd:    t.TempDir(),
				logger: log.New(io.Discard),
			})
			if err != nil {
				t.Fatalf("newHost: %v", err)
			}
			defer h.Close()
			session := h.exec.NewSession()

			code := repl(context.Background(), &fakeReader{lines: tt.lines}, session, &stdout, &stderr)
			if code != tt.wantCode {
				t.Errorf("exit code = %d, want %d", code, tt.wantCode)
			}
			if stdout.String() != tt.wantOut {
				t.Errorf("stdout = %q, want %q", stdout.String(), tt.wantOut)
			}
			if !strings.Contains(stderr.String(), tt.wantStderr) {
				t.Errorf("stderr %q should contain %q", stderr.String(), tt.wantStderr)
			}
		})
	}
}

func TestREPLMultiLinePrompts(t *testing.T) {
	isolate(t)
	cfg := config.Default()
	cfg.Wasm.Enabled = false

	h, err := newHost(&cfg, hostOptions{stdout: io.Discard, stderr: io.Discard, logger: log.New(io.Discard)})
	if err != nil {
		t.Fatalf("newHost: %v", err)
	}
	defer h.Close()

	rl := &fakeReader{lines: []string{"a = \\", "1", "exit"}}
	repl(context.Background(), rl, h.exec.NewSession(), io.Discard, io.Discard)

	want := []string{continuePrompt, prompt}
	if strings.Join(rl.prompts, "|") != strings.Join(want, "|") {
		t.Errorf("prompts = %q, want %q", rl.prompts, want)
	}
}
