package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/moonrun/executor"
	"github.com/caffeineduck/moonrun/globals"
	"github.com/caffeineduck/moonrun/internal/config"
	"github.com/caffeineduck/moonrun/language/luau"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "moonrun [file] [args...]",
	Short: "Embeddable Luau script runner",
	Long: `moonrun - Run Luau scripts and package them as standalone executables.

Run scripts from files, inline strings, or stdin. By default, scripts have
no access to the filesystem, network, or other system resources. Enable
capabilities explicitly with flags; they appear as @std libraries.`,
	Version:       version,
	Args:          cobra.ArbitraryArgs,
	RunE:          runRun, // Default to run command behavior
	SilenceErrors: true,
	SilenceUsage:  true,
}

// exitError carries a script's exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func Execute() {
	os.Exit(execute(rootCmd, os.Stderr))
}

func execute(cmd *cobra.Command, stderr io.Writer) int {
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: $XDG_CONFIG_HOME/moonrun/config.toml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	// Add run-specific flags to root (for default command)
	addRunFlags(rootCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	cfg, _, err := config.Load(config.LoadOptions{
		File:  file,
		Flags: cmd.Flags(),
	})
	return cfg, err
}

func newLogger(cfg *config.Config, w io.Writer, level log.Level) *log.Logger {
	if cfg.Verbose {
		level = log.DebugLevel
	}
	return executor.NewLogger(w, level)
}

// host is an executor together with the capabilities granted to it.
type host struct {
	exec *executor.Executor
	std  *executor.Std
}

type hostOptions struct {
	args   []string
	stdout io.Writer
	stderr io.Writer
	cwd    string
	logger *log.Logger
	// setup registers extra scripts or libraries before the executor is
	// built.
	setup func(*globals.Builder) error
}

func newHost(cfg *config.Config, opts hostOptions) (*host, error) {
	stdCfg, err := cfg.Std(opts.args)
	if err != nil {
		return nil, err
	}
	std, err := executor.NewStd(stdCfg)
	if err != nil {
		return nil, err
	}

	b := globals.NewBuilder()
	fns := []func(*globals.Builder) error{std.Libraries}
	if opts.setup != nil {
		fns = append(fns, opts.setup)
	}
	if err := b.Apply(fns...); err != nil {
		std.Close()
		return nil, err
	}

	execOpts := []executor.Option{
		executor.WithArgs(opts.args),
		executor.WithStdout(opts.stdout),
		executor.WithStderr(opts.stderr),
		executor.WithLogger(opts.logger),
		executor.WithTimeout(cfg.Timeout),
		executor.WithVersion("moonrun " + version),
	}
	if opts.cwd != "" {
		execOpts = append(execOpts, executor.WithWorkingDir(opts.cwd))
	}

	exec, err := executor.New(b.Build(), luau.New(), execOpts...)
	if err != nil {
		std.Close()
		return nil, err
	}
	return &host{exec: exec, std: std}, nil
}

func (h *host) Close() error {
	return errors.Join(h.exec.Close(), h.std.Close())
}

// resultError turns a script result into the command's error.
func resultError(result executor.Result) error {
	if result.Error != nil {
		return result.Error
	}
	if result.ExitCode != 0 {
		return &exitError{code: result.ExitCode}
	}
	return nil
}
