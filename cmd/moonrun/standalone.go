package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"

	"github.com/caffeineduck/moonrun/globals"
	"github.com/caffeineduck/moonrun/internal/config"
	"github.com/caffeineduck/moonrun/standalone"
)

// checkStandalone runs the packaged entry script when this executable
// carries one. ok is false for a plain moonrun binary.
func checkStandalone() (code int, ok bool) {
	meta, exe, err := standalone.CheckSelf()
	if errors.Is(err, standalone.ErrNotStandalone) {
		return 0, false
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1, true
	}

	// Packaged programs take file and environment configuration only; their
	// command line belongs to the script.
	cfg, _, err := config.Load(config.LoadOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1, true
	}
	logger := newLogger(cfg, os.Stderr, log.WarnLevel)
	logger.Debug("running standalone executable", "path", exe, "scripts", len(meta.Scripts))

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1, true
	}
	return runPackaged(context.Background(), cfg, meta, packagedOptions{
		cwd:    cwd,
		args:   os.Args[1:],
		stdout: os.Stdout,
		stderr: os.Stderr,
		logger: logger,
	}), true
}

type packagedOptions struct {
	cwd    string
	args   []string
	stdout io.Writer
	stderr io.Writer
	logger *log.Logger
}

// runPackaged installs every packaged script in the virtual store under cwd
// and runs the entry with args. It returns the process exit code.
func runPackaged(ctx context.Context, cfg *config.Config, meta *standalone.Metadata, opts packagedOptions) int {
	var (
		entryPath string
		entry     standalone.Script
	)
	h, err := newHost(cfg, hostOptions{
		args:   opts.args,
		stdout: opts.stdout,
		stderr: opts.stderr,
		cwd:    opts.cwd,
		logger: opts.logger,
		setup: func(b *globals.Builder) error {
			var err error
			entryPath, entry, err = standalone.Install(b, opts.cwd, meta)
			return err
		},
	})
	if err != nil {
		fmt.Fprintf(opts.stderr, "Error: %v\n", err)
		return 1
	}
	defer h.Close()

	result := h.exec.Run(ctx, entryPath, entry.Bytecode)
	if result.Error != nil {
		fmt.Fprintf(opts.stderr, "Error: %v\n", result.Error)
	}
	return result.ExitCode
}
