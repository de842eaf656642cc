package executor

import (
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
)

// Option configures an Executor at creation time.
type Option func(*config)

type config struct {
	stdout     io.Writer
	stderr     io.Writer
	args       []string
	logger     *log.Logger
	fs         afero.Fs
	timeout    time.Duration
	workingDir string
	version    string
}

func defaultConfig() config {
	return config{
		stderr: os.Stderr,
	}
}

// WithStdout streams script output to w in addition to capturing it in
// Result.Output.
func WithStdout(w io.Writer) Option {
	return func(c *config) {
		c.stdout = w
	}
}

// WithStderr sets where warn and other diagnostics go. Defaults to os.Stderr.
func WithStderr(w io.Writer) Option {
	return func(c *config) {
		c.stderr = w
	}
}

// WithArgs sets the script arguments, without the program name.
func WithArgs(args []string) Option {
	return func(c *config) {
		c.args = args
	}
}

// WithLogger sets the logger. Defaults to warnings and above on stderr.
func WithLogger(l *log.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithFS sets the filesystem require reads modules from. Defaults to the OS.
func WithFS(fsys afero.Fs) Option {
	return func(c *config) {
		c.fs = fsys
	}
}

// WithTimeout bounds each Run. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithWorkingDir sets the directory top-level requests and display paths
// are relative to. Defaults to the process working directory.
func WithWorkingDir(dir string) Option {
	return func(c *config) {
		c.workingDir = dir
	}
}

// WithVersion sets the version string scripts see as _VERSION.
func WithVersion(v string) Option {
	return func(c *config) {
		c.version = v
	}
}

// NewLogger returns the logger the executor uses when none is given.
func NewLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Prefix: "moonrun",
		Level:  level,
	})
}
