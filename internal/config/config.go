// Package config loads CLI settings from config.toml, MOONRUN_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/caffeineduck/moonrun/executor"
	"github.com/caffeineduck/moonrun/hostfunc"
	"github.com/caffeineduck/moonrun/wasi"
)

const (
	// AppName names the config directory.
	AppName = "moonrun"
	// FileName is the config file looked up in Dir.
	FileName = "config.toml"
	// EnvPrefix prefixes environment overrides, e.g. MOONRUN_TIMEOUT.
	EnvPrefix = "MOONRUN"
)

// Config holds the settings shared by run, repl and standalone executables.
type Config struct {
	Verbose bool `mapstructure:"verbose"`
	// Timeout bounds each script run and each wasm guest. Zero means no
	// limit for scripts and the runner default for guests.
	Timeout    time.Duration `mapstructure:"timeout"`
	KV         bool          `mapstructure:"kv"`
	AllowHosts []string      `mapstructure:"allow_hosts"`
	Mounts     []string      `mapstructure:"mounts"`
	Wasm       WasmConfig    `mapstructure:"wasm"`
}

// WasmConfig configures @std/wasm.
type WasmConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	NoCache     bool   `mapstructure:"no_cache"`
	CacheDir    string `mapstructure:"cache_dir"`
	MemoryLimit string `mapstructure:"memory_limit"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Wasm: WasmConfig{
			Enabled:     true,
			MemoryLimit: "256mb",
		},
	}
}

// LoadOptions controls where Load looks.
type LoadOptions struct {
	// File is an explicit config file. It must exist.
	File string
	// Dir replaces the platform config directory.
	Dir string
	// Flags are bound over the file and environment. Only flags the user
	// set take effect.
	Flags *pflag.FlagSet
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"verbose":    "verbose",
	"timeout":    "timeout",
	"kv":         "kv",
	"allow-host": "allow_hosts",
	"mount":      "mounts",
	"memory":     "wasm.memory_limit",
	"no-cache":   "wasm.no_cache",
}

// Dir returns $XDG_CONFIG_HOME/moonrun or the platform equivalent.
func Dir() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, AppName), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config directory: %w", err)
	}
	return filepath.Join(dir, AppName), nil
}

// Load resolves the configuration and returns it with the path of the file
// it read, empty when none was found.
func Load(opts LoadOptions) (*Config, string, error) {
	v := viper.New()

	defaults := Default()
	v.SetDefault("verbose", defaults.Verbose)
	v.SetDefault("timeout", defaults.Timeout)
	v.SetDefault("kv", defaults.KV)
	v.SetDefault("allow_hosts", defaults.AllowHosts)
	v.SetDefault("mounts", defaults.Mounts)
	v.SetDefault("wasm.enabled", defaults.Wasm.Enabled)
	v.SetDefault("wasm.no_cache", defaults.Wasm.NoCache)
	v.SetDefault("wasm.cache_dir", defaults.Wasm.CacheDir)
	v.SetDefault("wasm.memory_limit", defaults.Wasm.MemoryLimit)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, err := configFile(opts)
	if err != nil {
		return nil, "", err
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if opts.Flags != nil {
		if err := bindFlags(v, opts.Flags); err != nil {
			return nil, "", err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("parse config: %w", err)
	}
	if opts.Flags != nil {
		// --no-wasm inverts wasm.enabled, so it cannot be bound directly.
		if f := opts.Flags.Lookup("no-wasm"); f != nil && f.Changed && f.Value.String() == "true" {
			cfg.Wasm.Enabled = false
		}
	}
	return &cfg, path, nil
}

func configFile(opts LoadOptions) (string, error) {
	if opts.File != "" {
		if _, err := os.Stat(opts.File); err != nil {
			return "", fmt.Errorf("config file not found: %w", err)
		}
		return opts.File, nil
	}

	dir := opts.Dir
	if dir == "" {
		var err error
		if dir, err = Dir(); err != nil {
			return "", err
		}
	}
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("stat config: %w", err)
	}
	return path, nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// ParsedMounts parses the virtual:host:mode mount specs.
func (c *Config) ParsedMounts() ([]hostfunc.Mount, error) {
	mounts := make([]hostfunc.Mount, 0, len(c.Mounts))
	for _, spec := range c.Mounts {
		m, err := hostfunc.ParseMount(spec)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

// WasmOptions translates the wasm section into runner options.
func (c *Config) WasmOptions() ([]wasi.Option, error) {
	pages, err := wasi.ParseMemoryLimit(c.Wasm.MemoryLimit)
	if err != nil {
		return nil, err
	}

	var opts []wasi.Option
	if c.Timeout > 0 {
		opts = append(opts, wasi.WithTimeout(c.Timeout))
	}
	if pages > 0 {
		opts = append(opts, wasi.WithMemoryLimit(pages))
	}
	if !c.Wasm.NoCache {
		opts = append(opts, wasi.WithDiskCache(c.Wasm.CacheDir))
	}
	return opts, nil
}

// Std builds the capability configuration for scripts started with args.
func (c *Config) Std(args []string) (executor.StdConfig, error) {
	mounts, err := c.ParsedMounts()
	if err != nil {
		return executor.StdConfig{}, err
	}

	std := executor.StdConfig{
		Mounts:   mounts,
		KV:       c.KV,
		KVConfig: hostfunc.DefaultKVConfig(),
		HTTP:     hostfunc.HTTPConfig{AllowedHosts: c.AllowHosts},
		Wasm:     c.Wasm.Enabled,
		Args:     args,
	}
	if std.Wasm {
		if std.WasmOptions, err = c.WasmOptions(); err != nil {
			return executor.StdConfig{}, err
		}
	}
	return std, nil
}
