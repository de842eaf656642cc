package wasi

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Option configures a Runner at creation time.
type Option func(*config)

type config struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // 0 = wazero default (4GB)
	timeout          time.Duration
}

func defaultConfig() config {
	return config{timeout: 30 * time.Second}
}

// WithDiskCache enables a persistent compilation cache. Without a directory
// it uses XDG_CACHE_HOME/moonrun/wasm or ~/.cache/moonrun/wasm.
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps guest memory. Each page is 64KB.
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// WithTimeout bounds a single guest run. Zero disables the limit.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16
	MemoryLimit16MB  uint32 = 256
	MemoryLimit64MB  uint32 = 1024
	MemoryLimit256MB uint32 = 4096
	MemoryLimit1GB   uint32 = 16384
)

// ParseMemoryLimit maps "1mb", "16mb", "64mb", "256mb" and "1gb" to pages.
// The empty string means no limit.
func ParseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return 0, nil
	case "1mb":
		return MemoryLimit1MB, nil
	case "16mb":
		return MemoryLimit16MB, nil
	case "64mb":
		return MemoryLimit64MB, nil
	case "256mb":
		return MemoryLimit256MB, nil
	case "1gb":
		return MemoryLimit1GB, nil
	default:
		return 0, fmt.Errorf("invalid memory limit %q (expected 1mb, 16mb, 64mb, 256mb or 1gb)", s)
	}
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "moonrun", "wasm")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "moonrun", "wasm")
	}
	return filepath.Join(os.TempDir(), "moonrun-wasm-cache")
}
