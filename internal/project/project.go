// Package project handles moonrun.toml project manifests read by build.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file name.
const FileName = "moonrun.toml"

// ErrNoEntry is returned when a manifest names no entry script.
var ErrNoEntry = errors.New("manifest has no entry script")

// Manifest represents a moonrun.toml file.
type Manifest struct {
	Project Project `toml:"project"`
	Build   Build   `toml:"build"`

	// Dir is the directory containing the manifest (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Entry   string `toml:"entry"`
}

// Build configures the standalone executable.
type Build struct {
	// Scripts are bundled next to the entry. Entries may be glob patterns.
	Scripts []string `toml:"scripts"`
	Output  string   `toml:"output"`
	// Base is the executable the scripts are appended to. Empty means the
	// running moonrun binary.
	Base string `toml:"base"`
}

// Load parses the manifest in dir.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if m.Project.Entry == "" {
		return nil, fmt.Errorf("%s: %w", path, ErrNoEntry)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to the first moonrun.toml and loads
// it. It returns nil when there is none.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Inputs returns the absolute paths of the scripts to bundle, entry first.
// Glob patterns are expanded in lexical order and duplicates dropped.
func (m *Manifest) Inputs() ([]string, error) {
	entry := m.abs(m.Project.Entry)
	inputs := []string{entry}
	seen := map[string]bool{entry: true}

	for _, pattern := range m.Build.Scripts {
		matches := []string{m.abs(pattern)}
		if strings.ContainsAny(pattern, "*?[") {
			var err error
			if matches, err = filepath.Glob(m.abs(pattern)); err != nil {
				return nil, fmt.Errorf("bad script pattern %q: %w", pattern, err)
			}
			if len(matches) == 0 {
				return nil, fmt.Errorf("script pattern %q matches no files", pattern)
			}
			sort.Strings(matches)
		}
		for _, p := range matches {
			if !seen[p] {
				seen[p] = true
				inputs = append(inputs, p)
			}
		}
	}
	return inputs, nil
}

// OutputPath returns the executable to write: build.output, or the entry
// path without its extension.
func (m *Manifest) OutputPath() string {
	if m.Build.Output != "" {
		return m.abs(m.Build.Output)
	}
	entry := m.abs(m.Project.Entry)
	return strings.TrimSuffix(entry, filepath.Ext(entry))
}

// BasePath returns the absolute base executable, or "" for the default.
func (m *Manifest) BasePath() string {
	if m.Build.Base == "" {
		return ""
	}
	return m.abs(m.Build.Base)
}

func (m *Manifest) abs(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(m.Dir, p)
}
