// Package scripts is the in-memory script table consulted before the
// filesystem when resolving require requests.
//
// Keys are absolute, lexically normalized paths. A Store is filled by a
// builder before any script runs and is read-only afterwards.
package scripts

import (
	"path/filepath"
	"sort"
	"strings"
)

// Extensions are the probe extensions, in lookup order.
var Extensions = []string{"luau", "lua"}

// Store maps absolute paths to script bytes.
type Store struct {
	scripts map[string][]byte
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{scripts: make(map[string][]byte)}
}

// Insert adds or replaces the script at path. The path is normalized; callers
// are expected to pass absolute paths.
func (s *Store) Insert(path string, content []byte) {
	s.scripts[Normalize(path)] = content
}

// Lookup finds the script for path, trying the exact key, then the path with
// its extension replaced by each of [Extensions]. It returns the key that
// matched.
func (s *Store) Lookup(path string) (key string, content []byte, ok bool) {
	path = Normalize(path)
	if content, ok := s.scripts[path]; ok {
		return path, content, true
	}
	for _, ext := range Extensions {
		candidate := WithExtension(path, ext)
		if content, ok := s.scripts[candidate]; ok {
			return candidate, content, true
		}
	}
	return "", nil, false
}

// Len returns the number of scripts.
func (s *Store) Len() int {
	return len(s.scripts)
}

// Paths lists the keys in sorted order.
func (s *Store) Paths() []string {
	paths := make([]string, 0, len(s.scripts))
	for p := range s.scripts {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Normalize resolves "." and ".." lexically. Symlinks are not followed.
func Normalize(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}

// WithExtension replaces the extension of the final path element with ext,
// or adds it when there is none. A leading dot does not start an extension,
// so ".env" becomes ".env.luau".
func WithExtension(path, ext string) string {
	dir, file := filepath.Split(path)
	if file == "" {
		return path
	}
	if i := strings.LastIndexByte(file, '.'); i > 0 {
		file = file[:i]
	}
	return dir + file + "." + ext
}

// AppendExtension adds ext after whatever extension the path already has,
// turning "mod.spec" into "mod.spec.luau".
func AppendExtension(path, ext string) string {
	return path + "." + ext
}
