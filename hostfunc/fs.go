package hostfunc

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/caffeineduck/moonrun/library"
)

// MountMode defines the permission level for a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations.
	MountReadOnly MountMode = iota
	// MountReadWrite allows read and write operations to existing files/dirs.
	MountReadWrite
	// MountReadWriteCreate allows read, write, and create operations.
	MountReadWriteCreate
)

// ParseMountMode accepts "ro", "rw" and "rwc".
func ParseMountMode(s string) (MountMode, error) {
	switch s {
	case "ro", "":
		return MountReadOnly, nil
	case "rw":
		return MountReadWrite, nil
	case "rwc":
		return MountReadWriteCreate, nil
	default:
		return 0, errors.New("invalid mount mode: " + s)
	}
}

// ParseMount parses "virtual:host[:mode]".
func ParseMount(spec string) (Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return Mount{}, errors.New("invalid mount: " + spec + " (want virtual:host[:mode])")
	}
	m := Mount{VirtualPath: parts[0], HostPath: parts[1]}
	if len(parts) == 3 {
		mode, err := ParseMountMode(parts[2])
		if err != nil {
			return Mount{}, err
		}
		m.Mode = mode
	}
	return m, nil
}

// Mount represents a virtual path mapped to a host path with specific permissions.
type Mount struct {
	VirtualPath string    // Path as seen by scripts (e.g., "/data")
	HostPath    string    // Actual path on the host filesystem
	Mode        MountMode // Permission level
}

type mounted struct {
	Mount
	fs afero.Fs
}

// FS provides filesystem operations with explicit mount points. Each mount
// is a base-path view of the host filesystem, so paths cannot escape it.
type FS struct {
	mounts []mounted
}

// NewFS creates a filesystem handler over the OS filesystem.
func NewFS(mounts ...Mount) *FS {
	return NewFSOn(afero.NewOsFs(), mounts...)
}

// NewFSOn creates a filesystem handler over base.
func NewFSOn(base afero.Fs, mounts ...Mount) *FS {
	normalized := make([]mounted, 0, len(mounts))
	for _, m := range mounts {
		vp := "/" + strings.Trim(m.VirtualPath, "/")
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		normalized = append(normalized, mounted{
			Mount: Mount{VirtualPath: vp, HostPath: hp, Mode: m.Mode},
			fs:    afero.NewBasePathFs(base, hp),
		})
	}
	// Longest virtual path first, so nested mounts win.
	sort.SliceStable(normalized, func(i, j int) bool {
		return len(normalized[i].VirtualPath) > len(normalized[j].VirtualPath)
	})
	return &FS{mounts: normalized}
}

// Mounts returns the normalized mounts.
func (f *FS) Mounts() []Mount {
	out := make([]Mount, len(f.mounts))
	for i, m := range f.mounts {
		out[i] = m.Mount
	}
	return out
}

// resolve maps a virtual path to a mount and a path inside it. The path is
// cleaned first, so ".." can never leave the mount it resolves to.
func (f *FS) resolve(virtualPath string, needWrite bool) (*mounted, string, error) {
	vp := path.Clean("/" + strings.TrimPrefix(virtualPath, "/"))

	for i := range f.mounts {
		m := &f.mounts[i]
		if !within(vp, m.VirtualPath) {
			continue
		}
		if needWrite && m.Mode == MountReadOnly {
			return nil, "", errors.New("permission denied: read-only mount")
		}

		rel := strings.TrimPrefix(vp, m.VirtualPath)
		return m, "/" + strings.TrimPrefix(rel, "/"), nil
	}

	return nil, "", errors.New("permission denied: path not in any mount")
}

func within(p, dir string) bool {
	return dir == "/" || p == dir || strings.HasPrefix(p, dir+"/")
}

// Read returns the contents of a file.
func (f *FS) Read(ctx context.Context, args map[string]any) (any, error) {
	p, ok := stringAt(args, "path", 0)
	if !ok {
		return nil, errors.New("path required")
	}

	m, rel, err := f.resolve(p, false)
	if err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(m.fs, rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.New("file not found: " + p)
		}
		return nil, errors.New("read error: " + err.Error())
	}

	return string(data), nil
}

// Write writes content to a file. MountReadWrite only allows replacing
// existing files.
func (f *FS) Write(ctx context.Context, args map[string]any) (any, error) {
	return f.write(args, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

// Append adds content to the end of a file.
func (f *FS) Append(ctx context.Context, args map[string]any) (any, error) {
	return f.write(args, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
}

func (f *FS) write(args map[string]any, flag int) (any, error) {
	p, ok := stringAt(args, "path", 0)
	if !ok {
		return nil, errors.New("path required")
	}
	content, ok := stringAt(args, "content", 1)
	if !ok {
		return nil, errors.New("content required")
	}

	m, rel, err := f.resolve(p, true)
	if err != nil {
		return nil, err
	}

	if _, statErr := m.fs.Stat(rel); errors.Is(statErr, fs.ErrNotExist) && m.Mode != MountReadWriteCreate {
		return nil, errors.New("permission denied: cannot create new files")
	}

	file, err := m.fs.OpenFile(rel, flag, 0o644)
	if err != nil {
		return nil, errors.New("write error: " + err.Error())
	}
	if _, err := file.WriteString(content); err != nil {
		file.Close()
		return nil, errors.New("write error: " + err.Error())
	}
	if err := file.Close(); err != nil {
		return nil, errors.New("write error: " + err.Error())
	}

	return "ok", nil
}

// List returns the contents of a directory, sorted by name.
func (f *FS) List(ctx context.Context, args map[string]any) (any, error) {
	p, ok := stringAt(args, "path", 0)
	if !ok {
		return nil, errors.New("path required")
	}

	m, rel, err := f.resolve(p, false)
	if err != nil {
		return nil, err
	}

	entries, err := afero.ReadDir(m.fs, rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.New("directory not found: " + p)
		}
		return nil, errors.New("list error: " + err.Error())
	}

	result := make([]any, 0, len(entries))
	for _, info := range entries {
		result = append(result, map[string]any{
			"name":   info.Name(),
			"is_dir": info.IsDir(),
			"size":   info.Size(),
		})
	}

	return result, nil
}

// Exists checks if a path exists. Paths outside every mount do not exist.
func (f *FS) Exists(ctx context.Context, args map[string]any) (any, error) {
	p, ok := stringAt(args, "path", 0)
	if !ok {
		return nil, errors.New("path required")
	}

	m, rel, err := f.resolve(p, false)
	if err != nil {
		return false, nil
	}

	_, err = m.fs.Stat(rel)
	return err == nil, nil
}

// Mkdir creates a directory and any missing parents.
func (f *FS) Mkdir(ctx context.Context, args map[string]any) (any, error) {
	p, ok := stringAt(args, "path", 0)
	if !ok {
		return nil, errors.New("path required")
	}

	m, rel, err := f.resolve(p, true)
	if err != nil {
		return nil, err
	}
	if m.Mode != MountReadWriteCreate {
		return nil, errors.New("permission denied: cannot create directories")
	}

	if err := m.fs.MkdirAll(rel, 0o755); err != nil {
		return nil, errors.New("mkdir error: " + err.Error())
	}

	return "ok", nil
}

// Remove deletes a file or empty directory.
func (f *FS) Remove(ctx context.Context, args map[string]any) (any, error) {
	p, ok := stringAt(args, "path", 0)
	if !ok {
		return nil, errors.New("path required")
	}

	m, rel, err := f.resolve(p, true)
	if err != nil {
		return nil, err
	}

	if err := m.fs.Remove(rel); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.New("file not found: " + p)
		}
		if strings.Contains(err.Error(), "directory not empty") {
			return nil, errors.New("directory not empty: " + p)
		}
		return nil, errors.New("remove error: " + err.Error())
	}

	return "ok", nil
}

// Stat returns information about a file or directory.
func (f *FS) Stat(ctx context.Context, args map[string]any) (any, error) {
	p, ok := stringAt(args, "path", 0)
	if !ok {
		return nil, errors.New("path required")
	}

	m, rel, err := f.resolve(p, false)
	if err != nil {
		return nil, err
	}

	info, err := m.fs.Stat(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.New("file not found: " + p)
		}
		return nil, errors.New("stat error: " + err.Error())
	}

	return map[string]any{
		"name":     info.Name(),
		"size":     info.Size(),
		"is_dir":   info.IsDir(),
		"mod_time": info.ModTime().Unix(),
	}, nil
}

// Namespace exposes the mounts as @std/fs.
func (f *FS) Namespace() library.Namespace {
	return library.Namespace{
		"read":   Func(f.Read),
		"write":  Func(f.Write),
		"append": Func(f.Append),
		"list":   Func(f.List),
		"exists": Func(f.Exists),
		"mkdir":  Func(f.Mkdir),
		"remove": Func(f.Remove),
		"stat":   Func(f.Stat),
	}
}
