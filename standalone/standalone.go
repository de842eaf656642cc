package standalone

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/caffeineduck/moonrun/globals"
)

// Check reads the trailer of the executable at path. Only the tail of the
// file is read.
func Check(fsys afero.Fs, path string) (*Metadata, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open executable: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat executable: %w", err)
	}
	return parse(f, info.Size())
}

// CheckSelf checks the currently running executable.
func CheckSelf() (*Metadata, string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, "", fmt.Errorf("locate executable: %w", err)
	}
	m, err := Check(afero.NewOsFs(), exe)
	return m, exe, err
}

// Install registers every packaged script in the builder's virtual store at
// cwd joined with its packaged path, and returns the entry script with its
// absolute path.
func Install(b *globals.Builder, cwd string, m *Metadata) (entryPath string, entry Script, err error) {
	entry, err = m.Entry()
	if err != nil {
		return "", Script{}, err
	}

	for _, s := range m.Scripts {
		b.WithScript(InstallPath(cwd, s.Path), s.Bytecode)
	}
	return InstallPath(cwd, entry.Path), entry, nil
}

// InstallPath is the virtual store path for a packaged script path.
func InstallPath(cwd, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(cwd, path)
}

// WriteExecutable writes image to path with executable permissions.
func WriteExecutable(fsys afero.Fs, path string, image []byte) error {
	if err := afero.WriteFile(fsys, path, image, 0o755); err != nil {
		return fmt.Errorf("write executable: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := fsys.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("chmod executable: %w", err)
	}
	return nil
}
