package resolver

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/moonrun/scripts"
)

// candidate is one filesystem path to probe, with its display form.
type candidate struct {
	abs string
	rel string
}

// resolvePaths turns a request made by the script at source into an absolute
// path and a display path. Relative requests are joined to the directory of
// source; an empty source means the working directory.
func resolvePaths(cwd, source, request string) (abs, rel string, err error) {
	if request == "" {
		return "", "", fmt.Errorf("%w: empty path", ErrInvalidRequest)
	}

	if filepath.IsAbs(request) {
		abs = scripts.Normalize(request)
	} else {
		dir := cwd
		if source != "" {
			dir = filepath.Dir(source)
		}
		abs = scripts.Normalize(filepath.Join(dir, filepath.FromSlash(request)))
	}

	return abs, displayPath(cwd, abs), nil
}

// displayPath is abs relative to cwd, or abs itself when that is not possible.
func displayPath(cwd, abs string) string {
	if cwd == "" {
		return abs
	}
	rel, err := filepath.Rel(cwd, abs)
	if err != nil {
		return abs
	}
	return rel
}

// candidates lists the probe order for a filesystem request: the exact path,
// the path with .luau then .lua appended, then init.luau and init.lua inside
// the directory named by the path.
func candidates(abs, rel string) []candidate {
	out := make([]candidate, 0, 1+2*len(scripts.Extensions))
	out = append(out, candidate{abs: abs, rel: rel})
	for _, ext := range scripts.Extensions {
		out = append(out, candidate{
			abs: scripts.AppendExtension(abs, ext),
			rel: scripts.AppendExtension(rel, ext),
		})
	}
	for _, ext := range scripts.Extensions {
		out = append(out, candidate{
			abs: scripts.AppendExtension(filepath.Join(abs, "init"), ext),
			rel: scripts.AppendExtension(filepath.Join(rel, "init"), ext),
		})
	}
	return out
}

// parseLibrary splits "@alias/name" into its parts. The name may itself
// contain slashes.
func parseLibrary(request string) (alias, name string, err error) {
	rest := strings.TrimPrefix(request, "@")
	alias, name, ok := strings.Cut(rest, "/")
	if !ok || alias == "" || name == "" {
		return "", "", fmt.Errorf("%w: %q must have the form @alias/name", ErrInvalidRequest, request)
	}
	return alias, name, nil
}

func libraryKey(alias, name string) string {
	return "@" + alias + "/" + name
}
