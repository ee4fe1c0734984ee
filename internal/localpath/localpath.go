// Package localpath implements paths expressed relative to a workspace
// root, the unit every other redux component uses to identify files.
package localpath

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/redux-build/redux/internal/env"
)

// Path is a slash-separated path relative to the workspace root. A
// Path made by From never contains "..": From canonicalises against
// the root before re-expressing the result relative to it, and returns
// an error for a path that lies outside the root.
type Path struct {
	e   *env.Env
	rel string // slash-separated, relative to e.Root
}

// From resolves p (absolute or relative to the process CWD) against
// the workspace root in e and returns the equivalent Path.
func From(e *env.Env, p string) (Path, error) {
	abs := p
	if !filepath.IsAbs(abs) {
		var err error
		abs, err = filepath.Abs(abs)
		if err != nil {
			return Path{}, err
		}
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	rel, err := filepath.Rel(e.Root, abs)
	if err != nil {
		return Path{}, err
	}
	rel = filepath.ToSlash(filepath.Clean(rel))
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return Path{}, fmt.Errorf("%s is outside the workspace root %s", p, e.Root)
	}
	return Path{e: e, rel: rel}, nil
}

// New builds a Path directly from a root-relative string, without
// touching the filesystem. Used when parsing serialised forms
// (tracefiles, JobSpecs) where the path is already root-relative.
func New(e *env.Env, rel string) Path {
	return Path{e: e, rel: filepath.ToSlash(filepath.Clean(rel))}
}

// String renders the root-relative, slash-separated form.
func (p Path) String() string { return p.rel }

// Abs returns the absolute filesystem path.
func (p Path) Abs() string {
	return filepath.Join(p.e.Root, filepath.FromSlash(p.rel))
}

// Base returns the final path component.
func (p Path) Base() string { return filepath.Base(p.rel) }

// Dir returns the parent directory as a Path. Calling Dir on the
// workspace root itself returns the root again.
func (p Path) Dir() Path {
	dir := filepath.ToSlash(filepath.Dir(p.rel))
	if dir == "." {
		dir = ""
	}
	return Path{e: p.e, rel: dir}
}

// Join appends a slash-separated component and returns the result.
func (p Path) Join(component string) Path {
	return Path{e: p.e, rel: filepath.ToSlash(filepath.Join(p.rel, component))}
}

// RelativeTo expresses p as a path relative to other (e.g. the
// directory containing a rule script), for use as $1/$2 rule
// arguments.
func (p Path) RelativeTo(other Path) string {
	rel, err := filepath.Rel(filepath.FromSlash(other.rel), filepath.FromSlash(p.rel))
	if err != nil {
		return p.rel
	}
	return filepath.ToSlash(rel)
}

// Depth returns the number of path components (the root itself has
// depth 0).
func (p Path) Depth() int {
	if p.rel == "" || p.rel == "." {
		return 0
	}
	return len(strings.Split(p.rel, "/"))
}

// Exists reports whether the file exists on disk (following symlinks).
func (p Path) Exists() bool {
	_, err := os.Stat(p.Abs())
	return err == nil
}

// Equal reports structural equality (same root-relative path).
func (p Path) Equal(other Path) bool { return p.rel == other.rel }

// Less implements the lexicographic-on-components ordering required by
// spec.md §3.
func (p Path) Less(other Path) bool {
	return slices.Compare(strings.Split(p.rel, "/"), strings.Split(other.rel, "/")) < 0
}

// SortPaths sorts a slice of Paths lexicographically on components.
func SortPaths(paths []Path) {
	sort.Slice(paths, func(i, j int) bool { return paths[i].Less(paths[j]) })
}
