// Package env holds the process-wide paths redux needs and threads them
// explicitly instead of hiding them behind package-level singletons.
//
// The original implementation kept the workspace root, the redux
// directory, and the artifacts/traces subdirectories as lazily
// initialized globals. redux
// consolidates them into a single Env value built once at program
// entry and passed down through the components that need it.
package env

import (
	"fmt"
	"os"
	"path/filepath"
)

// Env is the set of absolute paths every component needs to do its job.
// It never changes during a run.
type Env struct {
	// Root is the workspace root: the directory containing .git.
	Root string
	// ReduxDir is Root/.git/redux.
	ReduxDir string
	// ArtifactsDir is ReduxDir/artifacts.
	ArtifactsDir string
	// TracesDir is ReduxDir/traces.
	TracesDir string
}

// Discover walks upward from dir looking for a .git entry (file or
// directory, so that worktrees and submodules are recognised) and
// returns an Env rooted there. It creates the redux/artifacts/traces
// directories if they don't already exist.
func Discover(dir string) (*Env, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", dir, err)
	}

	root, err := findGitRoot(abs)
	if err != nil {
		return nil, err
	}

	return New(root)
}

// New builds an Env rooted at the given workspace root, creating the
// redux/artifacts/traces directories if needed.
func New(root string) (*Env, error) {
	reduxDir := filepath.Join(root, ".git", "redux")
	artifactsDir := filepath.Join(reduxDir, "artifacts")
	tracesDir := filepath.Join(reduxDir, "traces")

	for _, d := range []string{artifactsDir, tracesDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}

	return &Env{
		Root:         root,
		ReduxDir:     reduxDir,
		ArtifactsDir: artifactsDir,
		TracesDir:    tracesDir,
	}, nil
}

func findGitRoot(start string) (string, error) {
	dir := start
	for {
		gitPath := filepath.Join(dir, ".git")
		if _, err := os.Stat(gitPath); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s: not inside a git workspace (no .git found)", start)
		}
		dir = parent
	}
}
