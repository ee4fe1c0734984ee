//go:build unix

// Package testfs builds disposable workspace trees for exercising
// redux end-to-end: a temporary git-rooted directory seeded with
// source files and ".do" rule scripts, plus a thin Docker container
// wrapper for the handful of scenarios (cross-device artifact
// restores) that need more than one real filesystem to say anything.
package testfs

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/fs"
	"gotest.tools/v3/icmd"
)

// Workspace is a disposable git-rooted tree for building redux targets
// against in tests.
type Workspace struct {
	t    *testing.T
	dir  *fs.Dir
	Root string
}

// New creates an empty git-rooted workspace under a gotest.tools-managed
// temp directory, auto-cleaned at test end. redux locates its own
// storage by walking up for a .git entry, so every e2e-shaped test
// needs one even though it never makes a real commit.
func New(t *testing.T) *Workspace {
	t.Helper()
	dir := fs.NewDir(t, "redux-workspace", fs.WithDir(".git"))
	return &Workspace{t: t, dir: dir, Root: dir.Path()}
}

// WriteFile writes a plain file (a build source, typically) relative
// to the workspace root, creating parent directories as needed.
func (w *Workspace) WriteFile(relPath, content string) {
	w.t.Helper()
	abs := filepath.Join(w.Root, relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		w.t.Fatalf("mkdir for %s: %v", relPath, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		w.t.Fatalf("write %s: %v", relPath, err)
	}
}

// WriteRule writes an executable ".do" rule script relative to the
// workspace root. script receives $1 (rule-relative target), $2
// (target minus the rule's extension), and $3 (path to write the
// build's output to) the way every redux rule script does.
func (w *Workspace) WriteRule(relPath, script string) {
	w.t.Helper()
	abs := filepath.Join(w.Root, relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		w.t.Fatalf("mkdir for %s: %v", relPath, err)
	}
	body := "#!/bin/sh\nset -e\n" + script + "\n"
	if err := os.WriteFile(abs, []byte(body), 0o755); err != nil {
		w.t.Fatalf("write rule %s: %v", relPath, err)
	}
}

// ReadFile reads a file back from the workspace for assertions.
func (w *Workspace) ReadFile(relPath string) string {
	w.t.Helper()
	data, err := os.ReadFile(filepath.Join(w.Root, relPath))
	if err != nil {
		w.t.Fatalf("read %s: %v", relPath, err)
	}
	return string(data)
}

// Exists reports whether relPath exists in the workspace.
func (w *Workspace) Exists(relPath string) bool {
	_, err := os.Stat(filepath.Join(w.Root, relPath))
	return err == nil
}

// RunRedux runs the built redux binary (found via the REDUX_BINARY
// env var, set by the test runner) against this workspace and returns
// its combined output and error, if any. Tests that don't have a
// built binary available should call the internal packages directly
// instead of shelling out through here.
func (w *Workspace) RunRedux(args ...string) (string, error) {
	w.t.Helper()
	bin := os.Getenv("REDUX_BINARY")
	if bin == "" {
		w.t.Skip("REDUX_BINARY not set, skipping binary-level e2e test")
	}
	result := icmd.RunCmd(icmd.Command(bin, args...), icmd.WithDir(w.Root))
	return result.Combined(), result.Error
}
