// Package vcs answers the one version-control question redux needs
// resolved: is this path checked in, or did the build produce it?
package vcs

import (
	"context"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/redux-build/redux/internal/depgraph"
	"github.com/redux-build/redux/internal/env"
	"github.com/redux-build/redux/internal/filestamp"
	"github.com/redux-build/redux/internal/localpath"
)

// IsTracked reports whether p is checked into the git index. Shelling
// out to "git ls-files" is deliberate: the pack carries no pure-Go
// git-plumbing library suited to a single boolean membership check,
// and redux already requires a git worktree to locate its own
// storage directory, so the dependency is already present on the
// host.
func IsTracked(ctx context.Context, e *env.Env, p localpath.Path) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "ls-files", "--error-unmatch", "--", p.String())
	cmd.Dir = e.Root
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IsSource classifies p as a source file (true) or a generated
// artifact (false): checked-in paths are always sources; otherwise a
// path that does not exist on disk, or that redux has recorded as an
// output of some trace, is generated; anything else is treated as a
// source, with a warning logged here,
// matching the "assume it's a source, but ask the user to check it in"
// posture of the system this was modelled on.
func IsSource(ctx context.Context, e *env.Env, p localpath.Path) (bool, error) {
	tracked, err := IsTracked(ctx, e, p)
	if err != nil {
		return false, err
	}
	if tracked {
		return true, nil
	}

	stamp, err := filestamp.Take(p)
	if err != nil {
		// Doesn't exist on disk yet: treat as generated, the engine
		// will build it.
		return false, nil
	}

	graph, err := depgraph.LoadAll(e)
	if err != nil {
		return false, err
	}
	for _, o := range graph.Outputs() {
		if o.Path.Equal(stamp.Path) && o.Hash == stamp.Hash {
			return false, nil
		}
	}

	log.Warn().Str("path", p.String()).Msg("assumed source; check it in to silence this warning")
	return true, nil
}
