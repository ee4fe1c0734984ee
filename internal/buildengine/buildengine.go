// Package buildengine implements the per-target build lifecycle:
// restore-or-run, child spawn, commit, and the cooperative early-exit
// protocol that lets a rule bail out once its output is already
// up-to-date.
package buildengine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/redux-build/redux/internal/artifacts"
	"github.com/redux-build/redux/internal/buildid"
	"github.com/redux-build/redux/internal/depgraph"
	"github.com/redux-build/redux/internal/env"
	"github.com/redux-build/redux/internal/filestamp"
	"github.com/redux-build/redux/internal/localpath"
	"github.com/redux-build/redux/internal/rerror"
	"github.com/redux-build/redux/internal/ruleset"
	"github.com/redux-build/redux/internal/trace"
	"github.com/redux-build/redux/internal/vcs"
)

// sentinelBailOut is the exit code a rule script uses to say "I
// looked, my output is already current, don't bother committing
// anything new."
const sentinelBailOut = 102

// newLockRetryBackoff builds the exponential backoff schedule the
// engine sleeps through while retrying a TraceFile::create race
// against a sibling process building the same target: a brisk retry at
// first, tapering off so a long-running sibling build doesn't get
// hammered with wakeups.
func newLockRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // retry indefinitely; the caller's context bounds it
	return b
}

// Engine drives builds for one workspace.
type Engine struct {
	Env   *env.Env
	Rules ruleset.Set
}

// New builds an Engine with a freshly scanned rule set.
func New(e *env.Env) (*Engine, error) {
	rules, err := ruleset.ScanForDoFiles(e)
	if err != nil {
		return nil, fmt.Errorf("scan rule set: %w", err)
	}
	return &Engine{Env: e, Rules: rules}, nil
}

// Build makes target up-to-date: restoring it from the artifact store
// when a valid trace exists, otherwise running its rule.
func (eng *Engine) Build(ctx context.Context, target localpath.Path, force bool) error {
	job, ok := eng.Rules.JobFor(target)
	if !ok {
		return &rerror.ConfigError{Err: fmt.Errorf("%s: no rule matching this path", target)}
	}
	log.Debug().Str("rule", job.Rule.String()).Str("target", target.String()).Msg("found rule")

	retry := newLockRetryBackoff()
	for {
		if !force {
			restored, err := eng.TryRestore(job)
			if err != nil {
				return err
			}
			if restored {
				return nil
			}
		}

		tmp, err := createJobTmpFiles(job)
		if err != nil {
			return err
		}
		if tmp != nil {
			return eng.actuallyRun(ctx, job, tmp)
		}

		wait := retry.NextBackOff()
		log.Info().Str("target", target.String()).Dur("retry_in", wait).Msg("a build job is already in progress, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// TryRestore looks for a currently-valid trace for job and, if found,
// restores its output from the artifact store.
func (eng *Engine) TryRestore(job trace.JobSpec) (bool, error) {
	graph, err := depgraph.Load(eng.Env, eng.Rules)
	if err != nil {
		return false, err
	}
	tree, ok, err := graph.ValidTraceFor(job)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	log.Info().Str("target", job.Target.String()).Msg("found an existing trace whose sources are up-to-date")
	log.Info().Msg(depgraph.Render(tree))

	var out filestamp.Stamp
	found := false
	for _, o := range tree.Outputs {
		if o.Path.Equal(job.Target) {
			out, found = o, true
			break
		}
	}
	if !found {
		return false, &rerror.InvariantViolation{Msg: "valid trace has no output matching its own target"}
	}

	store, err := artifacts.New(eng.Env)
	if err != nil {
		return false, err
	}
	if err := store.Restore(out); err != nil {
		return false, err
	}
	return true, nil
}

// jobTmpFiles is the pair of not-yet-committed files (tracefile and
// output) a build produces before its rule finishes. It must be
// cleaned up if the build fails or is abandoned before commit.
type jobTmpFiles struct {
	job       trace.JobSpec
	trace     *trace.File
	out       string
	committed bool
}

func createJobTmpFiles(job trace.JobSpec) (*jobTmpFiles, error) {
	tf, err := trace.Create(job)
	if err != nil {
		return nil, err
	}
	if tf == nil {
		return nil, nil
	}

	out := filepath.Join(filepath.Dir(job.Target.Abs()), fmt.Sprintf(".redux_%s.tmp", job.Target.Base()))
	log.Debug().Str("trace", tf.Path).Str("out", out).Msg("prepared job tmp files")
	return &jobTmpFiles{job: job, trace: tf, out: out}, nil
}

// cleanup removes the tracefile and outfile if the job never
// committed. The outfile goes first: the tracefile is the lock, so it
// must be the last thing to disappear.
func (t *jobTmpFiles) cleanup() {
	if t.committed {
		return
	}
	log.Info().Str("out", t.out).Str("trace", t.trace.Path).Msg("cleaning up abandoned job")
	os.Remove(t.out)
	if err := os.Remove(t.trace.Path); err != nil {
		log.Error().Err(err).Str("trace", t.trace.Path).Msg("failed to clean up tracefile")
	}
}

// commit promotes a successful run's output and tracefile into
// permanent storage: the output is renamed onto the target path, the
// tracefile gains a "produced" line, and the tracefile itself is
// renamed into the traces directory — the step that makes it visible
// to DepGraph.
func (t *jobTmpFiles) commit(e *env.Env) (trace.Trace, error) {
	if _, err := os.Stat(t.out); err != nil {
		return trace.Trace{}, &rerror.InvariantViolation{Msg: "job produced no output"}
	}

	if err := os.Rename(t.out, t.job.Target.Abs()); err != nil {
		return trace.Trace{}, &rerror.FSError{Op: "rename output", Err: err}
	}

	stamp, err := filestamp.Take(t.job.Target)
	if err != nil {
		return trace.Trace{}, err
	}
	store, err := artifacts.New(e)
	if err != nil {
		return trace.Trace{}, err
	}
	if err := store.Insert(stamp); err != nil {
		return trace.Trace{}, err
	}

	if err := trace.Finish(t.trace, stamp); err != nil {
		return trace.Trace{}, err
	}

	traceHash, err := filestamp.New(t.trace.Path)
	if err != nil {
		return trace.Trace{}, err
	}
	newPath := filepath.Join(e.TracesDir, string(traceHash)+".trace")
	if err := os.Rename(t.trace.Path, newPath); err != nil {
		return trace.Trace{}, &rerror.FSError{Op: "publish tracefile", Err: err}
	}
	log.Info().Str("path", newPath).Msg("tracefile moved into traces directory")

	_, finalTrace, err := trace.Read(e, newPath)
	if err != nil {
		return trace.Trace{}, err
	}

	t.committed = true
	return finalTrace, nil
}

// actuallyRun spawns the rule script and applies the commit or
// partial-trace protocol according to its exit code.
func (eng *Engine) actuallyRun(ctx context.Context, job trace.JobSpec, tmp *jobTmpFiles) (err error) {
	defer tmp.cleanup()

	log.Info().Str("target", job.Target.String()).Msg("running rule to build file")

	cmd := job.Rule.Abs()
	jobDir := filepath.Dir(cmd)

	id, err := buildid.Current()
	if err != nil {
		return err
	}

	child := exec.CommandContext(ctx, cmd,
		job.TargetRelativeToRule(),
		job.TargetMinusExtension(),
		tmp.out,
	)
	child.Dir = jobDir
	child.Env = append(os.Environ(),
		trace.EnvVarTracefile+"="+tmp.trace.Path,
		buildid.Env(id),
	)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr

	if err := child.Run(); err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return &rerror.FSError{Op: fmt.Sprintf("spawn %s in %s", cmd, jobDir), Err: err}
		}
		if exitErr.ExitCode() == sentinelBailOut {
			log.Info().Str("target", job.Target.String()).Msg("job bailed out early")
			if !job.Target.Exists() {
				return &rerror.InvariantViolation{Msg: "job bailed out but target doesn't exist"}
			}
			// The job asserted its own output is already current. We
			// don't commit a new trace for it — the tracefile and any
			// leftover outfile are abandoned below, by the deferred
			// cleanup, exactly like any other non-committing exit.
			if _, _, rerr := trace.Read(eng.Env, tmp.trace.Path); rerr != nil {
				return rerr
			}
			return nil
		}
		return &rerror.RuleFailure{Target: job.Target.String(), Err: exitErr}
	}

	_, err = tmp.commit(eng.Env)
	if err != nil {
		return err
	}
	log.Info().Str("target", job.Target.String()).Msg("finished build")
	return nil
}

// IsSource classifies target as checked-in source or redux-generated
// output.
func (eng *Engine) IsSource(ctx context.Context, target localpath.Path) (bool, error) {
	return vcs.IsSource(ctx, eng.Env, target)
}
