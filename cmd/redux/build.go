package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/redux-build/redux/internal/artifacts"
	"github.com/redux-build/redux/internal/buildengine"
	"github.com/redux-build/redux/internal/buildid"
	"github.com/redux-build/redux/internal/filestamp"
	"github.com/redux-build/redux/internal/jobserver"
	"github.com/redux-build/redux/internal/progress"
	"github.com/redux-build/redux/internal/trace"
)

// envVarForce mirrors redux build --force, letting a parent build
// force every recursive child build too.
const envVarForce = "REDUX_FORCE"

// buildOptions holds the flags for "redux build".
type buildOptions struct {
	always  bool
	after   time.Duration
	envVars []string
	stamp   bool
	force   bool
	jobs    int
	targets []string
}

func newBuildCmd() *cobra.Command {
	opts := &buildOptions{jobs: runtime.NumCPU()}

	cmd := &cobra.Command{
		Use:   "build [paths...]",
		Short: "Make sure the given files are up-to-date",
		Long: `Make sure the given files are up-to-date. If possible, redux restores
pre-built copies of the requested files. If not, the files are built based
on their rule scripts.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			opts.targets = args
			return runBuild(opts)
		},
	}

	cmd.Flags().BoolVar(&opts.always, "always", false, "Mark this job's output as volatile")
	cmd.Flags().DurationVar(&opts.after, "after", 0, "Allow this job's output to be re-used for this length of time")
	cmd.Flags().StringSliceVarP(&opts.envVars, "env-var", "e", nil, "Mark the given env var as contributing to the behaviour of this job")
	cmd.Flags().BoolVarP(&opts.stamp, "stamp", "s", false, "Mark some data as a dependency of the current job (reads from stdin)")
	cmd.Flags().BoolVarP(&opts.force, "force", "f", false, "Don't re-use any files from the build cache (recursive)")
	cmd.Flags().IntVarP(&opts.jobs, "jobs", "j", opts.jobs, "Limit parallelism to this many jobs (uses all cores by default)")

	return cmd
}

// runBuild is the entry point for both the top-level build invocation
// and every child rule process's own "redux build" calls.
func runBuild(opts *buildOptions) error {
	if opts.always && opts.after != 0 {
		return fmt.Errorf("--always and --after are mutually exclusive")
	}

	e, err := discoverEnv()
	if err != nil {
		return err
	}

	needsJobserver := len(opts.targets) > opts.jobs
	var jsClient jobserver.Client
	if needsJobserver {
		jsClient, err = jobserver.EnsureJobserver(opts.jobs)
		if err != nil {
			return err
		}
	}

	force := opts.force || os.Getenv(envVarForce) != ""
	if force {
		if err := os.Setenv(envVarForce, "1"); err != nil {
			return err
		}
	}
	topLevel := os.Getenv(trace.EnvVarTracefile) == ""

	tf, err := trace.Current(e)
	if err != nil {
		return err
	}

	if err := declareVolatility(tf, opts); err != nil {
		return err
	}

	for _, key := range opts.envVars {
		val, ok := os.LookupEnv(key)
		if !ok {
			return fmt.Errorf("env var %s is not set", key)
		}
		if err := trace.AppendEnvVar(tf, trace.EnvVar{Key: key, Val: val}); err != nil {
			return err
		}
	}

	if opts.stamp {
		hash, err := filestamp.HashReader(os.Stdin)
		if err != nil {
			return err
		}
		if err := trace.AppendData(tf, string(hash)); err != nil {
			return err
		}
	}

	ctx, cancel := rootContext()
	defer cancel()

	eng, err := buildengine.New(e)
	if err != nil {
		return err
	}

	showProgress := topLevel && len(opts.targets) > 1
	if err := buildTargetsConcurrently(ctx, eng, tf, opts.targets, jsClient, needsJobserver, force, showProgress); err != nil {
		return err
	}

	return maybeBailOut(eng, tf, force)
}

func declareVolatility(tf *trace.File, opts *buildOptions) error {
	switch {
	case opts.always:
		id, err := buildid.Current()
		if err != nil {
			return err
		}
		return trace.AppendValidFor(tf, id)
	case opts.after != 0:
		return trace.AppendValidUntil(tf, time.Now().Add(opts.after))
	default:
		return nil
	}
}

// buildTargetsConcurrently builds every target in its own goroutine,
// bounded by a jobserver token when one is in play, and appends each
// target's resulting source/generated line to the tracefile as it
// completes. Every goroutine shares the one Engine built for this
// invocation, so the rule tree is scanned (and, via internal/rulecache,
// memoized) exactly once per process rather than once per target —
// concurrent rescans would otherwise contend on the same rulecache
// BoltDB file.
func buildTargetsConcurrently(ctx context.Context, eng *buildengine.Engine, tf *trace.File, targets []string, js jobserver.Client, needsJobserver, force, showProgress bool) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		done     uint64
	)

	bar := progress.New(showProgress, int64(len(targets)))
	defer bar.Finish(progressLabel("done"))

	for _, raw := range targets {
		raw := raw
		wg.Add(1)
		go func() {
			defer wg.Done()

			if needsJobserver {
				token, err := js.Acquire(ctx)
				if err != nil {
					recordErr(&mu, &firstErr, err)
					return
				}
				defer token.Release()
			}

			bar.Describe(progressLabel(raw))
			stamp, isSource, err := buildOneTarget(ctx, eng, raw, force)
			if err != nil {
				log.Error().Err(err).Str("target", raw).Msg("build failed")
				recordErr(&mu, &firstErr, err)
				return
			}

			mu.Lock()
			defer mu.Unlock()
			if isSource {
				err = trace.AppendSource(tf, stamp)
			} else {
				err = trace.AppendGenerated(tf, stamp)
			}
			if err != nil {
				recordErrLocked(&firstErr, err)
				return
			}
			done++
			bar.Describe(progressLabel(fmt.Sprintf("%s (%s)", raw, humanizeSize(stamp))))
			bar.Set(done)
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return fmt.Errorf("one of the build jobs failed: %w", firstErr)
	}
	return nil
}

// progressLabel adapts a plain string to fmt.Stringer for progress.Bar,
// which takes a Stringer so callers can defer formatting until the bar
// actually renders.
type progressLabel string

func (p progressLabel) String() string { return string(p) }

// humanizeSize renders a completed target's size for the progress bar,
// falling back to a bare "?" if the file has already disappeared by
// the time we go to stat it.
func humanizeSize(stamp filestamp.Stamp) string {
	info, err := os.Stat(stamp.Path.Abs())
	if err != nil {
		return "?"
	}
	return humanize.IBytes(uint64(info.Size()))
}

func recordErr(mu *sync.Mutex, slot *error, err error) {
	mu.Lock()
	defer mu.Unlock()
	recordErrLocked(slot, err)
}

func recordErrLocked(slot *error, err error) {
	if *slot == nil {
		*slot = err
	}
}

func buildOneTarget(ctx context.Context, eng *buildengine.Engine, raw string, force bool) (filestamp.Stamp, bool, error) {
	target, err := resolveTarget(eng.Env, raw)
	if err != nil {
		return filestamp.Stamp{}, false, err
	}

	isSource, err := eng.IsSource(ctx, target)
	if err != nil {
		return filestamp.Stamp{}, false, err
	}

	if !isSource {
		if err := eng.Build(ctx, target, force); err != nil {
			return filestamp.Stamp{}, false, err
		}
	}

	stamp, err := filestamp.Take(target)
	if err != nil {
		return filestamp.Stamp{}, false, err
	}
	store, err := artifacts.New(eng.Env)
	if err != nil {
		return filestamp.Stamp{}, false, err
	}
	if err := store.Insert(stamp); err != nil {
		return filestamp.Stamp{}, false, err
	}

	return stamp, isSource, nil
}

// maybeBailOut checks whether the job currently in scope now has a
// valid trace (one of its sibling targets may have just produced it)
// and, if so, exits 102 so the rule script's caller knows to treat
// this as a no-op.
func maybeBailOut(eng *buildengine.Engine, tf *trace.File, force bool) error {
	if force || tf == nil {
		return nil
	}
	restored, err := eng.TryRestore(tf.Job)
	if err != nil {
		return err
	}
	if restored {
		log.Info().Str("target", tf.Job.Target.String()).Msg("looks like we can bail out at this point")
		os.Exit(102)
	}
	return nil
}
