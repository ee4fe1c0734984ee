package main

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/redux-build/redux/internal/trace"
)

// newWatchCmd watches an in-progress build's tracefile, printing its
// job and fold every time the tracefile changes. Event-driven via
// fsnotify rather than polling: watching the tracefile's parent
// directory catches both writes and its eventual rename into the
// traces directory on commit.
func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <path>",
		Short: "Watch an in-progress build",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runWatch(args[0])
		},
	}
}

func runWatch(targetArg string) error {
	e, err := discoverEnv()
	if err != nil {
		return err
	}
	target, err := resolveTarget(e, targetArg)
	if err != nil {
		return err
	}

	tracePath := filepath.Join(filepath.Dir(target.Abs()), fmt.Sprintf(".redux_%s.trace", target.Base()))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(tracePath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(tracePath), err)
	}

	printOnce := func() error {
		job, t, err := trace.Read(e, tracePath)
		if err != nil {
			return nil // tracefile may not exist yet, or may have just been renamed away
		}
		fmt.Printf("%s %+v\n", job, t)
		return nil
	}
	if err := printOnce(); err != nil {
		return err
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != tracePath {
				continue
			}
			if err := printOnce(); err != nil {
				return err
			}
			if event.Op&fsnotify.Rename != 0 {
				// The tracefile was just renamed into the traces
				// directory: the build has committed.
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
