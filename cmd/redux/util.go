package main

import (
	"context"
	"fmt"

	"github.com/redux-build/redux/internal/env"
	"github.com/redux-build/redux/internal/localpath"
)

// discoverEnv locates the workspace root from the current working
// directory.
func discoverEnv() (*env.Env, error) {
	return env.Discover(".")
}

// resolveTarget turns a CLI-supplied path argument into a localpath.Path
// rooted at e.
func resolveTarget(e *env.Env, arg string) (localpath.Path, error) {
	p, err := localpath.From(e, arg)
	if err != nil {
		return localpath.Path{}, fmt.Errorf("resolve %q: %w", arg, err)
	}
	return p, nil
}

// rootContext is the context used for the lifetime of a single CLI
// invocation. Commands that spawn rule scripts are bounded only by the
// rules themselves finishing, so no deadline is set here — redux has
// no execution-timeout concept (see valid_until, which is a validity
// horizon, not a deadline).
func rootContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}
