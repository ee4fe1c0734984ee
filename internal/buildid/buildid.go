// Package buildid identifies a single top-level build invocation,
// shared with recursive sub-builds through an environment variable so
// they can recognise they're part of the same run.
package buildid

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

// EnvVar is the environment variable a parent build exports so that
// child "redux build" invocations (launched by a rule script) know
// they're part of the same top-level build.
const EnvVar = "REDUX_BUILD_ID"

// ID identifies one build invocation.
type ID uuid.UUID

// New mints a fresh, random build id.
func New() ID {
	return ID(uuid.New())
}

// String renders the canonical UUID form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

var (
	mintOnce sync.Once
	minted   ID
)

// Current returns the build id found in the environment, or, if this
// process is the top of the build (no REDUX_BUILD_ID set), an id minted
// on the first call and returned again by every later call.
func Current() (ID, error) {
	id, ok, err := current()
	if err != nil {
		return ID{}, err
	}
	if !ok {
		mintOnce.Do(func() { minted = New() })
		return minted, nil
	}
	return id, nil
}

// IsCurrent reports whether id matches the build id in the environment,
// i.e. whether this process was spawned as part of the build that
// owns id.
func IsCurrent(id ID) bool {
	current, ok, err := current()
	if err != nil || !ok {
		return false
	}
	return current == id
}

func current() (ID, bool, error) {
	raw, set := os.LookupEnv(EnvVar)
	if !set {
		return ID{}, false, nil
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return ID{}, false, fmt.Errorf("parse %s=%q: %w", EnvVar, raw, err)
	}
	return ID(parsed), true, nil
}

// Env renders the "KEY=VALUE" pair to pass to a child process.
func Env(id ID) string {
	return fmt.Sprintf("%s=%s", EnvVar, id.String())
}

// Parse parses the canonical UUID text form of a build id, as found in
// a tracefile's "valid_for" line.
func Parse(s string) (ID, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse build id %q: %w", s, err)
	}
	return ID(parsed), nil
}
