//go:build unix

package main

import (
	"testing"
	"time"

	"github.com/redux-build/redux/internal/testfs"
)

func TestRunBuildRejectsAlwaysAndAfterTogether(t *testing.T) {
	opts := &buildOptions{
		always:  true,
		after:   time.Minute,
		targets: []string{"anything"},
	}
	if err := runBuild(opts); err == nil {
		t.Fatal("expected an error when --always and --after are both set")
	}
}

func TestRunBuildEndToEndRunsRuleAndCommits(t *testing.T) {
	ws := testfs.New(t)
	ws.WriteRule("greeting.do", `echo "hello, $2" > "$3"`)
	t.Chdir(ws.Root)

	opts := &buildOptions{jobs: 1, targets: []string{"greeting"}}
	if err := runBuild(opts); err != nil {
		t.Fatalf("runBuild: %v", err)
	}
	if got, want := ws.ReadFile("greeting"), "hello, greeting\n"; got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
}

func TestRunBuildFailsForUnmatchedTarget(t *testing.T) {
	ws := testfs.New(t)
	t.Chdir(ws.Root)

	opts := &buildOptions{jobs: 1, targets: []string{"nowhere.out"}}
	if err := runBuild(opts); err == nil {
		t.Fatal("expected an error when no rule matches the requested target")
	}
}
