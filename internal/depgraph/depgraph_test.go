package depgraph

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redux-build/redux/internal/env"
	"github.com/redux-build/redux/internal/filestamp"
	"github.com/redux-build/redux/internal/localpath"
	"github.com/redux-build/redux/internal/ruleset"
	"github.com/redux-build/redux/internal/trace"
)

func testEnv(t *testing.T) *env.Env {
	t.Helper()
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir .git: %v", err)
	}
	e, err := env.New(root)
	if err != nil {
		t.Fatalf("env.New: %v", err)
	}
	return e
}

func writeSourceFile(t *testing.T, e *env.Env, rel, content string) filestamp.Stamp {
	t.Helper()
	abs := filepath.Join(e.Root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	stamp, err := filestamp.Take(localpath.New(e, rel))
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	return stamp
}

func writeRule(t *testing.T, e *env.Env, rel string) localpath.Path {
	t.Helper()
	abs := filepath.Join(e.Root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write rule %s: %v", rel, err)
	}
	return localpath.New(e, rel)
}

// recordTrace runs the normal trace.Create/Append/Finish sequence for a
// job, then moves the resulting tracefile into e.TracesDir the way a
// real build commits it once the job completes, so depgraph's
// directory scan (which only reads e.TracesDir) can find it.
func recordTrace(t *testing.T, e *env.Env, job trace.JobSpec, sources []filestamp.Stamp, output filestamp.Stamp) {
	t.Helper()
	tf, err := trace.Create(job)
	if err != nil {
		t.Fatalf("trace.Create: %v", err)
	}
	if tf == nil {
		t.Fatal("trace.Create reported an already-existing tracefile")
	}
	for _, s := range sources {
		if err := trace.AppendSource(tf, s); err != nil {
			t.Fatalf("AppendSource: %v", err)
		}
	}
	if err := trace.Finish(tf, output); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	dst := filepath.Join(e.TracesDir, filepath.Base(tf.Path)+"-"+string(output.Hash)[:8])
	if err := os.Rename(tf.Path, dst); err != nil {
		t.Fatalf("commit tracefile: %v", err)
	}
}

func TestLoadAllFindsCommittedTraces(t *testing.T) {
	e := testEnv(t)
	rule := writeRule(t, e, "default.o.do")
	src := writeSourceFile(t, e, "build.c", "int main(){}")
	out := writeSourceFile(t, e, "build.o", "compiled")

	job := trace.JobSpec{Rule: rule, Target: localpath.New(e, "build.o")}
	recordTrace(t, e, job, []filestamp.Stamp{src}, out)

	g, err := LoadAll(e)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if g.count() != 1 {
		t.Fatalf("count() = %d, want 1", g.count())
	}
}

func TestValidTraceForSucceedsWhenSourcesMatch(t *testing.T) {
	e := testEnv(t)
	rule := writeRule(t, e, "default.o.do")
	src := writeSourceFile(t, e, "build.c", "int main(){}")
	out := writeSourceFile(t, e, "build.o", "compiled")

	job := trace.JobSpec{Rule: rule, Target: localpath.New(e, "build.o")}
	recordTrace(t, e, job, []filestamp.Stamp{src}, out)

	g, err := LoadAll(e)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	tree, ok, err := g.ValidTraceFor(job)
	if err != nil {
		t.Fatalf("ValidTraceFor: %v", err)
	}
	if !ok {
		t.Fatal("expected a valid trace when the source content is unchanged")
	}
	if len(tree.Outputs) != 1 || tree.Outputs[0].Hash != out.Hash {
		t.Fatalf("tree.Outputs = %+v", tree.Outputs)
	}
}

func TestValidTraceForFailsWhenSourceChanged(t *testing.T) {
	e := testEnv(t)
	rule := writeRule(t, e, "default.o.do")
	src := writeSourceFile(t, e, "build.c", "int main(){}")
	out := writeSourceFile(t, e, "build.o", "compiled")

	job := trace.JobSpec{Rule: rule, Target: localpath.New(e, "build.o")}
	recordTrace(t, e, job, []filestamp.Stamp{src}, out)

	if err := os.WriteFile(filepath.Join(e.Root, "build.c"), []byte("changed"), 0o644); err != nil {
		t.Fatalf("rewrite source: %v", err)
	}

	g, err := LoadAll(e)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, ok, err := g.ValidTraceFor(job); err != nil || ok {
		t.Fatalf("expected the trace to be invalid once its source changed, ok=%v err=%v", ok, err)
	}
}

func TestDropSupersededRemovesShadowedJobs(t *testing.T) {
	e := testEnv(t)
	rule := writeRule(t, e, "default.o.do")
	src := writeSourceFile(t, e, "build.c", "int main(){}")
	out := writeSourceFile(t, e, "build.o", "compiled")

	job := trace.JobSpec{Rule: rule, Target: localpath.New(e, "build.o")}
	recordTrace(t, e, job, []filestamp.Stamp{src}, out)

	// A more specific rule now shadows the default rule that produced
	// the recorded trace.
	writeRule(t, e, "build.o.do")

	g, err := LoadAll(e)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	rules, err := ruleset.ScanForDoFiles(e)
	if err != nil {
		t.Fatalf("ScanForDoFiles: %v", err)
	}
	g.DropSuperseded(rules)
	if g.count() != 0 {
		t.Fatalf("count() = %d, want 0 once the rule is shadowed", g.count())
	}
}

func TestDescribeAllIsDeterministicallyOrdered(t *testing.T) {
	e := testEnv(t)
	ruleA := writeRule(t, e, "a/default.o.do")
	ruleB := writeRule(t, e, "b/default.o.do")
	srcA := writeSourceFile(t, e, "a/build.c", "a")
	srcB := writeSourceFile(t, e, "b/build.c", "b")
	outA := writeSourceFile(t, e, "a/build.o", "a-out")
	outB := writeSourceFile(t, e, "b/build.o", "b-out")

	jobB := trace.JobSpec{Rule: ruleB, Target: localpath.New(e, "b/build.o")}
	jobA := trace.JobSpec{Rule: ruleA, Target: localpath.New(e, "a/build.o")}
	recordTrace(t, e, jobB, []filestamp.Stamp{srcB}, outB)
	recordTrace(t, e, jobA, []filestamp.Stamp{srcA}, outA)

	g, err := LoadAll(e)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	out := DescribeAll(g)
	idxA := indexOf(out, "a/default.o.do")
	idxB := indexOf(out, "b/default.o.do")
	if idxA < 0 || idxB < 0 || idxA > idxB {
		t.Fatalf("expected a/... before b/... in deterministic output, got:\n%s", out)
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestErrCycleOrTooDeepIsNonNilSentinel(t *testing.T) {
	if ErrCycleOrTooDeep == nil {
		t.Fatal("ErrCycleOrTooDeep must be a non-nil sentinel")
	}
}

func TestIsTraceValidExpiresOnValidUntil(t *testing.T) {
	e := testEnv(t)
	rule := writeRule(t, e, "default.o.do")
	src := writeSourceFile(t, e, "build.c", "int main(){}")
	out := writeSourceFile(t, e, "build.o", "compiled")
	job := trace.JobSpec{Rule: rule, Target: localpath.New(e, "build.o")}

	tf, err := trace.Create(job)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := trace.AppendSource(tf, src); err != nil {
		t.Fatalf("AppendSource: %v", err)
	}
	if err := trace.AppendValidUntil(tf, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("AppendValidUntil: %v", err)
	}
	if err := trace.Finish(tf, out); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	dst := filepath.Join(e.TracesDir, filepath.Base(tf.Path))
	if err := os.Rename(tf.Path, dst); err != nil {
		t.Fatalf("commit tracefile: %v", err)
	}

	g, err := LoadAll(e)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, ok, err := g.ValidTraceFor(job); err != nil || ok {
		t.Fatalf("expected an expired valid_until to make the trace invalid, ok=%v err=%v", ok, err)
	}
}
