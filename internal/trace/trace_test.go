package trace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redux-build/redux/internal/buildid"
	"github.com/redux-build/redux/internal/env"
	"github.com/redux-build/redux/internal/filestamp"
	"github.com/redux-build/redux/internal/localpath"
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

func TestJobSpecStringParseRoundTrip(t *testing.T) {
	e := testEnv(t)
	job := JobSpec{
		Rule:   localpath.New(e, "sub/default.o.do"),
		Target: localpath.New(e, "sub/build.o"),
		Env:    []EnvVar{{Key: "CC", Val: "gcc"}, {Key: "ARCH", Val: "amd64"}},
	}

	s := job.String()
	got, err := ParseJobSpec(e, s)
	if err != nil {
		t.Fatalf("ParseJobSpec(%q): %v", s, err)
	}
	if !got.Rule.Equal(job.Rule) || !got.Target.Equal(job.Target) {
		t.Fatalf("round trip rule/target = %+v, want %+v", got, job)
	}
	if len(got.Env) != len(job.Env) {
		t.Fatalf("round trip env = %+v, want %+v", got.Env, job.Env)
	}
	for i := range job.Env {
		if got.Env[i] != job.Env[i] {
			t.Errorf("env[%d] = %+v, want %+v", i, got.Env[i], job.Env[i])
		}
	}
}

func TestParseJobSpecRejectsMissingParen(t *testing.T) {
	e := testEnv(t)
	if _, err := ParseJobSpec(e, "rule.do no-paren"); err == nil {
		t.Fatal("expected an error for a jobspec with no opening paren")
	}
}

func TestTargetRelativeToRuleAndMinusExtension(t *testing.T) {
	e := testEnv(t)
	job := JobSpec{
		Rule:   localpath.New(e, "sub/default.o.do"),
		Target: localpath.New(e, "sub/build.o"),
	}
	if got, want := job.TargetRelativeToRule(), "build.o"; got != want {
		t.Errorf("TargetRelativeToRule() = %q, want %q", got, want)
	}
	if got, want := job.TargetMinusExtension(), "build"; got != want {
		t.Errorf("TargetMinusExtension() = %q, want %q", got, want)
	}
}

func TestTargetMinusExtensionForExactRule(t *testing.T) {
	e := testEnv(t)
	job := JobSpec{
		Rule:   localpath.New(e, "build.o.do"),
		Target: localpath.New(e, "build.o"),
	}
	if got, want := job.TargetMinusExtension(), "build.o"; got != want {
		t.Errorf("TargetMinusExtension() = %q, want %q (exact rules strip nothing)", got, want)
	}
}

func TestJobSpecLessOrdersByStringForm(t *testing.T) {
	e := testEnv(t)
	a := JobSpec{Rule: localpath.New(e, "a.do"), Target: localpath.New(e, "a")}
	b := JobSpec{Rule: localpath.New(e, "b.do"), Target: localpath.New(e, "b")}
	if !a.Less(b) || b.Less(a) {
		t.Fatalf("Less ordering wrong: a.Less(b)=%v b.Less(a)=%v", a.Less(b), b.Less(a))
	}
}

func TestCreateAppendReadRoundTrip(t *testing.T) {
	e := testEnv(t)
	job := JobSpec{
		Rule:   localpath.New(e, "default.o.do"),
		Target: localpath.New(e, "build.o"),
	}
	ruleAbs := job.Rule.Abs()
	if err := os.WriteFile(ruleAbs, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write rule: %v", err)
	}

	tf, err := Create(job)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tf == nil {
		t.Fatal("Create returned nil, nil on first attempt")
	}

	if again, err := Create(job); err != nil || again != nil {
		t.Fatalf("second Create should report already-exists as (nil, nil), got (%v, %v)", again, err)
	}

	srcAbs := filepath.Join(e.Root, "src.c")
	if err := os.WriteFile(srcAbs, []byte("int main(){}"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	srcStamp, err := filestamp.Take(localpath.New(e, "src.c"))
	if err != nil {
		t.Fatalf("filestamp.Take: %v", err)
	}
	if err := AppendSource(tf, srcStamp); err != nil {
		t.Fatalf("AppendSource: %v", err)
	}
	if err := AppendEnvVar(tf, EnvVar{Key: "CC", Val: "gcc"}); err != nil {
		t.Fatalf("AppendEnvVar: %v", err)
	}

	id := buildid.New()
	if err := AppendValidFor(tf, id); err != nil {
		t.Fatalf("AppendValidFor: %v", err)
	}

	outAbs := job.Target.Abs()
	if err := os.WriteFile(outAbs, []byte("binary"), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
	outStamp, err := filestamp.Take(job.Target)
	if err != nil {
		t.Fatalf("filestamp.Take output: %v", err)
	}
	if err := Finish(tf, outStamp); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	gotJob, gotTrace, err := Read(e, tf.Path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !gotJob.Rule.Equal(job.Rule) || !gotJob.Target.Equal(job.Target) {
		t.Fatalf("Read job = %+v, want %+v", gotJob, job)
	}
	if len(gotTrace.Sources) != 2 || !gotTrace.Sources[0].Path.Equal(job.Rule) || gotTrace.Sources[1].Hash != srcStamp.Hash {
		t.Fatalf("Sources = %+v, want the rule's stamp then one entry matching %+v", gotTrace.Sources, srcStamp)
	}
	if len(gotTrace.Outputs) != 1 || gotTrace.Outputs[0].Hash != outStamp.Hash {
		t.Fatalf("Outputs = %+v, want one entry matching %+v", gotTrace.Outputs, outStamp)
	}
	if len(gotTrace.EnvVars) != 1 || gotTrace.EnvVars[0] != (EnvVar{Key: "CC", Val: "gcc"}) {
		t.Fatalf("EnvVars = %+v", gotTrace.EnvVars)
	}
	if gotTrace.ValidFor == nil || *gotTrace.ValidFor != id {
		t.Fatalf("ValidFor = %v, want %v", gotTrace.ValidFor, id)
	}
}

func TestParseBodyToleratesUnknownLines(t *testing.T) {
	e := testEnv(t)
	body := "bogus line with no known tag\nenv_var FOO=bar\n"
	tr := parseBody(e, body)
	if len(tr.EnvVars) != 1 || tr.EnvVars[0].Key != "FOO" {
		t.Fatalf("expected the malformed line to be skipped, got %+v", tr.EnvVars)
	}
}

func TestRemainingValidity(t *testing.T) {
	var tr Trace
	if _, ok := tr.RemainingValidity(time.Now()); ok {
		t.Fatal("a trace with no valid_until should report ok=false")
	}

	future := time.Now().Add(time.Hour)
	tr.ValidUntil = &future
	d, ok := tr.RemainingValidity(time.Now())
	if !ok || d <= 0 || d > time.Hour {
		t.Fatalf("RemainingValidity = %v, %v; want a positive duration <= 1h", d, ok)
	}

	past := time.Now().Add(-time.Hour)
	tr.ValidUntil = &past
	d, ok = tr.RemainingValidity(time.Now())
	if !ok || d != 0 {
		t.Fatalf("expired valid_until should saturate at zero, got %v, %v", d, ok)
	}
}

func TestMergeValidUntilKeepsTheEarlierDeadline(t *testing.T) {
	var tr Trace
	later := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	earlier := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	tr.merge(validUntilLine{later})
	tr.merge(validUntilLine{earlier})

	if tr.ValidUntil == nil || !tr.ValidUntil.Equal(earlier) {
		t.Fatalf("ValidUntil = %v, want the earlier deadline %v", tr.ValidUntil, earlier)
	}
}

func TestSortStamps(t *testing.T) {
	e := testEnv(t)
	stamps := []filestamp.Stamp{
		{Path: localpath.New(e, "b.txt"), Hash: "2"},
		{Path: localpath.New(e, "a.txt"), Hash: "1"},
	}
	SortStamps(stamps)
	if stamps[0].Path.String() != "a.txt" {
		t.Fatalf("SortStamps did not order by path: %+v", stamps)
	}
}

func TestCurrentWithNoEnvVarIsTopLevel(t *testing.T) {
	e := testEnv(t)
	os.Unsetenv(EnvVarTracefile)
	tf, err := Current(e)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if tf != nil {
		t.Fatal("Current should return a nil File when REDUX_TRACEFILE isn't set")
	}
}
