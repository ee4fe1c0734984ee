// Package trace implements the tracefile wire format: the append-only
// log a rule writes while it runs, and the in-memory fold of that log
// once the rule has finished.
package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/redux-build/redux/internal/buildid"
	"github.com/redux-build/redux/internal/env"
	"github.com/redux-build/redux/internal/filestamp"
	"github.com/redux-build/redux/internal/localpath"
	"github.com/redux-build/redux/internal/rerror"
)

// EnvVarTracefile is exported by a parent build to tell a child rule
// process which tracefile it should append to.
const EnvVarTracefile = "REDUX_TRACEFILE"

// EnvVar is one exported environment variable a rule declared it
// depends on.
type EnvVar struct {
	Key, Val string
}

func (v EnvVar) String() string { return fmt.Sprintf("%s=%s", v.Key, v.Val) }

func parseEnvVar(s string) (EnvVar, error) {
	k, v, ok := strings.Cut(s, "=")
	if !ok {
		return EnvVar{}, fmt.Errorf("env_var %q: missing =", s)
	}
	return EnvVar{Key: k, Val: v}, nil
}

// JobSpec identifies "rule R asked to build target T under
// environment E."
type JobSpec struct {
	Rule   localpath.Path
	Target localpath.Path
	Env    []EnvVar
}

// String renders "rule(target, k=v, ...)".
func (j JobSpec) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(%s", j.Rule, j.Target)
	for _, kv := range j.Env {
		fmt.Fprintf(&b, ", %s=%s", kv.Key, kv.Val)
	}
	b.WriteByte(')')
	return b.String()
}

// ParseJobSpec parses the "rule(target, k=v, ...)" wire form.
func ParseJobSpec(e *env.Env, s string) (JobSpec, error) {
	rule, rest, ok := strings.Cut(s, "(")
	if !ok {
		return JobSpec{}, fmt.Errorf("jobspec %q: missing (", s)
	}
	rest = strings.TrimSuffix(rest, ")")
	parts := strings.Split(rest, ",")
	if len(parts) == 0 {
		return JobSpec{}, fmt.Errorf("jobspec %q: missing target", s)
	}
	target := strings.TrimSpace(parts[0])

	var envVars []EnvVar
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			return JobSpec{}, fmt.Errorf("jobspec %q: bad env entry %q", s, p)
		}
		envVars = append(envVars, EnvVar{Key: k, Val: v})
	}

	return JobSpec{
		Rule:   localpath.New(e, rule),
		Target: localpath.New(e, target),
		Env:    envVars,
	}, nil
}

// TargetRelativeToRule is the path a rule script receives as $1: the
// target expressed relative to the directory containing the rule.
func (j JobSpec) TargetRelativeToRule() string {
	return j.Target.RelativeTo(j.Rule.Dir())
}

// ruleExtension returns the extension a "default.EXT.do" rule covers,
// or "" for an exact-match rule.
func (j JobSpec) ruleExtension() string {
	base := j.Rule.Base()
	rest, ok := strings.CutPrefix(base, "default")
	if !ok {
		return ""
	}
	return strings.TrimSuffix(rest, ".do")
}

// TargetMinusExtension is the path a rule script receives as $2: the
// target relative to the rule, with the matched extension stripped.
func (j JobSpec) TargetMinusExtension() string {
	ext := j.ruleExtension()
	target := j.TargetRelativeToRule()
	return strings.TrimSuffix(target, ext)
}

// Less gives JobSpec a canonical total order for sorted display.
func (j JobSpec) Less(other JobSpec) bool {
	return j.String() < other.String()
}

// Trace is the fold of a tracefile's body (everything after the job
// header line).
type Trace struct {
	EnvVars       []EnvVar
	Data          []string
	Sources       []filestamp.Stamp
	Intermediates []filestamp.Stamp
	Outputs       []filestamp.Stamp
	ValidFor      *buildid.ID
	ValidUntil    *time.Time
}

// merge folds one tracefile line into the trace, implementing the
// "minimum wins" rule for repeated valid_until lines.
func (t *Trace) merge(line line) {
	switch l := line.(type) {
	case jobLine:
		// The header carries no trace data of its own.
	case sourceLine:
		t.Sources = append(t.Sources, l.stamp)
	case generatedLine:
		t.Intermediates = append(t.Intermediates, l.stamp)
	case producedLine:
		t.Outputs = append(t.Outputs, l.stamp)
	case envVarLine:
		t.EnvVars = append(t.EnvVars, l.v)
	case dataLine:
		t.Data = append(t.Data, l.hash)
	case validForLine:
		id := l.id
		t.ValidFor = &id
	case validUntilLine:
		if t.ValidUntil == nil || l.t.Before(*t.ValidUntil) {
			ts := l.t
			t.ValidUntil = &ts
		}
	}
}

// RemainingValidity returns how much longer the trace stays valid,
// saturating at zero rather than going negative once valid_until has
// passed. A trace with no valid_until set is valid indefinitely (ok
// is false).
func (t Trace) RemainingValidity(now time.Time) (d time.Duration, ok bool) {
	if t.ValidUntil == nil {
		return 0, false
	}
	remaining := t.ValidUntil.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// line is the sum type of tagged tracefile records.
type line interface{ render() string }

type jobLine struct{ job JobSpec }
type sourceLine struct{ stamp filestamp.Stamp }
type generatedLine struct{ stamp filestamp.Stamp }
type producedLine struct{ stamp filestamp.Stamp }
type envVarLine struct{ v EnvVar }
type dataLine struct{ hash string }
type validForLine struct{ id buildid.ID }
type validUntilLine struct{ t time.Time }

func (l jobLine) render() string        { return "job " + l.job.String() }
func (l sourceLine) render() string      { return "source " + l.stamp.String() }
func (l generatedLine) render() string   { return "generated " + l.stamp.String() }
func (l producedLine) render() string    { return "produced " + l.stamp.String() }
func (l envVarLine) render() string      { return "env_var " + l.v.String() }
func (l dataLine) render() string        { return "data " + l.hash }
func (l validForLine) render() string    { return "valid_for " + l.id.String() }
func (l validUntilLine) render() string  { return "valid_until " + l.t.UTC().Format(time.RFC3339) }

// parseLine parses one tracefile body line.
func parseLine(e *env.Env, s string) (line, error) {
	tag, rest, _ := strings.Cut(s, " ")
	switch tag {
	case "source":
		st, err := filestamp.Parse(e, rest)
		if err != nil {
			return nil, err
		}
		return sourceLine{st}, nil
	case "generated":
		st, err := filestamp.Parse(e, rest)
		if err != nil {
			return nil, err
		}
		return generatedLine{st}, nil
	case "produced":
		st, err := filestamp.Parse(e, rest)
		if err != nil {
			return nil, err
		}
		return producedLine{st}, nil
	case "env_var":
		v, err := parseEnvVar(rest)
		if err != nil {
			return nil, err
		}
		return envVarLine{v}, nil
	case "data":
		return dataLine{rest}, nil
	case "valid_for":
		raw, err := parseUUIDLike(rest)
		if err != nil {
			return nil, err
		}
		return validForLine{raw}, nil
	case "valid_until":
		t, err := time.Parse(time.RFC3339, rest)
		if err != nil {
			return nil, fmt.Errorf("valid_until %q: %w", rest, err)
		}
		return validUntilLine{t}, nil
	default:
		return nil, fmt.Errorf("unknown tracefile line tag %q", tag)
	}
}

func parseUUIDLike(s string) (buildid.ID, error) {
	// buildid.ID wraps uuid.UUID; round-trip through its own parser by
	// reusing the REDUX_BUILD_ID env-var convention is overkill here,
	// so parse directly via the same format current() expects.
	return buildid.Parse(s)
}

// parseBody folds every line of a tracefile's body into a Trace,
// logging (not failing on) unparseable lines, matching redo's
// tolerant-reader convention for tracefiles written by older builds.
func parseBody(e *env.Env, body string) Trace {
	var t Trace
	for _, raw := range strings.Split(body, "\n") {
		if raw == "" {
			continue
		}
		l, err := parseLine(e, raw)
		if err != nil {
			w := &rerror.TraceParseWarning{Line: raw, Err: err}
			log.Warn().Err(w).Msg("skipping unparseable tracefile line")
			continue
		}
		t.merge(l)
	}
	return t
}

// File is an open handle to an in-progress or completed tracefile.
type File struct {
	Path string
	Job  JobSpec
}

// tracefileName is the basename redux uses for a target's in-progress
// tracefile, living alongside the target until it's committed into the
// traces directory.
func tracefileName(target localpath.Path) string {
	return fmt.Sprintf(".redux_%s.trace", target.Base())
}

// Create exclusively creates the tracefile for job. A nil File with a
// nil error means a tracefile already exists — some other process (or
// build) is already working on this target.
func Create(job JobSpec) (*File, error) {
	dir := filepath.Dir(job.Target.Abs())
	path := filepath.Join(dir, tracefileName(job.Target))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tracefile dir %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("create tracefile %s: %w", path, err)
	}
	defer f.Close()

	ruleStamp, err := filestamp.Take(job.Rule)
	if err != nil {
		return nil, fmt.Errorf("stamp rule %s: %w", job.Rule, err)
	}

	if _, err := fmt.Fprintln(f, jobLine{job}.render()); err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintln(f, sourceLine{ruleStamp}.render()); err != nil {
		return nil, err
	}

	return &File{Path: path, Job: job}, nil
}

// Append writes one more line to the tracefile, or to stdout if
// tf is nil (matching the "no tracefile in scope" top-level case).
func Append(tf *File, l line) error {
	txt := l.render()
	if tf == nil {
		fmt.Println(txt)
		return nil
	}
	f, err := os.OpenFile(tf.Path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("append to tracefile %s: %w", tf.Path, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, txt); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", tf.Job.Target, txt)
	return nil
}

// AppendSource records a needed-but-not-generated input.
func AppendSource(tf *File, s filestamp.Stamp) error { return Append(tf, sourceLine{s}) }

// AppendGenerated records a needed-and-generated (intermediate) input.
func AppendGenerated(tf *File, s filestamp.Stamp) error { return Append(tf, generatedLine{s}) }

// AppendEnvVar records a declared environment-variable dependency.
func AppendEnvVar(tf *File, v EnvVar) error { return Append(tf, envVarLine{v}) }

// AppendValidFor marks the trace as volatile for the current build
// only: it must be re-run on every subsequent top-level build.
func AppendValidFor(tf *File, id buildid.ID) error { return Append(tf, validForLine{id}) }

// AppendValidUntil marks the trace as cached until the given instant.
func AppendValidUntil(tf *File, until time.Time) error { return Append(tf, validUntilLine{until}) }

// AppendData records a hash of out-of-band data (e.g. stdin) as a
// dependency of the current job.
func AppendData(tf *File, hash string) error { return Append(tf, dataLine{hash}) }

// Finish appends the "produced" line recording the rule's output.
func Finish(tf *File, output filestamp.Stamp) error {
	return Append(tf, producedLine{output})
}

// Read reads a tracefile from disk and folds it into its JobSpec and
// Trace.
func Read(e *env.Env, path string) (JobSpec, Trace, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return JobSpec{}, Trace{}, fmt.Errorf("read tracefile %s: %w", path, err)
	}
	header, body, ok := strings.Cut(string(raw), "\n")
	if !ok {
		return JobSpec{}, Trace{}, fmt.Errorf("tracefile %s: no header line", path)
	}
	header = strings.TrimPrefix(header, "job ")
	job, err := ParseJobSpec(e, header)
	if err != nil {
		return JobSpec{}, Trace{}, fmt.Errorf("tracefile %s: bad header: %w", path, err)
	}
	return job, parseBody(e, body), nil
}

// Open opens an existing tracefile and returns a handle to it. It reads
// the whole file through Read to recover the job header; the folded
// body is discarded.
func Open(e *env.Env, path string) (*File, error) {
	job, _, err := Read(e, path)
	if err != nil {
		return nil, err
	}
	return &File{Path: path, Job: job}, nil
}

// Current returns the tracefile this process was spawned to append
// to, identified by the REDUX_TRACEFILE environment variable. A nil
// File with a nil error means this process is the top-level build.
func Current(e *env.Env) (*File, error) {
	path, ok := os.LookupEnv(EnvVarTracefile)
	if !ok {
		return nil, nil
	}
	return Open(e, path)
}

// SortStamps sorts a slice of stamps deterministically, for display.
func SortStamps(stamps []filestamp.Stamp) {
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Less(stamps[j]) })
}
