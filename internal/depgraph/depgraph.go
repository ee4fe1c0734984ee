// Package depgraph holds the dependency graph folded from every
// tracefile on disk, and the recursive validity check that decides
// whether a target can be restored from cache instead of rebuilt.
package depgraph

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redux-build/redux/internal/buildid"
	"github.com/redux-build/redux/internal/env"
	"github.com/redux-build/redux/internal/filestamp"
	"github.com/redux-build/redux/internal/ruleset"
	"github.com/redux-build/redux/internal/sortutil"
	"github.com/redux-build/redux/internal/trace"
)

// maxValidityDepth bounds the isTraceValid recursion. The dependency
// graph is not guaranteed acyclic (see BuildTree), so an adversarial
// or accidentally-cyclic rule set gets a clean error here instead of
// a stack overflow.
const maxValidityDepth = 256

// ErrCycleOrTooDeep is returned when a validity check recurses past
// maxValidityDepth, which happens on a dependency cycle or on a
// legitimately deep chain that exceeds the guard.
var ErrCycleOrTooDeep = fmt.Errorf("dependency chain too deep (cycle or > %d levels)", maxValidityDepth)

// Graph is every trace currently on disk, keyed by the job that
// produced it. A job may have several traces, one per distinct set of
// source inputs that have succeeded in the past.
type Graph struct {
	traces map[trace.JobSpec][]trace.Trace
}

// LoadAll reads every tracefile under e.TracesDir and folds them into
// a Graph.
func LoadAll(e *env.Env) (*Graph, error) {
	entries, err := os.ReadDir(e.TracesDir)
	if err != nil {
		return nil, fmt.Errorf("list traces dir: %w", err)
	}
	g := &Graph{traces: make(map[trace.JobSpec][]trace.Trace)}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		path := e.TracesDir + string(os.PathSeparator) + ent.Name()
		job, t, err := trace.Read(e, path)
		if err != nil {
			return nil, fmt.Errorf("load trace %s: %w", path, err)
		}
		g.traces[job] = append(g.traces[job], t)
	}
	return g, nil
}

// Load reads every tracefile, then drops entries whose job is no
// longer the best rule match for its target.
func Load(e *env.Env, rules ruleset.Set) (*Graph, error) {
	g, err := LoadAll(e)
	if err != nil {
		return nil, err
	}
	g.DropSuperseded(rules)
	return g, nil
}

// count returns the total number of traces across all jobs.
func (g *Graph) count() int {
	n := 0
	for _, ts := range g.traces {
		n += len(ts)
	}
	return n
}

// DropSuperseded removes every job whose trace was recorded under a
// rule that a higher-priority rule has since shadowed.
func (g *Graph) DropSuperseded(rules ruleset.Set) {
	for job := range g.traces {
		if !rules.IsJobValid(job) {
			delete(g.traces, job)
		}
	}
}

// DropOutOfDate removes any trace whose recorded sources no longer
// match the content on disk. A job that loses all its traces is
// removed entirely. This check is deliberately not recursive: a trace
// whose intermediate dependency has itself gone stale is not detected
// here (see isTraceValid, which handles that case at query time).
func (g *Graph) DropOutOfDate() {
	for job, traces := range g.traces {
		kept := traces[:0]
		for _, t := range traces {
			if allSourcesValid(t) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(g.traces, job)
		} else {
			g.traces[job] = kept
		}
	}
}

func allSourcesValid(t trace.Trace) bool {
	for _, s := range t.Sources {
		ok, err := s.IsValid()
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// BuildTree is the recursive witness returned by a successful validity
// check: the job, its direct sources, its intermediates (each paired
// with the subtree that justified it), its outputs, and the
// expiration horizon in force for this particular run.
type BuildTree struct {
	Job           trace.JobSpec
	Sources       []filestamp.Stamp
	Intermediates []IntermediateEdge
	Outputs       []filestamp.Stamp
	ValidUntil    *time.Time
}

// IntermediateEdge pairs an intermediate dependency's stamp with the
// subtree that proves it's still valid.
type IntermediateEdge struct {
	Stamp filestamp.Stamp
	Tree  BuildTree
}

// runsProducing finds every (job, trace) pair whose outputs include
// file.
func (g *Graph) runsProducing(file filestamp.Stamp) []struct {
	job trace.JobSpec
	t   trace.Trace
} {
	var out []struct {
		job trace.JobSpec
		t   trace.Trace
	}
	for job, traces := range g.traces {
		for _, t := range traces {
			for _, o := range t.Outputs {
				if o.Path.Equal(file.Path) && o.Hash == file.Hash {
					out = append(out, struct {
						job trace.JobSpec
						t   trace.Trace
					}{job, t})
				}
			}
		}
	}
	return out
}

// ValidTraceFor looks for a trace recorded under job that's still
// valid right now, and returns the BuildTree witnessing it.
func (g *Graph) ValidTraceFor(job trace.JobSpec) (BuildTree, bool, error) {
	for _, t := range g.traces[job] {
		tree, ok, err := g.isTraceValid(job, t, 0)
		if err != nil {
			return BuildTree{}, false, err
		}
		if ok {
			return tree, true, nil
		}
	}
	return BuildTree{}, false, nil
}

// isTraceValid recursively checks whether a trace, and every
// intermediate it depends on, is still valid: not expired, not
// superseded by a newer top-level build (valid_for), and every source
// stamp still matches the content on disk.
func (g *Graph) isTraceValid(job trace.JobSpec, t trace.Trace, depth int) (BuildTree, bool, error) {
	if depth > maxValidityDepth {
		return BuildTree{}, false, ErrCycleOrTooDeep
	}

	if remaining, has := t.RemainingValidity(time.Now()); has && remaining == 0 {
		return BuildTree{}, false, nil
	}
	if t.ValidFor != nil && !buildid.IsCurrent(*t.ValidFor) {
		return BuildTree{}, false, nil
	}
	if !allSourcesValid(t) {
		return BuildTree{}, false, nil
	}

	tree := BuildTree{
		Job:        job,
		Sources:    t.Sources,
		Outputs:    t.Outputs,
		ValidUntil: t.ValidUntil,
	}

	for _, intermediate := range t.Intermediates {
		witness, ok, err := g.firstValidRun(intermediate, depth+1)
		if err != nil {
			return BuildTree{}, false, err
		}
		if !ok {
			return BuildTree{}, false, nil
		}
		tree.Intermediates = append(tree.Intermediates, IntermediateEdge{Stamp: intermediate, Tree: witness})
	}

	return tree, true, nil
}

func (g *Graph) firstValidRun(file filestamp.Stamp, depth int) (BuildTree, bool, error) {
	for _, run := range g.runsProducing(file) {
		tree, ok, err := g.isTraceValid(run.job, run.t, depth)
		if err != nil {
			return BuildTree{}, false, err
		}
		if ok {
			return tree, true, nil
		}
	}
	return BuildTree{}, false, nil
}

// SomeTreeFor returns an unvalidated BuildTree for whichever run
// produced target, for diagnostic display ("redux howdid") where
// validity doesn't matter.
func (g *Graph) SomeTreeFor(target filestamp.Stamp) (BuildTree, bool) {
	runs := g.runsProducing(target)
	if len(runs) == 0 {
		return BuildTree{}, false
	}
	job, t := runs[0].job, runs[0].t
	tree := BuildTree{Job: job, Sources: t.Sources, Outputs: t.Outputs, ValidUntil: t.ValidUntil}
	for _, x := range t.Intermediates {
		if witness, ok := g.SomeTreeFor(x); ok {
			tree.Intermediates = append(tree.Intermediates, IntermediateEdge{Stamp: x, Tree: witness})
		}
	}
	return tree, true
}

// DescribeAll renders one line per (job, trace) pair in the graph, for
// the unscoped "--depgraph" listing.
func DescribeAll(g *Graph) string {
	var b strings.Builder
	jobs := make([]trace.JobSpec, 0, len(g.traces))
	for job := range g.traces {
		jobs = append(jobs, job)
	}
	sorted := sortutil.New[trace.JobSpec, string](jobs, func(j trace.JobSpec) string { return j.String() })

	for _, job := range sorted.Items() {
		for _, t := range g.traces[job] {
			fmt.Fprintf(&b, "%s: %s\n", job, describeTrace(t))
		}
	}
	return b.String()
}

func describeTrace(t trace.Trace) string {
	var b strings.Builder
	for _, s := range t.Sources {
		fmt.Fprintf(&b, "%s ", s)
	}
	for _, i := range t.Intermediates {
		fmt.Fprintf(&b, "%s ", i)
	}
	b.WriteString("=>")
	for _, o := range t.Outputs {
		fmt.Fprintf(&b, " %s", o)
	}
	if t.ValidFor != nil {
		b.WriteString(" (volatile)")
	}
	if t.ValidUntil != nil {
		remaining, _ := t.RemainingValidity(time.Now())
		fmt.Fprintf(&b, " (cached for another %s)", remaining.Round(time.Second))
	}
	return b.String()
}

// Sources returns every source stamp across every trace. May contain
// duplicates.
func (g *Graph) Sources() []filestamp.Stamp {
	var out []filestamp.Stamp
	for _, traces := range g.traces {
		for _, t := range traces {
			out = append(out, t.Sources...)
		}
	}
	return out
}

// Outputs returns every output stamp across every trace. May contain
// duplicates.
func (g *Graph) Outputs() []filestamp.Stamp {
	var out []filestamp.Stamp
	for _, traces := range g.traces {
		for _, t := range traces {
			out = append(out, t.Outputs...)
		}
	}
	return out
}

// Render draws a BuildTree as indented text, collapsing repeated jobs
// with "(see above)" the way a recursive descent over a DAG-shaped
// tree needs to, to avoid printing shared subtrees more than once.
func Render(tree BuildTree) string {
	var b strings.Builder
	seen := make(map[string]bool)
	renderNode(&b, tree, "", seen)
	return b.String()
}

func renderNode(b *strings.Builder, tree BuildTree, indent string, seen map[string]bool) {
	label := nodeLabel(tree)
	key := tree.Job.String()
	if seen[key] {
		fmt.Fprintf(b, "%s%s (see above)\n", indent, label)
		return
	}
	seen[key] = true
	fmt.Fprintf(b, "%s%s\n", indent, label)

	childIndent := indent + "  "
	sorted := sortutil.New[filestamp.Stamp, string](tree.Sources, func(s filestamp.Stamp) string { return s.String() })
	for _, s := range sorted.Items() {
		fmt.Fprintf(b, "%s%s\n", childIndent, s)
	}
	for _, edge := range tree.Intermediates {
		renderNode(b, edge.Tree, childIndent, seen)
	}
}

func nodeLabel(tree BuildTree) string {
	var out string
	if len(tree.Outputs) > 0 {
		out = tree.Outputs[0].String()
	}
	suffix := ""
	if tree.ValidUntil != nil {
		remaining := tree.ValidUntil.Sub(time.Now())
		if remaining < 0 {
			remaining = 0
		}
		suffix = fmt.Sprintf(" (cached for another %s)", remaining.Round(time.Second))
	}
	return fmt.Sprintf("%s <= %s%s", out, tree.Job, suffix)
}
