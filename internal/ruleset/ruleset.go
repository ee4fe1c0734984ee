// Package ruleset discovers rule scripts (".do" files) under the
// workspace and matches targets against them to find the rule
// responsible for building a given path.
package ruleset

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/redux-build/redux/internal/env"
	"github.com/redux-build/redux/internal/localpath"
	"github.com/redux-build/redux/internal/rulecache"
	"github.com/redux-build/redux/internal/trace"
)

// Rule is one discovered ".do" file.
type Rule struct {
	Dir     localpath.Path
	Default bool
	// Name is the portion of the filename identifying what the rule
	// builds: for a specific rule ("build.o.do") it's "build.o"; for a
	// default rule ("default.o.do") it's ".o" (including the leading
	// dot, possibly empty for a catch-all "default.do").
	Name string
}

// newRule classifies a discovered path as a rule, or reports it isn't
// one.
func newRule(e *env.Env, p localpath.Path) (Rule, bool) {
	base := p.Base()
	stem, ok := strings.CutSuffix(base, ".do")
	if !ok || stem == "" {
		return Rule{}, false
	}
	dir := p.Dir()

	if rest, ok := strings.CutPrefix(stem, "default"); ok {
		if rest == "" {
			return Rule{Dir: dir, Default: true, Name: ""}, true
		}
		if strings.HasPrefix(rest, ".") {
			return Rule{Dir: dir, Default: true, Name: rest}, true
		}
	}
	return Rule{Dir: dir, Default: false, Name: stem}, true
}

// Path reconstructs the rule's own location.
func (r Rule) Path(e *env.Env) localpath.Path {
	prefix := ""
	if r.Default {
		prefix = "default"
	}
	return r.Dir.Join(prefix + r.Name + ".do")
}

// globPatterns builds the two globs a target must match one of for
// this rule to apply: one for a target directly inside the rule's
// directory, one for a target nested further below it. Two patterns
// (rather than one with a "**/" in the middle) avoid requiring a
// literal separator character that a direct, non-nested target
// wouldn't have.
func (r Rule) globPatterns() (direct, nested string) {
	dir := r.Dir.String()
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	suffix := r.Name
	if r.Default {
		suffix = "*" + suffix
	}
	return prefix + suffix, prefix + "**/" + suffix
}

// priority orders two candidate rules. The more specific rule sorts
// first (priority "greater"): deeper directories win, then
// non-default rules beat default ones, then longer extensions beat
// shorter ones among default rules.
func priority(a, b Rule) int {
	if d := a.Dir.Depth() - b.Dir.Depth(); d != 0 {
		return d
	}
	if a.Default != b.Default {
		if a.Default {
			return -1
		}
		return 1
	}
	return len(a.Name) - len(b.Name)
}

// compiled is a rule paired with its compiled globs, kept in priority
// order (highest first).
type compiled struct {
	rule   Rule
	path   localpath.Path
	direct glob.Glob
	nested glob.Glob
}

// match reports whether target is built by this rule: either directly
// inside its directory, or nested further below it.
func (c compiled) match(target string) bool {
	return c.direct.Match(target) || c.nested.Match(target)
}

// Set is a collection of discovered rules, ready to match targets.
type Set struct {
	e     *env.Env
	rules []compiled
}

// New builds a Set from a slice of discovered rules, sorting them into
// priority order and compiling their globs.
func New(e *env.Env, rules []Rule) Set {
	sort.SliceStable(rules, func(i, j int) bool {
		return priority(rules[i], rules[j]) > 0
	})

	out := make([]compiled, 0, len(rules))
	for _, r := range rules {
		direct, nested := r.globPatterns()
		out = append(out, compiled{
			rule:   r,
			path:   r.Path(e),
			direct: glob.MustCompile(direct, '/'),
			nested: glob.MustCompile(nested, '/'),
		})
	}
	return Set{e: e, rules: out}
}

// ScanForDoFiles walks the workspace rooted at e.Root looking for
// ".do" files and returns the Set of rules they define. It opens
// redux's rule cache for the duration of the scan; callers that will
// scan repeatedly within one process should use ScanForDoFilesCached
// with a cache kept open across calls instead.
func ScanForDoFiles(e *env.Env) (Set, error) {
	rc, err := rulecache.Open(filepath.Join(e.ReduxDir, "rulecache.db"))
	if err != nil {
		return Set{}, err
	}
	defer rc.Close()
	return ScanForDoFilesCached(e, rc)
}

// ScanForDoFilesCached is ScanForDoFiles with an explicit, possibly
// shared, rule cache. For each directory visited, a cache hit (same
// relative path and mtime as last seen) skips re-classifying every
// entry in that directory; a miss falls back to inspecting each entry
// and stores the result for next time.
func ScanForDoFilesCached(e *env.Env, rc *rulecache.Cache) (Set, error) {
	var rules []Rule

	var walk func(dir string) error
	walk = func(dir string) error {
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}
		relDir, err := localpath.From(e, dir)
		if err != nil {
			return nil
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}

		if cached, ok := rc.Lookup(relDir.String(), info.ModTime()); ok {
			for _, c := range cached {
				cachedRule := Rule{Dir: relDir, Default: c.Default, Name: c.Name}
				if r, ok := newRule(e, cachedRule.Path(e)); ok {
					rules = append(rules, r)
				}
			}
		} else {
			var found []rulecache.Entry
			for _, ent := range entries {
				if ent.IsDir() {
					continue
				}
				lp := relDir.Join(ent.Name())
				if r, ok := newRule(e, lp); ok {
					rules = append(rules, r)
					found = append(found, rulecache.Entry{Name: r.Name, Default: r.Default})
				}
			}
			_ = rc.Store(relDir.String(), info.ModTime(), found)
		}

		for _, ent := range entries {
			if !ent.IsDir() || ent.Name() == ".git" {
				continue
			}
			if err := walk(filepath.Join(dir, ent.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(e.Root); err != nil {
		return Set{}, err
	}
	return New(e, rules), nil
}

// JobFor returns the JobSpec for building target under the
// highest-priority matching rule, or false if no rule matches.
func (s Set) JobFor(target localpath.Path) (trace.JobSpec, bool) {
	for _, c := range s.rules {
		if c.match(target.String()) {
			return trace.JobSpec{Rule: c.path, Target: target}, true
		}
	}
	return trace.JobSpec{}, false
}

// IsJobValid reports whether job is still the best rule match for its
// target — i.e. the rule set hasn't changed in a way that would route
// the target to a different rule since job was recorded.
func (s Set) IsJobValid(job trace.JobSpec) bool {
	current, ok := s.JobFor(job.Target)
	if !ok {
		return false
	}
	return current.Rule.Equal(job.Rule) && current.Target.Equal(job.Target) && len(job.Env) == 0
}

// Rules exposes the discovered rules in priority order, for "--whichdo"
// style diagnostics.
func (s Set) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	for i, c := range s.rules {
		out[i] = c.rule
	}
	return out
}
