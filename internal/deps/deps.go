// Package deps implements the DepTracker & RuleDepsCache (C7): a
// process-wide memoization of "rule -> Result" futures, plus the
// additional wait a rule's result future must do for its runtime
// dependencies before it is considered truly finished.
//
// Grounded on Buck's RuleDepsCache / getBuildRuleResultWithRuntimeDeps in
// CachingBuildEngine.java, built atop the awaitable map in internal/cmap
// rather than a bespoke lock.
package deps

import (
	"fmt"

	"github.com/arbor-build/arbor/internal/cmap"
	"github.com/arbor-build/arbor/rule"
)

// Kind identifies how a rule's Result was produced, the success-path
// members of the BuildResult sum type (§3).
type Kind int

const (
	BuiltLocally Kind = iota
	FetchedFromCache
	FetchedFromCacheInputBased
	FetchedFromCacheManifestBased
	MatchingRuleKey
	MatchingInputBasedRuleKey
	MatchingDepFileRuleKey
)

func (k Kind) String() string {
	switch k {
	case BuiltLocally:
		return "built locally"
	case FetchedFromCache:
		return "fetched from cache"
	case FetchedFromCacheInputBased:
		return "fetched from cache (input-based)"
	case FetchedFromCacheManifestBased:
		return "fetched from cache (manifest-based)"
	case MatchingRuleKey:
		return "matching rule key"
	case MatchingInputBasedRuleKey:
		return "matching input-based rule key"
	case MatchingDepFileRuleKey:
		return "matching dep-file rule key"
	default:
		return "unknown"
	}
}

// Outcome is the top-level discriminant of the BuildResult sum type (§3):
// Success, Failure, or Canceled.
type Outcome int

const (
	Success Outcome = iota
	Failure
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// DepFailure records that one of a rule's dependencies did not succeed: a
// runtime dependency, without which a rule can be considered built but not
// necessarily usable, or a declared dependency under keep-going — see
// DESIGN.md's Open Question decision on Deep mode's dep-failure ambiguity.
type DepFailure struct {
	Target rule.Target
	Err    error
}

// Result is this engine's BuildResult (§3): exactly one of Kind (when
// Outcome is Success), Err (when Failure), or CanceledReason (when
// Canceled) is meaningful. DepFailures is populated alongside a
// successful Outcome when the rule itself succeeded but one or more of
// its runtime dependencies did not, and alongside a Failure when, under
// keep-going, a declared dependency did not succeed.
type Result struct {
	Target         rule.Target
	Outcome        Outcome
	Kind           Kind
	Err            error
	CanceledReason string
	DepFailures    []DepFailure
}

// Tracker memoizes one Result future per target for the engine's
// lifetime (§4.7: "memoized for the engine's lifetime, and never
// recomputed"). It is safe for concurrent use.
type Tracker struct {
	results *cmap.Map[rule.Target, Result]
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{
		results: cmap.New[rule.Target, Result](cmap.DefaultShardCount, hashTarget),
	}
}

func hashTarget(t rule.Target) uint32 {
	return cmap.HashString(string(t))
}

// Resolve returns target's memoized Result, computing it via build on
// first demand. Exactly one caller's build runs per target; concurrent
// callers block until it finishes (§4.7, §5: "single-writer-per-target").
func (t *Tracker) Resolve(target rule.Target, build func() Result) Result {
	return t.results.GetOrCompute(target, build)
}

// ResolveWithRuntimeDeps resolves r's own Result via build, then — if that
// succeeded and r declares runtime dependencies — waits for every runtime
// dependency's Result to already be resolvable in this Tracker (the
// engine is responsible for having triggered their builds first) and
// folds any that didn't succeed into the returned Result's DepFailures.
// A runtime dependency that was never triggered at all is an engine
// invariant violation, reported as a Canceled Result rather than blocking
// forever.
func (t *Tracker) ResolveWithRuntimeDeps(r rule.Rule, build func() Result) Result {
	own := t.Resolve(r.Target(), build)
	if own.Outcome != Success || !r.HasRuntimeDeps() {
		return own
	}

	var failures []DepFailure
	for _, depTarget := range r.RuntimeDeps() {
		depResult, ok := t.await(depTarget)
		if !ok {
			return Result{
				Target:         r.Target(),
				Outcome:        Canceled,
				CanceledReason: fmt.Sprintf("runtime dependency %s was never scheduled", depTarget),
			}
		}
		if depResult.Outcome != Success {
			failures = append(failures, DepFailure{Target: depTarget, Err: depResult.Err})
		}
	}
	if len(failures) > 0 {
		own.DepFailures = failures
	}
	return own
}

// await blocks until target's Result is resolved, returning false only if
// target was never claimed by anybody (i.e. nobody ever called Resolve
// for it) — which the caller treats as a scheduling bug, not a timeout.
func (t *Tracker) await(target rule.Target) (Result, bool) {
	val, wait := t.results.Get(target)
	if wait == nil {
		if !t.results.Has(target) {
			return Result{}, false
		}
		return val, true
	}
	<-wait
	val, _ = t.results.Get(target)
	return val, true
}
