package engine

import "github.com/arbor-build/arbor/internal/deps"

// DepFailure records that one of a rule's dependencies did not succeed;
// re-exported from internal/deps so callers only need this package.
type DepFailure = deps.DepFailure

// BuildResult is this engine's realization of the BuildResult sum type
// (§3) — exactly the type internal/deps.Tracker already memoizes one of
// per target, re-exported here so callers only need to import this
// package. See DESIGN.md's Open Question decision on the DepFailures field.
type BuildResult = deps.Result

// Kind and Outcome are re-exported from internal/deps for callers that
// only import engine.
type Kind = deps.Kind
type Outcome = deps.Outcome

// Kind/Outcome constants, re-exported from internal/deps for callers that
// only import engine.
const (
	BuiltLocally                  = deps.BuiltLocally
	FetchedFromCache              = deps.FetchedFromCache
	FetchedFromCacheInputBased    = deps.FetchedFromCacheInputBased
	FetchedFromCacheManifestBased = deps.FetchedFromCacheManifestBased
	MatchingRuleKey               = deps.MatchingRuleKey
	MatchingInputBasedRuleKey     = deps.MatchingInputBasedRuleKey
	MatchingDepFileRuleKey        = deps.MatchingDepFileRuleKey
)

const (
	Success  = deps.Success
	Failure  = deps.Failure
	Canceled = deps.Canceled
)
