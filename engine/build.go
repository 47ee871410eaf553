package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/arbor-build/arbor/internal/buildinfo"
	"github.com/arbor-build/arbor/internal/cache"
	"github.com/arbor-build/arbor/internal/config"
	"github.com/arbor-build/arbor/internal/errs"
	"github.com/arbor-build/arbor/internal/rulekey"
	"github.com/arbor-build/arbor/internal/scheduler"
	"github.com/arbor-build/arbor/rule"
)

// stepWeight/cacheWeight are the fixed resource vectors the engine submits
// work under. rule.Rule exposes no per-rule resource declaration —
// constructing the rule graph is explicitly out of scope for this module
// (rule/rule.go's header) — so local step execution is costed as one
// CPU-bound unit and cache transport as one disk/network-bound unit rather
// than a rule-specific vector; see DESIGN.md.
var (
	stepWeight  = scheduler.Weight{CPU: 1}
	cacheWeight = scheduler.Weight{DiskIO: 1, NetIO: 1}
)

// keySet accumulates whichever rule-key families have been computed for a
// rule's current build attempt, threaded into finalize so step 7's
// multi-indexed upload can use every key the engine actually has in hand
// rather than recomputing them.
type keySet struct {
	defaultKey rule.Key

	haveInputBased bool
	inputBasedKey  rule.Key

	haveDepFile bool
	depFileKey  rule.Key
}

// buildRule drives r through the four-stage cache protocol (§4.9). It is
// only ever invoked once per target, from inside the Tracker's memoized
// future (see buildOne); concurrent callers for the same target block on
// that future rather than re-entering here.
func (e *Engine) buildRule(ctx context.Context, r rule.Rule) BuildResult {
	target := r.Target()

	if err := ctx.Err(); err != nil {
		return BuildResult{Target: target, Outcome: Canceled, CanceledReason: err.Error()}
	}

	defaultKey, err := e.resolveDefaultKey(r)
	if err != nil {
		return BuildResult{Target: target, Outcome: Failure, Err: errs.NewUserError(fmt.Sprintf("computing default rule key for %s", target), err)}
	}
	ks := keySet{defaultKey: defaultKey}

	// Step 1: does on-disk metadata already match the default key? Deep
	// mode additionally requires every declared output to actually be
	// present on disk before accepting this shortcut — its contract is
	// that every transitive rule's artifacts are materialized and
	// verified, not merely key-matched (SPEC_FULL "Build modes"; Shallow,
	// the default, trusts recorded metadata without re-checking presence).
	if e.cfg.Build.RuleKeyCaching && e.info.StateFor(target, defaultKey) == buildinfo.Current {
		if e.parsed.BuildMode != config.Deep || e.outputsPresent(r) {
			return BuildResult{Target: target, Outcome: Success, Kind: MatchingRuleKey}
		}
	}

	// Step 2: default-key cache fetch.
	if e.tryFetch(ctx, r, defaultKey) {
		return e.finalize(ctx, r, FetchedFromCache, false, ks)
	}

	if err := ctx.Err(); err != nil {
		return BuildResult{Target: target, Outcome: Canceled, CanceledReason: err.Error()}
	}

	// Step 3: build every dependency first.
	depResults := e.buildDeps(ctx, r)
	if failed, ok := firstDepFailure(depResults); ok {
		if !e.cfg.Build.KeepGoing {
			return BuildResult{Target: target, Outcome: Canceled, CanceledReason: fmt.Sprintf("dependency %s did not succeed", failed.Target)}
		}
		return BuildResult{
			Target:      target,
			Outcome:     Failure,
			Err:         fmt.Errorf("dependency %s did not succeed", failed.Target),
			DepFailures: []DepFailure{{Target: failed.Target, Err: failed.Err}},
		}
	}

	if err := ctx.Err(); err != nil {
		return BuildResult{Target: target, Outcome: Canceled, CanceledReason: err.Error()}
	}

	// Step 4a: input-based key.
	if r.SupportsInputBasedRuleKey() {
		depABI, err := e.depABIKeys(r)
		if err != nil {
			return BuildResult{Target: target, Outcome: Failure, Err: errs.NewUserError("resolving ABI keys", err)}
		}
		inputBasedKey, err := e.keys.InputBased(r, depABI)
		switch {
		case errors.Is(err, rulekey.ErrSizeLimitExceeded):
			// Skip 4a entirely (§4.9 edge cases).
		case err != nil:
			return BuildResult{Target: target, Outcome: Failure, Err: errs.NewUserError(fmt.Sprintf("computing input-based rule key for %s", target), err)}
		default:
			ks.haveInputBased = true
			ks.inputBasedKey = inputBasedKey
			if e.info.StateForMetadataKey(target, buildinfo.KeyInputBasedRuleKey, inputBasedKey) == buildinfo.Current {
				if e.parsed.BuildMode != config.Deep || e.outputsPresent(r) {
					// Record the new default key, so the next invocation can
					// stop at step 1.
					if prior, err := e.info.ReadAll(target); err != nil {
						log.Warningf("reading metadata for %s: %s", target, err)
					} else {
						prior[buildinfo.KeyRuleKey] = fmt.Sprintf("%x", defaultKey[:])
						if err := e.info.Update(target, prior); err != nil {
							log.Warningf("recording rule key for %s: %s", target, err)
						}
					}
					return BuildResult{Target: target, Outcome: Success, Kind: MatchingInputBasedRuleKey}
				}
			}
			if e.tryFetch(ctx, r, inputBasedKey) {
				return e.finalize(ctx, r, FetchedFromCacheInputBased, false, ks)
			}
		}
	}

	// Step 4b: dep-file key from the prior local build's recorded inputs.
	if e.parsed.DepFileMode != config.DepFilesDisabled && r.UsesDepFileRuleKeys() {
		if prior, ok := e.priorDepFileEntries(target); ok {
			depFileKey, err := e.keys.DepFileKey(r, prior, true)
			switch {
			case errors.Is(err, rulekey.ErrMissingInput):
				// Unavailable; fall through to 4c.
			case err != nil:
				return BuildResult{Target: target, Outcome: Failure, Err: errs.NewUserError(fmt.Sprintf("computing dep-file rule key for %s", target), err)}
			default:
				if e.info.StateForMetadataKey(target, buildinfo.KeyDepFileRuleKey, depFileKey) == buildinfo.Current {
					if e.parsed.BuildMode != config.Deep || e.outputsPresent(r) {
						return BuildResult{Target: target, Outcome: Success, Kind: MatchingDepFileRuleKey}
					}
				}
			}
		}
	}

	// Step 4c: manifest-based lookup.
	if e.parsed.DepFileMode == config.DepFilesCache && r.UsesDepFileRuleKeys() {
		if hit, depFileKey, ok := e.tryManifestFetch(ctx, r); ok && hit {
			ks.haveDepFile = true
			ks.depFileKey = depFileKey
			return e.finalize(ctx, r, FetchedFromCacheManifestBased, false, ks)
		}
	}

	// Step 5: execute locally.
	if e.parsed.BuildMode == config.PopulateFromRemoteCache {
		return BuildResult{Target: target, Outcome: Failure, Err: errs.NewUserError(fmt.Sprintf("%s is not cached and local building is disabled (populate-from-remote-cache mode)", target), nil)}
	}
	if err := e.runStepsLocally(ctx, r); err != nil {
		if derr := e.info.Delete(target); derr != nil {
			log.Warningf("cleaning up metadata for %s after failed build: %s", target, derr)
		}
		return BuildResult{Target: target, Outcome: Failure, Err: err}
	}
	return e.finalize(ctx, r, BuiltLocally, true, ks)
}

// outputsPresent reports whether every one of r's declared outputs exists
// in its output directory, the materialization check Deep build mode adds
// on top of a plain on-disk-metadata key match (SPEC_FULL "Build modes").
func (e *Engine) outputsPresent(r rule.Rule) bool {
	dir := e.info.OutputDir(r.Target())
	for _, out := range r.Outputs() {
		if _, err := os.Stat(filepath.Join(dir, out)); err != nil {
			return false
		}
	}
	return true
}

// runStepsLocally executes r's build steps in order under the scheduler's
// admission, stopping at the first failure.
func (e *Engine) runStepsLocally(ctx context.Context, r rule.Rule) error {
	return e.pool.Submit(ctx, stepWeight, func(ctx context.Context) error {
		for _, step := range r.Steps() {
			if err := step.Execute(ctx); err != nil {
				return errs.NewStepFailure(fmt.Sprintf("step %q failed for %s", step.Describe(), r.Target()), err)
			}
		}
		return nil
	})
}

// tryFetch attempts a cache fetch of key into r's output directory,
// demoting every error to a Miss (§4.4: "a transport error is always
// reported as errs.CacheTransient and demoted to a Miss by the caller,
// never treated as a build failure").
func (e *Engine) tryFetch(ctx context.Context, r rule.Rule, key rule.Key) bool {
	if e.cache == nil {
		return false
	}
	hit := false
	start := time.Now()
	err := e.pool.Submit(ctx, cacheWeight, func(ctx context.Context) error {
		dest := e.info.OutputDir(r.Target())
		res, err := e.cache.Fetch(ctx, key, dest)
		if err != nil {
			log.Debugf("cache fetch for %s demoted to miss: %s", r.Target(), err)
			return nil
		}
		hit = res == cache.Hit
		return nil
	})
	if err != nil {
		hit = false
	}
	label := "miss"
	if hit {
		label = "hit"
	}
	e.metrics.RecordCacheResult(label, time.Since(start))
	return hit
}

// tryManifestFetch computes r's manifest key from its prior dep-file
// footprint, looks up a matching entry, and — on a match — fetches the
// artifact for that entry's dep-file rule key. The prior footprint (rather
// than a fresh filesystem walk) stands in for the "potential input
// universe" ManifestKey wants, since this module owns no standalone
// source-tree walker; see DESIGN.md.
func (e *Engine) tryManifestFetch(ctx context.Context, r rule.Rule) (matched bool, depFileKey rule.Key, ok bool) {
	prior, have := e.priorDepFileEntries(r.Target())
	if !have || len(prior) == 0 {
		return false, rule.Key{}, false
	}
	paths := make([]string, len(prior))
	for i, in := range prior {
		paths[i] = in.Path
	}
	// ManifestKey's returned RuleKey is unused here: Lookup needs only the
	// current hashes of the potential-input universe, which it recomputes
	// itself via hashOf; the manifest file itself is addressed by target.
	if _, _, err := e.keys.ManifestKey(r, paths); err != nil {
		return false, rule.Key{}, false
	}
	m, err := e.manifests.get(r.Target())
	if err != nil {
		log.Debugf("loading manifest for %s: %s", r.Target(), err)
		return false, rule.Key{}, false
	}
	key, hit := m.Lookup(func(p string) ([]byte, error) { return e.hashes.Get(p) })
	if !hit {
		return false, rule.Key{}, false
	}
	if !e.tryFetch(ctx, r, key) {
		return false, rule.Key{}, false
	}
	return true, key, true
}

// priorDepFileEntries decodes target's persisted DEP_FILE metadata, if any.
func (e *Engine) priorDepFileEntries(target rule.Target) ([]rule.InputDescriptor, bool) {
	raw, ok := e.info.Read(target, buildinfo.KeyDepFile)
	if !ok {
		return nil, false
	}
	var entries []rule.InputDescriptor
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, false
	}
	return entries, true
}

// buildDeps triggers (and waits for) every one of r's declared dependencies
// concurrently, in shuffled order, to spread admission contention across
// targets that share subsystems (§4.9 "Ordering/tie-breaks") — this is the
// engine's "wave" of subtask issuance described in §5: buildOne never runs
// synchronously inside a task that is itself holding scheduler-admitted
// weight, so a rule's own Submit call never blocks on its subtasks'
// admission.
func (e *Engine) buildDeps(ctx context.Context, r rule.Rule) []BuildResult {
	depTargets := append([]rule.Target(nil), r.Dependencies()...)
	rand.Shuffle(len(depTargets), func(i, j int) {
		depTargets[i], depTargets[j] = depTargets[j], depTargets[i]
	})

	results := make([]BuildResult, len(depTargets))
	done := make(chan int, len(depTargets))
	for i, d := range depTargets {
		i, d := i, d
		go func() {
			results[i] = e.buildOne(ctx, d)
			done <- i
		}()
	}
	for range depTargets {
		<-done
	}
	return results
}
