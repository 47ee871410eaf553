// Package engine implements the BuildEngine (C9): the orchestrator that
// drives every rule through the four-stage cache protocol (default key →
// input-based key → dep-file key → manifest-based key) before falling
// back to a local build, wiring together every other internal/* package
// behind that single state machine.
//
// Grounded on Buck's CachingBuildEngine.java for the state machine and
// post-build finalization order, and on the reference tool's
// src/build/build_step.go for the per-rule sequencing idiom (prepare,
// check cache, build, record) realized here as idiomatic Go rather than a
// single monolithic buildTarget function with named-return recover().
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/arbor-build/arbor/internal/buildinfo"
	"github.com/arbor-build/arbor/internal/cache"
	"github.com/arbor-build/arbor/internal/config"
	"github.com/arbor-build/arbor/internal/deps"
	"github.com/arbor-build/arbor/internal/errs"
	"github.com/arbor-build/arbor/internal/hashcache"
	"github.com/arbor-build/arbor/internal/metrics"
	"github.com/arbor-build/arbor/internal/rulekey"
	"github.com/arbor-build/arbor/internal/scheduler"
	"github.com/arbor-build/arbor/rule"
)

var log = logging.MustGetLogger("engine")

// Options bundles every collaborator the Engine needs. Fields left zero
// get a reasonable default (see New).
type Options struct {
	// Graph answers rule lookups; see the Graph interface.
	Graph Graph
	// Config holds every tunable recognized by §6: build mode, dep-file
	// mode, key seed, keep-going, etc.
	Config *config.Configuration
	// OutputRoot is the build output directory BuildInfoStore and the
	// manifest store are rooted at (e.g. "<repo>/.arbor-out").
	OutputRoot string
	// Hashes resolves SourcePath fields and dep-file/manifest entries to
	// content hashes (C1).
	Hashes *hashcache.LayeredCache
	// Cache is the artifact cache (C4) rule outputs are fetched from and
	// stored to; typically a *cache.Multiplexer composing a DirCache and
	// a RemoteCache.
	Cache cache.ArtifactCache
	// Metrics is optional; nil disables all metrics recording.
	Metrics *metrics.Recorder
	// Pool is optional; nil has the Engine build one from sampled host
	// capacity scaled by Config.Build.ResourceScale (§4.8, D4).
	Pool *scheduler.Pool
}

// Engine is the BuildEngine (C9). One Engine serves one top-level build
// invocation; it owns the result-future map exclusively (§3 Ownership) and
// holds shared references to every other collaborator.
type Engine struct {
	graph      Graph
	cfg        *config.Configuration
	parsed     config.Parsed
	outputRoot string
	hashes     *hashcache.LayeredCache
	keys       *rulekey.Factory
	info       *buildinfo.Store
	cache      cache.ArtifactCache
	pool       *scheduler.Pool
	tracker    *deps.Tracker
	metrics    *metrics.Recorder

	manifests *manifestStore

	// defaultKeyMu/defaultKeyEntries memoize each target's default rule
	// key independently of whether that target has actually been built:
	// computing a dependency's default key only requires its own inputs
	// and its dependencies' default keys recursively, not a cache lookup
	// or a local build (see engine/keys.go). A sync.Once per entry gives
	// single-computation semantics without needing the awaitable map's
	// error-free GetOrCompute contract.
	defaultKeyMu      sync.Mutex
	defaultKeyEntries map[rule.Target]*defaultKeyEntry
}

type defaultKeyEntry struct {
	once sync.Once
	key  rule.Key
	err  error
}

// New constructs an Engine from opts, defaulting Pool to sampled host
// capacity if not supplied.
func New(opts Options) (*Engine, error) {
	if opts.Graph == nil {
		return nil, errs.NewInternal("engine.New: Graph is required")
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	parsed, err := opts.Config.Parse()
	if err != nil {
		return nil, errs.NewUserError("parsing configuration", err)
	}
	pool := opts.Pool
	if pool == nil {
		pool, err = scheduler.Default(opts.Config.Build.ResourceScale, opts.Config.Build.FairScheduling, opts.Config.Build.KeepGoing)
		if err != nil {
			return nil, err
		}
	}
	return &Engine{
		graph:             opts.Graph,
		cfg:               opts.Config,
		parsed:            parsed,
		outputRoot:        opts.OutputRoot,
		hashes:            opts.Hashes,
		keys:              rulekey.New(opts.Hashes, opts.Config.Build.KeySeed, opts.Config.Build.MaxInputKeyBytes),
		info:              buildinfo.New(opts.OutputRoot),
		cache:             opts.Cache,
		pool:              pool,
		tracker:           deps.New(),
		metrics:           opts.Metrics,
		manifests:         newManifestStore(opts.OutputRoot, opts.Config.Build.MaxDepFileCacheEntries),
		defaultKeyEntries: map[rule.Target]*defaultKeyEntry{},
	}, nil
}

// BuildTargets resolves every target in targets, building any transitive
// dependency required along the way, and returns one BuildResult per
// target in the same order. It never returns an error itself — failures
// are reported per-target in the returned results, matching the engine's
// all-futures-resolve contract (§3 Lifecycles).
func (e *Engine) BuildTargets(ctx context.Context, targets []rule.Target) []BuildResult {
	results := make([]BuildResult, len(targets))
	for i, t := range targets {
		results[i] = e.buildOne(ctx, t)
	}
	return results
}

// buildOne resolves target's memoized BuildResult, triggering its build
// (and, recursively, its dependencies') on first demand only.
func (e *Engine) buildOne(ctx context.Context, target rule.Target) BuildResult {
	r, ok := e.graph.Rule(target)
	if !ok {
		return e.tracker.Resolve(target, func() BuildResult {
			return BuildResult{Target: target, Outcome: Failure, Err: errs.NewUserError(fmt.Sprintf("no rule found for target %s", target), nil)}
		})
	}
	// Runtime dependencies are not awaited before r's own build (they need
	// not exist yet for r to produce its outputs), but ResolveWithRuntimeDeps
	// below still waits for each to resolve in the Tracker once r succeeds
	// (§4.7). Nothing else in the engine ever triggers a build for a target
	// that is only reachable as a runtime dependency, so kick each one off
	// here; buildOne/Resolve's memoization makes this safe to call whether
	// or not some other path reaches the same target independently.
	if r.HasRuntimeDeps() {
		for _, dep := range r.RuntimeDeps() {
			dep := dep
			go e.buildOne(ctx, dep)
		}
	}
	result := e.tracker.ResolveWithRuntimeDeps(r, func() BuildResult {
		start := time.Now()
		res := e.buildRule(ctx, r)
		e.metrics.RecordBuildOutcome(res.Outcome, res.Kind, time.Since(start))
		return res
	})
	if result.Outcome == Failure && !e.cfg.Build.KeepGoing {
		// Propagate globally even when the failure surfaced outside a
		// pool.Submit call (e.g. a key-computation error), so that
		// already-queued, unrelated tasks still short-circuit to
		// Canceled rather than running to completion pointlessly (§4.9
		// "Failure semantics", §7 "first-failure").
		e.pool.Cancel(result.Err)
	}
	return result
}

// firstDepFailure returns the first non-Success dependency result, if any.
func firstDepFailure(results []BuildResult) (BuildResult, bool) {
	for _, r := range results {
		if r.Outcome != Success {
			return r, true
		}
	}
	return BuildResult{}, false
}
