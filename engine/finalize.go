package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/arbor-build/arbor/internal/buildinfo"
	"github.com/arbor-build/arbor/internal/cache"
	"github.com/arbor-build/arbor/internal/config"
	"github.com/arbor-build/arbor/internal/errs"
	"github.com/arbor-build/arbor/internal/pack"
	"github.com/arbor-build/arbor/rule"
)

// finalize runs the post-build finalization sequence (§4.9) for a rule
// whose build attempt just succeeded as kind, and returns its BuildResult.
// It is only reached for kinds whose outputs were actually touched this
// invocation (BuiltLocally or one of the FetchedFromCache* family) — the
// Matching* shortcuts return directly from buildRule without ever calling
// this: their outputs are already current on disk, and buildRule itself
// rewrites the recorded RULE_KEY on a MatchingInputBasedRuleKey result.
func (e *Engine) finalize(ctx context.Context, r rule.Rule, kind Kind, builtLocally bool, ks keySet) BuildResult {
	target := r.Target()
	outputDir := e.info.OutputDir(target)
	outputs := append([]string(nil), r.Outputs()...)

	values := map[string]string{
		buildinfo.KeyTarget:        string(target),
		buildinfo.KeyRuleKey:       hex.EncodeToString(ks.defaultKey[:]),
		buildinfo.KeyRecordedPaths: mustJSON(outputs),
	}
	if ks.haveInputBased {
		values[buildinfo.KeyInputBasedRuleKey] = hex.EncodeToString(ks.inputBasedKey[:])
	}

	// Step 2: run any post-build steps, then invalidate C1 for every
	// recorded output — every kind reaching this function touched its
	// outputs this invocation.
	if r.HasPostBuildSteps() {
		if err := e.pool.Submit(ctx, stepWeight, func(ctx context.Context) error {
			for _, step := range r.PostBuildSteps() {
				if err := step.Execute(ctx); err != nil {
					return errs.NewStepFailure(fmt.Sprintf("post-build step %q failed for %s", step.Describe(), target), err)
				}
			}
			return nil
		}); err != nil {
			if derr := e.info.Delete(target); derr != nil {
				log.Warningf("cleaning up metadata for %s after failed post-build step: %s", target, derr)
			}
			return BuildResult{Target: target, Outcome: Failure, Err: err}
		}
	}
	for _, out := range outputs {
		e.hashes.Invalidate(filepath.Join(outputDir, out))
	}

	// Step 3: dep-file + manifest bookkeeping, only after a fresh local
	// build of a rule that participates in dep-file caching.
	if builtLocally && r.UsesDepFileRuleKeys() {
		entries := r.InputsAfterBuildingLocally()
		depFileKey, err := e.keys.DepFileKey(r, entries, false)
		if err != nil {
			// A rule that reports inputs no longer present right after
			// building locally has misreported its own inputs — a hard
			// error (§4.9 edge cases), unlike the pre-build lookup in
			// step 4b which tolerates the same condition.
			if derr := e.info.Delete(target); derr != nil {
				log.Warningf("cleaning up metadata for %s after dep-file error: %s", target, derr)
			}
			return BuildResult{Target: target, Outcome: Failure, Err: errs.NewUserError(fmt.Sprintf("%s reported a missing input after building", target), err)}
		}
		ks.haveDepFile = true
		ks.depFileKey = depFileKey

		// The rule reports only paths (InputsAfterBuildingLocally), not their
		// content hashes — it has no reason to know C1's hash function. Both
		// the persisted DEP_FILE record and the manifest entry need the
		// actual hash-at-build-time (the manifest in particular: Lookup
		// compares a future hash against exactly this value), so hash every
		// entry here rather than trusting whatever the rule put in Hash.
		hashed := make([]rule.InputDescriptor, 0, len(entries))
		for _, in := range entries {
			h, err := e.hashes.Get(in.Path)
			if err != nil {
				log.Warningf("hashing dep-file input %s for %s: %s", in.Path, target, err)
				continue
			}
			hashed = append(hashed, rule.InputDescriptor{Path: in.Path, Hash: h})
		}
		values[buildinfo.KeyDepFile] = mustJSON(hashed)
		values[buildinfo.KeyDepFileRuleKey] = hex.EncodeToString(depFileKey[:])

		if e.parsed.DepFileMode == config.DepFilesCache {
			paths := make([]string, len(hashed))
			for i, in := range hashed {
				paths[i] = in.Path
			}
			// The returned RuleKey is this candidate entry's own dep-file
			// key over the potential-input universe; recorded only as
			// informational metadata (KeyManifestKey) — the manifest file
			// itself is addressed by target, not by this value, since it
			// changes with every distinct footprint (see manifests.go).
			if manifestKey, _, err := e.keys.ManifestKey(r, paths); err != nil {
				log.Debugf("computing manifest key for %s: %s", target, err)
			} else if m, err := e.manifests.get(target); err != nil {
				log.Warningf("loading manifest for %s: %s", target, err)
			} else {
				m.AddEntry(depFileKey, hashed)
				if err := e.manifests.save(target, m); err != nil {
					log.Warningf("saving manifest for %s: %s", target, err)
				}
				values[buildinfo.KeyManifestKey] = hex.EncodeToString(manifestKey[:])
			}
		}
	}

	totalSize, sizeErr := outputsTotalSize(outputDir, outputs)
	withinLimit := sizeErr == nil && (e.cfg.Build.ArtifactCacheSizeLimit <= 0 || totalSize <= e.cfg.Build.ArtifactCacheSizeLimit)
	if sizeErr != nil {
		log.Warningf("measuring output size for %s: %s", target, sizeErr)
	}

	// Step 4: hash every output and persist RECORDED_PATH_HASHES, after a
	// fresh local build of a cacheable rule within the size limit.
	if builtLocally && r.IsCacheable() && withinLimit {
		pathHashes := make(map[string]string, len(outputs))
		for _, out := range outputs {
			h, err := e.hashes.Get(filepath.Join(outputDir, out))
			if err != nil {
				log.Warningf("hashing output %s for %s: %s", out, target, err)
				continue
			}
			pathHashes[out] = hex.EncodeToString(h)
		}
		values[buildinfo.KeyRecordedPathHashes] = mustJSON(pathHashes)
	}

	// Step 5: a fetched-from-cache result seeds C1 from any
	// previously-recorded hashes that still verify against disk.
	if !builtLocally {
		if prior, ok := e.info.RecordedPathHashes(target); ok {
			for out, want := range prior {
				path := filepath.Join(outputDir, out)
				got, err := e.hashes.Get(path)
				if err == nil && hex.EncodeToString(got) == want {
					e.hashes.Set(path, got)
				}
			}
		}
	}

	// Step 6: atomically write metadata. Update always replaces the whole
	// metadata directory, so "clear prior metadata first" is implicit.
	if err := e.info.Update(target, values); err != nil {
		return BuildResult{Target: target, Outcome: Failure, Err: err}
	}

	// Step 7: multi-indexed upload, in the deterministic order default,
	// input-based, dep-file (see DESIGN.md's Open Question decision).
	if r.IsCacheable() && withinLimit {
		e.uploadToCache(ctx, r, outputDir, outputs, values, ks)
	}

	return BuildResult{Target: target, Outcome: Success, Kind: kind}
}

// uploadToCache packs r's current on-disk outputs once and stores the
// resulting blob under every rule-key family computed this invocation,
// best-effort (a store failure is logged and never fails the build, §4.4).
func (e *Engine) uploadToCache(ctx context.Context, r rule.Rule, outputDir string, outputs []string, metadata map[string]string, ks keySet) {
	if e.cache == nil {
		return
	}
	keys := []rule.Key{ks.defaultKey}
	if ks.haveInputBased {
		keys = append(keys, ks.inputBasedKey)
	}
	if ks.haveDepFile {
		keys = append(keys, ks.depFileKey)
	}

	tmp, err := os.CreateTemp("", "arbor-artifact-*.zip")
	if err != nil {
		log.Warningf("creating temp artifact archive for %s: %s", r.Target(), err)
		return
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	paths := make([]string, len(outputs))
	for i, out := range outputs {
		paths[i] = filepath.Join(outputDir, out)
	}
	if err := pack.Pack(outputDir, paths, tmpPath); err != nil {
		log.Warningf("packing artifact for %s: %s", r.Target(), err)
		return
	}

	err = e.pool.Submit(ctx, cacheWeight, func(ctx context.Context) error {
		f, err := os.Open(tmpPath)
		if err != nil {
			return err
		}
		defer f.Close()
		return e.cache.Store(ctx, cache.ArtifactInfo{Keys: keys, Metadata: metadata}, f)
	})
	if err != nil {
		log.Debugf("cache store for %s demoted: %s", r.Target(), err)
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// outputsTotalSize sums the byte size of every file under outputDir/out for
// each declared output (recursing into directories), used to gate the
// size-limited steps of finalize (§4.9 step 4, step 7).
func outputsTotalSize(outputDir string, outputs []string) (int64, error) {
	var total int64
	for _, out := range outputs {
		err := filepath.Walk(filepath.Join(outputDir, out), func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() {
				total += info.Size()
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}
