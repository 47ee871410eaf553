// Package buildinfo implements the BuildInfoStore (C3): per-rule metadata
// persisted as files under a ".metadata" directory, written atomically via
// write-to-temp-then-rename (§4.3).
//
// Grounded on the reference tool's src/cache/dir_cache.go, which uses the
// same write-to-temp-directory-then-rename idiom to make a cache entry's
// arrival atomic from the point of view of any concurrent reader, and on
// Buck's DefaultOnDiskBuildInfo (CachingBuildEngine.java), which defines the
// fixed metadata key set this package persists.
package buildinfo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/arbor-build/arbor/internal/errs"
	"github.com/arbor-build/arbor/rule"
)

// Well-known metadata keys (§3 BuildInfo, §6 external interface).
const (
	KeyTarget             = "TARGET"
	KeyRuleKey            = "RULE_KEY"
	KeyInputBasedRuleKey  = "INPUT_BASED_RULE_KEY"
	KeyDepFileRuleKey     = "DEP_FILE_RULE_KEY"
	KeyManifestKey        = "MANIFEST_KEY"
	KeyRecordedPaths      = "RECORDED_PATHS"
	KeyRecordedPathHashes = "RECORDED_PATH_HASHES"
	KeyDepFile            = "DEP_FILE"
)

// metadataDirName is the fixed subdirectory name under a target's output
// directory holding its metadata files (§6: "<out>/bin/<target-path>/.metadata/").
const metadataDirName = ".metadata"

// Store is a per-filesystem BuildInfoStore. One Store is created per
// project root and shared by every rule built against it.
type Store struct {
	root string
}

// New constructs a Store rooted at root (the build output directory, e.g.
// "<out>/bin").
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) dir(target rule.Target) string {
	return filepath.Join(s.root, targetPath(target), metadataDirName)
}

// OutputDir returns the directory target's declared outputs live under,
// relative to this Store's root — the same "<target-path>" prefix the
// metadata directory is nested inside (§6: "<out>/bin/<target-path>/").
func (s *Store) OutputDir(target rule.Target) string {
	return filepath.Join(s.root, targetPath(target))
}

// TargetPath converts a Target identity into a filesystem-safe relative
// path. Targets of the form "//pkg/path:name" map to "pkg/path/name".
// Exported so callers outside this package (the engine, when computing a
// rule's output directory for cache fetch/store) can derive the identical
// layout without duplicating the conversion.
func TargetPath(target rule.Target) string {
	return targetPath(target)
}

// targetPath converts a Target identity into a filesystem-safe relative
// path. Targets of the form "//pkg/path:name" map to "pkg/path/name".
func targetPath(target rule.Target) string {
	t := string(target)
	if len(t) >= 2 && t[:2] == "//" {
		t = t[2:]
	}
	for i := 0; i < len(t); i++ {
		if t[i] == ':' {
			if i == 0 {
				return t[1:]
			}
			return t[:i] + "/" + t[i+1:]
		}
	}
	return t
}

// Read returns the value stored under key for target, or ("", false) if it
// is absent.
func (s *Store) Read(target rule.Target, key string) (string, bool) {
	b, err := os.ReadFile(filepath.Join(s.dir(target), key))
	if err != nil {
		return "", false
	}
	return string(b), true
}

// ReadAll returns every metadata key currently on disk for target.
func (s *Store) ReadAll(target rule.Target) (map[string]string, error) {
	dir := s.dir(target)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, errs.NewIOFailure(fmt.Sprintf("reading metadata dir for %s", target), err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, errs.NewIOFailure(fmt.Sprintf("reading metadata key %s for %s", e.Name(), target), err)
		}
		out[e.Name()] = string(b)
	}
	return out, nil
}

// RecordedPaths decodes the RECORDED_PATHS key as a list of relative output
// paths (§6: JSON list of relative path strings).
func (s *Store) RecordedPaths(target rule.Target) ([]string, bool) {
	raw, ok := s.Read(target, KeyRecordedPaths)
	if !ok {
		return nil, false
	}
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		return nil, false
	}
	return paths, true
}

// RecordedPathHashes decodes the RECORDED_PATH_HASHES key as a map from
// relative path to hex-encoded content hash (§6).
func (s *Store) RecordedPathHashes(target rule.Target) (map[string]string, bool) {
	raw, ok := s.Read(target, KeyRecordedPathHashes)
	if !ok {
		return nil, false
	}
	var hashes map[string]string
	if err := json.Unmarshal([]byte(raw), &hashes); err != nil {
		return nil, false
	}
	return hashes, true
}

// Update atomically replaces target's metadata with the given key/value
// set: either every new key lands, or (on failure) none does (§3 BuildInfo
// invariant). The reference policy — write everything to a fresh temp
// directory, then rename it over the old one — is exactly what
// src/cache/dir_cache.go does for cache entries.
func (s *Store) Update(target rule.Target, values map[string]string) error {
	dir := s.dir(target)
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return errs.NewIOFailure("creating metadata parent directory", err)
	}
	tmp, err := os.MkdirTemp(parent, metadataDirName+".tmp-")
	if err != nil {
		return errs.NewIOFailure("creating temporary metadata directory", err)
	}
	// Keep key iteration order deterministic for reproducible logging, even
	// though file contents don't depend on write order.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := os.WriteFile(filepath.Join(tmp, k), []byte(values[k]), 0644); err != nil {
			os.RemoveAll(tmp)
			return errs.NewIOFailure(fmt.Sprintf("writing metadata key %s", k), err)
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		os.RemoveAll(tmp)
		return errs.NewIOFailure("clearing stale metadata directory", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		os.RemoveAll(tmp)
		return errs.NewIOFailure("renaming metadata directory into place", err)
	}
	return nil
}

// Delete removes all metadata for target, used when a local build fails
// partway through so the next run doesn't mistake half-complete state for
// success (§4.9 failure semantics).
func (s *Store) Delete(target rule.Target) error {
	if err := os.RemoveAll(s.dir(target)); err != nil {
		return errs.NewIOFailure(fmt.Sprintf("deleting metadata for %s", target), err)
	}
	return nil
}

// State reports whether target's metadata is Absent, Stale, or Current
// relative to the given rule key: Absent if no metadata exists, Current if
// RULE_KEY matches key, Stale otherwise (§4.3).
type State int

const (
	Absent State = iota
	Stale
	Current
)

// StateFor returns target's metadata State with respect to key, comparing
// against the persisted RULE_KEY (the default key family).
func (s *Store) StateFor(target rule.Target, key rule.Key) State {
	return s.StateForMetadataKey(target, KeyRuleKey, key)
}

// StateForMetadataKey is StateFor generalized to any of the key-family
// metadata keys (KeyRuleKey, KeyInputBasedRuleKey, KeyDepFileRuleKey,
// KeyManifestKey), used by the engine's steps 4a/4b to check an on-disk
// match against a key family other than the default one (§4.9).
func (s *Store) StateForMetadataKey(target rule.Target, metadataKey string, key rule.Key) State {
	raw, ok := s.Read(target, metadataKey)
	if !ok {
		return Absent
	}
	if raw == fmt.Sprintf("%x", key[:]) {
		return Current
	}
	return Stale
}
