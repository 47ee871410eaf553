package engine

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"

	"github.com/arbor-build/arbor/internal/errs"
	"github.com/arbor-build/arbor/internal/manifest"
	"github.com/arbor-build/arbor/rule"
)

// manifestStore persists one manifest.Manifest per rule to a flat file
// colocated with the BuildInfoStore root, GZIP-encoded exactly as §6
// specifies for the wire format ("persisted as a single file per rule",
// §4.6). It intentionally does not reuse the ArtifactCache (C4) contract:
// that contract's Fetch unconditionally unzips its blob into a destination
// directory (appropriate for rule output artifacts), whereas a manifest is
// a single raw GZIP stream with no filesystem shape of its own. It is keyed
// by the rule's Target, not by any rule-key family (see DESIGN.md):
// rulekey.Factory.ManifestKey's returned RuleKey is recorded only as
// MANIFEST_KEY metadata, and AddEntry is given the build's dep-file key;
// neither is a storage index — a
// content-dependent index would mean every footprint change lands in a
// different file, defeating the whole point of keeping a history of
// previously observed footprints to match future builds against.
type manifestStore struct {
	dir        string
	maxEntries int

	mu        sync.Mutex
	manifests map[rule.Target]*manifest.Manifest
}

func newManifestStore(root string, maxEntries int) *manifestStore {
	return &manifestStore{
		dir:        filepath.Join(root, ".manifests"),
		maxEntries: maxEntries,
		manifests:  map[rule.Target]*manifest.Manifest{},
	}
}

func (s *manifestStore) path(target rule.Target) string {
	return filepath.Join(s.dir, base64.URLEncoding.EncodeToString([]byte(target))+".manifest.gz")
}

// get returns the in-memory manifest for target, lazily loading it from
// disk (or starting a fresh one) on first reference this invocation. A
// single rule's own local build is the only writer for its own manifest
// (§3 Manifest lifecycle), so no further locking is needed once loaded.
func (s *manifestStore) get(target rule.Target) (*manifest.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.manifests[target]; ok {
		return m, nil
	}
	m := manifest.New(s.maxEntries)
	if data, err := os.ReadFile(s.path(target)); err == nil {
		if derr := m.DecodeGzip(data); derr != nil {
			// A corrupt manifest file degrades to "start fresh" rather
			// than failing the build — manifests are a caching
			// optimization, never a correctness requirement.
			m = manifest.New(s.maxEntries)
		}
	} else if !os.IsNotExist(err) {
		return nil, errs.NewIOFailure("reading manifest file", err)
	}
	s.manifests[target] = m
	return m, nil
}

// save persists m for target atomically (write-to-temp-then-rename, the
// same idiom internal/buildinfo uses for rule metadata).
func (s *manifestStore) save(target rule.Target, m *manifest.Manifest) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return errs.NewIOFailure("creating manifest directory", err)
	}
	data, err := m.EncodeGzip()
	if err != nil {
		return errs.NewIOFailure("encoding manifest", err)
	}
	path := s.path(target)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errs.NewIOFailure("writing manifest file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.NewIOFailure("renaming manifest file into place", err)
	}
	return nil
}
