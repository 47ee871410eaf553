package cache

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/arbor-build/arbor/internal/pack"
	"github.com/arbor-build/arbor/rule"
)

// Multiplexer is the D3 ArtifactCache: it composes several tiers in
// priority order (fastest/cheapest first, e.g. DirCache then RemoteCache),
// grounded on the reference's src/cache/cache.go cacheMultiplexer. Fetch
// tries each tier in order and stops at the first Hit; on a lower-tier
// hit it back-fills every higher-priority tier so the next Fetch for the
// same key is served locally. Store and Clean fan out to every tier.
type Multiplexer struct {
	tiers []ArtifactCache
}

// NewMultiplexer composes tiers in the given priority order.
func NewMultiplexer(tiers ...ArtifactCache) *Multiplexer {
	return &Multiplexer{tiers: tiers}
}

// Fetch tries each tier in priority order, returning the first Hit and
// back-filling every higher-priority tier it skipped over.
func (m *Multiplexer) Fetch(ctx context.Context, key rule.Key, dest string) (Result, error) {
	for i, tier := range m.tiers {
		result, err := tier.Fetch(ctx, key, dest)
		if err != nil || result == Miss {
			continue
		}
		m.backfill(ctx, key, dest, m.tiers[:i])
		return Hit, nil
	}
	return Miss, nil
}

// backfill re-stores a freshly-fetched artifact into every tier ranked
// above the one that actually served it, mirroring the reference
// Multiplexer's Retrieve, which re-stores into higher-priority caches on a
// lower-tier hit.
func (m *Multiplexer) backfill(ctx context.Context, key rule.Key, dest string, higherTiers []ArtifactCache) {
	if len(higherTiers) == 0 {
		return
	}
	tmp, err := os.CreateTemp("", "arbor-backfill-*.zip")
	if err != nil {
		return
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := pack.Pack(dest, []string{dest}, tmpPath); err != nil {
		return
	}
	blob, err := os.ReadFile(tmpPath)
	if err != nil {
		return
	}
	info := ArtifactInfo{Keys: []rule.Key{key}}
	for _, tier := range higherTiers {
		tier.Store(ctx, info, bytes.NewReader(blob))
	}
}

// Store fans out to every tier, collecting (rather than short-circuiting
// on) failures so that one tier being unreachable doesn't prevent storing
// into the others.
func (m *Multiplexer) Store(ctx context.Context, info ArtifactInfo, blob io.Reader) error {
	data, err := io.ReadAll(blob)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, tier := range m.tiers {
		if err := tier.Store(ctx, info, bytes.NewReader(data)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Clean fans out to every tier.
func (m *Multiplexer) Clean(ctx context.Context, key rule.Key) error {
	var result *multierror.Error
	for _, tier := range m.tiers {
		if err := tier.Clean(ctx, key); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
