// Package cache implements the ArtifactCache contract (C4) and its two
// concrete transports: a local-filesystem DirCache (D1, grounded on the
// reference tool's src/cache/dir_cache.go) and a gRPC RemoteCache (D2,
// grounded on its src/remote package), composed by a priority-ordered
// Multiplexer (D3, grounded on its src/cache/cache.go cacheMultiplexer).
//
// Every operation is fallible and best-effort: a transport error is always
// reported as errs.CacheTransient and demoted to a Miss by the caller,
// never treated as a build failure (§4.4, §7).
package cache

import (
	"context"
	"io"

	"github.com/arbor-build/arbor/rule"
)

// Result reports the outcome of a Fetch.
type Result int

const (
	// Miss means the cache holds nothing for the requested key, or the
	// transport failed in a way that must be treated identically to
	// holding nothing (§4.4).
	Miss Result = iota
	// Hit means dest was populated from the cache.
	Hit
)

func (r Result) String() string {
	if r == Hit {
		return "hit"
	}
	return "miss"
}

// ArtifactInfo accompanies a Store call: the set of keys this blob should
// be indexed under (a rule's default, input-based, and dep-file keys may
// all resolve to the same built artifact — "multi-indexed write", §4.4)
// plus free-form metadata persisted alongside it (e.g. RECORDED_PATHS).
type ArtifactInfo struct {
	Keys     []rule.Key
	Metadata map[string]string
}

// ArtifactCache is the contract every cache tier and the Multiplexer
// satisfy. dest in Fetch is a directory the implementation should unpack
// the artifact's packed form into (via internal/pack).
type ArtifactCache interface {
	Fetch(ctx context.Context, key rule.Key, dest string) (Result, error)
	Store(ctx context.Context, info ArtifactInfo, blob io.Reader) error
	Clean(ctx context.Context, key rule.Key) error
}
