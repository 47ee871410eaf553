package cmap

import "github.com/cespare/xxhash/v2"

// HashString returns a shard-selection hash for a string key, using xxHash
// for the same reason the reference tool picked it for its own cmap: fast,
// good distribution, no cryptographic properties needed for shard routing.
func HashString(s string) uint32 {
	return uint32(xxhash.Sum64String(s))
}

// HashBytes is as HashString but for a byte slice, used to shard maps keyed
// on rule.Key values.
func HashBytes(b []byte) uint32 {
	return uint32(xxhash.Sum64(b))
}
