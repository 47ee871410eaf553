// Package rulekey implements the RuleKeyFactory (C2): the four rule-key
// builders (default, input-based, dep-file, manifest) sharing one canonical
// serializer feeding a hash sponge.
//
// Grounded on the reference tool's src/build/incrementality.go ruleHash,
// which serializes a fixed, ordered set of a target's rule-key-relevant
// fields into a sha1 sum, and on Buck's DefaultRuleKeyFactory /
// InputBasedRuleKeyFactory / DependencyFileRuleKeyFactory in
// CachingBuildEngine.java, which is the origin of the four-key-family
// split and the SizeLimitExceeded / MissingInput failure modes.
package rulekey

import (
	"errors"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/arbor-build/arbor/internal/hashcache"
	"github.com/arbor-build/arbor/rule"
)

// ErrSizeLimitExceeded is returned by InputBased when the hashed input set
// exceeds the configured cap (§4.2 InputBased); the engine responds by
// skipping input-based caching for that rule (§4.9 edge cases).
var ErrSizeLimitExceeded = errors.New("rule key input set exceeds size limit")

// ErrMissingInput is returned, bare or wrapped, by DepFileKey/ManifestKey
// when a referenced file can no longer be hashed, e.g. because it no longer
// exists (§4.2 DepFileKey).
var ErrMissingInput = errors.New("dep-file references a missing input")

// Factory computes rule keys. It is safe for concurrent use; the
// FileHashCache it wraps handles its own internal locking.
type Factory struct {
	hashes   *hashcache.LayeredCache
	keySeed  int64
	maxInput int // 0 means unlimited
}

// New constructs a Factory. hashes resolves SourcePath fields to content
// hashes (C1); keySeed is folded into every key so a fleet-wide config bump
// invalidates every key at once (§4.2 tie-break policy); maxInputBytes
// bounds the input-based key's hashed input set (0 disables the limit).
func New(hashes *hashcache.LayeredCache, keySeed int64, maxInputBytes int) *Factory {
	return &Factory{hashes: hashes, keySeed: keySeed, maxInput: maxInputBytes}
}

// sponge is the canonical serializer: a running BLAKE3 hash that primitives,
// ordered collections (in order), and unordered collections (sorted first)
// are fed into, truncated to rule.KeySize bytes on Sum. BLAKE3 is used here
// purely as a fast, high-quality extendable-output hash for an identity
// scheme between cooperating builds, not as a cryptographic commitment —
// see SPEC_FULL.md §4.2 for why a non-adversarial hash is the right choice.
type sponge struct {
	h        *blake3.Hasher
	oversize bool
	budget   int // remaining byte budget before oversize trips, -1 = unlimited
}

func newSponge(keySeed int64, maxBytes int) *sponge {
	s := &sponge{h: blake3.New(), budget: -1}
	if maxBytes > 0 {
		s.budget = maxBytes
	}
	fmt.Fprintf(s.h, "seed:%d", keySeed)
	return s
}

func (s *sponge) writeTag(tag byte) {
	s.h.Write([]byte{tag})
}

func (s *sponge) writeBytes(b []byte) {
	if s.budget >= 0 {
		s.budget -= len(b)
		if s.budget < 0 {
			s.oversize = true
		}
	}
	var lenBuf [8]byte
	for i := 0; i < 8; i++ {
		lenBuf[i] = byte(len(b) >> (8 * i))
	}
	s.h.Write(lenBuf[:])
	s.h.Write(b)
}

func (s *sponge) writeString(str string) {
	s.writeTag('s')
	s.writeBytes([]byte(str))
}

func (s *sponge) writeBool(b bool) {
	s.writeTag('b')
	if b {
		s.writeBytes([]byte{1})
	} else {
		s.writeBytes([]byte{0})
	}
}

func (s *sponge) writeInt64(i int64) {
	s.writeTag('i')
	var buf [8]byte
	for j := 0; j < 8; j++ {
		buf[j] = byte(i >> (8 * j))
	}
	s.writeBytes(buf[:])
}

func (s *sponge) writeOrderedStrings(vals []string) {
	s.writeTag('L')
	s.writeInt64(int64(len(vals)))
	for _, v := range vals {
		s.writeString(v)
	}
}

func (s *sponge) writeUnorderedMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s.writeTag('M')
	s.writeInt64(int64(len(keys)))
	for _, k := range keys {
		s.writeString(k)
		s.writeString(m[k])
	}
}

func (s *sponge) writeKey(k rule.Key) {
	s.writeTag('k')
	s.writeBytes(k[:])
}

func (s *sponge) sum() rule.Key {
	var out rule.Key
	var full [32]byte
	s.h.Sum(full[:0])
	copy(out[:], full[:rule.KeySize])
	return out
}

// writeField feeds a single rule.Field into the sponge, resolving
// SourcePath values to their content hash via the FileHashCache.
func (s *sponge) writeField(f rule.Field, hashes *hashcache.LayeredCache) error {
	s.writeString(f.Name)
	switch v := f.Value.(type) {
	case string:
		s.writeString(v)
	case []byte:
		s.writeBytes(v)
	case bool:
		s.writeBool(v)
	case int64:
		s.writeInt64(v)
	case []string:
		s.writeOrderedStrings(v)
	case map[string]string:
		s.writeUnorderedMap(v)
	case rule.SourcePath:
		h, err := hashes.Get(string(v))
		if err != nil {
			return fmt.Errorf("resolving source path %s: %w", v, err)
		}
		s.writeTag('p')
		s.writeBytes(h)
	default:
		return fmt.Errorf("unsupported rule key field type for %s: %T", f.Name, v)
	}
	return nil
}

// Default computes R's default rule key (§4.2 Default): every
// rule-key-relevant field, plus the default key of every dependency.
// depDefaultKeys must contain an entry for every dependency returned by
// r.Dependencies(); it is the caller's (engine's) job to have already
// resolved those recursively.
func (f *Factory) Default(r rule.Rule, depDefaultKeys map[rule.Target]rule.Key) (rule.Key, error) {
	s := newSponge(f.keySeed, 0)
	s.writeString(string(r.Target()))
	for _, field := range r.KeyFields() {
		if err := s.writeField(field, f.hashes); err != nil {
			return rule.Key{}, err
		}
	}
	deps := append([]rule.Target(nil), r.Dependencies()...)
	sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
	s.writeTag('D')
	s.writeInt64(int64(len(deps)))
	for _, d := range deps {
		key, ok := depDefaultKeys[d]
		if !ok {
			return rule.Key{}, fmt.Errorf("missing default key for dependency %s", d)
		}
		s.writeString(string(d))
		s.writeKey(key)
	}
	return s.sum(), nil
}

// InputBased computes R's input-based rule key (§4.2 InputBased): skips
// InputOnly fields, and for each dependency feeds its ABI key rather than
// its full default key, so implementation-only changes in a dependency
// don't ripple into this key. Returns ErrSizeLimitExceeded if the hashed
// input set exceeds the factory's configured cap.
func (f *Factory) InputBased(r rule.Rule, depABIKeys map[rule.Target]rule.Key) (rule.Key, error) {
	if !r.SupportsInputBasedRuleKey() {
		return rule.Key{}, fmt.Errorf("rule %s does not support input-based rule keys", r.Target())
	}
	s := newSponge(f.keySeed, f.maxInput)
	s.writeString(string(r.Target()))
	for _, field := range r.KeyFields() {
		if field.InputOnly {
			continue
		}
		if err := s.writeField(field, f.hashes); err != nil {
			return rule.Key{}, err
		}
	}
	deps := append([]rule.Target(nil), r.Dependencies()...)
	sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
	s.writeTag('A')
	s.writeInt64(int64(len(deps)))
	for _, d := range deps {
		abi, ok := depABIKeys[d]
		if !ok {
			continue // dependency has no ABI key; nothing to feed (§6 abi-key() -> Option<RuleKey>)
		}
		s.writeString(string(d))
		s.writeKey(abi)
	}
	if s.oversize {
		return rule.Key{}, ErrSizeLimitExceeded
	}
	return s.sum(), nil
}

// DepFileKey computes R's dep-file rule key (§4.2 DepFileKey) from its
// non-InputOnly fields plus the actual files listed in entries, each hashed
// via C1. If any entry's path can't be hashed it returns an error matching
// ErrMissingInput: the bare sentinel when tolerateMissing is true, or one
// wrapping it with the path and cause when false. The caller decides what a
// missing input means (the engine's pre-build lookup treats it as "key
// unavailable"; its post-build verification treats it as a hard error).
func (f *Factory) DepFileKey(r rule.Rule, entries []rule.InputDescriptor, tolerateMissing bool) (rule.Key, error) {
	s := newSponge(f.keySeed, 0)
	s.writeString(string(r.Target()))
	for _, field := range r.KeyFields() {
		if field.InputOnly {
			continue
		}
		if err := s.writeField(field, f.hashes); err != nil {
			return rule.Key{}, err
		}
	}
	sorted := append([]rule.InputDescriptor(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	s.writeTag('F')
	s.writeInt64(int64(len(sorted)))
	for _, e := range sorted {
		h, err := f.hashes.Get(e.Path)
		if err != nil {
			if tolerateMissing {
				return rule.Key{}, ErrMissingInput
			}
			return rule.Key{}, fmt.Errorf("%w: %s: %s", ErrMissingInput, e.Path, err)
		}
		s.writeString(e.Path)
		s.writeBytes(h)
	}
	return s.sum(), nil
}

// ManifestKey computes R's manifest key (§4.2 ManifestKey): the same
// construction as DepFileKey but over the rule's entire potential input
// universe (every path for which r.CoveredByDepFile reports true), not the
// observed subset. Returns the key and the input-hash tuple used to index
// into the manifest store.
func (f *Factory) ManifestKey(r rule.Rule, potentialInputs []string) (rule.Key, [][]byte, error) {
	sortedPaths := append([]string(nil), potentialInputs...)
	sort.Strings(sortedPaths)
	entries := make([]rule.InputDescriptor, 0, len(sortedPaths))
	tuple := make([][]byte, 0, len(sortedPaths))
	for _, p := range sortedPaths {
		if !r.CoveredByDepFile(p) {
			continue
		}
		h, err := f.hashes.Get(p)
		if err != nil {
			return rule.Key{}, nil, fmt.Errorf("%w: %s: %s", ErrMissingInput, p, err)
		}
		entries = append(entries, rule.InputDescriptor{Path: p, Hash: h})
		tuple = append(tuple, h)
	}
	key, err := f.DepFileKey(r, entries, false)
	return key, tuple, err
}
