// Package cmap contains a thread-safe, sharded, awaitable concurrent map.
//
// It backs the per-rule result-future map of internal/deps (C7), which the
// engine resolves every build through. A caller that wins the race to Set a
// key becomes its sole computer; every other caller waiting on the same key
// blocks on a channel close rather than polling or holding a lock across
// I/O. The engine's default-key memo and manifest store do not use it: they
// keep their own mutex-guarded maps.
//
// Adapted from the reference build tool's src/cmap package, which uses this
// same shape for its build-state and subinclude tracking.
package cmap

import (
	"fmt"
	"sync"
)

// DefaultShardCount is a reasonable default shard count for large maps.
const DefaultShardCount = 1 << 8

// A Map is the top-level map type. All methods on it are threadsafe. It
// should be constructed via New rather than creating an instance directly.
type Map[K comparable, V any] struct {
	shards []shard[K, V]
	hasher func(K) uint32
	mask   uint32
}

// New creates a new Map using the given hasher to hash items in it. The
// shard count must be a power of 2; New panics if it is not. Higher shard
// counts improve concurrency at the cost of more memory.
func New[K comparable, V any](shardCount uint32, hasher func(K) uint32) *Map[K, V] {
	mask := shardCount - 1
	if (shardCount & mask) != 0 {
		panic(fmt.Sprintf("shard count %d is not a power of 2", shardCount))
	}
	m := &Map[K, V]{
		shards: make([]shard[K, V], shardCount),
		mask:   mask,
		hasher: hasher,
	}
	for i := range m.shards {
		m.shards[i].m = map[K]awaitableValue[V]{}
	}
	return m
}

// Set is the equivalent of `map[key] = val`. It returns true if the item
// was inserted, false if it already existed (in which case it is not
// overwritten — first writer wins, matching the single-writer-per-key
// property required of the result-future map in §4.7/§5).
func (m *Map[K, V]) Set(key K, val V) bool {
	return m.shards[m.hasher(key)&m.mask].Set(key, val)
}

// Get returns the value for key or, if it isn't present yet, a channel that
// closes once it is. Exactly one of the value or the channel is
// meaningful: check wait for nil. The caller must call Get again after the
// channel closes to pick up the now-present value.
func (m *Map[K, V]) Get(key K) (val V, wait <-chan struct{}) {
	return m.shards[m.hasher(key)&m.mask].Get(key)
}

// GetOrCompute returns the existing value for key, or computes it via fn if
// absent. Exactly one caller's fn runs per key; concurrent callers block
// until that computation finishes and then observe its result.
func (m *Map[K, V]) GetOrCompute(key K, fn func() V) V {
	for {
		val, wait, state := m.shards[m.hasher(key)&m.mask].getOrClaim(key)
		switch state {
		case resolved:
			return val
		case claimed:
			computed := fn()
			m.Set(key, computed)
			return computed
		default: // pending
			<-wait
		}
	}
}

// Has reports whether key has any entry at all — pending or resolved —
// distinct from Get's (zero, nil) result, which collapses "never touched"
// and "resolved to the zero value" into the same shape. Callers that need
// to tell those two apart (e.g. C7 waiting on a dependency that may or may
// not have been scheduled yet) should use Has first.
func (m *Map[K, V]) Has(key K) bool {
	return m.shards[m.hasher(key)&m.mask].has(key)
}

// Values returns a slice of all fully-resolved values currently in the map.
// No particular consistency guarantees are made across shards.
func (m *Map[K, V]) Values() []V {
	ret := make([]V, 0)
	for i := range m.shards {
		ret = append(ret, m.shards[i].Values()...)
	}
	return ret
}

// awaitableValue represents a value in the map and a channel for waiting on
// it to be populated. Wait is nil once Val is live.
type awaitableValue[V any] struct {
	Val  V
	Wait chan struct{}
}

// shard is one of the stripes of a Map, each independently locked.
type shard[K comparable, V any] struct {
	m map[K]awaitableValue[V]
	l sync.Mutex
}

func (s *shard[K, V]) Set(key K, val V) bool {
	s.l.Lock()
	defer s.l.Unlock()
	if existing, present := s.m[key]; present {
		if existing.Wait == nil {
			return false // already added
		}
		// Somebody is waiting for this to exist; populate and wake them.
		s.m[key] = awaitableValue[V]{Val: val}
		close(existing.Wait)
		return true
	}
	s.m[key] = awaitableValue[V]{Val: val}
	return true
}

func (s *shard[K, V]) Get(key K) (val V, wait <-chan struct{}) {
	s.l.Lock()
	defer s.l.Unlock()
	if v, ok := s.m[key]; ok {
		return v.Val, v.Wait
	}
	return val, nil
}

// claimState distinguishes the three outcomes getOrClaim can report: a
// value already fully resolved, a computation already in flight (wait on
// the channel), or no entry at all (the caller just claimed it and must
// compute it).
type claimState int

const (
	resolved claimState = iota
	pending
	claimed
)

// getOrClaim atomically inspects key's current state and, if it is wholly
// absent, installs a pending placeholder and reports claimed — collapsing
// the lookup-then-claim sequence into one critical section so no other
// goroutine can observe or claim the key in between.
func (s *shard[K, V]) getOrClaim(key K) (val V, wait <-chan struct{}, state claimState) {
	s.l.Lock()
	defer s.l.Unlock()
	if v, ok := s.m[key]; ok {
		if v.Wait == nil {
			return v.Val, nil, resolved
		}
		return val, v.Wait, pending
	}
	s.m[key] = awaitableValue[V]{Wait: make(chan struct{})}
	return val, nil, claimed
}

func (s *shard[K, V]) has(key K) bool {
	s.l.Lock()
	defer s.l.Unlock()
	_, ok := s.m[key]
	return ok
}

func (s *shard[K, V]) Values() []V {
	s.l.Lock()
	defer s.l.Unlock()
	ret := make([]V, 0, len(s.m))
	for _, v := range s.m {
		if v.Wait == nil {
			ret = append(ret, v.Val)
		}
	}
	return ret
}
