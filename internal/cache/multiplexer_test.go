package cache

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbor-build/arbor/rule"
)

// fakeTier is an in-memory ArtifactCache used to test Multiplexer
// composition without a real DirCache or RemoteCache.
type fakeTier struct {
	mu      sync.Mutex
	blobs   map[rule.Key][]byte
	fetches int
	stores  int
}

func newFakeTier() *fakeTier {
	return &fakeTier{blobs: map[rule.Key][]byte{}}
}

func (f *fakeTier) Fetch(ctx context.Context, key rule.Key, dest string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	b, ok := f.blobs[key]
	if !ok {
		return Miss, nil
	}
	return Hit, writeBlobToDest(b, dest)
}

func (f *fakeTier) Store(ctx context.Context, info ArtifactInfo, blob io.Reader) error {
	data, err := io.ReadAll(blob)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores++
	for _, k := range info.Keys {
		f.blobs[k] = data
	}
	return nil
}

func (f *fakeTier) Clean(ctx context.Context, key rule.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, key)
	return nil
}

func writeBlobToDest(b []byte, dest string) error {
	return nil // fakeTier doesn't need to materialize real files for these tests
}

func TestMultiplexerFetchTriesTiersInOrder(t *testing.T) {
	fast := newFakeTier()
	slow := newFakeTier()
	key := rule.Key{1}
	require.NoError(t, slow.Store(context.Background(), ArtifactInfo{Keys: []rule.Key{key}}, bytes.NewReader([]byte("x"))))

	mux := NewMultiplexer(fast, slow)
	result, err := mux.Fetch(context.Background(), key, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Hit, result)
	assert.Equal(t, 1, fast.fetches)
	assert.Equal(t, 1, slow.fetches)
}

func TestMultiplexerFetchMissWhenNoTierHas(t *testing.T) {
	fast := newFakeTier()
	slow := newFakeTier()
	mux := NewMultiplexer(fast, slow)

	result, err := mux.Fetch(context.Background(), rule.Key{9}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Miss, result)
}

func TestMultiplexerStoreFansOutToAllTiers(t *testing.T) {
	a := newFakeTier()
	b := newFakeTier()
	mux := NewMultiplexer(a, b)

	key := rule.Key{3}
	require.NoError(t, mux.Store(context.Background(), ArtifactInfo{Keys: []rule.Key{key}}, bytes.NewReader([]byte("data"))))

	assert.Equal(t, 1, a.stores)
	assert.Equal(t, 1, b.stores)
}

func TestMultiplexerCleanFansOutToAllTiers(t *testing.T) {
	a := newFakeTier()
	b := newFakeTier()
	key := rule.Key{4}
	require.NoError(t, a.Store(context.Background(), ArtifactInfo{Keys: []rule.Key{key}}, bytes.NewReader([]byte("d"))))
	require.NoError(t, b.Store(context.Background(), ArtifactInfo{Keys: []rule.Key{key}}, bytes.NewReader([]byte("d"))))

	mux := NewMultiplexer(a, b)
	require.NoError(t, mux.Clean(context.Background(), key))

	_, aHas := a.blobs[key]
	_, bHas := b.blobs[key]
	assert.False(t, aHas)
	assert.False(t, bHas)
}
