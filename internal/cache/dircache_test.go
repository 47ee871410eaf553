package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbor-build/arbor/internal/pack"
	"github.com/arbor-build/arbor/rule"
)

func packFixture(t *testing.T, content string) []byte {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "out.bin"), []byte(content), 0644))
	zipPath := filepath.Join(t.TempDir(), "artifact.zip")
	require.NoError(t, pack.Pack(src, []string{filepath.Join(src, "out.bin")}, zipPath))
	data, err := os.ReadFile(zipPath)
	require.NoError(t, err)
	return data
}

func TestDirCacheFetchMissWhenEmpty(t *testing.T) {
	c, err := NewDirCache(t.TempDir())
	require.NoError(t, err)

	result, err := c.Fetch(context.Background(), rule.Key{1}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Miss, result)
}

func TestDirCacheStoreThenFetch(t *testing.T) {
	c, err := NewDirCache(t.TempDir())
	require.NoError(t, err)

	blob := packFixture(t, "payload")
	key := rule.Key{1, 2, 3}
	require.NoError(t, c.Store(context.Background(), ArtifactInfo{Keys: []rule.Key{key}}, bytes.NewReader(blob)))

	dest := t.TempDir()
	result, err := c.Fetch(context.Background(), key, dest)
	require.NoError(t, err)
	assert.Equal(t, Hit, result)

	out, err := os.ReadFile(filepath.Join(dest, "out.bin"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(out))
}

func TestDirCacheStoreUnderMultipleKeys(t *testing.T) {
	c, err := NewDirCache(t.TempDir())
	require.NoError(t, err)

	blob := packFixture(t, "multi")
	k1, k2 := rule.Key{1}, rule.Key{2}
	require.NoError(t, c.Store(context.Background(), ArtifactInfo{Keys: []rule.Key{k1, k2}}, bytes.NewReader(blob)))

	for _, k := range []rule.Key{k1, k2} {
		result, err := c.Fetch(context.Background(), k, t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, Hit, result)
	}
}

func TestDirCacheClean(t *testing.T) {
	c, err := NewDirCache(t.TempDir())
	require.NoError(t, err)

	blob := packFixture(t, "x")
	key := rule.Key{5}
	require.NoError(t, c.Store(context.Background(), ArtifactInfo{Keys: []rule.Key{key}}, bytes.NewReader(blob)))
	require.NoError(t, c.Clean(context.Background(), key))

	result, err := c.Fetch(context.Background(), key, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Miss, result)
}
