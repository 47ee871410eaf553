package hashcache

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/xattr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireXattrSupport skips the test when the temp filesystem doesn't
// support extended attributes (some sandboxed/CI filesystems don't), since
// the persistence layer is explicitly best-effort in that case rather than
// a hard requirement.
func requireXattrSupport(t *testing.T, path string) {
	t.Helper()
	if err := xattr.LSet(path, "user.arbor.hashcache_probe", []byte{1}); err != nil {
		t.Skipf("extended attributes unsupported on this filesystem: %s", err)
	}
}

func TestGetMemoizesAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(f, []byte("hello"), 0644))

	c := New(sha1.New)
	h1, err := c.Get(f)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f, []byte("changed"), 0644))
	h2, err := c.Get(f)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "should return memoized hash despite file changing on disk")
}

func TestInvalidateForcesRecompute(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(f, []byte("hello"), 0644))

	c := New(sha1.New)
	h1, err := c.Get(f)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f, []byte("changed"), 0644))
	c.Invalidate(f)
	h2, err := c.Get(f)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestConcurrentGetsShareComputation(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(f, []byte("hello"), 0644))

	c := New(sha1.New)
	var wg sync.WaitGroup
	results := make([]Hash, 20)
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Get(f)
			require.NoError(t, err)
			results[i] = h
		}()
	}
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestMoveTransfersMemoizedHash(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(f, []byte("hello"), 0644))

	c := New(sha1.New)
	h1, err := c.Get(f)
	require.NoError(t, err)

	newPath := filepath.Join(dir, "b.txt")
	c.Move(f, newPath)
	h2, ok := c.memo[newPath]
	require.True(t, ok)
	assert.Equal(t, h1, Hash(h2))
	_, stillPresent := c.memo[f]
	assert.False(t, stillPresent)
}

func TestDirectoryHashChangesWithContents(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644))

	c := New(sha1.New)
	h1, err := c.Get(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0644))
	c.Invalidate(dir)
	h2, err := c.Get(dir)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestPersistentCacheSurvivesAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(f, []byte("hello"), 0644))
	requireXattrSupport(t, f)

	c1 := NewPersistent(sha1.New, dir, "user.arbor.hashcache_test")
	h1, err := c1.Get(f)
	require.NoError(t, err)

	// A brand new Cache (simulating a fresh process invocation, with an
	// empty in-process memo) must still recover the hash without rereading
	// the file's contents: corrupt them and confirm the xattr-stored value
	// wins rather than a fresh (and wrong) rehash.
	require.NoError(t, os.WriteFile(f, []byte("corrupted-after-store"), 0644))
	c2 := NewPersistent(sha1.New, dir, "user.arbor.hashcache_test")
	h2, err := c2.Get(f)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestPersistentCacheOnlyTouchesManagedRoot(t *testing.T) {
	outside := t.TempDir()
	f := filepath.Join(outside, "a.txt")
	require.NoError(t, os.WriteFile(f, []byte("hello"), 0644))
	requireXattrSupport(t, f)

	managedRoot := t.TempDir()
	c := NewPersistent(sha1.New, managedRoot, "user.arbor.hashcache_test")
	_, err := c.Get(f)
	require.NoError(t, err)

	_, err = xattr.LGet(f, "user.arbor.hashcache_test")
	assert.Error(t, err, "a path outside outputRoot must never be written to")
}

func TestSetPersistsHashForManagedPath(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(f, []byte("built-content"), 0644))
	requireXattrSupport(t, f)

	c := NewPersistent(sha1.New, dir, "user.arbor.hashcache_test")
	want := Hash{1, 2, 3, 4}
	c.Set(f, want)

	got, err := xattr.LGet(f, "user.arbor.hashcache_test")
	require.NoError(t, err)
	assert.Equal(t, []byte(want), got)
}

func TestLayeredCacheFallsThrough(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(f, []byte("hello"), 0644))

	base := New(sha1.New)
	baseHash, err := base.Get(f)
	require.NoError(t, err)

	top := New(sha1.New)
	layered := NewLayered(top, base)
	h, err := layered.Get(f)
	require.NoError(t, err)
	assert.Equal(t, baseHash, h)
}
