package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfiguration(t *testing.T) {
	c := Default()
	assert.Equal(t, "cache", c.Build.DepFiles)
	assert.Equal(t, 1000, c.Build.MaxDepFileCacheEntries)
	p, err := c.Parse()
	require.NoError(t, err)
	assert.Equal(t, Shallow, p.BuildMode)
	assert.Equal(t, DepFilesCache, p.DepFileMode)
}

func TestReadFilesMissingIsNotError(t *testing.T) {
	c, err := ReadFiles([]string{filepath.Join(t.TempDir(), "nope")})
	require.NoError(t, err)
	assert.Equal(t, Default().Build.DepFiles, c.Build.DepFiles)
}

func TestReadFilesLayering(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, ".arborconfig")
	require.NoError(t, os.WriteFile(f, []byte("[build]\nkeepgoing = true\nmode = deep\n"), 0644))
	c, err := ReadFiles([]string{f})
	require.NoError(t, err)
	assert.True(t, c.Build.KeepGoing)
	p, err := c.Parse()
	require.NoError(t, err)
	assert.Equal(t, Deep, p.BuildMode)
}

func TestApplyOverrides(t *testing.T) {
	c := Default()
	require.NoError(t, c.ApplyOverrides(map[string]string{
		"build.keepgoing": "true",
		"build.keyseed":   "42",
	}))
	assert.True(t, c.Build.KeepGoing)
	assert.EqualValues(t, 42, c.Build.KeySeed)
}

func TestApplyOverridesUnknownField(t *testing.T) {
	c := Default()
	err := c.ApplyOverrides(map[string]string{"build.nonexistent": "x"})
	assert.Error(t, err)
}

func TestHashChangesWithKeySeed(t *testing.T) {
	c1 := Default()
	c2 := Default()
	c2.Build.KeySeed = 1
	assert.NotEqual(t, c1.Hash(), c2.Hash())
}
