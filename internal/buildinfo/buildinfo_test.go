package buildinfo

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbor-build/arbor/rule"
)

func TestUpdateThenReadAll(t *testing.T) {
	s := New(t.TempDir())
	target := rule.Target("//pkg:lib")

	err := s.Update(target, map[string]string{
		KeyRuleKey: "abc123",
		KeyTarget:  string(target),
	})
	require.NoError(t, err)

	all, err := s.ReadAll(target)
	require.NoError(t, err)
	assert.Equal(t, "abc123", all[KeyRuleKey])
	assert.Equal(t, string(target), all[KeyTarget])
}

func TestReadAbsentKey(t *testing.T) {
	s := New(t.TempDir())
	_, ok := s.Read(rule.Target("//pkg:lib"), KeyRuleKey)
	assert.False(t, ok)
}

func TestReadAllAbsentTargetReturnsEmptyMap(t *testing.T) {
	s := New(t.TempDir())
	all, err := s.ReadAll(rule.Target("//pkg:lib"))
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestUpdateReplacesPriorKeys(t *testing.T) {
	s := New(t.TempDir())
	target := rule.Target("//pkg:lib")

	require.NoError(t, s.Update(target, map[string]string{
		KeyRuleKey:       "first",
		KeyDepFileRuleKey: "dep1",
	}))
	require.NoError(t, s.Update(target, map[string]string{
		KeyRuleKey: "second",
	}))

	all, err := s.ReadAll(target)
	require.NoError(t, err)
	assert.Equal(t, "second", all[KeyRuleKey])
	_, stillPresent := all[KeyDepFileRuleKey]
	assert.False(t, stillPresent, "Update must fully replace the prior metadata set, not merge into it")
}

func TestUpdateLeavesNoTempDirBehind(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	target := rule.Target("//pkg:lib")
	require.NoError(t, s.Update(target, map[string]string{KeyRuleKey: "x"}))

	entries, err := os.ReadDir(filepath.Join(root, "pkg", "lib"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, metadataDirName, e.Name())
	}
}

func TestDeleteRemovesMetadata(t *testing.T) {
	s := New(t.TempDir())
	target := rule.Target("//pkg:lib")
	require.NoError(t, s.Update(target, map[string]string{KeyRuleKey: "x"}))
	require.NoError(t, s.Delete(target))

	_, ok := s.Read(target, KeyRuleKey)
	assert.False(t, ok)
}

func TestRecordedPathsRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	target := rule.Target("//pkg:lib")
	require.NoError(t, s.Update(target, map[string]string{
		KeyRecordedPaths: `["bin/out","bin/out.d"]`,
	}))

	paths, ok := s.RecordedPaths(target)
	require.True(t, ok)
	assert.Equal(t, []string{"bin/out", "bin/out.d"}, paths)
}

func TestRecordedPathHashesRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	target := rule.Target("//pkg:lib")
	require.NoError(t, s.Update(target, map[string]string{
		KeyRecordedPathHashes: `{"bin/out":"deadbeef"}`,
	}))

	hashes, ok := s.RecordedPathHashes(target)
	require.True(t, ok)
	assert.Equal(t, "deadbeef", hashes["bin/out"])
}

func TestStateForTransitions(t *testing.T) {
	s := New(t.TempDir())
	target := rule.Target("//pkg:lib")

	assert.Equal(t, Absent, s.StateFor(target, rule.Key{1}))

	stored := rule.Key{9, 9, 9}
	require.NoError(t, s.Update(target, map[string]string{
		KeyRuleKey: fmt.Sprintf("%x", stored[:]),
	}))
	assert.Equal(t, Current, s.StateFor(target, stored))
	assert.Equal(t, Stale, s.StateFor(target, rule.Key{1, 2, 3}))
}

func TestTargetPathHandlesSubpackagesAndColons(t *testing.T) {
	assert.Equal(t, "pkg/sub/lib", targetPath(rule.Target("//pkg/sub:lib")))
	assert.Equal(t, "lib", targetPath(rule.Target("//:lib")))
}
