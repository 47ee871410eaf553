package plan

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbor-build/arbor/rule"
)

func writePlan(t *testing.T, dir string, f File) string {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	path := filepath.Join(dir, "plan.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestLoadBuildsGraphWithResolvedSourcePaths(t *testing.T) {
	repoRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "a.txt"), []byte("hello"), 0644))

	planPath := writePlan(t, repoRoot, File{Rules: []Rule{
		{
			Target:     "//:lib",
			Sources:    []string{"a.txt"},
			Outputs:    []string{"lib.out"},
			Commands:   []string{"cp \"$ARBOR_SRCS\" lib.out"},
			Cacheable:  true,
			InputBased: true,
		},
		{
			Target:  "//:top",
			Deps:    []string{"//:lib"},
			Outputs: []string{"top.out"},
		},
	}})

	graph, err := Load(planPath, repoRoot, filepath.Join(repoRoot, "out"))
	require.NoError(t, err)
	require.Len(t, graph, 2)

	lib, ok := graph[rule.Target("//:lib")]
	require.True(t, ok)
	assert.Equal(t, []string{"lib.out"}, lib.Outputs())
	assert.True(t, lib.IsCacheable())
	assert.True(t, lib.SupportsInputBasedRuleKey())

	top, ok := graph[rule.Target("//:top")]
	require.True(t, ok)
	assert.Equal(t, []rule.Target{"//:lib"}, top.Dependencies())

	fields := lib.KeyFields()
	require.Len(t, fields, 1)
	src, ok := fields[0].Value.(rule.SourcePath)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(repoRoot, "a.txt"), string(src))
}

func TestLoadRejectsRuleWithoutTarget(t *testing.T) {
	repoRoot := t.TempDir()
	planPath := writePlan(t, repoRoot, File{Rules: []Rule{{Outputs: []string{"x"}}}})

	_, err := Load(planPath, repoRoot, repoRoot)
	assert.Error(t, err)
}

func TestLoadParsesValidABIKey(t *testing.T) {
	repoRoot := t.TempDir()
	var want rule.Key
	want[0] = 0xAB
	planPath := writePlan(t, repoRoot, File{Rules: []Rule{{
		Target:    "//:lib",
		Outputs:   []string{"lib.out"},
		ABIKeyHex: "ab00000000000000000000000000000000000000",
	}}})

	graph, err := Load(planPath, repoRoot, repoRoot)
	require.NoError(t, err)
	abiKey, ok := graph[rule.Target("//:lib")].ABIKey()
	require.True(t, ok)
	assert.Equal(t, want, abiKey)
}

func TestCoveredByDepFileRespectsRoots(t *testing.T) {
	r := &planRule{depFileRoots: []string{"/repo/headers"}}
	assert.True(t, r.CoveredByDepFile("/repo/headers/a.h"))
	assert.False(t, r.CoveredByDepFile("/repo/src/a.c"))
	assert.False(t, r.CoveredByDepFile("/repo/headers-other/a.h"))
}

func TestKeyFieldsOrdersParamsDeterministically(t *testing.T) {
	r := &planRule{params: map[string]string{"zeta": "1", "alpha": "2"}}
	fields := r.KeyFields()
	require.Len(t, fields, 2)
	assert.Equal(t, "alpha", fields[0].Name)
	assert.True(t, fields[0].InputOnly)
	assert.Equal(t, "zeta", fields[1].Name)
}

func TestShellStepExecuteWritesOutput(t *testing.T) {
	outDir := t.TempDir()
	r := &planRule{target: "//:lib", outputDir: outDir}
	step := &shellStep{rule: r, command: "echo -n hi > out.txt"}

	require.NoError(t, step.Execute(context.Background()))

	data, err := os.ReadFile(filepath.Join(outDir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestShellStepExecuteReturnsErrorOnFailingCommand(t *testing.T) {
	r := &planRule{target: "//:lib", outputDir: t.TempDir()}
	step := &shellStep{rule: r, command: "exit 3"}
	assert.Error(t, step.Execute(context.Background()))
}
