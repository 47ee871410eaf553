package engine_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/arbor-build/arbor/rule"
)

// fakeRule is a minimal rule.Rule implementation for exercising the engine
// end to end: its single build step writes deterministic content (derived
// from its declared sources) into its declared outputs, and it reports
// whichever paths the test configured as "read this build" for dep-file
// purposes — standing in for a real rule's own bookkeeping of the files it
// actually opened.
type fakeRule struct {
	target      rule.Target
	deps        []rule.Target
	runtimeDeps []rule.Target
	sources     []string // absolute paths, fed as SourcePath key fields
	comment     string   // an input-only field, when non-empty

	outputDir string
	outputs   []string
	content   string // fixed output content; derived from sources if empty

	cacheable   bool
	inputBased  bool
	usesDepFile bool
	// coveredPrefix bounds CoveredByDepFile's universe (e.g. a headers dir).
	coveredPrefix string
	// readPaths is what InputsAfterBuildingLocally reports after a local
	// build; set directly by the test to simulate what the rule observed.
	readPaths []string

	stepErr error

	buildCount int32
}

func (f *fakeRule) Target() rule.Target                { return f.target }
func (f *fakeRule) Dependencies() []rule.Target         { return f.deps }
func (f *fakeRule) HasRuntimeDeps() bool                { return len(f.runtimeDeps) > 0 }
func (f *fakeRule) RuntimeDeps() []rule.Target          { return f.runtimeDeps }
func (f *fakeRule) Outputs() []string                   { return f.outputs }
func (f *fakeRule) IsCacheable() bool                   { return f.cacheable }
func (f *fakeRule) SupportsInputBasedRuleKey() bool     { return f.inputBased }
func (f *fakeRule) UsesDepFileRuleKeys() bool           { return f.usesDepFile }
func (f *fakeRule) HasPostBuildSteps() bool             { return false }
func (f *fakeRule) PostBuildSteps() []rule.Step         { return nil }
func (f *fakeRule) ABIKey() (rule.Key, bool)            { return rule.Key{}, false }

func (f *fakeRule) CoveredByDepFile(path string) bool {
	if f.coveredPrefix == "" {
		return false
	}
	rel, err := filepath.Rel(f.coveredPrefix, path)
	return err == nil && rel != ".." && len(rel) > 0 && rel[0] != '.'
}

func (f *fakeRule) InputsAfterBuildingLocally() []rule.InputDescriptor {
	out := make([]rule.InputDescriptor, len(f.readPaths))
	for i, p := range f.readPaths {
		out[i] = rule.InputDescriptor{Path: p}
	}
	return out
}

func (f *fakeRule) KeyFields() []rule.Field {
	fields := make([]rule.Field, 0, len(f.sources)+1)
	for i, s := range f.sources {
		fields = append(fields, rule.Field{Name: fmt.Sprintf("src%d", i), Value: rule.SourcePath(s)})
	}
	if f.comment != "" {
		fields = append(fields, rule.Field{Name: "comment", Value: f.comment, InputOnly: true})
	}
	return fields
}

func (f *fakeRule) Steps() []rule.Step {
	return []rule.Step{&fakeStep{rule: f}}
}

func (f *fakeRule) buildCountValue() int32 {
	return atomic.LoadInt32(&f.buildCount)
}

// fakeStep writes f's declared outputs, failing if f.stepErr is set.
type fakeStep struct {
	rule *fakeRule
}

func (s *fakeStep) Describe() string { return fmt.Sprintf("build %s", s.rule.target) }

func (s *fakeStep) Execute(ctx context.Context) error {
	f := s.rule
	atomic.AddInt32(&f.buildCount, 1)
	if f.stepErr != nil {
		return f.stepErr
	}
	if err := os.MkdirAll(f.outputDir, 0755); err != nil {
		return err
	}
	content := []byte(f.content)
	if len(content) == 0 {
		var buf bytes.Buffer
		for _, src := range f.sources {
			b, err := os.ReadFile(src)
			if err != nil {
				return err
			}
			buf.Write(b)
		}
		content = buf.Bytes()
	}
	for _, out := range f.outputs {
		if err := os.WriteFile(filepath.Join(f.outputDir, out), content, 0644); err != nil {
			return err
		}
	}
	for _, p := range f.readPaths {
		if _, err := os.Stat(p); err != nil {
			return err
		}
	}
	return nil
}
