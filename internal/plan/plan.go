// Package plan loads a pre-resolved rule graph from a flat JSON descriptor
// and turns it into the engine.Graph the CLI entrypoint (D6) needs to call
// BuildTargets. It deliberately does not parse any BUILD-file-equivalent
// source language or resolve language-specific rule types into this shape —
// that resolution is an external collaborator per SPEC_FULL §1 ("Rule graph
// construction ... out of scope"). A plan file is the flat, already-resolved
// output of whatever upstream process does that resolution; this package
// only turns its JSON rows into rule.Rule values with real, runnable shell
// steps, grounded on the reference tool's own externally-driven execution
// idiom in src/exec/exec.go.
package plan

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/arbor-build/arbor/internal/buildinfo"
	"github.com/arbor-build/arbor/internal/errs"
	"github.com/arbor-build/arbor/rule"
)

// File is the on-disk JSON shape of a plan: a flat list of rule
// descriptors. Field names mirror the rule.Rule capability bits directly
// rather than introducing a second vocabulary.
type File struct {
	Rules []Rule `json:"rules"`
}

// Rule is one plan row. Sources are repo-root-relative paths resolved to
// their content hash at rule-key time via rule.SourcePath (§4.2); Params is
// serialized as input-only fields (flags that affect scheduling, not
// output content — §4.2 InputBased).
type Rule struct {
	Target      string            `json:"target"`
	Deps        []string          `json:"deps,omitempty"`
	RuntimeDeps []string          `json:"runtime_deps,omitempty"`
	Sources     []string          `json:"sources,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Outputs     []string          `json:"outputs"`
	Commands    []string          `json:"commands,omitempty"`
	PostBuild   []string          `json:"post_build_commands,omitempty"`

	Cacheable   bool   `json:"cacheable"`
	InputBased  bool   `json:"input_based"`
	UsesDepFile bool   `json:"uses_dep_file"`
	ABIKeyHex   string `json:"abi_key,omitempty"`

	// DepFileRoots bounds the universe CoveredByDepFile considers part of
	// this rule's potential dep-file inputs (§4.2 ManifestKey), e.g. a
	// language's header search path.
	DepFileRoots []string `json:"dep_file_roots,omitempty"`
}

// Load reads a plan file and builds the engine.MapGraph it describes.
// repoRoot resolves each rule's relative Sources/DepFileRoots paths;
// outputRoot is the same OutputRoot the Engine is constructed with, so
// each rule's working directory for its shell steps matches exactly where
// the engine will later look for its declared Outputs.
func Load(path, repoRoot, outputRoot string) (map[rule.Target]rule.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NewUserError(fmt.Sprintf("reading plan file %s", path), err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.NewUserError(fmt.Sprintf("parsing plan file %s", path), err)
	}

	graph := make(map[rule.Target]rule.Rule, len(f.Rules))
	for _, pr := range f.Rules {
		if pr.Target == "" {
			return nil, errs.NewUserError("plan rule missing target", nil)
		}
		r, err := newPlanRule(pr, repoRoot, outputRoot)
		if err != nil {
			return nil, err
		}
		graph[r.target] = r
	}
	return graph, nil
}

func newPlanRule(pr Rule, repoRoot, outputRoot string) (*planRule, error) {
	target := rule.Target(pr.Target)
	r := &planRule{
		target:       target,
		deps:         toTargets(pr.Deps),
		runtimeDeps:  toTargets(pr.RuntimeDeps),
		sources:      resolveAll(repoRoot, pr.Sources),
		params:       pr.Params,
		outputs:      pr.Outputs,
		commands:     pr.Commands,
		postBuild:    pr.PostBuild,
		cacheable:    pr.Cacheable,
		inputBased:   pr.InputBased,
		usesDepFile:  pr.UsesDepFile,
		depFileRoots: resolveAll(repoRoot, pr.DepFileRoots),
		outputDir:    filepath.Join(outputRoot, buildinfo.TargetPath(target)),
	}
	if pr.ABIKeyHex != "" {
		b, err := hex.DecodeString(pr.ABIKeyHex)
		if err != nil || len(b) != rule.KeySize {
			return nil, errs.NewUserError(fmt.Sprintf("rule %s has an invalid abi_key", pr.Target), err)
		}
		var k rule.Key
		copy(k[:], b)
		r.abiKey = &k
	}
	return r, nil
}

func toTargets(ss []string) []rule.Target {
	out := make([]rule.Target, len(ss))
	for i, s := range ss {
		out[i] = rule.Target(s)
	}
	return out
}

func resolveAll(root string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		if filepath.IsAbs(p) {
			out[i] = p
		} else {
			out[i] = filepath.Join(root, p)
		}
	}
	return out
}

// planRule is the rule.Rule implementation a loaded plan row becomes. Its
// build and post-build steps run as shell commands (via /bin/sh -c) in its
// output directory, with ARBOR_OUT/ARBOR_SRCS in the environment so a
// plan's commands can reference them — the same "opaque command list" the
// engine only sequences and runs (rule/rule.go), not anything this module
// interprets.
type planRule struct {
	target       rule.Target
	deps         []rule.Target
	runtimeDeps  []rule.Target
	sources      []string
	params       map[string]string
	outputs      []string
	commands     []string
	postBuild    []string
	cacheable    bool
	inputBased   bool
	usesDepFile  bool
	depFileRoots []string
	abiKey       *rule.Key
	outputDir    string

	observedInputs []rule.InputDescriptor
}

func (r *planRule) Target() rule.Target        { return r.target }
func (r *planRule) Dependencies() []rule.Target { return r.deps }
func (r *planRule) HasRuntimeDeps() bool        { return len(r.runtimeDeps) > 0 }
func (r *planRule) RuntimeDeps() []rule.Target  { return r.runtimeDeps }
func (r *planRule) Outputs() []string           { return r.outputs }
func (r *planRule) IsCacheable() bool           { return r.cacheable }
func (r *planRule) SupportsInputBasedRuleKey() bool { return r.inputBased }
func (r *planRule) UsesDepFileRuleKeys() bool       { return r.usesDepFile }
func (r *planRule) HasPostBuildSteps() bool         { return len(r.postBuild) > 0 }

func (r *planRule) ABIKey() (rule.Key, bool) {
	if r.abiKey == nil {
		return rule.Key{}, false
	}
	return *r.abiKey, true
}

// CoveredByDepFile reports whether path sits under one of this rule's
// declared dep-file roots, the over-approximated universe ManifestKey
// wants (§4.2).
func (r *planRule) CoveredByDepFile(path string) bool {
	for _, root := range r.depFileRoots {
		if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
			return true
		}
	}
	return false
}

// InputsAfterBuildingLocally reports every declared source as "observed":
// a plan rule has no finer-grained notion of which sources its commands
// actually opened, unlike a real compiler rule that can report just the
// headers it #included.
func (r *planRule) InputsAfterBuildingLocally() []rule.InputDescriptor {
	out := make([]rule.InputDescriptor, len(r.sources))
	for i, s := range r.sources {
		out[i] = rule.InputDescriptor{Path: s}
	}
	return out
}

func (r *planRule) PostBuildSteps() []rule.Step {
	return r.shellSteps(r.postBuild)
}

func (r *planRule) Steps() []rule.Step {
	return r.shellSteps(r.commands)
}

func (r *planRule) shellSteps(commands []string) []rule.Step {
	steps := make([]rule.Step, len(commands))
	for i, c := range commands {
		steps[i] = &shellStep{rule: r, command: c}
	}
	return steps
}

// KeyFields feeds every source as a content-hashed SourcePath field and
// every param as an input-only string field (§4.2 canonical field order:
// declaration order, stable per plan row).
func (r *planRule) KeyFields() []rule.Field {
	fields := make([]rule.Field, 0, len(r.sources)+len(r.params))
	for i, s := range r.sources {
		fields = append(fields, rule.Field{Name: fmt.Sprintf("src%d", i), Value: rule.SourcePath(s)})
	}
	keys := make([]string, 0, len(r.params))
	for k := range r.params {
		keys = append(keys, k)
	}
	sortStrings(keys)
	for _, k := range keys {
		fields = append(fields, rule.Field{Name: k, Value: r.params[k], InputOnly: true})
	}
	return fields
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j-1] > ss[j]; j-- {
			ss[j-1], ss[j] = ss[j], ss[j-1]
		}
	}
}

// shellStep runs one plan command under /bin/sh -c with the rule's output
// directory as its working directory, mirroring the shape (not the
// sandboxing) of src/exec/exec.go's command resolution.
type shellStep struct {
	rule    *planRule
	command string
}

func (s *shellStep) Describe() string {
	return fmt.Sprintf("%s: %s", s.rule.target, s.command)
}

func (s *shellStep) Execute(ctx context.Context) error {
	if err := os.MkdirAll(s.rule.outputDir, 0755); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", s.command)
	cmd.Dir = s.rule.outputDir
	cmd.Env = append(os.Environ(),
		"ARBOR_OUT="+s.rule.outputDir,
		"ARBOR_SRCS="+strings.Join(s.rule.sources, " "),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", s.command, err, out)
	}
	return nil
}
