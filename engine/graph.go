package engine

import "github.com/arbor-build/arbor/rule"

// Graph is the engine's only view of the rule graph: given a target's
// identity, produce the Rule describing it. Constructing this graph —
// parsing BUILD-file-equivalent sources into a DAG of rules — is entirely
// outside this module's scope (SPEC_FULL §1); callers supply whatever
// implementation already resolved their rule graph.
type Graph interface {
	Rule(target rule.Target) (rule.Rule, bool)
}

// MapGraph is the simplest Graph: a fixed map from Target to Rule. Useful
// for tests and for callers that have already fully resolved their rule
// graph in memory before invoking the engine.
type MapGraph map[rule.Target]rule.Rule

// Rule implements Graph.
func (g MapGraph) Rule(target rule.Target) (rule.Rule, bool) {
	r, ok := g[target]
	return r, ok
}
