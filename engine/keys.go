package engine

import (
	"fmt"

	"github.com/arbor-build/arbor/rule"
)

// resolveDefaultKey computes r's default rule key (§4.2 Default), recursing
// into its dependencies' default keys first. This is deliberately separate
// from buildOne/the Tracker: a dependency's default key is a pure function
// of its own inputs and its own dependencies' default keys, so it can
// always be computed without materializing (fetching or building) that
// dependency's outputs at all. That's what lets step 1 of the state
// machine (§4.9) check for a MatchingRuleKey shortcut before step 3 ever
// triggers a real build of any dependency.
//
// Each target's entry computes exactly once even under concurrent callers
// (sync.Once), and the computation can fail (e.g. an undeclared dependency)
// which a plain memoizing map can't express without a lock held across the
// whole computation — hence the per-target entry rather than reusing the
// awaitable cmap.Map used elsewhere, whose GetOrCompute has no error return.
func (e *Engine) resolveDefaultKey(r rule.Rule) (rule.Key, error) {
	target := r.Target()

	e.defaultKeyMu.Lock()
	entry, ok := e.defaultKeyEntries[target]
	if !ok {
		entry = &defaultKeyEntry{}
		e.defaultKeyEntries[target] = entry
	}
	e.defaultKeyMu.Unlock()

	entry.once.Do(func() {
		depKeys := make(map[rule.Target]rule.Key, len(r.Dependencies()))
		for _, d := range r.Dependencies() {
			depRule, ok := e.graph.Rule(d)
			if !ok {
				entry.err = fmt.Errorf("resolving default key for %s: no rule found for dependency %s", target, d)
				return
			}
			k, err := e.resolveDefaultKey(depRule)
			if err != nil {
				entry.err = err
				return
			}
			depKeys[d] = k
		}
		entry.key, entry.err = e.keys.Default(r, depKeys)
	})
	return entry.key, entry.err
}

// depABIKeys builds the dependency ABI key map InputBased needs: each
// dependency's own ABIKey() is a direct, non-recursive rule-provided value
// (§6: "abi-key() -> Option<RuleKey>"), not a further recursive
// computation, so this is just a lookup over r's declared dependencies.
func (e *Engine) depABIKeys(r rule.Rule) (map[rule.Target]rule.Key, error) {
	out := make(map[rule.Target]rule.Key, len(r.Dependencies()))
	for _, d := range r.Dependencies() {
		depRule, ok := e.graph.Rule(d)
		if !ok {
			return nil, fmt.Errorf("resolving ABI key: no rule found for dependency %s", d)
		}
		if k, has := depRule.ABIKey(); has {
			out[d] = k
		}
	}
	return out, nil
}
