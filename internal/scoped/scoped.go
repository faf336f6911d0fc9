// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scoped provides a mapping from a string key to any value, organized in hierarchical scopes.
package scoped

import (
	"slices"
	"strings"

	"golang.org/x/exp/maps"
)

// Params maps keys to values per scope. Looking up a key searches from the given scope up to the
// root scope, and returns the first value found.
//
// Example: with the values
//
//	Scope "/": { "learning_rate": 0.01, "dropout": 0.1 }
//	Scope "/aggregator_0": { "dropout": 0.2 }
//
//	Params.Get("/aggregator_0", "dropout") -> 0.2
//	Params.Get("/aggregator_0", "learning_rate") -> 0.01
//	Params.Get("/dense", "dropout") -> 0.1
//
// Scopes are paths separated by Separator, and the root scope is the Separator itself.
type Params struct {
	Separator  string
	scopeToMap map[string]map[string]any
}

// New creates an empty Params.
func New(scopeSeparator string) *Params {
	return &Params{
		Separator:  scopeSeparator,
		scopeToMap: make(map[string]map[string]any),
	}
}

// Clone returns a copy of the Params. Values themselves are not deep-copied.
func (p *Params) Clone() *Params {
	clone := New(p.Separator)
	for scope, values := range p.scopeToMap {
		clone.scopeToMap[scope] = maps.Clone(values)
	}
	return clone
}

// Set the value for the key in the given scope.
func (p *Params) Set(scope, key string, value any) {
	values := p.scopeToMap[scope]
	if values == nil {
		values = make(map[string]any)
		p.scopeToMap[scope] = values
	}
	values[key] = value
}

// Get retrieves the value for the key in the given scope or in its closest parent scope that has it.
// E.g.: Get("/a/b", "key") searches scopes "/a/b", "/a" and "/" in this order.
func (p *Params) Get(scope, key string) (value any, found bool) {
	for {
		if value, found = p.scopeToMap[scope][key]; found {
			return
		}
		if scope == p.Separator || scope == "" {
			return nil, false
		}
		idx := strings.LastIndex(scope, p.Separator)
		switch {
		case idx < 0:
			scope = ""
		case idx == 0:
			scope = p.Separator
		default:
			scope = scope[:idx]
		}
	}
}

// Delete removes the key from the given scope only. It is a no-op if the key is not set there.
func (p *Params) Delete(scope, key string) {
	delete(p.scopeToMap[scope], key)
}

// Enumerate calls fn for every value set, sorted by scope and then by key.
func (p *Params) Enumerate(fn func(scope, key string, value any)) {
	scopes := maps.Keys(p.scopeToMap)
	slices.Sort(scopes)
	for _, scope := range scopes {
		values := p.scopeToMap[scope]
		keys := maps.Keys(values)
		slices.Sort(keys)
		for _, key := range keys {
			fn(scope, key, values[key])
		}
	}
}
