// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package capability decides which host functions a module may call.
//
// Grants are gobwas/glob patterns with '.' as the segment separator, so
// "host.connection.*" covers every connection function and "**" covers
// everything.
package capability

import (
	"slices"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Host function capabilities.
const (
	Send             = "host.send"
	ConnectionCreate = "host.connection.create"
	ConnectionClose  = "host.connection.close"
	ConnectionState  = "host.connection.state"
)

// All lists every capability the host checks.
var All = []string{Send, ConnectionCreate, ConnectionClose, ConnectionState}

// CodeDenied is attached to errors returned by Require.
const CodeDenied = "CAPABILITY_DENIED"

type grant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer holds the grants of every loaded module. The zero value is
// ready to use.
type Enforcer struct {
	mu     sync.RWMutex
	grants map[string][]grant
}

// NewEnforcer creates an empty enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{grants: make(map[string][]grant)}
}

// SetGrants replaces the grants of module. Either every pattern compiles
// and all are installed, or nothing changes.
func (e *Enforcer) SetGrants(module string, patterns []string) error {
	if module == "" {
		return oops.Code("INVALID_GRANT").Errorf("module name cannot be empty")
	}

	compiled := make([]grant, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return oops.Code("INVALID_GRANT").With("module", module).With("index", i).Errorf("empty capability pattern")
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return oops.Code("INVALID_GRANT").With("module", module).With("pattern", pattern).Wrap(err)
		}
		compiled[i] = grant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants == nil {
		e.grants = make(map[string][]grant)
	}
	e.grants[module] = compiled
	return nil
}

// IsRegistered reports whether module has grants installed, even empty ones.
func (e *Enforcer) IsRegistered(module string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.grants[module]
	return ok
}

// RemoveGrants forgets module. Unknown modules are ignored.
func (e *Enforcer) RemoveGrants(module string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, module)
}

// Grants returns the patterns granted to module, or nil.
func (e *Enforcer) Grants(module string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	grants, ok := e.grants[module]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Modules returns the registered module names, sorted.
func (e *Enforcer) Modules() []string {
	e.mu.RLock()
	names := make([]string, 0, len(e.grants))
	for name := range e.grants {
		names = append(names, name)
	}
	e.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Check reports whether module holds capability. Unknown modules and empty
// capabilities are denied.
func (e *Enforcer) Check(module, capability string) bool {
	if capability == "" {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, g := range e.grants[module] {
		if g.glob.Match(capability) {
			return true
		}
	}
	return false
}

// Require is Check returning a CAPABILITY_DENIED error.
func (e *Enforcer) Require(module, capability string) error {
	if e.Check(module, capability) {
		return nil
	}
	return oops.Code(CodeDenied).
		With("module", module).
		With("capability", capability).
		Errorf("module %q lacks capability %s", module, capability)
}
