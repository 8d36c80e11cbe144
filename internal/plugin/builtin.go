// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package plugin

import (
	"context"
	"sync"

	"github.com/samber/oops"

	"github.com/goodnet/goodnet/pkg/sdk"
)

// Builtins is a Source for entry points compiled into the host. The path of
// a builtin module is its name.
type Builtins struct {
	mu         sync.RWMutex
	handlers   map[string]sdk.HandlerInit
	connectors map[string]sdk.ConnectorInit
}

// NewBuiltins creates an empty builtin source.
func NewBuiltins() *Builtins {
	return &Builtins{
		handlers:   make(map[string]sdk.HandlerInit),
		connectors: make(map[string]sdk.ConnectorInit),
	}
}

// AddHandler registers a builtin handler entry point under name.
func (b *Builtins) AddHandler(name string, entry sdk.HandlerInit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = entry
}

// AddConnector registers a builtin connector entry point under name.
func (b *Builtins) AddConnector(name string, entry sdk.ConnectorInit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectors[name] = entry
}

type builtinLib string

func (l builtinLib) Path() string { return string(l) }

// Open returns the builtin named path.
func (b *Builtins) Open(_ context.Context, path string) (Library, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, h := b.handlers[path]
	_, c := b.connectors[path]
	if !h && !c {
		return nil, oops.With("module", path).Errorf("no builtin module %q", path)
	}
	return builtinLib(path), nil
}

// Lookup returns the entry point registered for the library's role.
func (b *Builtins) Lookup(lib Library, symbol string) (any, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	name := lib.Path()
	switch symbol {
	case sdk.HandlerInitSymbol:
		if entry, ok := b.handlers[name]; ok {
			return entry, nil
		}
	case sdk.ConnectorInitSymbol:
		if entry, ok := b.connectors[name]; ok {
			return entry, nil
		}
	}
	return nil, oops.With("module", name).With("symbol", symbol).Errorf("builtin %q does not export %s", name, symbol)
}

// Close does nothing; builtin code is part of the host.
func (b *Builtins) Close(Library) error { return nil }

// LoadBuiltinHandler loads the handler registered as name in the builtin
// source.
func (m *Manager) LoadBuiltinHandler(ctx context.Context, name string) error {
	return m.loadHandler(ctx, ModuleSpec{Name: name, Path: name, Runtime: RuntimeBuiltin})
}

// LoadBuiltinConnector loads the connector registered as name in the
// builtin source.
func (m *Manager) LoadBuiltinConnector(ctx context.Context, name string) error {
	return m.loadConnector(ctx, ModuleSpec{Name: name, Path: name, Runtime: RuntimeBuiltin})
}
