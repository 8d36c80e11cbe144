// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package plugin

import (
	"strings"
	"time"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/oops"

	"github.com/goodnet/goodnet/pkg/sdk"
)

// Handler returns the enabled handler registered under name.
func (m *Manager) Handler(name string) (*HandlerRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.handlerByName[name]
	if !ok || !rec.Enabled() {
		return nil, false
	}
	return rec, true
}

// HandlersByType returns the enabled handlers accepting msgType, in load
// order. Handlers with an empty type list accept every type.
func (m *Manager) HandlersByType(msgType uint32) []*HandlerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*HandlerRecord
	for _, h := range m.handlers {
		if h.Enabled() && h.Supports(msgType) {
			out = append(out, h)
		}
	}
	return out
}

// HandlersByName returns the enabled handlers whose name matches pattern.
// A pattern with glob metacharacters is matched as a glob, anything else as
// a case-insensitive substring.
func (m *Manager) HandlersByName(pattern string) ([]*HandlerRecord, error) {
	match, err := nameMatcher(pattern)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*HandlerRecord
	for _, h := range m.handlers {
		if h.Enabled() && match(h.Name()) {
			out = append(out, h)
		}
	}
	return out, nil
}

// patternCacheSize bounds the compiled name patterns kept by nameMatcher.
const patternCacheSize = 128

var patterns = mustPatternCache()

func mustPatternCache() *lru.Cache[string, glob.Glob] {
	c, err := lru.New[string, glob.Glob](patternCacheSize)
	if err != nil {
		panic(err)
	}
	return c
}

func nameMatcher(pattern string) (func(string) bool, error) {
	if strings.ContainsAny(pattern, "*?[{") {
		if g, ok := patterns.Get(pattern); ok {
			return g.Match, nil
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, oops.Code(CodeInvalidPattern).With("pattern", pattern).Wrap(err)
		}
		patterns.Add(pattern, g)
		return g.Match, nil
	}
	needle := strings.ToLower(pattern)
	return func(name string) bool {
		return strings.Contains(strings.ToLower(name), needle)
	}, nil
}

// ConnectorByScheme returns the enabled connector serving scheme.
func (m *Manager) ConnectorByScheme(scheme string) (*ConnectorRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.connectorByScheme[scheme]
	if !ok || !rec.Enabled() {
		return nil, false
	}
	return rec, true
}

// ConnectorByName returns the first enabled connector whose display name is
// name.
func (m *Manager) ConnectorByName(name string) (*ConnectorRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.connectors {
		if c.Enabled() && c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// ModuleInfo is a snapshot of one registered module.
type ModuleInfo struct {
	Name         string
	Role         sdk.PluginType
	Runtime      Runtime
	Path         string
	Version      string
	Enabled      bool
	Scheme       string
	Types        []uint32
	Capabilities []string
	LoadedAt     time.Time
	LoadDuration time.Duration
}

// Handlers returns every registered handler, enabled or not, in load order.
func (m *Manager) Handlers() []ModuleInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ModuleInfo, 0, len(m.handlers))
	for _, h := range m.handlers {
		info := h.info(sdk.PluginTypeHandler)
		info.Name = h.Name()
		info.Types = h.SupportedTypes()
		out = append(out, info)
	}
	return out
}

// Connectors returns every registered connector in load order.
func (m *Manager) Connectors() []ModuleInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ModuleInfo, 0, len(m.connectors))
	for _, c := range m.connectors {
		info := c.info(sdk.PluginTypeConnector)
		info.Name = c.Name()
		info.Scheme = c.Scheme()
		out = append(out, info)
	}
	return out
}

func (m *module) info(role sdk.PluginType) ModuleInfo {
	info := ModuleInfo{
		Role:         role,
		Runtime:      m.runtime,
		Path:         m.path,
		Enabled:      m.Enabled(),
		LoadedAt:     m.loadedAt,
		LoadDuration: m.loadDuration,
	}
	if m.manifest != nil {
		info.Version = m.manifest.Version
		info.Capabilities = append([]string(nil), m.manifest.Capabilities...)
	}
	return info
}

// Stats summarizes the registries.
type Stats struct {
	Handlers          int
	EnabledHandlers   int
	Connectors        int
	EnabledConnectors int
	TotalLoadTime     time.Duration
}

// Stats returns current registry counts and the cumulative load time of
// every module registered so far.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		Handlers:      len(m.handlers),
		Connectors:    len(m.connectors),
		TotalLoadTime: m.totalLoadTime,
	}
	for _, h := range m.handlers {
		if h.Enabled() {
			s.EnabledHandlers++
		}
	}
	for _, c := range m.connectors {
		if c.Enabled() {
			s.EnabledConnectors++
		}
	}
	return s
}
