// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package plugin

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/goodnet/goodnet/internal/observability"
	"github.com/goodnet/goodnet/internal/plugin/capability"
	"github.com/goodnet/goodnet/pkg/errutil"
	"github.com/goodnet/goodnet/pkg/sdk"
)

// defaultGrants apply to modules that declare no capabilities.
var defaultGrants = []string{"**"}

// Manager owns every loaded module: it loads them, indexes handlers by name
// and connectors by scheme, toggles them and unloads them.
//
// Registry mutations hold the manager lock; module callbacks (init,
// shutdown) are never invoked while it is held.
type Manager struct {
	loader      *Loader
	baseDir     string
	hostVersion string
	sources     map[Runtime]Source
	dispatcher  Dispatcher
	enforcer    *capability.Enforcer
	rescan      time.Duration
	debounce    time.Duration

	mu                sync.RWMutex
	handlers          []*HandlerRecord
	handlerByName     map[string]*HandlerRecord
	connectors        []*ConnectorRecord
	connectorByScheme map[string]*ConnectorRecord
	totalLoadTime     time.Duration
	seen              map[string]bool
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithBaseDir sets the directory holding handlers/ and connectors/.
func WithBaseDir(dir string) ManagerOption {
	return func(m *Manager) {
		m.baseDir = dir
	}
}

// WithSource registers the source used for a runtime.
func WithSource(rt Runtime, src Source) ManagerOption {
	return func(m *Manager) {
		m.sources[rt] = src
	}
}

// WithDispatcher connects registered handlers to event delivery.
func WithDispatcher(d Dispatcher) ManagerOption {
	return func(m *Manager) {
		m.dispatcher = d
	}
}

// WithEnforcer records each module's manifest capabilities in e.
func WithEnforcer(e *capability.Enforcer) ManagerOption {
	return func(m *Manager) {
		m.enforcer = e
	}
}

// WithHostVersion sets the version checked against manifest host
// constraints. Unset or non-semver versions skip the check.
func WithHostVersion(v string) ManagerOption {
	return func(m *Manager) {
		m.hostVersion = v
	}
}

// NewManager creates a plugin manager. A nil host is an error.
func NewManager(host HostProvider, opts ...ManagerOption) (*Manager, error) {
	loader, err := NewLoader(host)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		loader:            loader,
		sources:           make(map[Runtime]Source),
		handlerByName:     make(map[string]*HandlerRecord),
		connectorByScheme: make(map[string]*ConnectorRecord),
		seen:              make(map[string]bool),
		debounce:          defaultDebounce,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// BaseDir returns the module base directory.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// loadHandler loads and registers one handler module.
func (m *Manager) loadHandler(ctx context.Context, spec ModuleSpec) error {
	revoke := m.grant(spec)
	rec, err := m.loader.LoadHandler(ctx, m.sources[spec.Runtime], spec)
	if err != nil {
		revoke()
		observability.RecordModuleLoad(sdk.PluginTypeHandler.String(), "failed")
		return err
	}
	if err := m.RegisterHandler(rec); err != nil {
		revoke()
		observability.RecordModuleLoad(sdk.PluginTypeHandler.String(), "rejected")
		return err
	}
	observability.RecordModuleLoad(sdk.PluginTypeHandler.String(), "loaded")
	slog.Info("loaded handler",
		"module", rec.Name(),
		"path", rec.Path(),
		"runtime", rec.Runtime(),
		"types", rec.SupportedTypes(),
		"duration", rec.LoadDuration())
	return nil
}

// loadConnector loads and registers one connector module.
func (m *Manager) loadConnector(ctx context.Context, spec ModuleSpec) error {
	revoke := m.grant(spec)
	rec, err := m.loader.LoadConnector(ctx, m.sources[spec.Runtime], spec)
	if err != nil {
		revoke()
		observability.RecordModuleLoad(sdk.PluginTypeConnector.String(), "failed")
		return err
	}
	if err := m.RegisterConnector(rec); err != nil {
		revoke()
		observability.RecordModuleLoad(sdk.PluginTypeConnector.String(), "rejected")
		return err
	}
	observability.RecordModuleLoad(sdk.PluginTypeConnector.String(), "loaded")
	slog.Info("loaded connector",
		"module", rec.Module(),
		"name", rec.Name(),
		"scheme", rec.Scheme(),
		"path", rec.Path(),
		"runtime", rec.Runtime(),
		"duration", rec.LoadDuration())
	return nil
}

// grant installs the module's capability grants before its entry point
// runs, so calls made during init are checked. Grants owned by an already
// loaded module of the same name are left alone.
func (m *Manager) grant(spec ModuleSpec) (revoke func()) {
	if m.enforcer == nil || m.enforcer.IsRegistered(spec.Name) {
		return func() {}
	}
	caps := defaultGrants
	if spec.Manifest != nil && len(spec.Manifest.Capabilities) > 0 {
		caps = spec.Manifest.Capabilities
	}
	if err := m.enforcer.SetGrants(spec.Name, caps); err != nil {
		slog.Warn("invalid capability grants, module gets none",
			"module", spec.Name,
			"error", err)
		if err := m.enforcer.SetGrants(spec.Name, nil); err != nil {
			return func() {}
		}
	}
	return func() { m.enforcer.RemoveGrants(spec.Name) }
}

// RegisterHandler adds rec to the handler registry. A duplicate name is
// rejected, the existing registration is kept and rec is unloaded.
func (m *Manager) RegisterHandler(rec *HandlerRecord) error {
	m.mu.Lock()
	if _, exists := m.handlerByName[rec.Name()]; exists {
		m.mu.Unlock()
		err := oops.Code(CodeDuplicateHandler).
			With("module", rec.Name()).
			With("path", rec.Path()).
			Errorf("handler %q is already registered", rec.Name())
		errutil.LogError(slog.Default(), "rejected duplicate handler", err)
		if closeErr := rec.close(); closeErr != nil {
			errutil.LogError(slog.Default(), "failed to unload rejected handler", closeErr)
		}
		return err
	}
	rec.enabled.Store(true)
	m.handlers = append(m.handlers, rec)
	m.handlerByName[rec.Name()] = rec
	m.totalLoadTime += rec.LoadDuration()
	m.publishLocked()
	m.mu.Unlock()

	if m.dispatcher != nil {
		rec.setDetach(m.dispatcher.Attach(rec))
	}
	return nil
}

// RegisterConnector adds rec to the connector registry. A duplicate scheme
// is rejected, the existing registration is kept and rec is unloaded.
func (m *Manager) RegisterConnector(rec *ConnectorRecord) error {
	m.mu.Lock()
	if existing, exists := m.connectorByScheme[rec.Scheme()]; exists {
		m.mu.Unlock()
		err := oops.Code(CodeDuplicateScheme).
			With("scheme", rec.Scheme()).
			With("module", rec.Module()).
			With("existing", existing.Module()).
			Errorf("scheme %q is already served by %s", rec.Scheme(), existing.Name())
		errutil.LogError(slog.Default(), "rejected duplicate connector", err)
		if closeErr := rec.close(); closeErr != nil {
			errutil.LogError(slog.Default(), "failed to unload rejected connector", closeErr)
		}
		return err
	}
	rec.enabled.Store(true)
	m.connectors = append(m.connectors, rec)
	m.connectorByScheme[rec.Scheme()] = rec
	m.totalLoadTime += rec.LoadDuration()
	m.publishLocked()
	m.mu.Unlock()
	return nil
}

// EnableHandler enables a handler. It reports whether the state changed.
func (m *Manager) EnableHandler(name string) (bool, error) {
	return m.toggleHandler(name, true)
}

// DisableHandler disables a handler without unloading it. The handler keeps
// its subscriptions and their order.
func (m *Manager) DisableHandler(name string) (bool, error) {
	return m.toggleHandler(name, false)
}

func (m *Manager) toggleHandler(name string, enabled bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.handlerByName[name]
	if !ok {
		return false, oops.Code(CodeNotFound).With("module", name).Errorf("handler %q not found", name)
	}
	changed := rec.enabled.CompareAndSwap(!enabled, enabled)
	if changed {
		m.publishLocked()
		slog.Info("handler toggled", "module", name, "enabled", enabled)
	}
	return changed, nil
}

// EnableConnector enables the connector serving scheme.
func (m *Manager) EnableConnector(scheme string) (bool, error) {
	return m.toggleConnector(scheme, true)
}

// DisableConnector disables the connector serving scheme.
func (m *Manager) DisableConnector(scheme string) (bool, error) {
	return m.toggleConnector(scheme, false)
}

func (m *Manager) toggleConnector(scheme string, enabled bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.connectorByScheme[scheme]
	if !ok {
		return false, oops.Code(CodeNotFound).With("scheme", scheme).Errorf("no connector for scheme %q", scheme)
	}
	changed := rec.enabled.CompareAndSwap(!enabled, enabled)
	if changed {
		m.publishLocked()
		slog.Info("connector toggled", "scheme", scheme, "enabled", enabled)
	}
	return changed, nil
}

// UnloadHandler removes a handler and detaches it from event delivery at
// once. Its shutdown, library close and grant removal run when the
// deliveries already admitted for it have finished; with none in flight
// they run before UnloadHandler returns and their error is returned.
func (m *Manager) UnloadHandler(name string) error {
	m.mu.Lock()
	rec, ok := m.handlerByName[name]
	if !ok {
		m.mu.Unlock()
		return oops.Code(CodeNotFound).With("module", name).Errorf("handler %q not found", name)
	}
	rec.enabled.Store(false)
	delete(m.handlerByName, name)
	m.handlers = slices.DeleteFunc(m.handlers, func(h *HandlerRecord) bool { return h == rec })
	m.publishLocked()
	m.mu.Unlock()

	done, err := rec.retire(func() error {
		err := rec.close()
		m.revoke(name)
		if err != nil {
			errutil.LogError(slog.Default(), "handler unload reported an error", err)
		}
		slog.Info("unloaded handler", "module", name, "path", rec.Path())
		return err
	})
	if !done {
		slog.Info("handler unload waits for scheduled deliveries",
			"module", name,
			"in_flight", rec.InFlight())
	}
	return err
}

// UnloadConnector removes the connector serving scheme, calls its shutdown
// and closes its library.
func (m *Manager) UnloadConnector(scheme string) error {
	m.mu.Lock()
	rec, ok := m.connectorByScheme[scheme]
	if !ok {
		m.mu.Unlock()
		return oops.Code(CodeNotFound).With("scheme", scheme).Errorf("no connector for scheme %q", scheme)
	}
	rec.enabled.Store(false)
	delete(m.connectorByScheme, scheme)
	m.connectors = slices.DeleteFunc(m.connectors, func(c *ConnectorRecord) bool { return c == rec })
	m.publishLocked()
	m.mu.Unlock()

	err := rec.close()
	m.revoke(rec.Module())
	if err != nil {
		errutil.LogError(slog.Default(), "connector unload reported an error", err)
	}
	slog.Info("unloaded connector", "scheme", scheme, "path", rec.Path())
	return err
}

// revoke drops the grants of name unless a module registered under that
// name now holds them.
func (m *Manager) revoke(name string) {
	if m.enforcer == nil {
		return
	}
	m.mu.RLock()
	_, live := m.handlerByName[name]
	for _, c := range m.connectors {
		if c.Module() == name {
			live = true
		}
	}
	m.mu.RUnlock()
	if !live {
		m.enforcer.RemoveGrants(name)
	}
}

// UnloadAll unloads every handler, then every connector, in reverse load
// order. Errors are logged and the first one is returned.
func (m *Manager) UnloadAll(ctx context.Context) error {
	err := m.UnloadHandlers(ctx)
	if cerr := m.UnloadConnectors(ctx); err == nil {
		err = cerr
	}
	return err
}

// UnloadHandlers unloads every handler in reverse load order and returns
// the first error.
func (m *Manager) UnloadHandlers(_ context.Context) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.handlers))
	for _, h := range m.handlers {
		names = append(names, h.Name())
	}
	m.mu.RUnlock()

	var first error
	for i := len(names) - 1; i >= 0; i-- {
		if err := m.UnloadHandler(names[i]); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// UnloadConnectors unloads every connector in reverse load order and
// returns the first error.
func (m *Manager) UnloadConnectors(_ context.Context) error {
	m.mu.RLock()
	schemes := make([]string, 0, len(m.connectors))
	for _, c := range m.connectors {
		schemes = append(schemes, c.Scheme())
	}
	m.mu.RUnlock()

	var first error
	for i := len(schemes) - 1; i >= 0; i-- {
		if err := m.UnloadConnector(schemes[i]); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close unloads everything.
func (m *Manager) Close(ctx context.Context) error {
	return m.UnloadAll(ctx)
}

// publishLocked mirrors registry counts into the metrics. Caller holds mu.
func (m *Manager) publishLocked() {
	enabled := 0
	for _, h := range m.handlers {
		if h.Enabled() {
			enabled++
		}
	}
	observability.SetModules(sdk.PluginTypeHandler.String(), len(m.handlers), enabled)

	enabled = 0
	for _, c := range m.connectors {
		if c.Enabled() {
			enabled++
		}
	}
	observability.SetModules(sdk.PluginTypeConnector.String(), len(m.connectors), enabled)
}
