// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package core is the host facade. It owns the plugin manager, the packet
// and state buses and the connection table, implements the host interface
// handed to modules, and is the producer side of the buses.
package core

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/goodnet/goodnet/internal/bus"
	"github.com/goodnet/goodnet/internal/connector/tcp"
	"github.com/goodnet/goodnet/internal/executor"
	"github.com/goodnet/goodnet/internal/plugin"
	"github.com/goodnet/goodnet/internal/plugin/capability"
	"github.com/goodnet/goodnet/internal/plugin/goplugin"
	"github.com/goodnet/goodnet/internal/plugin/lua"
	"github.com/goodnet/goodnet/internal/plugin/native"
	"github.com/goodnet/goodnet/pkg/sdk"
)

// Defaults used when no option overrides them.
const (
	DefaultIOThreads = 4
	DefaultVersion   = "0.0.0-dev"
)

// Error codes returned by the host facade.
const (
	CodeInvalidOption    = "CORE_INVALID_OPTION"
	CodeInvalidURI       = "CORE_INVALID_URI"
	CodeNoConnector      = "CORE_NO_CONNECTOR"
	CodeConnectionFailed = "CORE_CONNECTION_FAILED"
	CodeUnknownHandle    = "CORE_UNKNOWN_HANDLE"
	CodeSendFailed       = "CORE_SEND_FAILED"
	CodeBadPacket        = "CORE_BAD_PACKET"
)

type options struct {
	ioThreads    int
	pluginDir    string
	version      string
	builtinTCP   bool
	autoLoad     bool
	scanInterval time.Duration
	sources      map[plugin.Runtime]plugin.Source
	handlers     map[string]sdk.HandlerInit
	connectors   map[string]sdk.ConnectorInit
}

// Option configures a Core.
type Option func(*options)

// WithIOThreads sets the worker count of the executor pool behind both
// buses.
func WithIOThreads(n int) Option {
	return func(o *options) {
		o.ioThreads = n
	}
}

// WithPluginDir sets the directory holding handlers/ and connectors/.
func WithPluginDir(dir string) Option {
	return func(o *options) {
		o.pluginDir = dir
	}
}

// WithVersion sets the host version checked against module manifests.
func WithVersion(v string) Option {
	return func(o *options) {
		o.version = v
	}
}

// WithBuiltinTCP controls whether Start registers the built-in tcp
// connector.
func WithBuiltinTCP(enabled bool) Option {
	return func(o *options) {
		o.builtinTCP = enabled
	}
}

// WithAutoLoad controls whether Start loads every module under the plugin
// directory.
func WithAutoLoad(enabled bool) Option {
	return func(o *options) {
		o.autoLoad = enabled
	}
}

// WithScanInterval sets the periodic rescan of Watch.
func WithScanInterval(d time.Duration) Option {
	return func(o *options) {
		o.scanInterval = d
	}
}

// WithSource replaces the source used for a runtime.
func WithSource(rt plugin.Runtime, src plugin.Source) Option {
	return func(o *options) {
		o.sources[rt] = src
	}
}

// WithBuiltinHandler compiles a handler into the host under name. It is
// loaded with LoadBuiltinHandler on the manager.
func WithBuiltinHandler(name string, entry sdk.HandlerInit) Option {
	return func(o *options) {
		o.handlers[name] = entry
	}
}

// WithBuiltinConnector compiles a connector into the host under name.
func WithBuiltinConnector(name string, entry sdk.ConnectorInit) Option {
	return func(o *options) {
		o.connectors[name] = entry
	}
}

// Core is the host facade.
type Core struct {
	id   ulid.ULID
	opts options

	pool     *executor.Pool
	packets  *bus.Signal[bus.PacketEvent]
	states   *bus.Signal[bus.StateEvent]
	enforcer *capability.Enforcer
	manager  *plugin.Manager
	conns    *ConnManager

	packetID atomic.Uint64
	running  atomic.Bool
}

// Compile-time interface checks.
var (
	_ plugin.HostProvider = (*Core)(nil)
	_ plugin.Dispatcher   = (*Core)(nil)
)

// New builds a Core. Only invalid options fail construction.
func New(opts ...Option) (*Core, error) {
	o := options{
		ioThreads:  DefaultIOThreads,
		version:    DefaultVersion,
		builtinTCP: true,
		autoLoad:   true,
		sources:    make(map[plugin.Runtime]plugin.Source),
		handlers:   make(map[string]sdk.HandlerInit),
		connectors: make(map[string]sdk.ConnectorInit),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ioThreads <= 0 {
		return nil, oops.Code(CodeInvalidOption).
			With("io_threads", o.ioThreads).
			Errorf("io threads must be positive")
	}
	if o.scanInterval < 0 {
		return nil, oops.Code(CodeInvalidOption).
			With("scan_interval", o.scanInterval).
			Errorf("scan interval cannot be negative")
	}

	c := &Core{
		id:       NewID(),
		opts:     o,
		pool:     executor.NewPool(o.ioThreads),
		enforcer: capability.NewEnforcer(),
		conns:    NewConnManager(),
	}
	c.packetID.Store(packetIDSeed(c.id))
	c.packets = bus.New[bus.PacketEvent](bus.PacketBus, c.pool)
	c.states = bus.New[bus.StateEvent](bus.StateBus, c.pool)

	builtins := plugin.NewBuiltins()
	if o.builtinTCP {
		builtins.AddConnector(tcp.Scheme, tcp.Entry)
	}
	for name, entry := range o.handlers {
		builtins.AddHandler(name, entry)
	}
	for name, entry := range o.connectors {
		builtins.AddConnector(name, entry)
	}
	sources := map[plugin.Runtime]plugin.Source{
		plugin.RuntimeNative:  native.NewSource(),
		plugin.RuntimeProcess: goplugin.NewSource(),
		plugin.RuntimeLua:     lua.NewSource(),
		plugin.RuntimeBuiltin: builtins,
	}
	for rt, src := range o.sources {
		sources[rt] = src
	}

	managerOpts := []plugin.ManagerOption{
		plugin.WithBaseDir(o.pluginDir),
		plugin.WithDispatcher(c),
		plugin.WithEnforcer(c.enforcer),
		plugin.WithHostVersion(o.version),
		plugin.WithScanInterval(o.scanInterval),
	}
	for rt, src := range sources {
		managerOpts = append(managerOpts, plugin.WithSource(rt, src))
	}
	manager, err := plugin.NewManager(c, managerOpts...)
	if err != nil {
		c.pool.Close()
		return nil, err
	}
	c.manager = manager

	slog.Info("core initialized",
		"id", c.id.String(),
		"io_threads", o.ioThreads,
		"plugin_dir", o.pluginDir,
		"version", o.version)
	return c, nil
}

// ID returns the instance id.
func (c *Core) ID() ulid.ULID { return c.id }

// Version returns the host version.
func (c *Core) Version() string { return c.opts.version }

// Manager returns the plugin manager.
func (c *Core) Manager() *plugin.Manager { return c.manager }

// Connections returns the connection table.
func (c *Core) Connections() *ConnManager { return c.conns }

// Enforcer returns the capability enforcer holding module grants.
func (c *Core) Enforcer() *capability.Enforcer { return c.enforcer }

// PacketBus returns the bus carrying decoded packets.
func (c *Core) PacketBus() *bus.Signal[bus.PacketEvent] { return c.packets }

// StateBus returns the bus carrying connection state transitions.
func (c *Core) StateBus() *bus.Signal[bus.StateEvent] { return c.states }

// Ready reports whether Start completed and Stop has not been called.
func (c *Core) Ready() bool { return c.running.Load() }

// Start registers the built-in connectors and handlers in name order and,
// when auto load is on, every module under the plugin directory. Module
// load failures are logged, not returned.
func (c *Core) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		slog.Warn("core already running")
		return nil
	}
	start := time.Now()

	if c.opts.builtinTCP {
		if err := c.manager.LoadBuiltinConnector(ctx, tcp.Scheme); err != nil {
			c.running.Store(false)
			return oops.With("connector", tcp.Scheme).Wrapf(err, "register built-in connector")
		}
	}
	for _, name := range slices.Sorted(maps.Keys(c.opts.connectors)) {
		if err := c.manager.LoadBuiltinConnector(ctx, name); err != nil {
			c.running.Store(false)
			return oops.With("connector", name).Wrapf(err, "register built-in connector")
		}
	}
	for _, name := range slices.Sorted(maps.Keys(c.opts.handlers)) {
		if err := c.manager.LoadBuiltinHandler(ctx, name); err != nil {
			c.running.Store(false)
			return oops.With("module", name).Wrapf(err, "register built-in handler")
		}
	}

	if c.opts.autoLoad && c.opts.pluginDir != "" {
		if _, err := c.manager.LoadAll(ctx); err != nil {
			c.running.Store(false)
			return err
		}
	}

	slog.Info("core started", "id", c.id.String(), "duration", time.Since(start))
	return nil
}

// Watch follows the plugin directory until ctx is done.
func (c *Core) Watch(ctx context.Context) error {
	return c.manager.Watch(ctx)
}

// Stop unloads every handler, drains the executor so deliveries already
// scheduled reach their handlers, then unloads the connectors and closes
// the remaining connections. Stop is final.
func (c *Core) Stop(ctx context.Context) error {
	c.running.Store(false)
	slog.Info("stopping core", "id", c.id.String())

	err := c.manager.UnloadHandlers(ctx)
	c.packets.UnsubscribeAll()
	c.states.UnsubscribeAll()
	c.pool.Close()
	if cerr := c.manager.UnloadConnectors(ctx); err == nil {
		err = cerr
	}
	c.conns.CloseAll()

	slog.Info("core stopped", "id", c.id.String())
	return err
}
