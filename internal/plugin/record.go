// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package plugin

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/goodnet/goodnet/pkg/sdk"
)

// module is the bookkeeping shared by handler and connector records: it ties
// the opened library to the descriptor obtained from it.
type module struct {
	name     string
	path     string
	origin   string
	runtime  Runtime
	manifest *Manifest

	source Source
	lib    Library

	enabled      atomic.Bool
	loadedAt     time.Time
	loadDuration time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Module returns the module identity (manifest name or file stem).
func (m *module) Module() string { return m.name }

// Path returns the file the module was loaded from.
func (m *module) Path() string { return m.path }

// Runtime returns the runtime that executes the module.
func (m *module) Runtime() Runtime { return m.runtime }

// Manifest returns the module manifest, or nil for a bare library.
func (m *module) Manifest() *Manifest { return m.manifest }

// Enabled reports whether the module currently receives work.
func (m *module) Enabled() bool { return m.enabled.Load() }

// LoadedAt returns when the module finished loading.
func (m *module) LoadedAt() time.Time { return m.loadedAt }

// LoadDuration returns how long loading took.
func (m *module) LoadDuration() time.Duration { return m.loadDuration }

// destroy calls shutdown through the panic boundary and then closes the
// library, in that order, exactly once.
func (m *module) destroy(shutdown func()) error {
	m.closeOnce.Do(func() {
		m.enabled.Store(false)
		var shutdownErr error
		if shutdown != nil {
			shutdownErr = protect(m.name, "shutdown", shutdown)
		}
		closeErr := m.source.Close(m.lib)
		switch {
		case closeErr != nil:
			m.closeErr = oops.With("module", m.name).With("path", m.path).Wrap(closeErr)
		case shutdownErr != nil:
			m.closeErr = shutdownErr
		}
	})
	return m.closeErr
}

// HandlerRecord is a loaded handler module. It stays usable by deliveries
// that were scheduled before it was unloaded: teardown waits until every
// delivery admitted by Acquire has been released.
type HandlerRecord struct {
	module
	desc *sdk.Handler

	mu       sync.Mutex
	detach   func()
	inFlight int
	retired  bool
	finalize func() error
}

// Name returns the handler name, which is its registry key.
func (h *HandlerRecord) Name() string { return h.name }

// Supports reports whether the handler accepts msgType.
func (h *HandlerRecord) Supports(msgType uint32) bool {
	return h.desc.Supports(msgType)
}

// SupportedTypes returns a copy of the supported type list. Empty means
// every type.
func (h *HandlerRecord) SupportedTypes() []uint32 {
	return append([]uint32(nil), h.desc.SupportedTypes...)
}

// HandleMessage invokes the module's message callback. A panic inside the
// module is returned as an error.
func (h *HandlerRecord) HandleMessage(header *sdk.Header, endpoint *sdk.Endpoint, payload []byte) error {
	return protect(h.name, "handle_message", func() {
		h.desc.HandleMessage(h.desc.UserData, header, endpoint, payload)
	})
}

// HandlesConnState reports whether the module has a state callback.
func (h *HandlerRecord) HandlesConnState() bool {
	return h.desc.HandleConnState != nil
}

// HandleConnState invokes the optional state callback.
func (h *HandlerRecord) HandleConnState(uri string, state sdk.ConnState) error {
	if h.desc.HandleConnState == nil {
		return nil
	}
	return protect(h.name, "handle_conn_state", func() {
		h.desc.HandleConnState(h.desc.UserData, uri, state)
	})
}

// Acquire admits one delivery to the handler. It fails while the handler
// is disabled and after it was unloaded. Each successful Acquire must be
// paired with a Release.
func (h *HandlerRecord) Acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retired || !h.Enabled() {
		return false
	}
	h.inFlight++
	return true
}

// Release ends a delivery admitted by Acquire. After an unload, the last
// Release finishes tearing the module down.
func (h *HandlerRecord) Release() {
	h.mu.Lock()
	if h.inFlight > 0 {
		h.inFlight--
	}
	var finalize func() error
	if h.inFlight == 0 && h.retired {
		finalize, h.finalize = h.finalize, nil
	}
	h.mu.Unlock()
	if finalize != nil {
		_ = finalize()
	}
}

// InFlight returns the number of admitted deliveries not yet released.
func (h *HandlerRecord) InFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inFlight
}

// setDetach stores the function removing the record's subscriptions. A
// record unloaded before it was attached is detached at once.
func (h *HandlerRecord) setDetach(detach func()) {
	if detach == nil {
		return
	}
	h.mu.Lock()
	if h.retired {
		h.mu.Unlock()
		detach()
		return
	}
	h.detach = detach
	h.mu.Unlock()
}

// retire disables the record, detaches it and schedules finalize for when
// no admitted delivery remains. When none is in flight finalize runs before
// retire returns and its error is returned with done set.
func (h *HandlerRecord) retire(finalize func() error) (done bool, err error) {
	h.mu.Lock()
	h.retired = true
	h.enabled.Store(false)
	detach := h.detach
	h.detach = nil
	done = h.inFlight == 0
	if !done {
		h.finalize = finalize
	}
	h.mu.Unlock()

	if detach != nil {
		detach()
	}
	if done {
		err = finalize()
	}
	return done, err
}

func (h *HandlerRecord) close() error {
	var shutdown func()
	if h.desc.Shutdown != nil {
		shutdown = func() { h.desc.Shutdown(h.desc.UserData) }
	}
	return h.destroy(shutdown)
}

// ConnectorRecord is a loaded connector module. Its methods call into the
// module through the panic boundary.
type ConnectorRecord struct {
	module
	desc        *sdk.Connector
	scheme      string
	displayName string
}

// Scheme returns the URI scheme the connector serves.
func (c *ConnectorRecord) Scheme() string { return c.scheme }

// Name returns the display name the connector reported.
func (c *ConnectorRecord) Name() string { return c.displayName }

// Connect opens a connection to uri.
func (c *ConnectorRecord) Connect(uri string) (sdk.Connection, error) {
	var conn sdk.Connection
	err := protect(c.name, "connect", func() {
		conn = c.desc.Connect(c.desc.Context, uri)
	})
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, oops.Code("CONNECT_FAILED").
			With("module", c.name).
			With("uri", uri).
			Errorf("connector %s could not connect", c.scheme)
	}
	return conn, nil
}

// Listen asks the connector to accept connections on host:port.
func (c *ConnectorRecord) Listen(host string, port uint16) error {
	if c.desc.Listen == nil {
		return oops.Code("LISTEN_UNSUPPORTED").With("module", c.name).Errorf("connector %s cannot listen", c.scheme)
	}
	var ok bool
	err := protect(c.name, "listen", func() {
		ok = c.desc.Listen(c.desc.Context, host, port)
	})
	if err != nil {
		return err
	}
	if !ok {
		return oops.Code("LISTEN_FAILED").
			With("module", c.name).
			With("host", host).
			With("port", port).
			Errorf("connector %s failed to listen", c.scheme)
	}
	return nil
}

func (c *ConnectorRecord) close() error {
	var shutdown func()
	if c.desc.Shutdown != nil {
		shutdown = func() { c.desc.Shutdown(c.desc.Context) }
	}
	return c.destroy(shutdown)
}
