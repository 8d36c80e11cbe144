// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package core

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/goodnet/goodnet/pkg/sdk"
)

// ConnInfo is a snapshot of one tracked connection.
type ConnInfo struct {
	Handle    sdk.Handle
	URI       string
	Endpoint  sdk.Endpoint
	Active    bool
	CreatedAt time.Time
}

type trackedConn struct {
	handle    sdk.Handle
	uri       string
	conn      sdk.Connection
	createdAt time.Time
}

// ConnManager is the handle table of connections the host created on
// behalf of modules. Handles start at 1 and are never reused.
type ConnManager struct {
	mu    sync.RWMutex
	next  sdk.Handle
	conns map[sdk.Handle]*trackedConn
	byURI map[string]sdk.Handle
}

// NewConnManager creates an empty connection table.
func NewConnManager() *ConnManager {
	return &ConnManager{
		next:  1,
		conns: make(map[sdk.Handle]*trackedConn),
		byURI: make(map[string]sdk.Handle),
	}
}

// Add tracks conn under uri and returns its handle. A later connection to
// the same uri replaces the earlier one in URI lookups.
func (m *ConnManager) Add(uri string, conn sdk.Connection) sdk.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.next
	m.next++
	m.conns[h] = &trackedConn{handle: h, uri: uri, conn: conn, createdAt: time.Now()}
	m.byURI[uri] = h
	slog.Debug("connection tracked", "handle", h, "uri", uri)
	return h
}

// Get returns the connection behind h.
func (m *ConnManager) Get(h sdk.Handle) (sdk.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.conns[h]
	if !ok {
		return nil, false
	}
	return t.conn, true
}

// ByURI returns the most recent connection to uri.
func (m *ConnManager) ByURI(uri string) (sdk.Connection, sdk.Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.byURI[uri]
	if !ok {
		return nil, sdk.InvalidHandle, false
	}
	return m.conns[h].conn, h, true
}

// Remove stops tracking h and returns its connection. It does not close it.
func (m *ConnManager) Remove(h sdk.Handle) (sdk.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.conns[h]
	if !ok {
		return nil, false
	}
	delete(m.conns, h)
	if m.byURI[t.uri] == h {
		delete(m.byURI, t.uri)
	}
	return t.conn, true
}

// Len returns the number of tracked connections.
func (m *ConnManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// List returns every tracked connection ordered by handle.
func (m *ConnManager) List() []ConnInfo {
	m.mu.RLock()
	tracked := make([]*trackedConn, 0, len(m.conns))
	for _, t := range m.conns {
		tracked = append(tracked, t)
	}
	m.mu.RUnlock()

	sort.Slice(tracked, func(i, j int) bool { return tracked[i].handle < tracked[j].handle })
	out := make([]ConnInfo, 0, len(tracked))
	for _, t := range tracked {
		info := ConnInfo{Handle: t.handle, URI: t.uri, CreatedAt: t.createdAt}
		_ = guard("connection info", func() {
			info.Active = t.conn.IsActive()
			info.Endpoint = t.conn.Endpoint()
		})
		out = append(out, info)
	}
	return out
}

// CloseAll closes and forgets every tracked connection.
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	conns := make([]sdk.Connection, 0, len(m.conns))
	for _, t := range m.conns {
		conns = append(conns, t.conn)
	}
	m.conns = make(map[sdk.Handle]*trackedConn)
	m.byURI = make(map[string]sdk.Handle)
	m.mu.Unlock()

	for _, conn := range conns {
		_ = guard("close", func() { conn.Close() })
	}
}
