// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package core_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goodnet/goodnet/internal/core"
	"github.com/goodnet/goodnet/pkg/sdk"
)

// memConn is an in-memory connection recording what is sent on it.
type memConn struct {
	uri string

	mu        sync.Mutex
	sent      [][]byte
	closed    bool
	callbacks sdk.ConnectionCallbacks
}

func (c *memConn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return true
}

func (c *memConn) Close() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	cb := c.callbacks
	c.mu.Unlock()
	if cb.OnClose != nil {
		cb.OnClose(cb.UserData)
	}
	return true
}

func (c *memConn) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *memConn) Endpoint() sdk.Endpoint { return sdk.Endpoint{Address: "mem", Port: 1} }

func (c *memConn) URI() string { return c.uri }

func (c *memConn) SetCallbacks(cb sdk.ConnectionCallbacks) {
	c.mu.Lock()
	c.callbacks = cb
	c.mu.Unlock()
}

// deliver simulates bytes arriving from the peer.
func (c *memConn) deliver(data []byte) {
	c.mu.Lock()
	cb := c.callbacks
	c.mu.Unlock()
	if cb.OnData != nil {
		cb.OnData(cb.UserData, data)
	}
}

func (c *memConn) frames(t *testing.T) []sdk.Header {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sdk.Header, 0, len(c.sent))
	for _, b := range c.sent {
		var h sdk.Header
		require.NoError(t, h.UnmarshalBinary(b))
		out = append(out, h)
	}
	return out
}

// memConnector serves the "mem" scheme.
type memConnector struct {
	mu    sync.Mutex
	conns []*memConn
	fail  bool
}

func (m *memConnector) Scheme() string { return "mem" }
func (m *memConnector) Name() string   { return "Memory Connector" }

func (m *memConnector) Connect(uri string) (sdk.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, context.DeadlineExceeded
	}
	c := &memConn{uri: uri}
	m.conns = append(m.conns, c)
	return c, nil
}

func (m *memConnector) Listen(string, uint16) error { return nil }

func (m *memConnector) dialed() []*memConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*memConn(nil), m.conns...)
}

func (m *memConnector) entry() sdk.ConnectorInit {
	return sdk.ConnectorEntry(func(*sdk.HostAPI) (sdk.ConnectorImpl, error) { return m, nil })
}

type received struct {
	header   sdk.Header
	endpoint sdk.Endpoint
	payload  string
}

// recorder is a handler module collecting what it is delivered.
type recorder struct {
	packets chan received
	states  chan stateChange
}

type stateChange struct {
	uri   string
	state sdk.ConnState
}

func newRecorder() *recorder {
	return &recorder{packets: make(chan received, 64), states: make(chan stateChange, 64)}
}

func (r *recorder) HandleMessage(h *sdk.Header, ep *sdk.Endpoint, payload []byte) {
	r.packets <- received{header: *h, endpoint: *ep, payload: string(payload)}
}

func (r *recorder) HandleConnState(uri string, state sdk.ConnState) {
	r.states <- stateChange{uri: uri, state: state}
}

func (r *recorder) entry(types ...uint32) sdk.HandlerInit {
	return sdk.HandlerEntry(func(*sdk.HostAPI) (sdk.MessageHandler, error) { return r, nil }, types...)
}

// packetOnly has no state callback.
type packetOnly struct{ packets chan received }

func (p *packetOnly) HandleMessage(h *sdk.Header, ep *sdk.Endpoint, payload []byte) {
	p.packets <- received{header: *h, endpoint: *ep, payload: string(payload)}
}

func startCore(t *testing.T, opts ...core.Option) *core.Core {
	t.Helper()
	opts = append([]core.Option{core.WithAutoLoad(false), core.WithIOThreads(2)}, opts...)
	c, err := core.New(opts...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func frameBytes(t *testing.T, msgType uint32, payload string) []byte {
	t.Helper()
	b, err := sdk.EncodeFrame(sdk.NewHeader(42, msgType, len(payload)), []byte(payload))
	require.NoError(t, err)
	return b
}
