// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package tcp is the built-in connector for tcp:// URIs.
package tcp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/goodnet/goodnet/pkg/sdk"
)

// Connector identity.
const (
	Scheme = "tcp"
	Name   = "TCP Connector"
)

// DefaultDialTimeout bounds Connect.
const DefaultDialTimeout = 5 * time.Second

// Entry is the connector entry point.
var Entry = sdk.ConnectorEntry(func(api *sdk.HostAPI) (sdk.ConnectorImpl, error) {
	return New(api), nil
})

// Connector dials and accepts plain TCP connections.
type Connector struct {
	api    *sdk.HostAPI
	dialer net.Dialer

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[*Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// New creates a connector reporting accepted connections through api.
func New(api *sdk.HostAPI) *Connector {
	if api == nil {
		api = &sdk.HostAPI{}
	}
	return &Connector{
		api:    api,
		dialer: net.Dialer{Timeout: DefaultDialTimeout},
		conns:  make(map[*Conn]struct{}),
	}
}

// Scheme returns "tcp".
func (c *Connector) Scheme() string { return Scheme }

// Name returns the display name.
func (c *Connector) Name() string { return Name }

// ParseAddress extracts host:port from "tcp://host:port" or "host:port".
func ParseAddress(uri string) (string, error) {
	target := uri
	if scheme, rest, ok := strings.Cut(uri, "://"); ok {
		if scheme != Scheme {
			return "", oops.Code("INVALID_URI").With("uri", uri).Errorf("scheme %q is not %s", scheme, Scheme)
		}
		target = rest
	}
	target = strings.TrimSuffix(target, "/")
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return "", oops.Code("INVALID_URI").With("uri", uri).Wrap(err)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", oops.Code("INVALID_URI").With("uri", uri).Errorf("invalid port %q", port)
	}
	return net.JoinHostPort(host, port), nil
}

// Connect dials uri.
func (c *Connector) Connect(uri string) (sdk.Connection, error) {
	addr, err := ParseAddress(uri)
	if err != nil {
		return nil, err
	}
	nc, err := c.dialer.DialContext(context.Background(), "tcp", addr)
	if err != nil {
		slog.Warn("tcp connect failed", "uri", uri, "error", err)
		return nil, oops.Code("CONNECT_FAILED").With("uri", uri).Wrap(err)
	}
	conn, err := c.track(nc)
	if err != nil {
		return nil, err
	}
	slog.Debug("tcp connection opened", "uri", conn.URI())
	return conn, nil
}

// Listen accepts connections on host:port until Shutdown. Accepted
// connections are reported through the host as established, and as closed
// when they end.
func (c *Connector) Listen(host string, port uint16) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return oops.Code("LISTEN_FAILED").With("host", host).With("port", port).Wrap(err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ln.Close()
		return oops.Code("CONNECTOR_CLOSED").Errorf("connector is shut down")
	}
	c.listeners = append(c.listeners, ln)
	c.wg.Add(1)
	c.mu.Unlock()

	slog.Info("tcp connector listening", "addr", ln.Addr().String())
	go c.accept(ln)
	return nil
}

// Addrs returns the addresses the connector listens on.
func (c *Connector) Addrs() []net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	addrs := make([]net.Addr, len(c.listeners))
	for i, ln := range c.listeners {
		addrs[i] = ln.Addr()
	}
	return addrs
}

func (c *Connector) accept(ln net.Listener) {
	defer c.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Error("tcp accept failed", "addr", ln.Addr().String(), "error", err)
			}
			return
		}
		conn, err := c.track(nc)
		if err != nil {
			continue
		}
		uri := conn.URI()
		conn.SetCallbacks(sdk.ConnectionCallbacks{
			OnData: func(_ any, data []byte) {
				slog.Debug("tcp data on accepted connection", "uri", uri, "bytes", len(data))
			},
			OnClose: func(any) {
				if c.api.UpdateConnectionState != nil {
					c.api.UpdateConnectionState(uri, sdk.StateClosed)
				}
			},
		})
		if c.api.UpdateConnectionState != nil {
			c.api.UpdateConnectionState(uri, sdk.StateEstablished)
		}
	}
}

func (c *Connector) track(nc net.Conn) (*Conn, error) {
	conn := newConn(nc, c)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = nc.Close()
		return nil, oops.Code("CONNECTOR_CLOSED").Errorf("connector is shut down")
	}
	c.conns[conn] = struct{}{}
	return conn, nil
}

func (c *Connector) forget(conn *Conn) {
	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
}

// Shutdown stops listening, closes every connection and waits for the
// connector's goroutines.
func (c *Connector) Shutdown() {
	c.mu.Lock()
	c.closed = true
	listeners := c.listeners
	c.listeners = nil
	conns := make([]*Conn, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
	c.wg.Wait()
}
