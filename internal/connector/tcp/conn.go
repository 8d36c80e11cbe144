// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package tcp

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goodnet/goodnet/pkg/sdk"
)

const (
	readBufferSize = 8192
	writeTimeout   = 10 * time.Second
)

// Conn is a TCP connection. Reading starts when callbacks are first set.
type Conn struct {
	nc       net.Conn
	owner    *Connector
	uri      string
	endpoint sdk.Endpoint

	writeMu sync.Mutex
	closed  atomic.Bool

	cbMu      sync.Mutex
	callbacks sdk.ConnectionCallbacks
	reading   sync.Once
}

func newConn(nc net.Conn, owner *Connector) *Conn {
	c := &Conn{nc: nc, owner: owner}
	c.uri = Scheme + "://unknown"
	if addr, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		c.endpoint = sdk.Endpoint{
			Address: sdk.Truncate(addr.IP.String(), sdk.MaxAddressLen),
			Port:    uint16(addr.Port),
		}
		c.uri = Scheme + "://" + net.JoinHostPort(c.endpoint.Address, strconv.Itoa(addr.Port))
	}
	return c
}

// Send writes data in full.
func (c *Conn) Send(data []byte) bool {
	if c.closed.Load() {
		return false
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.nc.Write(data); err != nil {
		c.notifyError(err)
		return false
	}
	return true
}

// Close closes the connection and fires OnClose once.
func (c *Conn) Close() bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}
	_ = c.nc.Close()
	if c.owner != nil {
		c.owner.forget(c)
	}
	cb := c.cb()
	if cb.OnClose != nil {
		cb.OnClose(cb.UserData)
	}
	return true
}

// IsActive reports whether the connection is open.
func (c *Conn) IsActive() bool { return !c.closed.Load() }

// Endpoint returns the remote endpoint.
func (c *Conn) Endpoint() sdk.Endpoint { return c.endpoint }

// URI returns tcp://host:port of the remote side.
func (c *Conn) URI() string { return c.uri }

// SetCallbacks installs cb and starts reading.
func (c *Conn) SetCallbacks(cb sdk.ConnectionCallbacks) {
	c.cbMu.Lock()
	c.callbacks = cb
	c.cbMu.Unlock()

	c.reading.Do(func() {
		if c.owner != nil {
			c.owner.mu.Lock()
			if c.owner.closed {
				c.owner.mu.Unlock()
				return
			}
			c.owner.wg.Add(1)
			c.owner.mu.Unlock()
		}
		go c.readLoop()
	})
}

func (c *Conn) cb() sdk.ConnectionCallbacks {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	return c.callbacks
}

func (c *Conn) readLoop() {
	if c.owner != nil {
		defer c.owner.wg.Done()
	}
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			if cb := c.cb(); cb.OnData != nil {
				data := make([]byte, n)
				copy(data, buf[:n])
				cb.OnData(cb.UserData, data)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.closed.Load() {
				c.notifyError(err)
			}
			c.Close()
			return
		}
	}
}

func (c *Conn) notifyError(err error) {
	if c.closed.Load() {
		return
	}
	cb := c.cb()
	if cb.OnError == nil {
		return
	}
	code := -1
	var errno syscall.Errno
	if errors.As(err, &errno) {
		code = int(errno)
	}
	cb.OnError(cb.UserData, code)
}
