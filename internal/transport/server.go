// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package transport is the frame listener: it accepts TCP connections,
// decodes GoodNet frames and hands each packet to the host.
package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/goodnet/goodnet/internal/observability"
	"github.com/goodnet/goodnet/pkg/sdk"
)

// AckMessage is the payload of the frame acknowledging each packet.
const AckMessage = "OK: Message received"

// Defaults.
const (
	DefaultMaxConnections = 1000
	DefaultIdleTimeout    = 30 * time.Second
	writeTimeout          = 10 * time.Second
)

// Emitter receives what the listener decodes. *core.Core implements it.
type Emitter interface {
	EmitPacket(ctx context.Context, header *sdk.Header, endpoint *sdk.Endpoint, payload []byte) (int, error)
	UpdateConnectionState(ctx context.Context, uri string, state sdk.ConnState) int
}

// Server is the frame listener.
type Server struct {
	addr        string
	emitter     Emitter
	maxConns    int
	idleTimeout time.Duration
	metrics     *observability.Metrics

	mu       sync.RWMutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithMaxConnections bounds the number of open connections. Connections
// beyond it are closed on accept. Zero or less means unbounded.
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		s.maxConns = n
	}
}

// WithIdleTimeout closes connections that send nothing for d. Zero
// disables the timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

// WithMetrics records connection counts in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates a listener on addr ("host:port") feeding emitter.
func NewServer(addr string, emitter Emitter, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		emitter:     emitter,
		maxConns:    DefaultMaxConnections,
		idleTimeout: DefaultIdleTimeout,
		conns:       make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Run listens and serves until ctx is cancelled. Open connections are
// closed and their goroutines awaited before Run returns.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return oops.Code("LISTEN_FAILED").With("addr", s.addr).Wrap(err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	slog.Info("frame listener started", "addr", listener.Addr().String(), "max_connections", s.maxConns)

	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil {
			slog.Debug("error closing listener", "error", err)
		}
	}()

	defer s.shutdown()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("accept failed", "error", err)
			continue
		}
		if !s.track(conn) {
			slog.Warn("connection limit reached, rejecting",
				"remote", conn.RemoteAddr().String(),
				"max_connections", s.maxConns)
			s.count("rejected")
			_ = conn.Close()
			continue
		}
		s.count("accepted")
		go s.handle(ctx, conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxConns > 0 && len(s.conns) >= s.maxConns {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	if s.metrics != nil {
		s.metrics.ConnectionsOpen.Inc()
	}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	if s.metrics != nil {
		s.metrics.ConnectionsOpen.Dec()
	}
	s.mu.Unlock()
}

func (s *Server) count(origin string) {
	if s.metrics != nil {
		s.metrics.ConnectionsTotal.WithLabelValues(origin).Inc()
	}
}

func (s *Server) shutdown() {
	s.mu.RLock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.RUnlock()
	s.wg.Wait()
	slog.Info("frame listener stopped", "addr", s.addr)
}

func remoteEndpoint(conn net.Conn) (sdk.Endpoint, string) {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return sdk.Endpoint{}, "tcp://" + conn.RemoteAddr().String()
	}
	ep := sdk.Endpoint{
		Address: sdk.Truncate(addr.IP.String(), sdk.MaxAddressLen),
		Port:    uint16(addr.Port), //nolint:gosec // TCP ports fit in 16 bits
	}
	return ep, "tcp://" + net.JoinHostPort(ep.Address, strconv.Itoa(addr.Port))
}

// handle reads frames until the peer leaves, a frame is malformed or the
// connection idles out. Every packet is acknowledged.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	endpoint, uri := remoteEndpoint(conn)
	logger := slog.Default().With("remote", uri)

	s.emitter.UpdateConnectionState(ctx, uri, sdk.StateEstablished)
	defer func() {
		_ = conn.Close()
		s.untrack(conn)
		s.emitter.UpdateConnectionState(ctx, uri, sdk.StateClosed)
		logger.Debug("connection closed")
	}()
	logger.Debug("connection accepted")

	for {
		if s.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		header, payload, err := sdk.ReadFrame(conn)
		if err != nil {
			s.readFailed(logger, err)
			return
		}

		ep := endpoint
		if _, err := s.emitter.EmitPacket(ctx, &header, &ep, payload); err != nil {
			logger.Warn("packet rejected", "packet_id", header.PacketID, "error", err)
			return
		}
		logger.Debug("packet received",
			"packet_id", header.PacketID,
			"type", header.PayloadType,
			"bytes", len(payload))

		if err := s.ack(conn, header); err != nil {
			logger.Warn("failed to send ack", "error", err)
			return
		}
	}
}

func (s *Server) readFailed(logger *slog.Logger, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return
	case errors.Is(err, sdk.ErrBadMagic), errors.Is(err, sdk.ErrPayloadTooLarge):
		observability.RecordPacket("in", "bad_frame")
		logger.Warn("malformed frame, closing connection", "error", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Info("connection idle, closing")
	default:
		logger.Warn("read failed", "error", err)
	}
}

func (s *Server) ack(conn net.Conn, req sdk.Header) error {
	h := sdk.NewHeader(req.PacketID, sdk.MsgTypeSystem, len(AckMessage))
	h.Status = sdk.StatusOK
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return sdk.WriteFrame(conn, h, []byte(AckMessage))
}
