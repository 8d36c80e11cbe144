// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package core

import (
	"context"
	"log/slog"
	"strings"

	"github.com/samber/oops"

	"github.com/goodnet/goodnet/internal/observability"
	"github.com/goodnet/goodnet/internal/plugin/capability"
	"github.com/goodnet/goodnet/pkg/errutil"
	"github.com/goodnet/goodnet/pkg/sdk"
)

// HostAPI returns a fresh host interface for one load of module. Every call
// is checked against the module's capability grants; a denied call is
// logged and behaves like a failed one.
func (c *Core) HostAPI(module string, role sdk.PluginType) *sdk.HostAPI {
	return &sdk.HostAPI{
		APIVersion: sdk.APIVersion,
		PluginType: role,
		Send: func(uri string, msgType uint32, data []byte) {
			if !c.allowed(module, capability.Send) {
				return
			}
			if err := c.Send(context.Background(), uri, msgType, data); err != nil {
				errutil.LogWarn(slog.Default(), "module send failed", oops.With("module", module).Wrap(err))
			}
		},
		CreateConnection: func(uri string) sdk.Handle {
			if !c.allowed(module, capability.ConnectionCreate) {
				return sdk.InvalidHandle
			}
			h, err := c.CreateConnection(context.Background(), uri)
			if err != nil {
				errutil.LogWarn(slog.Default(), "module connection failed", oops.With("module", module).Wrap(err))
				return sdk.InvalidHandle
			}
			return h
		},
		CloseConnection: func(h sdk.Handle) {
			if !c.allowed(module, capability.ConnectionClose) {
				return
			}
			if err := c.CloseConnection(h); err != nil {
				errutil.LogWarn(slog.Default(), "module close failed", oops.With("module", module).Wrap(err))
			}
		},
		UpdateConnectionState: func(uri string, state sdk.ConnState) {
			if !c.allowed(module, capability.ConnectionState) {
				return
			}
			c.UpdateConnectionState(context.Background(), uri, state)
		},
	}
}

func (c *Core) allowed(module, capName string) bool {
	if err := c.enforcer.Require(module, capName); err != nil {
		errutil.LogWarn(slog.Default(), "host call denied", err)
		return false
	}
	return true
}

// splitScheme returns the scheme of "scheme://rest".
func splitScheme(uri string) (string, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok || scheme == "" || rest == "" {
		return "", oops.Code(CodeInvalidURI).With("uri", uri).Errorf("uri must have the form scheme://address")
	}
	return scheme, nil
}

// Send frames data as one packet of msgType and writes it to uri, reusing
// the tracked connection to uri while it is active and connecting through
// the connector serving the scheme otherwise.
func (c *Core) Send(ctx context.Context, uri string, msgType uint32, data []byte) error {
	conn, err := c.connectionFor(ctx, uri)
	if err != nil {
		observability.RecordPacket("out", "no_route")
		return err
	}

	header := sdk.NewHeader(c.packetID.Add(1), msgType, len(data))
	buf, err := sdk.EncodeFrame(header, data)
	if err != nil {
		observability.RecordPacket("out", "rejected")
		return oops.Code(CodeSendFailed).With("uri", uri).With("type", msgType).Wrap(err)
	}

	var sent bool
	if err := guard("send", func() { sent = conn.Send(buf) }); err != nil {
		observability.RecordPacket("out", "failed")
		return oops.With("uri", uri).Wrap(err)
	}
	if !sent {
		observability.RecordPacket("out", "failed")
		return oops.Code(CodeSendFailed).With("uri", uri).Errorf("connection refused %d bytes", len(buf))
	}
	observability.RecordPacket("out", "ok")
	slog.Debug("packet sent", "uri", uri, "packet_id", header.PacketID, "type", msgType, "bytes", len(data))
	return nil
}

func (c *Core) connectionFor(ctx context.Context, uri string) (sdk.Connection, error) {
	if conn, h, ok := c.conns.ByURI(uri); ok {
		var active bool
		_ = guard("is_active", func() { active = conn.IsActive() })
		if active {
			return conn, nil
		}
		c.conns.Remove(h)
	}
	h, err := c.CreateConnection(ctx, uri)
	if err != nil {
		return nil, err
	}
	conn, ok := c.conns.Get(h)
	if !ok {
		return nil, oops.Code(CodeConnectionFailed).With("uri", uri).Errorf("connection closed before use")
	}
	return conn, nil
}

// CreateConnection connects to uri through the connector serving its
// scheme and tracks the connection. Frames received on it are emitted on
// the packet bus; a malformed frame closes it.
func (c *Core) CreateConnection(ctx context.Context, uri string) (sdk.Handle, error) {
	scheme, err := splitScheme(uri)
	if err != nil {
		return sdk.InvalidHandle, err
	}
	rec, ok := c.manager.ConnectorByScheme(scheme)
	if !ok {
		return sdk.InvalidHandle, oops.Code(CodeNoConnector).
			With("uri", uri).
			With("scheme", scheme).
			Errorf("no connector serves scheme %q", scheme)
	}

	conn, err := rec.Connect(uri)
	if err != nil {
		return sdk.InvalidHandle, oops.With("uri", uri).Wrap(err)
	}
	h := c.conns.Add(uri, conn)

	var frames frameReader
	endpoint := conn.Endpoint()
	err = guard("set_callbacks", func() {
		conn.SetCallbacks(sdk.ConnectionCallbacks{
			OnData: func(_ any, data []byte) {
				c.receive(ctx, h, &frames, &endpoint, data)
			},
			OnClose: func(any) {
				c.conns.Remove(h)
				c.UpdateConnectionState(ctx, uri, sdk.StateClosed)
			},
			OnError: func(_ any, code int) {
				slog.Warn("connection error", "uri", uri, "handle", h, "code", code)
			},
		})
	})
	if err != nil {
		c.conns.Remove(h)
		_ = guard("close", func() { conn.Close() })
		return sdk.InvalidHandle, oops.With("uri", uri).Wrap(err)
	}

	slog.Info("connection created", "handle", h, "uri", uri, "scheme", scheme, "connector", rec.Name())
	c.UpdateConnectionState(ctx, uri, sdk.StateEstablished)
	return h, nil
}

// receive feeds a chunk of connection data to its frame reader and emits
// the completed frames. OnData calls of one connection are sequential.
func (c *Core) receive(ctx context.Context, h sdk.Handle, frames *frameReader, endpoint *sdk.Endpoint, data []byte) {
	complete, err := frames.feed(data)
	for _, f := range complete {
		header := f.header
		if _, err := c.EmitPacket(ctx, &header, endpoint, f.payload); err != nil {
			errutil.LogWarn(slog.Default(), "dropped received packet", err)
		}
	}
	if err != nil {
		observability.RecordPacket("in", "bad_frame")
		slog.Warn("closing connection after malformed frame", "handle", h, "error", err)
		if conn, ok := c.conns.Get(h); ok {
			_ = guard("close", func() { conn.Close() })
		}
	}
}

// CloseConnection closes and forgets the connection behind h.
func (c *Core) CloseConnection(h sdk.Handle) error {
	conn, ok := c.conns.Remove(h)
	if !ok {
		return oops.Code(CodeUnknownHandle).With("handle", h).Errorf("unknown connection handle")
	}
	if err := guard("close", func() { conn.Close() }); err != nil {
		return oops.With("handle", h).Wrap(err)
	}
	slog.Info("connection closed", "handle", h)
	return nil
}

// UpdateConnectionState publishes a state transition on the state bus and
// returns the number of deliveries scheduled.
func (c *Core) UpdateConnectionState(ctx context.Context, uri string, state sdk.ConnState) int {
	slog.Debug("connection state changed", "uri", uri, "state", state.String())
	return c.states.Emit(ctx, stateEvent(uri, state))
}

// guard runs a call into module-provided connection code, converting a
// panic into an error.
func guard(operation string, fn func()) error {
	return oops.Code("CONNECTION_PANIC").
		With("operation", operation).
		Recoverf(fn, "connection panicked in %s", operation)
}
