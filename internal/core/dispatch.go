// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package core

import (
	"context"
	"log/slog"

	"github.com/samber/oops"

	"github.com/goodnet/goodnet/internal/bus"
	"github.com/goodnet/goodnet/internal/observability"
	"github.com/goodnet/goodnet/internal/plugin"
	"github.com/goodnet/goodnet/pkg/errutil"
	"github.com/goodnet/goodnet/pkg/sdk"
)

func stateEvent(uri string, state sdk.ConnState) bus.StateEvent {
	return bus.StateEvent{URI: uri, State: state}
}

// EmitPacket validates a decoded packet and publishes it on the packet
// bus. It returns the number of deliveries scheduled; handlers that do not
// support the payload type are skipped at delivery. payload must stay
// unmodified until the deliveries have run.
func (c *Core) EmitPacket(ctx context.Context, header *sdk.Header, endpoint *sdk.Endpoint, payload []byte) (int, error) {
	if header == nil {
		observability.RecordPacket("in", "rejected")
		return 0, oops.Code(CodeBadPacket).Errorf("packet has no header")
	}
	if err := header.Validate(); err != nil {
		observability.RecordPacket("in", "rejected")
		return 0, oops.Code(CodeBadPacket).With("packet_id", header.PacketID).Wrap(err)
	}
	if int(header.PayloadLen) != len(payload) {
		observability.RecordPacket("in", "rejected")
		return 0, oops.Code(CodeBadPacket).
			With("packet_id", header.PacketID).
			Wrapf(sdk.ErrLengthMismatch, "header %d, payload %d", header.PayloadLen, len(payload))
	}
	if endpoint == nil {
		endpoint = &sdk.Endpoint{}
	}

	n := c.packets.Emit(ctx, bus.PacketEvent{Header: header, Endpoint: endpoint, Payload: payload})
	observability.RecordPacket("in", "ok")
	slog.DebugContext(ctx, "packet emitted",
		"packet_id", header.PacketID,
		"type", header.PayloadType,
		"bytes", len(payload),
		"deliveries", n)
	return n, nil
}

// Attach subscribes rec to the packet bus, and to the state bus when it has
// a state callback. Each delivery is admitted at emit time through
// rec.Acquire and released once it has run, so an unload waits for the
// deliveries already scheduled. The returned function removes both
// subscriptions.
func (c *Core) Attach(rec *plugin.HandlerRecord) func() {
	admit := []bus.SubscribeOption{bus.WithGate(rec.Acquire), bus.WithDropped(rec.Release)}
	packets := c.packets.Subscribe(rec.Name(), func(_ context.Context, e bus.PacketEvent) {
		defer rec.Release()
		if !rec.Supports(e.Header.PayloadType) {
			return
		}
		if err := rec.HandleMessage(e.Header, e.Endpoint, e.Payload); err != nil {
			errutil.LogError(slog.Default(), "handler failed", err)
		}
	}, admit...)

	var states *bus.Subscription
	if rec.HandlesConnState() {
		states = c.states.Subscribe(rec.Name(), func(_ context.Context, e bus.StateEvent) {
			defer rec.Release()
			if err := rec.HandleConnState(e.URI, e.State); err != nil {
				errutil.LogError(slog.Default(), "handler failed", err)
			}
		}, admit...)
	}

	slog.Debug("handler attached", "module", rec.Name(), "states", states != nil)
	return func() {
		packets.Unsubscribe()
		states.Unsubscribe()
	}
}
