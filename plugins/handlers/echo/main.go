// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package main is a process handler module that echoes chat messages.
//
// A chat payload of the form "<uri> <text>" is answered with
// "echo: <text>" sent to <uri>. Build the binary next to echo.yaml:
//
//	go build -o plugins/handlers/goodnet-echo ./plugins/handlers/echo
package main

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/goodnet/goodnet/pkg/pluginsdk"
	"github.com/goodnet/goodnet/pkg/sdk"
)

// ReplyPrefix starts every echoed payload.
const ReplyPrefix = "echo: "

type echo struct {
	api     *sdk.HostAPI
	replied atomic.Int64
}

func newEcho(api *sdk.HostAPI) (sdk.MessageHandler, error) {
	return &echo{api: api}, nil
}

func (e *echo) HandleMessage(header *sdk.Header, _ *sdk.Endpoint, payload []byte) {
	target, text, ok := strings.Cut(string(payload), " ")
	if !ok || !strings.Contains(target, "://") {
		slog.Debug("echo: no reply target", "packet_id", header.PacketID)
		return
	}
	if e.api.Send == nil {
		return
	}
	e.api.Send(target, sdk.MsgTypeChat, []byte(ReplyPrefix+text))
	e.replied.Add(1)
}

func (e *echo) HandleConnState(uri string, state sdk.ConnState) {
	slog.Debug("echo: connection state", "uri", uri, "state", state.String())
}

func (e *echo) Shutdown() {
	slog.Info("echo: shutting down", "replied", e.replied.Load())
}

func main() {
	pluginsdk.ServeHandler(sdk.HandlerEntry(newEcho, sdk.MsgTypeChat))
}
