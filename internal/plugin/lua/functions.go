// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package lua

import (
	"log/slog"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/goodnet/goodnet/pkg/sdk"
)

// hostTable is the global through which scripts reach the host.
const hostTable = "goodnet"

var msgTypes = map[string]uint32{
	"MSG_SYSTEM":       sdk.MsgTypeSystem,
	"MSG_AUTH":         sdk.MsgTypeAuth,
	"MSG_KEY_EXCHANGE": sdk.MsgTypeKeyExchange,
	"MSG_HEARTBEAT":    sdk.MsgTypeHeartbeat,
	"MSG_CHAT":         sdk.MsgTypeChat,
	"MSG_FILE":         sdk.MsgTypeFile,
}

var connStates = map[string]sdk.ConnState{
	"STATE_CONNECTING":   sdk.StateConnecting,
	"STATE_AUTH_PENDING": sdk.StateAuthPending,
	"STATE_KEY_EXCHANGE": sdk.StateKeyExchange,
	"STATE_ESTABLISHED":  sdk.StateEstablished,
	"STATE_CLOSING":      sdk.StateClosing,
	"STATE_BLOCKED":      sdk.StateBlocked,
	"STATE_CLOSED":       sdk.StateClosed,
}

// registerHost installs the goodnet table. Host functions call the API
// returned by host at call time and do nothing while it is nil, so the
// constants are usable from the script's top level before init.
func registerHost(L *lua.LState, module string, host func() *sdk.HostAPI) {
	mod := L.NewTable()

	L.SetField(mod, "send", L.NewFunction(func(L *lua.LState) int {
		uri := L.CheckString(1)
		msgType := uint32(L.CheckNumber(2))
		data := L.OptString(3, "")
		if api := host(); api != nil && api.Send != nil {
			api.Send(uri, msgType, []byte(data))
		}
		return 0
	}))
	L.SetField(mod, "connect", L.NewFunction(func(L *lua.LState) int {
		uri := L.CheckString(1)
		handle := sdk.InvalidHandle
		if api := host(); api != nil && api.CreateConnection != nil {
			handle = api.CreateConnection(uri)
		}
		if handle == sdk.InvalidHandle {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LNumber(handle))
		return 1
	}))
	L.SetField(mod, "close", L.NewFunction(func(L *lua.LState) int {
		handle := sdk.Handle(L.CheckNumber(1))
		if api := host(); api != nil && api.CloseConnection != nil {
			api.CloseConnection(handle)
		}
		return 0
	}))
	L.SetField(mod, "set_state", L.NewFunction(func(L *lua.LState) int {
		uri := L.CheckString(1)
		state := sdk.ConnState(L.CheckNumber(2))
		if api := host(); api != nil && api.UpdateConnectionState != nil {
			api.UpdateConnectionState(uri, state)
		}
		return 0
	}))
	L.SetField(mod, "log", L.NewFunction(logFn(module)))
	L.SetField(mod, "new_id", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(ulid.Make().String()))
		return 1
	}))

	for name, v := range msgTypes {
		L.SetField(mod, name, lua.LNumber(v))
	}
	for name, v := range connStates {
		L.SetField(mod, name, lua.LNumber(v))
	}
	L.SetField(mod, "API_VERSION", lua.LNumber(sdk.APIVersion))

	L.SetGlobal(hostTable, mod)
}

func logFn(module string) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)

		logger := slog.Default().With("module", module, "runtime", "lua")
		switch level {
		case "debug":
			logger.Debug(message)
		case "warn":
			logger.Warn(message)
		case "error":
			logger.Error(message)
		default:
			logger.Info(message)
		}
		return 0
	}
}

func headerTable(L *lua.LState, h *sdk.Header) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "magic", lua.LNumber(h.Magic))
	L.SetField(t, "packet_id", lua.LNumber(h.PacketID))
	L.SetField(t, "timestamp", lua.LNumber(h.Timestamp))
	L.SetField(t, "type", lua.LNumber(h.PayloadType))
	L.SetField(t, "status", lua.LNumber(h.Status))
	L.SetField(t, "payload_len", lua.LNumber(h.PayloadLen))
	return t
}

func endpointTable(L *lua.LState, ep *sdk.Endpoint) *lua.LTable {
	t := L.NewTable()
	if ep == nil {
		return t
	}
	L.SetField(t, "address", lua.LString(ep.Address))
	L.SetField(t, "port", lua.LNumber(ep.Port))
	L.SetField(t, "peer_id", lua.LNumber(ep.PeerID))
	return t
}
