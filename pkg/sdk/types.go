// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package sdk defines the contract between the GoodNet host and its
// extension modules.
//
// A handler module exports a HandlerInit entry point and consumes decoded
// packets. A connector module exports a ConnectorInit entry point and
// supplies a transport for one URI scheme. Both receive a HostAPI describing
// what the host offers back to them.
package sdk

import "fmt"

// APIVersion is the version of the module contract. Host and module must
// agree exactly; a module built against another version is rejected.
const APIVersion uint32 = 1

// Magic is the constant carried in every packet header ("GNET").
const Magic uint32 = 0x474E4554

// Fixed buffer sizes of the contract. Strings reported by modules are
// truncated to size-1 bytes.
const (
	MaxSchemeLen  = 64
	MaxNameLen    = 128
	MaxAddressLen = 128
)

// PluginType is the role a module is loaded in.
type PluginType uint32

// Module roles.
const (
	PluginTypeUnknown PluginType = iota
	PluginTypeHandler
	PluginTypeConnector
)

func (t PluginType) String() string {
	switch t {
	case PluginTypeHandler:
		return "handler"
	case PluginTypeConnector:
		return "connector"
	default:
		return "unknown"
	}
}

// Message types carried in Header.PayloadType.
const (
	MsgTypeSystem      uint32 = 0
	MsgTypeAuth        uint32 = 1
	MsgTypeKeyExchange uint32 = 2
	MsgTypeHeartbeat   uint32 = 3
	MsgTypeChat        uint32 = 100
	MsgTypeFile        uint32 = 200
)

// Header status values.
const (
	StatusOK    uint16 = 0
	StatusError uint16 = 1
)

// InitStatus is returned by module entry points.
type InitStatus int32

// Entry point results. Only InitOK with a non-nil descriptor is success.
const (
	InitOK InitStatus = iota
	InitFailed
	InitVersionMismatch
)

func (s InitStatus) String() string {
	switch s {
	case InitOK:
		return "ok"
	case InitFailed:
		return "failed"
	case InitVersionMismatch:
		return "version mismatch"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// ConnState is the lifecycle state of a connection.
type ConnState uint32

// Connection states.
const (
	StateConnecting ConnState = iota
	StateAuthPending
	StateKeyExchange
	StateEstablished
	StateClosing
	StateBlocked
	StateClosed
)

var connStateNames = [...]string{
	StateConnecting:  "connecting",
	StateAuthPending: "auth_pending",
	StateKeyExchange: "key_exchange",
	StateEstablished: "established",
	StateClosing:     "closing",
	StateBlocked:     "blocked",
	StateClosed:      "closed",
}

func (s ConnState) String() string {
	if int(s) < len(connStateNames) {
		return connStateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Handle identifies a host-managed connection. Zero is never a valid handle.
type Handle uint64

// InvalidHandle is returned when a connection could not be created.
const InvalidHandle Handle = 0

// Header is the fixed-size packet header.
type Header struct {
	Magic       uint32
	PacketID    uint64
	Timestamp   uint64 // milliseconds since the Unix epoch
	PayloadType uint32
	Status      uint16
	Reserved    uint16
	PayloadLen  uint32
}

// Endpoint describes the remote side of a packet or connection.
type Endpoint struct {
	Address string
	Port    uint16
	PeerID  uint64
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// Truncate returns s cut to at most size-1 bytes, the capacity of a
// contract text buffer of the given size.
func Truncate(s string, size int) string {
	if size <= 0 {
		return ""
	}
	if len(s) > size-1 {
		return s[:size-1]
	}
	return s
}
