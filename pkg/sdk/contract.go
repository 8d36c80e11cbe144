// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package sdk

// Exported symbol names of the module entry points.
const (
	HandlerInitSymbol   = "HandlerInit"
	ConnectorInitSymbol = "ConnectorInit"
)

// HostAPI is the capability table the host hands to every module.
//
// The host passes a fresh copy to each entry point call. PluginType is set
// to the role of that load operation only. All functions are synchronous and
// never panic; failures are reported as InvalidHandle or silently dropped.
type HostAPI struct {
	APIVersion uint32
	PluginType PluginType

	Send                  func(uri string, msgType uint32, data []byte)
	CreateConnection      func(uri string) Handle
	CloseConnection       func(h Handle)
	UpdateConnectionState func(uri string, state ConnState)
}

// Handler is the descriptor a handler module returns from HandlerInit.
//
// UserData is passed back on every callback. The module owns whatever
// UserData points to; the descriptor stays valid until Shutdown returns.
type Handler struct {
	APIVersion uint32

	HandleMessage   func(userData any, header *Header, endpoint *Endpoint, payload []byte)
	HandleConnState func(userData any, uri string, state ConnState)
	Shutdown        func(userData any)

	// SupportedTypes lists the message types the handler accepts. An empty
	// list accepts every type.
	SupportedTypes []uint32
	UserData       any
}

// Supports reports whether the handler accepts msgType.
func (h *Handler) Supports(msgType uint32) bool {
	if len(h.SupportedTypes) == 0 {
		return true
	}
	for _, t := range h.SupportedTypes {
		if t == msgType {
			return true
		}
	}
	return false
}

// ConnectionCallbacks receive notifications from a live Connection.
type ConnectionCallbacks struct {
	OnData   func(userData any, data []byte)
	OnClose  func(userData any)
	OnError  func(userData any, code int)
	UserData any
}

// Connection is a live transport connection produced by a connector.
type Connection interface {
	Send(data []byte) bool
	Close() bool
	IsActive() bool
	Endpoint() Endpoint
	URI() string
	SetCallbacks(cb ConnectionCallbacks)
}

// Connector is the operation table a connector module returns from
// ConnectorInit. Context is passed back to every operation.
type Connector struct {
	APIVersion uint32

	Connect  func(ctx any, uri string) Connection
	Listen   func(ctx any, host string, port uint16) bool
	Scheme   func(ctx any) string
	Name     func(ctx any) string
	Shutdown func(ctx any)

	Context any
}

// HandlerInit is the entry point of a handler module.
type HandlerInit func(api *HostAPI) (*Handler, InitStatus)

// ConnectorInit is the entry point of a connector module.
type ConnectorInit func(api *HostAPI) (*Connector, InitStatus)
