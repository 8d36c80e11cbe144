// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package sdk

// MessageHandler is the method-based form of a handler module.
//
// Implementations may also implement ConnStateHandler and Shutdowner.
type MessageHandler interface {
	HandleMessage(header *Header, endpoint *Endpoint, payload []byte)
}

// ConnStateHandler receives connection state transitions.
type ConnStateHandler interface {
	HandleConnState(uri string, state ConnState)
}

// Shutdowner is implemented by modules that release resources on unload.
type Shutdowner interface {
	Shutdown()
}

// NewHandler wraps impl into a Handler descriptor accepting the given types.
// No types means every type.
func NewHandler(impl MessageHandler, types ...uint32) *Handler {
	h := &Handler{
		APIVersion:     APIVersion,
		SupportedTypes: append([]uint32(nil), types...),
		UserData:       impl,
		HandleMessage: func(ud any, header *Header, endpoint *Endpoint, payload []byte) {
			ud.(MessageHandler).HandleMessage(header, endpoint, payload)
		},
	}
	if _, ok := impl.(ConnStateHandler); ok {
		h.HandleConnState = func(ud any, uri string, state ConnState) {
			ud.(ConnStateHandler).HandleConnState(uri, state)
		}
	}
	if _, ok := impl.(Shutdowner); ok {
		h.Shutdown = func(ud any) {
			ud.(Shutdowner).Shutdown()
		}
	}
	return h
}

// HandlerEntry builds a HandlerInit from a constructor. The returned entry
// point refuses hosts of another version or a load for another role.
func HandlerEntry(newHandler func(api *HostAPI) (MessageHandler, error), types ...uint32) HandlerInit {
	return func(api *HostAPI) (*Handler, InitStatus) {
		if api == nil {
			return nil, InitFailed
		}
		if api.APIVersion != APIVersion {
			return nil, InitVersionMismatch
		}
		if api.PluginType != PluginTypeHandler {
			return nil, InitFailed
		}
		impl, err := newHandler(api)
		if err != nil || impl == nil {
			return nil, InitFailed
		}
		return NewHandler(impl, types...), InitOK
	}
}

// ConnectorImpl is the method-based form of a connector module.
//
// Implementations may also implement Shutdowner.
type ConnectorImpl interface {
	Scheme() string
	Name() string
	Connect(uri string) (Connection, error)
	Listen(host string, port uint16) error
}

// NewConnector wraps impl into a Connector operation table.
func NewConnector(impl ConnectorImpl) *Connector {
	c := &Connector{
		APIVersion: APIVersion,
		Context:    impl,
		Connect: func(ctx any, uri string) Connection {
			conn, err := ctx.(ConnectorImpl).Connect(uri)
			if err != nil {
				return nil
			}
			return conn
		},
		Listen: func(ctx any, host string, port uint16) bool {
			return ctx.(ConnectorImpl).Listen(host, port) == nil
		},
		Scheme: func(ctx any) string { return ctx.(ConnectorImpl).Scheme() },
		Name:   func(ctx any) string { return ctx.(ConnectorImpl).Name() },
	}
	if _, ok := impl.(Shutdowner); ok {
		c.Shutdown = func(ctx any) {
			ctx.(Shutdowner).Shutdown()
		}
	}
	return c
}

// ConnectorEntry builds a ConnectorInit from a constructor.
func ConnectorEntry(newConnector func(api *HostAPI) (ConnectorImpl, error)) ConnectorInit {
	return func(api *HostAPI) (*Connector, InitStatus) {
		if api == nil {
			return nil, InitFailed
		}
		if api.APIVersion != APIVersion {
			return nil, InitVersionMismatch
		}
		if api.PluginType != PluginTypeConnector {
			return nil, InitFailed
		}
		impl, err := newConnector(api)
		if err != nil || impl == nil {
			return nil, InitFailed
		}
		return NewConnector(impl), InitOK
	}
}
