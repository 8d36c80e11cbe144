// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package pluginsdk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/goodnet/goodnet/pkg/sdk"
)

// DefaultCallTimeout bounds every RPC between host and module.
const DefaultCallTimeout = 5 * time.Second

// hostDialer connects the module to the host service announced in Init.
type hostDialer func(brokerID uint32) (grpc.ClientConnInterface, func() error, error)

// moduleServer runs inside the module process. It owns the descriptor
// returned by the module's entry point and the connections it created.
type moduleServer struct {
	handlerInit   sdk.HandlerInit
	connectorInit sdk.ConnectorInit
	dial          hostDialer

	mu        sync.Mutex
	handler   *sdk.Handler
	connector *sdk.Connector
	closeHost func() error
	conns     map[uint64]sdk.Connection
	nextConn  uint64
}

func newModuleServer(p *ModulePlugin, dial hostDialer) *moduleServer {
	return &moduleServer{
		handlerInit:   p.HandlerInit,
		connectorInit: p.ConnectorInit,
		dial:          dial,
		conns:         make(map[uint64]sdk.Connection),
	}
}

func (s *moduleServer) Init(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	role := sdk.PluginType(numberField(req, "role"))
	cc, closeHost, err := s.dial(uint32(numberField(req, "host_broker")))
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "dial host: %v", err)
	}

	api := remoteHostAPI(cc)
	api.APIVersion = uint32(numberField(req, "api_version"))
	api.PluginType = role

	fields := map[string]*structpb.Value{}
	initStatus := sdk.InitFailed
	err = oops.Recover(func() {
		switch role {
		case sdk.PluginTypeHandler:
			initStatus = s.initHandler(api, fields)
		case sdk.PluginTypeConnector:
			initStatus = s.initConnector(api, fields)
		}
	})
	if err != nil {
		slog.Error("module init panicked", "error", err)
		initStatus = sdk.InitFailed
	}

	s.mu.Lock()
	s.closeHost = closeHost
	s.mu.Unlock()

	fields["status"] = structpb.NewNumberValue(float64(initStatus))
	return newFields(fields), nil
}

func (s *moduleServer) initHandler(api *sdk.HostAPI, fields map[string]*structpb.Value) sdk.InitStatus {
	if s.handlerInit == nil {
		return sdk.InitFailed
	}
	desc, st := s.handlerInit(api)
	if st != sdk.InitOK || desc == nil {
		return st
	}
	s.mu.Lock()
	s.handler = desc
	s.mu.Unlock()

	fields["api_version"] = structpb.NewNumberValue(float64(desc.APIVersion))
	fields["types"] = uint32ListValue(desc.SupportedTypes)
	fields["handles_state"] = structpb.NewBoolValue(desc.HandleConnState != nil)
	fields["has_message"] = structpb.NewBoolValue(desc.HandleMessage != nil)
	return sdk.InitOK
}

func (s *moduleServer) initConnector(api *sdk.HostAPI, fields map[string]*structpb.Value) sdk.InitStatus {
	if s.connectorInit == nil {
		return sdk.InitFailed
	}
	desc, st := s.connectorInit(api)
	if st != sdk.InitOK || desc == nil {
		return st
	}
	if desc.Connect == nil || desc.Scheme == nil {
		return sdk.InitFailed
	}
	s.mu.Lock()
	s.connector = desc
	s.mu.Unlock()

	name := ""
	if desc.Name != nil {
		name = desc.Name(desc.Context)
	}
	fields["api_version"] = structpb.NewNumberValue(float64(desc.APIVersion))
	fields["scheme"] = structpb.NewStringValue(desc.Scheme(desc.Context))
	fields["name"] = structpb.NewStringValue(name)
	fields["can_listen"] = structpb.NewBoolValue(desc.Listen != nil)
	return sdk.InitOK
}

// guard runs fn, turning a panic inside module code into an Internal error.
func guard(op string, fn func()) error {
	if err := oops.Recover(fn); err != nil {
		slog.Error("module callback panicked", "operation", op, "error", err)
		return status.Errorf(codes.Internal, "%s panicked: %v", op, err)
	}
	return nil
}

func (s *moduleServer) HandleMessage(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil || h.HandleMessage == nil {
		return nil, status.Error(codes.FailedPrecondition, "handler not initialized")
	}

	raw, err := bytesField(req, "header")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "header: %v", err)
	}
	var header sdk.Header
	if err := header.UnmarshalBinary(raw); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "header: %v", err)
	}
	payload, err := bytesField(req, "payload")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "payload: %v", err)
	}
	endpoint := decodeEndpoint(req)

	if err := guard("handle_message", func() { h.HandleMessage(h.UserData, &header, &endpoint, payload) }); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (s *moduleServer) HandleConnState(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil || h.HandleConnState == nil {
		return &emptypb.Empty{}, nil
	}
	uri := stringField(req, "uri")
	state := sdk.ConnState(numberField(req, "state"))
	if err := guard("handle_conn_state", func() { h.HandleConnState(h.UserData, uri, state) }); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (s *moduleServer) Connect(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	c := s.connectorDesc()
	if c == nil {
		return nil, status.Error(codes.FailedPrecondition, "connector not initialized")
	}
	var conn sdk.Connection
	if err := guard("connect", func() { conn = c.Connect(c.Context, req.GetValue()) }); err != nil {
		return nil, err
	}
	if conn == nil {
		return newFields(map[string]*structpb.Value{"ok": structpb.NewBoolValue(false)}), nil
	}

	s.mu.Lock()
	s.nextConn++
	id := s.nextConn
	s.conns[id] = conn
	s.mu.Unlock()

	ep := conn.Endpoint()
	fields := map[string]*structpb.Value{
		"ok":  structpb.NewBoolValue(true),
		"id":  uintValue(id),
		"uri": structpb.NewStringValue(conn.URI()),
	}
	encodeEndpoint(fields, &ep)
	return newFields(fields), nil
}

func (s *moduleServer) Listen(_ context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	c := s.connectorDesc()
	if c == nil || c.Listen == nil {
		return wrapperspb.Bool(false), nil
	}
	var ok bool
	host, port := stringField(req, "host"), uint16(numberField(req, "port"))
	if err := guard("listen", func() { ok = c.Listen(c.Context, host, port) }); err != nil {
		return nil, err
	}
	return wrapperspb.Bool(ok), nil
}

func (s *moduleServer) ConnSend(_ context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	conn := s.conn(uintField(req, "id"))
	if conn == nil {
		return wrapperspb.Bool(false), nil
	}
	data, err := bytesField(req, "data")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "data: %v", err)
	}
	var ok bool
	if err := guard("send", func() { ok = conn.Send(data) }); err != nil {
		return nil, err
	}
	return wrapperspb.Bool(ok), nil
}

func (s *moduleServer) ConnClose(_ context.Context, req *wrapperspb.UInt64Value) (*wrapperspb.BoolValue, error) {
	s.mu.Lock()
	conn := s.conns[req.GetValue()]
	delete(s.conns, req.GetValue())
	s.mu.Unlock()
	if conn == nil {
		return wrapperspb.Bool(false), nil
	}
	var ok bool
	if err := guard("close", func() { ok = conn.Close() }); err != nil {
		return nil, err
	}
	return wrapperspb.Bool(ok), nil
}

func (s *moduleServer) ConnActive(_ context.Context, req *wrapperspb.UInt64Value) (*wrapperspb.BoolValue, error) {
	conn := s.conn(req.GetValue())
	if conn == nil {
		return wrapperspb.Bool(false), nil
	}
	var ok bool
	if err := guard("is_active", func() { ok = conn.IsActive() }); err != nil {
		return nil, err
	}
	return wrapperspb.Bool(ok), nil
}

func (s *moduleServer) Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	s.mu.Lock()
	h, c, closeHost := s.handler, s.connector, s.closeHost
	conns := s.conns
	s.conns = make(map[uint64]sdk.Connection)
	s.handler, s.connector, s.closeHost = nil, nil, nil
	s.mu.Unlock()

	for _, conn := range conns {
		_ = guard("close", func() { conn.Close() })
	}
	var err error
	switch {
	case h != nil && h.Shutdown != nil:
		err = guard("shutdown", func() { h.Shutdown(h.UserData) })
	case c != nil && c.Shutdown != nil:
		err = guard("shutdown", func() { c.Shutdown(c.Context) })
	}
	if closeHost != nil {
		_ = closeHost()
	}
	if err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (s *moduleServer) connectorDesc() *sdk.Connector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connector
}

func (s *moduleServer) conn(id uint64) sdk.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id]
}

// remoteHostAPI builds a HostAPI whose functions call the host service.
// Failures are logged and dropped, matching the in-process contract.
func remoteHostAPI(cc grpc.ClientConnInterface) *sdk.HostAPI {
	call := func(name string, req, resp any) error {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultCallTimeout)
		defer cancel()
		err := cc.Invoke(ctx, "/"+HostServiceName+"/"+name, req, resp)
		if err != nil {
			slog.Warn("host call failed", "method", name, "error", err)
		}
		return err
	}
	return &sdk.HostAPI{
		Send: func(uri string, msgType uint32, data []byte) {
			_ = call("Send", newFields(map[string]*structpb.Value{
				"uri":  structpb.NewStringValue(uri),
				"type": structpb.NewNumberValue(float64(msgType)),
				"data": bytesValue(data),
			}), &emptypb.Empty{})
		},
		CreateConnection: func(uri string) sdk.Handle {
			resp := &wrapperspb.UInt64Value{}
			if err := call("CreateConnection", wrapperspb.String(uri), resp); err != nil {
				return sdk.InvalidHandle
			}
			return sdk.Handle(resp.GetValue())
		},
		CloseConnection: func(h sdk.Handle) {
			_ = call("CloseConnection", wrapperspb.UInt64(uint64(h)), &emptypb.Empty{})
		},
		UpdateConnectionState: func(uri string, state sdk.ConnState) {
			_ = call("UpdateConnectionState", newFields(map[string]*structpb.Value{
				"uri":   structpb.NewStringValue(uri),
				"state": structpb.NewNumberValue(float64(state)),
			}), &emptypb.Empty{})
		},
	}
}
