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
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/goodnet/goodnet/pkg/sdk"
)

// hostServe publishes the host service for one module and returns the
// broker id the module dials, plus a function that stops serving.
type hostServe func(api *sdk.HostAPI) (brokerID uint32, stop func())

// ModuleClient is the host side of a module process. Its Init methods
// produce in-process descriptors whose callbacks are RPCs.
type ModuleClient struct {
	cc      grpc.ClientConnInterface
	serve   hostServe
	timeout time.Duration

	mu   sync.Mutex
	stop func()
}

func newModuleClient(cc grpc.ClientConnInterface, serve hostServe) *ModuleClient {
	return &ModuleClient{cc: cc, serve: serve, timeout: DefaultCallTimeout}
}

func (c *ModuleClient) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

func (c *ModuleClient) init(api *sdk.HostAPI, role sdk.PluginType) (*structpb.Struct, sdk.InitStatus) {
	brokerID, stop := c.serve(api)
	c.mu.Lock()
	c.stop = stop
	c.mu.Unlock()

	ctx, cancel := c.ctx()
	defer cancel()
	req := newFields(map[string]*structpb.Value{
		"role":        structpb.NewNumberValue(float64(role)),
		"api_version": structpb.NewNumberValue(float64(api.APIVersion)),
		"host_broker": structpb.NewNumberValue(float64(brokerID)),
	})
	resp, err := invoke(ctx, c.cc, ModuleServiceName, "Init", req, &structpb.Struct{})
	if err != nil {
		slog.Error("module init call failed", "role", role, "error", err)
		c.Close()
		return nil, sdk.InitFailed
	}
	st := sdk.InitStatus(numberField(resp, "status"))
	if st != sdk.InitOK {
		c.Close()
	}
	return resp, st
}

// InitHandler runs the module's handler entry point remotely.
func (c *ModuleClient) InitHandler(api *sdk.HostAPI) (*sdk.Handler, sdk.InitStatus) {
	resp, st := c.init(api, sdk.PluginTypeHandler)
	if st != sdk.InitOK {
		return nil, st
	}
	h := &sdk.Handler{
		APIVersion:     uint32(numberField(resp, "api_version")),
		SupportedTypes: uint32List(resp, "types"),
		Shutdown:       func(any) { c.shutdown() },
	}
	if boolField(resp, "has_message") {
		h.HandleMessage = func(_ any, header *sdk.Header, endpoint *sdk.Endpoint, payload []byte) {
			c.handleMessage(header, endpoint, payload)
		}
	}
	if boolField(resp, "handles_state") {
		h.HandleConnState = func(_ any, uri string, state sdk.ConnState) {
			c.handleConnState(uri, state)
		}
	}
	return h, sdk.InitOK
}

// InitConnector runs the module's connector entry point remotely.
func (c *ModuleClient) InitConnector(api *sdk.HostAPI) (*sdk.Connector, sdk.InitStatus) {
	resp, st := c.init(api, sdk.PluginTypeConnector)
	if st != sdk.InitOK {
		return nil, st
	}
	scheme, name := stringField(resp, "scheme"), stringField(resp, "name")
	conn := &sdk.Connector{
		APIVersion: uint32(numberField(resp, "api_version")),
		Connect:    func(_ any, uri string) sdk.Connection { return c.connect(uri) },
		Scheme:     func(any) string { return scheme },
		Name:       func(any) string { return name },
		Shutdown:   func(any) { c.shutdown() },
	}
	if boolField(resp, "can_listen") {
		conn.Listen = func(_ any, host string, port uint16) bool { return c.listen(host, port) }
	}
	return conn, sdk.InitOK
}

func (c *ModuleClient) handleMessage(header *sdk.Header, endpoint *sdk.Endpoint, payload []byte) {
	raw, err := header.MarshalBinary()
	if err != nil {
		slog.Warn("cannot encode header for module", "error", err)
		return
	}
	fields := map[string]*structpb.Value{
		"header":  bytesValue(raw),
		"payload": bytesValue(payload),
	}
	encodeEndpoint(fields, endpoint)

	ctx, cancel := c.ctx()
	defer cancel()
	if _, err := invoke(ctx, c.cc, ModuleServiceName, "HandleMessage", newFields(fields), &emptypb.Empty{}); err != nil {
		slog.Warn("module failed to handle message",
			"packet_id", header.PacketID,
			"type", header.PayloadType,
			"error", err)
	}
}

func (c *ModuleClient) handleConnState(uri string, state sdk.ConnState) {
	ctx, cancel := c.ctx()
	defer cancel()
	req := newFields(map[string]*structpb.Value{
		"uri":   structpb.NewStringValue(uri),
		"state": structpb.NewNumberValue(float64(state)),
	})
	if _, err := invoke(ctx, c.cc, ModuleServiceName, "HandleConnState", req, &emptypb.Empty{}); err != nil {
		slog.Warn("module failed to handle connection state", "uri", uri, "state", state, "error", err)
	}
}

func (c *ModuleClient) connect(uri string) sdk.Connection {
	ctx, cancel := c.ctx()
	defer cancel()
	resp, err := invoke(ctx, c.cc, ModuleServiceName, "Connect", wrapperspb.String(uri), &structpb.Struct{})
	if err != nil {
		slog.Warn("module connect failed", "uri", uri, "error", err)
		return nil
	}
	if !boolField(resp, "ok") {
		return nil
	}
	return &remoteConn{
		client:   c,
		id:       uintField(resp, "id"),
		uri:      stringField(resp, "uri"),
		endpoint: decodeEndpoint(resp),
	}
}

func (c *ModuleClient) listen(host string, port uint16) bool {
	ctx, cancel := c.ctx()
	defer cancel()
	req := newFields(map[string]*structpb.Value{
		"host": structpb.NewStringValue(host),
		"port": structpb.NewNumberValue(float64(port)),
	})
	resp, err := invoke(ctx, c.cc, ModuleServiceName, "Listen", req, &wrapperspb.BoolValue{})
	if err != nil {
		slog.Warn("module listen failed", "host", host, "port", port, "error", err)
		return false
	}
	return resp.GetValue()
}

func (c *ModuleClient) shutdown() {
	ctx, cancel := c.ctx()
	defer cancel()
	if _, err := invoke(ctx, c.cc, ModuleServiceName, "Shutdown", &emptypb.Empty{}, &emptypb.Empty{}); err != nil {
		slog.Warn("module shutdown call failed", "error", err)
	}
	c.Close()
}

// Close stops serving the host service to the module.
func (c *ModuleClient) Close() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// remoteConn is a connection living in a module process.
type remoteConn struct {
	client   *ModuleClient
	id       uint64
	uri      string
	endpoint sdk.Endpoint

	mu        sync.Mutex
	callbacks sdk.ConnectionCallbacks
	closed    bool
}

func (r *remoteConn) call(name string, req any, resp *wrapperspb.BoolValue) bool {
	ctx, cancel := r.client.ctx()
	defer cancel()
	if err := r.client.cc.Invoke(ctx, "/"+ModuleServiceName+"/"+name, req, resp); err != nil {
		slog.Warn("remote connection call failed", "method", name, "uri", r.uri, "error", err)
		return false
	}
	return resp.GetValue()
}

func (r *remoteConn) Send(data []byte) bool {
	req := newFields(map[string]*structpb.Value{
		"id":   uintValue(r.id),
		"data": bytesValue(data),
	})
	return r.call("ConnSend", req, &wrapperspb.BoolValue{})
}

// Close closes the remote connection and fires OnClose once.
func (r *remoteConn) Close() bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.closed = true
	cb := r.callbacks
	r.mu.Unlock()

	ok := r.call("ConnClose", wrapperspb.UInt64(r.id), &wrapperspb.BoolValue{})
	if cb.OnClose != nil {
		cb.OnClose(cb.UserData)
	}
	return ok
}

func (r *remoteConn) IsActive() bool {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	return !closed && r.call("ConnActive", wrapperspb.UInt64(r.id), &wrapperspb.BoolValue{})
}

func (r *remoteConn) Endpoint() sdk.Endpoint { return r.endpoint }

func (r *remoteConn) URI() string { return r.uri }

// SetCallbacks stores cb. Only OnClose is delivered for remote connections.
func (r *remoteConn) SetCallbacks(cb sdk.ConnectionCallbacks) {
	r.mu.Lock()
	r.callbacks = cb
	r.mu.Unlock()
}

// hostServer serves a HostAPI to a module process.
type hostServer struct {
	api *sdk.HostAPI
}

// NewHostServer exposes api as a HostServer.
func NewHostServer(api *sdk.HostAPI) HostServer {
	return &hostServer{api: api}
}

func (h *hostServer) Send(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	data, err := bytesField(req, "data")
	if err != nil {
		return nil, oops.Code("INVALID_ARGUMENT").Wrap(err)
	}
	if h.api.Send != nil {
		h.api.Send(stringField(req, "uri"), uint32(numberField(req, "type")), data)
	}
	return &emptypb.Empty{}, nil
}

func (h *hostServer) CreateConnection(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.UInt64Value, error) {
	handle := sdk.InvalidHandle
	if h.api.CreateConnection != nil {
		handle = h.api.CreateConnection(req.GetValue())
	}
	return wrapperspb.UInt64(uint64(handle)), nil
}

func (h *hostServer) CloseConnection(_ context.Context, req *wrapperspb.UInt64Value) (*emptypb.Empty, error) {
	if h.api.CloseConnection != nil {
		h.api.CloseConnection(sdk.Handle(req.GetValue()))
	}
	return &emptypb.Empty{}, nil
}

func (h *hostServer) UpdateConnectionState(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	if h.api.UpdateConnectionState != nil {
		h.api.UpdateConnectionState(stringField(req, "uri"), sdk.ConnState(numberField(req, "state")))
	}
	return &emptypb.Empty{}, nil
}
