// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package pluginsdk

import (
	"context"
	"encoding/base64"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/goodnet/goodnet/pkg/sdk"
)

// Service names. The services are declared in
// proto/goodnet/module/v1/module.proto. Messages are protobuf well-known
// types, so the descriptors below stand in for generated stubs and
// TestServiceDescsMatchModuleProto keeps them in step with the file.
const (
	ModuleServiceName = "goodnet.module.v1.Module"
	HostServiceName   = "goodnet.module.v1.Host"
)

// ModuleServer is served by the module process and called by the host.
type ModuleServer interface {
	Init(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HandleMessage(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	HandleConnState(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Connect(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Listen(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	ConnSend(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	ConnClose(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.BoolValue, error)
	ConnActive(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.BoolValue, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// HostServer is served by the host over the go-plugin broker and called by
// the module. It carries the HostAPI functions.
type HostServer interface {
	Send(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	CreateConnection(context.Context, *wrapperspb.StringValue) (*wrapperspb.UInt64Value, error)
	CloseConnection(context.Context, *wrapperspb.UInt64Value) (*emptypb.Empty, error)
	UpdateConnectionState(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// method builds a unary MethodDesc for a handler taking Req.
func method[S any, Req proto.Message, Resp proto.Message](
	service, name string,
	newReq func() Req,
	call func(S, context.Context, Req) (Resp, error),
) grpc.MethodDesc {
	full := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := newReq()
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return call(srv.(S), ctx, r.(Req))
			})
		},
	}
}

func newStruct() *structpb.Struct        { return &structpb.Struct{} }
func newEmpty() *emptypb.Empty           { return &emptypb.Empty{} }
func newString() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }
func newUint64() *wrapperspb.UInt64Value { return &wrapperspb.UInt64Value{} }

// ModuleServiceDesc describes ModuleServer.
var ModuleServiceDesc = grpc.ServiceDesc{
	ServiceName: ModuleServiceName,
	HandlerType: (*ModuleServer)(nil),
	Methods: []grpc.MethodDesc{
		method(ModuleServiceName, "Init", newStruct, ModuleServer.Init),
		method(ModuleServiceName, "HandleMessage", newStruct, ModuleServer.HandleMessage),
		method(ModuleServiceName, "HandleConnState", newStruct, ModuleServer.HandleConnState),
		method(ModuleServiceName, "Connect", newString, ModuleServer.Connect),
		method(ModuleServiceName, "Listen", newStruct, ModuleServer.Listen),
		method(ModuleServiceName, "ConnSend", newStruct, ModuleServer.ConnSend),
		method(ModuleServiceName, "ConnClose", newUint64, ModuleServer.ConnClose),
		method(ModuleServiceName, "ConnActive", newUint64, ModuleServer.ConnActive),
		method(ModuleServiceName, "Shutdown", newEmpty, ModuleServer.Shutdown),
	},
	Metadata: "goodnet/module/v1/module.proto",
}

// HostServiceDesc describes HostServer.
var HostServiceDesc = grpc.ServiceDesc{
	ServiceName: HostServiceName,
	HandlerType: (*HostServer)(nil),
	Methods: []grpc.MethodDesc{
		method(HostServiceName, "Send", newStruct, HostServer.Send),
		method(HostServiceName, "CreateConnection", newString, HostServer.CreateConnection),
		method(HostServiceName, "CloseConnection", newUint64, HostServer.CloseConnection),
		method(HostServiceName, "UpdateConnectionState", newStruct, HostServer.UpdateConnectionState),
	},
	Metadata: "goodnet/module/v1/module.proto",
}

func invoke[Resp proto.Message](ctx context.Context, cc grpc.ClientConnInterface, service, name string, req proto.Message, resp Resp) (Resp, error) {
	err := cc.Invoke(ctx, "/"+service+"/"+name, req, resp)
	return resp, err
}

// Struct field helpers. Binary data travels base64 encoded and 64-bit
// integers as decimal strings, since struct numbers are doubles.

func bytesValue(b []byte) *structpb.Value {
	return structpb.NewStringValue(base64.StdEncoding.EncodeToString(b))
}

func uintValue(v uint64) *structpb.Value {
	return structpb.NewStringValue(strconv.FormatUint(v, 10))
}

func field(s *structpb.Struct, key string) *structpb.Value {
	return s.GetFields()[key]
}

func bytesField(s *structpb.Struct, key string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(field(s, key).GetStringValue())
}

func uintField(s *structpb.Struct, key string) uint64 {
	v, err := strconv.ParseUint(field(s, key).GetStringValue(), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func stringField(s *structpb.Struct, key string) string {
	return field(s, key).GetStringValue()
}

func numberField(s *structpb.Struct, key string) float64 {
	return field(s, key).GetNumberValue()
}

func boolField(s *structpb.Struct, key string) bool {
	return field(s, key).GetBoolValue()
}

func newFields(fields map[string]*structpb.Value) *structpb.Struct {
	return &structpb.Struct{Fields: fields}
}

func encodeEndpoint(fields map[string]*structpb.Value, ep *sdk.Endpoint) {
	if ep == nil {
		return
	}
	fields["address"] = structpb.NewStringValue(ep.Address)
	fields["port"] = structpb.NewNumberValue(float64(ep.Port))
	fields["peer_id"] = uintValue(ep.PeerID)
}

func decodeEndpoint(s *structpb.Struct) sdk.Endpoint {
	return sdk.Endpoint{
		Address: stringField(s, "address"),
		Port:    uint16(numberField(s, "port")),
		PeerID:  uintField(s, "peer_id"),
	}
}

func uint32List(s *structpb.Struct, key string) []uint32 {
	values := field(s, key).GetListValue().GetValues()
	if len(values) == 0 {
		return nil
	}
	out := make([]uint32, 0, len(values))
	for _, v := range values {
		out = append(out, uint32(v.GetNumberValue()))
	}
	return out
}

func uint32ListValue(list []uint32) *structpb.Value {
	values := make([]*structpb.Value, len(list))
	for i, t := range list {
		values[i] = structpb.NewNumberValue(float64(t))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}
