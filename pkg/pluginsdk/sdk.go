// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package pluginsdk runs GoodNet modules as separate processes.
//
// A process module is an ordinary Go program whose main hands its entry
// point to ServeHandler or ServeConnector. The host starts it through
// HashiCorp go-plugin and talks to it over gRPC; the module sees the same
// sdk.HostAPI it would see in process.
//
//	package main
//
//	import (
//		"github.com/goodnet/goodnet/pkg/pluginsdk"
//		"github.com/goodnet/goodnet/pkg/sdk"
//	)
//
//	func main() {
//		pluginsdk.ServeHandler(sdk.HandlerEntry(newEcho, sdk.MsgTypeChat))
//	}
package pluginsdk

import (
	"context"
	"errors"

	hashiplug "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"

	"github.com/goodnet/goodnet/pkg/sdk"
)

// PluginName is the name the module is dispensed under.
const PluginName = "module"

// HandshakeConfig is the go-plugin handshake configuration.
// Both host and modules must use the same values.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "GOODNET_PLUGIN",
	MagicCookieValue: "goodnet-v1",
}

// PluginMap is what the host can dispense from a module process.
var PluginMap = map[string]hashiplug.Plugin{
	PluginName: &ModulePlugin{},
}

// ModulePlugin implements go-plugin's GRPCPlugin for both sides. The
// module side sets one of the entry points; the host side sets none.
type ModulePlugin struct {
	hashiplug.NetRPCUnsupportedPlugin

	HandlerInit   sdk.HandlerInit
	ConnectorInit sdk.ConnectorInit
}

// GRPCServer registers the module service (called in the module process).
func (p *ModulePlugin) GRPCServer(broker *hashiplug.GRPCBroker, s *grpc.Server) error {
	if p.HandlerInit == nil && p.ConnectorInit == nil {
		return errors.New("pluginsdk: no entry point to serve")
	}
	s.RegisterService(&ModuleServiceDesc, newModuleServer(p, brokerDialer(broker)))
	return nil
}

// GRPCClient returns a *ModuleClient (called in the host process).
func (p *ModulePlugin) GRPCClient(_ context.Context, broker *hashiplug.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return newModuleClient(c, brokerServe(broker)), nil
}

func brokerDialer(broker *hashiplug.GRPCBroker) hostDialer {
	return func(id uint32) (grpc.ClientConnInterface, func() error, error) {
		if broker == nil {
			return nil, nil, errors.New("no broker")
		}
		conn, err := broker.Dial(id)
		if err != nil {
			return nil, nil, err
		}
		return conn, conn.Close, nil
	}
}

func brokerServe(broker *hashiplug.GRPCBroker) hostServe {
	return func(api *sdk.HostAPI) (uint32, func()) {
		if broker == nil {
			return 0, func() {}
		}
		id := broker.NextId()
		stopped := make(chan *grpc.Server, 1)
		go broker.AcceptAndServe(id, func(opts []grpc.ServerOption) *grpc.Server {
			s := grpc.NewServer(opts...)
			s.RegisterService(&HostServiceDesc, NewHostServer(api))
			stopped <- s
			return s
		})
		return id, func() {
			select {
			case s := <-stopped:
				s.Stop()
			default:
			}
		}
	}
}

// ServeHandler serves a handler module. Call it from main; it blocks.
func ServeHandler(entry sdk.HandlerInit) {
	if entry == nil {
		panic("pluginsdk: handler entry point cannot be nil")
	}
	serve(&ModulePlugin{HandlerInit: entry})
}

// ServeConnector serves a connector module. Call it from main; it blocks.
func ServeConnector(entry sdk.ConnectorInit) {
	if entry == nil {
		panic("pluginsdk: connector entry point cannot be nil")
	}
	serve(&ModulePlugin{ConnectorInit: entry})
}

func serve(p *ModulePlugin) {
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins:         map[string]hashiplug.Plugin{PluginName: p},
		GRPCServer:      hashiplug.DefaultGRPCServer,
	})
}
