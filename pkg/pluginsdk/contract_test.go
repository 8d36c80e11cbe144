// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package pluginsdk

import (
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
)

var (
	protoService = regexp.MustCompile(`(?m)^service (\w+) \{`)
	protoRPC     = regexp.MustCompile(`(?m)^\s*rpc (\w+)\(([\w.]+)\) returns \(([\w.]+)\);`)
)

type rpcSignature struct{ in, out string }

// parseServices reads service and rpc declarations from a proto file.
func parseServices(t *testing.T, path string) map[string]map[string]rpcSignature {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	src := string(raw)

	services := map[string]map[string]rpcSignature{}
	starts := protoService.FindAllStringSubmatchIndex(src, -1)
	for i, loc := range starts {
		end := len(src)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		name := src[loc[2]:loc[3]]
		services[name] = map[string]rpcSignature{}
		for _, m := range protoRPC.FindAllStringSubmatch(src[loc[1]:end], -1) {
			services[name][m[1]] = rpcSignature{in: m[2], out: m[3]}
		}
	}
	return services
}

// goSignature returns the message names a server interface method takes and
// returns.
func goSignature(t *testing.T, iface reflect.Type, method string) rpcSignature {
	t.Helper()
	m, ok := iface.MethodByName(method)
	require.True(t, ok, "interface has no %s", method)
	name := func(rt reflect.Type) string {
		msg, ok := reflect.New(rt.Elem()).Interface().(proto.Message)
		require.True(t, ok)
		return string(proto.MessageName(msg))
	}
	return rpcSignature{in: name(m.Type.In(1)), out: name(m.Type.Out(0))}
}

func TestServiceDescsMatchModuleProto(t *testing.T) {
	path := filepath.Join("..", "..", "proto", ModuleServiceDesc.Metadata.(string))
	services := parseServices(t, path)

	tests := []struct {
		proto string
		desc  *grpc.ServiceDesc
		iface reflect.Type
	}{
		{"Module", &ModuleServiceDesc, reflect.TypeFor[ModuleServer]()},
		{"Host", &HostServiceDesc, reflect.TypeFor[HostServer]()},
	}
	for _, tt := range tests {
		t.Run(tt.proto, func(t *testing.T) {
			rpcs, ok := services[tt.proto]
			require.True(t, ok, "service %s missing from proto", tt.proto)
			assert.Equal(t, "goodnet.module.v1."+tt.proto, tt.desc.ServiceName)
			assert.Equal(t, ModuleServiceDesc.Metadata, tt.desc.Metadata)
			require.Len(t, tt.desc.Methods, len(rpcs))
			require.Equal(t, tt.iface.NumMethod(), len(rpcs))

			for _, m := range tt.desc.Methods {
				want, ok := rpcs[m.MethodName]
				require.True(t, ok, "rpc %s missing from proto", m.MethodName)
				assert.Equal(t, want, goSignature(t, tt.iface, m.MethodName), m.MethodName)
			}
		})
	}
}
