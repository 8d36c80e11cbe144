// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package plugin

import (
	"context"

	"github.com/goodnet/goodnet/pkg/sdk"
)

// Runtime identifies how a module's code is executed.
type Runtime string

// Supported runtimes.
const (
	RuntimeNative  Runtime = "native"  // Go plugin shared library, in process
	RuntimeProcess Runtime = "process" // go-plugin child process over gRPC
	RuntimeLua     Runtime = "lua"     // sandboxed gopher-lua script
	RuntimeBuiltin Runtime = "builtin" // compiled into the host
)

// Library is an opened module. Only the Source that opened it knows what is
// behind it.
type Library interface {
	Path() string
}

// Source opens module code and resolves its entry points. All unsafe or
// foreign interaction with module code stays behind this interface.
type Source interface {
	// Open maps the module at path.
	Open(ctx context.Context, path string) (Library, error)
	// Lookup resolves an exported symbol of lib.
	Lookup(lib Library, symbol string) (any, error)
	// Close releases lib. The library must not be used afterwards.
	Close(lib Library) error
}

// HostProvider hands out the Host Interface for one module load. Every call
// must return a fresh copy; the loader sets its role tag.
type HostProvider interface {
	HostAPI(module string, role sdk.PluginType) *sdk.HostAPI
}

// HostFunc adapts a function to HostProvider.
type HostFunc func(module string, role sdk.PluginType) *sdk.HostAPI

// HostAPI implements HostProvider.
func (f HostFunc) HostAPI(module string, role sdk.PluginType) *sdk.HostAPI {
	return f(module, role)
}

// StaticHost returns a HostProvider that copies api for every load.
func StaticHost(api *sdk.HostAPI) HostProvider {
	if api == nil {
		return nil
	}
	return HostFunc(func(string, sdk.PluginType) *sdk.HostAPI {
		c := *api
		return &c
	})
}

// Dispatcher connects registered handlers to event delivery.
type Dispatcher interface {
	// Attach subscribes rec and returns the function that detaches it.
	Attach(rec *HandlerRecord) (detach func())
}

type specKey struct{}

// SpecFromContext returns the module being loaded when ctx was passed to
// Source.Open by the loader. Sources use it to read manifest settings.
func SpecFromContext(ctx context.Context) (ModuleSpec, bool) {
	spec, ok := ctx.Value(specKey{}).(ModuleSpec)
	return spec, ok
}

// ContextWithSpec returns ctx carrying spec, as the loader passes it to
// Source.Open.
func ContextWithSpec(ctx context.Context, spec ModuleSpec) context.Context {
	return context.WithValue(ctx, specKey{}, spec)
}
