// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package plugin

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/samber/oops"

	"github.com/goodnet/goodnet/pkg/sdk"
)

// unnamedConnectorName is used when a connector reports an empty name.
const unnamedConnectorName = "Unnamed Connector"

// ModuleSpec describes one module to load.
type ModuleSpec struct {
	Name     string
	Path     string
	Runtime  Runtime
	Manifest *Manifest
	// Origin is the file the module was discovered through: the library
	// itself or its manifest. Defaults to Path.
	Origin string
}

// Loader opens modules and runs their entry points. It keeps no state
// between calls.
type Loader struct {
	host HostProvider
}

// NewLoader creates a loader handing out host interfaces from host.
func NewLoader(host HostProvider) (*Loader, error) {
	if host == nil {
		return nil, oops.Code("NIL_HOST").Errorf("host provider cannot be nil")
	}
	return &Loader{host: host}, nil
}

// LoadHandler opens spec with src and runs its HandlerInit.
func (l *Loader) LoadHandler(ctx context.Context, src Source, spec ModuleSpec) (*HandlerRecord, error) {
	start := time.Now()
	lib, entry, err := l.open(ctx, src, spec, sdk.HandlerInitSymbol)
	if err != nil {
		return nil, err
	}

	entryFn, err := handlerInit(entry)
	if err != nil {
		_ = src.Close(lib)
		return nil, oops.Code(CodeSymbolMissing).With("path", spec.Path).With("symbol", sdk.HandlerInitSymbol).Wrap(err)
	}

	api := l.hostAPI(spec.Name, sdk.PluginTypeHandler)
	var (
		desc   *sdk.Handler
		status sdk.InitStatus
	)
	if err := protectAs(CodeInitPanic, spec.Name, "handler_init", func() { desc, status = entryFn(api) }); err != nil {
		_ = src.Close(lib)
		return nil, oops.With("path", spec.Path).Wrap(err)
	}
	if err := checkInit(spec, status, desc == nil, descVersion(desc)); err != nil {
		_ = src.Close(lib)
		return nil, err
	}
	if desc.HandleMessage == nil {
		_ = src.Close(lib)
		return nil, oops.Code(CodeInvalidDescriptor).With("path", spec.Path).Errorf("handler has no message callback")
	}

	rec := &HandlerRecord{desc: desc}
	rec.fill(spec, src, lib, start)
	return rec, nil
}

// LoadConnector opens spec with src and runs its ConnectorInit.
func (l *Loader) LoadConnector(ctx context.Context, src Source, spec ModuleSpec) (*ConnectorRecord, error) {
	start := time.Now()
	lib, entry, err := l.open(ctx, src, spec, sdk.ConnectorInitSymbol)
	if err != nil {
		return nil, err
	}

	entryFn, err := connectorInit(entry)
	if err != nil {
		_ = src.Close(lib)
		return nil, oops.Code(CodeSymbolMissing).With("path", spec.Path).With("symbol", sdk.ConnectorInitSymbol).Wrap(err)
	}

	api := l.hostAPI(spec.Name, sdk.PluginTypeConnector)
	var (
		desc   *sdk.Connector
		status sdk.InitStatus
	)
	if err := protectAs(CodeInitPanic, spec.Name, "connector_init", func() { desc, status = entryFn(api) }); err != nil {
		_ = src.Close(lib)
		return nil, oops.With("path", spec.Path).Wrap(err)
	}
	var version uint32
	if desc != nil {
		version = desc.APIVersion
	}
	if err := checkInit(spec, status, desc == nil, version); err != nil {
		_ = src.Close(lib)
		return nil, err
	}
	if desc.Connect == nil || desc.Scheme == nil {
		_ = src.Close(lib)
		return nil, oops.Code(CodeInvalidDescriptor).With("path", spec.Path).Errorf("connector must provide connect and scheme")
	}

	var scheme, name string
	if err := protectAs(CodeInvalidDescriptor, spec.Name, "get_scheme", func() {
		scheme = desc.Scheme(desc.Context)
		if desc.Name != nil {
			name = desc.Name(desc.Context)
		}
	}); err != nil {
		_ = src.Close(lib)
		return nil, oops.With("path", spec.Path).Wrap(err)
	}
	scheme = sdk.Truncate(scheme, sdk.MaxSchemeLen)
	if scheme == "" {
		_ = src.Close(lib)
		return nil, oops.Code(CodeInvalidDescriptor).With("path", spec.Path).Errorf("connector reported an empty scheme")
	}
	name = sdk.Truncate(name, sdk.MaxNameLen)
	if name == "" {
		name = unnamedConnectorName
	}

	rec := &ConnectorRecord{desc: desc, scheme: scheme, displayName: name}
	rec.fill(spec, src, lib, start)
	return rec, nil
}

func (l *Loader) open(ctx context.Context, src Source, spec ModuleSpec, symbol string) (Library, any, error) {
	if src == nil {
		return nil, nil, oops.Code(CodeNoSource).With("path", spec.Path).With("runtime", spec.Runtime).Errorf("no source for runtime %q", spec.Runtime)
	}
	if err := checkFile(spec); err != nil {
		return nil, nil, err
	}

	lib, err := src.Open(ContextWithSpec(ctx, spec), spec.Path)
	if err != nil {
		return nil, nil, oops.Code(CodeOpenFailed).With("path", spec.Path).Wrap(err)
	}

	entry, err := src.Lookup(lib, symbol)
	if err != nil {
		_ = src.Close(lib)
		return nil, nil, oops.Code(CodeSymbolMissing).With("path", spec.Path).With("symbol", symbol).Wrap(err)
	}
	return lib, entry, nil
}

// hostAPI returns a private copy of the host interface tagged with role.
func (l *Loader) hostAPI(module string, role sdk.PluginType) *sdk.HostAPI {
	api := sdk.HostAPI{}
	if provided := l.host.HostAPI(module, role); provided != nil {
		api = *provided
	}
	if api.APIVersion == 0 {
		api.APIVersion = sdk.APIVersion
	}
	api.PluginType = role
	return &api
}

func checkFile(spec ModuleSpec) error {
	switch spec.Runtime {
	case RuntimeBuiltin:
		return nil
	case RuntimeLua:
		if _, err := os.Stat(spec.Path); err != nil {
			return oops.Code(CodeInvalidFile).With("path", spec.Path).Wrap(err)
		}
		return nil
	default:
		return ValidateFile(spec.Path)
	}
}

func checkInit(spec ModuleSpec, status sdk.InitStatus, nilDesc bool, version uint32) error {
	switch {
	case status == sdk.InitVersionMismatch:
		return oops.Code(CodeVersionMismatch).
			With("path", spec.Path).
			With("host_version", sdk.APIVersion).
			Errorf("module refused host API version %d", sdk.APIVersion)
	case status != sdk.InitOK:
		return oops.Code(CodeInitFailed).With("path", spec.Path).With("status", status.String()).Errorf("module init returned %s", status)
	case nilDesc:
		return oops.Code(CodeInitFailed).With("path", spec.Path).Errorf("module init returned no descriptor")
	case version != sdk.APIVersion:
		return oops.Code(CodeVersionMismatch).
			With("path", spec.Path).
			With("host_version", sdk.APIVersion).
			With("module_version", version).
			Errorf("module API version %d does not match host version %d", version, sdk.APIVersion)
	}
	return nil
}

func descVersion(d *sdk.Handler) uint32 {
	if d == nil {
		return 0
	}
	return d.APIVersion
}

// handlerInit accepts the entry point as a named or unnamed function, or as
// a pointer to an exported variable.
func handlerInit(sym any) (sdk.HandlerInit, error) {
	var fn sdk.HandlerInit
	switch v := sym.(type) {
	case sdk.HandlerInit:
		fn = v
	case func(*sdk.HostAPI) (*sdk.Handler, sdk.InitStatus):
		fn = v
	case *sdk.HandlerInit:
		if v != nil {
			fn = *v
		}
	default:
		return nil, fmt.Errorf("symbol has type %T", sym)
	}
	if fn == nil {
		return nil, fmt.Errorf("entry point is nil")
	}
	return fn, nil
}

func connectorInit(sym any) (sdk.ConnectorInit, error) {
	var fn sdk.ConnectorInit
	switch v := sym.(type) {
	case sdk.ConnectorInit:
		fn = v
	case func(*sdk.HostAPI) (*sdk.Connector, sdk.InitStatus):
		fn = v
	case *sdk.ConnectorInit:
		if v != nil {
			fn = *v
		}
	default:
		return nil, fmt.Errorf("symbol has type %T", sym)
	}
	if fn == nil {
		return nil, fmt.Errorf("entry point is nil")
	}
	return fn, nil
}

func (m *module) fill(spec ModuleSpec, src Source, lib Library, start time.Time) {
	m.name = spec.Name
	m.path = spec.Path
	m.origin = spec.Origin
	if m.origin == "" {
		m.origin = spec.Path
	}
	m.runtime = spec.Runtime
	m.manifest = spec.Manifest
	m.source = src
	m.lib = lib
	m.loadedAt = time.Now()
	m.loadDuration = m.loadedAt.Sub(start)
}
