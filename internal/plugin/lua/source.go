// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package lua

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/goodnet/goodnet/internal/plugin"
	"github.com/goodnet/goodnet/pkg/sdk"
)

// Script globals.
const (
	fnHandleMessage   = "handle_message"
	fnHandleConnState = "handle_conn_state"
	fnInit            = "init"
	fnShutdown        = "shutdown"
	varSupportedTypes = "supported_types"
)

// Compile-time interface check.
var _ plugin.Source = (*Source)(nil)

// Source opens Lua handler scripts. Each script gets its own state;
// calls into one script are serialized.
type Source struct {
	factory *StateFactory
}

// NewSource creates a Lua module source.
func NewSource() *Source {
	return &Source{factory: NewStateFactory()}
}

type script struct {
	path  string
	name  string
	types []uint32

	mu     sync.Mutex
	L      *lua.LState
	api    *sdk.HostAPI
	closed bool
}

func (s *script) Path() string { return s.path }

// Open reads and runs the script at path. The script must define
// handle_message.
func (s *Source) Open(ctx context.Context, path string) (plugin.Library, error) {
	name := filepath.Base(path)
	var types []uint32
	if spec, ok := plugin.SpecFromContext(ctx); ok {
		name = spec.Name
		if spec.Manifest != nil && spec.Manifest.Lua != nil {
			types = spec.Manifest.Lua.Types
		}
	}

	code, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.In("lua").With("module", name).With("path", path).Hint("failed to read entry file").Wrap(err)
	}

	L, err := s.factory.NewState(context.WithoutCancel(ctx))
	if err != nil {
		return nil, oops.In("lua").With("module", name).Hint("failed to create state").Wrap(err)
	}
	sc := &script{path: path, name: name, types: types, L: L}
	registerHost(L, name, func() *sdk.HostAPI { return sc.api })
	if err := L.DoString(string(code)); err != nil {
		L.Close()
		return nil, oops.In("lua").With("module", name).With("path", path).Hint("script failed to load").Wrap(err)
	}
	if _, ok := L.GetGlobal(fnHandleMessage).(*lua.LFunction); !ok {
		L.Close()
		return nil, oops.In("lua").With("module", name).With("path", path).Errorf("script does not define %s", fnHandleMessage)
	}

	return sc, nil
}

// Lookup returns the handler entry point. Lua modules cannot be connectors.
func (s *Source) Lookup(lib plugin.Library, symbol string) (any, error) {
	sc, err := s.script(lib)
	if err != nil {
		return nil, err
	}
	if symbol != sdk.HandlerInitSymbol {
		return nil, oops.In("lua").With("module", sc.name).With("symbol", symbol).Errorf("lua modules only provide %s", sdk.HandlerInitSymbol)
	}
	return sdk.HandlerInit(sc.init), nil
}

// Close releases the script's state.
func (s *Source) Close(lib plugin.Library) error {
	sc, err := s.script(lib)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.closed {
		sc.closed = true
		sc.L.Close()
	}
	return nil
}

func (s *Source) script(lib plugin.Library) (*script, error) {
	sc, ok := lib.(*script)
	if !ok || sc == nil {
		return nil, oops.In("lua").Code("FOREIGN_LIBRARY").Errorf("library %T was not opened by the lua source", lib)
	}
	return sc, nil
}

// init installs the host table, runs the optional init() and builds the
// descriptor. init returning false fails the load.
func (sc *script) init(api *sdk.HostAPI) (*sdk.Handler, sdk.InitStatus) {
	if api.PluginType != sdk.PluginTypeHandler {
		return nil, sdk.InitFailed
	}
	if api.APIVersion != sdk.APIVersion {
		return nil, sdk.InitVersionMismatch
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return nil, sdk.InitFailed
	}
	sc.api = api

	if fn, ok := sc.L.GetGlobal(fnInit).(*lua.LFunction); ok {
		if err := sc.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
			slog.Error("lua init failed", "module", sc.name, "error", err)
			return nil, sdk.InitFailed
		}
		ret := sc.L.Get(-1)
		sc.L.Pop(1)
		if ret == lua.LFalse {
			return nil, sdk.InitFailed
		}
	}

	types := sc.types
	if len(types) == 0 {
		types = sc.supportedTypes()
	}
	h := &sdk.Handler{
		APIVersion:     sdk.APIVersion,
		HandleMessage:  sc.handleMessage,
		Shutdown:       sc.shutdown,
		SupportedTypes: types,
	}
	if _, ok := sc.L.GetGlobal(fnHandleConnState).(*lua.LFunction); ok {
		h.HandleConnState = sc.handleConnState
	}
	return h, sdk.InitOK
}

func (sc *script) supportedTypes() []uint32 {
	t, ok := sc.L.GetGlobal(varSupportedTypes).(*lua.LTable)
	if !ok {
		return nil
	}
	var types []uint32
	t.ForEach(func(_, v lua.LValue) {
		if n, ok := v.(lua.LNumber); ok {
			types = append(types, uint32(n))
		}
	})
	return types
}

// call runs a global function with args under the script lock. Missing
// functions are skipped.
func (sc *script) call(name string, args ...func(L *lua.LState) lua.LValue) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return
	}
	fn, ok := sc.L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return
	}
	values := make([]lua.LValue, len(args))
	for i, arg := range args {
		values[i] = arg(sc.L)
	}
	if err := sc.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, values...); err != nil {
		slog.Warn("lua callback failed", "module", sc.name, "function", name, "error", err)
	}
}

func (sc *script) handleMessage(_ any, h *sdk.Header, ep *sdk.Endpoint, payload []byte) {
	sc.call(fnHandleMessage,
		func(L *lua.LState) lua.LValue { return headerTable(L, h) },
		func(L *lua.LState) lua.LValue { return endpointTable(L, ep) },
		func(*lua.LState) lua.LValue { return lua.LString(payload) },
	)
}

func (sc *script) handleConnState(_ any, uri string, state sdk.ConnState) {
	sc.call(fnHandleConnState,
		func(*lua.LState) lua.LValue { return lua.LString(uri) },
		func(*lua.LState) lua.LValue { return lua.LNumber(state) },
	)
}

func (sc *script) shutdown(any) {
	sc.call(fnShutdown)
}
