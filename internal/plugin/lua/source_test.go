// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package lua_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodnet/goodnet/internal/plugin"
	pluginlua "github.com/goodnet/goodnet/internal/plugin/lua"
	"github.com/goodnet/goodnet/pkg/errutil"
	"github.com/goodnet/goodnet/pkg/sdk"
)

// writeScript creates a Lua module file in a temp directory.
func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.lua")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

type hostCalls struct {
	mu     sync.Mutex
	sent   []string
	states []sdk.ConnState
	closed []sdk.Handle
}

func (h *hostCalls) api() *sdk.HostAPI {
	return &sdk.HostAPI{
		APIVersion: sdk.APIVersion,
		PluginType: sdk.PluginTypeHandler,
		Send: func(uri string, msgType uint32, data []byte) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.sent = append(h.sent, uri+"|"+string(data))
		},
		CreateConnection: func(uri string) sdk.Handle {
			if uri == "tcp://refused:1" {
				return sdk.InvalidHandle
			}
			return 7
		},
		CloseConnection: func(handle sdk.Handle) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.closed = append(h.closed, handle)
		},
		UpdateConnectionState: func(_ string, s sdk.ConnState) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.states = append(h.states, s)
		},
	}
}

func open(t *testing.T, src *pluginlua.Source, path string) (plugin.Library, sdk.HandlerInit) {
	t.Helper()
	lib, err := src.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close(lib) })
	sym, err := src.Lookup(lib, sdk.HandlerInitSymbol)
	require.NoError(t, err)
	entry, ok := sym.(sdk.HandlerInit)
	require.True(t, ok)
	return lib, entry
}

const echoScript = `
supported_types = { goodnet.MSG_CHAT }
seen = 0

function handle_message(header, endpoint, payload)
  seen = seen + 1
  if header.type == goodnet.MSG_CHAT then
    goodnet.send("tcp://" .. endpoint.address .. ":" .. endpoint.port, goodnet.MSG_CHAT, "echo:" .. payload)
  end
end

function handle_conn_state(uri, state)
  if state == goodnet.STATE_ESTABLISHED then
    local h = goodnet.connect(uri)
    goodnet.close(h)
    goodnet.set_state(uri, goodnet.STATE_CLOSING)
  end
end

function shutdown()
  goodnet.send("tcp://log:1", goodnet.MSG_SYSTEM, "bye " .. seen)
end
`

func TestSource_Handler(t *testing.T) {
	host := &hostCalls{}
	src := pluginlua.NewSource()
	_, entry := open(t, src, writeScript(t, echoScript))

	h, st := entry(host.api())
	require.Equal(t, sdk.InitOK, st)
	require.NotNil(t, h)
	assert.Equal(t, sdk.APIVersion, h.APIVersion)
	assert.Equal(t, []uint32{sdk.MsgTypeChat}, h.SupportedTypes)
	require.NotNil(t, h.HandleConnState)

	header := sdk.NewHeader(9, sdk.MsgTypeChat, 2)
	h.HandleMessage(h.UserData, &header, &sdk.Endpoint{Address: "10.1.1.1", Port: 4000}, []byte("hi"))
	h.HandleConnState(h.UserData, "tcp://peer:2", sdk.StateEstablished)
	h.Shutdown(h.UserData)

	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Equal(t, []string{"tcp://10.1.1.1:4000|echo:hi", "tcp://log:1|bye 1"}, host.sent)
	assert.Equal(t, []sdk.Handle{7}, host.closed)
	assert.Equal(t, []sdk.ConnState{sdk.StateClosing}, host.states)
}

func TestSource_ManifestTypesOverride(t *testing.T) {
	path := writeScript(t, `supported_types = { 100 }
function handle_message() end`)
	spec := plugin.ModuleSpec{
		Name: "counter",
		Path: path,
		Manifest: &plugin.Manifest{
			Name:    "counter",
			Runtime: plugin.RuntimeLua,
			Lua:     &plugin.LuaConfig{Entry: "main.lua", Types: []uint32{200, 3}},
		},
	}
	src := pluginlua.NewSource()
	lib, err := src.Open(plugin.ContextWithSpec(context.Background(), spec), path)
	require.NoError(t, err)
	defer func() { _ = src.Close(lib) }()

	sym, err := src.Lookup(lib, sdk.HandlerInitSymbol)
	require.NoError(t, err)
	h, st := sym.(sdk.HandlerInit)((&hostCalls{}).api())
	require.Equal(t, sdk.InitOK, st)
	assert.Equal(t, []uint32{200, 3}, h.SupportedTypes)
	assert.Nil(t, h.HandleConnState)
}

func TestSource_InitScript(t *testing.T) {
	tests := []struct {
		name string
		code string
		want sdk.InitStatus
	}{
		{"init returns nothing", `function init() end
function handle_message() end`, sdk.InitOK},
		{"init returns false", `function init() return false end
function handle_message() end`, sdk.InitFailed},
		{"init raises", `function init() error("boom") end
function handle_message() end`, sdk.InitFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, entry := open(t, pluginlua.NewSource(), writeScript(t, tt.code))
			_, st := entry((&hostCalls{}).api())
			assert.Equal(t, tt.want, st)
		})
	}
}

func TestSource_TopLevelSeesHostTable(t *testing.T) {
	host := &hostCalls{}
	_, entry := open(t, pluginlua.NewSource(), writeScript(t, `
goodnet.send("tcp://early:1", goodnet.MSG_SYSTEM, "before init")
supported_types = { goodnet.MSG_FILE, goodnet.MSG_CHAT }
function handle_message() end`))

	h, st := entry(host.api())
	require.Equal(t, sdk.InitOK, st)
	assert.Equal(t, []uint32{sdk.MsgTypeFile, sdk.MsgTypeChat}, h.SupportedTypes)

	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Empty(t, host.sent, "host calls before init are ignored")
}

func TestSource_RoleAndVersion(t *testing.T) {
	_, entry := open(t, pluginlua.NewSource(), writeScript(t, `function handle_message() end`))

	api := (&hostCalls{}).api()
	api.PluginType = sdk.PluginTypeConnector
	_, st := entry(api)
	assert.Equal(t, sdk.InitFailed, st)

	api = (&hostCalls{}).api()
	api.APIVersion = sdk.APIVersion + 1
	_, st = entry(api)
	assert.Equal(t, sdk.InitVersionMismatch, st)
}

func TestSource_ConnectReturnsNilOnFailure(t *testing.T) {
	host := &hostCalls{}
	_, entry := open(t, pluginlua.NewSource(), writeScript(t, `
function handle_message(header, endpoint, payload)
  if goodnet.connect("tcp://refused:1") == nil then
    goodnet.send("tcp://x:1", goodnet.MSG_SYSTEM, "refused")
  end
end`))
	h, st := entry(host.api())
	require.Equal(t, sdk.InitOK, st)

	header := sdk.NewHeader(1, sdk.MsgTypeSystem, 0)
	h.HandleMessage(nil, &header, &sdk.Endpoint{}, nil)
	assert.Equal(t, []string{"tcp://x:1|refused"}, host.sent)
}

func TestSource_RuntimeErrorIsContained(t *testing.T) {
	host := &hostCalls{}
	_, entry := open(t, pluginlua.NewSource(), writeScript(t, `
calls = 0
function handle_message(header, endpoint, payload)
  calls = calls + 1
  if payload == "bad" then error("cannot parse") end
  goodnet.send("tcp://ok:1", goodnet.MSG_CHAT, tostring(calls))
end`))
	h, st := entry(host.api())
	require.Equal(t, sdk.InitOK, st)

	header := sdk.NewHeader(1, sdk.MsgTypeChat, 3)
	assert.NotPanics(t, func() {
		h.HandleMessage(nil, &header, &sdk.Endpoint{}, []byte("bad"))
	})
	h.HandleMessage(nil, &header, &sdk.Endpoint{}, []byte("ok"))
	assert.Equal(t, []string{"tcp://ok:1|2"}, host.sent)
}

func TestSource_OpenFailures(t *testing.T) {
	src := pluginlua.NewSource()

	_, err := src.Open(context.Background(), filepath.Join(t.TempDir(), "missing.lua"))
	assert.Error(t, err)

	_, err = src.Open(context.Background(), writeScript(t, `this is not lua`))
	assert.Error(t, err)

	_, err = src.Open(context.Background(), writeScript(t, `x = 1`))
	assert.ErrorContains(t, err, "handle_message")
}

func TestSource_SandboxApplies(t *testing.T) {
	_, err := pluginlua.NewSource().Open(context.Background(), writeScript(t, `
os.exit(1)
function handle_message() end`))
	assert.Error(t, err)
}

func TestSource_ConnectorLookupRefused(t *testing.T) {
	src := pluginlua.NewSource()
	lib, err := src.Open(context.Background(), writeScript(t, `function handle_message() end`))
	require.NoError(t, err)
	defer func() { _ = src.Close(lib) }()

	_, err = src.Lookup(lib, sdk.ConnectorInitSymbol)
	assert.Error(t, err)
}

func TestSource_CalledAfterClose(t *testing.T) {
	host := &hostCalls{}
	src := pluginlua.NewSource()
	lib, entry := open(t, src, writeScript(t, `function handle_message() goodnet.send("x://y", 0, "") end`))
	h, st := entry(host.api())
	require.Equal(t, sdk.InitOK, st)

	require.NoError(t, src.Close(lib))
	header := sdk.NewHeader(1, 0, 0)
	h.HandleMessage(nil, &header, &sdk.Endpoint{}, nil)
	assert.Empty(t, host.sent)
}

type foreign struct{}

func (foreign) Path() string { return "x" }

func TestSource_ForeignLibrary(t *testing.T) {
	_, err := pluginlua.NewSource().Lookup(foreign{}, sdk.HandlerInitSymbol)
	errutil.AssertErrorCode(t, err, "FOREIGN_LIBRARY")
}
