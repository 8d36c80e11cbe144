// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package plugin_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goodnet/goodnet/internal/plugin"
	"github.com/goodnet/goodnet/pkg/sdk"
)

type fakeLib struct{ path string }

func (l *fakeLib) Path() string { return l.path }

// fakeSource serves entry points registered per path instead of opening
// shared libraries.
type fakeSource struct {
	mu      sync.Mutex
	symbols map[string]map[string]any
	openErr map[string]error
	opened  []string
	closed  []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		symbols: make(map[string]map[string]any),
		openErr: make(map[string]error),
	}
}

func (s *fakeSource) add(path, symbol string, entry any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.symbols[path] == nil {
		s.symbols[path] = make(map[string]any)
	}
	s.symbols[path][symbol] = entry
}

func (s *fakeSource) failOpen(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr[path] = err
}

func (s *fakeSource) Open(_ context.Context, path string) (plugin.Library, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openErr[path]; err != nil {
		return nil, err
	}
	if _, ok := s.symbols[path]; !ok {
		return nil, errors.New("not a module")
	}
	s.opened = append(s.opened, path)
	return &fakeLib{path: path}, nil
}

func (s *fakeSource) Lookup(lib plugin.Library, symbol string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.symbols[lib.Path()][symbol]
	if !ok {
		return nil, errors.New("symbol not found: " + symbol)
	}
	return entry, nil
}

func (s *fakeSource) Close(lib plugin.Library) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, lib.Path())
	return nil
}

func (s *fakeSource) closedCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.closed {
		if p == path {
			n++
		}
	}
	return n
}

// handlerSpy records what the host asked of a fake handler.
type handlerSpy struct {
	mu        sync.Mutex
	api       *sdk.HostAPI
	messages  []uint32
	states    []sdk.ConnState
	shutdowns int
}

func (p *handlerSpy) shutdownCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdowns
}

func (p *handlerSpy) messageTypes() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.messages)
}

func fakeHandler(spy *handlerSpy, types ...uint32) sdk.HandlerInit {
	return func(api *sdk.HostAPI) (*sdk.Handler, sdk.InitStatus) {
		spy.mu.Lock()
		spy.api = api
		spy.mu.Unlock()
		return &sdk.Handler{
			APIVersion: sdk.APIVersion,
			HandleMessage: func(_ any, h *sdk.Header, _ *sdk.Endpoint, _ []byte) {
				spy.mu.Lock()
				spy.messages = append(spy.messages, h.PayloadType)
				spy.mu.Unlock()
			},
			HandleConnState: func(_ any, _ string, state sdk.ConnState) {
				spy.mu.Lock()
				spy.states = append(spy.states, state)
				spy.mu.Unlock()
			},
			Shutdown: func(any) {
				spy.mu.Lock()
				spy.shutdowns++
				spy.mu.Unlock()
			},
			SupportedTypes: types,
		}, sdk.InitOK
	}
}

type fakeConn struct {
	uri    string
	closed bool
}

func (c *fakeConn) Send([]byte) bool                     { return !c.closed }
func (c *fakeConn) Close() bool                          { c.closed = true; return true }
func (c *fakeConn) IsActive() bool                       { return !c.closed }
func (c *fakeConn) Endpoint() sdk.Endpoint               { return sdk.Endpoint{Address: "127.0.0.1", Port: 9000} }
func (c *fakeConn) URI() string                          { return c.uri }
func (c *fakeConn) SetCallbacks(sdk.ConnectionCallbacks) {}

func fakeConnector(scheme, name string, shutdowns *int) sdk.ConnectorInit {
	return func(*sdk.HostAPI) (*sdk.Connector, sdk.InitStatus) {
		return &sdk.Connector{
			APIVersion: sdk.APIVersion,
			Connect: func(_ any, uri string) sdk.Connection {
				return &fakeConn{uri: uri}
			},
			Scheme: func(any) string { return scheme },
			Name:   func(any) string { return name },
			Shutdown: func(any) {
				if shutdowns != nil {
					*shutdowns++
				}
			},
		}, sdk.InitOK
	}
}

// writeModule creates a file that passes ValidateFile.
func writeModule(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, make([]byte, 2*plugin.MinModuleSize), 0o600))
	require.NoError(t, os.Chmod(path, 0o755)) //nolint:gosec // module files must be executable
	return path
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testHost() plugin.HostProvider {
	return plugin.StaticHost(&sdk.HostAPI{
		APIVersion:            sdk.APIVersion,
		Send:                  func(string, uint32, []byte) {},
		CreateConnection:      func(string) sdk.Handle { return 1 },
		CloseConnection:       func(sdk.Handle) {},
		UpdateConnectionState: func(string, sdk.ConnState) {},
	})
}

func newTestManager(t *testing.T, src plugin.Source, opts ...plugin.ManagerOption) *plugin.Manager {
	t.Helper()
	opts = append([]plugin.ManagerOption{plugin.WithSource(plugin.RuntimeNative, src)}, opts...)
	mgr, err := plugin.NewManager(testHost(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.UnloadAll(context.Background()) })
	return mgr
}
