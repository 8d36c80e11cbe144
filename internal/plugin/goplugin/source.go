// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package goplugin runs GoodNet modules as child processes using
// HashiCorp's go-plugin system over gRPC.
package goplugin

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/goodnet/goodnet/internal/plugin"
	"github.com/goodnet/goodnet/pkg/pluginsdk"
	"github.com/goodnet/goodnet/pkg/sdk"
)

// Handshake retry defaults.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 100 * time.Millisecond
)

// Compile-time interface check.
var _ plugin.Source = (*Source)(nil)

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client starts the process if needed and returns the gRPC protocol.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the executable at path.
	NewClient(path string, args []string) PluginClient
}

// Module is what a dispensed module process offers the host.
// *pluginsdk.ModuleClient implements it.
type Module interface {
	InitHandler(api *sdk.HostAPI) (*sdk.Handler, sdk.InitStatus)
	InitConnector(api *sdk.HostAPI) (*sdk.Connector, sdk.InitStatus)
	Close()
}

var _ Module = (*pluginsdk.ModuleClient)(nil)

// DefaultClientFactory creates real go-plugin clients.
type DefaultClientFactory struct{}

// NewClient creates a real go-plugin client.
func (f *DefaultClientFactory) NewClient(path string, args []string) PluginClient {
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  pluginsdk.HandshakeConfig,
		Plugins:          pluginsdk.PluginMap,
		Cmd:              exec.Command(path, args...), // #nosec G204 -- path resolved from the module manifest
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolGRPC},
	})
}

// Source opens process modules.
type Source struct {
	factory  ClientFactory
	attempts uint64
	backoff  time.Duration
}

// Option configures a Source.
type Option func(*Source)

// WithClientFactory replaces the go-plugin client factory.
func WithClientFactory(f ClientFactory) Option {
	return func(s *Source) {
		if f != nil {
			s.factory = f
		}
	}
}

// WithRetry sets how many times the handshake is retried and the base of
// the exponential backoff between attempts.
func WithRetry(attempts uint64, base time.Duration) Option {
	return func(s *Source) {
		s.attempts = attempts
		if base > 0 {
			s.backoff = base
		}
	}
}

// NewSource creates a process module source.
func NewSource(opts ...Option) *Source {
	s := &Source{
		factory:  &DefaultClientFactory{},
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type library struct {
	path   string
	client PluginClient
	module Module

	mu     sync.Mutex
	closed bool
}

func (l *library) Path() string { return l.path }

type started struct {
	client PluginClient
	module Module
}

// Open starts the executable at path and dispenses its module. Process
// arguments come from the manifest of the module being loaded.
func (s *Source) Open(ctx context.Context, path string) (plugin.Library, error) {
	var args []string
	if spec, ok := plugin.SpecFromContext(ctx); ok && spec.Manifest != nil && spec.Manifest.Process != nil {
		args = spec.Manifest.Process.Args
	}

	b := retry.WithMaxRetries(s.attempts, retry.NewExponential(s.backoff))
	attempt := 0
	st, err := retry.DoValue(ctx, b, func(context.Context) (started, error) {
		attempt++
		st, err := s.start(path, args)
		if err != nil {
			slog.Debug("module process handshake failed", "path", path, "attempt", attempt, "error", err)
		}
		return st, err
	})
	if err != nil {
		return nil, oops.Code("PROCESS_START_FAILED").With("path", path).With("attempts", attempt).Wrap(err)
	}
	return &library{path: path, client: st.client, module: st.module}, nil
}

func (s *Source) start(path string, args []string) (started, error) {
	client := s.factory.NewClient(path, args)

	rpc, err := client.Client()
	if err != nil {
		client.Kill()
		return started{}, retry.RetryableError(err)
	}

	raw, err := rpc.Dispense(pluginsdk.PluginName)
	if err != nil {
		client.Kill()
		return started{}, retry.RetryableError(err)
	}

	module, ok := raw.(Module)
	if !ok {
		client.Kill()
		return started{}, fmt.Errorf("dispensed %T is not a module", raw)
	}
	return started{client: client, module: module}, nil
}

// Lookup returns entry points that initialize the module over RPC.
func (s *Source) Lookup(lib plugin.Library, symbol string) (any, error) {
	l, err := s.library(lib)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, oops.Code("LIBRARY_CLOSED").With("path", l.path).Errorf("module process was stopped")
	}

	switch symbol {
	case sdk.HandlerInitSymbol:
		return sdk.HandlerInit(l.module.InitHandler), nil
	case sdk.ConnectorInitSymbol:
		return sdk.ConnectorInit(l.module.InitConnector), nil
	default:
		return nil, fmt.Errorf("process modules do not export %q", symbol)
	}
}

// Close stops the module process.
func (s *Source) Close(lib plugin.Library) error {
	l, err := s.library(lib)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.module.Close()
	l.client.Kill()
	return nil
}

func (s *Source) library(lib plugin.Library) (*library, error) {
	l, ok := lib.(*library)
	if !ok || l == nil {
		return nil, oops.Code("FOREIGN_LIBRARY").Errorf("library %T was not opened by the process source", lib)
	}
	return l, nil
}
