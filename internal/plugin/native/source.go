// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package native loads GoodNet modules built as Go plugins
// (go build -buildmode=plugin) into the host process.
package native

import (
	"context"
	"log/slog"
	stdplugin "plugin"
	"sync/atomic"

	"github.com/samber/oops"

	"github.com/goodnet/goodnet/internal/plugin"
)

// Plugin is an opened shared object. *plugin.Plugin from the standard
// library implements it.
type Plugin interface {
	Lookup(symbol string) (stdplugin.Symbol, error)
}

// Opener maps the shared object at path.
type Opener func(path string) (Plugin, error)

func openShared(path string) (Plugin, error) {
	return stdplugin.Open(path)
}

// Compile-time interface check.
var _ plugin.Source = (*Source)(nil)

// Source opens native modules.
//
// The Go runtime cannot unmap a plugin. Close marks the library closed and
// refuses further lookups; its code stays mapped until the process exits.
type Source struct {
	open Opener
}

// Option configures a Source.
type Option func(*Source)

// WithOpener replaces the shared object opener.
func WithOpener(open Opener) Option {
	return func(s *Source) {
		if open != nil {
			s.open = open
		}
	}
}

// NewSource creates a native module source.
func NewSource(opts ...Option) *Source {
	s := &Source{open: openShared}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type library struct {
	path   string
	shared Plugin
	closed atomic.Bool
}

func (l *library) Path() string { return l.path }

// Open maps the shared object at path.
func (s *Source) Open(_ context.Context, path string) (plugin.Library, error) {
	shared, err := s.open(path)
	if err != nil {
		return nil, oops.In("native").With("path", path).Wrap(err)
	}
	return &library{path: path, shared: shared}, nil
}

// Lookup resolves an exported function or variable of lib.
func (s *Source) Lookup(lib plugin.Library, symbol string) (any, error) {
	l, err := s.library(lib)
	if err != nil {
		return nil, err
	}
	if l.closed.Load() {
		return nil, oops.In("native").Code("LIBRARY_CLOSED").With("path", l.path).Errorf("library is closed")
	}
	sym, err := l.shared.Lookup(symbol)
	if err != nil {
		return nil, oops.In("native").With("path", l.path).With("symbol", symbol).Wrap(err)
	}
	return any(sym), nil
}

// Close marks lib closed.
func (s *Source) Close(lib plugin.Library) error {
	l, err := s.library(lib)
	if err != nil {
		return err
	}
	if l.closed.CompareAndSwap(false, true) {
		slog.Debug("native module released; code stays mapped", "path", l.path)
	}
	return nil
}

func (s *Source) library(lib plugin.Library) (*library, error) {
	l, ok := lib.(*library)
	if !ok || l == nil {
		return nil, oops.In("native").Code("FOREIGN_LIBRARY").Errorf("library %T was not opened by the native source", lib)
	}
	return l, nil
}
