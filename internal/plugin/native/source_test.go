// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package native_test

import (
	"context"
	"errors"
	"fmt"
	stdplugin "plugin"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodnet/goodnet/internal/plugin/native"
	"github.com/goodnet/goodnet/pkg/errutil"
	"github.com/goodnet/goodnet/pkg/sdk"
)

type sharedObject map[string]stdplugin.Symbol

func (s sharedObject) Lookup(name string) (stdplugin.Symbol, error) {
	sym, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("plugin: symbol %s not found", name)
	}
	return sym, nil
}

func handlerInit(*sdk.HostAPI) (*sdk.Handler, sdk.InitStatus) {
	return &sdk.Handler{APIVersion: sdk.APIVersion}, sdk.InitOK
}

func newSource(objects map[string]sharedObject) *native.Source {
	return native.NewSource(native.WithOpener(func(path string) (native.Plugin, error) {
		obj, ok := objects[path]
		if !ok {
			return nil, errors.New("plugin.Open: realpath failed")
		}
		return obj, nil
	}))
}

func TestSource_OpenLookup(t *testing.T) {
	src := newSource(map[string]sharedObject{
		"/mods/echo.so": {sdk.HandlerInitSymbol: handlerInit},
	})

	lib, err := src.Open(context.Background(), "/mods/echo.so")
	require.NoError(t, err)
	assert.Equal(t, "/mods/echo.so", lib.Path())

	sym, err := src.Lookup(lib, sdk.HandlerInitSymbol)
	require.NoError(t, err)
	fn, ok := sym.(func(*sdk.HostAPI) (*sdk.Handler, sdk.InitStatus))
	require.True(t, ok, "got %T", sym)
	h, st := fn(nil)
	assert.Equal(t, sdk.InitOK, st)
	assert.NotNil(t, h)

	_, err = src.Lookup(lib, sdk.ConnectorInitSymbol)
	assert.ErrorContains(t, err, "not found")
}

func TestSource_OpenFails(t *testing.T) {
	src := newSource(nil)
	_, err := src.Open(context.Background(), "/mods/missing.so")
	require.Error(t, err)
	errutil.AssertErrorContext(t, err, "path", "/mods/missing.so")
}

func TestSource_CloseRefusesLookups(t *testing.T) {
	src := newSource(map[string]sharedObject{
		"/mods/echo.so": {sdk.HandlerInitSymbol: handlerInit},
	})
	lib, err := src.Open(context.Background(), "/mods/echo.so")
	require.NoError(t, err)

	require.NoError(t, src.Close(lib))
	require.NoError(t, src.Close(lib))

	_, err = src.Lookup(lib, sdk.HandlerInitSymbol)
	errutil.AssertErrorCode(t, err, "LIBRARY_CLOSED")
}

type foreign struct{}

func (foreign) Path() string { return "x" }

func TestSource_ForeignLibrary(t *testing.T) {
	src := native.NewSource()
	_, err := src.Lookup(foreign{}, sdk.HandlerInitSymbol)
	errutil.AssertErrorCode(t, err, "FOREIGN_LIBRARY")
	errutil.AssertErrorCode(t, src.Close(foreign{}), "FOREIGN_LIBRARY")
}
