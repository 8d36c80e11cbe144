// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodnet/goodnet/internal/connector/tcp"
	"github.com/goodnet/goodnet/pkg/sdk"
)

func TestConnectorInit(t *testing.T) {
	c, status := ConnectorInit(&sdk.HostAPI{APIVersion: sdk.APIVersion, PluginType: sdk.PluginTypeConnector})
	require.Equal(t, sdk.InitOK, status)
	require.NotNil(t, c)
	defer c.Shutdown(c.Context)

	assert.Equal(t, tcp.Scheme, c.Scheme(c.Context))
	assert.Equal(t, tcp.Name, c.Name(c.Context))
	assert.NotNil(t, c.Listen)
}

func TestConnectorInit_WrongRole(t *testing.T) {
	c, status := ConnectorInit(&sdk.HostAPI{APIVersion: sdk.APIVersion, PluginType: sdk.PluginTypeHandler})
	assert.Nil(t, c)
	assert.Equal(t, sdk.InitFailed, status)
}
