// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package plugin_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodnet/goodnet/internal/plugin"
	"github.com/goodnet/goodnet/pkg/errutil"
	"github.com/goodnet/goodnet/pkg/sdk"
)

func TestParseManifest_LuaHandler(t *testing.T) {
	yaml := `
name: counter
version: 1.0.0
role: handler
runtime: lua
capabilities:
  - host.send
lua:
  entry: main.lua
`
	m, err := plugin.ParseManifest([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, "counter", m.Name)
	assert.Equal(t, plugin.RoleHandler, m.Role)
	assert.Equal(t, plugin.RuntimeLua, m.Runtime)
	assert.Equal(t, sdk.PluginTypeHandler, m.Role.PluginType())
	require.NotNil(t, m.Lua)
	assert.Equal(t, "/mods/main.lua", m.EntryPath("/mods"))
}

func TestParseManifest_ProcessConnector(t *testing.T) {
	yaml := `
name: quic
version: 0.3.1
host: ">= 0.1.0"
role: connector
runtime: process
process:
  executable: quic-connector
  args: ["--verbose"]
`
	m, err := plugin.ParseManifest([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, plugin.RoleConnector, m.Role)
	require.NotNil(t, m.Process)
	assert.Equal(t, []string{"--verbose"}, m.Process.Args)
	assert.Equal(t, "/abs/quic", (&plugin.Manifest{
		Runtime: plugin.RuntimeProcess,
		Process: &plugin.ProcessConfig{Executable: "/abs/quic"},
	}).EntryPath("/ignored"))
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "", "empty"},
		{"bad yaml", "name: [unclosed", ""},
		{"bad name", "name: Bad_Name\nversion: 1.0.0\nrole: handler\nruntime: lua\nlua:\n  entry: a.lua\n", "name"},
		{"trailing hyphen", "name: bad-\nversion: 1.0.0\nrole: handler\nruntime: lua\nlua:\n  entry: a.lua\n", "name"},
		{"name too long", "name: " + strings.Repeat("a", 65) + "\nversion: 1.0.0\nrole: handler\nruntime: lua\nlua:\n  entry: a.lua\n", "64 characters"},
		{"missing version", "name: x\nrole: handler\nruntime: lua\nlua:\n  entry: a.lua\n", "version is required"},
		{"non semver", "name: x\nversion: latest\nrole: handler\nruntime: lua\nlua:\n  entry: a.lua\n", "semantic version"},
		{"bad constraint", "name: x\nversion: 1.0.0\nhost: \"~~>1\"\nrole: handler\nruntime: lua\nlua:\n  entry: a.lua\n", "host constraint"},
		{"bad role", "name: x\nversion: 1.0.0\nrole: router\nruntime: lua\nlua:\n  entry: a.lua\n", "role"},
		{"bad runtime", "name: x\nversion: 1.0.0\nrole: handler\nruntime: wasm\n", "runtime"},
		{"missing lua entry", "name: x\nversion: 1.0.0\nrole: handler\nruntime: lua\n", "lua.entry"},
		{"missing executable", "name: x\nversion: 1.0.0\nrole: handler\nruntime: process\nprocess: {}\n", "process.executable"},
		{"missing library", "name: x\nversion: 1.0.0\nrole: handler\nruntime: native\n", "native.library"},
		{"lua connector", "name: x\nversion: 1.0.0\nrole: connector\nruntime: lua\nlua:\n  entry: a.lua\n", "only be handlers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plugin.ParseManifest([]byte(tt.yaml))
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, plugin.CodeInvalidManifest)
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}

func TestManifest_CheckHost(t *testing.T) {
	m := &plugin.Manifest{Name: "x", Host: ">= 1.2.0, < 2.0.0"}

	assert.NoError(t, m.CheckHost("1.4.0"))
	assert.Error(t, m.CheckHost("2.0.0"))
	assert.Error(t, m.CheckHost("dev"))

	unconstrained := &plugin.Manifest{Name: "x"}
	assert.NoError(t, unconstrained.CheckHost("dev"))
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "msglog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: msglog
version: 1.0.0
role: handler
runtime: native
native:
  library: msglog.so
capabilities: []
`), 0o600))

	m, err := plugin.LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "msglog.so"), m.EntryPath(dir))

	_, err = plugin.LoadManifest(filepath.Join(dir, "missing.yaml"))
	errutil.AssertErrorCode(t, err, plugin.CodeInvalidManifest)
}

func TestLoadManifest_SchemaRejectsUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: x
version: 1.0.0
role: handler
runtime: lua
lua:
  entry: main.lua
events: [say]
`), 0o600))

	_, err := plugin.LoadManifest(path)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, plugin.CodeInvalidManifest)
}
