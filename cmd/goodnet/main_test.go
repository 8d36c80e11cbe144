// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodnet/goodnet/internal/plugin"
)

// isolate keeps config and data lookups inside a temp tree.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	configFile = ""
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	output, err := execute(t, "--help")
	require.NoError(t, err)

	for _, sub := range []string{"serve", "plugins", "version"} {
		assert.Contains(t, output, sub, "Help missing %q command", sub)
	}
}

func TestRootCommand_ConfigFlag(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantFlag string
	}{
		{
			name:     "separate value",
			args:     []string{"--config", "/path/to/config.yaml", "--help"},
			wantFlag: "/path/to/config.yaml",
		},
		{
			name:     "with equals",
			args:     []string{"--config=/etc/goodnet.yaml", "--help"},
			wantFlag: "/etc/goodnet.yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configFile = ""
			_, err := execute(t, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFlag, configFile)
		})
	}
}

func TestRootCommand_VersionFlag(t *testing.T) {
	cmd := NewRootCmd()
	cmd.Version = "test-version"
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "test-version")
}

func TestVersionCommand(t *testing.T) {
	output, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "goodnet "+version)
	assert.Contains(t, output, "commit: "+commit)
}

func TestPluginsList_BuiltinTCP(t *testing.T) {
	dir := isolate(t)

	output, err := execute(t, "plugins", "list", "--plugins-dir", filepath.Join(dir, "mods"))
	require.NoError(t, err)

	assert.Contains(t, output, "NAME")
	assert.Contains(t, output, "TCP Connector")
	assert.Contains(t, output, "builtin")
	assert.DirExists(t, filepath.Join(dir, "mods", plugin.HandlersDir), "auto load creates the layout")
}

func TestPluginsList_JSON(t *testing.T) {
	dir := isolate(t)

	output, err := execute(t, "plugins", "list", "--json", "--plugins-dir", filepath.Join(dir, "mods"))
	require.NoError(t, err)

	var modules []moduleJSON
	require.NoError(t, json.Unmarshal([]byte(output), &modules))
	require.Len(t, modules, 1)
	assert.Equal(t, "tcp", modules[0].Scheme)
	assert.Equal(t, "connector", modules[0].Role)
	assert.True(t, modules[0].Enabled)
}

func TestPluginsList_WithoutBuiltinTCP(t *testing.T) {
	dir := isolate(t)

	output, err := execute(t, "plugins", "list", "--builtin-tcp=false", "--plugins-dir", filepath.Join(dir, "mods"))
	require.NoError(t, err)
	assert.NotContains(t, output, "TCP Connector")
}

func TestPluginsScan(t *testing.T) {
	dir := isolate(t)
	handlers := filepath.Join(dir, "mods", plugin.HandlersDir)
	require.NoError(t, os.MkdirAll(handlers, 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "mods", plugin.ConnectorsDir), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(handlers, "counter.yaml"), []byte("name: counter\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(handlers, "notes.txt"), []byte("ignored"), 0o600))

	output, err := execute(t, "plugins", "scan", filepath.Join(dir, "mods"))
	require.NoError(t, err)

	assert.Contains(t, output, "counter.yaml")
	assert.NotContains(t, output, "notes.txt")
	assert.Contains(t, output, "1 module file(s) found")
}

func TestPluginsScan_MissingDir(t *testing.T) {
	dir := isolate(t)

	output, err := execute(t, "plugins", "scan", filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.Contains(t, output, "0 module file(s) found")
}

func TestServe_InvalidConfig(t *testing.T) {
	isolate(t)

	_, err := execute(t, "serve", "--io-threads", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestServe_MissingConfigFile(t *testing.T) {
	dir := isolate(t)

	_, err := execute(t, "serve", "--config", filepath.Join(dir, "nope.yaml"))
	require.Error(t, err)
}

func TestServe_RunsUntilCancelled(t *testing.T) {
	dir := isolate(t)
	port := freePort(t)
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{
		"serve",
		"--listen", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"--plugins-dir", filepath.Join(dir, "mods"),
		"--log-file", filepath.Join(dir, "goodnet.log"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond, "listener never came up")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.Contains(t, buf.String(), "GoodNet started")

	logData, err := os.ReadFile(filepath.Join(dir, "goodnet.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "goodnet ready")
}
