// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package observability

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, ready ReadinessChecker) *Server {
	t.Helper()
	server := NewServer("127.0.0.1:0", ready)
	_, err := server.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	require.NotEmpty(t, server.Addr())
	return server
}

func get(t *testing.T, server *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + server.Addr() + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_ExposesRuntimeAndRouterMetrics(t *testing.T) {
	server := startServer(t, nil)

	RecordDelivery("packets", "ok")
	RecordPacket("in", "ok")
	RecordModuleLoad("handler", "ok")
	server.Metrics().ConnectionsTotal.WithLabelValues("dialed").Inc()

	code, body := get(t, server, "/metrics")
	require.Equal(t, http.StatusOK, code)
	for _, name := range []string{
		"go_goroutines",
		"process_",
		"goodnet_bus_deliveries_total",
		"goodnet_packets_total",
		"goodnet_module_loads_total",
		"goodnet_connections_total",
	} {
		assert.Contains(t, body, name)
	}
}

func TestRecordDelivery_CountsPerBusAndOutcome(t *testing.T) {
	okBefore := testutil.ToFloat64(busDeliveries.WithLabelValues("states", "ok"))
	panicBefore := testutil.ToFloat64(busDeliveries.WithLabelValues("states", "panic"))

	RecordDelivery("states", "ok")
	RecordDelivery("states", "ok")
	RecordDelivery("states", "panic")

	assert.Equal(t, okBefore+2, testutil.ToFloat64(busDeliveries.WithLabelValues("states", "ok")))
	assert.Equal(t, panicBefore+1, testutil.ToFloat64(busDeliveries.WithLabelValues("states", "panic")))
}

func TestRecordPacket_SeparatesDirections(t *testing.T) {
	inBefore := testutil.ToFloat64(packetsTotal.WithLabelValues("in", "rejected"))
	outBefore := testutil.ToFloat64(packetsTotal.WithLabelValues("out", "rejected"))

	RecordPacket("in", "rejected")

	assert.Equal(t, inBefore+1, testutil.ToFloat64(packetsTotal.WithLabelValues("in", "rejected")))
	assert.Equal(t, outBefore, testutil.ToFloat64(packetsTotal.WithLabelValues("out", "rejected")))
}

func TestSetModules_ReplacesGauges(t *testing.T) {
	server := startServer(t, nil)

	SetModules("connector", 3, 3)
	SetModules("connector", 2, 1)

	assert.InDelta(t, 2, testutil.ToFloat64(modulesRegistered.WithLabelValues("connector", "loaded")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(modulesRegistered.WithLabelValues("connector", "enabled")), 0)

	_, body := get(t, server, "/metrics")
	assert.Contains(t, body, `goodnet_modules{role="connector",state="loaded"} 2`)
	assert.Contains(t, body, `goodnet_modules{role="connector",state="enabled"} 1`)
}

func TestMetrics_ConnectionCounters(t *testing.T) {
	server := startServer(t, nil)
	m := server.Metrics()

	m.ConnectionsTotal.WithLabelValues("listener").Inc()
	m.ConnectionsTotal.WithLabelValues("listener").Inc()
	m.ConnectionsOpen.Set(3)
	m.ConnectionsOpen.Dec()

	_, body := get(t, server, "/metrics")
	assert.Contains(t, body, `goodnet_connections_total{origin="listener"} 2`)
	assert.Contains(t, body, `goodnet_connections_open 2`)
}

func TestServer_HealthEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		ready    ReadinessChecker
		path     string
		wantCode int
		wantBody string
	}{
		{"liveness", func() bool { return false }, "/healthz/liveness", http.StatusOK, "ok"},
		{"ready core", func() bool { return true }, "/healthz/readiness", http.StatusOK, "ok"},
		{"core not started", func() bool { return false }, "/healthz/readiness", http.StatusServiceUnavailable, "not ready"},
		{"no checker", nil, "/healthz/readiness", http.StatusOK, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := startServer(t, tt.ready)
			code, body := get(t, server, tt.path)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantBody, strings.TrimSpace(body))
		})
	}
}

func TestServer_Lifecycle(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx), "stop before start is a no-op")

	errCh, err := server.Start()
	require.NoError(t, err)
	_, err = server.Start()
	assert.Error(t, err, "second start is refused")

	require.NoError(t, server.Stop(ctx))
	require.NoError(t, server.Stop(ctx))
	select {
	case err, ok := <-errCh:
		assert.False(t, ok && err != nil, "clean shutdown reports no error")
	case <-time.After(2 * time.Second):
		t.Fatal("error channel not closed")
	}
}

func TestServer_ReportsServeFailure(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	errCh, err := server.Start()
	require.NoError(t, err)
	defer func() { _ = server.Stop(context.Background()) }()

	_ = server.listener.Close()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve failure not reported")
	}
}
