// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package observability exposes the router's Prometheus metrics and health
// checks over HTTP.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the router is ready to accept packets.
type ReadinessChecker func() bool

// Package-level collectors let the bus, transport and plugin packages record
// without holding a Server.
var (
	busDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goodnet_bus_deliveries_total",
			Help: "Event bus deliveries by bus and outcome",
		},
		[]string{"bus", "outcome"},
	)
	packetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goodnet_packets_total",
			Help: "Packets seen by the host by direction and result",
		},
		[]string{"direction", "result"},
	)
	moduleLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goodnet_module_loads_total",
			Help: "Module load attempts by role and result",
		},
		[]string{"role", "result"},
	)
	modulesRegistered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "goodnet_modules",
			Help: "Registered modules by role and state",
		},
		[]string{"role", "state"},
	)
)

// RecordDelivery counts one bus delivery. Outcome is "ok" or "panic".
func RecordDelivery(bus, outcome string) {
	busDeliveries.WithLabelValues(bus, outcome).Inc()
}

// RecordPacket counts one packet. Direction is "in" or "out".
func RecordPacket(direction, result string) {
	packetsTotal.WithLabelValues(direction, result).Inc()
}

// RecordModuleLoad counts one module load attempt.
func RecordModuleLoad(role, result string) {
	moduleLoads.WithLabelValues(role, result).Inc()
}

// SetModules publishes the registry counts for a role.
func SetModules(role string, loaded, enabled int) {
	modulesRegistered.WithLabelValues(role, "loaded").Set(float64(loaded))
	modulesRegistered.WithLabelValues(role, "enabled").Set(float64(enabled))
}

// Metrics contains server-scoped Prometheus metrics.
type Metrics struct {
	ConnectionsTotal *prometheus.CounterVec
	ConnectionsOpen  prometheus.Gauge
}

// NewMetrics creates and registers the GoodNet metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goodnet_connections_total",
				Help: "Total number of accepted or dialed connections by origin",
			},
			[]string{"origin"},
		),
		ConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "goodnet_connections_open",
				Help: "Connections currently open on the frame listener",
			},
		),
	}

	reg.MustRegister(m.ConnectionsTotal)
	reg.MustRegister(m.ConnectionsOpen)
	reg.MustRegister(busDeliveries, packetsTotal, moduleLoads, modulesRegistered)

	return m
}

// Server serves metrics and health checks.
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates an observability server listening on addr ("host:port").
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := NewMetrics(registry)

	s := &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
	}

	return s
}

// Metrics returns the server-scoped metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving /metrics and the health endpoints. The returned channel
// receives a serve error, if any, and is closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Code("METRICS_ALREADY_RUNNING").Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.Code("METRICS_LISTEN_FAILED").With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// handleLiveness returns 200 while the process is up.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

// handleReadiness returns 200 once the core has started, 503 otherwise.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}
