// Package metrics implements XPN's Prometheus metrics collector: request
// counters, latency histograms, and transfer-size histograms for every
// server operation (recorded by the dispatcher), a per-server fragment
// counter fed by the client, plus a gauge for live circuit-breaker state
// per server. Grounded on the teacher's
// internal/metrics/collector.go (Collector/Config shape, registry +
// promhttp.Handler wiring), trimmed of the teacher's cache-hit-rate and
// object-store-specific metrics that have no XPN analogue.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls whether metrics are collected and where they are served.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"` // e.g. ":9401"
	Path      string `yaml:"path"` // e.g. "/metrics", defaults below
	Namespace string `yaml:"namespace"`
}

// DefaultConfig matches the teacher's defaulting style in
// collector.go's NewCollector: a sane, servable-out-of-the-box default.
func DefaultConfig() Config {
	return Config{Enabled: true, Addr: ":9401", Path: "/metrics", Namespace: "xpn"}
}

// Collector holds every Prometheus metric XPN's client and server sides
// record. A disabled Collector (Config.Enabled == false) is still safe to
// call into — every Record* method is then a no-op, matching the
// teacher's "collector with config but no registry" guard.
type Collector struct {
	cfg      Config
	registry *prometheus.Registry

	opTotal        *prometheus.CounterVec
	opDuration     *prometheus.HistogramVec
	opBytes        *prometheus.HistogramVec
	fragmentsTotal *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	sessionsOpen   prometheus.Gauge

	server *http.Server
}

// New builds a Collector and registers every metric with a fresh
// registry. Passing a zero Config disables collection (Record* calls
// become no-ops) without panicking callers that forgot to opt in.
func New(cfg Config) *Collector {
	c := &Collector{cfg: cfg}
	if !cfg.Enabled {
		return c
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "xpn"
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	c.cfg = cfg
	c.registry = prometheus.NewRegistry()

	c.opTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Name: "operations_total",
		Help: "Total XPN operations by op and outcome.",
	}, []string{"op", "status"})
	c.opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace, Name: "operation_duration_seconds",
		Help:    "XPN operation latency by op.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	c.opBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace, Name: "operation_bytes",
		Help:    "Bytes transferred per operation by op.",
		Buckets: prometheus.ExponentialBuckets(512, 4, 10),
	}, []string{"op"})
	c.fragmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Name: "fragments_total",
		Help: "Distribution-policy fragments dispatched, by server index.",
	}, []string{"server"})
	c.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace, Name: "circuit_breaker_state",
		Help: "Circuit breaker state per server (0=closed, 1=open, 2=half-open).",
	}, []string{"server"})
	c.sessionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace, Name: "sessions_open",
		Help: "Server-side session-table entries currently open.",
	})

	c.registry.MustRegister(c.opTotal, c.opDuration, c.opBytes, c.fragmentsTotal, c.breakerState, c.sessionsOpen)
	return c
}

// RecordOp records one completed operation's outcome, latency, and
// (optionally) transferred byte count, mirroring the teacher's
// RecordOperation.
func (c *Collector) RecordOp(op string, start time.Time, size int64, err error) {
	if c == nil || !c.cfg.Enabled {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.opTotal.WithLabelValues(op, status).Inc()
	c.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if size > 0 {
		c.opBytes.WithLabelValues(op).Observe(float64(size))
	}
}

// RecordFragment counts one fragment dispatched to serverName by the
// distribution policy fan-out (client reads/writes).
func (c *Collector) RecordFragment(serverName string) {
	if c == nil || !c.cfg.Enabled {
		return
	}
	c.fragmentsTotal.WithLabelValues(serverName).Inc()
}

// SetBreakerState publishes a circuit breaker's current state for
// serverName, in the 0/1/2 encoding matching circuit.State's ordering.
func (c *Collector) SetBreakerState(serverName string, state int) {
	if c == nil || !c.cfg.Enabled {
		return
	}
	c.breakerState.WithLabelValues(serverName).Set(float64(state))
}

// SetSessionsOpen publishes the server-side session table's current size.
func (c *Collector) SetSessionsOpen(n int) {
	if c == nil || !c.cfg.Enabled {
		return
	}
	c.sessionsOpen.Set(float64(n))
}

// Start serves the registry's metrics over HTTP at cfg.Addr+cfg.Path, in
// the background, matching the teacher's Collector.Start.
func (c *Collector) Start(ctx context.Context) error {
	if c == nil || !c.cfg.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(c.cfg.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	c.server = &http.Server{
		Addr:              c.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics: server error: %v\n", err)
		}
	}()
	return nil
}

// Stop shuts the metrics HTTP server down, matching Collector.Stop.
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
