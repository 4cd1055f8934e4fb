package core

import (
	"context"
	"errors"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics captures a snapshot of a chain/mesh node's health statistics.
type Metrics struct {
	EventCount    int    `json:"event_count"`
	PrimaryKeys   int    `json:"primary_keys"`
	CachedKeys    int    `json:"cached_signer_keys"`
	MeshState     string `json:"mesh_state"`
	MemAlloc      uint64 `json:"mem_alloc"`
	NumGoroutines int    `json:"goroutines"`
	Timestamp     int64  `json:"timestamp"`
}

// HealthLogger provides simple system monitoring and structured logging
// for a chain and its optional mesh session.
type HealthLogger struct {
	chain *Chain
	mesh  *MeshSession
	sig   *SignaturePlugin

	log  *logrus.Logger
	file *os.File
	mu   sync.Mutex

	registry        *prometheus.Registry
	eventGauge      prometheus.Gauge
	primaryKeyGauge prometheus.Gauge
	cachedKeyGauge  prometheus.Gauge
	meshStateGauge  prometheus.Gauge
	memAllocGauge   prometheus.Gauge
	goroutinesGauge prometheus.Gauge
	errorCounter    prometheus.Counter
}

// NewHealthLogger configures a HealthLogger writing JSON logs to path and
// tracking chain (required), mesh and sig (either may be nil).
func NewHealthLogger(chain *Chain, mesh *MeshSession, sig *SignaturePlugin, path string) (*HealthLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	lg := logrus.New()
	lg.SetFormatter(&logrus.JSONFormatter{})
	lg.SetOutput(f)
	reg := prometheus.NewRegistry()

	h := &HealthLogger{chain: chain, mesh: mesh, sig: sig, log: lg, file: f, registry: reg}

	h.eventGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ate_chain_events_total",
		Help: "Number of events currently in the chain's redo-log",
	})
	h.primaryKeyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ate_chain_primary_keys",
		Help: "Number of distinct primary keys tracked by the timeline",
	})
	h.cachedKeyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ate_signature_cache_keys",
		Help: "Number of public keys cached by the signature plugin",
	})
	h.meshStateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ate_mesh_state",
		Help: "Current mesh session state (0=connecting 1=connected 2=read-only 3=disconnected)",
	})
	h.memAllocGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ate_mem_alloc_bytes",
		Help: "Current memory allocation in bytes",
	})
	h.goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ate_goroutines",
		Help: "Number of running goroutines",
	})
	h.errorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ate_log_errors_total",
		Help: "Total number of error events logged",
	})

	reg.MustRegister(
		h.eventGauge,
		h.primaryKeyGauge,
		h.cachedKeyGauge,
		h.meshStateGauge,
		h.memAllocGauge,
		h.goroutinesGauge,
		h.errorCounter,
	)

	return h, nil
}

// Close releases the underlying log file.
func (h *HealthLogger) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}

// Rotate switches logging to a new file path.
func (h *HealthLogger) Rotate(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.file.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	h.log.SetOutput(f)
	h.file = f
	return nil
}

// LogEvent records an arbitrary message with the specified log level.
func (h *HealthLogger) LogEvent(level logrus.Level, msg string) {
	h.mu.Lock()
	if level <= logrus.ErrorLevel {
		h.errorCounter.Inc()
	}
	h.log.Log(level, msg)
	h.mu.Unlock()
}

// MetricsSnapshot gathers current metrics from the chain, mesh session
// and Go runtime.
func (h *HealthLogger) MetricsSnapshot() Metrics {
	m := Metrics{Timestamp: time.Now().Unix(), NumGoroutines: runtime.NumGoroutine()}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.MemAlloc = mem.Alloc

	if h.chain != nil {
		m.EventCount = h.chain.redoLog.Len()
		m.PrimaryKeys = h.chain.timeline.Len()
	}
	if h.sig != nil {
		m.CachedKeys = h.sig.Len()
	}
	if h.mesh != nil {
		m.MeshState = h.mesh.State().String()
	}
	return m
}

// RecordMetrics captures the current snapshot and updates Prometheus
// gauges.
func (h *HealthLogger) RecordMetrics() {
	m := h.MetricsSnapshot()
	h.eventGauge.Set(float64(m.EventCount))
	h.primaryKeyGauge.Set(float64(m.PrimaryKeys))
	h.cachedKeyGauge.Set(float64(m.CachedKeys))
	if h.mesh != nil {
		h.meshStateGauge.Set(float64(h.mesh.State()))
	}
	h.memAllocGauge.Set(float64(m.MemAlloc))
	h.goroutinesGauge.Set(float64(m.NumGoroutines))
	h.LogEvent(logrus.InfoLevel, "metrics recorded")
}

// RunMetricsCollector periodically records metrics until the context is
// canceled.
func (h *HealthLogger) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.RecordMetrics()
		case <-ctx.Done():
			return
		}
	}
}

// StartMetricsServer exposes a Prometheus metrics endpoint on the given
// address. It returns the underlying http.Server so callers may manage
// its lifecycle.
func (h *HealthLogger) StartMetricsServer(addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.LogEvent(logrus.ErrorLevel, err.Error())
		}
	}()
	return srv, nil
}

// ShutdownMetricsServer gracefully stops the metrics HTTP server.
func (h *HealthLogger) ShutdownMetricsServer(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
