// Package health exposes the supervisor's liveness and upgrade counters
// over HTTP: a Prometheus /metrics endpoint and a plain /healthz the way an
// orchestrator would probe it. It is optional — the supervisor runs fine
// with no Server wired in, exactly as the donor agent runs fine with
// no --prometheus-addr equivalent configured.
package health

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/interbtc-io/vaultvisor/internal/hostmetrics"
)

// Server owns the supervisor's Prometheus registry and the counters the
// Runner updates through the runner.HealthSink interface it satisfies.
type Server struct {
	registry *prometheus.Registry
	upgrades prometheus.Counter
	retries  prometheus.Counter

	childRunning atomic.Bool

	// Resource gauges are stored as the bit pattern of their float64
	// value, the same atomic.Uint64-over-Float64bits trick childRunning's
	// neighbors would use if they needed a non-boolean value — there is no
	// atomic.Float64 in the standard library.
	hostCPUPercent  atomic.Uint64
	hostMemPercent  atomic.Uint64
	hostDiskPercent atomic.Uint64
	childCPUPercent atomic.Uint64
	childMemPercent atomic.Uint64

	httpServer *http.Server
}

// NewServer builds a fresh, independent Prometheus registry (never the
// global default registerer, so multiple Servers never collide in tests)
// and registers the supervisor's counters on it.
func NewServer() *Server {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	s := &Server{
		registry: registry,
		upgrades: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultvisor_upgrades_total",
			Help: "Number of successful worker upgrades performed.",
		}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultvisor_chain_read_retries_total",
			Help: "Number of ticks whose chain storage read still failed after exhausting its retries.",
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vaultvisor_child_running",
		Help: "1 if the supervised worker process is currently running, 0 otherwise.",
	}, func() float64 {
		if s.childRunning.Load() {
			return 1
		}
		return 0
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vaultvisor_host_cpu_percent",
		Help: "Host-wide CPU utilization, sampled once per tick.",
	}, func() float64 { return math.Float64frombits(s.hostCPUPercent.Load()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vaultvisor_host_mem_percent",
		Help: "Host-wide memory utilization, sampled once per tick.",
	}, func() float64 { return math.Float64frombits(s.hostMemPercent.Load()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vaultvisor_host_disk_percent",
		Help: "Utilization of the root filesystem (/), sampled once per tick.",
	}, func() float64 { return math.Float64frombits(s.hostDiskPercent.Load()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vaultvisor_child_cpu_percent",
		Help: "CPU utilization of the supervised worker process, sampled once per tick.",
	}, func() float64 { return math.Float64frombits(s.childCPUPercent.Load()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vaultvisor_child_mem_percent",
		Help: "Memory utilization of the supervised worker process, sampled once per tick.",
	}, func() float64 { return math.Float64frombits(s.childMemPercent.Load()) })

	return s
}

// IncUpgrades satisfies runner.HealthSink.
func (s *Server) IncUpgrades() { s.upgrades.Inc() }

// IncRetries satisfies runner.HealthSink.
func (s *Server) IncRetries() { s.retries.Inc() }

// SetChildRunning satisfies runner.HealthSink.
func (s *Server) SetChildRunning(running bool) { s.childRunning.Store(running) }

// SetResourceSnapshot satisfies runner.HealthSink, publishing a
// hostmetrics.Collect reading to the gauges NewServer registered.
func (s *Server) SetResourceSnapshot(snap hostmetrics.Snapshot) {
	s.hostCPUPercent.Store(math.Float64bits(snap.HostCPUPercent))
	s.hostMemPercent.Store(math.Float64bits(snap.HostMemPercent))
	s.hostDiskPercent.Store(math.Float64bits(snap.HostDiskPercent))
	s.childCPUPercent.Store(math.Float64bits(snap.ChildCPUPercent))
	s.childMemPercent.Store(math.Float64bits(float64(snap.ChildMemPercent)))
}

// ListenAndServe starts the /metrics and /healthz HTTP server on addr and
// blocks until ctx is cancelled, at which point it shuts down gracefully.
// A non-nil return other than http.ErrServerClosed is a bind failure.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health: serving %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
		_ = s.httpServer.Shutdown(context.Background())
		return nil
	}
}
