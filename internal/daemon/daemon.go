// Package daemon runs GC cycles on an interval and serves metrics and
// health endpoints alongside them.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yairfalse/reclaim/orchestrator"
	"github.com/yairfalse/reclaim/telemetry"
)

// Runner runs one GC cycle. Satisfied by *orchestrator.Orchestrator.
type Runner interface {
	RunCycle(ctx context.Context) (*orchestrator.CycleResult, error)
}

// Config holds daemon configuration
type Config struct {
	Interval time.Duration
	OneShot  bool

	// MetricsAddr is where /metrics and the health endpoints listen.
	// Empty disables the server.
	MetricsAddr string
}

// Daemon manages continuous garbage collection
type Daemon struct {
	cfg       Config
	runner    Runner
	logger    *telemetry.Logger
	gatherer  prometheus.Gatherer
	startTime time.Time

	cycleCount atomic.Int64
	ready      atomic.Bool

	mu        sync.RWMutex
	addr      string
	lastCycle *orchestrator.CycleResult
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithGatherer serves metrics from g instead of the default prometheus registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(d *Daemon) { d.gatherer = g }
}

// New creates a new daemon instance
func New(cfg Config, runner Runner, logger *telemetry.Logger, opts ...Option) (*Daemon, error) {
	if runner == nil {
		return nil, errors.New("daemon requires a cycle runner")
	}
	if !cfg.OneShot && cfg.Interval <= 0 {
		return nil, fmt.Errorf("invalid interval %s", cfg.Interval)
	}
	if logger == nil {
		logger = telemetry.Nop()
	}

	d := &Daemon{
		cfg:       cfg,
		runner:    runner,
		logger:    logger,
		gatherer:  prometheus.DefaultGatherer,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run runs cycles until ctx is cancelled, or once in one-shot mode. The
// metrics server, when configured, lives exactly as long as the loop.
func (d *Daemon) Run(ctx context.Context) error {
	var g run.Group

	{
		loopCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			if d.cfg.OneShot {
				_, err := d.RunOnce(loopCtx)
				return err
			}
			d.loop(loopCtx)
			return nil
		}, func(error) {
			cancel()
		})
	}

	if d.cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", d.cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", d.cfg.MetricsAddr, err)
		}
		d.mu.Lock()
		d.addr = ln.Addr().String()
		d.mu.Unlock()

		srv := &http.Server{
			Handler:           d.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Add(func() error {
			d.logger.Info().Str("addr", ln.Addr().String()).Msg("metrics server listening")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	return g.Run()
}

// loop runs a cycle immediately and then on every tick.
func (d *Daemon) loop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil {
			d.logger.WithContext(ctx).Warn().Err(err).Msg("gc cycle finished with errors")
		}

		select {
		case <-ctx.Done():
			d.logger.Info().Int64("cycles", d.cycleCount.Load()).Msg("gc loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs a single cycle and records it for the health endpoint.
func (d *Daemon) RunOnce(ctx context.Context) (*orchestrator.CycleResult, error) {
	if ctx.Err() != nil {
		return nil, nil
	}

	result, err := d.runner.RunCycle(ctx)
	d.cycleCount.Add(1)
	if result != nil {
		d.mu.Lock()
		d.lastCycle = result
		d.mu.Unlock()
	}
	d.ready.Store(true)
	return result, err
}

// Handler serves /metrics, /health, /-/healthy and /-/ready.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Health())
	})
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !d.ready.Load() {
			http.Error(w, "waiting for first cycle", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready\n"))
	})
	return mux
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status      string `json:"status"`
	Uptime      int64  `json:"uptime_seconds"`
	Cycles      int64  `json:"cycles"`
	LastCycleID string `json:"last_cycle_id,omitempty"`
	LastSuccess bool   `json:"last_success"`
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	h := HealthStatus{
		Status: "healthy",
		Uptime: int64(time.Since(d.startTime).Seconds()),
		Cycles: d.cycleCount.Load(),
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastCycle != nil {
		h.LastCycleID = d.lastCycle.ID
		h.LastSuccess = d.lastCycle.Success
		if !d.lastCycle.Success {
			h.Status = "degraded"
		}
	}
	return h
}

// CycleCount returns total cycles run
func (d *Daemon) CycleCount() int64 {
	return d.cycleCount.Load()
}

// Addr returns the metrics server's listen address once Run has started it.
func (d *Daemon) Addr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.addr
}
