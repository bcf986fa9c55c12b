package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/reclaim/orchestrator"
	"github.com/yairfalse/reclaim/telemetry"
)

// MockRunner implements Runner for testing.
type MockRunner struct {
	calls   atomic.Int64
	success bool
	err     error
}

func (m *MockRunner) RunCycle(_ context.Context) (*orchestrator.CycleResult, error) {
	n := m.calls.Add(1)
	return &orchestrator.CycleResult{ID: fmt.Sprintf("cycle-%d", n), Success: m.success}, m.err
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Interval: time.Minute}, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{}, &MockRunner{}, nil)
	assert.Error(t, err, "interval required outside one-shot mode")

	_, err = New(Config{OneShot: true}, &MockRunner{}, nil)
	assert.NoError(t, err)
}

func TestDaemon_OneShotRunsSingleCycle(t *testing.T) {
	runner := &MockRunner{success: true}
	d, err := New(Config{OneShot: true}, runner, telemetry.Nop())
	require.NoError(t, err)

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, int64(1), runner.calls.Load())
	assert.Equal(t, int64(1), d.CycleCount())
}

func TestDaemon_OneShotReturnsCycleError(t *testing.T) {
	runner := &MockRunner{err: errors.New("test-session: all sources failed")}
	d, err := New(Config{OneShot: true}, runner, telemetry.Nop())
	require.NoError(t, err)

	assert.Error(t, d.Run(context.Background()))
}

func TestDaemon_LoopRunsUntilCancelled(t *testing.T) {
	runner := &MockRunner{err: errors.New("partial failure")}
	d, err := New(Config{Interval: 10 * time.Millisecond}, runner, telemetry.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond,
		"cycle errors do not stop the loop")
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_CancelledContextRunsNothing(t *testing.T) {
	runner := &MockRunner{success: true}
	d, err := New(Config{OneShot: true}, runner, telemetry.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, d.Run(ctx))
	assert.Equal(t, int64(0), runner.calls.Load())
}

func TestDaemon_HealthEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "reclaim_test_total"})
	reg.MustRegister(counter)
	counter.Inc()

	runner := &MockRunner{success: false}
	d, err := New(Config{OneShot: true}, runner, telemetry.Nop(), WithGatherer(reg))
	require.NoError(t, err)

	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/-/ready")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "not ready before the first cycle")

	_, _ = d.RunOnce(context.Background())

	for _, path := range []string{"/-/healthy", "/-/ready", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var health HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, int64(1), health.Cycles)
	assert.Equal(t, "cycle-1", health.LastCycleID)
}

func TestDaemon_MetricsServerLifecycle(t *testing.T) {
	runner := &MockRunner{success: true}
	d, err := New(Config{Interval: time.Hour, MetricsAddr: "127.0.0.1:0"}, runner, telemetry.Nop(),
		WithGatherer(prometheus.NewRegistry()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return d.Addr() != "" && d.CycleCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + d.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
