package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Remediation outcome labels.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusDryRun  = "dry_run"
)

// Metrics holds GC metrics using OTEL semantic conventions.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
	discovered    metric.Int64Gauge
	remediations  metric.Int64Counter
	sourceErrors  metric.Int64Counter
}

// NewMetrics creates GC metrics on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("reclaim"))
}

// NewMetricsWithMeter creates GC metrics on the given meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	cycles, err := meter.Int64Counter(
		"reclaim_cycles",
		metric.WithDescription("Number of garbage collection cycles"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	cycleDuration, err := meter.Float64Histogram(
		"reclaim_cycle_duration",
		metric.WithDescription("Duration of garbage collection cycles"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	discovered, err := meter.Int64Gauge(
		"reclaim_leaks_discovered",
		metric.WithDescription("Number of leaked resources found in the last pass"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	remediations, err := meter.Int64Counter(
		"reclaim_remediations",
		metric.WithDescription("Number of remediation attempts"),
		metric.WithUnit("{remediation}"),
	)
	if err != nil {
		return nil, err
	}

	sourceErrors, err := meter.Int64Counter(
		"reclaim_source_errors",
		metric.WithDescription("Number of discovery source failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		cycles:        cycles,
		cycleDuration: cycleDuration,
		discovered:    discovered,
		remediations:  remediations,
		sourceErrors:  sourceErrors,
	}, nil
}

// RecordCycle records a finished cycle with its status
func (m *Metrics) RecordCycle(ctx context.Context, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.cycles.Add(ctx, 1, attrs)
	m.cycleDuration.Record(ctx, durationSeconds, attrs)
}

// RecordDiscovered records how many leaks a collector found
func (m *Metrics) RecordDiscovered(ctx context.Context, collector string, count int) {
	if m == nil {
		return
	}
	m.discovered.Record(ctx, int64(count), metric.WithAttributes(
		attribute.String("collector", collector),
	))
}

// RecordRemediation records one remediation attempt outcome
func (m *Metrics) RecordRemediation(ctx context.Context, resourceType string, status string) {
	if m == nil {
		return
	}
	m.remediations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource.type", resourceType),
		attribute.String("status", status),
	))
}

// RecordSourceError records a failed discovery source
func (m *Metrics) RecordSourceError(ctx context.Context, collector string, source string) {
	if m == nil {
		return
	}
	m.sourceErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("collector", collector),
		attribute.String("source", source),
	))
}
