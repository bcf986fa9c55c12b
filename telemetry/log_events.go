package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/reclaim/pkg/leak"
)

// RecordLeakDiscoveredEvent emits a span event for a leaked resource found during discovery
func RecordLeakDiscoveredEvent(span trace.Span, collector string, r leak.Resource) {
	if span == nil {
		return
	}

	span.AddEvent("reclaim.leak.discovered", trace.WithAttributes(
		attribute.String("event.type", "reclaim.leak.discovered"),
		attribute.String("collector", collector),
		attribute.String("resource.id", r.ID),
		attribute.String("resource.type", string(r.Type)),
		attribute.String("impact", string(r.Impact)),
		attribute.String("source", string(r.Source)),
		attribute.Int("days_leaked", r.DaysLeaked),
	))
}

// RecordRemediationEvent emits a span event for a remediation attempt
func RecordRemediationEvent(
	span trace.Span,
	r leak.Resource,
	status string,
	remediationID string,
	errorMsg string,
) {
	if span == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("event.type", "reclaim.remediation"),
		attribute.String("resource.id", r.ID),
		attribute.String("resource.type", string(r.Type)),
		attribute.String("status", status),
	}
	if remediationID != "" {
		attrs = append(attrs, attribute.String("remediation.id", remediationID))
	}
	if errorMsg != "" {
		attrs = append(attrs, attribute.String("error", errorMsg))
	}

	span.AddEvent("reclaim.remediation", trace.WithAttributes(attrs...))
}

// RecordCycleCompletedEvent emits a span event when a GC cycle finishes
func RecordCycleCompletedEvent(
	span trace.Span,
	cycleID string,
	collectors int,
	discovered int,
	remediated int,
	durationSeconds float64,
) {
	if span == nil {
		return
	}

	span.AddEvent("reclaim.cycle.completed", trace.WithAttributes(
		attribute.String("event.type", "reclaim.cycle.completed"),
		attribute.String("cycle.id", cycleID),
		attribute.Int("collectors", collectors),
		attribute.Int("resources.discovered", discovered),
		attribute.Int("resources.remediated", remediated),
		attribute.Float64("duration.seconds", durationSeconds),
	))
}
