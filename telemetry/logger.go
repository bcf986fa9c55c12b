package telemetry

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/reclaim/pkg/leak"
)

// resourceBatchSize bounds how many leak records go into one log line.
const resourceBatchSize = 50

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a new logger with OTEL hooks
func NewLogger(service string) *Logger {
	return NewLoggerWithWriter(service, os.Stdout)
}

// NewLoggerWithWriter creates a logger writing to w.
func NewLoggerWithWriter(service string, w io.Writer) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// Scope returns a child logger tagged with a telemetry scope, one per collector.
func (l *Logger) Scope(name string) *Logger {
	return &Logger{Logger: l.Logger.With().Str("scope", name).Logger()}
}

// LogResourceMap logs the full resource map in sorted batches followed by the total.
func (l *Logger) LogResourceMap(ctx context.Context, event string, resources leak.Resources) {
	logger := l.WithContext(ctx)
	sorted := resources.Sorted()

	for start := 0; start < len(sorted); start += resourceBatchSize {
		end := min(start+resourceBatchSize, len(sorted))
		logger.Info().
			Str("event", event).
			Int("batch_start", start).
			Int("batch_size", end-start).
			Interface("resources", sorted[start:end]).
			Msg("leaked resources")
	}

	logger.Info().
		Str("event", event).
		Int("count", len(sorted)).
		Msg("leaked resource count")
}

// LogRemediationMap logs the cleanup result map and its count.
func (l *Logger) LogRemediationMap(ctx context.Context, event string, remediated map[string]string) {
	l.WithContext(ctx).Info().
		Str("event", event).
		Interface("remediations", remediated).
		Int("count", len(remediated)).
		Msg("remediations launched")
}

// LogRemediationFailure logs a failed remediation with the resource's identity attached.
func (l *Logger) LogRemediationFailure(ctx context.Context, r leak.Resource, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("resource_id", r.ID).
		Str("resource_type", string(r.Type)).
		Str("resource_name", r.Name).
		Str("subscription_id", r.SubscriptionID).
		Str("node_id", r.NodeID).
		Msg("remediation failed")
}

// LogSourceError logs a data source that failed during discovery.
func (l *Logger) LogSourceError(ctx context.Context, source string, err error) {
	l.WithContext(ctx).Warn().
		Err(err).
		Str("source", source).
		Msg("discovery source failed")
}
