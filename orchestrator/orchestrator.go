// Package orchestrator runs the GC cycle: every enabled collector discovers
// its leaks and, when it found any, cleans them up.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yairfalse/reclaim/internal/collector"
	"github.com/yairfalse/reclaim/internal/collector/resourcegroup"
	"github.com/yairfalse/reclaim/internal/collector/session"
	"github.com/yairfalse/reclaim/pkg/leak"
	"github.com/yairfalse/reclaim/telemetry"
)

// ErrMissingDependency is returned by New when a required collaborator is absent.
var ErrMissingDependency = errors.New("missing required dependency")

var tracer = otel.Tracer("github.com/yairfalse/reclaim/orchestrator")

// Orchestrator coordinates discover → cleanup across collectors
type Orchestrator struct {
	deps     Dependencies
	cfg      Config
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	recorder Recorder
	journal  collector.Journal
	now      func() time.Time

	once       sync.Once
	collectors []collector.Collector
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCollectors replaces the default collector list.
func WithCollectors(cs ...collector.Collector) Option {
	return func(o *Orchestrator) {
		o.collectors = cs
		o.once.Do(func() {})
	}
}

// WithMetrics records cycle and remediation metrics in m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRecorder hands every finished cycle to r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithJournal journals every remediation dispatch in j.
func WithJournal(j collector.Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithClock overrides the clock used by the orchestrator and its collectors.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. Every dependency is checked up front and the
// error names all that are missing.
func New(deps Dependencies, cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (d Dependencies) validate() error {
	var missing []string
	if d.Sessions == nil {
		missing = append(missing, "session client")
	}
	if len(d.Enumerators) == 0 {
		missing = append(missing, "resource group enumerators")
	}
	if d.Queries == nil {
		missing = append(missing, "query issuer")
	}
	if d.Remediation == nil {
		missing = append(missing, "remediation client")
	}
	if d.Templates == nil {
		missing = append(missing, "template store")
	}
	if d.Secrets == nil {
		missing = append(missing, "secret resolver")
	}
	if d.Logger == nil {
		missing = append(missing, "logger")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingDependency, strings.Join(missing, ", "))
	}
	return nil
}

// Collectors returns the collectors a cycle runs, building the defaults on
// first use.
func (o *Orchestrator) Collectors() []collector.Collector {
	o.once.Do(func() {
		o.collectors = o.defaultCollectors()
	})
	return o.collectors
}

func (o *Orchestrator) defaultCollectors() []collector.Collector {
	dispatchOpts := []collector.DispatcherOption{
		collector.WithMetrics(o.metrics),
		collector.WithClock(o.now),
		collector.WithDryRun(o.cfg.DryRun),
	}
	if o.journal != nil {
		dispatchOpts = append(dispatchOpts, collector.WithJournal(o.journal))
	}
	dispatcher := collector.NewDispatcher(o.deps.Remediation, o.deps.Templates, o.logger, dispatchOpts...)

	var out []collector.Collector
	if o.enabled(session.Name) {
		out = append(out, session.New(o.cfg.Session, o.deps.Queries, o.deps.Sessions, dispatcher, o.logger,
			session.WithSecrets(o.deps.Secrets),
			session.WithMetrics(o.metrics),
			session.WithClock(o.now),
		))
	}
	if o.enabled(resourcegroup.Name) {
		out = append(out, resourcegroup.New(o.cfg.ResourceGroup, o.deps.Enumerators, dispatcher, o.logger,
			resourcegroup.WithFilter(o.cfg.Filter),
			resourcegroup.WithMetrics(o.metrics),
			resourcegroup.WithClock(o.now),
		))
	}
	return out
}

func (o *Orchestrator) enabled(name string) bool {
	return len(o.cfg.Collectors) == 0 || slices.Contains(o.cfg.Collectors, name)
}

// RunCycle runs one GC cycle. Collectors run concurrently and a failing or
// panicking collector never stops the others. The returned error joins the
// failed passes; the result is always complete.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleResult, error) {
	result := &CycleResult{
		ID:        uuid.NewString(),
		StartTime: o.now(),
	}

	ctx, span := tracer.Start(ctx, "gc.cycle")
	defer span.End()
	span.SetAttributes(attribute.String("cycle.id", result.ID))

	logger := o.logger.WithContext(ctx)
	logger.Info().Str("cycle_id", result.ID).Msg("starting gc cycle")

	collectors := o.Collectors()
	result.Passes = make([]PassResult, len(collectors))

	var wg sync.WaitGroup
	for i, c := range collectors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result.Passes[i] = o.runPass(ctx, c)
		}()
	}
	wg.Wait()

	var errs []error
	for _, p := range result.Passes {
		if err := p.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Collector, err))
		}
	}
	result.Success = len(errs) == 0

	o.finishCycle(ctx, result)
	telemetry.RecordCycleCompletedEvent(span, result.ID, len(collectors),
		result.Discovered(), result.Remediated(), result.Duration.Seconds())

	return result, errors.Join(errs...)
}

// runPass runs discovery and, if anything was found, cleanup for one collector.
func (o *Orchestrator) runPass(ctx context.Context, c collector.Collector) (res PassResult) {
	res.Collector = c.Name()
	res.Discovered = leak.Resources{}
	start := o.now()
	logger := o.logger.Scope(c.Name())

	discovering := true
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("collector panicked: %v", p)
			if discovering {
				res.DiscoverError = err
			} else {
				res.CleanupError = err
			}
			logger.WithContext(ctx).Error().Err(err).Msg("collector pass aborted")
		}
		res.Duration = o.now().Sub(start)
	}()

	discovered, err := c.DiscoverLeakedResources(ctx)
	if discovered != nil {
		res.Discovered = discovered
	}
	if err != nil {
		res.DiscoverError = err
		logger.WithContext(ctx).Error().Err(err).Msg("discovery failed")
	}

	logger.LogResourceMap(ctx, "discovered", res.Discovered)
	o.metrics.RecordDiscovered(ctx, c.Name(), len(res.Discovered))

	if len(res.Discovered) == 0 {
		return res
	}

	discovering = false
	remediated, err := c.CleanupLeakedResources(ctx, res.Discovered)
	if err != nil {
		res.CleanupError = err
		logger.WithContext(ctx).Error().Err(err).Msg("cleanup failed")
	}
	if remediated == nil {
		remediated = map[string]string{}
	}
	res.Remediated = remediated
	logger.LogRemediationMap(ctx, "remediated", remediated)

	return res
}

func (o *Orchestrator) finishCycle(ctx context.Context, result *CycleResult) {
	result.EndTime = o.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	status := "success"
	if !result.Success {
		status = "failed"
	}
	o.metrics.RecordCycle(ctx, status, result.Duration.Seconds())

	if o.recorder != nil {
		if _, err := o.recorder.RecordCycle(result.Record()); err != nil {
			o.logger.WithContext(ctx).Warn().Err(err).Str("cycle_id", result.ID).Msg("failed to record cycle")
		}
	}

	o.logger.WithContext(ctx).Info().
		Str("cycle_id", result.ID).
		Int("collectors", len(result.Passes)).
		Int("discovered", result.Discovered()).
		Int("remediated", result.Remediated()).
		Dur("duration", result.Duration).
		Bool("success", result.Success).
		Msg("gc cycle complete")
}
