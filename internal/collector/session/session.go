// Package session collects leaked test sessions by reconciling two
// time-series views with the live session service.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/reclaim/internal/collector"
	"github.com/yairfalse/reclaim/pkg/leak"
	"github.com/yairfalse/reclaim/telemetry"
)

// Name is the collector's telemetry scope.
const Name = "test-session"

// DefaultValidityBatchSize bounds the ids sent per liveness check.
const DefaultValidityBatchSize = 100

var tracer = otel.Tracer("github.com/yairfalse/reclaim/internal/collector/session")

// ErrNoOwner is returned by the live source when no owner id is configured
// or resolvable.
var ErrNoOwner = errors.New("session owner id is not configured")

// SecretResolver resolves a named secret to its value.
type SecretResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Config holds the collector's settings.
type Config struct {
	Endpoint              string
	Database              string
	Bucket                string
	ExperimentMeasurement string
	OrphanMeasurement     string
	Lookback              time.Duration
	OwnerID               string
	OwnerSecret           string
	TemplateID            string
	OwnerTeam             string
	ValidityBatchSize     int
}

// Collector discovers and remediates leaked test sessions.
type Collector struct {
	cfg        Config
	queries    collector.QueryIssuer
	sessions   collector.SessionClient
	secrets    SecretResolver
	dispatcher *collector.Dispatcher
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithSecrets resolves the owner id when the config leaves it empty.
func WithSecrets(s SecretResolver) Option {
	return func(c *Collector) { c.secrets = s }
}

// WithMetrics records per-source failures in m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

// WithClock overrides the discovery clock.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// New creates a test-session collector.
func New(cfg Config, queries collector.QueryIssuer, sessions collector.SessionClient, dispatcher *collector.Dispatcher, logger *telemetry.Logger, opts ...Option) *Collector {
	if cfg.ValidityBatchSize <= 0 {
		cfg.ValidityBatchSize = DefaultValidityBatchSize
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 30 * 24 * time.Hour
	}
	if cfg.ExperimentMeasurement == "" {
		cfg.ExperimentMeasurement = "session_experiment_map"
	}
	if cfg.OrphanMeasurement == "" {
		cfg.OrphanMeasurement = "orphaned_sessions"
	}
	if logger == nil {
		logger = telemetry.Nop()
	}

	c := &Collector{
		cfg:        cfg,
		queries:    queries,
		sessions:   sessions,
		dispatcher: dispatcher,
		logger:     logger.Scope(Name),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the collector identifier.
func (c *Collector) Name() string { return Name }

type sourceResult struct {
	source    leak.Source
	resources []leak.Resource
	err       error
}

// DiscoverLeakedResources queries all three sources concurrently and merges
// them. A failing source degrades to no records from that source; an error
// is returned only when every source failed.
func (c *Collector) DiscoverLeakedResources(ctx context.Context) (leak.Resources, error) {
	ctx, span := tracer.Start(ctx, "session.discover")
	defer span.End()

	if ctx.Err() != nil {
		c.logger.WithContext(ctx).Warn().Msg("context cancelled, skipping session discovery")
		return leak.Resources{}, nil
	}

	now := c.now().UTC()
	mapped := sourceResult{source: leak.SourceExperimentTelemetry}
	orphaned := sourceResult{source: leak.SourceOrphanTelemetry}
	live := sourceResult{source: leak.SourceSessionService}

	var g errgroup.Group
	g.Go(func() error {
		mapped.resources, mapped.err = c.experimentSessions(ctx, now)
		return nil
	})
	g.Go(func() error {
		orphaned.resources, orphaned.err = c.orphanedSessions(ctx, now)
		return nil
	})
	g.Go(func() error {
		live.resources, live.err = c.liveSessions(ctx, now)
		return nil
	})
	_ = g.Wait()

	var errs []error
	for _, src := range []sourceResult{mapped, orphaned, live} {
		if src.err == nil {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", src.source, src.err))
		c.logger.LogSourceError(ctx, string(src.source), src.err)
		c.metrics.RecordSourceError(ctx, Name, string(src.source))
	}

	resources := merge(orphaned.resources, live.resources, mapped.resources, now)

	span.SetAttributes(
		attribute.Int("leaks.experiment", len(mapped.resources)),
		attribute.Int("leaks.orphaned", len(orphaned.resources)),
		attribute.Int("leaks.live", len(live.resources)),
		attribute.Int("leaks.merged", len(resources)),
	)
	for _, r := range resources.Sorted() {
		telemetry.RecordLeakDiscoveredEvent(span, Name, r)
	}

	if len(errs) == 3 {
		return resources, errors.Join(errs...)
	}
	return resources, nil
}

func (c *Collector) experimentSessions(ctx context.Context, now time.Time) ([]leak.Resource, error) {
	query := experimentQuery(c.cfg.Bucket, c.cfg.ExperimentMeasurement, c.cfg.Lookback, now.Add(-leak.StalenessThreshold))
	rows, err := c.queries.Issue(ctx, c.cfg.Endpoint, c.cfg.Database, query)
	if err != nil {
		return nil, err
	}
	return experimentRows(rows, now), nil
}

func (c *Collector) orphanedSessions(ctx context.Context, now time.Time) ([]leak.Resource, error) {
	query := orphanQuery(c.cfg.Bucket, c.cfg.OrphanMeasurement, c.cfg.Lookback, now.Add(-leak.StalenessThreshold))
	rows, err := c.queries.Issue(ctx, c.cfg.Endpoint, c.cfg.Database, query)
	if err != nil {
		return nil, err
	}
	return orphanRows(rows, now), nil
}

// liveSessions lists the owner's sessions and keeps the stale ones the
// service confirms still exist. Sessions still being created are never sent
// to the liveness check.
func (c *Collector) liveSessions(ctx context.Context, now time.Time) ([]leak.Resource, error) {
	owner, err := c.ownerID(ctx)
	if err != nil {
		return nil, err
	}

	sessions, err := c.sessions.GetSessionsByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", owner, err)
	}

	candidates := make(map[string]collector.Session, len(sessions))
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if s.ID == "" || s.Status == collector.SessionCreating {
			continue
		}
		if !leak.IsStale(s.CreatedTime, now) {
			continue
		}
		if _, dup := candidates[s.ID]; dup {
			continue
		}
		candidates[s.ID] = s
		ids = append(ids, s.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	valid, err := c.checkValidity(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]leak.Resource, 0, len(valid))
	for _, id := range ids {
		if !valid[id] {
			continue
		}
		s := candidates[id]
		created := s.CreatedTime.UTC()
		out = append(out, leak.Resource{
			ID:            id,
			Type:          leak.TypeTestSession,
			CreatedTime:   created,
			DaysLeaked:    leak.DaysLeaked(created, now),
			TestSessionID: id,
			NodeID:        s.NodeID,
			ClusterName:   s.Cluster,
			Owner:         owner,
			Impact:        leak.ImpactNone,
			Source:        leak.SourceSessionService,
		})
	}
	return out, nil
}

// checkValidity asks the service about ids in batches. A failed batch
// leaves its ids unconfirmed; it is an error only if every batch failed.
func (c *Collector) checkValidity(ctx context.Context, ids []string) (map[string]bool, error) {
	valid := make(map[string]bool, len(ids))
	var errs []error
	batches := 0

	for start := 0; start < len(ids); start += c.cfg.ValidityBatchSize {
		if ctx.Err() != nil {
			break
		}
		end := min(start+c.cfg.ValidityBatchSize, len(ids))
		batches++

		res, err := c.sessions.AreSessionsStillValid(ctx, ids[start:end])
		if err != nil {
			errs = append(errs, err)
			c.logger.WithContext(ctx).Warn().
				Err(err).
				Int("batch_start", start).
				Int("batch_size", end-start).
				Msg("session validity batch failed")
			continue
		}
		for id, ok := range res {
			if ok {
				valid[id] = true
			}
		}
	}

	if batches > 0 && len(errs) == batches {
		return nil, fmt.Errorf("check session validity: %w", errors.Join(errs...))
	}
	return valid, nil
}

func (c *Collector) ownerID(ctx context.Context) (string, error) {
	if c.cfg.OwnerID != "" {
		return c.cfg.OwnerID, nil
	}
	if c.secrets == nil || c.cfg.OwnerSecret == "" {
		return "", ErrNoOwner
	}
	owner, err := c.secrets.Resolve(ctx, c.cfg.OwnerSecret)
	if err != nil {
		return "", fmt.Errorf("resolve owner id: %w", err)
	}
	if owner == "" {
		return "", ErrNoOwner
	}
	return owner, nil
}

// CleanupLeakedResources launches the session cleanup experiment for every
// eligible session.
func (c *Collector) CleanupLeakedResources(ctx context.Context, resources leak.Resources) (map[string]string, error) {
	if len(resources) == 0 {
		return nil, collector.ErrNoResources
	}

	ctx, span := tracer.Start(ctx, "session.cleanup", trace.WithAttributes(
		attribute.Int("resources.count", len(resources)),
	))
	defer span.End()

	return c.dispatcher.Dispatch(ctx, collector.NewPass(), resources, collector.DispatchSpec{
		TemplateID: c.cfg.TemplateID,
		OwnerTeam:  c.cfg.OwnerTeam,
		Parameters: Parameters,
	})
}

// Parameters builds the override payload for a session cleanup launch.
// Empty correlation fields are omitted.
func Parameters(r leak.Resource) map[string]string {
	params := make(map[string]string, 4)
	set := func(key, value string) {
		if value != "" {
			params[key] = value
		}
	}
	sessionID := r.TestSessionID
	if sessionID == "" {
		sessionID = r.ID
	}
	set("testSessionId", sessionID)
	set("nodeId", r.NodeID)
	set("clusterName", r.ClusterName)
	set("experimentId", r.ExperimentID)
	return params
}
