// Package resourcegroup collects leaked cloud resource groups across
// subscriptions.
package resourcegroup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/reclaim/internal/collector"
	"github.com/yairfalse/reclaim/internal/filter"
	"github.com/yairfalse/reclaim/pkg/leak"
	"github.com/yairfalse/reclaim/telemetry"
)

// Name is the collector's telemetry scope.
const Name = "resource-group"

// DefaultMaxConcurrency bounds concurrent subscription enumerations.
const DefaultMaxConcurrency = 8

var tracer = otel.Tracer("github.com/yairfalse/reclaim/internal/collector/resourcegroup")

// Config holds the collector's settings.
type Config struct {
	TemplateID     string
	OwnerTeam      string
	MaxConcurrency int
}

// Collector discovers and remediates leaked resource groups.
type Collector struct {
	cfg         Config
	enumerators []collector.ResourceGroupEnumerator
	dispatcher  *collector.Dispatcher
	filter      *filter.Filter
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithFilter drops excluded subscriptions and tagged groups.
func WithFilter(f *filter.Filter) Option {
	return func(c *Collector) { c.filter = f }
}

// WithMetrics records per-subscription failures in m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

// WithClock overrides the discovery clock.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// New creates a resource-group collector over one enumerator per subscription.
func New(cfg Config, enumerators []collector.ResourceGroupEnumerator, dispatcher *collector.Dispatcher, logger *telemetry.Logger, opts ...Option) *Collector {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if logger == nil {
		logger = telemetry.Nop()
	}

	c := &Collector{
		cfg:         cfg,
		enumerators: enumerators,
		dispatcher:  dispatcher,
		logger:      logger.Scope(Name),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the collector identifier.
func (c *Collector) Name() string { return Name }

// DiscoverLeakedResources enumerates every subscription concurrently and
// returns the stale groups. Failing subscriptions are logged and skipped;
// an error is returned only when all of them failed.
func (c *Collector) DiscoverLeakedResources(ctx context.Context) (leak.Resources, error) {
	ctx, span := tracer.Start(ctx, "resourcegroup.discover")
	defer span.End()

	if ctx.Err() != nil {
		c.logger.WithContext(ctx).Warn().Msg("context cancelled, skipping resource group discovery")
		return leak.Resources{}, nil
	}

	enumerators := make([]collector.ResourceGroupEnumerator, 0, len(c.enumerators))
	for _, e := range c.enumerators {
		if c.filter.ShouldScanSubscription(e.SubscriptionID()) {
			enumerators = append(enumerators, e)
		}
	}

	groups := make([][]collector.ResourceGroup, len(enumerators))
	errs := make([]error, len(enumerators))

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.MaxConcurrency)
	for i, e := range enumerators {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			rgs, err := e.GetAllResourceGroups(ctx)
			if err != nil {
				errs[i] = fmt.Errorf("subscription %s: %w", e.SubscriptionID(), err)
				c.logger.LogSourceError(ctx, e.SubscriptionID(), err)
				c.metrics.RecordSourceError(ctx, Name, string(leak.SourceResourceManager))
				return nil
			}
			groups[i] = rgs
			return nil
		})
	}
	_ = g.Wait()

	now := c.now().UTC()
	resources := c.classify(groups, now)

	span.SetAttributes(
		attribute.Int("subscriptions.count", len(enumerators)),
		attribute.Int("leaks.count", len(resources)),
	)
	for _, r := range resources.Sorted() {
		telemetry.RecordLeakDiscoveredEvent(span, Name, r)
	}

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if len(enumerators) > 0 && failed == len(enumerators) {
		return resources, errors.Join(errs...)
	}
	return resources, nil
}

// classify keeps stale, unexpired, unexcluded groups and keys them by name,
// falling back to name-subscription for every group whose name occurs in
// more than one enumerated subscription. Collisions are counted over all
// enumerated groups so a key does not change with the freshness of its
// same-named siblings.
func (c *Collector) classify(groups [][]collector.ResourceGroup, now time.Time) leak.Resources {
	var kept []collector.ResourceGroup
	subsByName := make(map[string]map[string]bool)
	for _, batch := range groups {
		for _, rg := range batch {
			if subsByName[rg.Name] == nil {
				subsByName[rg.Name] = make(map[string]bool)
			}
			subsByName[rg.Name][rg.SubscriptionID] = true

			if !c.keep(rg, now) {
				continue
			}
			kept = append(kept, rg)
		}
	}

	out := make(leak.Resources, len(kept))
	for _, rg := range kept {
		key := rg.Name
		if len(subsByName[rg.Name]) > 1 {
			key = rg.Name + "-" + rg.SubscriptionID
		}
		created := rg.CreatedDate.UTC()
		out[key] = leak.Resource{
			ID:             key,
			Type:           leak.TypeCloudResourceGroup,
			Name:           rg.Name,
			CreatedTime:    created,
			DaysLeaked:     leak.DaysLeaked(created, now),
			SubscriptionID: rg.SubscriptionID,
			Impact:         leak.ImpactNone,
			Source:         leak.SourceResourceManager,
		}
	}
	return out
}

func (c *Collector) keep(rg collector.ResourceGroup, now time.Time) bool {
	if rg.Name == "" || rg.CreatedDate.IsZero() {
		return false
	}
	if !leak.IsStale(rg.CreatedDate, now) {
		return false
	}
	if !rg.ExpirationDate.IsZero() && rg.ExpirationDate.After(now) {
		return false
	}
	return c.filter.ShouldInclude(rg.Tags)
}

// CleanupLeakedResources launches the resource-group cleanup experiment for
// every eligible group. The template is fetched once for the whole pass.
func (c *Collector) CleanupLeakedResources(ctx context.Context, resources leak.Resources) (map[string]string, error) {
	if len(resources) == 0 {
		return nil, collector.ErrNoResources
	}

	ctx, span := tracer.Start(ctx, "resourcegroup.cleanup")
	defer span.End()
	span.SetAttributes(attribute.Int("resources.count", len(resources)))

	return c.dispatcher.Dispatch(ctx, collector.NewPass(), resources, collector.DispatchSpec{
		TemplateID: c.cfg.TemplateID,
		OwnerTeam:  c.cfg.OwnerTeam,
		Parameters: Parameters,
	})
}

// Parameters builds the override payload for a resource-group cleanup launch.
func Parameters(r leak.Resource) map[string]string {
	name := r.Name
	if name == "" {
		name = r.ID
	}
	return map[string]string{
		"resourceGroupName": name,
		"subscriptionId":    r.SubscriptionID,
	}
}
