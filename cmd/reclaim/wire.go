package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/reclaim/internal/collector"
	"github.com/yairfalse/reclaim/internal/collector/resourcegroup"
	"github.com/yairfalse/reclaim/internal/collector/session"
	"github.com/yairfalse/reclaim/internal/config"
	"github.com/yairfalse/reclaim/internal/filter"
	"github.com/yairfalse/reclaim/internal/retry"
	"github.com/yairfalse/reclaim/internal/secrets"
	"github.com/yairfalse/reclaim/internal/sources/azure"
	"github.com/yairfalse/reclaim/internal/sources/experiments"
	"github.com/yairfalse/reclaim/internal/sources/fabric"
	"github.com/yairfalse/reclaim/internal/sources/influx"
	"github.com/yairfalse/reclaim/internal/sources/rest"
	itelemetry "github.com/yairfalse/reclaim/internal/telemetry"
	"github.com/yairfalse/reclaim/orchestrator"
	"github.com/yairfalse/reclaim/storage"
	"github.com/yairfalse/reclaim/telemetry"
	"github.com/yairfalse/reclaim/wal"
)

// app holds everything a running reclaim process owns.
type app struct {
	orchestrator *orchestrator.Orchestrator
	provider     *itelemetry.Provider
	issuer       *influx.Issuer
	history      *storage.History
	journal      *wal.WAL
	logger       *telemetry.Logger
}

// buildApp wires the configured sources, stores and collectors.
func buildApp(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.provider, err = itelemetry.NewProvider(ctx, cfg.OTEL, version)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetricsWithMeter(a.provider.Meter())
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	resolver, err := secrets.New(ctx, secrets.Config{
		Backend:   cfg.Secrets.Backend,
		EnvPrefix: cfg.Secrets.EnvPrefix,
		Region:    cfg.Secrets.Region,
	})
	if err != nil {
		return nil, err
	}

	deps, err := a.sources(ctx, cfg, resolver)
	if err != nil {
		return nil, err
	}
	deps.Secrets = resolver
	deps.Logger = logger

	opts := []orchestrator.Option{orchestrator.WithMetrics(metrics)}
	if err := a.openStores(cfg); err != nil {
		return nil, err
	}
	if a.history != nil {
		opts = append(opts, orchestrator.WithRecorder(a.history))
	}
	if a.journal != nil {
		opts = append(opts, orchestrator.WithJournal(a.journal))
	}

	a.orchestrator, err = orchestrator.New(deps, orchestrator.Config{
		Session: session.Config{
			Endpoint:              cfg.TimeSeries.Endpoint,
			Database:              cfg.TimeSeries.Database,
			Bucket:                cfg.TimeSeries.Bucket,
			ExperimentMeasurement: cfg.TimeSeries.ExperimentMeasurement,
			OrphanMeasurement:     cfg.TimeSeries.OrphanMeasurement,
			Lookback:              cfg.TimeSeries.Lookback,
			OwnerID:               cfg.Session.OwnerID,
			OwnerSecret:           cfg.Session.OwnerSecret,
			TemplateID:            cfg.Session.TemplateID,
			OwnerTeam:             cfg.Session.OwnerTeam,
			ValidityBatchSize:     cfg.Session.ValidityBatchSize,
		},
		ResourceGroup: resourcegroup.Config{
			TemplateID:     cfg.Azure.TemplateID,
			OwnerTeam:      cfg.Azure.OwnerTeam,
			MaxConcurrency: cfg.GC.MaxConcurrency,
		},
		Filter:     filter.New(cfg.Azure.ExcludeSubscriptions, cfg.Azure.IncludeTags, cfg.Azure.ExcludeTags),
		Collectors: cfg.GC.Collectors,
		DryRun:     cfg.GC.DryRun,
	}, opts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// sources builds the external clients. Service tokens are resolved once here.
func (a *app) sources(ctx context.Context, cfg *config.Config, resolver secrets.Resolver) (orchestrator.Dependencies, error) {
	var deps orchestrator.Dependencies

	sessionToken, err := secrets.ResolveOptional(ctx, resolver, cfg.Session.TokenSecret)
	if err != nil {
		return deps, fmt.Errorf("session token: %w", err)
	}
	deps.Sessions = fabric.New(cfg.Session.ServiceURL,
		rest.WithToken(sessionToken),
		rest.WithTimeout(cfg.Session.Timeout),
	)

	queryToken, err := secrets.ResolveOptional(ctx, resolver, cfg.TimeSeries.TokenSecret)
	if err != nil {
		return deps, fmt.Errorf("timeseries token: %w", err)
	}
	a.issuer = influx.NewIssuer(queryToken,
		influx.WithPolicy(retry.Exponential(cfg.TimeSeries.MaxAttempts, influx.DefaultInitialBackoff, influx.DefaultMaxBackoff, influx.IsTransient)),
		influx.WithAttemptTimeout(cfg.TimeSeries.AttemptTimeout),
		influx.WithLogger(a.logger.Scope("timeseries")),
	)
	deps.Queries = a.issuer

	remediationToken, err := secrets.ResolveOptional(ctx, resolver, cfg.Remediation.TokenSecret)
	if err != nil {
		return deps, fmt.Errorf("remediation token: %w", err)
	}
	client := experiments.New(cfg.Remediation.ServiceURL,
		rest.WithToken(remediationToken),
		rest.WithTimeout(cfg.Remediation.Timeout),
	)
	deps.Remediation = client
	deps.Templates = client
	if cfg.Remediation.TemplateDir != "" {
		deps.Templates = experiments.NewDirStore(cfg.Remediation.TemplateDir)
	}

	cred, err := azure.NewCredential(cfg.Azure.Credential, cfg.Azure.TenantID)
	if err != nil {
		return deps, err
	}
	for _, sub := range cfg.Azure.Subscriptions {
		e, err := azure.NewEnumerator(sub, cred, azure.WithTagNames(cfg.Azure.CreatedTag, cfg.Azure.ExpirationTag))
		if err != nil {
			return deps, err
		}
		deps.Enumerators = append(deps.Enumerators, collector.ResourceGroupEnumerator(e))
	}

	return deps, nil
}

// openStores opens the history store and journal when configured, applying
// retention first.
func (a *app) openStores(cfg *config.Config) error {
	if cfg.Storage.HistoryPath != "" {
		h, err := storage.OpenHistory(cfg.Storage.HistoryPath)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		a.history = h
		if err := h.Compact(cfg.Storage.HistoryRetention); err != nil {
			a.logger.Warn().Err(err).Msg("history compaction failed")
		}
	}

	if cfg.Storage.JournalDir != "" {
		stats, err := wal.Cleanup(cfg.Storage.JournalDir, cfg.Storage.JournalRetention, time.Now())
		if err != nil {
			a.logger.Warn().Err(err).Msg("journal cleanup failed")
		} else if stats.FilesRemoved > 0 {
			a.logger.Info().
				Int("files", stats.FilesRemoved).
				Int64("bytes", stats.BytesFreed).
				Msg("old journal files removed")
		}

		j, err := wal.Open(cfg.Storage.JournalDir)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		a.journal = j
	}
	return nil
}

// Close releases everything buildApp opened.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.issuer != nil {
		a.issuer.Close()
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.provider != nil {
		errs = append(errs, a.provider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
