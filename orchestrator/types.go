package orchestrator

import (
	"errors"
	"time"

	"github.com/yairfalse/reclaim/internal/collector"
	"github.com/yairfalse/reclaim/internal/collector/resourcegroup"
	"github.com/yairfalse/reclaim/internal/collector/session"
	"github.com/yairfalse/reclaim/internal/filter"
	"github.com/yairfalse/reclaim/internal/secrets"
	"github.com/yairfalse/reclaim/pkg/leak"
	"github.com/yairfalse/reclaim/storage"
	"github.com/yairfalse/reclaim/telemetry"
)

// Dependencies are the external collaborators every cycle needs.
// All of them are required.
type Dependencies struct {
	Sessions    collector.SessionClient
	Enumerators []collector.ResourceGroupEnumerator
	Queries     collector.QueryIssuer
	Remediation collector.RemediationClient
	Templates   collector.TemplateStore
	Secrets     secrets.Resolver
	Logger      *telemetry.Logger
}

// Config selects and configures the default collectors.
type Config struct {
	Session       session.Config
	ResourceGroup resourcegroup.Config
	Filter        *filter.Filter

	// Collectors names the enabled collectors; empty enables all of them.
	Collectors []string
	DryRun     bool
}

// Recorder persists cycle summaries. Satisfied by *storage.History.
type Recorder interface {
	RecordCycle(rec storage.CycleRecord) (int64, error)
}

// PassResult is one collector's outcome within a cycle.
type PassResult struct {
	Collector     string            `json:"collector"`
	Discovered    leak.Resources    `json:"discovered"`
	Remediated    map[string]string `json:"remediated,omitempty"`
	DiscoverError error             `json:"-"`
	CleanupError  error             `json:"-"`
	Duration      time.Duration     `json:"duration"`
}

// Err returns the pass's combined failure, nil when the pass succeeded.
func (p PassResult) Err() error {
	return errors.Join(p.DiscoverError, p.CleanupError)
}

// CycleResult contains the results of a GC cycle
type CycleResult struct {
	ID        string        `json:"id"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Passes    []PassResult  `json:"passes"`
	Success   bool          `json:"success"`
}

// Discovered returns the total number of leaks found across passes.
func (r *CycleResult) Discovered() int {
	n := 0
	for _, p := range r.Passes {
		n += len(p.Discovered)
	}
	return n
}

// Remediated returns the total number of remediations launched across passes.
func (r *CycleResult) Remediated() int {
	n := 0
	for _, p := range r.Passes {
		n += len(p.Remediated)
	}
	return n
}

// Record converts the result into its persisted form.
func (r *CycleResult) Record() storage.CycleRecord {
	rec := storage.CycleRecord{
		ID:         r.ID,
		StartedAt:  r.StartTime,
		FinishedAt: r.EndTime,
		Success:    r.Success,
		Passes:     make([]storage.PassRecord, 0, len(r.Passes)),
	}
	for _, p := range r.Passes {
		pr := storage.PassRecord{
			Collector:  p.Collector,
			Discovered: p.Discovered,
			Remediated: p.Remediated,
			Duration:   p.Duration,
		}
		if p.DiscoverError != nil {
			pr.DiscoverError = p.DiscoverError.Error()
		}
		if p.CleanupError != nil {
			pr.CleanupError = p.CleanupError.Error()
		}
		rec.Passes = append(rec.Passes, pr)
	}
	return rec
}
