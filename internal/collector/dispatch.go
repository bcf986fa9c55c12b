package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/reclaim/pkg/leak"
	"github.com/yairfalse/reclaim/telemetry"
	"github.com/yairfalse/reclaim/wal"
)

// ErrRemediationRejected is returned when the remediation service answers
// a launch request without success.
var ErrRemediationRejected = errors.New("remediation launch rejected")

// ErrInvalidDispatchSpec is returned when a DispatchSpec cannot build overrides.
var ErrInvalidDispatchSpec = errors.New("dispatch spec has no parameter builder")

// Journal records dispatch attempts. Satisfied by *wal.WAL.
type Journal interface {
	Append(entryType wal.EntryType, resourceID string, data interface{}) error
	AppendError(entryType wal.EntryType, resourceID string, data interface{}, errToLog error) error
}

// DispatchSpec describes how one collector remediates its resources.
type DispatchSpec struct {
	TemplateID string
	OwnerTeam  string
	// Parameters builds the flat override payload for one resource.
	Parameters func(leak.Resource) map[string]string
}

// Pass is the state of a single cleanup pass. It holds the remediation
// template once fetched so later resources in the same pass reuse it.
// A Pass is used by one goroutine and must not outlive its cleanup call.
type Pass struct {
	template *Template
}

// NewPass starts a cleanup pass with nothing cached.
func NewPass() *Pass {
	return &Pass{}
}

// Template returns the pass's template, fetching it on first use.
// Failed fetches are not cached.
func (p *Pass) Template(ctx context.Context, store TemplateStore, templateID, ownerTeam string) (*Template, error) {
	if p.template != nil {
		return p.template, nil
	}

	tmpl, err := store.GetTemplate(ctx, templateID, ownerTeam)
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", templateID, err)
	}
	if tmpl == nil {
		return nil, fmt.Errorf("get template %s: empty response", templateID)
	}

	p.template = tmpl
	return tmpl, nil
}

// DispatchRecord is what the journal stores for a dispatch attempt.
type DispatchRecord struct {
	ResourceType  leak.ResourceType `json:"resource_type"`
	TemplateID    string            `json:"template_id"`
	Overrides     map[string]string `json:"overrides,omitempty"`
	RemediationID string            `json:"remediation_id,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// Dispatcher launches one remediation per eligible resource, isolating
// failures so one resource never stops the rest.
type Dispatcher struct {
	remediation RemediationClient
	templates   TemplateStore
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	journal     Journal
	now         func() time.Time
	dryRun      bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithJournal records every dispatch attempt in j.
func WithJournal(j Journal) DispatcherOption {
	return func(d *Dispatcher) { d.journal = j }
}

// WithMetrics records remediation outcomes in m.
func WithMetrics(m *telemetry.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides the clock used for the staleness re-check.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithDryRun makes the dispatcher journal and log launches without issuing them.
func WithDryRun(dryRun bool) DispatcherOption {
	return func(d *Dispatcher) { d.dryRun = dryRun }
}

// NewDispatcher creates a dispatcher over the given remediation sink.
func NewDispatcher(remediation RemediationClient, templates TemplateStore, logger *telemetry.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		remediation: remediation,
		templates:   templates,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = telemetry.Nop()
	}
	return d
}

// Dispatch remediates every resource that is impact-free and still stale.
// The returned map holds resource ID -> remediation ID for successful launches.
func (d *Dispatcher) Dispatch(ctx context.Context, pass *Pass, resources leak.Resources, spec DispatchSpec) (map[string]string, error) {
	if len(resources) == 0 {
		return nil, ErrNoResources
	}
	if spec.Parameters == nil {
		return nil, ErrInvalidDispatchSpec
	}
	if pass == nil {
		pass = NewPass()
	}

	span := trace.SpanFromContext(ctx)
	results := make(map[string]string)

	for _, r := range resources.Sorted() {
		if ctx.Err() != nil {
			d.skip(ctx, r, spec, "cancelled")
			continue
		}

		if !r.EligibleForCleanup(d.now()) {
			d.skip(ctx, r, spec, ineligibleReason(r))
			continue
		}

		overrides, err := buildOverrides(spec, r)
		if err != nil {
			d.logger.LogRemediationFailure(ctx, r, err)
			d.metrics.RecordRemediation(ctx, string(r.Type), telemetry.StatusFailed)
			d.record(wal.EntryFailed, r, DispatchRecord{
				ResourceType: r.Type,
				TemplateID:   spec.TemplateID,
			}, err)
			telemetry.RecordRemediationEvent(span, r, telemetry.StatusFailed, "", err.Error())
			continue
		}

		if d.dryRun {
			d.record(wal.EntrySkipped, r, DispatchRecord{
				ResourceType: r.Type,
				TemplateID:   spec.TemplateID,
				Overrides:    overrides,
				Reason:       "dry run",
			}, nil)
			d.metrics.RecordRemediation(ctx, string(r.Type), telemetry.StatusDryRun)
			d.logger.WithContext(ctx).Info().
				Str("resource_id", r.ID).
				Interface("overrides", overrides).
				Msg("dry run: would launch remediation")
			continue
		}

		remediationID, err := d.launch(ctx, pass, r, spec, overrides)
		if err != nil {
			d.logger.LogRemediationFailure(ctx, r, err)
			d.metrics.RecordRemediation(ctx, string(r.Type), telemetry.StatusFailed)
			d.record(wal.EntryFailed, r, DispatchRecord{
				ResourceType: r.Type,
				TemplateID:   spec.TemplateID,
				Overrides:    overrides,
			}, err)
			telemetry.RecordRemediationEvent(span, r, telemetry.StatusFailed, "", err.Error())
			continue
		}

		results[r.ID] = remediationID
		d.metrics.RecordRemediation(ctx, string(r.Type), telemetry.StatusSuccess)
		d.record(wal.EntryDispatched, r, DispatchRecord{
			ResourceType:  r.Type,
			TemplateID:    spec.TemplateID,
			Overrides:     overrides,
			RemediationID: remediationID,
		}, nil)
		telemetry.RecordRemediationEvent(span, r, telemetry.StatusSuccess, remediationID, "")
	}

	return results, nil
}

func buildOverrides(spec DispatchSpec, r leak.Resource) (overrides map[string]string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("build overrides panicked: %v", p)
		}
	}()
	return spec.Parameters(r), nil
}

func (d *Dispatcher) launch(ctx context.Context, pass *Pass, r leak.Resource, spec DispatchSpec, overrides map[string]string) (id string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("remediation panicked: %v", p)
		}
	}()

	tmpl, err := pass.Template(ctx, d.templates, spec.TemplateID, spec.OwnerTeam)
	if err != nil {
		return "", err
	}

	d.record(wal.EntryDispatching, r, DispatchRecord{
		ResourceType: r.Type,
		TemplateID:   tmpl.ID,
		Overrides:    overrides,
	}, nil)

	resp, err := d.remediation.LaunchFromTemplate(ctx, tmpl, overrides)
	if err != nil {
		return "", fmt.Errorf("launch remediation for %s: %w", r.ID, err)
	}
	if resp == nil {
		return "", fmt.Errorf("%w: empty response", ErrRemediationRejected)
	}
	if !resp.Success {
		return "", fmt.Errorf("%w: %s", ErrRemediationRejected, resp.Message)
	}
	return resp.LaunchedID, nil
}

func (d *Dispatcher) skip(ctx context.Context, r leak.Resource, spec DispatchSpec, reason string) {
	d.metrics.RecordRemediation(ctx, string(r.Type), telemetry.StatusSkipped)
	d.record(wal.EntrySkipped, r, DispatchRecord{
		ResourceType: r.Type,
		TemplateID:   spec.TemplateID,
		Reason:       reason,
	}, nil)
	d.logger.Debug().
		Str("resource_id", r.ID).
		Str("reason", reason).
		Msg("remediation skipped")
}

func (d *Dispatcher) record(entryType wal.EntryType, r leak.Resource, rec DispatchRecord, cause error) {
	if d.journal == nil {
		return
	}

	var err error
	if cause != nil {
		err = d.journal.AppendError(entryType, r.ID, rec, cause)
	} else {
		err = d.journal.Append(entryType, r.ID, rec)
	}
	if err != nil {
		d.logger.Warn().Err(err).Str("resource_id", r.ID).Msg("journal append failed")
	}
}

func ineligibleReason(r leak.Resource) string {
	if r.Impact != leak.ImpactNone {
		return "impactful"
	}
	return "not stale"
}
