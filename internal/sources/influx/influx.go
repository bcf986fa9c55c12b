// Package influx issues Flux queries against InfluxDB endpoints.
package influx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"

	"github.com/yairfalse/reclaim/internal/collector"
	"github.com/yairfalse/reclaim/internal/retry"
	"github.com/yairfalse/reclaim/telemetry"
)

// Default retry and timeout settings.
const (
	DefaultMaxAttempts    = 5
	DefaultAttemptTimeout = 30 * time.Second
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
)

// ErrAttemptTimeout marks a single query attempt that hit its own deadline.
var ErrAttemptTimeout = errors.New("query attempt timed out")

// Backend runs one query against one endpoint.
type Backend interface {
	Query(ctx context.Context, org, query string) ([]collector.Row, error)
	Close()
}

// Dialer creates the backend for an endpoint.
type Dialer func(endpoint string) Backend

// Issuer implements collector.QueryIssuer. Clients are created once per
// endpoint and reused.
type Issuer struct {
	mu       sync.Mutex
	backends map[string]Backend
	dial     Dialer
	policy   retry.Policy
	timeout  time.Duration
	logger   *telemetry.Logger
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithDialer replaces the InfluxDB client factory.
func WithDialer(d Dialer) Option {
	return func(i *Issuer) { i.dial = d }
}

// WithPolicy replaces the retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(i *Issuer) { i.policy = p }
}

// WithAttemptTimeout bounds each individual attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(i *Issuer) { i.timeout = d }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *telemetry.Logger) Option {
	return func(i *Issuer) { i.logger = l }
}

// NewIssuer creates an issuer authenticating with token.
func NewIssuer(token string, opts ...Option) *Issuer {
	i := &Issuer{
		backends: make(map[string]Backend),
		dial: func(endpoint string) Backend {
			return &clientBackend{client: influxdb2.NewClient(endpoint, token)}
		},
		policy:  retry.Exponential(DefaultMaxAttempts, DefaultInitialBackoff, DefaultMaxBackoff, IsTransient),
		timeout: DefaultAttemptTimeout,
		logger:  telemetry.Nop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue runs query against endpoint, retrying transient failures. A context
// that is already cancelled skips the query and yields no rows.
func (i *Issuer) Issue(ctx context.Context, endpoint, database, query string) ([]collector.Row, error) {
	if ctx.Err() != nil {
		i.logger.WithContext(ctx).Debug().Str("endpoint", endpoint).Msg("context cancelled, query skipped")
		return nil, nil
	}

	backend := i.backend(endpoint)
	attempt := 0
	rows, err := retry.Do(ctx, i.policy, func(ctx context.Context) ([]collector.Row, error) {
		attempt++
		rows, err := i.attempt(ctx, backend, database, query)
		if err != nil {
			i.logger.WithContext(ctx).Debug().
				Err(err).
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Bool("transient", IsTransient(err)).
				Msg("query attempt failed")
		}
		return rows, err
	})
	if err != nil {
		return nil, fmt.Errorf("query %s/%s after %d attempts: %w", endpoint, database, attempt, err)
	}
	return rows, nil
}

func (i *Issuer) attempt(ctx context.Context, backend Backend, database, query string) ([]collector.Row, error) {
	if i.timeout <= 0 {
		return backend.Query(ctx, database, query)
	}

	actx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	rows, err := backend.Query(actx, database, query)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %w", ErrAttemptTimeout, err)
	}
	return rows, err
}

func (i *Issuer) backend(endpoint string) Backend {
	i.mu.Lock()
	defer i.mu.Unlock()

	if b, ok := i.backends[endpoint]; ok {
		return b
	}
	b := i.dial(endpoint)
	i.backends[endpoint] = b
	return b
}

// Close releases every cached client.
func (i *Issuer) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()

	for endpoint, b := range i.backends {
		b.Close()
		delete(i.backends, endpoint)
	}
}

// IsTransient reports whether a query error is worth retrying: timeouts and
// HTTP 408, 500 and 504.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAttemptTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var herr *influxhttp.Error
	if errors.As(err, &herr) {
		switch herr.StatusCode {
		case http.StatusRequestTimeout, http.StatusInternalServerError, http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// clientBackend is the InfluxDB v2 client backend.
type clientBackend struct {
	client influxdb2.Client
}

func (b *clientBackend) Query(ctx context.Context, org, query string) ([]collector.Row, error) {
	result, err := b.client.QueryAPI(org).Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = result.Close() }()

	var rows []collector.Row
	for result.Next() {
		record := result.Record()
		row := make(collector.Row, len(record.Values()))
		for k, v := range record.Values() {
			if k == "result" || k == "table" {
				continue
			}
			row[k] = v
		}
		if t := record.Time(); !t.IsZero() {
			row["_time"] = t
		}
		rows = append(rows, row)
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("read query result: %w", result.Err())
	}
	return rows, nil
}

func (b *clientBackend) Close() {
	b.client.Close()
}
