package influx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/reclaim/internal/collector"
	"github.com/yairfalse/reclaim/internal/retry"
)

// fakeBackend implements Backend, failing with errs in order before succeeding.
type fakeBackend struct {
	mu      sync.Mutex
	errs    []error
	rows    []collector.Row
	calls   int
	closed  bool
	QueryFn func(ctx context.Context) ([]collector.Row, error)
}

func (f *fakeBackend) Query(ctx context.Context, _, _ string) ([]collector.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.QueryFn != nil {
		return f.QueryFn(ctx)
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return f.rows, nil
}

func (f *fakeBackend) Close() { f.closed = true }

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: DefaultMaxAttempts, Retryable: IsTransient}
}

func newTestIssuer(b *fakeBackend, opts ...Option) *Issuer {
	opts = append([]Option{
		WithDialer(func(string) Backend { return b }),
		WithPolicy(fastPolicy()),
	}, opts...)
	return NewIssuer("token", opts...)
}

func statusErr(code int) error {
	return &influxhttp.Error{StatusCode: code, Message: http.StatusText(code)}
}

func TestIssue_RetriesTransientFailures(t *testing.T) {
	b := &fakeBackend{
		errs: []error{statusErr(504), statusErr(500), statusErr(408)},
		rows: []collector.Row{{"session_id": "s1"}},
	}
	i := newTestIssuer(b)

	rows, err := i.Issue(context.Background(), "http://influx", "lab", "from(bucket: \"x\")")
	require.NoError(t, err)
	assert.Equal(t, []collector.Row{{"session_id": "s1"}}, rows)
	assert.Equal(t, 4, b.calls)
}

func TestIssue_GivesUpAfterFiveAttempts(t *testing.T) {
	b := &fakeBackend{}
	b.QueryFn = func(context.Context) ([]collector.Row, error) { return nil, statusErr(500) }
	i := newTestIssuer(b)

	_, err := i.Issue(context.Background(), "http://influx", "lab", "q")
	require.Error(t, err)
	assert.Equal(t, 5, b.calls)
	assert.ErrorContains(t, err, "after 5 attempts")
}

func TestIssue_NonTransientNotRetried(t *testing.T) {
	b := &fakeBackend{errs: []error{statusErr(400)}}
	i := newTestIssuer(b)

	_, err := i.Issue(context.Background(), "http://influx", "lab", "q")
	require.Error(t, err)
	assert.Equal(t, 1, b.calls)

	var herr *influxhttp.Error
	assert.ErrorAs(t, err, &herr)
}

func TestIssue_AttemptTimeoutIsRetried(t *testing.T) {
	b := &fakeBackend{}
	b.QueryFn = func(ctx context.Context) ([]collector.Row, error) {
		if b.calls == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []collector.Row{{"ok": true}}, nil
	}
	i := newTestIssuer(b, WithAttemptTimeout(10*time.Millisecond))

	rows, err := i.Issue(context.Background(), "http://influx", "lab", "q")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 2, b.calls)
}

func TestIssue_CancelledContextSkips(t *testing.T) {
	b := &fakeBackend{rows: []collector.Row{{"x": 1}}}
	i := newTestIssuer(b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rows, err := i.Issue(ctx, "http://influx", "lab", "q")
	require.NoError(t, err)
	assert.Nil(t, rows)
	assert.Zero(t, b.calls)
}

func TestIssue_BackendCachedPerEndpoint(t *testing.T) {
	dialed := map[string]int{}
	backends := map[string]*fakeBackend{}
	i := NewIssuer("token",
		WithPolicy(fastPolicy()),
		WithDialer(func(endpoint string) Backend {
			dialed[endpoint]++
			b := &fakeBackend{}
			backends[endpoint] = b
			return b
		}),
	)

	for n := 0; n < 3; n++ {
		_, err := i.Issue(context.Background(), "http://a", "lab", "q")
		require.NoError(t, err)
	}
	_, err := i.Issue(context.Background(), "http://b", "lab", "q")
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"http://a": 1, "http://b": 1}, dialed)

	i.Close()
	assert.True(t, backends["http://a"].closed)
	assert.True(t, backends["http://b"].closed)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"408", statusErr(408), true},
		{"500", statusErr(500), true},
		{"504", statusErr(504), true},
		{"wrapped 504", fmt.Errorf("query: %w", statusErr(504)), true},
		{"400", statusErr(400), false},
		{"401", statusErr(401), false},
		{"503", statusErr(503), false},
		{"deadline", context.DeadlineExceeded, true},
		{"attempt timeout", fmt.Errorf("%w: boom", ErrAttemptTimeout), true},
		{"net timeout", timeoutErr{}, true},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("bad flux"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
