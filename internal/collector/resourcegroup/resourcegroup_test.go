package resourcegroup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/reclaim/internal/collector"
	"github.com/yairfalse/reclaim/internal/filter"
	"github.com/yairfalse/reclaim/pkg/leak"
	"github.com/yairfalse/reclaim/telemetry"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// mockEnumerator implements collector.ResourceGroupEnumerator for testing.
type mockEnumerator struct {
	sub    string
	groups []collector.ResourceGroup
	err    error
	calls  atomic.Int32
}

func (m *mockEnumerator) SubscriptionID() string { return m.sub }

func (m *mockEnumerator) GetAllResourceGroups(_ context.Context) ([]collector.ResourceGroup, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return m.groups, nil
}

func group(sub, name string, ageDays int) collector.ResourceGroup {
	return collector.ResourceGroup{
		Name:           name,
		ID:             "/subscriptions/" + sub + "/resourceGroups/" + name,
		SubscriptionID: sub,
		CreatedDate:    testNow.AddDate(0, 0, -ageDays),
	}
}

func newTestCollector(enums []collector.ResourceGroupEnumerator, opts ...Option) *Collector {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(Config{TemplateID: "tmpl-rg", OwnerTeam: "fleet"}, enums, nil, telemetry.Nop(), opts...)
}

func TestDiscover_OnlyStaleGroups(t *testing.T) {
	enum := &mockEnumerator{sub: "sub-1", groups: []collector.ResourceGroup{
		group("sub-1", "rg-5", 5),
		group("sub-1", "rg-10", 10),
		group("sub-1", "rg-15", 15),
		group("sub-1", "rg-future-1", -1),
		group("sub-1", "rg-future-2", -2),
	}}

	c := newTestCollector([]collector.ResourceGroupEnumerator{enum})
	got, err := c.DiscoverLeakedResources(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"rg-10", "rg-15", "rg-5"}, got.IDs())
	for _, r := range got {
		assert.Equal(t, leak.ImpactNone, r.Impact)
		assert.Equal(t, leak.TypeCloudResourceGroup, r.Type)
		assert.Equal(t, leak.SourceResourceManager, r.Source)
	}
	assert.Equal(t, 10, got["rg-10"].DaysLeaked)
}

func TestDiscover_DiscardsUnknownCreationAndFutureExpiry(t *testing.T) {
	noDate := group("sub-1", "rg-nodate", 0)
	noDate.CreatedDate = time.Time{}

	reserved := group("sub-1", "rg-reserved", 10)
	reserved.ExpirationDate = testNow.Add(48 * time.Hour)

	expired := group("sub-1", "rg-expired", 10)
	expired.ExpirationDate = testNow.Add(-48 * time.Hour)

	enum := &mockEnumerator{sub: "sub-1", groups: []collector.ResourceGroup{noDate, reserved, expired}}
	c := newTestCollector([]collector.ResourceGroupEnumerator{enum})

	got, err := c.DiscoverLeakedResources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"rg-expired"}, got.IDs())
}

func TestDiscover_NameCollisionsDisambiguated(t *testing.T) {
	a := &mockEnumerator{sub: "sub-a", groups: []collector.ResourceGroup{
		group("sub-a", "shared", 5),
		group("sub-a", "only-a", 5),
	}}
	b := &mockEnumerator{sub: "sub-b", groups: []collector.ResourceGroup{
		group("sub-b", "shared", 7),
	}}

	c := newTestCollector([]collector.ResourceGroupEnumerator{a, b})
	got, err := c.DiscoverLeakedResources(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"only-a", "shared-sub-a", "shared-sub-b"}, got.IDs())
	assert.Equal(t, "shared", got["shared-sub-b"].Name)
	assert.Equal(t, "sub-b", got["shared-sub-b"].SubscriptionID)
	assert.Equal(t, 7, got["shared-sub-b"].DaysLeaked)
}

func TestDiscover_KeyStableWhenSiblingIsFresh(t *testing.T) {
	a := &mockEnumerator{sub: "sub-a", groups: []collector.ResourceGroup{
		group("sub-a", "shared", 5),
	}}
	b := &mockEnumerator{sub: "sub-b", groups: []collector.ResourceGroup{
		group("sub-b", "shared", 0),
	}}

	c := newTestCollector([]collector.ResourceGroupEnumerator{a, b})
	got, err := c.DiscoverLeakedResources(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"shared-sub-a"}, got.IDs())
	assert.Equal(t, "shared", got["shared-sub-a"].Name)
}

func TestDiscover_FailingSubscriptionSkipped(t *testing.T) {
	ok := &mockEnumerator{sub: "sub-ok", groups: []collector.ResourceGroup{group("sub-ok", "rg-1", 3)}}
	bad := &mockEnumerator{sub: "sub-bad", err: errors.New("authorization failed")}

	c := newTestCollector([]collector.ResourceGroupEnumerator{bad, ok})
	got, err := c.DiscoverLeakedResources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"rg-1"}, got.IDs())
}

func TestDiscover_AllSubscriptionsFail(t *testing.T) {
	a := &mockEnumerator{sub: "sub-a", err: errors.New("a down")}
	b := &mockEnumerator{sub: "sub-b", err: errors.New("b down")}

	c := newTestCollector([]collector.ResourceGroupEnumerator{a, b})
	got, err := c.DiscoverLeakedResources(context.Background())
	require.Error(t, err)
	assert.Empty(t, got)
	assert.ErrorContains(t, err, "sub-b")
}

func TestDiscover_FilterApplied(t *testing.T) {
	kept := group("sub-lab", "rg-kept", 5)
	pinned := group("sub-lab", "rg-pinned", 5)
	pinned.Tags = map[string]string{"keep": "true"}

	lab := &mockEnumerator{sub: "sub-lab", groups: []collector.ResourceGroup{kept, pinned}}
	prod := &mockEnumerator{sub: "sub-prod", groups: []collector.ResourceGroup{group("sub-prod", "rg-prod", 5)}}

	f := filter.New([]string{"sub-prod"}, nil, map[string]string{"keep": "true"})
	c := newTestCollector([]collector.ResourceGroupEnumerator{lab, prod}, WithFilter(f))

	got, err := c.DiscoverLeakedResources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"rg-kept"}, got.IDs())
	assert.Zero(t, prod.calls.Load(), "excluded subscription is never enumerated")
}

func TestDiscover_ConcurrencyBounded(t *testing.T) {
	var inFlight, peak atomic.Int32
	enums := make([]collector.ResourceGroupEnumerator, 0, 6)
	for i := 0; i < 6; i++ {
		enums = append(enums, &slowEnumerator{inFlight: &inFlight, peak: &peak})
	}

	c := New(Config{MaxConcurrency: 2}, enums, nil, telemetry.Nop(), WithClock(func() time.Time { return testNow }))
	_, err := c.DiscoverLeakedResources(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

type slowEnumerator struct {
	inFlight *atomic.Int32
	peak     *atomic.Int32
}

func (s *slowEnumerator) SubscriptionID() string { return "sub" }

func (s *slowEnumerator) GetAllResourceGroups(_ context.Context) ([]collector.ResourceGroup, error) {
	n := s.inFlight.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	s.inFlight.Add(-1)
	return nil, nil
}

func TestDiscover_CancelledContext(t *testing.T) {
	enum := &mockEnumerator{sub: "sub-1", groups: []collector.ResourceGroup{group("sub-1", "rg", 5)}}
	c := newTestCollector([]collector.ResourceGroupEnumerator{enum})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := c.DiscoverLeakedResources(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, enum.calls.Load())
}

// fakeLauncher implements collector.RemediationClient and collector.TemplateStore.
type fakeLauncher struct {
	templateCalls int
	overrides     []map[string]string
	failFor       string
}

func (f *fakeLauncher) GetTemplate(_ context.Context, id, team string) (*collector.Template, error) {
	f.templateCalls++
	return &collector.Template{ID: id, OwnerTeam: team}, nil
}

func (f *fakeLauncher) LaunchFromTemplate(_ context.Context, _ *collector.Template, o map[string]string) (*collector.LaunchResponse, error) {
	f.overrides = append(f.overrides, o)
	if o["resourceGroupName"] == f.failFor {
		return nil, errors.New("launch failed")
	}
	return &collector.LaunchResponse{Success: true, LaunchedID: "exp-" + o["resourceGroupName"]}, nil
}

func TestCleanup_FetchesTemplateOnceAndIsolatesFailures(t *testing.T) {
	launcher := &fakeLauncher{failFor: "rg-a"}
	d := collector.NewDispatcher(launcher, launcher, telemetry.Nop(),
		collector.WithClock(func() time.Time { return testNow }))
	c := New(Config{TemplateID: "tmpl-rg", OwnerTeam: "fleet"}, nil, d, telemetry.Nop())

	resources := leak.Resources{}
	for _, name := range []string{"rg-a", "rg-b", "rg-c"} {
		resources[name] = leak.Resource{
			ID: name, Name: name, Type: leak.TypeCloudResourceGroup,
			SubscriptionID: "sub-1", CreatedTime: testNow.AddDate(0, 0, -5), Impact: leak.ImpactNone,
		}
	}

	results, err := c.CleanupLeakedResources(context.Background(), resources)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"rg-b": "exp-rg-b", "rg-c": "exp-rg-c"}, results)
	assert.Equal(t, 1, launcher.templateCalls)
	assert.Len(t, launcher.overrides, 3)
	assert.Equal(t, "sub-1", launcher.overrides[0]["subscriptionId"])
}

func TestCleanup_EmptyInputRejected(t *testing.T) {
	c := New(Config{}, nil, nil, telemetry.Nop())
	_, err := c.CleanupLeakedResources(context.Background(), leak.Resources{})
	assert.ErrorIs(t, err, collector.ErrNoResources)
}

func TestParameters_UsesNameNotKey(t *testing.T) {
	params := Parameters(leak.Resource{ID: "shared-sub-a", Name: "shared", SubscriptionID: "sub-a"})
	assert.Equal(t, map[string]string{"resourceGroupName": "shared", "subscriptionId": "sub-a"}, params)
}
