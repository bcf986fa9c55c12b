package azure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listResponse = armresources.ResourceGroupsClientListResponse

// fakePager serves pages in order, optionally failing on one of them.
func fakePager(pages [][]*armresources.ResourceGroup, failOn int) PagerFunc {
	return func() *runtime.Pager[listResponse] {
		i := 0
		return runtime.NewPager(runtime.PagingHandler[listResponse]{
			More: func(listResponse) bool { return i < len(pages) },
			Fetcher: func(context.Context, *listResponse) (listResponse, error) {
				if i == failOn {
					return listResponse{}, errors.New("AuthorizationFailed")
				}
				page := pages[i]
				i++
				return listResponse{ResourceGroupListResult: armresources.ResourceGroupListResult{Value: page}}, nil
			},
		})
	}
}

func rg(name string, tags map[string]*string) *armresources.ResourceGroup {
	return &armresources.ResourceGroup{
		ID:   to.Ptr("/subscriptions/sub-1/resourceGroups/" + name),
		Name: to.Ptr(name),
		Tags: tags,
	}
}

func TestGetAllResourceGroups_FlattensPages(t *testing.T) {
	pages := [][]*armresources.ResourceGroup{
		{
			rg("rg-a", map[string]*string{"CreatedDate": to.Ptr("2026-01-05T10:00:00Z")}),
			rg("rg-b", map[string]*string{"createddate": to.Ptr("2026-01-06"), "ExpirationDate": to.Ptr("2026-02-01")}),
		},
		{
			rg("rg-c", nil),
			{Name: nil},
		},
	}

	e, err := NewEnumerator("sub-1", nil, WithPager(fakePager(pages, -1)))
	require.NoError(t, err)

	groups, err := e.GetAllResourceGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 3)

	assert.Equal(t, "rg-a", groups[0].Name)
	assert.Equal(t, "sub-1", groups[0].SubscriptionID)
	assert.Equal(t, time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC), groups[0].CreatedDate)
	assert.True(t, groups[0].ExpirationDate.IsZero())

	assert.Equal(t, time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC), groups[1].CreatedDate)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), groups[1].ExpirationDate)

	assert.True(t, groups[2].CreatedDate.IsZero(), "no tag means unknown creation")
}

func TestGetAllResourceGroups_PageError(t *testing.T) {
	pages := [][]*armresources.ResourceGroup{{rg("rg-a", nil)}, {rg("rg-b", nil)}}

	e, err := NewEnumerator("sub-1", nil, WithPager(fakePager(pages, 1)))
	require.NoError(t, err)

	_, err = e.GetAllResourceGroups(context.Background())
	assert.ErrorContains(t, err, "AuthorizationFailed")
	assert.ErrorContains(t, err, "sub-1")
}

func TestWithTagNames(t *testing.T) {
	pages := [][]*armresources.ResourceGroup{
		{rg("rg-a", map[string]*string{"born": to.Ptr("2026-01-05"), "CreatedDate": to.Ptr("2020-01-01")})},
	}

	e, err := NewEnumerator("sub-1", nil, WithPager(fakePager(pages, -1)), WithTagNames("born", ""))
	require.NoError(t, err)

	groups, err := e.GetAllResourceGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), groups[0].CreatedDate)
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Time
	}{
		{"2026-03-01T12:30:00Z", time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)},
		{"2026-03-01T12:30:00+02:00", time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)},
		{"2026-03-01", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{" 2026-03-01 ", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"03/01/2026", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"yesterday", time.Time{}},
		{"", time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, parseTime(tt.raw))
		})
	}
}

func TestNewCredential_UnknownKind(t *testing.T) {
	_, err := NewCredential("certificate", "")
	assert.ErrorContains(t, err, "unknown Azure credential kind")
}
