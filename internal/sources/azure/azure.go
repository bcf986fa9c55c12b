// Package azure enumerates resource groups through Azure Resource Manager.
package azure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"

	"github.com/yairfalse/reclaim/internal/collector"
)

// Default tag names carrying a group's lifecycle dates.
const (
	DefaultCreatedTag    = "CreatedDate"
	DefaultExpirationTag = "ExpirationDate"
)

// Credential kinds accepted by NewCredential.
const (
	CredentialDefault = "default"
	CredentialCLI     = "cli"
)

// tagLayouts are the date formats accepted in lifecycle tags.
var tagLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// NewCredential creates the token credential for kind.
func NewCredential(kind, tenantID string) (azcore.TokenCredential, error) {
	switch strings.ToLower(kind) {
	case "", CredentialDefault:
		cred, err := azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
			TenantID: tenantID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure default credential: %w", err)
		}
		return cred, nil
	case CredentialCLI:
		cred, err := azidentity.NewAzureCLICredential(&azidentity.AzureCLICredentialOptions{
			TenantID: tenantID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure CLI credential: %w", err)
		}
		return cred, nil
	default:
		return nil, fmt.Errorf("unknown Azure credential kind %q", kind)
	}
}

// PagerFunc starts a fresh resource-group listing.
type PagerFunc func() *runtime.Pager[armresources.ResourceGroupsClientListResponse]

// Enumerator implements collector.ResourceGroupEnumerator for one subscription.
type Enumerator struct {
	subscriptionID string
	newPager       PagerFunc
	createdTag     string
	expirationTag  string
}

// Option configures an Enumerator.
type Option func(*Enumerator)

// WithTagNames overrides the lifecycle tag names.
func WithTagNames(created, expiration string) Option {
	return func(e *Enumerator) {
		if created != "" {
			e.createdTag = created
		}
		if expiration != "" {
			e.expirationTag = expiration
		}
	}
}

// WithPager replaces the ARM listing.
func WithPager(p PagerFunc) Option {
	return func(e *Enumerator) { e.newPager = p }
}

// NewEnumerator creates an enumerator for subscriptionID.
func NewEnumerator(subscriptionID string, cred azcore.TokenCredential, opts ...Option) (*Enumerator, error) {
	e := &Enumerator{
		subscriptionID: subscriptionID,
		createdTag:     DefaultCreatedTag,
		expirationTag:  DefaultExpirationTag,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.newPager == nil {
		client, err := armresources.NewResourceGroupsClient(subscriptionID, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource groups client for %s: %w", subscriptionID, err)
		}
		e.newPager = func() *runtime.Pager[armresources.ResourceGroupsClientListResponse] {
			return client.NewListPager(nil)
		}
	}
	return e, nil
}

// SubscriptionID returns the subscription this enumerator lists.
func (e *Enumerator) SubscriptionID() string { return e.subscriptionID }

// GetAllResourceGroups lists every resource group in the subscription.
func (e *Enumerator) GetAllResourceGroups(ctx context.Context) ([]collector.ResourceGroup, error) {
	pager := e.newPager()

	var groups []collector.ResourceGroup
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list resource groups in %s: %w", e.subscriptionID, err)
		}
		for _, rg := range page.Value {
			if rg == nil || rg.Name == nil {
				continue
			}
			groups = append(groups, e.convert(rg))
		}
	}
	return groups, nil
}

func (e *Enumerator) convert(rg *armresources.ResourceGroup) collector.ResourceGroup {
	tags := make(map[string]string, len(rg.Tags))
	for k, v := range rg.Tags {
		if v != nil {
			tags[k] = *v
		}
	}

	out := collector.ResourceGroup{
		Name:           *rg.Name,
		SubscriptionID: e.subscriptionID,
		CreatedDate:    tagTime(tags, e.createdTag),
		ExpirationDate: tagTime(tags, e.expirationTag),
		Tags:           tags,
	}
	if rg.ID != nil {
		out.ID = *rg.ID
	}
	return out
}

// tagTime parses a lifecycle tag, matching the key case-insensitively.
// Missing or unparsable values yield the zero time.
func tagTime(tags map[string]string, key string) time.Time {
	raw, ok := tags[key]
	if !ok {
		for k, v := range tags {
			if strings.EqualFold(k, key) {
				raw, ok = v, true
				break
			}
		}
	}
	if !ok {
		return time.Time{}
	}
	return parseTime(raw)
}

func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range tagLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
