// Package filter decides which cloud subscriptions and resource groups the
// collector may consider at all.
package filter

// Filter controls which subscriptions to enumerate and which tagged
// resources to keep.
type Filter struct {
	excludeSubscriptions map[string]bool
	includeTags          map[string]string
	excludeTags          map[string]string
}

// New creates a new Filter from the provided configuration.
func New(excludeSubscriptions []string, includeTags, excludeTags map[string]string) *Filter {
	excludeMap := make(map[string]bool)
	for _, s := range excludeSubscriptions {
		excludeMap[s] = true
	}

	return &Filter{
		excludeSubscriptions: excludeMap,
		includeTags:          includeTags,
		excludeTags:          excludeTags,
	}
}

// ShouldScanSubscription returns true if the subscription should be enumerated.
func (f *Filter) ShouldScanSubscription(id string) bool {
	if f == nil {
		return true
	}
	return !f.excludeSubscriptions[id]
}

// ShouldInclude returns true if a resource with the given tags passes the
// tag filters. Every include tag must match; any exclude tag rejects.
func (f *Filter) ShouldInclude(tags map[string]string) bool {
	if f == nil {
		return true
	}

	for k, v := range f.includeTags {
		if tags == nil || tags[k] != v {
			return false
		}
	}

	for k, v := range f.excludeTags {
		if got, ok := tags[k]; ok && got == v {
			return false
		}
	}

	return true
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return f == nil ||
		len(f.excludeSubscriptions) == 0 && len(f.includeTags) == 0 && len(f.excludeTags) == 0
}
