// Package collector defines the two-phase leak collector contract.
package collector

import (
	"context"
	"errors"

	"github.com/yairfalse/reclaim/pkg/leak"
)

// ErrNoResources is returned when cleanup is called with nothing to clean.
// It is a caller error, distinct from a cleanup that remediated nothing.
var ErrNoResources = errors.New("cleanup requires at least one leaked resource")

// Collector is the interface every resource family implements.
// Keep it simple: Name + Discover + Cleanup.
type Collector interface {
	// Name returns the collector identifier, used as its telemetry scope.
	Name() string

	// DiscoverLeakedResources returns every leaked resource keyed by ID.
	// "No results" is an empty map, never an error.
	DiscoverLeakedResources(ctx context.Context) (leak.Resources, error)

	// CleanupLeakedResources launches remediation for each eligible resource
	// and returns resource ID -> remediation ID for the launches that succeeded.
	CleanupLeakedResources(ctx context.Context, resources leak.Resources) (map[string]string, error)
}
