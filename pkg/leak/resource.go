// Package leak defines the leaked-resource model shared by every collector.
package leak

import (
	"sort"
	"time"
)

// ResourceType identifies the resource family a leak belongs to.
type ResourceType string

const (
	TypeTestSession        ResourceType = "test_session"
	TypeCloudResourceGroup ResourceType = "cloud_resource_group"
)

// Impact says whether a leaked resource still affects a physical node.
type Impact string

const (
	// ImpactNone resources are safe to remediate automatically.
	ImpactNone Impact = "none"
	// ImpactImpactful resources are reported but never auto-remediated.
	ImpactImpactful Impact = "impactful"
)

// Source tags the system of record that reported a leak.
type Source string

const (
	SourceExperimentTelemetry Source = "experiment_telemetry"
	SourceOrphanTelemetry     Source = "orphan_telemetry"
	SourceSessionService      Source = "session_service"
	SourceResourceManager     Source = "resource_manager"
)

// Resource is a leaked allocation in unified format.
// Built fresh on every discovery pass and discarded afterwards.
type Resource struct {
	ID             string       `json:"id"`                        // Dedup key, stable per source
	Type           ResourceType `json:"type"`                      // Resource family
	Name           string       `json:"name,omitempty"`            // Resource's own name
	CreatedTime    time.Time    `json:"created_time"`              // When the allocation began (UTC)
	DaysLeaked     int          `json:"days_leaked"`               // Informational, derived from CreatedTime
	TestSessionID  string       `json:"test_session_id,omitempty"` // Correlation fields
	NodeID         string       `json:"node_id,omitempty"`
	ExperimentID   string       `json:"experiment_id,omitempty"`
	ExperimentName string       `json:"experiment_name,omitempty"`
	ClusterName    string       `json:"cluster_name,omitempty"`
	SubscriptionID string       `json:"subscription_id,omitempty"`
	Owner          string       `json:"owner,omitempty"`
	Impact         Impact       `json:"impact"`
	Source         Source       `json:"source"`
}

// Resources maps resource ID to its leak record.
type Resources map[string]Resource

// IDs returns the resource IDs in ascending order.
func (r Resources) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sorted returns the resources ordered by ID.
func (r Resources) Sorted() []Resource {
	out := make([]Resource, 0, len(r))
	for _, id := range r.IDs() {
		out = append(out, r[id])
	}
	return out
}
