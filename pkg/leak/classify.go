package leak

import (
	"sort"
	"strings"
	"time"
)

// StalenessThreshold is the minimum age before an allocation counts as leaked
// rather than in progress.
const StalenessThreshold = 30 * time.Hour

// IsStale reports whether an allocation created at created is past the
// staleness threshold at now. A zero creation time is never stale.
func IsStale(created, now time.Time) bool {
	if created.IsZero() {
		return false
	}
	return now.Sub(created) > StalenessThreshold
}

// DaysLeaked returns the whole days elapsed since created, floored at zero.
func DaysLeaked(created, now time.Time) int {
	if created.IsZero() || !now.After(created) {
		return 0
	}
	return int(now.Sub(created) / (24 * time.Hour))
}

func severity(i Impact) int {
	if i == ImpactNone {
		return 0
	}
	// Anything that is not explicitly none is treated as impactful.
	return 1
}

// MoreSevere returns the more severe of two impact classifications.
func MoreSevere(a, b Impact) Impact {
	if severity(a) == 0 && severity(b) == 0 {
		return ImpactNone
	}
	return ImpactImpactful
}

// CombineSources returns the tag used when two systems of record report the
// same resource. Combining a tag with itself is a no-op.
func CombineSources(a, b Source) Source {
	if a == "" {
		return b
	}
	if b == "" || a == b {
		return a
	}

	parts := append(strings.Split(string(a), "+"), strings.Split(string(b), "+")...)
	seen := make(map[string]bool, len(parts))
	uniq := parts[:0]
	for _, p := range parts {
		if !seen[p] {
			seen[p] = true
			uniq = append(uniq, p)
		}
	}
	sort.Strings(uniq)
	return Source(strings.Join(uniq, "+"))
}

// Merge folds incoming into existing for a resource reported by two sources.
// The result carries the combined source tag, the more severe impact, the
// earlier creation time, and any correlation field existing lacked.
func Merge(existing, incoming Resource) Resource {
	merged := existing
	merged.Source = CombineSources(existing.Source, incoming.Source)
	merged.Impact = MoreSevere(existing.Impact, incoming.Impact)

	if merged.CreatedTime.IsZero() ||
		(!incoming.CreatedTime.IsZero() && incoming.CreatedTime.Before(merged.CreatedTime)) {
		merged.CreatedTime = incoming.CreatedTime
	}
	if incoming.DaysLeaked > merged.DaysLeaked {
		merged.DaysLeaked = incoming.DaysLeaked
	}

	fill(&merged.Name, incoming.Name)
	fill(&merged.TestSessionID, incoming.TestSessionID)
	fill(&merged.NodeID, incoming.NodeID)
	fill(&merged.ExperimentID, incoming.ExperimentID)
	fill(&merged.ExperimentName, incoming.ExperimentName)
	fill(&merged.ClusterName, incoming.ClusterName)
	fill(&merged.SubscriptionID, incoming.SubscriptionID)
	fill(&merged.Owner, incoming.Owner)

	return merged
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// EligibleForCleanup reports whether r may be remediated automatically at now.
// Age is recomputed here rather than trusted from discovery.
func (r Resource) EligibleForCleanup(now time.Time) bool {
	return r.Impact == ImpactNone && IsStale(r.CreatedTime, now)
}
