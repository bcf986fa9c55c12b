package session

import (
	"time"

	"github.com/yairfalse/reclaim/pkg/leak"
)

// merge reconciles the three session sources into one ledger.
//
// Orphaned and live sessions are unioned first; a session reported by both
// carries the combined source tag. Experiment mappings are then folded in:
// a mapping for a known session replaces it with the mapping's metadata but
// keeps the earlier creation time and source, and the impact only moves
// towards impactful. Mappings for unknown sessions are added as they are.
func merge(orphaned, live, mapped []leak.Resource, now time.Time) leak.Resources {
	out := make(leak.Resources, len(orphaned)+len(live)+len(mapped))

	for _, r := range orphaned {
		add(out, r)
	}
	for _, r := range live {
		add(out, r)
	}

	for _, m := range mapped {
		existing, ok := out[m.ID]
		if !ok {
			out[m.ID] = m
			continue
		}

		replaced := m
		replaced.CreatedTime = existing.CreatedTime
		replaced.Source = existing.Source
		replaced.DaysLeaked = leak.DaysLeaked(existing.CreatedTime, now)
		replaced.Impact = leak.MoreSevere(existing.Impact, m.Impact)
		if replaced.NodeID == "" {
			replaced.NodeID = existing.NodeID
		}
		if replaced.ClusterName == "" {
			replaced.ClusterName = existing.ClusterName
		}
		if replaced.Owner == "" {
			replaced.Owner = existing.Owner
		}
		out[m.ID] = replaced
	}

	return out
}

func add(out leak.Resources, r leak.Resource) {
	if existing, ok := out[r.ID]; ok {
		out[r.ID] = leak.Merge(existing, r)
		return
	}
	out[r.ID] = r
}
