package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/yairfalse/reclaim/internal/collector"
	"github.com/yairfalse/reclaim/pkg/leak"
)

// Column names shared by both time-series queries.
const (
	colTime           = "_time"
	colCreated        = "created_time"
	colSessionID      = "session_id"
	colExperimentID   = "experiment_id"
	colExperimentName = "experiment_name"
	colNodeID         = "node_id"
	colCluster        = "cluster"
	colOwner          = "owner"
	colImpact         = "impact"
)

// experimentQuery selects session -> experiment mappings whose first sighting
// is older than cutoff. One row per session.
func experimentQuery(bucket, measurement string, lookback time.Duration, cutoff time.Time) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: -%s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group(columns: ["%s"])
  |> first(column: "_time")
  |> group()
  |> keep(columns: ["_time", "%s", "%s", "%s", "%s", "%s", "%s", "%s"])`,
		bucket, fluxDuration(lookback), cutoff.UTC().Format(time.RFC3339), measurement,
		colSessionID,
		colSessionID, colExperimentID, colExperimentName, colNodeID, colCluster, colOwner, colImpact,
	)
}

// orphanQuery selects sessions with no experiment mapping, first seen before cutoff.
func orphanQuery(bucket, measurement string, lookback time.Duration, cutoff time.Time) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: -%s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group(columns: ["%s"])
  |> first(column: "_time")
  |> group()
  |> keep(columns: ["_time", "%s", "%s", "%s"])`,
		bucket, fluxDuration(lookback), cutoff.UTC().Format(time.RFC3339), measurement,
		colSessionID,
		colSessionID, colNodeID, colCluster,
	)
}

func fluxDuration(d time.Duration) string {
	return fmt.Sprintf("%dh", int64(d/time.Hour))
}

// rowString returns a column as a trimmed string, empty when absent.
func rowString(row collector.Row, key string) string {
	v, ok := row[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// rowCreated returns the session creation time, preferring an explicit
// created_time column over the sighting timestamp.
func rowCreated(row collector.Row) time.Time {
	for _, key := range []string{colCreated, colTime} {
		switch v := row[key].(type) {
		case time.Time:
			return v.UTC()
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

// parseImpact maps the best-effort impact flag. Only an explicit "none"
// is non-impactful; missing or unknown values are impactful.
func parseImpact(v string) leak.Impact {
	if strings.EqualFold(v, string(leak.ImpactNone)) {
		return leak.ImpactNone
	}
	return leak.ImpactImpactful
}

// experimentRows converts experiment-mapping rows into leak records, dropping rows
// without a session id or not yet past the staleness threshold.
func experimentRows(rows []collector.Row, now time.Time) []leak.Resource {
	out := make([]leak.Resource, 0, len(rows))
	for _, row := range rows {
		id := rowString(row, colSessionID)
		created := rowCreated(row)
		if id == "" || !leak.IsStale(created, now) {
			continue
		}
		out = append(out, leak.Resource{
			ID:             id,
			Type:           leak.TypeTestSession,
			CreatedTime:    created,
			DaysLeaked:     leak.DaysLeaked(created, now),
			TestSessionID:  id,
			NodeID:         rowString(row, colNodeID),
			ExperimentID:   rowString(row, colExperimentID),
			ExperimentName: rowString(row, colExperimentName),
			ClusterName:    rowString(row, colCluster),
			Owner:          rowString(row, colOwner),
			Impact:         parseImpact(rowString(row, colImpact)),
			Source:         leak.SourceExperimentTelemetry,
		})
	}
	return out
}

// orphanRows converts orphaned-session rows into leak records.
func orphanRows(rows []collector.Row, now time.Time) []leak.Resource {
	out := make([]leak.Resource, 0, len(rows))
	for _, row := range rows {
		id := rowString(row, colSessionID)
		created := rowCreated(row)
		if id == "" || !leak.IsStale(created, now) {
			continue
		}
		out = append(out, leak.Resource{
			ID:            id,
			Type:          leak.TypeTestSession,
			CreatedTime:   created,
			DaysLeaked:    leak.DaysLeaked(created, now),
			TestSessionID: id,
			NodeID:        rowString(row, colNodeID),
			ClusterName:   rowString(row, colCluster),
			Impact:        leak.ImpactNone,
			Source:        leak.SourceOrphanTelemetry,
		})
	}
	return out
}
