package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/reclaim/pkg/leak"
	"github.com/yairfalse/reclaim/storage"
	"github.com/yairfalse/reclaim/wal"
)

func TestNewLogger(t *testing.T) {
	logger, err := newLogger("debug", false)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = newLogger("loud", false)
	assert.Error(t, err)
}

func TestWriteCycles(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cycles := []storage.CycleRecord{{
		ID:         "0f8e2c1a-5b7d-4e0c-9a3f-2d6b1c8e4f70",
		Revision:   7,
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Passes: []storage.PassRecord{
			{
				Collector:  "test-session",
				Discovered: leak.Resources{"s1": {ID: "s1"}, "s2": {ID: "s2"}},
				Remediated: map[string]string{"s1": "exp-1"},
			},
			{Collector: "resource-group", DiscoverError: "all subscriptions failed"},
		},
	}}

	var buf bytes.Buffer
	require.NoError(t, writeCycles(&buf, cycles))

	out := buf.String()
	assert.Contains(t, out, "0f8e2c1a")
	assert.NotContains(t, out, "0f8e2c1a-5b7d")
	assert.Contains(t, out, "test-session")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "discover: all subscriptions failed")
}

func TestWriteCycles_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeCycles(&buf, nil))
	assert.Equal(t, "No cycles recorded.\n", buf.String())
}

func TestWriteSightings(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSightings(&buf, []storage.Sighting{{
		Collector:   "resource-group",
		ResourceID:  "rg-ci-42",
		Type:        leak.TypeCloudResourceGroup,
		TimesSeen:   4,
		FirstSeenAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}}))

	out := buf.String()
	assert.Contains(t, out, "rg-ci-42")
	assert.Contains(t, out, "2026-03-01T00:00:00Z")
	assert.Contains(t, out, "-")
}

func TestWriteJournal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := wal.Open(dir)
	require.NoError(t, err)
	require.NoError(t, j.Append(wal.EntryDispatched, "rg-1", map[string]string{"remediation_id": "exp-1"}))
	require.NoError(t, j.Close())

	var buf bytes.Buffer
	require.NoError(t, writeJournal(&buf, dir, time.Now().Add(-time.Hour), false))
	assert.Contains(t, buf.String(), "dispatched")
	assert.Contains(t, buf.String(), "rg-1")

	buf.Reset()
	require.NoError(t, writeJournal(&buf, dir, time.Now().Add(-time.Hour), true))
	assert.Contains(t, buf.String(), `"resource_id":"rg-1"`)
}
