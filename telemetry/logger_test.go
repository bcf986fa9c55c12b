package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/reclaim/pkg/leak"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	scanner := bufio.NewScanner(buf)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	return lines
}

func TestLogResourceMap_Batches(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("test", &buf).Scope("cloud-resource-group")

	resources := leak.Resources{}
	for i := 0; i < 120; i++ {
		id := fmt.Sprintf("rg-%03d", i)
		resources[id] = leak.Resource{ID: id}
	}

	logger.LogResourceMap(context.Background(), "discovered", resources)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 4, "three batches plus the count line")

	assert.Equal(t, float64(50), lines[0]["batch_size"])
	assert.Equal(t, float64(50), lines[1]["batch_size"])
	assert.Equal(t, float64(20), lines[2]["batch_size"])
	assert.Equal(t, float64(120), lines[3]["count"])
	assert.Equal(t, "cloud-resource-group", lines[3]["scope"])
}

func TestLogResourceMap_Empty(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("test", &buf)

	logger.LogResourceMap(context.Background(), "discovered", leak.Resources{})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, float64(0), lines[0]["count"])
}

func TestLogRemediationFailure_CarriesIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("test", &buf)

	logger.LogRemediationFailure(context.Background(), leak.Resource{
		ID:             "rg-a",
		Type:           leak.TypeCloudResourceGroup,
		Name:           "rg-a",
		SubscriptionID: "sub-1",
	}, errors.New("launch rejected"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0]["level"])
	assert.Equal(t, "rg-a", lines[0]["resource_id"])
	assert.Equal(t, "sub-1", lines[0]["subscription_id"])
	assert.Equal(t, "launch rejected", lines[0]["error"])
}
