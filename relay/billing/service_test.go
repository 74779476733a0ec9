package billing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherlab/aether/model"
)

func TestCalculateBuildsSnapshot(t *testing.T) {
	db := setupTestDB(t)
	seedModel(t, db, "gpt-4o", `{"input_per_1m": 2.5, "output_per_1m": 10, "cache_read_per_1m": 0.25}`)

	dims := map[string]any{
		"input_tokens":      1000,
		"output_tokens":     500,
		"cache_read_tokens": 200,
	}
	snapshot, total, err := Calculate(model.TaskTypeChat, "gpt-4o", 1, dims)
	require.NoError(t, err)
	require.NotNil(t, snapshot)

	assert.Equal(t, SnapshotVersion, snapshot.Version)
	assert.Equal(t, StatusComplete, snapshot.Status)
	assert.Equal(t, "universal", snapshot.RuleName)
	assert.NotEmpty(t, snapshot.CalculatedAt)

	// 2.5*1000/1M + 10*500/1M + 0.25*200/1M
	assert.Equal(t, "0.00755", total.String())
	assert.Equal(t, snapshot.TotalCost, total.String())

	// Derived dimensions are present.
	assert.Equal(t, 1, snapshot.ResolvedDimensions["request_count"])
	assert.Equal(t, 1200, snapshot.ResolvedDimensions["total_input_context"])

	// Variables restating dimensions or cost components are excluded.
	for name := range snapshot.ResolvedVariables {
		_, isDim := snapshot.ResolvedDimensions[name]
		assert.False(t, isDim, "variable %s duplicates a dimension", name)
		assert.NotContains(t, name, "_cost")
	}
	assert.Equal(t, "2.5", snapshot.ResolvedVariables["input_price_per_1m"])

	// Decimals survive a JSON round trip as strings.
	raw, err := json.Marshal(snapshot)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, snapshot.TotalCost, decoded.TotalCost)
	assert.Equal(t, snapshot.CostBreakdown["input_cost"], decoded.CostBreakdown["input_cost"])
}

func TestCalculateNoRule(t *testing.T) {
	setupTestDB(t)
	snapshot, total, err := Calculate(model.TaskTypeChat, "no-such-model", 1, map[string]any{"input_tokens": 10})
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, StatusNoRule, snapshot.Status)
	assert.True(t, total.IsZero())
	assert.Equal(t, "0", snapshot.TotalCost)
}

func TestCalculateLegacy(t *testing.T) {
	db := setupTestDB(t)
	seedModel(t, db, "gpt-4o", `{"input_per_1m": 2.5, "output_per_1m": 10}`)

	total, err := CalculateLegacy("gpt-4o", 1, map[string]any{
		"input_tokens":  1000,
		"output_tokens": 500,
	})
	require.NoError(t, err)
	assert.Equal(t, "0.0075", total.String())

	unknown, err := CalculateLegacy("no-such-model", 1, map[string]any{"input_tokens": 10})
	require.NoError(t, err)
	assert.True(t, unknown.IsZero())
}
