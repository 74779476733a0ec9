package controller

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/aetherlab/aether/common/config"
	"github.com/aetherlab/aether/common/ctxkey"
	"github.com/aetherlab/aether/model"
	"github.com/aetherlab/aether/relay/billing"
	"github.com/aetherlab/aether/relay/streaming"
)

func seedPricedModel(t *testing.T, db *gorm.DB, name, pricing string) {
	t.Helper()
	cfg := `{"pricing": ` + pricing + `}`
	require.NoError(t, db.Create(&model.GlobalModel{Name: name, Config: cfg, Enabled: true}).Error)
	billing.InvalidateAll()
}

func withEngineMode(t *testing.T, mode string) {
	t.Helper()
	prev := config.BillingEngine
	config.BillingEngine = mode
	t.Cleanup(func() { config.BillingEngine = prev })
}

// Cached tokens arrive on the openai/gemini path folded into input_tokens;
// finalization must move them to the cache-read rate, not drop them.
func TestFinalizeChatUsageBillsCacheReadTokens(t *testing.T) {
	db := setupTestDB(t)
	seedPricedModel(t, db, "gpt-4o", `{"input_per_1m": 10, "output_per_1m": 0, "cache_read_per_1m": 1}`)
	withEngineMode(t, config.BillingModeNew)

	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Set(ctxkey.UserId, 1)
	c.Set(ctxkey.ApiKeyId, 1)

	rc := streaming.NewContext("gpt-4o", "openai:chat")
	rc.ProviderApiFormat = "openai:chat"
	rc.InputTokens = 100
	rc.CachedTokens = 80

	finalizeChatUsage(c, rc, nil, time.Now())

	var usage model.Usage
	require.NoError(t, db.Where("model = ?", "gpt-4o").First(&usage).Error)
	assert.Equal(t, model.UsageStatusCompleted, usage.Status)

	// 20 non-cached input tokens at $10/1M plus 80 cached at $1/1M.
	assert.InDelta(t, 0.00028, usage.TotalCostUSD, 1e-12)

	var meta struct {
		Snapshot struct {
			CostBreakdown      map[string]string `json:"cost_breakdown"`
			ResolvedDimensions map[string]any    `json:"resolved_dimensions"`
			TotalCost          string            `json:"total_cost"`
		} `json:"billing_snapshot"`
	}
	require.NoError(t, json.Unmarshal([]byte(usage.RequestMetadata), &meta))
	assert.Equal(t, "0.00008", meta.Snapshot.CostBreakdown["cache_read_cost"])
	assert.Equal(t, "0.0002", meta.Snapshot.CostBreakdown["input_cost"])
	assert.Equal(t, "0.00028", meta.Snapshot.TotalCost)
	assert.EqualValues(t, 100, meta.Snapshot.ResolvedDimensions["total_input_context"])
}

// Claude reports cached tokens separately, so input_tokens pass through
// unchanged and cache-read tokens still bill at their own rate.
func TestFinalizeChatUsageClaudeCacheRead(t *testing.T) {
	db := setupTestDB(t)
	seedPricedModel(t, db, "claude-sonnet-4", `{"input_per_1m": 3, "output_per_1m": 15, "cache_read_per_1m": 0.3}`)
	withEngineMode(t, config.BillingModeNew)

	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Set(ctxkey.UserId, 1)
	c.Set(ctxkey.ApiKeyId, 1)

	rc := streaming.NewContext("claude-sonnet-4", "claude:chat")
	rc.ProviderApiFormat = "claude:chat"
	rc.InputTokens = 50
	rc.CachedTokens = 1000
	rc.OutputTokens = 10

	finalizeChatUsage(c, rc, nil, time.Now())

	var usage model.Usage
	require.NoError(t, db.Where("model = ?", "claude-sonnet-4").First(&usage).Error)

	// 50*3/1M + 10*15/1M + 1000*0.3/1M
	assert.InDelta(t, 0.00060, usage.TotalCostUSD, 1e-12)

	var meta struct {
		Snapshot struct {
			CostBreakdown map[string]string `json:"cost_breakdown"`
		} `json:"billing_snapshot"`
	}
	require.NoError(t, json.Unmarshal([]byte(usage.RequestMetadata), &meta))
	assert.Equal(t, "0.0003", meta.Snapshot.CostBreakdown["cache_read_cost"])
}
