package controller

import (
	"context"
	"time"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/aetherlab/aether/common/ctxkey"
	"github.com/aetherlab/aether/common/graceful"
	"github.com/aetherlab/aether/common/logger"
	"github.com/aetherlab/aether/model"
	"github.com/aetherlab/aether/relay/apiformat"
	"github.com/aetherlab/aether/relay/billing"
	"github.com/aetherlab/aether/relay/scheduler"
	"github.com/aetherlab/aether/relay/streaming"
)

// finalizeChatUsage records one usage row for a finished chat request, billed
// through the engine in the configured mode. Failed requests bill zero
// requests but keep whatever token counts arrived before the failure.
func finalizeChatUsage(c *gin.Context, rc *streaming.Context, cand *scheduler.Candidate, start time.Time) {
	taskType := model.TaskTypeChat
	if apiformat.IsCLIKey(rc.ApiFormat) {
		taskType = model.TaskTypeCLI
	}

	providerId, endpointId := 0, 0
	providerName := ""
	if cand != nil {
		providerId = cand.Provider.Id
		endpointId = cand.Endpoint.Id
		providerName = cand.Provider.Name
	}

	billedInput := billing.NormalizeInputTokensForBilling(rc.ProviderApiFormat, rc.InputTokens, rc.CachedTokens)
	requestCount := 1
	if rc.StatusCode >= 400 {
		requestCount = 0
	}
	dims := map[string]any{
		"input_tokens":          billedInput,
		"output_tokens":         rc.OutputTokens,
		"cache_read_tokens":     rc.CachedTokens,
		"cache_creation_tokens": rc.CacheCreationTokens,
		"request_count":         requestCount,
	}

	usage := &model.Usage{
		UserId:              c.GetInt(ctxkey.UserId),
		ApiKeyId:            c.GetInt(ctxkey.ApiKeyId),
		ProviderId:          providerId,
		EndpointId:          endpointId,
		Model:               rc.Model,
		TaskType:            taskType,
		ApiFormat:           rc.ApiFormat,
		InputTokens:         rc.InputTokens,
		OutputTokens:        rc.OutputTokens,
		CachedTokens:        rc.CachedTokens,
		CacheCreationTokens: rc.CacheCreationTokens,
		StatusCode:          rc.StatusCode,
		Status:              model.UsageStatusCompleted,
		RequestId:           c.GetString(ctxkey.RequestId),
		LatencyMs:           time.Since(start).Milliseconds(),
		CreatedAt:           time.Now().Unix(),
	}
	if rc.StatusCode >= 400 {
		usage.Status = model.UsageStatusFailed
	}

	legacyTotal, err := billing.CalculateLegacy(rc.Model, providerId, dims)
	if err != nil {
		logger.Logger.Error("legacy billing failed", zap.String("model", rc.Model), zap.Error(err))
	}
	result, err := billing.CalculateWithShadow(model.NormalizeTaskType(taskType), rc.Model, providerName,
		providerId, dims, legacyTotal)
	if err != nil {
		logger.Logger.Error("billing failed", zap.String("model", rc.Model), zap.Error(err))
	} else {
		usage.TotalCostUSD, _ = result.TruthTotal.Float64()
		meta := map[string]any{
			"billing_shadow": map[string]any{
				"mode":         result.Mode,
				"truth_engine": result.TruthEngine,
				"diff_usd":     result.DiffUSD.String(),
				"fell_back":    result.FellBack,
			},
		}
		if result.Snapshot != nil {
			meta["billing_snapshot"] = result.Snapshot
		}
		if merr := usage.MergeMetadata(meta); merr != nil {
			logger.Logger.Warn("attach billing metadata", zap.Error(merr))
		}
	}
	if rc.ErrorMessage != "" {
		if merr := usage.MergeMetadata(map[string]any{"error_message": rc.ErrorMessage}); merr != nil {
			logger.Logger.Warn("attach error metadata", zap.Error(merr))
		}
	}

	if err := model.CreateUsage(usage); err != nil {
		logger.Logger.Error("record usage", zap.Error(err))
		return
	}
	// Aggregate refresh can run after the response; shutdown waits for it.
	graceful.GoCritical(context.Background(), "syncApiKeyStats", func(context.Context) {
		if _, err := model.SyncApiKeyStats(usage.ApiKeyId); err != nil {
			logger.Logger.Warn("sync api key stats", zap.Error(err))
		}
	})
}
