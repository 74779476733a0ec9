package task

import (
	"net/http"

	"github.com/Laisky/zap"
	"gorm.io/gorm"

	"github.com/aetherlab/aether/common/logger"
	"github.com/aetherlab/aether/model"
	"github.com/aetherlab/aether/relay/billing"
)

// settleVideoTask finalizes the pending usage row for a terminal task. Failed
// tasks settle at zero cost; completed tasks run the billing engine over the
// task's metered dimensions.
func settleVideoTask(db *gorm.DB, videoTask *model.VideoTask, providerName string) error {
	usage, err := model.GetPendingUsageForVideoTask(db, videoTask.Id)
	if err != nil {
		return err
	}
	if usage == nil {
		logger.Logger.Debug("no pending usage for video task", zap.String("short_id", videoTask.ShortId))
		return nil
	}

	if videoTask.Status != model.VideoTaskStatusCompleted {
		usage.Status = model.UsageStatusFailed
		usage.StatusCode = http.StatusUnprocessableEntity
		if err := usage.MergeMetadata(map[string]any{"error_message": videoTask.ErrorMessage}); err != nil {
			return err
		}
		return usage.Save(db)
	}

	dims, err := collectVideoDimensions(videoTask)
	if err != nil {
		return err
	}
	legacyTotal, err := billing.CalculateLegacy(videoTask.Model, videoTask.ProviderId, dims)
	if err != nil {
		return err
	}
	result, err := billing.CalculateWithShadow(model.TaskTypeVideo, videoTask.Model, providerName,
		videoTask.ProviderId, dims, legacyTotal)
	if err != nil {
		return err
	}

	usage.Status = model.UsageStatusCompleted
	usage.StatusCode = http.StatusOK
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
	if err := usage.MergeMetadata(meta); err != nil {
		return err
	}
	if err := usage.Save(db); err != nil {
		return err
	}

	if _, err := model.SyncApiKeyStats(usage.ApiKeyId); err != nil {
		logger.Logger.Warn("sync api key stats", zap.Error(err))
	}
	return nil
}

// collectVideoDimensions builds the dimension map for a completed task from
// its recorded attributes and stored metadata.
func collectVideoDimensions(videoTask *model.VideoTask) (map[string]any, error) {
	metadata, err := videoTask.DecodeMetadata()
	if err != nil {
		return nil, err
	}
	if videoTask.VideoDurationSeconds != nil {
		metadata["duration_seconds"] = *videoTask.VideoDurationSeconds
	} else if videoTask.DurationSeconds > 0 {
		metadata["duration_seconds"] = float64(videoTask.DurationSeconds)
	}
	if videoTask.Resolution != "" {
		metadata["resolution"] = videoTask.Resolution
	}

	collectors, err := billing.ApplicableCollectors(videoTask.ProviderApiFormat, model.TaskTypeVideo)
	if err != nil {
		return nil, err
	}
	return billing.CollectDimensions(collectors, &billing.CollectorInput{Metadata: metadata}), nil
}
