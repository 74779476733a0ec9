package model

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"
)

const (
	UsageStatusPending   = "pending"
	UsageStatusCompleted = "completed"
	UsageStatusFailed    = "failed"
)

// Task types billed per request. cli traffic bills under chat rules.
const (
	TaskTypeChat  = "chat"
	TaskTypeCLI   = "cli"
	TaskTypeVideo = "video"
	TaskTypeImage = "image"
)

// NormalizeTaskType folds cli into chat for billing purposes.
func NormalizeTaskType(taskType string) string {
	if taskType == TaskTypeCLI {
		return TaskTypeChat
	}
	return taskType
}

// Usage is one billed request (or one async task settlement). Monetary
// amounts are USD. RequestMetadata carries billing_snapshot and
// billing_shadow audit blobs as JSON.
type Usage struct {
	Id         int    `json:"id"`
	UserId     int    `json:"user_id" gorm:"index"`
	ApiKeyId   int    `json:"api_key_id" gorm:"index"`
	ProviderId int    `json:"provider_id" gorm:"index"`
	EndpointId int    `json:"endpoint_id"`
	Model      string `json:"model" gorm:"index"`
	TaskType   string `json:"task_type" gorm:"type:varchar(16);default:chat"`
	ApiFormat  string `json:"api_format" gorm:"type:varchar(32)"`

	InputTokens         int `json:"input_tokens" gorm:"default:0"`
	OutputTokens        int `json:"output_tokens" gorm:"default:0"`
	CachedTokens        int `json:"cached_tokens" gorm:"default:0"`
	CacheCreationTokens int `json:"cache_creation_tokens" gorm:"default:0"`

	TotalCostUSD float64 `json:"total_cost_usd" gorm:"column:total_cost_usd;default:0"`
	StatusCode   int     `json:"status_code" gorm:"default:200"`
	Status       string  `json:"status" gorm:"type:varchar(16);index;default:pending"`

	RequestMetadata string `json:"request_metadata,omitempty" gorm:"type:text"`

	RequestId   string `json:"request_id,omitempty" gorm:"type:varchar(64);index"`
	VideoTaskId int    `json:"video_task_id,omitempty" gorm:"index"`
	LatencyMs   int64  `json:"latency_ms" gorm:"default:0"`
	CreatedAt   int64  `json:"created_at" gorm:"bigint;index"`
}

// CreateUsage inserts a usage row (typically status=pending before settlement).
func CreateUsage(u *Usage) error {
	return runWithSQLiteBusyRetry(nil, func() error {
		return errors.Wrap(DB.Create(u).Error, "create usage")
	})
}

// Save persists the row with sqlite busy retry.
func (u *Usage) Save(db *gorm.DB) error {
	return runWithSQLiteBusyRetry(nil, func() error {
		return errors.Wrap(db.Save(u).Error, "save usage")
	})
}

// GetPendingUsageForVideoTask loads the settlement row created at submit time.
func GetPendingUsageForVideoTask(db *gorm.DB, videoTaskId int) (*Usage, error) {
	var u Usage
	err := db.Where("video_task_id = ? AND status = ?", videoTaskId, UsageStatusPending).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query pending usage for video task %d", videoTaskId)
	}
	return &u, nil
}

// SetMetadata replaces request_metadata with the JSON encoding of meta.
func (u *Usage) SetMetadata(meta map[string]any) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "encode usage metadata")
	}
	u.RequestMetadata = string(raw)
	return nil
}

// MergeMetadata folds extra keys into request_metadata, keeping existing ones.
func (u *Usage) MergeMetadata(extra map[string]any) error {
	meta := map[string]any{}
	if u.RequestMetadata != "" {
		if err := json.Unmarshal([]byte(u.RequestMetadata), &meta); err != nil {
			return errors.Wrap(err, "decode usage metadata")
		}
	}
	for k, v := range extra {
		meta[k] = v
	}
	return u.SetMetadata(meta)
}
