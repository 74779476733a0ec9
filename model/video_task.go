package model

import (
	"encoding/json"
	"time"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"
)

// Video task lifecycle states. pending exists only between row creation and
// upstream submit; terminal states are completed, failed, and cancelled.
const (
	VideoTaskStatusPending    = "pending"
	VideoTaskStatusSubmitted  = "submitted"
	VideoTaskStatusQueued     = "queued"
	VideoTaskStatusProcessing = "processing"
	VideoTaskStatusCompleted  = "completed"
	VideoTaskStatusFailed     = "failed"
	VideoTaskStatusCancelled  = "cancelled"
)

// IsTerminalVideoStatus reports whether a task can no longer change state.
func IsTerminalVideoStatus(status string) bool {
	return status == VideoTaskStatusCompleted ||
		status == VideoTaskStatusFailed ||
		status == VideoTaskStatusCancelled
}

// VideoTask is an asynchronous generation job. The upstream id is never
// exposed to clients; ShortId is the public handle.
type VideoTask struct {
	Id             int    `json:"id"`
	ShortId        string `json:"short_id" gorm:"type:varchar(32);uniqueIndex"`
	ExternalTaskId string `json:"external_task_id" gorm:"type:varchar(256);uniqueIndex"`

	UserId           int `json:"user_id" gorm:"index"`
	ApiKeyId         int `json:"api_key_id" gorm:"index"`
	ProviderId       int `json:"provider_id"`
	EndpointId       int `json:"endpoint_id"`
	ProviderApiKeyId int `json:"provider_api_key_id"`

	ClientApiFormat   string `json:"client_api_format" gorm:"type:varchar(32)"`
	ProviderApiFormat string `json:"provider_api_format" gorm:"type:varchar(32)"`
	FormatConverted   bool   `json:"format_converted" gorm:"default:false"`

	Model                string   `json:"model" gorm:"index"`
	Prompt               string   `json:"prompt" gorm:"type:text"`
	OriginalRequestBody  string   `json:"original_request_body,omitempty" gorm:"type:text"`
	ConvertedRequestBody string   `json:"converted_request_body,omitempty" gorm:"type:text"`
	DurationSeconds      int      `json:"duration_seconds,omitempty"`
	Resolution           string   `json:"resolution,omitempty" gorm:"type:varchar(32)"`
	AspectRatio          string   `json:"aspect_ratio,omitempty" gorm:"type:varchar(16)"`

	Status          string `json:"status" gorm:"type:varchar(16);index"`
	ProgressPercent int    `json:"progress_percent" gorm:"default:0"`
	ErrorMessage    string `json:"error_message,omitempty" gorm:"type:text"`

	PollIntervalSeconds int   `json:"poll_interval_seconds" gorm:"default:10"`
	NextPollAt          int64 `json:"next_poll_at" gorm:"index"`
	PollCount           int   `json:"poll_count" gorm:"default:0"`
	MaxPollCount        int   `json:"max_poll_count" gorm:"default:360"`
	RetryCount          int   `json:"retry_count" gorm:"default:0"`

	VideoURL             string   `json:"video_url,omitempty" gorm:"type:text"`
	VideoURLs            string   `json:"video_urls,omitempty" gorm:"type:text"`
	VideoExpiresAt       int64    `json:"video_expires_at,omitempty"`
	VideoDurationSeconds *float64 `json:"video_duration_seconds,omitempty"`

	RequestMetadata string `json:"request_metadata,omitempty" gorm:"type:text"`

	CreatedAt   int64 `json:"created_at" gorm:"bigint"`
	SubmittedAt int64 `json:"submitted_at,omitempty"`
	CompletedAt int64 `json:"completed_at,omitempty"`
}

// ErrDuplicateExternalTask signals a submit race: the upstream task id is
// already owned by another row.
var ErrDuplicateExternalTask = errors.New("duplicate external task id")

// CreateVideoTask inserts the task; a unique-index collision on the external
// id maps to ErrDuplicateExternalTask so the handler can answer 409.
func CreateVideoTask(task *VideoTask) error {
	err := DB.Create(task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateExternalTask
		}
		return errors.Wrap(err, "create video task")
	}
	return nil
}

// GetVideoTaskByShortId resolves the public handle, scoped to the owning user.
func GetVideoTaskByShortId(shortId string, userId int) (*VideoTask, error) {
	var task VideoTask
	err := DB.Where("short_id = ? AND user_id = ?", shortId, userId).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query video task %s", shortId)
	}
	return &task, nil
}

// GetVideoTaskById reloads a task inside a poller update session.
func GetVideoTaskById(db *gorm.DB, id int) (*VideoTask, error) {
	var task VideoTask
	err := db.First(&task, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query video task id %d", id)
	}
	return &task, nil
}

// ListVideoTasks returns the caller's tasks newest first.
func ListVideoTasks(userId int, limit, offset int) ([]VideoTask, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var tasks []VideoTask
	err := DB.Where("user_id = ?", userId).
		Order("created_at desc").
		Limit(limit).Offset(offset).
		Find(&tasks).Error
	if err != nil {
		return nil, errors.Wrap(err, "list video tasks")
	}
	return tasks, nil
}

// GetDueVideoTasks claims the next poll batch: non-terminal tasks whose
// next_poll_at has passed and whose poll budget is not exhausted.
func GetDueVideoTasks(db *gorm.DB, now time.Time, batchSize int) ([]VideoTask, error) {
	var tasks []VideoTask
	err := db.
		Where("status IN ?", []string{VideoTaskStatusSubmitted, VideoTaskStatusQueued, VideoTaskStatusProcessing}).
		Where("next_poll_at <= ?", now.Unix()).
		Where("poll_count < max_poll_count").
		Order("next_poll_at asc").
		Limit(batchSize).
		Find(&tasks).Error
	if err != nil {
		return nil, errors.Wrap(err, "query due video tasks")
	}
	return tasks, nil
}

// Save persists the full task row with sqlite busy retry.
func (t *VideoTask) Save(db *gorm.DB) error {
	return runWithSQLiteBusyRetry(nil, func() error {
		return errors.Wrap(db.Save(t).Error, "save video task")
	})
}

// MergeMetadata folds extra keys into request_metadata without dropping what
// is already there.
func (t *VideoTask) MergeMetadata(extra map[string]any) error {
	merged := map[string]any{}
	if t.RequestMetadata != "" {
		if err := json.Unmarshal([]byte(t.RequestMetadata), &merged); err != nil {
			return errors.Wrap(err, "decode request_metadata")
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return errors.Wrap(err, "encode request_metadata")
	}
	t.RequestMetadata = string(raw)
	return nil
}

// DecodeMetadata returns request_metadata as a map, never nil.
func (t *VideoTask) DecodeMetadata() (map[string]any, error) {
	meta := map[string]any{}
	if t.RequestMetadata == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(t.RequestMetadata), &meta); err != nil {
		return nil, errors.Wrap(err, "decode request_metadata")
	}
	return meta, nil
}
