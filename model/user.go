package model

import (
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"

	"github.com/aetherlab/aether/common/random"
)

const (
	UserStatusEnabled  = 1
	UserStatusDisabled = 2
)

// User is a gateway tenant. Authentication happens through api keys, not
// passwords; users exist for attribution and quota grouping.
type User struct {
	Id          int    `json:"id"`
	Username    string `json:"username" gorm:"unique;index"`
	DisplayName string `json:"display_name" gorm:"index"`
	Status      int    `json:"status" gorm:"type:int;default:1"`
	CreatedAt   int64  `json:"created_at" gorm:"bigint"`
}

const (
	ApiKeyStatusEnabled  = 1
	ApiKeyStatusDisabled = 2
)

// ApiKey is a client-facing credential. The key value is stored hashed-free
// but opaque (sk-...); lookups go through the unique index.
type ApiKey struct {
	Id           int     `json:"id"`
	UserId       int     `json:"user_id" gorm:"index"`
	Key          string  `json:"key" gorm:"type:varchar(64);uniqueIndex"`
	Name         string  `json:"name" gorm:"index"`
	Status       int     `json:"status" gorm:"default:1"`
	TotalRequests int64  `json:"total_requests" gorm:"default:0"`
	TotalCostUSD float64 `json:"total_cost_usd" gorm:"column:total_cost_usd;default:0"`
	LastUsedAt   int64   `json:"last_used_at" gorm:"bigint"`
	CreatedAt    int64   `json:"created_at" gorm:"bigint"`
}

// CreateApiKey issues a new credential for a user. The generated key carries
// the "sk-" prefix clients send verbatim.
func CreateApiKey(userId int, name string) (*ApiKey, error) {
	apiKey := &ApiKey{
		UserId:    userId,
		Key:       "sk-" + random.GenerateKey(),
		Name:      name,
		Status:    ApiKeyStatusEnabled,
		CreatedAt: time.Now().Unix(),
	}
	if err := DB.Create(apiKey).Error; err != nil {
		return nil, errors.Wrap(err, "create api key")
	}
	return apiKey, nil
}

// ValidateApiKey resolves a bearer credential to its ApiKey row. The "sk-"
// prefix clients send is part of the stored value.
func ValidateApiKey(key string) (*ApiKey, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("no api key provided")
	}
	var apiKey ApiKey
	err := DB.Where(&ApiKey{Key: key}).First(&apiKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("invalid api key")
		}
		return nil, errors.Wrap(err, "query api key")
	}
	if apiKey.Status != ApiKeyStatusEnabled {
		return nil, errors.New("api key is disabled")
	}
	return &apiKey, nil
}

// SyncApiKeyStats recomputes an api key's aggregate counters from the usage
// table. Run for a single key, or for all keys when id is zero. Aggregation is
// done in one grouped query so large installs do not pay a per-key scan.
func SyncApiKeyStats(apiKeyId int) (updated int, err error) {
	type aggRow struct {
		ApiKeyId int
		Requests int64
		Cost     float64
		LastUsed int64
	}
	var rows []aggRow
	q := DB.Model(&Usage{}).
		Select("api_key_id, COUNT(id) AS requests, COALESCE(SUM(total_cost_usd),0) AS cost, COALESCE(MAX(created_at),0) AS last_used").
		Where("api_key_id IS NOT NULL").
		Group("api_key_id")
	if apiKeyId != 0 {
		q = q.Where("api_key_id = ?", apiKeyId)
	}
	if err = q.Scan(&rows).Error; err != nil {
		return 0, errors.Wrap(err, "aggregate usage stats")
	}

	for _, row := range rows {
		res := DB.Model(&ApiKey{}).
			Where("id = ?", row.ApiKeyId).
			Where("total_requests != ? OR ABS(total_cost_usd - ?) > 0.0001", row.Requests, row.Cost).
			Updates(map[string]any{
				"total_requests": row.Requests,
				"total_cost_usd": row.Cost,
				"last_used_at":   row.LastUsed,
			})
		if res.Error != nil {
			return updated, errors.Wrapf(res.Error, "update api key %d stats", row.ApiKeyId)
		}
		updated += int(res.RowsAffected)
	}
	return updated, nil
}
