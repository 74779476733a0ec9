package model

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"
)

// GlobalModel is the vendor-neutral model catalog entry. Config carries
// billing rules and model metadata as free-form JSON.
type GlobalModel struct {
	Id        int    `json:"id"`
	Name      string `json:"name" gorm:"uniqueIndex"`
	Config    string `json:"config,omitempty" gorm:"type:text"`
	Enabled   bool   `json:"enabled" gorm:"default:true"`
	CreatedAt int64  `json:"created_at" gorm:"bigint"`
}

// Model is a per-provider binding of a GlobalModel, optionally overriding
// its config (pricing tiers, mapped upstream name).
type Model struct {
	Id            int    `json:"id"`
	GlobalModelId int    `json:"global_model_id" gorm:"index"`
	ProviderId    int    `json:"provider_id" gorm:"index"`
	Name          string `json:"name" gorm:"index"`
	UpstreamName  string `json:"upstream_name,omitempty"`
	Config        string `json:"config,omitempty" gorm:"type:text"`
	Enabled       bool   `json:"enabled" gorm:"default:true"`
}

// ModelConfig is the decoded shape of GlobalModel.Config / Model.Config.
// BillingRules entries feed the virtual rule builder.
type ModelConfig struct {
	BillingRules []json.RawMessage `json:"billing_rules,omitempty"`
	Pricing      json.RawMessage   `json:"pricing,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

// DecodeConfig decodes the global model config; empty means no overrides.
func (m *GlobalModel) DecodeConfig() (*ModelConfig, error) {
	return decodeModelConfig(m.Config, "global model", m.Name)
}

// DecodeConfig decodes the per-provider model config.
func (m *Model) DecodeConfig() (*ModelConfig, error) {
	return decodeModelConfig(m.Config, "model", m.Name)
}

func decodeModelConfig(raw, kind, name string) (*ModelConfig, error) {
	if raw == "" {
		return nil, nil
	}
	var cfg ModelConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, errors.Wrapf(err, "decode %s config: %s", kind, name)
	}
	return &cfg, nil
}

// GetGlobalModelByName returns the catalog entry, or (nil, nil) when absent.
func GetGlobalModelByName(name string) (*GlobalModel, error) {
	var gm GlobalModel
	err := DB.Where(&GlobalModel{Name: name}).First(&gm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query global model %s", name)
	}
	return &gm, nil
}

// GetProviderModel returns the per-provider model row, or (nil, nil) when the
// provider has no explicit binding for this model name.
func GetProviderModel(providerId int, name string) (*Model, error) {
	var m Model
	err := DB.Where("provider_id = ? AND name = ?", providerId, name).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query model %s for provider %d", name, providerId)
	}
	return &m, nil
}
