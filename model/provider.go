package model

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"
)

const (
	ProviderStatusEnabled  = 1
	ProviderStatusDisabled = 2
)

// Provider is an upstream vendor account (an OpenAI org, an Anthropic
// workspace, a GCP project). Endpoints and keys hang off it.
type Provider struct {
	Id        int    `json:"id"`
	Name      string `json:"name" gorm:"uniqueIndex"`
	Status    int    `json:"status" gorm:"default:1"`
	CreatedAt int64  `json:"created_at" gorm:"bigint"`

	Endpoints []ProviderEndpoint `json:"endpoints,omitempty" gorm:"foreignKey:ProviderId"`
	Keys      []ProviderAPIKey   `json:"keys,omitempty" gorm:"foreignKey:ProviderId"`
}

// FormatAcceptanceConfig controls which client formats an endpoint takes
// beyond its native one. Reject entries win over accept entries.
type FormatAcceptanceConfig struct {
	Enabled          bool     `json:"enabled"`
	AcceptFormats    []string `json:"accept_formats,omitempty"`
	RejectFormats    []string `json:"reject_formats,omitempty"`
	StreamConversion bool     `json:"stream_conversion"`
}

// BodyRule is a single request-body rewrite directive applied before the
// upstream call. Path is a dot path; set/delete are mutually exclusive.
type BodyRule struct {
	Path   string          `json:"path"`
	Set    json.RawMessage `json:"set,omitempty"`
	Delete bool            `json:"delete,omitempty"`
}

// ProviderEndpoint is one reachable upstream surface of a provider, bound to
// a single endpoint signature (api_family:endpoint_kind).
type ProviderEndpoint struct {
	Id           int    `json:"id"`
	ProviderId   int    `json:"provider_id" gorm:"index"`
	ApiFamily    string `json:"api_family" gorm:"type:varchar(16);index"`
	EndpointKind string `json:"endpoint_kind" gorm:"type:varchar(16);index"`
	BaseURL      string `json:"base_url"`
	PathOverride string `json:"path_override,omitempty"`
	Enabled      bool   `json:"enabled" gorm:"default:true"`

	FormatAcceptance string `json:"format_acceptance_config,omitempty" gorm:"column:format_acceptance_config;type:text"`
	BodyRules        string `json:"body_rules,omitempty" gorm:"type:text"`
	ExtraHeaders     string `json:"extra_headers,omitempty" gorm:"type:text"`
}

// AcceptanceConfig decodes format_acceptance_config; a missing or empty
// column means "native format only".
func (e *ProviderEndpoint) AcceptanceConfig() (*FormatAcceptanceConfig, error) {
	if e.FormatAcceptance == "" {
		return nil, nil
	}
	var cfg FormatAcceptanceConfig
	if err := json.Unmarshal([]byte(e.FormatAcceptance), &cfg); err != nil {
		return nil, errors.Wrapf(err, "decode format_acceptance_config for endpoint %d", e.Id)
	}
	return &cfg, nil
}

// DecodeBodyRules decodes body_rules; empty column means no rewriting.
func (e *ProviderEndpoint) DecodeBodyRules() ([]BodyRule, error) {
	if e.BodyRules == "" {
		return nil, nil
	}
	var rules []BodyRule
	if err := json.Unmarshal([]byte(e.BodyRules), &rules); err != nil {
		return nil, errors.Wrapf(err, "decode body_rules for endpoint %d", e.Id)
	}
	return rules, nil
}

// DecodeExtraHeaders decodes the static extra headers attached upstream.
func (e *ProviderEndpoint) DecodeExtraHeaders() (map[string]string, error) {
	if e.ExtraHeaders == "" {
		return nil, nil
	}
	headers := map[string]string{}
	if err := json.Unmarshal([]byte(e.ExtraHeaders), &headers); err != nil {
		return nil, errors.Wrapf(err, "decode extra_headers for endpoint %d", e.Id)
	}
	return headers, nil
}

// SignatureKey returns the canonical family:kind key of this endpoint.
func (e *ProviderEndpoint) SignatureKey() string {
	return e.ApiFamily + ":" + e.EndpointKind
}

const (
	ProviderKeyStatusEnabled  = 1
	ProviderKeyStatusDisabled = 2
)

// ProviderAPIKey holds an upstream credential, encrypted at rest. ApiFormats
// lists the signature keys this key may serve; empty means all of the
// provider's endpoint formats.
type ProviderAPIKey struct {
	Id               int    `json:"id"`
	ProviderId       int    `json:"provider_id" gorm:"index"`
	EncryptedKey     string `json:"-" gorm:"column:api_key;type:text"`
	ApiFormats       string `json:"api_formats,omitempty" gorm:"type:text"`
	InternalPriority int    `json:"internal_priority" gorm:"default:0;index"`
	Status           int    `json:"status" gorm:"default:1"`
	CreatedAt        int64  `json:"created_at" gorm:"bigint"`
}

// DecodeApiFormats decodes the advertised signature key list.
func (k *ProviderAPIKey) DecodeApiFormats() ([]string, error) {
	if k.ApiFormats == "" {
		return nil, nil
	}
	var formats []string
	if err := json.Unmarshal([]byte(k.ApiFormats), &formats); err != nil {
		return nil, errors.Wrapf(err, "decode api_formats for key %d", k.Id)
	}
	return formats, nil
}

// GetProviderById loads one provider row, or (nil, nil) when absent.
func GetProviderById(db *gorm.DB, id int) (*Provider, error) {
	var p Provider
	err := db.First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query provider %d", id)
	}
	return &p, nil
}

// GetProviderEndpointById loads one endpoint row, or (nil, nil) when absent.
func GetProviderEndpointById(db *gorm.DB, id int) (*ProviderEndpoint, error) {
	var e ProviderEndpoint
	err := db.First(&e, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query provider endpoint %d", id)
	}
	return &e, nil
}

// GetProviderAPIKeyById loads one key row, or (nil, nil) when absent.
func GetProviderAPIKeyById(db *gorm.DB, id int) (*ProviderAPIKey, error) {
	var k ProviderAPIKey
	err := db.First(&k, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query provider api key %d", id)
	}
	return &k, nil
}

// GetActiveProviders loads enabled providers with their enabled endpoints and
// keys for scheduling. Callers treat the result as read-only.
func GetActiveProviders() ([]Provider, error) {
	var providers []Provider
	err := DB.Where("status = ?", ProviderStatusEnabled).
		Preload("Endpoints", "enabled = ?", true).
		Preload("Keys", "status = ?", ProviderKeyStatusEnabled).
		Find(&providers).Error
	if err != nil {
		return nil, errors.Wrap(err, "load active providers")
	}
	return providers, nil
}
