package billing

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/aetherlab/aether/common/config"
	"github.com/aetherlab/aether/model"
)

// Dimension mapping sources.
const (
	MappingSourceDimension = "dimension"
	MappingSourceMatrix    = "matrix"
	MappingSourceComputed  = "computed"
)

// DimensionMapping binds one rule-scope name to collected dimensions.
// dimension copies a value, matrix looks one up by a key dimension, computed
// evaluates a sub-expression over already-resolved names.
type DimensionMapping struct {
	Source     string         `json:"source"`
	Dimension  string         `json:"dimension,omitempty"`
	Matrix     map[string]any `json:"matrix,omitempty"`
	Expression string         `json:"expression,omitempty"`
	Required   bool           `json:"required,omitempty"`
	AllowZero  bool           `json:"allow_zero,omitempty"`
	Default    any            `json:"default,omitempty"`
}

// VirtualBillingRule is a synthesized billing rule for one
// (provider, model, task_type). Rules are built by templates from model
// configuration and never persisted.
type VirtualBillingRule struct {
	ID                string
	Name              string
	Scope             string
	Expression        string
	Variables         map[string]any
	DimensionMappings map[string]DimensionMapping
	Tier              string
}

// Pricing is the decoded pricing block of a model config. Per-1M prices are
// USD per million tokens; VideoPerSecond maps normalized resolution keys to
// USD per second, with "default" as the miss fallback.
type Pricing struct {
	InputPer1M         float64            `json:"input_per_1m"`
	OutputPer1M        float64            `json:"output_per_1m"`
	CacheReadPer1M     float64            `json:"cache_read_per_1m"`
	CacheCreationPer1M float64            `json:"cache_creation_per_1m"`
	PerRequest         float64            `json:"per_request"`
	VideoPerSecond     map[string]float64 `json:"video_per_second,omitempty"`
}

// RuleContext carries everything a rule template needs to decide and build.
type RuleContext struct {
	ProviderId    int
	ModelName     string
	TaskType      string
	GlobalModel   *model.GlobalModel
	ProviderModel *model.Model
	Pricing       *Pricing
}

// RuleTemplate synthesizes rules from model configuration. Templates are
// consulted in descending priority; the first whose task types and match
// predicate accept the context wins.
type RuleTemplate struct {
	Name      string
	Priority  int
	TaskTypes []string
	Match     func(*RuleContext) bool
	Build     func(*RuleContext) (*VirtualBillingRule, error)
}

var ruleTemplates = []RuleTemplate{universalTemplate()}

func init() {
	sort.SliceStable(ruleTemplates, func(i, j int) bool {
		return ruleTemplates[i].Priority > ruleTemplates[j].Priority
	})
}

// universalTemplate covers token-priced chat and per-second-priced video with
// one expression; component terms resolve to zero when their dimensions are
// absent.
func universalTemplate() RuleTemplate {
	return RuleTemplate{
		Name:      "universal",
		Priority:  100,
		TaskTypes: []string{model.TaskTypeChat, model.TaskTypeVideo},
		Match: func(ctx *RuleContext) bool {
			return ctx.Pricing != nil
		},
		Build: buildUniversalRule,
	}
}

func buildUniversalRule(ctx *RuleContext) (*VirtualBillingRule, error) {
	p := ctx.Pricing
	matrix := map[string]any{}
	for key, price := range p.VideoPerSecond {
		matrix[NormalizeResolutionKey(key)] = price
	}
	return &VirtualBillingRule{
		ID:         "universal:" + ctx.ModelName,
		Name:       "universal",
		Scope:      "model",
		Expression: "(input_cost + output_cost + cache_creation_cost + cache_read_cost + request_cost) + video_cost",
		Variables: map[string]any{
			"input_price_per_1m":          p.InputPer1M,
			"output_price_per_1m":         p.OutputPer1M,
			"cache_read_price_per_1m":     p.CacheReadPer1M,
			"cache_creation_price_per_1m": p.CacheCreationPer1M,
			"price_per_request":           p.PerRequest,
		},
		DimensionMappings: map[string]DimensionMapping{
			"input_tokens":           {Source: MappingSourceDimension, Required: true, AllowZero: true, Default: 0},
			"output_tokens":          {Source: MappingSourceDimension, AllowZero: true, Default: 0},
			"cache_read_tokens":      {Source: MappingSourceDimension, AllowZero: true, Default: 0},
			"cache_creation_tokens":  {Source: MappingSourceDimension, AllowZero: true, Default: 0},
			"request_count":          {Source: MappingSourceDimension, Default: 1},
			"duration_seconds":       {Source: MappingSourceDimension, AllowZero: true, Default: 0},
			"video_price_per_second": {Source: MappingSourceMatrix, Dimension: "resolution", Matrix: matrix, Default: 0},
			"input_cost":             {Source: MappingSourceComputed, Expression: "input_price_per_1m * input_tokens / 1000000"},
			"output_cost":            {Source: MappingSourceComputed, Expression: "output_price_per_1m * output_tokens / 1000000"},
			"cache_read_cost":        {Source: MappingSourceComputed, Expression: "cache_read_price_per_1m * cache_read_tokens / 1000000"},
			"cache_creation_cost":    {Source: MappingSourceComputed, Expression: "cache_creation_price_per_1m * cache_creation_tokens / 1000000"},
			"request_cost":           {Source: MappingSourceComputed, Expression: "price_per_request * request_count"},
			"video_cost":             {Source: MappingSourceComputed, Expression: "video_price_per_second * duration_seconds"},
		},
	}, nil
}

// defaultRule is the fallback generator for models with pricing but no
// matching template; token costs only.
func defaultRule(ctx *RuleContext) *VirtualBillingRule {
	if ctx.Pricing == nil {
		return nil
	}
	return &VirtualBillingRule{
		ID:         "default:" + ctx.ModelName,
		Name:       "default",
		Scope:      "default",
		Expression: "input_cost + output_cost",
		Variables: map[string]any{
			"input_price_per_1m":  ctx.Pricing.InputPer1M,
			"output_price_per_1m": ctx.Pricing.OutputPer1M,
		},
		DimensionMappings: map[string]DimensionMapping{
			"input_tokens":  {Source: MappingSourceDimension, AllowZero: true, Default: 0},
			"output_tokens": {Source: MappingSourceDimension, AllowZero: true, Default: 0},
			"input_cost":    {Source: MappingSourceComputed, Expression: "input_price_per_1m * input_tokens / 1000000"},
			"output_cost":   {Source: MappingSourceComputed, Expression: "output_price_per_1m * output_tokens / 1000000"},
		},
	}
}

// ResolveRule returns the billing rule for (provider, model, task_type), or
// nil when the model is unknown or no generator applies. cli billing shares
// chat rules. Results, including negative ones, are cached per process.
func ResolveRule(providerId int, modelName, taskType string) (*VirtualBillingRule, error) {
	taskType = model.NormalizeTaskType(taskType)
	requireRule := config.BillingRequireRule
	cacheKey := ruleCacheKey(providerId, modelName, taskType, requireRule)
	if rule, ok := resolvedRules.Get(cacheKey); ok {
		return rule, nil
	}

	ctx, err := loadRuleContext(providerId, modelName, taskType)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		resolvedRules.Set(cacheKey, nil)
		return nil, nil
	}

	var rule *VirtualBillingRule
	for _, tmpl := range ruleTemplates {
		if !containsString(tmpl.TaskTypes, taskType) {
			continue
		}
		if tmpl.Match != nil && !tmpl.Match(ctx) {
			continue
		}
		rule, err = tmpl.Build(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "build rule from template %s for %s", tmpl.Name, modelName)
		}
		break
	}
	if rule == nil && (taskType == model.TaskTypeChat || !requireRule) {
		rule = defaultRule(ctx)
	}
	resolvedRules.Set(cacheKey, rule)
	return rule, nil
}

func loadRuleContext(providerId int, modelName, taskType string) (*RuleContext, error) {
	gm, err := model.GetGlobalModelByName(modelName)
	if err != nil {
		return nil, err
	}
	pm, err := model.GetProviderModel(providerId, modelName)
	if err != nil {
		return nil, err
	}
	if gm == nil && pm == nil {
		return nil, nil
	}

	var pricing *Pricing
	if gm != nil {
		cfg, err := gm.DecodeConfig()
		if err != nil {
			return nil, err
		}
		if cfg != nil {
			if pricing, err = decodePricing(cfg.Pricing); err != nil {
				return nil, errors.Wrapf(err, "global model %s pricing", modelName)
			}
		}
	}
	if pm != nil {
		cfg, err := pm.DecodeConfig()
		if err != nil {
			return nil, err
		}
		if cfg != nil && len(cfg.Pricing) > 0 {
			// Per-provider pricing overrides the catalog entry wholesale.
			if pricing, err = decodePricing(cfg.Pricing); err != nil {
				return nil, errors.Wrapf(err, "provider %d model %s pricing", providerId, modelName)
			}
		}
	}

	return &RuleContext{
		ProviderId:    providerId,
		ModelName:     modelName,
		TaskType:      taskType,
		GlobalModel:   gm,
		ProviderModel: pm,
		Pricing:       pricing,
	}, nil
}

func decodePricing(raw json.RawMessage) (*Pricing, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var p Pricing
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "decode pricing")
	}
	return &p, nil
}

// NormalizeResolutionKey canonicalizes a resolution string for matrix lookup:
// lowercase, multiplication signs and spaces collapse to "x", and the two
// sides order ascending so "1280x720" and "720x1280" share one key.
func NormalizeResolutionKey(key string) string {
	normalized := strings.ToLower(strings.TrimSpace(key))
	normalized = strings.ReplaceAll(normalized, "×", "x")
	normalized = strings.ReplaceAll(normalized, "*", "x")
	normalized = strings.ReplaceAll(normalized, " ", "")
	parts := strings.Split(normalized, "x")
	if len(parts) != 2 {
		return normalized
	}
	a, errA := strconv.Atoi(parts[0])
	b, errB := strconv.Atoi(parts[1])
	if errA != nil || errB != nil {
		return normalized
	}
	if a > b {
		a, b = b, a
	}
	return strconv.Itoa(a) + "x" + strconv.Itoa(b)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
