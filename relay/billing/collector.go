package billing

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/Laisky/zap"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/aetherlab/aether/common/logger"
	"github.com/aetherlab/aether/model"
	"github.com/aetherlab/aether/relay/apiformat"
)

// CollectorInput is the raw material dimensions are extracted from. Request
// and Response are JSON bodies; Metadata is free-form per-request state
// (video task fields, stream counters).
type CollectorInput struct {
	Request  []byte
	Response []byte
	Metadata map[string]any
}

// ApplicableCollectors returns the collector set for (api_format, task_type):
// rows from the dimension_collectors table overlaid on the built-in presets.
// Video formats additionally inherit the chat presets of their family, so
// token-bearing video responses still meter tokens.
func ApplicableCollectors(apiFormat, taskType string) ([]model.DimensionCollector, error) {
	stored, err := model.GetCollectors(apiFormat, taskType)
	if err != nil {
		return nil, err
	}
	collectors := append(stored, BuiltinCollectors(apiFormat, taskType)...)
	if taskType == model.TaskTypeVideo {
		collectors = append(collectors, BuiltinCollectors(apiFormat, model.TaskTypeChat)...)
	}
	return collectors, nil
}

// CollectDimensions resolves every dimension named by the collectors. For a
// dimension with several collectors the highest priority one that yields a
// value wins. Computed collectors run last and see the resolved map.
func CollectDimensions(collectors []model.DimensionCollector, in *CollectorInput) map[string]any {
	var metadataJSON []byte
	if in.Metadata != nil {
		metadataJSON, _ = json.Marshal(in.Metadata)
	}

	resolved := map[string]any{}
	runPass := func(computed bool) {
		for _, name := range collectorDimensionNames(collectors, computed) {
			if _, done := resolved[name]; done {
				continue
			}
			for _, c := range collectorsForDimension(collectors, name, computed) {
				value, ok := resolveCollector(&c, in, metadataJSON, resolved)
				if ok {
					resolved[name] = value
					break
				}
			}
		}
	}
	runPass(false)
	runPass(true)
	return resolved
}

func collectorDimensionNames(collectors []model.DimensionCollector, computed bool) []string {
	seen := map[string]bool{}
	var names []string
	for _, c := range collectors {
		if !c.IsEnabled || (c.SourceType == model.CollectorSourceComputed) != computed {
			continue
		}
		if !seen[c.DimensionName] {
			seen[c.DimensionName] = true
			names = append(names, c.DimensionName)
		}
	}
	sort.Strings(names)
	return names
}

func collectorsForDimension(collectors []model.DimensionCollector, name string, computed bool) []model.DimensionCollector {
	var matched []model.DimensionCollector
	for _, c := range collectors {
		if c.IsEnabled && c.DimensionName == name &&
			(c.SourceType == model.CollectorSourceComputed) == computed {
			matched = append(matched, c)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Priority > matched[j].Priority })
	return matched
}

func resolveCollector(c *model.DimensionCollector, in *CollectorInput, metadataJSON []byte, resolved map[string]any) (any, bool) {
	var raw any
	switch c.SourceType {
	case model.CollectorSourceRequest:
		raw = lookupPath(in.Request, c.SourcePath)
	case model.CollectorSourceResponse:
		raw = lookupPath(in.Response, c.SourcePath)
	case model.CollectorSourceMetadata:
		raw = lookupPath(metadataJSON, c.SourcePath)
	case model.CollectorSourceComputed:
		scope := map[string]decimal.Decimal{}
		for name, v := range resolved {
			if d, err := ToDecimal(v); err == nil {
				scope[name] = d
			}
		}
		value, err := EvalExpression(c.TransformExpression, scope)
		if err != nil {
			return fallbackValue(c)
		}
		raw = value
	default:
		return nil, false
	}
	if raw == nil {
		return fallbackValue(c)
	}

	if c.SourceType != model.CollectorSourceComputed && c.TransformExpression != "" {
		d, err := ToDecimal(raw)
		if err != nil {
			return fallbackValue(c)
		}
		transformed, err := EvalExpression(c.TransformExpression, map[string]decimal.Decimal{"value": d})
		if err != nil {
			logger.Logger.Debug("collector transform failed",
				zap.String("dimension", c.DimensionName), zap.Error(err))
			return fallbackValue(c)
		}
		raw = transformed
	}

	value, ok := coerceValue(raw, c.ValueType)
	if !ok {
		return fallbackValue(c)
	}
	return value, true
}

func lookupPath(doc []byte, path string) any {
	if len(doc) == 0 || path == "" {
		return nil
	}
	res := gjson.GetBytes(doc, path)
	if !res.Exists() || res.Type == gjson.Null {
		return nil
	}
	return res.Value()
}

func fallbackValue(c *model.DimensionCollector) (any, bool) {
	if c.DefaultValue == "" {
		return nil, false
	}
	value, ok := coerceValue(c.DefaultValue, c.ValueType)
	return value, ok
}

func coerceValue(raw any, valueType string) (any, bool) {
	switch valueType {
	case "string":
		switch x := raw.(type) {
		case string:
			return x, true
		case decimal.Decimal:
			return x.String(), true
		default:
			return fmt.Sprint(raw), true
		}
	case "float":
		if d, ok := raw.(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f, true
		}
		if s, ok := raw.(string); ok {
			f, err := strconv.ParseFloat(s, 64)
			return f, err == nil
		}
		d, err := ToDecimal(raw)
		if err != nil {
			return nil, false
		}
		f, _ := d.Float64()
		return f, true
	default: // int
		if d, ok := raw.(decimal.Decimal); ok {
			return int(d.IntPart()), true
		}
		v, ok := toInt(raw)
		if !ok {
			return nil, false
		}
		return v, true
	}
}

// BuiltinCollectors are the code-shipped presets per (family, task). They sit
// at priority 0 so stored rows override them.
func BuiltinCollectors(apiFormat, taskType string) []model.DimensionCollector {
	family, err := apiformat.BaseFamily(apiFormat)
	if err != nil {
		return nil
	}
	switch taskType {
	case model.TaskTypeChat, model.TaskTypeCLI:
		return builtinChatCollectors(apiFormat, family)
	case model.TaskTypeVideo:
		return builtinVideoCollectors(apiFormat)
	}
	return nil
}

func builtinChatCollectors(apiFormat string, family apiformat.Family) []model.DimensionCollector {
	mk := func(dim, path string) model.DimensionCollector {
		return model.DimensionCollector{
			ApiFormat: apiFormat, TaskType: model.TaskTypeChat, DimensionName: dim,
			SourceType: model.CollectorSourceResponse, SourcePath: path,
			ValueType: "int", IsEnabled: true,
		}
	}
	switch family {
	case apiformat.FamilyOpenAI:
		return []model.DimensionCollector{
			mk("input_tokens", "usage.prompt_tokens"),
			mk("output_tokens", "usage.completion_tokens"),
			mk("cache_read_tokens", "usage.prompt_tokens_details.cached_tokens"),
		}
	case apiformat.FamilyClaude:
		return []model.DimensionCollector{
			mk("input_tokens", "usage.input_tokens"),
			mk("output_tokens", "usage.output_tokens"),
			mk("cache_read_tokens", "usage.cache_read_input_tokens"),
			mk("cache_creation_tokens", "usage.cache_creation_input_tokens"),
		}
	case apiformat.FamilyGemini:
		return []model.DimensionCollector{
			mk("input_tokens", "usageMetadata.promptTokenCount"),
			mk("output_tokens", "usageMetadata.candidatesTokenCount"),
			mk("cache_read_tokens", "usageMetadata.cachedContentTokenCount"),
		}
	}
	return nil
}

func builtinVideoCollectors(apiFormat string) []model.DimensionCollector {
	return []model.DimensionCollector{
		{
			ApiFormat: apiFormat, TaskType: model.TaskTypeVideo, DimensionName: "duration_seconds",
			SourceType: model.CollectorSourceMetadata, SourcePath: "duration_seconds",
			ValueType: "float", IsEnabled: true,
		},
		{
			ApiFormat: apiFormat, TaskType: model.TaskTypeVideo, DimensionName: "resolution",
			SourceType: model.CollectorSourceMetadata, SourcePath: "resolution",
			ValueType: "string", IsEnabled: true,
		},
		{
			ApiFormat: apiFormat, TaskType: model.TaskTypeVideo, DimensionName: "request_count",
			SourceType: model.CollectorSourceMetadata, SourcePath: "request_count",
			ValueType: "int", DefaultValue: "1", IsEnabled: true,
		},
	}
}
