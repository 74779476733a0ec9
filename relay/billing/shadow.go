package billing

import (
	"encoding/json"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/Laisky/zap"
	"github.com/shopspring/decimal"

	"github.com/aetherlab/aether/common/config"
	"github.com/aetherlab/aether/common/logger"
	"github.com/aetherlab/aether/monitor"
)

// invariantTolerance bounds the acceptable drift between a snapshot total and
// the sum of its breakdown. Quantized-component summation normally makes the
// difference exactly zero.
var invariantTolerance = decimal.New(1, -8)

// fallbackFactor scales the diff threshold for new_with_fallback: only a
// gross divergence reverts the billed truth to legacy.
const fallbackFactor = 10

// engineOverride is one compiled entry of BILLING_ENGINE_OVERRIDES.
type engineOverride struct {
	pattern string
	mode    string
}

type overrideSet struct {
	source  string
	entries []engineOverride
}

var (
	overrideMu       sync.Mutex
	compiledOverride *overrideSet
)

// compileOverrides parses the overrides JSON once per distinct config value.
// Keys are fnmatch-style patterns over "provider/model"; more specific
// patterns win, with lexical order breaking ties.
func compileOverrides(raw string) []engineOverride {
	overrideMu.Lock()
	defer overrideMu.Unlock()
	if compiledOverride != nil && compiledOverride.source == raw {
		return compiledOverride.entries
	}

	var entries []engineOverride
	if raw != "" {
		parsed := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			logger.Logger.Error("invalid BILLING_ENGINE_OVERRIDES, ignoring", zap.Error(err))
		} else {
			for pattern, mode := range parsed {
				if !config.IsValidBillingMode(mode) {
					logger.Logger.Error("invalid billing mode in override",
						zap.String("pattern", pattern), zap.String("mode", mode))
					continue
				}
				entries = append(entries, engineOverride{pattern: pattern, mode: mode})
			}
			sort.Slice(entries, func(i, j int) bool {
				if len(entries[i].pattern) != len(entries[j].pattern) {
					return len(entries[i].pattern) > len(entries[j].pattern)
				}
				return entries[i].pattern < entries[j].pattern
			})
		}
	}
	compiledOverride = &overrideSet{source: raw, entries: entries}
	return entries
}

// ResolveEngineMode picks the billing mode for (provider, model): the first
// matching override, else the base mode from BILLING_ENGINE.
func ResolveEngineMode(providerName, modelName string) string {
	subject := providerName + "/" + modelName
	for _, o := range compileOverrides(config.BillingEngineOverrides) {
		if matched, err := path.Match(o.pattern, subject); err == nil && matched {
			return o.mode
		}
	}
	return config.BillingEngine
}

// ShadowResult is the reconciled outcome of one billing calculation.
// TruthTotal is what gets billed; Snapshot, when present, is persisted for
// audit regardless of which engine is truth.
type ShadowResult struct {
	Mode        string
	TruthEngine string
	TruthTotal  decimal.Decimal
	Snapshot    *Snapshot
	DiffUSD     decimal.Decimal
	FellBack    bool
}

// CalculateWithShadow runs the engine mode resolved for (provider, model).
// legacyTotal is the pre-engine cost computed by the caller; it stays the
// billed truth except in new/new_with_fallback modes.
func CalculateWithShadow(taskType, modelName, providerName string, providerId int, dims map[string]any, legacyTotal decimal.Decimal) (*ShadowResult, error) {
	mode := ResolveEngineMode(providerName, modelName)
	monitor.BillingRequests.WithLabelValues(mode).Inc()

	if mode == config.BillingModeLegacy {
		return &ShadowResult{Mode: mode, TruthEngine: "legacy", TruthTotal: legacyTotal}, nil
	}

	snapshot, newTotal, err := Calculate(taskType, modelName, providerId, dims)
	if err != nil {
		return nil, err
	}
	checkInvariant(snapshot)

	diff := legacyTotal.Sub(newTotal)
	threshold := decimal.NewFromFloat(config.BillingDiffThresholdUSD)
	if diff.Abs().GreaterThan(threshold) {
		monitor.BillingDiffExceedsThreshold.Inc()
		logBillingDiff("billing engines disagree",
			zap.String("model", modelName),
			zap.String("provider", providerName),
			zap.String("mode", mode),
			zap.String("legacy_total", legacyTotal.String()),
			zap.String("new_total", newTotal.String()),
			zap.String("diff_usd", diff.String()))
	}

	result := &ShadowResult{Mode: mode, Snapshot: snapshot, DiffUSD: diff}
	switch mode {
	case config.BillingModeShadow:
		result.TruthEngine = "legacy"
		result.TruthTotal = legacyTotal
	case config.BillingModeNew:
		result.TruthEngine = "new"
		result.TruthTotal = newTotal
	case config.BillingModeNewWithFallback:
		if diff.Abs().GreaterThan(threshold.Mul(decimal.NewFromInt(fallbackFactor))) {
			monitor.BillingFallback.Inc()
			result.TruthEngine = "legacy"
			result.TruthTotal = legacyTotal
			result.FellBack = true
		} else {
			result.TruthEngine = "new"
			result.TruthTotal = newTotal
		}
	default:
		result.TruthEngine = "legacy"
		result.TruthTotal = legacyTotal
	}
	return result, nil
}

// normalizeDiffLogLevel clamps BILLING_DIFF_LOG_LEVEL to a supported level;
// unrecognized values report at warn.
func normalizeDiffLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "info":
		return "info"
	case "error":
		return "error"
	default:
		return "warn"
	}
}

// logBillingDiff reports an over-threshold engine diff at the configured level.
func logBillingDiff(msg string, fields ...zap.Field) {
	switch normalizeDiffLogLevel(config.BillingDiffLogLevel) {
	case "debug":
		logger.Logger.Debug(msg, fields...)
	case "info":
		logger.Logger.Info(msg, fields...)
	case "error":
		logger.Logger.Error(msg, fields...)
	default:
		logger.Logger.Warn(msg, fields...)
	}
}

// checkInvariant verifies total == sum(breakdown) on complete snapshots.
func checkInvariant(snapshot *Snapshot) {
	if snapshot == nil || snapshot.Status != StatusComplete {
		return
	}
	total, err := decimal.NewFromString(snapshot.TotalCost)
	if err != nil {
		return
	}
	sum := decimal.Zero
	for _, v := range snapshot.CostBreakdown {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return
		}
		sum = sum.Add(d)
	}
	if total.Sub(sum).Abs().GreaterThan(invariantTolerance) {
		monitor.BillingInvariantViolation.Inc()
		logger.Logger.Error("billing snapshot total drifts from breakdown sum",
			zap.String("rule_id", snapshot.RuleId),
			zap.String("total", snapshot.TotalCost))
	}
}
