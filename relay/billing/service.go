package billing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aetherlab/aether/common/config"
	"github.com/aetherlab/aether/model"
)

// SnapshotVersion tags persisted billing snapshots; bump when the snapshot
// shape changes.
const SnapshotVersion = "2.0"

// Snapshot is the immutable audit record persisted into
// usage.request_metadata. Decimal amounts are serialized as strings so the
// record survives JSON round trips exactly.
type Snapshot struct {
	Version            string            `json:"version"`
	RuleId             string            `json:"rule_id,omitempty"`
	RuleName           string            `json:"rule_name,omitempty"`
	RuleScope          string            `json:"rule_scope,omitempty"`
	Expression         string            `json:"expression,omitempty"`
	ResolvedDimensions map[string]any    `json:"resolved_dimensions,omitempty"`
	ResolvedVariables  map[string]string `json:"resolved_variables,omitempty"`
	CostBreakdown      map[string]string `json:"cost_breakdown,omitempty"`
	TotalCost          string            `json:"total_cost"`
	Tier               string            `json:"tier,omitempty"`
	MissingRequired    []string          `json:"missing_required,omitempty"`
	Status             string            `json:"status"`
	CalculatedAt       string            `json:"calculated_at"`
}

// Calculate runs the full engine for one request: derive implicit dimensions,
// resolve the rule, evaluate, and build the audit snapshot. A missing rule
// yields a no_rule snapshot with zero cost, not an error.
func Calculate(taskType, modelName string, providerId int, dims map[string]any) (*Snapshot, decimal.Decimal, error) {
	dims = withDerivedDimensions(dims)

	rule, err := ResolveRule(providerId, modelName, taskType)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if rule == nil {
		return &Snapshot{
			Version:            SnapshotVersion,
			ResolvedDimensions: dims,
			TotalCost:          "0",
			Status:             StatusNoRule,
			CalculatedAt:       time.Now().UTC().Format(time.RFC3339),
		}, decimal.Zero, nil
	}

	result, err := EvaluateRule(rule, dims, config.BillingStrictMode)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return buildSnapshot(rule, result), result.Total, nil
}

func buildSnapshot(rule *VirtualBillingRule, result *CostResult) *Snapshot {
	snapshot := &Snapshot{
		Version:            SnapshotVersion,
		RuleId:             rule.ID,
		RuleName:           rule.Name,
		RuleScope:          rule.Scope,
		Expression:         rule.Expression,
		ResolvedDimensions: result.ResolvedDimensions,
		ResolvedVariables:  map[string]string{},
		CostBreakdown:      map[string]string{},
		TotalCost:          result.Total.String(),
		Tier:               rule.Tier,
		MissingRequired:    result.MissingRequired,
		Status:             result.Status,
		CalculatedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	// Variables that restate a collected dimension or a cost component are
	// noise in the audit record; the dimensions and breakdown already carry
	// them.
	for name, v := range result.ResolvedVariables {
		if _, isDim := result.ResolvedDimensions[name]; isDim {
			continue
		}
		if strings.HasSuffix(name, "_cost") {
			continue
		}
		snapshot.ResolvedVariables[name] = v.String()
	}
	for name, v := range result.Breakdown {
		snapshot.CostBreakdown[name] = v.String()
	}
	return snapshot
}

// withDerivedDimensions fills the implicit dimensions every rule may assume:
// request_count defaults to 1 and total_input_context sums all input-side
// token classes.
func withDerivedDimensions(dims map[string]any) map[string]any {
	out := make(map[string]any, len(dims)+2)
	for k, v := range dims {
		out[k] = v
	}
	if _, ok := out["request_count"]; !ok {
		out["request_count"] = 1
	}
	input, _ := toInt(out["input_tokens"])
	cacheCreation, _ := toInt(out["cache_creation_tokens"])
	cacheRead, _ := toInt(out["cache_read_tokens"])
	out["total_input_context"] = input + cacheCreation + cacheRead
	return out
}

// CalculateLegacy is the pre-engine cost path: plain input/output token
// pricing, no components, no snapshot. It remains the billed truth in legacy
// and shadow modes.
func CalculateLegacy(modelName string, providerId int, dims map[string]any) (decimal.Decimal, error) {
	ctx, err := loadRuleContext(providerId, modelName, model.TaskTypeChat)
	if err != nil {
		return decimal.Zero, err
	}
	if ctx == nil || ctx.Pricing == nil {
		return decimal.Zero, nil
	}
	input, _ := toInt(dims["input_tokens"])
	output, _ := toInt(dims["output_tokens"])
	million := decimal.NewFromInt(1_000_000)
	inputCost := decimal.NewFromFloat(ctx.Pricing.InputPer1M).Mul(decimal.NewFromInt(int64(input))).Div(million)
	outputCost := decimal.NewFromFloat(ctx.Pricing.OutputPer1M).Mul(decimal.NewFromInt(int64(output))).Div(million)
	return QuantizeCost(inputCost).Add(QuantizeCost(outputCost)), nil
}
