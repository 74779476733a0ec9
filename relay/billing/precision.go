// Package billing computes per-request cost from collected dimensions through
// resolved billing rules, with a shadow path for engine reconciliation.
package billing

import (
	"encoding/json"
	"strconv"

	"github.com/Laisky/errors/v2"
	"github.com/shopspring/decimal"
)

const (
	// costScale is the quantization applied to every cost component before
	// summation. Totals are sums of quantized components so that independent
	// recomputation reproduces them bit for bit.
	costScale = 8
	// displayScale is the coarser quantization for user-facing totals.
	displayScale = 6
)

func init() {
	decimal.DivisionPrecision = 28
}

// QuantizeCost rounds a component cost to 8 decimal places, half away from
// zero. Costs are non-negative so this matches half-up.
func QuantizeCost(d decimal.Decimal) decimal.Decimal {
	return d.Round(costScale)
}

// QuantizeDisplay rounds a total for display.
func QuantizeDisplay(d decimal.Decimal) decimal.Decimal {
	return d.Round(displayScale)
}

// ToDecimal converts a collected dimension or config value to a decimal.
func ToDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, errors.New("nil value")
	case decimal.Decimal:
		return x, nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case float64:
		return decimal.NewFromFloat(x), nil
	case float32:
		return decimal.NewFromFloat32(x), nil
	case json.Number:
		return decimal.NewFromString(x.String())
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "parse decimal from %q", x)
		}
		return d, nil
	case bool:
		if x {
			return decimal.NewFromInt(1), nil
		}
		return decimal.Zero, nil
	default:
		return decimal.Zero, errors.Errorf("cannot convert %T to decimal", v)
	}
}

// toInt coerces a collected value to an int for token arithmetic.
func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i), true
		}
		if f, err := x.Float64(); err == nil {
			return int(f), true
		}
		return 0, false
	case string:
		if i, err := strconv.Atoi(x); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return int(f), true
		}
		return 0, false
	default:
		return 0, false
	}
}
