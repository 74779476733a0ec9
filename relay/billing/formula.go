package billing

import (
	"sort"
	"strings"
	"unicode"

	"github.com/Laisky/errors/v2"
	"github.com/shopspring/decimal"

	"github.com/aetherlab/aether/relay/relayerr"
)

// Billing outcome statuses recorded on snapshots.
const (
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"
	StatusNoRule     = "no_rule"
	StatusLegacy     = "legacy"
)

// CostResult is the outcome of evaluating one rule over collected dimensions.
// Breakdown holds the quantized per-term costs; Total is their exact sum.
type CostResult struct {
	Total              decimal.Decimal
	Breakdown          map[string]decimal.Decimal
	ResolvedDimensions map[string]any
	ResolvedVariables  map[string]decimal.Decimal
	MissingRequired    []string
	Status             string
}

// EvaluateRule resolves the rule's dimension mappings against collected
// dimensions, then evaluates the rule expression term by term. Each top-level
// additive term is quantized to 8 decimal places before summation. A missing
// required dimension yields status incomplete with zero cost, or an error
// under strict mode.
func EvaluateRule(rule *VirtualBillingRule, dims map[string]any, strict bool) (*CostResult, error) {
	result := &CostResult{
		Breakdown:          map[string]decimal.Decimal{},
		ResolvedDimensions: map[string]any{},
		ResolvedVariables:  map[string]decimal.Decimal{},
		Status:             StatusComplete,
	}

	scope := map[string]decimal.Decimal{}
	for name, v := range rule.Variables {
		d, err := ToDecimal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %s: variable %s", rule.ID, name)
		}
		scope[name] = d
		result.ResolvedVariables[name] = d
	}
	for name, v := range dims {
		result.ResolvedDimensions[name] = v
		if d, err := ToDecimal(v); err == nil {
			scope[name] = d
		}
	}

	// Dimension and matrix mappings resolve first; computed mappings may
	// reference their results.
	for _, name := range sortedMappingNames(rule.DimensionMappings, false) {
		mapping := rule.DimensionMappings[name]
		value, ok := resolveDirectMapping(name, mapping, dims, scope)
		if !ok {
			if mapping.Required && !mapping.AllowZero {
				result.MissingRequired = append(result.MissingRequired, name)
				continue
			}
			value = decimal.Zero
		}
		scope[name] = value
		result.ResolvedVariables[name] = value
	}
	for _, name := range sortedMappingNames(rule.DimensionMappings, true) {
		mapping := rule.DimensionMappings[name]
		value, err := EvalExpression(mapping.Expression, scope)
		if err != nil {
			if mapping.Required && !mapping.AllowZero {
				result.MissingRequired = append(result.MissingRequired, name)
				continue
			}
			value = defaultOrZero(mapping)
		}
		scope[name] = value
		result.ResolvedVariables[name] = value
	}

	if len(result.MissingRequired) > 0 {
		sort.Strings(result.MissingRequired)
		result.Status = StatusIncomplete
		result.Total = decimal.Zero
		if strict {
			return result, relayerr.New(relayerr.KindBillingIncomplete,
				"missing required billing dimensions: "+strings.Join(result.MissingRequired, ", "))
		}
		return result, nil
	}

	terms, err := SplitTerms(rule.Expression)
	if err != nil {
		return nil, errors.Wrapf(err, "rule %s: parse expression", rule.ID)
	}
	total := decimal.Zero
	for _, term := range terms {
		value, err := EvalExpression(term.Text, scope)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %s: evaluate term %s", rule.ID, term.Label)
		}
		quantized := QuantizeCost(value)
		result.Breakdown[term.Label] = quantized
		total = total.Add(quantized)
	}
	result.Total = total
	return result, nil
}

func resolveDirectMapping(name string, mapping DimensionMapping, dims map[string]any, scope map[string]decimal.Decimal) (decimal.Decimal, bool) {
	switch mapping.Source {
	case MappingSourceDimension:
		key := mapping.Dimension
		if key == "" {
			key = name
		}
		raw, ok := dims[key]
		if !ok || raw == nil {
			if mapping.Default != nil {
				d, err := ToDecimal(mapping.Default)
				return d, err == nil
			}
			return decimal.Zero, false
		}
		d, err := ToDecimal(raw)
		return d, err == nil
	case MappingSourceMatrix:
		raw, ok := dims[mapping.Dimension]
		if ok && raw != nil {
			if key, isStr := raw.(string); isStr {
				if v, hit := mapping.Matrix[NormalizeResolutionKey(key)]; hit {
					d, err := ToDecimal(v)
					return d, err == nil
				}
			}
		}
		if v, hit := mapping.Matrix["default"]; hit {
			d, err := ToDecimal(v)
			return d, err == nil
		}
		if mapping.Default != nil {
			d, err := ToDecimal(mapping.Default)
			return d, err == nil
		}
		return decimal.Zero, false
	default:
		return decimal.Zero, false
	}
}

func defaultOrZero(mapping DimensionMapping) decimal.Decimal {
	if mapping.Default != nil {
		if d, err := ToDecimal(mapping.Default); err == nil {
			return d
		}
	}
	return decimal.Zero
}

func sortedMappingNames(mappings map[string]DimensionMapping, computed bool) []string {
	var names []string
	for name, m := range mappings {
		if (m.Source == MappingSourceComputed) == computed {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Term is one top-level additive term of a rule expression.
type Term struct {
	// Label names the term in the cost breakdown; it is the first identifier
	// appearing in the term text.
	Label string
	Text  string
}

// SplitTerms flattens an expression into its top-level additive terms,
// recursing through purely parenthesized groups.
func SplitTerms(expr string) ([]Term, error) {
	parts, err := splitAdditive(expr)
	if err != nil {
		return nil, err
	}
	var terms []Term
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if inner, ok := stripOuterParens(trimmed); ok {
			sub, err := SplitTerms(inner)
			if err != nil {
				return nil, err
			}
			terms = append(terms, sub...)
			continue
		}
		label := firstIdentifier(trimmed)
		if label == "" {
			label = trimmed
		}
		terms = append(terms, Term{Label: label, Text: trimmed})
	}
	return terms, nil
}

func splitAdditive(expr string) ([]string, error) {
	var parts []string
	depth, start := 0, 0
	for i, r := range expr {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, errors.Errorf("unbalanced parentheses in %q", expr)
			}
		case '+':
			if depth == 0 {
				parts = append(parts, expr[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, errors.Errorf("unbalanced parentheses in %q", expr)
	}
	parts = append(parts, expr[start:])
	return parts, nil
}

func stripOuterParens(expr string) (string, bool) {
	if len(expr) < 2 || expr[0] != '(' || expr[len(expr)-1] != ')' {
		return "", false
	}
	depth := 0
	for i, r := range expr {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(expr)-1 {
				return "", false
			}
		}
	}
	return expr[1 : len(expr)-1], true
}

func firstIdentifier(expr string) string {
	for i := 0; i < len(expr); i++ {
		if isIdentStart(rune(expr[i])) {
			j := i
			for j < len(expr) && isIdentPart(rune(expr[j])) {
				j++
			}
			return expr[i:j]
		}
	}
	return ""
}

// EvalExpression evaluates an arithmetic expression (+ - * /, parentheses,
// identifiers, numeric literals) over decimal-valued scope entries.
// Referencing an unbound identifier is an error so callers can distinguish
// a missing dimension from a zero one.
func EvalExpression(expr string, scope map[string]decimal.Decimal) (decimal.Decimal, error) {
	p := &exprParser{input: expr, scope: scope}
	v, err := p.parseSum()
	if err != nil {
		return decimal.Zero, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return decimal.Zero, errors.Errorf("unexpected %q at offset %d in %q", p.input[p.pos:], p.pos, expr)
	}
	return v, nil
}

type exprParser struct {
	input string
	pos   int
	scope map[string]decimal.Decimal
}

func (p *exprParser) parseSum() (decimal.Decimal, error) {
	left, err := p.parseProduct()
	if err != nil {
		return decimal.Zero, err
	}
	for {
		p.skipSpace()
		switch {
		case p.peek() == '+':
			p.pos++
			right, err := p.parseProduct()
			if err != nil {
				return decimal.Zero, err
			}
			left = left.Add(right)
		case p.peek() == '-':
			p.pos++
			right, err := p.parseProduct()
			if err != nil {
				return decimal.Zero, err
			}
			left = left.Sub(right)
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseProduct() (decimal.Decimal, error) {
	left, err := p.parseUnary()
	if err != nil {
		return decimal.Zero, err
	}
	for {
		p.skipSpace()
		switch {
		case p.peek() == '*':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return decimal.Zero, err
			}
			left = left.Mul(right)
		case p.peek() == '/':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return decimal.Zero, err
			}
			if right.IsZero() {
				return decimal.Zero, errors.Errorf("division by zero in %q", p.input)
			}
			left = left.Div(right)
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseUnary() (decimal.Decimal, error) {
	p.skipSpace()
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return decimal.Zero, err
		}
		return v.Neg(), nil
	}
	return p.parseAtom()
}

func (p *exprParser) parseAtom() (decimal.Decimal, error) {
	p.skipSpace()
	c := p.peek()
	switch {
	case c == '(':
		p.pos++
		v, err := p.parseSum()
		if err != nil {
			return decimal.Zero, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return decimal.Zero, errors.Errorf("missing closing parenthesis in %q", p.input)
		}
		p.pos++
		return v, nil
	case unicode.IsDigit(c) || c == '.':
		start := p.pos
		for p.pos < len(p.input) {
			ch := p.input[p.pos]
			if unicode.IsDigit(rune(ch)) || ch == '.' {
				p.pos++
				continue
			}
			if ch == 'e' || ch == 'E' {
				p.pos++
				// An exponent may carry a sign, as in 1e-5.
				if p.pos < len(p.input) && (p.input[p.pos] == '+' || p.input[p.pos] == '-') {
					p.pos++
				}
				continue
			}
			break
		}
		return decimal.NewFromString(p.input[start:p.pos])
	case isIdentStart(c):
		start := p.pos
		for p.pos < len(p.input) && isIdentPart(rune(p.input[p.pos])) {
			p.pos++
		}
		name := p.input[start:p.pos]
		v, ok := p.scope[name]
		if !ok {
			return decimal.Zero, errors.Errorf("unbound identifier %q", name)
		}
		return v, nil
	default:
		return decimal.Zero, errors.Errorf("unexpected character at offset %d in %q", p.pos, p.input)
	}
}

func (p *exprParser) peek() rune {
	if p.pos >= len(p.input) {
		return 0
	}
	return rune(p.input[p.pos])
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}
