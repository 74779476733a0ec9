package billing

import "github.com/aetherlab/aether/relay/apiformat"

// NormalizeInputTokensForBilling maps reported input tokens to billable input
// tokens per family convention. Claude reports input excluding cache reads,
// so the figure stands as-is. OpenAI and Gemini report input inclusive of
// cached tokens, which are billed separately at the cache-read rate, so they
// are subtracted here (floored at zero). Unknown families keep the raw value.
func NormalizeInputTokensForBilling(apiFormat string, inputTokens, cachedTokens int) int {
	family, err := apiformat.BaseFamily(apiFormat)
	if err != nil {
		return inputTokens
	}
	switch family {
	case apiformat.FamilyOpenAI, apiformat.FamilyGemini:
		normalized := inputTokens - cachedTokens
		if normalized < 0 {
			return 0
		}
		return normalized
	case apiformat.FamilyClaude:
		return inputTokens
	}
	return inputTokens
}
