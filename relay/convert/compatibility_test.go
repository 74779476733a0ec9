package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aetherlab/aether/model"
)

func TestIsFormatCompatibleExactMatch(t *testing.T) {
	// Exact matches pass regardless of the conversion flag or acceptance config.
	c := IsFormatCompatible("openai:chat", "openai:chat", nil, true, false, Default, false)
	assert.True(t, c.Compatible)
	assert.False(t, c.NeedsConversion)
	assert.Empty(t, c.SkipReason)

	c = IsFormatCompatible("OPENAI:CHAT ", "openai:chat", nil, false, false, Default, false)
	assert.True(t, c.Compatible)
}

func TestIsFormatCompatibleConversionDisabled(t *testing.T) {
	acceptance := &model.FormatAcceptanceConfig{Enabled: true, AcceptFormats: []string{"claude:chat"}}
	c := IsFormatCompatible("claude:chat", "openai:chat", acceptance, false, false, Default, false)
	assert.False(t, c.Compatible)
	assert.Equal(t, "conversion disabled", c.SkipReason)
}

func TestIsFormatCompatibleAcceptanceConfig(t *testing.T) {
	// No acceptance config at all: foreign formats are refused.
	c := IsFormatCompatible("claude:chat", "openai:chat", nil, false, true, Default, false)
	assert.False(t, c.Compatible)

	// Disabled config refuses too.
	c = IsFormatCompatible("claude:chat", "openai:chat", &model.FormatAcceptanceConfig{}, false, true, Default, false)
	assert.False(t, c.Compatible)

	// Reject wins over accept even when both list the same format.
	both := &model.FormatAcceptanceConfig{
		Enabled:       true,
		AcceptFormats: []string{"claude:chat"},
		RejectFormats: []string{"claude:chat"},
	}
	c = IsFormatCompatible("claude:chat", "openai:chat", both, false, true, Default, false)
	assert.False(t, c.Compatible)
	assert.Equal(t, "client format rejected by endpoint config", c.SkipReason)

	// Accepted non-stream conversion.
	accept := &model.FormatAcceptanceConfig{Enabled: true, AcceptFormats: []string{"claude:chat"}}
	c = IsFormatCompatible("claude:chat", "openai:chat", accept, false, true, Default, false)
	assert.True(t, c.Compatible)
	assert.True(t, c.NeedsConversion)

	// Streaming requires stream_conversion.
	c = IsFormatCompatible("claude:chat", "openai:chat", accept, true, true, Default, false)
	assert.False(t, c.Compatible)
	assert.Equal(t, "endpoint does not allow stream conversion", c.SkipReason)

	withStream := &model.FormatAcceptanceConfig{Enabled: true, AcceptFormats: []string{"claude:chat"}, StreamConversion: true}
	c = IsFormatCompatible("claude:chat", "openai:chat", withStream, true, true, Default, false)
	assert.True(t, c.Compatible)
	assert.True(t, c.NeedsConversion)
}

func TestIsFormatCompatibleDataFormatPassthrough(t *testing.T) {
	// claude:cli and claude:chat share the messages wire format: compatible
	// without conversion once the endpoint allows the foreign format.
	acceptance := &model.FormatAcceptanceConfig{Enabled: true, AcceptFormats: []string{"claude:cli"}}
	c := IsFormatCompatible("claude:cli", "claude:chat", acceptance, false, true, Default, false)
	assert.True(t, c.Compatible)
	assert.False(t, c.NeedsConversion)
}

func TestIsFormatCompatibleSkipEndpointCheck(t *testing.T) {
	// A frozen candidate re-check bypasses acceptance but still requires a
	// conversion path.
	c := IsFormatCompatible("gemini:video", "openai:video", nil, false, true, Default, true)
	assert.True(t, c.Compatible)
	assert.True(t, c.NeedsConversion)

	c = IsFormatCompatible("claude:chat", "gemini:video", nil, false, true, Default, true)
	assert.False(t, c.Compatible)
}
