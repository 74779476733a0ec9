package apiformat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	sig, err := ParseKey("openai:chat")
	require.NoError(t, err)
	assert.Equal(t, FamilyOpenAI, sig.Family)
	assert.Equal(t, KindChat, sig.Kind)

	sig, err = ParseKey("  Claude:CLI  ")
	require.NoError(t, err)
	assert.Equal(t, "claude:cli", sig.Key())

	for _, bad := range []string{"", "openai", "openai:", ":chat", "openai:chat:extra", "mistral:chat", "openai:batch"} {
		_, err := ParseKey(bad)
		assert.Error(t, err, "expected error for %q", bad)
	}
}

func TestNormalizeKeyRoundTrip(t *testing.T) {
	for _, key := range []string{"openai:chat", "claude:cli", "gemini:video", "OPENAI:CHAT", " gemini:image "} {
		normalized, err := NormalizeKey(key)
		require.NoError(t, err)

		sig, err := ParseKey(normalized)
		require.NoError(t, err)
		assert.Equal(t, normalized, sig.Key())
		assert.Equal(t, normalized, MakeKey(sig.Family, sig.Kind))
	}
}

func TestBaseFamily(t *testing.T) {
	f, err := BaseFamily("claude:chat")
	require.NoError(t, err)
	assert.Equal(t, FamilyClaude, f)

	f, err = BaseFamily("gemini")
	require.NoError(t, err)
	assert.Equal(t, FamilyGemini, f)

	_, err = BaseFamily("cohere")
	assert.Error(t, err)
}

func TestCanPassthrough(t *testing.T) {
	// Claude chat and cli share the messages wire format.
	assert.True(t, CanPassthrough(Signature{FamilyClaude, KindChat}, Signature{FamilyClaude, KindCLI}))
	assert.True(t, CanPassthrough(Signature{FamilyGemini, KindChat}, Signature{FamilyGemini, KindCLI}))
	assert.True(t, CanPassthrough(Signature{FamilyOpenAI, KindChat}, Signature{FamilyOpenAI, KindChat}))

	assert.False(t, CanPassthrough(Signature{FamilyOpenAI, KindChat}, Signature{FamilyOpenAI, KindCLI}))
	assert.False(t, CanPassthrough(Signature{FamilyOpenAI, KindChat}, Signature{FamilyClaude, KindChat}))
	assert.False(t, CanPassthrough(Signature{FamilyGemini, KindVideo}, Signature{FamilyOpenAI, KindVideo}))
}

func TestResolveDefinition(t *testing.T) {
	def, err := ResolveDefinition(Signature{FamilyClaude, KindChat})
	require.NoError(t, err)
	assert.Equal(t, "/v1/messages", def.DefaultPath)
	assert.Equal(t, AuthApiKey, def.AuthMethod)
	assert.Equal(t, "2023-06-01", def.ExtraHeaders["anthropic-version"])

	_, err = ResolveDefinition(Signature{FamilyClaude, KindVideo})
	assert.Error(t, err)
}
