package apiformat

import (
	"github.com/Laisky/errors/v2"
)

// Definition is the static description of one endpoint signature: where the
// upstream lives, how credentials travel, and which wire dialect it speaks.
// Two signatures with the same DataFormatID are passthrough-compatible.
type Definition struct {
	Signature    Signature
	DefaultPath  string
	AuthMethod   AuthMethod
	DataFormatID string
	// ExtraHeaders are injected into every upstream request for this surface.
	ExtraHeaders map[string]string
	// ProtectedHeaders are never forwarded from the client; the gateway owns them.
	ProtectedHeaders []string
}

// Claude chat and cli share /v1/messages and the same wire format, so a cli
// key can serve chat traffic without conversion (and vice versa).
var definitions = map[Signature]Definition{
	{FamilyOpenAI, KindChat}: {
		Signature:        Signature{FamilyOpenAI, KindChat},
		DefaultPath:      "/v1/chat/completions",
		AuthMethod:       AuthBearer,
		DataFormatID:     "openai_chat",
		ProtectedHeaders: []string{"Authorization"},
	},
	{FamilyOpenAI, KindCLI}: {
		Signature:        Signature{FamilyOpenAI, KindCLI},
		DefaultPath:      "/v1/responses",
		AuthMethod:       AuthBearer,
		DataFormatID:     "openai_responses",
		ProtectedHeaders: []string{"Authorization"},
	},
	{FamilyOpenAI, KindVideo}: {
		Signature:        Signature{FamilyOpenAI, KindVideo},
		DefaultPath:      "/v1/videos",
		AuthMethod:       AuthBearer,
		DataFormatID:     "openai_video",
		ProtectedHeaders: []string{"Authorization"},
	},
	{FamilyOpenAI, KindImage}: {
		Signature:        Signature{FamilyOpenAI, KindImage},
		DefaultPath:      "/v1/images/generations",
		AuthMethod:       AuthBearer,
		DataFormatID:     "openai_image",
		ProtectedHeaders: []string{"Authorization"},
	},
	{FamilyClaude, KindChat}: {
		Signature:        Signature{FamilyClaude, KindChat},
		DefaultPath:      "/v1/messages",
		AuthMethod:       AuthApiKey,
		DataFormatID:     "claude_messages",
		ExtraHeaders:     map[string]string{"anthropic-version": "2023-06-01"},
		ProtectedHeaders: []string{"Authorization", "x-api-key"},
	},
	{FamilyClaude, KindCLI}: {
		Signature:        Signature{FamilyClaude, KindCLI},
		DefaultPath:      "/v1/messages",
		AuthMethod:       AuthOAuth2,
		DataFormatID:     "claude_messages",
		ExtraHeaders:     map[string]string{"anthropic-version": "2023-06-01"},
		ProtectedHeaders: []string{"Authorization", "x-api-key"},
	},
	{FamilyGemini, KindChat}: {
		Signature:        Signature{FamilyGemini, KindChat},
		DefaultPath:      "/v1beta/models/{model}:generateContent",
		AuthMethod:       AuthGoogKey,
		DataFormatID:     "gemini_generate",
		ProtectedHeaders: []string{"Authorization", "x-goog-api-key"},
	},
	{FamilyGemini, KindCLI}: {
		Signature:        Signature{FamilyGemini, KindCLI},
		DefaultPath:      "/v1beta/models/{model}:generateContent",
		AuthMethod:       AuthOAuth2,
		DataFormatID:     "gemini_generate",
		ProtectedHeaders: []string{"Authorization", "x-goog-api-key"},
	},
	{FamilyGemini, KindVideo}: {
		Signature:        Signature{FamilyGemini, KindVideo},
		DefaultPath:      "/v1beta/models/{model}:predictLongRunning",
		AuthMethod:       AuthGoogKey,
		DataFormatID:     "gemini_video",
		ProtectedHeaders: []string{"Authorization", "x-goog-api-key"},
	},
	{FamilyGemini, KindImage}: {
		Signature:        Signature{FamilyGemini, KindImage},
		DefaultPath:      "/v1beta/models/{model}:predict",
		AuthMethod:       AuthGoogKey,
		DataFormatID:     "gemini_image",
		ProtectedHeaders: []string{"Authorization", "x-goog-api-key"},
	},
}

// ResolveDefinition returns the static definition for a signature.
func ResolveDefinition(sig Signature) (Definition, error) {
	def, ok := definitions[sig]
	if !ok {
		return Definition{}, errors.Errorf("no endpoint definition for signature %s", sig.Key())
	}
	return def, nil
}

// CanPassthrough reports whether traffic in the client's signature can be sent
// to the provider's surface without payload conversion.
func CanPassthrough(client, provider Signature) bool {
	cd, ok := definitions[client]
	if !ok {
		return false
	}
	pd, ok := definitions[provider]
	if !ok {
		return false
	}
	return cd.DataFormatID == pd.DataFormatID
}
