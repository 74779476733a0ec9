package streaming

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherlab/aether/relay/apiformat"
	"github.com/aetherlab/aether/relay/convert"
	"github.com/aetherlab/aether/relay/relayerr"
)

func newTestProcessor(t *testing.T, clientFamily, providerFamily apiformat.Family, needsConversion bool) *Processor {
	t.Helper()
	ctx := NewContext("test-model", string(clientFamily)+":chat")
	p, err := NewProcessor(ctx, convert.Default, clientFamily, providerFamily, "test-provider", needsConversion, 5)
	require.NoError(t, err)
	return p
}

func TestPrefetchPassthrough(t *testing.T) {
	body := "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: [DONE]\n"
	p := newTestProcessor(t, apiformat.FamilyOpenAI, apiformat.FamilyOpenAI, false)
	scanner := NewScanner(strings.NewReader(body))

	lines, err := p.Prefetch(scanner)
	require.NoError(t, err)
	assert.NotEmpty(t, lines)
}

func TestPrefetchEmbeddedError(t *testing.T) {
	// Upstream answered 200 but the body is a Gemini quota error.
	body := `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`
	p := newTestProcessor(t, apiformat.FamilyGemini, apiformat.FamilyGemini, false)
	scanner := NewScanner(strings.NewReader(body))

	_, err := p.Prefetch(scanner)
	require.Error(t, err)
	re := relayerr.AsError(err)
	require.NotNil(t, re)
	assert.Equal(t, relayerr.KindEmbeddedError, re.Kind)
	assert.Equal(t, 429, re.StatusCode)
	assert.Equal(t, "test-provider", re.Provider)
	assert.True(t, re.Retryable())
}

func TestPrefetchEmbeddedErrorInDataLine(t *testing.T) {
	body := "data: {\"error\":{\"message\":\"invalid key\",\"type\":\"invalid_request_error\",\"code\":401}}\n"
	p := newTestProcessor(t, apiformat.FamilyOpenAI, apiformat.FamilyOpenAI, false)
	scanner := NewScanner(strings.NewReader(body))

	_, err := p.Prefetch(scanner)
	require.Error(t, err)
	re := relayerr.AsError(err)
	require.NotNil(t, re)
	assert.Equal(t, relayerr.KindEmbeddedError, re.Kind)
}

func TestPrefetchHTMLBody(t *testing.T) {
	body := "<!DOCTYPE html>\n<html><head><title>502</title></head></html>\n"
	p := newTestProcessor(t, apiformat.FamilyOpenAI, apiformat.FamilyOpenAI, false)
	scanner := NewScanner(strings.NewReader(body))

	_, err := p.Prefetch(scanner)
	require.Error(t, err)
	re := relayerr.AsError(err)
	require.NotNil(t, re)
	assert.Equal(t, relayerr.KindProviderNotAvailable, re.Kind)
	assert.True(t, re.Retryable())
}

func TestStreamPassthroughCollectsUsage(t *testing.T) {
	raw := strings.Join([]string{
		`data: {"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"hel"}}]}`,
		"",
		`data: {"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		"",
		`data: {"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"prompt_tokens_details":{"cached_tokens":3}}}`,
		"",
		"data: [DONE]",
		"",
	}, "\n") + "\n"

	p := newTestProcessor(t, apiformat.FamilyOpenAI, apiformat.FamilyOpenAI, false)
	scanner := NewScanner(strings.NewReader(raw))
	prefetched, err := p.Prefetch(scanner)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	clientGone := make(chan struct{})
	err = p.Stream(rec, io.NopCloser(strings.NewReader("")), scanner, prefetched, clientGone)
	require.NoError(t, err)

	assert.Equal(t, 10, p.Ctx.InputTokens)
	assert.Equal(t, 5, p.Ctx.OutputTokens)
	assert.Equal(t, 3, p.Ctx.CachedTokens)
	assert.Equal(t, "hello", p.Ctx.CollectedText)
	assert.True(t, p.Ctx.HasCompletion)
	assert.Positive(t, p.Ctx.DataCount)

	// Passthrough re-emits lines verbatim.
	out := rec.Body.String()
	assert.Contains(t, out, `"content":"hel"`)
	assert.Contains(t, out, "data: [DONE]")
}

func TestStreamClientDisconnect(t *testing.T) {
	raw := strings.Repeat("data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}\n\n", 10)
	p := newTestProcessor(t, apiformat.FamilyOpenAI, apiformat.FamilyOpenAI, false)
	scanner := NewScanner(strings.NewReader(raw))
	prefetched, err := p.Prefetch(scanner)
	require.NoError(t, err)

	clientGone := make(chan struct{})
	close(clientGone)

	rec := httptest.NewRecorder()
	err = p.Stream(rec, io.NopCloser(strings.NewReader("")), scanner, prefetched, clientGone)
	require.Error(t, err)
	re := relayerr.AsError(err)
	require.NotNil(t, re)
	assert.Equal(t, relayerr.KindClientDisconnected, re.Kind)
	assert.Equal(t, 499, p.Ctx.StatusCode)
	assert.Equal(t, "client_disconnected", p.Ctx.ErrorMessage)
	assert.False(t, re.Retryable())
}

func TestStreamConversionOpenAIToClaude(t *testing.T) {
	raw := strings.Join([]string{
		`data: {"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"hi"}}]}`,
		"",
		"data: [DONE]",
		"",
	}, "\n") + "\n"

	p := newTestProcessor(t, apiformat.FamilyClaude, apiformat.FamilyOpenAI, true)
	scanner := NewScanner(strings.NewReader(raw))
	prefetched, err := p.Prefetch(scanner)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	err = p.Stream(rec, io.NopCloser(strings.NewReader("")), scanner, prefetched, make(chan struct{}))
	require.NoError(t, err)

	out := rec.Body.String()
	assert.Contains(t, out, "event: content_block_delta")
	assert.Contains(t, out, `"text":"hi"`)
	// Claude clients never see the OpenAI terminator.
	assert.NotContains(t, out, "[DONE]")
}

func TestResetForRetry(t *testing.T) {
	ctx := NewContext("m", "openai:chat")
	ctx.UpdateProviderInfo("p", 1, 2, 3, "attempt-1", "openai:chat", "m-upstream")
	ctx.UpdateUsage(10, 5, 2, 1)
	ctx.CollectedText = "abc"
	ctx.ParsedChunks = append(ctx.ParsedChunks, []byte("{}"))
	ctx.ChunkCount = 4
	ctx.DataCount = 2
	ctx.MarkFailed(502, "boom")

	ctx.ResetForRetry()

	assert.Equal(t, "m", ctx.Model)
	assert.Equal(t, "openai:chat", ctx.ApiFormat)
	assert.Empty(t, ctx.ProviderName)
	assert.Zero(t, ctx.ProviderId)
	assert.Zero(t, ctx.InputTokens)
	assert.Empty(t, ctx.CollectedText)
	assert.Empty(t, ctx.ParsedChunks)
	assert.Zero(t, ctx.ChunkCount)
	assert.Equal(t, 200, ctx.StatusCode)
	assert.Empty(t, ctx.ErrorMessage)
}

func TestEventParser(t *testing.T) {
	var p EventParser
	assert.Nil(t, p.Feed("event: message_start"))
	assert.Nil(t, p.Feed(`data: {"type":"message_start"}`))
	event := p.Feed("")
	require.NotNil(t, event)
	assert.Equal(t, "message_start", event.Name)
	assert.Equal(t, `{"type":"message_start"}`, event.Data)

	// Comments and stray blank lines produce nothing.
	assert.Nil(t, p.Feed(": keep-alive"))
	assert.Nil(t, p.Feed(""))
}

func TestBuildSSEHeaders(t *testing.T) {
	h := BuildSSEHeaders()
	assert.Equal(t, "no-cache, no-transform", h["Cache-Control"])
	assert.Equal(t, "no", h["X-Accel-Buffering"])
}
