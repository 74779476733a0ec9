// Package convert translates chat and video payloads between the OpenAI,
// Claude, and Gemini wire dialects through a neutral internal form.
package convert

import (
	"github.com/aetherlab/aether/relay/apiformat"
)

// Message is one turn of a conversation in the internal form. Content is
// plain text; multimodal parts are preserved opaquely by the normalizers
// where the dialects agree and dropped where they cannot be expressed.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the family-neutral chat request.
type Request struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	StopSeqs    []string  `json:"stop_sequences,omitempty"`
}

// Usage is the family-neutral token accounting.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CachedTokens        int `json:"cached_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// Response is the family-neutral chat response.
type Response struct {
	ID           string `json:"id,omitempty"`
	Model        string `json:"model,omitempty"`
	Role         string `json:"role,omitempty"`
	Content      string `json:"content"`
	StopReason   string `json:"stop_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// StreamChunk is one decoded SSE data payload in the internal form. Final
// chunks carry usage; delta chunks carry text.
type StreamChunk struct {
	ID        string `json:"id,omitempty"`
	Model     string `json:"model,omitempty"`
	DeltaText string `json:"delta_text,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`
}

// UpstreamError is a provider error parsed out of a 200-wrapped or non-200
// body.
type UpstreamError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
	Type    string `json:"type,omitempty"`
}

// VideoRequest is the family-neutral video generation request.
type VideoRequest struct {
	Model           string `json:"model"`
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Resolution      string `json:"resolution,omitempty"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
}

// VideoPollResult is the family-neutral view of a poll response.
type VideoPollResult struct {
	Done                 bool
	Failed               bool
	ProgressPercent      int
	VideoURL             string
	VideoURLs            []string
	VideoDurationSeconds *float64
	ErrorMessage         string
}

// Normalizer translates between one family's wire dialect and the internal
// form. Implementations are stateless and safe for concurrent use.
type Normalizer interface {
	Family() apiformat.Family

	// ParseRequest decodes a family request body into the internal form.
	ParseRequest(body []byte) (*Request, error)
	// BuildRequest encodes the internal form as this family's request body.
	BuildRequest(req *Request) ([]byte, error)

	// ParseResponse decodes a non-streaming family response.
	ParseResponse(body []byte) (*Response, error)
	// BuildResponse encodes an internal response in this family's shape.
	BuildResponse(resp *Response) ([]byte, error)

	// ParseStreamChunk decodes one SSE data payload. A nil chunk with nil
	// error means the payload carries nothing of interest (keep streaming).
	ParseStreamChunk(data []byte) (*StreamChunk, error)
	// BuildStreamChunk encodes an internal chunk as this family's SSE data
	// payload (without the "data: " prefix).
	BuildStreamChunk(chunk *StreamChunk) ([]byte, error)

	// ExtractUsage pulls token usage out of a decoded JSON body, returning
	// nil when the body carries no usage.
	ExtractUsage(body []byte) *Usage
	// ExtractText pulls the textual content out of a decoded JSON body.
	ExtractText(body []byte) string

	// IsErrorResponse recognizes a provider error body regardless of the
	// HTTP status it arrived under.
	IsErrorResponse(body []byte) bool
	// ParseError extracts the provider error; call only after
	// IsErrorResponse returned true (otherwise a generic error is returned).
	ParseError(body []byte) *UpstreamError

	// ParseVideoRequest decodes a family video submit body.
	ParseVideoRequest(body []byte) (*VideoRequest, error)
	// BuildVideoRequest encodes the internal video request.
	BuildVideoRequest(req *VideoRequest) ([]byte, error)
	// ParseVideoPoll decodes a family poll/status response.
	ParseVideoPoll(body []byte) (*VideoPollResult, error)
}
