package streaming

import (
	"net/http"

	"github.com/Laisky/zap"

	"github.com/aetherlab/aether/common/logger"
)

// Context is the per-attempt mutable relay state. It is created at dispatch
// start, mutated by the scheduler and stream processor, read by usage
// finalization, then discarded. Not safe for concurrent writers; a request is
// serialized through a single goroutine.
type Context struct {
	// Identity of the request; the only fields that survive ResetForRetry.
	Model     string
	ApiFormat string

	// Resolved candidate info, stamped by the scheduler per attempt.
	ProviderName      string
	ProviderId        int
	EndpointId        int
	KeyId             int
	AttemptId         string
	ProviderApiFormat string
	MappedModel       string

	// Token counters accumulated from SSE events.
	InputTokens         int
	OutputTokens        int
	CachedTokens        int
	CacheCreationTokens int

	CollectedText string
	StatusCode    int
	ErrorMessage  string
	HasCompletion bool

	ResponseHeaders http.Header
	RequestHeaders  map[string]string
	RequestBody     []byte

	DataCount    int
	ChunkCount   int
	ParsedChunks [][]byte
}

// NewContext builds a fresh context for one client request.
func NewContext(model, apiFormat string) *Context {
	return &Context{
		Model:      model,
		ApiFormat:  apiFormat,
		StatusCode: http.StatusOK,
	}
}

// ResetForRetry clears everything except Model and ApiFormat so the next
// candidate attempt starts from a clean slate.
func (c *Context) ResetForRetry() {
	*c = Context{
		Model:      c.Model,
		ApiFormat:  c.ApiFormat,
		StatusCode: http.StatusOK,
	}
}

// UpdateProviderInfo stamps the resolved candidate onto the context.
func (c *Context) UpdateProviderInfo(providerName string, providerId, endpointId, keyId int, attemptId, providerApiFormat, mappedModel string) {
	c.ProviderName = providerName
	c.ProviderId = providerId
	c.EndpointId = endpointId
	c.KeyId = keyId
	c.AttemptId = attemptId
	c.ProviderApiFormat = providerApiFormat
	c.MappedModel = mappedModel
}

// UpdateUsage folds token counts into the context. Zero values leave the
// existing counters alone so partial usage events accumulate correctly.
func (c *Context) UpdateUsage(input, output, cached, cacheCreation int) {
	if input > 0 {
		c.InputTokens = input
	}
	if output > 0 {
		c.OutputTokens = output
	}
	if cached > 0 {
		c.CachedTokens = cached
	}
	if cacheCreation > 0 {
		c.CacheCreationTokens = cacheCreation
	}
}

// MarkFailed stamps a failure status and message onto the context.
func (c *Context) MarkFailed(statusCode int, message string) {
	c.StatusCode = statusCode
	c.ErrorMessage = message
}

// LogSummary emits the end-of-request structured log line.
func (c *Context) LogSummary() {
	logger.Logger.Info("relay finished",
		zap.String("model", c.Model),
		zap.String("api_format", c.ApiFormat),
		zap.String("provider", c.ProviderName),
		zap.String("provider_api_format", c.ProviderApiFormat),
		zap.Int("status_code", c.StatusCode),
		zap.Int("input_tokens", c.InputTokens),
		zap.Int("output_tokens", c.OutputTokens),
		zap.Int("cached_tokens", c.CachedTokens),
		zap.Int("chunk_count", c.ChunkCount),
		zap.Int("data_count", c.DataCount),
		zap.Bool("has_completion", c.HasCompletion),
		zap.String("error", c.ErrorMessage),
	)
}
