package ctxkey

import "github.com/gin-gonic/gin"

const (
	// RequestId is a per-request unique identifier (also used for logging/metrics).
	// Set in: middleware.RequestId.
	// Note: the literal value is "X-Aether-Request-Id" for consistency with header naming.
	RequestId = "X-Aether-Request-Id"

	// UserId is the authenticated account id resolved from the client api key.
	// Set in: middleware.TokenAuth.
	UserId = "user_id"

	// ApiKeyId is the database id of the client api key used for this request.
	// Set in: middleware.TokenAuth.
	// Read in: usage settlement for attribution.
	ApiKeyId = "api_key_id"

	// RequestContext holds the detected endpoint signature, auth method, and
	// extracted client credential for the inbound request.
	// Set in: middleware.DetectFormat.
	// Read in: relay/controller dispatch.
	RequestContext = "request_context"

	// StreamContext carries the mutable relay state that survives failover
	// attempts within a single request.
	// Set in: relay/controller dispatch.
	StreamContext = "stream_context"

	// RequestModel is the model name parsed from the inbound request body or path.
	// Invariant: never mutate this value; it must always reflect the client's original input.
	RequestModel = "request_model"

	// KeyRequestBody caches the raw request body so it can be re-read during
	// per-candidate conversion without consuming the gin body stream twice.
	KeyRequestBody = gin.BodyBytesKey
)
