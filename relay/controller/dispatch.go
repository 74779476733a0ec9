package controller

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"

	"github.com/aetherlab/aether/common/config"
	"github.com/aetherlab/aether/common/ctxkey"
	"github.com/aetherlab/aether/common/logger"
	"github.com/aetherlab/aether/monitor"
	"github.com/aetherlab/aether/relay/apiformat"
	"github.com/aetherlab/aether/relay/convert"
	"github.com/aetherlab/aether/relay/relayerr"
	"github.com/aetherlab/aether/relay/scheduler"
	"github.com/aetherlab/aether/relay/streaming"
)

// affinityCache remembers the last successful candidate per (api key, model)
// so follow-up requests land on the same upstream and reuse its prompt cache.
var affinityCache = gocache.New(30*time.Minute, 10*time.Minute)

// newAttemptId tags one candidate attempt for log correlation.
func newAttemptId() string {
	return uuid.New().String()
}

func affinityCacheKey(apiKeyId int, modelName string) string {
	return fmt.Sprintf("%d|%s", apiKeyId, modelName)
}

func lookupAffinity(apiKeyId int, modelName string) string {
	if v, ok := affinityCache.Get(affinityCacheKey(apiKeyId, modelName)); ok {
		if key, ok := v.(string); ok {
			return key
		}
	}
	return ""
}

func storeAffinity(apiKeyId int, modelName, candidateKey string) {
	affinityCache.SetDefault(affinityCacheKey(apiKeyId, modelName), candidateKey)
}

// RelayChat serves every chat and cli surface: it detects the client dialect,
// ranks candidates, and fails over until one attempt commits bytes to the
// client or the candidates are exhausted.
func RelayChat(c *gin.Context) {
	start := time.Now()
	fmtCtx := requestContext(c)
	clientSig := fmtCtx.Endpoint
	if clientSig.IsZero() {
		writeError(c, apiformat.FamilyOpenAI, http.StatusBadRequest, "invalid_request_error", "unrecognized API surface")
		return
	}

	body, err := getRequestBody(c)
	if err != nil {
		writeError(c, clientSig.Family, http.StatusBadRequest, "invalid_request_error", "cannot read request body")
		return
	}
	modelName := gjson.GetBytes(body, "model").String()
	if modelName == "" {
		modelName = extractGeminiModel(c.Request.URL.Path)
	}
	if modelName == "" {
		writeError(c, clientSig.Family, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	c.Set(ctxkey.RequestModel, modelName)

	isStream := gjson.GetBytes(body, "stream").Bool() ||
		strings.Contains(c.Request.URL.Path, ":streamGenerateContent") ||
		c.Query("alt") == "sse"

	rc := streaming.NewContext(modelName, clientSig.Key())
	c.Set(ctxkey.StreamContext, rc)
	apiKeyId := c.GetInt(ctxkey.ApiKeyId)

	in, lerr := scheduler.LoadInput(clientSig.Key(), modelName, lookupAffinity(apiKeyId, modelName), isStream)
	if lerr != nil {
		logger.Logger.Error("load scheduler input", zap.Error(lerr))
		writeError(c, clientSig.Family, http.StatusInternalServerError, "internal_error", "scheduling failed")
		return
	}
	candidates := scheduler.BuildCandidates(in)
	if len(candidates) == 0 {
		rc.MarkFailed(http.StatusServiceUnavailable, "no available provider")
		writeError(c, clientSig.Family, http.StatusServiceUnavailable, "provider_not_available",
			"no available provider for model "+modelName)
		finishChat(c, rc, nil, start)
		return
	}

	var (
		lastErr   *relayerr.Error
		used      *scheduler.Candidate
		committed bool
	)
	for i := range candidates {
		cand := &candidates[i]
		if i > 0 {
			rc.ResetForRetry()
			monitor.RelayRetries.Inc()
		}
		used = cand

		committed, lastErr = attemptChat(c, rc, clientSig, cand, body, isStream)
		if lastErr == nil {
			storeAffinity(apiKeyId, modelName, cand.AffinityKey())
			break
		}
		rc.MarkFailed(clientStatusFor(lastErr), lastErr.Message)
		if committed {
			// Bytes already reached the client; the stream is lost but the
			// response cannot be restarted on another candidate.
			break
		}
		if !canAdvance(lastErr) {
			break
		}
		logger.Logger.Warn("candidate attempt failed, trying next",
			zap.String("provider", cand.Provider.Name),
			zap.Int("endpoint_id", cand.Endpoint.Id),
			zap.String("kind", string(lastErr.Kind)),
			zap.String("message", lastErr.Message))
	}

	if lastErr != nil && !committed {
		writeRelayError(c, clientSig.Family, lastErr)
	}
	finishChat(c, rc, used, start)
}

// canAdvance reports whether failover may continue after this error. A
// decryption failure is scoped to one key, so the next candidate still gets
// its chance.
func canAdvance(err *relayerr.Error) bool {
	return err.Retryable() || err.Kind == relayerr.KindDecryption
}

// clientStatusFor picks the HTTP status recorded for a failed attempt.
func clientStatusFor(err *relayerr.Error) int {
	if err.StatusCode >= 400 {
		return err.StatusCode
	}
	return http.StatusBadGateway
}

func finishChat(c *gin.Context, rc *streaming.Context, cand *scheduler.Candidate, start time.Time) {
	finalizeChatUsage(c, rc, cand, start)
	monitor.RelayRequests.WithLabelValues(rc.ApiFormat, strconv.Itoa(rc.StatusCode)).Inc()
	rc.LogSummary()
}

// attemptChat runs one candidate end to end. committed reports whether any
// byte reached the client; once true the dispatcher must not retry.
func attemptChat(c *gin.Context, rc *streaming.Context, clientSig apiformat.Signature, cand *scheduler.Candidate, body []byte, isStream bool) (committed bool, relayErr *relayerr.Error) {
	target, relayErr := resolveCandidate(cand, c.Request.Header)
	if relayErr != nil {
		return false, relayErr
	}
	upBody, relayErr := prepareUpstreamBody(cand, clientSig.Family, target.ProviderSig.Family, body)
	if relayErr != nil {
		return false, relayErr
	}

	rc.UpdateProviderInfo(cand.Provider.Name, cand.Provider.Id, cand.Endpoint.Id, cand.Key.Id,
		newAttemptId(), cand.ProviderFormat, cand.MappedModel)

	resp, relayErr := openUpstream(c.Request.Context(), http.MethodPost, target.URL, upBody, target.Headers)
	if relayErr != nil {
		return false, relayErr
	}
	if resp.StatusCode >= 400 {
		return false, classifyUpstreamFailure(resp, target.ProviderSig.Family, cand.Provider.Name)
	}

	if isStream {
		return streamToClient(c, rc, clientSig, target.ProviderSig, cand, resp)
	}
	return bufferToClient(c, rc, clientSig, target.ProviderSig, cand, resp)
}

// streamToClient prefetches the head of the upstream stream, then commits SSE
// headers and forwards the rest. Prefetch failures leave the client untouched.
func streamToClient(c *gin.Context, rc *streaming.Context, clientSig, providerSig apiformat.Signature, cand *scheduler.Candidate, resp *http.Response) (bool, *relayerr.Error) {
	processor, err := streaming.NewProcessor(rc, convert.Default, clientSig.Family, providerSig.Family,
		cand.Provider.Name, cand.NeedsConversion, config.MaxPrefetchLines)
	if err != nil {
		_ = resp.Body.Close()
		return false, relayerr.NotAvailable(err.Error())
	}

	scanner := streaming.NewScanner(resp.Body)
	prefetched, perr := processor.Prefetch(scanner)
	if perr != nil {
		_ = resp.Body.Close()
		if re := relayerr.AsError(perr); re != nil {
			return false, re
		}
		return false, relayerr.NotAvailable(perr.Error())
	}

	for name, value := range streaming.BuildSSEHeaders() {
		c.Writer.Header().Set(name, value)
	}
	c.Writer.WriteHeader(http.StatusOK)

	if serr := processor.Stream(c.Writer, resp.Body, scanner, prefetched, c.Request.Context().Done()); serr != nil {
		if re := relayerr.AsError(serr); re != nil {
			return true, re
		}
		return true, relayerr.NotAvailable(serr.Error())
	}
	return true, nil
}

// bufferToClient handles the non-streaming path: screen for embedded errors,
// harvest usage, convert if needed, and reply.
func bufferToClient(c *gin.Context, rc *streaming.Context, clientSig, providerSig apiformat.Signature, cand *scheduler.Candidate, resp *http.Response) (bool, *relayerr.Error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamResponseBody))
	_ = resp.Body.Close()
	if err != nil {
		return false, relayerr.NotAvailable("read upstream response: " + err.Error())
	}

	parser, perr := convert.Default.Normalizer(providerSig.Family)
	if perr != nil {
		return false, relayerr.NotAvailable(perr.Error())
	}
	if parser.IsErrorResponse(raw) {
		parsed := parser.ParseError(raw)
		return false, relayerr.Embedded(cand.Provider.Name, parsed.Code,
			apiformat.SanitizeErrorMessage(parsed.Message), parsed.Status)
	}

	if usage := parser.ExtractUsage(raw); usage != nil {
		rc.UpdateUsage(usage.InputTokens, usage.OutputTokens, usage.CachedTokens, usage.CacheCreationTokens)
	}
	rc.CollectedText = parser.ExtractText(raw)
	rc.HasCompletion = true

	out := raw
	if cand.NeedsConversion {
		converted, cerr := convert.Default.ConvertResponse(providerSig.Family, clientSig.Family, raw)
		if cerr != nil {
			return false, relayerr.NotAvailable("response conversion failed: " + cerr.Error())
		}
		out = converted
	}
	c.Data(http.StatusOK, "application/json", out)
	return true, nil
}
