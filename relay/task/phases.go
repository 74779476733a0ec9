package task

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/aetherlab/aether/common/logger"
	"github.com/aetherlab/aether/model"
	"github.com/aetherlab/aether/monitor"
	"github.com/aetherlab/aether/relay/apiformat"
	"github.com/aetherlab/aether/relay/convert"
	"github.com/aetherlab/aether/relay/relayerr"
)

// maxBackoff caps the retry delay regardless of retry count.
const maxBackoff = 300 * time.Second

// permanentIndicators mark upstream messages that will never resolve by
// waiting; matching is case-insensitive substring.
var permanentIndicators = []string{
	"not found",
	"404",
	"unauthorized",
	"401",
	"forbidden",
	"403",
	"invalid request",
	"invalid api key",
	"does not exist",
}

// PollHTTPError is an upstream status-poll failure, carried from the HTTP
// phase into the update phase for classification.
type PollHTTPError struct {
	StatusCode int
	Message    string
}

func (e *PollHTTPError) Error() string {
	return fmt.Sprintf("poll upstream returned %d: %s", e.StatusCode, e.Message)
}

// IsPermanent reports whether retrying cannot succeed: any 4xx except 429,
// or a permanent indicator in the message.
func (e *PollHTTPError) IsPermanent() bool {
	if e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests {
		return true
	}
	return matchesPermanentIndicator(e.Message)
}

func matchesPermanentIndicator(message string) bool {
	lowered := strings.ToLower(message)
	for _, indicator := range permanentIndicators {
		if strings.Contains(lowered, indicator) {
			return true
		}
	}
	return false
}

// nextBackoff doubles the base interval per retry, capped at five doublings
// and maxBackoff.
func nextBackoff(base time.Duration, retryCount int) time.Duration {
	if retryCount > 5 {
		retryCount = 5
	}
	d := base * (1 << retryCount)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// PollContext is the plain carrier between the prepare and HTTP phases. It
// holds no DB handles so the upstream call runs with no session pinned.
type PollContext struct {
	TaskId         int
	ShortId        string
	ExternalTaskId string
	ProviderName   string
	ProviderFamily apiformat.Family
	StatusURL      string
	Headers        map[string]string
}

// preparePollContext resolves endpoint and credential in a brief DB read and
// captures everything the HTTP phase needs.
func (p *Poller) preparePollContext(task *model.VideoTask) (*PollContext, error) {
	if task.ExternalTaskId == "" {
		return nil, relayerr.New(relayerr.KindMissingExternalTaskId,
			fmt.Sprintf("task %s has no upstream id", task.ShortId))
	}

	endpoint, err := model.GetProviderEndpointById(model.DB, task.EndpointId)
	if err != nil {
		return nil, err
	}
	key, err := model.GetProviderAPIKeyById(model.DB, task.ProviderApiKeyId)
	if err != nil {
		return nil, err
	}
	provider, err := model.GetProviderById(model.DB, task.ProviderId)
	if err != nil {
		return nil, err
	}
	if endpoint == nil || key == nil || provider == nil {
		return nil, relayerr.New(relayerr.KindMissingProviderInfo,
			fmt.Sprintf("task %s references deleted provider state", task.ShortId))
	}

	sig, err := apiformat.ParseKey(task.ProviderApiFormat)
	if err != nil {
		return nil, errors.Wrapf(err, "task %s provider format", task.ShortId)
	}
	def, err := apiformat.ResolveDefinition(sig)
	if err != nil {
		return nil, err
	}

	credential, err := p.Cipher.Decrypt(key.EncryptedKey)
	if err != nil {
		return nil, relayerr.New(relayerr.KindDecryption,
			fmt.Sprintf("decrypt credential for key %d", key.Id))
	}

	auth, err := apiformat.GetAuthHandler(def.AuthMethod)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{}
	for k, v := range def.ExtraHeaders {
		headers[k] = v
	}
	extra, err := endpoint.DecodeExtraHeaders()
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		headers[k] = v
	}
	for k, v := range auth.BuildHeaders(credential) {
		headers[k] = v
	}

	return &PollContext{
		TaskId:         task.Id,
		ShortId:        task.ShortId,
		ExternalTaskId: task.ExternalTaskId,
		ProviderName:   provider.Name,
		ProviderFamily: sig.Family,
		StatusURL:      buildStatusURL(sig.Family, endpoint.BaseURL, task.ExternalTaskId),
		Headers:        headers,
	}, nil
}

// buildStatusURL maps a task to its upstream status endpoint. Gemini
// operation names already carry their resource path; OpenAI uses the video
// id under /v1/videos.
func buildStatusURL(family apiformat.Family, baseURL, externalId string) string {
	base := strings.TrimSuffix(baseURL, "/")
	switch family {
	case apiformat.FamilyGemini:
		return base + "/v1beta/" + strings.TrimPrefix(externalId, "/")
	default:
		return base + "/v1/videos/" + externalId
	}
}

// doPollHTTP performs the status GET. No DB session is held here.
func (p *Poller) doPollHTTP(ctx context.Context, pollCtx *PollContext) (*convert.VideoPollResult, error) {
	ctx, cancel := context.WithTimeout(ctx, statusRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollCtx.StatusURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build poll request")
	}
	for k, v := range pollCtx.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "poll task %s", pollCtx.ShortId)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrapf(err, "read poll response for task %s", pollCtx.ShortId)
	}
	if resp.StatusCode >= 400 {
		return nil, &PollHTTPError{
			StatusCode: resp.StatusCode,
			Message:    apiformat.SanitizeErrorMessage(string(body)),
		}
	}

	parser, err := p.Registry.Normalizer(pollCtx.ProviderFamily)
	if err != nil {
		return nil, err
	}
	result, err := parser.ParseVideoPoll(body)
	if err != nil {
		return nil, errors.Wrapf(err, "parse poll response for task %s", pollCtx.ShortId)
	}
	return result, nil
}

// applyPollOutcome is the update phase: reload the task in a fresh session,
// fold in the poll result or error, enforce the poll budget, and settle
// billing on terminality. Reload makes concurrent terminality idempotent.
func (p *Poller) applyPollOutcome(taskId int, pollCtx *PollContext, result *convert.VideoPollResult, pollErr error) error {
	db := model.DB
	task, err := model.GetVideoTaskById(db, taskId)
	if err != nil {
		return err
	}
	if task == nil || model.IsTerminalVideoStatus(task.Status) {
		return nil
	}

	now := time.Now()
	task.PollCount++

	outcome := classifyOutcome(task, result, pollErr, now)
	switch outcome {
	case outcomeCompleted:
		task.Status = model.VideoTaskStatusCompleted
		task.ProgressPercent = 100
		task.CompletedAt = now.Unix()
		task.VideoURL = result.VideoURL
		if len(result.VideoURLs) > 0 {
			if err := task.MergeMetadata(map[string]any{"video_urls": result.VideoURLs}); err != nil {
				logger.Logger.Warn("record video urls", zap.Error(err))
			}
		}
		task.VideoDurationSeconds = result.VideoDurationSeconds
	case outcomeFailed:
		task.Status = model.VideoTaskStatusFailed
		task.ErrorMessage = failureMessage(result, pollErr)
		task.CompletedAt = now.Unix()
	case outcomeTimeout:
		task.Status = model.VideoTaskStatusFailed
		task.ErrorMessage = string(relayerr.KindPollTimeout)
		task.CompletedAt = now.Unix()
	case outcomeRetry:
		base := time.Duration(task.PollIntervalSeconds) * time.Second
		task.NextPollAt = now.Add(nextBackoff(base, task.RetryCount)).Unix()
		task.RetryCount++
	case outcomeProgress:
		if result != nil && result.ProgressPercent > task.ProgressPercent {
			task.ProgressPercent = result.ProgressPercent
		}
		task.Status = model.VideoTaskStatusProcessing
		task.NextPollAt = now.Add(time.Duration(task.PollIntervalSeconds) * time.Second).Unix()
		task.RetryCount = 0
	}
	monitor.VideoPolls.WithLabelValues(string(outcome)).Inc()

	if err := task.Save(db); err != nil {
		return err
	}
	if model.IsTerminalVideoStatus(task.Status) {
		providerName := ""
		if pollCtx != nil {
			providerName = pollCtx.ProviderName
		}
		if err := settleVideoTask(db, task, providerName); err != nil {
			logger.Logger.Error("video task settlement failed",
				zap.String("short_id", task.ShortId), zap.Error(err))
		}
	}
	return nil
}

type pollOutcome string

const (
	outcomeCompleted pollOutcome = "completed"
	outcomeFailed    pollOutcome = "failed"
	outcomeTimeout   pollOutcome = "timeout"
	outcomeRetry     pollOutcome = "retry"
	outcomeProgress  pollOutcome = "progress"
)

// classifyOutcome orders terminality checks: upstream verdicts first, then
// permanent errors, then the poll budget, then retryable backoff.
func classifyOutcome(task *model.VideoTask, result *convert.VideoPollResult, pollErr error, now time.Time) pollOutcome {
	if pollErr == nil && result != nil {
		if result.Done && !result.Failed {
			return outcomeCompleted
		}
		if result.Failed {
			return outcomeFailed
		}
		if task.PollCount >= task.MaxPollCount {
			return outcomeTimeout
		}
		return outcomeProgress
	}

	var httpErr *PollHTTPError
	if errors.As(pollErr, &httpErr) && httpErr.IsPermanent() {
		return outcomeFailed
	}
	if re := relayerr.AsError(pollErr); re != nil {
		switch re.Kind {
		case relayerr.KindMissingExternalTaskId, relayerr.KindMissingProviderInfo, relayerr.KindDecryption:
			return outcomeFailed
		}
	}
	if task.PollCount >= task.MaxPollCount {
		return outcomeTimeout
	}
	return outcomeRetry
}

func failureMessage(result *convert.VideoPollResult, pollErr error) string {
	if pollErr != nil {
		return apiformat.SanitizeErrorMessage(pollErr.Error())
	}
	if result != nil && result.ErrorMessage != "" {
		return apiformat.SanitizeErrorMessage(result.ErrorMessage)
	}
	return "generation failed"
}
