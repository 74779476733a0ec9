package controller

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/aetherlab/aether/common/config"
	"github.com/aetherlab/aether/common/ctxkey"
	"github.com/aetherlab/aether/common/logger"
	"github.com/aetherlab/aether/common/random"
	"github.com/aetherlab/aether/model"
	"github.com/aetherlab/aether/monitor"
	"github.com/aetherlab/aether/relay/apiformat"
	"github.com/aetherlab/aether/relay/convert"
	"github.com/aetherlab/aether/relay/relayerr"
	"github.com/aetherlab/aether/relay/scheduler"
)

// SubmitVideo accepts a video generation request, submits it upstream with
// failover, persists the task, and answers with the public handle only. The
// upstream task id never leaves the gateway.
func SubmitVideo(c *gin.Context) {
	fmtCtx := requestContext(c)
	clientSig := fmtCtx.Endpoint

	body, err := getRequestBody(c)
	if err != nil {
		writeError(c, clientSig.Family, http.StatusBadRequest, "invalid_request_error", "cannot read request body")
		return
	}
	parser, err := convert.Default.Normalizer(clientSig.Family)
	if err != nil {
		writeError(c, clientSig.Family, http.StatusBadRequest, "invalid_request_error", "unsupported video surface")
		return
	}
	vreq, err := parser.ParseVideoRequest(body)
	if err != nil {
		writeError(c, clientSig.Family, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	modelName := vreq.Model
	if modelName == "" {
		modelName = extractGeminiModel(c.Request.URL.Path)
	}
	if modelName == "" {
		writeError(c, clientSig.Family, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	c.Set(ctxkey.RequestModel, modelName)

	in, err := scheduler.LoadInput(clientSig.Key(), modelName, "", false)
	if err != nil {
		logger.Logger.Error("load scheduler input", zap.Error(err))
		writeError(c, clientSig.Family, http.StatusInternalServerError, "internal_error", "scheduling failed")
		return
	}
	candidates := scheduler.BuildCandidates(in)
	if len(candidates) == 0 {
		writeError(c, clientSig.Family, http.StatusServiceUnavailable, "provider_not_available",
			"no available provider for model "+modelName)
		return
	}

	var lastErr *relayerr.Error
	for i := range candidates {
		cand := &candidates[i]
		if i > 0 {
			monitor.RelayRetries.Inc()
		}
		task, relayErr := submitToCandidate(c, clientSig, cand, body, vreq, modelName)
		if relayErr == nil {
			renderVideoTask(c, clientSig.Family, task)
			return
		}
		lastErr = relayErr
		if !canAdvance(relayErr) {
			break
		}
		logger.Logger.Warn("video submit failed, trying next candidate",
			zap.String("provider", cand.Provider.Name),
			zap.String("message", relayErr.Message))
	}
	writeRelayError(c, clientSig.Family, lastErr)
}

// submitToCandidate performs one upstream submit and records the task row
// plus its pending usage settlement.
func submitToCandidate(c *gin.Context, clientSig apiformat.Signature, cand *scheduler.Candidate, body []byte, vreq *convert.VideoRequest, modelName string) (*model.VideoTask, *relayerr.Error) {
	target, relayErr := resolveCandidate(cand, c.Request.Header)
	if relayErr != nil {
		return nil, relayErr
	}

	upBody := body
	converted := false
	if cand.NeedsConversion {
		out, err := convert.Default.ConvertVideoRequest(clientSig.Family, target.ProviderSig.Family, body)
		if err != nil {
			return nil, &relayerr.Error{
				Kind:       relayerr.KindInvalidRequest,
				StatusCode: http.StatusBadRequest,
				Message:    err.Error(),
			}
		}
		upBody = out
		converted = true
	}
	rules, err := cand.Endpoint.DecodeBodyRules()
	if err != nil {
		return nil, relayerr.NotAvailable(err.Error())
	}
	upBody, err = applyBodyRules(upBody, rules)
	if err != nil {
		return nil, relayerr.NotAvailable(err.Error())
	}

	resp, relayErr := openUpstream(c.Request.Context(), http.MethodPost, target.URL, upBody, target.Headers)
	if relayErr != nil {
		return nil, relayErr
	}
	if resp.StatusCode >= 400 {
		return nil, classifyUpstreamFailure(resp, target.ProviderSig.Family, cand.Provider.Name)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamErrorBody))
	_ = resp.Body.Close()
	if err != nil {
		return nil, relayerr.NotAvailable("read submit response: " + err.Error())
	}

	externalId := extractExternalTaskId(target.ProviderSig.Family, raw)
	if externalId == "" {
		return nil, relayerr.NotAvailable("upstream accepted the submit but returned no task id")
	}

	now := time.Now()
	interval := int(config.VideoPollInterval / time.Second)
	if interval <= 0 {
		interval = 10
	}
	task := &model.VideoTask{
		ShortId:             random.GetShortID(),
		ExternalTaskId:      externalId,
		UserId:              c.GetInt(ctxkey.UserId),
		ApiKeyId:            c.GetInt(ctxkey.ApiKeyId),
		ProviderId:          cand.Provider.Id,
		EndpointId:          cand.Endpoint.Id,
		ProviderApiKeyId:    cand.Key.Id,
		ClientApiFormat:     clientSig.Key(),
		ProviderApiFormat:   cand.ProviderFormat,
		FormatConverted:     converted,
		Model:               modelName,
		Prompt:              vreq.Prompt,
		OriginalRequestBody: string(body),
		DurationSeconds:     vreq.DurationSeconds,
		Resolution:          vreq.Resolution,
		AspectRatio:         vreq.AspectRatio,
		Status:              model.VideoTaskStatusSubmitted,
		PollIntervalSeconds: interval,
		NextPollAt:          now.Add(time.Duration(interval) * time.Second).Unix(),
		MaxPollCount:        config.VideoMaxPollCount,
		CreatedAt:           now.Unix(),
		SubmittedAt:         now.Unix(),
	}
	if converted {
		task.ConvertedRequestBody = string(upBody)
	}
	if err := model.CreateVideoTask(task); err != nil {
		if isDuplicateTask(err) {
			return nil, &relayerr.Error{
				Kind:       relayerr.KindInvalidRequest,
				StatusCode: http.StatusConflict,
				Message:    "a task with this upstream id already exists",
				Status:     "already_exists",
			}
		}
		return nil, relayerr.NotAvailable(err.Error())
	}

	usage := &model.Usage{
		UserId:      task.UserId,
		ApiKeyId:    task.ApiKeyId,
		ProviderId:  task.ProviderId,
		EndpointId:  task.EndpointId,
		Model:       task.Model,
		TaskType:    model.TaskTypeVideo,
		ApiFormat:   task.ClientApiFormat,
		Status:      model.UsageStatusPending,
		RequestId:   c.GetString(ctxkey.RequestId),
		VideoTaskId: task.Id,
		CreatedAt:   now.Unix(),
	}
	if err := model.CreateUsage(usage); err != nil {
		logger.Logger.Error("create pending video usage", zap.String("short_id", task.ShortId), zap.Error(err))
	}
	return task, nil
}

func isDuplicateTask(err error) bool {
	return errors.Is(err, model.ErrDuplicateExternalTask)
}

// extractExternalTaskId pulls the upstream handle from a submit response.
// Gemini answers with a long-running operation name; OpenAI with a video id.
func extractExternalTaskId(family apiformat.Family, body []byte) string {
	if family == apiformat.FamilyGemini {
		return gjson.GetBytes(body, "name").String()
	}
	return gjson.GetBytes(body, "id").String()
}

// GetVideo answers a status query by public handle, scoped to the caller.
func GetVideo(c *gin.Context) {
	fmtCtx := requestContext(c)
	family := fmtCtx.Endpoint.Family

	task, ok := loadOwnedTask(c, family)
	if !ok {
		return
	}
	renderVideoTask(c, family, task)
}

// ListVideos returns the caller's tasks, newest first. OpenAI surface only.
func ListVideos(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	tasks, err := model.ListVideoTasks(c.GetInt(ctxkey.UserId), limit, offset)
	if err != nil {
		logger.Logger.Error("list video tasks", zap.Error(err))
		writeError(c, apiformat.FamilyOpenAI, http.StatusInternalServerError, "internal_error", "cannot list videos")
		return
	}
	data := make([]gin.H, 0, len(tasks))
	for i := range tasks {
		data = append(data, openaiVideoObject(&tasks[i]))
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// CancelVideo stops a non-terminal task. The upstream job keeps running; the
// gateway stops polling and settles the pending usage as failed.
func CancelVideo(c *gin.Context) {
	fmtCtx := requestContext(c)
	family := fmtCtx.Endpoint.Family

	task, ok := loadOwnedTask(c, family)
	if !ok {
		return
	}
	if !model.IsTerminalVideoStatus(task.Status) {
		task.Status = model.VideoTaskStatusCancelled
		task.CompletedAt = time.Now().Unix()
		if err := task.Save(model.DB); err != nil {
			logger.Logger.Error("cancel video task", zap.String("short_id", task.ShortId), zap.Error(err))
			writeError(c, family, http.StatusInternalServerError, "internal_error", "cannot cancel task")
			return
		}
		settleCancelledUsage(task)
	}
	renderVideoTask(c, family, task)
}

func settleCancelledUsage(task *model.VideoTask) {
	usage, err := model.GetPendingUsageForVideoTask(model.DB, task.Id)
	if err != nil || usage == nil {
		return
	}
	usage.Status = model.UsageStatusFailed
	usage.StatusCode = 499
	if merr := usage.MergeMetadata(map[string]any{"error_message": "cancelled by client"}); merr != nil {
		logger.Logger.Warn("attach cancel metadata", zap.Error(merr))
	}
	if serr := usage.Save(model.DB); serr != nil {
		logger.Logger.Error("settle cancelled usage", zap.Int("video_task_id", task.Id), zap.Error(serr))
	}
}

// DownloadVideo proxies the generated content through the gateway so the
// upstream URL and credential never reach the client.
func DownloadVideo(c *gin.Context) {
	fmtCtx := requestContext(c)
	family := fmtCtx.Endpoint.Family

	task, ok := loadOwnedTask(c, family)
	if !ok {
		return
	}
	switch task.Status {
	case model.VideoTaskStatusCompleted:
	case model.VideoTaskStatusFailed, model.VideoTaskStatusCancelled:
		writeError(c, family, http.StatusUnprocessableEntity, "generation_failed", taskFailureMessage(task))
		return
	default:
		c.JSON(http.StatusAccepted, gin.H{
			"status":   "processing",
			"progress": task.ProgressPercent,
		})
		return
	}
	if task.VideoExpiresAt > 0 && task.VideoExpiresAt < time.Now().Unix() {
		writeError(c, family, http.StatusGone, "content_expired", "the generated video has expired upstream")
		return
	}
	if task.VideoURL == "" {
		writeError(c, family, http.StatusNotFound, "not_found", "no video content recorded for this task")
		return
	}

	headers, err := downloadAuthHeaders(task)
	if err != nil {
		logger.Logger.Error("resolve download auth", zap.String("short_id", task.ShortId), zap.Error(err))
		writeError(c, family, http.StatusBadGateway, "upstream_error", "cannot authorize content download")
		return
	}

	client := &http.Client{Timeout: time.Duration(config.VideoDownloadTimeout) * time.Second}
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, task.VideoURL, nil)
	if err != nil {
		writeError(c, family, http.StatusBadGateway, "upstream_error", "cannot fetch video content")
		return
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	resp, err := client.Do(req)
	if err != nil {
		writeError(c, family, http.StatusBadGateway, "upstream_error", "cannot fetch video content")
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		writeError(c, family, http.StatusBadGateway, "upstream_error",
			"upstream content fetch returned "+strconv.Itoa(resp.StatusCode))
		return
	}

	for name, values := range resp.Header {
		if apiformat.IsHopByHopHeader(name) {
			continue
		}
		for _, value := range values {
			c.Writer.Header().Add(name, value)
		}
	}
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		logger.Logger.Debug("video download aborted", zap.String("short_id", task.ShortId), zap.Error(err))
	}
}

// downloadAuthHeaders rebuilds the upstream credential headers for a task's
// content fetch.
func downloadAuthHeaders(task *model.VideoTask) (map[string]string, error) {
	key, err := model.GetProviderAPIKeyById(model.DB, task.ProviderApiKeyId)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, relayerr.New(relayerr.KindMissingProviderInfo, "provider key is gone")
	}
	sig, err := apiformat.ParseKey(task.ProviderApiFormat)
	if err != nil {
		return nil, err
	}
	def, err := apiformat.ResolveDefinition(sig)
	if err != nil {
		return nil, err
	}
	credential, err := credentialCipher.Decrypt(key.EncryptedKey)
	if err != nil {
		return nil, relayerr.New(relayerr.KindDecryption, "cannot decrypt upstream credential")
	}
	handler, err := apiformat.GetAuthHandler(def.AuthMethod)
	if err != nil {
		return nil, err
	}
	return handler.BuildHeaders(credential), nil
}

// loadOwnedTask resolves the route's task handle for the authenticated user,
// answering 404 itself when the task is missing.
func loadOwnedTask(c *gin.Context, family apiformat.Family) (*model.VideoTask, bool) {
	shortId := c.Param("id")
	if shortId == "" {
		shortId = c.Param("operation")
	}
	shortId = convert.NormalizeGeminiOperationId(shortId)

	task, err := model.GetVideoTaskByShortId(shortId, c.GetInt(ctxkey.UserId))
	if err != nil {
		logger.Logger.Error("load video task", zap.String("short_id", shortId), zap.Error(err))
		writeError(c, family, http.StatusInternalServerError, "internal_error", "cannot load task")
		return nil, false
	}
	if task == nil {
		writeError(c, family, http.StatusNotFound, "not_found", "no such video task")
		return nil, false
	}
	return task, true
}

func taskFailureMessage(task *model.VideoTask) string {
	if task.Status == model.VideoTaskStatusCancelled {
		return "the task was cancelled"
	}
	if task.ErrorMessage != "" {
		return task.ErrorMessage
	}
	return "video generation failed"
}

// renderVideoTask answers in the dialect the client spoke.
func renderVideoTask(c *gin.Context, family apiformat.Family, task *model.VideoTask) {
	if family == apiformat.FamilyGemini {
		c.JSON(http.StatusOK, geminiOperation(task))
		return
	}
	c.JSON(http.StatusOK, openaiVideoObject(task))
}

// openaiVideoObject renders the task as an OpenAI video object. Only the
// short id is exposed as the handle.
func openaiVideoObject(task *model.VideoTask) gin.H {
	obj := gin.H{
		"id":         task.ShortId,
		"object":     "video",
		"model":      task.Model,
		"status":     openaiVideoStatus(task.Status),
		"progress":   task.ProgressPercent,
		"created_at": task.CreatedAt,
	}
	if task.DurationSeconds > 0 {
		obj["seconds"] = strconv.Itoa(task.DurationSeconds)
	}
	if task.Resolution != "" {
		obj["size"] = task.Resolution
	}
	if task.CompletedAt > 0 {
		obj["completed_at"] = task.CompletedAt
	}
	if task.Status == model.VideoTaskStatusFailed {
		obj["error"] = gin.H{
			"code":    "generation_failed",
			"message": apiformat.SanitizeErrorMessage(task.ErrorMessage),
		}
	}
	return obj
}

func openaiVideoStatus(status string) string {
	switch status {
	case model.VideoTaskStatusPending, model.VideoTaskStatusSubmitted, model.VideoTaskStatusQueued:
		return "queued"
	case model.VideoTaskStatusProcessing:
		return "in_progress"
	default:
		return status
	}
}

// geminiOperation renders the task as a long-running operation. The name is
// rebuilt from the public handle; the upstream operation name stays private.
func geminiOperation(task *model.VideoTask) gin.H {
	op := gin.H{
		"name": "models/" + task.Model + "/operations/" + task.ShortId,
		"done": model.IsTerminalVideoStatus(task.Status),
	}
	switch task.Status {
	case model.VideoTaskStatusCompleted:
		op["response"] = gin.H{
			"generateVideoResponse": gin.H{
				"generatedSamples": []gin.H{
					{"video": gin.H{"uri": "/v1/videos/" + task.ShortId + "/content"}},
				},
			},
		}
	case model.VideoTaskStatusFailed, model.VideoTaskStatusCancelled:
		op["error"] = gin.H{
			"code":    9,
			"message": apiformat.SanitizeErrorMessage(taskFailureMessage(task)),
			"status":  "FAILED_PRECONDITION",
		}
	default:
		op["metadata"] = gin.H{"progressPercent": task.ProgressPercent}
	}
	return op
}
