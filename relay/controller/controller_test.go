package controller

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/aetherlab/aether/common/crypto"
	"github.com/aetherlab/aether/common/ctxkey"
	"github.com/aetherlab/aether/model"
	"github.com/aetherlab/aether/relay/apiformat"
	"github.com/aetherlab/aether/relay/billing"
)

var controllerTestDBSeq int

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	controllerTestDBSeq++
	dsn := fmt.Sprintf("file:controller_test_%d?mode=memory&cache=shared", controllerTestDBSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         glogger.Default.LogMode(glogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Provider{},
		&model.ProviderEndpoint{},
		&model.ProviderAPIKey{},
		&model.GlobalModel{},
		&model.Model{},
		&model.VideoTask{},
		&model.Usage{},
		&model.ApiKey{},
		&model.DimensionCollector{},
	))
	prev := model.DB
	model.DB = db
	billing.InvalidateAll()
	t.Cleanup(func() {
		model.DB = prev
		billing.InvalidateAll()
		affinityCache.Flush()
	})
	return db
}

// seedProvider creates a provider with one enabled endpoint and key and a
// binding for modelName. Returns the endpoint for base URL rewriting.
func seedProvider(t *testing.T, db *gorm.DB, name, family, kind, baseURL, modelName string) *model.ProviderEndpoint {
	t.Helper()
	p := &model.Provider{Name: name, Status: model.ProviderStatusEnabled}
	require.NoError(t, db.Create(p).Error)
	e := &model.ProviderEndpoint{
		ProviderId:   p.Id,
		ApiFamily:    family,
		EndpointKind: kind,
		BaseURL:      baseURL,
		Enabled:      true,
	}
	require.NoError(t, db.Create(e).Error)
	k := &model.ProviderAPIKey{
		ProviderId:   p.Id,
		EncryptedKey: "sk-test-" + name,
		Status:       model.ProviderKeyStatusEnabled,
	}
	require.NoError(t, db.Create(k).Error)
	m := &model.Model{ProviderId: p.Id, Name: modelName, Enabled: true}
	require.NoError(t, db.Create(m).Error)
	return e
}

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	Setup(crypto.Plaintext{})
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(ctxkey.UserId, 1)
		c.Set(ctxkey.ApiKeyId, 1)
	})
	r.POST("/v1/chat/completions", RelayChat)
	r.POST("/v1/videos", SubmitVideo)
	r.GET("/v1/videos", ListVideos)
	r.GET("/v1/videos/:id", GetVideo)
	r.POST("/v1/videos/:id/cancel", CancelVideo)
	r.GET("/v1/videos/:id/content", DownloadVideo)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sk-client")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBuildUpstreamURL(t *testing.T) {
	def, err := apiformat.ResolveDefinition(apiformat.Signature{Family: apiformat.FamilyGemini, Kind: apiformat.KindChat})
	require.NoError(t, err)
	e := &model.ProviderEndpoint{BaseURL: "https://gen.example.test/"}
	assert.Equal(t,
		"https://gen.example.test/v1beta/models/gemini-2.5-pro:generateContent",
		buildUpstreamURL(e, def, "gemini-2.5-pro"))

	e.PathOverride = "/custom/{model}/chat"
	assert.Equal(t, "https://gen.example.test/custom/gemini-2.5-pro/chat", buildUpstreamURL(e, def, "gemini-2.5-pro"))
}

func TestApplyBodyRules(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","temperature":1.5,"stream":true}`)
	rules := []model.BodyRule{
		{Path: "temperature", Set: json.RawMessage(`0.7`)},
		{Path: "max_tokens", Set: json.RawMessage(`4096`)},
		{Path: "stream", Delete: true},
	}
	out, err := applyBodyRules(body, rules)
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"gpt-4o","temperature":0.7,"max_tokens":4096}`, string(out))
}

func TestExtractGeminiModel(t *testing.T) {
	assert.Equal(t, "gemini-2.5-pro", extractGeminiModel("/v1beta/models/gemini-2.5-pro:generateContent"))
	assert.Equal(t, "veo-3", extractGeminiModel("/v1beta/models/veo-3:predictLongRunning"))
	assert.Equal(t, "", extractGeminiModel("/v1/chat/completions"))
}

func TestExtractExternalTaskId(t *testing.T) {
	assert.Equal(t, "models/veo-3/operations/xyz",
		extractExternalTaskId(apiformat.FamilyGemini, []byte(`{"name":"models/veo-3/operations/xyz"}`)))
	assert.Equal(t, "video_123",
		extractExternalTaskId(apiformat.FamilyOpenAI, []byte(`{"id":"video_123","object":"video"}`)))
}

func TestWriteErrorEnvelopes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	writeError(c, apiformat.FamilyOpenAI, 404, "not_found", "no such video task")
	assert.Equal(t, 404, w.Code)
	assert.JSONEq(t, `{"error":{"message":"no such video task","type":"not_found","code":404}}`, w.Body.String())

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	writeError(c, apiformat.FamilyClaude, 400, "invalid_request_error", "model is required")
	assert.JSONEq(t, `{"type":"error","error":{"type":"invalid_request_error","message":"model is required"}}`, w.Body.String())

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	writeError(c, apiformat.FamilyGemini, 429, "rate_limited", "slow down")
	assert.JSONEq(t, `{"error":{"code":429,"message":"slow down","status":"RESOURCE_EXHAUSTED"}}`, w.Body.String())
}

func TestWriteErrorSanitizesMessage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	writeError(c, apiformat.FamilyOpenAI, 502, "upstream_error", "denied for key sk-abcdef1234567890")
	assert.NotContains(t, w.Body.String(), "sk-abcdef1234567890")
}

func TestRelayChatPassthrough(t *testing.T) {
	db := setupTestDB(t)

	var gotAuth, gotModel string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	}))
	defer upstream.Close()

	seedProvider(t, db, "openai-main", "openai", "chat", upstream.URL, "gpt-4o")

	r := newTestRouter()
	w := doJSON(t, r, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Bearer sk-test-openai-main", gotAuth)
	assert.Equal(t, "gpt-4o", gotModel)
	assert.Contains(t, w.Body.String(), "chatcmpl-1")

	var usage model.Usage
	require.NoError(t, db.Where("model = ?", "gpt-4o").First(&usage).Error)
	assert.Equal(t, model.UsageStatusCompleted, usage.Status)
	assert.Equal(t, 12, usage.InputTokens)
	assert.Equal(t, 3, usage.OutputTokens)
	assert.Equal(t, 200, usage.StatusCode)
}

func TestRelayChatFailsOverOn5xx(t *testing.T) {
	db := setupTestDB(t)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded","type":"server_error"}}`, http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-2","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":1}}`))
	}))
	defer good.Close()

	// Priority steers the first attempt at the failing upstream.
	e1 := seedProvider(t, db, "flaky", "openai", "chat", bad.URL, "gpt-4o")
	require.NoError(t, db.Model(&model.ProviderAPIKey{}).
		Where("provider_id = ?", e1.ProviderId).
		Update("internal_priority", 100).Error)
	seedProvider(t, db, "stable", "openai", "chat", good.URL, "gpt-4o")

	r := newTestRouter()
	w := doJSON(t, r, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "chatcmpl-2")
}

func TestRelayChatEmbeddedErrorAdvances(t *testing.T) {
	db := setupTestDB(t)

	embedded := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":{"message":"quota exhausted","type":"insufficient_quota"}}`))
	}))
	defer embedded.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-3","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":1}}`))
	}))
	defer good.Close()

	e1 := seedProvider(t, db, "broke", "openai", "chat", embedded.URL, "gpt-4o")
	require.NoError(t, db.Model(&model.ProviderAPIKey{}).
		Where("provider_id = ?", e1.ProviderId).
		Update("internal_priority", 100).Error)
	seedProvider(t, db, "funded", "openai", "chat", good.URL, "gpt-4o")

	r := newTestRouter()
	w := doJSON(t, r, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "chatcmpl-3")
}

func TestRelayChatTerminal4xx(t *testing.T) {
	db := setupTestDB(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"unknown parameter: frobnicate","type":"invalid_request_error"}}`))
	}))
	defer upstream.Close()
	seedProvider(t, db, "openai-main", "openai", "chat", upstream.URL, "gpt-4o")

	r := newTestRouter()
	w := doJSON(t, r, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4o","messages":[]}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown parameter")

	var usage model.Usage
	require.NoError(t, db.Where("model = ?", "gpt-4o").First(&usage).Error)
	assert.Equal(t, model.UsageStatusFailed, usage.Status)
	assert.Equal(t, 400, usage.StatusCode)
}

func TestRelayChatNoProvider(t *testing.T) {
	setupTestDB(t)

	r := newTestRouter()
	w := doJSON(t, r, http.MethodPost, "/v1/chat/completions", `{"model":"nonexistent","messages":[]}`)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "no available provider")
}

func TestRelayChatStreaming(t *testing.T) {
	db := setupTestDB(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":2}}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()
	seedProvider(t, db, "openai-main", "openai", "chat", upstream.URL, "gpt-4o")

	r := newTestRouter()
	w := doJSON(t, r, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "data: [DONE]")

	var usage model.Usage
	require.NoError(t, db.Where("model = ?", "gpt-4o").First(&usage).Error)
	assert.Equal(t, 7, usage.InputTokens)
	assert.Equal(t, 2, usage.OutputTokens)
}

func TestSubmitVideoCreatesTaskAndPendingUsage(t *testing.T) {
	db := setupTestDB(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"video_ext_1","object":"video","status":"queued"}`))
	}))
	defer upstream.Close()
	seedProvider(t, db, "openai-video", "openai", "video", upstream.URL, "sora-2")

	r := newTestRouter()
	w := doJSON(t, r, http.MethodPost, "/v1/videos", `{"model":"sora-2","prompt":"a cat surfing","seconds":8,"size":"1280x720"}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "video", resp["object"])
	assert.Equal(t, "queued", resp["status"])
	// The upstream id must not leak through the public surface.
	assert.NotContains(t, w.Body.String(), "video_ext_1")

	var task model.VideoTask
	require.NoError(t, db.Where("external_task_id = ?", "video_ext_1").First(&task).Error)
	assert.Equal(t, resp["id"], task.ShortId)
	assert.Equal(t, model.VideoTaskStatusSubmitted, task.Status)
	assert.Greater(t, task.NextPollAt, time.Now().Unix()-1)

	pending, err := model.GetPendingUsageForVideoTask(db, task.Id)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, model.TaskTypeVideo, pending.TaskType)
}

func TestSubmitVideoDuplicateExternalId(t *testing.T) {
	db := setupTestDB(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"video_dup","object":"video","status":"queued"}`))
	}))
	defer upstream.Close()
	seedProvider(t, db, "openai-video", "openai", "video", upstream.URL, "sora-2")

	r := newTestRouter()
	first := doJSON(t, r, http.MethodPost, "/v1/videos", `{"model":"sora-2","prompt":"a cat surfing"}`)
	require.Equal(t, http.StatusOK, first.Code)

	second := doJSON(t, r, http.MethodPost, "/v1/videos", `{"model":"sora-2","prompt":"a cat surfing"}`)
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestGetVideoNotFound(t *testing.T) {
	setupTestDB(t)
	r := newTestRouter()
	w := doJSON(t, r, http.MethodGet, "/v1/videos/vt_missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelVideoSettlesPendingUsage(t *testing.T) {
	db := setupTestDB(t)
	task := &model.VideoTask{
		ShortId:        "vt_cancel1",
		ExternalTaskId: "video_c1",
		UserId:         1,
		ApiKeyId:       1,
		Model:          "sora-2",
		Status:         model.VideoTaskStatusProcessing,
		CreatedAt:      time.Now().Unix(),
	}
	require.NoError(t, db.Create(task).Error)
	require.NoError(t, db.Create(&model.Usage{
		UserId: 1, ApiKeyId: 1, Model: "sora-2",
		TaskType: model.TaskTypeVideo, Status: model.UsageStatusPending,
		VideoTaskId: task.Id, CreatedAt: time.Now().Unix(),
	}).Error)

	r := newTestRouter()
	w := doJSON(t, r, http.MethodPost, "/v1/videos/vt_cancel1/cancel", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"cancelled"`)

	reloaded, err := model.GetVideoTaskById(db, task.Id)
	require.NoError(t, err)
	assert.Equal(t, model.VideoTaskStatusCancelled, reloaded.Status)

	var settled model.Usage
	require.NoError(t, db.Where("video_task_id = ?", task.Id).First(&settled).Error)
	assert.Equal(t, model.UsageStatusFailed, settled.Status)
	assert.Equal(t, 499, settled.StatusCode)
}

func TestDownloadVideoStates(t *testing.T) {
	db := setupTestDB(t)
	r := newTestRouter()

	processing := &model.VideoTask{
		ShortId: "vt_proc", ExternalTaskId: "e1", UserId: 1,
		Status: model.VideoTaskStatusProcessing, ProgressPercent: 40, CreatedAt: time.Now().Unix(),
	}
	require.NoError(t, db.Create(processing).Error)
	w := doJSON(t, r, http.MethodGet, "/v1/videos/vt_proc/content", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	failed := &model.VideoTask{
		ShortId: "vt_fail", ExternalTaskId: "e2", UserId: 1,
		Status: model.VideoTaskStatusFailed, ErrorMessage: "generation failed", CreatedAt: time.Now().Unix(),
	}
	require.NoError(t, db.Create(failed).Error)
	w = doJSON(t, r, http.MethodGet, "/v1/videos/vt_fail/content", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	expired := &model.VideoTask{
		ShortId: "vt_exp", ExternalTaskId: "e3", UserId: 1,
		Status: model.VideoTaskStatusCompleted, VideoURL: "https://cdn.example.test/v.mp4",
		VideoExpiresAt: time.Now().Add(-time.Hour).Unix(), CreatedAt: time.Now().Unix(),
	}
	require.NoError(t, db.Create(expired).Error)
	w = doJSON(t, r, http.MethodGet, "/v1/videos/vt_exp/content", "")
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestDownloadVideoProxiesContent(t *testing.T) {
	db := setupTestDB(t)

	content := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("mp4-bytes"))
	}))
	defer content.Close()

	endpoint := seedProvider(t, db, "openai-video", "openai", "video", content.URL, "sora-2")
	var key model.ProviderAPIKey
	require.NoError(t, db.Where("provider_id = ?", endpoint.ProviderId).First(&key).Error)

	task := &model.VideoTask{
		ShortId: "vt_done", ExternalTaskId: "e4", UserId: 1,
		ProviderId: endpoint.ProviderId, EndpointId: endpoint.Id, ProviderApiKeyId: key.Id,
		ProviderApiFormat: "openai:video",
		Status:            model.VideoTaskStatusCompleted,
		VideoURL:          content.URL + "/files/v.mp4",
		CreatedAt:         time.Now().Unix(),
	}
	require.NoError(t, db.Create(task).Error)

	r := newTestRouter()
	w := doJSON(t, r, http.MethodGet, "/v1/videos/vt_done/content", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))
	assert.Equal(t, "mp4-bytes", w.Body.String())
}

func TestGeminiOperationRendering(t *testing.T) {
	completed := &model.VideoTask{
		ShortId: "vt_g1", Model: "veo-3",
		Status: model.VideoTaskStatusCompleted, VideoURL: "https://upstream.example.test/v.mp4",
	}
	op := geminiOperation(completed)
	assert.Equal(t, "models/veo-3/operations/vt_g1", op["name"])
	assert.Equal(t, true, op["done"])
	raw, err := json.Marshal(op)
	require.NoError(t, err)
	// The response points at the gateway proxy, never the upstream URL.
	assert.Contains(t, string(raw), "/v1/videos/vt_g1/content")
	assert.NotContains(t, string(raw), "upstream.example.test")

	running := &model.VideoTask{ShortId: "vt_g2", Model: "veo-3", Status: model.VideoTaskStatusProcessing, ProgressPercent: 55}
	op = geminiOperation(running)
	assert.Equal(t, false, op["done"])
	meta, ok := op["metadata"].(gin.H)
	require.True(t, ok)
	assert.Equal(t, 55, meta["progressPercent"])
}
