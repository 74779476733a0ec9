package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/aetherlab/aether/model"
)

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:router_test?mode=memory&cache=shared"), &gorm.Config{
		Logger:         glogger.Default.LogMode(glogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.ApiKey{}, &model.Usage{}))
	prev := model.DB
	model.DB = db
	t.Cleanup(func() { model.DB = prev })

	gin.SetMode(gin.TestMode)
	server := gin.New()
	SetRouter(server)
	return server
}

func TestHealthz(t *testing.T) {
	server := setupRouter(t)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRelayRoutesRequireAuth(t *testing.T) {
	server := setupRouter(t)
	paths := []string{
		"/v1/chat/completions",
		"/v1/responses",
		"/v1/messages",
		"/v1/videos",
		"/v1beta/models/gemini-2.5-pro:generateContent",
	}
	for _, path := range paths {
		w := httptest.NewRecorder()
		server.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestMetricsExposed(t *testing.T) {
	server := setupRouter(t)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
