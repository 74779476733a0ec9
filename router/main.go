// Package router wires the public HTTP surfaces onto a gin engine.
package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aetherlab/aether/common/config"
)

// SetRouter mounts every surface: the relay dialects, health, and metrics.
func SetRouter(server *gin.Engine) {
	server.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			"x-api-key", "anthropic-version", "x-goog-api-key",
		},
		MaxAge: 12 * time.Hour,
	}))

	server.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if config.EnablePrometheusMetrics {
		server.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	SetRelayRouter(server)
}
