package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v6"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"

	"github.com/aetherlab/aether/common"
	"github.com/aetherlab/aether/common/config"
	"github.com/aetherlab/aether/common/crypto"
	"github.com/aetherlab/aether/common/graceful"
	"github.com/aetherlab/aether/common/logger"
	"github.com/aetherlab/aether/middleware"
	"github.com/aetherlab/aether/model"
	"github.com/aetherlab/aether/relay/controller"
	"github.com/aetherlab/aether/relay/task"
	"github.com/aetherlab/aether/router"
)

func main() {
	common.Init()
	logger.SetupLogger()
	logger.Logger.Info("aether started")

	if config.GinMode != "" {
		gin.SetMode(config.GinMode)
	} else if os.Getenv("GIN_MODE") != gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	model.InitDB()
	if err := common.InitRedisClient(); err != nil {
		logger.Logger.Fatal("failed to initialize redis", zap.Error(err))
	}

	retentionCtx, retentionCancel := context.WithCancel(context.Background())
	defer retentionCancel()
	logger.StartLogRetentionCleaner(retentionCtx, config.LogRetentionDays, logger.LogDir)

	cipher := buildCipher()
	controller.Setup(cipher)

	poller := task.NewPoller(cipher)
	poller.Start()

	logLevel := glog.LevelInfo
	if config.DebugEnabled {
		logLevel = glog.LevelDebug
	}
	server := gin.New()
	server.RedirectTrailingSlash = false
	server.Use(
		gin.Recovery(),
		gmw.NewLoggerMiddleware(
			gmw.WithLoggerMwColored(),
			gmw.WithLevel(logLevel.String()),
			gmw.WithLogger(logger.Logger.Named("gin")),
		),
	)
	server.Use(func(c *gin.Context) {
		defer graceful.BeginRequest()()
		c.Next()
	})
	server.Use(middleware.RequestId())
	router.SetRouter(server)

	port := config.ServerPort
	if port == "" {
		port = "3000"
	}
	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: server,
	}
	go func() {
		logger.Logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Logger.Info("shutdown signal received")
	graceful.SetDraining()

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(config.ShutdownTimeoutSec)*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Logger.Error("http server shutdown failed", zap.Error(err))
	}
	poller.Stop()
	if err := graceful.Drain(ctx); err != nil {
		logger.Logger.Error("graceful drain failed", zap.Error(err))
	}
	if err := model.CloseDB(); err != nil {
		logger.Logger.Error("close database failed", zap.Error(err))
	}
	logger.Logger.Info("aether stopped")
}

// buildCipher selects the credential cipher. Without a configured master key
// credentials are stored as-is, acceptable only for development.
func buildCipher() crypto.Cipher {
	if config.CredentialCipherKey == "" {
		logger.Logger.Warn("CREDENTIAL_CIPHER_KEY not set, provider credentials are stored unencrypted")
		return crypto.Plaintext{}
	}
	cipher, err := crypto.NewAESCipher(config.CredentialCipherKey)
	if err != nil {
		logger.Logger.Fatal("failed to initialize credential cipher", zap.Error(err))
	}
	return cipher
}
