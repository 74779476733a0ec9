package config

import (
	"strings"
	"time"

	"github.com/aetherlab/aether/common/env"
)

var (
	// ServerPort overrides the --port flag when running inside container or PaaS environments.
	ServerPort = strings.TrimSpace(env.String("PORT", ""))
	// GinMode allows forcing Gin into release mode (or other modes) without recompiling.
	GinMode = strings.TrimSpace(env.String("GIN_MODE", ""))

	// DebugEnabled toggles verbose structured logging when DEBUG=true.
	DebugEnabled = env.Bool("DEBUG", false)
	// DebugSQLEnabled toggles per-query SQL logging when DEBUG_SQL=true.
	DebugSQLEnabled = env.Bool("DEBUG_SQL", false)

	// RelayTimeout bounds upstream HTTP requests (seconds) before aborting them. Zero disables the limit.
	RelayTimeout = env.Int("RELAY_TIMEOUT", 0)
	// VideoDownloadTimeout bounds proxied video content downloads (seconds).
	VideoDownloadTimeout = env.Int("VIDEO_DOWNLOAD_TIMEOUT", 300)

	// ShutdownTimeoutSec specifies the graceful shutdown timeout (seconds) for the HTTP server and background workers.
	ShutdownTimeoutSec = env.Int("SHUTDOWN_TIMEOUT", 360)

	// EnablePrometheusMetrics exposes the /metrics endpoint for Prometheus scrapers when true.
	EnablePrometheusMetrics = env.Bool("ENABLE_PROMETHEUS_METRICS", true)

	// EnableFormatConversion is the global switch for cross-format request/response conversion.
	// When false only exact format matches are schedulable.
	EnableFormatConversion = env.Bool("ENABLE_FORMAT_CONVERSION", true)

	// MaxPrefetchLines caps how many SSE lines the stream processor reads ahead to screen for embedded upstream errors.
	MaxPrefetchLines = env.Int("MAX_PREFETCH_LINES", 5)

	// SchedulerMaxCandidates caps how many provider candidates a single request may try during failover.
	SchedulerMaxCandidates = env.Int("SCHEDULER_MAX_CANDIDATES", 10)

	// CredentialCipherKey is the master secret used to encrypt provider API keys at rest.
	CredentialCipherKey = env.String("CREDENTIAL_CIPHER_KEY", "")

	// LogRetentionDays determines how many days logs are kept before the retention worker purges them (0 disables cleanup).
	LogRetentionDays = func() int {
		v := env.Int("LOG_RETENTION_DAYS", 0)
		if v < 0 {
			return 0
		}
		return v
	}()
)

// Billing engine knobs.
var (
	// BillingEngine selects the billing execution mode: legacy, shadow, new, or new_with_fallback.
	BillingEngine = strings.ToLower(strings.TrimSpace(env.String("BILLING_ENGINE", "legacy")))
	// BillingEngineOverrides holds per-provider/model engine overrides as a JSON
	// object, e.g. {"openai/*":"new","anthropic/claude-3*":"shadow"}. Keys may be
	// exact "provider/model" pairs or glob patterns.
	BillingEngineOverrides = strings.TrimSpace(env.String("BILLING_ENGINE_OVERRIDES", ""))
	// BillingDiffThresholdUSD is the absolute legacy-vs-new cost difference (USD) above which a shadow diff is reported.
	BillingDiffThresholdUSD = env.Float64("BILLING_DIFF_THRESHOLD_USD", 0.0001)
	// BillingDiffLogLevel is the log level for over-threshold diff reports: debug, info, warn, or error.
	BillingDiffLogLevel = strings.ToLower(strings.TrimSpace(env.String("BILLING_DIFF_LOG_LEVEL", "warn")))
	// BillingRequireRule makes rule resolution fail instead of falling back to the default generated rule.
	BillingRequireRule = env.Bool("BILLING_REQUIRE_RULE", false)
	// BillingStrictMode turns missing required billing dimensions into request-failing errors instead of zero-cost results.
	BillingStrictMode = env.Bool("BILLING_STRICT_MODE", false)
)

// Video poller knobs.
var (
	// VideoPollInterval is the base cadence of the asynchronous video task poller.
	VideoPollInterval = time.Duration(env.Int("VIDEO_POLL_INTERVAL_SECONDS", 10)) * time.Second
	// VideoPollBatchSize caps how many due tasks a single poll cycle claims.
	VideoPollBatchSize = env.Int("VIDEO_POLL_BATCH_SIZE", 20)
	// VideoPollConcurrency bounds the number of tasks polled in parallel within one cycle.
	VideoPollConcurrency = env.Int("VIDEO_POLL_CONCURRENCY", 5)
	// VideoMaxPollCount is the default per-task poll budget before the task times out.
	VideoMaxPollCount = env.Int("VIDEO_MAX_POLL_COUNT", 360)
)

var (
	// RedisConnString enables Redis-backed state (distributed poller lock, shared hints) when set.
	RedisConnString = env.String("REDIS_CONN_STRING", "")
	// RedisPassword is used in Redis cluster/sentinel mode.
	RedisPassword = env.String("REDIS_PASSWORD", "")
	// RedisMasterName switches the client into sentinel mode when non-empty.
	RedisMasterName = env.String("REDIS_MASTER_NAME", "")

	// SQLDSN selects the primary database: postgres:// prefix for PostgreSQL,
	// any other non-empty value for MySQL, empty for SQLite.
	SQLDSN = env.String("SQL_DSN", "")
	// SQLitePath is the fallback database location when SQL_DSN is not configured.
	SQLitePath = env.String("SQLITE_PATH", "aether.db")
	// SQLiteBusyTimeout sets the sqlite busy handler timeout in milliseconds.
	SQLiteBusyTimeout = env.Int("SQLITE_BUSY_TIMEOUT", 3000)

	// SQLMaxIdleConns bounds idle pooled connections for the primary database.
	SQLMaxIdleConns = env.Int("SQL_MAX_IDLE_CONNS", 100)
	// SQLMaxOpenConns bounds total open connections for the primary database.
	SQLMaxOpenConns = env.Int("SQL_MAX_OPEN_CONNS", 1000)
	// SQLMaxLifetimeSeconds recycles pooled connections after this many seconds.
	SQLMaxLifetimeSeconds = env.Int("SQL_MAX_LIFETIME", 60)
)

// Billing engine modes.
const (
	BillingModeLegacy          = "legacy"
	BillingModeShadow          = "shadow"
	BillingModeNew             = "new"
	BillingModeNewWithFallback = "new_with_fallback"
)

// IsValidBillingMode reports whether mode is one of the recognized billing
// engine modes. Unknown values fall back to legacy at resolution time.
func IsValidBillingMode(mode string) bool {
	switch mode {
	case BillingModeLegacy, BillingModeShadow, BillingModeNew, BillingModeNewWithFallback:
		return true
	}
	return false
}
