package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
)

const retentionSweepInterval = 24 * time.Hour

// StartLogRetentionCleaner prunes rotated log files older than retentionDays
// from logDir, once at startup and then every 24 hours until ctx is
// cancelled. retentionDays <= 0 disables pruning entirely.
func StartLogRetentionCleaner(ctx context.Context, retentionDays int, logDir string) {
	if retentionDays <= 0 {
		Logger.Debug("log retention disabled")
		return
	}
	if strings.TrimSpace(logDir) == "" {
		Logger.Warn("log retention enabled without a log directory",
			zap.Int("retention_days", retentionDays))
		return
	}

	sweep := func() {
		removed, err := pruneExpiredLogs(logDir, time.Now().UTC().AddDate(0, 0, -retentionDays))
		if err != nil {
			Logger.Warn("log retention sweep failed", zap.Error(err))
			return
		}
		if removed > 0 {
			Logger.Info("pruned expired log files",
				zap.Int("removed", removed), zap.String("log_dir", logDir))
		}
	}
	sweep()

	go func() {
		ticker := time.NewTicker(retentionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()

	Logger.Info("log retention cleaner started",
		zap.Int("retention_days", retentionDays), zap.String("log_dir", logDir))
}

// pruneExpiredLogs removes *.log files in dir whose mtime is before cutoff
// and reports how many it deleted. A missing directory is not an error.
func pruneExpiredLogs(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "read log directory")
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().UTC().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			Logger.Warn("remove expired log file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}
