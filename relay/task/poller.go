// Package task runs the asynchronous video task poller: scan due tasks under
// a distributed lock, poll the upstream without holding a DB session, then
// apply the outcome and settle billing in a fresh session.
package task

import (
	"context"
	"net/http"
	"time"

	"github.com/Laisky/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aetherlab/aether/common"
	"github.com/aetherlab/aether/common/config"
	"github.com/aetherlab/aether/common/crypto"
	"github.com/aetherlab/aether/common/logger"
	"github.com/aetherlab/aether/model"
	"github.com/aetherlab/aether/monitor"
	"github.com/aetherlab/aether/relay/convert"
)

const (
	pollLockKey = "task_poller:video:lock"
	pollLockTTL = 60 * time.Second

	statusRequestTimeout = 30 * time.Second
)

// Poller drives the video task polling loop. One Poller runs per process;
// the distributed lock keeps concurrent processes from double-scanning.
type Poller struct {
	Client   *http.Client
	Cipher   crypto.Cipher
	Registry *convert.Registry

	Interval    time.Duration
	BatchSize   int
	Concurrency int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller builds a poller with configured cadence and bounds.
func NewPoller(cipher crypto.Cipher) *Poller {
	return &Poller{
		Client:      &http.Client{Timeout: statusRequestTimeout},
		Cipher:      cipher,
		Registry:    convert.Default,
		Interval:    config.VideoPollInterval,
		BatchSize:   config.VideoPollBatchSize,
		Concurrency: config.VideoPollConcurrency,
	}
}

// Start launches the polling loop. Stop waits for the in-flight tick.
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()
	logger.Logger.Info("video task poller started",
		zap.Duration("interval", p.Interval),
		zap.Int("batch_size", p.BatchSize),
		zap.Int("concurrency", p.Concurrency))
}

// Stop terminates the loop and waits for the current tick to finish.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

// tick claims the scan lock, loads due tasks, and polls them with bounded
// parallelism. Tasks never block each other's outcome; a failed poll only
// mutates its own row.
func (p *Poller) tick(ctx context.Context) {
	acquired, token, err := common.AcquireRedisLock(ctx, pollLockKey, pollLockTTL)
	if err != nil {
		logger.Logger.Error("video poll lock acquire failed", zap.Error(err))
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := common.ReleaseRedisLock(ctx, pollLockKey, token); err != nil {
			logger.Logger.Warn("video poll lock release failed", zap.Error(err))
		}
	}()
	monitor.VideoPollTicks.Inc()

	tasks, err := model.GetDueVideoTasks(model.DB, time.Now(), p.BatchSize)
	if err != nil {
		logger.Logger.Error("video poll scan failed", zap.Error(err))
		return
	}
	if len(tasks) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Concurrency)
	for i := range tasks {
		task := tasks[i]
		g.Go(func() error {
			p.pollTask(gctx, &task)
			return nil
		})
	}
	_ = g.Wait()
}

// pollTask runs the three poll phases for one task. Phase errors flow into
// the update phase so backoff and permanent classification happen against a
// freshly loaded row.
func (p *Poller) pollTask(ctx context.Context, task *model.VideoTask) {
	pollCtx, prepErr := p.preparePollContext(task)

	var result *convert.VideoPollResult
	var pollErr error
	if prepErr != nil {
		pollErr = prepErr
	} else {
		result, pollErr = p.doPollHTTP(ctx, pollCtx)
	}

	if err := p.applyPollOutcome(task.Id, pollCtx, result, pollErr); err != nil {
		monitor.VideoPolls.WithLabelValues("update_error").Inc()
		logger.Logger.Error("video poll update failed",
			zap.Int("task_id", task.Id), zap.Error(err))
	}
}
