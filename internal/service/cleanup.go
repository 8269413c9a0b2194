package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/config"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

// Janitor sweeps expired and aged-out records on an interval. Every read
// path already ignores expired state, so a late or missed sweep affects
// storage footprint only, never correctness.
type Janitor struct {
	cfg      *config.Config
	otps     model.OTPStore
	failures model.LoginFailureStore
	blocks   model.BlockStore
	limitLog model.RateLimitLogStore
	auditor  Auditor
	clock    util.Clock

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewJanitor(
	cfg *config.Config,
	otps model.OTPStore,
	failures model.LoginFailureStore,
	blocks model.BlockStore,
	limitLog model.RateLimitLogStore,
	auditor Auditor,
	clock util.Clock,
) *Janitor {
	if clock == nil {
		clock = util.RealClock()
	}
	return &Janitor{
		cfg:      cfg,
		otps:     otps,
		failures: failures,
		blocks:   blocks,
		limitLog: limitLog,
		auditor:  auditor,
		clock:    clock,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (j *Janitor) Start() {
	j.started = true
	go func() {
		defer close(j.doneCh)

		ticker := time.NewTicker(j.cfg.Policy.CleanupInterval)
		defer ticker.Stop()

		util.Info("Cleanup janitor started",
			zap.Duration("interval", j.cfg.Policy.CleanupInterval))

		for {
			select {
			case <-ticker.C:
				j.Sweep(context.Background())
			case <-j.stopCh:
				return
			}
		}
	}()
}

// Sweep runs the four table sweeps in parallel and reports totals.
func (j *Janitor) Sweep(ctx context.Context) {
	now := j.clock.Now()

	var otpDeleted, blocksExpired, failuresPurged, logsPurged int

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := j.otps.DeleteExpired(gctx, now)
		otpDeleted = n
		return err
	})
	g.Go(func() error {
		n, err := j.blocks.DeactivateExpired(gctx, now)
		blocksExpired = n
		return err
	})
	g.Go(func() error {
		n, err := j.failures.PurgeOlderThan(gctx, now.Add(-j.cfg.Policy.FailureRetention))
		failuresPurged = n
		return err
	})
	g.Go(func() error {
		n, err := j.limitLog.PurgeOlderThan(gctx, now.Add(-j.cfg.Policy.LogRetention))
		logsPurged = n
		return err
	})

	if err := g.Wait(); err != nil {
		util.Error("Cleanup sweep failed", zap.Error(err))
		return
	}

	total := otpDeleted + blocksExpired + failuresPurged + logsPurged
	if total == 0 {
		return
	}

	util.Info("Cleanup sweep completed",
		zap.Int("otp_deleted", otpDeleted),
		zap.Int("blocks_expired", blocksExpired),
		zap.Int("failures_purged", failuresPurged),
		zap.Int("logs_purged", logsPurged))

	if j.auditor != nil {
		j.auditor.Emit(ctx, model.EventCleanupRun, "system", "", map[string]string{
			"otp_deleted":     strconv.Itoa(otpDeleted),
			"blocks_expired":  strconv.Itoa(blocksExpired),
			"failures_purged": strconv.Itoa(failuresPurged),
			"logs_purged":     strconv.Itoa(logsPurged),
		})
	}
}

// Stop halts the loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopCh)
		if j.started {
			<-j.doneCh
		}
	})
}
