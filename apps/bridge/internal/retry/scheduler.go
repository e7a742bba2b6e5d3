// Package retry periodically hands parked transfers back to the worker pool.
// It never mutates a record itself.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/metrics"
	"bridge/apps/bridge/internal/model"
	"bridge/apps/bridge/internal/repository"
)

type Store interface {
	QueryPage(ctx context.Context, status model.Status, maxAge time.Duration, after repository.Cursor, limit int) ([]*model.Transfer, error)
	QueryStale(ctx context.Context, status model.Status, olderThan time.Duration, limit int) ([]*model.Transfer, error)
}

type Enqueuer interface {
	Enqueue(id string)
}

type Config struct {
	Interval    time.Duration
	CoolDown    time.Duration
	MaxCoolDown time.Duration
	MaxAge      time.Duration
	BatchSize   int
}

type Scheduler struct {
	store   Store
	queue   Enqueuer
	cron    *cron.Cron
	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a Scheduler. Nothing runs until Start.
func New(store Store, queue Enqueuer, config Config, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 20
	}
	if config.MaxCoolDown <= 0 {
		config.MaxCoolDown = time.Hour
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	return &Scheduler{
		store: store,
		queue: queue,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		config:  config,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Start schedules Sweep every Interval on the cron runner.
func (s *Scheduler) Start() error {
	schedule := fmt.Sprintf("@every %s", s.config.Interval)
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.Interval)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("Retry sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retry sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Retry scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("max_age", s.config.MaxAge),
		zap.Int("batch_size", s.config.BatchSize))
	return nil
}

// Stop returns a context that is done once a running sweep has finished.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.logger.Info("Retry scheduler stopped")
	return ctx
}

// Sweep enqueues up to BatchSize pending_retry records that are inside the
// age window and past their cool-down, then every held pending_confirmation.
// Records past the window are reported and left alone.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	retried, err := s.sweepRetries(ctx)
	if err != nil {
		return retried, err
	}
	s.metrics.RetrySweeps.WithLabelValues(string(model.StatusPendingRetry)).Add(float64(retried))

	// The engine fails these itself once the confirmation ceiling passes.
	held, err := s.sweepConfirmations(ctx)
	s.metrics.RetrySweeps.WithLabelValues(string(model.StatusPendingConfirmation)).Add(float64(held))
	if err != nil {
		return retried + held, err
	}

	if err := s.reportStale(ctx); err != nil {
		return retried + held, err
	}

	if retried+held > 0 {
		s.logger.Info("Retry sweep enqueued transfers",
			zap.Int("pending_retry", retried),
			zap.Int("pending_confirmation", held))
	}
	return retried + held, nil
}

// sweepRetries pages through pending_retry in update order until BatchSize
// records past their cool-down are found, so a run of records still cooling
// down never hides the due ones behind it.
func (s *Scheduler) sweepRetries(ctx context.Context) (int, error) {
	now := s.now()
	retried := 0
	var cursor repository.Cursor
	for {
		page, err := s.store.QueryPage(ctx, model.StatusPendingRetry, s.config.MaxAge, cursor, s.config.BatchSize)
		if err != nil {
			return retried, fmt.Errorf("failed to query pending retries: %w", err)
		}
		for _, t := range page {
			if now.Sub(t.UpdatedAt) < s.coolDown(t.Attempts) {
				continue
			}
			s.queue.Enqueue(t.ID)
			retried++
			if retried == s.config.BatchSize {
				return retried, nil
			}
		}
		if len(page) < s.config.BatchSize {
			return retried, nil
		}
		cursor = repository.After(page[len(page)-1])
	}
}

// sweepConfirmations enqueues every pending_confirmation record, one page at
// a time.
func (s *Scheduler) sweepConfirmations(ctx context.Context) (int, error) {
	held := 0
	var cursor repository.Cursor
	for {
		page, err := s.store.QueryPage(ctx, model.StatusPendingConfirmation, 0, cursor, s.config.BatchSize)
		if err != nil {
			return held, fmt.Errorf("failed to query pending confirmations: %w", err)
		}
		for _, t := range page {
			s.queue.Enqueue(t.ID)
		}
		held += len(page)
		if len(page) < s.config.BatchSize {
			return held, nil
		}
		cursor = repository.After(page[len(page)-1])
	}
}

func (s *Scheduler) reportStale(ctx context.Context) error {
	if s.config.MaxAge <= 0 {
		return nil
	}
	stale, err := s.store.QueryStale(ctx, model.StatusPendingRetry, s.config.MaxAge, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to query stale transfers: %w", err)
	}
	s.metrics.StaleRecords.Set(float64(len(stale)))
	for _, t := range stale {
		s.logger.Warn("Transfer past retry window, needs manual intervention",
			zap.String("transfer_id", t.ID),
			zap.String("source_ref", t.SourceRef),
			zap.Int("attempts", t.Attempts),
			zap.String("error_reason", t.Reason()),
			zap.Time("created_at", t.CreatedAt))
	}
	return nil
}

// coolDown doubles per attempt up to MaxCoolDown.
func (s *Scheduler) coolDown(attempts int) time.Duration {
	d := s.config.CoolDown
	for i := 0; i < attempts && d < s.config.MaxCoolDown; i++ {
		d *= 2
	}
	if d > s.config.MaxCoolDown {
		d = s.config.MaxCoolDown
	}
	return d
}
