// Package ingest runs the worker pool that drives transfers. Every id is
// hashed onto a fixed shard, so two workers never drive the same transfer.
package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bridge/apps/bridge/internal/metrics"
	"bridge/apps/bridge/internal/model"
	"bridge/apps/bridge/internal/repository"
)

type Driver interface {
	Drive(ctx context.Context, id string) (*model.Transfer, error)
}

type Config struct {
	Workers         int
	RequeueDelay    time.Duration
	MaxRequeueDelay time.Duration
}

type Queue struct {
	driver  Driver
	shards  []*shard
	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

type shard struct {
	mu       sync.Mutex
	ids      []string
	queued   map[string]bool
	failures map[string]int
	signal   chan struct{}
}

// New creates a Queue with config.Workers shards. Workers run once Start is
// called.
func New(driver Driver, config Config, m *metrics.Metrics, logger *zap.Logger) *Queue {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.RequeueDelay <= 0 {
		config.RequeueDelay = time.Second
	}
	if config.MaxRequeueDelay < config.RequeueDelay {
		config.MaxRequeueDelay = time.Minute
	}

	shards := make([]*shard, config.Workers)
	for i := range shards {
		shards[i] = &shard{
			queued:   make(map[string]bool),
			failures: make(map[string]int),
			signal:   make(chan struct{}, 1),
		}
	}
	return &Queue{driver: driver, shards: shards, config: config, metrics: m, logger: logger}
}

// Enqueue never blocks. An id already waiting in its shard is not added twice.
func (q *Queue) Enqueue(id string) {
	s := q.shardFor(id)
	s.mu.Lock()
	if s.queued[id] {
		s.mu.Unlock()
		return
	}
	s.queued[id] = true
	s.ids = append(s.ids, id)
	s.mu.Unlock()

	q.metrics.QueueDepth.Inc()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Len reports how many ids are waiting across all shards.
func (q *Queue) Len() int {
	n := 0
	for _, s := range q.shards {
		s.mu.Lock()
		n += len(s.ids)
		s.mu.Unlock()
	}
	return n
}

// Start runs one worker per shard and blocks until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) error {
	q.logger.Info("Starting ingest workers", zap.Int("workers", len(q.shards)))

	g, gCtx := errgroup.WithContext(ctx)
	for i, s := range q.shards {
		i, s := i, s
		g.Go(func() error {
			q.work(gCtx, i, s)
			return nil
		})
	}
	err := g.Wait()
	q.logger.Info("Ingest workers stopped")
	return err
}

func (q *Queue) work(ctx context.Context, index int, s *shard) {
	for {
		id, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.signal:
				continue
			}
		}
		q.metrics.QueueDepth.Dec()

		if ctx.Err() != nil {
			return
		}
		q.drive(ctx, index, s, id)
	}
}

func (q *Queue) drive(ctx context.Context, index int, s *shard, id string) {
	t, err := q.driver.Drive(ctx, id)
	if err == nil {
		s.clearFailures(id)
		if t != nil {
			q.logger.Debug("Transfer parked",
				zap.String("transfer_id", id),
				zap.String("status", string(t.Status)),
				zap.Int("worker", index))
		}
		return
	}

	switch {
	case ctx.Err() != nil:
		// Shutdown; Resume picks the record up on the next start.
		return
	case errors.Is(err, repository.ErrNotFound):
		q.logger.Warn("Dropping unknown transfer id", zap.String("transfer_id", id))
		s.clearFailures(id)
		return
	}

	delay := q.backoff(s.addFailure(id))
	q.logger.Error("Failed to drive transfer, requeueing",
		zap.String("transfer_id", id),
		zap.Duration("delay", delay),
		zap.Error(err))
	time.AfterFunc(delay, func() {
		if ctx.Err() == nil {
			q.Enqueue(id)
		}
	})
}

func (q *Queue) backoff(failures int) time.Duration {
	delay := q.config.RequeueDelay
	for i := 1; i < failures && delay < q.config.MaxRequeueDelay; i++ {
		delay *= 2
	}
	if delay > q.config.MaxRequeueDelay {
		delay = q.config.MaxRequeueDelay
	}
	return delay
}

func (q *Queue) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return q.shards[h.Sum32()%uint32(len(q.shards))]
}

func (s *shard) pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ids) == 0 {
		return "", false
	}
	id := s.ids[0]
	s.ids = s.ids[1:]
	delete(s.queued, id)
	return id, true
}

func (s *shard) addFailure(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id]++
	return s.failures[id]
}

func (s *shard) clearFailures(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, id)
}
