package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/metrics"
	"bridge/apps/bridge/internal/model"
	"bridge/apps/bridge/internal/repository"
)

type recordingDriver struct {
	mu         sync.Mutex
	calls      map[string]int
	active     map[string]bool
	overlapped bool
	errs       map[string][]error
	hold       chan struct{}
}

func newRecordingDriver() *recordingDriver {
	return &recordingDriver{
		calls:  make(map[string]int),
		active: make(map[string]bool),
		errs:   make(map[string][]error),
	}
}

func (d *recordingDriver) Drive(ctx context.Context, id string) (*model.Transfer, error) {
	d.mu.Lock()
	if d.active[id] {
		d.overlapped = true
	}
	d.active[id] = true
	d.calls[id]++
	var err error
	if queued := d.errs[id]; len(queued) > 0 {
		err, d.errs[id] = queued[0], queued[1:]
	}
	hold := d.hold
	d.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
		}
	}

	d.mu.Lock()
	d.active[id] = false
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &model.Transfer{ID: id, Status: model.StatusCompleted}, nil
}

func (d *recordingDriver) count(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

func start(t *testing.T, q *Queue) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Start(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestQueueDrivesEnqueuedIDs(t *testing.T) {
	driver := newRecordingDriver()
	q := New(driver, Config{Workers: 4}, metrics.NewNop(), zap.NewNop())
	start(t, q)

	for i := 0; i < 20; i++ {
		q.Enqueue(fmt.Sprintf("t-%d", i))
	}

	assert.Eventually(t, func() bool {
		for i := 0; i < 20; i++ {
			if driver.count(fmt.Sprintf("t-%d", i)) != 1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, q.Len())
}

func TestQueueDedupsWaitingIDs(t *testing.T) {
	driver := newRecordingDriver()
	q := New(driver, Config{Workers: 1}, metrics.NewNop(), zap.NewNop())

	q.Enqueue("t-1")
	q.Enqueue("t-1")
	q.Enqueue("t-2")
	assert.Equal(t, 2, q.Len())

	start(t, q)
	assert.Eventually(t, func() bool {
		return driver.count("t-1") == 1 && driver.count("t-2") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueueNeverDrivesAnIDConcurrently(t *testing.T) {
	driver := newRecordingDriver()
	driver.hold = make(chan struct{})
	q := New(driver, Config{Workers: 8}, metrics.NewNop(), zap.NewNop())
	start(t, q)

	q.Enqueue("t-1")
	require.Eventually(t, func() bool { return driver.count("t-1") == 1 }, time.Second, 5*time.Millisecond)

	// Re-enqueued while its worker is busy: waits behind the running drive.
	q.Enqueue("t-1")
	q.Enqueue("t-1")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, driver.count("t-1"))

	close(driver.hold)
	assert.Eventually(t, func() bool { return driver.count("t-1") == 2 }, time.Second, 5*time.Millisecond)

	driver.mu.Lock()
	defer driver.mu.Unlock()
	assert.False(t, driver.overlapped)
}

func TestQueueRequeuesFailedDrives(t *testing.T) {
	driver := newRecordingDriver()
	driver.errs["t-1"] = []error{errors.New("store unavailable"), errors.New("store unavailable")}
	driver.errs["gone"] = []error{repository.ErrNotFound}

	q := New(driver, Config{Workers: 2, RequeueDelay: 5 * time.Millisecond, MaxRequeueDelay: 20 * time.Millisecond},
		metrics.NewNop(), zap.NewNop())
	start(t, q)

	q.Enqueue("t-1")
	q.Enqueue("gone")

	assert.Eventually(t, func() bool { return driver.count("t-1") == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 3, driver.count("t-1"))
	assert.Equal(t, 1, driver.count("gone"))
}

func TestQueueBackoff(t *testing.T) {
	q := New(newRecordingDriver(), Config{RequeueDelay: time.Second, MaxRequeueDelay: 10 * time.Second},
		metrics.NewNop(), zap.NewNop())

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d failures", tt.failures), func(t *testing.T) {
			assert.Equal(t, tt.want, q.backoff(tt.failures))
		})
	}
}

func TestQueueStopsOnCancel(t *testing.T) {
	q := New(newRecordingDriver(), Config{Workers: 3}, metrics.NewNop(), zap.NewNop())
	cancel, done := start(t, q)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("workers did not stop")
	}
}

func TestShardIsStable(t *testing.T) {
	q := New(newRecordingDriver(), Config{Workers: 5}, metrics.NewNop(), zap.NewNop())
	assert.Same(t, q.shardFor("abc"), q.shardFor("abc"))
}
