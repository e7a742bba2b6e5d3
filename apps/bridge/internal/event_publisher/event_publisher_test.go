package event_publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/events"
	"bridge/apps/bridge/internal/metrics"
	"bridge/apps/bridge/internal/model"
)

type fakeOutbox struct {
	mu       sync.Mutex
	unsent   []model.OutboxEvent
	sent     []int64
	failed   []int64
	released int
	claimErr error
}

func (f *fakeOutbox) GetUnsentEventsForProcessing(_ context.Context, limit int) ([]model.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	n := len(f.unsent)
	if n > limit {
		n = limit
	}
	claimed := f.unsent[:n]
	f.unsent = f.unsent[n:]
	return claimed, nil
}

func (f *fakeOutbox) MarkEventAsSent(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeOutbox) MarkEventAsFailed(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeOutbox) ReleaseStuckEvents(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return 0, nil
}

type fakeProducer struct {
	mu       sync.Mutex
	messages []*kafka.Message
	failKey  string
}

func (p *fakeProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delivered := *msg
	if string(msg.Key) == p.failKey {
		delivered.TopicPartition.Error = kafka.NewError(kafka.ErrMsgTimedOut, "delivery timed out", false)
	} else {
		p.messages = append(p.messages, msg)
	}
	deliveryChan <- &delivered
	return nil
}

func (p *fakeProducer) Close() {}

func outboxEvent(t *testing.T, id int64, transferID string, status model.Status) model.OutboxEvent {
	blob, err := json.Marshal(events.TransferEvent{
		EventType:  events.EventTransferStatusChanged,
		TransferID: transferID,
		Direction:  model.DirectionDeposit,
		Amount:     10_000,
		Status:     status,
	})
	require.NoError(t, err)
	return model.OutboxEvent{
		ID:         id,
		TransferID: transferID,
		EventType:  events.EventTransferStatusChanged,
		Status:     "processing",
		EventBlob:  blob,
	}
}

func TestPublishUnsentEvents(t *testing.T) {
	outbox := &fakeOutbox{}
	outbox.unsent = []model.OutboxEvent{
		outboxEvent(t, 1, "t-1", model.StatusValidating),
		outboxEvent(t, 2, "t-2", model.StatusValidating),
		outboxEvent(t, 3, "t-1", model.StatusSigning),
	}
	producer := &fakeProducer{failKey: "t-2"}
	m := metrics.NewNop()
	publisher := newEventPublisher(producer, "bridge.transfers", outbox, m, zap.NewNop())

	n, err := publisher.publishUnsentEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 3}, outbox.sent)
	assert.Equal(t, []int64{2}, outbox.failed)

	require.Len(t, producer.messages, 2)
	msg := producer.messages[0]
	assert.Equal(t, "bridge.transfers", *msg.TopicPartition.Topic)
	assert.Equal(t, "t-1", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, events.EventTransferStatusChanged, string(msg.Headers[0].Value))

	var decoded events.TransferEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, model.StatusValidating, decoded.Status)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.OutboxEvents.WithLabelValues("sent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OutboxEvents.WithLabelValues("failed")))
}

func TestPublishClaimFailure(t *testing.T) {
	outbox := &fakeOutbox{claimErr: errors.New("connection refused")}
	publisher := newEventPublisher(&fakeProducer{}, "topic", outbox, metrics.NewNop(), zap.NewNop())

	_, err := publisher.publishUnsentEvents(context.Background())
	assert.ErrorContains(t, err, "failed to claim outbox events")
}

func TestStartPublishingDrainsUntilCancelled(t *testing.T) {
	outbox := &fakeOutbox{unsent: []model.OutboxEvent{outboxEvent(t, 7, "t-7", model.StatusCompleted)}}
	publisher := newEventPublisher(&fakeProducer{}, "topic", outbox, metrics.NewNop(), zap.NewNop())
	publisher.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		publisher.StartPublishing(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		outbox.mu.Lock()
		defer outbox.mu.Unlock()
		return len(outbox.sent) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop")
	}
	assert.Equal(t, 1, outbox.released)
}
