package request_intake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/bridgeerr"
	"bridge/apps/bridge/internal/model"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []model.SubmissionRequest
	errs     []error
}

func (f *fakeSubmitter) Submit(_ context.Context, req model.SubmissionRequest) (*model.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &model.Transfer{ID: "t-1", Status: model.StatusPending}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeConsumer struct {
	mu       sync.Mutex
	topic    string
	messages []*kafka.Message
	closed   bool
}

func (c *fakeConsumer) Subscribe(topic string, _ kafka.RebalanceCb) error {
	c.topic = topic
	return nil
}

func (c *fakeConsumer) ReadMessage(timeout time.Duration) (*kafka.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		time.Sleep(time.Millisecond)
		return nil, kafka.NewError(kafka.ErrTimedOut, "timed out", false)
	}
	msg := c.messages[0]
	c.messages = c.messages[1:]
	return msg, nil
}

func (c *fakeConsumer) Close() error {
	c.closed = true
	return nil
}

func message(topic, value string) *kafka.Message {
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic},
		Key:            []byte("k"),
		Value:          []byte(value),
	}
}

const depositJSON = `{"direction":"deposit","amount":150000,"source_ref":"4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b","dest_ref":"0x8236a87084f8b84306f72007f36f2618a5634494"}`

func TestProcessMessage(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr string
		submits int
	}{
		{name: "deposit", value: depositJSON, submits: 1},
		{name: "withdrawal with request ref", value: `{"direction":"withdrawal","amount":5,"source_ref":"0x8236a87084f8b84306f72007f36f2618a5634494","dest_ref":"bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq","request_ref":"0xabc:3"}`, submits: 1},
		{name: "not json", value: `{`, wantErr: "failed to unmarshal submission"},
		{name: "unknown direction", value: `{"direction":"sideways","amount":1,"source_ref":"a","dest_ref":"b"}`, wantErr: "invalid submission"},
		{name: "zero amount", value: `{"direction":"deposit","amount":0,"source_ref":"a","dest_ref":"b"}`, wantErr: "invalid submission"},
		{name: "missing dest", value: `{"direction":"deposit","amount":1,"source_ref":"a"}`, wantErr: "invalid submission"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			submitter := &fakeSubmitter{}
			intake := newRequestIntake(&fakeConsumer{}, "intake", submitter, zap.NewNop())

			err := intake.processMessage(context.Background(), message("intake", tt.value))
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.submits, submitter.count())
		})
	}
}

func TestProcessMessageMapsRequest(t *testing.T) {
	submitter := &fakeSubmitter{}
	intake := newRequestIntake(&fakeConsumer{}, "intake", submitter, zap.NewNop())

	require.NoError(t, intake.processMessage(context.Background(), message("intake", depositJSON)))
	require.Len(t, submitter.requests, 1)
	req := submitter.requests[0]
	assert.Equal(t, model.DirectionDeposit, req.Direction)
	assert.Equal(t, uint64(150000), req.Amount)
	assert.Equal(t, "0x8236a87084f8b84306f72007f36f2618a5634494", req.DestRef)
}

func TestProcessMessageRetriesStoreErrors(t *testing.T) {
	storeDown := bridgeerr.New(bridgeerr.KindStore, "create transfer", errors.New("connection refused"))

	t.Run("recovers", func(t *testing.T) {
		submitter := &fakeSubmitter{errs: []error{storeDown, storeDown}}
		intake := newRequestIntake(&fakeConsumer{}, "intake", submitter, zap.NewNop())
		intake.retryDelay = time.Millisecond

		require.NoError(t, intake.processMessage(context.Background(), message("intake", depositJSON)))
		assert.Equal(t, 3, submitter.count())
	})

	t.Run("rejection is not retried", func(t *testing.T) {
		rejected := bridgeerr.New(bridgeerr.KindValidation, "amount must be positive", nil)
		submitter := &fakeSubmitter{errs: []error{rejected}}
		intake := newRequestIntake(&fakeConsumer{}, "intake", submitter, zap.NewNop())
		intake.retryDelay = time.Millisecond

		err := intake.processMessage(context.Background(), message("intake", depositJSON))
		assert.ErrorIs(t, err, bridgeerr.Validation)
		assert.Equal(t, 1, submitter.count())
	})

	t.Run("gives up", func(t *testing.T) {
		submitter := &fakeSubmitter{errs: []error{storeDown, storeDown, storeDown, storeDown, storeDown}}
		intake := newRequestIntake(&fakeConsumer{}, "intake", submitter, zap.NewNop())
		intake.retryDelay = time.Millisecond

		err := intake.processMessage(context.Background(), message("intake", depositJSON))
		assert.ErrorContains(t, err, "failed to submit after 5 attempts")
		assert.Equal(t, submitRetries, submitter.count())
	})
}

func TestStartConsumesUntilCancelled(t *testing.T) {
	consumer := &fakeConsumer{messages: []*kafka.Message{
		message("intake", depositJSON),
		message("intake", `garbage`),
		message("intake", depositJSON),
	}}
	submitter := &fakeSubmitter{}
	intake := newRequestIntake(consumer, "intake", submitter, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- intake.Start(ctx) }()

	assert.Eventually(t, func() bool { return submitter.count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("intake did not stop")
	}
	assert.Equal(t, "intake", consumer.topic)

	require.NoError(t, intake.Close())
	assert.True(t, consumer.closed)
}
