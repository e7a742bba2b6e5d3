package event_publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/metrics"
	"bridge/apps/bridge/internal/model"
)

type OutboxRepository interface {
	GetUnsentEventsForProcessing(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkEventAsSent(ctx context.Context, id int64) error
	MarkEventAsFailed(ctx context.Context, id int64) error
	ReleaseStuckEvents(ctx context.Context) (int64, error)
}

// Producer is the subset of *kafka.Producer the publisher uses.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Close()
}

type EventPublisher struct {
	logger     *zap.Logger
	producer   Producer
	kafkaTopic string
	repository OutboxRepository
	metrics    *metrics.Metrics
	interval   time.Duration
	batchSize  int
	mu         sync.Mutex // one drain at a time per instance
}

// NewEventPublisher creates a publisher backed by a Kafka producer.
func NewEventPublisher(kafkaBroker, kafkaTopic string, repository OutboxRepository, m *metrics.Metrics, logger *zap.Logger) (*EventPublisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"acks":              "all",
		"retries":           3,
		"retry.backoff.ms":  100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return newEventPublisher(producer, kafkaTopic, repository, m, logger), nil
}

func newEventPublisher(producer Producer, kafkaTopic string, repository OutboxRepository, m *metrics.Metrics, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{
		logger:     logger,
		producer:   producer,
		kafkaTopic: kafkaTopic,
		repository: repository,
		metrics:    m,
		interval:   3 * time.Second,
		batchSize:  100,
	}
}

// StartPublishing drains the outbox on every tick until ctx is cancelled.
func (ep *EventPublisher) StartPublishing(ctx context.Context) {
	if _, err := ep.repository.ReleaseStuckEvents(ctx); err != nil {
		ep.logger.Error("Failed to release stuck outbox events", zap.Error(err))
	}

	ticker := time.NewTicker(ep.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ep.publishUnsentEvents(ctx); err != nil {
				ep.logger.Error("Error publishing events to Kafka", zap.Error(err))
			}
		}
	}
}

func (ep *EventPublisher) publishUnsentEvents(ctx context.Context) (int, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	outboxEvents, err := ep.repository.GetUnsentEventsForProcessing(ctx, ep.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	successCount := 0
	for _, event := range outboxEvents {
		if err := ep.publishEventToKafka(event); err != nil {
			ep.metrics.OutboxEvents.WithLabelValues("failed").Inc()
			ep.logger.Error("Failed to publish event to Kafka",
				zap.Int64("outbox_id", event.ID),
				zap.String("transfer_id", event.TransferID),
				zap.String("event_type", event.EventType),
				zap.Error(err))
			// Back to unsent for the next tick.
			if markErr := ep.repository.MarkEventAsFailed(ctx, event.ID); markErr != nil {
				ep.logger.Error("Failed to mark event as failed", zap.Int64("outbox_id", event.ID), zap.Error(markErr))
			}
			continue
		}

		ep.metrics.OutboxEvents.WithLabelValues("sent").Inc()
		if err := ep.repository.MarkEventAsSent(ctx, event.ID); err != nil {
			// Published but still claimed; ReleaseStuckEvents resends it on restart.
			ep.logger.Error("Failed to mark event as sent", zap.Int64("outbox_id", event.ID), zap.Error(err))
			continue
		}
		successCount++
	}

	if successCount > 0 {
		ep.logger.Info("Published events to Kafka", zap.Int("success_count", successCount), zap.Int("attempted", len(outboxEvents)))
	}
	return successCount, nil
}

func (ep *EventPublisher) publishEventToKafka(event model.OutboxEvent) error {
	deliveryChan := make(chan kafka.Event, 1)

	err := ep.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &ep.kafkaTopic, Partition: kafka.PartitionAny},
		// Keyed by transfer so one transfer's events stay ordered on a partition.
		Key:   []byte(event.TransferID),
		Value: event.EventBlob,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}, deliveryChan)
	if err != nil {
		return err
	}

	e := <-deliveryChan
	switch ev := e.(type) {
	case *kafka.Message:
		return ev.TopicPartition.Error
	default:
		return fmt.Errorf("unexpected kafka event type: %T", e)
	}
}

func (ep *EventPublisher) Close() error {
	if ep.producer != nil {
		ep.producer.Close()
	}
	return nil
}
