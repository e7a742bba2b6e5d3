package request_intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/bridgeerr"
	"bridge/apps/bridge/internal/events"
	"bridge/apps/bridge/internal/model"
)

const (
	pollTimeout   = time.Second
	submitRetries = 5
)

type Submitter interface {
	Submit(ctx context.Context, req model.SubmissionRequest) (*model.Transfer, error)
}

// Consumer is the subset of *kafka.Consumer the intake uses.
type Consumer interface {
	Subscribe(topic string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Close() error
}

// RequestIntake turns messages on the intake topic into engine submissions.
type RequestIntake struct {
	logger     *zap.Logger
	consumer   Consumer
	submitter  Submitter
	validate   *validator.Validate
	kafkaTopic string
	retryDelay time.Duration
}

// NewRequestIntake subscribes a consumer to kafkaTopic.
func NewRequestIntake(kafkaBroker, kafkaTopic string, submitter Submitter, logger *zap.Logger) (*RequestIntake, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"group.id":          "bridge-request-intake",
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	return newRequestIntake(consumer, kafkaTopic, submitter, logger), nil
}

func newRequestIntake(consumer Consumer, kafkaTopic string, submitter Submitter, logger *zap.Logger) *RequestIntake {
	return &RequestIntake{
		logger:     logger,
		consumer:   consumer,
		submitter:  submitter,
		validate:   validator.New(),
		kafkaTopic: kafkaTopic,
		retryDelay: time.Second,
	}
}

// Start consumes until ctx is cancelled.
func (ri *RequestIntake) Start(ctx context.Context) error {
	ri.logger.Info("Starting request intake", zap.String("topic", ri.kafkaTopic))

	if err := ri.consumer.Subscribe(ri.kafkaTopic, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", ri.kafkaTopic, err)
	}

	for ctx.Err() == nil {
		msg, err := ri.consumer.ReadMessage(pollTimeout)
		if err != nil {
			var kafkaErr kafka.Error
			if errors.As(err, &kafkaErr) && kafkaErr.Code() == kafka.ErrTimedOut {
				continue
			}
			ri.logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		if err := ri.processMessage(ctx, msg); err != nil {
			ri.logger.Error("Error processing message",
				zap.String("topic", *msg.TopicPartition.Topic),
				zap.Int32("partition", msg.TopicPartition.Partition),
				zap.String("key", string(msg.Key)),
				zap.Error(err))
		}
	}
	return nil
}

func (ri *RequestIntake) processMessage(ctx context.Context, msg *kafka.Message) error {
	var submission events.SubmissionMessage
	if err := json.Unmarshal(msg.Value, &submission); err != nil {
		return fmt.Errorf("failed to unmarshal submission: %w", err)
	}
	if err := ri.validate.Struct(submission); err != nil {
		return fmt.Errorf("invalid submission: %w", err)
	}

	req := submission.ToRequest()
	var lastErr error
	for attempt := 1; attempt <= submitRetries; attempt++ {
		transfer, err := ri.submitter.Submit(ctx, req)
		if err == nil {
			ri.logger.Info("Accepted transfer request",
				zap.String("transfer_id", transfer.ID),
				zap.String("direction", submission.Direction),
				zap.String("source_ref", submission.SourceRef),
				zap.String("status", string(transfer.Status)))
			return nil
		}
		lastErr = err
		// Only an unavailable store is worth another try; a rejected request
		// stays rejected.
		if bridgeerr.KindOf(err) != bridgeerr.KindStore {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ri.retryDelay * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("failed to submit after %d attempts: %w", submitRetries, lastErr)
}

func (ri *RequestIntake) Close() error {
	if ri.consumer != nil {
		return ri.consumer.Close()
	}
	return nil
}
