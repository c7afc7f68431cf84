package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

const (
	OrderCompletedDLQTopic = "order.completed.dlq"
	MaxRetries             = 3
	InitialRetryDelay      = 1 * time.Second
	MaxRetryDelay          = 30 * time.Second
)

// StatsHandler applies deferred completion stats on the ledger.
type StatsHandler interface {
	ApplyStats(ctx context.Context, orderIDs []uint64) error
	IsRetryable(err error) bool
}

type StatsConsumer struct {
	consumerGroup sarama.ConsumerGroup
	producer      sarama.SyncProducer
	handler       *statsClaimHandler
	logger        *logrus.Logger
	topics        []string
}

type ConsumerMetrics struct {
	ProcessedCount int64 `json:"processed"`
	RetryCount     int64 `json:"retries"`
	DLQCount       int64 `json:"dead_lettered"`
	SuccessCount   int64 `json:"succeeded"`
	FailureCount   int64 `json:"failed"`
}

type consumerCounters struct {
	processed, retries, dlq, success, failure atomic.Int64
}

func (c *consumerCounters) snapshot() ConsumerMetrics {
	return ConsumerMetrics{
		ProcessedCount: c.processed.Load(),
		RetryCount:     c.retries.Load(),
		DLQCount:       c.dlq.Load(),
		SuccessCount:   c.success.Load(),
		FailureCount:   c.failure.Load(),
	}
}

type MessageMetadata struct {
	RetryCount    int       `json:"retry_count"`
	FirstFailure  time.Time `json:"first_failure"`
	LastFailure   time.Time `json:"last_failure"`
	OriginalTopic string    `json:"original_topic"`
	ErrorMessage  string    `json:"error_message"`
}

type statsClaimHandler struct {
	handler  StatsHandler
	producer sarama.SyncProducer
	logger   *logrus.Logger
	metrics  consumerCounters
	sleep    func(ctx context.Context, d time.Duration) error
}

func newStatsClaimHandler(handler StatsHandler, producer sarama.SyncProducer, logger *logrus.Logger) *statsClaimHandler {
	return &statsClaimHandler{
		handler:  handler,
		producer: producer,
		logger:   logger,
		sleep:    sleepContext,
	}
}

func NewStatsConsumer(brokers, groupID string, handler StatsHandler, logger *logrus.Logger) (*StatsConsumer, error) {
	consumerGroup, err := newConsumerGroup(brokers, groupID)
	if err != nil {
		return nil, err
	}

	producer, err := newSyncProducer(brokers)
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	return &StatsConsumer{
		consumerGroup: consumerGroup,
		producer:      producer,
		handler:       newStatsClaimHandler(handler, producer, logger),
		logger:        logger,
		topics:        []string{OrderCompletedTopic},
	}, nil
}

func (c *StatsConsumer) Start(ctx context.Context) error {
	return consume(ctx, c.consumerGroup, c.topics, c.handler, c.logger)
}

func (c *StatsConsumer) Close() error {
	if err := c.producer.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close producer")
	}
	return c.consumerGroup.Close()
}

func (c *StatsConsumer) GetMetrics() ConsumerMetrics {
	return c.handler.metrics.snapshot()
}

func (h *statsClaimHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Stats consumer group session setup")
	return nil
}

func (h *statsClaimHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Stats consumer group session cleanup")
	return nil
}

func (h *statsClaimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			h.process(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			h.logger.Info("Consumer group session context cancelled")
			return nil
		}
	}
}

// process never fails: a message that cannot be applied goes to the DLQ.
func (h *statsClaimHandler) process(ctx context.Context, message *sarama.ConsumerMessage) {
	h.metrics.processed.Add(1)

	err := h.handleMessageWithRetry(ctx, message)
	if err == nil {
		h.metrics.success.Add(1)
		return
	}
	if ctx.Err() != nil {
		// Shutting down; the broker redelivers the uncommitted offset.
		return
	}

	h.logger.WithError(err).Error("Failed to process message after retries")
	h.metrics.failure.Add(1)

	if dlqErr := h.sendToDLQ(message, err); dlqErr != nil {
		h.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
	} else {
		h.metrics.dlq.Add(1)
	}
}

func (h *statsClaimHandler) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	h.logger.WithFields(logrus.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
		"key":       string(message.Key),
	}).Debug("Processing completion notice")

	var notice CompletedNotice
	if err := json.Unmarshal(message.Value, &notice); err != nil {
		h.logger.WithError(err).Error("Failed to unmarshal completion notice")
		return err
	}
	if notice.OrderID == 0 {
		return fmt.Errorf("completion notice without order id")
	}

	retryDelay := InitialRetryDelay
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			h.logger.WithFields(logrus.Fields{
				"order_id": notice.OrderID,
				"attempt":  attempt,
				"delay":    retryDelay,
			}).Info("Retrying stats application")

			if err := h.sleep(ctx, retryDelay); err != nil {
				return err
			}
			h.metrics.retries.Add(1)

			retryDelay *= 2
			if retryDelay > MaxRetryDelay {
				retryDelay = MaxRetryDelay
			}
		}

		err := h.handler.ApplyStats(ctx, []uint64{notice.OrderID})
		if err == nil {
			h.logger.WithField("order_id", notice.OrderID).Info("Completion stats applied")
			return nil
		}

		if !h.handler.IsRetryable(err) {
			h.logger.WithError(err).WithField("order_id", notice.OrderID).Error("Non-retryable error applying stats")
			return err
		}

		h.logger.WithError(err).WithField("attempt", attempt+1).Warn("Retryable error applying stats")
	}

	return fmt.Errorf("exhausted retries for order %d", notice.OrderID)
}

func extractMetadata(message *sarama.ConsumerMessage) MessageMetadata {
	metadata := MessageMetadata{OriginalTopic: message.Topic}

	if value, ok := header(message, "metadata"); ok {
		if err := json.Unmarshal(value, &metadata); err == nil {
			return metadata
		}
	}
	if value, ok := header(message, "retry_count"); ok {
		if count, err := strconv.Atoi(string(value)); err == nil {
			metadata.RetryCount = count
		}
	}
	return metadata
}

func (h *statsClaimHandler) sendToDLQ(message *sarama.ConsumerMessage, processingError error) error {
	previous := extractMetadata(message)
	now := time.Now()
	metadata := MessageMetadata{
		RetryCount:    previous.RetryCount + 1,
		FirstFailure:  previous.FirstFailure,
		LastFailure:   now,
		OriginalTopic: message.Topic,
		ErrorMessage:  processingError.Error(),
	}
	if metadata.FirstFailure.IsZero() {
		metadata.FirstFailure = now
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	dlqMessage := &sarama.ProducerMessage{
		Topic: OrderCompletedDLQTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("metadata"), Value: metadataBytes},
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("original_partition"), Value: []byte(strconv.Itoa(int(message.Partition)))},
			{Key: []byte("original_offset"), Value: []byte(strconv.FormatInt(message.Offset, 10))},
			{Key: []byte("failure_time"), Value: []byte(now.Format(time.RFC3339))},
		},
	}

	partition, offset, err := h.producer.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"dlq_topic":     OrderCompletedDLQTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"error":         processingError.Error(),
	}).Warn("Message sent to dead letter queue")

	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
