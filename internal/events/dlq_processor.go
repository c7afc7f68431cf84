package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// MaxReplays bounds how often one notice may cycle through the DLQ.
const MaxReplays = MaxRetries * 2

var ErrReplayLimit = errors.New("exceeded maximum replay attempts")

// DLQProcessor moves dead-lettered completion notices back onto
// OrderCompletedTopic after ReplayDelay.
type DLQProcessor struct {
	consumer    sarama.ConsumerGroup
	producer    sarama.SyncProducer
	logger      *logrus.Logger
	replayTopic string
	replayDelay time.Duration

	seen     atomic.Int64
	replayed atomic.Int64
	dropped  atomic.Int64
}

type DLQStats struct {
	Topic     string    `json:"dlq_topic"`
	Seen      int64     `json:"seen"`
	Replayed  int64     `json:"replayed"`
	Dropped   int64     `json:"dropped"`
	Timestamp time.Time `json:"timestamp"`
}

func NewDLQProcessor(brokers string, replayDelay time.Duration, logger *logrus.Logger) (*DLQProcessor, error) {
	consumer, err := newConsumerGroup(brokers, "dlq-processor-group")
	if err != nil {
		return nil, err
	}

	producer, err := newSyncProducer(brokers)
	if err != nil {
		consumer.Close()
		return nil, err
	}

	p := newDLQProcessor(producer, replayDelay, logger)
	p.consumer = consumer
	return p, nil
}

func newDLQProcessor(producer sarama.SyncProducer, replayDelay time.Duration, logger *logrus.Logger) *DLQProcessor {
	return &DLQProcessor{
		producer:    producer,
		logger:      logger,
		replayTopic: OrderCompletedTopic,
		replayDelay: replayDelay,
	}
}

func (p *DLQProcessor) ProcessDLQ(ctx context.Context) error {
	handler := &dlqConsumerHandler{processor: p, logger: p.logger}
	return consume(ctx, p.consumer, []string{OrderCompletedDLQTopic}, handler, p.logger)
}

func (p *DLQProcessor) ReplayMessage(message *sarama.ConsumerMessage) error {
	metadata := extractMetadata(message)

	if metadata.RetryCount >= MaxReplays {
		p.dropped.Add(1)
		p.logger.WithFields(logrus.Fields{
			"order_key":   string(message.Key),
			"retry_count": metadata.RetryCount,
		}).Error("Message exceeded maximum replay attempts")
		return ErrReplayLimit
	}

	replayMessage := &sarama.ProducerMessage{
		Topic: p.replayTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("retry_count"), Value: []byte(strconv.Itoa(metadata.RetryCount))},
			{Key: []byte("replayed_from_dlq"), Value: []byte("true")},
			{Key: []byte("replay_time"), Value: []byte(time.Now().Format(time.RFC3339))},
		},
	}
	if value, ok := header(message, "metadata"); ok {
		replayMessage.Headers = append(replayMessage.Headers, sarama.RecordHeader{Key: []byte("metadata"), Value: value})
	}

	partition, offset, err := p.producer.SendMessage(replayMessage)
	if err != nil {
		return fmt.Errorf("failed to replay message: %w", err)
	}
	p.replayed.Add(1)

	p.logger.WithFields(logrus.Fields{
		"replay_topic":     p.replayTopic,
		"replay_partition": partition,
		"replay_offset":    offset,
		"order_key":        string(message.Key),
	}).Info("Message replayed from DLQ")

	return nil
}

func (p *DLQProcessor) GetDLQStats() DLQStats {
	return DLQStats{
		Topic:     OrderCompletedDLQTopic,
		Seen:      p.seen.Load(),
		Replayed:  p.replayed.Load(),
		Dropped:   p.dropped.Load(),
		Timestamp: time.Now(),
	}
}

func (p *DLQProcessor) Close() error {
	if err := p.producer.Close(); err != nil {
		p.logger.WithError(err).Error("Failed to close producer")
	}
	if p.consumer == nil {
		return nil
	}
	return p.consumer.Close()
}

type dlqConsumerHandler struct {
	processor *DLQProcessor
	logger    *logrus.Logger
}

func (h *dlqConsumerHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session setup")
	return nil
}

func (h *dlqConsumerHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session cleanup")
	return nil
}

func (h *dlqConsumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			h.processor.seen.Add(1)

			metadata := extractMetadata(message)
			h.logger.WithFields(logrus.Fields{
				"key":            string(message.Key),
				"original_topic": metadata.OriginalTopic,
				"retry_count":    metadata.RetryCount,
				"first_failure":  metadata.FirstFailure,
				"last_failure":   metadata.LastFailure,
				"error_message":  metadata.ErrorMessage,
			}).Warn("DLQ message details")

			if err := sleepContext(session.Context(), h.processor.replayDelay); err != nil {
				return nil
			}

			if err := h.processor.ReplayMessage(message); err != nil {
				h.logger.WithError(err).Error("Failed to replay DLQ message")
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
