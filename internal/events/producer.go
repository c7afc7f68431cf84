package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	OrderEventsTopic    = "order.events"
	OrderCompletedTopic = "order.completed"
)

// CompletedNotice asks the stats worker to reconcile one order.
type CompletedNotice struct {
	OrderID      uint64         `json:"order_id"`
	RestaurantID uint64         `json:"restaurant_id"`
	Rider        models.Address `json:"rider"`
	CompletedAt  time.Time      `json:"completed_at"`
	EventTime    time.Time      `json:"event_time"`
}

// KafkaProducer publishes committed ledger events. Completions also go to
// OrderCompletedTopic.
type KafkaProducer struct {
	producer sarama.SyncProducer
	logger   *logrus.Logger
}

func NewKafkaProducer(brokers string, logger *logrus.Logger) (*KafkaProducer, error) {
	producer, err := newSyncProducer(brokers)
	if err != nil {
		return nil, err
	}
	return NewKafkaProducerWith(producer, logger), nil
}

func NewKafkaProducerWith(producer sarama.SyncProducer, logger *logrus.Logger) *KafkaProducer {
	return &KafkaProducer{
		producer: producer,
		logger:   logger,
	}
}

func (p *KafkaProducer) Publish(ctx context.Context, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Type, err)
	}

	key := sarama.StringEncoder(strconv.FormatUint(event.OrderID, 10))
	messages := []*sarama.ProducerMessage{{
		Topic: OrderEventsTopic,
		Key:   key,
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}}

	if completes(event) {
		notice, err := json.Marshal(CompletedNotice{
			OrderID:      event.OrderID,
			RestaurantID: event.RestaurantID,
			Rider:        event.Rider,
			CompletedAt:  event.Timestamp,
			EventTime:    time.Now(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal completion notice: %w", err)
		}
		messages = append(messages, &sarama.ProducerMessage{
			Topic: OrderCompletedTopic,
			Key:   key,
			Value: sarama.ByteEncoder(notice),
		})
	}

	if err := p.producer.SendMessages(messages); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"order_id": event.OrderID,
			"event":    event.Type,
		}).Error("Failed to send message to Kafka")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"topic":    OrderEventsTopic,
		"order_id": event.OrderID,
		"event":    event.Type,
		"messages": len(messages),
	}).Debug("Event published to Kafka")

	return nil
}

func completes(event models.Event) bool {
	return event.Type == models.EventOrderStatusChanged && event.Status == models.StatusCompleted
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}
