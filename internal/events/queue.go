package events

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by Queue.Publish when the buffer has no room.
var ErrQueueFull = errors.New("event queue full")

// Queue hands events to inner from one goroutine, so the caller never waits
// on the broker. Events reach inner in Publish order.
type Queue struct {
	inner   Publisher
	events  chan models.Event
	done    chan struct{}
	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
	logger  *logrus.Logger
}

type QueueStats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
	Backlog int   `json:"backlog"`
}

func NewQueue(inner Publisher, size int, logger *logrus.Logger) *Queue {
	if size <= 0 {
		size = 1024
	}
	return &Queue{
		inner:  inner,
		events: make(chan models.Event, size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Publish buffers event without blocking.
func (q *Queue) Publish(ctx context.Context, event models.Event) error {
	select {
	case q.events <- event:
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Run forwards buffered events until ctx is done, then flushes what is left.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.done)

	for {
		select {
		case <-ctx.Done():
			q.flush(context.WithoutCancel(ctx))
			return
		case event := <-q.events:
			q.forward(ctx, event)
		}
	}
}

func (q *Queue) flush(ctx context.Context) {
	for {
		select {
		case event := <-q.events:
			q.forward(ctx, event)
		default:
			q.logger.WithFields(logrus.Fields{
				"sent":    q.sent.Load(),
				"failed":  q.failed.Load(),
				"dropped": q.dropped.Load(),
			}).Info("Event queue flushed")
			return
		}
	}
}

func (q *Queue) forward(ctx context.Context, event models.Event) {
	if err := q.inner.Publish(ctx, event); err != nil {
		q.failed.Add(1)
		q.logger.WithError(err).WithFields(logrus.Fields{
			"order_id": event.OrderID,
			"event":    event.Type,
		}).Error("Failed to forward event")
		return
	}
	q.sent.Add(1)
}

// Done is closed once Run has flushed and returned.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Sent:    q.sent.Load(),
		Failed:  q.failed.Load(),
		Dropped: q.dropped.Load(),
		Backlog: len(q.events),
	}
}
