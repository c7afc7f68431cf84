package orders

import (
	"context"

	"github.com/jogardn/chainfood/pkg/models"
)

type (
	sinkKey  struct{}
	quietKey struct{}
)

// WithEventSink makes every commit under ctx also hand its events to sink.
// The ledger node uses it to attach events to transaction receipts.
func WithEventSink(ctx context.Context, sink func([]models.Event)) context.Context {
	return context.WithValue(ctx, sinkKey{}, sink)
}

// WithoutPublishing keeps commits under ctx from reaching the EventPublisher.
// Journal replay uses it so that recovered history is not broadcast twice.
func WithoutPublishing(ctx context.Context) context.Context {
	return context.WithValue(ctx, quietKey{}, true)
}

func sinkFrom(ctx context.Context) func([]models.Event) {
	sink, _ := ctx.Value(sinkKey{}).(func([]models.Event))
	return sink
}

func quiet(ctx context.Context) bool {
	q, _ := ctx.Value(quietKey{}).(bool)
	return q
}
