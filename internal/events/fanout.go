package events

import (
	"context"
	"errors"

	"github.com/jogardn/chainfood/pkg/models"
)

// Publisher matches orders.EventPublisher.
type Publisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// Fanout delivers each event to every publisher, even when some fail.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event models.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
