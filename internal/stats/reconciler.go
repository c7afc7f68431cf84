package stats

import (
	"context"
	"strconv"
	"time"

	"github.com/jogardn/chainfood/internal/ledger"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Reconciler periodically drains the ledger's pending stats list. It covers
// completions whose Kafka notice was lost or dead-lettered.
type Reconciler struct {
	client  ledger.Client
	applier *Applier
	config  Config
	logger  *logrus.Logger
}

func NewReconciler(client ledger.Client, applier *Applier, config Config, logger *logrus.Logger) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	return &Reconciler{
		client:  client,
		applier: applier,
		config:  config,
		logger:  logger,
	}
}

func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.WithFields(logrus.Fields{
		"interval":   r.config.Interval,
		"batch_size": r.config.BatchSize,
	}).Info("Stats reconciler started")

	for {
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.logger.WithError(err).Warn("Stats reconciliation tick failed")
		}
		select {
		case <-ctx.Done():
			r.logger.Info("Stats reconciler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick reconciles at most one batch and returns how many orders were applied.
func (r *Reconciler) Tick(ctx context.Context) (int, error) {
	var pending []uint64
	query := ledger.Query{Entity: ledger.EntityPendingStats, Key: strconv.Itoa(r.config.BatchSize)}
	if err := r.client.Read(ctx, query, &pending); err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	report, err := r.applier.Apply(ctx, pending)
	return len(report.Applied), err
}
