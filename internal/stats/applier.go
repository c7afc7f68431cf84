package stats

import (
	"context"
	"errors"
	"fmt"

	"github.com/jogardn/chainfood/internal/driver"
	"github.com/jogardn/chainfood/internal/ledger"
	"github.com/jogardn/chainfood/internal/orders"
	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

// ErrIncomplete means some orders of a batch failed to reconcile on the
// ledger. Those orders stay pending.
var ErrIncomplete = errors.New("stats batch incomplete")

// Applier submits processPendingStats calls through a driver.
type Applier struct {
	driver *driver.Driver
	sender models.Address
	logger *logrus.Logger
}

func NewApplier(d *driver.Driver, sender models.Address, logger *logrus.Logger) *Applier {
	return &Applier{
		driver: d,
		sender: sender,
		logger: logger,
	}
}

func (a *Applier) Apply(ctx context.Context, orderIDs []uint64) (orders.StatsReport, error) {
	var report orders.StatsReport
	if len(orderIDs) == 0 {
		return report, nil
	}

	call, err := ledger.NewCall(ledger.MethodProcessPendingStats, a.sender, ledger.StatsArgs{OrderIDs: orderIDs})
	if err != nil {
		return report, err
	}
	receipt, err := a.driver.Execute(ctx, call)
	if err != nil {
		return report, err
	}
	if err := receipt.Decode(&report); err != nil {
		return report, fmt.Errorf("failed to decode stats report: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"tx_id":           receipt.TxID,
		"applied":         len(report.Applied),
		"already_applied": len(report.AlreadyApplied),
		"skipped":         len(report.Skipped),
		"failed":          len(report.Failed),
	}).Info("Stats batch processed")

	if len(report.Failed) > 0 {
		return report, fmt.Errorf("%w: orders %v", ErrIncomplete, report.Failed)
	}
	return report, nil
}

// ApplyStats lets the Kafka stats consumer drive the applier.
func (a *Applier) ApplyStats(ctx context.Context, orderIDs []uint64) error {
	_, err := a.Apply(ctx, orderIDs)
	return err
}

func (a *Applier) IsRetryable(err error) bool {
	return driver.IsTransient(err)
}
