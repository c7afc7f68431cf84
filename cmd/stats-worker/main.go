package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jogardn/chainfood/internal/circuitbreaker"
	"github.com/jogardn/chainfood/internal/config"
	"github.com/jogardn/chainfood/internal/driver"
	"github.com/jogardn/chainfood/internal/events"
	"github.com/jogardn/chainfood/internal/ledger"
	"github.com/jogardn/chainfood/internal/stats"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	if err := cfg.Client.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid client configuration")
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        "ledger",
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		IsFailure:   ledger.IsUnavailable,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Ledger circuit breaker changed state")
		},
	}, logger)
	client := ledger.NewHTTPClient(cfg.Client.LedgerURL, breaker, logger)

	// The worker is an unattended keeper; its calls need no interactive
	// approval.
	signer := driver.SignerFunc(func(_ context.Context, call ledger.Call) (ledger.Call, error) {
		return call, nil
	})
	driverConfig := driver.DefaultConfig()
	driverConfig.SettleDelay = cfg.Client.SettleDelay
	applier := stats.NewApplier(driver.New(client, signer, driverConfig, logger), cfg.Client.Sender, logger)

	reconciler := stats.NewReconciler(client, applier, stats.Config{
		Interval:  cfg.Stats.Interval,
		BatchSize: cfg.Stats.BatchSize,
	}, logger)

	consumer, err := events.NewStatsConsumer(cfg.Kafka.Brokers, "stats-worker-group", applier, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer")
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		reconciler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Error("Stats consumer stopped")
		}
	}()

	logger.WithField("ledger_url", cfg.Client.LedgerURL).Info("Stats worker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down stats worker...")
	cancel()
	wg.Wait()

	logger.WithField("metrics", consumer.GetMetrics()).Info("Stats worker stopped")
}
