package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jogardn/chainfood/internal/api"
	"github.com/jogardn/chainfood/internal/config"
	"github.com/jogardn/chainfood/internal/content"
	"github.com/jogardn/chainfood/internal/events"
	"github.com/jogardn/chainfood/internal/ledger"
	"github.com/jogardn/chainfood/internal/storage/postgres"
	"github.com/jogardn/chainfood/internal/websocket"
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
	if err := cfg.Ledger.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid ledger configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	journal := openJournal(ctx, cfg, logger)

	producer, err := events.NewKafkaProducer(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	// Kafka sends run off the executor goroutine; the hub never blocks.
	queue := events.NewQueue(producer, 4096, logger)
	go queue.Run(ctx)

	contracts := ledger.NewContracts(ledger.ContractsConfig{
		Admin:          cfg.Ledger.Admin,
		PlatformWallet: cfg.Ledger.PlatformWallet,
		InlineStats:    cfg.Ledger.InlineStats,
		Publisher:      events.Fanout{queue, hub},
	}, logger)

	node := ledger.NewNode(contracts, journal, ledger.NodeConfig{}, logger)
	if err := node.Replay(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to replay journal")
	}
	logger.WithField("height", node.Height()).Info("Ledger state restored")

	nodeDone := make(chan struct{})
	go func() {
		defer close(nodeDone)
		if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Ledger node stopped")
		}
	}()

	handler := api.NewHandler(node, logger).
		WithContent(contentStore(cfg, logger)).
		WithCORS(cfg.Ledger.CORSOrigin)

	srv := &http.Server{
		Addr:         ":" + cfg.Ledger.Port,
		Handler:      handler.Router(hub.HandleWebSocket),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Ledger.Port).Info("Starting ledger node")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down ledger node...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	cancel()
	<-nodeDone
	<-queue.Done()

	logger.Info("Ledger node gracefully stopped")
}

func openJournal(ctx context.Context, cfg *config.Config, logger *logrus.Logger) ledger.Journal {
	if cfg.Ledger.Journal == "memory" {
		logger.Warn("Using in-memory journal; ledger state is lost on restart")
		return ledger.NewMemoryJournal()
	}

	db, err := postgres.Open(ctx, cfg.DB.DSN(), 30, 2*time.Second, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	journal, err := postgres.NewJournal(ctx, db, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to prepare journal")
	}
	return journal
}

func contentStore(cfg *config.Config, logger *logrus.Logger) content.Store {
	var store content.Store = content.NewIPFSStore(content.IPFSConfig{
		JWT:            cfg.Content.PinataJWT,
		APIKey:         cfg.Content.PinataAPIKey,
		APISecret:      cfg.Content.PinataSecret,
		Gateways:       cfg.Content.Gateways,
		GatewayTimeout: cfg.Content.GatewayTimeout,
	}, logger)

	if cfg.Redis.Addr == "" {
		return store
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	return content.NewCachedStore(store, rdb, cfg.Redis.TTL, logger)
}
