package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/unclebandit/dropleopard/internal/config"
	"github.com/unclebandit/dropleopard/internal/db"
	"github.com/unclebandit/dropleopard/internal/logging"
	"github.com/unclebandit/dropleopard/internal/notify"
	"github.com/unclebandit/dropleopard/internal/queue"
)

var errSharedStorage = errors.New("worker requires STORAGE_DRIVER=postgres")

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on OS environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.App.LogLevel, cfg.App.Environment)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// The bolt file is locked by the server process.
	if cfg.Storage.Driver != "postgres" {
		logger.Error("the worker needs shared storage", zap.String("storage_driver", cfg.Storage.Driver))
		return errSharedStorage
	}

	store, err := db.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	dispatcher := notify.NewDispatcher(
		notify.NewTwilioGateway(cfg.SMS.BaseURL, cfg.SMS.SendTimeout),
		store.Campaigns(),
		store.OptOuts(),
		notify.Config{Defaults: cfg.SMS.Settings(), SendTimeout: cfg.SMS.SendTimeout},
		logger,
	)

	q, err := queue.DialAMQP(queue.AMQPConfig{
		URL:      cfg.Queue.URL,
		Exchange: cfg.Queue.Exchange,
		Prefetch: cfg.Queue.Prefetch,
	}, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	if err := startConsumers(q, dispatcher, logger); err != nil {
		return err
	}

	logger.Info("worker running, waiting for messages", zap.String("exchange", cfg.Queue.Exchange))
	<-ctx.Done()
	logger.Info("worker shutting down")
	return nil
}

// startConsumers attaches the notification dispatcher and the event logger.
func startConsumers(q queue.Queue, d queue.Dispatcher, logger *zap.Logger) error {
	if err := queue.StartNotificationSubscriber(q, d, logger); err != nil {
		return err
	}
	return queue.StartEventLogger(q, logger)
}
