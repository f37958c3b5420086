// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/dropleopard/internal/config"
	"github.com/unclebandit/dropleopard/internal/controller"
	"github.com/unclebandit/dropleopard/internal/db"
	"github.com/unclebandit/dropleopard/internal/handler"
	"github.com/unclebandit/dropleopard/internal/logging"
	"github.com/unclebandit/dropleopard/internal/notify"
	"github.com/unclebandit/dropleopard/internal/queue"
	"github.com/unclebandit/dropleopard/internal/service"
	"github.com/unclebandit/dropleopard/internal/validation"
)

func main() {
	// Load .env
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
		logger.Error("server stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
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

	q, err := openQueue(cfg, dispatcher, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	phones := validation.NewPhoneValidator(cfg.App.AllowedCountryCodes)
	participants := store.Participants()
	drops := &service.DropService{
		Ledger:        service.NewLedger(participants, store.Campaigns(), phones),
		Evaluator:     service.NewEvaluator(participants, store.Campaigns()),
		Participants:  participants,
		Notifier:      &queue.NotificationPublisher{Queue: q},
		Events:        &queue.EventPublisher{Queue: q},
		DefaultDomain: cfg.SMS.Domain,
		Logger:        logger,
	}
	optOuts := &service.OptOutService{
		OptOuts:  store.OptOuts(),
		Phones:   phones,
		Notifier: &queue.NotificationPublisher{Queue: q},
		Logger:   logger,
	}
	campaigns := &service.CampaignService{
		CampaignRepo:    store.Campaigns(),
		ParticipantRepo: participants,
		Logger:          logger,
	}

	if cfg.App.AdminToken == "" {
		logger.Warn("APP_ADMIN_TOKEN is empty, admin API rejects every request")
	}
	router := handler.NewRouter(handler.RouterConfig{
		Public:             &controller.DropController{Drops: drops, Inbound: optOuts, Logger: logger},
		Admin:              &handler.CampaignHandler{Service: campaigns, Logger: logger},
		AdminToken:         cfg.App.AdminToken,
		RateLimitPerMinute: cfg.App.RateLimitPerMinute,
		Logger:             logger,
	})

	server := &http.Server{
		Addr:           cfg.Server.GetServerAddr(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Handler:        h2c.NewHandler(router, &http2.Server{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting drop server", zap.String("addr", server.Addr), zap.String("environment", cfg.App.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if cfg.Scheduler.Enabled {
		scheduler := service.NewScheduler(store.Campaigns(), participants, dispatcher, service.NewLifecycleMarkers(),
			service.SchedulerConfig{
				Interval:      cfg.Scheduler.Interval,
				EndedWindow:   cfg.Scheduler.EndedWindow,
				ReminderStart: cfg.Scheduler.ReminderStart,
				ReminderEnd:   cfg.Scheduler.ReminderEnd,
				SendInterval:  cfg.Scheduler.SendInterval,
				DefaultDomain: cfg.SMS.Domain,
			}, logger)
		g.Go(func() error { return scheduler.Run(gctx) })
	}
	return g.Wait()
}

// openQueue returns the queue join notifications go through. In memory mode
// this process also delivers them; with AMQP cmd/worker does.
func openQueue(cfg *config.Config, dispatcher *notify.Dispatcher, logger *zap.Logger) (queue.Queue, error) {
	if cfg.Queue.Driver == "amqp" {
		q, err := queue.DialAMQP(queue.AMQPConfig{
			URL:      cfg.Queue.URL,
			Exchange: cfg.Queue.Exchange,
			Prefetch: cfg.Queue.Prefetch,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := q.Declare(queue.TopicNotifications); err != nil {
			q.Close()
			return nil, err
		}
		return q, nil
	}

	q := queue.NewInMemoryQueue(logger)
	if err := queue.StartNotificationSubscriber(q, dispatcher, logger); err != nil {
		return nil, err
	}
	if err := queue.StartEventLogger(q, logger); err != nil {
		return nil, err
	}
	return q, nil
}
