package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/transfa/payment-emission-service/internal/api"
	"github.com/transfa/payment-emission-service/internal/app"
	"github.com/transfa/payment-emission-service/pkg/rabbitmq"
	"github.com/transfa/payment-emission-service/pkg/retryclient"
)

const settlementPrefetch = 20

func serveCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, cron jobs, outbox dispatcher and settlement consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logger)
		},
	}
}

func runServe(parent context.Context, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	cfg := svc.cfg

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	// Stays nil without a consumer; a nil channel never fires in the select below.
	var consumerDone <-chan error
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err == nil {
			publisher = producer
			defer producer.Close()
		} else {
			logger.Warn("failed to connect to RabbitMQ, event bus messages stay in the outbox", "error", err)
		}

		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, settlementPrefetch)
		if err != nil {
			logger.Warn("failed to connect settlement consumer", "error", err)
		} else {
			defer consumer.Close()
			settlements := app.NewSettlementConsumer(svc.intents, logger)
			if err := consumer.ConsumeWithBindings(ctx, cfg.EventExchange, cfg.SettlementQueue, settlements.Bindings()); err != nil {
				logger.Error("failed to start settlement consumer", "error", err)
			} else {
				consumerDone = consumer.Done()
				logger.Info("settlement consumer started", "queue", cfg.SettlementQueue)
			}
		}
	}

	retry := retryclient.NewClient(cfg.RetryServiceURL, cfg.RetryServiceInternalAPIKey)
	outbox := app.NewOutboxDispatcher(svc.repo, retry, publisher, cfg.OutboxBatchSize, cfg.OutboxPollInterval(), logger)
	go outbox.Run(ctx)
	logger.Info("outbox dispatcher started", "batch_size", cfg.OutboxBatchSize)

	jobs := app.NewJobs(svc.emission, svc.repo, app.SystemClock{}, logger, *cfg)
	scheduler := app.NewScheduler(jobs, logger, *cfg)
	scheduler.Start()
	logger.Info("scheduler started", "emission_schedule", cfg.EmissionJobSchedule, "timezone", cfg.Location().String())

	handler := api.NewHandler(svc.lifecycle, svc.intents, svc.emission, svc.ledger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: api.NewRouter(handler, cfg.InternalAPIKey, cfg.AllowedOrigins()),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, gracefully shutting down")
	case err := <-serverErr:
		logger.Error("server failed", "error", err)
		runErr = err
	case err := <-consumerDone:
		// Exit so the supervisor restarts the process with a fresh connection.
		logger.Error("settlement consumer stopped, shutting down", "error", err)
		runErr = fmt.Errorf("settlement consumer stopped: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
	return runErr
}
