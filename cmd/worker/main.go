package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/robofleet/internal/broker"
	"github.com/nadmax/robofleet/internal/config"
	"github.com/nadmax/robofleet/internal/task"
	"github.com/nadmax/robofleet/internal/worker"
	"github.com/nadmax/robofleet/internal/worker/handlers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	b, err := broker.NewBroker(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}

	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("failed to close worker broker", "error", err)
		}
	}()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", time.Now().Unix())
	}

	w := worker.NewWorker(workerID, b, logger)

	logEvent := handlers.LogHandler(logger)
	if cfg.AlertsEnabled() {
		alerter := handlers.NewEmailAlerter(
			cfg.AlertFromName,
			cfg.AlertFromAddress,
			cfg.AlertTo,
			handlers.SendGridSender(cfg.SendGridAPIKey),
			logger,
		)
		w.RegisterHandler(task.StatusFailed, alerter.TaskFailedHandler)
	} else {
		logger.Info("email alerts disabled, failed tasks are only logged")
		w.RegisterHandler(task.StatusFailed, logEvent)
	}
	w.RegisterHandler(task.StatusCompleted, logEvent)
	w.RegisterHandler(task.StatusCancelled, logEvent)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("worker starting", "worker_id", workerID, "alerts", cfg.AlertsEnabled())
	if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}

	logger.Info("worker shut down")
}
