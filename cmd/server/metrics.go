package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nadmax/robofleet/internal/metrics"
	"github.com/nadmax/robofleet/internal/session"
	"github.com/nadmax/robofleet/internal/task"
)

const metricsInterval = 10 * time.Second

type taskCounter interface {
	CountTasksByStatus(ctx context.Context) (map[task.TaskStatus]int, error)
}

func startMetricsCollector(ctx context.Context, tasks taskCounter, registry *session.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		updateFleetMetrics(ctx, tasks, registry, logger)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func updateFleetMetrics(ctx context.Context, tasks taskCounter, registry *session.Registry, logger *slog.Logger) {
	metrics.UpdateRobotsOnline(registry.OnlineCount())

	counts, err := tasks.CountTasksByStatus(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("failed to count tasks for metrics", "error", err)
		}
		return
	}

	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}
	metrics.UpdateTaskGauges(byStatus)
}
