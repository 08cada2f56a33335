package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nadmax/robofleet/internal/api"
	"github.com/nadmax/robofleet/internal/broker"
	"github.com/nadmax/robofleet/internal/config"
	"github.com/nadmax/robofleet/internal/feed"
	"github.com/nadmax/robofleet/internal/middleware"
	"github.com/nadmax/robofleet/internal/movement"
	"github.com/nadmax/robofleet/internal/publisher"
	"github.com/nadmax/robofleet/internal/repository/postgres"
	"github.com/nadmax/robofleet/internal/session"
	"github.com/nadmax/robofleet/internal/supervisor"
	"github.com/nadmax/robofleet/internal/taskbridge"
	"github.com/nadmax/robofleet/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// monitorSpec is one supervised loop for a robot: the main link or an auxiliary feed.
type monitorSpec struct {
	name    string
	manage  bool
	factory supervisor.Factory
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := postgres.NewPostgresFleetRepository(cfg.PostgresDSN)
	if err != nil {
		logger.Error("failed to open fleet repository", "error", err)
		os.Exit(1)
	}

	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warn("failed to close Postgres repository", "error", err)
		}
	}()

	if err := repo.Migrate(ctx); err != nil {
		logger.Error("failed to migrate fleet schema", "error", err)
		os.Exit(1)
	}

	b, err := broker.NewBroker(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}

	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("failed to close broker", "error", err)
		}
	}()

	// The publisher outlives the monitors so their final offline snapshots are flushed.
	pubCtx, stopPublisher := context.WithCancel(context.Background())
	pub := publisher.NewPublisher(b, publisher.DefaultBufferSize, logger)
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		pub.Run(pubCtx)
	}()

	registry := session.NewRegistry()
	tracker := session.NewTracker(repo, registry, logger)
	recorder := movement.NewRecorder(repo)
	bridge := taskbridge.NewBridge(repo, b, pub, logger)

	go startMetricsCollector(ctx, repo, registry, logger)

	var wg sync.WaitGroup
	for _, robot := range cfg.Robots() {
		base := telemetry.Config{
			Serial:         robot.Serial,
			Addr:           robot.Addr,
			ReceiveTimeout: cfg.ReceiveTimeout,
			Keepalive: telemetry.Keepalive{
				PingInterval: cfg.PingInterval,
				PingTimeout:  cfg.PingTimeout,
			},
			Dialer: &websocket.Dialer{HandshakeTimeout: telemetry.DefaultHandshakeTimeout},
		}
		deps := telemetry.Deps{
			Sessions: tracker,
			Registry: registry,
			Recorder: recorder,
			Tasks:    bridge,
			Live:     pub,
			Logger:   logger,
		}

		monitors := []monitorSpec{
			{
				name:   robot.Serial,
				manage: true,
				factory: func(robotID int64) (supervisor.Runner, error) {
					c := base
					c.RobotID = robotID
					return telemetry.NewLink(c, deps), nil
				},
			},
		}
		if cfg.LidarFeed {
			monitors = append(monitors, monitorSpec{
				name: "lidar:" + robot.Serial,
				factory: func(robotID int64) (supervisor.Runner, error) {
					c := base
					c.RobotID = robotID
					return feed.NewLidar(c, pub, logger), nil
				},
			})
		}
		if cfg.PlanningFeed {
			monitors = append(monitors, monitorSpec{
				name: "planning:" + robot.Serial,
				factory: func(robotID int64) (supervisor.Runner, error) {
					c := base
					c.RobotID = robotID
					return feed.NewPlanning(c, bridge, logger), nil
				},
			})
		}

		for _, m := range monitors {
			sup := supervisor.New(supervisor.Config{
				Name:          m.name,
				Serial:        robot.Serial,
				BackoffStep:   cfg.BackoffStep,
				BackoffMax:    cfg.BackoffMax,
				ManageSession: m.manage,
			}, repo, m.factory, tracker, registry, logger)

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("monitor exited", "monitor", m.name, "error", err)
				}
			}()
		}
	}

	apiHandler := api.NewAPI(repo, b, registry, logger)
	apiHandler.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.ServerPort,
		Handler:           middleware.MetricsMiddleware(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", cfg.ServerPort, "robots", len(cfg.Robots()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shut down HTTP server", "error", err)
	}

	if !waitGroup(&wg, cfg.ShutdownGrace) {
		logger.Warn("monitors did not stop within grace period", "grace", cfg.ShutdownGrace)
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelClose()

	closed, err := tracker.CloseAll(closeCtx, session.ReasonShutdown)
	if err != nil {
		logger.Error("failed to close open sessions", "error", err)
	}
	logger.Info("sessions closed", "count", closed)

	stopPublisher()
	<-pubDone

	if dropped := pub.Dropped(); dropped > 0 {
		logger.Warn("publisher dropped live updates", "count", dropped)
	}
}

// waitGroup reports false if wg is not done within d.
func waitGroup(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
