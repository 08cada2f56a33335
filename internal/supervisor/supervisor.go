// Package supervisor keeps a robot monitor running: it restarts the monitor with
// escalating backoff and closes the robot's session when the monitor stops for good.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nadmax/robofleet/internal/metrics"
	"github.com/nadmax/robofleet/internal/session"
	"github.com/nadmax/robofleet/internal/telemetry"
)

const (
	DefaultBackoffStep = 5 * time.Second
	DefaultBackoffMax  = 60 * time.Second
)

var ErrRobotNotResolved = errors.New("robot not resolved")

type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

type Factory func(robotID int64) (Runner, error)

type Resolver interface {
	GetRobotIDBySerial(ctx context.Context, serial string) (int64, error)
}

type SessionEnder interface {
	End(ctx context.Context, robotID int64, reason string) (int64, bool, error)
}

// Backoff returns the wait before the given restart: step×restart, capped at max.
func Backoff(restart int, step, max time.Duration) time.Duration {
	if restart < 1 {
		restart = 1
	}

	d := time.Duration(restart) * step
	if d > max || d <= 0 {
		return max
	}
	return d
}

type Config struct {
	Name        string
	Serial      string
	BackoffStep time.Duration
	BackoffMax  time.Duration

	// ManageSession is false for auxiliary feeds that never own a session.
	ManageSession bool
}

type Supervisor struct {
	cfg      Config
	resolver Resolver
	factory  Factory
	sessions SessionEnder
	registry *session.Registry
	logger   *slog.Logger
	wait     func(ctx context.Context, stop <-chan struct{}, d time.Duration) bool

	stopOnce sync.Once
	stop     chan struct{}
	restarts int
}

func New(cfg Config, resolver Resolver, factory Factory, sessions SessionEnder, registry *session.Registry, logger *slog.Logger) *Supervisor {
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = DefaultBackoffStep
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Serial
	}

	return &Supervisor{
		cfg:      cfg,
		resolver: resolver,
		factory:  factory,
		sessions: sessions,
		registry: registry,
		logger:   logger.With("component", "supervisor", "monitor", cfg.Name),
		wait:     waitFor,
		stop:     make(chan struct{}),
	}
}

// Stop ends this monitor only. The robot's session is closed as cancelled.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Supervisor) Restarts() int {
	return s.restarts
}

func (s *Supervisor) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Run resolves the robot and keeps its monitor running until ctx is done or Stop is
// called. It returns ErrRobotNotResolved, without retrying, when the serial is unknown.
func (s *Supervisor) Run(ctx context.Context) error {
	robotID, err := s.resolver.GetRobotIDBySerial(ctx, s.cfg.Serial)
	if err != nil {
		s.logger.Error("cannot resolve robot, monitor not started", "serial", s.cfg.Serial, "error", err)
		return fmt.Errorf("%w: serial %s: %v", ErrRobotNotResolved, s.cfg.Serial, err)
	}

	logger := s.logger.With("robot_id", robotID)
	s.registry.RegisterMonitor(s.cfg.Name, robotID, s.Stop)

	runner, err := s.factory(robotID)
	if err != nil {
		s.registry.UpdateMonitor(s.cfg.Name, session.MonitorFailed, 0, err)
		return fmt.Errorf("failed to build monitor: %w", err)
	}

	defer s.endSession(ctx, logger, robotID, session.ReasonShutdown)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		if ctx.Err() != nil || s.stopped() {
			break
		}

		s.registry.UpdateMonitor(s.cfg.Name, session.MonitorRunning, s.restarts, nil)
		err := s.runOnce(runCtx, runner)

		if ctx.Err() != nil {
			logger.Info("monitor stopping for shutdown")
			break
		}
		if s.stopped() {
			logger.Info("monitor stopped")
			s.endSession(ctx, logger, robotID, session.ReasonCancelled)
			break
		}

		var linkErr *telemetry.LinkError
		switch {
		case errors.As(err, &linkErr):
			logger.Debug("monitor lost connection", "reason", linkErr.Reason())
		case err != nil:
			logger.Error("monitor failed unexpectedly", "error", err, "type", fmt.Sprintf("%T", err))
			s.endSession(ctx, logger, robotID, fmt.Sprintf("%s: %T", session.ReasonUnexpected, err))
		default:
			logger.Warn("monitor returned without error")
		}

		s.restarts++
		metrics.RecordMonitorRestart(s.cfg.Name)

		delay := Backoff(s.restarts, s.cfg.BackoffStep, s.cfg.BackoffMax)
		s.registry.UpdateMonitor(s.cfg.Name, session.MonitorBackoff, s.restarts, err)
		logger.Info("restarting monitor", "attempt", s.restarts, "backoff", delay)

		if !s.wait(ctx, s.stop, delay) {
			if s.stopped() && ctx.Err() == nil {
				s.endSession(ctx, logger, robotID, session.ReasonCancelled)
			}
			break
		}
	}

	s.registry.UpdateMonitor(s.cfg.Name, session.MonitorStopped, s.restarts, nil)
	return nil
}

// runOnce converts a panic in the runner into an error.
func (s *Supervisor) runOnce(ctx context.Context, runner Runner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor panic: %v", r)
			s.logger.Error("recovered monitor panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	return runner.Run(ctx)
}

func (s *Supervisor) endSession(ctx context.Context, logger *slog.Logger, robotID int64, reason string) {
	if !s.cfg.ManageSession {
		return
	}

	if _, _, err := s.sessions.End(context.WithoutCancel(ctx), robotID, reason); err != nil {
		metrics.RecordStoreError("close_session")
		logger.Error("failed to end session", "reason", reason, "error", err)
	}
}

// waitFor sleeps for d and reports false if ctx or stop interrupted the wait.
func waitFor(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}
