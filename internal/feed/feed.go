// Package feed runs auxiliary topic subscriptions next to the main telemetry link.
// Feeds never own a robot session.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nadmax/robofleet/internal/broker"
	"github.com/nadmax/robofleet/internal/frame"
	"github.com/nadmax/robofleet/internal/metrics"
	"github.com/nadmax/robofleet/internal/telemetry"
)

type LivePublisher interface {
	Publish(channel string, v any)
}

type TaskHandler interface {
	Handle(ctx context.Context, robotID int64, f frame.PlanningFrame) error
}

type handlerFunc func(ctx context.Context, f frame.Frame, raw []byte)

// Feed subscribes to a fixed topic set and hands every parsed frame to its handler.
type Feed struct {
	name   string
	cfg    telemetry.Config
	topics []string
	handle handlerFunc
	logger *slog.Logger
}

// NewLidar forwards raw point-cloud frames to the robot:lidar channel.
func NewLidar(cfg telemetry.Config, live LivePublisher, logger *slog.Logger) *Feed {
	f := &Feed{
		name:   "lidar",
		cfg:    cfg,
		topics: []string{frame.TopicLidarPoints},
		logger: logger.With("component", "feed", "feed", "lidar", "robot_id", cfg.RobotID),
	}
	f.handle = func(_ context.Context, fr frame.Frame, raw []byte) {
		if fr.Topic() != frame.TopicLidarPoints {
			return
		}
		live.Publish(broker.ChannelLidar, json.RawMessage(raw))
	}

	return f
}

// NewPlanning feeds planning-state frames to the task bridge. Running it alongside the
// main link is safe: the bridge only writes a terminal status once.
func NewPlanning(cfg telemetry.Config, tasks TaskHandler, logger *slog.Logger) *Feed {
	f := &Feed{
		name:   "planning",
		cfg:    cfg,
		topics: []string{frame.TopicPlanning},
		logger: logger.With("component", "feed", "feed", "planning", "robot_id", cfg.RobotID),
	}
	f.handle = func(ctx context.Context, fr frame.Frame, _ []byte) {
		pf, ok := fr.(frame.PlanningFrame)
		if !ok {
			return
		}
		if err := tasks.Handle(ctx, cfg.RobotID, pf); err != nil {
			f.logger.Warn("failed to handle planning state", "move_state", pf.MoveState, "error", err)
		}
	}

	return f
}

func (f *Feed) Name() string {
	return f.name
}

// Run streams until the connection drops or ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	stream, err := telemetry.Dial(ctx, f.cfg.Dialer, telemetry.TopicsURL(f.cfg.Addr), f.cfg.Keepalive)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			f.logger.Debug("failed to close stream", "error", err)
		}
	}()

	if err := stream.Send(frame.DisableTopics(frame.TopicSlamState)); err != nil {
		return err
	}
	if err := stream.Send(frame.EnableTopics(f.topics...)); err != nil {
		return err
	}
	f.logger.Info("feed subscribed", "topics", f.topics)

	for {
		data, err := stream.Receive(ctx, f.cfg.ReceiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var linkErr *telemetry.LinkError
			if errors.As(err, &linkErr) {
				f.logger.Warn("feed connection lost", "reason", linkErr.Reason())
			}
			return err
		}
		if data == nil {
			continue
		}

		fr, err := frame.Parse(data)
		if err != nil {
			metrics.RecordFrameDropped(f.cfg.RobotID, "malformed")
			f.logger.Debug("dropping malformed frame", "error", err)
			continue
		}

		f.handle(ctx, fr, data)
	}
}
