// Package telemetry maintains the websocket link to a robot's topic socket and routes
// the frames it receives.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nadmax/robofleet/internal/broker"
	"github.com/nadmax/robofleet/internal/frame"
	"github.com/nadmax/robofleet/internal/metrics"
	"github.com/nadmax/robofleet/internal/movement"
)

type SessionTracker interface {
	Start(ctx context.Context, robotID int64) (int64, error)
	End(ctx context.Context, robotID int64, reason string) (int64, bool, error)
}

type SessionRegistry interface {
	Session(robotID int64) (int64, bool)
}

type PositionRecorder interface {
	Record(ctx context.Context, robotID int64, pose movement.Pose, prev *movement.Pose) (float64, error)
}

type TaskHandler interface {
	Handle(ctx context.Context, robotID int64, f frame.PlanningFrame) error
}

type LivePublisher interface {
	Set(key string, v any)
	Publish(channel string, v any)
}

type Config struct {
	RobotID        int64
	Serial         string
	Addr           string
	ReceiveTimeout time.Duration
	Keepalive      Keepalive
	Dialer         *websocket.Dialer
}

type Deps struct {
	Sessions SessionTracker
	Registry SessionRegistry
	Recorder PositionRecorder
	Tasks    TaskHandler
	Live     LivePublisher
	Logger   *slog.Logger
}

// Link owns one robot connection at a time. Run is not safe for concurrent use; a
// supervisor calls it again after it returns.
type Link struct {
	cfg    Config
	deps   Deps
	url    string
	logger *slog.Logger
	now    func() time.Time

	status     LiveStatus
	prevPose   *movement.Pose
	lastFailed FailureKind
}

func NewLink(cfg Config, deps Deps) *Link {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}

	return &Link{
		cfg:    cfg,
		deps:   deps,
		url:    TopicsURL(cfg.Addr),
		logger: deps.Logger.With("component", "telemetry", "robot_id", cfg.RobotID, "serial", cfg.Serial),
		now:    time.Now,
		status: LiveStatus{RobotID: cfg.RobotID, Serial: cfg.Serial, Status: StatusOffline},
	}
}

// Status returns the latest snapshot.
func (l *Link) Status() LiveStatus {
	return l.status
}

// Run connects, subscribes to the telemetry topics and dispatches frames until the
// connection is lost or ctx is done. Connection loss closes the robot's session and
// is returned as a *LinkError. Cancellation publishes the robot offline, returns
// ctx.Err() and leaves the session open for the caller to close.
func (l *Link) Run(ctx context.Context) error {
	stream, err := Dial(ctx, l.cfg.Dialer, l.url, l.cfg.Keepalive)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return l.fail(ctx, err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			l.logger.Debug("failed to close stream", "error", err)
		}
	}()

	epoch := uuid.NewString()
	l.prevPose = nil
	l.lastFailed = ""

	if _, ok := l.deps.Registry.Session(l.cfg.RobotID); !ok {
		if _, err := l.deps.Sessions.Start(ctx, l.cfg.RobotID); err != nil {
			return err
		}
	}

	l.status = l.status.WithStatus(StatusOnline, epoch, l.now().UTC())
	l.deps.Live.Set(broker.StatusKey(l.cfg.RobotID), StatusOnline)
	l.publishSnapshot(broker.ChannelStatus)
	l.logger.Info("robot online", "epoch", epoch)

	if err := stream.Send(frame.DisableTopics(frame.TopicSlamState)); err != nil {
		return l.fail(ctx, err)
	}
	if err := stream.Send(frame.EnableTopics(frame.TopicBattery, frame.TopicTrackedPose, frame.TopicPlanning)); err != nil {
		return l.fail(ctx, err)
	}

	for {
		data, err := stream.Receive(ctx, l.cfg.ReceiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				l.markOffline()
				return ctx.Err()
			}
			return l.fail(ctx, err)
		}
		if data == nil {
			continue
		}

		l.dispatch(ctx, data)
	}
}

// fail ends the open session with the failure reason and publishes the robot offline.
// Repeated failures of the same kind are logged once per outage.
func (l *Link) fail(ctx context.Context, err error) error {
	var linkErr *LinkError
	if !errors.As(err, &linkErr) {
		linkErr = &LinkError{Kind: KindTransportError, Err: err}
	}

	if l.lastFailed != linkErr.Kind {
		l.logger.Warn("robot connection lost", "reason", linkErr.Reason(), "error", linkErr.Err)
		l.lastFailed = linkErr.Kind
	} else {
		l.logger.Debug("robot still unreachable", "reason", linkErr.Reason(), "error", linkErr.Err)
	}

	if _, ok := l.deps.Registry.Session(l.cfg.RobotID); ok {
		if _, _, err := l.deps.Sessions.End(context.WithoutCancel(ctx), l.cfg.RobotID, linkErr.Reason()); err != nil {
			metrics.RecordStoreError("close_session")
			l.logger.Error("failed to end session", "error", err)
		}
	}

	l.markOffline()
	return linkErr
}

func (l *Link) markOffline() {
	if l.status.Status == StatusOffline {
		return
	}

	l.status = l.status.WithStatus(StatusOffline, "", l.now().UTC())
	l.deps.Live.Set(broker.StatusKey(l.cfg.RobotID), StatusOffline)
	l.publishSnapshot(broker.ChannelStatus)
	l.logger.Info("robot offline")
}

func (l *Link) dispatch(ctx context.Context, data []byte) {
	f, err := frame.Parse(data)
	if err != nil {
		metrics.RecordFrameDropped(l.cfg.RobotID, "malformed")
		l.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	metrics.RecordFrame(l.cfg.RobotID, f.Topic())
	now := l.now().UTC()

	switch fr := f.(type) {
	case frame.BatteryFrame:
		l.status = l.status.WithBattery(fr.Percentage, now)
		l.deps.Live.Set(broker.BatteryKey(l.cfg.RobotID), fr.Raw)
		l.publishSnapshot(broker.ChannelStatus)

	case frame.PoseFrame:
		pose := movement.Pose{X: fr.X, Y: fr.Y, Orientation: fr.Orientation}
		distance, err := l.deps.Recorder.Record(ctx, l.cfg.RobotID, pose, l.prevPose)
		if err != nil {
			metrics.RecordStoreError("record_movement")
			l.logger.Warn("failed to record movement", "error", err)
		} else {
			metrics.RecordDistance(l.cfg.RobotID, distance)
		}
		l.prevPose = &pose

		l.status = l.status.WithPose(pose, now)
		l.deps.Live.Set(broker.PoseKey(l.cfg.RobotID), fr.Raw)
		l.publishSnapshot(broker.ChannelPose)

	case frame.PlanningFrame:
		if err := l.deps.Tasks.Handle(ctx, l.cfg.RobotID, fr); err != nil {
			l.logger.Warn("failed to handle planning state", "move_state", fr.MoveState, "error", err)
		}

	default:
		l.logger.Debug("ignoring topic", "topic", f.Topic())
	}
}

func (l *Link) publishSnapshot(channel string) {
	l.deps.Live.Set(broker.SnapshotKey(l.cfg.RobotID), l.status)
	l.deps.Live.Publish(channel, l.status)
}
