// Package session keeps the robot_sessions table in step with telemetry connections.
// At most one session per robot is online at any time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nadmax/robofleet/internal/metrics"
	"github.com/nadmax/robofleet/internal/repository"
	"github.com/nadmax/robofleet/internal/repository/models"
)

const (
	autoCloseNote     = "auto-closed: new session started"
	disconnectedNote  = "disconnected: "
	ReasonShutdown    = "server_shutdown"
	ReasonCancelled   = "task_cancelled"
	ReasonUnexpected  = "unexpected_error"
	ReasonConnectLost = "connection_lost"
)

type Store interface {
	LatestOnlineSession(ctx context.Context, robotID int64) (*models.Session, error)
	OpenSession(ctx context.Context, robotID int64, at time.Time) (int64, error)
	CloseSession(ctx context.Context, sessionID int64, at time.Time, duration time.Duration, notes string) error
}

type Tracker struct {
	store    Store
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewTracker(store Store, registry *Registry, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:    store,
		registry: registry,
		logger:   logger.With("component", "session"),
		now:      time.Now,
		locks:    make(map[int64]*sync.Mutex),
	}
}

func (t *Tracker) Registry() *Registry {
	return t.registry
}

func (t *Tracker) lock(robotID int64) func() {
	t.mu.Lock()
	l, ok := t.locks[robotID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[robotID] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Start opens a new online session for robotID. A session left online by an earlier
// run is closed first.
func (t *Tracker) Start(ctx context.Context, robotID int64) (int64, error) {
	unlock := t.lock(robotID)
	defer unlock()

	now := t.now().UTC()
	stale, err := t.store.LatestOnlineSession(ctx, robotID)
	if err != nil {
		return 0, fmt.Errorf("failed to look up open session: %w", err)
	}

	autoClosed := false
	if stale != nil {
		duration := elapsed(stale.Timestamp, now)
		switch err := t.store.CloseSession(ctx, stale.ID, now, duration, autoCloseNote); {
		case errors.Is(err, repository.ErrSessionNotOpen):
			t.logger.Debug("stale session already closed", "robot_id", robotID, "session_id", stale.ID)
		case err != nil:
			return 0, fmt.Errorf("failed to auto-close session %d: %w", stale.ID, err)
		default:
			autoClosed = true
			t.logger.Warn("auto-closed stale session", "robot_id", robotID, "session_id", stale.ID, "duration", duration)
		}
	}

	id, err := t.store.OpenSession(ctx, robotID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to open session: %w", err)
	}

	t.registry.SetSession(robotID, id)
	metrics.RecordSessionStarted(robotID, autoClosed)
	t.logger.Info("session started", "robot_id", robotID, "session_id", id)

	return id, nil
}

// End closes the robot's open session with the given reason. It reports ok=false when
// no session is open, including one closed by another writer after the lookup.
func (t *Tracker) End(ctx context.Context, robotID int64, reason string) (int64, bool, error) {
	unlock := t.lock(robotID)
	defer unlock()

	open, err := t.store.LatestOnlineSession(ctx, robotID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up open session: %w", err)
	}
	if open == nil {
		t.registry.ClearSession(robotID)
		return 0, false, nil
	}

	now := t.now().UTC()
	duration := elapsed(open.Timestamp, now)
	err = t.store.CloseSession(ctx, open.ID, now, duration, disconnectedNote+reason)
	if errors.Is(err, repository.ErrSessionNotOpen) {
		t.registry.ClearSession(robotID)
		t.logger.Debug("session already closed", "robot_id", robotID, "session_id", open.ID)
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to close session %d: %w", open.ID, err)
	}

	t.registry.ClearSession(robotID)
	metrics.RecordSessionEnded(robotID, ReasonKind(reason), duration)
	t.logger.Info("session ended", "robot_id", robotID, "session_id", open.ID, "reason", reason, "duration", duration)

	return open.ID, true, nil
}

// CloseAll ends every session still held in the registry.
func (t *Tracker) CloseAll(ctx context.Context, reason string) (int, error) {
	var (
		closed int
		errs   []error
	)

	for _, robotID := range t.registry.Robots() {
		_, ok, err := t.End(ctx, robotID, reason)
		if err != nil {
			errs = append(errs, fmt.Errorf("robot %d: %w", robotID, err))
			continue
		}
		if ok {
			closed++
		}
	}

	return closed, errors.Join(errs...)
}

// ReasonKind is the reason up to its first colon, e.g. "connection_lost" for
// "connection_lost: closed".
func ReasonKind(reason string) string {
	kind, _, _ := strings.Cut(reason, ":")
	return strings.TrimSpace(kind)
}

func elapsed(from, to time.Time) time.Duration {
	if d := to.Sub(from); d > 0 {
		return d
	}
	return 0
}
