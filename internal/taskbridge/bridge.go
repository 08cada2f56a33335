// Package taskbridge turns planning-state telemetry into task status transitions.
//
// The dispatcher that creates a task stores its id under robot:<id>:current_task.
// The bridge reads that cross-reference, writes the terminal status exactly once and
// announces it on the matching task channel.
package taskbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/robofleet/internal/broker"
	"github.com/nadmax/robofleet/internal/frame"
	"github.com/nadmax/robofleet/internal/metrics"
	"github.com/nadmax/robofleet/internal/task"
)

type TaskStore interface {
	UpdateTaskStatus(ctx context.Context, taskID int64, status task.TaskStatus, failReason string) (bool, error)
}

type CrossReference interface {
	CurrentTask(ctx context.Context, robotID int64) (int64, bool, error)
	ClearCurrentTask(ctx context.Context, robotID int64) error
}

type LivePublisher interface {
	Set(key string, v any)
	Publish(channel string, v any)
}

// Event is published when a task reaches a terminal status.
type Event struct {
	ID         string          `json:"event_id"`
	RobotID    int64           `json:"robot_id"`
	TaskID     int64           `json:"task_id"`
	Status     task.TaskStatus `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	ActionID   string          `json:"action_id,omitempty"`
	OccurredAt time.Time       `json:"timestamp"`
}

// ChannelFor maps a terminal status to its pub/sub channel.
func ChannelFor(status task.TaskStatus) (string, bool) {
	switch status {
	case task.StatusCompleted:
		return broker.ChannelTaskCompleted, true
	case task.StatusFailed:
		return broker.ChannelTaskFailed, true
	case task.StatusCancelled:
		return broker.ChannelTaskCancelled, true
	default:
		return "", false
	}
}

type liveState struct {
	status string
	state  string
}

var liveStates = map[task.MoveState]liveState{
	task.MoveMoving:    {status: "active", state: "moving"},
	task.MoveSucceeded: {status: "idle", state: "idle"},
	task.MoveFailed:    {status: "error", state: "failed"},
	task.MoveCancelled: {status: "idle", state: "cancelled"},
}

type Bridge struct {
	store  TaskStore
	refs   CrossReference
	live   LivePublisher
	logger *slog.Logger
	now    func() time.Time
}

func NewBridge(store TaskStore, refs CrossReference, live LivePublisher, logger *slog.Logger) *Bridge {
	return &Bridge{
		store:  store,
		refs:   refs,
		live:   live,
		logger: logger.With("component", "taskbridge"),
		now:    time.Now,
	}
}

// Handle processes one planning-state frame for robotID. Returned errors have already
// been counted; the caller only needs to log them.
func (b *Bridge) Handle(ctx context.Context, robotID int64, f frame.PlanningFrame) error {
	b.live.Set(broker.PlanningStateKey(robotID), f)

	taskID, ok, err := b.refs.CurrentTask(ctx, robotID)
	if err != nil {
		metrics.RecordBrokerError("current_task")
		return fmt.Errorf("failed to read current task: %w", err)
	}
	if !ok {
		b.logger.Debug("planning state without current task", "robot_id", robotID, "move_state", f.MoveState)
		return nil
	}

	move := task.ParseMoveState(f.MoveState)
	if move == task.MoveMoving {
		b.setLive(robotID, liveStates[move])
		b.logger.Debug("task in progress", "robot_id", robotID, "task_id", taskID, "remaining_distance", f.RemainingDistance)
		return nil
	}

	status, terminal := move.TerminalStatus()
	if !terminal {
		return nil
	}

	var reason string
	if status == task.StatusFailed {
		reason = f.FailReason
	}

	changed, err := b.store.UpdateTaskStatus(ctx, taskID, status, reason)
	if err != nil {
		metrics.RecordStoreError("update_task_status")
		return fmt.Errorf("failed to update task %d to %s: %w", taskID, status, err)
	}

	if changed {
		b.setLive(robotID, liveStates[move])
		b.publish(robotID, taskID, status, reason, f)
		metrics.RecordTaskTransition(string(status))
		b.logger.Info("task finished", "robot_id", robotID, "task_id", taskID, "status", status, "reason", reason)
	} else {
		b.logger.Debug("task already terminal", "robot_id", robotID, "task_id", taskID, "move_state", f.MoveState)
	}

	if err := b.refs.ClearCurrentTask(ctx, robotID); err != nil {
		metrics.RecordBrokerError("clear_current_task")
		return fmt.Errorf("failed to clear current task: %w", err)
	}

	return nil
}

func (b *Bridge) setLive(robotID int64, ls liveState) {
	b.live.Set(broker.StatusKey(robotID), ls.status)
	b.live.Set(broker.StateKey(robotID), ls.state)
}

func (b *Bridge) publish(robotID, taskID int64, status task.TaskStatus, reason string, f frame.PlanningFrame) {
	channel, _ := ChannelFor(status)
	b.live.Publish(channel, Event{
		ID:         uuid.NewString(),
		RobotID:    robotID,
		TaskID:     taskID,
		Status:     status,
		Reason:     reason,
		ActionID:   actionID(f.ActionID),
		OccurredAt: b.now().UTC(),
	})
}

// actionID unquotes a string action id and keeps any other JSON value as its text.
func actionID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
