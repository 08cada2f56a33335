// Package task defines the navigation task domain model shared by the persistence layer
// and the planning-state bridge. It contains task statuses, the motion states reported by
// the robot, and the transition rules between them.
package task

import "time"

type (
	TaskStatus string
	MoveState  string
	Task       struct {
		ID        int64      `json:"task_id"`
		RobotID   int64      `json:"robot_id"`
		LastPOI   string     `json:"last_poi"`
		TargetPOI string     `json:"target_poi"`
		Status    TaskStatus `json:"status"`
		Distance  float64    `json:"distance"`
		StartTime time.Time  `json:"start_time"`
		EndTime   *time.Time `json:"end_time,omitempty"`
		Notes     string     `json:"notes,omitempty"`
	}
)

const (
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

const (
	MoveMoving    MoveState = "moving"
	MoveSucceeded MoveState = "succeeded"
	MoveFailed    MoveState = "failed"
	MoveCancelled MoveState = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition allows only in_progress -> terminal.
func CanTransition(from, to TaskStatus) bool {
	return from == StatusInProgress && to.IsTerminal()
}

// ParseMoveState normalizes the robot's move_state string. Some firmware reports
// "succeed" instead of "succeeded".
func ParseMoveState(s string) MoveState {
	switch s {
	case "succeed", "succeeded":
		return MoveSucceeded
	default:
		return MoveState(s)
	}
}

// TerminalStatus maps a motion state to the task status it finalizes. ok is false for
// non-terminal states such as moving.
func (m MoveState) TerminalStatus() (TaskStatus, bool) {
	switch m {
	case MoveSucceeded:
		return StatusCompleted, true
	case MoveFailed:
		return StatusFailed, true
	case MoveCancelled:
		return StatusCancelled, true
	default:
		return "", false
	}
}
