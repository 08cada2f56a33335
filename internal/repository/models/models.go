// Package models contains data structures used by the fleet repository layer.
package models

import (
	"fmt"
	"time"
)

type SessionStatus string

const (
	SessionOnline  SessionStatus = "online"
	SessionOffline SessionStatus = "offline"
)

// Session is one row of robot_sessions. Duration is only set on offline rows.
type Session struct {
	ID        int64          `json:"id"`
	RobotID   int64          `json:"robot_id"`
	Status    SessionStatus  `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  *time.Duration `json:"duration,omitempty"`
	Notes     string         `json:"notes,omitempty"`
	Nickname  string         `json:"nickname,omitempty"`
}

type MovementSample struct {
	RobotID     int64     `json:"robot_id"`
	Time        time.Time `json:"time"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Orientation float64   `json:"ori"`
	Distance    float64   `json:"distance"`
}

type TaskStats struct {
	TotalTasks           int     `json:"total_tasks"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	Cancelled            int     `json:"cancelled"`
	InProgress           int     `json:"in_progress"`
	AvgCompletionSeconds float64 `json:"avg_completion_time"`
	TotalDistance        float64 `json:"total_distance"`
}

type RobotStats struct {
	RobotID               int64   `json:"robot_id"`
	TotalTasks            int     `json:"total_tasks"`
	CompletedTasks        int     `json:"completed_tasks"`
	FailedTasks           int     `json:"failed_tasks"`
	AvgTaskDistance       float64 `json:"avg_task_distance"`
	TotalDistanceTraveled float64 `json:"total_distance_traveled"`
}

type FleetAnalytics struct {
	TotalRobots     int     `json:"total_robots"`
	TasksCompleted  int     `json:"task_completed"`
	TasksInProgress int     `json:"tasks_in_progress"`
	TotalMileageKm  float64 `json:"total_mileage_km"`
	OperatingHours  float64 `json:"operating_hours"`
	AvgTaskMinutes  float64 `json:"avg_task_time_min"`
	FleetUptimePct  float64 `json:"fleet_uptime_pct"`
}

// Window is an analytics look-back period.
type Window time.Duration

const DefaultWindow = Window(24 * time.Hour)

// ParseWindow accepts 1h, 24h, 7d and 30d. An empty string yields DefaultWindow.
func ParseWindow(s string) (Window, error) {
	switch s {
	case "":
		return DefaultWindow, nil
	case "1h":
		return Window(time.Hour), nil
	case "24h":
		return Window(24 * time.Hour), nil
	case "7d":
		return Window(7 * 24 * time.Hour), nil
	case "30d":
		return Window(30 * 24 * time.Hour), nil
	default:
		return 0, fmt.Errorf("unsupported time range %q", s)
	}
}

func (w Window) Duration() time.Duration {
	return time.Duration(w)
}

// Seconds is what the SQL layer binds into interval arithmetic.
func (w Window) Seconds() float64 {
	return time.Duration(w).Seconds()
}
