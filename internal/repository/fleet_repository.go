// Package repository defines the fleet persistence contract and an in-memory
// implementation used by tests across the module.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nadmax/robofleet/internal/repository/models"
	"github.com/nadmax/robofleet/internal/task"
)

var (
	ErrRobotNotFound = errors.New("robot not found")
	ErrTaskNotFound  = errors.New("task not found")

	// ErrSessionNotOpen is returned by CloseSession when the row was already offline.
	ErrSessionNotOpen = errors.New("session not open")
)

type FleetRepository interface {
	GetRobotIDBySerial(ctx context.Context, serial string) (int64, error)
	LatestOnlineSession(ctx context.Context, robotID int64) (*models.Session, error)
	OpenSession(ctx context.Context, robotID int64, at time.Time) (int64, error)
	CloseSession(ctx context.Context, sessionID int64, at time.Time, duration time.Duration, notes string) error
	RecordMovement(ctx context.Context, sample models.MovementSample) error
	UpdateTaskStatus(ctx context.Context, taskID int64, status task.TaskStatus, failReason string) (bool, error)
	GetTask(ctx context.Context, taskID int64) (*task.Task, error)
	GetTaskHistory(ctx context.Context, robotID int64, limit int) ([]task.Task, error)
	GetTaskStats(ctx context.Context, robotID int64) (models.TaskStats, error)
	GetRobotStats(ctx context.Context, robotID int64) (models.RobotStats, error)
	GetSessionHistory(ctx context.Context, robotID int64, limit int) ([]models.Session, error)
	GetCurrentSessionDuration(ctx context.Context, robotID int64) (time.Duration, error)
	GetOperatingHours(ctx context.Context, robotID int64, window models.Window) (float64, error)
	GetTotalDistance(ctx context.Context, robotID int64, since time.Time) (float64, error)
	GetFleetAnalytics(ctx context.Context, window models.Window) (models.FleetAnalytics, error)
	CountTasksByStatus(ctx context.Context) (map[task.TaskStatus]int, error)
	Close() error
}
