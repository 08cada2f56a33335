package repository

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/robofleet/internal/repository/models"
	"github.com/nadmax/robofleet/internal/task"
)

// MockPostgresRepository is an in-memory FleetRepository that records every write.
// It enforces the same row-level rules as the SQL implementation: a partial unique
// index on open sessions and the in_progress guard on task transitions.
type MockPostgresRepository struct {
	mu                    sync.Mutex
	Robots                map[string]int64
	Sessions              []models.Session
	Movements             []models.MovementSample
	Tasks                 map[int64]*task.Task
	UpdateTaskStatusCalls []UpdateTaskStatusCall
	CloseSessionCalls     []CloseSessionCall
	nextSessionID         int64
	GetRobotError         error
	OpenSessionError      error
	CloseSessionError     error
	RecordMovementError   error
	UpdateTaskStatusError error
	QueryError            error
}

type UpdateTaskStatusCall struct {
	TaskID     int64
	Status     task.TaskStatus
	FailReason string
}

type CloseSessionCall struct {
	SessionID int64
	Duration  time.Duration
	Notes     string
}

var _ FleetRepository = (*MockPostgresRepository)(nil)

func NewMockPostgresRepository() *MockPostgresRepository {
	return &MockPostgresRepository{
		Robots: make(map[string]int64),
		Tasks:  make(map[int64]*task.Task),
	}
}

func (m *MockPostgresRepository) AddRobot(serial string, id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Robots[serial] = id
}

func (m *MockPostgresRepository) AddTask(t task.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	taskCopy := t
	m.Tasks[t.ID] = &taskCopy
}

func (m *MockPostgresRepository) GetRobotIDBySerial(ctx context.Context, serial string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRobotError != nil {
		return 0, m.GetRobotError
	}

	id, ok := m.Robots[serial]
	if !ok {
		return 0, ErrRobotNotFound
	}

	return id, nil
}

func (m *MockPostgresRepository) LatestOnlineSession(ctx context.Context, robotID int64) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryError != nil {
		return nil, m.QueryError
	}

	var latest *models.Session
	for i := range m.Sessions {
		s := m.Sessions[i]
		if s.RobotID != robotID || s.Status != models.SessionOnline {
			continue
		}
		if latest == nil || !s.Timestamp.Before(latest.Timestamp) {
			sessionCopy := s
			latest = &sessionCopy
		}
	}

	return latest, nil
}

func (m *MockPostgresRepository) OpenSession(ctx context.Context, robotID int64, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.OpenSessionError != nil {
		return 0, m.OpenSessionError
	}

	for _, s := range m.Sessions {
		if s.RobotID == robotID && s.Status == models.SessionOnline {
			return 0, fmt.Errorf("duplicate open session for robot %d", robotID)
		}
	}

	m.nextSessionID++
	m.Sessions = append(m.Sessions, models.Session{
		ID:        m.nextSessionID,
		RobotID:   robotID,
		Status:    models.SessionOnline,
		Timestamp: at,
	})

	return m.nextSessionID, nil
}

func (m *MockPostgresRepository) CloseSession(ctx context.Context, sessionID int64, at time.Time, duration time.Duration, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseSessionCalls = append(m.CloseSessionCalls, CloseSessionCall{
		SessionID: sessionID,
		Duration:  duration,
		Notes:     notes,
	})

	if m.CloseSessionError != nil {
		return m.CloseSessionError
	}

	for i := range m.Sessions {
		s := &m.Sessions[i]
		if s.ID == sessionID && s.Status == models.SessionOnline {
			d := duration
			s.Status = models.SessionOffline
			s.Duration = &d
			s.Notes = notes
			return nil
		}
	}

	return ErrSessionNotOpen
}

func (m *MockPostgresRepository) RecordMovement(ctx context.Context, sample models.MovementSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RecordMovementError != nil {
		return m.RecordMovementError
	}

	m.Movements = append(m.Movements, sample)
	return nil
}

func (m *MockPostgresRepository) UpdateTaskStatus(ctx context.Context, taskID int64, status task.TaskStatus, failReason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateTaskStatusCalls = append(m.UpdateTaskStatusCalls, UpdateTaskStatusCall{
		TaskID:     taskID,
		Status:     status,
		FailReason: failReason,
	})

	if m.UpdateTaskStatusError != nil {
		return false, m.UpdateTaskStatusError
	}

	t, exists := m.Tasks[taskID]
	if !exists || !task.CanTransition(t.Status, status) {
		return false, nil
	}

	now := time.Now()
	t.Status = status
	t.EndTime = &now
	if failReason != "" {
		t.Notes = "Failed: " + failReason
	}

	return true, nil
}

func (m *MockPostgresRepository) GetTask(ctx context.Context, taskID int64) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryError != nil {
		return nil, m.QueryError
	}

	t, exists := m.Tasks[taskID]
	if !exists {
		return nil, ErrTaskNotFound
	}

	taskCopy := *t
	return &taskCopy, nil
}

func (m *MockPostgresRepository) GetTaskHistory(ctx context.Context, robotID int64, limit int) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryError != nil {
		return nil, m.QueryError
	}

	var tasks []task.Task
	for _, t := range m.Tasks {
		if robotID == 0 || t.RobotID == robotID {
			tasks = append(tasks, *t)
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].StartTime.After(tasks[j].StartTime)
	})

	if len(tasks) > limit {
		tasks = tasks[:limit]
	}

	return tasks, nil
}

func (m *MockPostgresRepository) GetTaskStats(ctx context.Context, robotID int64) (models.TaskStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats models.TaskStats
	if m.QueryError != nil {
		return stats, m.QueryError
	}

	for _, t := range m.Tasks {
		if robotID != 0 && t.RobotID != robotID {
			continue
		}

		stats.TotalTasks++
		stats.TotalDistance += t.Distance
		switch t.Status {
		case task.StatusCompleted:
			stats.Completed++
		case task.StatusFailed:
			stats.Failed++
		case task.StatusCancelled:
			stats.Cancelled++
		case task.StatusInProgress:
			stats.InProgress++
		}
	}

	return stats, nil
}

func (m *MockPostgresRepository) GetRobotStats(ctx context.Context, robotID int64) (models.RobotStats, error) {
	stats, err := m.GetTaskStats(ctx, robotID)
	if err != nil {
		return models.RobotStats{}, err
	}

	total, err := m.GetTotalDistance(ctx, robotID, time.Time{})
	if err != nil {
		return models.RobotStats{}, err
	}

	avg := 0.0
	if stats.TotalTasks > 0 {
		avg = stats.TotalDistance / float64(stats.TotalTasks)
	}

	return models.RobotStats{
		RobotID:               robotID,
		TotalTasks:            stats.TotalTasks,
		CompletedTasks:        stats.Completed,
		FailedTasks:           stats.Failed,
		AvgTaskDistance:       avg,
		TotalDistanceTraveled: total,
	}, nil
}

func (m *MockPostgresRepository) GetSessionHistory(ctx context.Context, robotID int64, limit int) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryError != nil {
		return nil, m.QueryError
	}

	var sessions []models.Session
	for i := len(m.Sessions) - 1; i >= 0 && len(sessions) < limit; i-- {
		if robotID == 0 || m.Sessions[i].RobotID == robotID {
			sessions = append(sessions, m.Sessions[i])
		}
	}

	return sessions, nil
}

func (m *MockPostgresRepository) GetCurrentSessionDuration(ctx context.Context, robotID int64) (time.Duration, error) {
	s, err := m.LatestOnlineSession(ctx, robotID)
	if err != nil || s == nil {
		return 0, err
	}

	return time.Since(s.Timestamp), nil
}

func (m *MockPostgresRepository) GetOperatingHours(ctx context.Context, robotID int64, window models.Window) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryError != nil {
		return 0, m.QueryError
	}

	cutoff := time.Now().Add(-window.Duration())
	var total time.Duration
	for _, s := range m.Sessions {
		if robotID != 0 && s.RobotID != robotID {
			continue
		}
		if s.Status == models.SessionOffline && s.Duration != nil && !s.Timestamp.Before(cutoff) {
			total += *s.Duration
		}
	}

	return total.Hours(), nil
}

func (m *MockPostgresRepository) GetTotalDistance(ctx context.Context, robotID int64, since time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryError != nil {
		return 0, m.QueryError
	}

	total := 0.0
	for _, s := range m.Movements {
		if s.RobotID == robotID && !s.Time.Before(since) {
			total += s.Distance
		}
	}

	return total, nil
}

func (m *MockPostgresRepository) GetFleetAnalytics(ctx context.Context, window models.Window) (models.FleetAnalytics, error) {
	stats, err := m.GetTaskStats(ctx, 0)
	if err != nil {
		return models.FleetAnalytics{}, err
	}

	hours, err := m.GetOperatingHours(ctx, 0, window)
	if err != nil {
		return models.FleetAnalytics{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	meters := 0.0
	for _, s := range m.Movements {
		meters += s.Distance
	}

	return models.FleetAnalytics{
		TotalRobots:     len(m.Robots),
		TasksCompleted:  stats.Completed,
		TasksInProgress: stats.InProgress,
		TotalMileageKm:  math.Round(meters/1000*100) / 100,
		OperatingHours:  hours,
	}, nil
}

func (m *MockPostgresRepository) CountTasksByStatus(ctx context.Context) (map[task.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryError != nil {
		return nil, m.QueryError
	}

	counts := make(map[task.TaskStatus]int)
	for _, t := range m.Tasks {
		counts[t.Status]++
	}

	return counts, nil
}

func (m *MockPostgresRepository) Close() error {
	return nil
}

func (m *MockPostgresRepository) GetUpdateTaskStatusCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.UpdateTaskStatusCalls)
}

func (m *MockPostgresRepository) GetTaskStatus(taskID int64) (task.TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, exists := m.Tasks[taskID]; exists {
		return t.Status, true
	}

	return "", false
}

// OnlineSessionCount is the number of open rows for robotID.
func (m *MockPostgresRepository) OnlineSessionCount(robotID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.Sessions {
		if s.RobotID == robotID && s.Status == models.SessionOnline {
			n++
		}
	}

	return n
}

func (m *MockPostgresRepository) SessionRows() []models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]models.Session, len(m.Sessions))
	copy(rows, m.Sessions)
	return rows
}

func (m *MockPostgresRepository) MovementSamples() []models.MovementSample {
	m.mu.Lock()
	defer m.mu.Unlock()

	samples := make([]models.MovementSample, len(m.Movements))
	copy(samples, m.Movements)
	return samples
}

func (m *MockPostgresRepository) GetCloseSessionCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.CloseSessionCalls)
}
