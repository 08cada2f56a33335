// Package postgres provides the PostgreSQL-backed implementation of the fleet repository.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/robofleet/internal/repository"
	"github.com/nadmax/robofleet/internal/repository/models"
	"github.com/nadmax/robofleet/internal/task"
)

//go:embed schema.sql
var schema string

type PostgresFleetRepository struct {
	db *sql.DB
}

var _ repository.FleetRepository = (*PostgresFleetRepository)(nil)

func NewPostgresFleetRepository(connectionString string) (*PostgresFleetRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresFleetRepository{db: db}, nil
}

// Migrate creates the fleet tables if they do not exist.
func (r *PostgresFleetRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	return nil
}

func (r *PostgresFleetRepository) GetRobotIDBySerial(ctx context.Context, serial string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM robots WHERE sn = $1`, serial).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, repository.ErrRobotNotFound
	}
	if err != nil {
		return 0, err
	}

	return id, nil
}

// LatestOnlineSession returns nil without error when the robot has no open session.
func (r *PostgresFleetRepository) LatestOnlineSession(ctx context.Context, robotID int64) (*models.Session, error) {
	query := `
		SELECT id, robot_id, status, timestamp, COALESCE(notes, '')
		FROM robot_sessions
		WHERE robot_id = $1 AND status = 'online'
		ORDER BY timestamp DESC
		LIMIT 1
	`

	var s models.Session
	err := r.db.QueryRowContext(ctx, query, robotID).Scan(
		&s.ID,
		&s.RobotID,
		&s.Status,
		&s.Timestamp,
		&s.Notes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &s, nil
}

func (r *PostgresFleetRepository) OpenSession(ctx context.Context, robotID int64, at time.Time) (int64, error) {
	query := `
		INSERT INTO robot_sessions (robot_id, status, timestamp)
		VALUES ($1, 'online', $2)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, query, robotID, at).Scan(&id)

	return id, err
}

// CloseSession turns an online row offline. Rows that are already offline are left
// untouched and reported as repository.ErrSessionNotOpen.
func (r *PostgresFleetRepository) CloseSession(ctx context.Context, sessionID int64, at time.Time, duration time.Duration, notes string) error {
	query := `
		UPDATE robot_sessions
		SET status = 'offline',
		    ended_at = $2,
		    duration_ms = $3,
		    notes = $4
		WHERE id = $1 AND status = 'online'
	`
	result, err := r.db.ExecContext(ctx, query, sessionID, at, duration.Milliseconds(), notes)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return repository.ErrSessionNotOpen
	}

	return nil
}

func (r *PostgresFleetRepository) RecordMovement(ctx context.Context, sample models.MovementSample) error {
	query := `
		INSERT INTO robot_movement (time, robot_id, x, y, ori, distance)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		sample.Time,
		sample.RobotID,
		sample.X,
		sample.Y,
		sample.Orientation,
		sample.Distance,
	)

	return err
}

// UpdateTaskStatus moves an in_progress task to status. It reports false when no row
// changed, which means the task is unknown or already terminal.
func (r *PostgresFleetRepository) UpdateTaskStatus(ctx context.Context, taskID int64, status task.TaskStatus, failReason string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("refusing non-terminal status %q for task %d", status, taskID)
	}

	var notes any
	if failReason != "" {
		notes = "Failed: " + failReason
	}

	query := `
		UPDATE tasks_history
		SET status = $1,
		    end_time = NOW(),
		    notes = COALESCE($2, notes)
		WHERE task_id = $3 AND status = 'in_progress'
	`
	res, err := r.db.ExecContext(ctx, query, string(status), notes, taskID)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (r *PostgresFleetRepository) GetTask(ctx context.Context, taskID int64) (*task.Task, error) {
	query := `
		SELECT task_id, robot_id, COALESCE(last_poi, ''), COALESCE(target_poi, ''), status,
		       COALESCE(distance, 0), start_time, end_time, COALESCE(notes, '')
		FROM tasks_history
		WHERE task_id = $1
	`

	t, err := scanTask(r.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	return t, nil
}

// GetTaskHistory lists tasks newest first. robotID 0 selects every robot.
func (r *PostgresFleetRepository) GetTaskHistory(ctx context.Context, robotID int64, limit int) ([]task.Task, error) {
	query := `
		SELECT task_id, robot_id, COALESCE(last_poi, ''), COALESCE(target_poi, ''), status,
		       COALESCE(distance, 0), start_time, end_time, COALESCE(notes, '')
		FROM tasks_history
		WHERE ($1::bigint = 0 OR robot_id = $1)
		ORDER BY start_time DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, robotID, limit)
	if err != nil {
		return nil, err
	}

	defer closeRows(rows)

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, *t)
	}

	return tasks, rows.Err()
}

func (r *PostgresFleetRepository) GetTaskStats(ctx context.Context, robotID int64) (models.TaskStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN status = 'completed'
				THEN EXTRACT(EPOCH FROM (end_time - start_time))
				ELSE NULL END), 0),
			COALESCE(SUM(distance), 0)
		FROM tasks_history
		WHERE ($1::bigint = 0 OR robot_id = $1)
	`

	var s models.TaskStats
	err := r.db.QueryRowContext(ctx, query, robotID).Scan(
		&s.TotalTasks,
		&s.Completed,
		&s.Failed,
		&s.Cancelled,
		&s.InProgress,
		&s.AvgCompletionSeconds,
		&s.TotalDistance,
	)

	return s, err
}

func (r *PostgresFleetRepository) GetRobotStats(ctx context.Context, robotID int64) (models.RobotStats, error) {
	stats := models.RobotStats{RobotID: robotID}

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(distance), 0)
		FROM tasks_history
		WHERE robot_id = $1
	`, robotID).Scan(
		&stats.TotalTasks,
		&stats.CompletedTasks,
		&stats.FailedTasks,
		&stats.AvgTaskDistance,
	)
	if err != nil {
		return stats, err
	}

	stats.TotalDistanceTraveled, err = r.GetTotalDistance(ctx, robotID, time.Time{})

	return stats, err
}

// GetSessionHistory lists online/offline events newest first. robotID 0 selects every
// robot and joins the robot nickname.
func (r *PostgresFleetRepository) GetSessionHistory(ctx context.Context, robotID int64, limit int) ([]models.Session, error) {
	query := `
		SELECT rs.id, rs.robot_id, rs.status, rs.timestamp, rs.duration_ms,
		       COALESCE(rs.notes, ''), COALESCE(r.nickname, '')
		FROM robot_sessions rs
		LEFT JOIN robots r ON rs.robot_id = r.id
		WHERE ($1::bigint = 0 OR rs.robot_id = $1)
		ORDER BY rs.timestamp DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, robotID, limit)
	if err != nil {
		return nil, err
	}

	defer closeRows(rows)

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		var durationMs sql.NullInt64
		if err := rows.Scan(
			&s.ID,
			&s.RobotID,
			&s.Status,
			&s.Timestamp,
			&durationMs,
			&s.Notes,
			&s.Nickname,
		); err != nil {
			return nil, err
		}

		if durationMs.Valid {
			d := time.Duration(durationMs.Int64) * time.Millisecond
			s.Duration = &d
		}

		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// GetCurrentSessionDuration is zero when the robot's latest event is not online.
func (r *PostgresFleetRepository) GetCurrentSessionDuration(ctx context.Context, robotID int64) (time.Duration, error) {
	var status string
	var ts time.Time
	err := r.db.QueryRowContext(ctx, `
		SELECT status, timestamp
		FROM robot_sessions
		WHERE robot_id = $1
		ORDER BY timestamp DESC
		LIMIT 1
	`, robotID).Scan(&status, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if models.SessionStatus(status) != models.SessionOnline {
		return 0, nil
	}

	return time.Since(ts), nil
}

// GetOperatingHours sums the durations of closed sessions inside window. robotID 0
// covers the whole fleet.
func (r *PostgresFleetRepository) GetOperatingHours(ctx context.Context, robotID int64, window models.Window) (float64, error) {
	query := `
		SELECT COALESCE(SUM(duration_ms) / 3600000.0, 0)
		FROM robot_sessions
		WHERE ($1::bigint = 0 OR robot_id = $1)
		AND status = 'offline'
		AND timestamp >= NOW() - INTERVAL '1 second' * $2
	`

	var hours float64
	err := r.db.QueryRowContext(ctx, query, robotID, window.Seconds()).Scan(&hours)

	return hours, err
}

// GetTotalDistance sums movement distance since the given time; a zero time means all
// recorded history.
func (r *PostgresFleetRepository) GetTotalDistance(ctx context.Context, robotID int64, since time.Time) (float64, error) {
	var total float64
	var err error
	if since.IsZero() {
		err = r.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(distance), 0)
			FROM robot_movement
			WHERE robot_id = $1
		`, robotID).Scan(&total)
	} else {
		err = r.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(distance), 0)
			FROM robot_movement
			WHERE robot_id = $1 AND time >= $2
		`, robotID, since).Scan(&total)
	}

	return total, err
}

func (r *PostgresFleetRepository) GetFleetAnalytics(ctx context.Context, window models.Window) (models.FleetAnalytics, error) {
	var a models.FleetAnalytics
	secs := window.Seconds()

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM robots`).Scan(&a.TotalRobots); err != nil {
		return a, fmt.Errorf("failed to count robots: %w", err)
	}

	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks_history
		WHERE status = 'completed'
		AND start_time >= NOW() - INTERVAL '1 second' * $1
	`, secs).Scan(&a.TasksCompleted); err != nil {
		return a, fmt.Errorf("failed to count completed tasks: %w", err)
	}

	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks_history WHERE status = 'in_progress'
	`).Scan(&a.TasksInProgress); err != nil {
		return a, fmt.Errorf("failed to count in-progress tasks: %w", err)
	}

	var meters float64
	if err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(distance), 0) FROM robot_movement
		WHERE time >= NOW() - INTERVAL '1 second' * $1
	`, secs).Scan(&meters); err != nil {
		return a, fmt.Errorf("failed to sum mileage: %w", err)
	}
	a.TotalMileageKm = meters / 1000.0

	operating, err := r.GetOperatingHours(ctx, 0, window)
	if err != nil {
		return a, fmt.Errorf("failed to sum operating hours: %w", err)
	}
	a.OperatingHours = operating

	var taskHours float64
	if err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(EXTRACT(EPOCH FROM (end_time - start_time))) / 3600, 0),
			COALESCE(AVG(EXTRACT(EPOCH FROM (end_time - start_time)) / 60), 0)
		FROM tasks_history
		WHERE status = 'completed'
		AND start_time >= NOW() - INTERVAL '1 second' * $1
	`, secs).Scan(&taskHours, &a.AvgTaskMinutes); err != nil {
		return a, fmt.Errorf("failed to sum task hours: %w", err)
	}

	a.FleetUptimePct = UptimePercent(taskHours, operating)

	return a, nil
}

func (r *PostgresFleetRepository) CountTasksByStatus(ctx context.Context) (map[task.TaskStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks_history GROUP BY status`)
	if err != nil {
		return nil, err
	}

	defer closeRows(rows)

	counts := make(map[task.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}

		counts[task.TaskStatus(status)] = n
	}

	return counts, rows.Err()
}

func (r *PostgresFleetRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresFleetRepository) Close() error {
	return r.db.Close()
}

// UptimePercent is task time over online time, rounded to one decimal.
func UptimePercent(taskHours, operatingHours float64) float64 {
	if operatingHours <= 0 {
		return 0
	}

	pct := taskHours / operatingHours * 100
	return float64(int64(pct*10+0.5)) / 10
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var status string
	var endTime sql.NullTime

	if err := row.Scan(
		&t.ID,
		&t.RobotID,
		&t.LastPOI,
		&t.TargetPOI,
		&status,
		&t.Distance,
		&t.StartTime,
		&endTime,
		&t.Notes,
	); err != nil {
		return nil, err
	}

	t.Status = task.TaskStatus(status)
	if endTime.Valid {
		t.EndTime = &endTime.Time
	}

	return &t, nil
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "error", err)
	}
}
