// Package api exposes the read-only HTTP surface over persisted fleet history, the live
// snapshots held in Redis, and the in-process session registry.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nadmax/robofleet/internal/broker"
	"github.com/nadmax/robofleet/internal/dashboard"
	"github.com/nadmax/robofleet/internal/httputil"
	"github.com/nadmax/robofleet/internal/repository"
	"github.com/nadmax/robofleet/internal/repository/models"
	"github.com/nadmax/robofleet/internal/session"
	"github.com/nadmax/robofleet/internal/task"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Store is the slice of the fleet repository the API reads from.
type Store interface {
	GetTask(ctx context.Context, taskID int64) (*task.Task, error)
	GetTaskHistory(ctx context.Context, robotID int64, limit int) ([]task.Task, error)
	GetTaskStats(ctx context.Context, robotID int64) (models.TaskStats, error)
	GetRobotStats(ctx context.Context, robotID int64) (models.RobotStats, error)
	GetSessionHistory(ctx context.Context, robotID int64, limit int) ([]models.Session, error)
	GetCurrentSessionDuration(ctx context.Context, robotID int64) (time.Duration, error)
	GetOperatingHours(ctx context.Context, robotID int64, window models.Window) (float64, error)
	GetTotalDistance(ctx context.Context, robotID int64, since time.Time) (float64, error)
	GetFleetAnalytics(ctx context.Context, window models.Window) (models.FleetAnalytics, error)
}

type API struct {
	store    Store
	broker   *broker.Broker
	registry *session.Registry
	logger   *slog.Logger
	mux      *http.ServeMux
}

type RobotStatusResponse struct {
	RobotID        int64           `json:"robot_id"`
	Online         bool            `json:"online"`
	SessionID      *int64          `json:"session_id,omitempty"`
	SessionSeconds float64         `json:"session_seconds"`
	CurrentTaskID  *int64          `json:"current_task_id,omitempty"`
	Snapshot       json.RawMessage `json:"snapshot,omitempty"`
}

type RobotStatsResponse struct {
	Tasks models.TaskStats  `json:"tasks"`
	Robot models.RobotStats `json:"robot"`
}

type OperatingHoursResponse struct {
	RobotID  int64   `json:"robot_id"`
	Window   string  `json:"window"`
	Hours    float64 `json:"hours"`
	Distance float64 `json:"distance"`
}

func NewAPI(store Store, b *broker.Broker, registry *session.Registry, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}

	api := &API{
		store:    store,
		broker:   b,
		registry: registry,
		logger:   logger,
		mux:      http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("GET /healthz", a.health)

	a.mux.HandleFunc("GET /api/robots/{id}/status", a.robotStatus)
	a.mux.HandleFunc("GET /api/robots/{id}/sessions", a.robotSessions)
	a.mux.HandleFunc("GET /api/robots/{id}/stats", a.robotStats)
	a.mux.HandleFunc("GET /api/robots/{id}/operating-hours", a.operatingHours)

	a.mux.HandleFunc("GET /api/tasks", a.listTasks)
	a.mux.HandleFunc("GET /api/tasks/{id}", a.taskByID)

	a.mux.HandleFunc("POST /api/monitors/{name}/stop", a.stopMonitor)

	dash := dashboard.NewDashboard(a.store, a.registry)
	a.mux.HandleFunc("GET /api/dashboard/fleet", dash.GetFleet)
	a.mux.HandleFunc("GET /api/dashboard/monitors", dash.GetMonitors)
}

// Handle mounts an extra handler, such as the metrics endpoint, on the API mux.
func (a *API) Handle(pattern string, h http.Handler) {
	a.mux.Handle(pattern, h)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, map[string]any{
		"status":        "ok",
		"robots_online": a.registry.OnlineCount(),
	}, http.StatusOK)
}

func (a *API) robotStatus(w http.ResponseWriter, r *http.Request) {
	robotID, ok := pathID(w, r)
	if !ok {
		return
	}

	resp := RobotStatusResponse{RobotID: robotID}
	if sessionID, online := a.registry.Session(robotID); online {
		resp.Online = true
		resp.SessionID = &sessionID
	}

	raw, found, err := a.broker.Snapshot(r.Context(), robotID)
	if err != nil {
		a.logger.Error("failed to read live snapshot", "robot_id", robotID, "error", err)
		httputil.WriteJSONError(w, "Failed to read live status", http.StatusInternalServerError)
		return
	}
	if found && json.Valid([]byte(raw)) {
		resp.Snapshot = json.RawMessage(raw)
	}

	taskID, found, err := a.broker.CurrentTask(r.Context(), robotID)
	if err != nil {
		a.logger.Warn("ignoring unreadable current task", "robot_id", robotID, "error", err)
	} else if found {
		resp.CurrentTaskID = &taskID
	}

	if resp.Online {
		d, err := a.store.GetCurrentSessionDuration(r.Context(), robotID)
		if err != nil {
			httputil.WriteJSONError(w, "Failed to load session", http.StatusInternalServerError)
			return
		}
		resp.SessionSeconds = d.Seconds()
	}

	httputil.WriteJSON(w, resp, http.StatusOK)
}

func (a *API) robotSessions(w http.ResponseWriter, r *http.Request) {
	robotID, ok := pathID(w, r)
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	sessions, err := a.store.GetSessionHistory(r.Context(), robotID, limit)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to load sessions", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}

	httputil.WriteJSON(w, sessions, http.StatusOK)
}

func (a *API) robotStats(w http.ResponseWriter, r *http.Request) {
	robotID, ok := pathID(w, r)
	if !ok {
		return
	}

	taskStats, err := a.store.GetTaskStats(r.Context(), robotID)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to load task stats", http.StatusInternalServerError)
		return
	}

	robotStats, err := a.store.GetRobotStats(r.Context(), robotID)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to load robot stats", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, RobotStatsResponse{Tasks: taskStats, Robot: robotStats}, http.StatusOK)
}

func (a *API) operatingHours(w http.ResponseWriter, r *http.Request) {
	robotID, ok := pathID(w, r)
	if !ok {
		return
	}

	windowParam := r.URL.Query().Get("window")
	window, err := models.ParseWindow(windowParam)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if windowParam == "" {
		windowParam = "24h"
	}

	hours, err := a.store.GetOperatingHours(r.Context(), robotID, window)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to load operating hours", http.StatusInternalServerError)
		return
	}

	distance, err := a.store.GetTotalDistance(r.Context(), robotID, time.Now().Add(-window.Duration()))
	if err != nil {
		httputil.WriteJSONError(w, "Failed to load distance", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, OperatingHoursResponse{
		RobotID:  robotID,
		Window:   windowParam,
		Hours:    hours,
		Distance: distance,
	}, http.StatusOK)
}

// listTasks returns recent tasks, newest first. robot_id=0 or absent lists every robot.
func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	var robotID int64
	if raw := r.URL.Query().Get("robot_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			httputil.WriteJSONError(w, "Invalid robot_id", http.StatusBadRequest)
			return
		}
		robotID = id
	}

	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	tasks, err := a.store.GetTaskHistory(r.Context(), robotID, limit)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to load tasks", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}

	httputil.WriteJSON(w, tasks, http.StatusOK)
}

func (a *API) taskByID(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r)
	if !ok {
		return
	}

	t, err := a.store.GetTask(r.Context(), taskID)
	if errors.Is(err, repository.ErrTaskNotFound) {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, "Failed to load task", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, t, http.StatusOK)
}

func (a *API) stopMonitor(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !a.registry.StopMonitor(name) {
		httputil.WriteJSONError(w, "Monitor not found", http.StatusNotFound)
		return
	}

	a.logger.Info("monitor stop requested", "monitor", name)
	httputil.WriteJSON(w, map[string]string{"monitor": name, "status": "stopping"}, http.StatusAccepted)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteJSONError(w, "Invalid id", http.StatusBadRequest)
		return 0, false
	}

	return id, true
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		httputil.WriteJSONError(w, "Invalid limit", http.StatusBadRequest)
		return 0, false
	}

	return min(limit, maxLimit), true
}
