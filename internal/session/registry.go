package session

import (
	"sort"
	"sync"
	"time"
)

type MonitorState string

const (
	MonitorStarting MonitorState = "starting"
	MonitorRunning  MonitorState = "running"
	MonitorBackoff  MonitorState = "backoff"
	MonitorStopped  MonitorState = "stopped"
	MonitorFailed   MonitorState = "failed"
)

// Monitor is a point-in-time view of one supervised loop.
type Monitor struct {
	Name      string       `json:"name"`
	RobotID   int64        `json:"robot_id"`
	State     MonitorState `json:"state"`
	Restarts  int          `json:"restarts"`
	LastError string       `json:"last_error,omitempty"`
	Since     time.Time    `json:"since"`
}

type monitorEntry struct {
	Monitor
	stop func()
}

// Registry tracks which session each robot currently holds and the monitors running
// for it. It is shared by the links, the supervisors and the read API.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]int64
	monitors map[string]*monitorEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[int64]int64),
		monitors: make(map[string]*monitorEntry),
	}
}

func (r *Registry) SetSession(robotID, sessionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[robotID] = sessionID
}

func (r *Registry) ClearSession(robotID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, robotID)
}

func (r *Registry) Session(robotID int64) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.sessions[robotID]
	return id, ok
}

// Robots returns the ids of robots holding a session, in ascending order.
func (r *Registry) Robots() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// RegisterMonitor adds or replaces a monitor. stop may be nil.
func (r *Registry) RegisterMonitor(name string, robotID int64, stop func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.monitors[name] = &monitorEntry{
		Monitor: Monitor{
			Name:    name,
			RobotID: robotID,
			State:   MonitorStarting,
			Since:   time.Now().UTC(),
		},
		stop: stop,
	}
}

func (r *Registry) UpdateMonitor(name string, state MonitorState, restarts int, lastErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.monitors[name]
	if !ok {
		return
	}

	if m.State != state {
		m.Since = time.Now().UTC()
	}
	m.State = state
	m.Restarts = restarts
	if lastErr != nil {
		m.LastError = lastErr.Error()
	}
}

func (r *Registry) Monitors() []Monitor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Monitor, 0, len(r.monitors))
	for _, m := range r.monitors {
		out = append(out, m.Monitor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// StopMonitor asks a monitor to stop. It reports false for unknown names.
func (r *Registry) StopMonitor(name string) bool {
	r.mu.RLock()
	m, ok := r.monitors[name]
	r.mu.RUnlock()

	if !ok || m.stop == nil {
		return false
	}

	m.stop()
	return true
}
