package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/nadmax/robofleet/internal/broker"
	"github.com/nadmax/robofleet/internal/frame"
	"github.com/nadmax/robofleet/internal/movement"
	"github.com/nadmax/robofleet/internal/repository"
	"github.com/nadmax/robofleet/internal/repository/models"
	"github.com/nadmax/robofleet/internal/session"
	"github.com/nadmax/robofleet/internal/task"
	"github.com/nadmax/robofleet/internal/taskbridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	values map[string]any
	events []any
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{values: make(map[string]any)}
}

func (p *recordingPublisher) Set(key string, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.values[key] = v
}

func (p *recordingPublisher) Publish(channel string, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, v)
}

func (p *recordingPublisher) value(key string) any {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.values[key]
}

func (p *recordingPublisher) snapshot(robotID int64) (LiveStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.values[broker.SnapshotKey(robotID)].(LiveStatus)
	return s, ok
}

type recordingTasks struct {
	mu     sync.Mutex
	frames []frame.PlanningFrame
}

func (r *recordingTasks) Handle(ctx context.Context, robotID int64, f frame.PlanningFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames = append(r.frames, f)
	return nil
}

type script func(conn *websocket.Conn, release <-chan struct{})

// robotServer plays one script per accepted connection and drops the connection when
// the script returns.
type robotServer struct {
	upgrader websocket.Upgrader
	scripts  []script
	accepted atomic.Int32
	reject   atomic.Int32
	controls chan map[string][]string
	release  chan struct{}
}

func newRobotServer(t *testing.T, scripts ...script) (*robotServer, *httptest.Server) {
	rs := &robotServer{
		scripts:  scripts,
		controls: make(chan map[string][]string, 16),
		release:  make(chan struct{}),
	}

	srv := httptest.NewServer(http.HandlerFunc(rs.serve))
	t.Cleanup(func() {
		close(rs.release)
		srv.Close()
	})

	return rs, srv
}

func (rs *robotServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != TopicsPath {
		http.NotFound(w, r)
		return
	}
	if rs.reject.Add(-1) >= 0 {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := rs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	for i := 0; i < 2; i++ {
		var ctrl map[string][]string
		if err := conn.ReadJSON(&ctrl); err != nil {
			return
		}
		rs.controls <- ctrl
	}

	n := int(rs.accepted.Add(1)) - 1
	if n < len(rs.scripts) {
		rs.scripts[n](conn, rs.release)
	}
}

func send(conn *websocket.Conn, raw string) {
	_ = conn.WriteMessage(websocket.TextMessage, []byte(raw))
}

func dropAfter(frames ...string) script {
	return func(conn *websocket.Conn, _ <-chan struct{}) {
		for _, f := range frames {
			send(conn, f)
		}
	}
}

type linkFixture struct {
	link    *Link
	store   *repository.MockPostgresRepository
	tracker *session.Tracker
	live    *recordingPublisher
	tasks   *recordingTasks
	logger  *slog.Logger
}

func setupTestLink(t *testing.T, addr string, keepalive Keepalive) *linkFixture {
	return setupTestLinkWithLogger(t, addr, keepalive, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func setupTestLinkWithLogger(t *testing.T, addr string, keepalive Keepalive, logger *slog.Logger) *linkFixture {
	store := repository.NewMockPostgresRepository()
	registry := session.NewRegistry()
	tracker := session.NewTracker(store, registry, logger)
	live := newRecordingPublisher()
	tasks := &recordingTasks{}

	link := NewLink(Config{
		RobotID:        1,
		Serial:         "SN-001",
		Addr:           addr,
		ReceiveTimeout: 50 * time.Millisecond,
		Keepalive:      keepalive,
	}, Deps{
		Sessions: tracker,
		Registry: registry,
		Recorder: movement.NewRecorder(store),
		Tasks:    tasks,
		Live:     live,
		Logger:   logger,
	})

	return &linkFixture{link: link, store: store, tracker: tracker, live: live, tasks: tasks, logger: logger}
}

func runWithTimeout(t *testing.T, ctx context.Context, l *Link) error {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("link did not return")
		return nil
	}
}

func TestTopicsURL(t *testing.T) {
	assert.Equal(t, "ws://10.0.0.5:8090/ws/v2/topics", TopicsURL("10.0.0.5:8090"))
	assert.Equal(t, "ws://robot.local/ws/v2/topics", TopicsURL("ws://robot.local/"))
	assert.Equal(t, "ws://127.0.0.1:4000/ws/v2/topics", TopicsURL("http://127.0.0.1:4000"))
	assert.Equal(t, "wss://robot.local/ws/v2/topics", TopicsURL("wss://robot.local/ws/v2/topics"))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindClosed, classify(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.Equal(t, KindTransportError, classify(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
	assert.Equal(t, KindTransportError, classify(errors.New("broken pipe")))
}

func TestLinkError(t *testing.T) {
	cause := errors.New("eof")
	err := error(&LinkError{Kind: KindKeepaliveTimeout, Err: cause})

	var linkErr *LinkError
	require.True(t, errors.As(err, &linkErr))
	assert.Equal(t, "connection_lost: keepalive_timeout", linkErr.Reason())
	assert.True(t, errors.Is(err, cause))
}

func TestRun_SubscribesTopics(t *testing.T) {
	rs, srv := newRobotServer(t, dropAfter())
	f := setupTestLink(t, srv.URL, Keepalive{})

	_ = runWithTimeout(t, context.Background(), f.link)

	disable := <-rs.controls
	enable := <-rs.controls
	assert.Equal(t, []string{"/slam/state"}, disable["disable_topic"])
	assert.Equal(t, []string{"/battery_state", "/tracked_pose", "/planning_state"}, enable["enable_topic"])
}

func TestRun_DropAndReconnect(t *testing.T) {
	_, srv := newRobotServer(t,
		dropAfter(
			`{"topic":"/tracked_pose","pos":[0,0],"ori":0}`,
			`{"topic":"/tracked_pose","pos":[3,4],"ori":0.5}`,
			`{"topic":"/tracked_pose","pos":[`,
			`{"topic":"/battery_state","percentage":77}`,
			`{"topic":"/planning_state","move_state":"moving","remaining_distance":1.5}`,
		),
		dropAfter(
			`{"topic":"tracked_pose","pos":[10,10],"ori":0}`,
		),
	)
	f := setupTestLink(t, srv.URL, Keepalive{})
	ctx := context.Background()

	err := runWithTimeout(t, ctx, f.link)
	var linkErr *LinkError
	require.True(t, errors.As(err, &linkErr), "got %v", err)
	assert.Equal(t, KindTransportError, linkErr.Kind)

	rows := f.store.SessionRows()
	require.Len(t, rows, 1)
	first := rows[0]
	assert.Equal(t, models.SessionOffline, first.Status)
	assert.Equal(t, "disconnected: connection_lost: transport_error", first.Notes)

	snap, ok := f.live.snapshot(1)
	require.True(t, ok)
	assert.Equal(t, StatusOffline, snap.Status)
	assert.Equal(t, StatusOffline, f.live.value(broker.StatusKey(1)))
	require.NotNil(t, snap.Battery)
	assert.Equal(t, 77.0, *snap.Battery)
	require.NotNil(t, snap.Pose)
	assert.Equal(t, 3.0, snap.Pose.X)

	f.tasks.mu.Lock()
	require.Len(t, f.tasks.frames, 1)
	assert.Equal(t, "moving", f.tasks.frames[0].MoveState)
	f.tasks.mu.Unlock()

	err = runWithTimeout(t, ctx, f.link)
	require.True(t, errors.As(err, &linkErr))

	rows = f.store.SessionRows()
	require.Len(t, rows, 2)
	assert.NotEqual(t, first.ID, rows[1].ID)
	assert.Equal(t, 0, f.store.OnlineSessionCount(1))

	samples := f.store.MovementSamples()
	require.Len(t, samples, 3)
	assert.Equal(t, 0.0, samples[0].Distance)
	assert.Equal(t, 5.0, samples[1].Distance)
	assert.Equal(t, 0.0, samples[2].Distance, "first sample after reconnect starts a new epoch")
}

func TestRun_DropWhileMovingMarksStatusOffline(t *testing.T) {
	_, srv := newRobotServer(t, dropAfter(
		`{"topic":"/planning_state","move_state":"moving","remaining_distance":4}`,
	))
	f := setupTestLink(t, srv.URL, Keepalive{})

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	refs, err := broker.NewBroker(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = refs.Close() })

	f.store.AddTask(task.Task{ID: 7, RobotID: 1, Status: task.StatusInProgress})
	require.NoError(t, refs.SetCurrentTask(context.Background(), 1, 7))
	f.link.deps.Tasks = taskbridge.NewBridge(f.store, refs, f.live, f.logger)

	err = runWithTimeout(t, context.Background(), f.link)
	var linkErr *LinkError
	require.True(t, errors.As(err, &linkErr), "got %v", err)

	assert.Equal(t, "moving", f.live.value(broker.StateKey(1)))
	assert.Equal(t, StatusOffline, f.live.value(broker.StatusKey(1)), "a lost robot must not stay active")
	status, _ := f.store.GetTaskStatus(7)
	assert.Equal(t, task.StatusInProgress, status)
}

func TestRun_StatusKeyFollowsConnection(t *testing.T) {
	_, srv := newRobotServer(t, func(conn *websocket.Conn, release <-chan struct{}) {
		<-release
	})
	f := setupTestLink(t, srv.URL, Keepalive{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	online := make(chan any, 1)
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if v := f.live.value(broker.StatusKey(1)); v != nil {
				online <- v
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()

	err := runWithTimeout(t, ctx, f.link)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusOnline, <-online)
	assert.Equal(t, StatusOffline, f.live.value(broker.StatusKey(1)))
}

func TestRun_LogsRepeatedFailureOnce(t *testing.T) {
	rs, srv := newRobotServer(t, dropAfter())
	rs.reject.Store(2)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f := setupTestLinkWithLogger(t, srv.URL, Keepalive{}, logger)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := runWithTimeout(t, ctx, f.link)
		var linkErr *LinkError
		require.True(t, errors.As(err, &linkErr), "got %v", err)
		assert.Equal(t, KindTransportError, linkErr.Kind)
	}
	assert.Equal(t, 1, strings.Count(buf.String(), `msg="robot connection lost"`))
	assert.Equal(t, 1, strings.Count(buf.String(), `msg="robot still unreachable"`))

	err := runWithTimeout(t, ctx, f.link)
	var linkErr *LinkError
	require.True(t, errors.As(err, &linkErr), "got %v", err)
	assert.Equal(t, KindTransportError, linkErr.Kind)

	assert.Equal(t, 2, strings.Count(buf.String(), `msg="robot connection lost"`), "a successful connect rearms the warning")
	assert.Equal(t, 1, strings.Count(buf.String(), `msg="robot online"`))
}

func TestRun_CleanClose(t *testing.T) {
	_, srv := newRobotServer(t, func(conn *websocket.Conn, _ <-chan struct{}) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "rebooting")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})
	f := setupTestLink(t, srv.URL, Keepalive{})

	err := runWithTimeout(t, context.Background(), f.link)

	var linkErr *LinkError
	require.True(t, errors.As(err, &linkErr))
	assert.Equal(t, KindClosed, linkErr.Kind)
	assert.Equal(t, "disconnected: connection_lost: closed", f.store.SessionRows()[0].Notes)
}

func TestRun_KeepaliveTimeout(t *testing.T) {
	_, srv := newRobotServer(t, func(conn *websocket.Conn, release <-chan struct{}) {
		<-release
	})
	f := setupTestLink(t, srv.URL, Keepalive{PingInterval: 50 * time.Millisecond, PingTimeout: 50 * time.Millisecond})

	err := runWithTimeout(t, context.Background(), f.link)

	var linkErr *LinkError
	require.True(t, errors.As(err, &linkErr), "got %v", err)
	assert.Equal(t, KindKeepaliveTimeout, linkErr.Kind)
	assert.Equal(t, 0, f.store.OnlineSessionCount(1))
}

func TestRun_CancellationLeavesSessionOpen(t *testing.T) {
	_, srv := newRobotServer(t, func(conn *websocket.Conn, release <-chan struct{}) {
		send(conn, `{"topic":"/battery_state","percentage":50}`)
		<-release
	})
	f := setupTestLink(t, srv.URL, Keepalive{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if s, ok := f.live.snapshot(1); ok && s.Battery != nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()

	err := runWithTimeout(t, ctx, f.link)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.store.OnlineSessionCount(1))

	snap, ok := f.live.snapshot(1)
	require.True(t, ok)
	assert.Equal(t, StatusOffline, snap.Status)
	require.NotNil(t, snap.Battery, "offline snapshot keeps the last readings")
	assert.Equal(t, 50.0, *snap.Battery)
}

func TestRun_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := setupTestLink(t, addr, Keepalive{})

	err := runWithTimeout(t, context.Background(), f.link)
	var linkErr *LinkError
	require.True(t, errors.As(err, &linkErr))
	assert.Equal(t, KindTransportError, linkErr.Kind)
	assert.Empty(t, f.store.SessionRows())
}

func TestRun_ReusesRegisteredSession(t *testing.T) {
	_, srv := newRobotServer(t, dropAfter())
	f := setupTestLink(t, srv.URL, Keepalive{})

	id, err := f.tracker.Start(context.Background(), 1)
	require.NoError(t, err)

	_ = runWithTimeout(t, context.Background(), f.link)

	rows := f.store.SessionRows()
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID)
}

func TestLiveStatus_IsImmutable(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	base := LiveStatus{RobotID: 1, Status: StatusOnline}

	withBattery := base.WithBattery(40, at)
	withPose := withBattery.WithPose(movement.Pose{X: 1, Y: 2}, at)

	assert.Nil(t, base.Battery)
	assert.Nil(t, withBattery.Pose)
	require.NotNil(t, withPose.Battery)
	assert.Equal(t, 40.0, *withPose.Battery)

	raw, err := json.Marshal(withPose)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), `"battery":40`))
}
