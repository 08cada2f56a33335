package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nadmax/robofleet/internal/broker"
	"github.com/nadmax/robofleet/internal/frame"
	"github.com/nadmax/robofleet/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]any
}

func (p *recordingPublisher) Publish(channel string, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.events == nil {
		p.events = make(map[string][]any)
	}
	p.events[channel] = append(p.events[channel], v)
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

// serveFrames accepts one connection, records the enable_topic request and writes
// frames before dropping the connection.
func serveFrames(t *testing.T, enabled chan<- []string, frames ...string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		for i := 0; i < 2; i++ {
			var ctrl map[string][]string
			if err := conn.ReadJSON(&ctrl); err != nil {
				return
			}
			if topics, ok := ctrl["enable_topic"]; ok {
				enabled <- topics
			}
		}

		for _, f := range frames {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
	}))
	t.Cleanup(srv.Close)

	return srv
}

func testConfig(addr string) telemetry.Config {
	return telemetry.Config{RobotID: 4, Serial: "SN-004", Addr: addr, ReceiveTimeout: 50 * time.Millisecond}
}

func run(t *testing.T, f *Feed) error {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not return")
		return nil
	}
}

func TestLidarFeed_ForwardsPointClouds(t *testing.T) {
	enabled := make(chan []string, 1)
	srv := serveFrames(t, enabled,
		`{"topic":"/scan_matched_points2","points":[[1,2,0],[3,4,0]]}`,
		`{"topic":"/battery_state","percentage":90}`,
		`not json`,
		`{"topic":"/scan_matched_points2","points":[]}`,
	)
	live := &recordingPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := NewLidar(testConfig(srv.URL), live, logger)
	assert.Equal(t, "lidar", f.Name())

	err := run(t, f)
	var linkErr *telemetry.LinkError
	require.True(t, errors.As(err, &linkErr), "got %v", err)

	assert.Equal(t, []string{"/scan_matched_points2"}, <-enabled)

	live.mu.Lock()
	defer live.mu.Unlock()
	forwarded := live.events[broker.ChannelLidar]
	require.Len(t, forwarded, 2)
	assert.JSONEq(t, `{"topic":"/scan_matched_points2","points":[[1,2,0],[3,4,0]]}`, string(forwarded[0].(json.RawMessage)))
}

func TestPlanningFeed_HandsFramesToBridge(t *testing.T) {
	enabled := make(chan []string, 1)
	srv := serveFrames(t, enabled,
		`{"topic":"/planning_state","move_state":"moving","remaining_distance":4}`,
		`{"topic":"/planning_state","move_state":"succeeded"}`,
	)
	tasks := &recordingTasks{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	err := run(t, NewPlanning(testConfig(srv.URL), tasks, logger))
	assert.Error(t, err)
	assert.Equal(t, []string{"/planning_state"}, <-enabled)

	tasks.mu.Lock()
	defer tasks.mu.Unlock()
	require.Len(t, tasks.frames, 2)
	assert.Equal(t, "moving", tasks.frames[0].MoveState)
	assert.Equal(t, "succeeded", tasks.frames[1].MoveState)
}

func TestFeed_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewLidar(testConfig("127.0.0.1:1"), &recordingPublisher{}, logger)

	assert.ErrorIs(t, f.Run(ctx), context.Canceled)
}
