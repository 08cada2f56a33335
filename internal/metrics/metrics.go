// Package metrics provides Prometheus metrics for monitoring the robot telemetry relay.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robofleet_frames_received_total",
			Help: "Total number of telemetry frames received by topic",
		},
		[]string{"robot", "topic"},
	)
	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robofleet_frames_dropped_total",
			Help: "Total number of telemetry frames dropped",
		},
		[]string{"robot", "reason"},
	)
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robofleet_sessions_started_total",
			Help: "Total number of robot sessions opened",
		},
		[]string{"robot"},
	)
	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robofleet_sessions_ended_total",
			Help: "Total number of robot sessions closed by reason",
		},
		[]string{"robot", "reason"},
	)
	SessionsAutoClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robofleet_sessions_auto_closed_total",
			Help: "Stale online sessions closed when a new session started",
		},
		[]string{"robot"},
	)
	MonitorRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robofleet_monitor_restarts_total",
			Help: "Total number of monitor restarts after a failure",
		},
		[]string{"monitor"},
	)
	TaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robofleet_task_transitions_total",
			Help: "Terminal task transitions written from planning state",
		},
		[]string{"status"},
	)
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robofleet_store_errors_total",
			Help: "Failed persistence calls by operation",
		},
		[]string{"op"},
	)
	BrokerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robofleet_broker_errors_total",
			Help: "Failed broker calls by operation",
		},
		[]string{"op"},
	)
	PublishDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "robofleet_publish_dropped_total",
			Help: "Live updates dropped because the publish buffer was full",
		},
	)
	DistanceTravelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robofleet_distance_meters_total",
			Help: "Distance accrued from pose telemetry",
		},
		[]string{"robot"},
	)
	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robofleet_alerts_total",
			Help: "Task alerts handled by result",
		},
		[]string{"event", "result"},
	)
	RobotsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "robofleet_robots_online",
			Help: "Number of robots with an open session",
		},
	)
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "robofleet_tasks",
			Help: "Tasks in the store by status",
		},
		[]string{"status"},
	)
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "robofleet_session_duration_seconds",
			Help:    "Length of closed robot sessions",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 4 * 3600, 12 * 3600, 24 * 3600},
		},
		[]string{"robot"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robofleet_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "robofleet_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func robotLabel(robotID int64) string {
	return strconv.FormatInt(robotID, 10)
}

func RecordFrame(robotID int64, topic string) {
	FramesReceived.WithLabelValues(robotLabel(robotID), topic).Inc()
}

func RecordFrameDropped(robotID int64, reason string) {
	FramesDropped.WithLabelValues(robotLabel(robotID), reason).Inc()
}

func RecordSessionStarted(robotID int64, autoClosed bool) {
	SessionsStarted.WithLabelValues(robotLabel(robotID)).Inc()
	if autoClosed {
		SessionsAutoClosed.WithLabelValues(robotLabel(robotID)).Inc()
	}
}

// RecordSessionEnded labels by reason kind, the part before the first colon, to keep
// cardinality bounded.
func RecordSessionEnded(robotID int64, reasonKind string, duration time.Duration) {
	SessionsEnded.WithLabelValues(robotLabel(robotID), reasonKind).Inc()
	SessionDuration.WithLabelValues(robotLabel(robotID)).Observe(duration.Seconds())
}

func RecordMonitorRestart(monitor string) {
	MonitorRestarts.WithLabelValues(monitor).Inc()
}

func RecordTaskTransition(status string) {
	TaskTransitions.WithLabelValues(status).Inc()
}

func RecordStoreError(op string) {
	StoreErrors.WithLabelValues(op).Inc()
}

func RecordBrokerError(op string) {
	BrokerErrors.WithLabelValues(op).Inc()
}

func RecordPublishDropped() {
	PublishDropped.Inc()
}

func RecordDistance(robotID int64, meters float64) {
	if meters > 0 {
		DistanceTravelled.WithLabelValues(robotLabel(robotID)).Add(meters)
	}
}

func RecordAlert(event, result string) {
	AlertsSent.WithLabelValues(event, result).Inc()
}

func UpdateRobotsOnline(count int) {
	RobotsOnline.Set(float64(count))
}

func UpdateTaskGauges(counts map[string]int) {
	TasksByStatus.Reset()
	for status, n := range counts {
		TasksByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
