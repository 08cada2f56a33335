// Package worker consumes terminal task events from the broker and runs the handlers
// registered for each task status.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nadmax/robofleet/internal/broker"
	"github.com/nadmax/robofleet/internal/metrics"
	"github.com/nadmax/robofleet/internal/task"
	"github.com/nadmax/robofleet/internal/taskbridge"
	"github.com/redis/go-redis/v9"
)

const defaultMaxAttempts = 3

type EventHandler func(ctx context.Context, evt taskbridge.Event) error

type Worker struct {
	id          string
	broker      *broker.Broker
	handlers    map[task.TaskStatus]EventHandler
	stop        chan bool
	ready       chan struct{}
	retryDelay  time.Duration
	maxAttempts int
	logger      *slog.Logger
}

func NewWorker(id string, b *broker.Broker, logger *slog.Logger) *Worker {
	return &Worker{
		id:          id,
		broker:      b,
		handlers:    make(map[task.TaskStatus]EventHandler),
		stop:        make(chan bool),
		ready:       make(chan struct{}),
		retryDelay:  time.Second,
		maxAttempts: defaultMaxAttempts,
		logger:      logger.With("component", "worker", "worker_id", id),
	}
}

func (w *Worker) RegisterHandler(status task.TaskStatus, handler EventHandler) {
	w.handlers[status] = handler
}

func (w *Worker) SetRetryDelay(d time.Duration) {
	w.retryDelay = d
}

// Ready is closed once the task channels are subscribed.
func (w *Worker) Ready() <-chan struct{} {
	return w.ready
}

func (w *Worker) Start(ctx context.Context) error {
	sub := w.broker.Subscribe(ctx, broker.TaskChannels...)
	defer func() {
		if err := sub.Close(); err != nil {
			w.logger.Warn("failed to close subscription", "error", err)
		}
	}()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to task events: %w", err)
	}
	close(w.ready)
	w.logger.Info("worker started", "channels", broker.TaskChannels)

	messages := sub.Channel()
	for {
		select {
		case <-w.stop:
			w.logger.Info("worker stopped")
			return nil
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			w.processMessage(ctx, msg)
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, msg *redis.Message) {
	var evt taskbridge.Event
	if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
		metrics.RecordAlert(msg.Channel, "invalid")
		w.logger.Warn("invalid task event", "channel", msg.Channel, "error", err)
		return
	}

	handler, exists := w.handlers[evt.Status]
	if !exists {
		metrics.RecordAlert(string(evt.Status), "unhandled")
		w.logger.Debug("no handler for task status", "status", evt.Status, "task_id", evt.TaskID)
		return
	}

	for attempt := 1; ; attempt++ {
		err := handler(ctx, evt)
		if err == nil {
			metrics.RecordAlert(string(evt.Status), "handled")
			w.logger.Info("task event handled", "status", evt.Status, "task_id", evt.TaskID, "robot_id", evt.RobotID)
			return
		}

		if attempt >= w.maxAttempts {
			metrics.RecordAlert(string(evt.Status), "failed")
			w.logger.Error("task event failed permanently", "status", evt.Status, "task_id", evt.TaskID, "attempts", attempt, "error", err)
			return
		}

		w.logger.Warn("task event failed, will retry", "status", evt.Status, "task_id", evt.TaskID, "attempt", attempt, "error", err)
		select {
		case <-time.After(time.Duration(attempt) * w.retryDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) Stop() {
	w.stop <- true
}
