// Package broker wraps the Redis client used for live robot state, the per-robot
// current-task cross-reference, and pub/sub fan-out.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	ChannelStatus        = "robot:status"
	ChannelPose          = "robot:pose"
	ChannelLidar         = "robot:lidar"
	ChannelTaskCompleted = "robot:task_completed"
	ChannelTaskFailed    = "robot:task_failed"
	ChannelTaskCancelled = "robot:task_cancelled"
)

// TaskChannels are the channels carrying terminal task events.
var TaskChannels = []string{ChannelTaskCompleted, ChannelTaskFailed, ChannelTaskCancelled}

func robotKey(robotID int64, field string) string {
	return "robot:" + strconv.FormatInt(robotID, 10) + ":" + field
}

func CurrentTaskKey(robotID int64) string   { return robotKey(robotID, "current_task") }
func StatusKey(robotID int64) string        { return robotKey(robotID, "status") }
func StateKey(robotID int64) string         { return robotKey(robotID, "state") }
func BatteryKey(robotID int64) string       { return robotKey(robotID, "battery") }
func PoseKey(robotID int64) string          { return robotKey(robotID, "pose") }
func PlanningStateKey(robotID int64) string { return robotKey(robotID, "planning_state") }
func SnapshotKey(robotID int64) string      { return robotKey(robotID, "snapshot") }

type Broker struct {
	client *redis.Client
}

func NewBroker(redisAddr, password string) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: password,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Broker{client: client}, nil
}

func (b *Broker) Set(ctx context.Context, key string, value any) error {
	return b.client.Set(ctx, key, value, 0).Err()
}

// Get returns ok=false when the key does not exist.
func (b *Broker) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	return val, true, nil
}

func (b *Broker) Del(ctx context.Context, keys ...string) error {
	return b.client.Del(ctx, keys...).Err()
}

func (b *Broker) Publish(ctx context.Context, channel string, payload any) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *Broker) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return b.client.Subscribe(ctx, channels...)
}

// CurrentTask reads the cross-reference naming the task the robot is working on.
// A missing key is not an error.
func (b *Broker) CurrentTask(ctx context.Context, robotID int64) (int64, bool, error) {
	raw, ok, err := b.Get(ctx, CurrentTaskKey(robotID))
	if err != nil || !ok {
		return 0, false, err
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid task id %q under %s: %w", raw, CurrentTaskKey(robotID), err)
	}

	return id, true, nil
}

// SetCurrentTask is what the dispatcher calls after creating a task.
func (b *Broker) SetCurrentTask(ctx context.Context, robotID, taskID int64) error {
	return b.Set(ctx, CurrentTaskKey(robotID), strconv.FormatInt(taskID, 10))
}

func (b *Broker) ClearCurrentTask(ctx context.Context, robotID int64) error {
	return b.Del(ctx, CurrentTaskKey(robotID))
}

// Snapshot returns the last published live-status JSON for the robot.
func (b *Broker) Snapshot(ctx context.Context, robotID int64) (string, bool, error) {
	return b.Get(ctx, SnapshotKey(robotID))
}

func (b *Broker) Close() error {
	return b.client.Close()
}
