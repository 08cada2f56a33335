// Package frame decodes telemetry frames sent by a robot's topic socket.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	TopicBattery      = "/battery_state"
	TopicTrackedPose  = "/tracked_pose"
	TopicPlanning     = "/planning_state"
	TopicSlamState    = "/slam/state"
	TopicLidarPoints  = "/scan_matched_points2"
	defaultFailReason = "none"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one of BatteryFrame, PoseFrame, PlanningFrame or UnknownFrame.
type Frame interface {
	Topic() string
}

type BatteryFrame struct {
	Percentage float64
	Raw        json.RawMessage
}

type PoseFrame struct {
	X           float64
	Y           float64
	Orientation float64
	Raw         json.RawMessage
}

type PlanningFrame struct {
	MoveState         string          `json:"move_state"`
	ActionID          json.RawMessage `json:"action_id,omitempty"`
	FailReason        string          `json:"fail_reason_str"`
	RemainingDistance float64         `json:"remaining_distance"`
}

// UnknownFrame carries any topic the relay does not interpret.
type UnknownFrame struct {
	Name string
	Raw  json.RawMessage
}

func (BatteryFrame) Topic() string   { return TopicBattery }
func (PoseFrame) Topic() string      { return TopicTrackedPose }
func (PlanningFrame) Topic() string  { return TopicPlanning }
func (f UnknownFrame) Topic() string { return f.Name }

type envelope struct {
	Topic string `json:"topic"`

	Percentage *float64 `json:"percentage"`

	Pos []float64 `json:"pos"`
	Ori float64   `json:"ori"`

	MoveState         string          `json:"move_state"`
	ActionID          json.RawMessage `json:"action_id"`
	FailReason        *string         `json:"fail_reason_str"`
	RemainingDistance float64         `json:"remaining_distance"`
}

// NormalizeTopic adds the leading slash some firmware versions omit.
func NormalizeTopic(topic string) string {
	if topic == "" || strings.HasPrefix(topic, "/") {
		return topic
	}
	return "/" + topic
}

// Parse decodes a raw frame. Errors wrap ErrMalformedFrame.
func Parse(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	raw := json.RawMessage(data)
	topic := NormalizeTopic(env.Topic)

	switch topic {
	case "":
		return nil, fmt.Errorf("%w: missing topic", ErrMalformedFrame)
	case TopicBattery:
		var pct float64
		if env.Percentage != nil {
			pct = *env.Percentage
		}
		return BatteryFrame{Percentage: pct, Raw: raw}, nil
	case TopicTrackedPose:
		if len(env.Pos) < 2 {
			return nil, fmt.Errorf("%w: pose has %d coordinates", ErrMalformedFrame, len(env.Pos))
		}
		return PoseFrame{X: env.Pos[0], Y: env.Pos[1], Orientation: env.Ori, Raw: raw}, nil
	case TopicPlanning:
		reason := defaultFailReason
		if env.FailReason != nil && *env.FailReason != "" {
			reason = *env.FailReason
		}
		return PlanningFrame{
			MoveState:         env.MoveState,
			ActionID:          env.ActionID,
			FailReason:        reason,
			RemainingDistance: env.RemainingDistance,
		}, nil
	default:
		return UnknownFrame{Name: topic, Raw: raw}, nil
	}
}

// EnableTopics builds the control frame that subscribes to topics.
func EnableTopics(topics ...string) map[string][]string {
	return map[string][]string{"enable_topic": topics}
}

func DisableTopics(topics ...string) map[string][]string {
	return map[string][]string{"disable_topic": topics}
}
