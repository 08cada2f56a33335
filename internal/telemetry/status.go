package telemetry

import (
	"time"

	"github.com/nadmax/robofleet/internal/movement"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// LiveStatus is the merged snapshot republished on every update. Values are never
// mutated; each With method returns a new snapshot.
type LiveStatus struct {
	RobotID   int64          `json:"robot_id"`
	Serial    string         `json:"serial,omitempty"`
	Status    string         `json:"status"`
	Battery   *float64       `json:"battery,omitempty"`
	Pose      *movement.Pose `json:"pose,omitempty"`
	Epoch     string         `json:"epoch,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (s LiveStatus) WithStatus(status, epoch string, at time.Time) LiveStatus {
	s.Status = status
	s.Epoch = epoch
	s.UpdatedAt = at
	return s
}

func (s LiveStatus) WithBattery(percentage float64, at time.Time) LiveStatus {
	s.Battery = &percentage
	s.UpdatedAt = at
	return s
}

func (s LiveStatus) WithPose(pose movement.Pose, at time.Time) LiveStatus {
	s.Pose = &pose
	s.UpdatedAt = at
	return s
}
