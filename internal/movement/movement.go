// Package movement turns pose telemetry into append-only movement samples.
package movement

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nadmax/robofleet/internal/repository/models"
)

type Pose struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Orientation float64 `json:"ori"`
}

// Distance is the planar Euclidean distance between two poses. Orientation is ignored.
func Distance(a, b Pose) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

type SampleWriter interface {
	RecordMovement(ctx context.Context, sample models.MovementSample) error
}

// Recorder is stateless: the caller owns the previous pose of the current epoch.
type Recorder struct {
	store SampleWriter
	now   func() time.Time
}

func NewRecorder(store SampleWriter) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Record appends a sample for pose. prev is the previous pose of the same connection
// epoch, or nil for the first one, in which case the sample distance is 0.
func (r *Recorder) Record(ctx context.Context, robotID int64, pose Pose, prev *Pose) (float64, error) {
	var distance float64
	if prev != nil {
		distance = Distance(*prev, pose)
	}

	sample := models.MovementSample{
		RobotID:     robotID,
		Time:        r.now().UTC(),
		X:           pose.X,
		Y:           pose.Y,
		Orientation: pose.Orientation,
		Distance:    distance,
	}
	if err := r.store.RecordMovement(ctx, sample); err != nil {
		return distance, fmt.Errorf("failed to record movement: %w", err)
	}

	return distance, nil
}
