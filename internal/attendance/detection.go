package attendance

import (
	"fmt"
	"time"

	"cctv-attendance/internal/policy"
)

// Detection is a single recognition result from a camera frame.
// PersonID is empty when the matcher found no confident match.
type Detection struct {
	DetectionID string    `json:"detection_id"`
	CameraID    string    `json:"camera_id"`
	PersonID    string    `json:"person_id,omitempty"`
	Confidence  float64   `json:"confidence"`
	EventTime   time.Time `json:"event_time"`
	ImageURL    string    `json:"image_url,omitempty"`
}

// Matched reports whether the detection names a person.
func (d Detection) Matched() bool {
	return d.PersonID != ""
}

// Validate rejects detections the engine cannot reason about.
func (d Detection) Validate() error {
	if !(d.Confidence >= 0 && d.Confidence <= 1) {
		return fmt.Errorf("%w: confidence %.3f out of [0,1]", ErrInvalidDetection, d.Confidence)
	}
	if d.EventTime.IsZero() {
		return fmt.Errorf("%w: event time required", ErrInvalidDetection)
	}
	return nil
}

// ManualDecision is a reviewer's explicit attendance action.
type ManualDecision struct {
	DetectionID string
	PersonID    string
	CameraID    string
	Action      policy.Action
	At          time.Time
}

func (m ManualDecision) validate() error {
	if m.PersonID == "" {
		return fmt.Errorf("%w: person id required", ErrInvalidDecision)
	}
	if m.Action != policy.ActionCheckIn && m.Action != policy.ActionCheckOut {
		return fmt.Errorf("%w: action %q", ErrInvalidDecision, m.Action)
	}
	return nil
}
