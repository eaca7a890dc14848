package attendance

import (
	"fmt"
	"time"

	"cctv-attendance/internal/policy"
)

// Source tells where a check-in or check-out came from.
type Source string

const (
	SourceDetection Source = "detection"
	SourceManual    Source = "manual"
	SourceImport    Source = "import"
)

// Status is the attendance status of a day record.
type Status string

const (
	StatusPresent    Status = "present"
	StatusAbsent     Status = "absent"
	StatusLate       Status = "late"
	StatusEarlyLeave Status = "early_leave"
	StatusHalfDay    Status = "half_day"
	StatusExcused    Status = "excused"
)

// Record is the attendance state of one person on one day.
type Record struct {
	ID                  string     `json:"id"`
	PersonID            string     `json:"person_id"`
	AttendanceDate      time.Time  `json:"attendance_date"`
	CheckInTime         *time.Time `json:"check_in_time,omitempty"`
	CheckInConfidence   float64    `json:"check_in_confidence"`
	CheckInSource       Source     `json:"check_in_source,omitempty"`
	CheckInDetectionID  string     `json:"check_in_detection_id,omitempty"`
	CheckInCameraID     string     `json:"check_in_camera_id,omitempty"`
	CheckOutTime        *time.Time `json:"check_out_time,omitempty"`
	CheckOutConfidence  float64    `json:"check_out_confidence"`
	CheckOutSource      Source     `json:"check_out_source,omitempty"`
	CheckOutDetectionID string     `json:"check_out_detection_id,omitempty"`
	CheckOutCameraID    string     `json:"check_out_camera_id,omitempty"`
	DurationMinutes     *int       `json:"duration_minutes,omitempty"`
	Status              Status     `json:"status"`
	IsManual            bool       `json:"is_manual"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// stamp carries the fields written for one check-in or check-out.
type stamp struct {
	At          time.Time
	Confidence  float64
	Source      Source
	DetectionID string
	CameraID    string
}

// Minutes returns whole minutes between in and out, truncated toward zero.
func Minutes(in, out time.Time) int {
	return int(out.Sub(in) / time.Minute)
}

func (r *Record) setCheckIn(s stamp) {
	at := s.At.UTC()
	r.CheckInTime = &at
	r.CheckInConfidence = s.Confidence
	r.CheckInSource = s.Source
	r.CheckInDetectionID = s.DetectionID
	r.CheckInCameraID = s.CameraID
	r.recompute()
}

func (r *Record) setCheckOut(s stamp) {
	at := s.At.UTC()
	r.CheckOutTime = &at
	r.CheckOutConfidence = s.Confidence
	r.CheckOutSource = s.Source
	r.CheckOutDetectionID = s.DetectionID
	r.CheckOutCameraID = s.CameraID
	r.recompute()
}

func (r *Record) recompute() {
	if r.CheckInTime == nil || r.CheckOutTime == nil {
		r.DurationMinutes = nil
		return
	}
	d := Minutes(*r.CheckInTime, *r.CheckOutTime)
	r.DurationMinutes = &d
}

// IsDuplicate applies the duplicate window to the time stored for action.
func (r *Record) IsDuplicate(action policy.Action, at time.Time, window time.Duration) bool {
	if r == nil {
		return false
	}
	switch action {
	case policy.ActionCheckIn:
		return policy.IsDuplicate(r.CheckInTime, at, window)
	case policy.ActionCheckOut:
		return policy.IsDuplicate(r.CheckOutTime, at, window)
	default:
		return false
	}
}

// Validate enforces the invariants every persisted record must satisfy.
func (r *Record) Validate() error {
	if r.PersonID == "" {
		return fmt.Errorf("%w: person id required", ErrConstraint)
	}
	if r.AttendanceDate.IsZero() {
		return fmt.Errorf("%w: attendance date required", ErrConstraint)
	}
	if r.CheckOutTime != nil {
		if r.CheckInTime == nil {
			return ErrOrphanCheckOut
		}
		if r.CheckOutTime.Before(*r.CheckInTime) {
			return ErrNegativeDuration
		}
		want := Minutes(*r.CheckInTime, *r.CheckOutTime)
		if r.DurationMinutes == nil || *r.DurationMinutes != want {
			return ErrDurationMismatch
		}
	} else if r.DurationMinutes != nil {
		return ErrDurationMismatch
	}
	return nil
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	if r.CheckInTime != nil {
		t := *r.CheckInTime
		out.CheckInTime = &t
	}
	if r.CheckOutTime != nil {
		t := *r.CheckOutTime
		out.CheckOutTime = &t
	}
	if r.DurationMinutes != nil {
		d := *r.DurationMinutes
		out.DurationMinutes = &d
	}
	return out
}
