package attendance

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"cctv-attendance/internal/persons"
	"cctv-attendance/internal/policy"
)

// ManualConfidence is stored for check-ins and check-outs a reviewer approved.
const ManualConfidence = 1.0

// Service turns detections into attendance decisions against a Store.
type Service struct {
	store  Store
	people persons.Directory
	policy atomic.Pointer[policy.Config]
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now, used to default manual approval timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a service. cfg must already be validated.
func NewService(store Store, people persons.Directory, cfg policy.Config, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  store,
		people: people,
		now:    time.Now,
		logger: logger.With("component", "attendance"),
	}
	s.policy.Store(&cfg)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the active policy.
func (s *Service) Policy() policy.Config {
	return *s.policy.Load()
}

// SetPolicy validates cfg and swaps it in for subsequent decisions.
func (s *Service) SetPolicy(cfg policy.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.policy.Store(&cfg)
	s.logger.Info("policy updated",
		"review_threshold", cfg.ReviewThreshold,
		"auto_threshold", cfg.AutoThreshold,
		"check_in_before", cfg.CheckInBefore,
		"check_out_from", cfg.CheckOutFrom,
		"duplicate_window", cfg.DuplicateWindow,
		"timezone", cfg.Timezone,
	)
	return nil
}

// Decide classifies one detection and, when it is auto-accepted and
// unambiguous, applies it to the person's day record.
func (s *Service) Decide(ctx context.Context, det Detection) (Outcome, error) {
	if err := det.Validate(); err != nil {
		return nil, err
	}
	if !det.Matched() {
		return Rejected{Reason: ReasonNoMatch, DetectionID: det.DetectionID}, nil
	}

	cfg := s.Policy()

	// Gate and heuristic never write, so they run before taking the lock.
	switch cfg.Gate().Classify(det.Confidence) {
	case policy.Reject:
		return Rejected{Reason: ReasonLowConfidence, PersonID: det.PersonID, DetectionID: det.DetectionID}, nil
	case policy.NeedsReview:
		return Deferred{Reason: DeferBelowAutoThreshold, PersonID: det.PersonID, DetectionID: det.DetectionID, Confidence: det.Confidence}, nil
	}

	action := cfg.Window().InferAction(det.EventTime)
	if action == policy.ActionAmbiguous {
		return Deferred{Reason: DeferMidDayAmbiguous, PersonID: det.PersonID, DetectionID: det.DetectionID, Confidence: det.Confidence}, nil
	}

	return s.record(ctx, cfg, entry{
		personID: det.PersonID,
		action:   action,
		stamp: stamp{
			At:          det.EventTime,
			Confidence:  det.Confidence,
			Source:      SourceDetection,
			DetectionID: det.DetectionID,
			CameraID:    det.CameraID,
		},
	})
}

// Apply records a reviewer's decision. The confidence gate and time-of-day
// heuristic are skipped; duplicate suppression still applies.
func (s *Service) Apply(ctx context.Context, m ManualDecision) (Outcome, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	if m.At.IsZero() {
		m.At = s.now()
	}

	return s.record(ctx, s.Policy(), entry{
		personID: m.PersonID,
		action:   m.Action,
		manual:   true,
		stamp: stamp{
			At:          m.At,
			Confidence:  ManualConfidence,
			Source:      SourceManual,
			DetectionID: m.DetectionID,
			CameraID:    m.CameraID,
		},
	})
}

type entry struct {
	personID string
	action   policy.Action
	manual   bool
	stamp    stamp
}

func (s *Service) record(ctx context.Context, cfg policy.Config, e entry) (Outcome, error) {
	date := cfg.AttendanceDate(e.stamp.At)

	var out Outcome
	err := s.store.WithRecordLock(ctx, e.personID, date, func(tx Tx) error {
		existing, err := tx.GetRecord(ctx, e.personID, date)
		if err != nil {
			return err
		}
		switch e.action {
		case policy.ActionCheckIn:
			out, err = s.checkIn(ctx, tx, cfg, date, existing, e)
		case policy.ActionCheckOut:
			out, err = s.checkOut(ctx, tx, cfg, existing, e)
		default:
			err = fmt.Errorf("%w: action %q", ErrInvalidDecision, e.action)
		}
		return err
	})
	if err != nil {
		s.logger.Error("attendance decision failed",
			"person_id", e.personID,
			"detection_id", e.stamp.DetectionID,
			"action", e.action,
			"error", err,
		)
		return nil, err
	}

	switch o := out.(type) {
	case CheckInRecorded:
		o.PersonName = persons.DisplayName(ctx, s.people, e.personID)
		s.logger.Info("check-in recorded",
			"person_id", e.personID,
			"detection_id", e.stamp.DetectionID,
			"confidence", e.stamp.Confidence,
			"manual", e.manual,
			"created", o.Created,
		)
		return o, nil
	case CheckOutRecorded:
		o.PersonName = persons.DisplayName(ctx, s.people, e.personID)
		s.logger.Info("check-out recorded",
			"person_id", e.personID,
			"detection_id", e.stamp.DetectionID,
			"confidence", e.stamp.Confidence,
			"manual", e.manual,
			"duration_minutes", *o.Record.DurationMinutes,
		)
		return o, nil
	case Rejected:
		s.logger.Debug("attendance rejected", "person_id", e.personID, "detection_id", e.stamp.DetectionID, "reason", o.Reason)
	}
	return out, nil
}

func (s *Service) checkIn(ctx context.Context, tx Tx, cfg policy.Config, date time.Time, existing *Record, e entry) (Outcome, error) {
	reject := func(reason RejectReason) (Outcome, error) {
		return Rejected{Reason: reason, PersonID: e.personID, DetectionID: e.stamp.DetectionID, RecordID: existing.ID}, nil
	}

	if existing == nil {
		rec := Record{
			PersonID:       e.personID,
			AttendanceDate: date,
			Status:         StatusPresent,
			IsManual:       e.manual,
		}
		rec.setCheckIn(e.stamp)
		created, err := tx.CreateRecord(ctx, rec)
		if err != nil {
			return nil, err
		}
		return CheckInRecorded{Record: created, Created: true}, nil
	}

	if existing.IsDuplicate(policy.ActionCheckIn, e.stamp.At, cfg.DuplicateWindow) {
		return reject(ReasonDuplicateCheckIn)
	}
	if cfg.KeepEarliestCheckIn && existing.CheckInTime != nil && e.stamp.At.After(*existing.CheckInTime) {
		return reject(ReasonLaterThanExistingCheckIn)
	}
	if existing.CheckOutTime != nil && e.stamp.At.After(*existing.CheckOutTime) {
		return reject(ReasonCheckInAfterCheckOut)
	}

	rec := existing.Clone()
	rec.setCheckIn(e.stamp)
	rec.Status = StatusPresent
	rec.IsManual = rec.IsManual || e.manual
	updated, err := tx.UpdateRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	return CheckInRecorded{Record: updated}, nil
}

func (s *Service) checkOut(ctx context.Context, tx Tx, cfg policy.Config, existing *Record, e entry) (Outcome, error) {
	if existing == nil || existing.CheckInTime == nil {
		out := Rejected{Reason: ReasonNoPriorCheckIn, PersonID: e.personID, DetectionID: e.stamp.DetectionID}
		if existing != nil {
			out.RecordID = existing.ID
		}
		return out, nil
	}

	reject := func(reason RejectReason) (Outcome, error) {
		return Rejected{Reason: reason, PersonID: e.personID, DetectionID: e.stamp.DetectionID, RecordID: existing.ID}, nil
	}

	if existing.IsDuplicate(policy.ActionCheckOut, e.stamp.At, cfg.DuplicateWindow) {
		return reject(ReasonDuplicateCheckOut)
	}
	if e.stamp.At.Before(*existing.CheckInTime) {
		return reject(ReasonCheckOutBeforeCheckIn)
	}

	rec := existing.Clone()
	rec.setCheckOut(e.stamp)
	rec.IsManual = rec.IsManual || e.manual
	updated, err := tx.UpdateRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	return CheckOutRecorded{Record: updated}, nil
}
