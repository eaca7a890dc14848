// Package coordinator applies detections to the decision engine one at a
// time or in batches and carries out the side effects of each outcome:
// review queueing, live broadcast and metrics.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cctv-attendance/internal/attendance"
	"cctv-attendance/internal/broadcast"
	"cctv-attendance/internal/metrics"
	"cctv-attendance/internal/persons"
	"cctv-attendance/internal/policy"
	"cctv-attendance/internal/review"
)

// DefaultWorkers bounds how many persons a batch processes concurrently.
const DefaultWorkers = 8

// Engine decides detections and reviewer decisions.
type Engine interface {
	Decide(ctx context.Context, det attendance.Detection) (attendance.Outcome, error)
	Apply(ctx context.Context, m attendance.ManualDecision) (attendance.Outcome, error)
}

// RecordLister reads a person's records over a date range.
type RecordLister interface {
	ListRecords(ctx context.Context, personID string, from, to time.Time) ([]attendance.Record, error)
}

// Deps are the collaborators of a Coordinator. Publisher, People and Metrics
// may be nil.
type Deps struct {
	Engine    Engine
	Records   RecordLister
	Reviews   review.Queue
	Publisher broadcast.Publisher
	People    persons.Directory
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	engine    Engine
	records   RecordLister
	reviews   review.Queue
	publisher broadcast.Publisher
	people    persons.Directory
	metrics   *metrics.Recorder
	logger    *slog.Logger
	workers   int
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWorkers sets the batch concurrency.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator.
func New(d Deps, opts ...Option) *Coordinator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		engine:    d.Engine,
		records:   d.Records,
		reviews:   d.Reviews,
		publisher: d.Publisher,
		people:    d.People,
		metrics:   d.Metrics,
		logger:    logger.With("component", "coordinator"),
		workers:   DefaultWorkers,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decide runs one detection through the engine. A deferred detection is
// queued for review; a recorded one is broadcast.
func (c *Coordinator) Decide(ctx context.Context, det attendance.Detection) (attendance.Outcome, error) {
	if det.DetectionID == "" {
		det.DetectionID = uuid.NewString()
	}

	start := time.Now()
	out, err := c.engine.Decide(ctx, det)
	if err != nil {
		c.metrics.Error(errorClass(err))
		return nil, err
	}
	c.metrics.Decision(string(out.Kind()), reasonOf(out), time.Since(start))

	switch o := out.(type) {
	case attendance.Deferred:
		if err := c.enqueueReview(ctx, det, o); err != nil {
			return out, err
		}
	case attendance.CheckInRecorded, attendance.CheckOutRecorded:
		c.broadcast(ctx, out)
	}
	return out, nil
}

func (c *Coordinator) enqueueReview(ctx context.Context, det attendance.Detection, d attendance.Deferred) error {
	created, err := c.reviews.Enqueue(ctx, review.Item{
		DetectionID: det.DetectionID,
		PersonID:    det.PersonID,
		CameraID:    det.CameraID,
		Confidence:  det.Confidence,
		EventTime:   det.EventTime.UTC(),
		Reason:      string(d.Reason),
		ImageURL:    det.ImageURL,
	})
	if err != nil {
		c.logger.Error("review enqueue failed", "detection_id", det.DetectionID, "error", err)
		return fmt.Errorf("enqueue review: %w", err)
	}
	if created {
		c.metrics.ReviewEnqueued()
		c.logger.Info("detection deferred for review",
			"detection_id", det.DetectionID,
			"person_id", det.PersonID,
			"reason", d.Reason,
		)
	}
	return nil
}

// broadcast publishes a recorded outcome. Failures never undo the record.
func (c *Coordinator) broadcast(ctx context.Context, out attendance.Outcome) {
	if c.publisher == nil {
		return
	}
	ev, ok := broadcast.FromOutcome(out, c.now())
	if !ok {
		return
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.metrics.BroadcastFailed()
		c.logger.Warn("broadcast failed",
			"person_id", ev.PersonID,
			"attendance_id", ev.AttendanceID,
			"error", err,
		)
	}
}

// Result is the outcome of one detection in a batch. Exactly one of Outcome
// and Err is set.
type Result struct {
	DetectionID string             `json:"detection_id"`
	PersonID    string             `json:"person_id,omitempty"`
	Outcome     attendance.Outcome `json:"-"`
	Err         error              `json:"-"`
}

// BatchResult tallies a batch. Items are in input order.
type BatchResult struct {
	Total             int      `json:"total"`
	AutoMarked        int      `json:"auto_marked"`
	RequiresReview    int      `json:"requires_review"`
	RejectedDuplicate int      `json:"rejected_duplicate"`
	Rejected          int      `json:"rejected"`
	Unmatched         int      `json:"unmatched"`
	Failed            int      `json:"failed"`
	Items             []Result `json:"-"`
}

// DecideBatch decides every detection independently; one failure does not
// stop the rest. Detections of one person are applied in input order and
// different persons run concurrently. The caller's slice is not modified.
func (c *Coordinator) DecideBatch(ctx context.Context, dets []attendance.Detection) BatchResult {
	dets = slices.Clone(dets)
	res := BatchResult{Total: len(dets), Items: make([]Result, len(dets))}
	c.metrics.Batch(len(dets))

	byPerson := make(map[string][]int)
	order := make([]string, 0)
	for i, det := range dets {
		if det.DetectionID == "" {
			det.DetectionID = uuid.NewString()
			dets[i] = det
		}
		res.Items[i] = Result{DetectionID: det.DetectionID, PersonID: det.PersonID}
		if !det.Matched() {
			res.Items[i].Outcome = attendance.Rejected{Reason: attendance.ReasonNoMatch, DetectionID: det.DetectionID}
			continue
		}
		if _, ok := byPerson[det.PersonID]; !ok {
			order = append(order, det.PersonID)
		}
		byPerson[det.PersonID] = append(byPerson[det.PersonID], i)
	}

	var g errgroup.Group
	g.SetLimit(c.workers)
	for _, personID := range order {
		personID := personID
		idxs := byPerson[personID]
		g.Go(func() error {
			for _, i := range idxs {
				out, err := c.Decide(ctx, dets[i])
				res.Items[i].Outcome = out
				res.Items[i].Err = err
				if err != nil {
					res.Items[i].Outcome = nil
					c.logger.Error("batch item failed",
						"detection_id", dets[i].DetectionID,
						"person_id", personID,
						"error", err,
					)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, item := range res.Items {
		res.tally(item)
	}
	c.logger.Info("batch processed",
		"total", res.Total,
		"auto_marked", res.AutoMarked,
		"requires_review", res.RequiresReview,
		"rejected_duplicate", res.RejectedDuplicate,
		"failed", res.Failed,
	)
	return res
}

func (r *BatchResult) tally(item Result) {
	if item.Err != nil {
		r.Failed++
		return
	}
	switch o := item.Outcome.(type) {
	case attendance.CheckInRecorded, attendance.CheckOutRecorded:
		r.AutoMarked++
	case attendance.Deferred:
		r.RequiresReview++
	case attendance.Rejected:
		switch {
		case o.IsDuplicate():
			r.RejectedDuplicate++
		case o.Reason == attendance.ReasonNoMatch:
			r.Unmatched++
		default:
			r.Rejected++
		}
	}
}

// Approval is a reviewer's decision on a detection. A zero Timestamp means now.
type Approval struct {
	DetectionID string
	PersonID    string
	CameraID    string
	Action      policy.Action
	Timestamp   time.Time
}

// ManuallyApprove records a reviewer's decision. Person and camera default to
// those of the review item when the detection was queued. A recorded outcome
// resolves the review item.
func (c *Coordinator) ManuallyApprove(ctx context.Context, a Approval) (attendance.Outcome, error) {
	queued := false
	if a.DetectionID != "" {
		item, err := c.reviews.Get(ctx, a.DetectionID)
		switch {
		case err == nil:
			queued = true
			if a.PersonID == "" {
				a.PersonID = item.PersonID
			}
			if a.CameraID == "" {
				a.CameraID = item.CameraID
			}
		case !errors.Is(err, review.ErrNotFound):
			return nil, fmt.Errorf("load review item: %w", err)
		case a.PersonID == "":
			return nil, fmt.Errorf("approve %s: %w", a.DetectionID, err)
		}
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = c.now()
	}

	start := time.Now()
	out, err := c.engine.Apply(ctx, attendance.ManualDecision{
		DetectionID: a.DetectionID,
		PersonID:    a.PersonID,
		CameraID:    a.CameraID,
		Action:      a.Action,
		At:          a.Timestamp,
	})
	if err != nil {
		c.metrics.Error(errorClass(err))
		return nil, err
	}
	c.metrics.Decision(string(out.Kind()), reasonOf(out), time.Since(start))

	if attendance.Recorded(out) {
		c.broadcast(ctx, out)
		if queued {
			if err := c.reviews.Resolve(ctx, a.DetectionID); err != nil {
				c.logger.Warn("resolve review item failed", "detection_id", a.DetectionID, "error", err)
			}
		}
		c.logger.Info("manual approval recorded",
			"detection_id", a.DetectionID,
			"person_id", a.PersonID,
			"action", a.Action,
		)
	}
	return out, nil
}

// PendingReviews lists unresolved review items, oldest first.
func (c *Coordinator) PendingReviews(ctx context.Context, limit int) ([]review.Item, error) {
	return c.reviews.Pending(ctx, limit)
}

func reasonOf(o attendance.Outcome) string {
	switch o := o.(type) {
	case attendance.Rejected:
		return string(o.Reason)
	case attendance.Deferred:
		return string(o.Reason)
	default:
		return ""
	}
}

func errorClass(err error) string {
	switch {
	case attendance.IsInvalid(err):
		return "invalid"
	case attendance.IsIntegrity(err):
		return "integrity"
	default:
		return "infrastructure"
	}
}
