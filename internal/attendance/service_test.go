package attendance_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"cctv-attendance/internal/attendance"
	"cctv-attendance/internal/persons"
	"cctv-attendance/internal/policy"
)

var day = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func newService(t *testing.T, opts ...attendance.Option) (*attendance.Service, *attendance.MemoryStore) {
	t.Helper()
	store := attendance.NewMemoryStore()
	dir := persons.NewStatic(
		persons.Person{ID: "P1", DisplayName: "Ada Lovelace"},
		persons.Person{ID: "P3", DisplayName: "Grace Hopper"},
	)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return attendance.NewService(store, dir, policy.Default(), logger, opts...), store
}

func detection(id, person string, confidence float64, when time.Time) attendance.Detection {
	return attendance.Detection{
		DetectionID: id,
		CameraID:    "CAM-1",
		PersonID:    person,
		Confidence:  confidence,
		EventTime:   when,
	}
}

func decide(t *testing.T, svc *attendance.Service, det attendance.Detection) attendance.Outcome {
	t.Helper()
	out, err := svc.Decide(context.Background(), det)
	if err != nil {
		t.Fatalf("Decide(%s) error = %v", det.DetectionID, err)
	}
	return out
}

func records(t *testing.T, store *attendance.MemoryStore, person string) []attendance.Record {
	t.Helper()
	recs, err := store.ListRecords(context.Background(), person, day.AddDate(0, 0, -1), day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("ListRecords(%s) error = %v", person, err)
	}
	return recs
}

func wantRejected(t *testing.T, out attendance.Outcome, reason attendance.RejectReason) {
	t.Helper()
	r, ok := out.(attendance.Rejected)
	if !ok {
		t.Fatalf("outcome = %#v, want Rejected(%s)", out, reason)
	}
	if r.Reason != reason {
		t.Errorf("reason = %s, want %s", r.Reason, reason)
	}
}

func wantDeferred(t *testing.T, out attendance.Outcome, reason attendance.DeferReason) {
	t.Helper()
	d, ok := out.(attendance.Deferred)
	if !ok {
		t.Fatalf("outcome = %#v, want Deferred(%s)", out, reason)
	}
	if d.Reason != reason {
		t.Errorf("reason = %s, want %s", d.Reason, reason)
	}
}

func TestScenarioCheckInDuplicateCheckOut(t *testing.T) {
	svc, store := newService(t)

	out := decide(t, svc, detection("D1", "P1", 0.85, at(8, 0)))
	in, ok := out.(attendance.CheckInRecorded)
	if !ok {
		t.Fatalf("outcome = %#v, want CheckInRecorded", out)
	}
	if !in.Created {
		t.Error("Created = false, want true")
	}
	if in.PersonName != "Ada Lovelace" {
		t.Errorf("PersonName = %q, want %q", in.PersonName, "Ada Lovelace")
	}
	if in.Record.Status != attendance.StatusPresent {
		t.Errorf("Status = %s, want %s", in.Record.Status, attendance.StatusPresent)
	}
	if !in.Record.CheckInTime.Equal(at(8, 0)) {
		t.Errorf("CheckInTime = %v, want %v", in.Record.CheckInTime, at(8, 0))
	}
	if in.Record.CheckInSource != attendance.SourceDetection {
		t.Errorf("CheckInSource = %s, want %s", in.Record.CheckInSource, attendance.SourceDetection)
	}

	wantRejected(t, decide(t, svc, detection("D2", "P1", 0.85, at(8, 2))), attendance.ReasonDuplicateCheckIn)
	recs := records(t, store, "P1")
	if len(recs) != 1 || !recs[0].CheckInTime.Equal(at(8, 0)) {
		t.Fatalf("record changed after duplicate: %+v", recs)
	}

	out = decide(t, svc, detection("D3", "P1", 0.90, at(17, 0)))
	co, ok := out.(attendance.CheckOutRecorded)
	if !ok {
		t.Fatalf("outcome = %#v, want CheckOutRecorded", out)
	}
	if co.Record.DurationMinutes == nil || *co.Record.DurationMinutes != 540 {
		t.Errorf("DurationMinutes = %v, want 540", co.Record.DurationMinutes)
	}
	if co.Record.CheckOutConfidence != 0.90 {
		t.Errorf("CheckOutConfidence = %v, want 0.90", co.Record.CheckOutConfidence)
	}
}

func TestScenarioLowConfidence(t *testing.T) {
	svc, store := newService(t)

	for _, h := range []int{8, 13, 17} {
		wantRejected(t, decide(t, svc, detection(fmt.Sprintf("D%d", h), "P2", 0.55, at(h, 0))), attendance.ReasonLowConfidence)
	}
	if store.Len() != 0 {
		t.Errorf("store has %d records, want 0", store.Len())
	}
}

func TestScenarioMidDayDeferredThenApproved(t *testing.T) {
	svc, store := newService(t)

	wantDeferred(t, decide(t, svc, detection("D5", "P3", 0.75, at(13, 30))), attendance.DeferMidDayAmbiguous)
	if store.Len() != 0 {
		t.Fatalf("store has %d records after defer, want 0", store.Len())
	}

	out, err := svc.Apply(context.Background(), attendance.ManualDecision{
		DetectionID: "D5",
		PersonID:    "P3",
		Action:      policy.ActionCheckIn,
		At:          at(13, 30),
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	in, ok := out.(attendance.CheckInRecorded)
	if !ok {
		t.Fatalf("outcome = %#v, want CheckInRecorded", out)
	}
	if !in.Record.IsManual {
		t.Error("IsManual = false, want true")
	}
	if in.Record.CheckInSource != attendance.SourceManual {
		t.Errorf("CheckInSource = %s, want %s", in.Record.CheckInSource, attendance.SourceManual)
	}
	if in.Record.CheckInConfidence != attendance.ManualConfidence {
		t.Errorf("CheckInConfidence = %v, want %v", in.Record.CheckInConfidence, attendance.ManualConfidence)
	}
}

func TestScenarioCheckOutWithoutCheckIn(t *testing.T) {
	svc, store := newService(t)

	wantRejected(t, decide(t, svc, detection("D6", "P4", 0.92, at(17, 0))), attendance.ReasonNoPriorCheckIn)
	if store.Len() != 0 {
		t.Errorf("store has %d records, want 0", store.Len())
	}
}

func TestBelowAutoThresholdDeferred(t *testing.T) {
	svc, store := newService(t)

	wantDeferred(t, decide(t, svc, detection("D1", "P1", 0.65, at(8, 0))), attendance.DeferBelowAutoThreshold)
	if store.Len() != 0 {
		t.Errorf("store has %d records, want 0", store.Len())
	}
}

func TestUnmatchedDetectionRejected(t *testing.T) {
	svc, _ := newService(t)
	wantRejected(t, decide(t, svc, detection("D1", "", 0.99, at(8, 0))), attendance.ReasonNoMatch)
}

func TestInvalidDetection(t *testing.T) {
	svc, store := newService(t)

	tests := []attendance.Detection{
		detection("D1", "P1", 1.5, at(8, 0)),
		detection("D2", "P1", -0.1, at(8, 0)),
		detection("D3", "P1", 0.9, time.Time{}),
		detection("D4", "P1", math.NaN(), at(8, 0)),
	}
	for _, det := range tests {
		_, err := svc.Decide(context.Background(), det)
		if !errors.Is(err, attendance.ErrInvalidDetection) {
			t.Errorf("Decide(%s) error = %v, want %v", det.DetectionID, err, attendance.ErrInvalidDetection)
		}
	}
	if store.Len() != 0 {
		t.Errorf("store.Len() = %d, want 0", store.Len())
	}
}

func TestDuplicateIdempotenceEitherOrder(t *testing.T) {
	first := detection("D1", "P1", 0.85, at(8, 0))
	second := detection("D2", "P1", 0.85, at(8, 3))

	for _, order := range [][]attendance.Detection{{first, second}, {second, first}} {
		svc, store := newService(t)
		var recorded, duplicates int
		for _, det := range order {
			switch o := decide(t, svc, det).(type) {
			case attendance.CheckInRecorded:
				recorded++
			case attendance.Rejected:
				if o.Reason == attendance.ReasonDuplicateCheckIn {
					duplicates++
				}
			}
		}
		if recorded != 1 || duplicates != 1 {
			t.Errorf("order %s,%s: recorded = %d, duplicates = %d, want 1 and 1",
				order[0].DetectionID, order[1].DetectionID, recorded, duplicates)
		}
		if store.Len() != 1 {
			t.Errorf("store has %d records, want 1", store.Len())
		}
	}
}

func TestDuplicateCheckOut(t *testing.T) {
	svc, _ := newService(t)

	decide(t, svc, detection("D1", "P1", 0.85, at(8, 0)))
	decide(t, svc, detection("D2", "P1", 0.85, at(17, 0)))
	wantRejected(t, decide(t, svc, detection("D3", "P1", 0.85, at(17, 4))), attendance.ReasonDuplicateCheckOut)
	wantRejected(t, decide(t, svc, detection("D4", "P1", 0.85, at(16, 56))), attendance.ReasonDuplicateCheckOut)
}

func TestCheckOutCorrectionRecomputesDuration(t *testing.T) {
	svc, store := newService(t)

	decide(t, svc, detection("D1", "P1", 0.85, at(8, 0)))
	decide(t, svc, detection("D2", "P1", 0.85, at(17, 0)))
	out := decide(t, svc, detection("D3", "P1", 0.85, at(18, 30)))

	co, ok := out.(attendance.CheckOutRecorded)
	if !ok {
		t.Fatalf("outcome = %#v, want CheckOutRecorded", out)
	}
	if *co.Record.DurationMinutes != 630 {
		t.Errorf("DurationMinutes = %d, want 630", *co.Record.DurationMinutes)
	}

	recs := records(t, store, "P1")
	if *recs[0].DurationMinutes != attendance.Minutes(*recs[0].CheckInTime, *recs[0].CheckOutTime) {
		t.Errorf("stored duration %d is stale", *recs[0].DurationMinutes)
	}
}

func TestDurationFloorsPartialMinutes(t *testing.T) {
	svc, _ := newService(t)

	decide(t, svc, detection("D1", "P1", 0.85, at(8, 0).Add(30*time.Second)))
	out := decide(t, svc, detection("D2", "P1", 0.85, at(17, 0)))

	co := out.(attendance.CheckOutRecorded)
	if *co.Record.DurationMinutes != 539 {
		t.Errorf("DurationMinutes = %d, want 539", *co.Record.DurationMinutes)
	}
}

func TestCheckInOverwriteOutsideWindow(t *testing.T) {
	svc, store := newService(t)

	decide(t, svc, detection("D1", "P1", 0.85, at(8, 0)))
	out := decide(t, svc, detection("D2", "P1", 0.95, at(9, 0)))

	in, ok := out.(attendance.CheckInRecorded)
	if !ok {
		t.Fatalf("outcome = %#v, want CheckInRecorded", out)
	}
	if in.Created {
		t.Error("Created = true, want false for an overwrite")
	}
	recs := records(t, store, "P1")
	if len(recs) != 1 || !recs[0].CheckInTime.Equal(at(9, 0)) || recs[0].CheckInDetectionID != "D2" {
		t.Errorf("record = %+v, want check-in overwritten by D2 at 09:00", recs)
	}
}

func TestCheckInOverwriteRecomputesDuration(t *testing.T) {
	svc, store := newService(t)

	decide(t, svc, detection("D1", "P1", 0.85, at(9, 0)))
	decide(t, svc, detection("D2", "P1", 0.85, at(17, 0)))
	decide(t, svc, detection("D3", "P1", 0.85, at(7, 30)))

	recs := records(t, store, "P1")
	if *recs[0].DurationMinutes != 570 {
		t.Errorf("DurationMinutes = %d, want 570", *recs[0].DurationMinutes)
	}
}

func TestCheckInAfterCheckOutRejected(t *testing.T) {
	svc, _ := newService(t)

	decide(t, svc, detection("D1", "P1", 0.85, at(8, 0)))
	if _, err := svc.Apply(context.Background(), attendance.ManualDecision{PersonID: "P1", Action: policy.ActionCheckOut, At: at(10, 0)}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	wantRejected(t, decide(t, svc, detection("D3", "P1", 0.85, at(11, 0))), attendance.ReasonCheckInAfterCheckOut)
}

func TestKeepEarliestCheckIn(t *testing.T) {
	svc, store := newService(t)
	cfg := svc.Policy()
	cfg.KeepEarliestCheckIn = true
	if err := svc.SetPolicy(cfg); err != nil {
		t.Fatalf("SetPolicy() error = %v", err)
	}

	decide(t, svc, detection("D1", "P1", 0.85, at(8, 0)))
	wantRejected(t, decide(t, svc, detection("D2", "P1", 0.85, at(9, 0))), attendance.ReasonLaterThanExistingCheckIn)

	if _, ok := decide(t, svc, detection("D3", "P1", 0.85, at(7, 0))).(attendance.CheckInRecorded); !ok {
		t.Error("earlier check-in was not recorded")
	}
	recs := records(t, store, "P1")
	if !recs[0].CheckInTime.Equal(at(7, 0)) {
		t.Errorf("CheckInTime = %v, want 07:00", recs[0].CheckInTime)
	}
}

func TestManualCheckOutBeforeCheckInRejected(t *testing.T) {
	svc, store := newService(t)

	decide(t, svc, detection("D1", "P1", 0.85, at(10, 0)))
	out, err := svc.Apply(context.Background(), attendance.ManualDecision{PersonID: "P1", Action: policy.ActionCheckOut, At: at(9, 0)})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	wantRejected(t, out, attendance.ReasonCheckOutBeforeCheckIn)
	if recs := records(t, store, "P1"); recs[0].CheckOutTime != nil {
		t.Errorf("CheckOutTime = %v, want nil", recs[0].CheckOutTime)
	}
}

func TestManualApprovalStillSuppressesDuplicates(t *testing.T) {
	svc, _ := newService(t)

	decide(t, svc, detection("D1", "P1", 0.85, at(8, 0)))
	out, err := svc.Apply(context.Background(), attendance.ManualDecision{PersonID: "P1", Action: policy.ActionCheckIn, At: at(8, 1)})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	wantRejected(t, out, attendance.ReasonDuplicateCheckIn)
}

func TestManualApprovalDefaultsToClock(t *testing.T) {
	now := at(9, 15)
	svc, _ := newService(t, attendance.WithClock(func() time.Time { return now }))

	out, err := svc.Apply(context.Background(), attendance.ManualDecision{PersonID: "P1", Action: policy.ActionCheckIn})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	in := out.(attendance.CheckInRecorded)
	if !in.Record.CheckInTime.Equal(now) {
		t.Errorf("CheckInTime = %v, want %v", in.Record.CheckInTime, now)
	}
}

func TestManualDecisionValidation(t *testing.T) {
	svc, _ := newService(t)

	tests := []attendance.ManualDecision{
		{Action: policy.ActionCheckIn, At: at(8, 0)},
		{PersonID: "P1", Action: policy.ActionAmbiguous, At: at(8, 0)},
		{PersonID: "P1", Action: "lunch", At: at(8, 0)},
	}
	for _, m := range tests {
		if _, err := svc.Apply(context.Background(), m); !errors.Is(err, attendance.ErrInvalidDecision) {
			t.Errorf("Apply(%+v) error = %v, want %v", m, err, attendance.ErrInvalidDecision)
		}
	}
}

func TestUnknownPersonNameFallsBackToID(t *testing.T) {
	svc, _ := newService(t)

	out := decide(t, svc, detection("D1", "P9", 0.85, at(8, 0)))
	if in := out.(attendance.CheckInRecorded); in.PersonName != "P9" {
		t.Errorf("PersonName = %q, want %q", in.PersonName, "P9")
	}
}

func TestSetPolicyChangesThresholds(t *testing.T) {
	svc, _ := newService(t)

	cfg := svc.Policy()
	cfg.ReviewThreshold = 0.5
	cfg.AutoThreshold = 0.55
	if err := svc.SetPolicy(cfg); err != nil {
		t.Fatalf("SetPolicy() error = %v", err)
	}
	if _, ok := decide(t, svc, detection("D1", "P1", 0.56, at(8, 0))).(attendance.CheckInRecorded); !ok {
		t.Error("0.56 not auto-accepted after lowering thresholds")
	}

	cfg.ReviewThreshold = 0.9
	if err := svc.SetPolicy(cfg); err == nil {
		t.Error("SetPolicy() accepted review threshold above auto threshold")
	}
}

func TestConfidenceMonotonicOutcome(t *testing.T) {
	rank := func(o attendance.Outcome) int {
		switch o := o.(type) {
		case attendance.Rejected:
			if o.Reason == attendance.ReasonLowConfidence {
				return 0
			}
			return 2
		case attendance.Deferred:
			return 1
		default:
			return 2
		}
	}

	prev := -1
	for _, c := range []float64{0.1, 0.59, 0.6, 0.65, 0.69, 0.7, 0.9, 1.0} {
		svc, _ := newService(t)
		r := rank(decide(t, svc, detection("D", "P1", c, at(8, 0))))
		if r < prev {
			t.Fatalf("confidence %v produced a stricter outcome than a lower confidence", c)
		}
		prev = r
	}
}

func TestConcurrentCheckInsCreateOneRecord(t *testing.T) {
	svc, store := newService(t)

	const n = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		recorded int
		created  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := svc.Decide(context.Background(), detection(fmt.Sprintf("D%d", i), "P1", 0.85, at(8, 0)))
			if err != nil {
				t.Errorf("Decide error = %v", err)
				return
			}
			if in, ok := out.(attendance.CheckInRecorded); ok {
				mu.Lock()
				recorded++
				if in.Created {
					created++
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if store.Len() != 1 {
		t.Errorf("store has %d records, want 1", store.Len())
	}
	if recorded != 1 || created != 1 {
		t.Errorf("recorded = %d, created = %d, want 1 and 1", recorded, created)
	}
}

func TestConcurrentPersonsIndependent(t *testing.T) {
	svc, store := newService(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			person := fmt.Sprintf("P%d", i)
			if _, err := svc.Decide(context.Background(), detection("in-"+person, person, 0.9, at(8, 0))); err != nil {
				t.Errorf("Decide error = %v", err)
			}
			if _, err := svc.Decide(context.Background(), detection("out-"+person, person, 0.9, at(17, 0))); err != nil {
				t.Errorf("Decide error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if store.Len() != 20 {
		t.Errorf("store has %d records, want 20", store.Len())
	}
}

func TestCancelledContextWritesNothing(t *testing.T) {
	svc, store := newService(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Decide(ctx, detection("D1", "P1", 0.85, at(8, 0))); !errors.Is(err, context.Canceled) {
		t.Errorf("Decide error = %v, want %v", err, context.Canceled)
	}
	if store.Len() != 0 {
		t.Errorf("store has %d records, want 0", store.Len())
	}
}
