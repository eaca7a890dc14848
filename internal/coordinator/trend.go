package coordinator

import (
	"context"
	"fmt"
	"time"

	"cctv-attendance/internal/attendance"
	"cctv-attendance/internal/persons"
)

// TrendWindowDays is the look-back of AttendanceRateTrend.
const TrendWindowDays = 30

// Band classifies an attendance rate.
type Band string

const (
	BandFrequent Band = "frequent"
	BandRegular  Band = "regular"
	BandSporadic Band = "sporadic"
	BandRare     Band = "rare"
)

// BandFor returns the band of a rate in percent.
func BandFor(rate float64) Band {
	switch {
	case rate > 90:
		return BandFrequent
	case rate >= 70:
		return BandRegular
	case rate >= 40:
		return BandSporadic
	default:
		return BandRare
	}
}

// Insight summarises a person's attendance over the trend window.
type Insight struct {
	PersonID               string                    `json:"person_id"`
	PersonName             string                    `json:"person_name"`
	From                   time.Time                 `json:"from"`
	To                     time.Time                 `json:"to"`
	TotalDays              int                       `json:"total_days"`
	TotalRecords           int                       `json:"total_records"`
	PresentDays            int                       `json:"present_days"`
	AbsentDays             int                       `json:"absent_days"`
	LateDays               int                       `json:"late_days"`
	StatusBreakdown        map[attendance.Status]int `json:"status_breakdown"`
	Rate                   float64                   `json:"attendance_rate"`
	Band                   Band                      `json:"band"`
	TotalDurationMinutes   int                       `json:"total_duration_minutes"`
	AverageDurationMinutes int                       `json:"average_duration_minutes"`
}

// AttendanceRateTrend aggregates the person's records of the last
// TrendWindowDays days. It only reads.
func (c *Coordinator) AttendanceRateTrend(ctx context.Context, personID string) (Insight, error) {
	to := c.now().UTC()
	from := to.AddDate(0, 0, -TrendWindowDays)
	fromDate := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)

	recs, err := c.records.ListRecords(ctx, personID, fromDate, to)
	if err != nil {
		return Insight{}, fmt.Errorf("list attendance records: %w", err)
	}

	in := Insight{
		PersonID:        personID,
		PersonName:      persons.DisplayName(ctx, c.people, personID),
		From:            from,
		To:              to,
		TotalDays:       TrendWindowDays,
		TotalRecords:    len(recs),
		StatusBreakdown: make(map[attendance.Status]int),
	}
	for _, rec := range recs {
		in.StatusBreakdown[rec.Status]++
		if rec.DurationMinutes != nil {
			in.TotalDurationMinutes += *rec.DurationMinutes
		}
	}
	in.PresentDays = in.StatusBreakdown[attendance.StatusPresent]
	in.AbsentDays = in.StatusBreakdown[attendance.StatusAbsent]
	in.LateDays = in.StatusBreakdown[attendance.StatusLate]
	if len(recs) > 0 {
		in.AverageDurationMinutes = in.TotalDurationMinutes / len(recs)
	}

	in.Rate = float64(in.PresentDays) / float64(in.TotalDays) * 100
	if in.Rate > 100 {
		in.Rate = 100
	}
	in.Band = BandFor(in.Rate)
	return in, nil
}
