// Package policy holds the pure decision rules applied to a detection before
// anything touches the attendance store: the confidence gate, the time-of-day
// heuristic and duplicate suppression.
package policy

import (
	"errors"
	"fmt"
	"time"
)

// Defaults used when configuration leaves a value unset.
const (
	DefaultReviewThreshold = 0.60
	DefaultAutoThreshold   = 0.70
	DefaultCheckInBefore   = 12
	DefaultCheckOutFrom    = 16
	DefaultDuplicateWindow = 5 * time.Minute
)

// Config bundles every tunable knob of the decision rules.
type Config struct {
	ReviewThreshold     float64       `json:"review_threshold" toml:"review_threshold"`
	AutoThreshold       float64       `json:"auto_threshold" toml:"auto_threshold"`
	CheckInBefore       int           `json:"check_in_before_hour" toml:"check_in_before_hour"`
	CheckOutFrom        int           `json:"check_out_from_hour" toml:"check_out_from_hour"`
	DuplicateWindow     time.Duration `json:"duplicate_window" toml:"-"`
	Timezone            string        `json:"timezone" toml:"timezone"`
	KeepEarliestCheckIn bool          `json:"keep_earliest_check_in" toml:"keep_earliest_check_in"`

	location *time.Location
}

// Default returns the stock policy: 0.60/0.70 thresholds, 12h/16h day split,
// five minute duplicate window, UTC.
func Default() Config {
	return Config{
		ReviewThreshold: DefaultReviewThreshold,
		AutoThreshold:   DefaultAutoThreshold,
		CheckInBefore:   DefaultCheckInBefore,
		CheckOutFrom:    DefaultCheckOutFrom,
		DuplicateWindow: DefaultDuplicateWindow,
		Timezone:        "UTC",
		location:        time.UTC,
	}
}

// Validate checks ranges and resolves the time zone.
func (c *Config) Validate() error {
	if !inUnit(c.ReviewThreshold) {
		return fmt.Errorf("review threshold %.2f out of [0,1]", c.ReviewThreshold)
	}
	if !inUnit(c.AutoThreshold) {
		return fmt.Errorf("auto threshold %.2f out of [0,1]", c.AutoThreshold)
	}
	if c.ReviewThreshold > c.AutoThreshold {
		return fmt.Errorf("review threshold %.2f above auto threshold %.2f", c.ReviewThreshold, c.AutoThreshold)
	}
	if c.CheckInBefore < 0 || c.CheckOutFrom > 24 || c.CheckInBefore > c.CheckOutFrom {
		return fmt.Errorf("invalid day window: check-in before %d, check-out from %d", c.CheckInBefore, c.CheckOutFrom)
	}
	if c.DuplicateWindow <= 0 {
		return errors.New("duplicate window must be positive")
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	c.location = loc
	return nil
}

// inUnit reports whether v lies in [0,1]. NaN is outside.
func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

// Location returns the business time zone, UTC when unresolved.
func (c Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// Gate returns the confidence gate described by c.
func (c Config) Gate() Gate {
	return Gate{Review: c.ReviewThreshold, Auto: c.AutoThreshold}
}

// Window returns the time-of-day heuristic described by c.
func (c Config) Window() DayWindow {
	return DayWindow{CheckInBefore: c.CheckInBefore, CheckOutFrom: c.CheckOutFrom, Location: c.Location()}
}

// AttendanceDate maps an event time to its business day, expressed as
// midnight UTC of that calendar date.
func (c Config) AttendanceDate(t time.Time) time.Time {
	y, m, d := t.In(c.Location()).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
