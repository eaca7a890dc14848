package policy

import (
	"fmt"
	"time"
)

// Action is the attendance action a detection stands for.
type Action string

const (
	ActionCheckIn   Action = "check_in"
	ActionCheckOut  Action = "check_out"
	ActionAmbiguous Action = "ambiguous"
)

// ParseAction accepts the two explicit actions a reviewer may choose.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionCheckIn, ActionCheckOut:
		return Action(s), nil
	default:
		return "", fmt.Errorf("invalid action %q", s)
	}
}

// DayWindow splits the day into a check-in morning, an ambiguous midday and
// a check-out evening.
type DayWindow struct {
	CheckInBefore int
	CheckOutFrom  int
	Location      *time.Location
}

// InferAction maps the wall-clock hour of t to an action. The midday band is
// always Ambiguous and must be resolved by a person.
func (w DayWindow) InferAction(t time.Time) Action {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := t.In(loc).Hour()
	switch {
	case hour < w.CheckInBefore:
		return ActionCheckIn
	case hour >= w.CheckOutFrom:
		return ActionCheckOut
	default:
		return ActionAmbiguous
	}
}
