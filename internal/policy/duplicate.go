package policy

import "time"

// IsDuplicate reports whether at falls within window of previous, in either
// direction. A nil previous time is never a duplicate.
func IsDuplicate(previous *time.Time, at time.Time, window time.Duration) bool {
	if previous == nil {
		return false
	}
	diff := at.Sub(*previous)
	if diff < 0 {
		diff = -diff
	}
	return diff < window
}
