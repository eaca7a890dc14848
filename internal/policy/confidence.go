package policy

// Disposition is the confidence gate verdict for a detection.
type Disposition int

const (
	Reject Disposition = iota
	NeedsReview
	AutoAccept
)

func (d Disposition) String() string {
	switch d {
	case Reject:
		return "reject"
	case NeedsReview:
		return "needs_review"
	case AutoAccept:
		return "auto_accept"
	default:
		return "unknown"
	}
}

// Gate classifies confidence scores against two thresholds.
type Gate struct {
	Review float64
	Auto   float64
}

// Classify returns Reject below Review, NeedsReview in [Review, Auto) and
// AutoAccept at or above Auto.
func (g Gate) Classify(confidence float64) Disposition {
	switch {
	case confidence < g.Review:
		return Reject
	case confidence < g.Auto:
		return NeedsReview
	default:
		return AutoAccept
	}
}
