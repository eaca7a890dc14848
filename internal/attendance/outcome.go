package attendance

// Kind names the variant of an Outcome.
type Kind string

const (
	KindRejected         Kind = "rejected"
	KindDeferred         Kind = "deferred"
	KindCheckInRecorded  Kind = "check_in_recorded"
	KindCheckOutRecorded Kind = "check_out_recorded"
)

// RejectReason explains a Rejected outcome.
type RejectReason string

const (
	ReasonLowConfidence            RejectReason = "low_confidence"
	ReasonNoMatch                  RejectReason = "no_match"
	ReasonDuplicateCheckIn         RejectReason = "duplicate_check_in"
	ReasonDuplicateCheckOut        RejectReason = "duplicate_check_out"
	ReasonNoPriorCheckIn           RejectReason = "no_prior_check_in"
	ReasonCheckOutBeforeCheckIn    RejectReason = "check_out_before_check_in"
	ReasonCheckInAfterCheckOut     RejectReason = "check_in_after_check_out"
	ReasonLaterThanExistingCheckIn RejectReason = "later_than_existing_check_in"
)

// DeferReason explains a Deferred outcome.
type DeferReason string

const (
	DeferMidDayAmbiguous    DeferReason = "mid_day_ambiguous"
	DeferBelowAutoThreshold DeferReason = "below_auto_threshold"
)

// Outcome is the result of one decision. The set of implementations is
// closed: Rejected, Deferred, CheckInRecorded and CheckOutRecorded.
type Outcome interface {
	Kind() Kind
	sealed()
}

// Rejected means nothing was written.
type Rejected struct {
	Reason      RejectReason
	PersonID    string
	DetectionID string
	RecordID    string
}

// Deferred means nothing was written and a person has to decide.
type Deferred struct {
	Reason      DeferReason
	PersonID    string
	DetectionID string
	Confidence  float64
}

// CheckInRecorded means the check-in fields of Record were written.
type CheckInRecorded struct {
	Record     Record
	PersonName string
	Created    bool
}

// CheckOutRecorded means the check-out fields and duration of Record were written.
type CheckOutRecorded struct {
	Record     Record
	PersonName string
}

func (Rejected) Kind() Kind         { return KindRejected }
func (Deferred) Kind() Kind         { return KindDeferred }
func (CheckInRecorded) Kind() Kind  { return KindCheckInRecorded }
func (CheckOutRecorded) Kind() Kind { return KindCheckOutRecorded }

func (Rejected) sealed()         {}
func (Deferred) sealed()         {}
func (CheckInRecorded) sealed()  {}
func (CheckOutRecorded) sealed() {}

// IsDuplicate reports whether the rejection came from duplicate suppression.
func (r Rejected) IsDuplicate() bool {
	return r.Reason == ReasonDuplicateCheckIn || r.Reason == ReasonDuplicateCheckOut
}

// Recorded reports whether o wrote to the store.
func Recorded(o Outcome) bool {
	switch o.(type) {
	case CheckInRecorded, CheckOutRecorded:
		return true
	default:
		return false
	}
}
