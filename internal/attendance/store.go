package attendance

import (
	"context"
	"time"
)

// Tx is the view of the store inside one locked (person, date) unit.
// All three calls of a decision run inside the same Tx.
type Tx interface {
	GetRecord(ctx context.Context, personID string, date time.Time) (*Record, error)
	CreateRecord(ctx context.Context, rec Record) (Record, error)
	UpdateRecord(ctx context.Context, rec Record) (Record, error)
}

// Store persists attendance records.
type Store interface {
	// WithRecordLock runs fn with exclusive access to the record of personID
	// on date. Writes made through the Tx become visible only if fn returns nil.
	WithRecordLock(ctx context.Context, personID string, date time.Time, fn func(Tx) error) error

	// ListRecords returns a person's records with attendance dates in [from, to].
	ListRecords(ctx context.Context, personID string, from, to time.Time) ([]Record, error)
}
