package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type dayKey struct {
	personID string
	date     string
}

func keyOf(personID string, date time.Time) dayKey {
	return dayKey{personID: personID, date: date.UTC().Format(time.DateOnly)}
}

// keyLock is a context-aware mutex shared by every caller waiting on one key.
type keyLock struct {
	ch   chan struct{}
	refs int
}

// MemoryStore keeps records in process. It enforces the same invariants as
// the Postgres repository and is used by tests and the memory backend.
type MemoryStore struct {
	mu      sync.Mutex
	records map[dayKey]Record
	locks   map[dayKey]*keyLock
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[dayKey]Record),
		locks:   make(map[dayKey]*keyLock),
		now:     time.Now,
	}
}

// WithRecordLock serializes callers per (person, date) and commits staged
// writes only when fn succeeds.
func (s *MemoryStore) WithRecordLock(ctx context.Context, personID string, date time.Time, fn func(Tx) error) error {
	key := keyOf(personID, date)
	if err := s.acquire(ctx, key); err != nil {
		return err
	}
	defer s.release(key)

	tx := &memoryTx{store: s, key: key}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

// ListRecords returns records for personID with dates in [from, to], oldest first.
func (s *MemoryStore) ListRecords(ctx context.Context, personID string, from, to time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0)
	for key, rec := range s.records {
		if key.personID != personID {
			continue
		}
		if rec.AttendanceDate.Before(from) || rec.AttendanceDate.After(to) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AttendanceDate.Before(out[j].AttendanceDate)
	})
	return out, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Put stores rec directly, bypassing the lock. Used to seed imported data.
func (s *MemoryStore) Put(rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[keyOf(rec.PersonID, rec.AttendanceDate)] = rec.Clone()
	return nil
}

func (s *MemoryStore) acquire(ctx context.Context, key dayKey) error {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		s.drop(key, l)
		return ctx.Err()
	}
}

func (s *MemoryStore) release(key dayKey) {
	s.mu.Lock()
	l := s.locks[key]
	s.mu.Unlock()
	<-l.ch
	s.drop(key, l)
}

func (s *MemoryStore) drop(key dayKey, l *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
}

type memoryTx struct {
	store   *MemoryStore
	key     dayKey
	staged  *Record
	created bool
}

func (tx *memoryTx) GetRecord(ctx context.Context, personID string, date time.Time) (*Record, error) {
	if keyOf(personID, date) != tx.key {
		return nil, ErrOutsideLock
	}
	if tx.staged != nil {
		rec := tx.staged.Clone()
		return &rec, nil
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	rec, ok := tx.store.records[tx.key]
	if !ok {
		return nil, nil
	}
	rec = rec.Clone()
	return &rec, nil
}

func (tx *memoryTx) CreateRecord(ctx context.Context, rec Record) (Record, error) {
	if keyOf(rec.PersonID, rec.AttendanceDate) != tx.key {
		return Record{}, ErrOutsideLock
	}
	if tx.staged != nil || tx.exists() {
		return Record{}, ErrRecordExists
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	now := tx.store.now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now

	staged := rec.Clone()
	tx.staged = &staged
	tx.created = true
	return rec, nil
}

func (tx *memoryTx) UpdateRecord(ctx context.Context, rec Record) (Record, error) {
	if keyOf(rec.PersonID, rec.AttendanceDate) != tx.key {
		return Record{}, ErrOutsideLock
	}
	current, err := tx.GetRecord(ctx, rec.PersonID, rec.AttendanceDate)
	if err != nil {
		return Record{}, err
	}
	if current == nil || current.ID != rec.ID {
		return Record{}, ErrRecordNotFound
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	rec.CreatedAt = current.CreatedAt
	rec.UpdatedAt = tx.store.now().UTC()

	staged := rec.Clone()
	tx.staged = &staged
	return rec, nil
}

func (tx *memoryTx) exists() bool {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	_, ok := tx.store.records[tx.key]
	return ok
}

func (tx *memoryTx) commit() error {
	if tx.staged == nil {
		return nil
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if _, ok := tx.store.records[tx.key]; ok && tx.created {
		return ErrRecordExists
	}
	tx.store.records[tx.key] = tx.staged.Clone()
	return nil
}
