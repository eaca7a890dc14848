package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
	pgLockNotAvail    = "55P03"
)

const recordColumns = `id, person_id, attendance_date,
	check_in_time, check_in_confidence, check_in_source, check_in_detection_id, check_in_camera_id,
	check_out_time, check_out_confidence, check_out_source, check_out_detection_id, check_out_camera_id,
	duration_minutes, status, is_manual, created_at, updated_at`

// Repository persists attendance records in Postgres.
type Repository struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewRepository creates a repo. A positive lockTimeout bounds how long a
// decision waits for another decision on the same person and day.
func NewRepository(db *sql.DB, lockTimeout time.Duration) *Repository {
	return &Repository{db: db, lockTimeout: lockTimeout}
}

// WithRecordLock opens a transaction, takes a transaction-scoped advisory lock
// on (person, date) and runs fn. The advisory lock covers the case where no
// row exists yet, which SELECT ... FOR UPDATE alone cannot.
func (r *Repository) WithRecordLock(ctx context.Context, personID string, date time.Time, fn func(Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin attendance tx: %w", err)
	}
	defer tx.Rollback()

	if r.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	lockKey := personID + "|" + date.UTC().Format(time.DateOnly)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		return mapError(fmt.Errorf("lock attendance record: %w", err))
	}

	if err := fn(&pgTx{tx: tx, personID: personID, date: date.UTC()}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit attendance tx: %w", err))
	}
	return nil
}

// ListRecords returns a person's records with dates in [from, to], oldest first.
func (r *Repository) ListRecords(ctx context.Context, personID string, from, to time.Time) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance
		WHERE person_id = $1 AND attendance_date >= $2 AND attendance_date <= $3
		ORDER BY attendance_date
	`, personID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

type pgTx struct {
	tx       *sql.Tx
	personID string
	date     time.Time
}

func (t *pgTx) owns(personID string, date time.Time) bool {
	return personID == t.personID && date.UTC().Format(time.DateOnly) == t.date.Format(time.DateOnly)
}

func (t *pgTx) GetRecord(ctx context.Context, personID string, date time.Time) (*Record, error) {
	if !t.owns(personID, date) {
		return nil, ErrOutsideLock
	}
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance
		WHERE person_id = $1 AND attendance_date = $2
		FOR UPDATE
	`, personID, date.UTC())
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError(err)
	}
	return &rec, nil
}

func (t *pgTx) CreateRecord(ctx context.Context, rec Record) (Record, error) {
	if !t.owns(rec.PersonID, rec.AttendanceDate) {
		return Record{}, ErrOutsideLock
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO attendance (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),NULLIF($7,''),NULLIF($8,''),$9,$10,NULLIF($11,''),NULLIF($12,''),NULLIF($13,''),$14,$15,$16,NOW(),NOW())
		RETURNING created_at, updated_at
	`, rec.ID, rec.PersonID, rec.AttendanceDate.UTC(),
		rec.CheckInTime, rec.CheckInConfidence, string(rec.CheckInSource), rec.CheckInDetectionID, rec.CheckInCameraID,
		rec.CheckOutTime, rec.CheckOutConfidence, string(rec.CheckOutSource), rec.CheckOutDetectionID, rec.CheckOutCameraID,
		rec.DurationMinutes, rec.Status, rec.IsManual)
	if err := row.Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, mapError(err)
	}
	return rec, nil
}

func (t *pgTx) UpdateRecord(ctx context.Context, rec Record) (Record, error) {
	if !t.owns(rec.PersonID, rec.AttendanceDate) {
		return Record{}, ErrOutsideLock
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	row := t.tx.QueryRowContext(ctx, `
		UPDATE attendance SET
			check_in_time = $2, check_in_confidence = $3, check_in_source = NULLIF($4,''),
			check_in_detection_id = NULLIF($5,''), check_in_camera_id = NULLIF($6,''),
			check_out_time = $7, check_out_confidence = $8, check_out_source = NULLIF($9,''),
			check_out_detection_id = NULLIF($10,''), check_out_camera_id = NULLIF($11,''),
			duration_minutes = $12, status = $13, is_manual = $14, updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at
	`, rec.ID,
		rec.CheckInTime, rec.CheckInConfidence, string(rec.CheckInSource), rec.CheckInDetectionID, rec.CheckInCameraID,
		rec.CheckOutTime, rec.CheckOutConfidence, string(rec.CheckOutSource), rec.CheckOutDetectionID, rec.CheckOutCameraID,
		rec.DurationMinutes, rec.Status, rec.IsManual)
	if err := row.Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, mapError(err)
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		rec                          Record
		inSrc, outSrc                sql.NullString
		inDet, inCam, outDet, outCam sql.NullString
		duration                     sql.NullInt64
	)
	err := s.Scan(
		&rec.ID, &rec.PersonID, &rec.AttendanceDate,
		&rec.CheckInTime, &rec.CheckInConfidence, &inSrc, &inDet, &inCam,
		&rec.CheckOutTime, &rec.CheckOutConfidence, &outSrc, &outDet, &outCam,
		&duration, &rec.Status, &rec.IsManual, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.CheckInSource = Source(inSrc.String)
	rec.CheckOutSource = Source(outSrc.String)
	rec.CheckInDetectionID = inDet.String
	rec.CheckInCameraID = inCam.String
	rec.CheckOutDetectionID = outDet.String
	rec.CheckOutCameraID = outCam.String
	if duration.Valid {
		d := int(duration.Int64)
		rec.DurationMinutes = &d
	}
	return rec, nil
}

// mapError translates driver errors to attendance errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRecordNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrRecordExists, pgErr.ConstraintName)
		case pgCheckViolation:
			return fmt.Errorf("%w: %s", ErrConstraint, pgErr.ConstraintName)
		case pgLockNotAvail:
			return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
		}
	}
	return err
}
