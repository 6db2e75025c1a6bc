package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// SQLiteStore persists the record cache and the mutation queue in one sqlite file.
// The handle is opened lazily by the first call (or by Open) and shared by all callers.
type SQLiteStore struct {
	path string

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

var (
	_ Store         = (*SQLiteStore)(nil)
	_ RecordCache   = sqliteRecords{}
	_ MutationQueue = sqliteQueue{}
)

type sqliteRecords struct{ s *SQLiteStore }

type sqliteQueue struct{ s *SQLiteStore }

func (s *SQLiteStore) Records() RecordCache { return sqliteRecords{s} }

func (s *SQLiteStore) Queue() MutationQueue { return sqliteQueue{s} }

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

// Open opens the database if needed. Safe to call more than once.
func (s *SQLiteStore) Open(ctx context.Context) error {
	_, err := s.handle(ctx)
	return err
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) handle(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: store closed", ErrStorageUnavailable)
	}
	if s.db != nil {
		return s.db, nil
	}

	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorageUnavailable, s.path, err)
	}
	// sqlite allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: connect %s: %v", ErrStorageUnavailable, s.path, err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s.db = db
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("exec %q: %w", pragma, err)
		}
	}

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// sortableTime keeps every fractional digit so stored text orders like the instant.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(sortableTime)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Record cache.

func (r sqliteRecords) Save(ctx context.Context, a appointment.Appointment) error {
	db, err := r.s.handle(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode appointment: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO appointments (external_id, business_id, status, start_time, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			business_id = excluded.business_id,
			status = excluded.status,
			start_time = excluded.start_time,
			updated_at = excluded.updated_at,
			data = excluded.data
	`, a.ExternalID, a.BusinessID, string(a.Status), formatTime(a.StartTime), formatTime(a.UpdatedAt), string(data))
	if err != nil {
		return unavailable("save appointment", err)
	}
	return nil
}

func (r sqliteRecords) Get(ctx context.Context, externalID string) (appointment.Appointment, error) {
	var a appointment.Appointment
	db, err := r.s.handle(ctx)
	if err != nil {
		return a, err
	}
	var data string
	err = db.QueryRowContext(ctx, `SELECT data FROM appointments WHERE external_id = ?`, externalID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("appointment %s: %w", externalID, ErrNotFound)
	}
	if err != nil {
		return a, unavailable("get appointment", err)
	}
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return a, fmt.Errorf("decode appointment %s: %w", externalID, err)
	}
	return a, nil
}

func (r sqliteRecords) GetAll(ctx context.Context) ([]appointment.Appointment, error) {
	db, err := r.s.handle(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT data FROM appointments ORDER BY start_time, external_id`)
	if err != nil {
		return nil, unavailable("list appointments", err)
	}
	defer rows.Close()

	var out []appointment.Appointment
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, unavailable("scan appointment", err)
		}
		var a appointment.Appointment
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("decode appointment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list appointments", err)
	}
	return out, nil
}

func (r sqliteRecords) Delete(ctx context.Context, externalID string) error {
	return r.s.exec(ctx, "delete appointment", `DELETE FROM appointments WHERE external_id = ?`, externalID)
}

// Clear empties the record cache only; queued mutations are untouched.
func (r sqliteRecords) Clear(ctx context.Context) error {
	return r.s.exec(ctx, "clear appointments", `DELETE FROM appointments`)
}

// Mutation queue.

func (q sqliteQueue) Enqueue(ctx context.Context, m PendingMutation) (PendingMutation, error) {
	db, err := q.s.handle(ctx)
	if err != nil {
		return m, err
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now().UTC()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO pending_mutations (id, kind, appointment_id, payload, group_id, attempts, last_error, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, string(m.Kind), m.AppointmentID, string(m.Payload), m.GroupID, m.Attempts, m.LastError, formatTime(m.EnqueuedAt))
	if err != nil {
		return m, unavailable("enqueue mutation", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return m, unavailable("enqueue mutation", err)
	}
	m.Seq = seq
	return m, nil
}

func (q sqliteQueue) DrainAll(ctx context.Context) ([]PendingMutation, error) {
	db, err := q.s.handle(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT seq, id, kind, appointment_id, payload, group_id, attempts, last_error, enqueued_at
		FROM pending_mutations ORDER BY seq
	`)
	if err != nil {
		return nil, unavailable("drain queue", err)
	}
	defer rows.Close()

	var out []PendingMutation
	for rows.Next() {
		var (
			m                PendingMutation
			kind, payload, t string
		)
		if err := rows.Scan(&m.Seq, &m.ID, &kind, &m.AppointmentID, &payload, &m.GroupID, &m.Attempts, &m.LastError, &t); err != nil {
			return nil, unavailable("scan mutation", err)
		}
		m.Kind = Kind(kind)
		m.Payload = json.RawMessage(payload)
		m.EnqueuedAt = parseTime(t)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("drain queue", err)
	}
	return out, nil
}

func (q sqliteQueue) Ack(ctx context.Context, id string) error {
	return q.s.exec(ctx, "ack mutation", `DELETE FROM pending_mutations WHERE id = ?`, id)
}

func (q sqliteQueue) RecordAttempt(ctx context.Context, id, errMsg string) (int, error) {
	db, err := q.s.handle(ctx)
	if err != nil {
		return 0, err
	}
	var attempts int
	err = db.QueryRowContext(ctx, `
		UPDATE pending_mutations SET attempts = attempts + 1, last_error = ?
		WHERE id = ?
		RETURNING attempts
	`, errMsg, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("mutation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, unavailable("record attempt", err)
	}
	return attempts, nil
}

func (q sqliteQueue) Len(ctx context.Context) (int, error) {
	db, err := q.s.handle(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations`).Scan(&n); err != nil {
		return 0, unavailable("count queue", err)
	}
	return n, nil
}

func (q sqliteQueue) Clear(ctx context.Context) error {
	return q.s.exec(ctx, "clear queue", `DELETE FROM pending_mutations`)
}

func (q sqliteQueue) MoveToFailed(ctx context.Context, m PendingMutation, reason string) error {
	db, err := q.s.handle(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin move to failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO failed_mutations
			(id, seq, kind, appointment_id, payload, group_id, attempts, last_error, enqueued_at, reason, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Seq, string(m.Kind), m.AppointmentID, string(m.Payload), m.GroupID, m.Attempts, m.LastError,
		formatTime(m.EnqueuedAt), reason, formatTime(time.Now())); err != nil {
		return unavailable("insert failed mutation", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ?`, m.ID); err != nil {
		return unavailable("remove failed mutation", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit move to failed", err)
	}
	return nil
}

func (q sqliteQueue) ListFailed(ctx context.Context) ([]FailedMutation, error) {
	db, err := q.s.handle(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT seq, id, kind, appointment_id, payload, group_id, attempts, last_error, enqueued_at, reason, failed_at
		FROM failed_mutations ORDER BY failed_at, seq
	`)
	if err != nil {
		return nil, unavailable("list failed", err)
	}
	defer rows.Close()

	var out []FailedMutation
	for rows.Next() {
		var (
			f                             FailedMutation
			kind, payload, enq, failedAt string
		)
		if err := rows.Scan(&f.Seq, &f.ID, &kind, &f.AppointmentID, &payload, &f.GroupID, &f.Attempts, &f.LastError, &enq, &f.Reason, &failedAt); err != nil {
			return nil, unavailable("scan failed mutation", err)
		}
		f.Kind = Kind(kind)
		f.Payload = json.RawMessage(payload)
		f.EnqueuedAt = parseTime(enq)
		f.FailedAt = parseTime(failedAt)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list failed", err)
	}
	return out, nil
}

func (q sqliteQueue) ClearFailed(ctx context.Context) error {
	return q.s.exec(ctx, "clear failed", `DELETE FROM failed_mutations`)
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return unavailable(op, err)
	}
	return nil
}
