package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
	"github.com/md-rashed-zaman/apptsync/libs/db"
	"github.com/md-rashed-zaman/apptsync/services/appointment-service/internal/outbox"
)

var ErrNotFound = errors.New("appointment not found")

// Repository persists appointments. Every write records an outbox event in
// the same transaction.
type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool, outboxRepo *outbox.Repository) *Repository {
	return &Repository{pool: pool, outbox: outboxRepo}
}

const columns = `external_id, business_id, service_id, staff_id, customer_name, customer_email, customer_phone,
	start_time, end_time, notes, status, previous_external_id, created_at, updated_at`

// Insert stores a. It is idempotent on external_id: when the id already exists
// the stored record is returned with created=false and nothing is written.
func (r *Repository) Insert(ctx context.Context, a appointment.Appointment) (appointment.Appointment, bool, error) {
	var out appointment.Appointment
	created := false
	err := r.pool.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = scanAppointment(tx.QueryRow(ctx, `
			INSERT INTO appointments
				(external_id, business_id, service_id, staff_id, customer_name, customer_email, customer_phone,
				 start_time, end_time, notes, status, previous_external_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (external_id) DO NOTHING
			RETURNING `+columns,
			a.ExternalID, a.BusinessID, a.ServiceID, a.StaffID, a.CustomerName, a.CustomerEmail, a.CustomerPhone,
			a.StartTime, a.EndTime, a.Notes, string(a.Status), nullable(a.PreviousID()),
		))
		if errors.Is(err, pgx.ErrNoRows) {
			out, err = r.get(ctx, tx, a.ExternalID, false)
			return err
		}
		if err != nil {
			return err
		}
		created = true
		return r.emit(ctx, tx, out)
	})
	if err != nil {
		return appointment.Appointment{}, false, err
	}
	return out, created, nil
}

// Update applies patch under a row lock. Transition rules come from the lifecycle model.
func (r *Repository) Update(ctx context.Context, externalID string, patch appointment.Patch) (appointment.Appointment, error) {
	var out appointment.Appointment
	err := r.pool.InTx(ctx, func(tx pgx.Tx) error {
		cur, err := r.get(ctx, tx, externalID, true)
		if err != nil {
			return err
		}
		next, err := patch.Apply(cur)
		if err != nil {
			return err
		}
		if next == cur {
			out = cur
			return nil
		}
		out, err = r.save(ctx, tx, next)
		if err != nil {
			return err
		}
		return r.emit(ctx, tx, out)
	})
	return out, err
}

// Reschedule inserts the successor and cancels the predecessor atomically.
// Replaying a reschedule that already committed returns the stored pair.
func (r *Repository) Reschedule(ctx context.Context, externalID string, successor appointment.Appointment) (appointment.Appointment, appointment.Appointment, error) {
	var next, cancelled appointment.Appointment
	err := r.pool.InTx(ctx, func(tx pgx.Tx) error {
		old, err := r.get(ctx, tx, externalID, true)
		if err != nil {
			return err
		}
		if old.Status == appointment.StatusCancelled && successor.ExternalID != "" {
			existing, err := r.get(ctx, tx, successor.ExternalID, false)
			if err == nil && existing.PreviousID() == old.ExternalID {
				next, cancelled = existing, old
				return nil
			}
		}

		built, cancelOld, err := appointment.Reschedule(old, successor)
		if err != nil {
			return err
		}
		next, err = scanAppointment(tx.QueryRow(ctx, `
			INSERT INTO appointments
				(external_id, business_id, service_id, staff_id, customer_name, customer_email, customer_phone,
				 start_time, end_time, notes, status, previous_external_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING `+columns,
			built.ExternalID, built.BusinessID, built.ServiceID, built.StaffID, built.CustomerName, built.CustomerEmail, built.CustomerPhone,
			built.StartTime, built.EndTime, built.Notes, string(built.Status), nullable(built.PreviousID()),
		))
		if err != nil {
			return err
		}
		if cancelled, err = r.save(ctx, tx, cancelOld); err != nil {
			return err
		}
		if err := r.emit(ctx, tx, next); err != nil {
			return err
		}
		return r.emit(ctx, tx, cancelled)
	})
	if err != nil {
		return appointment.Appointment{}, appointment.Appointment{}, err
	}
	return next, cancelled, nil
}

func (r *Repository) Get(ctx context.Context, externalID string) (appointment.Appointment, error) {
	a, err := scanAppointment(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM appointments WHERE external_id = $1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return a, fmt.Errorf("%w: %s", ErrNotFound, externalID)
	}
	return a, err
}

// ListByBusiness returns the newest appointments first. limit <= 0 means no limit.
func (r *Repository) ListByBusiness(ctx context.Context, businessID string, limit int) ([]appointment.Appointment, error) {
	query := `SELECT ` + columns + ` FROM appointments WHERE business_id = $1 ORDER BY start_time DESC, external_id`
	args := []any{businessID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []appointment.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, a)
	}
	return appts, rows.Err()
}

func (r *Repository) get(ctx context.Context, tx pgx.Tx, externalID string, lock bool) (appointment.Appointment, error) {
	query := `SELECT ` + columns + ` FROM appointments WHERE external_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	a, err := scanAppointment(tx.QueryRow(ctx, query, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return a, fmt.Errorf("%w: %s", ErrNotFound, externalID)
	}
	return a, err
}

func (r *Repository) save(ctx context.Context, tx pgx.Tx, a appointment.Appointment) (appointment.Appointment, error) {
	return scanAppointment(tx.QueryRow(ctx, `
		UPDATE appointments
		SET customer_name = $2,
			customer_email = $3,
			customer_phone = $4,
			start_time = $5,
			end_time = $6,
			notes = $7,
			status = $8,
			updated_at = now()
		WHERE external_id = $1
		RETURNING `+columns,
		a.ExternalID, a.CustomerName, a.CustomerEmail, a.CustomerPhone, a.StartTime, a.EndTime, a.Notes, string(a.Status),
	))
}

func (r *Repository) emit(ctx context.Context, tx pgx.Tx, a appointment.Appointment) error {
	evt, err := outbox.AppointmentChanged(a)
	if err != nil {
		return err
	}
	return r.outbox.Insert(ctx, tx, evt)
}

func scanAppointment(row pgx.Row) (appointment.Appointment, error) {
	var a appointment.Appointment
	var status string
	var prev *string
	err := row.Scan(
		&a.ExternalID,
		&a.BusinessID,
		&a.ServiceID,
		&a.StaffID,
		&a.CustomerName,
		&a.CustomerEmail,
		&a.CustomerPhone,
		&a.StartTime,
		&a.EndTime,
		&a.Notes,
		&status,
		&prev,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return appointment.Appointment{}, err
	}
	a.Status = appointment.Status(status)
	if prev != nil && *prev != "" {
		a.PreviousAppointment = &appointment.Ref{ExternalID: *prev}
	}
	a.StartTime = a.StartTime.UTC()
	a.EndTime = a.EndTime.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports unique or check violations, which surface when two writers
// race on the same external_id or a row breaks a schema constraint.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "23505" || pgErr.Code == "23514")
}
