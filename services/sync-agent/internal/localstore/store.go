package localstore

import (
	"context"
	"errors"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
)

var (
	// ErrStorageUnavailable wraps open and I/O failures. Callers treat the
	// local store as best effort.
	ErrStorageUnavailable = errors.New("local storage unavailable")
	ErrNotFound           = errors.New("not found")
)

// RecordCache mirrors the last known state of each appointment.
type RecordCache interface {
	Save(ctx context.Context, a appointment.Appointment) error
	Get(ctx context.Context, externalID string) (appointment.Appointment, error)
	GetAll(ctx context.Context) ([]appointment.Appointment, error)
	Delete(ctx context.Context, externalID string) error
	Clear(ctx context.Context) error
}

// MutationQueue is a durable FIFO of pending mutations plus a dead-letter list.
type MutationQueue interface {
	Enqueue(ctx context.Context, m PendingMutation) (PendingMutation, error)
	// DrainAll returns every queued mutation in FIFO order without removing any.
	DrainAll(ctx context.Context) ([]PendingMutation, error)
	Ack(ctx context.Context, id string) error
	// RecordAttempt bumps the attempt counter and returns the new count.
	RecordAttempt(ctx context.Context, id, errMsg string) (int, error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	MoveToFailed(ctx context.Context, m PendingMutation, reason string) error
	ListFailed(ctx context.Context) ([]FailedMutation, error)
	ClearFailed(ctx context.Context) error
}

// Store is the local persistence used by the agent: one handle, two views.
type Store interface {
	Records() RecordCache
	Queue() MutationQueue
	Close() error
}
