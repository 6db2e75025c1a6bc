package syncer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/localstore"
)

// Reconciler folds backend state into the local cache.
//
// A record with no queued mutation takes the backend's copy as is. A record
// with queued mutations keeps its optimistic copy unless the backend's
// updated_at is strictly newer (last writer wins).
type Reconciler struct {
	cache   localstore.RecordCache
	queue   localstore.MutationQueue
	backend Backend
	logger  *slog.Logger
}

func NewReconciler(cache localstore.RecordCache, queue localstore.MutationQueue, backend Backend, logger *slog.Logger) *Reconciler {
	return &Reconciler{cache: cache, queue: queue, backend: backend, logger: logger}
}

// Apply merges one remote record and reports whether the cache took it.
func (r *Reconciler) Apply(ctx context.Context, remote appointment.Appointment) (bool, error) {
	pending, err := r.pendingTargets(ctx)
	if err != nil {
		return false, err
	}
	return r.merge(ctx, remote, pending)
}

// Refresh pulls every record of a business from the backend and merges it.
func (r *Reconciler) Refresh(ctx context.Context, businessID string) (int, error) {
	records, err := r.backend.List(ctx, businessID, 0)
	if err != nil {
		return 0, err
	}
	pending, err := r.pendingTargets(ctx)
	if err != nil {
		return 0, err
	}
	taken := 0
	for _, rec := range records {
		ok, err := r.merge(ctx, rec, pending)
		if err != nil {
			return taken, err
		}
		if ok {
			taken++
		}
	}
	return taken, nil
}

func (r *Reconciler) merge(ctx context.Context, remote appointment.Appointment, pending map[string]bool) (bool, error) {
	if remote.ExternalID == "" {
		return false, nil
	}
	if pending[remote.ExternalID] {
		local, err := r.cache.Get(ctx, remote.ExternalID)
		switch {
		case errors.Is(err, localstore.ErrNotFound):
		case err != nil:
			return false, err
		case !remote.UpdatedAt.After(local.UpdatedAt):
			r.logger.Debug("remote change older than local edit", "appointment_id", remote.ExternalID,
				"remote_updated_at", remote.UpdatedAt, "local_updated_at", local.UpdatedAt)
			return false, nil
		}
	}
	if err := r.cache.Save(ctx, remote); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reconciler) pendingTargets(ctx context.Context) (map[string]bool, error) {
	items, err := r.queue.DrainAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(items))
	for _, m := range items {
		out[m.AppointmentID] = true
	}
	return out, nil
}
