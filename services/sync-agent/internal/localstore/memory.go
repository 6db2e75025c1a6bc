package localstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
)

// MemoryStore is an in-process Store for tests and for running without a disk.
type MemoryStore struct {
	mu          sync.Mutex
	records     map[string]appointment.Appointment
	queue       []PendingMutation
	failed      []FailedMutation
	seq         int64
	unavailable bool
}

var _ Store = (*MemoryStore)(nil)

type memRecords struct{ m *MemoryStore }

type memQueue struct{ m *MemoryStore }

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]appointment.Appointment{}}
}

func (m *MemoryStore) Records() RecordCache { return memRecords{m} }

func (m *MemoryStore) Queue() MutationQueue { return memQueue{m} }

func (m *MemoryStore) Close() error { return nil }

// SetUnavailable makes every call fail with ErrStorageUnavailable.
func (m *MemoryStore) SetUnavailable(v bool) {
	m.mu.Lock()
	m.unavailable = v
	m.mu.Unlock()
}

func (m *MemoryStore) lock() error {
	m.mu.Lock()
	if m.unavailable {
		m.mu.Unlock()
		return fmt.Errorf("%w: memory store disabled", ErrStorageUnavailable)
	}
	return nil
}

func (r memRecords) Save(_ context.Context, a appointment.Appointment) error {
	if err := r.m.lock(); err != nil {
		return err
	}
	defer r.m.mu.Unlock()
	r.m.records[a.ExternalID] = a
	return nil
}

func (r memRecords) Get(_ context.Context, externalID string) (appointment.Appointment, error) {
	if err := r.m.lock(); err != nil {
		return appointment.Appointment{}, err
	}
	defer r.m.mu.Unlock()
	a, ok := r.m.records[externalID]
	if !ok {
		return a, fmt.Errorf("appointment %s: %w", externalID, ErrNotFound)
	}
	return a, nil
}

func (r memRecords) GetAll(_ context.Context) ([]appointment.Appointment, error) {
	if err := r.m.lock(); err != nil {
		return nil, err
	}
	defer r.m.mu.Unlock()
	out := make([]appointment.Appointment, 0, len(r.m.records))
	for _, a := range r.m.records {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	return out, nil
}

func (r memRecords) Delete(_ context.Context, externalID string) error {
	if err := r.m.lock(); err != nil {
		return err
	}
	defer r.m.mu.Unlock()
	delete(r.m.records, externalID)
	return nil
}

func (r memRecords) Clear(_ context.Context) error {
	if err := r.m.lock(); err != nil {
		return err
	}
	defer r.m.mu.Unlock()
	r.m.records = map[string]appointment.Appointment{}
	return nil
}

func (q memQueue) Enqueue(_ context.Context, pm PendingMutation) (PendingMutation, error) {
	if err := q.m.lock(); err != nil {
		return pm, err
	}
	defer q.m.mu.Unlock()
	q.m.seq++
	pm.Seq = q.m.seq
	if pm.EnqueuedAt.IsZero() {
		pm.EnqueuedAt = time.Now().UTC()
	}
	q.m.queue = append(q.m.queue, pm)
	return pm, nil
}

func (q memQueue) DrainAll(_ context.Context) ([]PendingMutation, error) {
	if err := q.m.lock(); err != nil {
		return nil, err
	}
	defer q.m.mu.Unlock()
	out := make([]PendingMutation, len(q.m.queue))
	copy(out, q.m.queue)
	return out, nil
}

func (q memQueue) Ack(_ context.Context, id string) error {
	if err := q.m.lock(); err != nil {
		return err
	}
	defer q.m.mu.Unlock()
	q.m.remove(id)
	return nil
}

func (q memQueue) RecordAttempt(_ context.Context, id, errMsg string) (int, error) {
	if err := q.m.lock(); err != nil {
		return 0, err
	}
	defer q.m.mu.Unlock()
	for i := range q.m.queue {
		if q.m.queue[i].ID == id {
			q.m.queue[i].Attempts++
			q.m.queue[i].LastError = errMsg
			return q.m.queue[i].Attempts, nil
		}
	}
	return 0, fmt.Errorf("mutation %s: %w", id, ErrNotFound)
}

func (q memQueue) Len(_ context.Context) (int, error) {
	if err := q.m.lock(); err != nil {
		return 0, err
	}
	defer q.m.mu.Unlock()
	return len(q.m.queue), nil
}

func (q memQueue) Clear(_ context.Context) error {
	if err := q.m.lock(); err != nil {
		return err
	}
	defer q.m.mu.Unlock()
	q.m.queue = nil
	return nil
}

func (q memQueue) MoveToFailed(_ context.Context, pm PendingMutation, reason string) error {
	if err := q.m.lock(); err != nil {
		return err
	}
	defer q.m.mu.Unlock()
	q.m.remove(pm.ID)
	q.m.failed = append(q.m.failed, FailedMutation{PendingMutation: pm, Reason: reason, FailedAt: time.Now().UTC()})
	return nil
}

func (q memQueue) ListFailed(_ context.Context) ([]FailedMutation, error) {
	if err := q.m.lock(); err != nil {
		return nil, err
	}
	defer q.m.mu.Unlock()
	out := make([]FailedMutation, len(q.m.failed))
	copy(out, q.m.failed)
	return out, nil
}

func (q memQueue) ClearFailed(_ context.Context) error {
	if err := q.m.lock(); err != nil {
		return err
	}
	defer q.m.mu.Unlock()
	q.m.failed = nil
	return nil
}

// remove requires m.mu held.
func (m *MemoryStore) remove(id string) {
	for i := range m.queue {
		if m.queue[i].ID == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}
