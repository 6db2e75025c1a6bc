package syncer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/connectivity"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/localstore"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/remote"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type call struct {
	Op string
	ID string
}

// fakeBackend is an in-memory appointment-service.
type fakeBackend struct {
	mu      sync.Mutex
	records map[string]appointment.Appointment
	calls   []call
	clock   time.Time
	// failNext maps an appointment id to errors returned by successive calls.
	failNext map[string][]error
	// block, when set, holds every call until closed.
	block chan struct{}
	// garbled ids are stored but answered with an unreadable body.
	garbled map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		records:  map[string]appointment.Appointment{},
		failNext: map[string][]error{},
		garbled:  map[string]bool{},
		clock:    time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	}
}

func (f *fakeBackend) failWith(id string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[id] = append(f.failNext[id], errs...)
}

func (f *fakeBackend) seed(a appointment.Appointment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(time.Second)
	a.UpdatedAt = f.clock
	f.records[a.ExternalID] = a
}

func (f *fakeBackend) callLog() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeBackend) enter(ctx context.Context, op, id string) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: op, ID: id})
	if errs := f.failNext[id]; len(errs) > 0 {
		f.failNext[id] = errs[1:]
		if errs[0] != nil {
			return errs[0]
		}
	}
	return nil
}

func (f *fakeBackend) Insert(ctx context.Context, a appointment.Appointment) (appointment.Appointment, bool, error) {
	if err := f.enter(ctx, "insert", a.ExternalID); err != nil {
		return appointment.Appointment{}, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.records[a.ExternalID]; ok {
		return existing, false, nil
	}
	f.clock = f.clock.Add(time.Second)
	a.CreatedAt, a.UpdatedAt = f.clock, f.clock
	f.records[a.ExternalID] = a
	if f.garbled[a.ExternalID] {
		return appointment.Appointment{}, false, fmt.Errorf("POST /api/v1/appointments: %w: unexpected EOF", remote.ErrUndecodable)
	}
	return a, true, nil
}

func (f *fakeBackend) Update(ctx context.Context, id string, patch appointment.Patch) (appointment.Appointment, error) {
	if err := f.enter(ctx, "update", id); err != nil {
		return appointment.Appointment{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.records[id]
	if !ok {
		return appointment.Appointment{}, &remote.Error{StatusCode: http.StatusNotFound, Message: "not found"}
	}
	next, err := patch.Apply(cur)
	if err != nil {
		return appointment.Appointment{}, &remote.Error{StatusCode: http.StatusConflict, Message: err.Error()}
	}
	f.clock = f.clock.Add(time.Second)
	next.UpdatedAt = f.clock
	f.records[id] = next
	return next, nil
}

func (f *fakeBackend) Reschedule(ctx context.Context, id string, succ appointment.Appointment) (remote.RescheduleResult, error) {
	if err := f.enter(ctx, "reschedule", id); err != nil {
		return remote.RescheduleResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.records[id]
	if !ok {
		return remote.RescheduleResult{}, &remote.Error{StatusCode: http.StatusNotFound, Message: "not found"}
	}
	next, cancelled, err := appointment.Reschedule(old, succ)
	if err != nil {
		return remote.RescheduleResult{}, &remote.Error{StatusCode: http.StatusConflict, Message: err.Error()}
	}
	f.clock = f.clock.Add(time.Second)
	next.CreatedAt, next.UpdatedAt, cancelled.UpdatedAt = f.clock, f.clock, f.clock
	f.records[next.ExternalID] = next
	f.records[id] = cancelled
	return remote.RescheduleResult{Successor: next, Cancelled: cancelled}, nil
}

func (f *fakeBackend) List(ctx context.Context, businessID string, _ int) ([]appointment.Appointment, error) {
	if err := f.enter(ctx, "list", ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []appointment.Appointment
	for _, a := range f.records {
		if a.BusinessID == businessID {
			out = append(out, a)
		}
	}
	return out, nil
}

var errNetwork = fmt.Errorf("%w: connection refused", remote.ErrUnreachable)

func permanent(status int) error {
	return &remote.Error{StatusCode: status, Message: http.StatusText(status)}
}

type harness struct {
	store   *localstore.MemoryStore
	backend *fakeBackend
	monitor *connectivity.Monitor
	proc    *Processor
	svc     *Service
}

func newHarness(cfg ProcessorConfig) *harness {
	store := localstore.NewMemoryStore()
	backend := newFakeBackend()
	monitor := connectivity.NewMonitor(connectivity.RequireAny, discardLogger(), connectivity.SignalNetwork)
	proc := NewProcessor(store.Queue(), store.Records(), backend, monitor, cfg, discardLogger())
	rec := NewReconciler(store.Records(), store.Queue(), backend, discardLogger())
	svc := NewService(ServiceDeps{
		BusinessID: "biz-1",
		Backend:    backend,
		Cache:      store.Records(),
		Queue:      store.Queue(),
		Conn:       monitor,
		Processor:  proc,
		Reconciler: rec,
		Logger:     discardLogger(),
	})
	proc.OnPassComplete(svc.Refresh)
	return &harness{store: store, backend: backend, monitor: monitor, proc: proc, svc: svc}
}

func booked(id string) appointment.Appointment {
	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	return appointment.Appointment{
		ExternalID:   id,
		BusinessID:   "biz-1",
		CustomerName: "Grace",
		StartTime:    start,
		EndTime:      start.Add(45 * time.Minute),
		Status:       appointment.StatusBooked,
	}
}
