package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/localstore"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/remote"
)

var (
	// ErrUnknownAppointment is returned when an offline edit targets a record
	// the agent has never seen.
	ErrUnknownAppointment = errors.New("appointment not known locally")
	ErrQueueUnavailable   = errors.New("offline and the local queue is unavailable")
)

// WriteResult tells the caller whether a write reached the backend or was queued.
type WriteResult struct {
	Appointment appointment.Appointment `json:"appointment"`
	Queued      bool                    `json:"queued"`
}

type RescheduleResult struct {
	Successor appointment.Appointment `json:"successor"`
	Cancelled appointment.Appointment `json:"cancelled"`
	Queued    bool                    `json:"queued"`
}

type SyncStatus struct {
	Online     bool  `json:"online"`
	Pending    int   `json:"pending"`
	Processing bool  `json:"processing"`
	Failed     int   `json:"failed"`
	State      State `json:"state"`
}

// Service is the entry point for user mutations. It writes straight to the
// backend when online with an empty queue, and otherwise queues the mutation
// and applies it optimistically to the cache.
type Service struct {
	businessID string
	backend    Backend
	cache      localstore.RecordCache
	queue      localstore.MutationQueue
	conn       Connectivity
	processor  *Processor
	reconciler *Reconciler
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

type ServiceDeps struct {
	BusinessID string
	Backend    Backend
	Cache      localstore.RecordCache
	Queue      localstore.MutationQueue
	Conn       Connectivity
	Processor  *Processor
	Reconciler *Reconciler
	Timeout    time.Duration
	Logger     *slog.Logger
}

func NewService(d ServiceDeps) *Service {
	if d.Timeout <= 0 {
		d.Timeout = 10 * time.Second
	}
	return &Service{
		businessID: d.BusinessID,
		backend:    d.Backend,
		cache:      d.Cache,
		queue:      d.Queue,
		conn:       d.Conn,
		processor:  d.Processor,
		reconciler: d.Reconciler,
		timeout:    d.Timeout,
		logger:     d.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Create(ctx context.Context, a appointment.Appointment) (WriteResult, error) {
	if a.ExternalID == "" {
		a.ExternalID = uuid.NewString()
	}
	if a.BusinessID == "" {
		a.BusinessID = s.businessID
	}
	if a.Status == "" {
		a.Status = appointment.StatusBooked
	}
	a.CustomerName = strings.TrimSpace(a.CustomerName)
	if err := a.Validate(); err != nil {
		return WriteResult{}, err
	}

	if s.direct(ctx) {
		rec, err := s.withTimeout(ctx, func(ctx context.Context) (appointment.Appointment, error) {
			rec, _, err := s.backend.Insert(ctx, a)
			return rec, err
		})
		if remote.Accepted(err) {
			s.logger.Warn("create applied with unreadable response", "appointment_id", a.ExternalID, "err", err)
			rec, err = a, nil
		}
		if err == nil {
			s.save(ctx, rec)
			return WriteResult{Appointment: rec}, nil
		}
		if !remote.IsTransient(err) {
			return WriteResult{}, err
		}
		s.logger.Warn("direct create failed; queueing", "appointment_id", a.ExternalID, "err", err)
	}

	m, err := localstore.NewCreate(a, "")
	if err != nil {
		return WriteResult{}, err
	}
	if err := s.enqueue(ctx, m); err != nil {
		return WriteResult{}, err
	}
	a.CreatedAt = s.now()
	a.UpdatedAt = a.CreatedAt
	s.save(ctx, a)
	return WriteResult{Appointment: a, Queued: true}, nil
}

func (s *Service) UpdateStatus(ctx context.Context, externalID string, status appointment.Status) (WriteResult, error) {
	return s.Update(ctx, externalID, appointment.StatusPatch(status))
}

func (s *Service) Update(ctx context.Context, externalID string, patch appointment.Patch) (WriteResult, error) {
	if patch.IsEmpty() {
		return WriteResult{}, fmt.Errorf("%w: empty patch", appointment.ErrInvalidAppointment)
	}
	cached, cacheErr := s.cache.Get(ctx, externalID)
	var optimistic *appointment.Appointment
	if cacheErr == nil {
		next, err := patch.Apply(cached)
		if err != nil {
			return WriteResult{}, err
		}
		optimistic = &next
	}

	if s.direct(ctx) {
		rec, err := s.withTimeout(ctx, func(ctx context.Context) (appointment.Appointment, error) {
			return s.backend.Update(ctx, externalID, patch)
		})
		if remote.Accepted(err) && optimistic != nil {
			s.logger.Warn("update applied with unreadable response", "appointment_id", externalID, "err", err)
			rec, err = *optimistic, nil
		}
		if err == nil {
			s.save(ctx, rec)
			return WriteResult{Appointment: rec}, nil
		}
		if !remote.IsTransient(err) {
			return WriteResult{}, err
		}
		s.logger.Warn("direct update failed; queueing", "appointment_id", externalID, "err", err)
	}

	if optimistic == nil {
		if errors.Is(cacheErr, localstore.ErrNotFound) && !s.conn.IsOnline() {
			return WriteResult{}, fmt.Errorf("%w: %s", ErrUnknownAppointment, externalID)
		}
		s.logger.Warn("no cached copy; queueing without optimistic apply", "appointment_id", externalID, "err", cacheErr)
	}

	m, err := localstore.NewUpdate(externalID, patch, "")
	if err != nil {
		return WriteResult{}, err
	}
	if err := s.enqueue(ctx, m); err != nil {
		return WriteResult{}, err
	}
	res := WriteResult{Queued: true}
	if optimistic != nil {
		optimistic.UpdatedAt = s.now()
		s.save(ctx, *optimistic)
		res.Appointment = *optimistic
	} else {
		res.Appointment = appointment.Appointment{ExternalID: externalID}
	}
	return res, nil
}

// Reschedule replaces externalID with successor. Online it uses the backend's
// atomic endpoint; offline it queues create-successor then cancel-old under
// one group, so a rejected successor never leaves the old one cancelled.
func (s *Service) Reschedule(ctx context.Context, externalID string, successor appointment.Appointment) (RescheduleResult, error) {
	old, cacheErr := s.cache.Get(ctx, externalID)
	if cacheErr == nil {
		next, _, err := appointment.Reschedule(old, successor)
		if err != nil {
			return RescheduleResult{}, err
		}
		successor = next
	} else if successor.ExternalID == "" {
		successor.ExternalID = uuid.NewString()
	}

	if s.direct(ctx) {
		rctx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := s.backend.Reschedule(rctx, externalID, successor)
		cancel()
		if err == nil {
			s.save(ctx, res.Successor)
			s.save(ctx, res.Cancelled)
			return RescheduleResult{Successor: res.Successor, Cancelled: res.Cancelled}, nil
		}
		if !remote.IsTransient(err) || cacheErr != nil {
			return RescheduleResult{}, err
		}
		s.logger.Warn("direct reschedule failed; queueing", "appointment_id", externalID, "err", err)
	} else if cacheErr != nil {
		if errors.Is(cacheErr, localstore.ErrNotFound) {
			return RescheduleResult{}, fmt.Errorf("%w: %s", ErrUnknownAppointment, externalID)
		}
		return RescheduleResult{}, cacheErr
	}

	successor, cancelled, err := appointment.Reschedule(old, successor)
	if err != nil {
		return RescheduleResult{}, err
	}
	group := uuid.NewString()
	create, err := localstore.NewCreate(successor, group)
	if err != nil {
		return RescheduleResult{}, err
	}
	cancelOld, err := localstore.NewUpdate(externalID, appointment.StatusPatch(appointment.StatusCancelled), group)
	if err != nil {
		return RescheduleResult{}, err
	}
	if err := s.enqueue(ctx, create); err != nil {
		return RescheduleResult{}, err
	}
	if err := s.enqueue(ctx, cancelOld); err != nil {
		return RescheduleResult{}, err
	}

	now := s.now()
	successor.CreatedAt, successor.UpdatedAt = now, now
	cancelled.UpdatedAt = now
	s.save(ctx, successor)
	s.save(ctx, cancelled)
	return RescheduleResult{Successor: successor, Cancelled: cancelled, Queued: true}, nil
}

// List returns the cached view, falling back to the backend when the cache is unusable.
func (s *Service) List(ctx context.Context) ([]appointment.Appointment, error) {
	all, err := s.cache.GetAll(ctx)
	if err == nil {
		return all, nil
	}
	s.logger.Warn("cache read failed", "err", err)
	if !s.conn.IsOnline() {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.backend.List(ctx, s.businessID, 0)
}

func (s *Service) Stats(ctx context.Context) (appointment.Stats, error) {
	all, err := s.List(ctx)
	if err != nil {
		return appointment.Stats{}, err
	}
	return appointment.Aggregate(all), nil
}

func (s *Service) History(ctx context.Context, externalID string) ([]appointment.Appointment, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return appointment.History(all, externalID), nil
}

func (s *Service) Status(ctx context.Context) SyncStatus {
	st := SyncStatus{Online: s.conn.IsOnline(), State: s.processor.State()}
	st.Processing = st.State == StateProcessing
	if n, err := s.queue.Len(ctx); err == nil {
		st.Pending = n
	}
	if failed, err := s.queue.ListFailed(ctx); err == nil {
		st.Failed = len(failed)
	}
	return st
}

func (s *Service) Failed(ctx context.Context) ([]localstore.FailedMutation, error) {
	return s.queue.ListFailed(ctx)
}

func (s *Service) Trigger() {
	s.processor.Trigger()
}

// ApplyRemote merges a record pushed by the realtime feed.
func (s *Service) ApplyRemote(ctx context.Context, a appointment.Appointment) {
	if a.BusinessID != "" && s.businessID != "" && a.BusinessID != s.businessID {
		return
	}
	if _, err := s.reconciler.Apply(ctx, a); err != nil {
		s.logger.Warn("apply remote change", "appointment_id", a.ExternalID, "err", err)
	}
}

// Refresh reloads the business from the backend into the cache.
func (s *Service) Refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.reconciler.Refresh(ctx, s.businessID)
	if err != nil {
		s.logger.Warn("refresh from backend", "err", err)
		return
	}
	s.logger.Debug("refreshed from backend", "records", n)
}

// direct reports whether a write may bypass the queue: online, and nothing
// older is waiting. An unreadable queue counts as empty.
func (s *Service) direct(ctx context.Context) bool {
	if !s.conn.IsOnline() {
		return false
	}
	n, err := s.queue.Len(ctx)
	if err != nil {
		return true
	}
	return n == 0
}

func (s *Service) enqueue(ctx context.Context, m localstore.PendingMutation) error {
	if _, err := s.queue.Enqueue(ctx, m); err != nil {
		s.logger.Error("enqueue mutation", "kind", m.Kind, "appointment_id", m.AppointmentID, "err", err)
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	s.logger.Info("mutation queued", "mutation_id", m.ID, "kind", m.Kind, "appointment_id", m.AppointmentID)
	if s.conn.IsOnline() {
		s.processor.Trigger()
	}
	return nil
}

func (s *Service) save(ctx context.Context, a appointment.Appointment) {
	if err := s.cache.Save(ctx, a); err != nil {
		s.logger.Warn("cache save failed", "appointment_id", a.ExternalID, "err", err)
	}
}

func (s *Service) withTimeout(ctx context.Context, fn func(context.Context) (appointment.Appointment, error)) (appointment.Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return fn(ctx)
}
