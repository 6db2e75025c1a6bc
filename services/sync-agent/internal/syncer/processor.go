package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/localstore"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/remote"
)

type State string

const (
	StateIdle       State = "IDLE"
	StateProcessing State = "PROCESSING"
)

type ProcessorConfig struct {
	// ApplyTimeout bounds each remote call. A timeout counts as a transient failure.
	ApplyTimeout time.Duration
	// MaxAttempts is the transient-failure budget per mutation before it is dead-lettered.
	MaxAttempts int
	// RetryInterval re-runs a pass while online and work is pending.
	RetryInterval time.Duration
}

func (c *ProcessorConfig) defaults() {
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
}

// Failure describes a mutation that left the queue without being applied.
type Failure struct {
	Mutation localstore.PendingMutation `json:"mutation"`
	Reason   string                     `json:"reason"`
	At       time.Time                  `json:"at"`
}

// PassResult summarizes one drain pass.
type PassResult struct {
	Applied  int
	Failed   int
	Retained int
}

// Processor drains the mutation queue against the backend, one pass at a time.
type Processor struct {
	queue   localstore.MutationQueue
	cache   localstore.RecordCache
	backend Backend
	conn    Connectivity
	logger  *slog.Logger
	cfg     ProcessorConfig

	// afterPass runs once a pass applied or dropped something.
	afterPass func(ctx context.Context)

	kick   chan struct{}
	passes atomic.Int64

	mu    sync.Mutex
	state State
	subs  map[int]chan Failure
	subID int
}

func NewProcessor(queue localstore.MutationQueue, cache localstore.RecordCache, backend Backend, conn Connectivity, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	cfg.defaults()
	return &Processor{
		queue:   queue,
		cache:   cache,
		backend: backend,
		conn:    conn,
		logger:  logger,
		cfg:     cfg,
		kick:    make(chan struct{}, 1),
		state:   StateIdle,
		subs:    map[int]chan Failure{},
	}
}

// OnPassComplete registers fn to run after a pass that changed the queue.
// Must be called before Run.
func (p *Processor) OnPassComplete(fn func(ctx context.Context)) {
	p.afterPass = fn
}

// Passes returns the number of completed drain passes.
func (p *Processor) Passes() int64 {
	return p.passes.Load()
}

func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Trigger requests a pass. Requests made while a pass is running collapse
// into a single follow-up pass.
func (p *Processor) Trigger() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// SubscribeFailures delivers every dead-lettered mutation. A subscriber that
// falls more than the buffer behind misses failures; ListFailed still has them.
func (p *Processor) SubscribeFailures() (<-chan Failure, func()) {
	ch := make(chan Failure, 32)
	p.mu.Lock()
	id := p.subID
	p.subID++
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

// Run processes passes until ctx is done. It reacts to online transitions,
// explicit triggers, and a retry ticker while online.
func (p *Processor) Run(ctx context.Context) {
	events, unsubscribe := p.conn.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(p.cfg.RetryInterval)
	defer ticker.Stop()

	if p.conn.IsOnline() {
		p.Trigger()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Online && p.pending(ctx) > 0 {
				p.Trigger()
			}
		case <-ticker.C:
			if p.conn.IsOnline() && p.pending(ctx) > 0 {
				p.Trigger()
			}
		case <-p.kick:
			if !p.conn.IsOnline() {
				p.logger.Debug("sync pass skipped while offline")
				continue
			}
			p.Drain(ctx)
		}
	}
}

func (p *Processor) pending(ctx context.Context) int {
	n, err := p.queue.Len(ctx)
	if err != nil {
		p.logger.Warn("read queue length", "err", err)
		return 0
	}
	return n
}

// Drain runs one pass over a snapshot of the queue in FIFO order.
// Applied mutations are acked. A transient failure stops the pass and keeps
// the failing mutation and everything after it. A permanent failure
// dead-letters the mutation and any later mutation of the same group.
func (p *Processor) Drain(ctx context.Context) PassResult {
	p.setState(StateProcessing)
	defer p.setState(StateIdle)
	defer p.passes.Add(1)

	var res PassResult
	items, err := p.queue.DrainAll(ctx)
	if err != nil {
		p.logger.Error("read mutation queue", "err", err)
		return res
	}
	if len(items) == 0 {
		return res
	}

	dropped := map[string]string{}
	for i, m := range items {
		if ctx.Err() != nil {
			res.Retained = len(items) - i
			break
		}
		if reason, ok := dropped[m.GroupID]; ok && m.GroupID != "" {
			p.fail(ctx, m, "dropped with its group: "+reason)
			res.Failed++
			continue
		}

		rec, err := p.apply(ctx, m)
		if remote.Accepted(err) {
			// Applied remotely without a usable record; the post-pass refresh reloads it.
			p.logger.Warn("mutation applied with unreadable response", "mutation_id", m.ID, "appointment_id", m.AppointmentID, "err", err)
			rec, err = appointment.Appointment{}, nil
		}
		if err == nil {
			if err := p.queue.Ack(ctx, m.ID); err != nil {
				// the mutation will be replayed; backend writes are idempotent
				p.logger.Error("ack mutation", "mutation_id", m.ID, "err", err)
			}
			p.cacheApplied(ctx, rec, items[i+1:])
			res.Applied++
			continue
		}

		if remote.IsTransient(err) {
			attempts, aerr := p.queue.RecordAttempt(ctx, m.ID, err.Error())
			if aerr != nil {
				p.logger.Error("record attempt", "mutation_id", m.ID, "err", aerr)
			}
			if attempts >= p.cfg.MaxAttempts {
				m.Attempts = attempts
				m.LastError = err.Error()
				p.fail(ctx, m, fmt.Sprintf("gave up after %d attempts: %v", attempts, err))
				res.Failed++
				rest := items[i+1:]
				n := p.dropGroup(ctx, rest, m.GroupID, "retry budget exhausted")
				res.Failed += n
				res.Retained = len(rest) - n
			} else {
				p.logger.Warn("mutation deferred", "mutation_id", m.ID, "kind", m.Kind,
					"appointment_id", m.AppointmentID, "attempt", attempts, "err", err)
				res.Retained = len(items) - i
			}
			break
		}

		p.fail(ctx, m, err.Error())
		if m.GroupID != "" {
			dropped[m.GroupID] = err.Error()
		}
		res.Failed++
	}

	p.logger.Info("sync pass complete", "applied", res.Applied, "failed", res.Failed, "retained", res.Retained)
	if (res.Applied > 0 || res.Failed > 0) && p.afterPass != nil {
		p.afterPass(ctx)
	}
	return res
}

// dropGroup dead-letters every mutation in rest that belongs to groupID.
func (p *Processor) dropGroup(ctx context.Context, rest []localstore.PendingMutation, groupID, reason string) int {
	if groupID == "" {
		return 0
	}
	n := 0
	for _, m := range rest {
		if m.GroupID == groupID {
			p.fail(ctx, m, "dropped with its group: "+reason)
			n++
		}
	}
	return n
}

func (p *Processor) apply(ctx context.Context, m localstore.PendingMutation) (appointment.Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ApplyTimeout)
	defer cancel()

	switch m.Kind {
	case localstore.KindCreate:
		a, err := m.Appointment()
		if err != nil {
			return a, err
		}
		rec, _, err := p.backend.Insert(ctx, a)
		return rec, err
	case localstore.KindUpdate:
		patch, err := m.Patch()
		if err != nil {
			return appointment.Appointment{}, err
		}
		return p.backend.Update(ctx, m.AppointmentID, patch)
	default:
		return appointment.Appointment{}, fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
}

// cacheApplied stores the server's record, re-applying any still-queued
// updates for the same appointment so the optimistic view survives.
func (p *Processor) cacheApplied(ctx context.Context, rec appointment.Appointment, rest []localstore.PendingMutation) {
	if rec.ExternalID == "" {
		return
	}
	for _, m := range rest {
		if m.AppointmentID != rec.ExternalID || m.Kind != localstore.KindUpdate {
			continue
		}
		patch, err := m.Patch()
		if err != nil {
			continue
		}
		if next, err := patch.Apply(rec); err == nil {
			rec = next
		}
	}
	if err := p.cache.Save(ctx, rec); err != nil {
		p.logger.Warn("cache applied record", "appointment_id", rec.ExternalID, "err", err)
	}
}

func (p *Processor) fail(ctx context.Context, m localstore.PendingMutation, reason string) {
	p.logger.Warn("mutation dropped", "mutation_id", m.ID, "kind", m.Kind,
		"appointment_id", m.AppointmentID, "group_id", m.GroupID, "reason", reason)

	if err := p.queue.MoveToFailed(ctx, m, reason); err != nil {
		p.logger.Error("move mutation to failed", "mutation_id", m.ID, "err", err)
		if err := p.queue.Ack(ctx, m.ID); err != nil && !errors.Is(err, localstore.ErrNotFound) {
			p.logger.Error("remove failed mutation", "mutation_id", m.ID, "err", err)
		}
	}
	// an optimistic create that the backend refused must not linger in the cache
	if m.Kind == localstore.KindCreate {
		if err := p.cache.Delete(ctx, m.AppointmentID); err != nil {
			p.logger.Warn("evict rejected create", "appointment_id", m.AppointmentID, "err", err)
		}
	}

	f := Failure{Mutation: m, Reason: reason, At: time.Now().UTC()}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- f:
		default:
			p.logger.Warn("failure subscriber full; event dropped", "mutation_id", m.ID)
		}
	}
}

func (p *Processor) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}
