package connectivity

import (
	"log/slog"
	"sync"
	"time"
)

type Signal string

const (
	SignalNetwork  Signal = "network"
	SignalRealtime Signal = "realtime"
)

type Policy int

const (
	// RequireAll reports online only while every signal is up.
	RequireAll Policy = iota
	// RequireAny reports online while at least one signal is up.
	RequireAny
)

// Event is emitted once per change of the derived online state.
type Event struct {
	Online bool      `json:"online"`
	Cause  Signal    `json:"cause"`
	At     time.Time `json:"at"`
}

// Monitor derives a single online flag from several liveness signals.
// Signals start down, so a new monitor is offline.
type Monitor struct {
	policy Policy
	logger *slog.Logger

	mu      sync.Mutex
	signals map[Signal]bool
	online  bool
	subs    map[int]*mailbox
	nextID  int
}

func NewMonitor(policy Policy, logger *slog.Logger, signals ...Signal) *Monitor {
	if len(signals) == 0 {
		signals = []Signal{SignalNetwork, SignalRealtime}
	}
	m := &Monitor{
		policy:  policy,
		logger:  logger,
		signals: make(map[Signal]bool, len(signals)),
		subs:    map[int]*mailbox{},
	}
	for _, s := range signals {
		m.signals[s] = false
	}
	return m
}

// Set records the state of one signal. Unknown signals are ignored.
// Repeating the current state is a no-op.
func (m *Monitor) Set(sig Signal, up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, known := m.signals[sig]
	if !known {
		m.logger.Warn("connectivity signal not tracked", "signal", sig)
		return
	}
	if prev == up {
		return
	}
	m.signals[sig] = up

	online := m.derive()
	if online == m.online {
		return
	}
	m.online = online
	ev := Event{Online: online, Cause: sig, At: time.Now().UTC()}
	m.logger.Info("connectivity changed", "online", online, "cause", sig)
	for _, mb := range m.subs {
		mb.push(ev)
	}
}

func (m *Monitor) derive() bool {
	switch m.policy {
	case RequireAny:
		for _, up := range m.signals {
			if up {
				return true
			}
		}
		return false
	default:
		for _, up := range m.signals {
			if !up {
				return false
			}
		}
		return true
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Signals returns a copy of the per-signal state.
func (m *Monitor) Signals() map[Signal]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Signal]bool, len(m.signals))
	for k, v := range m.signals {
		out[k] = v
	}
	return out
}

// Subscribe returns a channel of transitions and a func that ends the
// subscription and closes the channel. Events are queued per subscriber so a
// slow reader never loses one and never blocks Set.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	mb := newMailbox()

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = mb
	m.mu.Unlock()

	var once sync.Once
	return mb.out, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(mb.done)
		})
	}
}

type mailbox struct {
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	out    chan Event
	done   chan struct{}
}

func newMailbox() *mailbox {
	mb := &mailbox{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go mb.pump()
	return mb
}

func (mb *mailbox) push(ev Event) {
	mb.mu.Lock()
	mb.queue = append(mb.queue, ev)
	mb.mu.Unlock()
	select {
	case mb.notify <- struct{}{}:
	default:
	}
}

func (mb *mailbox) pump() {
	defer close(mb.out)
	for {
		mb.mu.Lock()
		if len(mb.queue) == 0 {
			mb.mu.Unlock()
			select {
			case <-mb.notify:
				continue
			case <-mb.done:
				return
			}
		}
		ev := mb.queue[0]
		mb.queue = mb.queue[1:]
		mb.mu.Unlock()

		select {
		case mb.out <- ev:
		case <-mb.done:
			return
		}
	}
}
