// Package realtime serves the websocket change feed agents subscribe to.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
	"github.com/md-rashed-zaman/apptsync/libs/feed"
	"github.com/md-rashed-zaman/apptsync/libs/httpx"
)

type subscriber struct {
	businessID string
	ch         chan feed.Envelope
	closed     bool
}

// Hub fans appointment changes out to websocket subscribers of the same business.
// A subscriber whose buffer fills up is disconnected; it reconnects and refreshes.
type Hub struct {
	logger       *slog.Logger
	buffer       int
	writeTimeout time.Duration
	origins      []string

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type HubConfig struct {
	Buffer       int
	WriteTimeout time.Duration
	// OriginPatterns is passed to websocket.Accept; empty allows same-origin only.
	OriginPatterns []string
}

func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Hub{
		logger:       logger,
		buffer:       cfg.Buffer,
		writeTimeout: cfg.WriteTimeout,
		origins:      cfg.OriginPatterns,
		subs:         map[int]*subscriber{},
	}
}

func (h *Hub) Subscribe(businessID string) (<-chan feed.Envelope, func()) {
	sub := &subscriber{businessID: businessID, ch: make(chan feed.Envelope, h.buffer)}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.closed {
		sub.closed = true
		close(sub.ch)
	} else {
		h.subs[id] = sub
	}
	h.mu.Unlock()

	return sub.ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish delivers a to every subscriber of its business and returns how many received it.
func (h *Hub) Publish(a appointment.Appointment) int {
	env, err := feed.Changed(a)
	if err != nil {
		h.logger.Error("encode change event", "appointment_id", a.ExternalID, "err", err)
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for id, sub := range h.subs {
		if sub.businessID != a.BusinessID {
			continue
		}
		select {
		case sub.ch <- env:
			delivered++
		default:
			h.logger.Warn("realtime subscriber too slow; disconnecting", "business_id", sub.businessID)
			delete(h.subs, id)
			sub.closed = true
			close(sub.ch)
		}
	}
	return delivered
}

// PublishPayload decodes an appointment.changed.v1 payload and publishes it.
func (h *Hub) PublishPayload(payload []byte) error {
	var a appointment.Appointment
	if err := json.Unmarshal(payload, &a); err != nil {
		return fmt.Errorf("decode appointment event: %w", err)
	}
	h.Publish(a)
	return nil
}

// Shutdown tells every subscriber the backend is going offline and ends their streams.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	offline := feed.System(feed.StatusOffline)
	for id, sub := range h.subs {
		select {
		case sub.ch <- offline:
		default:
		}
		delete(h.subs, id)
		sub.closed = true
		close(sub.ch)
	}
}

// ServeWS upgrades GET /api/v1/realtime?business_id= to a change feed.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	businessID := strings.TrimSpace(r.URL.Query().Get("business_id"))
	if businessID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "business_id is required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	events, unsubscribe := h.Subscribe(businessID)
	defer unsubscribe()

	// CloseRead answers pings and cancels ctx once the client goes away.
	ctx := conn.CloseRead(r.Context())
	if err := h.write(ctx, conn, feed.System(feed.StatusOnline)); err != nil {
		return
	}
	h.logger.Debug("realtime subscriber connected", "business_id", businessID)

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if err := h.write(ctx, conn, env); err != nil {
				h.logger.Debug("realtime write failed", "business_id", businessID, "err", err)
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, env feed.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, env)
}
