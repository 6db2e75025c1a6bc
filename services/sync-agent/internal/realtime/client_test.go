package realtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
	"github.com/md-rashed-zaman/apptsync/libs/feed"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/connectivity"
)

type recordingSink struct {
	mu     sync.Mutex
	states []bool
}

func (s *recordingSink) Set(sig connectivity.Signal, up bool) {
	if sig != connectivity.SignalRealtime {
		return
	}
	s.mu.Lock()
	s.states = append(s.states, up)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.states...)
}

func TestClientDispatchesFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/realtime", r.URL.Path)
		assert.Equal(t, "biz-1", r.URL.Query().Get("business_id"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		env, _ := feed.Changed(appointment.Appointment{ExternalID: "a1", BusinessID: "biz-1", Status: appointment.StatusConfirmed})
		_ = wsjson.Write(ctx, conn, env)
		_ = wsjson.Write(ctx, conn, feed.System(feed.StatusOffline))
	}))
	defer srv.Close()

	sink := &recordingSink{}
	changes := make(chan appointment.Appointment, 1)
	c := NewClient(Config{
		BaseURL:           srv.URL,
		BusinessID:        "biz-1",
		HeartbeatInterval: time.Hour,
		ReconnectBase:     time.Hour,
	}, sink, func(_ context.Context, a appointment.Appointment) { changes <- a }, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case a := <-changes:
		assert.Equal(t, "a1", a.ExternalID)
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}

	require.Eventually(t, func() bool {
		s := sink.snapshot()
		return len(s) >= 3 && !s[len(s)-1]
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, sink.snapshot()[0], "connect marks the channel live")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestFeedURL(t *testing.T) {
	c := NewClient(Config{BaseURL: "https://api.example/", BusinessID: "b 1"}, &recordingSink{}, nil, slog.Default())
	u, err := c.FeedURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example/api/v1/realtime?business_id=b+1", u)
}

func TestReconnectorBackoff(t *testing.T) {
	r := &reconnector{baseDelay: 100 * time.Millisecond, maxDelay: time.Second}
	prev := time.Duration(0)
	for i := 0; i < 3; i++ {
		d := r.nextDelay()
		assert.Greater(t, d, prev)
		prev = d
	}
	for i := 0; i < 10; i++ {
		assert.LessOrEqual(t, r.nextDelay(), time.Second)
	}
}
