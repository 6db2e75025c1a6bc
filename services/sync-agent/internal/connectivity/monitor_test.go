package connectivity

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRequireAllNeedsBothSignals(t *testing.T) {
	m := NewMonitor(RequireAll, discardLogger())
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	assert.False(t, m.IsOnline())

	m.Set(SignalNetwork, true)
	assert.False(t, m.IsOnline())
	assertNoEvent(t, events)

	m.Set(SignalRealtime, true)
	assert.True(t, m.IsOnline())
	ev := recv(t, events)
	assert.True(t, ev.Online)
	assert.Equal(t, SignalRealtime, ev.Cause)

	// realtime handshake failure while the network is up
	m.Set(SignalRealtime, false)
	ev = recv(t, events)
	assert.False(t, ev.Online)
}

func TestRequireAny(t *testing.T) {
	m := NewMonitor(RequireAny, discardLogger())
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.Set(SignalNetwork, true)
	assert.True(t, recv(t, events).Online)

	m.Set(SignalRealtime, true)
	assertNoEvent(t, events)

	m.Set(SignalNetwork, false)
	assertNoEvent(t, events)
	assert.True(t, m.IsOnline())
}

func TestDuplicateStatesEmitOnce(t *testing.T) {
	m := NewMonitor(RequireAny, discardLogger(), SignalNetwork)
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		m.Set(SignalNetwork, true)
	}
	assert.True(t, recv(t, events).Online)
	assertNoEvent(t, events)

	m.Set(Signal("bogus"), false)
	assertNoEvent(t, events)
}

func TestSlowSubscriberKeepsOrder(t *testing.T) {
	m := NewMonitor(RequireAny, discardLogger(), SignalNetwork)
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	for i := 0; i < 10; i++ {
		m.Set(SignalNetwork, i%2 == 0)
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, i%2 == 0, recv(t, events).Online, "event %d", i)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewMonitor(RequireAny, discardLogger(), SignalNetwork)
	events, unsubscribe := m.Subscribe()
	unsubscribe()
	unsubscribe()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	m.Set(SignalNetwork, true)
}

func TestProber(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMonitor(RequireAny, discardLogger(), SignalNetwork)
	p := NewProber(srv.Client(), srv.URL+"/healthz", 10*time.Millisecond, time.Second, m, discardLogger())

	assert.False(t, p.Probe(context.Background()))
	healthy.Store(true)
	assert.True(t, p.Probe(context.Background()))

	events, unsubscribe := m.Subscribe()
	defer unsubscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.True(t, recv(t, events).Online)
	healthy.Store(false)
	require.False(t, recv(t, events).Online)
}
