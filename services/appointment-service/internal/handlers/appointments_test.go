package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
	"github.com/md-rashed-zaman/apptsync/libs/httpx"
	"github.com/md-rashed-zaman/apptsync/services/appointment-service/internal/storage"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]appointment.Appointment
	now  time.Time
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]appointment.Appointment{}, now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *memStore) tick() time.Time {
	m.now = m.now.Add(time.Second)
	return m.now
}

func (m *memStore) Insert(_ context.Context, a appointment.Appointment) (appointment.Appointment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rows[a.ExternalID]; ok {
		return cur, false, nil
	}
	a.CreatedAt = m.tick()
	a.UpdatedAt = a.CreatedAt
	m.rows[a.ExternalID] = a
	return a, true, nil
}

func (m *memStore) Update(_ context.Context, id string, p appointment.Patch) (appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[id]
	if !ok {
		return cur, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	next, err := p.Apply(cur)
	if err != nil {
		return cur, err
	}
	next.UpdatedAt = m.tick()
	m.rows[id] = next
	return next, nil
}

func (m *memStore) Reschedule(_ context.Context, id string, succ appointment.Appointment) (appointment.Appointment, appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.rows[id]
	if !ok {
		return old, old, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	next, cancelled, err := appointment.Reschedule(old, succ)
	if err != nil {
		return next, cancelled, err
	}
	m.rows[next.ExternalID] = next
	m.rows[id] = cancelled
	return next, cancelled, nil
}

func (m *memStore) Get(_ context.Context, id string) (appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return a, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return a, nil
}

func (m *memStore) ListByBusiness(_ context.Context, businessID string, _ int) ([]appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []appointment.Appointment
	for _, a := range m.rows {
		if a.BusinessID == businessID {
			out = append(out, a)
		}
	}
	return out, nil
}

func newServer(t *testing.T, store Store, limit httpx.Middleware) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewAppointmentHandler(store, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(mux, limit)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

const createBody = `{"external_id":"a1","business_id":"biz-1","customer_name":"Ana","start_time":"2026-03-02T09:00:00Z","end_time":"2026-03-02T09:30:00Z","status":"BOOKED"}`

func TestCreateIsIdempotentOnExternalID(t *testing.T) {
	srv := newServer(t, newMemStore(), nil)

	var first appointment.Appointment
	assert.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/api/v1/appointments", createBody, &first))
	assert.Equal(t, appointment.StatusBooked, first.Status)

	var second appointment.Appointment
	assert.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/api/v1/appointments", createBody, &second))
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestCreateValidation(t *testing.T) {
	srv := newServer(t, newMemStore(), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, call(t, srv, http.MethodPost, "/api/v1/appointments",
		`{"business_id":"biz-1","status":"lost","start_time":"2026-03-02T09:00:00Z","end_time":"2026-03-02T09:30:00Z"}`, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPost, "/api/v1/appointments", `{"business_id":"biz-1"}`, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPost, "/api/v1/appointments",
		`{"business_id":"biz-1","start_time":"2026-03-02T10:00:00Z","end_time":"2026-03-02T09:30:00Z"}`, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPost, "/api/v1/appointments", `not json`, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, call(t, srv, http.MethodDelete, "/api/v1/appointments", "", nil))
}

func TestUpdateTransitions(t *testing.T) {
	srv := newServer(t, newMemStore(), nil)
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/api/v1/appointments", createBody, nil))

	var got appointment.Appointment
	assert.Equal(t, http.StatusOK, call(t, srv, http.MethodPatch, "/api/v1/appointments",
		`{"external_id":"a1","patch":{"status":"cancelled"}}`, &got))
	assert.Equal(t, appointment.StatusCancelled, got.Status)

	// Replays of the same status are no-ops.
	assert.Equal(t, http.StatusOK, call(t, srv, http.MethodPatch, "/api/v1/appointments",
		`{"external_id":"a1","patch":{"status":"cancelled"}}`, nil))
	assert.Equal(t, http.StatusConflict, call(t, srv, http.MethodPatch, "/api/v1/appointments",
		`{"external_id":"a1","patch":{"status":"booked"}}`, nil))
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodPatch, "/api/v1/appointments",
		`{"external_id":"nope","patch":{"status":"confirmed"}}`, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPatch, "/api/v1/appointments",
		`{"external_id":"a1","patch":{}}`, nil))
}

func TestRescheduleStatsAndHistory(t *testing.T) {
	srv := newServer(t, newMemStore(), nil)
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/api/v1/appointments", createBody, nil))

	var res rescheduleResponse
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/api/v1/appointments/reschedule",
		`{"external_id":"a1","successor":{"external_id":"b1","start_time":"2026-03-03T09:00:00Z","end_time":"2026-03-03T09:30:00Z"}}`, &res))
	assert.Equal(t, "a1", res.Successor.PreviousID())
	assert.Equal(t, appointment.StatusCancelled, res.Cancelled.Status)

	var stats appointment.Stats
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/api/v1/appointments/stats?business_id=biz-1", "", &stats))
	assert.Equal(t, appointment.Stats{Total: 2, Booked: 1}, stats)

	var hist listResponse
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/api/v1/appointments/history?external_id=b1", "", &hist))
	require.Len(t, hist.Appointments, 2)
	assert.Equal(t, "a1", hist.Appointments[1].ExternalID)

	assert.Equal(t, http.StatusConflict, call(t, srv, http.MethodPost, "/api/v1/appointments/reschedule",
		`{"external_id":"a1","successor":{"external_id":"c1","start_time":"2026-03-04T09:00:00Z","end_time":"2026-03-04T09:30:00Z"}}`, nil))
}

func TestListRequiresBusinessAndBoundsLimit(t *testing.T) {
	srv := newServer(t, newMemStore(), nil)
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodGet, "/api/v1/appointments", "", nil))
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodGet, "/api/v1/appointments?business_id=biz-1&limit=-1", "", nil))

	var list listResponse
	assert.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/api/v1/appointments?business_id=biz-1&limit=5000", "", &list))
	assert.NotNil(t, list.Appointments)
}

func TestWriteLimitSkipsReads(t *testing.T) {
	limit := httpx.RateLimit(httpx.NewMemoryLimiter(1, time.Minute), httpx.RateLimitOptions{})
	srv := newServer(t, newMemStore(), limit)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/api/v1/appointments?business_id=biz-1", "", nil))
	}
	assert.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/api/v1/appointments", createBody, nil))
	assert.Equal(t, http.StatusTooManyRequests, call(t, srv, http.MethodPost, "/api/v1/appointments", createBody, nil))
}
