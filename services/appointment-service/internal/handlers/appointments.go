package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
	"github.com/md-rashed-zaman/apptsync/libs/httpx"
	"github.com/md-rashed-zaman/apptsync/services/appointment-service/internal/storage"
)

// Store is the persistence the handlers need; *storage.Repository implements it.
type Store interface {
	Insert(ctx context.Context, a appointment.Appointment) (appointment.Appointment, bool, error)
	Update(ctx context.Context, externalID string, patch appointment.Patch) (appointment.Appointment, error)
	Reschedule(ctx context.Context, externalID string, successor appointment.Appointment) (appointment.Appointment, appointment.Appointment, error)
	Get(ctx context.Context, externalID string) (appointment.Appointment, error)
	ListByBusiness(ctx context.Context, businessID string, limit int) ([]appointment.Appointment, error)
}

const (
	defaultListLimit = 200
	maxListLimit     = 1000
	maxHistoryDepth  = 100
)

type AppointmentHandler struct {
	store  Store
	logger *slog.Logger
}

func NewAppointmentHandler(store Store, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{store: store, logger: logger}
}

// Register mounts the routes. writeLimit, when non-nil, wraps every non-GET request.
func (h *AppointmentHandler) Register(mux *http.ServeMux, writeLimit httpx.Middleware) {
	mux.Handle("/api/v1/appointments", limitWrites(writeLimit, h.Appointments))
	mux.Handle("/api/v1/appointments/reschedule", limitWrites(writeLimit, h.Reschedule))
	mux.HandleFunc("/api/v1/appointments/stats", h.Stats)
	mux.HandleFunc("/api/v1/appointments/history", h.History)
}

func limitWrites(mw httpx.Middleware, fn http.HandlerFunc) http.Handler {
	if mw == nil {
		return fn
	}
	limited := mw(fn)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			fn(w, r)
			return
		}
		limited.ServeHTTP(w, r)
	})
}

type listResponse struct {
	Appointments []appointment.Appointment `json:"appointments"`
}

type updateRequest struct {
	ExternalID string            `json:"external_id"`
	Patch      appointment.Patch `json:"patch"`
}

type rescheduleRequest struct {
	ExternalID string                  `json:"external_id"`
	Successor  appointment.Appointment `json:"successor"`
}

type rescheduleResponse struct {
	Successor appointment.Appointment `json:"successor"`
	Cancelled appointment.Appointment `json:"cancelled"`
}

func (h *AppointmentHandler) Appointments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.create(w, r)
	case http.MethodPatch:
		h.update(w, r)
	default:
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *AppointmentHandler) list(w http.ResponseWriter, r *http.Request) {
	businessID := strings.TrimSpace(r.URL.Query().Get("business_id"))
	if businessID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "business_id is required")
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpx.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	appts, err := h.store.ListByBusiness(r.Context(), businessID, limit)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if appts == nil {
		appts = []appointment.Appointment{}
	}
	httpx.WriteJSON(w, http.StatusOK, listResponse{Appointments: appts})
}

func (h *AppointmentHandler) create(w http.ResponseWriter, r *http.Request) {
	var a appointment.Appointment
	if err := httpx.DecodeJSON(r, &a); err != nil {
		h.writeErr(w, err)
		return
	}
	a.ExternalID = strings.TrimSpace(a.ExternalID)
	a.BusinessID = strings.TrimSpace(a.BusinessID)
	a.CustomerName = strings.TrimSpace(a.CustomerName)
	if a.ExternalID == "" {
		a.ExternalID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = appointment.StatusBooked
	}
	if a.StartTime.IsZero() || a.EndTime.IsZero() {
		httpx.WriteError(w, http.StatusBadRequest, "start_time and end_time are required")
		return
	}
	a.StartTime, a.EndTime = a.StartTime.UTC(), a.EndTime.UTC()
	if err := a.Validate(); err != nil {
		h.writeErr(w, err)
		return
	}

	stored, created, err := h.store.Insert(r.Context(), a)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
		h.logger.Info("appointment created", "appointment_id", stored.ExternalID, "business_id", stored.BusinessID)
	}
	httpx.WriteJSON(w, code, stored)
}

func (h *AppointmentHandler) update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	if req.ExternalID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "external_id is required")
		return
	}
	if req.Patch.IsEmpty() {
		httpx.WriteError(w, http.StatusBadRequest, "patch is empty")
		return
	}
	stored, err := h.store.Update(r.Context(), req.ExternalID, req.Patch)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stored)
}

func (h *AppointmentHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req rescheduleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	if req.ExternalID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "external_id is required")
		return
	}
	if req.Successor.StartTime.IsZero() || req.Successor.EndTime.IsZero() {
		httpx.WriteError(w, http.StatusBadRequest, "successor start_time and end_time are required")
		return
	}
	successor, cancelled, err := h.store.Reschedule(r.Context(), req.ExternalID, req.Successor)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.logger.Info("appointment rescheduled", "appointment_id", cancelled.ExternalID, "successor_id", successor.ExternalID)
	httpx.WriteJSON(w, http.StatusOK, rescheduleResponse{Successor: successor, Cancelled: cancelled})
}

func (h *AppointmentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	businessID := strings.TrimSpace(r.URL.Query().Get("business_id"))
	if businessID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "business_id is required")
		return
	}
	appts, err := h.store.ListByBusiness(r.Context(), businessID, 0)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, appointment.Aggregate(appts))
}

// History follows previous_appointment links from external_id back to the first booking.
func (h *AppointmentHandler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("external_id"))
	if id == "" {
		httpx.WriteError(w, http.StatusBadRequest, "external_id is required")
		return
	}
	var chain []appointment.Appointment
	seen := map[string]bool{}
	for id != "" && !seen[id] && len(chain) < maxHistoryDepth {
		a, err := h.store.Get(r.Context(), id)
		if err != nil {
			if storage.IsNotFound(err) && len(chain) > 0 {
				break
			}
			h.writeErr(w, err)
			return
		}
		seen[id] = true
		chain = append(chain, a)
		id = a.PreviousID()
	}
	httpx.WriteJSON(w, http.StatusOK, listResponse{Appointments: chain})
}

func (h *AppointmentHandler) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrInvalidStatus):
		httpx.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, appointment.ErrTerminalState), errors.Is(err, appointment.ErrInvalidTransition):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, appointment.ErrInvalidAppointment), errors.Is(err, httpx.ErrBadBody):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	case storage.IsNotFound(err):
		httpx.WriteError(w, http.StatusNotFound, err.Error())
	case storage.IsConflict(err):
		httpx.WriteError(w, http.StatusConflict, "appointment conflicts with stored data")
	default:
		h.logger.Error("appointment request failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
