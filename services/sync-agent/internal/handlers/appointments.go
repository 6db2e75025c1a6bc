package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
	"github.com/md-rashed-zaman/apptsync/libs/httpx"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/localstore"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/remote"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/syncer"
)

// SyncService is the subset of *syncer.Service the local API needs.
type SyncService interface {
	Create(ctx context.Context, a appointment.Appointment) (syncer.WriteResult, error)
	Update(ctx context.Context, externalID string, patch appointment.Patch) (syncer.WriteResult, error)
	UpdateStatus(ctx context.Context, externalID string, status appointment.Status) (syncer.WriteResult, error)
	Reschedule(ctx context.Context, externalID string, successor appointment.Appointment) (syncer.RescheduleResult, error)
	List(ctx context.Context) ([]appointment.Appointment, error)
	Stats(ctx context.Context) (appointment.Stats, error)
	History(ctx context.Context, externalID string) ([]appointment.Appointment, error)
	Status(ctx context.Context) syncer.SyncStatus
	Failed(ctx context.Context) ([]localstore.FailedMutation, error)
	Trigger()
}

type AgentHandler struct {
	svc    SyncService
	logger *slog.Logger
}

func NewAgentHandler(svc SyncService, logger *slog.Logger) *AgentHandler {
	return &AgentHandler{svc: svc, logger: logger}
}

func (h *AgentHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/appointments", h.Appointments)
	mux.HandleFunc("/api/v1/appointments/status", h.UpdateStatus)
	mux.HandleFunc("/api/v1/appointments/reschedule", h.Reschedule)
	mux.HandleFunc("/api/v1/appointments/history", h.History)
	mux.HandleFunc("/api/v1/stats", h.Stats)
	mux.HandleFunc("/api/v1/sync/status", h.SyncStatus)
	mux.HandleFunc("/api/v1/sync/trigger", h.Trigger)
	mux.HandleFunc("/api/v1/sync/failed", h.Failed)
}

type listResponse struct {
	Appointments []appointment.Appointment `json:"appointments"`
}

type updateRequest struct {
	ExternalID string            `json:"external_id"`
	Patch      appointment.Patch `json:"patch"`
}

type statusRequest struct {
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
}

type rescheduleRequest struct {
	ExternalID string                  `json:"external_id"`
	Successor  appointment.Appointment `json:"successor"`
}

func (h *AgentHandler) Appointments(w http.ResponseWriter, r *http.Request) {
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

func (h *AgentHandler) list(w http.ResponseWriter, r *http.Request) {
	all, err := h.svc.List(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if all == nil {
		all = []appointment.Appointment{}
	}
	httpx.WriteJSON(w, http.StatusOK, listResponse{Appointments: all})
}

func (h *AgentHandler) create(w http.ResponseWriter, r *http.Request) {
	var a appointment.Appointment
	if err := httpx.DecodeJSON(r, &a); err != nil {
		h.writeErr(w, err)
		return
	}
	res, err := h.svc.Create(r.Context(), a)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, writeStatus(res.Queued, http.StatusCreated), res)
}

func (h *AgentHandler) update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	if strings.TrimSpace(req.ExternalID) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "external_id is required")
		return
	}
	res, err := h.svc.Update(r.Context(), req.ExternalID, req.Patch)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, writeStatus(res.Queued, http.StatusOK), res)
}

func (h *AgentHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req statusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	if strings.TrimSpace(req.ExternalID) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "external_id is required")
		return
	}
	status, err := appointment.ParseStatus(req.Status)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	res, err := h.svc.UpdateStatus(r.Context(), req.ExternalID, status)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, writeStatus(res.Queued, http.StatusOK), res)
}

func (h *AgentHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req rescheduleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	if strings.TrimSpace(req.ExternalID) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "external_id is required")
		return
	}
	res, err := h.svc.Reschedule(r.Context(), req.ExternalID, req.Successor)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, writeStatus(res.Queued, http.StatusOK), res)
}

func (h *AgentHandler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("external_id"))
	if id == "" {
		httpx.WriteError(w, http.StatusBadRequest, "external_id is required")
		return
	}
	chain, err := h.svc.History(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if len(chain) == 0 {
		httpx.WriteError(w, http.StatusNotFound, "appointment not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, listResponse{Appointments: chain})
}

func (h *AgentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stats)
}

// writeStatus answers 202 for writes that were only queued.
func writeStatus(queued bool, ok int) int {
	if queued {
		return http.StatusAccepted
	}
	return ok
}

func (h *AgentHandler) writeErr(w http.ResponseWriter, err error) {
	var apiErr *remote.Error
	switch {
	case errors.As(err, &apiErr):
		httpx.WriteErrorDetails(w, apiErr.StatusCode, "backend rejected the request", apiErr.Message)
	case errors.Is(err, appointment.ErrInvalidStatus):
		httpx.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, appointment.ErrTerminalState), errors.Is(err, appointment.ErrInvalidTransition):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, appointment.ErrInvalidAppointment):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, syncer.ErrUnknownAppointment):
		httpx.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, syncer.ErrQueueUnavailable), errors.Is(err, localstore.ErrStorageUnavailable):
		httpx.WriteError(w, http.StatusServiceUnavailable, err.Error())
	case remote.IsTransient(err):
		httpx.WriteErrorDetails(w, http.StatusBadGateway, "backend unavailable", err.Error())
	case errors.Is(err, httpx.ErrBadBody):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("agent request failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
