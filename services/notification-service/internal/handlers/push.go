package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/apptsync/libs/httpx"
	"github.com/md-rashed-zaman/apptsync/services/notification-service/internal/push"
	"github.com/md-rashed-zaman/apptsync/services/notification-service/internal/storage"
)

// DeliveryLog records push attempts. A nil log disables recording.
type DeliveryLog interface {
	Insert(ctx context.Context, d storage.Delivery) error
}

type PushHandler struct {
	keys   push.Keys
	sender push.Sender
	log    DeliveryLog
	logger *slog.Logger
}

func NewPushHandler(keys push.Keys, sender push.Sender, log DeliveryLog, logger *slog.Logger) *PushHandler {
	return &PushHandler{keys: keys, sender: sender, log: log, logger: logger}
}

func (h *PushHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/get-vapid-key", h.VAPIDKey)
	mux.HandleFunc("/send-push-notification", h.Send)
}

type vapidKeyResponse struct {
	PublicKey string `json:"publicKey"`
	Generated bool   `json:"generated"`
}

type sendRequest struct {
	Subscription     *push.Subscription `json:"subscription"`
	NotificationData json.RawMessage    `json:"notificationData"`
}

type sendResponse struct {
	Success bool `json:"success"`
}

func (h *PushHandler) VAPIDKey(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		httpx.WriteJSON(w, http.StatusOK, vapidKeyResponse{PublicKey: h.keys.Public, Generated: h.keys.Generated})
	default:
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *PushHandler) Send(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req sendRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Subscription == nil || isEmptyJSON(req.NotificationData) {
		httpx.WriteError(w, http.StatusBadRequest, "subscription and notificationData are required")
		return
	}

	status, err := h.sender.Send(r.Context(), *req.Subscription, req.NotificationData)
	h.record(r.Context(), req.Subscription.Endpoint, status, err)
	if err != nil {
		h.logger.Error("push delivery failed", "endpoint_host", endpointHost(req.Subscription.Endpoint), "status", status, "err", err)
		httpx.WriteErrorDetails(w, http.StatusInternalServerError, "failed to send push notification", err.Error())
		return
	}
	h.logger.Info("push delivered", "endpoint_host", endpointHost(req.Subscription.Endpoint), "status", status)
	httpx.WriteJSON(w, http.StatusOK, sendResponse{Success: true})
}

func (h *PushHandler) record(ctx context.Context, endpoint string, status int, sendErr error) {
	if h.log == nil {
		return
	}
	d := storage.Delivery{Endpoint: endpoint, StatusCode: status, Status: storage.StatusSent}
	if sendErr != nil {
		d.Status = storage.StatusFailed
		d.Error = sendErr.Error()
	}
	if err := h.log.Insert(ctx, d); err != nil {
		h.logger.Warn("failed to record push delivery", "err", err)
	}
}

func isEmptyJSON(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

// endpointHost keeps the per-subscription token out of logs.
func endpointHost(endpoint string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}
