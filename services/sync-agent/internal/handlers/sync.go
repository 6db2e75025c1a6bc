package handlers

import (
	"net/http"

	"github.com/md-rashed-zaman/apptsync/libs/httpx"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/localstore"
)

type failedResponse struct {
	Failed []localstore.FailedMutation `json:"failed"`
}

func (h *AgentHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

func (h *AgentHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.svc.Trigger()
	httpx.WriteJSON(w, http.StatusAccepted, h.svc.Status(r.Context()))
}

func (h *AgentHandler) Failed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	failed, err := h.svc.Failed(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if failed == nil {
		failed = []localstore.FailedMutation{}
	}
	httpx.WriteJSON(w, http.StatusOK, failedResponse{Failed: failed})
}
