package handler

import (
	"net/http"
	"time"

	"github.com/kiranshivaraju/hubfeed-agent/internal/api/response"
	"github.com/kiranshivaraju/hubfeed-agent/internal/history"
)

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, map[string]string{"status": "ok", "version": h.Version})
}

type statusResponse struct {
	Status     string     `json:"status"`
	Version    string     `json:"version"`
	Running    bool       `json:"running"`
	Verified   bool       `json:"verified"`
	Reachable  bool       `json:"hubfeed_reachable"`
	Configured bool       `json:"configured"`
	LastSync   *time.Time `json:"last_sync"`
	Avatars    int        `json:"avatars"`
}

// Status handles GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	health := h.Loop.HealthCheck(r.Context())
	status := "stopped"
	if health.Running {
		status = "running"
	}
	response.JSON(w, statusResponse{
		Status:     status,
		Version:    h.Version,
		Running:    health.Running,
		Verified:   health.Verified,
		Reachable:  health.Reachable,
		Configured: health.Configured,
		LastSync:   health.LastSync,
		Avatars:    len(h.State.Avatars()),
	})
}

// StartLoop handles POST /api/control/start.
func (h *Handler) StartLoop(w http.ResponseWriter, r *http.Request) {
	if !h.State.IsConfigured() {
		response.Error(w, http.StatusBadRequest,
			"NOT_CONFIGURED", "Set the Hubfeed token before starting the agent", nil)
		return
	}
	if h.Loop.Running() {
		response.JSON(w, map[string]string{"status": "already_running"})
		return
	}
	if err := h.Loop.Start(); err != nil {
		writeError(w, err)
		return
	}
	h.record(r.Context(), history.SystemEvent("agent_started", history.ResourceSystem, "loop", nil, ""))
	response.Accepted(w, map[string]string{"status": "starting"})
}

// StopLoop handles POST /api/control/stop.
func (h *Handler) StopLoop(w http.ResponseWriter, r *http.Request) {
	if !h.Loop.Running() {
		response.JSON(w, map[string]string{"status": "already_stopped"})
		return
	}
	if err := h.Loop.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.record(r.Context(), history.SystemEvent("agent_stopped", history.ResourceSystem, "loop", nil, ""))
	response.JSON(w, map[string]string{"status": "stopped"})
}
