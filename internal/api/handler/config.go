package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/hubfeed-agent/internal/agent"
	"github.com/kiranshivaraju/hubfeed-agent/internal/api/response"
	"github.com/kiranshivaraju/hubfeed-agent/internal/history"
)

const tokenPrefixShown = 12

type configResponse struct {
	Configured     bool           `json:"configured"`
	Token          string         `json:"token"`
	UserEmail      string         `json:"user_email,omitempty"`
	VerifiedAt     *time.Time     `json:"verified_at,omitempty"`
	PlatformConfig map[string]any `json:"platform_config,omitempty"`
}

// GetConfig handles GET /api/config. The token is masked.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.State.AgentConfig()
	response.JSON(w, configResponse{
		Configured:     cfg.Token != "",
		Token:          maskToken(cfg.Token),
		UserEmail:      cfg.UserEmail,
		VerifiedAt:     cfg.VerifiedAt,
		PlatformConfig: cfg.PlatformConfig,
	})
}

type tokenRequest struct {
	Token string `json:"token" validate:"required,min=8"`
}

// UpdateToken handles PUT /api/config/token. A running loop is restarted so
// it verifies with the new token; a stopped one is started. The token is
// saved even when the restart does not complete; the response says where
// the loop ended up.
func (h *Handler) UpdateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.State.SetToken(req.Token); err != nil {
		writeError(w, err)
		return
	}
	h.record(r.Context(), history.SystemEvent("token_updated", history.ResourceConfig, "token", nil, ""))

	if h.Loop.Running() {
		if err := h.Loop.Stop(r.Context()); err != nil {
			slog.Warn("stopping agent loop for token change", "error", err)
		}
	}
	loop := "started"
	if err := h.Loop.Start(); err != nil {
		slog.Warn("restarting agent loop after token change", "error", err)
		loop = "stopping"
		if !errors.Is(err, agent.ErrStopping) {
			loop = "stopped"
		}
	}

	response.JSON(w, map[string]any{
		"status": "token_updated",
		"token":  maskToken(req.Token),
		"loop":   loop,
	})
}

func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= tokenPrefixShown {
		return "***"
	}
	return token[:tokenPrefixShown] + "..."
}
