package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/hubfeed-agent/internal/api/response"
	"github.com/kiranshivaraju/hubfeed-agent/internal/state"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

type sourcesResponse struct {
	AvatarID         string          `json:"avatar_id"`
	Enabled          bool            `json:"enabled"`
	Sources          []models.Source `json:"sources"`
	FrequencyPresets []int           `json:"frequency_presets"`
}

// ListSources handles GET /api/avatars/{avatarID}/sources.
func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "avatarID")
	sources, enabled, err := h.State.Sources(id)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, sourcesResponse{
		AvatarID:         id,
		Enabled:          enabled,
		Sources:          sources,
		FrequencyPresets: state.FrequencyPresets,
	})
}

type addSourceRequest struct {
	ID               string `json:"id" validate:"required"`
	Name             string `json:"name" validate:"required,max=200"`
	Type             string `json:"type" validate:"omitempty,oneof=channel group supergroup user chat"`
	Username         string `json:"username"`
	FrequencySeconds int    `json:"frequency_seconds" validate:"gte=0"`
}

// AddSource handles POST /api/avatars/{avatarID}/sources.
func (h *Handler) AddSource(w http.ResponseWriter, r *http.Request) {
	var req addSourceRequest
	if !h.decode(w, r, &req) {
		return
	}
	src, err := h.State.AddSource(r.Context(), chi.URLParam(r, "avatarID"), models.Source{
		ID:               req.ID,
		Name:             req.Name,
		Type:             req.Type,
		Username:         req.Username,
		FrequencySeconds: req.FrequencySeconds,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.syncAvatars(r.Context())
	response.Created(w, src)
}

type frequencyRequest struct {
	FrequencySeconds int `json:"frequency_seconds" validate:"required"`
}

// UpdateSource handles PATCH /api/avatars/{avatarID}/sources/{sourceID}.
func (h *Handler) UpdateSource(w http.ResponseWriter, r *http.Request) {
	var req frequencyRequest
	if !h.decode(w, r, &req) {
		return
	}
	avatarID, sourceID := chi.URLParam(r, "avatarID"), chi.URLParam(r, "sourceID")
	if err := h.State.UpdateSourceFrequency(r.Context(), avatarID, sourceID, req.FrequencySeconds); err != nil {
		writeError(w, err)
		return
	}
	h.syncAvatars(r.Context())
	response.JSON(w, map[string]any{
		"avatar_id":         avatarID,
		"source_id":         sourceID,
		"frequency_seconds": req.FrequencySeconds,
	})
}

// RemoveSource handles DELETE /api/avatars/{avatarID}/sources/{sourceID}.
func (h *Handler) RemoveSource(w http.ResponseWriter, r *http.Request) {
	err := h.State.RemoveSource(r.Context(), chi.URLParam(r, "avatarID"), chi.URLParam(r, "sourceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.syncAvatars(r.Context())
	response.NoContent(w)
}
