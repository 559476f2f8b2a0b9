package handler

import (
	"net/http"

	"github.com/kiranshivaraju/hubfeed-agent/internal/api/response"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

// GetBlacklist handles GET /api/blacklist.
func (h *Handler) GetBlacklist(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, h.State.Blacklist())
}

// PutBlacklist handles PUT /api/blacklist. The body replaces the whole
// blacklist.
func (h *Handler) PutBlacklist(w http.ResponseWriter, r *http.Request) {
	var bl models.Blacklist
	if !h.decode(w, r, &bl) {
		return
	}
	if err := h.State.SetBlacklist(r.Context(), bl); err != nil {
		writeError(w, err)
		return
	}
	h.syncAvatars(r.Context())
	response.JSON(w, h.State.Blacklist())
}
