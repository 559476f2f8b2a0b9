package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/hubfeed-agent/internal/api/response"
	"github.com/kiranshivaraju/hubfeed-agent/internal/cache"
	"github.com/kiranshivaraju/hubfeed-agent/internal/platform/browser"
	"github.com/kiranshivaraju/hubfeed-agent/internal/platform/telegram"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

// publicAvatar strips credentials before an avatar leaves the process.
func publicAvatar(a *models.Avatar) *models.Avatar {
	c := a.Clone()
	c.Credentials = nil
	return c
}

// ListAvatars handles GET /api/avatars.
func (h *Handler) ListAvatars(w http.ResponseWriter, r *http.Request) {
	avatars := h.State.Avatars()
	out := make([]*models.Avatar, 0, len(avatars))
	for _, a := range avatars {
		out = append(out, publicAvatar(a))
	}
	response.JSON(w, out)
}

// GetAvatar handles GET /api/avatars/{avatarID}.
func (h *Handler) GetAvatar(w http.ResponseWriter, r *http.Request) {
	a, err := h.State.Avatar(chi.URLParam(r, "avatarID"))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, publicAvatar(a))
}

// DeleteAvatar handles DELETE /api/avatars/{avatarID}.
func (h *Handler) DeleteAvatar(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "avatarID")
	a, err := h.State.Avatar(id)
	if err != nil {
		writeError(w, err)
		return
	}

	switch a.Platform {
	case telegram.Name:
		if h.Telegram != nil {
			h.Telegram.Disconnect(id)
		}
	case browser.Name:
		if h.Browser != nil {
			h.Browser.Disconnect(id)
		}
	}
	if err := h.State.DeleteAvatar(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if h.Cache != nil {
		_ = h.Cache.Delete(r.Context(), cache.DialogsKey(id))
	}

	h.syncAvatars(r.Context())
	response.NoContent(w)
}

type telegramRequest struct {
	Name     string `json:"name" validate:"max=100"`
	BotToken string `json:"bot_token" validate:"required"`
}

// ConnectTelegram handles POST /api/avatars/telegram.
func (h *Handler) ConnectTelegram(w http.ResponseWriter, r *http.Request) {
	if h.Telegram == nil {
		notConfigured(w, "Telegram")
		return
	}
	var req telegramRequest
	if !h.decode(w, r, &req) {
		return
	}

	a, err := h.Telegram.Connect(r.Context(), req.Name, req.BotToken)
	if err != nil {
		writeError(w, err)
		return
	}

	h.syncAvatars(r.Context())
	response.Created(w, publicAvatar(a))
}

type dialogsResponse struct {
	AvatarID string        `json:"avatar_id"`
	Dialogs  []models.Item `json:"dialogs"`
	Cached   bool          `json:"cached"`
}

// ListDialogs handles GET /api/avatars/{avatarID}/dialogs. Listings are
// cached for DialogsTTL unless ?refresh=true.
func (h *Handler) ListDialogs(w http.ResponseWriter, r *http.Request) {
	if h.Telegram == nil {
		notConfigured(w, "Telegram")
		return
	}
	id := chi.URLParam(r, "avatarID")
	a, err := h.State.Avatar(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if a.Platform != telegram.Name {
		response.Error(w, http.StatusBadRequest,
			"UNSUPPORTED_PLATFORM", "Dialogs are only available for Telegram avatars", nil)
		return
	}
	if a.Status != models.AvatarStatusActive {
		response.Error(w, http.StatusConflict,
			"AVATAR_NOT_ACTIVE", "Avatar is "+string(a.Status), nil)
		return
	}

	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	key := cache.DialogsKey(id)
	if !refresh && h.Cache != nil {
		if raw, ok, err := h.Cache.Get(r.Context(), key); err == nil && ok {
			var dialogs []models.Item
			if err := json.Unmarshal(raw, &dialogs); err == nil {
				response.JSON(w, dialogsResponse{AvatarID: id, Dialogs: dialogs, Cached: true})
				return
			}
		}
	}

	params := map[string]any{}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		params["limit"] = v
	}
	dialogs, err := h.Telegram.Execute(r.Context(), id, telegram.CommandListDialogs, params)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.Cache != nil {
		if raw, err := json.Marshal(dialogs); err == nil {
			if err := h.Cache.Set(r.Context(), key, raw, h.DialogsTTL); err != nil {
				slog.Debug("dialogs cache write failed", "avatar_id", id, "error", err)
			}
		}
	}
	response.JSON(w, dialogsResponse{AvatarID: id, Dialogs: dialogs, Cached: false})
}
