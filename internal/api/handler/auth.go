package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	mw "github.com/kiranshivaraju/hubfeed-agent/internal/api/middleware"
	"github.com/kiranshivaraju/hubfeed-agent/internal/api/response"
	"github.com/kiranshivaraju/hubfeed-agent/internal/cache"
	"github.com/kiranshivaraju/hubfeed-agent/internal/history"
)

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /api/auth/login. Repeated failures from one address
// lock it out for LoginLockout.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	client := mw.ClientIP(r)
	if h.locked(r, client) {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.LoginLockout.Seconds())))
		response.Error(w, http.StatusTooManyRequests,
			"LOGIN_LOCKED", "Too many failed logins, try again later", nil)
		return
	}

	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	token, expires, err := h.Auth.Login(req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, mw.ErrInvalidCredentials) {
			writeError(w, err)
			return
		}
		h.loginFailed(r, client)
		h.record(r.Context(), history.SystemEvent("login_failed", history.ResourceSystem, client, nil, err.Error()))
		response.Error(w, http.StatusUnauthorized,
			"INVALID_CREDENTIALS", "Invalid username or password", nil)
		return
	}

	if h.Cache != nil {
		_ = h.Cache.Delete(r.Context(), cache.LoginFailuresKey(client))
	}
	h.record(r.Context(), history.SystemEvent("login", history.ResourceSystem, client, nil, ""))
	response.JSON(w, loginResponse{Token: token, TokenType: "Bearer", ExpiresAt: expires})
}

func (h *Handler) locked(r *http.Request, client string) bool {
	if h.Cache == nil {
		return false
	}
	_, ok, err := h.Cache.Get(r.Context(), cache.LoginLockKey(client))
	if err != nil {
		slog.Warn("login lockout check failed", "error", err)
		return false
	}
	return ok
}

func (h *Handler) loginFailed(r *http.Request, client string) {
	if h.Cache == nil {
		return
	}
	ctx := r.Context()
	n, err := h.Cache.IncrWithExpiry(ctx, cache.LoginFailuresKey(client), h.LoginLockout)
	if err != nil {
		slog.Warn("login failure count failed", "error", err)
		return
	}
	if n < int64(h.MaxLoginFailures) {
		return
	}
	slog.Warn("login locked out", "client", client, "failures", n)
	if err := h.Cache.Set(ctx, cache.LoginLockKey(client), []byte("1"), h.LoginLockout); err != nil {
		slog.Warn("login lockout write failed", "error", err)
	}
	_ = h.Cache.Delete(ctx, cache.LoginFailuresKey(client))
}
