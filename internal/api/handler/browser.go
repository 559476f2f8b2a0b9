package handler

import (
	"net/http"

	"github.com/kiranshivaraju/hubfeed-agent/internal/api/response"
	"github.com/kiranshivaraju/hubfeed-agent/internal/history"
	"github.com/kiranshivaraju/hubfeed-agent/internal/platform/browser"
)

// BrowserPlatforms handles GET /api/browser/platforms.
func (h *Handler) BrowserPlatforms(w http.ResponseWriter, r *http.Request) {
	if h.Browser == nil {
		notConfigured(w, "Browser automation")
		return
	}
	response.JSON(w, h.Browser.Platforms())
}

type browserAuthRequest struct {
	Platform    string            `json:"platform" validate:"required"`
	Name        string            `json:"name" validate:"max=100"`
	Credentials map[string]string `json:"credentials" validate:"required"`
}

// BrowserAuth handles POST /api/browser/auth.
func (h *Handler) BrowserAuth(w http.ResponseWriter, r *http.Request) {
	if h.Browser == nil {
		notConfigured(w, "Browser automation")
		return
	}
	var req browserAuthRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Browser.StartAuth(r.Context(), req.Platform, req.Name, req.Credentials)
	if err != nil {
		writeError(w, err)
		return
	}
	h.recordAuth(r, res)
	h.writeAuthResult(w, r, res)
}

type challengeRequest struct {
	AvatarID string `json:"avatar_id" validate:"required"`
	Response string `json:"response" validate:"required"`
}

// BrowserChallenge handles POST /api/browser/auth/challenge.
func (h *Handler) BrowserChallenge(w http.ResponseWriter, r *http.Request) {
	if h.Browser == nil {
		notConfigured(w, "Browser automation")
		return
	}
	var req challengeRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Browser.SubmitChallenge(r.Context(), req.AvatarID, req.Response)
	if err != nil {
		writeError(w, err)
		return
	}
	h.recordAuth(r, res)
	h.writeAuthResult(w, r, res)
}

func (h *Handler) writeAuthResult(w http.ResponseWriter, r *http.Request, res *browser.AuthResult) {
	switch res.Status {
	case browser.LoginSuccess:
		h.syncAvatars(r.Context())
		if res.Avatar != nil {
			res.Avatar = publicAvatar(res.Avatar)
		}
		response.Created(w, res)
	case browser.LoginChallengeRequired:
		response.Accepted(w, res)
	default:
		response.Error(w, http.StatusUnauthorized, "LOGIN_FAILED", res.Error, res)
	}
}

func (h *Handler) recordAuth(r *http.Request, res *browser.AuthResult) {
	errMsg := ""
	if res.Status == browser.LoginFailed {
		errMsg = res.Error
		if errMsg == "" {
			errMsg = "login failed"
		}
	}
	h.record(r.Context(), history.AuthEvent("browser_"+res.Status, res.AvatarID, nil, errMsg))
}
