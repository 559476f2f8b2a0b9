// Package handler implements the control API endpoints used by the local
// dashboard.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kiranshivaraju/hubfeed-agent/internal/agent"
	mw "github.com/kiranshivaraju/hubfeed-agent/internal/api/middleware"
	"github.com/kiranshivaraju/hubfeed-agent/internal/api/response"
	"github.com/kiranshivaraju/hubfeed-agent/internal/cache"
	"github.com/kiranshivaraju/hubfeed-agent/internal/history"
	"github.com/kiranshivaraju/hubfeed-agent/internal/platform"
	"github.com/kiranshivaraju/hubfeed-agent/internal/platform/browser"
	"github.com/kiranshivaraju/hubfeed-agent/internal/state"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

// Loop is the polling loop as seen by the control API.
type Loop interface {
	Start() error
	Stop(ctx context.Context) error
	Running() bool
	HealthCheck(ctx context.Context) models.Health
	SyncNow(ctx context.Context) error
}

// State is the persisted agent state the handlers read and mutate.
type State interface {
	Token() string
	SetToken(token string) error
	IsConfigured() bool
	AgentConfig() models.AgentConfig

	Avatar(id string) (*models.Avatar, error)
	Avatars() []*models.Avatar
	DeleteAvatar(ctx context.Context, id string) error

	Blacklist() models.Blacklist
	SetBlacklist(ctx context.Context, bl models.Blacklist) error

	Sources(avatarID string) ([]models.Source, bool, error)
	AddSource(ctx context.Context, avatarID string, src models.Source) (models.Source, error)
	RemoveSource(ctx context.Context, avatarID, sourceID string) error
	UpdateSourceFrequency(ctx context.Context, avatarID, sourceID string, seconds int) error
}

// Telegram connects bot avatars and lists their dialogs.
type Telegram interface {
	Connect(ctx context.Context, name, token string) (*models.Avatar, error)
	Disconnect(avatarID string)
	Execute(ctx context.Context, avatarID string, cmd models.Command, params map[string]any) ([]models.Item, error)
}

// Browser runs interactive logins for browser avatars.
type Browser interface {
	Platforms() []browser.PlatformInfo
	StartAuth(ctx context.Context, site, name string, credentials map[string]string) (*browser.AuthResult, error)
	SubmitChallenge(ctx context.Context, avatarID, response string) (*browser.AuthResult, error)
	Disconnect(avatarID string)
}

// Deps holds the handler dependencies. Telegram and Browser may be nil when
// the platform is disabled.
type Deps struct {
	Auth     *mw.Auth
	Loop     Loop
	State    State
	Telegram Telegram
	Browser  Browser
	History  history.Logger
	Cache    cache.Cache
	Version  string

	MaxLoginFailures int
	LoginLockout     time.Duration
	DialogsTTL       time.Duration
}

// Handler serves the control API.
type Handler struct {
	Deps
	validate *validator.Validate
}

// New creates a Handler, filling unset limits with defaults.
func New(d Deps) *Handler {
	if d.MaxLoginFailures <= 0 {
		d.MaxLoginFailures = 5
	}
	if d.LoginLockout <= 0 {
		d.LoginLockout = 15 * time.Minute
	}
	if d.DialogsTTL <= 0 {
		d.DialogsTTL = 5 * time.Minute
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{Deps: d, validate: v}
}

// decode reads and validates a JSON body, writing the error response itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request", validationDetails(err))
		return false
	}
	return true
}

func validationDetails(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			details[fe.Field()] = fmt.Sprintf("must satisfy %s=%s", fe.Tag(), fe.Param())
		} else {
			details[fe.Field()] = fe.Tag()
		}
	}
	return details
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrAvatarNotFound), errors.Is(err, platform.ErrAvatarNotFound):
		response.Error(w, http.StatusNotFound, "AVATAR_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, state.ErrSourceNotFound):
		response.Error(w, http.StatusNotFound, "SOURCE_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, state.ErrSourceExists):
		response.Error(w, http.StatusConflict, "SOURCE_EXISTS", err.Error(), nil)
	case errors.Is(err, state.ErrInvalidSource), errors.Is(err, state.ErrInvalidFrequency),
		errors.Is(err, state.ErrInvalidAvatar), errors.Is(err, platform.ErrInvalidParams):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, platform.ErrNotConfigured):
		response.Error(w, http.StatusBadRequest, "NOT_CONFIGURED", err.Error(), nil)
	case errors.Is(err, platform.ErrAuthRequired):
		response.Error(w, http.StatusUnprocessableEntity, "PLATFORM_AUTH_FAILED", err.Error(), nil)
	case errors.Is(err, agent.ErrStopping):
		response.Error(w, http.StatusConflict, "AGENT_STOPPING", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		response.Error(w, http.StatusGatewayTimeout, "TIMEOUT", "The operation timed out", nil)
	default:
		slog.Error("request failed", "error", err)
		response.Error(w, http.StatusInternalServerError,
			"INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

// syncAvatars pushes avatar changes to the backend when the loop is running.
// Failures are logged; the next scheduled sync retries.
func (h *Handler) syncAvatars(ctx context.Context) {
	if h.Loop == nil || !h.Loop.Running() {
		return
	}
	if err := h.Loop.SyncNow(ctx); err != nil {
		slog.Warn("avatar sync after change failed", "error", err)
	}
}

func (h *Handler) record(ctx context.Context, entry models.HistoryEntry) {
	if h.History == nil {
		return
	}
	if err := h.History.Log(context.WithoutCancel(ctx), entry); err != nil {
		slog.Debug("history write failed", "event", entry.EventType, "error", err)
	}
}

func notConfigured(w http.ResponseWriter, what string) {
	response.Error(w, http.StatusNotImplemented, "PLATFORM_DISABLED", what+" is not enabled", nil)
}
