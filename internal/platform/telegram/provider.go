// Package telegram is the Telegram capability provider. Avatars are bots
// authenticated by a Bot API token; messages are read from each bot's update
// stream and normalized to the item shape the blacklist filter reads.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/hubfeed-agent/internal/platform"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
)

const Name = "telegram"

const (
	CommandGetMessages    models.Command = "telegram.get_messages"
	CommandGetChannelInfo models.Command = "telegram.get_channel_info"
	CommandListDialogs    models.Command = "telegram.list_dialogs"
	CommandSearchMessages models.Command = "telegram.search_messages"
)

// CredentialToken is the avatar credential holding the bot token.
const CredentialToken = "bot_token"

const (
	bufferSize     = 1000
	updatePageSize = 100
	maxUpdatePages = 10
)

// Provider executes telegram.* commands.
type Provider struct {
	store   platform.Avatars
	options []telego.BotOption

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a Provider.
type Option func(*Provider)

// WithAPIServer points bots at a custom Bot API server.
func WithAPIServer(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.options = append(p.options, telego.WithAPIServer(url))
		}
	}
}

// NewProvider creates the Telegram provider.
func NewProvider(store platform.Avatars, timeout time.Duration, opts ...Option) *Provider {
	p := &Provider{
		store: store,
		options: []telego.BotOption{
			telego.WithHTTPClient(&http.Client{Timeout: timeout}),
			telego.WithDiscardLogger(),
		},
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Commands() []models.Command {
	return []models.Command{CommandGetMessages, CommandGetChannelInfo, CommandListDialogs, CommandSearchMessages}
}

// Execute runs one command against the avatar's bot session.
func (p *Provider) Execute(ctx context.Context, avatarID string, cmd models.Command, params map[string]any) ([]models.Item, error) {
	if cmd.Platform() != Name {
		return nil, fmt.Errorf("%w: %s", platform.ErrUnknownCommand, cmd)
	}

	s, err := p.session(ctx, avatarID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pull(ctx); err != nil {
		if isUnauthorized(err) {
			p.drop(avatarID)
			return nil, platform.AuthFailed(ctx, p.store, avatarID, err)
		}
		slog.Warn("telegram update pull failed", "avatar_id", avatarID, "error", err)
	}

	switch cmd {
	case CommandGetMessages:
		return s.getMessages(params)
	case CommandGetChannelInfo:
		return s.getChannelInfo(ctx, params)
	case CommandListDialogs:
		return s.listDialogs(params)
	case CommandSearchMessages:
		return s.searchMessages(params)
	default:
		return nil, fmt.Errorf("%w: %s", platform.ErrUnknownCommand, cmd)
	}
}

// Connect validates a bot token and registers the bot as an active avatar.
// An existing avatar for the same bot gets the new token.
func (p *Provider) Connect(ctx context.Context, name, token string) (*models.Avatar, error) {
	bot, err := telego.NewBot(token, p.options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", platform.ErrInvalidParams, err)
	}
	me, err := bot.GetMe(ctx)
	if err != nil {
		if isUnauthorized(err) {
			return nil, fmt.Errorf("%w: telegram rejected the bot token", platform.ErrAuthRequired)
		}
		return nil, fmt.Errorf("telegram getMe: %w", err)
	}

	id := "telegram_" + strconv.FormatInt(me.ID, 10)
	if name == "" {
		name = me.Username
	}

	apply := func(a *models.Avatar) error {
		a.Name = name
		a.Platform = Name
		a.Status = models.AvatarStatusActive
		if a.Credentials == nil {
			a.Credentials = map[string]string{}
		}
		a.Credentials[CredentialToken] = token
		if a.Metadata == nil {
			a.Metadata = map[string]any{}
		}
		a.Metadata["user_id"] = me.ID
		a.Metadata["username"] = me.Username
		a.Metadata["first_name"] = me.FirstName
		return nil
	}
	if _, err := p.store.Avatar(id); err != nil {
		fresh := &models.Avatar{ID: id}
		_ = apply(fresh)
		if err := p.store.SaveAvatar(ctx, fresh); err != nil {
			return nil, err
		}
	} else if err := p.store.UpdateAvatar(ctx, id, apply); err != nil {
		return nil, err
	}
	avatar, err := p.store.Avatar(id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.sessions[id] = newSession(bot, me)
	p.mu.Unlock()

	slog.Info("telegram bot connected", "avatar_id", id, "username", me.Username)
	return avatar, nil
}

// Disconnect drops the cached session of one avatar.
func (p *Provider) Disconnect(avatarID string) {
	p.drop(avatarID)
}

// DisconnectAll drops every cached session.
func (p *Provider) DisconnectAll(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.sessions)
	p.sessions = make(map[string]*session)
	if n > 0 {
		slog.Info("telegram sessions closed", "count", n)
	}
	return nil
}

// session returns a live session for the avatar, creating or re-validating it.
func (p *Provider) session(ctx context.Context, avatarID string) (*session, error) {
	avatar, err := platform.LookupAvatar(p.store, Name, avatarID)
	if err != nil {
		return nil, err
	}
	token := avatar.Credentials[CredentialToken]
	if token == "" {
		return nil, platform.AuthFailed(ctx, p.store, avatarID, errors.New("no bot token stored"))
	}

	p.mu.Lock()
	s, ok := p.sessions[avatarID]
	p.mu.Unlock()

	if !ok || s.token() != token {
		bot, err := telego.NewBot(token, p.options...)
		if err != nil {
			return nil, platform.AuthFailed(ctx, p.store, avatarID, err)
		}
		s = newSession(bot, nil)
	}

	// Re-validate before every use; a dead session is never reused.
	me, err := s.bot.GetMe(ctx)
	if err != nil {
		p.drop(avatarID)
		if isUnauthorized(err) {
			return nil, platform.AuthFailed(ctx, p.store, avatarID, err)
		}
		return nil, fmt.Errorf("telegram session check: %w", err)
	}
	s.mu.Lock()
	s.self = me
	s.mu.Unlock()

	p.mu.Lock()
	p.sessions[avatarID] = s
	p.mu.Unlock()

	platform.AuthSucceeded(ctx, p.store, avatarID)
	return s, nil
}

func (p *Provider) drop(avatarID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, avatarID)
}

func isUnauthorized(err error) bool {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == http.StatusUnauthorized
	}
	return strings.Contains(err.Error(), "Unauthorized")
}

var _ platform.Provider = (*Provider)(nil)
