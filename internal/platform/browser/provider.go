// Package browser is the browser-automation capability provider. Each
// avatar owns a Chrome profile; logins follow backend-supplied flows and
// jobs capture XHR traffic or page text from the logged-in session.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/hubfeed-agent/internal/platform"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

const Name = "browser"

const (
	CommandXHRCapture models.Command = "browser.xhr_capture"
	CommandPageText   models.Command = "browser.page_text"
)

const (
	// MetaSite is the avatar metadata key naming the login flow platform.
	MetaSite       = "site"
	MetaProfileDir = "profile_dir"
	metaSetup      = "setup"
)

// Provider executes browser.* commands and drives interactive logins.
type Provider struct {
	store       platform.Avatars
	launcher    Launcher
	profileRoot string

	mu       sync.Mutex
	sessions map[string]Session
	pending  map[string]*pendingAuth
}

type pendingAuth struct {
	flow      LoginFlow
	challenge Challenge
	session   Session
}

// AuthResult is returned by StartAuth and SubmitChallenge.
type AuthResult struct {
	Status    string         `json:"status"`
	AvatarID  string         `json:"avatar_id,omitempty"`
	Avatar    *models.Avatar `json:"avatar,omitempty"`
	Challenge *Challenge     `json:"challenge,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// PlatformInfo describes a platform that has a login flow.
type PlatformInfo struct {
	Platform         string   `json:"platform"`
	DisplayName      string   `json:"display_name"`
	CredentialFields []string `json:"credential_fields"`
}

// NewProvider creates the browser provider. Profiles live under
// <dataDir>/browser_profiles.
func NewProvider(store platform.Avatars, launcher Launcher, dataDir string) *Provider {
	return &Provider{
		store:       store,
		launcher:    launcher,
		profileRoot: filepath.Join(dataDir, "browser_profiles"),
		sessions:    make(map[string]Session),
		pending:     make(map[string]*pendingAuth),
	}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Commands() []models.Command {
	return []models.Command{CommandXHRCapture, CommandPageText}
}

// Platforms lists the platforms the backend supplied login flows for.
func (p *Provider) Platforms() []PlatformInfo {
	flows := p.flows()
	out := make([]PlatformInfo, 0, len(flows))
	for _, f := range flows {
		out = append(out, PlatformInfo{Platform: f.Platform, DisplayName: f.Name(), CredentialFields: f.Credentials()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

// PendingChallenge returns the challenge an avatar is waiting on.
func (p *Provider) PendingChallenge(avatarID string) (Challenge, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pa, ok := p.pending[avatarID]
	if !ok {
		return Challenge{}, false
	}
	return pa.challenge, true
}

// Execute runs one command in the avatar's logged-in browser.
func (p *Provider) Execute(ctx context.Context, avatarID string, cmd models.Command, params map[string]any) ([]models.Item, error) {
	switch cmd {
	case CommandXHRCapture, CommandPageText:
	default:
		return nil, fmt.Errorf("%w: %s", platform.ErrUnknownCommand, cmd)
	}

	avatar, err := platform.LookupAvatar(p.store, Name, avatarID)
	if err != nil {
		return nil, err
	}
	s, err := p.session(ctx, avatar)
	if err != nil {
		return nil, err
	}

	var items []models.Item
	if cmd == CommandXHRCapture {
		items, err = p.xhrCapture(ctx, s, avatar.MetadataString(MetaSite), params)
	} else {
		items, err = p.pageText(ctx, s, params)
	}
	if err != nil && !errors.Is(err, platform.ErrInvalidParams) && ctx.Err() == nil && !s.Alive(ctx) {
		p.drop(avatarID)
	}
	return items, err
}

// session returns a live, logged-in session for the avatar.
func (p *Provider) session(ctx context.Context, avatar *models.Avatar) (Session, error) {
	p.mu.Lock()
	if _, ok := p.pending[avatar.ID]; ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", platform.ErrChallengePending, avatar.ID)
	}
	s, ok := p.sessions[avatar.ID]
	p.mu.Unlock()

	if ok {
		if s.Alive(ctx) {
			return s, nil
		}
		slog.Info("browser session died, relaunching", "avatar_id", avatar.ID)
		p.drop(avatar.ID)
	}

	site := avatar.MetadataString(MetaSite)
	flow, ok := p.flows()[site]
	if !ok {
		return nil, fmt.Errorf("%w: no login flow for %q", platform.ErrNotConfigured, site)
	}

	s, err := p.launch(ctx, p.profileDir(avatar))
	if err != nil {
		return nil, err
	}

	loggedIn, err := s.LoggedIn(ctx, flow)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if !loggedIn {
		if !hasCredentials(flow, avatar.Credentials) {
			_ = s.Close()
			return nil, platform.AuthFailed(ctx, p.store, avatar.ID, errors.New("session expired and no credentials stored"))
		}
		res, err := s.Login(ctx, flow, avatar.Credentials)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		switch res.Status {
		case LoginSuccess:
		case LoginChallengeRequired:
			p.mu.Lock()
			p.pending[avatar.ID] = &pendingAuth{flow: flow, challenge: *res.Challenge, session: s}
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %w", platform.ErrChallengePending, platform.AuthFailed(ctx, p.store, avatar.ID, nil))
		default:
			_ = s.Close()
			return nil, platform.AuthFailed(ctx, p.store, avatar.ID, errors.New(res.Error))
		}
	}

	p.mu.Lock()
	p.sessions[avatar.ID] = s
	p.mu.Unlock()
	platform.AuthSucceeded(ctx, p.store, avatar.ID)
	return s, nil
}

// StartAuth logs into site with the given credentials under a new avatar.
// A login that needs a challenge answer stays pending until SubmitChallenge.
func (p *Provider) StartAuth(ctx context.Context, site, name string, credentials map[string]string) (*AuthResult, error) {
	flow, ok := p.flows()[site]
	if !ok {
		return nil, fmt.Errorf("%w: no login flow for %q", platform.ErrNotConfigured, site)
	}
	for _, field := range flow.Credentials() {
		if credentials[field] == "" {
			return nil, fmt.Errorf("%w: %s is required", platform.ErrInvalidParams, field)
		}
	}

	id := site + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if name == "" {
		name = flow.Name() + " " + credentials[flow.Credentials()[0]]
	}
	avatar := &models.Avatar{
		ID:          id,
		Name:        name,
		Platform:    Name,
		Status:      models.AvatarStatusAuthRequired,
		Credentials: credentials,
		Metadata: map[string]any{
			MetaSite:       site,
			MetaProfileDir: filepath.Join(p.profileRoot, id),
			metaSetup:      true,
		},
	}
	if err := p.store.SaveAvatar(ctx, avatar); err != nil {
		return nil, err
	}

	s, err := p.launch(ctx, p.profileDir(avatar))
	if err != nil {
		p.discard(ctx, id)
		return nil, err
	}
	res, err := s.Login(ctx, flow, credentials)
	if err != nil {
		_ = s.Close()
		p.discard(ctx, id)
		return nil, err
	}
	return p.settle(ctx, id, flow, s, res)
}

// SubmitChallenge answers the pending challenge of an avatar.
func (p *Provider) SubmitChallenge(ctx context.Context, avatarID, response string) (*AuthResult, error) {
	p.mu.Lock()
	pa, ok := p.pending[avatarID]
	if ok {
		delete(p.pending, avatarID)
	}
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no pending challenge for %s", platform.ErrInvalidParams, avatarID)
	}

	res, err := pa.session.SubmitChallenge(ctx, pa.flow, pa.challenge, response)
	if err != nil {
		p.mu.Lock()
		p.pending[avatarID] = pa
		p.mu.Unlock()
		return nil, err
	}
	return p.settle(ctx, avatarID, pa.flow, pa.session, res)
}

// settle applies a login outcome to the avatar and session maps.
func (p *Provider) settle(ctx context.Context, id string, flow LoginFlow, s Session, res LoginResult) (*AuthResult, error) {
	switch res.Status {
	case LoginSuccess:
		avatar, err := p.finish(ctx, id, flow, s)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		return &AuthResult{Status: LoginSuccess, AvatarID: avatar.ID, Avatar: avatar}, nil

	case LoginChallengeRequired:
		p.mu.Lock()
		p.pending[id] = &pendingAuth{flow: flow, challenge: *res.Challenge, session: s}
		p.mu.Unlock()
		if !p.settingUp(id) {
			if err := p.store.UpdateAvatarStatus(ctx, id, p.store.AuthFailureStatus(id)); err != nil {
				slog.Warn("failed to record challenge status", "avatar_id", id, "error", err)
			}
		}
		return &AuthResult{Status: LoginChallengeRequired, AvatarID: id, Challenge: res.Challenge}, nil
	}

	_ = s.Close()
	if p.settingUp(id) {
		p.discard(ctx, id)
	} else {
		_ = platform.AuthFailed(ctx, p.store, id, errors.New(res.Error))
	}
	return &AuthResult{Status: LoginFailed, AvatarID: id, Error: res.Error}, nil
}

// finish marks a logged-in avatar active. When the session exposes a
// platform user id, the avatar is re-keyed to <site>_<user id> so repeated
// logins of the same account map to one avatar.
func (p *Provider) finish(ctx context.Context, id string, flow LoginFlow, s Session) (*models.Avatar, error) {
	uid := ""
	if cookies, err := s.Cookies(ctx); err == nil {
		uid = userIDFromCookies(cookies)
	} else {
		slog.Debug("could not read session cookies", "avatar_id", id, "error", err)
	}

	now := time.Now().UTC()
	err := p.store.UpdateAvatar(ctx, id, func(a *models.Avatar) error {
		if a.Metadata == nil {
			a.Metadata = map[string]any{}
		}
		delete(a.Metadata, metaSetup)
		if uid != "" {
			a.Metadata["user_id"] = uid
		}
		a.Status = models.AvatarStatusActive
		a.LastUsedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	finalID := id
	if stable := flow.Platform + "_" + uid; uid != "" && stable != id {
		if err := p.rekey(ctx, id, stable); err != nil {
			return nil, err
		}
		finalID = stable
	}
	avatar, err := p.store.Avatar(finalID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.sessions[finalID] = s
	p.mu.Unlock()
	slog.Info("browser login complete", "avatar_id", finalID, "site", flow.Platform)
	return avatar, nil
}

// rekey moves a freshly logged-in avatar to its stable id. An avatar already
// stored under that id keeps its name and sources and takes over the new
// credentials, status and browser profile.
func (p *Provider) rekey(ctx context.Context, tmpID, stable string) error {
	tmp, err := p.store.Avatar(tmpID)
	if err != nil {
		return err
	}
	if old, ok := p.takeSession(stable); ok {
		_ = old.Close()
	}

	if _, err := p.store.Avatar(stable); err != nil {
		moved := tmp.Clone()
		moved.ID = stable
		if err := p.store.SaveAvatar(ctx, moved); err != nil {
			return err
		}
	} else {
		err := p.store.UpdateAvatar(ctx, stable, func(a *models.Avatar) error {
			a.Status = tmp.Status
			a.Credentials = tmp.Credentials
			a.LastUsedAt = tmp.LastUsedAt
			if a.Metadata == nil {
				a.Metadata = map[string]any{}
			}
			for k, v := range tmp.Metadata {
				a.Metadata[k] = v
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if err := p.store.DeleteAvatar(ctx, tmpID); err != nil {
		slog.Warn("failed to remove temporary avatar", "avatar_id", tmpID, "error", err)
	}
	return nil
}

// Disconnect closes the avatar's session and abandons any pending challenge.
func (p *Provider) Disconnect(avatarID string) {
	p.drop(avatarID)
}

// DisconnectAll closes every browser.
func (p *Provider) DisconnectAll(_ context.Context) error {
	p.mu.Lock()
	sessions := make([]Session, 0, len(p.sessions)+len(p.pending))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	for _, pa := range p.pending {
		sessions = append(sessions, pa.session)
	}
	p.sessions = make(map[string]Session)
	p.pending = make(map[string]*pendingAuth)
	p.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(sessions) > 0 {
		slog.Info("browser sessions closed", "count", len(sessions))
	}
	return errors.Join(errs...)
}

func (p *Provider) launch(ctx context.Context, profileDir string) (Session, error) {
	if err := os.MkdirAll(profileDir, 0o700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	s, err := p.launcher.Launch(ctx, profileDir)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	return s, nil
}

func (p *Provider) profileDir(a *models.Avatar) string {
	if dir := a.MetadataString(MetaProfileDir); dir != "" {
		return dir
	}
	return filepath.Join(p.profileRoot, a.MetadataString(MetaSite)+"_"+a.ID)
}

func (p *Provider) flows() map[string]LoginFlow {
	return ParseLoginFlows(p.store.PlatformConfig(Name))
}

func (p *Provider) takeSession(avatarID string) (Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[avatarID]
	delete(p.sessions, avatarID)
	return s, ok
}

func (p *Provider) drop(avatarID string) {
	p.mu.Lock()
	s, ok := p.sessions[avatarID]
	delete(p.sessions, avatarID)
	pa, pending := p.pending[avatarID]
	delete(p.pending, avatarID)
	p.mu.Unlock()

	if ok {
		_ = s.Close()
	}
	if pending {
		_ = pa.session.Close()
	}
}

// discard removes an avatar that never finished its first login.
func (p *Provider) discard(ctx context.Context, id string) {
	if err := p.store.DeleteAvatar(ctx, id); err != nil {
		slog.Warn("failed to remove unfinished avatar", "avatar_id", id, "error", err)
	}
	_ = os.RemoveAll(filepath.Join(p.profileRoot, id))
}

// settingUp reports whether the avatar is still on its first login.
func (p *Provider) settingUp(id string) bool {
	a, err := p.store.Avatar(id)
	return err == nil && a.Metadata[metaSetup] == true
}

func hasCredentials(flow LoginFlow, creds map[string]string) bool {
	for _, f := range flow.Credentials() {
		if creds[f] == "" {
			return false
		}
	}
	return true
}

// userIDFromCookies reads the account id from an X/Twitter style twid
// cookie ("u=<id>", usually URL-encoded).
func userIDFromCookies(cookies []Cookie) string {
	for _, c := range cookies {
		if c.Name != "twid" {
			continue
		}
		v, err := url.QueryUnescape(strings.Trim(c.Value, `"`))
		if err != nil {
			v = c.Value
		}
		if id, ok := strings.CutPrefix(v, "u="); ok && id != "" {
			return id
		}
	}
	return ""
}

var _ platform.Provider = (*Provider)(nil)
