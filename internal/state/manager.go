// Package state owns the agent's local state: the agent config, the avatar
// registry and the blacklist. All mutations are serialized under one lock and
// persisted before they become visible.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/hubfeed-agent/internal/blacklist"
	"github.com/kiranshivaraju/hubfeed-agent/internal/history"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

var (
	ErrAvatarNotFound   = errors.New("avatar not found")
	ErrInvalidAvatar    = errors.New("invalid avatar")
	ErrInvalidSource    = errors.New("invalid source")
	ErrSourceNotFound   = errors.New("source not found")
	ErrSourceExists     = errors.New("source already exists")
	ErrInvalidFrequency = errors.New("invalid source frequency")
)

// Recorder receives audit entries. history.Logger satisfies it.
type Recorder interface {
	Log(ctx context.Context, entry models.HistoryEntry) error
}

// Manager is the single owner of agent, avatar and blacklist state.
type Manager struct {
	mu        sync.RWMutex
	store     Persister
	agent     models.AgentConfig
	avatars   map[string]*models.Avatar
	blacklist models.Blacklist

	// dirty is set on every real avatar status change and consumed by the loop.
	dirty atomic.Bool

	recorder Recorder
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder attaches an audit recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Open loads persisted state and returns a ready Manager.
func Open(store Persister, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:   store,
		avatars: make(map[string]*models.Avatar),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}

	agent, err := store.LoadAgent()
	if err != nil {
		return nil, fmt.Errorf("load agent config: %w", err)
	}
	m.agent = agent

	avatars, err := store.LoadAvatars()
	if err != nil {
		return nil, fmt.Errorf("load avatars: %w", err)
	}
	for _, a := range avatars {
		if a == nil || a.ID == "" {
			continue
		}
		if !a.Status.Valid() {
			a.Status = models.AvatarStatusInactive
		}
		m.avatars[a.ID] = a
	}

	bl, err := store.LoadBlacklist()
	if err != nil {
		return nil, fmt.Errorf("load blacklist: %w", err)
	}
	m.blacklist = normalizeBlacklist(bl)

	return m, nil
}

// --- Agent config ---

// Token returns the backend token, or "" when unconfigured.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agent.Token
}

// SetToken stores a new backend token. The verification timestamp is cleared
// so the loop re-verifies on its next iteration.
func (m *Manager) SetToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.agent
	next.Token = token
	next.VerifiedAt = nil
	next.UserEmail = ""
	if err := m.store.SaveAgent(next); err != nil {
		return fmt.Errorf("save agent config: %w", err)
	}
	m.agent = next
	return nil
}

// IsConfigured reports whether a token is present.
func (m *Manager) IsConfigured() bool {
	return m.Token() != ""
}

// MarkVerified records a successful verification and the backend-provided config.
func (m *Manager) MarkVerified(email string, platformConfig map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	next := m.agent
	next.VerifiedAt = &now
	next.UserEmail = email
	if platformConfig != nil {
		next.PlatformConfig = platformConfig
	}
	if err := m.store.SaveAgent(next); err != nil {
		return fmt.Errorf("save agent config: %w", err)
	}
	m.agent = next
	return nil
}

// IsVerified reports whether the last verification is younger than maxAge.
func (m *Manager) IsVerified(maxAge time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.agent.VerifiedAt == nil {
		return false
	}
	return m.now().Sub(*m.agent.VerifiedAt) < maxAge
}

// AgentConfig returns a copy of the agent config.
func (m *Manager) AgentConfig() models.AgentConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := m.agent
	if m.agent.VerifiedAt != nil {
		t := *m.agent.VerifiedAt
		cfg.VerifiedAt = &t
	}
	return cfg
}

// PlatformConfig returns the backend-provided settings for one platform.
// It never returns nil.
func (m *Manager) PlatformConfig(name string) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.agent.PlatformConfig[name].(map[string]any); ok {
		return sub
	}
	return map[string]any{}
}

// PollingInterval returns platform_config.polling_interval_seconds, or fallback.
func (m *Manager) PollingInterval(fallback time.Duration) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch v := m.agent.PlatformConfig["polling_interval_seconds"].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return fallback
}

// --- Avatars ---

// Avatar returns a copy of the avatar with the given id.
func (m *Manager) Avatar(id string) (*models.Avatar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.avatars[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAvatarNotFound, id)
	}
	return a.Clone(), nil
}

// Avatars returns copies of all avatars ordered by creation time.
func (m *Manager) Avatars() []*models.Avatar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Avatar, 0, len(m.avatars))
	for _, a := range m.avatars {
		out = append(out, a.Clone())
	}
	sortAvatars(out)
	return out
}

// SaveAvatar creates or replaces an avatar.
func (m *Manager) SaveAvatar(ctx context.Context, a *models.Avatar) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidAvatar)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidAvatar, a.Status)
	}

	next := a.Clone()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = m.now()
	}

	m.mu.Lock()
	prev, exists := m.avatars[next.ID]
	err := m.commitLocked(next)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	action := "created"
	if exists {
		action = "updated"
	}
	m.record(ctx, history.AvatarEvent(history.ActorUser, action, next.ID, map[string]any{
		"name":     next.Name,
		"platform": next.Platform,
		"status":   string(next.Status),
	}))
	if exists && prev.Status != next.Status {
		m.statusChanged(ctx, next.ID, prev.Status, next.Status)
	}
	return nil
}

// UpdateAvatar applies fn to a copy of the avatar and persists the result.
// The stored avatar is untouched when fn or persistence fails.
func (m *Manager) UpdateAvatar(ctx context.Context, id string, fn func(a *models.Avatar) error) error {
	m.mu.Lock()
	cur, ok := m.avatars[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAvatarNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		m.mu.Unlock()
		return err
	}
	next.ID = id
	if !next.Status.Valid() {
		m.mu.Unlock()
		return fmt.Errorf("%w: unknown status %q", ErrInvalidAvatar, next.Status)
	}
	from := cur.Status
	err := m.commitLocked(next)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if from != next.Status {
		m.statusChanged(ctx, id, from, next.Status)
	}
	return nil
}

// DeleteAvatar removes an avatar and its blacklist override.
func (m *Manager) DeleteAvatar(ctx context.Context, id string) error {
	m.mu.Lock()
	cur, ok := m.avatars[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAvatarNotFound, id)
	}

	rest := make([]*models.Avatar, 0, len(m.avatars)-1)
	for aid, a := range m.avatars {
		if aid != id {
			rest = append(rest, a)
		}
	}
	sortAvatars(rest)
	if err := m.store.SaveAvatars(rest); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("save avatars: %w", err)
	}
	delete(m.avatars, id)

	if _, has := m.blacklist.ByAvatar[id]; has {
		bl := cloneBlacklist(m.blacklist)
		delete(bl.ByAvatar, id)
		if err := m.store.SaveBlacklist(bl); err != nil {
			slog.Warn("failed to drop avatar blacklist", "avatar_id", id, "error", err)
		} else {
			m.blacklist = bl
		}
	}
	m.mu.Unlock()

	m.record(ctx, history.AvatarEvent(history.ActorUser, "deleted", id, map[string]any{
		"name":     cur.Name,
		"platform": cur.Platform,
	}))
	return nil
}

// commitLocked persists the avatar set with next in place and then publishes it.
// Caller holds m.mu.
func (m *Manager) commitLocked(next *models.Avatar) error {
	all := make([]*models.Avatar, 0, len(m.avatars)+1)
	for id, a := range m.avatars {
		if id != next.ID {
			all = append(all, a)
		}
	}
	all = append(all, next)
	sortAvatars(all)
	if err := m.store.SaveAvatars(all); err != nil {
		return fmt.Errorf("save avatars: %w", err)
	}
	m.avatars[next.ID] = next
	return nil
}

func (m *Manager) record(ctx context.Context, entry models.HistoryEntry) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.Log(context.WithoutCancel(ctx), entry); err != nil {
		slog.Debug("history write failed", "event_type", entry.EventType, "error", err)
	}
}

func sortAvatars(avatars []*models.Avatar) {
	sort.Slice(avatars, func(i, j int) bool {
		if !avatars[i].CreatedAt.Equal(avatars[j].CreatedAt) {
			return avatars[i].CreatedAt.Before(avatars[j].CreatedAt)
		}
		return avatars[i].ID < avatars[j].ID
	})
}

// --- Blacklist ---

// Blacklist returns a copy of the stored blacklist.
func (m *Manager) Blacklist() models.Blacklist {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneBlacklist(m.blacklist)
}

// SetBlacklist replaces the blacklist.
func (m *Manager) SetBlacklist(ctx context.Context, bl models.Blacklist) error {
	next := normalizeBlacklist(cloneBlacklist(bl))

	m.mu.Lock()
	if err := m.store.SaveBlacklist(next); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("save blacklist: %w", err)
	}
	m.blacklist = next
	m.mu.Unlock()

	m.record(ctx, history.SystemEvent("blacklist_updated", history.ResourceConfig, "blacklist", map[string]any{
		"keywords": len(next.Global.Keywords),
		"senders":  len(next.Global.Senders),
		"channels": len(next.Global.Channels),
		"avatars":  len(next.ByAvatar),
	}, ""))
	return nil
}

// RulesFor returns the global rules merged with the avatar's own rules.
func (m *Manager) RulesFor(avatarID string) models.Rules {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return blacklist.Merge(m.blacklist.Global, m.blacklist.ByAvatar[avatarID])
}

func normalizeBlacklist(bl models.Blacklist) models.Blacklist {
	bl.Global = normalizeRules(bl.Global)
	if bl.ByAvatar == nil {
		bl.ByAvatar = map[string]models.Rules{}
	}
	for id, r := range bl.ByAvatar {
		bl.ByAvatar[id] = normalizeRules(r)
	}
	return bl
}

func normalizeRules(r models.Rules) models.Rules {
	if r.Keywords == nil {
		r.Keywords = []string{}
	}
	if r.Senders == nil {
		r.Senders = []string{}
	}
	if r.Channels == nil {
		r.Channels = []string{}
	}
	return r
}

func cloneBlacklist(bl models.Blacklist) models.Blacklist {
	out := models.Blacklist{Global: cloneRules(bl.Global)}
	if bl.ByAvatar != nil {
		out.ByAvatar = make(map[string]models.Rules, len(bl.ByAvatar))
		for id, r := range bl.ByAvatar {
			out.ByAvatar[id] = cloneRules(r)
		}
	}
	return out
}

func cloneRules(r models.Rules) models.Rules {
	return models.Rules{
		Keywords: append([]string(nil), r.Keywords...),
		Senders:  append([]string(nil), r.Senders...),
		Channels: append([]string(nil), r.Channels...),
	}
}
