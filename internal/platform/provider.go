// Package platform defines capability providers, the per-platform backends
// that execute job commands against an avatar's session.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Provider executes commands for one platform. Implementations cache one
// session per avatar and must re-validate a cached session before reuse.
type Provider interface {
	Name() string
	Commands() []models.Command
	Execute(ctx context.Context, avatarID string, cmd models.Command, params map[string]any) ([]models.Item, error)
	DisconnectAll(ctx context.Context) error
}

// Avatars is the slice of the state store providers need.
type Avatars interface {
	Avatar(id string) (*models.Avatar, error)
	SaveAvatar(ctx context.Context, a *models.Avatar) error
	UpdateAvatar(ctx context.Context, id string, fn func(a *models.Avatar) error) error
	DeleteAvatar(ctx context.Context, id string) error
	AuthFailureStatus(id string) models.AvatarStatus
	UpdateAvatarStatus(ctx context.Context, id string, status models.AvatarStatus) error
	PlatformConfig(name string) map[string]any
}

// Registry maps command prefixes to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns a registry holding the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces the provider for p.Name().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider for a platform name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// For resolves the provider that handles cmd.
func (r *Registry) For(cmd models.Command) (Provider, error) {
	p, ok := r.Get(cmd.Platform())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, cmd)
	}
	return p, nil
}

// Platforms returns the registered platform names, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Commands returns the supported commands grouped by platform.
func (r *Registry) Commands() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.providers))
	for name, p := range r.providers {
		cmds := make([]string, 0, len(p.Commands()))
		for _, c := range p.Commands() {
			cmds = append(cmds, string(c))
		}
		out[name] = cmds
	}
	return out
}

// DisconnectAll tears down every provider's sessions concurrently. A failing
// provider does not stop the others; all failures are returned joined.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	r.mu.RLock()
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, p := range providers {
		g.Go(func() error {
			if err := disconnect(ctx, p); err != nil {
				slog.Error("provider cleanup failed", "platform", p.Name(), "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// disconnect runs one provider's DisconnectAll, turning a panic into an error.
func disconnect(ctx context.Context, p Provider) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during disconnect: %v", r)
		}
	}()
	return p.DisconnectAll(ctx)
}
