// Package mock provides capability providers for tests.
package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/hubfeed-agent/internal/platform"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

// Call records one Execute invocation.
type Call struct {
	AvatarID string
	Command  models.Command
	Params   map[string]any
}

// Provider satisfies platform.Provider for testing.
type Provider struct {
	Name_          string
	Commands_      []models.Command
	ExecuteFunc    func(ctx context.Context, avatarID string, cmd models.Command, params map[string]any) ([]models.Item, error)
	DisconnectFunc func(ctx context.Context) error

	mu          sync.Mutex
	calls       []Call
	disconnects int
}

func (p *Provider) Name() string { return p.Name_ }

func (p *Provider) Commands() []models.Command { return p.Commands_ }

func (p *Provider) Execute(ctx context.Context, avatarID string, cmd models.Command, params map[string]any) ([]models.Item, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{AvatarID: avatarID, Command: cmd, Params: params})
	p.mu.Unlock()
	if p.ExecuteFunc != nil {
		return p.ExecuteFunc(ctx, avatarID, cmd, params)
	}
	return []models.Item{}, nil
}

func (p *Provider) DisconnectAll(ctx context.Context) error {
	p.mu.Lock()
	p.disconnects++
	p.mu.Unlock()
	if p.DisconnectFunc != nil {
		return p.DisconnectFunc(ctx)
	}
	return nil
}

// Calls returns the recorded Execute invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Disconnects returns how many times DisconnectAll ran.
func (p *Provider) Disconnects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

// NewProvider returns a Provider that answers every command with items.
func NewProvider(name string, items ...models.Item) *Provider {
	return &Provider{
		Name_:     name,
		Commands_: []models.Command{models.Command(name + ".get_messages")},
		ExecuteFunc: func(_ context.Context, _ string, _ models.Command, _ map[string]any) ([]models.Item, error) {
			out := make([]models.Item, len(items))
			copy(out, items)
			return out, nil
		},
	}
}

// NewFailingProvider returns a Provider whose Execute always returns err.
func NewFailingProvider(name string, err error) *Provider {
	return &Provider{
		Name_: name,
		ExecuteFunc: func(_ context.Context, _ string, _ models.Command, _ map[string]any) ([]models.Item, error) {
			return nil, err
		},
	}
}

// NewPanickingProvider returns a Provider whose Execute panics.
func NewPanickingProvider(name string) *Provider {
	return &Provider{
		Name_: name,
		ExecuteFunc: func(_ context.Context, _ string, _ models.Command, _ map[string]any) ([]models.Item, error) {
			panic("provider exploded")
		},
	}
}

// NewBlockingProvider returns a Provider whose Execute blocks until ctx is done.
func NewBlockingProvider(name string) *Provider {
	return &Provider{
		Name_: name,
		ExecuteFunc: func(ctx context.Context, _ string, _ models.Command, _ map[string]any) ([]models.Item, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

var _ platform.Provider = (*Provider)(nil)
