package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/hubfeed-agent/internal/platform"
	"github.com/kiranshivaraju/hubfeed-agent/internal/platform/mock"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockProvider_ImplementsInterface(t *testing.T) {
	var _ platform.Provider = (*mock.Provider)(nil)
}

func TestNewProvider_ReturnsCopyOfItems(t *testing.T) {
	p := mock.NewProvider("telegram", models.Item{"id": 1})

	items, err := p.Execute(context.Background(), "a1", "telegram.get_messages", map[string]any{"channel": "x"})
	require.NoError(t, err)
	require.Len(t, items, 1)

	items[0] = models.Item{"id": 99}
	again, err := p.Execute(context.Background(), "a1", "telegram.get_messages", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, again[0]["id"])

	calls := p.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "a1", calls[0].AvatarID)
	assert.Equal(t, models.Command("telegram.get_messages"), calls[0].Command)
	assert.Equal(t, "telegram", p.Name())
	assert.Equal(t, []models.Command{"telegram.get_messages"}, p.Commands())
}

func TestNewFailingProvider(t *testing.T) {
	boom := errors.New("boom")
	p := mock.NewFailingProvider("browser", boom)

	_, err := p.Execute(context.Background(), "a1", "browser.xhr_capture", nil)
	assert.ErrorIs(t, err, boom)
}

func TestNewPanickingProvider(t *testing.T) {
	p := mock.NewPanickingProvider("telegram")
	assert.Panics(t, func() {
		_, _ = p.Execute(context.Background(), "a1", "telegram.get_messages", nil)
	})
}

func TestNewBlockingProvider_UnblocksOnCancel(t *testing.T) {
	p := mock.NewBlockingProvider("telegram")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Execute(ctx, "a1", "telegram.get_messages", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDisconnectAll_CountsAndDelegates(t *testing.T) {
	p := &mock.Provider{Name_: "telegram"}
	require.NoError(t, p.DisconnectAll(context.Background()))

	fail := errors.New("close failed")
	p.DisconnectFunc = func(context.Context) error { return fail }
	assert.ErrorIs(t, p.DisconnectAll(context.Background()), fail)
	assert.Equal(t, 2, p.Disconnects())
}

func TestZeroValueProvider_ReturnsEmptyItems(t *testing.T) {
	p := &mock.Provider{Name_: "x"}
	items, err := p.Execute(context.Background(), "a1", "x.get_messages", nil)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NotNil(t, items)
}
