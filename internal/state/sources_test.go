package state_test

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/hubfeed-agent/internal/state"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_AddSource(t *testing.T) {
	rec := &recorder{}
	m := openManager(t, t.TempDir(), state.WithRecorder(rec), state.WithClock(func() time.Time { return fixedNow }))
	seedAvatar(t, m, "a", models.AvatarStatusActive)
	ctx := context.Background()

	_, enabled, err := m.Sources("a")
	require.NoError(t, err)
	assert.False(t, enabled)

	src, err := m.AddSource(ctx, "a", models.Source{ID: "-100123", Name: "News"})
	require.NoError(t, err)
	assert.Equal(t, state.DefaultSourceFrequency, src.FrequencySeconds)
	assert.Equal(t, "channel", src.Type)
	assert.Equal(t, fixedNow, src.AddedAt)

	sources, enabled, err := m.Sources("a")
	require.NoError(t, err)
	assert.True(t, enabled, "adding a source enables the whitelist")
	require.Len(t, sources, 1)
	assert.Equal(t, "News", sources[0].Name)

	_, err = m.AddSource(ctx, "a", models.Source{ID: "-100123"})
	assert.ErrorIs(t, err, state.ErrSourceExists)

	assert.Contains(t, rec.events(), "channel_added/added")
}

func TestManager_AddSourceValidation(t *testing.T) {
	m := openManager(t, t.TempDir())
	seedAvatar(t, m, "a", models.AvatarStatusActive)
	ctx := context.Background()

	_, err := m.AddSource(ctx, "a", models.Source{ID: "1", FrequencySeconds: 42})
	assert.ErrorIs(t, err, state.ErrInvalidFrequency)

	_, err = m.AddSource(ctx, "a", models.Source{})
	assert.ErrorIs(t, err, state.ErrInvalidSource)

	_, err = m.AddSource(ctx, "missing", models.Source{ID: "1"})
	assert.ErrorIs(t, err, state.ErrAvatarNotFound)
}

func TestManager_RemoveSource(t *testing.T) {
	m := openManager(t, t.TempDir())
	seedAvatar(t, m, "a", models.AvatarStatusActive)
	ctx := context.Background()

	_, err := m.AddSource(ctx, "a", models.Source{ID: "1"})
	require.NoError(t, err)
	_, err = m.AddSource(ctx, "a", models.Source{ID: "2"})
	require.NoError(t, err)

	require.NoError(t, m.RemoveSource(ctx, "a", "1"))
	sources, _, err := m.Sources("a")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "2", sources[0].ID)

	assert.ErrorIs(t, m.RemoveSource(ctx, "a", "1"), state.ErrSourceNotFound)
}

func TestManager_UpdateSourceFrequency(t *testing.T) {
	m := openManager(t, t.TempDir())
	seedAvatar(t, m, "a", models.AvatarStatusActive)
	ctx := context.Background()
	_, err := m.AddSource(ctx, "a", models.Source{ID: "1"})
	require.NoError(t, err)

	require.NoError(t, m.UpdateSourceFrequency(ctx, "a", "1", 3600))
	sources, _, err := m.Sources("a")
	require.NoError(t, err)
	assert.Equal(t, 3600, sources[0].FrequencySeconds)

	assert.ErrorIs(t, m.UpdateSourceFrequency(ctx, "a", "1", 61), state.ErrInvalidFrequency)
	assert.ErrorIs(t, m.UpdateSourceFrequency(ctx, "a", "nope", 900), state.ErrSourceNotFound)
}

func TestManager_SourcesDueForCheck(t *testing.T) {
	now := fixedNow
	m := openManager(t, t.TempDir(), state.WithClock(func() time.Time { return now }))
	seedAvatar(t, m, "a", models.AvatarStatusActive)
	ctx := context.Background()

	due, err := m.SourcesDueForCheck("a", now)
	require.NoError(t, err)
	assert.Empty(t, due, "disabled whitelist has nothing due")

	_, err = m.AddSource(ctx, "a", models.Source{ID: "fast", FrequencySeconds: 300})
	require.NoError(t, err)
	_, err = m.AddSource(ctx, "a", models.Source{ID: "slow", FrequencySeconds: 3600})
	require.NoError(t, err)

	due, err = m.SourcesDueForCheck("a", now)
	require.NoError(t, err)
	assert.Len(t, due, 2, "never-checked sources are due")

	lastID := int64(77)
	require.NoError(t, m.UpdateSourceLastChecked(ctx, "a", "fast", &lastID))
	require.NoError(t, m.UpdateSourceLastChecked(ctx, "a", "slow", nil))

	due, err = m.SourcesDueForCheck("a", now.Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "fast", due[0].ID)
	require.NotNil(t, due[0].LastMessageID)
	assert.Equal(t, int64(77), *due[0].LastMessageID)

	due, err = m.SourcesDueForCheck("a", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestValidFrequency(t *testing.T) {
	for _, f := range state.FrequencyPresets {
		assert.True(t, state.ValidFrequency(f))
	}
	assert.False(t, state.ValidFrequency(0))
	assert.False(t, state.ValidFrequency(60))
}
