package state

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/kiranshivaraju/hubfeed-agent/internal/history"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

// DefaultSourceFrequency is the poll cadence of a source added without one.
const DefaultSourceFrequency = 300

// FrequencyPresets are the poll cadences, in seconds, a source may use.
var FrequencyPresets = []int{300, 900, 1800, 3600, 21600, 43200, 86400}

// ValidFrequency reports whether seconds is one of the presets.
func ValidFrequency(seconds int) bool {
	return slices.Contains(FrequencyPresets, seconds)
}

// Sources returns the avatar's whitelist and whether it is enabled.
func (m *Manager) Sources(avatarID string) ([]models.Source, bool, error) {
	a, err := m.Avatar(avatarID)
	if err != nil {
		return nil, false, err
	}
	if a.Sources == nil {
		a.Sources = []models.Source{}
	}
	return a.Sources, a.SourcesEnabled, nil
}

// AddSource appends a source to the avatar's whitelist and enables it.
// A zero frequency takes the default; the type defaults to "channel".
func (m *Manager) AddSource(ctx context.Context, avatarID string, src models.Source) (models.Source, error) {
	if src.ID == "" {
		return models.Source{}, fmt.Errorf("%w: id is required", ErrInvalidSource)
	}
	if src.FrequencySeconds == 0 {
		src.FrequencySeconds = DefaultSourceFrequency
	}
	if !ValidFrequency(src.FrequencySeconds) {
		return models.Source{}, fmt.Errorf("%w: %d", ErrInvalidFrequency, src.FrequencySeconds)
	}
	if src.Type == "" {
		src.Type = "channel"
	}
	src.AddedAt = m.now()
	src.LastCheckedAt = nil
	src.LastMessageID = nil

	err := m.UpdateAvatar(ctx, avatarID, func(a *models.Avatar) error {
		for _, s := range a.Sources {
			if s.ID == src.ID {
				return fmt.Errorf("%w: %s", ErrSourceExists, src.ID)
			}
		}
		a.Sources = append(a.Sources, src)
		a.SourcesEnabled = true
		return nil
	})
	if err != nil {
		return models.Source{}, err
	}

	m.record(ctx, history.ChannelEvent("added", src.ID, avatarID, map[string]any{
		"name":              src.Name,
		"type":              src.Type,
		"frequency_seconds": src.FrequencySeconds,
	}))
	return src, nil
}

// RemoveSource drops a source from the avatar's whitelist.
func (m *Manager) RemoveSource(ctx context.Context, avatarID, sourceID string) error {
	var removed models.Source
	err := m.UpdateAvatar(ctx, avatarID, func(a *models.Avatar) error {
		i := slices.IndexFunc(a.Sources, func(s models.Source) bool { return s.ID == sourceID })
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrSourceNotFound, sourceID)
		}
		removed = a.Sources[i]
		a.Sources = slices.Delete(a.Sources, i, i+1)
		return nil
	})
	if err != nil {
		return err
	}

	m.record(ctx, history.ChannelEvent("removed", sourceID, avatarID, map[string]any{
		"name": removed.Name,
		"type": removed.Type,
	}))
	return nil
}

// UpdateSourceFrequency changes a source's poll cadence.
func (m *Manager) UpdateSourceFrequency(ctx context.Context, avatarID, sourceID string, seconds int) error {
	if !ValidFrequency(seconds) {
		return fmt.Errorf("%w: %d", ErrInvalidFrequency, seconds)
	}
	var name string
	err := m.updateSource(ctx, avatarID, sourceID, func(s *models.Source) {
		s.FrequencySeconds = seconds
		name = s.Name
	})
	if err != nil {
		return err
	}

	m.record(ctx, history.ChannelEvent("updated", sourceID, avatarID, map[string]any{
		"name":    name,
		"updates": map[string]any{"frequency_seconds": seconds},
	}))
	return nil
}

// UpdateSourceLastChecked stamps a source as checked now. A nil
// lastMessageID keeps the previous value.
func (m *Manager) UpdateSourceLastChecked(ctx context.Context, avatarID, sourceID string, lastMessageID *int64) error {
	now := m.now()
	return m.updateSource(ctx, avatarID, sourceID, func(s *models.Source) {
		s.LastCheckedAt = &now
		if lastMessageID != nil {
			id := *lastMessageID
			s.LastMessageID = &id
		}
	})
}

// SourcesDueForCheck returns the avatar's sources whose cadence has elapsed
// at now. Sources never checked are always due. A disabled whitelist has
// nothing due.
func (m *Manager) SourcesDueForCheck(avatarID string, now time.Time) ([]models.Source, error) {
	sources, enabled, err := m.Sources(avatarID)
	if err != nil {
		return nil, err
	}
	due := []models.Source{}
	if !enabled {
		return due, nil
	}
	for _, s := range sources {
		freq := s.FrequencySeconds
		if freq <= 0 {
			freq = DefaultSourceFrequency
		}
		if s.LastCheckedAt == nil || now.Sub(*s.LastCheckedAt) >= time.Duration(freq)*time.Second {
			due = append(due, s)
		}
	}
	return due, nil
}

func (m *Manager) updateSource(ctx context.Context, avatarID, sourceID string, fn func(s *models.Source)) error {
	return m.UpdateAvatar(ctx, avatarID, func(a *models.Avatar) error {
		for i := range a.Sources {
			if a.Sources[i].ID == sourceID {
				fn(&a.Sources[i])
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrSourceNotFound, sourceID)
	})
}
