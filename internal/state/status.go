package state

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/hubfeed-agent/internal/history"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

// NextAuthFailureStatus is the status an avatar moves to after an
// authentication failure. The backend retries auth_required avatars and
// stops assigning jobs to failed_reauth ones.
func NextAuthFailureStatus(cur models.AvatarStatus) models.AvatarStatus {
	switch cur {
	case models.AvatarStatusAuthRequired, models.AvatarStatusFailedReauth:
		return models.AvatarStatusFailedReauth
	default:
		return models.AvatarStatusAuthRequired
	}
}

// AuthFailureStatus returns the status the avatar should take after an
// authentication failure. Unknown avatars get auth_required.
func (m *Manager) AuthFailureStatus(id string) models.AvatarStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.avatars[id]
	if !ok {
		return models.AvatarStatusAuthRequired
	}
	return NextAuthFailureStatus(a.Status)
}

// UpdateAvatarStatus sets an avatar's status. Setting the current status is a
// no-op; any real change marks state dirty for the next loop iteration.
func (m *Manager) UpdateAvatarStatus(ctx context.Context, id string, status models.AvatarStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidAvatar, status)
	}

	m.mu.Lock()
	cur, ok := m.avatars[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAvatarNotFound, id)
	}
	from := cur.Status
	if from == status {
		m.mu.Unlock()
		return nil
	}
	next := cur.Clone()
	next.Status = status
	now := m.now()
	next.LastUsedAt = &now
	err := m.commitLocked(next)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.statusChanged(ctx, id, from, status)
	return nil
}

// ConsumeStatusDirty reports whether any avatar status changed since the
// last call, and resets the flag.
func (m *Manager) ConsumeStatusDirty() bool {
	return m.dirty.Swap(false)
}

func (m *Manager) statusChanged(ctx context.Context, id string, from, to models.AvatarStatus) {
	m.dirty.Store(true)
	m.record(ctx, history.StatusChange(id, from, to))
}
