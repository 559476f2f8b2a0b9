package platform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

// LookupAvatar loads an avatar and checks it belongs to the platform.
func LookupAvatar(store Avatars, platform, avatarID string) (*models.Avatar, error) {
	a, err := store.Avatar(avatarID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAvatarNotFound, avatarID)
	}
	if a.Platform != platform {
		return nil, fmt.Errorf("%w: avatar %s is a %s avatar", ErrInvalidParams, avatarID, a.Platform)
	}
	return a, nil
}

// AuthFailed moves the avatar one step along the auth failure transition
// and returns an error wrapping ErrAuthRequired.
func AuthFailed(ctx context.Context, store Avatars, avatarID string, cause error) error {
	next := store.AuthFailureStatus(avatarID)
	if err := store.UpdateAvatarStatus(ctx, avatarID, next); err != nil {
		slog.Warn("failed to record auth failure", "avatar_id", avatarID, "error", err)
	}
	slog.Warn("avatar authentication failed", "avatar_id", avatarID, "status", next, "error", cause)
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrAuthRequired, avatarID)
	}
	return fmt.Errorf("%w: %s: %v", ErrAuthRequired, avatarID, cause)
}

// AuthSucceeded marks the avatar active.
func AuthSucceeded(ctx context.Context, store Avatars, avatarID string) {
	if err := store.UpdateAvatarStatus(ctx, avatarID, models.AvatarStatusActive); err != nil {
		slog.Warn("failed to mark avatar active", "avatar_id", avatarID, "error", err)
	}
}
