package platform

import "errors"

var (
	ErrUnknownPlatform  = errors.New("unknown command platform")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrInvalidParams    = errors.New("invalid command params")
	ErrAvatarNotFound   = errors.New("avatar not found")
	ErrAuthRequired     = errors.New("avatar authentication required")
	ErrChallengePending = errors.New("login challenge pending")
	ErrNotConfigured    = errors.New("platform not configured")
)
