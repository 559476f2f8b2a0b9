package executor

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/hubfeed-agent/internal/platform"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

// Classify maps an execution error to the kind reported to the backend.
func Classify(err error) models.ErrorKind {
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		return models.ErrorKindInternal
	case errors.Is(err, platform.ErrAuthRequired), errors.Is(err, platform.ErrChallengePending):
		return models.ErrorKindAuth
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrorKindTimeout
	case errors.Is(err, platform.ErrUnknownPlatform),
		errors.Is(err, platform.ErrUnknownCommand),
		errors.Is(err, platform.ErrInvalidParams),
		errors.Is(err, platform.ErrAvatarNotFound),
		errors.Is(err, platform.ErrNotConfigured),
		errors.Is(err, ErrAvatarInactive):
		return models.ErrorKindValue
	default:
		return models.ErrorKindProvider
	}
}
