// Package models contains shared data models used across the Hubfeed agent.
package models

import "time"

// AvatarStatus is the authentication state of an avatar. The status decides
// whether the executor may dispatch work to the avatar.
type AvatarStatus string

const (
	AvatarStatusActive       AvatarStatus = "active"
	AvatarStatusAuthRequired AvatarStatus = "auth_required"
	AvatarStatusFailedReauth AvatarStatus = "failed_reauth"
	AvatarStatusInactive     AvatarStatus = "inactive"
)

// Valid reports whether s is one of the known statuses.
func (s AvatarStatus) Valid() bool {
	switch s {
	case AvatarStatusActive, AvatarStatusAuthRequired, AvatarStatusFailedReauth, AvatarStatusInactive:
		return true
	}
	return false
}

// Avatar is a managed account on a content-source platform.
// Credentials hold session material and are never sent to the backend.
type Avatar struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Platform    string            `json:"platform"`
	Status      AvatarStatus      `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	LastUsedAt  *time.Time        `json:"last_used_at,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`

	SourcesEnabled bool     `json:"sources_enabled"`
	Sources        []Source `json:"sources,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (a *Avatar) Clone() *Avatar {
	if a == nil {
		return nil
	}
	c := *a
	if a.LastUsedAt != nil {
		t := *a.LastUsedAt
		c.LastUsedAt = &t
	}
	if a.Credentials != nil {
		c.Credentials = make(map[string]string, len(a.Credentials))
		for k, v := range a.Credentials {
			c.Credentials[k] = v
		}
	}
	if a.Metadata != nil {
		c.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	if a.Sources != nil {
		c.Sources = make([]Source, len(a.Sources))
		for i, s := range a.Sources {
			c.Sources[i] = s.clone()
		}
	}
	return &c
}

// MetadataString returns a string metadata value, or "" when absent.
func (a *Avatar) MetadataString(key string) string {
	if a.Metadata == nil {
		return ""
	}
	v, _ := a.Metadata[key].(string)
	return v
}

// Source is a whitelisted content origin polled by the backend scheduler.
type Source struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Type             string     `json:"type"`
	Username         string     `json:"username,omitempty"`
	FrequencySeconds int        `json:"frequency_seconds"`
	AddedAt          time.Time  `json:"added_at"`
	LastCheckedAt    *time.Time `json:"last_checked_at,omitempty"`
	LastMessageID    *int64     `json:"last_message_id,omitempty"`
}

func (s Source) clone() Source {
	c := s
	if s.LastCheckedAt != nil {
		t := *s.LastCheckedAt
		c.LastCheckedAt = &t
	}
	if s.LastMessageID != nil {
		id := *s.LastMessageID
		c.LastMessageID = &id
	}
	return c
}
