package models

import "time"

// AgentConfig is the persisted agent identity and backend-provided settings.
type AgentConfig struct {
	Token          string         `json:"token,omitempty"`
	VerifiedAt     *time.Time     `json:"verified_at,omitempty"`
	UserEmail      string         `json:"user_email,omitempty"`
	PlatformConfig map[string]any `json:"platform_config,omitempty"`
}

// Health is the loop status reported to the control surface.
type Health struct {
	Running    bool       `json:"running"`
	Verified   bool       `json:"verified"`
	Reachable  bool       `json:"hubfeed_reachable"`
	Configured bool       `json:"configured"`
	LastSync   *time.Time `json:"last_sync"`
}
