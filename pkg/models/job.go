package models

import (
	"strings"
	"time"
)

// Item is one content record returned by a capability provider.
type Item = map[string]any

// Command is a namespaced job command of the form "<platform>.<action>".
type Command string

// Platform returns the provider key, the part before the first dot.
func (c Command) Platform() string {
	p, _, _ := strings.Cut(string(c), ".")
	return p
}

// Action returns the part after the first dot.
func (c Command) Action() string {
	_, a, _ := strings.Cut(string(c), ".")
	return a
}

// ReturnsMessages reports whether the command yields message-shaped content
// that the blacklist applies to.
func (c Command) ReturnsMessages() bool {
	s := string(c)
	return strings.HasSuffix(s, "get_messages") || strings.HasSuffix(s, "search_messages")
}

// Job is one unit of work pulled from the backend.
type Job struct {
	JobID    string         `json:"job_id"`
	AvatarID string         `json:"avatar_id"`
	Command  Command        `json:"command"`
	Params   map[string]any `json:"params"`
}

// ErrorKind classifies job failures reported to the backend.
type ErrorKind string

const (
	ErrorKindValue    ErrorKind = "ValueError"
	ErrorKindAuth     ErrorKind = "AuthRequired"
	ErrorKindTimeout  ErrorKind = "TimeoutError"
	ErrorKindProvider ErrorKind = "ProviderError"
	ErrorKindInternal ErrorKind = "InternalError"
)

// JobError describes why a job failed.
type JobError struct {
	Type    ErrorKind `json:"type"`
	Message string    `json:"message"`
}

// JobResult is produced exactly once per job. RawData is set only on success.
type JobResult struct {
	JobID         string    `json:"job_id"`
	AvatarID      string    `json:"avatar_id"`
	Command       Command   `json:"command"`
	Success       bool      `json:"success"`
	RawData       []Item    `json:"raw_data,omitempty"`
	ItemsCount    int       `json:"items_count"`
	FilteredCount int       `json:"filtered_count"`
	ExecutionMS   int64     `json:"execution_ms"`
	Timestamp     time.Time `json:"timestamp"`
	Error         *JobError `json:"error,omitempty"`
}
