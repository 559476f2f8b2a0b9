// Package hubfeed is the HTTP client for the Hubfeed backend: token
// verification, avatar sync, task polling and result submission.
package hubfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

// Sentinel errors for backend failures.
var (
	ErrNotConfigured = errors.New("agent token not configured")
	ErrUnreachable   = errors.New("hubfeed unreachable")
	ErrTimeout       = errors.New("hubfeed request timeout")
	ErrInvalidToken  = errors.New("invalid agent token")
	ErrTokenRevoked  = errors.New("agent token revoked")
	ErrBackend       = errors.New("hubfeed request failed")
)

// Client is the interface to the Hubfeed backend.
type Client interface {
	Verify(ctx context.Context, caps Capabilities) (*VerifyResponse, error)
	SyncAvatars(ctx context.Context, avatars []*models.Avatar) error
	GetTasks(ctx context.Context) ([]models.Job, error)
	SubmitResult(ctx context.Context, res models.JobResult) error
	Health(ctx context.Context) error
	Close()
}

// Capabilities advertises what this agent can execute.
type Capabilities struct {
	Version   string              `json:"version"`
	Platforms []string            `json:"platforms"`
	Commands  map[string][]string `json:"commands"`
}

// VerifyResponse is the backend's answer to a token verification.
type VerifyResponse struct {
	User   VerifiedUser   `json:"user"`
	Config map[string]any `json:"config"`
}

type VerifiedUser struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email"`
}

// TokenSource returns the current agent token. It is consulted per request
// so a token change takes effect without rebuilding the client.
type TokenSource func() string

// HTTPClient implements Client over the backend's JSON API.
type HTTPClient struct {
	baseURL       string
	version       string
	token         TokenSource
	timeout       time.Duration
	healthTimeout time.Duration

	mu        sync.Mutex
	client    *http.Client
	platforms []string
}

// NewHTTPClient creates a backend client.
func NewHTTPClient(baseURL, version string, token TokenSource, timeout, healthTimeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		version:       version,
		token:         token,
		timeout:       timeout,
		healthTimeout: healthTimeout,
	}
}

// Verify checks the agent token and returns the backend-provided config.
func (c *HTTPClient) Verify(ctx context.Context, caps Capabilities) (*VerifyResponse, error) {
	c.mu.Lock()
	c.platforms = append([]string(nil), caps.Platforms...)
	c.mu.Unlock()

	var out VerifyResponse
	body := map[string]any{"capabilities": caps}
	if err := c.do(ctx, http.MethodPost, "/api/agent/verify", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncAvatars pushes the avatar list. Credentials never leave the agent.
func (c *HTTPClient) SyncAvatars(ctx context.Context, avatars []*models.Avatar) error {
	payload := make([]syncAvatar, 0, len(avatars))
	for _, a := range avatars {
		payload = append(payload, sanitize(a))
	}
	if err := c.do(ctx, http.MethodPost, "/api/agent/avatars/sync", map[string]any{"avatars": payload}, nil); err != nil {
		return err
	}
	slog.Info("synced avatars with hubfeed", "count", len(payload))
	return nil
}

// GetTasks polls for pending jobs.
func (c *HTTPClient) GetTasks(ctx context.Context) ([]models.Job, error) {
	var out struct {
		Tasks []models.Job `json:"tasks"`
	}
	resp, err := c.send(ctx, http.MethodGet, "/api/agent/tasks", nil, &out)
	if err != nil {
		return nil, err
	}
	if resp.Header.Get("X-Upgrade-Required") == "true" {
		slog.Warn("agent version is outdated, please upgrade", "version", c.version)
	}
	if out.Tasks == nil {
		return []models.Job{}, nil
	}
	return out.Tasks, nil
}

// SubmitResult reports a job outcome.
func (c *HTTPClient) SubmitResult(ctx context.Context, res models.JobResult) error {
	payload := resultPayload{
		JobID:           res.JobID,
		AvatarID:        res.AvatarID,
		Success:         res.Success,
		ExecutionTimeMS: res.ExecutionMS,
		Error:           res.Error,
	}
	if res.Success && res.RawData != nil {
		count := len(res.RawData)
		payload.RawData = res.RawData
		payload.FilteredCount = &res.FilteredCount
		payload.ItemsCount = &count
	}
	return c.do(ctx, http.MethodPost, "/api/agent/results", payload, nil)
}

// Health probes backend liveness with the short health timeout.
func (c *HTTPClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: hubfeed not healthy (status %d)", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// Close drops the cached transport. The next request builds a new one.
func (c *HTTPClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.CloseIdleConnections()
		c.client = nil
	}
}

func (c *HTTPClient) httpClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		c.client = &http.Client{Timeout: c.timeout}
	}
	return c.client
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	_, err := c.send(ctx, method, path, in, out)
	return err
}

func (c *HTTPClient) send(ctx context.Context, method, path string, in, out any) (*http.Response, error) {
	if c.token == nil || c.token() == "" {
		return nil, ErrNotConfigured
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return nil, err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decoding %s response: %w", path, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp, nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "HubfeedAgent/"+c.version)
	req.Header.Set("X-Agent-Version", c.version)

	c.mu.Lock()
	platforms := strings.Join(c.platforms, ",")
	c.mu.Unlock()
	if platforms != "" {
		req.Header.Set("X-Agent-Capabilities", platforms)
	}

	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrInvalidToken
	case resp.StatusCode == http.StatusForbidden:
		return ErrTokenRevoked
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(msg) > 0 {
		return fmt.Errorf("%w: status %d: %s", ErrBackend, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return fmt.Errorf("%w: status %d", ErrBackend, resp.StatusCode)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// --- wire types ---

type resultPayload struct {
	JobID           string           `json:"job_id"`
	AvatarID        string           `json:"avatar_id"`
	Success         bool             `json:"success"`
	ExecutionTimeMS int64            `json:"execution_time_ms"`
	RawData         []models.Item    `json:"raw_data,omitempty"`
	FilteredCount   *int             `json:"filtered_count,omitempty"`
	ItemsCount      *int             `json:"items_count,omitempty"`
	Error           *models.JobError `json:"error,omitempty"`
}

type syncAvatar struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Platform string       `json:"platform"`
	Status   string       `json:"status"`
	Metadata syncMetadata `json:"metadata"`
}

type syncMetadata struct {
	Phone          string       `json:"phone,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	LastUsedAt     *time.Time   `json:"last_used_at"`
	UserID         any          `json:"user_id"`
	Username       any          `json:"username"`
	SourcesEnabled bool         `json:"sources_enabled"`
	Sources        []syncSource `json:"sources"`
}

type syncSource struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Type             string `json:"type"`
	FrequencySeconds int    `json:"frequency_seconds"`
}

func sanitize(a *models.Avatar) syncAvatar {
	sources := make([]syncSource, 0, len(a.Sources))
	for _, s := range a.Sources {
		sources = append(sources, syncSource{
			ID:               s.ID,
			Name:             s.Name,
			Type:             s.Type,
			FrequencySeconds: s.FrequencySeconds,
		})
	}
	return syncAvatar{
		ID:       a.ID,
		Name:     a.Name,
		Platform: a.Platform,
		Status:   string(a.Status),
		Metadata: syncMetadata{
			Phone:          a.MetadataString("phone"),
			CreatedAt:      a.CreatedAt,
			LastUsedAt:     a.LastUsedAt,
			UserID:         a.Metadata["user_id"],
			Username:       a.Metadata["username"],
			SourcesEnabled: a.SourcesEnabled,
			Sources:        sources,
		},
	}
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
