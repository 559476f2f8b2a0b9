// Package agent runs the polling loop: verify the token, keep the backend's
// avatar list in sync, pull jobs and execute them one at a time.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/hubfeed-agent/internal/config"
	"github.com/kiranshivaraju/hubfeed-agent/internal/hubfeed"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

var (
	ErrNotConfigured = errors.New("agent token not configured")
	// ErrStopping is returned by Start while a previous run has not exited yet.
	ErrStopping = errors.New("agent loop is still stopping")
)

// State is the slice of the state store the loop uses.
type State interface {
	IsConfigured() bool
	MarkVerified(email string, platformConfig map[string]any) error
	IsVerified(maxAge time.Duration) bool
	Avatars() []*models.Avatar
	ConsumeStatusDirty() bool
	PollingInterval(fallback time.Duration) time.Duration
}

// Executor runs jobs. Execute never fails; errors are carried in the result.
type Executor interface {
	Execute(ctx context.Context, job models.Job) models.JobResult
	Cleanup(ctx context.Context) error
}

// CapabilitiesFunc reports what the agent can execute at verification time.
type CapabilitiesFunc func() hubfeed.Capabilities

// Loop is the agent's single background worker.
type Loop struct {
	client hubfeed.Client
	state  State
	exec   Executor
	caps   CapabilitiesFunc
	cfg    config.AgentConfig
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	// released is closed once a stopped run has exited and its sessions
	// are released. Nil when nothing is pending.
	released chan struct{}

	running  atomic.Bool
	verified atomic.Bool
	lastSync atomic.Int64
}

// Option configures a Loop.
type Option func(*Loop)

// WithSleep replaces the cancellable sleep used between polls and retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loop) { l.sleep = sleep }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// NewLoop creates a stopped loop.
func NewLoop(client hubfeed.Client, state State, exec Executor, caps CapabilitiesFunc, cfg config.AgentConfig, opts ...Option) *Loop {
	l := &Loop{
		client: client,
		state:  state,
		exec:   exec,
		caps:   caps,
		cfg:    cfg,
		sleep:  sleepCtx,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the background loop. It returns immediately; calling it on
// a running loop does nothing. While a previous run is still winding down
// after a timed-out Stop, Start returns ErrStopping.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.draining() {
		return ErrStopping
	}
	if !l.running.CompareAndSwap(false, true) {
		slog.Warn("agent loop already running")
		return nil
	}

	if l.cancel != nil {
		l.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	slog.Info("starting agent loop")
	go l.run(ctx, l.done)
	return nil
}

// Stop cancels the loop, waits for it to exit and releases provider
// sessions and the backend transport. Calling it on a stopped loop does
// nothing. If ctx ends first, Stop returns its error and the release runs
// once the loop has exited; Start refuses until then.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running.CompareAndSwap(true, false) {
		return nil
	}
	slog.Info("stopping agent loop")

	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.verified.Store(false)
	l.lastSync.Store(0)

	done := l.done
	if done == nil {
		return l.release(context.WithoutCancel(ctx))
	}
	select {
	case <-done:
		return l.release(context.WithoutCancel(ctx))
	case <-ctx.Done():
	}

	released := make(chan struct{})
	l.released = released
	go func() {
		defer close(released)
		<-done
		if err := l.release(context.Background()); err != nil {
			slog.Warn("releasing sessions after delayed stop", "error", err)
		}
	}()
	slog.Warn("agent loop did not exit in time, releasing sessions when it does")
	return fmt.Errorf("waiting for agent loop: %w", ctx.Err())
}

// release disconnects providers and drops the backend transport. The loop
// goroutine must have exited.
func (l *Loop) release(ctx context.Context) error {
	err := l.exec.Cleanup(ctx)
	l.client.Close()
	slog.Info("agent loop stopped")
	return err
}

// draining reports whether a timed-out Stop is still waiting on its run.
// Callers hold l.mu.
func (l *Loop) draining() bool {
	if l.released == nil {
		return false
	}
	select {
	case <-l.released:
		l.released = nil
		return false
	default:
		return true
	}
}

// Stopping reports whether a previous run is still winding down.
func (l *Loop) Stopping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.draining()
}

// Running reports whether the loop is running.
func (l *Loop) Running() bool { return l.running.Load() }

// Verified reports whether the token has been verified since start.
func (l *Loop) Verified() bool { return l.verified.Load() }

// LastSync returns the time of the last successful avatar sync.
func (l *Loop) LastSync() *time.Time {
	n := l.lastSync.Load()
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}

// HealthCheck reports the loop state and probes the backend. It never
// mutates state.
func (l *Loop) HealthCheck(ctx context.Context) models.Health {
	reachable := true
	if err := l.client.Health(ctx); err != nil {
		slog.Debug("hubfeed health probe failed", "error", err)
		reachable = false
	}
	return models.Health{
		Running:    l.running.Load(),
		Verified:   l.verified.Load(),
		Reachable:  reachable,
		Configured: l.state.IsConfigured(),
		LastSync:   l.LastSync(),
	}
}

// RefreshConfig drops the cached transport and re-verifies, picking up a
// new token or new platform config without restarting the loop.
func (l *Loop) RefreshConfig(ctx context.Context) error {
	l.client.Close()
	return l.verify(ctx)
}

// SyncNow pushes the avatar list immediately.
func (l *Loop) SyncNow(ctx context.Context) error {
	return l.sync(ctx)
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if err := l.verify(ctx); err != nil {
		if ctx.Err() == nil {
			slog.Error("token verification failed, agent will not poll", "error", err)
		}
		l.running.Store(false)
		return
	}
	_ = l.sync(ctx)

	for l.running.Load() && ctx.Err() == nil {
		l.iterate(ctx)

		interval := l.state.PollingInterval(l.cfg.PollInterval)
		slog.Debug("waiting for next poll", "interval", interval)
		if err := l.sleep(ctx, interval); err != nil {
			break
		}
	}
	slog.Debug("agent loop exited")
}

// iterate runs one poll cycle. Errors and panics end the cycle, never the loop.
func (l *Loop) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in poll cycle", "error", r)
		}
	}()

	if !l.verified.Load() || !l.state.IsVerified(l.cfg.VerifyMaxAge) {
		if err := l.verify(ctx); err != nil {
			slog.Warn("re-verification failed, skipping poll", "error", err)
			return
		}
	}

	if l.syncDue() {
		_ = l.sync(ctx)
	}

	jobs, err := l.client.GetTasks(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("failed to fetch tasks", "error", err)
		}
		return
	}

	if len(jobs) == 0 {
		slog.Debug("no pending tasks")
	} else {
		slog.Info("received tasks", "count", len(jobs))
	}
	for _, job := range jobs {
		if !l.running.Load() || ctx.Err() != nil {
			break
		}
		res := l.exec.Execute(ctx, job)
		if err := l.submit(ctx, res); err != nil {
			slog.Error("failed to submit job result", "job_id", res.JobID, "error", err)
		}
	}

	if l.state.ConsumeStatusDirty() {
		slog.Info("avatar status changed, syncing")
		_ = l.sync(ctx)
	}
}

func (l *Loop) verify(ctx context.Context) error {
	if !l.state.IsConfigured() {
		l.verified.Store(false)
		return ErrNotConfigured
	}

	slog.Info("verifying token with hubfeed")
	resp, err := l.client.Verify(ctx, l.caps())
	if err != nil {
		l.verified.Store(false)
		return fmt.Errorf("verify token: %w", err)
	}
	if err := l.state.MarkVerified(resp.User.Email, resp.Config); err != nil {
		l.verified.Store(false)
		return err
	}
	l.verified.Store(true)
	slog.Info("token verified", "user", resp.User.Email)
	return nil
}

func (l *Loop) sync(ctx context.Context) error {
	avatars := l.state.Avatars()
	if len(avatars) == 0 {
		slog.Debug("no avatars to sync")
		return nil
	}
	if err := l.client.SyncAvatars(ctx, avatars); err != nil {
		slog.Error("avatar sync failed", "error", err)
		return err
	}
	l.lastSync.Store(l.now().UnixNano())
	slog.Info("avatars synced", "count", len(avatars))
	return nil
}

func (l *Loop) syncDue() bool {
	last := l.lastSync.Load()
	if last == 0 {
		return true
	}
	return l.now().Sub(time.Unix(0, last)) > l.cfg.SyncInterval
}

// submit posts a result, retrying with exponential backoff.
func (l *Loop) submit(ctx context.Context, res models.JobResult) error {
	attempts := max(l.cfg.SubmitAttempts, 1)
	delay := l.cfg.SubmitBackoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = l.client.SubmitResult(ctx, res); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		slog.Warn("result submission failed, retrying",
			"job_id", res.JobID,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		if serr := l.sleep(ctx, delay); serr != nil {
			return errors.Join(err, serr)
		}
		delay *= 2
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
