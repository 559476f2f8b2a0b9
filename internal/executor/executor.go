// Package executor runs one job at a time against the capability providers
// and turns every outcome, including panics, into a JobResult.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/hubfeed-agent/internal/blacklist"
	"github.com/kiranshivaraju/hubfeed-agent/internal/history"
	"github.com/kiranshivaraju/hubfeed-agent/internal/platform"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

// ErrAvatarInactive is returned for jobs that target an inactive avatar.
var ErrAvatarInactive = errors.New("avatar is inactive")

// State is the slice of the state store the executor reads.
type State interface {
	Avatar(id string) (*models.Avatar, error)
	RulesFor(avatarID string) models.Rules
}

// Recorder receives one history entry per job.
type Recorder interface {
	Log(ctx context.Context, entry models.HistoryEntry) error
}

// Executor dispatches jobs to providers and applies the blacklist.
type Executor struct {
	registry *platform.Registry
	state    State
	recorder Recorder
	timeout  time.Duration
	now      func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithRecorder attaches the history recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithTimeout bounds each job. Zero leaves jobs unbounded.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an Executor.
func New(registry *platform.Registry, state State, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		state:    state,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs job and always returns a result; failures are reported in
// the result's Error field.
func (e *Executor) Execute(ctx context.Context, job models.Job) models.JobResult {
	start := time.Now()
	res := models.JobResult{
		JobID:    job.JobID,
		AvatarID: job.AvatarID,
		Command:  job.Command,
	}

	slog.Info("executing job", "job_id", job.JobID, "avatar_id", job.AvatarID, "command", job.Command)

	filtered, err := e.run(ctx, job)
	res.ExecutionMS = time.Since(start).Milliseconds()
	res.Timestamp = e.now()

	if err != nil {
		res.Error = &models.JobError{Type: Classify(err), Message: err.Error()}
		slog.Warn("job failed",
			"job_id", job.JobID,
			"command", job.Command,
			"error_type", res.Error.Type,
			"error", err,
			"execution_ms", res.ExecutionMS,
		)
	} else {
		res.Success = true
		res.RawData = filtered.Data
		res.ItemsCount = len(filtered.Data)
		res.FilteredCount = filtered.FilteredCount
		slog.Info("job completed",
			"job_id", job.JobID,
			"items", res.ItemsCount,
			"filtered", res.FilteredCount,
			"execution_ms", res.ExecutionMS,
		)
	}

	e.record(ctx, job, res, filtered.Reasons)
	return res
}

// run dispatches the job. Panics from providers are converted to errors.
func (e *Executor) run(ctx context.Context, job models.Job) (out models.FilterResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in job execution", "job_id", job.JobID, "error", r)
			out = models.FilterResult{}
			err = &panicError{value: r}
		}
	}()

	if job.Command.Action() == "" {
		return out, fmt.Errorf("%w: malformed command %q", platform.ErrUnknownCommand, job.Command)
	}
	provider, err := e.registry.For(job.Command)
	if err != nil {
		return out, err
	}
	avatar, err := e.state.Avatar(job.AvatarID)
	if err != nil {
		return out, fmt.Errorf("%w: %s", platform.ErrAvatarNotFound, job.AvatarID)
	}
	if avatar.Status == models.AvatarStatusInactive {
		return out, fmt.Errorf("%w: %s", ErrAvatarInactive, job.AvatarID)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	items, err := provider.Execute(ctx, job.AvatarID, job.Command, job.Params)
	if err != nil {
		return out, err
	}
	if items == nil {
		items = []models.Item{}
	}

	if !job.Command.ReturnsMessages() {
		return models.FilterResult{Data: items}, nil
	}
	return blacklist.Filter(items, e.state.RulesFor(job.AvatarID)), nil
}

// Cleanup disconnects every provider's sessions.
func (e *Executor) Cleanup(ctx context.Context) error {
	if err := e.registry.DisconnectAll(ctx); err != nil {
		slog.Warn("executor cleanup finished with errors", "error", err)
		return err
	}
	slog.Info("executor cleanup complete")
	return nil
}

func (e *Executor) record(ctx context.Context, job models.Job, res models.JobResult, reasons []models.FilterReason) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Log(context.WithoutCancel(ctx), history.JobEntry(job, res, reasons)); err != nil {
		slog.Debug("failed to record job history", "job_id", job.JobID, "error", err)
	}
}

type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}
