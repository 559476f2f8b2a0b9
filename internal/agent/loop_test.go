package agent_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/hubfeed-agent/internal/agent"
	"github.com/kiranshivaraju/hubfeed-agent/internal/config"
	"github.com/kiranshivaraju/hubfeed-agent/internal/executor"
	"github.com/kiranshivaraju/hubfeed-agent/internal/hubfeed"
	"github.com/kiranshivaraju/hubfeed-agent/internal/platform"
	"github.com/kiranshivaraju/hubfeed-agent/internal/platform/mock"
	"github.com/kiranshivaraju/hubfeed-agent/internal/state"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pollInterval = 30 * time.Second

// --- fakes ---

// events is a shared, ordered log of loop activity.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeClient struct {
	ev *events

	mu          sync.Mutex
	verifyErr   error
	verifyCalls int
	syncs       [][]*models.Avatar
	tasks       [][]models.Job
	tasksErr    error
	taskCalls   int
	submitErrs  []error
	submitFail  error
	submitted   []models.JobResult
	submitCalls int
	healthErr   error
	closes      int
}

func (c *fakeClient) Verify(context.Context, hubfeed.Capabilities) (*hubfeed.VerifyResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifyCalls++
	c.ev.add("verify")
	if c.verifyErr != nil {
		return nil, c.verifyErr
	}
	return &hubfeed.VerifyResponse{
		User:   hubfeed.VerifiedUser{Email: "owner@example.com"},
		Config: map[string]any{"telegram": map[string]any{"enabled": true}},
	}, nil
}

func (c *fakeClient) SyncAvatars(_ context.Context, avatars []*models.Avatar) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncs = append(c.syncs, avatars)
	c.ev.add("sync")
	return nil
}

func (c *fakeClient) GetTasks(context.Context) ([]models.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taskCalls++
	c.ev.add("get_tasks")
	if c.tasksErr != nil {
		return nil, c.tasksErr
	}
	if len(c.tasks) == 0 {
		return nil, nil
	}
	jobs := c.tasks[0]
	c.tasks = c.tasks[1:]
	return jobs, nil
}

func (c *fakeClient) SubmitResult(_ context.Context, res models.JobResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitCalls++
	c.ev.add("submit:" + res.JobID)
	if c.submitFail != nil {
		return c.submitFail
	}
	if len(c.submitErrs) > 0 {
		err := c.submitErrs[0]
		c.submitErrs = c.submitErrs[1:]
		if err != nil {
			return err
		}
	}
	c.submitted = append(c.submitted, res)
	return nil
}

func (c *fakeClient) Health(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthErr
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
}

func (c *fakeClient) snapshot() fakeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fakeClient{
		verifyCalls: c.verifyCalls,
		syncs:       append([][]*models.Avatar(nil), c.syncs...),
		taskCalls:   c.taskCalls,
		submitted:   append([]models.JobResult(nil), c.submitted...),
		submitCalls: c.submitCalls,
		closes:      c.closes,
	}
}

type fakeExecutor struct {
	ev       *events
	mu       sync.Mutex
	cleanups int
	panicOn  string
}

func (e *fakeExecutor) Execute(_ context.Context, job models.Job) models.JobResult {
	e.ev.add("execute:" + job.JobID)
	if job.JobID == e.panicOn {
		panic("executor bug")
	}
	return models.JobResult{JobID: job.JobID, AvatarID: job.AvatarID, Command: job.Command, Success: true}
}

func (e *fakeExecutor) Cleanup(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleanups++
	return nil
}

func (e *fakeExecutor) cleanupCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cleanups
}

// stuckExecutor blocks every job until release is closed, ignoring ctx like
// a hung provider call.
type stuckExecutor struct {
	ev      *events
	release chan struct{}

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	cleanups    int
}

func (e *stuckExecutor) Execute(_ context.Context, job models.Job) models.JobResult {
	e.mu.Lock()
	e.inFlight++
	e.maxInFlight = max(e.maxInFlight, e.inFlight)
	e.mu.Unlock()
	e.ev.add("execute:" + job.JobID)

	<-e.release

	e.mu.Lock()
	e.inFlight--
	e.mu.Unlock()
	return models.JobResult{JobID: job.JobID, AvatarID: job.AvatarID, Command: job.Command, Success: true}
}

func (e *stuckExecutor) Cleanup(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleanups++
	return nil
}

func (e *stuckExecutor) counts() (inFlight, maxInFlight, cleanups int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight, e.maxInFlight, e.cleanups
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// --- harness ---

type harness struct {
	ev     *events
	client *fakeClient
	state  *state.Manager
	loop   *agent.Loop
	clock  *fakeClock
	polls  chan struct{}

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, exec func(h *harness) agent.Executor) *harness {
	t.Helper()
	ev := &events{}
	h := &harness{
		ev:     ev,
		client: &fakeClient{ev: ev},
		clock:  &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		polls:  make(chan struct{}),
	}

	store, err := state.NewJSONFiles(t.TempDir())
	require.NoError(t, err)
	h.state, err = state.Open(store, state.WithClock(h.clock.Now))
	require.NoError(t, err)
	require.NoError(t, h.state.SetToken("tok-123"))
	require.NoError(t, h.state.SaveAvatar(context.Background(), &models.Avatar{
		ID: "av1", Name: "news", Platform: "telegram", Status: models.AvatarStatusActive,
	}))

	cfg := config.AgentConfig{
		PollInterval:   pollInterval,
		SyncInterval:   5 * time.Minute,
		VerifyMaxAge:   24 * time.Hour,
		SubmitAttempts: 3,
		SubmitBackoff:  time.Second,
	}
	caps := func() hubfeed.Capabilities { return hubfeed.Capabilities{Version: "test"} }

	h.loop = agent.NewLoop(h.client, h.state, exec(h), caps, cfg, agent.WithSleep(h.sleep), agent.WithClock(h.clock.Now))
	t.Cleanup(func() { _ = h.loop.Stop(context.Background()) })
	return h
}

// sleep returns immediately for retry backoff and parks poll waits until
// the loop is stopped or the test releases the next cycle with nextPoll.
func (h *harness) sleep(ctx context.Context, d time.Duration) error {
	h.mu.Lock()
	h.sleeps = append(h.sleeps, d)
	h.mu.Unlock()
	if d >= pollInterval {
		h.ev.add("poll_wait")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.polls:
			return nil
		}
	}
	return nil
}

func (h *harness) backoffs() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []time.Duration
	for _, d := range h.sleeps {
		if d < pollInterval {
			out = append(out, d)
		}
	}
	return out
}

func (h *harness) waitForPoll(t *testing.T) {
	t.Helper()
	h.waitForPolls(t, 1)
}

func (h *harness) waitForPolls(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		count := 0
		for _, e := range h.ev.all() {
			if e == "poll_wait" {
				count++
			}
		}
		return count >= n
	}, 2*time.Second, 5*time.Millisecond)
}

// nextPoll wakes the parked loop and waits for the following cycle to park.
func (h *harness) nextPoll(t *testing.T, cycle int) {
	t.Helper()
	select {
	case h.polls <- struct{}{}:
	case <-time.After(2 * time.Second):
		t.Fatal("loop is not waiting for the next poll")
	}
	h.waitForPolls(t, cycle)
}

func fakeExec(ex *fakeExecutor) func(h *harness) agent.Executor {
	return func(h *harness) agent.Executor {
		ex.ev = h.ev
		return ex
	}
}

func jobs(ids ...string) []models.Job {
	out := make([]models.Job, len(ids))
	for i, id := range ids {
		out[i] = models.Job{JobID: id, AvatarID: "av1", Command: "telegram.get_messages"}
	}
	return out
}

// --- start / stop ---

func TestStart_IsIdempotent(t *testing.T) {
	ex := &fakeExecutor{}
	h := newHarness(t, fakeExec(ex))

	h.loop.Start()
	h.loop.Start()
	h.waitForPoll(t)

	assert.True(t, h.loop.Running())
	assert.True(t, h.loop.Verified())
	assert.Equal(t, 1, h.client.snapshot().verifyCalls)
	assert.Equal(t, 1, h.client.snapshot().taskCalls)
}

func TestStop_RunsCleanupOnceAndResets(t *testing.T) {
	ex := &fakeExecutor{}
	h := newHarness(t, fakeExec(ex))

	h.loop.Start()
	h.waitForPoll(t)
	require.NotNil(t, h.loop.LastSync())

	require.NoError(t, h.loop.Stop(context.Background()))
	assert.False(t, h.loop.Running())
	assert.False(t, h.loop.Verified())
	assert.Nil(t, h.loop.LastSync())
	assert.Equal(t, 1, ex.cleanupCount())
	assert.Equal(t, 1, h.client.snapshot().closes)

	require.NoError(t, h.loop.Stop(context.Background()))
	assert.Equal(t, 1, ex.cleanupCount())
	assert.Equal(t, 1, h.client.snapshot().closes)
}

func TestStop_WhenNeverStarted(t *testing.T) {
	ex := &fakeExecutor{}
	h := newHarness(t, fakeExec(ex))

	require.NoError(t, h.loop.Stop(context.Background()))
	assert.Equal(t, 0, ex.cleanupCount())
}

func TestRestart_BehavesLikeColdStart(t *testing.T) {
	ex := &fakeExecutor{}
	h := newHarness(t, fakeExec(ex))

	h.loop.Start()
	h.waitForPoll(t)
	require.NoError(t, h.loop.Stop(context.Background()))

	h.loop.Start()
	require.Eventually(t, func() bool { return h.client.snapshot().verifyCalls == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.client.snapshot().syncs) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestStop_TimeoutHoldsRestartUntilRunExits(t *testing.T) {
	ex := &stuckExecutor{release: make(chan struct{})}
	h := newHarness(t, func(h *harness) agent.Executor {
		ex.ev = h.ev
		return ex
	})
	h.client.tasks = [][]models.Job{jobs("j1"), jobs("j2")}

	require.NoError(t, h.loop.Start())
	require.Eventually(t, func() bool {
		inFlight, _, _ := ex.counts()
		return inFlight == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.loop.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, h.loop.Running())
	assert.True(t, h.loop.Stopping())

	assert.ErrorIs(t, h.loop.Start(), agent.ErrStopping)
	assert.False(t, h.loop.Running())
	_, _, cleanups := ex.counts()
	assert.Zero(t, cleanups, "sessions must not be released under a running job")
	assert.Zero(t, h.client.snapshot().closes)

	close(ex.release)
	require.Eventually(t, func() bool { return !h.loop.Stopping() }, 2*time.Second, 5*time.Millisecond)
	_, _, cleanups = ex.counts()
	assert.Equal(t, 1, cleanups)
	assert.Equal(t, 1, h.client.snapshot().closes)

	require.NoError(t, h.loop.Start())
	require.Eventually(t, func() bool {
		for _, e := range h.ev.all() {
			if e == "execute:j2" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	_, maxInFlight, _ := ex.counts()
	assert.Equal(t, 1, maxInFlight)
}

func TestStart_VerificationFailureStopsLoop(t *testing.T) {
	ex := &fakeExecutor{}
	h := newHarness(t, fakeExec(ex))
	h.client.verifyErr = fmt.Errorf("%w: bad token", hubfeed.ErrInvalidToken)

	h.loop.Start()

	require.Eventually(t, func() bool { return !h.loop.Running() }, 2*time.Second, 5*time.Millisecond)
	snap := h.client.snapshot()
	assert.Equal(t, 1, snap.verifyCalls)
	assert.Equal(t, 0, snap.taskCalls)
	assert.Empty(t, snap.syncs)
	assert.False(t, h.loop.Verified())
}

func TestStart_NotConfigured(t *testing.T) {
	ex := &fakeExecutor{}
	h := newHarness(t, fakeExec(ex))
	require.NoError(t, h.state.SetToken(""))

	h.loop.Start()

	require.Eventually(t, func() bool { return !h.loop.Running() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.client.snapshot().verifyCalls)
}

// --- poll cycle ---

func TestPoll_SequentialDispatch(t *testing.T) {
	ex := &fakeExecutor{}
	h := newHarness(t, fakeExec(ex))
	h.client.tasks = [][]models.Job{jobs("j1", "j2", "j3")}

	h.loop.Start()
	h.waitForPoll(t)

	assert.Equal(t, []string{
		"verify", "sync", "get_tasks",
		"execute:j1", "submit:j1",
		"execute:j2", "submit:j2",
		"execute:j3", "submit:j3",
		"poll_wait",
	}, h.ev.all())
}

func TestPoll_SubmitRetryBound(t *testing.T) {
	ex := &fakeExecutor{}
	h := newHarness(t, fakeExec(ex))
	h.client.tasks = [][]models.Job{jobs("j1", "j2")}
	h.client.submitFail = errors.New("backend down")

	h.loop.Start()
	h.waitForPoll(t)

	snap := h.client.snapshot()
	assert.Equal(t, 6, snap.submitCalls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second, 2 * time.Second}, h.backoffs())
	assert.Contains(t, h.ev.all(), "execute:j2")
	assert.True(t, h.loop.Running())
}

func TestPoll_PanicDoesNotKillLoop(t *testing.T) {
	ex := &fakeExecutor{panicOn: "j1"}
	h := newHarness(t, fakeExec(ex))
	h.client.tasks = [][]models.Job{jobs("j1")}

	h.loop.Start()
	h.waitForPoll(t)

	assert.True(t, h.loop.Running())
}

func TestPoll_SkipsSyncWithinCadence(t *testing.T) {
	ex := &fakeExecutor{}
	h := newHarness(t, fakeExec(ex))

	h.loop.Start()
	h.waitForPoll(t)

	assert.Len(t, h.client.snapshot().syncs, 1)
}

func TestPoll_LaterCycles(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		setup   func(h *harness)
		want    []string
	}{
		{
			name:    "within sync cadence only fetches tasks",
			advance: time.Minute,
			want:    []string{"get_tasks", "poll_wait"},
		},
		{
			name:    "sync is due again after the cadence",
			advance: 6 * time.Minute,
			want:    []string{"sync", "get_tasks", "poll_wait"},
		},
		{
			name:    "stale verification forces a re-verify",
			advance: 25 * time.Hour,
			want:    []string{"verify", "sync", "get_tasks", "poll_wait"},
		},
		{
			name:    "failed re-verification skips the cycle",
			advance: 25 * time.Hour,
			setup: func(h *harness) {
				h.client.mu.Lock()
				h.client.verifyErr = hubfeed.ErrUnreachable
				h.client.mu.Unlock()
			},
			want: []string{"verify", "poll_wait"},
		},
		{
			name:    "task fetch error ends only the cycle",
			advance: time.Minute,
			setup: func(h *harness) {
				h.client.mu.Lock()
				h.client.tasksErr = errors.New("502 bad gateway")
				h.client.mu.Unlock()
			},
			want: []string{"get_tasks", "poll_wait"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &fakeExecutor{}
			h := newHarness(t, fakeExec(ex))

			require.NoError(t, h.loop.Start())
			h.waitForPoll(t)
			before := len(h.ev.all())

			if tt.setup != nil {
				tt.setup(h)
			}
			h.clock.Advance(tt.advance)
			h.nextPoll(t, 2)

			assert.Equal(t, tt.want, h.ev.all()[before:])
			assert.True(t, h.loop.Running())
		})
	}
}

func TestPoll_RecoversAfterFailedReverify(t *testing.T) {
	ex := &fakeExecutor{}
	h := newHarness(t, fakeExec(ex))

	require.NoError(t, h.loop.Start())
	h.waitForPoll(t)

	h.client.mu.Lock()
	h.client.verifyErr = hubfeed.ErrUnreachable
	h.client.mu.Unlock()
	h.clock.Advance(25 * time.Hour)
	h.nextPoll(t, 2)
	assert.False(t, h.loop.Verified())

	h.client.mu.Lock()
	h.client.verifyErr = nil
	h.client.tasks = [][]models.Job{jobs("j1")}
	h.client.mu.Unlock()
	before := len(h.ev.all())
	h.nextPoll(t, 3)

	assert.Equal(t, []string{"verify", "sync", "get_tasks", "execute:j1", "submit:j1", "poll_wait"}, h.ev.all()[before:])
	assert.True(t, h.loop.Verified())
	assert.Equal(t, 3, h.client.snapshot().verifyCalls)
}

// --- end to end with the real executor ---

func TestEndToEnd_FilterRetryAndDirtySync(t *testing.T) {
	var calls int
	h := newHarness(t, func(h *harness) agent.Executor {
		provider := mock.NewProvider("telegram",
			models.Item{"id": 1, "message": "morning digest"},
			models.Item{"id": 2, "message": "cheap spam offer"},
			models.Item{"id": 3, "message": "evening digest"},
		)
		inner := provider.ExecuteFunc
		provider.ExecuteFunc = func(ctx context.Context, avatarID string, cmd models.Command, params map[string]any) ([]models.Item, error) {
			calls++
			if cmd == "telegram.get_channel_info" {
				return nil, platform.AuthFailed(ctx, h.state, avatarID, errors.New("session revoked"))
			}
			return inner(ctx, avatarID, cmd, params)
		}
		return executor.New(platform.NewRegistry(provider), h.state)
	})
	require.NoError(t, h.state.SetBlacklist(context.Background(), models.Blacklist{Global: models.Rules{Keywords: []string{"spam"}}}))
	h.client.tasks = [][]models.Job{{
		{JobID: "j1", AvatarID: "av1", Command: "telegram.get_messages", Params: map[string]any{"channel": "@c"}},
		{JobID: "j2", AvatarID: "av1", Command: "telegram.get_channel_info", Params: map[string]any{"channel": "@c"}},
	}}
	h.client.submitErrs = []error{errors.New("503"), errors.New("503"), nil}

	h.loop.Start()
	h.waitForPoll(t)

	snap := h.client.snapshot()
	require.Len(t, snap.submitted, 2)
	first := snap.submitted[0]
	assert.True(t, first.Success)
	assert.Equal(t, 2, first.ItemsCount)
	assert.Equal(t, 1, first.FilteredCount)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.backoffs())

	second := snap.submitted[1]
	assert.False(t, second.Success)
	require.NotNil(t, second.Error)
	assert.Equal(t, models.ErrorKindAuth, second.Error.Type)

	a, err := h.state.Avatar("av1")
	require.NoError(t, err)
	assert.Equal(t, models.AvatarStatusAuthRequired, a.Status)

	// Initial sync plus the one forced by the status change.
	require.Len(t, snap.syncs, 2)
	assert.Equal(t, models.AvatarStatusAuthRequired, snap.syncs[1][0].Status)
	assert.False(t, h.state.ConsumeStatusDirty())
	assert.Equal(t, 2, calls)
}

// --- health / refresh ---

func TestHealthCheck(t *testing.T) {
	ex := &fakeExecutor{}
	h := newHarness(t, fakeExec(ex))

	health := h.loop.HealthCheck(context.Background())
	assert.False(t, health.Running)
	assert.False(t, health.Verified)
	assert.True(t, health.Reachable)
	assert.True(t, health.Configured)
	assert.Nil(t, health.LastSync)

	h.client.mu.Lock()
	h.client.healthErr = hubfeed.ErrUnreachable
	h.client.mu.Unlock()

	h.loop.Start()
	h.waitForPoll(t)
	health = h.loop.HealthCheck(context.Background())
	assert.True(t, health.Running)
	assert.True(t, health.Verified)
	assert.False(t, health.Reachable)
	assert.NotNil(t, health.LastSync)
}

func TestRefreshConfig(t *testing.T) {
	ex := &fakeExecutor{}
	h := newHarness(t, fakeExec(ex))

	require.NoError(t, h.loop.RefreshConfig(context.Background()))
	assert.True(t, h.loop.Verified())
	assert.False(t, h.loop.Running())
	assert.Equal(t, 1, h.client.snapshot().closes)
	assert.Equal(t, "owner@example.com", h.state.AgentConfig().UserEmail)
	assert.Equal(t, true, h.state.PlatformConfig("telegram")["enabled"])

	h.client.mu.Lock()
	h.client.verifyErr = hubfeed.ErrTokenRevoked
	h.client.mu.Unlock()
	err := h.loop.RefreshConfig(context.Background())
	assert.ErrorIs(t, err, hubfeed.ErrTokenRevoked)
	assert.False(t, h.loop.Verified())
}

func TestSyncNow_NoAvatars(t *testing.T) {
	ex := &fakeExecutor{}
	h := newHarness(t, fakeExec(ex))
	require.NoError(t, h.state.DeleteAvatar(context.Background(), "av1"))

	require.NoError(t, h.loop.SyncNow(context.Background()))
	assert.Empty(t, h.client.snapshot().syncs)
	assert.Nil(t, h.loop.LastSync())
}
