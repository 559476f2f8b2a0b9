package executor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/hubfeed-agent/internal/executor"
	"github.com/kiranshivaraju/hubfeed-agent/internal/history"
	"github.com/kiranshivaraju/hubfeed-agent/internal/platform"
	"github.com/kiranshivaraju/hubfeed-agent/internal/platform/mock"
	"github.com/kiranshivaraju/hubfeed-agent/internal/state"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

type recorder struct {
	mu      sync.Mutex
	entries []models.HistoryEntry
	err     error
}

func (r *recorder) Log(_ context.Context, e models.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return r.err
}

func newState(t *testing.T) *state.Manager {
	t.Helper()
	store, err := state.NewJSONFiles(t.TempDir())
	require.NoError(t, err)
	mgr, err := state.Open(store)
	require.NoError(t, err)
	for _, a := range []*models.Avatar{
		{ID: "av1", Name: "one", Platform: "telegram", Status: models.AvatarStatusActive},
		{ID: "off", Name: "off", Platform: "telegram", Status: models.AvatarStatusInactive},
	} {
		require.NoError(t, mgr.SaveAvatar(context.Background(), a))
	}
	return mgr
}

func messages() []models.Item {
	return []models.Item{
		{"id": 1, "message": "hello world"},
		{"id": 2, "message": "buy spam now"},
		{"id": 3, "message": "weather report"},
	}
}

func job(cmd models.Command) models.Job {
	return models.Job{JobID: "job-1", AvatarID: "av1", Command: cmd, Params: map[string]any{"channel": "@c"}}
}

// --- Execute ---

func TestExecute_FiltersMessages(t *testing.T) {
	mgr := newState(t)
	require.NoError(t, mgr.SetBlacklist(context.Background(), models.Blacklist{Global: models.Rules{Keywords: []string{"spam"}}}))
	rec := &recorder{}
	ex := executor.New(platform.NewRegistry(mock.NewProvider("telegram", messages()...)), mgr, executor.WithRecorder(rec))

	res := ex.Execute(context.Background(), job("telegram.get_messages"))

	require.True(t, res.Success)
	assert.Nil(t, res.Error)
	assert.Equal(t, 2, res.ItemsCount)
	assert.Equal(t, 1, res.FilteredCount)
	require.Len(t, res.RawData, 2)
	assert.Equal(t, 1, res.RawData[0]["id"])
	assert.Equal(t, 3, res.RawData[1]["id"])
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, "av1", res.AvatarID)
	assert.False(t, res.Timestamp.IsZero())

	require.Len(t, rec.entries, 1)
	e := rec.entries[0]
	assert.Equal(t, history.EventJobExecution, e.EventType)
	assert.Equal(t, "job-1", e.ResourceID)
	assert.Equal(t, models.HistoryStatusSuccess, e.Status)
	assert.NotEmpty(t, e.Details["filter_reasons"])
}

func TestExecute_AvatarRulesMerged(t *testing.T) {
	mgr := newState(t)
	require.NoError(t, mgr.SetBlacklist(context.Background(), models.Blacklist{
		Global:   models.Rules{Keywords: []string{"spam"}},
		ByAvatar: map[string]models.Rules{"av1": {Keywords: []string{"weather"}}},
	}))
	ex := executor.New(platform.NewRegistry(mock.NewProvider("telegram", messages()...)), mgr)

	res := ex.Execute(context.Background(), job("telegram.search_messages"))

	require.True(t, res.Success)
	assert.Equal(t, 1, res.ItemsCount)
	assert.Equal(t, 2, res.FilteredCount)
}

func TestExecute_NonMessageCommandsAreNotFiltered(t *testing.T) {
	mgr := newState(t)
	require.NoError(t, mgr.SetBlacklist(context.Background(), models.Blacklist{Global: models.Rules{Keywords: []string{"spam"}}}))
	ex := executor.New(platform.NewRegistry(mock.NewProvider("telegram", messages()...)), mgr)

	res := ex.Execute(context.Background(), job("telegram.get_channel_info"))

	require.True(t, res.Success)
	assert.Equal(t, 3, res.ItemsCount)
	assert.Equal(t, 0, res.FilteredCount)
}

func TestExecute_NilItemsBecomeEmpty(t *testing.T) {
	p := &mock.Provider{Name_: "telegram", ExecuteFunc: func(context.Context, string, models.Command, map[string]any) ([]models.Item, error) {
		return nil, nil
	}}
	ex := executor.New(platform.NewRegistry(p), newState(t))

	res := ex.Execute(context.Background(), job("telegram.get_messages"))
	require.True(t, res.Success)
	assert.NotNil(t, res.RawData)
	assert.Equal(t, 0, res.ItemsCount)
}

func TestExecute_ErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		provider *mock.Provider
		job      models.Job
		want     models.ErrorKind
	}{
		{"unknown platform", mock.NewProvider("telegram"), job("facebook.get_messages"), models.ErrorKindValue},
		{"malformed command", mock.NewProvider("telegram"), job("telegram"), models.ErrorKindValue},
		{"unknown avatar", mock.NewProvider("telegram"), models.Job{JobID: "j", AvatarID: "ghost", Command: "telegram.get_messages"}, models.ErrorKindValue},
		{"inactive avatar", mock.NewProvider("telegram"), models.Job{JobID: "j", AvatarID: "off", Command: "telegram.get_messages"}, models.ErrorKindValue},
		{"invalid params", mock.NewFailingProvider("telegram", fmt.Errorf("%w: channel is required", platform.ErrInvalidParams)), job("telegram.get_messages"), models.ErrorKindValue},
		{"auth", mock.NewFailingProvider("telegram", fmt.Errorf("%w: av1", platform.ErrAuthRequired)), job("telegram.get_messages"), models.ErrorKindAuth},
		{"challenge", mock.NewFailingProvider("telegram", platform.ErrChallengePending), job("telegram.get_messages"), models.ErrorKindAuth},
		{"provider", mock.NewFailingProvider("telegram", errors.New("flood wait")), job("telegram.get_messages"), models.ErrorKindProvider},
		{"panic", mock.NewPanickingProvider("telegram"), job("telegram.get_messages"), models.ErrorKindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			ex := executor.New(platform.NewRegistry(tt.provider), newState(t), executor.WithRecorder(rec))

			res := ex.Execute(context.Background(), tt.job)

			assert.False(t, res.Success)
			assert.Nil(t, res.RawData)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.want, res.Error.Type)
			assert.NotEmpty(t, res.Error.Message)
			assert.GreaterOrEqual(t, res.ExecutionMS, int64(0))

			require.Len(t, rec.entries, 1)
			assert.Equal(t, models.HistoryStatusFailed, rec.entries[0].Status)
			assert.Equal(t, string(tt.want), rec.entries[0].Details["error_type"])
		})
	}
}

func TestExecute_Timeout(t *testing.T) {
	ex := executor.New(platform.NewRegistry(mock.NewBlockingProvider("telegram")), newState(t),
		executor.WithTimeout(50*time.Millisecond))

	start := time.Now()
	res := ex.Execute(context.Background(), job("telegram.get_messages"))

	assert.Less(t, time.Since(start), 2*time.Second)
	require.NotNil(t, res.Error)
	assert.Equal(t, models.ErrorKindTimeout, res.Error.Type)
	assert.GreaterOrEqual(t, res.ExecutionMS, int64(50))
}

func TestExecute_RecorderFailureIsIgnored(t *testing.T) {
	rec := &recorder{err: errors.New("disk full")}
	ex := executor.New(platform.NewRegistry(mock.NewProvider("telegram", messages()...)), newState(t), executor.WithRecorder(rec))

	res := ex.Execute(context.Background(), job("telegram.get_messages"))
	assert.True(t, res.Success)
	assert.Len(t, rec.entries, 1)
}

func TestExecute_PassesParams(t *testing.T) {
	p := mock.NewProvider("telegram")
	ex := executor.New(platform.NewRegistry(p), newState(t))

	ex.Execute(context.Background(), job("telegram.get_messages"))

	calls := p.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "av1", calls[0].AvatarID)
	assert.Equal(t, models.Command("telegram.get_messages"), calls[0].Command)
	assert.Equal(t, "@c", calls[0].Params["channel"])
}

// --- Cleanup ---

func TestCleanup_DisconnectsAllEvenWhenOneFails(t *testing.T) {
	bad := mock.NewProvider("telegram")
	bad.DisconnectFunc = func(context.Context) error { return errors.New("socket closed") }
	good := mock.NewProvider("browser")
	ex := executor.New(platform.NewRegistry(bad, good), newState(t))

	err := ex.Cleanup(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket closed")
	assert.Equal(t, 1, bad.Disconnects())
	assert.Equal(t, 1, good.Disconnects())
}

func TestCleanup_NoProviders(t *testing.T) {
	ex := executor.New(platform.NewRegistry(), newState(t))
	assert.NoError(t, ex.Cleanup(context.Background()))
}

// --- Classify ---

func TestClassify(t *testing.T) {
	assert.Equal(t, models.ErrorKindTimeout, executor.Classify(fmt.Errorf("get: %w", context.DeadlineExceeded)))
	assert.Equal(t, models.ErrorKindValue, executor.Classify(platform.ErrNotConfigured))
	assert.Equal(t, models.ErrorKindProvider, executor.Classify(context.Canceled))
}
