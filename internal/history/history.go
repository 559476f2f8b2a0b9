// Package history records an audit trail of job executions, avatar changes
// and auth events. Writes are best-effort from the caller's point of view.
package history

import (
	"context"
	"errors"
	"strings"

	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

var ErrNotFound = errors.New("history entry not found")

const (
	defaultQueryLimit = 50
	defaultQueryDays  = 7
)

// Logger is the history interface. Implementations must be safe for concurrent use.
type Logger interface {
	Log(ctx context.Context, entry models.HistoryEntry) error
	Query(ctx context.Context, filter Filter) ([]models.HistoryEntry, error)
	Stats(ctx context.Context, days int) (*models.HistoryStats, error)
	Cleanup(ctx context.Context, retentionDays int) (int, error)
}

// Filter narrows a history query. Zero values mean "any".
// EventType matches exactly or as a prefix ("avatar" matches "avatar_created").
type Filter struct {
	EventType    string
	ResourceType string
	ResourceID   string
	AvatarID     string
	Status       string
	Days         int
	Limit        int
}

func (f Filter) withDefaults() Filter {
	if f.Days <= 0 {
		f.Days = defaultQueryDays
	}
	if f.Limit <= 0 {
		f.Limit = defaultQueryLimit
	}
	return f
}

func (f Filter) matches(e models.HistoryEntry) bool {
	if f.EventType != "" && e.EventType != f.EventType && !strings.HasPrefix(e.EventType, f.EventType+"_") {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.AvatarID != "" && avatarOf(e) != f.AvatarID {
		return false
	}
	return true
}

// avatarOf returns the avatar an entry concerns.
func avatarOf(e models.HistoryEntry) string {
	if e.ResourceType == ResourceAvatar {
		return e.ResourceID
	}
	if id, ok := e.Details["avatar_id"].(string); ok {
		return id
	}
	return ""
}

// ByJob returns the entry recorded for a job execution.
func ByJob(ctx context.Context, l Logger, jobID string) (*models.HistoryEntry, error) {
	entries, err := l.Query(ctx, Filter{ResourceType: ResourceJob, ResourceID: jobID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

// summarize computes stats over entries.
func summarize(entries []models.HistoryEntry, days int) *models.HistoryStats {
	stats := &models.HistoryStats{
		PeriodDays:  days,
		TotalEvents: len(entries),
		EventTypes:  map[string]models.EventTypeCounts{},
	}
	var totalMS float64
	for _, e := range entries {
		counts := stats.EventTypes[e.EventType]
		counts.Count++
		switch e.Status {
		case models.HistoryStatusSuccess:
			stats.Successful++
			counts.Successful++
		case models.HistoryStatusFailed:
			stats.Failed++
			counts.Failed++
		}
		stats.EventTypes[e.EventType] = counts

		stats.TotalItemsReturned += intDetail(e.Details, "items_returned")
		stats.TotalItemsFiltered += intDetail(e.Details, "items_filtered")
		totalMS += float64(intDetail(e.Details, "execution_ms"))
	}
	if len(entries) > 0 {
		stats.AvgExecutionMS = totalMS / float64(len(entries))
	}
	return stats
}

func intDetail(details map[string]any, key string) int {
	switch v := details[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
