package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/hubfeed-agent/internal/jsonfile"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

const (
	dayLayout         = "2006-01-02"
	filePrefix        = "history_"
	fileSuffix        = ".json"
	defaultMaxEntries = 1000
)

// FileLogger keeps one JSON document per UTC day under dir.
// When a day exceeds maxEntries the oldest entries are dropped.
type FileLogger struct {
	dir        string
	maxEntries int
	now        func() time.Time
	mu         sync.Mutex
}

type dayFile struct {
	Date       string                `json:"date"`
	MaxEntries int                   `json:"max_entries"`
	NextID     int                   `json:"next_id"`
	Entries    []models.HistoryEntry `json:"entries"`
}

// NewFileLogger creates a FileLogger writing to dir.
func NewFileLogger(dir string, maxEntries int) *FileLogger {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &FileLogger{dir: dir, maxEntries: maxEntries, now: time.Now}
}

func (l *FileLogger) pathFor(day time.Time) string {
	return filepath.Join(l.dir, filePrefix+day.UTC().Format(dayLayout)+fileSuffix)
}

func (l *FileLogger) load(day time.Time) (*dayFile, error) {
	df := &dayFile{}
	found, err := jsonfile.Read(l.pathFor(day), df)
	if err != nil {
		return nil, err
	}
	if !found {
		df = &dayFile{Date: day.UTC().Format(dayLayout), MaxEntries: l.maxEntries, NextID: 1}
	}
	return df, nil
}

func (l *FileLogger) Log(_ context.Context, entry models.HistoryEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	df, err := l.load(now)
	if err != nil {
		return fmt.Errorf("load history file: %w", err)
	}

	entry.ID = strconv.Itoa(df.NextID)
	df.NextID++
	df.Entries = append(df.Entries, entry)
	if len(df.Entries) > l.maxEntries {
		df.Entries = df.Entries[len(df.Entries)-l.maxEntries:]
	}

	if err := jsonfile.Write(l.pathFor(now), df); err != nil {
		return fmt.Errorf("write history file: %w", err)
	}
	return nil
}

// Query returns matching entries newest first.
func (l *FileLogger) Query(ctx context.Context, filter Filter) ([]models.HistoryEntry, error) {
	filter = filter.withDefaults()
	out := []models.HistoryEntry{}
	err := l.scan(ctx, filter.Days, func(e models.HistoryEntry) bool {
		if filter.matches(e) {
			out = append(out, e)
		}
		return len(out) < filter.Limit
	})
	return out, err
}

func (l *FileLogger) Stats(ctx context.Context, days int) (*models.HistoryStats, error) {
	if days <= 0 {
		days = defaultQueryDays
	}
	var entries []models.HistoryEntry
	err := l.scan(ctx, days, func(e models.HistoryEntry) bool {
		entries = append(entries, e)
		return true
	})
	if err != nil {
		return nil, err
	}
	return summarize(entries, days), nil
}

// Cleanup removes day files older than retentionDays and returns how many were deleted.
func (l *FileLogger) Cleanup(_ context.Context, retentionDays int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list history dir: %w", err)
	}

	today := truncateDay(l.now())
	cutoff := today.AddDate(0, 0, -retentionDays)
	removed := 0
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		day, err := time.Parse(dayLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			if err := os.Remove(filepath.Join(l.dir, name)); err != nil {
				return removed, fmt.Errorf("remove %s: %w", name, err)
			}
			removed++
		}
	}
	return removed, nil
}

// scan visits entries of the last days, newest first, until visit returns false.
func (l *FileLogger) scan(ctx context.Context, days int, visit func(models.HistoryEntry) bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	today := truncateDay(l.now())
	for i := 0; i < days; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		df, err := l.load(today.AddDate(0, 0, -i))
		if err != nil {
			return fmt.Errorf("load history file: %w", err)
		}
		for j := len(df.Entries) - 1; j >= 0; j-- {
			if !visit(df.Entries[j]) {
				return nil
			}
		}
	}
	return nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

var _ Logger = (*FileLogger)(nil)
