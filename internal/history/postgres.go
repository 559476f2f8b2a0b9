package history

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

// PostgresLogger implements Logger using pgx/v5.
type PostgresLogger struct {
	pool *pgxpool.Pool
}

// NewPostgresLogger creates a new PostgresLogger.
func NewPostgresLogger(pool *pgxpool.Pool) *PostgresLogger {
	return &PostgresLogger{pool: pool}
}

// Ping checks database connectivity.
func (l *PostgresLogger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

func (l *PostgresLogger) Log(ctx context.Context, entry models.HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO history_entries (id, timestamp, event_type, actor, resource_type, resource_id, action, details, status, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''))`,
		uuid.New(), entry.Timestamp, entry.EventType, entry.Actor, entry.ResourceType,
		entry.ResourceID, entry.Action, entry.Details, entry.Status, entry.Error)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

func (l *PostgresLogger) Query(ctx context.Context, filter Filter) ([]models.HistoryEntry, error) {
	filter = filter.withDefaults()

	where := []string{"timestamp >= $1"}
	args := []any{time.Now().UTC().AddDate(0, 0, -filter.Days)}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if filter.EventType != "" {
		add("(event_type = ? OR event_type LIKE ? || '\\_%')", filter.EventType)
	}
	if filter.ResourceType != "" {
		add("resource_type = ?", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		add("resource_id = ?", filter.ResourceID)
	}
	if filter.Status != "" {
		add("status = ?", filter.Status)
	}
	if filter.AvatarID != "" {
		add("((resource_type = 'avatar' AND resource_id = ?) OR details->>'avatar_id' = ?)", filter.AvatarID)
	}
	args = append(args, filter.Limit)

	query := fmt.Sprintf(
		`SELECT id, timestamp, event_type, actor, resource_type, resource_id, action, details, status, error
		 FROM history_entries WHERE %s ORDER BY timestamp DESC LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	return l.queryEntries(ctx, query, args...)
}

func (l *PostgresLogger) Stats(ctx context.Context, days int) (*models.HistoryStats, error) {
	if days <= 0 {
		days = defaultQueryDays
	}
	entries, err := l.queryEntries(ctx,
		`SELECT id, timestamp, event_type, actor, resource_type, resource_id, action, details, status, error
		 FROM history_entries WHERE timestamp >= $1`,
		time.Now().UTC().AddDate(0, 0, -days))
	if err != nil {
		return nil, err
	}
	return summarize(entries, days), nil
}

func (l *PostgresLogger) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	tag, err := l.pool.Exec(ctx,
		`DELETE FROM history_entries WHERE timestamp < $1`,
		truncateDay(time.Now()).AddDate(0, 0, -retentionDays))
	if err != nil {
		return 0, fmt.Errorf("cleanup history: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (l *PostgresLogger) queryEntries(ctx context.Context, query string, args ...any) ([]models.HistoryEntry, error) {
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := []models.HistoryEntry{}
	for rows.Next() {
		var (
			e      models.HistoryEntry
			id     uuid.UUID
			errMsg *string
		)
		if err := rows.Scan(&id, &e.Timestamp, &e.EventType, &e.Actor, &e.ResourceType,
			&e.ResourceID, &e.Action, &e.Details, &e.Status, &errMsg); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.ID = id.String()
		if errMsg != nil {
			e.Error = *errMsg
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ Logger = (*PostgresLogger)(nil)
