package models

import "time"

const (
	HistoryStatusSuccess = "success"
	HistoryStatusFailed  = "failed"
)

// HistoryEntry is one audit record.
type HistoryEntry struct {
	ID           string         `db:"id"            json:"id"`
	Timestamp    time.Time      `db:"timestamp"     json:"timestamp"`
	EventType    string         `db:"event_type"    json:"event_type"`
	Actor        string         `db:"actor"         json:"actor"`
	ResourceType string         `db:"resource_type" json:"resource_type"`
	ResourceID   string         `db:"resource_id"   json:"resource_id"`
	Action       string         `db:"action"        json:"action"`
	Details      map[string]any `db:"details"       json:"details,omitempty"`
	Status       string         `db:"status"        json:"status"`
	Error        string         `db:"error"         json:"error,omitempty"`
}

// HistoryStats summarises entries over a window of days.
type HistoryStats struct {
	PeriodDays         int                        `json:"period_days"`
	TotalEvents        int                        `json:"total_events"`
	Successful         int                        `json:"successful"`
	Failed             int                        `json:"failed"`
	TotalItemsReturned int                        `json:"total_items_returned"`
	TotalItemsFiltered int                        `json:"total_items_filtered"`
	AvgExecutionMS     float64                    `json:"avg_execution_ms"`
	EventTypes         map[string]EventTypeCounts `json:"event_types"`
}

// EventTypeCounts breaks stats down per event type.
type EventTypeCounts struct {
	Count      int `json:"count"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}
