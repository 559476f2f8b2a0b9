package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/hubfeed-agent/internal/api/response"
	"github.com/kiranshivaraju/hubfeed-agent/internal/history"
)

const (
	maxHistoryDays  = 90
	maxHistoryLimit = 1000
)

// ListHistory handles GET /api/history.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days, ok := intQuery(w, q.Get("days"), 7, maxHistoryDays, "days")
	if !ok {
		return
	}
	limit, ok := intQuery(w, q.Get("limit"), 50, maxHistoryLimit, "limit")
	if !ok {
		return
	}

	entries, err := h.History.Query(r.Context(), history.Filter{
		EventType:    q.Get("event_type"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		AvatarID:     q.Get("avatar_id"),
		Status:       q.Get("status"),
		Days:         days,
		Limit:        limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	response.Collection(w, entries, response.ListMeta{Total: len(entries), Limit: limit, Days: days})
}

// HistoryStats handles GET /api/history/stats.
func (h *Handler) HistoryStats(w http.ResponseWriter, r *http.Request) {
	days, ok := intQuery(w, r.URL.Query().Get("days"), 7, maxHistoryDays, "days")
	if !ok {
		return
	}
	stats, err := h.History.Stats(r.Context(), days)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, stats)
}

// JobHistory handles GET /api/history/jobs/{jobID}.
func (h *Handler) JobHistory(w http.ResponseWriter, r *http.Request) {
	entry, err := history.ByJob(r.Context(), h.History, chi.URLParam(r, "jobID"))
	if errors.Is(err, history.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No history for this job", nil)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, entry)
}

func intQuery(w http.ResponseWriter, raw string, def, maxVal int, name string) (int, bool) {
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 || v > maxVal {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
			name+" must be between 1 and "+strconv.Itoa(maxVal), nil)
		return 0, false
	}
	return v, true
}
