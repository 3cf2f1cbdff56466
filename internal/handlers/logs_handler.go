package handlers

import (
	"net/http"
	"strconv"

	"github.com/cellvista/scriptbox/internal/execlog"
)

const defaultListLimit = 50

// LogsHandler exposes the execution log store: the learning loop's
// read side plus the destructive clear.
type LogsHandler struct {
	BaseHandler
	logger   *execlog.Logger
	analyzer *execlog.Analyzer
}

// NewLogsHandler creates a logs handler over the given store.
func NewLogsHandler(logger *execlog.Logger, analyzer *execlog.Analyzer) *LogsHandler {
	return &LogsHandler{
		logger:   logger,
		analyzer: analyzer,
	}
}

// Summary handles GET /logs/summary
func (h *LogsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.logger.Summarize()
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, summary)
}

// ListEntriesResponse wraps a page of log entries.
type ListEntriesResponse struct {
	Entries []execlog.LogEntry `json:"entries"`
	Count   int                `json:"count"`
}

// Failures handles GET /logs/failures?limit=N&unfixed=true
func (h *LogsHandler) Failures(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultListLimit)
	unfixedOnly := r.URL.Query().Get("unfixed") == "true"

	entries, err := h.logger.RecentFailures(limit, unfixedOnly)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, ListEntriesResponse{Entries: entries, Count: len(entries)})
}

// Successes handles GET /logs/successes?limit=N
func (h *LogsHandler) Successes(w http.ResponseWriter, r *http.Request) {
	entries, err := h.logger.RecentSuccesses(parseLimit(r, defaultListLimit))
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, ListEntriesResponse{Entries: entries, Count: len(entries)})
}

// GetSession handles GET /logs/session/{id}
func (h *LogsHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.logger.GetSession(GetIDFromContext(r, "session_id"))
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, session)
}

// GetLog handles GET /logs/log/{id}
func (h *LogsHandler) GetLog(w http.ResponseWriter, r *http.Request) {
	entry, err := h.logger.GetLog(GetIDFromContext(r, "log_id"))
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, entry)
}

// Analysis handles GET /logs/analysis
func (h *LogsHandler) Analysis(w http.ResponseWriter, r *http.Request) {
	analysis, err := h.analyzer.Latest()
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, analysis)
}

// Clear handles POST /logs/clear
func (h *LogsHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.logger.Clear(); err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func parseLimit(r *http.Request, fallback int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
