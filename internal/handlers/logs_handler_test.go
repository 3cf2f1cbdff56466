package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellvista/scriptbox/internal/execlog"
	"github.com/cellvista/scriptbox/internal/objects"
)

func seedLogs(t *testing.T, logger *execlog.Logger) (failID, successID, sessionID string) {
	t.Helper()
	sessionID = "sess-1"

	fail, err := logger.LogFailure(&execlog.Attempt{
		SourceCode:   "import numpy\nbroken(",
		SessionID:    sessionID,
		ReturnCode:   1,
		Stderr:       "SyntaxError: unexpected EOF",
		ErrorMessage: "guest exited with code 1",
	})
	require.NoError(t, err)

	success, err := logger.LogSuccess(&execlog.Attempt{
		SourceCode: "import numpy\nprint('ok')",
		SessionID:  sessionID,
	})
	require.NoError(t, err)

	return fail.LogID, success.LogID, sessionID
}

func TestLogs_summary(t *testing.T) {
	mux, logger, _ := newTestMux(t, &mockManager{})
	seedLogs(t, logger)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs/summary", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var summary execlog.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.TotalFailures)
	assert.Equal(t, 1, summary.TotalSuccesses)
}

func TestLogs_failuresAndSuccesses(t *testing.T) {
	mux, logger, _ := newTestMux(t, &mockManager{})
	failID, successID, _ := seedLogs(t, logger)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs/failures", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var failures ListEntriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failures))
	require.Equal(t, 1, failures.Count)
	assert.Equal(t, failID, failures.Entries[0].LogID)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs/successes", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var successes ListEntriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &successes))
	require.Equal(t, 1, successes.Count)
	assert.Equal(t, successID, successes.Entries[0].LogID)
}

func TestLogs_failuresUnfixedFilter(t *testing.T) {
	mux, logger, _ := newTestMux(t, &mockManager{})
	seedLogs(t, logger)

	// the success above resolved the session, so the failure is fixed
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs/failures?unfixed=true", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ListEntriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
}

func TestLogs_getLogAndSession(t *testing.T) {
	mux, logger, _ := newTestMux(t, &mockManager{})
	failID, _, sessionID := seedLogs(t, logger)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs/log/"+failID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var entry execlog.LogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, failID, entry.LogID)
	assert.Contains(t, entry.Tags, "lib:numpy")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs/session/"+sessionID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var session execlog.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, sessionID, session.SessionID)
	assert.Len(t, session.Attempts, 2)
	assert.True(t, session.Resolved())
}

func TestLogs_notFound(t *testing.T) {
	mux, _, _ := newTestMux(t, &mockManager{})

	for _, path := range []string{"/logs/log/ghost", "/logs/session/ghost"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "not_found", resp.Error)
	}
}

func TestLogs_analysis(t *testing.T) {
	mux, logger, _ := newTestMux(t, &mockManager{})
	seedLogs(t, logger)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs/analysis", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var analysis execlog.Analysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &analysis))
	assert.Equal(t, 1, analysis.TotalFailures)
	assert.Equal(t, 1, analysis.TotalSuccesses)
}

func TestLogs_clear(t *testing.T) {
	mux, logger, _ := newTestMux(t, &mockManager{})
	seedLogs(t, logger)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/logs/clear", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	summary, err := logger.Summarize()
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TotalFailures)
	assert.Equal(t, 0, summary.TotalSuccesses)
}

func TestLogs_clearRequiresPost(t *testing.T) {
	mux, _, _ := newTestMux(t, &mockManager{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs/clear", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLogs_unknownPath(t *testing.T) {
	mux, _, _ := newTestMux(t, &mockManager{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs/everything", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOutputs_serve(t *testing.T) {
	mux, _, store := newTestMux(t, &mockManager{})
	require.NoError(t, store.Put(context.Background(),
		objects.ArtifactKey("job-1", "overlay.png"), strings.NewReader("pixels"), "image/png"))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/outputs/job-1/overlay.png", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "pixels", rec.Body.String())
}

func TestOutputs_nestedPath(t *testing.T) {
	mux, _, store := newTestMux(t, &mockManager{})
	require.NoError(t, store.Put(context.Background(),
		objects.ArtifactKey("job-1", "tiles/t_0_0.tif"), strings.NewReader("tile"), "image/tiff"))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/outputs/job-1/tiles/t_0_0.tif", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/tiff", rec.Header().Get("Content-Type"))
}

func TestOutputs_missingIs404(t *testing.T) {
	mux, _, _ := newTestMux(t, &mockManager{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/outputs/job-1/swept.png", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOutputs_invalidPaths(t *testing.T) {
	mux, _, _ := newTestMux(t, &mockManager{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/outputs/job-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndVersion(t *testing.T) {
	mux, _, _ := newTestMux(t, &mockManager{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"OK"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "version")
}

func TestMetricsEndpoint(t *testing.T) {
	mux, _, _ := newTestMux(t, &mockManager{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
