package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/cellvista/scriptbox/internal/config"
	"github.com/cellvista/scriptbox/internal/execlog"
	"github.com/cellvista/scriptbox/internal/imagelib"
	"github.com/cellvista/scriptbox/internal/metrics"
	"github.com/cellvista/scriptbox/internal/objects"
)

// Deps carries everything the HTTP surface is wired over.
type Deps struct {
	Manager  JobManager
	Logger   *execlog.Logger
	Analyzer *execlog.Analyzer
	Library  *imagelib.Library
	Store    objects.ObjectStore
}

// NewRouter builds the full API handler with CORS.
func NewRouter(deps Deps) http.Handler {
	mux := NewAppMux(deps)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	return c.Handler(mux)
}

// NewAppMux builds the route table. Tests drive it directly so they
// exercise the same configuration as the server.
func NewAppMux(deps Deps) *http.ServeMux {
	mux := http.NewServeMux()

	runHandler := NewRunHandler(deps.Manager, deps.Library)
	logsHandler := NewLogsHandler(deps.Logger, deps.Analyzer)
	outputsHandler := NewOutputsHandler(deps.Store)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		healthHandler(w, r)
	})

	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		versionHandler(w, r)
	})

	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		instrument("/run", runHandler.Run).ServeHTTP(w, r)
	})

	mux.HandleFunc("/cancel/", func(w http.ResponseWriter, r *http.Request) {
		jobID := strings.TrimPrefix(r.URL.Path, "/cancel/")
		if jobID == "" {
			http.Error(w, "Invalid path", http.StatusBadRequest)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		r = r.WithContext(setIDContext(r.Context(), "job_id", jobID))
		instrument("/cancel", runHandler.Cancel).ServeHTTP(w, r)
	})

	mux.HandleFunc("/outputs/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/outputs/")
		jobID, relPath, ok := strings.Cut(path, "/")
		if !ok || jobID == "" || relPath == "" {
			http.Error(w, "Invalid path", http.StatusBadRequest)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx := setIDContext(r.Context(), "job_id", jobID)
		ctx = setIDContext(ctx, "rel_path", relPath)
		r = r.WithContext(ctx)
		instrument("/outputs", outputsHandler.Serve).ServeHTTP(w, r)
	})

	mux.HandleFunc("/logs/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/logs/")

		// the clear endpoint is the only non-GET
		if path == "clear" {
			if r.Method != http.MethodPost {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			instrument("/logs/clear", logsHandler.Clear).ServeHTTP(w, r)
			return
		}

		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		switch {
		case path == "summary":
			instrument("/logs/summary", logsHandler.Summary).ServeHTTP(w, r)
		case path == "failures":
			instrument("/logs/failures", logsHandler.Failures).ServeHTTP(w, r)
		case path == "successes":
			instrument("/logs/successes", logsHandler.Successes).ServeHTTP(w, r)
		case path == "analysis":
			instrument("/logs/analysis", logsHandler.Analysis).ServeHTTP(w, r)
		case strings.HasPrefix(path, "session/"):
			id := strings.TrimPrefix(path, "session/")
			r = r.WithContext(setIDContext(r.Context(), "session_id", id))
			instrument("/logs/session", logsHandler.GetSession).ServeHTTP(w, r)
		case strings.HasPrefix(path, "log/"):
			id := strings.TrimPrefix(path, "log/")
			r = r.WithContext(setIDContext(r.Context(), "log_id", id))
			instrument("/logs/log", logsHandler.GetLog).ServeHTTP(w, r)
		default:
			http.Error(w, "Invalid path", http.StatusBadRequest)
		}
	})

	return mux
}

// instrument wraps an endpoint with request count and duration metrics.
func instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.RecordAPIRequest(r.Method, endpoint, strconv.Itoa(recorder.status))
		metrics.RecordAPIRequestDuration(r.Method, endpoint, time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// setIDContext carries path parameters to handlers without a router
// dependency.
type contextKey string

func setIDContext(ctx context.Context, key, value string) context.Context {
	return context.WithValue(ctx, contextKey(key), value)
}

// GetIDFromContext gets a path parameter stored by the route table.
func GetIDFromContext(r *http.Request, key string) string {
	if value, ok := r.Context().Value(contextKey(key)).(string); ok {
		return value
	}
	return ""
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"OK"}`))
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"version":"` + config.Version + `"}`))
}
