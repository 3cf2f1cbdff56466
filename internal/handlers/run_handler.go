package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cellvista/scriptbox/internal/config"
	"github.com/cellvista/scriptbox/internal/debugtrace"
	"github.com/cellvista/scriptbox/internal/imagelib"
	"github.com/cellvista/scriptbox/internal/jobs"
)

// maxMultipartMemory bounds the in-memory part of multipart parsing;
// larger uploads spill to temp files.
const maxMultipartMemory = 64 << 20

// JobManager is the slice of the job manager the HTTP layer needs.
type JobManager interface {
	Execute(ctx context.Context, req *jobs.SubmitRequest) (*jobs.Result, error)
	Cancel(jobID string) bool
}

// RunHandler handles job submission and cancellation.
type RunHandler struct {
	BaseHandler
	manager JobManager
	library *imagelib.Library
}

// NewRunHandler creates a run handler over the given manager.
func NewRunHandler(manager JobManager, library *imagelib.Library) *RunHandler {
	return &RunHandler{
		manager: manager,
		library: library,
	}
}

// RunSuccessResponse is the 200 body for a completed run.
type RunSuccessResponse struct {
	JobID          string            `json:"job_id"`
	LogID          string            `json:"log_id"`
	SessionID      string            `json:"session_id"`
	Stdout         string            `json:"stdout"`
	ReturnCode     int               `json:"return_code"`
	OutputFiles    []jobs.OutputFile `json:"output_files"`
	Duration       float64           `json:"duration"`
	Progress       float64           `json:"progress,omitempty"`
	Notes          string            `json:"notes,omitempty"`
	DiagnosticMode *debugtrace.Event `json:"diagnostic_mode,omitempty"`
}

// RunFailureResponse is the body for every non-200 run outcome. Stderr
// is always verbatim so the caller has enough to reason about.
type RunFailureResponse struct {
	Error          string            `json:"error"`
	Stderr         string            `json:"stderr"`
	Stdout         string            `json:"stdout"`
	ReturnCode     int               `json:"return_code"`
	JobID          string            `json:"job_id"`
	LogID          string            `json:"log_id"`
	SessionID      string            `json:"session_id"`
	Timeout        int               `json:"timeout,omitempty"`
	DiagnosticMode *debugtrace.Event `json:"diagnostic_mode,omitempty"`
}

// Run handles POST /run
func (h *RunHandler) Run(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		h.respondInvalid(w, "expected multipart form data")
		return
	}

	code := r.FormValue("code")
	if code == "" {
		h.respondInvalid(w, "code is required")
		return
	}

	params := r.FormValue("script_parameters")
	if len(params) > config.MaxScriptParams {
		h.respondInvalid(w, "script_parameters exceeds the size limit")
		return
	}

	req := &jobs.SubmitRequest{
		SourceCode:        code,
		UserID:            r.FormValue("user_id"),
		SessionID:         r.FormValue("session_id"),
		PreviousAttemptID: r.FormValue("previous_attempt_id"),
		UserPrompt:        r.FormValue("user_prompt"),
		ModelTag:          r.FormValue("ai_model"),
		ScriptParameters:  params,
	}

	if v := r.FormValue("inject_debug"); v != "" {
		injectDebug, err := strconv.ParseBool(v)
		if err != nil {
			h.respondInvalid(w, "inject_debug must be a boolean")
			return
		}
		req.InjectDebug = injectDebug
	}

	if v := r.FormValue("timeout"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds < 0 {
			h.respondInvalid(w, "timeout must be a non-negative integer of seconds")
			return
		}
		d := time.Duration(seconds) * time.Second
		req.Timeout = &d
	}

	// input image resolution order: uploaded bytes, then library image,
	// then none
	if file, header, err := r.FormFile("image"); err == nil {
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			h.respondInvalid(w, "failed to read uploaded image")
			return
		}
		req.InputImage = data
		req.InputImageName = header.Filename
	} else if name := r.FormValue("library_image"); name != "" {
		path, err := h.library.Resolve(name)
		if err != nil {
			h.respondWithError(w, err)
			return
		}
		req.LibraryImage = path
	}

	result, err := h.manager.Execute(r.Context(), req)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithResult(w, result)
}

// respondWithResult maps a terminal job result onto the HTTP contract:
// succeeded 200, guest failure 400, timeout 504, infra failure 500,
// cancelled 499.
func (h *RunHandler) respondWithResult(w http.ResponseWriter, result *jobs.Result) {
	if result.Status == jobs.StatusSucceeded {
		h.respondWithJSON(w, http.StatusOK, RunSuccessResponse{
			JobID:          result.JobID,
			LogID:          result.LogID,
			SessionID:      result.SessionID,
			Stdout:         result.Stdout,
			ReturnCode:     result.ReturnCode,
			OutputFiles:    result.OutputFiles,
			Duration:       result.Duration.Seconds(),
			Progress:       result.Progress,
			Notes:          result.Notes,
			DiagnosticMode: result.Diagnostic,
		})
		return
	}

	body := RunFailureResponse{
		Error:          result.ErrorMessage,
		Stderr:         result.Stderr,
		Stdout:         result.Stdout,
		ReturnCode:     result.ReturnCode,
		JobID:          result.JobID,
		LogID:          result.LogID,
		SessionID:      result.SessionID,
		DiagnosticMode: result.Diagnostic,
	}

	var code int
	switch {
	case result.Status == jobs.StatusTimedOut:
		code = http.StatusGatewayTimeout
		body.Timeout = result.TimeoutSeconds
	case result.Status == jobs.StatusCancelled:
		code = StatusClientClosedRequest
	case result.Infra:
		code = http.StatusInternalServerError
	default:
		code = http.StatusBadRequest
	}

	h.respondWithJSON(w, code, body)
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}

// Cancel handles POST /cancel/{job_id}. Idempotent: cancelling an
// unknown or finished job reports cancelled=false with status 200.
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := GetIDFromContext(r, "job_id")
	if jobID == "" {
		h.respondInvalid(w, "job_id is required")
		return
	}
	h.respondWithJSON(w, http.StatusOK, CancelResponse{
		JobID:     jobID,
		Cancelled: h.manager.Cancel(jobID),
	})
}
