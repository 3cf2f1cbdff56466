package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cellvista/scriptbox/internal/execlog"
	"github.com/cellvista/scriptbox/internal/imagelib"
	"github.com/cellvista/scriptbox/internal/jobs"
	"github.com/cellvista/scriptbox/internal/objects"
)

// StatusClientClosedRequest is the nginx convention for a cancelled
// request; there is no stdlib constant for it.
const StatusClientClosedRequest = 499

// ErrorResponse is the standard error body for non-run endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// BaseHandler provides common functionality for all handlers
type BaseHandler struct{}

// respondWithJSON writes a JSON response
func (h *BaseHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal_error","message":"Failed to marshal response"}`)) // Simple fallback
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondWithError maps engine errors onto the HTTP surface
func (h *BaseHandler) respondWithError(w http.ResponseWriter, err error) {
	var errType, message string
	var code int

	switch {
	case errors.Is(err, jobs.ErrTooBusy):
		errType = "too_busy"
		message = err.Error()
		code = http.StatusServiceUnavailable
	case errors.Is(err, execlog.ErrNotFound), errors.Is(err, objects.ErrNotFound):
		errType = "not_found"
		message = "Resource not found"
		code = http.StatusNotFound
	case errors.Is(err, imagelib.ErrUnknownImage):
		errType = "invalid_input"
		message = err.Error()
		code = http.StatusBadRequest
	default:
		errType = "internal_error"
		message = "Internal server error"
		code = http.StatusInternalServerError
	}

	h.respondWithJSON(w, code, ErrorResponse{
		Error:   errType,
		Message: message,
	})
}

// respondInvalid rejects a malformed request with a caller-visible
// message.
func (h *BaseHandler) respondInvalid(w http.ResponseWriter, message string) {
	h.respondWithJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   "invalid_input",
		Message: message,
	})
}
