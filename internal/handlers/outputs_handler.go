package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/cellvista/scriptbox/internal/objects"
)

// OutputsHandler serves harvested artifacts out of the object store.
// Once the retention sweeper removes a job's outputs, these URLs 404.
type OutputsHandler struct {
	BaseHandler
	store objects.ObjectStore
}

// NewOutputsHandler creates an outputs handler over the given store.
func NewOutputsHandler(store objects.ObjectStore) *OutputsHandler {
	return &OutputsHandler{store: store}
}

// Serve handles GET /outputs/{job_id}/{relpath}
func (h *OutputsHandler) Serve(w http.ResponseWriter, r *http.Request) {
	jobID := GetIDFromContext(r, "job_id")
	relPath := GetIDFromContext(r, "rel_path")
	if jobID == "" || relPath == "" || strings.Contains(relPath, "..") {
		h.respondInvalid(w, "invalid artifact path")
		return
	}

	rc, err := h.store.Get(r.Context(), objects.ArtifactKey(jobID, relPath))
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", objects.GuessContentType(relPath))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}
