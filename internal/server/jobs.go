package server

import (
	"fmt"
	"net/http"
)

// ListJobsAPI handles GET /api/v1/jobs, delegating to the runtime's own
// Job registry (spec §4.8) rather than a separate persisted table.
func (s *Server) ListJobsAPI(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, s.runtime.ListJobs(), http.StatusOK)
}

// GetJobAPI handles GET /api/v1/jobs/:id.
func (s *Server) GetJobAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, ok := s.runtime.Job(id)
	if !ok {
		httpResponse(w, fmt.Sprintf("job %q not found", id), http.StatusNotFound)
		return
	}

	httpResponseJSON(w, job, http.StatusOK)
}

// CancelJobAPI handles POST /api/v1/jobs/:id/cancel.
func (s *Server) CancelJobAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if !s.runtime.Cancel(id) {
		httpResponse(w, fmt.Sprintf("job %q not found or already finished", id), http.StatusNotFound)
		return
	}

	httpResponse(w, "cancelling", http.StatusAccepted)
}
