package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/geoproc/pkg/backend"
	"github.com/3leaps/geoproc/pkg/fault"
	"github.com/3leaps/geoproc/pkg/process"
	"github.com/3leaps/geoproc/pkg/request"
	"github.com/3leaps/geoproc/pkg/service"
	"github.com/3leaps/geoproc/pkg/status"
)

// MaxRequestBytes bounds an execution request body.
const MaxRequestBytes = 4 << 20

// JobService is what the job endpoints need from the acceptor.
type JobService interface {
	Processes() []process.Info
	Submit(ctx context.Context, processID string, req *request.Request) (*service.SubmitResult, error)
	Status(ctx context.Context, jobID string) (*status.Record, error)
	Cancel(ctx context.Context, jobID string) (backend.CancelOutcome, error)
	ListActive(ctx context.Context) ([]string, error)
	ListStored(ctx context.Context) ([]string, error)
	StoredRequest(ctx context.Context, jobID string) (*request.Request, error)
	Forget(ctx context.Context, jobID string) error
}

// Jobs serves the process and job endpoints.
type Jobs struct {
	svc JobService
}

// NewJobs returns handlers over svc.
func NewJobs(svc JobService) *Jobs {
	return &Jobs{svc: svc}
}

// SubmitResponse is the body of an accepted async submission.
type SubmitResponse struct {
	JobID     string       `json:"job_id"`
	Phase     status.Phase `json:"phase"`
	Message   string       `json:"message,omitempty"`
	StatusURL string       `json:"status_url"`
}

// CancelResponse is the body of POST /jobs/{id}/cancel.
type CancelResponse struct {
	JobID   string                `json:"job_id"`
	Outcome backend.CancelOutcome `json:"outcome"`
}

// JobListResponse lists job ids.
type JobListResponse struct {
	Jobs []string `json:"jobs"`
}

// ProcessListResponse lists registered processes.
type ProcessListResponse struct {
	Processes []process.Info `json:"processes"`
}

func statusURL(jobID string) string {
	return "/jobs/" + jobID
}

// ListProcesses serves GET /processes.
func (h *Jobs) ListProcesses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ProcessListResponse{Processes: h.svc.Processes()})
}

// Execute serves POST /processes/{id}/execution.
//
// The body is JSON, or YAML when the content type says so. Async
// submissions answer 201 with a status URL; sync submissions answer 200
// with the final (or, on timeout, latest) record.
func (h *Jobs) Execute(w http.ResponseWriter, r *http.Request) {
	processID := chi.URLParam(r, "id")

	req, err := decodeRequest(w, r)
	if err != nil {
		respondWithError(w, r, fault.Rejection("submit", "invalid request", err))
		return
	}

	res, err := h.svc.Submit(r.Context(), processID, req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	w.Header().Set("Location", statusURL(res.JobID))
	if res.Sync {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{
		JobID:     res.JobID,
		Phase:     res.Phase,
		Message:   res.Message,
		StatusURL: statusURL(res.JobID),
	})
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (*request.Request, error) {
	name := "request.json"
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && strings.Contains(mt, "yaml") {
		name = "request.yaml"
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errors.New("request body too large")
		}
		return nil, err
	}
	return request.LoadFromBytes(data, name)
}

// ListActive serves GET /jobs.
func (h *Jobs) ListActive(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.ListActive(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: nonNil(ids)})
}

// ListStored serves GET /jobs/stored.
func (h *Jobs) ListStored(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.ListStored(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: nonNil(ids)})
}

// Status serves GET /jobs/{id}.
func (h *Jobs) Status(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// StoredRequest serves GET /jobs/{id}/request.
func (h *Jobs) StoredRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.StoredRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Cancel serves POST /jobs/{id}/cancel.
func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	outcome, err := h.svc.Cancel(r.Context(), jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{JobID: jobID, Outcome: outcome})
}

// Forget serves DELETE /jobs/{id}.
func (h *Jobs) Forget(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Forget(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
