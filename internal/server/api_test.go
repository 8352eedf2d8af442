package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/geoproc/internal/errors"
	"github.com/3leaps/geoproc/internal/server/handlers"
	"github.com/3leaps/geoproc/internal/server/middleware"
	"github.com/3leaps/geoproc/pkg/backend"
	"github.com/3leaps/geoproc/pkg/fault"
	"github.com/3leaps/geoproc/pkg/process"
	"github.com/3leaps/geoproc/pkg/request"
	"github.com/3leaps/geoproc/pkg/service"
	"github.com/3leaps/geoproc/pkg/status"
)

// fakeService keeps records in memory and lets tests inject errors.
type fakeService struct {
	mu        sync.Mutex
	records   map[string]*status.Record
	requests  map[string]*request.Request
	submitted []*request.Request
	submitErr error
	cancelOut backend.CancelOutcome
	nextID    int
}

func newFakeService() *fakeService {
	return &fakeService{
		records:   make(map[string]*status.Record),
		requests:  make(map[string]*request.Request),
		cancelOut: backend.CancelRequested,
	}
}

func (f *fakeService) Processes() []process.Info {
	return process.Default().List()
}

func (f *fakeService) Submit(_ context.Context, processID string, req *request.Request) (*service.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if _, err := process.Default().Resolve(processID); err != nil {
		return nil, fault.Rejection("submit", "", err)
	}
	f.nextID++
	id := fmt.Sprintf("job-%d", f.nextID)
	rec := &status.Record{JobID: id, Process: processID, Phase: status.PhaseAccepted, Stored: req.Store, CreatedAt: time.Now()}
	f.records[id] = rec
	f.submitted = append(f.submitted, req)
	if req.Store {
		f.requests[id] = req
	}
	res := &service.SubmitResult{JobID: id, Phase: rec.Phase, Record: rec}
	if req.EffectiveMode() == request.ModeSync {
		rec.Phase, rec.Progress = status.PhaseSucceeded, 100
		res.Phase, res.Sync = rec.Phase, true
	}
	return res, nil
}

func (f *fakeService) Status(_ context.Context, jobID string) (*status.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[jobID]
	if !ok {
		return nil, fault.NotFound("status", jobID, status.ErrNotFound)
	}
	return rec, nil
}

func (f *fakeService) Cancel(_ context.Context, jobID string) (backend.CancelOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[jobID]; !ok {
		return backend.CancelUnknown, fault.NotFound("cancel", jobID, status.ErrNotFound)
	}
	return f.cancelOut, nil
}

func (f *fakeService) ListActive(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, rec := range f.records {
		if !rec.Phase.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeService) ListStored(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.requests {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeService) StoredRequest(_ context.Context, jobID string) (*request.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[jobID]
	if !ok {
		return nil, fault.NotFound("stored request", jobID, status.ErrNotFound)
	}
	return req, nil
}

func (f *fakeService) Forget(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[jobID]
	if !ok {
		return fault.NotFound("forget", jobID, status.ErrNotFound)
	}
	if !rec.Phase.Terminal() {
		return &fault.Error{Kind: fault.KindNotSupported, Op: "forget", JobID: jobID, Err: status.ErrStillActive}
	}
	delete(f.records, jobID)
	delete(f.requests, jobID)
	return nil
}

var _ handlers.JobService = (*fakeService)(nil)

func do(t *testing.T, h http.Handler, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

const returnerRequest = `{"inputs": {"text": [{"literal": "hello"}]}}`

func TestAPI_ListProcesses(t *testing.T) {
	h := New("127.0.0.1", 0, WithService(newFakeService())).Handler()

	rec := do(t, h, http.MethodGet, "/processes", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body handlers.ProcessListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	ids := make([]string, 0, len(body.Processes))
	for _, p := range body.Processes {
		ids = append(ids, p.Identifier)
	}
	assert.Equal(t, []string{"fail", "returner", "sleep"}, ids)
}

func TestAPI_ExecuteAsync(t *testing.T) {
	svc := newFakeService()
	h := New("127.0.0.1", 0, WithService(svc)).Handler()

	rec := do(t, h, http.MethodPost, "/processes/returner/execution", "application/json", returnerRequest)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/jobs/job-1", rec.Header().Get("Location"))

	var body handlers.SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "job-1", body.JobID)
	assert.Equal(t, status.PhaseAccepted, body.Phase)
	assert.Equal(t, "/jobs/job-1", body.StatusURL)

	rec = do(t, h, http.MethodGet, "/jobs/job-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got status.Record
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "returner", got.Process)

	rec = do(t, h, http.MethodGet, "/jobs", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list handlers.JobListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Equal(t, []string{"job-1"}, list.Jobs)
}

func TestAPI_ExecuteYAMLSync(t *testing.T) {
	svc := newFakeService()
	h := New("127.0.0.1", 0, WithService(svc)).Handler()

	body := "mode: sync\ninputs:\n  text:\n    - literal: hi\n"
	rec := do(t, h, http.MethodPost, "/processes/returner/execution", "application/yaml", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var res service.SubmitResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.True(t, res.Sync)
	assert.Equal(t, status.PhaseSucceeded, res.Phase)
	require.Len(t, svc.submitted, 1)
	assert.Equal(t, request.ModeSync, svc.submitted[0].Mode)
}

func TestAPI_ExecuteErrors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		submitErr  error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "malformed json",
			path:       "/processes/returner/execution",
			body:       `{"inputs":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeRejected,
		},
		{
			name:       "unknown field",
			path:       "/processes/returner/execution",
			body:       `{"bogus": true}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeRejected,
		},
		{
			name:       "empty body",
			path:       "/processes/returner/execution",
			body:       ``,
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeRejected,
		},
		{
			name:       "unknown process",
			path:       "/processes/nope/execution",
			body:       returnerRequest,
			wantStatus: http.StatusNotFound,
			wantCode:   apperrors.CodeProcessNotFound,
		},
		{
			name:       "dispatch failure",
			path:       "/processes/returner/execution",
			body:       returnerRequest,
			submitErr:  fault.Dispatch("dispatch", "job-9", fault.Transport("connect to cluster", false, errors.New("connection refused"))),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   apperrors.CodeDispatchFailed,
		},
		{
			name:       "workdir failure",
			path:       "/processes/returner/execution",
			body:       returnerRequest,
			submitErr:  fault.Rejection("submit", "cannot prepare job", fault.Resource("prepare", "create workdir", errors.New("disk full"))),
			wantStatus: http.StatusInsufficientStorage,
			wantCode:   apperrors.CodeResourceError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.submitErr = tt.submitErr
			h := New("127.0.0.1", 0, WithService(svc)).Handler()

			rec := do(t, h, http.MethodPost, tt.path, "application/json", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.NotEmpty(t, body.Error.Message)
			assert.NotEmpty(t, body.Error.RequestID)
		})
	}
}

func TestAPI_DispatchFailureCarriesJobID(t *testing.T) {
	svc := newFakeService()
	svc.submitErr = fault.Dispatch("dispatch", "job-9", fault.Transport("connect to cluster", false, errors.New("connection refused")))
	h := New("127.0.0.1", 0, WithService(svc)).Handler()

	rec := do(t, h, http.MethodPost, "/processes/returner/execution", "application/json", returnerRequest)
	body := decodeError(t, rec)
	assert.Equal(t, "job-9", body.Error.Details["job_id"])
	assert.Equal(t, "transport failure: connection refused", body.Error.Message)
}

func TestAPI_StatusUnknownJob(t *testing.T) {
	h := New("127.0.0.1", 0, WithService(newFakeService())).Handler()

	rec := do(t, h, http.MethodGet, "/jobs/missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNotFound, decodeError(t, rec).Error.Code)
}

func TestAPI_StoredJobs(t *testing.T) {
	svc := newFakeService()
	h := New("127.0.0.1", 0, WithService(svc)).Handler()

	rec := do(t, h, http.MethodPost, "/processes/returner/execution", "application/json",
		`{"store": true, "inputs": {"text": [{"literal": "keep"}]}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodGet, "/jobs/stored", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list handlers.JobListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Equal(t, []string{"job-1"}, list.Jobs)

	rec = do(t, h, http.MethodGet, "/jobs/job-1/request", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var req request.Request
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&req))
	assert.Equal(t, "keep", req.LiteralValue("text", ""))

	rec = do(t, h, http.MethodDelete, "/jobs/job-1", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.CodeNotSupported, decodeError(t, rec).Error.Code)

	svc.records["job-1"].Phase = status.PhaseSucceeded
	rec = do(t, h, http.MethodDelete, "/jobs/job-1", "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/jobs/job-1/request", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_EmptyListsAreArrays(t *testing.T) {
	h := New("127.0.0.1", 0, WithService(newFakeService())).Handler()

	for _, path := range []string{"/jobs", "/jobs/stored"} {
		rec := do(t, h, http.MethodGet, path, "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"jobs": []}`, rec.Body.String())
	}
}

func TestAPI_Cancel(t *testing.T) {
	svc := newFakeService()
	h := New("127.0.0.1", 0, WithService(svc)).Handler()

	rec := do(t, h, http.MethodPost, "/processes/sleep/execution", "application/json", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/jobs/job-1/cancel", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body handlers.CancelResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "job-1", body.JobID)
	assert.Equal(t, backend.CancelRequested, body.Outcome)

	rec = do(t, h, http.MethodPost, "/jobs/nope/cancel", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/jobs/job-1/cancel", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAPI_SubmitRateLimited(t *testing.T) {
	srv := New("127.0.0.1", 0,
		WithService(newFakeService()),
		WithSubmitLimiter(middleware.NewLimiter(0.001, 1)),
	)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/processes/returner/execution", "application/json", returnerRequest)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/processes/returner/execution", "application/json", returnerRequest)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, apperrors.CodeRateLimited, decodeError(t, rec).Error.Code)

	// Status reads are not limited.
	rec = do(t, h, http.MethodGet, "/jobs/job-1", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_StartAndShutdown(t *testing.T) {
	handlers.InitHealthManager("test")
	srv := New("127.0.0.1", 0)

	errCh := make(chan error, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { errCh <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-errCh)
}
