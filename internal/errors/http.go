// Package errors maps geoproc failures to HTTP error responses.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/3leaps/geoproc/internal/server/middleware"
	"github.com/3leaps/geoproc/pkg/fault"
	"github.com/3leaps/geoproc/pkg/process"
	"github.com/3leaps/geoproc/pkg/request"
)

// Error codes returned in HTTP error bodies.
const (
	CodeRejected         = "REJECTED"
	CodeProcessNotFound  = "PROCESS_NOT_FOUND"
	CodeNotFound         = "NOT_FOUND"
	CodeNotSupported     = "NOT_SUPPORTED"
	CodeDispatchFailed   = "DISPATCH_FAILED"
	CodeResourceError    = "RESOURCE_ERROR"
	CodeInternal         = "INTERNAL_ERROR"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeUnavailable      = "SERVICE_UNAVAILABLE"
)

// ErrorBody is the payload under "error".
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON body of every error response.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Classify returns the HTTP status and error code for err.
//
// Resource failures are checked first: a failed workdir is reported as a
// rejection of the submit but is the server's fault, not the client's.
func Classify(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, CodeInternal
	case fault.IsKind(err, fault.KindResource):
		return http.StatusInsufficientStorage, CodeResourceError
	case stderrors.Is(err, process.ErrUnknownProcess):
		return http.StatusNotFound, CodeProcessNotFound
	case fault.IsKind(err, fault.KindRejection):
		return http.StatusBadRequest, CodeRejected
	case fault.IsKind(err, fault.KindNotFound):
		return http.StatusNotFound, CodeNotFound
	case fault.IsKind(err, fault.KindNotSupported):
		return http.StatusConflict, CodeNotSupported
	case fault.IsKind(err, fault.KindDispatch), fault.IsKind(err, fault.KindTransport):
		return http.StatusServiceUnavailable, CodeDispatchFailed
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// Message renders err for a client. Internal errors are not echoed.
func Message(err error) string {
	var fe *fault.Error
	if stderrors.As(err, &fe) {
		return fe.Message()
	}
	return "internal server error"
}

// Details collects structured context carried by err.
func Details(err error) map[string]any {
	details := map[string]any{}
	if id := fault.JobIDOf(err); id != "" {
		details["job_id"] = id
	}
	if kind := fault.KindOf(err); kind != "" {
		details["kind"] = string(kind)
	}
	var verrs request.ValidationErrors
	if stderrors.As(err, &verrs) {
		issues := make([]map[string]string, 0, len(verrs))
		for _, v := range verrs {
			issues = append(issues, map[string]string{"path": v.Path, "message": v.Message})
		}
		details["validation"] = issues
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

// RespondWithError writes the JSON error response for err.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	WriteError(w, r, status, code, Message(err), Details(err))
}

// WriteError writes an error response with an explicit status and code.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	body := HTTPErrorResponse{Error: ErrorBody{
		Code:      code,
		Message:   message,
		RequestID: middleware.GetRequestID(r.Context()),
		Details:   details,
	}}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// NotFoundHandler answers unknown routes.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusNotFound, CodeNotFound, "route not found: "+r.URL.Path, nil)
}

// MethodNotAllowedHandler answers known routes called with the wrong method.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method "+r.Method+" not allowed", nil)
}
