package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/3leaps/geoproc/internal/observability"
)

// ErrorBody mirrors the error payload written by the handlers.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Recovery turns a handler panic into a 500 INTERNAL_ERROR response.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			requestID := GetRequestID(r.Context())
			observability.ServerLogger.Error("handler panic",
				zap.Any("panic", rec),
				zap.String("request_id", requestID),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()),
			)
			writeErrorResponse(w, ErrorBody{
				Code:      "INTERNAL_ERROR",
				Message:   fmt.Sprintf("panic: %v", rec),
				RequestID: requestID,
			}, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

func writeErrorResponse(w http.ResponseWriter, body ErrorBody, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: body})
}
