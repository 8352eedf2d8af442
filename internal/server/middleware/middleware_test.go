package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(GetRequestID(r.Context())))
	})
}

func TestRequestID(t *testing.T) {
	t.Run("keeps incoming id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "abc-1")
		rec := httptest.NewRecorder()

		RequestID(okHandler()).ServeHTTP(rec, req)

		assert.Equal(t, "abc-1", rec.Body.String())
		assert.Equal(t, "abc-1", rec.Header().Get(RequestIDHeader))
	})

	t.Run("generates id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()

		RequestID(okHandler()).ServeHTTP(rec, req)

		assert.Len(t, rec.Body.String(), 36)
		assert.Equal(t, rec.Body.String(), rec.Header().Get(RequestIDHeader))
	})

	t.Run("replaces oversized id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, string(bytes.Repeat([]byte("x"), 200)))
		rec := httptest.NewRecorder()

		RequestID(okHandler()).ServeHTTP(rec, req)

		assert.Len(t, rec.Body.String(), 36)
	})
}

func TestRateLimit(t *testing.T) {
	limiter := NewLimiter(0.001, 2)
	require.NotNil(t, limiter)
	h := RequestID(RateLimit(limiter)(okHandler()))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(RequestIDHeader, "limited-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "RATE_LIMITED", resp.Error.Code)
	assert.Equal(t, "limited-1", resp.Error.RequestID)
}

func TestRateLimit_Disabled(t *testing.T) {
	assert.Nil(t, NewLimiter(0, 10))

	h := RateLimit(nil)(okHandler())
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	AccessLog(logger)(okHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jobs", nil))
	AccessLog(logger)(failing).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/processes/x/execution", nil))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, int64(http.StatusOK), entries[0].ContextMap()["status"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "/processes/x/execution", entries[1].ContextMap()["path"])
}
