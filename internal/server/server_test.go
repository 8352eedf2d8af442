package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/geoproc/internal/errors"
	"github.com/3leaps/geoproc/internal/server/handlers"
)

func TestServer_FallbackErrors(t *testing.T) {
	srv := New("127.0.0.1", 0)

	tests := []struct {
		method   string
		path     string
		wantCode int
		wantBody string
	}{
		{http.MethodGet, "/collections", http.StatusNotFound, "NOT_FOUND"},
		{http.MethodPost, "/version", http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
		// job routes are mounted only with a service
		{http.MethodGet, "/jobs", http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			require.Equal(t, tt.wantCode, rec.Code)

			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantBody, body.Error.Code)
		})
	}
}

func TestServer_ProbeRoutes(t *testing.T) {
	handlers.InitHealthManager("test")
	srv := New("127.0.0.1", 0)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/startup", "/version"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}
}

func TestServer_Addr(t *testing.T) {
	srv := New("::1", 9000)
	assert.Equal(t, 9000, srv.Port())
	assert.Equal(t, "[::1]:9000", srv.Addr())
	assert.Equal(t, "0.0.0.0:8080", New("0.0.0.0", 8080).Addr())
}

func TestServer_WithTimeouts(t *testing.T) {
	srv := New("127.0.0.1", 0, WithTimeouts(5*time.Second, 0, time.Minute))
	assert.Equal(t, 5*time.Second, srv.httpServer.ReadTimeout)
	assert.Equal(t, 90*time.Second, srv.httpServer.WriteTimeout)
	assert.Equal(t, time.Minute, srv.httpServer.IdleTimeout)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	handlers.InitHealthManager("test")
	srv := New("127.0.0.1", 0)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-done)
}
