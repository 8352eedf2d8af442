package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/geoproc/internal/config"
	"github.com/3leaps/geoproc/internal/server/handlers"
	"github.com/3leaps/geoproc/pkg/status"
)

func TestServeHealthCheckers(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, signalHealthChecker{}.CheckHealth(ctx))

	tests := map[string]struct {
		checker identityHealthChecker
		wantErr string
	}{
		"complete":       {identityHealthChecker{"geoproc", "GEOPROC", "geoproc"}, ""},
		"no binary":      {identityHealthChecker{"", "GEOPROC", "geoproc"}, "missing binary name"},
		"no env prefix":  {identityHealthChecker{"geoproc", "", "geoproc"}, "missing env prefix"},
		"no config name": {identityHealthChecker{"geoproc", "GEOPROC", ""}, "missing config name"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := tt.checker.CheckHealth(ctx)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestRegisterHealthCheckers(t *testing.T) {
	orig := appIdentity
	id := config.DefaultIdentity
	appIdentity = &id
	defer func() { appIdentity = orig }()

	store, err := status.Open(context.Background(), status.Config{DSN: filepath.Join(t.TempDir(), "status.db")})
	require.NoError(t, err)

	registerHealthCheckers(store)

	rec := httptest.NewRecorder()
	handlers.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, store.Close())

	rec = httptest.NewRecorder()
	handlers.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "status_store")
}
