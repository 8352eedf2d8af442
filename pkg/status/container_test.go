//go:build containerintegration

package status

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) (string, string) {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, port)
	require.NoError(t, err)
	return host, mapped.Port()
}

func TestPostgresStore(t *testing.T) {
	host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "geoproc",
			"POSTGRES_PASSWORD": "geoproc",
			"POSTGRES_DB":       "geoproc",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}, "5432/tcp")

	base := fmt.Sprintf("postgres://geoproc:geoproc@%s:%s/geoproc?sslmode=disable", host, port)
	runStoreSuite(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := OpenSQL(ctx, Config{DSN: base})
		require.NoError(t, err)
		// Each subtest gets clean tables.
		_, err = s.DB().ExecContext(ctx, "TRUNCATE job_status, stored_requests")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestRedisStore(t *testing.T) {
	host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	}, "6379/tcp")

	dsn := fmt.Sprintf("redis://%s:%s/0", host, port)
	n := 0
	runStoreSuite(t, func(t *testing.T) Store {
		n++
		s, err := Open(context.Background(), Config{DSN: dsn, KeyPrefix: fmt.Sprintf("test%d:", n)})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
