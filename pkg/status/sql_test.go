package status

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func openTempSQLite(t *testing.T) Store {
	t.Helper()
	s, err := Open(context.Background(), Config{DSN: filepath.Join(t.TempDir(), "status.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, openTempSQLite)
}

func TestSQLiteStore_Memory(t *testing.T) {
	s, err := Open(context.Background(), Config{DSN: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Create(context.Background(), NewRecord{JobID: "job-1"}))
	rec, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseAccepted, rec.Phase)
}

func TestSQLiteStore_SharedAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "status.db")

	acceptor, err := Open(ctx, Config{DSN: path})
	require.NoError(t, err)
	defer func() { _ = acceptor.Close() }()

	executor, err := Open(ctx, Config{DSN: "file:" + path})
	require.NoError(t, err)
	defer func() { _ = executor.Close() }()

	require.NoError(t, acceptor.Create(ctx, NewRecord{JobID: "job-1", Process: "sleep"}))
	require.NoError(t, executor.Update(ctx, "job-1", Update{Phase: PhaseStarted, Progress: 25, Owner: "7@worker"}))

	rec, err := acceptor.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseStarted, rec.Phase)
	assert.Equal(t, 25, rec.Progress)
	assert.Equal(t, "7@worker", rec.Owner)
}

func TestSQLiteStore_ConcurrentWritersAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "status.db")

	executor, err := Open(ctx, Config{DSN: path})
	require.NoError(t, err)
	defer func() { _ = executor.Close() }()
	acceptor, err := Open(ctx, Config{DSN: path})
	require.NoError(t, err)
	defer func() { _ = acceptor.Close() }()

	require.NoError(t, executor.Create(ctx, NewRecord{JobID: "running", Process: "sleep"}))

	done := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		for i := 0; ; i++ {
			select {
			case <-done:
				return nil
			default:
			}
			if err := executor.Update(ctx, "running", Update{Phase: PhaseStarted, Progress: i % 100}); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		defer close(done)
		for i := range 200 {
			id := fmt.Sprintf("stored-%d", i)
			if err := acceptor.Create(ctx, NewRecord{JobID: id, Process: "returner", Stored: true}); err != nil {
				return err
			}
			if err := acceptor.StoreRequest(ctx, id, []byte(`{"identifier":"returner"}`)); err != nil {
				return err
			}
			if err := acceptor.Update(ctx, id, Update{Phase: PhaseSucceeded, Progress: 100}); err != nil {
				return err
			}
			if err := acceptor.Forget(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	stored, err := acceptor.ListStored(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestSQLStore_MigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQL(ctx, Config{DSN: filepath.Join(t.TempDir(), "status.db")})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))
	assert.Equal(t, dialectSQLite, s.Dialect())
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := &SQLStore{dialect: dialectPostgres}
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", pg.rebind("SELECT 1 WHERE a = ? AND b = ?"))

	lite := &SQLStore{dialect: dialectSQLite}
	assert.Equal(t, "SELECT 1 WHERE a = ?", lite.rebind("SELECT 1 WHERE a = ?"))
}
