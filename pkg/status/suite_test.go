package status

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		require.NoError(t, s.Create(ctx, NewRecord{JobID: "job-1", Process: "returner"}))

		rec, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "job-1", rec.JobID)
		assert.Equal(t, "returner", rec.Process)
		assert.Equal(t, PhaseAccepted, rec.Phase)
		assert.Equal(t, 0, rec.Progress)
		assert.False(t, rec.Stored)
		assert.Nil(t, rec.StartedAt)
		assert.Nil(t, rec.EndedAt)
		assert.False(t, rec.CreatedAt.IsZero())
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		require.NoError(t, s.Create(ctx, NewRecord{JobID: "dup"}))
		err := s.Create(ctx, NewRecord{JobID: "dup"})
		assert.ErrorIs(t, err, ErrDuplicateID)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		s := open(t)
		rec, err := s.Get(context.Background(), "missing")
		assert.Nil(t, rec)
		assert.True(t, IsNotFound(err))
	})

	t.Run("UpdateUnknown", func(t *testing.T) {
		s := open(t)
		err := s.Update(context.Background(), "missing", Update{Phase: PhaseStarted})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateInvalidPhase", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.Create(ctx, NewRecord{JobID: "job-1"}))
		err := s.Update(ctx, "job-1", Update{Phase: "RUNNING"})
		assert.ErrorIs(t, err, ErrInvalidPhase)
	})

	t.Run("ProgressToSuccess", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.Create(ctx, NewRecord{JobID: "job-1"}))

		require.NoError(t, s.Update(ctx, "job-1", Update{Phase: PhaseStarted, Progress: 50, Message: "half way", Owner: "42@host"}))
		rec, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, PhaseStarted, rec.Phase)
		assert.Equal(t, 50, rec.Progress)
		assert.Equal(t, "half way", rec.Message)
		assert.Equal(t, "42@host", rec.Owner)
		require.NotNil(t, rec.StartedAt)
		assert.Nil(t, rec.EndedAt)

		require.NoError(t, s.Update(ctx, "job-1", Update{Phase: PhaseSucceeded, Progress: 100, Message: "done"}))
		rec, err = s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, PhaseSucceeded, rec.Phase)
		assert.Equal(t, 100, rec.Progress)
		assert.Equal(t, "42@host", rec.Owner, "empty owner keeps the previous value")
		require.NotNil(t, rec.EndedAt)
	})

	t.Run("ProgressNeverDecreases", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.Create(ctx, NewRecord{JobID: "job-1"}))

		require.NoError(t, s.Update(ctx, "job-1", Update{Phase: PhaseStarted, Progress: 60}))
		require.NoError(t, s.Update(ctx, "job-1", Update{Phase: PhaseStarted, Progress: 30, Message: "late"}))

		rec, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, 60, rec.Progress)
		assert.Equal(t, "late", rec.Message)
	})

	t.Run("ProgressClamped", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.Create(ctx, NewRecord{JobID: "job-1"}))
		require.NoError(t, s.Update(ctx, "job-1", Update{Phase: PhaseStarted, Progress: 250}))

		rec, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, 100, rec.Progress)
	})

	t.Run("TerminalIsImmutable", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.Create(ctx, NewRecord{JobID: "job-1"}))
		require.NoError(t, s.Update(ctx, "job-1", Update{Phase: PhaseFailed, Message: "boom"}))

		for _, p := range []Phase{PhaseStarted, PhaseSucceeded, PhaseFailed} {
			err := s.Update(ctx, "job-1", Update{Phase: p, Message: "again"})
			assert.ErrorIs(t, err, ErrTerminal, "phase %s", p)
		}

		rec, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, PhaseFailed, rec.Phase)
		assert.Equal(t, "boom", rec.Message)
	})

	t.Run("PhaseRegressionRejected", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.Create(ctx, NewRecord{JobID: "job-1"}))
		require.NoError(t, s.Update(ctx, "job-1", Update{Phase: PhaseStarted}))

		err := s.Update(ctx, "job-1", Update{Phase: PhaseAccepted})
		assert.ErrorIs(t, err, ErrPhaseRegression)

		require.NoError(t, s.Update(ctx, "job-1", Update{Phase: PhasePaused}))
		err = s.Update(ctx, "job-1", Update{Phase: PhaseStarted})
		assert.ErrorIs(t, err, ErrPhaseRegression)
	})

	t.Run("ListActive", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.Create(ctx, NewRecord{JobID: id}))
		}
		require.NoError(t, s.Update(ctx, "b", Update{Phase: PhaseSucceeded, Progress: 100}))

		ids, err := s.ListActive(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "c"}, ids)
	})

	t.Run("StoredRequestsAndForget", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		require.NoError(t, s.Create(ctx, NewRecord{JobID: "kept", Stored: true}))
		require.NoError(t, s.Create(ctx, NewRecord{JobID: "plain"}))
		require.NoError(t, s.StoreRequest(ctx, "kept", []byte(`{"identifier":"returner"}`)))

		ids, err := s.ListStored(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"kept"}, ids)

		payload, err := s.StoredRequest(ctx, "kept")
		require.NoError(t, err)
		assert.JSONEq(t, `{"identifier":"returner"}`, string(payload))

		assert.ErrorIs(t, s.Forget(ctx, "kept"), ErrStillActive)
		assert.ErrorIs(t, s.Forget(ctx, "plain"), ErrNotFound)
		assert.ErrorIs(t, s.Forget(ctx, "missing"), ErrNotFound)

		require.NoError(t, s.Update(ctx, "kept", Update{Phase: PhaseSucceeded, Progress: 100}))
		require.NoError(t, s.Forget(ctx, "kept"))

		_, err = s.Get(ctx, "kept")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.StoredRequest(ctx, "kept")
		assert.ErrorIs(t, err, ErrNotFound)
		ids, err = s.ListStored(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("StoreRequestUnknownJob", func(t *testing.T) {
		s := open(t)
		err := s.StoreRequest(context.Background(), "missing", []byte(`{}`))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("QueueOrderAndClaim", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		for _, id := range []string{"q1", "q2", "done"} {
			require.NoError(t, s.Create(ctx, NewRecord{JobID: id, Process: "sleep"}))
		}
		require.NoError(t, s.Update(ctx, "done", Update{Phase: PhaseSucceeded, Progress: 100}))

		_, _, err := s.FirstQueued(ctx)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Enqueue(ctx, "q1", []byte(`{"job_id":"q1"}`)))
		require.NoError(t, s.Enqueue(ctx, "q2", []byte(`{"job_id":"q2"}`)))
		assert.ErrorIs(t, s.Enqueue(ctx, "q1", []byte(`{}`)), ErrDuplicateID)
		assert.ErrorIs(t, s.Enqueue(ctx, "done", []byte(`{}`)), ErrTerminal)
		assert.ErrorIs(t, s.Enqueue(ctx, "missing", []byte(`{}`)), ErrNotFound)

		ids, err := s.ListQueued(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"q1", "q2"}, ids)

		id, payload, err := s.FirstQueued(ctx)
		require.NoError(t, err)
		assert.Equal(t, "q1", id)
		assert.JSONEq(t, `{"job_id":"q1"}`, string(payload))

		require.NoError(t, s.Dequeue(ctx, "q1"))
		assert.ErrorIs(t, s.Dequeue(ctx, "q1"), ErrNotFound)

		id, _, err = s.FirstQueued(ctx)
		require.NoError(t, err)
		assert.Equal(t, "q2", id)
		ids, err = s.ListQueued(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"q2"}, ids)
	})

	t.Run("ConcurrentUpdatesSingleTerminal", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.Create(ctx, NewRecord{JobID: "job-1"}))

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_ = s.Update(ctx, "job-1", Update{Phase: PhaseStarted, Progress: i * 10})
				phase := PhaseSucceeded
				if i%2 == 1 {
					phase = PhaseFailed
				}
				if err := s.Update(ctx, "job-1", Update{Phase: phase, Progress: 100, Message: fmt.Sprintf("writer %d", i)}); err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, ErrTerminal)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, succeeded, "exactly one terminal write wins")
		rec, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.True(t, rec.Phase.Terminal())
	})
}
