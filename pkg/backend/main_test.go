package backend

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/geoproc/pkg/job"
	"github.com/3leaps/geoproc/pkg/process"
	"github.com/3leaps/geoproc/pkg/request"
	"github.com/3leaps/geoproc/pkg/status"
	"github.com/3leaps/geoproc/pkg/worker"
)

// helperEnv switches the test binary into a worker child.
const helperEnv = "GEOPROC_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelperWorker())
	}
	os.Exit(m.Run())
}

// stubborn ignores cancellation until it is killed.
type stubborn struct{}

func (stubborn) Identifier() string          { return "stubborn" }
func (stubborn) Title() string               { return "Ignore cancellation" }
func (stubborn) Inputs() []request.InputSpec { return nil }
func (stubborn) Run(_ context.Context, _ *request.Request, sink process.Sink) error {
	if err := sink.Progress(10, "refusing to stop"); err != nil {
		return err
	}
	time.Sleep(time.Minute)
	return nil
}

func runHelperWorker() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	b, err := job.ReadBundle(os.Args[len(os.Args)-1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	store, err := status.Open(ctx, status.Config{DSN: os.Getenv("GEOPROC_STATUS_DSN")})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer func() { _ = store.Close() }()

	reg := process.NewRegistry(process.Returner{}, process.Sleep{}, process.Fail{}, stubborn{})
	if err := worker.New(store, reg).Run(ctx, b); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func newStore(t *testing.T) status.Store {
	t.Helper()
	s, err := status.Open(context.Background(), status.Config{DSN: filepath.Join(t.TempDir(), "status.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
