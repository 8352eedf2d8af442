package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/geoproc/pkg/job"
	"github.com/3leaps/geoproc/pkg/status"
	"github.com/3leaps/geoproc/pkg/worker"
)

const (
	// StdoutFile and StderrFile capture worker output inside the workdir.
	StdoutFile = "stdout.log"
	StderrFile = "stderr.log"

	defaultCancelGrace = 30 * time.Second
	killWait           = 5 * time.Second
	pollInterval       = 100 * time.Millisecond
)

// LocalConfig configures the local backend.
type LocalConfig struct {
	// Executable is the worker binary. Defaults to the running executable.
	Executable string

	// Args precede the bundle path. Defaults to: worker --bundle
	Args []string

	// Env is appended to the inherited environment of the child.
	Env []string

	// CancelGrace is how long Cancel waits after SIGTERM before SIGKILL.
	CancelGrace time.Duration
}

// Local runs each job in a separate child process of this host.
//
// The child is spawned in managed mode:
//
//	<executable> worker --bundle <workdir>/job.json
//
// with stdout/stderr captured to per-job log files. Start returns once the
// child is running; the child alone reports status.
type Local struct {
	cfg    LocalConfig
	store  status.Store
	logger *zap.Logger
	host   string

	mu       sync.Mutex
	children map[string]*child
	wg       sync.WaitGroup
}

type child struct {
	pid  int
	done chan struct{}
}

// NewLocal returns a local backend. store is read by Cancel.
func NewLocal(store status.Store, cfg LocalConfig, logger *zap.Logger) (*Local, error) {
	if store == nil {
		return nil, errors.New("status store is required")
	}
	if cfg.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		cfg.Executable = exe
	}
	if cfg.Args == nil {
		cfg.Args = []string{"worker", "--bundle"}
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = defaultCancelGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return &Local{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		host:     host,
		children: make(map[string]*child),
	}, nil
}

func (l *Local) Name() string { return NameLocal }

// Start writes the job bundle into the workdir and spawns the worker child.
func (l *Local) Start(ctx context.Context, j *job.Job) error {
	if j == nil || j.Workdir == "" {
		return errors.New("job with workdir is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	workdir, err := filepath.Abs(j.Workdir)
	if err != nil {
		return fmt.Errorf("resolve workdir: %w", err)
	}
	bundlePath := filepath.Join(workdir, job.BundleFile)
	if err := job.WriteBundle(bundlePath, j.Bundle()); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}

	stdoutFile, err := os.Create(filepath.Join(workdir, StdoutFile))
	if err != nil {
		return fmt.Errorf("create stdout log: %w", err)
	}
	stderrFile, err := os.Create(filepath.Join(workdir, StderrFile))
	if err != nil {
		_ = stdoutFile.Close()
		return fmt.Errorf("create stderr log: %w", err)
	}

	args := append(append([]string{}, l.cfg.Args...), bundlePath)
	// #nosec G204 -- executable and args come from configuration, not request data
	cmd := exec.Command(l.cfg.Executable, args...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), l.cfg.Env...)
	detach(cmd)

	if err := cmd.Start(); err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		return fmt.Errorf("start worker: %w", err)
	}
	// The child holds its own descriptors now.
	_ = stdoutFile.Close()
	_ = stderrFile.Close()

	c := &child{pid: cmd.Process.Pid, done: make(chan struct{})}
	l.mu.Lock()
	l.children[j.ID] = c
	l.mu.Unlock()

	log := l.logger.With(zap.String("job_id", j.ID), zap.Int("pid", c.pid))
	log.Info("worker started")

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		err := cmd.Wait()
		close(c.done)
		l.mu.Lock()
		delete(l.children, j.ID)
		l.mu.Unlock()
		if err != nil {
			log.Warn("worker exited", zap.Error(err))
			return
		}
		log.Info("worker exited")
	}()

	return nil
}

// Wait blocks until every child started by this backend has been reaped.
func (l *Local) Wait() {
	l.wg.Wait()
}

// Cancel stops a running local job.
//
// The worker is sent SIGTERM, then SIGKILL after the grace period. Only a
// confirmed exit is recorded (FAILED "cancelled"); a terminal record is
// never modified.
func (l *Local) Cancel(ctx context.Context, jobID string) (CancelOutcome, error) {
	rec, outcome, err := loadForCancel(ctx, l.store, jobID)
	if err != nil || outcome != "" {
		return outcome, err
	}

	pid, done := l.target(jobID, rec.Owner)
	if pid <= 0 {
		return CancelUnknown, nil
	}
	log := l.logger.With(zap.String("job_id", jobID), zap.Int("pid", pid))

	alive := func() bool {
		if done != nil {
			select {
			case <-done:
				return false
			default:
				return true
			}
		}
		return isProcessAlive(pid)
	}

	if alive() {
		if err := terminate(pid); err != nil && alive() {
			return CancelUnknown, fmt.Errorf("signal worker %d: %w", pid, err)
		}
		log.Info("sent SIGTERM to worker")
		if !waitExit(ctx, alive, l.cfg.CancelGrace) {
			if err := kill(pid); err != nil && alive() {
				return CancelUnknown, fmt.Errorf("kill worker %d: %w", pid, err)
			}
			log.Warn("worker ignored SIGTERM; sent SIGKILL")
			if !waitExit(ctx, alive, killWait) {
				return CancelUnknown, nil
			}
		}
	}

	return recordCancelled(ctx, l.store, jobID)
}

// recordCancelled marks a confirmed-stopped job FAILED. When the worker
// finalized the record first, the outcome reflects what it wrote.
func recordCancelled(ctx context.Context, store status.Store, jobID string) (CancelOutcome, error) {
	wctx := context.WithoutCancel(ctx)
	err := store.Update(wctx, jobID, status.Update{Phase: status.PhaseFailed, Message: worker.CancelledMessage})
	if err == nil {
		return CancelCancelled, nil
	}
	if !status.IsTerminal(err) {
		return CancelUnknown, fmt.Errorf("record cancel: %w", err)
	}

	rec, err := store.Get(wctx, jobID)
	if err != nil {
		return CancelUnknown, fmt.Errorf("record cancel: %w", err)
	}
	if rec.Phase == status.PhaseFailed && rec.Message == worker.CancelledMessage {
		return CancelCancelled, nil
	}
	return CancelAlreadyTerminal, nil
}

// target resolves the worker pid: a child of this backend first, then the
// pid@host owner recorded by the worker when the host matches.
func (l *Local) target(jobID, owner string) (int, <-chan struct{}) {
	l.mu.Lock()
	c, ok := l.children[jobID]
	l.mu.Unlock()
	if ok {
		return c.pid, c.done
	}

	tag, host, ok := splitOwner(owner)
	if !ok || host != l.host {
		return 0, nil
	}
	pid, err := strconv.Atoi(tag)
	if err != nil {
		return 0, nil
	}
	return pid, nil
}

func waitExit(ctx context.Context, alive func() bool, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		if !alive() {
			return true
		}
		select {
		case <-ctx.Done():
			return !alive()
		case <-deadline.C:
			return !alive()
		case <-tick.C:
		}
	}
}

var _ Backend = (*Local)(nil)
