// Package worker runs a single job bundle to completion and reports its
// lifecycle into the status store. It is the executing side of both the
// local backend (a child process per job) and the cluster launcher.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/geoproc/pkg/fault"
	"github.com/3leaps/geoproc/pkg/job"
	"github.com/3leaps/geoproc/pkg/process"
	"github.com/3leaps/geoproc/pkg/request"
	"github.com/3leaps/geoproc/pkg/status"
)

// OutputsFile is written to the workdir when a job succeeds.
const OutputsFile = "outputs.json"

// CancelledMessage is the status message of a job stopped by cancel.
const CancelledMessage = "cancelled"

// ErrStopped is returned to a process when its status record was finalized
// by someone else (for example a cancel) while it was still running.
var ErrStopped = errors.New("job status finalized externally")

// Worker executes bundles.
type Worker struct {
	store       status.Store
	registry    *process.Registry
	logger      *zap.Logger
	owner       string
	workdirRoot string
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithOwner overrides the owner written into the status record.
func WithOwner(owner string) Option {
	return func(w *Worker) {
		w.owner = owner
	}
}

// WithWorkdirRoot sets where workdirs are created for bundles that do not
// carry one (remote launches).
func WithWorkdirRoot(root string) Option {
	return func(w *Worker) {
		w.workdirRoot = root
	}
}

// New returns a worker that reports to store and resolves processes from registry.
func New(store status.Store, registry *process.Registry, opts ...Option) *Worker {
	w := &Worker{
		store:    store,
		registry: registry,
		logger:   zap.NewNop(),
		owner:    LocalOwner(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// LocalOwner returns the owner tag of the current process: pid@host.
func LocalOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%d@%s", os.Getpid(), host)
}

// Run executes b and records its terminal status.
//
// Run returns an error only when the status store itself could not be
// written; a failing process is reported through the record and Run
// returns nil.
func (w *Worker) Run(ctx context.Context, b *job.Bundle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	log := w.logger.With(zap.String("job_id", b.JobID), zap.String("process", b.Process))

	workdir, err := w.ensureWorkdir(b)
	if err != nil {
		return w.finish(ctx, log, b.JobID, status.Update{Phase: status.PhaseFailed, Message: fault.Resource("run", "create workdir", err).Message()})
	}

	proc, err := w.registry.Resolve(b.Process)
	if err != nil {
		return w.finish(ctx, log, b.JobID, status.Update{Phase: status.PhaseFailed, Message: err.Error()})
	}

	req := b.Request
	if req == nil {
		req = &request.Request{}
	}

	err = w.store.Update(ctx, b.JobID, status.Update{Phase: status.PhaseStarted, Message: "started", Owner: w.owner})
	if status.IsTerminal(err) {
		log.Info("job already finalized before start")
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark job started: %w", err)
	}
	log.Info("job started", zap.String("workdir", workdir), zap.String("owner", w.owner))

	sink := &storeSink{ctx: ctx, store: w.store, jobID: b.JobID, outputs: map[string]any{}}
	runErr := safeRun(ctx, log, proc, req, sink)

	switch {
	case errors.Is(runErr, ErrStopped):
		log.Info("job finalized externally")
		return nil
	case ctx.Err() != nil:
		return w.finish(ctx, log, b.JobID, status.Update{Phase: status.PhaseFailed, Message: CancelledMessage})
	case runErr != nil:
		msg := fault.Execution(b.JobID, "", runErr).Message()
		log.Warn("job failed", zap.Error(runErr))
		return w.finish(ctx, log, b.JobID, status.Update{Phase: status.PhaseFailed, Message: msg})
	}

	if err := writeOutputs(filepath.Join(workdir, OutputsFile), sink.snapshot()); err != nil {
		return w.finish(ctx, log, b.JobID, status.Update{Phase: status.PhaseFailed, Message: fault.Resource("run", "write outputs", err).Message()})
	}
	return w.finish(ctx, log, b.JobID, status.Update{Phase: status.PhaseSucceeded, Progress: 100, Message: "completed"})
}

// finish writes the terminal record. A record that already became terminal
// (cancel won the race) is left untouched.
func (w *Worker) finish(ctx context.Context, log *zap.Logger, jobID string, u status.Update) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	err := w.store.Update(wctx, jobID, u)
	if status.IsTerminal(err) {
		log.Info("job already finalized", zap.String("phase", string(u.Phase)))
		return nil
	}
	if err != nil {
		log.Error("record terminal status failed", zap.Error(err))
		return fmt.Errorf("record terminal status: %w", err)
	}
	log.Info("job finished", zap.String("phase", string(u.Phase)), zap.String("message", u.Message))
	return nil
}

func (w *Worker) ensureWorkdir(b *job.Bundle) (string, error) {
	if dir := strings.TrimSpace(b.Workdir); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", err
		}
		return dir, nil
	}

	root := w.workdirRoot
	if root == "" {
		root = os.TempDir()
	}
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", err
	}
	dir := filepath.Join(root, job.WorkdirPrefix+b.JobID)
	if err := os.Mkdir(dir, 0o700); err != nil && !os.IsExist(err) {
		return "", err
	}
	b.Workdir = dir
	return dir, nil
}

// safeRun converts a panic in the process into an execution error.
func safeRun(ctx context.Context, log *zap.Logger, proc process.Process, req *request.Request, sink process.Sink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("process panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("process panicked: %v", r)
		}
	}()
	return proc.Run(ctx, req, sink)
}

// storeSink forwards progress to the status store and collects outputs.
type storeSink struct {
	ctx   context.Context
	store status.Store
	jobID string

	mu      sync.Mutex
	outputs map[string]any
}

func (s *storeSink) Progress(percent int, message string) error {
	err := s.store.Update(s.ctx, s.jobID, status.Update{
		Phase:    status.PhaseStarted,
		Progress: status.ClampProgress(percent),
		Message:  message,
	})
	if status.IsTerminal(err) {
		return ErrStopped
	}
	return err
}

func (s *storeSink) Output(id string, value any) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("output id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[id] = value
	return nil
}

func (s *storeSink) snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.outputs))
	for k, v := range s.outputs {
		out[k] = v
	}
	return out
}

func writeOutputs(path string, outputs map[string]any) error {
	data, err := json.MarshalIndent(outputs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), OutputsFile+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write outputs: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close outputs: %w", err)
	}
	return os.Rename(tmpName, path)
}

// ReadOutputs loads the outputs written by a successful job.
func ReadOutputs(workdir string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(workdir, OutputsFile))
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse outputs: %w", err)
	}
	return out, nil
}
