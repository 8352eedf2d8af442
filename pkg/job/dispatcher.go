package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/geoproc/pkg/fault"
	"github.com/3leaps/geoproc/pkg/process"
	"github.com/3leaps/geoproc/pkg/request"
	"github.com/3leaps/geoproc/pkg/status"
)

// WorkdirPrefix prefixes every job workdir name.
const WorkdirPrefix = "geoproc_job_"

// QueuedMessage is the status message of a job waiting for a free slot.
const QueuedMessage = "queued: waiting for a free slot"

// ErrAlreadyDispatched indicates a job was handed to Dispatch twice.
var ErrAlreadyDispatched = errors.New("job already dispatched")

// Dispatcher prepares jobs and hands them to one backend.
type Dispatcher struct {
	store       status.Store
	backend     Backend
	workdirRoot string
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher returns a dispatcher writing to store and starting jobs on
// backend. Workdirs are created under workdirRoot, resolved against the
// current directory when relative.
func NewDispatcher(store status.Store, backend Backend, workdirRoot string, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("status store is required")
	}
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if strings.TrimSpace(workdirRoot) == "" {
		return nil, errors.New("workdir root is required")
	}
	// Children run inside their workdir, so every path handed to them is absolute.
	root, err := filepath.Abs(workdirRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir root: %w", err)
	}

	d := &Dispatcher{
		store:       store,
		backend:     backend,
		workdirRoot: root,
		logger:      zap.NewNop(),
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Backend returns the backend selected for this dispatcher.
func (d *Dispatcher) Backend() Backend {
	return d.backend
}

// WorkdirRoot returns the directory job workdirs are created under.
func (d *Dispatcher) WorkdirRoot() string {
	return d.workdirRoot
}

// Prepare assigns a fresh id and an exclusive workdir to a new job.
//
// The request is deep-copied; later changes by the caller do not reach the job.
func (d *Dispatcher) Prepare(proc process.Process, req *request.Request) (*Job, error) {
	if proc == nil {
		return nil, fault.Rejection("prepare", "process is required", nil)
	}
	if req == nil {
		req = &request.Request{}
	}

	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(d.workdirRoot, 0755); err != nil {
		return nil, fault.Resource("prepare", "create workdir root", err)
	}

	id := d.newID()
	dir := filepath.Join(d.workdirRoot, WorkdirPrefix+id)
	// Mkdir fails if the directory exists, so no two jobs share a workdir.
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fault.Resource("prepare", "create workdir", err)
	}

	return &Job{
		ID:        id,
		Process:   proc,
		Request:   req.Clone(),
		Workdir:   dir,
		Store:     req.Store,
		CreatedAt: d.now().UTC(),
	}, nil
}

// Dispatch records the job as ACCEPTED and starts it on the backend.
//
// The status record is created before the backend is invoked; if creation
// fails the backend is never called and a rejection fault without a job id
// is returned. If the backend cannot start the job, the record is marked
// FAILED and a dispatch fault carrying the job id is returned. A job is
// dispatched at most once.
func (d *Dispatcher) Dispatch(ctx context.Context, j *Job) error {
	log, err := d.accept(ctx, j)
	if err != nil {
		return err
	}

	if err := d.backend.Start(ctx, j); err != nil {
		return d.fail(ctx, log, j, err)
	}

	log.Info("job dispatched", zap.String("workdir", j.Workdir))
	return nil
}

// Queue records the job as ACCEPTED and parks it in the status store's job
// queue instead of starting it. StartQueued starts it later, from this or
// any other process sharing the store. Failures follow Dispatch.
func (d *Dispatcher) Queue(ctx context.Context, j *Job) error {
	log, err := d.accept(ctx, j)
	if err != nil {
		return err
	}

	if err := d.store.Update(ctx, j.ID, status.Update{Phase: status.PhaseAccepted, Message: QueuedMessage}); err != nil {
		return d.fail(ctx, log, j, fmt.Errorf("mark queued: %w", err))
	}
	payload, err := j.Bundle().Marshal()
	if err != nil {
		return d.fail(ctx, log, j, err)
	}
	if err := d.store.Enqueue(ctx, j.ID, payload); err != nil {
		return d.fail(ctx, log, j, fmt.Errorf("enqueue: %w", err))
	}

	log.Info("job queued", zap.String("workdir", j.Workdir))
	return nil
}

// accept creates the status record and, for stored jobs, keeps the request.
func (d *Dispatcher) accept(ctx context.Context, j *Job) (*zap.Logger, error) {
	if j == nil {
		return nil, fault.Dispatch("dispatch", "", errors.New("job is nil"))
	}
	if !j.markDispatched() {
		return nil, fault.Dispatch("dispatch", j.ID, ErrAlreadyDispatched)
	}

	log := d.logger.With(zap.String("job_id", j.ID), zap.String("process", j.ProcessID()), zap.String("backend", d.backend.Name()))

	if err := d.store.Create(ctx, status.NewRecord{JobID: j.ID, Process: j.ProcessID(), Stored: j.Store}); err != nil {
		log.Error("create status record failed", zap.Error(err))
		// No record exists, so the job was never accepted.
		return nil, fault.Rejection("dispatch", "cannot create status record", err)
	}

	if j.Store {
		if err := d.storeRequest(ctx, j); err != nil {
			return nil, d.fail(ctx, log, j, err)
		}
	}
	return log, nil
}

// StartQueued takes the oldest job off the queue and starts it on the
// backend, resolving its process in registry. It returns "" with a nil
// error when the queue is empty.
//
// Dequeue is the claim: when several callers race for one entry only the
// one that removed it starts the job. Entries whose record is already
// terminal, such as cancelled jobs, are dropped. A job that cannot be
// started is marked FAILED and its id is returned with the dispatch fault.
func (d *Dispatcher) StartQueued(ctx context.Context, registry *process.Registry) (string, error) {
	for {
		id, payload, err := d.store.FirstQueued(ctx)
		if status.IsNotFound(err) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("read job queue: %w", err)
		}
		if err := d.store.Dequeue(ctx, id); err != nil {
			if status.IsNotFound(err) {
				continue
			}
			return "", fmt.Errorf("dequeue %s: %w", id, err)
		}

		log := d.logger.With(zap.String("job_id", id), zap.String("backend", d.backend.Name()))
		rec, err := d.store.Get(ctx, id)
		if err != nil {
			log.Warn("queued job has no status record", zap.Error(err))
			continue
		}
		if rec.Phase.Terminal() {
			log.Info("dropping queued job", zap.String("phase", string(rec.Phase)))
			continue
		}

		j := &Job{ID: id, Store: rec.Stored}
		b, err := DecodeBundle(payload)
		if err == nil {
			j.Process, err = registry.Resolve(b.Process)
		}
		if err != nil {
			return id, d.fail(ctx, log, j, fmt.Errorf("restore queued job: %w", err))
		}
		j.Request, j.Workdir, j.CreatedAt = b.Request, b.Workdir, b.CreatedAt
		if j.Request == nil {
			j.Request = &request.Request{}
		}
		j.markDispatched()

		if err := d.backend.Start(ctx, j); err != nil {
			return id, d.fail(ctx, log, j, err)
		}
		log.Info("queued job dispatched", zap.String("process", j.ProcessID()))
		return id, nil
	}
}

func (d *Dispatcher) storeRequest(ctx context.Context, j *Job) error {
	payload, err := j.Request.Marshal()
	if err != nil {
		return fmt.Errorf("encode stored request: %w", err)
	}
	if err := d.store.StoreRequest(ctx, j.ID, payload); err != nil {
		return fmt.Errorf("store request: %w", err)
	}
	return nil
}

// fail marks the record FAILED and returns the dispatch fault. The write
// ignores ctx cancellation so a disconnecting caller still leaves a
// terminal record behind.
func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, j *Job, cause error) error {
	ferr := fault.Dispatch("dispatch", j.ID, cause)
	log.Warn("job dispatch failed", zap.Error(cause))

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.store.Update(wctx, j.ID, status.Update{Phase: status.PhaseFailed, Message: ferr.Message()}); err != nil && !status.IsTerminal(err) {
		log.Error("record dispatch failure", zap.Error(err))
	}
	return ferr
}
