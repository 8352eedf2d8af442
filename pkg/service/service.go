// Package service is the request acceptor: it validates execution
// requests, hands them to the dispatcher and answers status queries from
// the status store.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/geoproc/pkg/backend"
	"github.com/3leaps/geoproc/pkg/fault"
	"github.com/3leaps/geoproc/pkg/job"
	"github.com/3leaps/geoproc/pkg/process"
	"github.com/3leaps/geoproc/pkg/request"
	"github.com/3leaps/geoproc/pkg/status"
)

// AcceptMode decides how a dispatch failure is reported to the submitter.
type AcceptMode string

const (
	// AcceptStrict returns dispatch failures as errors.
	AcceptStrict AcceptMode = "strict"
	// AcceptLenient returns the job id with its FAILED record.
	AcceptLenient AcceptMode = "lenient"
)

// ParseAcceptMode parses a configured accept mode.
func ParseAcceptMode(s string) (AcceptMode, error) {
	switch m := AcceptMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", AcceptStrict:
		return AcceptStrict, nil
	case AcceptLenient:
		return m, nil
	default:
		return "", fmt.Errorf("invalid accept mode %q (expected strict or lenient)", s)
	}
}

const (
	DefaultSyncTimeout   = 60 * time.Second
	DefaultPollInterval  = 250 * time.Millisecond
	DefaultWatchInterval = 5 * time.Second
	DefaultMaxQueued     = 30
	ServerBusyMessage    = "server busy: job queue is full"
)

// Config tunes the acceptor.
type Config struct {
	AcceptMode AcceptMode

	// SyncTimeout bounds how long a sync submission waits for a terminal phase.
	SyncTimeout time.Duration

	// PollInterval is the status store polling period for sync submissions.
	PollInterval time.Duration

	Policy request.Policy

	// MaxParallel caps the number of running jobs; 0 means no cap.
	// Submissions above the cap are queued in the status store.
	MaxParallel int

	// MaxQueued caps the job queue; 0 means DefaultMaxQueued and a
	// negative value means no cap.
	MaxQueued int
}

// Canceller is implemented by backends that can cancel jobs.
type Canceller interface {
	Cancel(ctx context.Context, jobID string) (backend.CancelOutcome, error)
}

// SubmitResult is the answer to a submission.
type SubmitResult struct {
	JobID   string       `json:"job_id"`
	Phase   status.Phase `json:"phase"`
	Message string       `json:"message,omitempty"`

	// Record is the latest status record when it could be read.
	Record *status.Record `json:"record,omitempty"`

	// Sync is set for sync submissions; TimedOut when the wait expired first.
	Sync     bool `json:"sync,omitempty"`
	TimedOut bool `json:"timed_out,omitempty"`

	// Queued is set when the job waits for a free slot.
	Queued bool `json:"queued,omitempty"`
}

// Service accepts and tracks jobs.
type Service struct {
	registry   *process.Registry
	dispatcher *job.Dispatcher
	store      status.Store
	cfg        Config
	logger     *zap.Logger

	// admitMu serializes the capacity check with the dispatch it guards.
	admitMu sync.Mutex
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a service over the given collaborators.
func New(registry *process.Registry, dispatcher *job.Dispatcher, store status.Store, cfg Config, opts ...Option) (*Service, error) {
	if registry == nil {
		return nil, errors.New("process registry is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if store == nil {
		return nil, errors.New("status store is required")
	}
	mode, err := ParseAcceptMode(string(cfg.AcceptMode))
	if err != nil {
		return nil, err
	}
	cfg.AcceptMode = mode
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must not be negative, got %d", cfg.MaxParallel)
	}
	if cfg.MaxQueued == 0 {
		cfg.MaxQueued = DefaultMaxQueued
	}

	s := &Service{
		registry:   registry,
		dispatcher: dispatcher,
		store:      store,
		cfg:        cfg,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Processes lists the registered processes.
func (s *Service) Processes() []process.Info {
	return s.registry.List()
}

// Submit validates req, dispatches it as a new job of processID and
// applies the request mode.
//
// Failures before a status record exists are returned as rejection
// faults, in either accept mode. A dispatch failure leaves a FAILED
// record; in strict accept mode it is returned as an error carrying the job
// id, in lenient mode as a result whose phase is FAILED with the same
// message.
//
// With MaxParallel set, a submission arriving while that many jobs run is
// queued instead of started, and rejected when the queue is full.
func (s *Service) Submit(ctx context.Context, processID string, req *request.Request) (*SubmitResult, error) {
	if req == nil {
		return nil, fault.Rejection("submit", "request is required", nil)
	}

	proc, err := s.registry.Resolve(processID)
	if err != nil {
		return nil, fault.Rejection("submit", "", err)
	}
	if err := req.Validate(s.cfg.Policy); err != nil {
		return nil, fault.Rejection("submit", "invalid request", err)
	}
	if err := req.CheckInputs(proc.Inputs()); err != nil {
		return nil, fault.Rejection("submit", "invalid inputs", err)
	}

	j, err := s.dispatcher.Prepare(proc, req)
	if err != nil {
		return nil, fault.Rejection("submit", "cannot prepare job", err)
	}
	log := s.logger.With(zap.String("job_id", j.ID), zap.String("process", processID))

	queued, err := s.admit(ctx, j)
	if err != nil {
		return s.dispatchFailed(ctx, log, j, err)
	}
	if queued {
		res := &SubmitResult{JobID: j.ID, Phase: status.PhaseAccepted, Message: job.QueuedMessage, Queued: true}
		if rec, err := s.store.Get(ctx, j.ID); err == nil {
			res.Record = rec
		}
		log.Info("job queued")
		if req.EffectiveMode() == request.ModeSync {
			return s.wait(ctx, j.ID)
		}
		return res, nil
	}

	if req.EffectiveMode() == request.ModeSync {
		return s.wait(ctx, j.ID)
	}

	res := &SubmitResult{JobID: j.ID, Phase: status.PhaseAccepted}
	if rec, err := s.store.Get(ctx, j.ID); err == nil {
		res.Phase, res.Message, res.Record = rec.Phase, rec.Message, rec
	}
	log.Debug("job accepted")
	return res, nil
}

// admit starts j, or queues it when the running jobs are at MaxParallel.
func (s *Service) admit(ctx context.Context, j *job.Job) (bool, error) {
	if s.cfg.MaxParallel == 0 {
		return false, s.dispatcher.Dispatch(ctx, j)
	}

	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	running, queued, err := s.load(ctx)
	if err != nil {
		return false, fault.Rejection("submit", "cannot read job load", err)
	}
	if running < s.cfg.MaxParallel {
		return false, s.dispatcher.Dispatch(ctx, j)
	}
	if s.cfg.MaxQueued > 0 && queued >= s.cfg.MaxQueued {
		return false, fault.Rejection("submit", ServerBusyMessage, nil)
	}
	return true, s.dispatcher.Queue(ctx, j)
}

// load counts running and queued jobs. Queued jobs are non-terminal too,
// so they are subtracted from the active count.
func (s *Service) load(ctx context.Context) (running, queued int, err error) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, 0, err
	}
	waiting, err := s.store.ListQueued(ctx)
	if err != nil {
		return 0, 0, err
	}
	return max(len(active)-len(waiting), 0), len(waiting), nil
}

// StartQueued starts queued jobs while fewer than MaxParallel jobs run and
// returns the ids it handed to the backend. A job that fails to start is
// logged and skipped; its record is already FAILED.
func (s *Service) StartQueued(ctx context.Context) ([]string, error) {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	var started []string
	for {
		if s.cfg.MaxParallel > 0 {
			running, _, err := s.load(ctx)
			if err != nil {
				return started, fmt.Errorf("read job load: %w", err)
			}
			if running >= s.cfg.MaxParallel {
				return started, nil
			}
		}

		id, err := s.dispatcher.StartQueued(ctx, s.registry)
		switch {
		case id == "" && err == nil:
			return started, nil
		case id == "":
			return started, err
		case err != nil:
			s.logger.Warn("queued job failed to start", zap.String("job_id", id), zap.Error(err))
		default:
			started = append(started, id)
		}
	}
}

// Watch calls StartQueued every interval until ctx is done. Errors are
// logged and the loop carries on.
func (s *Service) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	s.logger.Info("watchdog started", zap.Duration("interval", interval), zap.Int("max_parallel", s.cfg.MaxParallel))

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		started, err := s.StartQueued(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("drain job queue", zap.Error(err))
		}
		if len(started) > 0 {
			s.logger.Info("queued jobs started", zap.Strings("job_ids", started))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("watchdog stopped")
			return nil
		case <-tick.C:
		}
	}
}

func (s *Service) dispatchFailed(ctx context.Context, log *zap.Logger, j *job.Job, err error) (*SubmitResult, error) {
	// A rejection means no record was accepted, so there is nothing to point at.
	if s.cfg.AcceptMode != AcceptLenient || fault.IsKind(err, fault.KindRejection) {
		return nil, err
	}

	rec, getErr := s.store.Get(context.WithoutCancel(ctx), j.ID)
	if getErr != nil {
		// No record to point the caller at.
		log.Warn("lenient accept without status record", zap.Error(getErr))
		return nil, err
	}

	msg := rec.Message
	var fe *fault.Error
	if msg == "" && errors.As(err, &fe) {
		msg = fe.Message()
	}
	return &SubmitResult{JobID: j.ID, Phase: rec.Phase, Message: msg, Record: rec}, nil
}

// wait polls the store until the job is terminal or the sync timeout
// expires. On timeout the latest record is returned.
func (s *Service) wait(ctx context.Context, jobID string) (*SubmitResult, error) {
	timer := time.NewTimer(s.cfg.SyncTimeout)
	defer timer.Stop()
	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()

	for {
		rec, err := s.store.Get(ctx, jobID)
		if err != nil {
			return nil, s.mapStoreError("status", jobID, err)
		}
		res := &SubmitResult{JobID: jobID, Phase: rec.Phase, Message: rec.Message, Record: rec, Sync: true}
		if rec.Phase.Terminal() {
			return res, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			res.TimedOut = true
			return res, nil
		case <-tick.C:
		}
	}
}

// Status returns the current record of a job.
func (s *Service) Status(ctx context.Context, jobID string) (*status.Record, error) {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, s.mapStoreError("status", jobID, err)
	}
	return rec, nil
}

// Cancel asks the backend to stop a job. A job still waiting in the queue
// is taken off it and marked FAILED without involving the backend.
func (s *Service) Cancel(ctx context.Context, jobID string) (backend.CancelOutcome, error) {
	switch err := s.store.Dequeue(ctx, jobID); {
	case err == nil:
		if err := s.store.Update(ctx, jobID, status.Update{Phase: status.PhaseFailed, Message: "cancelled"}); err != nil && !status.IsTerminal(err) {
			return backend.CancelUnknown, s.mapStoreError("cancel", jobID, err)
		}
		s.logger.Info("queued job cancelled", zap.String("job_id", jobID))
		return backend.CancelCancelled, nil
	case !status.IsNotFound(err):
		return backend.CancelUnknown, s.mapStoreError("cancel", jobID, err)
	}

	c, ok := s.dispatcher.Backend().(Canceller)
	if !ok {
		return backend.CancelUnknown, fault.NotSupported("cancel", fmt.Sprintf("backend %q cannot cancel jobs", s.dispatcher.Backend().Name()))
	}
	outcome, err := c.Cancel(ctx, jobID)
	if err != nil {
		return outcome, s.mapStoreError("cancel", jobID, err)
	}
	s.logger.Info("cancel handled", zap.String("job_id", jobID), zap.String("outcome", string(outcome)))
	return outcome, nil
}

// ListActive returns ids of non-terminal jobs.
func (s *Service) ListActive(ctx context.Context) ([]string, error) {
	return s.store.ListActive(ctx)
}

// ListQueued returns ids of jobs waiting for a free slot, oldest first.
func (s *Service) ListQueued(ctx context.Context) ([]string, error) {
	return s.store.ListQueued(ctx)
}

// ListStored returns ids of stored jobs.
func (s *Service) ListStored(ctx context.Context) ([]string, error) {
	return s.store.ListStored(ctx)
}

// StoredRequest returns the request a stored job was submitted with.
func (s *Service) StoredRequest(ctx context.Context, jobID string) (*request.Request, error) {
	payload, err := s.store.StoredRequest(ctx, jobID)
	if err != nil {
		return nil, s.mapStoreError("stored request", jobID, err)
	}
	req, err := request.Unmarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("decode stored request %s: %w", jobID, err)
	}
	return req, nil
}

// Forget removes a finished stored job.
func (s *Service) Forget(ctx context.Context, jobID string) error {
	if err := s.store.Forget(ctx, jobID); err != nil {
		return s.mapStoreError("forget", jobID, err)
	}
	s.logger.Info("job forgotten", zap.String("job_id", jobID))
	return nil
}

// Ping checks the status store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// mapStoreError turns status store sentinels into faults.
func (s *Service) mapStoreError(op, jobID string, err error) error {
	switch {
	case fault.KindOf(err) != "":
		return err
	case status.IsNotFound(err):
		return fault.NotFound(op, jobID, err)
	case errors.Is(err, status.ErrStillActive):
		return &fault.Error{Kind: fault.KindNotSupported, Op: op, JobID: jobID, Err: err}
	default:
		return err
	}
}
