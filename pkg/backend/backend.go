// Package backend implements execution backends: where and how a
// dispatched job actually runs.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/3leaps/geoproc/pkg/fault"
	"github.com/3leaps/geoproc/pkg/job"
	"github.com/3leaps/geoproc/pkg/status"
)

// CancelOutcome reports what a cancel request achieved.
type CancelOutcome string

const (
	// CancelCancelled means the job is confirmed stopped and recorded FAILED.
	CancelCancelled CancelOutcome = "cancelled"
	// CancelRequested means cancellation was sent; confirmation is asynchronous.
	CancelRequested CancelOutcome = "requested"
	// CancelAlreadyTerminal means the job had already finished; nothing changed.
	CancelAlreadyTerminal CancelOutcome = "already_terminal"
	// CancelUnknown means the backend could not act on the job.
	CancelUnknown CancelOutcome = "unknown"
)

// Backend starts and cancels jobs.
type Backend interface {
	job.Backend
	Cancel(ctx context.Context, jobID string) (CancelOutcome, error)
}

// Backend names accepted by configuration.
const (
	NameLocal   = "local"
	NameCluster = "cluster"
)

// loadForCancel reads the record and short-circuits terminal jobs.
func loadForCancel(ctx context.Context, store status.Store, jobID string) (*status.Record, CancelOutcome, error) {
	rec, err := store.Get(ctx, jobID)
	if status.IsNotFound(err) {
		return nil, CancelUnknown, fault.NotFound("cancel", jobID, err)
	}
	if err != nil {
		return nil, CancelUnknown, fmt.Errorf("cancel %s: %w", jobID, err)
	}
	if rec.Phase.Terminal() {
		return rec, CancelAlreadyTerminal, nil
	}
	return rec, "", nil
}

// splitOwner splits "<tag>@<host>" at the last '@'.
func splitOwner(owner string) (tag, host string, ok bool) {
	i := strings.LastIndex(owner, "@")
	if i <= 0 || i == len(owner)-1 {
		return "", "", false
	}
	return owner[:i], owner[i+1:], true
}
