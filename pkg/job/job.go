// Package job binds a process, a validated request and a private workdir
// into a unit of execution, and hands those units to an execution backend.
package job

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/3leaps/geoproc/pkg/process"
	"github.com/3leaps/geoproc/pkg/request"
)

// Job is one execution of a process.
//
// The process definition is shared by reference; the request and workdir
// belong to this job alone.
type Job struct {
	ID        string
	Process   process.Process
	Request   *request.Request
	Workdir   string
	Store     bool
	CreatedAt time.Time

	dispatched atomic.Bool
}

// ProcessID returns the identifier of the job's process.
func (j *Job) ProcessID() string {
	if j.Process == nil {
		return ""
	}
	return j.Process.Identifier()
}

// Dispatched reports whether the job has been handed to a backend.
func (j *Job) Dispatched() bool {
	return j.dispatched.Load()
}

// markDispatched flips the dispatched flag; false means it was already set.
func (j *Job) markDispatched() bool {
	return j.dispatched.CompareAndSwap(false, true)
}

// Bundle returns the serializable form of the job.
func (j *Job) Bundle() *Bundle {
	return &Bundle{
		Version:   BundleVersion,
		JobID:     j.ID,
		Process:   j.ProcessID(),
		Request:   j.Request,
		Workdir:   j.Workdir,
		CreatedAt: j.CreatedAt,
	}
}

// Backend starts jobs. Start must not block on job completion.
type Backend interface {
	Name() string
	Start(ctx context.Context, j *Job) error
}
