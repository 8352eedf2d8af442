// Package fault classifies failures of the job lifecycle.
//
// Every error that crosses a package boundary in the dispatch path is, or
// wraps, an *Error whose Kind tells the caller how to report it: a request
// that was never accepted, a job that was accepted but could not be handed
// to its backend, a failure inside the running job, and so on.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a class of failure.
type Kind string

const (
	// KindRejection is a request refused before any status record exists.
	KindRejection Kind = "rejection"
	// KindDispatch is an accepted job that could not be started.
	KindDispatch Kind = "dispatch"
	// KindExecution is a failure raised by the running process.
	KindExecution Kind = "execution"
	// KindTransport is a failure of the channel to a remote executor.
	KindTransport Kind = "transport"
	// KindNotFound is an unknown job id.
	KindNotFound Kind = "not_found"
	// KindNotSupported is an operation the job or backend cannot perform.
	KindNotSupported Kind = "not_supported"
	// KindResource is a local resource failure (workdir, disk).
	KindResource Kind = "resource"
)

// Error is a classified failure.
type Error struct {
	Kind Kind

	// Op is the operation that failed (e.g. "submit", "dispatch").
	Op string

	// JobID is set once a job id has been assigned.
	JobID string

	// Msg is a human readable description.
	Msg string

	// Unconfirmed marks transport failures where the remote side may have
	// acted on the request anyway.
	Unconfirmed bool

	Err error
}

// Message returns the description written to status records, without Op
// or JobID decoration.
func (e *Error) Message() string {
	msg := e.Msg
	if e.Kind == KindTransport {
		prefix := "transport failure"
		if e.Unconfirmed {
			prefix += " (remote outcome unconfirmed)"
		}
		if msg == "" {
			msg = prefix
		} else {
			msg = prefix + ": " + msg
		}
	}
	if e.Err != nil {
		inner := e.Err.Error()
		var fe *Error
		if errors.As(e.Err, &fe) {
			inner = fe.Message()
		}
		if msg == "" {
			msg = inner
		} else {
			msg += ": " + inner
		}
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	return msg
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message())
	if e.JobID != "" {
		fmt.Fprintf(&b, " (job %s)", e.JobID)
	}
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether any *Error in err's chain has kind k.
func IsKind(err error, k Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == k {
			return true
		}
		err = fe.Err
	}
	return false
}

// JobIDOf returns the first job id found in err's chain.
func JobIDOf(err error) string {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return ""
		}
		if fe.JobID != "" {
			return fe.JobID
		}
		err = fe.Err
	}
	return ""
}

// Rejection reports a request refused before acceptance.
func Rejection(op, msg string, err error) *Error {
	return &Error{Kind: KindRejection, Op: op, Msg: msg, Err: err}
}

// Dispatch reports a job that was accepted but could not be started.
func Dispatch(op, jobID string, err error) *Error {
	return &Error{Kind: KindDispatch, Op: op, JobID: jobID, Err: err}
}

// Execution reports a failure inside a running job.
func Execution(jobID, msg string, err error) *Error {
	return &Error{Kind: KindExecution, Op: "execute", JobID: jobID, Msg: msg, Err: err}
}

// Transport reports a failure talking to a remote executor.
func Transport(op string, unconfirmed bool, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Unconfirmed: unconfirmed, Err: err}
}

// NotFound reports an unknown job.
func NotFound(op, jobID string, err error) *Error {
	return &Error{Kind: KindNotFound, Op: op, JobID: jobID, Msg: "job not found", Err: err}
}

// NotSupported reports an operation that cannot be performed.
func NotSupported(op, msg string) *Error {
	return &Error{Kind: KindNotSupported, Op: op, Msg: msg}
}

// Resource reports a local resource failure.
func Resource(op, msg string, err error) *Error {
	return &Error{Kind: KindResource, Op: op, Msg: msg, Err: err}
}
