package status

import (
	"fmt"
	"strings"
	"time"
)

// Phase is the lifecycle phase of a job.
//
// NOTE: These values are persisted in the status store and are part of the
// stable row contract read by external dashboards.
type Phase string

const (
	PhaseAccepted  Phase = "ACCEPTED"
	PhaseStarted   Phase = "STARTED"
	PhasePaused    Phase = "PAUSED"
	PhaseSucceeded Phase = "SUCCEEDED"
	PhaseFailed    Phase = "FAILED"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseAccepted, PhaseStarted, PhasePaused, PhaseSucceeded, PhaseFailed:
		return true
	}
	return false
}

// Terminal reports whether p is a terminal phase. Terminal records never change.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Rank orders phases for monotonicity checks:
// ACCEPTED < STARTED < {PAUSED, SUCCEEDED, FAILED}.
func (p Phase) Rank() int {
	switch p {
	case PhaseAccepted:
		return 0
	case PhaseStarted:
		return 1
	default:
		return 2
	}
}

// ParsePhase parses a phase name case-insensitively.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhase, s)
	}
	return p, nil
}

// Record is the durable status of a single job.
type Record struct {
	JobID     string     `json:"job_id"`
	Process   string     `json:"process,omitempty"`
	Phase     Phase      `json:"phase"`
	Progress  int        `json:"progress"`
	Message   string     `json:"message,omitempty"`
	Owner     string     `json:"owner,omitempty"`
	Stored    bool       `json:"stored"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// NewRecord describes a record to create. Phase is always ACCEPTED.
type NewRecord struct {
	JobID   string
	Process string
	Stored  bool
}

// Update carries the mutable fields of a record.
//
// An empty Owner keeps the existing owner.
type Update struct {
	Phase    Phase
	Progress int
	Message  string
	Owner    string
}

// ClampProgress bounds a progress value to 0..100.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// classify explains why a conditional update touched no rows.
func classify(cur *Record, u Update) error {
	if cur == nil {
		return ErrNotFound
	}
	if cur.Phase.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrTerminal, cur.JobID, cur.Phase)
	}
	if u.Phase.Rank() < cur.Phase.Rank() {
		return fmt.Errorf("%w: job %s %s -> %s", ErrPhaseRegression, cur.JobID, cur.Phase, u.Phase)
	}
	return fmt.Errorf("update job %s: no rows affected", cur.JobID)
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}
