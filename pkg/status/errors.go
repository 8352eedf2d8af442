package status

import "errors"

// Sentinel errors for status store operations.
var (
	// ErrNotFound indicates no record exists for the job id.
	ErrNotFound = errors.New("job status not found")

	// ErrDuplicateID indicates a record already exists for the job id.
	ErrDuplicateID = errors.New("duplicate job id")

	// ErrTerminal indicates the record already reached SUCCEEDED or FAILED.
	ErrTerminal = errors.New("job status is terminal")

	// ErrPhaseRegression indicates an update would move a job to an earlier phase.
	ErrPhaseRegression = errors.New("job phase regression")

	// ErrStillActive indicates a forget was attempted on a non-terminal record.
	ErrStillActive = errors.New("job is still active")

	// ErrInvalidPhase indicates an unknown phase value.
	ErrInvalidPhase = errors.New("invalid job phase")
)

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTerminal returns true if the error indicates the record is already terminal.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminal)
}
