package cmd

import "fmt"

// ExitError carries a process exit code and a user-facing message.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError wraps err with a foundry exit code.
func exitError[C ~int](code C, msg string, err error) error {
	return &ExitError{Code: int(code), Message: msg, Err: err}
}
