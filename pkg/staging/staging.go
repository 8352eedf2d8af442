// Package staging places job bundles and launch scripts where a cluster
// worker can read them.
package staging

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Stager writes a named file into a job directory on shared storage and
// returns the reference a worker uses to read it back.
type Stager interface {
	// Name identifies the stager in logs ("ssh", "s3").
	Name() string
	// Stage writes data as name under jobDir.
	Stage(ctx context.Context, jobDir, name string, data []byte) (string, error)
}

// Sentinel errors for staging operations.
var (
	// ErrNotFound indicates the staged object does not exist.
	ErrNotFound = errors.New("staged object not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnavailable indicates the storage service is unavailable or throttling.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrInvalidURI indicates a malformed staging location.
	ErrInvalidURI = errors.New("invalid staging uri")
)

// Error wraps a storage failure with the operation and location.
type Error struct {
	Op       string
	Stager   string
	Location string

	// Err is a sentinel from this package when the cause was classified,
	// otherwise the cause itself.
	Err error

	// Cause is the underlying SDK or transport error.
	Cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Stager, e.Op)
	if e.Location != "" {
		msg += " " + e.Location
	}
	msg += ": " + e.Err.Error()
	if e.Cause != nil && e.Cause != e.Err {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// S3Location is a parsed s3://bucket/prefix URI.
type S3Location struct {
	Bucket string
	Key    string
}

// String renders the location as an s3:// URI.
func (l S3Location) String() string {
	if l.Key == "" {
		return "s3://" + l.Bucket
	}
	return "s3://" + l.Bucket + "/" + l.Key
}

// IsS3URI reports whether s looks like an s3:// URI.
func IsS3URI(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "s3://")
}

// ParseS3URI splits s3://bucket/key into its parts. The key may be empty.
func ParseS3URI(raw string) (S3Location, error) {
	raw = strings.TrimSpace(raw)
	if !IsS3URI(raw) {
		return S3Location{}, fmt.Errorf("%w: %q: expected s3://bucket/prefix", ErrInvalidURI, raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return S3Location{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Host == "" {
		return S3Location{}, fmt.Errorf("%w: %q: missing bucket", ErrInvalidURI, raw)
	}
	return S3Location{Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}, nil
}

func joinKey(parts ...string) string {
	var kept []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
