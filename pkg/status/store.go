package status

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Store is the durable record of job lifecycle state.
//
// It is the only channel between the process that accepted a request and the
// process (or host) executing it. Implementations must make every write
// atomic per record and must not cache records in memory.
type Store interface {
	// Create inserts a new ACCEPTED record with progress 0.
	Create(ctx context.Context, rec NewRecord) error
	// Update overwrites the mutable fields of an existing, non-terminal record.
	Update(ctx context.Context, jobID string, u Update) error
	// Get returns the record for jobID or ErrNotFound.
	Get(ctx context.Context, jobID string) (*Record, error)
	// ListActive returns ids of records in a non-terminal phase.
	ListActive(ctx context.Context) ([]string, error)
	// ListStored returns ids of records accepted with store-for-later semantics.
	ListStored(ctx context.Context) ([]string, error)
	// StoreRequest keeps the request payload of a stored job.
	StoreRequest(ctx context.Context, jobID string, payload []byte) error
	// StoredRequest returns the payload saved by StoreRequest.
	StoredRequest(ctx context.Context, jobID string) ([]byte, error)
	// Forget removes a stored, terminal record and its request payload.
	Forget(ctx context.Context, jobID string) error
	// Enqueue parks an accepted, non-terminal job until a slot frees up.
	// payload is what the caller needs to start the job later.
	Enqueue(ctx context.Context, jobID string, payload []byte) error
	// FirstQueued returns the oldest queued job, or ErrNotFound when the
	// queue is empty.
	FirstQueued(ctx context.Context) (string, []byte, error)
	// Dequeue removes a job from the queue. ErrNotFound means it was not
	// queued, including when another caller dequeued it first.
	Dequeue(ctx context.Context, jobID string) error
	// ListQueued returns queued ids, oldest first.
	ListQueued(ctx context.Context) ([]string, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a Store implementation.
//
// The implementation is chosen from the DSN:
//
//	/var/lib/geoproc/status.db, file:..., :memory:  -> SQLite (local)
//	libsql://..., https://...                       -> libsql/Turso (requires cgo)
//	postgres://..., postgresql://...                -> PostgreSQL (pgx)
//	redis://..., rediss://...                       -> Redis
type Config struct {
	DSN string

	// AuthToken is appended to libsql URLs as authToken=... when not already present.
	AuthToken string

	// KeyPrefix namespaces Redis keys. Defaults to "geoproc:".
	KeyPrefix string
}

// Driver kinds understood by Open.
const (
	DriverSQLite   = "sqlite"
	DriverLibsql   = "libsql"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// DriverFor reports which implementation Open would use for dsn.
func DriverFor(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return "", errors.New("status store dsn is required")
	case strings.HasPrefix(dsn, "libsql://"), strings.HasPrefix(dsn, "https://"):
		return DriverLibsql, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DriverPostgres, nil
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return DriverRedis, nil
	case strings.Contains(dsn, "://"):
		return "", fmt.Errorf("unsupported status store dsn scheme: %s", redactDSN(dsn))
	default:
		return DriverSQLite, nil
	}
}

// Open connects to the store described by cfg and ensures its schema exists.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	driver, err := DriverFor(cfg.DSN)
	if err != nil {
		return nil, err
	}

	if driver == DriverRedis {
		s, err := OpenRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	s, err := OpenSQL(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// AbsDSN makes a local SQLite path absolute so processes started in another
// working directory open the same file. Other DSNs are returned unchanged.
func AbsDSN(dsn string) (string, error) {
	trimmed := strings.TrimSpace(dsn)
	driver, err := DriverFor(trimmed)
	if err != nil {
		return "", err
	}
	if driver != DriverSQLite || trimmed == ":memory:" {
		return dsn, nil
	}

	if !strings.HasPrefix(trimmed, "file:") {
		return filepath.Abs(trimmed)
	}

	path, err := extractFilePath(trimmed)
	if err != nil {
		return "", err
	}
	if path == "" || path == ":memory:" || filepath.IsAbs(path) {
		return trimmed, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	query := ""
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		query = trimmed[i:]
	}
	return "file:" + abs + query, nil
}

func buildSQLiteDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("status store path is required")
	}
	if path == ":memory:" {
		return path, nil
	}

	if strings.HasPrefix(path, "file:") {
		localPath, err := extractFilePath(path)
		if err != nil {
			return "", err
		}
		if err := ensureStoreDir(localPath); err != nil {
			return "", err
		}
		return path, nil
	}

	if err := ensureStoreDir(path); err != nil {
		return "", err
	}

	return "file:" + filepath.Clean(path), nil
}

func addAuthToken(dsn string, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}

	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}

	return parsed.String(), nil
}

func extractFilePath(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store path: %w", err)
	}

	if parsed.Path != "" {
		return strings.TrimPrefix(parsed.Path, "//"), nil
	}

	return strings.TrimPrefix(parsed.Opaque, "//"), nil
}

func ensureStoreDir(path string) error {
	if strings.TrimSpace(path) == "" || path == ":memory:" {
		return nil
	}

	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}

	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}

// redactDSN hides credentials so DSNs can be logged.
func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		return dsn
	}
	if parsed.User != nil {
		parsed.User = url.User(parsed.User.Username())
	}
	q := parsed.Query()
	if q.Get("authToken") != "" {
		q.Set("authToken", "REDACTED")
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}

// RedactDSN hides credentials in a store DSN for logs and diagnostics.
func RedactDSN(dsn string) string {
	return redactDSN(dsn)
}
