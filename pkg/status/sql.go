package status

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	dialectSQLite   = "sqlite3"
	dialectPostgres = "postgres"

	driverPgx = "pgx"
)

// goose keeps dialect and base FS in package globals.
var gooseMu sync.Mutex

// SQLStore is a Store over database/sql.
//
// Every mutation is a single conditional statement with no explicit
// transaction, so concurrent writers from different processes or hosts never
// interleave within one record and SQLite lock waits go through busy_timeout.
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// OpenSQL opens a SQL-backed store and applies migrations.
func OpenSQL(ctx context.Context, cfg Config) (*SQLStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	driver, err := DriverFor(cfg.DSN)
	if err != nil {
		return nil, err
	}

	var (
		db      *sql.DB
		dialect string
	)
	switch driver {
	case DriverPostgres:
		db, err = openPostgres(ctx, cfg.DSN)
		dialect = dialectPostgres
	case DriverSQLite, DriverLibsql:
		db, err = openSQLite(ctx, cfg)
		dialect = dialectSQLite
	default:
		return nil, fmt.Errorf("driver %s is not a SQL store", driver)
	}
	if err != nil {
		return nil, err
	}

	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an already configured connection. dialect is "sqlite3" or
// "postgres". Migrate must be called before first use.
func NewSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverPgx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open status store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping status store: %w", err)
	}
	return db, nil
}

func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	if db == nil {
		return errors.New("store connection is nil")
	}

	// A second connection to :memory: would see an empty database.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		return nil
	}
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	// Keep a single connection and use WAL to reduce lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}

	return nil
}

// Migrate applies pending schema migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(s.dialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("migrate status store: %w", err)
	}
	return nil
}

// DB exposes the underlying connection.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect reports the goose dialect of the connection.
func (s *SQLStore) Dialect() string {
	return s.dialect
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (s *SQLStore) Create(ctx context.Context, rec NewRecord) error {
	if strings.TrimSpace(rec.JobID) == "" {
		return errors.New("job id is required")
	}
	now := formatTime(s.now())

	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO job_status (
			job_id, process, phase, phase_rank, terminal, progress, message, owner,
			stored, created_at, updated_at
		) VALUES (?, ?, ?, 0, 0, 0, '', '', ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING
	`), rec.JobID, rec.Process, string(PhaseAccepted), boolInt(rec.Stored), now, now)
	if err != nil {
		return fmt.Errorf("create job %s: %w", rec.JobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create job %s: %w", rec.JobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.JobID)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, jobID string, u Update) error {
	if !u.Phase.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPhase, u.Phase)
	}
	progress := ClampProgress(u.Progress)
	rank := u.Phase.Rank()
	terminal := boolInt(u.Phase.Terminal())
	now := formatTime(s.now())

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE job_status SET
			phase = ?,
			phase_rank = ?,
			terminal = ?,
			progress = CASE WHEN progress > ? THEN progress ELSE ? END,
			message = ?,
			owner = CASE WHEN ? = '' THEN owner ELSE ? END,
			updated_at = ?,
			started_at = CASE WHEN started_at IS NULL AND ? >= 1 THEN ? ELSE started_at END,
			ended_at = CASE WHEN ? = 1 THEN ? ELSE ended_at END
		WHERE job_id = ? AND terminal = 0 AND phase_rank <= ?
	`),
		string(u.Phase), rank, terminal,
		progress, progress,
		u.Message,
		u.Owner, u.Owner,
		now,
		rank, now,
		terminal, now,
		jobID, rank,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if n > 0 {
		return nil
	}

	cur, err := s.get(ctx, s.db, jobID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return classify(cur, u)
}

func (s *SQLStore) Get(ctx context.Context, jobID string) (*Record, error) {
	rec, err := s.get(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLStore) get(ctx context.Context, q querier, jobID string) (*Record, error) {
	var (
		rec                  Record
		phase                string
		stored               int
		createdAt, updatedAt string
		startedAt, endedAt   sql.NullString
	)
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT job_id, process, phase, progress, message, owner, stored,
			created_at, started_at, updated_at, ended_at
		FROM job_status WHERE job_id = ?
	`), jobID).Scan(
		&rec.JobID, &rec.Process, &phase, &rec.Progress, &rec.Message, &rec.Owner, &stored,
		&createdAt, &startedAt, &updatedAt, &endedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}

	rec.Phase = Phase(phase)
	rec.Stored = stored != 0
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if rec.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if rec.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, fmt.Errorf("parse ended_at: %w", err)
	}
	return &rec, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLStore) ListActive(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, `SELECT job_id FROM job_status WHERE terminal = 0 ORDER BY created_at, job_id`)
}

func (s *SQLStore) ListStored(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, `SELECT job_id FROM job_status WHERE stored = 1 ORDER BY created_at, job_id`)
}

func (s *SQLStore) listIDs(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return ids, nil
}

// StoreRequest is a single conditional upsert: SQLite readers that later
// write inside one transaction fail with "database is locked" instead of
// waiting on busy_timeout.
func (s *SQLStore) StoreRequest(ctx context.Context, jobID string, payload []byte) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO stored_requests (job_id, request, created_at)
		SELECT CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT) WHERE EXISTS (SELECT 1 FROM job_status WHERE job_id = ?)
		ON CONFLICT (job_id) DO UPDATE SET request = excluded.request
	`), jobID, string(payload), formatTime(s.now()), jobID)
	if err != nil {
		return fmt.Errorf("store request %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store request %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}

func (s *SQLStore) StoredRequest(ctx context.Context, jobID string) ([]byte, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT request FROM stored_requests WHERE job_id = ?`), jobID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no stored request for %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get stored request %s: %w", jobID, err)
	}
	return []byte(payload), nil
}

// Forget runs as two single-statement writes. The payload goes first, and
// only while the record is a stored terminal one, so a failure between the
// two leaves a record that a retried Forget still removes.
func (s *SQLStore) Forget(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM stored_requests WHERE job_id = ? AND EXISTS (
			SELECT 1 FROM job_status WHERE job_id = ? AND terminal = 1 AND stored = 1
		)
	`), jobID, jobID); err != nil {
		return fmt.Errorf("forget request %s: %w", jobID, err)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM job_status WHERE job_id = ? AND terminal = 1 AND stored = 1
	`), jobID)
	if err != nil {
		return fmt.Errorf("forget job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("forget job %s: %w", jobID, err)
	}
	if n > 0 {
		return nil
	}

	cur, err := s.get(ctx, s.db, jobID)
	if err != nil {
		return err
	}
	return classifyForget(cur)
}

func (s *SQLStore) Enqueue(ctx context.Context, jobID string, payload []byte) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO job_queue (job_id, payload, queued_at)
		SELECT CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT)
		WHERE EXISTS (SELECT 1 FROM job_status WHERE job_id = ? AND terminal = 0)
		ON CONFLICT (job_id) DO NOTHING
	`), jobID, string(payload), formatTime(s.now()), jobID)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	if n > 0 {
		return nil
	}

	cur, err := s.get(ctx, s.db, jobID)
	if err != nil {
		return err
	}
	if cur.Phase.Terminal() {
		return fmt.Errorf("%w: job %s", ErrTerminal, jobID)
	}
	return fmt.Errorf("%w: %s is already queued", ErrDuplicateID, jobID)
}

func (s *SQLStore) FirstQueued(ctx context.Context) (string, []byte, error) {
	var id, payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, payload FROM job_queue ORDER BY queued_at, job_id LIMIT 1
	`).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, fmt.Errorf("%w: queue is empty", ErrNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("read job queue: %w", err)
	}
	return id, []byte(payload), nil
}

func (s *SQLStore) Dequeue(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM job_queue WHERE job_id = ?`), jobID)
	if err != nil {
		return fmt.Errorf("dequeue job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dequeue job %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is not queued", ErrNotFound, jobID)
	}
	return nil
}

func (s *SQLStore) ListQueued(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, `SELECT job_id FROM job_queue ORDER BY queued_at, job_id`)
}

func classifyForget(cur *Record) error {
	if cur == nil || !cur.Stored {
		id := ""
		if cur != nil {
			id = cur.JobID
		}
		return fmt.Errorf("%w: %s is not a stored job", ErrNotFound, id)
	}
	if !cur.Phase.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrStillActive, cur.JobID, cur.Phase)
	}
	return fmt.Errorf("forget job %s: no rows affected", cur.JobID)
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLStore)(nil)
