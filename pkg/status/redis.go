package status

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "geoproc:"

// Script return codes shared by the Lua scripts below.
const (
	codeOK          = 1
	codeNotFound    = -1
	codeTerminal    = -2
	codeRegression  = -3
	codeStillActive = -4
	codeDuplicate   = -5
)

// KEYS: job hash, active set, stored set
// ARGV: job id, process, stored(0|1), now
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return -5 end
redis.call('HSET', KEYS[1],
  'job_id', ARGV[1], 'process', ARGV[2], 'phase', 'ACCEPTED', 'rank', 0,
  'terminal', 0, 'progress', 0, 'message', '', 'owner', '', 'stored', ARGV[3],
  'created_at', ARGV[4], 'updated_at', ARGV[4])
redis.call('SADD', KEYS[2], ARGV[1])
if ARGV[3] == '1' then redis.call('SADD', KEYS[3], ARGV[1]) end
return 1
`)

// KEYS: job hash, active set
// ARGV: job id, phase, rank, terminal(0|1), progress, message, owner, now
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'terminal') == '1' then return -2 end
local rank = tonumber(ARGV[3])
if rank < tonumber(redis.call('HGET', KEYS[1], 'rank')) then return -3 end
local progress = tonumber(ARGV[5])
local current = tonumber(redis.call('HGET', KEYS[1], 'progress'))
if current > progress then progress = current end
redis.call('HSET', KEYS[1], 'phase', ARGV[2], 'rank', rank, 'terminal', ARGV[4],
  'progress', progress, 'message', ARGV[6], 'updated_at', ARGV[8])
if ARGV[7] ~= '' then redis.call('HSET', KEYS[1], 'owner', ARGV[7]) end
if rank >= 1 and redis.call('HEXISTS', KEYS[1], 'started_at') == 0 then
  redis.call('HSET', KEYS[1], 'started_at', ARGV[8])
end
if ARGV[4] == '1' then
  redis.call('HSET', KEYS[1], 'ended_at', ARGV[8])
  redis.call('SREM', KEYS[2], ARGV[1])
end
return 1
`)

// KEYS: job hash, request key
// ARGV: payload
var storeRequestScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('SET', KEYS[2], ARGV[1])
return 1
`)

// KEYS: job hash, request key, stored set
// ARGV: job id
var forgetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'stored') ~= '1' then return -1 end
if redis.call('HGET', KEYS[1], 'terminal') ~= '1' then return -4 end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('SREM', KEYS[3], ARGV[1])
return 1
`)

// KEYS: job hash, queue zset, payload key
// ARGV: job id, score, payload
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'terminal') == '1' then return -2 end
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then return -5 end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[3])
return 1
`)

// KEYS: queue zset, payload key
// ARGV: job id
var dequeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return -1 end
redis.call('DEL', KEYS[2])
return 1
`)

// RedisStore keeps one hash per job plus active/stored index sets and a
// sorted set ordering the job queue.
//
// Conditional writes run as Lua scripts, which Redis executes atomically.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// OpenRedis connects to the Redis server named by cfg.DSN.
func OpenRedis(ctx context.Context, cfg Config) (*RedisStore, error) {
	opt, err := redis.ParseURL(strings.TrimSpace(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	s := NewRedisStore(redis.NewClient(opt), cfg.KeyPrefix)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ping status store: %w", err)
	}
	return s, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) jobKey(id string) string     { return s.prefix + "job:" + id }
func (s *RedisStore) requestKey(id string) string { return s.prefix + "request:" + id }
func (s *RedisStore) activeKey() string           { return s.prefix + "active" }
func (s *RedisStore) storedKey() string           { return s.prefix + "stored" }
func (s *RedisStore) queueKey() string            { return s.prefix + "queue" }
func (s *RedisStore) queuedKey(id string) string  { return s.prefix + "queued:" + id }

func (s *RedisStore) Create(ctx context.Context, rec NewRecord) error {
	if strings.TrimSpace(rec.JobID) == "" {
		return errors.New("job id is required")
	}
	code, err := createScript.Run(ctx, s.client,
		[]string{s.jobKey(rec.JobID), s.activeKey(), s.storedKey()},
		rec.JobID, rec.Process, boolInt(rec.Stored), formatTime(s.now()),
	).Int()
	if err != nil {
		return fmt.Errorf("create job %s: %w", rec.JobID, err)
	}
	if code == codeDuplicate {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.JobID)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, jobID string, u Update) error {
	if !u.Phase.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPhase, u.Phase)
	}
	code, err := updateScript.Run(ctx, s.client,
		[]string{s.jobKey(jobID), s.activeKey()},
		jobID, string(u.Phase), u.Phase.Rank(), boolInt(u.Phase.Terminal()),
		ClampProgress(u.Progress), u.Message, u.Owner, formatTime(s.now()),
	).Int()
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	switch code {
	case codeOK:
		return nil
	case codeNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	case codeTerminal:
		return fmt.Errorf("%w: job %s", ErrTerminal, jobID)
	case codeRegression:
		return fmt.Errorf("%w: job %s -> %s", ErrPhaseRegression, jobID, u.Phase)
	default:
		return fmt.Errorf("update job %s: unexpected script result %d", jobID, code)
	}
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return recordFromHash(fields)
}

func recordFromHash(fields map[string]string) (*Record, error) {
	rec := &Record{
		JobID:   fields["job_id"],
		Process: fields["process"],
		Phase:   Phase(fields["phase"]),
		Message: fields["message"],
		Owner:   fields["owner"],
		Stored:  fields["stored"] == "1",
	}

	var err error
	if rec.Progress, err = strconv.Atoi(fields["progress"]); err != nil {
		return nil, fmt.Errorf("parse progress: %w", err)
	}
	if rec.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if v, ok := fields["started_at"]; ok && v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		rec.StartedAt = &t
	}
	if v, ok := fields["ended_at"]; ok && v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		rec.EndedAt = &t
	}
	return rec, nil
}

func (s *RedisStore) ListActive(ctx context.Context) ([]string, error) {
	return s.members(ctx, s.activeKey())
}

func (s *RedisStore) ListStored(ctx context.Context) ([]string, error) {
	return s.members(ctx, s.storedKey())
}

func (s *RedisStore) members(ctx context.Context, key string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *RedisStore) StoreRequest(ctx context.Context, jobID string, payload []byte) error {
	code, err := storeRequestScript.Run(ctx, s.client,
		[]string{s.jobKey(jobID), s.requestKey(jobID)}, string(payload),
	).Int()
	if err != nil {
		return fmt.Errorf("store request %s: %w", jobID, err)
	}
	if code == codeNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}

func (s *RedisStore) StoredRequest(ctx context.Context, jobID string) ([]byte, error) {
	payload, err := s.client.Get(ctx, s.requestKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: no stored request for %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get stored request %s: %w", jobID, err)
	}
	return payload, nil
}

func (s *RedisStore) Forget(ctx context.Context, jobID string) error {
	code, err := forgetScript.Run(ctx, s.client,
		[]string{s.jobKey(jobID), s.requestKey(jobID), s.storedKey()}, jobID,
	).Int()
	if err != nil {
		return fmt.Errorf("forget job %s: %w", jobID, err)
	}
	switch code {
	case codeOK:
		return nil
	case codeNotFound:
		return fmt.Errorf("%w: %s is not a stored job", ErrNotFound, jobID)
	case codeStillActive:
		return fmt.Errorf("%w: %s", ErrStillActive, jobID)
	default:
		return fmt.Errorf("forget job %s: unexpected script result %d", jobID, code)
	}
}

func (s *RedisStore) Enqueue(ctx context.Context, jobID string, payload []byte) error {
	code, err := enqueueScript.Run(ctx, s.client,
		[]string{s.jobKey(jobID), s.queueKey(), s.queuedKey(jobID)},
		jobID, s.now().UnixMicro(), string(payload),
	).Int()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	switch code {
	case codeOK:
		return nil
	case codeNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	case codeTerminal:
		return fmt.Errorf("%w: job %s", ErrTerminal, jobID)
	case codeDuplicate:
		return fmt.Errorf("%w: %s is already queued", ErrDuplicateID, jobID)
	default:
		return fmt.Errorf("enqueue job %s: unexpected script result %d", jobID, code)
	}
}

func (s *RedisStore) FirstQueued(ctx context.Context) (string, []byte, error) {
	ids, err := s.client.ZRange(ctx, s.queueKey(), 0, 0).Result()
	if err != nil {
		return "", nil, fmt.Errorf("read job queue: %w", err)
	}
	if len(ids) == 0 {
		return "", nil, fmt.Errorf("%w: queue is empty", ErrNotFound)
	}
	payload, err := s.client.Get(ctx, s.queuedKey(ids[0])).Bytes()
	if errors.Is(err, redis.Nil) {
		// Dequeued between the two reads.
		return "", nil, fmt.Errorf("%w: queue is empty", ErrNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("read queued job %s: %w", ids[0], err)
	}
	return ids[0], payload, nil
}

func (s *RedisStore) Dequeue(ctx context.Context, jobID string) error {
	code, err := dequeueScript.Run(ctx, s.client,
		[]string{s.queueKey(), s.queuedKey(jobID)}, jobID,
	).Int()
	if err != nil {
		return fmt.Errorf("dequeue job %s: %w", jobID, err)
	}
	if code == codeNotFound {
		return fmt.Errorf("%w: %s is not queued", ErrNotFound, jobID)
	}
	return nil
}

func (s *RedisStore) ListQueued(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
