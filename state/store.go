// Package state implements the job state store on a Redis-compatible server.
//
// The state store is the single source of truth for job records. All
// cross-worker coordination happens through two primitives implemented here
// as Lua scripts, so they are linearizable per job id:
//
//   - compare-and-swap on the job's status (the sole mutation path)
//   - TTL leases (at most one unexpired owner per job)
//
// Key layout under the configured prefix:
//
//	<p>:job:<id>        hash    job record fields
//	<p>:queue:ready     zset    queued jobs, score = eligible-at (unix ms)
//	<p>:queue:running   zset    running jobs, score = lease expiry (unix ms)
//	<p>:lease:<id>      string  lease owner, PX = lease TTL
//	<p>:jobs:index      zset    all jobs, score = created-at (unix ms)
//	<p>:events:jobs     chan    pub/sub job update events
//
// FIFO dispatch falls out of the ready zset: initial submissions are scored
// by created-at, and equal scores order lexicographically by member, which
// is exactly "FIFO by created_at, ties broken by id".
package state

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shelfware/bindery/errors"
	"github.com/shelfware/bindery/job"
)

// Store handles persistence of job records
type Store struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
}

// Options configures a Store
type Options struct {
	Addr      string
	DB        int
	Password  string
	KeyPrefix string
	Retention time.Duration // TTL for terminal job records; 0 keeps them forever
}

// NewStore connects to the state store. The connection is verified with a
// PING so an unreachable store is a fatal startup condition for callers.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		DB:       opts.DB,
		Password: opts.Password,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "state store unreachable at %s: %v", opts.Addr, err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "bindery"
	}

	return &Store{rdb: rdb, prefix: prefix, retention: opts.Retention}, nil
}

// NewStoreWithClient wraps an existing client. Used by tests (miniredis).
func NewStoreWithClient(rdb *redis.Client, prefix string, retention time.Duration) *Store {
	if prefix == "" {
		prefix = "bindery"
	}
	return &Store{rdb: rdb, prefix: prefix, retention: retention}
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping checks state store liveness
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrapf(errors.ErrUnavailable, "state store ping: %v", err)
	}
	return nil
}

func (s *Store) jobKey(id string) string   { return s.prefix + ":job:" + id }
func (s *Store) leaseKey(id string) string { return s.prefix + ":lease:" + id }
func (s *Store) readyKey() string          { return s.prefix + ":queue:ready" }
func (s *Store) runningKey() string        { return s.prefix + ":queue:running" }
func (s *Store) indexKey() string          { return s.prefix + ":jobs:index" }
func (s *Store) eventsChannel() string     { return s.prefix + ":events:jobs" }

// createScript atomically creates the record and enqueues it.
// KEYS: jobKey, readyKey, indexKey
// ARGV: eligibleMs, createdMs, id, field/value pairs...
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 'EXISTS'
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
return 'OK'
`)

// Create inserts a new queued job record and makes it eligible for dispatch
// at its creation time. Fails with ErrAlreadyExists on id collision.
func (s *Store) Create(ctx context.Context, j *job.Job) error {
	if j.Status != job.StatusQueued {
		return errors.Newf("new jobs must be queued, got %s", j.Status)
	}

	argv := make([]interface{}, 0, 3+2*14)
	argv = append(argv,
		strconv.FormatInt(j.CreatedAt.UnixMilli(), 10),
		strconv.FormatInt(j.CreatedAt.UnixMilli(), 10),
		j.ID,
	)
	argv = append(argv, fieldPairs(j)...)

	res, err := createScript.Run(ctx, s.rdb,
		[]string{s.jobKey(j.ID), s.readyKey(), s.indexKey()}, argv...).Text()
	if err != nil {
		return errors.Wrapf(errors.ErrUnavailable, "create job %s: %v", j.ID, err)
	}
	if res == "EXISTS" {
		return errors.Wrapf(errors.ErrAlreadyExists, "job %s", j.ID)
	}

	s.publish(ctx, j)
	return nil
}

// Get retrieves a job by id. Fails with ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	fields, err := s.rdb.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "get job %s: %v", id, err)
	}
	if len(fields) == 0 {
		return nil, errors.NewNotFound("job %s", id)
	}
	return jobFromFields(fields)
}

// casScript performs the compare-and-swap transition and keeps the queue
// indexes consistent with the new status.
// KEYS: jobKey, readyKey, runningKey, leaseKey
// ARGV: expected, newStatus, id, eligibleMs, leaseExpiresMs, retentionMs, field/value pairs...
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
	return 'NOTFOUND'
end
if cur ~= ARGV[1] then
	return 'STALE'
end
redis.call('HSET', KEYS[1], unpack(ARGV, 7))
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('ZREM', KEYS[3], ARGV[3])
if ARGV[2] == 'queued' then
	redis.call('ZADD', KEYS[2], ARGV[4], ARGV[3])
	redis.call('PERSIST', KEYS[1])
elseif ARGV[2] == 'running' then
	redis.call('ZADD', KEYS[3], ARGV[5], ARGV[3])
else
	redis.call('DEL', KEYS[4])
	if tonumber(ARGV[6]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[6])
	end
end
return 'OK'
`)

// CompareAndSwap persists j only if the stored status still equals expected.
// This is the sole mutation primitive: it fails with ErrStaleState when a
// concurrent transition won, and with ErrNotFound for unknown ids. Jobs
// returning to queued become dispatch-eligible immediately; use
// CompareAndSwapAt to delay eligibility for retry backoff.
func (s *Store) CompareAndSwap(ctx context.Context, expected job.Status, j *job.Job) error {
	return s.compareAndSwap(ctx, expected, j, time.Now())
}

// CompareAndSwapAt is CompareAndSwap with explicit dispatch eligibility for
// jobs transitioning back to queued (exponential backoff before re-dispatch).
func (s *Store) CompareAndSwapAt(ctx context.Context, expected job.Status, j *job.Job, eligibleAt time.Time) error {
	return s.compareAndSwap(ctx, expected, j, eligibleAt)
}

func (s *Store) compareAndSwap(ctx context.Context, expected job.Status, j *job.Job, eligibleAt time.Time) error {
	if !job.CanTransition(expected, j.Status) && expected != j.Status {
		return errors.Wrapf(errors.ErrConflict, "illegal transition %s to %s", expected, j.Status)
	}

	argv := make([]interface{}, 0, 6+2*14)
	argv = append(argv,
		string(expected),
		string(j.Status),
		j.ID,
		strconv.FormatInt(eligibleAt.UnixMilli(), 10),
		strconv.FormatInt(j.LeaseExpiresAt.UnixMilli(), 10),
		strconv.FormatInt(s.retention.Milliseconds(), 10),
	)
	argv = append(argv, fieldPairs(j)...)

	res, err := casScript.Run(ctx, s.rdb,
		[]string{s.jobKey(j.ID), s.readyKey(), s.runningKey(), s.leaseKey(j.ID)}, argv...).Text()
	if err != nil {
		return errors.Wrapf(errors.ErrUnavailable, "cas job %s: %v", j.ID, err)
	}
	switch res {
	case "NOTFOUND":
		return errors.NewNotFound("job %s", j.ID)
	case "STALE":
		return errors.Wrapf(errors.ErrStaleState, "job %s: status is no longer %s", j.ID, expected)
	}

	s.publish(ctx, j)
	return nil
}

// cancelScript cancels a queued job only while no lease exists. The lease
// check and the transition are one script, so a lease acquired concurrently
// can never be lost to a cancel.
// KEYS: jobKey, readyKey, leaseKey
// ARGV: id, retentionMs, field/value pairs...
var cancelScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
	return 'NOTFOUND'
end
if cur ~= 'queued' then
	return 'STALE'
end
if redis.call('EXISTS', KEYS[3]) == 1 then
	return 'LEASED'
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZREM', KEYS[2], ARGV[1])
if tonumber(ARGV[2]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 'OK'
`)

// Cancel persists a queued job's transition to cancelled, refusing with
// ErrLeaseHeld while any worker holds the lease and with ErrStaleState once
// the job has left queued. j must already carry the cancelled status.
func (s *Store) Cancel(ctx context.Context, j *job.Job) error {
	if j.Status != job.StatusCancelled {
		return errors.Newf("cancel requires a cancelled record, got %s", j.Status)
	}

	argv := make([]interface{}, 0, 2+2*14)
	argv = append(argv, j.ID, strconv.FormatInt(s.retention.Milliseconds(), 10))
	argv = append(argv, fieldPairs(j)...)

	res, err := cancelScript.Run(ctx, s.rdb,
		[]string{s.jobKey(j.ID), s.readyKey(), s.leaseKey(j.ID)}, argv...).Text()
	if err != nil {
		return errors.Wrapf(errors.ErrUnavailable, "cancel job %s: %v", j.ID, err)
	}
	switch res {
	case "NOTFOUND":
		return errors.NewNotFound("job %s", j.ID)
	case "STALE":
		return errors.Wrapf(errors.ErrStaleState, "job %s: status is no longer queued", j.ID)
	case "LEASED":
		return errors.Wrapf(errors.ErrLeaseHeld, "job %s", j.ID)
	}

	s.publish(ctx, j)
	return nil
}

// DueJobs returns ids of queued jobs whose dispatch eligibility has passed,
// oldest first, ties broken by id.
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.readyKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "list due jobs: %v", err)
	}
	return ids, nil
}

// ExpiredLeases returns ids of running jobs whose lease expiry has passed.
// These are candidates for the reaper's reclaim path.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.runningKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "list expired leases: %v", err)
	}
	return ids, nil
}

// List returns the most recently created jobs, newest first. Records that
// aged out of retention are skipped.
func (s *Store) List(ctx context.Context, limit int) ([]*job.Job, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "list jobs: %v", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if errors.IsNotFound(err) {
			continue // expired out of retention, index entry is stale
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
