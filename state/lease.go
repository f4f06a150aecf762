package state

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shelfware/bindery/errors"
)

// acquireScript takes or extends the lease on a job.
// KEYS: jobKey, leaseKey, runningKey
// ARGV: owner, ttlMs, expiresMs, expiresRFC, id
var acquireScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return 'NOTFOUND'
end
if status ~= 'queued' and status ~= 'running' then
	return 'INELIGIBLE'
end
local cur = redis.call('GET', KEYS[2])
if cur and cur ~= ARGV[1] then
	return 'HELD'
end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
redis.call('HSET', KEYS[1], 'lease_owner', ARGV[1], 'lease_expires_at', ARGV[4])
if status == 'running' then
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[5])
end
return 'OK'
`)

// releaseScript drops the lease only if the caller still owns it.
// KEYS: leaseKey, jobKey
// ARGV: owner
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	redis.call('HSET', KEYS[2], 'lease_owner', '', 'lease_expires_at', '')
	return 1
end
return 0
`)

// AcquireLease grants owner an exclusive TTL lease on the job, or extends it
// when owner already holds it (heartbeat renewal is re-acquisition). Returns
// the new expiry. Fails with ErrLeaseHeld when another unexpired owner holds
// the lease, ErrConflict when the job is terminal, ErrNotFound for unknown ids.
func (s *Store) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (time.Time, error) {
	expires := time.Now().Add(ttl).UTC()

	res, err := acquireScript.Run(ctx, s.rdb,
		[]string{s.jobKey(id), s.leaseKey(id), s.runningKey()},
		owner,
		strconv.FormatInt(ttl.Milliseconds(), 10),
		strconv.FormatInt(expires.UnixMilli(), 10),
		expires.Format(time.RFC3339Nano),
		id,
	).Text()
	if err != nil {
		return time.Time{}, errors.Wrapf(errors.ErrUnavailable, "acquire lease on %s: %v", id, err)
	}

	switch res {
	case "NOTFOUND":
		return time.Time{}, errors.NewNotFound("job %s", id)
	case "INELIGIBLE":
		return time.Time{}, errors.Wrapf(errors.ErrConflict, "job %s is not leasable", id)
	case "HELD":
		return time.Time{}, errors.Wrapf(errors.ErrLeaseHeld, "job %s", id)
	}
	return expires, nil
}

// ReleaseLease voluntarily drops owner's lease. Releasing a lease that has
// already expired or changed hands is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, id, owner string) error {
	err := releaseScript.Run(ctx, s.rdb,
		[]string{s.leaseKey(id), s.jobKey(id)}, owner).Err()
	if err != nil && err != redis.Nil {
		return errors.Wrapf(errors.ErrUnavailable, "release lease on %s: %v", id, err)
	}
	return nil
}

// LeaseHolder returns the current lease owner, or "" when unleased
func (s *Store) LeaseHolder(ctx context.Context, id string) (string, error) {
	owner, err := s.rdb.Get(ctx, s.leaseKey(id)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(errors.ErrUnavailable, "read lease on %s: %v", id, err)
	}
	return owner, nil
}
