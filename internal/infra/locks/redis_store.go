package locks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/procflow/internal/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLeaseTTL = 30 * time.Second
	lockIndexKey    = "pf:locks:instances"
)

// ErrNotLocked is returned by Get when no lock exists.
var ErrNotLocked = errors.New("instance not locked")

// RedisStore implements Store on Redis hashes plus a locked_at index.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to url and returns a lock store.
func NewRedisStore(url string) (*RedisStore, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client. Close closes the client.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source.
func (s *RedisStore) WithClock(now func() time.Time) *RedisStore {
	if now != nil {
		s.now = now
	}
	return s
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Acquire locks instanceID for owner. Re-acquiring an owned lock refreshes locked_at.
func (s *RedisStore) Acquire(ctx context.Context, instanceID, owner string) (bool, error) {
	instanceID, owner, err := s.validate(instanceID, owner)
	if err != nil {
		return false, err
	}
	res, err := acquireScript.Run(ctx, s.client, []string{instanceLockKey(instanceID), lockIndexKey},
		owner, s.now().Unix(), instanceID).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", instanceID, err)
	}
	return res == 1, nil
}

// Release drops owner's lock on instanceID. Locks held by others are left alone.
func (s *RedisStore) Release(ctx context.Context, instanceID, owner string) error {
	instanceID, owner, err := s.validate(instanceID, owner)
	if err != nil {
		return err
	}
	res, err := releaseScript.Run(ctx, s.client, []string{instanceLockKey(instanceID), lockIndexKey},
		owner, instanceID).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", instanceID, err)
	}
	if res == 0 {
		return fmt.Errorf("release lock %s: held by another owner", instanceID)
	}
	return nil
}

// Get returns the current lock on instanceID.
func (s *RedisStore) Get(ctx context.Context, instanceID string) (*InstanceLock, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	vals, err := s.client.HGetAll(ctx, instanceLockKey(instanceID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotLocked
	}
	return parseLock(instanceID, vals), nil
}

// ListStale returns locks whose locked_at is older than olderThan.
func (s *RedisStore) ListStale(ctx context.Context, olderThan time.Duration, limit int64) ([]InstanceLock, error) {
	ids, err := s.staleIDs(ctx, olderThan, limit)
	if err != nil {
		return nil, err
	}
	out := make([]InstanceLock, 0, len(ids))
	for _, id := range ids {
		lock, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, *lock)
	}
	return out, nil
}

// RemoveStale confiscates locks older than olderThan and returns the freed instance IDs.
func (s *RedisStore) RemoveStale(ctx context.Context, olderThan time.Duration, limit int64) ([]string, error) {
	ids, err := s.staleIDs(ctx, olderThan, limit)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-olderThan).Unix()
	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		res, err := removeStaleScript.Run(ctx, s.client, []string{instanceLockKey(id), lockIndexKey},
			cutoff, id).Int()
		if err != nil {
			return removed, fmt.Errorf("remove stale lock %s: %w", id, err)
		}
		if res == 1 {
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// TryAcquire takes a TTL lease on key for owner; used to keep a job singleton across processes.
func (s *RedisStore) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	key, owner, err := s.validate(key, owner)
	if err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return s.client.SetNX(ctx, leaseKey(key), owner, ttl).Result()
}

// ReleaseKey drops a lease held by owner.
func (s *RedisStore) ReleaseKey(ctx context.Context, key, owner string) error {
	key, owner, err := s.validate(key, owner)
	if err != nil {
		return err
	}
	return releaseLeaseScript.Run(ctx, s.client, []string{leaseKey(key)}, owner).Err()
}

func (s *RedisStore) staleIDs(ctx context.Context, olderThan time.Duration, limit int64) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	if limit <= 0 {
		limit = 200
	}
	cutoff := s.now().Add(-olderThan).Unix()
	return s.client.ZRangeByScore(ctx, lockIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff, 10),
		Count: limit,
	}).Result()
}

func (s *RedisStore) validate(id, owner string) (string, string, error) {
	if s == nil || s.client == nil {
		return "", "", fmt.Errorf("lock store unavailable")
	}
	id = strings.TrimSpace(id)
	owner = strings.TrimSpace(owner)
	if id == "" || owner == "" {
		return "", "", fmt.Errorf("lock id and owner required")
	}
	return id, owner, nil
}

func parseLock(instanceID string, vals map[string]string) *InstanceLock {
	lock := &InstanceLock{InstanceID: instanceID, LockedBy: vals["locked_by"]}
	if at, err := strconv.ParseInt(vals["locked_at"], 10, 64); err == nil {
		lock.LockedAt = time.Unix(at, 0).UTC()
	}
	return lock
}

func instanceLockKey(instanceID string) string {
	return "pf:lock:instance:" + instanceID
}

func leaseKey(key string) string {
	return "pf:lease:" + key
}

var acquireScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "locked_by")
if current and current ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "locked_by", ARGV[1], "locked_at", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

var releaseScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "locked_by")
if not current then
  redis.call("ZREM", KEYS[2], ARGV[2])
  return 1
end
if current ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[2])
return 1
`)

var removeStaleScript = redis.NewScript(`
local lockedAt = redis.call("HGET", KEYS[1], "locked_at")
if lockedAt and tonumber(lockedAt) > tonumber(ARGV[1]) then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[2])
return 1
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
