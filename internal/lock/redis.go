package lock

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FenceCounterKey names the Redis counter every fence is drawn from. It is
// reserved: Acquire refuses it as a lock key. The counter never expires, so
// fencing relies on Redis persistence and a noeviction policy.
const FenceCounterKey = "ticketd:fence-counter"

// RedisManager keeps each lock as a single Redis string holding the owner
// token, with the expiry enforced by Redis. Fences come from one shared
// counter, so they increase per key without leaving a key behind per lock.
type RedisManager struct {
	client redis.Cmdable
	prefix string
}

func NewRedisManager(client redis.Cmdable, prefix string) *RedisManager {
	return &RedisManager{
		client: client,
		prefix: strings.TrimSpace(prefix),
	}
}

func (m *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	key, err := validateAcquire(key, ttl)
	if err != nil {
		return Lease{}, false, err
	}

	if key == FenceCounterKey {
		return Lease{}, false, ErrReservedKey
	}

	token := uuid.NewString()
	started := time.Now().UTC()
	fence, err := acquireScript.Run(ctx, m.client, []string{m.storeKey(key), m.storeKey(FenceCounterKey)}, token, ttlMillis(ttl)).Int64()
	if err != nil {
		return Lease{}, false, storeError("acquire", key, err)
	}
	if fence <= 0 {
		return Lease{}, false, nil
	}

	return Lease{
		Key:       key,
		Token:     token,
		Fence:     uint64(fence),
		ExpiresAt: started.Add(ttl),
	}, true, nil
}

func (m *RedisManager) Release(ctx context.Context, key, token string) (bool, error) {
	key, err := validateRelease(key, token)
	if err != nil {
		return false, err
	}

	deleted, err := releaseScript.Run(ctx, m.client, []string{m.storeKey(key)}, token).Int64()
	if err != nil {
		return false, storeError("release", key, err)
	}
	return deleted == 1, nil
}

func (m *RedisManager) storeKey(key string) string {
	if m.prefix == "" {
		return key
	}
	return m.prefix + ":" + key
}

// PX takes whole milliseconds; anything shorter still has to expire.
func ttlMillis(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}

// KEYS[1] lock key, KEYS[2] fence counter; ARGV[1] token, ARGV[2] ttl in ms.
// Returns the new fence on success, 0 when the lock is held. The counter is
// bumped before the lock is written, so a failing INCR leaves no lock behind.
var acquireScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
local fence = redis.call("INCR", KEYS[2])
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return fence
`)

// KEYS[1] lock key; ARGV[1] token. Deletes only when the token still matches.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
