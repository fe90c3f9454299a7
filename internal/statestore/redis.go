package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Values live in a Redis hash so the payload and its version can be read
// and written together: field "v" holds the payload, field "ver" the
// monotonically increasing version. The scripts below make version checks
// and writes atomic on the server side.
var (
	// KEYS[1]=key ARGV[1]=value ARGV[2]=ttl_ms. Returns the new version.
	setScript = redis.NewScript(`
local ver = tonumber(redis.call('HGET', KEYS[1], 'ver') or '0') + 1
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'ver', ver)
if tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
  redis.call('PERSIST', KEYS[1])
end
return ver
`)

	// KEYS[1]=key ARGV[1]=expected_version ARGV[2]=value ARGV[3]=ttl_ms.
	// Returns 1 on success, 0 on version mismatch.
	casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
local expected = tonumber(ARGV[1])
if cur == false then
  if expected ~= 0 then return 0 end
elseif tonumber(cur) ~= expected then
  return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[2], 'ver', expected + 1)
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

	// KEYS[1]=key ARGV[1]=by ARGV[2]=ttl_ms. Returns the new total.
	incrScript = redis.NewScript(`
local total = redis.call('INCRBY', KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return total
`)
)

// Redis is the networked store backend.
type Redis struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedis connects to the Redis instance named by url
// (e.g. "redis://localhost:6379/0"). opTimeout bounds every operation so
// a hung connection degrades to the fallback instead of stalling routing.
func NewRedis(url string, opTimeout time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("statestore: parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts), opTimeout: opTimeout}, nil
}

// Ping verifies connectivity. Used at startup and by failover probes.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, int64, bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	vals, err := r.client.HMGet(ctx, key, "v", "ver").Result()
	if err != nil {
		return nil, 0, false, unavailable("get", err)
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, 0, false, nil
	}
	verStr, _ := vals[1].(string)
	var ver int64
	if _, err := fmt.Sscan(verStr, &ver); err != nil {
		return nil, 0, false, fmt.Errorf("statestore: corrupt version for %q: %w", key, err)
	}
	return []byte(raw), ver, true, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	if err := setScript.Run(ctx, r.client, []string{key}, value, ttl.Milliseconds()).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

// Incr implements Store.
func (r *Redis) Incr(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	total, err := incrScript.Run(ctx, r.client, []string{key}, by, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, unavailable("incr", err)
	}
	return total, nil
}

// Counter implements Store.
func (r *Redis) Counter(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	total, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("counter", err)
	}
	return total, nil
}

// CompareAndSwap implements Store.
func (r *Redis) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	res, err := casScript.Run(ctx, r.client, []string{key}, expectedVersion, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, unavailable("cas", err)
	}
	return res == 1, nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Health implements Store.
func (r *Redis) Health() Health { return Health{Backend: BackendRedis} }

// Close releases the client's connection pool.
func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opTimeout)
}

// unavailable wraps infra errors so the failover wrapper can match them.
// redis.Nil is a data condition, not an infrastructure failure.
func unavailable(op string, err error) error {
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
