package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smith-ai/smith/smitherr"
)

// Redis is a distributed minimum-interval gate for multi-process Smith
// deployments, grounded on the teacher's RedisCache client wiring. Instead
// of an in-process rate.Limiter it stores the next-allowed instant (unix
// nanos) as a key per tool and advances it atomically with a small Lua
// script, so concurrent processes agree on the same gate.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string

	mu        sync.RWMutex
	intervals map[string]time.Duration
}

// NewRedis wraps an already-configured redis client (including a
// miniredis-backed one in tests).
func NewRedis(client redis.UniversalClient, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "smith:ratelimit:"
	}
	return &Redis{client: client, keyPrefix: keyPrefix, intervals: make(map[string]time.Duration)}
}

func (r *Redis) SetInterval(tool string, interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if interval <= 0 {
		delete(r.intervals, tool)
		return
	}
	r.intervals[tool] = interval
}

// acquireScript atomically reads the stored next-allowed instant, compares
// it against "now" (passed in as an argument so the script stays
// deterministic across replicas), and either returns the wait duration or
// advances the key and returns 0.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local nextAllowed = tonumber(redis.call("GET", key) or "0")
if now >= nextAllowed then
  redis.call("SET", key, now + interval, "PX", math.ceil(interval/1e6) + 1000)
  return 0
end
return nextAllowed - now
`)

func (r *Redis) Acquire(ctx context.Context, tool string) error {
	r.mu.RLock()
	interval, gated := r.intervals[tool]
	r.mu.RUnlock()
	if !gated {
		return nil
	}

	key := r.keyPrefix + tool
	for {
		now := time.Now().UnixNano()
		res, err := acquireScript.Run(ctx, r.client, []string{key}, strconv.FormatInt(now, 10), strconv.FormatInt(interval.Nanoseconds(), 10)).Int64()
		if err != nil {
			return err
		}
		if res == 0 {
			return nil
		}
		wait := time.Duration(res)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return smitherr.ErrCanceled
		case <-timer.C:
		}
	}
}
