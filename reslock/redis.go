package reslock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smith-ai/smith/smithlog"
)

// Redis is a distributed Resource Lock Manager for multi-process Smith
// fleets, grounded on the teacher's cache_redis.go SetNX method (its
// distributed-lock primitive). Each resource is a SETNX key whose value
// is the holding agent id; reentrancy is implemented by checking the
// stored value before blocking.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	logger    smithlog.Logger
}

func NewRedis(client redis.UniversalClient, keyPrefix string, ttl time.Duration, logger smithlog.Logger) *Redis {
	if keyPrefix == "" {
		keyPrefix = "smith:lock:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = smithlog.Noop{}
	}
	return &Redis{client: client, keyPrefix: keyPrefix, ttl: ttl, logger: logger}
}

func (r *Redis) AcquireAll(ctx context.Context, agentID string, resources []string) error {
	sorted := sortedCopy(resources)
	acquired := make([]string, 0, len(sorted))
	for _, name := range sorted {
		if err := r.acquireOne(ctx, agentID, name); err != nil {
			r.ReleaseAll(agentID, acquired)
			return err
		}
		acquired = append(acquired, name)
	}
	return nil
}

func (r *Redis) acquireOne(ctx context.Context, agentID, name string) error {
	key := r.keyPrefix + name
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		holder, err := r.client.Get(ctx, key).Result()
		if err == nil && holder == agentID {
			return nil // reentrant
		}

		ok, err := r.client.SetNX(ctx, key, agentID, r.ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			r.logger.Debug(ctx, "resource acquired", smithlog.F("resource", name), smithlog.F("agent_id", agentID))
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (r *Redis) ReleaseAll(agentID string, resources []string) {
	ctx := context.Background()
	for _, name := range resources {
		key := r.keyPrefix + name
		holder, err := r.client.Get(ctx, key).Result()
		if err != nil || holder != agentID {
			continue
		}
		r.client.Del(ctx, key)
		r.logger.Debug(ctx, "resource released", smithlog.F("resource", name), smithlog.F("agent_id", agentID))
	}
}
