package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tfoster/palisade/internal/models"
)

const redisKeyPrefix = "rate_window:"

// incrScript bumps the counter and sets the window expiry only on the first
// hit, so the window boundary is fixed at creation time. Returns the counter
// and the remaining window in milliseconds.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// RedisStore implements WindowStore against a shared Redis so every instance
// of the service counts against the same windows. INCR is atomic server-side,
// which satisfies the no-lost-updates requirement without client locks.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Increment(ctx context.Context, identityKey, endpointKey string, window time.Duration) (*models.RateWindow, error) {
	key := redisKeyPrefix + windowKey(identityKey, endpointKey)

	res, err := incrScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to increment rate window: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected rate window script reply: %v", res)
	}

	count, ok := res[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected counter type %T", res[0])
	}
	ttlMillis, ok := res[1].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected ttl type %T", res[1])
	}

	now := time.Now()
	windowEnd := now.Add(time.Duration(ttlMillis) * time.Millisecond)

	return &models.RateWindow{
		IdentityKey: identityKey,
		EndpointKey: endpointKey,
		Counter:     int(count),
		WindowStart: windowEnd.Add(-window),
		WindowEnd:   windowEnd,
	}, nil
}
