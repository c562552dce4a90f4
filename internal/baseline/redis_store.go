package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tfoster/palisade/internal/models"
)

const (
	baselineKeyPrefix = "user_baseline:"
	casRetries        = 3
)

// RedisStore keeps baselines as JSON values in a shared Redis. Updates use
// WATCH-based optimistic transactions so concurrent read-modify-writes for
// the same user (two tabs, two instances) never lose samples.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func baselineKey(userID string) string {
	return baselineKeyPrefix + userID
}

func (s *RedisStore) Get(ctx context.Context, userID string) (*models.UserBaseline, error) {
	raw, err := s.client.Get(ctx, baselineKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}

	var b models.UserBaseline
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("corrupt baseline for user %s: %w", userID, err)
	}
	return &b, nil
}

func (s *RedisStore) Update(ctx context.Context, userID string, fn UpdateFunc) (*models.UserBaseline, error) {
	key := baselineKey(userID)
	var stored *models.UserBaseline

	txn := func(tx *redis.Tx) error {
		var current *models.UserBaseline

		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			current = nil
		case err != nil:
			return fmt.Errorf("failed to load baseline: %w", err)
		default:
			current = &models.UserBaseline{}
			if err := json.Unmarshal(raw, current); err != nil {
				return fmt.Errorf("corrupt baseline for user %s: %w", userID, err)
			}
		}

		next := fn(current)
		if next == nil {
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			stored = nil
			return err
		}

		next.LastUpdated = time.Now()
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode baseline: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		stored = next
		return err
	}

	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return stored, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("baseline update for user %s lost the race %d times: %w", userID, casRetries, redis.TxFailedErr)
}
