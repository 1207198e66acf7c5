package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/merchward/bastion/internal/models"
)

const rateLimitKeyPrefix = "rl:"

// RateLimitStore is the Redis-backed rate limit state store. CompareAndSwap
// runs under WATCH so concurrent admissions against the same key serialize
// correctly across processes.
type RateLimitStore struct {
	redis *redis.Client
}

func NewRateLimitStore(client *redis.Client) *RateLimitStore {
	return &RateLimitStore{redis: client}
}

func (s *RateLimitStore) key(key string) string {
	return rateLimitKeyPrefix + key
}

func (s *RateLimitStore) Get(ctx context.Context, key string) (*models.RateLimitEntry, error) {
	data, err := s.redis.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("rate limit get: %w", err)
	}

	var entry models.RateLimitEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("rate limit decode: %w", err)
	}
	return &entry, nil
}

// CompareAndSwap replaces old with updated atomically. old == nil means
// create-only. Returns false without error when the stored value changed
// underneath the caller.
func (s *RateLimitStore) CompareAndSwap(ctx context.Context, key string, old, updated *models.RateLimitEntry, ttl time.Duration) (bool, error) {
	redisKey := s.key(key)
	swapped := false

	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, redisKey).Bytes()
		var current *models.RateLimitEntry
		switch {
		case err == nil:
			current = &models.RateLimitEntry{}
			if err := json.Unmarshal(data, current); err != nil {
				return fmt.Errorf("rate limit decode: %w", err)
			}
		case errors.Is(err, redis.Nil):
			current = nil
		default:
			return err
		}

		if old == nil {
			if current != nil {
				return nil
			}
		} else if current == nil || !entriesEqual(current, old) {
			return nil
		}

		encoded, err := json.Marshal(updated)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, encoded, ttl)
			return nil
		})
		if err != nil {
			return err
		}

		swapped = true
		return nil
	}, redisKey)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("rate limit cas: %w", err)
	}
	return swapped, nil
}

func (s *RateLimitStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("rate limit delete: %w", err)
	}
	return nil
}

func entriesEqual(a, b *models.RateLimitEntry) bool {
	if a.Count != b.Count || !a.WindowStart.Equal(b.WindowStart) {
		return false
	}
	switch {
	case a.LockedUntil == nil && b.LockedUntil == nil:
		return true
	case a.LockedUntil == nil || b.LockedUntil == nil:
		return false
	default:
		return a.LockedUntil.Equal(*b.LockedUntil)
	}
}
