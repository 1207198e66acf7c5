package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/merchward/bastion/internal/models"
)

const challengeKeyPrefix = "chal:"

// ChallengeStore is the Redis-backed ceremony challenge cache. GETDEL gives
// the consume-on-first-attempt guarantee.
type ChallengeStore struct {
	redis *redis.Client
}

func NewChallengeStore(client *redis.Client) *ChallengeStore {
	return &ChallengeStore{redis: client}
}

func (s *ChallengeStore) key(key string) string {
	return challengeKeyPrefix + key
}

// Put stores ceremony session data, overwriting any unconsumed challenge
// under the same key.
func (s *ChallengeStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("challenge put: %w", err)
	}
	return nil
}

// Take removes and returns the stored challenge. Absent or expired
// challenges return ErrChallengeExpired.
func (s *ChallengeStore) Take(ctx context.Context, key string) ([]byte, error) {
	data, err := s.redis.GetDel(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrChallengeExpired
		}
		return nil, fmt.Errorf("challenge take: %w", err)
	}
	return data, nil
}
