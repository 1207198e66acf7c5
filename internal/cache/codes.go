package cache

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/merchward/bastion/internal/models"
)

const (
	codeKeyPrefix      = "otc:"
	codeConsumeRetries = 4
	consumedMarkerTTL  = 30 * time.Minute
)

type codeRecord struct {
	Code     models.PendingCode `json:"code"`
	Consumed bool               `json:"consumed"`
}

// CodeStore is the Redis-backed pending one-time code store. Consume runs
// under WATCH so exactly one of two racing verifications can succeed.
type CodeStore struct {
	redis *redis.Client
}

func NewCodeStore(client *redis.Client) *CodeStore {
	return &CodeStore{redis: client}
}

func (s *CodeStore) key(key string) string {
	return codeKeyPrefix + key
}

// Put stores a pending code, superseding any previous code under the same key.
func (s *CodeStore) Put(ctx context.Context, key string, code *models.PendingCode, ttl time.Duration) error {
	encoded, err := json.Marshal(codeRecord{Code: *code})
	if err != nil {
		return fmt.Errorf("code encode: %w", err)
	}

	if err := s.redis.Set(ctx, s.key(key), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("code put: %w", err)
	}
	return nil
}

// Consume validates codeHash against the pending code and marks it consumed
// on match. Absent or expired -> ErrCodeExpired; consumed -> ErrCodeAlreadyUsed;
// mismatch -> ErrInvalidCredential with the code left pending.
func (s *CodeStore) Consume(ctx context.Context, key string, codeHash string) (*models.PendingCode, error) {
	redisKey := s.key(key)

	for i := 0; i < codeConsumeRetries; i++ {
		var consumed *models.PendingCode

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, redisKey).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return models.ErrCodeExpired
				}
				return err
			}

			var rec codeRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("code decode: %w", err)
			}

			if rec.Consumed {
				return models.ErrCodeAlreadyUsed
			}

			if rec.Code.IsExpired() {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, redisKey)
					return nil
				})
				if err != nil {
					return err
				}
				return models.ErrCodeExpired
			}

			if subtle.ConstantTimeCompare([]byte(rec.Code.CodeHash), []byte(codeHash)) != 1 {
				return models.ErrInvalidCredential
			}

			rec.Consumed = true
			encoded, err := json.Marshal(rec)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, redisKey, encoded, consumedMarkerTTL)
				return nil
			})
			if err != nil {
				return err
			}

			code := rec.Code
			consumed = &code
			return nil
		}, redisKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return consumed, nil
	}

	// The key kept changing under us; the competing writer consumed it.
	return nil, models.ErrCodeAlreadyUsed
}

func (s *CodeStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("code delete: %w", err)
	}
	return nil
}
