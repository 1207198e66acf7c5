package memory

import (
	"context"
	"sync"
	"time"

	"github.com/merchward/bastion/internal/models"
)

// ChallengeStore is the in-process implementation of the ceremony challenge
// cache. Put supersedes, Take consumes: a challenge can validate at most one
// finishing call.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]challengeRecord
}

type challengeRecord struct {
	data      []byte
	expiresAt time.Time
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{
		challenges: make(map[string]challengeRecord),
	}
}

// Put stores ceremony session data, overwriting any unconsumed challenge
// under the same key.
func (s *ChallengeStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	s.challenges[key] = challengeRecord{
		data:      stored,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Take removes and returns the stored challenge. Absent or expired
// challenges return ErrChallengeExpired.
func (s *ChallengeStore) Take(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.challenges[key]
	delete(s.challenges, key)
	if !ok || time.Now().After(rec.expiresAt) {
		return nil, models.ErrChallengeExpired
	}
	return rec.data, nil
}
