package memory

import (
	"context"
	"sync"
	"time"

	"github.com/merchward/bastion/internal/models"
)

// RateLimitStore is the in-process implementation of the rate limit state
// store. Entries are copied on the way in and out so callers can never mutate
// shared state without going through CompareAndSwap.
type RateLimitStore struct {
	mu      sync.Mutex
	entries map[string]rateLimitRecord
}

type rateLimitRecord struct {
	entry     models.RateLimitEntry
	expiresAt time.Time
}

func NewRateLimitStore() *RateLimitStore {
	return &RateLimitStore{
		entries: make(map[string]rateLimitRecord),
	}
}

func (s *RateLimitStore) Get(ctx context.Context, key string) (*models.RateLimitEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entries[key]
	if !ok || time.Now().After(rec.expiresAt) {
		delete(s.entries, key)
		return nil, nil
	}

	entry := rec.entry
	return &entry, nil
}

// CompareAndSwap replaces old with new atomically. old == nil means
// create-only: the swap fails if any entry exists. Returns false without
// error when the stored value no longer matches old.
func (s *RateLimitStore) CompareAndSwap(ctx context.Context, key string, old, updated *models.RateLimitEntry, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	rec, ok := s.entries[key]
	if ok && now.After(rec.expiresAt) {
		delete(s.entries, key)
		ok = false
	}

	if old == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || !entriesEqual(&rec.entry, old) {
			return false, nil
		}
	}

	s.entries[key] = rateLimitRecord{
		entry:     *updated,
		expiresAt: now.Add(ttl),
	}
	return true, nil
}

func (s *RateLimitStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
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
