package memory

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/merchward/bastion/internal/models"
)

// consumedMarkerTTL keeps a tombstone after a successful consume so a replay
// is reported as reuse rather than an unknown code.
const consumedMarkerTTL = 30 * time.Minute

// CodeStore is the in-process implementation of the pending one-time code
// store. Consume is atomic: of two racing calls with the same value, exactly
// one succeeds.
type CodeStore struct {
	mu    sync.Mutex
	codes map[string]codeRecord
}

type codeRecord struct {
	code      models.PendingCode
	consumed  bool
	expiresAt time.Time
}

func NewCodeStore() *CodeStore {
	return &CodeStore{
		codes: make(map[string]codeRecord),
	}
}

// Put stores a pending code, superseding any previous code under the same key.
func (s *CodeStore) Put(ctx context.Context, key string, code *models.PendingCode, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.codes[key] = codeRecord{
		code:      *code,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Consume validates codeHash against the pending code and deletes it on
// match. Absent or expired codes return ErrCodeExpired; a previously consumed
// code returns ErrCodeAlreadyUsed; a mismatch returns ErrInvalidCredential
// and leaves the pending code in place.
func (s *CodeStore) Consume(ctx context.Context, key string, codeHash string) (*models.PendingCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[key]
	if !ok || time.Now().After(rec.expiresAt) {
		delete(s.codes, key)
		return nil, models.ErrCodeExpired
	}

	if rec.consumed {
		return nil, models.ErrCodeAlreadyUsed
	}

	if rec.code.IsExpired() {
		delete(s.codes, key)
		return nil, models.ErrCodeExpired
	}

	if subtle.ConstantTimeCompare([]byte(rec.code.CodeHash), []byte(codeHash)) != 1 {
		return nil, models.ErrInvalidCredential
	}

	code := rec.code
	s.codes[key] = codeRecord{
		code:      code,
		consumed:  true,
		expiresAt: time.Now().Add(consumedMarkerTTL),
	}
	return &code, nil
}

func (s *CodeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.codes, key)
	return nil
}
