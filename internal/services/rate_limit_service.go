package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/merchward/bastion/internal/models"
)

// RateLimitStore is the backing state store for admission decisions. Entries
// are updated exclusively through CompareAndSwap; old == nil is a create-only
// swap that fails when any entry already exists under the key.
type RateLimitStore interface {
	Get(ctx context.Context, key string) (*models.RateLimitEntry, error)
	CompareAndSwap(ctx context.Context, key string, old, updated *models.RateLimitEntry, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// RateLimitConfig holds the admission thresholds. The window is fixed, not
// sliding: counts reset when a request arrives at or after WindowStart+Window.
type RateLimitConfig struct {
	Window          time.Duration
	MaxPerIP        int
	MaxPerAccount   int
	LockoutDuration time.Duration
}

// RateLimitService admits or denies authentication attempts per (key, scope).
// Scopes are isolated namespaces: an IP lockout never affects account keys.
type RateLimitService struct {
	store  RateLimitStore
	config RateLimitConfig
	logger *slog.Logger
	now    func() time.Time
}

const casMaxRetries = 4

func NewRateLimitService(store RateLimitStore, config RateLimitConfig, logger *slog.Logger) *RateLimitService {
	return &RateLimitService{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Admit records one attempt against the key and reports whether it is
// allowed. A denial is returned as *models.RateLimitedError carrying the
// retry-after hint. Attempts arriving during an active lockout do not extend
// the lockout and do not count against the next window. Store failures admit
// the request: availability wins over strictness when the state store is down.
func (s *RateLimitService) Admit(ctx context.Context, key string, scope models.RateLimitScope) error {
	max := s.maxFor(scope)
	storeKey := scopedKey(key, scope)

	for attempt := 0; attempt < casMaxRetries; attempt++ {
		entry, err := s.store.Get(ctx, storeKey)
		if err != nil {
			s.logger.Error("rate limit store unavailable, admitting request",
				slog.String("scope", string(scope)),
				slog.Any("error", err))
			return nil
		}

		now := s.now()

		if entry != nil && entry.Locked(now) {
			return &models.RateLimitedError{RetryAfter: entry.LockedUntil.Sub(now)}
		}

		updated, denied := s.nextEntry(entry, now, max)

		swapped, err := s.store.CompareAndSwap(ctx, storeKey, entry, updated, s.entryTTL())
		if err != nil {
			s.logger.Error("rate limit store unavailable, admitting request",
				slog.String("scope", string(scope)),
				slog.Any("error", err))
			return nil
		}
		if !swapped {
			continue
		}

		if denied {
			s.logger.Warn("rate limit lockout engaged",
				slog.String("scope", string(scope)),
				slog.Int("count", updated.Count),
				slog.Time("locked_until", *updated.LockedUntil))
			return &models.RateLimitedError{RetryAfter: s.config.LockoutDuration}
		}
		return nil
	}

	// Contention this heavy on a single key is itself evidence of abuse.
	s.logger.Warn("rate limit swap contention exhausted, denying request",
		slog.String("scope", string(scope)))
	return &models.RateLimitedError{RetryAfter: s.config.Window}
}

// Reset clears all admission state for the key, including any active lockout.
func (s *RateLimitService) Reset(ctx context.Context, key string, scope models.RateLimitScope) error {
	if err := s.store.Delete(ctx, scopedKey(key, scope)); err != nil {
		return fmt.Errorf("failed to reset rate limit state: %w", err)
	}
	return nil
}

// nextEntry computes the successor state for one more attempt. A nil or
// expired-window entry starts a fresh window at now. When the incremented
// count exceeds max, the lockout is set and denied is true.
func (s *RateLimitService) nextEntry(entry *models.RateLimitEntry, now time.Time, max int) (updated *models.RateLimitEntry, denied bool) {
	if entry == nil || !now.Before(entry.WindowStart.Add(s.config.Window)) {
		return &models.RateLimitEntry{Count: 1, WindowStart: now}, false
	}

	next := &models.RateLimitEntry{
		Count:       entry.Count + 1,
		WindowStart: entry.WindowStart,
	}
	if next.Count > max {
		lockedUntil := now.Add(s.config.LockoutDuration)
		next.LockedUntil = &lockedUntil
		return next, true
	}
	return next, false
}

func (s *RateLimitService) maxFor(scope models.RateLimitScope) int {
	if scope == models.ScopePerAccount {
		return s.config.MaxPerAccount
	}
	return s.config.MaxPerIP
}

// entryTTL must outlive both the window and any lockout set within it.
func (s *RateLimitService) entryTTL() time.Duration {
	ttl := s.config.Window
	if s.config.LockoutDuration > ttl {
		ttl = s.config.LockoutDuration
	}
	return ttl * 2
}

func scopedKey(key string, scope models.RateLimitScope) string {
	return fmt.Sprintf("%s:%s", scope, key)
}
