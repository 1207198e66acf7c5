package services

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchward/bastion/internal/memory"
	"github.com/merchward/bastion/internal/models"
)

func newTestRateLimitService(store RateLimitStore) *RateLimitService {
	return NewRateLimitService(store, RateLimitConfig{
		Window:          15 * time.Minute,
		MaxPerIP:        100,
		MaxPerAccount:   5,
		LockoutDuration: 30 * time.Minute,
	}, slog.Default())
}

func TestRateLimitService_AdmitUpToMax(t *testing.T) {
	svc := newTestRateLimitService(memory.NewRateLimitStore())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := svc.Admit(ctx, "acct_1", models.ScopePerAccount)
		require.NoError(t, err, "attempt %d should be admitted", i+1)
	}

	err := svc.Admit(ctx, "acct_1", models.ScopePerAccount)
	rl, ok := models.ErrRateLimited(err)
	require.True(t, ok, "attempt beyond max should be denied")
	assert.Equal(t, 30*time.Minute, rl.RetryAfter)
}

func TestRateLimitService_LockoutNotExtendedByAttempts(t *testing.T) {
	svc := newTestRateLimitService(memory.NewRateLimitStore())
	ctx := context.Background()

	base := time.Now()
	svc.now = func() time.Time { return base }

	for i := 0; i < 6; i++ {
		_ = svc.Admit(ctx, "acct_1", models.ScopePerAccount)
	}

	// Ten minutes into the lockout, further attempts are denied with a
	// shrinking retry hint. If attempts extended the lockout the hint would
	// stay at the full duration.
	svc.now = func() time.Time { return base.Add(10 * time.Minute) }

	err := svc.Admit(ctx, "acct_1", models.ScopePerAccount)
	rl, ok := models.ErrRateLimited(err)
	require.True(t, ok)
	assert.InDelta(t, float64(20*time.Minute), float64(rl.RetryAfter), float64(time.Second))
}

func TestRateLimitService_FreshWindowAfterLockoutExpires(t *testing.T) {
	svc := newTestRateLimitService(memory.NewRateLimitStore())
	ctx := context.Background()

	base := time.Now()
	svc.now = func() time.Time { return base }

	for i := 0; i < 6; i++ {
		_ = svc.Admit(ctx, "acct_1", models.ScopePerAccount)
	}

	svc.now = func() time.Time { return base.Add(31 * time.Minute) }

	err := svc.Admit(ctx, "acct_1", models.ScopePerAccount)
	assert.NoError(t, err, "attempt after lockout expiry should start a fresh window")
}

func TestRateLimitService_WindowResets(t *testing.T) {
	svc := newTestRateLimitService(memory.NewRateLimitStore())
	ctx := context.Background()

	base := time.Now()
	svc.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Admit(ctx, "acct_1", models.ScopePerAccount))
	}

	svc.now = func() time.Time { return base.Add(15 * time.Minute) }

	assert.NoError(t, svc.Admit(ctx, "acct_1", models.ScopePerAccount),
		"attempt at window boundary should be counted in a fresh window")
}

func TestRateLimitService_ScopesIsolated(t *testing.T) {
	svc := newTestRateLimitService(memory.NewRateLimitStore())
	ctx := context.Background()

	// Same key string in both scopes. Locking out the account scope must
	// leave the IP scope untouched.
	for i := 0; i < 6; i++ {
		_ = svc.Admit(ctx, "198.51.100.7", models.ScopePerAccount)
	}

	_, denied := models.ErrRateLimited(svc.Admit(ctx, "198.51.100.7", models.ScopePerAccount))
	require.True(t, denied)

	assert.NoError(t, svc.Admit(ctx, "198.51.100.7", models.ScopePerIP))
}

func TestRateLimitService_ResetClearsLockout(t *testing.T) {
	svc := newTestRateLimitService(memory.NewRateLimitStore())
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_ = svc.Admit(ctx, "acct_1", models.ScopePerAccount)
	}
	_, denied := models.ErrRateLimited(svc.Admit(ctx, "acct_1", models.ScopePerAccount))
	require.True(t, denied)

	require.NoError(t, svc.Reset(ctx, "acct_1", models.ScopePerAccount))

	assert.NoError(t, svc.Admit(ctx, "acct_1", models.ScopePerAccount))
}

type failingRateLimitStore struct{}

func (failingRateLimitStore) Get(ctx context.Context, key string) (*models.RateLimitEntry, error) {
	return nil, errors.New("store down")
}

func (failingRateLimitStore) CompareAndSwap(ctx context.Context, key string, old, updated *models.RateLimitEntry, ttl time.Duration) (bool, error) {
	return false, errors.New("store down")
}

func (failingRateLimitStore) Delete(ctx context.Context, key string) error {
	return errors.New("store down")
}

func TestRateLimitService_FailsOpenOnStoreErrors(t *testing.T) {
	svc := newTestRateLimitService(failingRateLimitStore{})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		assert.NoError(t, svc.Admit(ctx, "acct_1", models.ScopePerAccount))
	}
}
