package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchward/bastion/internal/auth"
	"github.com/merchward/bastion/internal/memory"
	"github.com/merchward/bastion/internal/models"
	"github.com/merchward/bastion/pkg/logger"
)

// fakeAccountStore is a working in-memory account table with password
// history semantics, so authority tests exercise real flows end to end.
type fakeAccountStore struct {
	mu      sync.Mutex
	seq     int
	byID    map[string]*models.Account
	history map[string][]string
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{
		byID:    make(map[string]*models.Account),
		history: make(map[string][]string),
	}
}

func (f *fakeAccountStore) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byID {
		if a.Email == account.Email {
			return nil, models.ErrConflict
		}
	}
	f.seq++
	copied := *account
	copied.ID = newFakeID(f.seq)
	copied.CreatedAt = time.Now()
	f.byID[copied.ID] = &copied
	out := copied
	return &out, nil
}

func newFakeID(seq int) string {
	return "acct_" + string(rune('a'+seq-1))
}

func (f *fakeAccountStore) GetByID(ctx context.Context, id string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok || a.Status == models.AccountStatusDeleted {
		return nil, models.ErrNotFound
	}
	out := *a
	return &out, nil
}

func (f *fakeAccountStore) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byID {
		if a.Email == email && a.Status != models.AccountStatusDeleted {
			out := *a
			return &out, nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeAccountStore) GetPasswordHistory(ctx context.Context, accountID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.history[accountID]...), nil
}

func (f *fakeAccountStore) UpdatePassword(ctx context.Context, accountID, newHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[accountID]
	if !ok {
		return models.ErrNotFound
	}
	hist := append([]string{a.PasswordHash}, f.history[accountID]...)
	if len(hist) > models.PasswordHistoryLimit {
		hist = hist[:models.PasswordHistoryLimit]
	}
	f.history[accountID] = hist
	a.PasswordHash = newHash
	return nil
}

func (f *fakeAccountStore) SetEmailVerified(ctx context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.byID[accountID]; ok {
		a.EmailVerified = true
	}
	return nil
}

func (f *fakeAccountStore) UpdateStatus(ctx context.Context, accountID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.byID[accountID]; ok {
		a.Status = status
	}
	return nil
}

func (f *fakeAccountStore) setVerified(accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[accountID].EmailVerified = true
}

type authorityFixture struct {
	authority *AuthorityService
	accounts  *fakeAccountStore
	factors   *MockFactorRepository
	limiter   *RateLimitService
	notifier  *RecordingNotifier
	sink      *RecordingEventSink
	fp        models.Fingerprint
}

func newAuthorityFixture(t *testing.T, factorRepo *MockFactorRepository) *authorityFixture {
	t.Helper()

	log := slog.Default()
	accounts := newFakeAccountStore()
	notifier := &RecordingNotifier{}
	sink := &RecordingEventSink{}

	credentials := NewCredentialService(accounts, log)

	totpManager, err := auth.NewTOTPManager(testEncryptionKey, "Bastion Test")
	require.NoError(t, err)
	factorSvc := NewFactorService(factorRepo, totpManager, log)

	rp, err := auth.NewRelyingParty("localhost", "http://localhost", "Bastion Test")
	require.NoError(t, err)
	webauthnSvc := NewWebAuthnService(rp, factorRepo, memory.NewChallengeStore(), log)

	codes := NewCodeService(memory.NewCodeStore(), notifier, log)

	tokens := auth.NewTokenManager("unit-test-secret-0123456789", 15*time.Minute, 5*time.Minute)
	sessions := NewSessionService(&MockSessionRepository{}, tokens, log)

	limiter := NewRateLimitService(memory.NewRateLimitStore(), RateLimitConfig{
		Window:          15 * time.Minute,
		MaxPerIP:        100,
		MaxPerAccount:   5,
		LockoutDuration: 30 * time.Minute,
	}, log)

	authority := NewAuthorityService(
		credentials, factorSvc, webauthnSvc, codes, sessions, limiter,
		tokens,
		auth.NewTimingDelay(auth.TimingConfig{}),
		logger.NewSecurityLogger(log, sink),
		log,
	)

	return &authorityFixture{
		authority: authority,
		accounts:  accounts,
		factors:   factorRepo,
		limiter:   limiter,
		notifier:  notifier,
		sink:      sink,
		fp:        models.Fingerprint{UserAgent: "go-test", IPAddress: "203.0.113.9"},
	}
}

func (fx *authorityFixture) register(t *testing.T, email, password string) *models.Account {
	t.Helper()
	account, err := fx.authority.Register(context.Background(), email, "Test User", password, fx.fp)
	require.NoError(t, err)
	fx.accounts.setVerified(account.ID)
	return account
}

func TestAuthority_LoginWithoutSecondFactor(t *testing.T) {
	fx := newAuthorityFixture(t, &MockFactorRepository{})
	ctx := context.Background()
	account := fx.register(t, "a@example.com", "CorrectHorse9!")

	result, err := fx.authority.Login(ctx, "a@example.com", "CorrectHorse9!", fx.fp)
	require.NoError(t, err)

	require.False(t, result.SecondFactorRequired)
	require.NotNil(t, result.Session)
	assert.Equal(t, account.ID, result.Session.Session.AccountID)
	assert.NotEmpty(t, result.Session.AccessToken)

	assert.NotEmpty(t, fx.sink.ByType(models.EventSessionIssued))
}

func TestAuthority_LoginResetsAccountFailureBudget(t *testing.T) {
	fx := newAuthorityFixture(t, &MockFactorRepository{})
	ctx := context.Background()
	fx.register(t, "a@example.com", "CorrectHorse9!")

	// Four failures plus a success uses the full budget of five admissions.
	// The success forgives the account scope, so a sixth admission passes.
	for i := 0; i < 4; i++ {
		_, err := fx.authority.Login(ctx, "a@example.com", "WrongHorse9!", fx.fp)
		require.ErrorIs(t, err, models.ErrInvalidCredential)
	}
	_, err := fx.authority.Login(ctx, "a@example.com", "CorrectHorse9!", fx.fp)
	require.NoError(t, err)

	_, err = fx.authority.Login(ctx, "a@example.com", "WrongHorse9!", fx.fp)
	assert.ErrorIs(t, err, models.ErrInvalidCredential,
		"budget should have been forgiven by the successful login")
}

func TestAuthority_LockoutThenRecovery(t *testing.T) {
	fx := newAuthorityFixture(t, &MockFactorRepository{})
	ctx := context.Background()
	fx.register(t, "a@example.com", "CorrectHorse9!")

	base := time.Now()
	fx.limiter.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		_, err := fx.authority.Login(ctx, "a@example.com", "WrongHorse9!", fx.fp)
		require.ErrorIs(t, err, models.ErrInvalidCredential, "attempt %d", i+1)
	}

	// Sixth attempt exceeds the budget; even the correct password is denied.
	_, err := fx.authority.Login(ctx, "a@example.com", "CorrectHorse9!", fx.fp)
	rl, ok := models.ErrRateLimited(err)
	require.True(t, ok, "sixth attempt should be rate limited")
	assert.Greater(t, rl.RetryAfter, time.Duration(0))
	assert.NotEmpty(t, fx.sink.ByType(models.EventLoginRateLimited))

	// After the lockout elapses the rightful owner gets back in.
	fx.limiter.now = func() time.Time { return base.Add(31 * time.Minute) }

	result, err := fx.authority.Login(ctx, "a@example.com", "CorrectHorse9!", fx.fp)
	require.NoError(t, err)
	assert.NotNil(t, result.Session)
}

func TestAuthority_LoginWithTOTPStepUp(t *testing.T) {
	factorRepo, _ := statefulFactorRepo(t)
	fx := newAuthorityFixture(t, factorRepo)
	ctx := context.Background()
	account := fx.register(t, "a@example.com", "CorrectHorse9!")

	// Enroll and confirm TOTP out of band.
	generated, err := fx.authority.BeginTOTPEnrollment(ctx, account.ID)
	require.NoError(t, err)
	code, err := totp.GenerateCode(generated.Secret, time.Now())
	require.NoError(t, err)
	_, err = fx.authority.ConfirmTOTPEnrollment(ctx, account.ID, code, fx.fp)
	require.NoError(t, err)

	result, err := fx.authority.Login(ctx, "a@example.com", "CorrectHorse9!", fx.fp)
	require.NoError(t, err)
	require.True(t, result.SecondFactorRequired)
	assert.Nil(t, result.Session)
	assert.Contains(t, result.Methods, models.FactorTOTP)
	require.NotEmpty(t, result.StepUpToken)

	// Confirmation does not arm the replay guard, so the current window's
	// code is still accepted here.
	current, err := totp.GenerateCode(generated.Secret, time.Now())
	require.NoError(t, err)

	issued, err := fx.authority.VerifySecondFactor(ctx, result.StepUpToken,
		SecondFactorProof{Method: models.FactorTOTP, Code: current}, fx.fp)
	require.NoError(t, err)
	require.NotNil(t, issued)
	assert.Equal(t, account.ID, issued.Session.AccountID)
	assert.NotEmpty(t, fx.sink.ByType(models.EventLoginSecondFactor))
}

func TestAuthority_EmailOTPStepUp(t *testing.T) {
	now := time.Now()
	factorRepo := &MockFactorRepository{
		GetTOTPEnrollmentFunc: func(ctx context.Context, accountID string) (*models.TOTPEnrollment, error) {
			return &models.TOTPEnrollment{ID: "totp_1", AccountID: accountID, ConfirmedAt: &now}, nil
		},
	}
	fx := newAuthorityFixture(t, factorRepo)
	ctx := context.Background()
	account := fx.register(t, "a@example.com", "CorrectHorse9!")

	result, err := fx.authority.Login(ctx, "a@example.com", "CorrectHorse9!", fx.fp)
	require.NoError(t, err)
	require.True(t, result.SecondFactorRequired)
	assert.Contains(t, result.Methods, models.FactorEmailOTP)

	require.NoError(t, fx.authority.SendSecondFactorCode(ctx, result.StepUpToken))
	code := fx.notifier.LastCode()
	require.Len(t, code, 6)

	issued, err := fx.authority.VerifySecondFactor(ctx, result.StepUpToken,
		SecondFactorProof{Method: models.FactorEmailOTP, Code: code}, fx.fp)
	require.NoError(t, err)
	assert.Equal(t, account.ID, issued.Session.AccountID)

	// The step-up token alone must not mint a second session with a burned
	// code.
	_, err = fx.authority.VerifySecondFactor(ctx, result.StepUpToken,
		SecondFactorProof{Method: models.FactorEmailOTP, Code: code}, fx.fp)
	assert.ErrorIs(t, err, models.ErrCodeAlreadyUsed)
}

func TestAuthority_EmailCodeRequiresVerifiedAddress(t *testing.T) {
	now := time.Now()
	factorRepo := &MockFactorRepository{
		GetTOTPEnrollmentFunc: func(ctx context.Context, accountID string) (*models.TOTPEnrollment, error) {
			return &models.TOTPEnrollment{ID: "totp_1", AccountID: accountID, ConfirmedAt: &now}, nil
		},
	}
	fx := newAuthorityFixture(t, factorRepo)
	ctx := context.Background()

	// Registered but never verified the address.
	_, err := fx.authority.Register(ctx, "a@example.com", "Test User", "CorrectHorse9!", fx.fp)
	require.NoError(t, err)

	result, err := fx.authority.Login(ctx, "a@example.com", "CorrectHorse9!", fx.fp)
	require.NoError(t, err)
	require.True(t, result.SecondFactorRequired)
	assert.NotContains(t, result.Methods, models.FactorEmailOTP)

	err = fx.authority.SendSecondFactorCode(ctx, result.StepUpToken)
	assert.ErrorIs(t, err, models.ErrEmailNotVerified)
}

func TestAuthority_BackupCodeStepUpRecordedInActivity(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	var entries []models.BackupCodeEntry
	factorRepo := &MockFactorRepository{
		GetTOTPEnrollmentFunc: func(ctx context.Context, accountID string) (*models.TOTPEnrollment, error) {
			return &models.TOTPEnrollment{ID: "totp_1", AccountID: accountID, ConfirmedAt: &now}, nil
		},
		ReplaceBackupCodesFunc: func(ctx context.Context, accountID string, hashes []string) error {
			mu.Lock()
			defer mu.Unlock()
			entries = entries[:0]
			for i, h := range hashes {
				entries = append(entries, models.BackupCodeEntry{
					ID:        fmt.Sprintf("bc_%d", i),
					AccountID: accountID,
					CodeHash:  h,
				})
			}
			return nil
		},
		ListUnusedBackupCodesFunc: func(ctx context.Context, accountID string) ([]models.BackupCodeEntry, error) {
			mu.Lock()
			defer mu.Unlock()
			out := make([]models.BackupCodeEntry, len(entries))
			copy(out, entries)
			return out, nil
		},
		ClaimBackupCodeFunc: func(ctx context.Context, id string) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			for i := range entries {
				if entries[i].ID == id {
					entries = append(entries[:i], entries[i+1:]...)
					return true, nil
				}
			}
			return false, nil
		},
	}
	fx := newAuthorityFixture(t, factorRepo)
	ctx := context.Background()
	account := fx.register(t, "a@example.com", "CorrectHorse9!")

	codes, err := fx.authority.RegenerateBackupCodes(ctx, account.ID, fx.fp)
	require.NoError(t, err)
	require.NotEmpty(t, codes)

	result, err := fx.authority.Login(ctx, "a@example.com", "CorrectHorse9!", fx.fp)
	require.NoError(t, err)
	require.True(t, result.SecondFactorRequired)

	issued, err := fx.authority.VerifySecondFactor(ctx, result.StepUpToken,
		SecondFactorProof{Method: models.FactorBackupCode, Code: codes[0]}, fx.fp)
	require.NoError(t, err)
	require.NotNil(t, issued)

	require.Len(t, fx.sink.ByType(models.EventBackupCodeConsumed), 1)

	// The consumed code shows up in the account's activity view.
	activity, err := fx.authority.SecurityActivity(ctx, account.ID, 10)
	require.NoError(t, err)
	types := make([]string, 0, len(activity))
	for _, e := range activity {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, models.EventBackupCodeConsumed)
}

func TestAuthority_StepUpTokenRequired(t *testing.T) {
	fx := newAuthorityFixture(t, &MockFactorRepository{})

	_, err := fx.authority.VerifySecondFactor(context.Background(), "not-a-token",
		SecondFactorProof{Method: models.FactorTOTP, Code: "123456"}, fx.fp)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestAuthority_PasswordResetFlow(t *testing.T) {
	fx := newAuthorityFixture(t, &MockFactorRepository{})
	ctx := context.Background()
	account := fx.register(t, "a@example.com", "OriginalPass9!")

	// Live session that should die with the reset.
	result, err := fx.authority.Login(ctx, "a@example.com", "OriginalPass9!", fx.fp)
	require.NoError(t, err)
	require.NotNil(t, result.Session)

	require.NoError(t, fx.authority.BeginPasswordReset(ctx, "a@example.com"))
	code := fx.notifier.LastCode()
	require.NotEmpty(t, code)

	require.NoError(t, fx.authority.CompletePasswordReset(ctx, "a@example.com", code, "RotatedPass9!", fx.fp))

	sessions, err := fx.authority.ListSessions(ctx, account.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions, "reset must revoke all sessions")

	_, err = fx.authority.Login(ctx, "a@example.com", "OriginalPass9!", fx.fp)
	assert.ErrorIs(t, err, models.ErrInvalidCredential)

	relogin, err := fx.authority.Login(ctx, "a@example.com", "RotatedPass9!", fx.fp)
	require.NoError(t, err)
	assert.NotNil(t, relogin.Session)

	// Reusing the consumed reset code must fail.
	require.NoError(t, fx.authority.BeginPasswordReset(ctx, "a@example.com"))
	err = fx.authority.CompletePasswordReset(ctx, "a@example.com", code, "AnotherPass9!", fx.fp)
	assert.Error(t, err)
}

func TestAuthority_PasswordResetUnknownEmailLeaksNothing(t *testing.T) {
	fx := newAuthorityFixture(t, &MockFactorRepository{})

	assert.NoError(t, fx.authority.BeginPasswordReset(context.Background(), "nobody@example.com"))
	assert.Empty(t, fx.notifier.Sent)
}

func TestAuthority_PasswordHistoryEnforcedAcrossChanges(t *testing.T) {
	fx := newAuthorityFixture(t, &MockFactorRepository{})
	ctx := context.Background()
	account := fx.register(t, "a@example.com", "Password0Aa!")

	passwords := []string{"Password1Aa!", "Password2Aa!", "Password3Aa!"}
	current := "Password0Aa!"
	for _, next := range passwords {
		require.NoError(t, fx.authority.ChangePassword(ctx, account.ID, current, next, fx.fp))
		current = next
	}

	for _, old := range []string{"Password0Aa!", "Password1Aa!", "Password2Aa!"} {
		err := fx.authority.ChangePassword(ctx, account.ID, current, old, fx.fp)
		assert.ErrorIs(t, err, models.ErrPasswordReused, "reuse of %q", old)
	}

	assert.NoError(t, fx.authority.ChangePassword(ctx, account.ID, current, "Password9Zz!", fx.fp))
}

func TestAuthority_SessionLifecycle(t *testing.T) {
	fx := newAuthorityFixture(t, &MockFactorRepository{})
	ctx := context.Background()
	account := fx.register(t, "a@example.com", "CorrectHorse9!")

	first, err := fx.authority.Login(ctx, "a@example.com", "CorrectHorse9!", fx.fp)
	require.NoError(t, err)
	second, err := fx.authority.Login(ctx, "a@example.com", "CorrectHorse9!", fx.fp)
	require.NoError(t, err)

	sessions, err := fx.authority.ListSessions(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	require.NoError(t, fx.authority.RevokeSession(ctx, account.ID, first.Session.Session.ID, fx.fp))

	// Revoking again, or revoking an unknown id, is a silent no-op.
	assert.NoError(t, fx.authority.RevokeSession(ctx, account.ID, first.Session.Session.ID, fx.fp))
	assert.NoError(t, fx.authority.RevokeSession(ctx, account.ID, "sess_unknown", fx.fp))

	sessions, err = fx.authority.ListSessions(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, second.Session.Session.ID, sessions[0].ID)

	// The revoked session no longer backs its access token.
	ok, err := fx.authority.sessions.SessionExists(ctx, first.Session.Session.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthority_DeleteAccount(t *testing.T) {
	fx := newAuthorityFixture(t, &MockFactorRepository{})
	ctx := context.Background()
	account := fx.register(t, "a@example.com", "CorrectHorse9!")

	_, err := fx.authority.Login(ctx, "a@example.com", "CorrectHorse9!", fx.fp)
	require.NoError(t, err)

	err = fx.authority.DeleteAccount(ctx, account.ID, "WrongHorse9!", fx.fp)
	assert.ErrorIs(t, err, models.ErrInvalidCredential)

	require.NoError(t, fx.authority.DeleteAccount(ctx, account.ID, "CorrectHorse9!", fx.fp))

	// Deleted accounts look unknown at login.
	_, err = fx.authority.Login(ctx, "a@example.com", "CorrectHorse9!", fx.fp)
	assert.ErrorIs(t, err, models.ErrInvalidCredential)

	allowed, err := fx.authority.Authorize(ctx, account.ID, "checkout")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestAuthority_Authorize(t *testing.T) {
	fx := newAuthorityFixture(t, &MockFactorRepository{})
	ctx := context.Background()
	account := fx.register(t, "a@example.com", "CorrectHorse9!")

	allowed, err := fx.authority.Authorize(ctx, account.ID, "checkout")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = fx.authority.Authorize(ctx, account.ID, "admin")
	require.NoError(t, err)
	assert.False(t, allowed, "customer role must not hold admin scope")

	allowed, err = fx.authority.Authorize(ctx, "acct_missing", "checkout")
	require.NoError(t, err)
	assert.False(t, allowed)
}
