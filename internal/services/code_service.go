package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/merchward/bastion/internal/models"
	"github.com/merchward/bastion/pkg/logger"
)

// CodeStore is the backing store for pending one-time email codes. Consume
// must be atomic: when two calls race on the same code value, exactly one
// succeeds and the other observes ErrCodeAlreadyUsed.
type CodeStore interface {
	Put(ctx context.Context, key string, code *models.PendingCode, ttl time.Duration) error
	Consume(ctx context.Context, key string, codeHash string) (*models.PendingCode, error)
	Delete(ctx context.Context, key string) error
}

// CodeService issues and verifies one-time email codes. One code per
// (account, purpose) is live at a time; issuing supersedes the previous code.
type CodeService struct {
	store    CodeStore
	notifier Notifier
	logger   *slog.Logger
}

const emailCodeDigits = 6

func NewCodeService(store CodeStore, notifier Notifier, log *slog.Logger) *CodeService {
	return &CodeService{
		store:    store,
		notifier: notifier,
		logger:   log,
	}
}

// Issue generates a fresh code for the account and purpose, stores its hash,
// and dispatches it to the account's email. The plaintext code exists only in
// the outgoing message.
func (s *CodeService) Issue(ctx context.Context, account *models.Account, purpose string) error {
	code, err := generateNumericCode(emailCodeDigits)
	if err != nil {
		return fmt.Errorf("failed to generate code: %w", err)
	}

	pending := &models.PendingCode{
		AccountID: account.ID,
		CodeHash:  hashCode(code),
		Purpose:   purpose,
		ExpiresAt: time.Now().Add(models.EmailCodeTTL),
	}

	if err := s.store.Put(ctx, codeKey(account.ID, purpose), pending, models.EmailCodeTTL); err != nil {
		return fmt.Errorf("failed to store pending code: %w", err)
	}

	if err := s.notifier.SendCode(ctx, account.Email, purpose, code); err != nil {
		// The stored hash is useless to an attacker; leave it to expire.
		return err
	}

	s.logger.Info("one-time code issued",
		slog.String("account_id", account.ID),
		slog.String("purpose", purpose),
		slog.String("email", logger.SanitizedEmail(account.Email)))

	return nil
}

// Verify consumes the pending code for (account, purpose) if the submitted
// value matches. Expired or never-issued codes return ErrCodeExpired; a
// replayed code returns ErrCodeAlreadyUsed; a wrong value returns
// ErrInvalidCredential and leaves the pending code intact.
func (s *CodeService) Verify(ctx context.Context, accountID, purpose, code string) error {
	_, err := s.store.Consume(ctx, codeKey(accountID, purpose), hashCode(code))
	return err
}

// Invalidate drops any pending code for the account and purpose.
func (s *CodeService) Invalidate(ctx context.Context, accountID, purpose string) error {
	return s.store.Delete(ctx, codeKey(accountID, purpose))
}

// codeKey namespaces codes by purpose so a password-reset code can never
// satisfy a 2FA verification.
func codeKey(accountID, purpose string) string {
	return fmt.Sprintf("%s:%s", purpose, accountID)
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// generateNumericCode returns a uniformly random n-digit decimal code,
// zero-padded.
func generateNumericCode(n int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	v, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", n, v), nil
}
