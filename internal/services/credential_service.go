package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/merchward/bastion/internal/models"
	"github.com/merchward/bastion/pkg/auth"
	"github.com/merchward/bastion/pkg/logger"
)

// AccountRepository defines the persistence operations the credential
// service needs.
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) (*models.Account, error)
	GetByID(ctx context.Context, id string) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetPasswordHistory(ctx context.Context, accountID string) ([]string, error)
	UpdatePassword(ctx context.Context, accountID, newHash string) error
	SetEmailVerified(ctx context.Context, accountID string) error
	UpdateStatus(ctx context.Context, accountID, status string) error
}

// CredentialService owns password verification and rotation. It is the only
// component that reads or writes password hashes.
type CredentialService struct {
	accounts AccountRepository
	logger   *slog.Logger
}

// dummyHash is compared against when the account does not exist so that
// lookups for unknown emails cost the same as a real bcrypt comparison.
var dummyHash = func() string {
	h, err := auth.HashPassword("equalize-timing-placeholder-1")
	if err != nil {
		panic(fmt.Sprintf("failed to precompute dummy hash: %v", err))
	}
	return h
}()

func NewCredentialService(accounts AccountRepository, logger *slog.Logger) *CredentialService {
	return &CredentialService{
		accounts: accounts,
		logger:   logger,
	}
}

// Register creates an account with an initial password. The email is stored
// lowercased; verification state starts false.
func (s *CredentialService) Register(ctx context.Context, email, displayName, password string) (*models.Account, error) {
	email = normalizeEmail(email)

	if err := auth.ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account, err := s.accounts.Create(ctx, &models.Account{
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hash,
		Role:         "customer",
		Status:       models.AccountStatusActive,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("account registered",
		slog.String("account_id", account.ID),
		slog.String("email", logger.SanitizedEmail(account.Email)))

	return account, nil
}

// VerifyPassword checks the password for the account identified by email.
// Unknown email and wrong password both return ErrInvalidCredential so the
// response cannot be used to probe for account existence. Account status is
// only revealed after the password verifies.
func (s *CredentialService) VerifyPassword(ctx context.Context, email, password string) (*models.Account, error) {
	account, err := s.accounts.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			_ = auth.ComparePassword(dummyHash, password)
			return nil, models.ErrInvalidCredential
		}
		return nil, err
	}

	if err := auth.ComparePassword(account.PasswordHash, password); err != nil {
		return nil, models.ErrInvalidCredential
	}

	switch account.Status {
	case models.AccountStatusDisabled:
		return nil, models.ErrAccountDisabled
	case models.AccountStatusDeleted:
		return nil, models.ErrAccountDeleted
	}

	return account, nil
}

// ReauthenticateByID checks the password for an already-identified account.
// Used for destructive operations that demand fresh proof of the password.
func (s *CredentialService) ReauthenticateByID(ctx context.Context, accountID, password string) error {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if err := auth.ComparePassword(account.PasswordHash, password); err != nil {
		return models.ErrInvalidCredential
	}
	return nil
}

// ChangePassword rotates the password after verifying the current one.
func (s *CredentialService) ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string) error {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}

	if err := auth.ComparePassword(account.PasswordHash, currentPassword); err != nil {
		return models.ErrInvalidCredential
	}

	return s.rotatePassword(ctx, account, newPassword)
}

// SetPassword rotates the password without a current-password check. Callers
// must have already proven control of the account through a reset flow.
func (s *CredentialService) SetPassword(ctx context.Context, accountID, newPassword string) error {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	return s.rotatePassword(ctx, account, newPassword)
}

// rotatePassword enforces history: the new password may not match the current
// hash or any retained prior hash. Hashes are salted, so each entry needs its
// own bcrypt comparison.
func (s *CredentialService) rotatePassword(ctx context.Context, account *models.Account, newPassword string) error {
	if err := auth.ValidatePassword(newPassword); err != nil {
		return err
	}

	if auth.ComparePassword(account.PasswordHash, newPassword) == nil {
		return models.ErrPasswordReused
	}

	history, err := s.accounts.GetPasswordHistory(ctx, account.ID)
	if err != nil {
		return err
	}
	for _, oldHash := range history {
		if auth.ComparePassword(oldHash, newPassword) == nil {
			return models.ErrPasswordReused
		}
	}

	newHash, err := auth.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := s.accounts.UpdatePassword(ctx, account.ID, newHash); err != nil {
		return err
	}

	s.logger.Info("password rotated", slog.String("account_id", account.ID))
	return nil
}

func (s *CredentialService) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	return s.accounts.GetByID(ctx, accountID)
}

func (s *CredentialService) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return s.accounts.GetByEmail(ctx, normalizeEmail(email))
}

// MarkEmailVerified flips the verification flag.
func (s *CredentialService) MarkEmailVerified(ctx context.Context, accountID string) error {
	return s.accounts.SetEmailVerified(ctx, accountID)
}

// Disable blocks future authentication without destroying the account.
func (s *CredentialService) Disable(ctx context.Context, accountID string) error {
	return s.accounts.UpdateStatus(ctx, accountID, models.AccountStatusDisabled)
}

// MarkDeleted transitions the account to the terminal deleted status. The row
// is retained so security events keep a valid subject.
func (s *CredentialService) MarkDeleted(ctx context.Context, accountID string) error {
	return s.accounts.UpdateStatus(ctx, accountID, models.AccountStatusDeleted)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
