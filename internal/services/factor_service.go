package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/merchward/bastion/internal/auth"
	"github.com/merchward/bastion/internal/models"
	pkgauth "github.com/merchward/bastion/pkg/auth"
)

// BackupCodeCount is how many recovery codes a generation produces.
const BackupCodeCount = 10

// FactorRepository defines the persistence operations for second factors.
type FactorRepository interface {
	CreateTOTPEnrollment(ctx context.Context, enrollment *models.TOTPEnrollment) error
	GetTOTPEnrollment(ctx context.Context, accountID string) (*models.TOTPEnrollment, error)
	ConfirmTOTPEnrollment(ctx context.Context, enrollmentID string) error
	TouchTOTPEnrollment(ctx context.Context, enrollmentID string) error
	DeleteTOTPEnrollment(ctx context.Context, accountID string) error
	ListWebAuthnCredentials(ctx context.Context, accountID string) ([]models.WebAuthnCredential, error)
	ReplaceBackupCodes(ctx context.Context, accountID string, codeHashes []string) error
	ListUnusedBackupCodes(ctx context.Context, accountID string) ([]models.BackupCodeEntry, error)
	ClaimBackupCode(ctx context.Context, id string) (bool, error)
	CountUnusedBackupCodes(ctx context.Context, accountID string) (int, error)
}

// FactorService manages TOTP enrollment and verification, backup codes, and
// the per-account factor inventory the authority consults during login.
type FactorService struct {
	factors FactorRepository
	totp    *auth.TOTPManager
	logger  *slog.Logger
}

func NewFactorService(factors FactorRepository, totp *auth.TOTPManager, log *slog.Logger) *FactorService {
	return &FactorService{
		factors: factors,
		totp:    totp,
		logger:  log,
	}
}

// BeginTOTPEnrollment generates a fresh secret for the account and stores it
// as a pending enrollment. The plaintext secret and provisioning QR code are
// returned to the caller exactly once. A confirmed enrollment already in
// place returns ErrConflict; a pending one is superseded.
func (s *FactorService) BeginTOTPEnrollment(ctx context.Context, account *models.Account) (*auth.GeneratedSecret, error) {
	generated, err := s.totp.GenerateSecret(account.Email)
	if err != nil {
		return nil, err
	}

	enrollment := &models.TOTPEnrollment{
		AccountID:       account.ID,
		SecretEncrypted: generated.Encrypted,
		SecretNonce:     generated.Nonce,
	}
	if err := s.factors.CreateTOTPEnrollment(ctx, enrollment); err != nil {
		return nil, err
	}

	s.logger.Info("totp enrollment started", slog.String("account_id", account.ID))
	return generated, nil
}

// ConfirmTOTPEnrollment commits a pending enrollment once the caller proves
// possession of the secret with a valid code. On success a fresh set of
// backup codes is generated; the plaintext codes are returned exactly once.
func (s *FactorService) ConfirmTOTPEnrollment(ctx context.Context, accountID, code string) ([]string, error) {
	enrollment, err := s.factors.GetTOTPEnrollment(ctx, accountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrFactorNotEnrolled
		}
		return nil, err
	}
	if enrollment.IsConfirmed() {
		return nil, models.ErrConflict
	}

	valid, err := s.validateCode(enrollment, code)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, models.ErrInvalidCredential
	}

	if err := s.factors.ConfirmTOTPEnrollment(ctx, enrollment.ID); err != nil {
		return nil, err
	}

	codes, err := s.regenerateBackupCodes(ctx, accountID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("totp enrollment confirmed", slog.String("account_id", accountID))
	return codes, nil
}

// VerifyTOTP checks a code against the account's confirmed enrollment. A code
// inside the replay window of the previous success is rejected.
func (s *FactorService) VerifyTOTP(ctx context.Context, accountID, code string) error {
	enrollment, err := s.factors.GetTOTPEnrollment(ctx, accountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrFactorNotEnrolled
		}
		return err
	}
	if !enrollment.IsConfirmed() {
		return models.ErrFactorNotEnrolled
	}

	valid, err := s.validateCode(enrollment, code)
	if err != nil {
		return err
	}
	if !valid {
		return models.ErrInvalidCredential
	}

	// Advances the replay guard; failure here must not fail the login.
	if err := s.factors.TouchTOTPEnrollment(ctx, enrollment.ID); err != nil {
		s.logger.Error("failed to record totp use",
			slog.String("account_id", accountID),
			slog.Any("error", err))
	}
	return nil
}

// RemoveTOTP drops the account's TOTP enrollment, pending or confirmed.
func (s *FactorService) RemoveTOTP(ctx context.Context, accountID string) error {
	if err := s.factors.DeleteTOTPEnrollment(ctx, accountID); err != nil {
		return err
	}
	s.logger.Info("totp enrollment removed", slog.String("account_id", accountID))
	return nil
}

// RegenerateBackupCodes replaces all unused codes with a fresh set. Previously
// issued codes stop working immediately.
func (s *FactorService) RegenerateBackupCodes(ctx context.Context, accountID string) ([]string, error) {
	codes, err := s.regenerateBackupCodes(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("backup codes regenerated", slog.String("account_id", accountID))
	return codes, nil
}

func (s *FactorService) regenerateBackupCodes(ctx context.Context, accountID string) ([]string, error) {
	codes, err := auth.GenerateBackupCodes(BackupCodeCount)
	if err != nil {
		return nil, err
	}

	hashes := make([]string, len(codes))
	for i, c := range codes {
		h, err := pkgauth.HashPassword(c)
		if err != nil {
			return nil, fmt.Errorf("failed to hash backup code: %w", err)
		}
		hashes[i] = h
	}

	if err := s.factors.ReplaceBackupCodes(ctx, accountID, hashes); err != nil {
		return nil, err
	}
	return codes, nil
}

// ConsumeBackupCode burns a single recovery code. The claim is a conditional
// update, so two concurrent submissions of the same code produce exactly one
// success; the loser sees ErrCodeAlreadyUsed.
func (s *FactorService) ConsumeBackupCode(ctx context.Context, accountID, code string) error {
	code = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))

	entries, err := s.factors.ListUnusedBackupCodes(ctx, accountID)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if pkgauth.ComparePassword(entry.CodeHash, code) != nil {
			continue
		}

		claimed, err := s.factors.ClaimBackupCode(ctx, entry.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return models.ErrCodeAlreadyUsed
		}

		s.logger.Info("backup code consumed", slog.String("account_id", accountID))
		return nil
	}

	return models.ErrInvalidCredential
}

// FactorSet assembles the account's second-factor inventory. Email codes are
// offered only when the address is verified.
func (s *FactorService) FactorSet(ctx context.Context, account *models.Account) (*models.FactorSet, error) {
	set := &models.FactorSet{
		EmailOTPUsable: account.EmailVerified,
	}

	enrollment, err := s.factors.GetTOTPEnrollment(ctx, account.ID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if enrollment != nil && enrollment.IsConfirmed() {
		set.TOTP = enrollment
	}

	creds, err := s.factors.ListWebAuthnCredentials(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	set.WebAuthn = creds

	unused, err := s.factors.CountUnusedBackupCodes(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	set.UnusedBackup = unused

	return set, nil
}

func (s *FactorService) validateCode(enrollment *models.TOTPEnrollment, code string) (bool, error) {
	secret, err := s.totp.DecryptSecret(enrollment.SecretEncrypted, enrollment.SecretNonce)
	if err != nil {
		return false, err
	}

	var lastUsed *time.Time
	if enrollment.IsConfirmed() {
		lastUsed = enrollment.LastUsedAt
	}
	return s.totp.Validate(string(secret), code, lastUsed)
}
