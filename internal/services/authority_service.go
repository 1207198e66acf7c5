package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/duo-labs/webauthn/protocol"

	"github.com/merchward/bastion/internal/auth"
	"github.com/merchward/bastion/internal/models"
	"github.com/merchward/bastion/pkg/logger"
)

// maxActivityEvents caps a single page of the account activity view.
const maxActivityEvents = 50

// AuthorityService is the single entry point for everything that touches
// credentials, factors, or sessions. Route handlers never reach the
// underlying stores directly; each operation here runs the full admission,
// verification, and audit sequence.
type AuthorityService struct {
	credentials *CredentialService
	factors     *FactorService
	webauthn    *WebAuthnService
	codes       *CodeService
	sessions    *SessionService
	limiter     *RateLimitService
	tokens      *auth.TokenManager
	timing      *auth.TimingDelay
	security    *logger.SecurityLogger
	logger      *slog.Logger
}

func NewAuthorityService(
	credentials *CredentialService,
	factors *FactorService,
	webauthnSvc *WebAuthnService,
	codes *CodeService,
	sessions *SessionService,
	limiter *RateLimitService,
	tokens *auth.TokenManager,
	timing *auth.TimingDelay,
	security *logger.SecurityLogger,
	log *slog.Logger,
) *AuthorityService {
	return &AuthorityService{
		credentials: credentials,
		factors:     factors,
		webauthn:    webauthnSvc,
		codes:       codes,
		sessions:    sessions,
		limiter:     limiter,
		tokens:      tokens,
		timing:      timing,
		security:    security,
		logger:      log,
	}
}

// LoginResult is the outcome of a password check. Either a session was
// issued, or a second factor is required and the step-up token must accompany
// the follow-up proof.
type LoginResult struct {
	SecondFactorRequired bool
	Methods              []string
	StepUpToken          string
	Session              *IssuedSession
}

// SecondFactorProof carries exactly one method's evidence. Code serves TOTP,
// email codes, and backup codes; WebAuthnResponse carries the raw assertion
// body for the webauthn method.
type SecondFactorProof struct {
	Method           string
	Code             string
	WebAuthnResponse io.Reader
}

// Register creates a new account and dispatches an email verification code.
// Failure to deliver the code does not fail the signup; verification can be
// re-requested.
func (s *AuthorityService) Register(ctx context.Context, email, displayName, password string, fp models.Fingerprint) (*models.Account, error) {
	account, err := s.credentials.Register(ctx, email, displayName, password)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, models.EventAccountRegistered, &account.ID, models.OutcomeSuccess, fp, nil)

	if err := s.codes.Issue(ctx, account, models.CodePurposeEmailVerify); err != nil {
		s.logger.Error("failed to dispatch verification code after signup",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
	}

	return account, nil
}

// Login runs the password stage of the login state machine. Rate limits are
// consulted for both scopes before the password is ever checked; the
// per-account scope is keyed by submitted email so unknown accounts burn the
// same budget as real ones.
func (s *AuthorityService) Login(ctx context.Context, email, password string, fp models.Fingerprint) (*LoginResult, error) {
	start := time.Now()

	if err := s.admit(ctx, email, fp); err != nil {
		return nil, err
	}

	account, err := s.credentials.VerifyPassword(ctx, email, password)
	if err != nil {
		if errors.Is(err, models.ErrInvalidCredential) ||
			errors.Is(err, models.ErrAccountDisabled) ||
			errors.Is(err, models.ErrAccountDeleted) {
			s.emit(ctx, models.EventLoginPassword, nil, models.OutcomeFailure, fp,
				models.EventMetadata{"reason": failureReason(err)})
			s.timing.WaitFrom(start, false)
		}
		return nil, err
	}

	factors, err := s.factors.FactorSet(ctx, account)
	if err != nil {
		return nil, err
	}

	if factors.Enrolled() {
		stepUp, err := s.tokens.GenerateStepUpToken(account.ID)
		if err != nil {
			return nil, err
		}

		s.emit(ctx, models.EventLoginPassword, &account.ID, models.OutcomeSuccess, fp,
			models.EventMetadata{"step_up": "required"})
		s.timing.WaitFrom(start, true)

		return &LoginResult{
			SecondFactorRequired: true,
			Methods:              factors.Methods(),
			StepUpToken:          stepUp,
		}, nil
	}

	issued, err := s.issueSession(ctx, account, fp)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, models.EventLoginPassword, &account.ID, models.OutcomeSuccess, fp, nil)
	s.timing.WaitFrom(start, true)

	return &LoginResult{Session: issued}, nil
}

// SendSecondFactorCode dispatches an email one-time code for a pending
// step-up. Only available once the password stage has passed, and only for
// verified addresses.
func (s *AuthorityService) SendSecondFactorCode(ctx context.Context, stepUpToken string) error {
	account, err := s.stepUpAccount(ctx, stepUpToken)
	if err != nil {
		return err
	}
	if !account.EmailVerified {
		return models.ErrEmailNotVerified
	}
	return s.codes.Issue(ctx, account, models.CodePurposeEmail2FA)
}

// BeginWebAuthnLogin opens the assertion ceremony for a pending step-up.
func (s *AuthorityService) BeginWebAuthnLogin(ctx context.Context, stepUpToken string) (*protocol.CredentialAssertion, error) {
	account, err := s.stepUpAccount(ctx, stepUpToken)
	if err != nil {
		return nil, err
	}
	return s.webauthn.BeginAuthentication(ctx, account)
}

// VerifySecondFactor completes the login state machine: exactly one method's
// proof is checked, and on success a session is issued and the account's
// failure budget is forgiven.
func (s *AuthorityService) VerifySecondFactor(ctx context.Context, stepUpToken string, proof SecondFactorProof, fp models.Fingerprint) (*IssuedSession, error) {
	start := time.Now()

	account, err := s.stepUpAccount(ctx, stepUpToken)
	if err != nil {
		return nil, err
	}

	if err := s.admit(ctx, account.Email, fp); err != nil {
		return nil, err
	}

	if err := s.verifyProof(ctx, account, proof); err != nil {
		outcome := models.OutcomeFailure
		eventType := models.EventLoginSecondFactor
		if errors.Is(err, models.ErrCounterRegressed) {
			eventType = models.EventCounterRegression
		}
		s.emit(ctx, eventType, &account.ID, outcome, fp,
			models.EventMetadata{"method": proof.Method, "reason": failureReason(err)})
		s.timing.WaitFrom(start, false)
		return nil, err
	}

	s.emit(ctx, models.EventLoginSecondFactor, &account.ID, models.OutcomeSuccess, fp,
		models.EventMetadata{"method": proof.Method})
	if proof.Method == models.FactorBackupCode {
		// A consumed code permanently shrinks the remaining recovery budget.
		s.emit(ctx, models.EventBackupCodeConsumed, &account.ID, models.OutcomeSuccess, fp, nil)
	}

	issued, err := s.issueSession(ctx, account, fp)
	if err != nil {
		return nil, err
	}
	s.timing.WaitFrom(start, true)

	return issued, nil
}

func (s *AuthorityService) verifyProof(ctx context.Context, account *models.Account, proof SecondFactorProof) error {
	switch proof.Method {
	case models.FactorTOTP:
		return s.factors.VerifyTOTP(ctx, account.ID, proof.Code)
	case models.FactorEmailOTP:
		return s.codes.Verify(ctx, account.ID, models.CodePurposeEmail2FA, proof.Code)
	case models.FactorBackupCode:
		return s.factors.ConsumeBackupCode(ctx, account.ID, proof.Code)
	case models.FactorWebAuthn:
		if proof.WebAuthnResponse == nil {
			return models.ErrBadRequest
		}
		_, err := s.webauthn.FinishAuthentication(ctx, account, proof.WebAuthnResponse)
		return err
	default:
		return models.ErrBadRequest
	}
}

// Authorize is the capability check consumed by the surrounding commerce
// surfaces: it answers whether the account may act under the given scope.
func (s *AuthorityService) Authorize(ctx context.Context, accountID, scope string) (bool, error) {
	account, err := s.credentials.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !account.IsActive() {
		return false, nil
	}
	if scope == "admin" && account.Role != "admin" {
		return false, nil
	}
	return true, nil
}

// ChangePassword rotates the password for a logged-in account.
func (s *AuthorityService) ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string, fp models.Fingerprint) error {
	if err := s.credentials.ChangePassword(ctx, accountID, currentPassword, newPassword); err != nil {
		if errors.Is(err, models.ErrInvalidCredential) || errors.Is(err, models.ErrPasswordReused) {
			s.emit(ctx, models.EventPasswordChanged, &accountID, models.OutcomeFailure, fp,
				models.EventMetadata{"reason": failureReason(err)})
		}
		return err
	}

	s.emit(ctx, models.EventPasswordChanged, &accountID, models.OutcomeSuccess, fp, nil)
	return nil
}

// BeginPasswordReset issues a reset code if the email belongs to an account.
// The response is identical either way so the endpoint cannot be used to
// enumerate accounts.
func (s *AuthorityService) BeginPasswordReset(ctx context.Context, email string) error {
	account, err := s.credentials.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("password reset requested for unknown email")
			return nil
		}
		return err
	}
	return s.codes.Issue(ctx, account, models.CodePurposePasswordReset)
}

// CompletePasswordReset consumes the reset code, rotates the password, and
// revokes every session. Proving control of the email also clears the
// account's failure budget so the rightful owner is not punished for an
// attacker's guesses.
func (s *AuthorityService) CompletePasswordReset(ctx context.Context, email, code, newPassword string, fp models.Fingerprint) error {
	account, err := s.credentials.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrInvalidCredential
		}
		return err
	}

	if err := s.codes.Verify(ctx, account.ID, models.CodePurposePasswordReset, code); err != nil {
		s.emit(ctx, models.EventPasswordReset, &account.ID, models.OutcomeFailure, fp,
			models.EventMetadata{"reason": failureReason(err)})
		return err
	}

	if err := s.credentials.SetPassword(ctx, account.ID, newPassword); err != nil {
		return err
	}

	if _, err := s.sessions.RevokeAll(ctx, account.ID); err != nil {
		s.logger.Error("failed to revoke sessions after password reset",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
	}
	if err := s.limiter.Reset(ctx, account.Email, models.ScopePerAccount); err != nil {
		s.logger.Error("failed to reset rate limit after password reset",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
	}

	s.emit(ctx, models.EventPasswordReset, &account.ID, models.OutcomeSuccess, fp, nil)
	return nil
}

// RequestEmailVerification re-issues the email verification code.
func (s *AuthorityService) RequestEmailVerification(ctx context.Context, accountID string) error {
	account, err := s.credentials.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if account.EmailVerified {
		return models.ErrConflict
	}
	return s.codes.Issue(ctx, account, models.CodePurposeEmailVerify)
}

// ConfirmEmailVerification consumes the verification code and marks the
// address verified, which also makes email codes usable as a second factor.
func (s *AuthorityService) ConfirmEmailVerification(ctx context.Context, accountID, code string, fp models.Fingerprint) error {
	if err := s.codes.Verify(ctx, accountID, models.CodePurposeEmailVerify, code); err != nil {
		return err
	}
	if err := s.credentials.MarkEmailVerified(ctx, accountID); err != nil {
		return err
	}
	s.emit(ctx, models.EventEmailVerified, &accountID, models.OutcomeSuccess, fp, nil)
	return nil
}

// BeginTOTPEnrollment starts a pending TOTP enrollment for the account.
func (s *AuthorityService) BeginTOTPEnrollment(ctx context.Context, accountID string) (*auth.GeneratedSecret, error) {
	account, err := s.credentials.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.factors.BeginTOTPEnrollment(ctx, account)
}

// ConfirmTOTPEnrollment commits the pending enrollment and returns the
// account's fresh backup codes.
func (s *AuthorityService) ConfirmTOTPEnrollment(ctx context.Context, accountID, code string, fp models.Fingerprint) ([]string, error) {
	codes, err := s.factors.ConfirmTOTPEnrollment(ctx, accountID, code)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, models.EventFactorEnrolled, &accountID, models.OutcomeSuccess, fp,
		models.EventMetadata{"method": models.FactorTOTP})
	return codes, nil
}

// RemoveTOTP drops the TOTP factor after fresh password proof.
func (s *AuthorityService) RemoveTOTP(ctx context.Context, accountID, password string, fp models.Fingerprint) error {
	if err := s.credentials.ReauthenticateByID(ctx, accountID, password); err != nil {
		return err
	}
	if err := s.factors.RemoveTOTP(ctx, accountID); err != nil {
		return err
	}
	s.emit(ctx, models.EventFactorRemoved, &accountID, models.OutcomeSuccess, fp,
		models.EventMetadata{"method": models.FactorTOTP})
	return nil
}

// RegenerateBackupCodes replaces the unused backup code set.
func (s *AuthorityService) RegenerateBackupCodes(ctx context.Context, accountID string, fp models.Fingerprint) ([]string, error) {
	codes, err := s.factors.RegenerateBackupCodes(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, models.EventFactorEnrolled, &accountID, models.OutcomeSuccess, fp,
		models.EventMetadata{"method": models.FactorBackupCode})
	return codes, nil
}

// BeginWebAuthnRegistration opens a registration ceremony for the account.
func (s *AuthorityService) BeginWebAuthnRegistration(ctx context.Context, accountID string) (*protocol.CredentialCreation, error) {
	account, err := s.credentials.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.webauthn.BeginRegistration(ctx, account)
}

// FinishWebAuthnRegistration verifies the attestation and stores the
// credential under the given friendly name.
func (s *AuthorityService) FinishWebAuthnRegistration(ctx context.Context, accountID, name string, response io.Reader, fp models.Fingerprint) (*models.WebAuthnCredential, error) {
	account, err := s.credentials.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	cred, err := s.webauthn.FinishRegistration(ctx, account, name, response)
	if err != nil {
		s.emit(ctx, models.EventFactorEnrolled, &accountID, models.OutcomeFailure, fp,
			models.EventMetadata{"method": models.FactorWebAuthn, "reason": failureReason(err)})
		return nil, err
	}

	s.emit(ctx, models.EventFactorEnrolled, &accountID, models.OutcomeSuccess, fp,
		models.EventMetadata{"method": models.FactorWebAuthn})
	return cred, nil
}

// ListWebAuthnCredentials returns the account's registered authenticators.
func (s *AuthorityService) ListWebAuthnCredentials(ctx context.Context, accountID string) ([]models.WebAuthnCredential, error) {
	return s.webauthn.ListCredentials(ctx, accountID)
}

// RemoveWebAuthnCredential unregisters an authenticator after fresh password
// proof.
func (s *AuthorityService) RemoveWebAuthnCredential(ctx context.Context, accountID, credentialID, password string, fp models.Fingerprint) error {
	if err := s.credentials.ReauthenticateByID(ctx, accountID, password); err != nil {
		return err
	}
	if err := s.webauthn.RemoveCredential(ctx, accountID, credentialID); err != nil {
		return err
	}
	s.emit(ctx, models.EventFactorRemoved, &accountID, models.OutcomeSuccess, fp,
		models.EventMetadata{"method": models.FactorWebAuthn})
	return nil
}

// ListSessions returns the account's live sessions.
func (s *AuthorityService) ListSessions(ctx context.Context, accountID string) ([]models.Session, error) {
	return s.sessions.List(ctx, accountID)
}

// RevokeSession terminates one session; unknown ids succeed silently.
func (s *AuthorityService) RevokeSession(ctx context.Context, accountID, sessionID string, fp models.Fingerprint) error {
	if err := s.sessions.Revoke(ctx, accountID, sessionID); err != nil {
		return err
	}
	s.emit(ctx, models.EventSessionRevoked, &accountID, models.OutcomeSuccess, fp,
		models.EventMetadata{"session_id": sessionID})
	return nil
}

// RevokeAllSessions terminates every session for the account.
func (s *AuthorityService) RevokeAllSessions(ctx context.Context, accountID string, fp models.Fingerprint) (int64, error) {
	n, err := s.sessions.RevokeAll(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.emit(ctx, models.EventSessionRevoked, &accountID, models.OutcomeSuccess, fp,
			models.EventMetadata{"scope": "all"})
	}
	return n, nil
}

// TouchSession records activity on a session outside the request path, e.g.
// when another service acts on the session's behalf.
func (s *AuthorityService) TouchSession(ctx context.Context, sessionID string) error {
	return s.sessions.Touch(ctx, sessionID)
}

// DeleteAccount transitions the account to its terminal state after fresh
// password proof, revoking all sessions. The row survives so the audit trail
// keeps a subject.
func (s *AuthorityService) DeleteAccount(ctx context.Context, accountID, password string, fp models.Fingerprint) error {
	if err := s.credentials.ReauthenticateByID(ctx, accountID, password); err != nil {
		return err
	}

	if err := s.credentials.MarkDeleted(ctx, accountID); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAll(ctx, accountID); err != nil {
		s.logger.Error("failed to revoke sessions after account deletion",
			slog.String("account_id", accountID),
			slog.Any("error", err))
	}

	s.emit(ctx, models.EventAccountDeleted, &accountID, models.OutcomeSuccess, fp, nil)
	return nil
}

// GetAccount exposes the profile for authenticated reads.
func (s *AuthorityService) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	return s.credentials.GetByID(ctx, accountID)
}

// SecurityActivity returns the account's recent audit trail, newest first.
func (s *AuthorityService) SecurityActivity(ctx context.Context, accountID string, limit int) ([]models.SecurityEvent, error) {
	if limit <= 0 || limit > maxActivityEvents {
		limit = maxActivityEvents
	}
	return s.security.Recent(ctx, accountID, limit)
}

// FactorSummary reports which second-factor methods the account can exercise.
func (s *AuthorityService) FactorSummary(ctx context.Context, accountID string) (*models.FactorSet, error) {
	account, err := s.credentials.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.factors.FactorSet(ctx, account)
}

// admit consults both rate limit scopes; either denial short-circuits.
func (s *AuthorityService) admit(ctx context.Context, email string, fp models.Fingerprint) error {
	if err := s.limiter.Admit(ctx, fp.IPAddress, models.ScopePerIP); err != nil {
		s.emit(ctx, models.EventLoginRateLimited, nil, models.OutcomeDenied, fp,
			models.EventMetadata{"scope": string(models.ScopePerIP)})
		return err
	}
	if err := s.limiter.Admit(ctx, normalizeEmail(email), models.ScopePerAccount); err != nil {
		s.emit(ctx, models.EventLoginRateLimited, nil, models.OutcomeDenied, fp,
			models.EventMetadata{"scope": string(models.ScopePerAccount)})
		return err
	}
	return nil
}

// issueSession mints the session and forgives the account's failure budget.
// Only the account scope resets; the IP scope keeps counting, since a shared
// address may still be attacking other accounts.
func (s *AuthorityService) issueSession(ctx context.Context, account *models.Account, fp models.Fingerprint) (*IssuedSession, error) {
	issued, err := s.sessions.Issue(ctx, account.ID, fp)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.Reset(ctx, account.Email, models.ScopePerAccount); err != nil {
		s.logger.Error("failed to reset rate limit after login",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
	}

	s.emit(ctx, models.EventSessionIssued, &account.ID, models.OutcomeSuccess, fp,
		models.EventMetadata{"session_id": issued.Session.ID})
	return issued, nil
}

func (s *AuthorityService) stepUpAccount(ctx context.Context, stepUpToken string) (*models.Account, error) {
	claims, err := s.tokens.ValidateStepUpToken(stepUpToken)
	if err != nil {
		return nil, models.ErrUnauthorized
	}

	account, err := s.credentials.GetByID(ctx, claims.AccountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUnauthorized
		}
		return nil, err
	}
	if !account.IsActive() {
		return nil, models.ErrUnauthorized
	}
	return account, nil
}

func (s *AuthorityService) emit(ctx context.Context, eventType string, accountID *string, outcome string, fp models.Fingerprint, metadata models.EventMetadata) {
	event := &models.SecurityEvent{
		EventType: eventType,
		AccountID: accountID,
		Outcome:   outcome,
		Metadata:  metadata,
	}
	if fp.IPAddress != "" {
		ip := fp.IPAddress
		event.IPAddress = &ip
	}
	if fp.UserAgent != "" {
		ua := fp.UserAgent
		event.UserAgent = &ua
	}
	s.security.Emit(ctx, event)
}

// failureReason maps internal errors to the reason strings recorded in
// security events. Raw error text never reaches the event stream.
func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, models.ErrAccountDisabled):
		return "account_disabled"
	case errors.Is(err, models.ErrAccountDeleted):
		return "account_deleted"
	case errors.Is(err, models.ErrFactorNotEnrolled):
		return "factor_not_enrolled"
	case errors.Is(err, models.ErrChallengeExpired):
		return "challenge_expired"
	case errors.Is(err, models.ErrChallengeMismatch):
		return "challenge_mismatch"
	case errors.Is(err, models.ErrCounterRegressed):
		return "counter_regressed"
	case errors.Is(err, models.ErrCodeExpired):
		return "code_expired"
	case errors.Is(err, models.ErrCodeAlreadyUsed):
		return "code_already_used"
	case errors.Is(err, models.ErrPasswordReused):
		return "password_reused"
	case errors.Is(err, models.ErrBadRequest):
		return "malformed_input"
	default:
		return "internal_error"
	}
}
