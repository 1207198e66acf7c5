package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/duo-labs/webauthn/protocol"
	"github.com/duo-labs/webauthn/webauthn"

	"github.com/merchward/bastion/internal/auth"
	"github.com/merchward/bastion/internal/models"
)

// ChallengeStore holds in-flight ceremony session data. Put supersedes any
// live challenge under the same key; Take consumes, so a challenge can
// validate at most one finishing call.
type ChallengeStore interface {
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Take(ctx context.Context, key string) ([]byte, error)
}

// WebAuthnCredentialRepository defines the persistence operations for
// registered authenticators.
type WebAuthnCredentialRepository interface {
	CreateWebAuthnCredential(ctx context.Context, cred *models.WebAuthnCredential) error
	ListWebAuthnCredentials(ctx context.Context, accountID string) ([]models.WebAuthnCredential, error)
	UpdateWebAuthnCounter(ctx context.Context, id string, signCount uint32) error
	DeleteWebAuthnCredential(ctx context.Context, accountID, id string) error
}

// WebAuthnService runs registration and authentication ceremonies. The
// challenge half-ceremony lives in the challenge store; all signature and
// origin verification is delegated to the relying-party library.
type WebAuthnService struct {
	rp         *webauthn.WebAuthn
	creds      WebAuthnCredentialRepository
	challenges ChallengeStore
	logger     *slog.Logger
}

func NewWebAuthnService(rp *webauthn.WebAuthn, creds WebAuthnCredentialRepository, challenges ChallengeStore, log *slog.Logger) *WebAuthnService {
	return &WebAuthnService{
		rp:         rp,
		creds:      creds,
		challenges: challenges,
		logger:     log,
	}
}

// BeginRegistration opens a registration ceremony. Already-registered
// credential ids are sent as exclusions so the authenticator refuses to
// re-register itself.
func (s *WebAuthnService) BeginRegistration(ctx context.Context, account *models.Account) (*protocol.CredentialCreation, error) {
	user, err := s.ceremonyUser(ctx, account)
	if err != nil {
		return nil, err
	}

	options, session, err := s.rp.BeginRegistration(user,
		webauthn.WithExclusions(user.CredentialDescriptors()))
	if err != nil {
		return nil, fmt.Errorf("failed to begin registration: %w", err)
	}

	if err := s.storeSession(ctx, models.CeremonyRegistration, account.ID, session); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishRegistration verifies the attestation response and persists the new
// credential. The stored challenge is consumed whether or not verification
// succeeds, so a failed response cannot be retried against the same
// challenge.
func (s *WebAuthnService) FinishRegistration(ctx context.Context, account *models.Account, name string, response io.Reader) (*models.WebAuthnCredential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(response)
	if err != nil {
		return nil, models.ErrBadRequest
	}

	session, err := s.takeSession(ctx, models.CeremonyRegistration, account.ID)
	if err != nil {
		return nil, err
	}

	user, err := s.ceremonyUser(ctx, account)
	if err != nil {
		return nil, err
	}

	cred, err := s.rp.CreateCredential(user, *session, parsed)
	if err != nil {
		s.logger.Warn("webauthn registration rejected",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
		return nil, models.ErrChallengeMismatch
	}

	stored := &models.WebAuthnCredential{
		AccountID:       account.ID,
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		AAGUID:          cred.Authenticator.AAGUID,
		SignCount:       cred.Authenticator.SignCount,
		Name:            name,
	}
	if err := s.creds.CreateWebAuthnCredential(ctx, stored); err != nil {
		return nil, err
	}

	s.logger.Info("webauthn credential registered",
		slog.String("account_id", account.ID),
		slog.String("credential", stored.ID))
	return stored, nil
}

// BeginAuthentication opens an assertion ceremony over the account's
// registered credentials.
func (s *WebAuthnService) BeginAuthentication(ctx context.Context, account *models.Account) (*protocol.CredentialAssertion, error) {
	user, err := s.ceremonyUser(ctx, account)
	if err != nil {
		return nil, err
	}
	if len(user.Credentials) == 0 {
		return nil, models.ErrFactorNotEnrolled
	}

	options, session, err := s.rp.BeginLogin(user)
	if err != nil {
		return nil, fmt.Errorf("failed to begin authentication: %w", err)
	}

	if err := s.storeSession(ctx, models.CeremonyAuthentication, account.ID, session); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishAuthentication verifies the assertion response. A signature counter
// that fails to advance past the stored value is treated as evidence of a
// cloned authenticator and returns ErrCounterRegressed; counters that are
// zero on both sides are tolerated, since some authenticators never
// implement one.
func (s *WebAuthnService) FinishAuthentication(ctx context.Context, account *models.Account, response io.Reader) (*models.WebAuthnCredential, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(response)
	if err != nil {
		return nil, models.ErrBadRequest
	}

	session, err := s.takeSession(ctx, models.CeremonyAuthentication, account.ID)
	if err != nil {
		return nil, err
	}

	user, err := s.ceremonyUser(ctx, account)
	if err != nil {
		return nil, err
	}

	cred, err := s.rp.ValidateLogin(user, *session, parsed)
	if err != nil {
		s.logger.Warn("webauthn assertion rejected",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
		return nil, models.ErrChallengeMismatch
	}

	return s.settleAssertion(ctx, account.ID, user.Credentials, cred)
}

// settleAssertion applies a verified assertion's signature counter. A clone
// warning from the relying party means the asserted counter failed to move
// past the stored one; counters that are zero on both sides never raise the
// warning, since some authenticators don't implement one.
func (s *WebAuthnService) settleAssertion(ctx context.Context, accountID string, creds []models.WebAuthnCredential, cred *webauthn.Credential) (*models.WebAuthnCredential, error) {
	matched := findCredential(creds, cred.ID)
	if matched == nil {
		// ValidateLogin only succeeds for a registered credential.
		return nil, models.ErrInternalServer
	}

	if cred.Authenticator.CloneWarning {
		s.logger.Error("authenticator counter regressed",
			slog.String("account_id", accountID),
			slog.String("credential", matched.ID),
			slog.Uint64("stored_count", uint64(matched.SignCount)),
			slog.Uint64("asserted_count", uint64(cred.Authenticator.SignCount)))
		return matched, models.ErrCounterRegressed
	}

	if err := s.creds.UpdateWebAuthnCounter(ctx, matched.ID, cred.Authenticator.SignCount); err != nil {
		// The assertion already verified; the counter catches up next time.
		s.logger.Error("failed to persist signature counter",
			slog.String("credential", matched.ID),
			slog.Any("error", err))
	}
	matched.SignCount = cred.Authenticator.SignCount

	return matched, nil
}

// ListCredentials returns the account's registered authenticators.
func (s *WebAuthnService) ListCredentials(ctx context.Context, accountID string) ([]models.WebAuthnCredential, error) {
	return s.creds.ListWebAuthnCredentials(ctx, accountID)
}

// RemoveCredential unregisters an authenticator.
func (s *WebAuthnService) RemoveCredential(ctx context.Context, accountID, credentialID string) error {
	if err := s.creds.DeleteWebAuthnCredential(ctx, accountID, credentialID); err != nil {
		return err
	}
	s.logger.Info("webauthn credential removed",
		slog.String("account_id", accountID),
		slog.String("credential", credentialID))
	return nil
}

func (s *WebAuthnService) ceremonyUser(ctx context.Context, account *models.Account) (*auth.CeremonyUser, error) {
	creds, err := s.creds.ListWebAuthnCredentials(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	return &auth.CeremonyUser{Account: account, Credentials: creds}, nil
}

func (s *WebAuthnService) storeSession(ctx context.Context, ceremony, accountID string, session *webauthn.SessionData) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode ceremony session: %w", err)
	}
	return s.challenges.Put(ctx, challengeKey(ceremony, accountID), data, models.ChallengeTTL)
}

func (s *WebAuthnService) takeSession(ctx context.Context, ceremony, accountID string) (*webauthn.SessionData, error) {
	data, err := s.challenges.Take(ctx, challengeKey(ceremony, accountID))
	if err != nil {
		return nil, err
	}

	var session webauthn.SessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode ceremony session: %w", err)
	}
	return &session, nil
}

func challengeKey(ceremony, accountID string) string {
	return fmt.Sprintf("%s:%s", ceremony, accountID)
}

func findCredential(creds []models.WebAuthnCredential, credentialID []byte) *models.WebAuthnCredential {
	for i := range creds {
		if bytes.Equal(creds[i].CredentialID, credentialID) {
			return &creds[i]
		}
	}
	return nil
}
