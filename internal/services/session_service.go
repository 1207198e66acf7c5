package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/merchward/bastion/internal/auth"
	"github.com/merchward/bastion/internal/models"
)

// SessionRepository defines the persistence operations for sessions.
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) (*models.Session, error)
	GetByID(ctx context.Context, id string) (*models.Session, error)
	ListByAccount(ctx context.Context, accountID string) ([]models.Session, error)
	Delete(ctx context.Context, accountID, id string) error
	DeleteByAccount(ctx context.Context, accountID string) (int64, error)
	Touch(ctx context.Context, id string) error
}

// IssuedSession pairs a freshly created session with its access token. The
// token is minted once and never reconstructable from stored state.
type IssuedSession struct {
	Session     *models.Session
	AccessToken string
}

// SessionService manages the session lifecycle and access token minting.
type SessionService struct {
	sessions SessionRepository
	tokens   *auth.TokenManager
	logger   *slog.Logger
}

func NewSessionService(sessions SessionRepository, tokens *auth.TokenManager, log *slog.Logger) *SessionService {
	return &SessionService{
		sessions: sessions,
		tokens:   tokens,
		logger:   log,
	}
}

// Issue creates a session bound to the device fingerprint and mints its
// access token.
func (s *SessionService) Issue(ctx context.Context, accountID string, fp models.Fingerprint) (*IssuedSession, error) {
	session, err := s.sessions.Create(ctx, &models.Session{
		AccountID: accountID,
		UserAgent: fp.UserAgent,
		IPAddress: fp.IPAddress,
	})
	if err != nil {
		return nil, err
	}

	token, err := s.tokens.GenerateAccessToken(accountID, session.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("session issued",
		slog.String("account_id", accountID),
		slog.String("session_id", session.ID))

	return &IssuedSession{Session: session, AccessToken: token}, nil
}

// List returns the account's live sessions in creation order.
func (s *SessionService) List(ctx context.Context, accountID string) ([]models.Session, error) {
	return s.sessions.ListByAccount(ctx, accountID)
}

// Revoke terminates a session. Revoking an unknown or already-revoked id is
// a no-op so the operation is safely retryable.
func (s *SessionService) Revoke(ctx context.Context, accountID, sessionID string) error {
	if err := s.sessions.Delete(ctx, accountID, sessionID); err != nil {
		return err
	}
	s.logger.Info("session revoked",
		slog.String("account_id", accountID),
		slog.String("session_id", sessionID))
	return nil
}

// RevokeAll terminates every session for the account and reports how many
// were live.
func (s *SessionService) RevokeAll(ctx context.Context, accountID string) (int64, error) {
	n, err := s.sessions.DeleteByAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("all sessions revoked",
			slog.String("account_id", accountID),
			slog.Int64("count", n))
	}
	return n, nil
}

// Touch records activity on a session. A revoked session returns
// ErrSessionNotFound so the caller knows the token no longer backs anything.
func (s *SessionService) Touch(ctx context.Context, sessionID string) error {
	err := s.sessions.Touch(ctx, sessionID)
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrSessionNotFound
	}
	return err
}

// SessionExists satisfies auth.SessionChecker: access tokens stay valid only
// while their backing session row exists. The check doubles as the activity
// update, so lastActiveAt tracks authenticated traffic without a second
// round trip.
func (s *SessionService) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	err := s.sessions.Touch(ctx, sessionID)
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var _ auth.SessionChecker = (*SessionService)(nil)

// Get returns a single session scoped to the account.
func (s *SessionService) Get(ctx context.Context, accountID, sessionID string) (*models.Session, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrSessionNotFound
		}
		return nil, err
	}
	if session.AccountID != accountID {
		return nil, models.ErrSessionNotFound
	}
	return session, nil
}
