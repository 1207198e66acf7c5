package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/merchward/bastion/internal/database"
	"github.com/merchward/bastion/internal/models"
)

// SessionRepository persists authenticated sessions.
type SessionRepository struct {
	db *database.DB
}

func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, session *models.Session) (*models.Session, error) {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}

	query := `
		INSERT INTO sessions (id, account_id, user_agent, ip_address)
		VALUES ($1, $2, $3, $4)
		RETURNING id, account_id, user_agent, ip_address, created_at, last_active_at`

	var s models.Session
	err := r.db.Pool.QueryRow(ctx, query,
		session.ID, session.AccountID, session.UserAgent, session.IPAddress,
	).Scan(&s.ID, &s.AccountID, &s.UserAgent, &s.IPAddress, &s.CreatedAt, &s.LastActiveAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &s, nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `
		SELECT id, account_id, user_agent, ip_address, created_at, last_active_at
		FROM sessions WHERE id = $1`

	var s models.Session
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.AccountID, &s.UserAgent, &s.IPAddress, &s.CreatedAt, &s.LastActiveAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &s, nil
}

func (r *SessionRepository) ListByAccount(ctx context.Context, accountID string) ([]models.Session, error) {
	query := `
		SELECT id, account_id, user_agent, ip_address, created_at, last_active_at
		FROM sessions WHERE account_id = $1
		ORDER BY created_at ASC`

	rows, err := r.db.Pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.AccountID, &s.UserAgent, &s.IPAddress, &s.CreatedAt, &s.LastActiveAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// Delete removes a session. Unknown ids are a no-op, not an error, so
// revocation cannot leak session existence.
func (r *SessionRepository) Delete(ctx context.Context, accountID, id string) error {
	_, err := r.db.Pool.Exec(ctx,
		`DELETE FROM sessions WHERE id = $1 AND account_id = $2`,
		id, accountID,
	)
	return database.MapPostgresError(err)
}

func (r *SessionRepository) DeleteByAccount(ctx context.Context, accountID string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM sessions WHERE account_id = $1`,
		accountID,
	)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

func (r *SessionRepository) Touch(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE sessions SET last_active_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

// DeleteIdleBefore removes sessions whose last activity predates the cutoff.
// Used by the background cleanup; idle-timeout policy itself lives upstream.
func (r *SessionRepository) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM sessions WHERE last_active_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
