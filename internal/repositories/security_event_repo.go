package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/merchward/bastion/internal/database"
	"github.com/merchward/bastion/internal/models"
)

// SecurityEventRepository is the durable sink for the audit trail.
type SecurityEventRepository struct {
	db *database.DB
}

func NewSecurityEventRepository(db *database.DB) *SecurityEventRepository {
	return &SecurityEventRepository{db: db}
}

// Record appends an event. Satisfies logger.EventSink.
func (r *SecurityEventRepository) Record(ctx context.Context, event *models.SecurityEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	query := `
		INSERT INTO security_events (id, event_type, account_id, outcome, ip_address, user_agent, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	// ip_address and user_agent are NOT NULL; absent fingerprint fields
	// (e.g. a request sent with no User-Agent) are recorded as empty.
	_, err := r.db.Pool.Exec(ctx, query,
		event.ID, event.EventType, event.AccountID, event.Outcome,
		orEmpty(event.IPAddress), orEmpty(event.UserAgent), event.Metadata,
	)
	return database.MapPostgresError(err)
}

func orEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r *SecurityEventRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.SecurityEvent, error) {
	query := `
		SELECT id, event_type, account_id, outcome, ip_address, user_agent, metadata, created_at
		FROM security_events
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	events := make([]models.SecurityEvent, 0)
	for rows.Next() {
		var e models.SecurityEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.AccountID, &e.Outcome, &e.IPAddress, &e.UserAgent, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, database.MapPostgresError(err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}

	return events, nil
}

// DeleteOlderThan enforces audit retention.
func (r *SecurityEventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM security_events WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
