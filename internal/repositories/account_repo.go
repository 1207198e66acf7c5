package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/merchward/bastion/internal/database"
	"github.com/merchward/bastion/internal/models"
)

// AccountRepository persists accounts and their bounded password history.
// Deleted accounts are filtered out of lookups; the rows stay for the audit
// trail.
type AccountRepository struct {
	db *database.DB
}

func NewAccountRepository(db *database.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, email, display_name, password_hash, email_verified, role, status, password_changed_at, created_at, updated_at`

// rowScanner covers both pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccountRow(scanner rowScanner) (*models.Account, error) {
	var account models.Account
	var passwordChangedAt *time.Time

	err := scanner.Scan(
		&account.ID, &account.Email, &account.DisplayName, &account.PasswordHash,
		&account.EmailVerified, &account.Role, &account.Status,
		&passwordChangedAt, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	account.PasswordChangedAt = passwordChangedAt
	return &account, nil
}

// Create inserts a new account. Duplicate emails surface as ErrConflict via
// the unique constraint.
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}

	query := `
		INSERT INTO accounts (id, email, display_name, password_hash, email_verified, role, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + accountColumns

	row := r.db.Pool.QueryRow(ctx, query,
		account.ID, account.Email, account.DisplayName, account.PasswordHash,
		account.EmailVerified, account.Role, account.Status,
	)
	return scanAccountRow(row)
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 AND status != 'deleted'`
	return scanAccountRow(r.db.Pool.QueryRow(ctx, query, id))
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1 AND status != 'deleted'`
	return scanAccountRow(r.db.Pool.QueryRow(ctx, query, email))
}

// GetPasswordHistory returns prior password hashes, most recent first,
// bounded by models.PasswordHistoryLimit.
func (r *AccountRepository) GetPasswordHistory(ctx context.Context, accountID string) ([]string, error) {
	query := `
		SELECT password_hash FROM password_history
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, accountID, models.PasswordHistoryLimit)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	history := make([]string, 0, models.PasswordHistoryLimit)
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("failed to scan password history: %w", err)
		}
		history = append(history, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating password history: %w", err)
	}

	return history, nil
}

// UpdatePassword swaps the account's password hash, prepends the old hash to
// history, and trims history to the bound, all in one transaction.
func (r *AccountRepository) UpdatePassword(ctx context.Context, accountID, newHash string) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var oldHash string
		err := tx.QueryRow(ctx,
			`SELECT password_hash FROM accounts WHERE id = $1 AND status != 'deleted' FOR UPDATE`,
			accountID,
		).Scan(&oldHash)
		if err != nil {
			return database.MapPostgresError(err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO password_history (id, account_id, password_hash) VALUES ($1, $2, $3)`,
			uuid.New().String(), accountID, oldHash,
		)
		if err != nil {
			return database.MapPostgresError(err)
		}

		_, err = tx.Exec(ctx, `
			DELETE FROM password_history
			WHERE account_id = $1 AND id NOT IN (
				SELECT id FROM password_history
				WHERE account_id = $1
				ORDER BY created_at DESC
				LIMIT $2
			)`,
			accountID, models.PasswordHistoryLimit,
		)
		if err != nil {
			return database.MapPostgresError(err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE accounts SET password_hash = $1, password_changed_at = now(), updated_at = now() WHERE id = $2`,
			newHash, accountID,
		)
		return database.MapPostgresError(err)
	})
}

func (r *AccountRepository) SetEmailVerified(ctx context.Context, accountID string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE accounts SET email_verified = true, updated_at = now() WHERE id = $1 AND status != 'deleted'`,
		accountID,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// UpdateStatus transitions the account lifecycle state. Deletion is a status
// write, never a row removal.
func (r *AccountRepository) UpdateStatus(ctx context.Context, accountID, status string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE accounts SET status = $1, updated_at = now() WHERE id = $2`,
		status, accountID,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
