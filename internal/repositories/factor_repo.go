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

// FactorRepository persists second-factor enrollments: the TOTP secret,
// WebAuthn credentials, and backup codes.
type FactorRepository struct {
	db *database.DB
}

func NewFactorRepository(db *database.DB) *FactorRepository {
	return &FactorRepository{db: db}
}

// CreateTOTPEnrollment stores a fresh pending enrollment, replacing any
// prior unconfirmed one. A confirmed enrollment is left untouched and
// surfaces as ErrConflict.
func (r *FactorRepository) CreateTOTPEnrollment(ctx context.Context, enrollment *models.TOTPEnrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.New().String()
	}

	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var confirmed int
		err := tx.QueryRow(ctx,
			`SELECT count(*) FROM totp_enrollments WHERE account_id = $1 AND confirmed_at IS NOT NULL`,
			enrollment.AccountID,
		).Scan(&confirmed)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if confirmed > 0 {
			return models.ErrConflict
		}

		_, err = tx.Exec(ctx,
			`DELETE FROM totp_enrollments WHERE account_id = $1 AND confirmed_at IS NULL`,
			enrollment.AccountID,
		)
		if err != nil {
			return database.MapPostgresError(err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO totp_enrollments (id, account_id, secret_encrypted, secret_nonce)
			VALUES ($1, $2, $3, $4)`,
			enrollment.ID, enrollment.AccountID, enrollment.SecretEncrypted, enrollment.SecretNonce,
		)
		return database.MapPostgresError(err)
	})
}

func (r *FactorRepository) GetTOTPEnrollment(ctx context.Context, accountID string) (*models.TOTPEnrollment, error) {
	query := `
		SELECT id, account_id, secret_encrypted, secret_nonce, last_used_at, created_at, confirmed_at
		FROM totp_enrollments WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	var e models.TOTPEnrollment
	err := r.db.Pool.QueryRow(ctx, query, accountID).Scan(
		&e.ID, &e.AccountID, &e.SecretEncrypted, &e.SecretNonce,
		&e.LastUsedAt, &e.CreatedAt, &e.ConfirmedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &e, nil
}

func (r *FactorRepository) ConfirmTOTPEnrollment(ctx context.Context, enrollmentID string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE totp_enrollments SET confirmed_at = now() WHERE id = $1 AND confirmed_at IS NULL`,
		enrollmentID,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *FactorRepository) TouchTOTPEnrollment(ctx context.Context, enrollmentID string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE totp_enrollments SET last_used_at = now() WHERE id = $1`,
		enrollmentID,
	)
	return database.MapPostgresError(err)
}

func (r *FactorRepository) DeleteTOTPEnrollment(ctx context.Context, accountID string) error {
	_, err := r.db.Pool.Exec(ctx,
		`DELETE FROM totp_enrollments WHERE account_id = $1`,
		accountID,
	)
	return database.MapPostgresError(err)
}

// DeleteStaleUnconfirmedTOTP removes pending enrollments created before the
// cutoff. Used by the background cleanup.
func (r *FactorRepository) DeleteStaleUnconfirmedTOTP(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM totp_enrollments WHERE confirmed_at IS NULL AND created_at < $1`,
		before,
	)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

func (r *FactorRepository) CreateWebAuthnCredential(ctx context.Context, cred *models.WebAuthnCredential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO webauthn_credentials (id, account_id, credential_id, public_key, attestation_type, aaguid, sign_count, name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cred.ID, cred.AccountID, cred.CredentialID, cred.PublicKey,
		cred.AttestationType, cred.AAGUID, cred.SignCount, cred.Name,
	)
	return database.MapPostgresError(err)
}

func (r *FactorRepository) ListWebAuthnCredentials(ctx context.Context, accountID string) ([]models.WebAuthnCredential, error) {
	query := `
		SELECT id, account_id, credential_id, public_key, attestation_type, aaguid, sign_count, name, last_used_at, created_at
		FROM webauthn_credentials WHERE account_id = $1
		ORDER BY created_at ASC`

	rows, err := r.db.Pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	creds := make([]models.WebAuthnCredential, 0)
	for rows.Next() {
		var c models.WebAuthnCredential
		err := rows.Scan(
			&c.ID, &c.AccountID, &c.CredentialID, &c.PublicKey,
			&c.AttestationType, &c.AAGUID, &c.SignCount, &c.Name,
			&c.LastUsedAt, &c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webauthn credential: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webauthn credentials: %w", err)
	}

	return creds, nil
}

// UpdateWebAuthnCounter stores the assertion counter after a successful
// authentication ceremony.
func (r *FactorRepository) UpdateWebAuthnCounter(ctx context.Context, id string, signCount uint32) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE webauthn_credentials SET sign_count = $1, last_used_at = now() WHERE id = $2`,
		signCount, id,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *FactorRepository) DeleteWebAuthnCredential(ctx context.Context, accountID, id string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM webauthn_credentials WHERE id = $1 AND account_id = $2`,
		id, accountID,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ReplaceBackupCodes swaps the account's unused backup code set for a new
// one. Consumed codes are kept for the audit trail.
func (r *FactorRepository) ReplaceBackupCodes(ctx context.Context, accountID string, codeHashes []string) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM backup_codes WHERE account_id = $1 AND used_at IS NULL`,
			accountID,
		)
		if err != nil {
			return database.MapPostgresError(err)
		}

		for _, hash := range codeHashes {
			_, err = tx.Exec(ctx,
				`INSERT INTO backup_codes (id, account_id, code_hash) VALUES ($1, $2, $3)`,
				uuid.New().String(), accountID, hash,
			)
			if err != nil {
				return database.MapPostgresError(err)
			}
		}
		return nil
	})
}

func (r *FactorRepository) ListUnusedBackupCodes(ctx context.Context, accountID string) ([]models.BackupCodeEntry, error) {
	query := `
		SELECT id, account_id, code_hash, used_at, created_at
		FROM backup_codes WHERE account_id = $1 AND used_at IS NULL
		ORDER BY created_at ASC`

	rows, err := r.db.Pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	entries := make([]models.BackupCodeEntry, 0)
	for rows.Next() {
		var e models.BackupCodeEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.CodeHash, &e.UsedAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backup code: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backup codes: %w", err)
	}

	return entries, nil
}

// ClaimBackupCode marks a code used iff it is still unused. The conditional
// update makes the claim atomic: of two racing consumers, one gets
// rows-affected 1 and the other 0.
func (r *FactorRepository) ClaimBackupCode(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE backup_codes SET used_at = now() WHERE id = $1 AND used_at IS NULL`,
		id,
	)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *FactorRepository) CountUnusedBackupCodes(ctx context.Context, accountID string) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM backup_codes WHERE account_id = $1 AND used_at IS NULL`,
		accountID,
	).Scan(&count)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return count, nil
}
