package models

import (
	"time"
)

// PasswordHistoryLimit bounds how many prior password hashes are retained and
// checked on password change.
const PasswordHistoryLimit = 5

// Account statuses. Deletion is a terminal status transition, never a row
// removal, so the audit trail stays intact.
const (
	AccountStatusActive   = "active"
	AccountStatusDisabled = "disabled"
	AccountStatusDeleted  = "deleted"
)

type Account struct {
	ID                string
	Email             string
	DisplayName       string
	PasswordHash      string
	PasswordHistory   []string // prior hashes, most recent first, len <= PasswordHistoryLimit
	EmailVerified     bool
	Role              string // e.g., "customer", "admin"
	Status            string
	PasswordChangedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsActive reports whether the account may authenticate at all.
func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}
