package models

import (
	"time"
)

// Purposes a one-time email code can be issued for. A purpose is part of the
// storage key, so a password-reset code can never satisfy a 2FA challenge.
const (
	CodePurposeEmail2FA      = "email-2fa"
	CodePurposePasswordReset = "password-reset"
	CodePurposeEmailVerify   = "email-verify"
)

// EmailCodeTTL is how long an issued email code stays valid.
const EmailCodeTTL = 10 * time.Minute

// PendingCode is a stored, not-yet-consumed one-time code. Only the SHA-256
// hash of the code value is kept.
type PendingCode struct {
	AccountID string
	CodeHash  string
	Purpose   string
	ExpiresAt time.Time
}

// IsExpired reports whether the code is past its validity window.
func (c *PendingCode) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}
