package models

import (
	"time"
)

// Second-factor method identifiers, as surfaced to callers when step-up is
// required.
const (
	FactorTOTP       = "totp"
	FactorWebAuthn   = "webauthn"
	FactorEmailOTP   = "email_otp"
	FactorBackupCode = "backup_code"
)

// TOTPEnrollment holds an account's TOTP secret. The secret is AES-256-GCM
// encrypted at rest; an enrollment is pending until the first code verifies.
type TOTPEnrollment struct {
	ID              string
	AccountID       string
	SecretEncrypted []byte
	SecretNonce     []byte // GCM nonce (12 bytes)
	LastUsedAt      *time.Time
	CreatedAt       time.Time
	ConfirmedAt     *time.Time
}

// IsConfirmed reports whether the enrollment is the account's committed factor.
func (e *TOTPEnrollment) IsConfirmed() bool {
	return e.ConfirmedAt != nil
}

// WebAuthnCredential is a registered authenticator.
type WebAuthnCredential struct {
	ID              string
	AccountID       string
	CredentialID    []byte
	PublicKey       []byte
	AttestationType string
	AAGUID          []byte
	SignCount       uint32
	Name            string
	LastUsedAt      *time.Time
	CreatedAt       time.Time
}

// BackupCodeEntry is a single-use recovery code, bcrypt-hashed at rest.
type BackupCodeEntry struct {
	ID        string
	AccountID string
	CodeHash  string
	UsedAt    *time.Time
	CreatedAt time.Time
}

// FactorSet summarizes an account's enrolled second factors, used by the
// authority to decide whether step-up is required and which methods to offer.
type FactorSet struct {
	TOTP           *TOTPEnrollment
	WebAuthn       []WebAuthnCredential
	UnusedBackup   int
	EmailOTPUsable bool // email verified, so email codes can be dispatched
}

// Enrolled reports whether any second factor can be exercised.
func (f *FactorSet) Enrolled() bool {
	return (f.TOTP != nil && f.TOTP.IsConfirmed()) || len(f.WebAuthn) > 0
}

// Methods lists the second-factor methods available for step-up, in the order
// they are offered to the caller.
func (f *FactorSet) Methods() []string {
	var methods []string
	if f.TOTP != nil && f.TOTP.IsConfirmed() {
		methods = append(methods, FactorTOTP)
	}
	if len(f.WebAuthn) > 0 {
		methods = append(methods, FactorWebAuthn)
	}
	if f.EmailOTPUsable {
		methods = append(methods, FactorEmailOTP)
	}
	if f.UnusedBackup > 0 {
		methods = append(methods, FactorBackupCode)
	}
	return methods
}
