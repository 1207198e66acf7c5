package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Security event types emitted by the authority. The event stream is
// write-only from this service's perspective; it is consumed externally for
// monitoring and alerting.
const (
	EventAccountRegistered  = "account_registered"
	EventLoginPassword      = "login_password"
	EventLoginSecondFactor  = "login_second_factor"
	EventLoginRateLimited   = "login_rate_limited"
	EventSessionIssued      = "session_issued"
	EventSessionRevoked     = "session_revoked"
	EventPasswordChanged    = "password_changed"
	EventPasswordReset      = "password_reset"
	EventFactorEnrolled     = "factor_enrolled"
	EventFactorRemoved      = "factor_removed"
	EventEmailVerified      = "email_verified"
	EventAccountDeleted     = "account_deleted"
	EventCounterRegression  = "authenticator_counter_regression"
	EventBackupCodeConsumed = "backup_code_consumed"
)

// Event outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

type SecurityEvent struct {
	ID        string
	EventType string
	AccountID *string // nil when the account is unknown (e.g. bad email)
	Outcome   string
	IPAddress *string
	UserAgent *string
	Metadata  EventMetadata
	CreatedAt time.Time
}

// EventMetadata holds additional context for an event. Values must never
// contain raw secrets; reasons and method names only.
type EventMetadata map[string]string

// Scan implements sql.Scanner for JSONB
func (m *EventMetadata) Scan(value interface{}) error {
	if value == nil {
		*m = make(EventMetadata)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return ErrBadRequest
	}

	var raw map[string]string
	if err := json.Unmarshal(bytes, &raw); err != nil {
		return err
	}
	*m = EventMetadata(raw)
	return nil
}

// Value implements driver.Valuer for JSONB
func (m EventMetadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
