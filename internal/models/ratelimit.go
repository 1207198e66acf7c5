package models

import (
	"time"
)

// RateLimitScope selects the admission namespace. Scopes are fully isolated:
// an IP lockout never blocks an account key and vice versa.
type RateLimitScope string

const (
	ScopePerIP      RateLimitScope = "ip"
	ScopePerAccount RateLimitScope = "account"
)

// RateLimitEntry is the per-(key, scope) admission state. If LockedUntil is
// set and in the future, admission is denied regardless of Count.
type RateLimitEntry struct {
	Count       int        `json:"count"`
	WindowStart time.Time  `json:"window_start"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// Locked reports whether the entry is under an active lockout at now.
func (e *RateLimitEntry) Locked(now time.Time) bool {
	return e.LockedUntil != nil && now.Before(*e.LockedUntil)
}
