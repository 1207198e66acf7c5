package models

import (
	"time"
)

// Fingerprint identifies the device a session was minted for.
type Fingerprint struct {
	UserAgent string
	IPAddress string
}

type Session struct {
	ID           string
	AccountID    string
	UserAgent    string
	IPAddress    string
	CreatedAt    time.Time
	LastActiveAt time.Time
}
