package models

import (
	"time"
)

// WebAuthn ceremony types. At most one live challenge exists per
// (account, ceremony) pair; issuing a new one supersedes the old.
const (
	CeremonyRegistration   = "registration"
	CeremonyAuthentication = "authentication"
)

// ChallengeTTL is how long an issued ceremony challenge may sit before the
// finishing call rejects it. Expiry is checked lazily; there is no server
// timer.
const ChallengeTTL = 5 * time.Minute
