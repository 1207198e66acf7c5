package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// Token types minted by the token manager.
const (
	TokenTypeAccess = "access"
	TokenTypeStepUp = "stepup" // between password check and second-factor proof
)

type TokenClaims struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
	SessionID string `json:"session_id,omitempty"` // set on access tokens only
	jwt.RegisteredClaims
}
