package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/merchward/bastion/internal/auth"
	"github.com/merchward/bastion/internal/handlers"
	"github.com/merchward/bastion/internal/middleware"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	accountHandler *handlers.AccountHandler,
	mfaHandler *handlers.MFAHandler,
	sessionHandler *handlers.SessionHandler,
	tokenManager *auth.TokenManager,
	sessions auth.SessionChecker,
) {
	// Blunt per-IP throttle in front of the public endpoints. The account
	// lockout limiter inside the authority is the real defense; this only
	// keeps a single client from hammering the stack.
	rateLimitConfig := middleware.DefaultAuthRateLimit()

	// Public routes - no session required
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(rateLimitConfig))

		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/login/verify", authHandler.VerifySecondFactor)
		r.Post("/auth/login/email-code", authHandler.SendSecondFactorCode)
		r.Post("/auth/login/webauthn", authHandler.BeginWebAuthnLogin)
		r.Post("/auth/password-reset", authHandler.BeginPasswordReset)
		r.Post("/auth/password-reset/complete", authHandler.CompletePasswordReset)
	})

	// Protected routes - valid access token bound to a live session
	router.Group(func(r chi.Router) {
		r.Use(auth.RequireSession(tokenManager, sessions))

		r.Get("/account", accountHandler.GetProfile)
		r.Get("/account/activity", accountHandler.GetSecurityActivity)
		r.Delete("/account", accountHandler.DeleteAccount)
		r.Post("/account/password", accountHandler.ChangePassword)
		r.Post("/account/email/verify", accountHandler.RequestEmailVerification)
		r.Post("/account/email/confirm", accountHandler.ConfirmEmailVerification)

		r.Get("/account/mfa", mfaHandler.FactorSummary)
		r.Post("/account/mfa/totp", mfaHandler.BeginTOTPEnrollment)
		r.Post("/account/mfa/totp/confirm", mfaHandler.ConfirmTOTPEnrollment)
		r.Delete("/account/mfa/totp", mfaHandler.RemoveTOTP)
		r.Post("/account/mfa/backup-codes", mfaHandler.RegenerateBackupCodes)
		r.Get("/account/mfa/webauthn", mfaHandler.ListWebAuthnCredentials)
		r.Post("/account/mfa/webauthn", mfaHandler.BeginWebAuthnRegistration)
		r.Post("/account/mfa/webauthn/finish", mfaHandler.FinishWebAuthnRegistration)
		r.Delete("/account/mfa/webauthn/{id}", mfaHandler.RemoveWebAuthnCredential)

		r.Get("/account/sessions", sessionHandler.ListSessions)
		r.Delete("/account/sessions", sessionHandler.RevokeAllSessions)
		r.Delete("/account/sessions/{id}", sessionHandler.RevokeSession)
	})
}
