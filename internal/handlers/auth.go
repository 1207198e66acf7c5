package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/duo-labs/webauthn/protocol"

	"github.com/merchward/bastion/internal/models"
	"github.com/merchward/bastion/internal/services"
	pkghttp "github.com/merchward/bastion/pkg/http"
)

// AuthorityInterface is the slice of the account security authority the auth
// handler needs.
type AuthorityInterface interface {
	Register(ctx context.Context, email, displayName, password string, fp models.Fingerprint) (*models.Account, error)
	Login(ctx context.Context, email, password string, fp models.Fingerprint) (*services.LoginResult, error)
	SendSecondFactorCode(ctx context.Context, stepUpToken string) error
	BeginWebAuthnLogin(ctx context.Context, stepUpToken string) (*protocol.CredentialAssertion, error)
	VerifySecondFactor(ctx context.Context, stepUpToken string, proof services.SecondFactorProof, fp models.Fingerprint) (*services.IssuedSession, error)
	BeginPasswordReset(ctx context.Context, email string) error
	CompletePasswordReset(ctx context.Context, email, code, newPassword string, fp models.Fingerprint) error
}

// AuthHandler handles registration, login, step-up, and password reset.
type AuthHandler struct {
	authority AuthorityInterface
	ipConfig  *pkghttp.IPConfig
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(authority AuthorityInterface, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{
		authority: authority,
		ipConfig:  ipConfig,
	}
}

// Request DTOs

// RegisterRequest represents the request body for registration
type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"display_name" validate:"required,min=1,max=100"`
	Password    string `json:"password" validate:"required"`
}

// LoginRequest represents the request body for the password stage of login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// StepUpRequest carries the short-lived token minted by a successful
// password check, for endpoints between password and second factor.
type StepUpRequest struct {
	StepUpToken string `json:"step_up_token" validate:"required"`
}

// VerifySecondFactorRequest represents the request body for second factor
// verification. Code serves totp, email_otp, and backup_code; the raw
// assertion body serves webauthn.
type VerifySecondFactorRequest struct {
	StepUpToken      string          `json:"step_up_token" validate:"required"`
	Method           string          `json:"method" validate:"required,oneof=totp webauthn email_otp backup_code"`
	Code             string          `json:"code,omitempty"`
	WebAuthnResponse json.RawMessage `json:"webauthn_response,omitempty"`
}

// BeginPasswordResetRequest represents the request body for starting a reset
type BeginPasswordResetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// CompletePasswordResetRequest represents the request body for finishing a reset
type CompletePasswordResetRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Code        string `json:"code" validate:"required,len=6"`
	NewPassword string `json:"new_password" validate:"required"`
}

// Response DTOs

// SessionResponse is the issued-session payload returned by login endpoints
type SessionResponse struct {
	SessionID   string `json:"session_id"`
	AccessToken string `json:"access_token"`
	CreatedAt   string `json:"created_at"`
}

// LoginResponse represents the outcome of the password stage
type LoginResponse struct {
	SecondFactorRequired bool             `json:"second_factor_required"`
	Methods              []string         `json:"methods,omitempty"`
	StepUpToken          string           `json:"step_up_token,omitempty"`
	Session              *SessionResponse `json:"session,omitempty"`
}

func sessionResponse(issued *services.IssuedSession) *SessionResponse {
	return &SessionResponse{
		SessionID:   issued.Session.ID,
		AccessToken: issued.AccessToken,
		CreatedAt:   issued.Session.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// Register handles account registration
// @Summary Register a new account
// @Accept json
// @Param request body RegisterRequest true "Register request"
// @Produce json
// @Success 202 {object} map[string]string
// @Failure 400 {object} pkghttp.ErrorResponse
// @Router /auth/register [post]
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.DisplayName = strings.TrimSpace(req.DisplayName)

	fp := fingerprint(r, h.ipConfig)

	_, err := h.authority.Register(r.Context(), req.Email, req.DisplayName, req.Password, fp)
	if err != nil && !errors.Is(err, models.ErrConflict) && !isPasswordPolicyError(err) {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	// Duplicate emails and weak passwords get the same 202 as a fresh
	// signup so the endpoint cannot be used to probe for accounts.
	pkghttp.WriteJSON(w, http.StatusAccepted, map[string]string{
		"message": "Registration received. If the email is not already registered, you will receive a confirmation email.",
	})
}

// Login handles the password stage of login
// @Summary Password login
// @Accept json
// @Param request body LoginRequest true "Login request"
// @Produce json
// @Success 200 {object} LoginResponse
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Failure 429 {object} pkghttp.ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	fp := fingerprint(r, h.ipConfig)

	result, err := h.authority.Login(r.Context(), req.Email, req.Password, fp)
	if err != nil {
		writeAuthFailure(w, err)
		return
	}

	resp := LoginResponse{
		SecondFactorRequired: result.SecondFactorRequired,
		Methods:              result.Methods,
		StepUpToken:          result.StepUpToken,
	}
	if result.Session != nil {
		resp.Session = sessionResponse(result.Session)
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// SendSecondFactorCode dispatches a one-time login code over email
// @Summary Send an email login code
// @Accept json
// @Param request body StepUpRequest true "Step-up token"
// @Produce json
// @Success 202 {object} map[string]string
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/login/email-code [post]
func (h *AuthHandler) SendSecondFactorCode(w http.ResponseWriter, r *http.Request) {
	var req StepUpRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.authority.SendSecondFactorCode(r.Context(), req.StepUpToken); err != nil {
		switch {
		case errors.Is(err, models.ErrUnauthorized):
			pkghttp.WriteUnauthorized(w, "Authentication failed")
		case errors.Is(err, models.ErrEmailNotVerified):
			pkghttp.WriteForbidden(w, "Email address is not verified")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, map[string]string{
		"message": "A login code has been sent to your email address.",
	})
}

// BeginWebAuthnLogin starts a webauthn assertion ceremony
// @Summary Begin webauthn login
// @Accept json
// @Param request body StepUpRequest true "Step-up token"
// @Produce json
// @Success 200 {object} protocol.CredentialAssertion
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/login/webauthn [post]
func (h *AuthHandler) BeginWebAuthnLogin(w http.ResponseWriter, r *http.Request) {
	var req StepUpRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	assertion, err := h.authority.BeginWebAuthnLogin(r.Context(), req.StepUpToken)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUnauthorized):
			pkghttp.WriteUnauthorized(w, "Authentication failed")
		case errors.Is(err, models.ErrFactorNotEnrolled):
			pkghttp.WriteBadRequest(w, "No passkeys are registered for this account")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, assertion)
}

// VerifySecondFactor completes the second stage of login
// @Summary Verify a second factor
// @Accept json
// @Param request body VerifySecondFactorRequest true "Second factor proof"
// @Produce json
// @Success 200 {object} SessionResponse
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Failure 429 {object} pkghttp.ErrorResponse
// @Router /auth/login/verify [post]
func (h *AuthHandler) VerifySecondFactor(w http.ResponseWriter, r *http.Request) {
	var req VerifySecondFactorRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	proof := services.SecondFactorProof{
		Method: req.Method,
		Code:   req.Code,
	}
	if len(req.WebAuthnResponse) > 0 {
		proof.WebAuthnResponse = bytes.NewReader(req.WebAuthnResponse)
	}

	fp := fingerprint(r, h.ipConfig)

	issued, err := h.authority.VerifySecondFactor(r.Context(), req.StepUpToken, proof, fp)
	if err != nil {
		writeAuthFailure(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, sessionResponse(issued))
}

// BeginPasswordReset starts a password reset
// @Summary Request a password reset code
// @Accept json
// @Param request body BeginPasswordResetRequest true "Reset request"
// @Produce json
// @Success 202 {object} map[string]string
// @Failure 400 {object} pkghttp.ErrorResponse
// @Router /auth/password-reset [post]
func (h *AuthHandler) BeginPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req BeginPasswordResetRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	if err := h.authority.BeginPasswordReset(r.Context(), req.Email); err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	// Unknown emails get the same response as known ones.
	pkghttp.WriteJSON(w, http.StatusAccepted, map[string]string{
		"message": "If the email is registered, a reset code has been sent.",
	})
}

// CompletePasswordReset finishes a password reset
// @Summary Complete a password reset
// @Accept json
// @Param request body CompletePasswordResetRequest true "Reset completion"
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/password-reset/complete [post]
func (h *AuthHandler) CompletePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req CompletePasswordResetRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	fp := fingerprint(r, h.ipConfig)

	err := h.authority.CompletePasswordReset(r.Context(), req.Email, req.Code, req.NewPassword, fp)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrCodeExpired),
			errors.Is(err, models.ErrCodeAlreadyUsed),
			errors.Is(err, models.ErrInvalidCredential):
			pkghttp.WriteUnauthorized(w, "Invalid or expired reset code")
		case errors.Is(err, models.ErrPasswordReused):
			pkghttp.WriteBadRequest(w, "New password was used recently")
		case isPasswordPolicyError(err):
			pkghttp.WriteBadRequest(w, err.Error())
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Password has been reset. All sessions have been signed out.",
	})
}

// fingerprint builds the device fingerprint every authority operation records.
func fingerprint(r *http.Request, ipConfig *pkghttp.IPConfig) models.Fingerprint {
	return models.Fingerprint{
		IPAddress: pkghttp.ExtractClientIP(r, ipConfig),
		UserAgent: r.Header.Get("User-Agent"),
	}
}

// writeAuthFailure maps authentication-path errors onto responses that do not
// reveal which stage failed or whether the account exists.
func writeAuthFailure(w http.ResponseWriter, err error) {
	if rl, ok := models.ErrRateLimited(err); ok {
		pkghttp.WriteRateLimited(w, rl.RetryAfter)
		return
	}
	switch {
	case errors.Is(err, models.ErrInvalidCredential),
		errors.Is(err, models.ErrUnauthorized),
		errors.Is(err, models.ErrAccountDisabled),
		errors.Is(err, models.ErrAccountDeleted),
		errors.Is(err, models.ErrFactorNotEnrolled),
		errors.Is(err, models.ErrChallengeExpired),
		errors.Is(err, models.ErrChallengeMismatch),
		errors.Is(err, models.ErrCounterRegressed),
		errors.Is(err, models.ErrCodeExpired),
		errors.Is(err, models.ErrCodeAlreadyUsed):
		pkghttp.WriteUnauthorized(w, "Authentication failed")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "Invalid request")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
