package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/merchward/bastion/internal/auth"
	"github.com/merchward/bastion/internal/models"
	pkghttp "github.com/merchward/bastion/pkg/http"
)

// AccountAuthorityInterface is the slice of the authority serving
// account-profile operations.
type AccountAuthorityInterface interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string, fp models.Fingerprint) error
	RequestEmailVerification(ctx context.Context, accountID string) error
	ConfirmEmailVerification(ctx context.Context, accountID, code string, fp models.Fingerprint) error
	DeleteAccount(ctx context.Context, accountID, password string, fp models.Fingerprint) error
	SecurityActivity(ctx context.Context, accountID string, limit int) ([]models.SecurityEvent, error)
}

// AccountHandler handles profile, password change, email verification, and
// account deletion for the authenticated account.
type AccountHandler struct {
	authority AccountAuthorityInterface
	ipConfig  *pkghttp.IPConfig
}

// NewAccountHandler creates a new AccountHandler
func NewAccountHandler(authority AccountAuthorityInterface, ipConfig *pkghttp.IPConfig) *AccountHandler {
	return &AccountHandler{
		authority: authority,
		ipConfig:  ipConfig,
	}
}

// ChangePasswordRequest represents the request body for a password change
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

// ConfirmEmailRequest represents the request body for email confirmation
type ConfirmEmailRequest struct {
	Code string `json:"code" validate:"required,len=6"`
}

// DeleteAccountRequest represents the request body for account deletion
type DeleteAccountRequest struct {
	Password string `json:"password" validate:"required"`
}

// AccountResponse is the profile view of an account
type AccountResponse struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"display_name"`
	EmailVerified bool      `json:"email_verified"`
	Role          string    `json:"role"`
	CreatedAt     time.Time `json:"created_at"`
}

// GetProfile returns the authenticated account
// @Summary Get the current account
// @Produce json
// @Success 200 {object} AccountResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /account [get]
func (h *AccountHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	account, err := h.authority.GetAccount(r.Context(), claims.AccountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteUnauthorized(w, "Authentication required")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, AccountResponse{
		ID:            account.ID,
		Email:         account.Email,
		DisplayName:   account.DisplayName,
		EmailVerified: account.EmailVerified,
		Role:          account.Role,
		CreatedAt:     account.CreatedAt,
	})
}

// SecurityActivityEntry is one audit trail row in the activity view
type SecurityActivityEntry struct {
	EventType string            `json:"event_type"`
	Outcome   string            `json:"outcome"`
	IPAddress string            `json:"ip_address,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// GetSecurityActivity returns the account's recent security events
// @Summary List recent security events for the current account
// @Produce json
// @Param limit query int false "Maximum entries to return"
// @Success 200 {array} SecurityActivityEntry
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /account/activity [get]
func (h *AccountHandler) GetSecurityActivity(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := h.authority.SecurityActivity(r.Context(), claims.AccountID, limit)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	entries := make([]SecurityActivityEntry, 0, len(events))
	for _, e := range events {
		entry := SecurityActivityEntry{
			EventType: e.EventType,
			Outcome:   e.Outcome,
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt,
		}
		if e.IPAddress != nil {
			entry.IPAddress = *e.IPAddress
		}
		entries = append(entries, entry)
	}

	pkghttp.WriteJSON(w, http.StatusOK, entries)
}

// ChangePassword rotates the account password
// @Summary Change the account password
// @Accept json
// @Param request body ChangePasswordRequest true "Password change"
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /account/password [post]
func (h *AccountHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	fp := fingerprint(r, h.ipConfig)

	err := h.authority.ChangePassword(r.Context(), claims.AccountID, req.CurrentPassword, req.NewPassword, fp)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidCredential):
			pkghttp.WriteUnauthorized(w, "Current password is incorrect")
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
		"message": "Password changed",
	})
}

// RequestEmailVerification dispatches a fresh verification code
// @Summary Request an email verification code
// @Produce json
// @Success 202 {object} map[string]string
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /account/email/verify [post]
func (h *AccountHandler) RequestEmailVerification(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	if err := h.authority.RequestEmailVerification(r.Context(), claims.AccountID); err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, map[string]string{
		"message": "A verification code has been sent to your email address.",
	})
}

// ConfirmEmailVerification marks the account email verified
// @Summary Confirm the email address
// @Accept json
// @Param request body ConfirmEmailRequest true "Verification code"
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /account/email/confirm [post]
func (h *AccountHandler) ConfirmEmailVerification(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req ConfirmEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	fp := fingerprint(r, h.ipConfig)

	err := h.authority.ConfirmEmailVerification(r.Context(), claims.AccountID, req.Code, fp)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrCodeExpired),
			errors.Is(err, models.ErrCodeAlreadyUsed):
			pkghttp.WriteBadRequest(w, "Invalid or expired verification code")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Email address verified",
	})
}

// DeleteAccount soft-deletes the account after password reauthentication
// @Summary Delete the account
// @Accept json
// @Param request body DeleteAccountRequest true "Reauthentication"
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /account [delete]
func (h *AccountHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req DeleteAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	fp := fingerprint(r, h.ipConfig)

	err := h.authority.DeleteAccount(r.Context(), claims.AccountID, req.Password, fp)
	if err != nil {
		if errors.Is(err, models.ErrInvalidCredential) {
			pkghttp.WriteUnauthorized(w, "Password is incorrect")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Account deleted",
	})
}
