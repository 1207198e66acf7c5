package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/duo-labs/webauthn/protocol"
	"github.com/go-chi/chi/v5"

	"github.com/merchward/bastion/internal/auth"
	"github.com/merchward/bastion/internal/models"
	pkghttp "github.com/merchward/bastion/pkg/http"
)

// FactorAuthorityInterface is the slice of the authority serving second
// factor management for the authenticated account.
type FactorAuthorityInterface interface {
	BeginTOTPEnrollment(ctx context.Context, accountID string) (*auth.GeneratedSecret, error)
	ConfirmTOTPEnrollment(ctx context.Context, accountID, code string, fp models.Fingerprint) ([]string, error)
	RemoveTOTP(ctx context.Context, accountID, password string, fp models.Fingerprint) error
	RegenerateBackupCodes(ctx context.Context, accountID string, fp models.Fingerprint) ([]string, error)
	BeginWebAuthnRegistration(ctx context.Context, accountID string) (*protocol.CredentialCreation, error)
	FinishWebAuthnRegistration(ctx context.Context, accountID, name string, response io.Reader, fp models.Fingerprint) (*models.WebAuthnCredential, error)
	ListWebAuthnCredentials(ctx context.Context, accountID string) ([]models.WebAuthnCredential, error)
	RemoveWebAuthnCredential(ctx context.Context, accountID, credentialID, password string, fp models.Fingerprint) error
	FactorSummary(ctx context.Context, accountID string) (*models.FactorSet, error)
}

// MFAHandler handles second factor enrollment and management.
type MFAHandler struct {
	authority FactorAuthorityInterface
	ipConfig  *pkghttp.IPConfig
}

// NewMFAHandler creates a new MFAHandler
func NewMFAHandler(authority FactorAuthorityInterface, ipConfig *pkghttp.IPConfig) *MFAHandler {
	return &MFAHandler{
		authority: authority,
		ipConfig:  ipConfig,
	}
}

// ConfirmTOTPRequest represents the request body for TOTP confirmation
type ConfirmTOTPRequest struct {
	Code string `json:"code" validate:"required,len=6"`
}

// RemoveFactorRequest carries the password reauthentication a factor
// removal requires.
type RemoveFactorRequest struct {
	Password string `json:"password" validate:"required"`
}

// FinishWebAuthnRegistrationRequest represents the request body for completing
// a passkey registration ceremony.
type FinishWebAuthnRegistrationRequest struct {
	Name     string          `json:"name" validate:"required,min=1,max=100"`
	Response json.RawMessage `json:"response" validate:"required"`
}

// TOTPEnrollmentResponse is the provisioning material for a pending TOTP
// enrollment. The secret is shown once and never again.
type TOTPEnrollmentResponse struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
	QRCode          string `json:"qr_code"`
}

// BackupCodesResponse carries freshly generated backup codes, shown once.
type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// CredentialResponse is the list view of a registered passkey
type CredentialResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// FactorSummaryResponse describes which second factors an account can use
type FactorSummaryResponse struct {
	Methods        []string `json:"methods"`
	TOTPEnrolled   bool     `json:"totp_enrolled"`
	PasskeyCount   int      `json:"passkey_count"`
	UnusedBackup   int      `json:"unused_backup_codes"`
	EmailOTPUsable bool     `json:"email_otp_usable"`
}

// BeginTOTPEnrollment starts a TOTP enrollment
// @Summary Begin TOTP enrollment
// @Produce json
// @Success 200 {object} TOTPEnrollmentResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Failure 409 {object} pkghttp.ErrorResponse
// @Router /account/mfa/totp [post]
func (h *MFAHandler) BeginTOTPEnrollment(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	secret, err := h.authority.BeginTOTPEnrollment(r.Context(), claims.AccountID)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			pkghttp.WriteConflict(w, "An authenticator app is already enrolled")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, TOTPEnrollmentResponse{
		Secret:          secret.Secret,
		ProvisioningURI: secret.ProvisioningURI,
		QRCode:          secret.QRCodeDataURL,
	})
}

// ConfirmTOTPEnrollment activates a pending TOTP enrollment
// @Summary Confirm TOTP enrollment
// @Accept json
// @Param request body ConfirmTOTPRequest true "Authenticator code"
// @Produce json
// @Success 200 {object} BackupCodesResponse
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /account/mfa/totp/confirm [post]
func (h *MFAHandler) ConfirmTOTPEnrollment(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req ConfirmTOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	fp := fingerprint(r, h.ipConfig)

	codes, err := h.authority.ConfirmTOTPEnrollment(r.Context(), claims.AccountID, req.Code, fp)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrFactorNotEnrolled):
			pkghttp.WriteBadRequest(w, "No pending enrollment to confirm")
		case errors.Is(err, models.ErrInvalidCredential):
			pkghttp.WriteBadRequest(w, "Invalid authenticator code")
		case errors.Is(err, models.ErrConflict):
			pkghttp.WriteConflict(w, "An authenticator app is already enrolled")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}

// RemoveTOTP removes the TOTP enrollment after password reauthentication
// @Summary Remove TOTP enrollment
// @Accept json
// @Param request body RemoveFactorRequest true "Reauthentication"
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /account/mfa/totp [delete]
func (h *MFAHandler) RemoveTOTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req RemoveFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	fp := fingerprint(r, h.ipConfig)

	err := h.authority.RemoveTOTP(r.Context(), claims.AccountID, req.Password, fp)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidCredential):
			pkghttp.WriteUnauthorized(w, "Password is incorrect")
		case errors.Is(err, models.ErrFactorNotEnrolled):
			pkghttp.WriteNotFound(w, "No authenticator app is enrolled")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Authenticator app removed",
	})
}

// RegenerateBackupCodes replaces all backup codes
// @Summary Regenerate backup codes
// @Produce json
// @Success 200 {object} BackupCodesResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /account/mfa/backup-codes [post]
func (h *MFAHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	fp := fingerprint(r, h.ipConfig)

	codes, err := h.authority.RegenerateBackupCodes(r.Context(), claims.AccountID, fp)
	if err != nil {
		if errors.Is(err, models.ErrFactorNotEnrolled) {
			pkghttp.WriteBadRequest(w, "Backup codes require an enrolled second factor")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}

// BeginWebAuthnRegistration starts a passkey registration ceremony
// @Summary Begin passkey registration
// @Produce json
// @Success 200 {object} protocol.CredentialCreation
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /account/mfa/webauthn [post]
func (h *MFAHandler) BeginWebAuthnRegistration(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	creation, err := h.authority.BeginWebAuthnRegistration(r.Context(), claims.AccountID)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, creation)
}

// FinishWebAuthnRegistration completes a passkey registration ceremony
// @Summary Finish passkey registration
// @Accept json
// @Param request body FinishWebAuthnRegistrationRequest true "Attestation response"
// @Produce json
// @Success 201 {object} CredentialResponse
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /account/mfa/webauthn/finish [post]
func (h *MFAHandler) FinishWebAuthnRegistration(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req FinishWebAuthnRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	fp := fingerprint(r, h.ipConfig)

	cred, err := h.authority.FinishWebAuthnRegistration(r.Context(), claims.AccountID, req.Name, bytes.NewReader(req.Response), fp)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrChallengeExpired),
			errors.Is(err, models.ErrChallengeMismatch):
			pkghttp.WriteBadRequest(w, "Passkey registration could not be verified")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, CredentialResponse{
		ID:        cred.ID,
		Name:      cred.Name,
		CreatedAt: cred.CreatedAt,
	})
}

// ListWebAuthnCredentials lists registered passkeys
// @Summary List passkeys
// @Produce json
// @Success 200 {object} []CredentialResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /account/mfa/webauthn [get]
func (h *MFAHandler) ListWebAuthnCredentials(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	creds, err := h.authority.ListWebAuthnCredentials(r.Context(), claims.AccountID)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	resp := make([]CredentialResponse, 0, len(creds))
	for _, c := range creds {
		resp = append(resp, CredentialResponse{
			ID:         c.ID,
			Name:       c.Name,
			CreatedAt:  c.CreatedAt,
			LastUsedAt: c.LastUsedAt,
		})
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// RemoveWebAuthnCredential removes a passkey after password reauthentication
// @Summary Remove a passkey
// @Accept json
// @Param id path string true "Credential ID"
// @Param request body RemoveFactorRequest true "Reauthentication"
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 401 {object} pkghttp.ErrorResponse
// @Failure 404 {object} pkghttp.ErrorResponse
// @Router /account/mfa/webauthn/{id} [delete]
func (h *MFAHandler) RemoveWebAuthnCredential(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	credentialID := chi.URLParam(r, "id")
	if credentialID == "" {
		pkghttp.WriteBadRequest(w, "Missing credential ID")
		return
	}

	var req RemoveFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	fp := fingerprint(r, h.ipConfig)

	err := h.authority.RemoveWebAuthnCredential(r.Context(), claims.AccountID, credentialID, req.Password, fp)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidCredential):
			pkghttp.WriteUnauthorized(w, "Password is incorrect")
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "Passkey not found")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Passkey removed",
	})
}

// FactorSummary reports which second factors are available
// @Summary Summarize enrolled factors
// @Produce json
// @Success 200 {object} FactorSummaryResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /account/mfa [get]
func (h *MFAHandler) FactorSummary(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	set, err := h.authority.FactorSummary(r.Context(), claims.AccountID)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, FactorSummaryResponse{
		Methods:        set.Methods(),
		TOTPEnrolled:   set.TOTP != nil && set.TOTP.IsConfirmed(),
		PasskeyCount:   len(set.WebAuthn),
		UnusedBackup:   set.UnusedBackup,
		EmailOTPUsable: set.EmailOTPUsable,
	})
}
