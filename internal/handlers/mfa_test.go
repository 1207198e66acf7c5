package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchward/bastion/internal/auth"
	"github.com/merchward/bastion/internal/models"
)

func TestBeginTOTPEnrollment(t *testing.T) {
	t.Run("returns provisioning material once", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.BeginTOTPFunc = func(ctx context.Context, accountID string) (*auth.GeneratedSecret, error) {
			assert.Equal(t, "acct_1", accountID)
			return &auth.GeneratedSecret{
				Secret:          "JBSWY3DPEHPK3PXP",
				ProvisioningURI: "otpauth://totp/Bastion:shopper@example.com",
				QRCodeDataURL:   "data:image/png;base64,abc",
			}, nil
		}
		h := NewMFAHandler(mock, nil)

		req := authenticatedRequest(t, http.MethodPost, "/account/mfa/totp", nil, "acct_1", "sess_1")
		rec := httptest.NewRecorder()
		h.BeginTOTPEnrollment(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp TOTPEnrollmentResponse
		decodeJSON(t, rec, &resp)
		assert.Equal(t, "JBSWY3DPEHPK3PXP", resp.Secret)
		assert.NotEmpty(t, resp.QRCode)
	})

	t.Run("already enrolled returns 409", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.BeginTOTPFunc = func(ctx context.Context, accountID string) (*auth.GeneratedSecret, error) {
			return nil, models.ErrConflict
		}
		h := NewMFAHandler(mock, nil)

		req := authenticatedRequest(t, http.MethodPost, "/account/mfa/totp", nil, "acct_1", "sess_1")
		rec := httptest.NewRecorder()
		h.BeginTOTPEnrollment(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unauthenticated request rejected", func(t *testing.T) {
		h := NewMFAHandler(NewMockAuthority(t), nil)

		req := jsonRequest(t, http.MethodPost, "/account/mfa/totp", nil)
		rec := httptest.NewRecorder()
		h.BeginTOTPEnrollment(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestConfirmTOTPEnrollment(t *testing.T) {
	t.Run("valid code activates and returns backup codes", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.ConfirmTOTPFunc = func(ctx context.Context, accountID, code string, fp models.Fingerprint) ([]string, error) {
			assert.Equal(t, "123456", code)
			return []string{"AAAA-1111", "BBBB-2222"}, nil
		}
		h := NewMFAHandler(mock, nil)

		req := authenticatedRequest(t, http.MethodPost, "/account/mfa/totp/confirm",
			ConfirmTOTPRequest{Code: "123456"}, "acct_1", "sess_1")
		rec := httptest.NewRecorder()
		h.ConfirmTOTPEnrollment(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp BackupCodesResponse
		decodeJSON(t, rec, &resp)
		assert.Len(t, resp.BackupCodes, 2)
	})

	t.Run("wrong code leaves enrollment pending", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.ConfirmTOTPFunc = func(ctx context.Context, accountID, code string, fp models.Fingerprint) ([]string, error) {
			return nil, models.ErrInvalidCredential
		}
		h := NewMFAHandler(mock, nil)

		req := authenticatedRequest(t, http.MethodPost, "/account/mfa/totp/confirm",
			ConfirmTOTPRequest{Code: "000000"}, "acct_1", "sess_1")
		rec := httptest.NewRecorder()
		h.ConfirmTOTPEnrollment(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("nothing pending returns 400", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.ConfirmTOTPFunc = func(ctx context.Context, accountID, code string, fp models.Fingerprint) ([]string, error) {
			return nil, models.ErrFactorNotEnrolled
		}
		h := NewMFAHandler(mock, nil)

		req := authenticatedRequest(t, http.MethodPost, "/account/mfa/totp/confirm",
			ConfirmTOTPRequest{Code: "123456"}, "acct_1", "sess_1")
		rec := httptest.NewRecorder()
		h.ConfirmTOTPEnrollment(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRemoveTOTP(t *testing.T) {
	t.Run("requires the correct password", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.RemoveTOTPFunc = func(ctx context.Context, accountID, password string, fp models.Fingerprint) error {
			return models.ErrInvalidCredential
		}
		h := NewMFAHandler(mock, nil)

		req := authenticatedRequest(t, http.MethodDelete, "/account/mfa/totp",
			RemoveFactorRequest{Password: "wrong"}, "acct_1", "sess_1")
		rec := httptest.NewRecorder()
		h.RemoveTOTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("removes with valid reauthentication", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.RemoveTOTPFunc = func(ctx context.Context, accountID, password string, fp models.Fingerprint) error {
			assert.Equal(t, "acct_1", accountID)
			assert.Equal(t, "CorrectHorse9!", password)
			return nil
		}
		h := NewMFAHandler(mock, nil)

		req := authenticatedRequest(t, http.MethodDelete, "/account/mfa/totp",
			RemoveFactorRequest{Password: "CorrectHorse9!"}, "acct_1", "sess_1")
		rec := httptest.NewRecorder()
		h.RemoveTOTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRemoveWebAuthnCredential(t *testing.T) {
	newRequest := func(t *testing.T, credentialID string) *http.Request {
		req := authenticatedRequest(t, http.MethodDelete, "/account/mfa/webauthn/"+credentialID,
			RemoveFactorRequest{Password: "CorrectHorse9!"}, "acct_1", "sess_1")
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", credentialID)
		return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	}

	t.Run("removes an owned credential", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.RemoveCredentialFunc = func(ctx context.Context, accountID, credentialID, password string, fp models.Fingerprint) error {
			assert.Equal(t, "cred_1", credentialID)
			return nil
		}
		h := NewMFAHandler(mock, nil)

		rec := httptest.NewRecorder()
		h.RemoveWebAuthnCredential(rec, newRequest(t, "cred_1"))

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unknown credential returns 404", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.RemoveCredentialFunc = func(ctx context.Context, accountID, credentialID, password string, fp models.Fingerprint) error {
			return models.ErrNotFound
		}
		h := NewMFAHandler(mock, nil)

		rec := httptest.NewRecorder()
		h.RemoveWebAuthnCredential(rec, newRequest(t, "cred_missing"))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestFactorSummary(t *testing.T) {
	confirmed := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mock := NewMockAuthority(t)
	mock.FactorSummaryFunc = func(ctx context.Context, accountID string) (*models.FactorSet, error) {
		return &models.FactorSet{
			TOTP:           &models.TOTPEnrollment{ConfirmedAt: &confirmed},
			WebAuthn:       []models.WebAuthnCredential{{ID: "cred_1"}},
			UnusedBackup:   7,
			EmailOTPUsable: true,
		}, nil
	}
	h := NewMFAHandler(mock, nil)

	req := authenticatedRequest(t, http.MethodGet, "/account/mfa", nil, "acct_1", "sess_1")
	rec := httptest.NewRecorder()
	h.FactorSummary(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp FactorSummaryResponse
	decodeJSON(t, rec, &resp)
	assert.True(t, resp.TOTPEnrolled)
	assert.Equal(t, 1, resp.PasskeyCount)
	assert.Equal(t, 7, resp.UnusedBackup)
	assert.True(t, resp.EmailOTPUsable)
	assert.Equal(t, []string{"totp", "webauthn", "email_otp", "backup_code"}, resp.Methods)
}
