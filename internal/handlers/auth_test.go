package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchward/bastion/internal/models"
	"github.com/merchward/bastion/internal/services"
)

func testIssuedSession() *services.IssuedSession {
	return &services.IssuedSession{
		Session: &models.Session{
			ID:        "sess_1",
			AccountID: "acct_1",
			CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		AccessToken: "token-abc",
	}
}

func TestLogin(t *testing.T) {
	t.Run("password only issues a session", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.LoginFunc = func(ctx context.Context, email, password string, fp models.Fingerprint) (*services.LoginResult, error) {
			assert.Equal(t, "shopper@example.com", email)
			return &services.LoginResult{Session: testIssuedSession()}, nil
		}
		h := NewAuthHandler(mock, nil)

		req := jsonRequest(t, http.MethodPost, "/auth/login", LoginRequest{
			Email:    "Shopper@Example.com",
			Password: "CorrectHorse9!",
		})
		rec := httptest.NewRecorder()
		h.Login(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp LoginResponse
		decodeJSON(t, rec, &resp)
		assert.False(t, resp.SecondFactorRequired)
		require.NotNil(t, resp.Session)
		assert.Equal(t, "sess_1", resp.Session.SessionID)
		assert.Equal(t, "token-abc", resp.Session.AccessToken)
	})

	t.Run("second factor required returns step-up token", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.LoginFunc = func(ctx context.Context, email, password string, fp models.Fingerprint) (*services.LoginResult, error) {
			return &services.LoginResult{
				SecondFactorRequired: true,
				Methods:              []string{"totp", "backup_code"},
				StepUpToken:          "step-up-xyz",
			}, nil
		}
		h := NewAuthHandler(mock, nil)

		req := jsonRequest(t, http.MethodPost, "/auth/login", LoginRequest{
			Email:    "shopper@example.com",
			Password: "CorrectHorse9!",
		})
		rec := httptest.NewRecorder()
		h.Login(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp LoginResponse
		decodeJSON(t, rec, &resp)
		assert.True(t, resp.SecondFactorRequired)
		assert.Equal(t, []string{"totp", "backup_code"}, resp.Methods)
		assert.Equal(t, "step-up-xyz", resp.StepUpToken)
		assert.Nil(t, resp.Session)
	})

	t.Run("wrong password returns 401", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.LoginFunc = func(ctx context.Context, email, password string, fp models.Fingerprint) (*services.LoginResult, error) {
			return nil, models.ErrInvalidCredential
		}
		h := NewAuthHandler(mock, nil)

		req := jsonRequest(t, http.MethodPost, "/auth/login", LoginRequest{
			Email:    "shopper@example.com",
			Password: "wrong",
		})
		rec := httptest.NewRecorder()
		h.Login(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "Authentication failed")
	})

	t.Run("disabled account indistinguishable from wrong password", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.LoginFunc = func(ctx context.Context, email, password string, fp models.Fingerprint) (*services.LoginResult, error) {
			return nil, models.ErrAccountDisabled
		}
		h := NewAuthHandler(mock, nil)

		req := jsonRequest(t, http.MethodPost, "/auth/login", LoginRequest{
			Email:    "shopper@example.com",
			Password: "CorrectHorse9!",
		})
		rec := httptest.NewRecorder()
		h.Login(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "Authentication failed")
	})

	t.Run("rate limited returns 429 with Retry-After", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.LoginFunc = func(ctx context.Context, email, password string, fp models.Fingerprint) (*services.LoginResult, error) {
			return nil, &models.RateLimitedError{RetryAfter: 30 * time.Minute}
		}
		h := NewAuthHandler(mock, nil)

		req := jsonRequest(t, http.MethodPost, "/auth/login", LoginRequest{
			Email:    "shopper@example.com",
			Password: "CorrectHorse9!",
		})
		rec := httptest.NewRecorder()
		h.Login(rec, req)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "1800", rec.Header().Get("Retry-After"))
	})

	t.Run("malformed body returns 400", func(t *testing.T) {
		h := NewAuthHandler(NewMockAuthority(t), nil)

		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader("{not json"))
		rec := httptest.NewRecorder()
		h.Login(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing email rejected before the authority is consulted", func(t *testing.T) {
		h := NewAuthHandler(NewMockAuthority(t), nil)

		req := jsonRequest(t, http.MethodPost, "/auth/login", LoginRequest{Password: "CorrectHorse9!"})
		rec := httptest.NewRecorder()
		h.Login(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRegister(t *testing.T) {
	const acceptedMessage = "Registration received"

	t.Run("fresh signup returns 202", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.RegisterFunc = func(ctx context.Context, email, displayName, password string, fp models.Fingerprint) (*models.Account, error) {
			assert.Equal(t, "new@example.com", email)
			assert.Equal(t, "New Shopper", displayName)
			return &models.Account{ID: "acct_9", Email: email}, nil
		}
		h := NewAuthHandler(mock, nil)

		req := jsonRequest(t, http.MethodPost, "/auth/register", RegisterRequest{
			Email:       "New@Example.com",
			DisplayName: "  New Shopper ",
			Password:    "CorrectHorse9!",
		})
		rec := httptest.NewRecorder()
		h.Register(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Contains(t, rec.Body.String(), acceptedMessage)
	})

	t.Run("duplicate email gets the identical 202", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.RegisterFunc = func(ctx context.Context, email, displayName, password string, fp models.Fingerprint) (*models.Account, error) {
			return nil, models.ErrConflict
		}
		h := NewAuthHandler(mock, nil)

		req := jsonRequest(t, http.MethodPost, "/auth/register", RegisterRequest{
			Email:       "taken@example.com",
			DisplayName: "Shopper",
			Password:    "CorrectHorse9!",
		})
		rec := httptest.NewRecorder()
		h.Register(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Contains(t, rec.Body.String(), acceptedMessage)
	})

	t.Run("unexpected error returns 500", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.RegisterFunc = func(ctx context.Context, email, displayName, password string, fp models.Fingerprint) (*models.Account, error) {
			return nil, context.DeadlineExceeded
		}
		h := NewAuthHandler(mock, nil)

		req := jsonRequest(t, http.MethodPost, "/auth/register", RegisterRequest{
			Email:       "new@example.com",
			DisplayName: "Shopper",
			Password:    "CorrectHorse9!",
		})
		rec := httptest.NewRecorder()
		h.Register(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestVerifySecondFactor(t *testing.T) {
	t.Run("valid totp code issues a session", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.VerifySecondFactorFunc = func(ctx context.Context, stepUpToken string, proof services.SecondFactorProof, fp models.Fingerprint) (*services.IssuedSession, error) {
			assert.Equal(t, "step-up-xyz", stepUpToken)
			assert.Equal(t, "totp", proof.Method)
			assert.Equal(t, "123456", proof.Code)
			assert.Nil(t, proof.WebAuthnResponse)
			return testIssuedSession(), nil
		}
		h := NewAuthHandler(mock, nil)

		req := jsonRequest(t, http.MethodPost, "/auth/login/verify", VerifySecondFactorRequest{
			StepUpToken: "step-up-xyz",
			Method:      "totp",
			Code:        "123456",
		})
		rec := httptest.NewRecorder()
		h.VerifySecondFactor(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp SessionResponse
		decodeJSON(t, rec, &resp)
		assert.Equal(t, "token-abc", resp.AccessToken)
	})

	t.Run("webauthn assertion body is forwarded raw", func(t *testing.T) {
		assertion := `{"id":"credential-id","response":{}}`
		mock := NewMockAuthority(t)
		mock.VerifySecondFactorFunc = func(ctx context.Context, stepUpToken string, proof services.SecondFactorProof, fp models.Fingerprint) (*services.IssuedSession, error) {
			require.NotNil(t, proof.WebAuthnResponse)
			body, err := io.ReadAll(proof.WebAuthnResponse)
			require.NoError(t, err)
			assert.JSONEq(t, assertion, string(body))
			return testIssuedSession(), nil
		}
		h := NewAuthHandler(mock, nil)

		req := jsonRequest(t, http.MethodPost, "/auth/login/verify", map[string]any{
			"step_up_token":     "step-up-xyz",
			"method":            "webauthn",
			"webauthn_response": map[string]any{"id": "credential-id", "response": map[string]any{}},
		})
		rec := httptest.NewRecorder()
		h.VerifySecondFactor(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unknown method rejected by validation", func(t *testing.T) {
		h := NewAuthHandler(NewMockAuthority(t), nil)

		req := jsonRequest(t, http.MethodPost, "/auth/login/verify", VerifySecondFactorRequest{
			StepUpToken: "step-up-xyz",
			Method:      "sms",
			Code:        "123456",
		})
		rec := httptest.NewRecorder()
		h.VerifySecondFactor(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong code and expired token look the same", func(t *testing.T) {
		for _, failure := range []error{models.ErrInvalidCredential, models.ErrUnauthorized, models.ErrCodeAlreadyUsed} {
			mock := NewMockAuthority(t)
			mock.VerifySecondFactorFunc = func(ctx context.Context, stepUpToken string, proof services.SecondFactorProof, fp models.Fingerprint) (*services.IssuedSession, error) {
				return nil, failure
			}
			h := NewAuthHandler(mock, nil)

			req := jsonRequest(t, http.MethodPost, "/auth/login/verify", VerifySecondFactorRequest{
				StepUpToken: "step-up-xyz",
				Method:      "totp",
				Code:        "000000",
			})
			rec := httptest.NewRecorder()
			h.VerifySecondFactor(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), "Authentication failed")
		}
	})
}

func TestSendSecondFactorCode(t *testing.T) {
	t.Run("dispatches for valid step-up token", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.SendSecondFactorFunc = func(ctx context.Context, stepUpToken string) error {
			assert.Equal(t, "step-up-xyz", stepUpToken)
			return nil
		}
		h := NewAuthHandler(mock, nil)

		req := jsonRequest(t, http.MethodPost, "/auth/login/email-code", StepUpRequest{StepUpToken: "step-up-xyz"})
		rec := httptest.NewRecorder()
		h.SendSecondFactorCode(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("unverified email is refused", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.SendSecondFactorFunc = func(ctx context.Context, stepUpToken string) error {
			return models.ErrEmailNotVerified
		}
		h := NewAuthHandler(mock, nil)

		req := jsonRequest(t, http.MethodPost, "/auth/login/email-code", StepUpRequest{StepUpToken: "step-up-xyz"})
		rec := httptest.NewRecorder()
		h.SendSecondFactorCode(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestPasswordReset(t *testing.T) {
	t.Run("unknown email gets the same 202 as a known one", func(t *testing.T) {
		for _, email := range []string{"known@example.com", "unknown@example.com"} {
			mock := NewMockAuthority(t)
			mock.BeginPasswordResetFunc = func(ctx context.Context, e string) error {
				return nil
			}
			h := NewAuthHandler(mock, nil)

			req := jsonRequest(t, http.MethodPost, "/auth/password-reset", BeginPasswordResetRequest{Email: email})
			rec := httptest.NewRecorder()
			h.BeginPasswordReset(rec, req)

			assert.Equal(t, http.StatusAccepted, rec.Code)
			assert.Contains(t, rec.Body.String(), "If the email is registered")
		}
	})

	t.Run("complete with valid code", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.CompleteResetFunc = func(ctx context.Context, email, code, newPassword string, fp models.Fingerprint) error {
			assert.Equal(t, "shopper@example.com", email)
			assert.Equal(t, "482913", code)
			return nil
		}
		h := NewAuthHandler(mock, nil)

		req := jsonRequest(t, http.MethodPost, "/auth/password-reset/complete", CompletePasswordResetRequest{
			Email:       "shopper@example.com",
			Code:        "482913",
			NewPassword: "BrandNewHorse7$",
		})
		rec := httptest.NewRecorder()
		h.CompletePasswordReset(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("expired and replayed codes get the same 401", func(t *testing.T) {
		for _, failure := range []error{models.ErrCodeExpired, models.ErrCodeAlreadyUsed} {
			mock := NewMockAuthority(t)
			mock.CompleteResetFunc = func(ctx context.Context, email, code, newPassword string, fp models.Fingerprint) error {
				return failure
			}
			h := NewAuthHandler(mock, nil)

			req := jsonRequest(t, http.MethodPost, "/auth/password-reset/complete", CompletePasswordResetRequest{
				Email:       "shopper@example.com",
				Code:        "482913",
				NewPassword: "BrandNewHorse7$",
			})
			rec := httptest.NewRecorder()
			h.CompletePasswordReset(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), "Invalid or expired reset code")
		}
	})

	t.Run("reused password rejected with 400", func(t *testing.T) {
		mock := NewMockAuthority(t)
		mock.CompleteResetFunc = func(ctx context.Context, email, code, newPassword string, fp models.Fingerprint) error {
			return models.ErrPasswordReused
		}
		h := NewAuthHandler(mock, nil)

		req := jsonRequest(t, http.MethodPost, "/auth/password-reset/complete", CompletePasswordResetRequest{
			Email:       "shopper@example.com",
			Code:        "482913",
			NewPassword: "BrandNewHorse7$",
		})
		rec := httptest.NewRecorder()
		h.CompletePasswordReset(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
