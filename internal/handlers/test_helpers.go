package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/duo-labs/webauthn/protocol"

	"github.com/merchward/bastion/internal/auth"
	"github.com/merchward/bastion/internal/models"
	"github.com/merchward/bastion/internal/services"
)

// MockAuthority implements every authority slice the handlers consume.
// Unset func fields fail the calling test.
type MockAuthority struct {
	t *testing.T

	RegisterFunc           func(ctx context.Context, email, displayName, password string, fp models.Fingerprint) (*models.Account, error)
	LoginFunc              func(ctx context.Context, email, password string, fp models.Fingerprint) (*services.LoginResult, error)
	SendSecondFactorFunc   func(ctx context.Context, stepUpToken string) error
	BeginWebAuthnLoginFunc func(ctx context.Context, stepUpToken string) (*protocol.CredentialAssertion, error)
	VerifySecondFactorFunc func(ctx context.Context, stepUpToken string, proof services.SecondFactorProof, fp models.Fingerprint) (*services.IssuedSession, error)
	BeginPasswordResetFunc func(ctx context.Context, email string) error
	CompleteResetFunc      func(ctx context.Context, email, code, newPassword string, fp models.Fingerprint) error
	GetAccountFunc         func(ctx context.Context, accountID string) (*models.Account, error)
	ChangePasswordFunc     func(ctx context.Context, accountID, currentPassword, newPassword string, fp models.Fingerprint) error
	RequestEmailVerifyFunc func(ctx context.Context, accountID string) error
	ConfirmEmailVerifyFunc func(ctx context.Context, accountID, code string, fp models.Fingerprint) error
	DeleteAccountFunc      func(ctx context.Context, accountID, password string, fp models.Fingerprint) error
	BeginTOTPFunc          func(ctx context.Context, accountID string) (*auth.GeneratedSecret, error)
	ConfirmTOTPFunc        func(ctx context.Context, accountID, code string, fp models.Fingerprint) ([]string, error)
	RemoveTOTPFunc         func(ctx context.Context, accountID, password string, fp models.Fingerprint) error
	RegenerateBackupFunc   func(ctx context.Context, accountID string, fp models.Fingerprint) ([]string, error)
	BeginWebAuthnRegFunc   func(ctx context.Context, accountID string) (*protocol.CredentialCreation, error)
	FinishWebAuthnRegFunc  func(ctx context.Context, accountID, name string, response io.Reader, fp models.Fingerprint) (*models.WebAuthnCredential, error)
	ListCredentialsFunc    func(ctx context.Context, accountID string) ([]models.WebAuthnCredential, error)
	RemoveCredentialFunc   func(ctx context.Context, accountID, credentialID, password string, fp models.Fingerprint) error
	FactorSummaryFunc      func(ctx context.Context, accountID string) (*models.FactorSet, error)
	ListSessionsFunc       func(ctx context.Context, accountID string) ([]models.Session, error)
	RevokeSessionFunc      func(ctx context.Context, accountID, sessionID string, fp models.Fingerprint) error
	RevokeAllSessionsFunc  func(ctx context.Context, accountID string, fp models.Fingerprint) (int64, error)
}

func NewMockAuthority(t *testing.T) *MockAuthority {
	return &MockAuthority{t: t}
}

func (m *MockAuthority) Register(ctx context.Context, email, displayName, password string, fp models.Fingerprint) (*models.Account, error) {
	if m.RegisterFunc == nil {
		m.t.Fatal("unexpected call to Register")
	}
	return m.RegisterFunc(ctx, email, displayName, password, fp)
}

func (m *MockAuthority) Login(ctx context.Context, email, password string, fp models.Fingerprint) (*services.LoginResult, error) {
	if m.LoginFunc == nil {
		m.t.Fatal("unexpected call to Login")
	}
	return m.LoginFunc(ctx, email, password, fp)
}

func (m *MockAuthority) SendSecondFactorCode(ctx context.Context, stepUpToken string) error {
	if m.SendSecondFactorFunc == nil {
		m.t.Fatal("unexpected call to SendSecondFactorCode")
	}
	return m.SendSecondFactorFunc(ctx, stepUpToken)
}

func (m *MockAuthority) BeginWebAuthnLogin(ctx context.Context, stepUpToken string) (*protocol.CredentialAssertion, error) {
	if m.BeginWebAuthnLoginFunc == nil {
		m.t.Fatal("unexpected call to BeginWebAuthnLogin")
	}
	return m.BeginWebAuthnLoginFunc(ctx, stepUpToken)
}

func (m *MockAuthority) VerifySecondFactor(ctx context.Context, stepUpToken string, proof services.SecondFactorProof, fp models.Fingerprint) (*services.IssuedSession, error) {
	if m.VerifySecondFactorFunc == nil {
		m.t.Fatal("unexpected call to VerifySecondFactor")
	}
	return m.VerifySecondFactorFunc(ctx, stepUpToken, proof, fp)
}

func (m *MockAuthority) BeginPasswordReset(ctx context.Context, email string) error {
	if m.BeginPasswordResetFunc == nil {
		m.t.Fatal("unexpected call to BeginPasswordReset")
	}
	return m.BeginPasswordResetFunc(ctx, email)
}

func (m *MockAuthority) CompletePasswordReset(ctx context.Context, email, code, newPassword string, fp models.Fingerprint) error {
	if m.CompleteResetFunc == nil {
		m.t.Fatal("unexpected call to CompletePasswordReset")
	}
	return m.CompleteResetFunc(ctx, email, code, newPassword, fp)
}

func (m *MockAuthority) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	if m.GetAccountFunc == nil {
		m.t.Fatal("unexpected call to GetAccount")
	}
	return m.GetAccountFunc(ctx, accountID)
}

func (m *MockAuthority) ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string, fp models.Fingerprint) error {
	if m.ChangePasswordFunc == nil {
		m.t.Fatal("unexpected call to ChangePassword")
	}
	return m.ChangePasswordFunc(ctx, accountID, currentPassword, newPassword, fp)
}

func (m *MockAuthority) RequestEmailVerification(ctx context.Context, accountID string) error {
	if m.RequestEmailVerifyFunc == nil {
		m.t.Fatal("unexpected call to RequestEmailVerification")
	}
	return m.RequestEmailVerifyFunc(ctx, accountID)
}

func (m *MockAuthority) ConfirmEmailVerification(ctx context.Context, accountID, code string, fp models.Fingerprint) error {
	if m.ConfirmEmailVerifyFunc == nil {
		m.t.Fatal("unexpected call to ConfirmEmailVerification")
	}
	return m.ConfirmEmailVerifyFunc(ctx, accountID, code, fp)
}

func (m *MockAuthority) DeleteAccount(ctx context.Context, accountID, password string, fp models.Fingerprint) error {
	if m.DeleteAccountFunc == nil {
		m.t.Fatal("unexpected call to DeleteAccount")
	}
	return m.DeleteAccountFunc(ctx, accountID, password, fp)
}

func (m *MockAuthority) BeginTOTPEnrollment(ctx context.Context, accountID string) (*auth.GeneratedSecret, error) {
	if m.BeginTOTPFunc == nil {
		m.t.Fatal("unexpected call to BeginTOTPEnrollment")
	}
	return m.BeginTOTPFunc(ctx, accountID)
}

func (m *MockAuthority) ConfirmTOTPEnrollment(ctx context.Context, accountID, code string, fp models.Fingerprint) ([]string, error) {
	if m.ConfirmTOTPFunc == nil {
		m.t.Fatal("unexpected call to ConfirmTOTPEnrollment")
	}
	return m.ConfirmTOTPFunc(ctx, accountID, code, fp)
}

func (m *MockAuthority) RemoveTOTP(ctx context.Context, accountID, password string, fp models.Fingerprint) error {
	if m.RemoveTOTPFunc == nil {
		m.t.Fatal("unexpected call to RemoveTOTP")
	}
	return m.RemoveTOTPFunc(ctx, accountID, password, fp)
}

func (m *MockAuthority) RegenerateBackupCodes(ctx context.Context, accountID string, fp models.Fingerprint) ([]string, error) {
	if m.RegenerateBackupFunc == nil {
		m.t.Fatal("unexpected call to RegenerateBackupCodes")
	}
	return m.RegenerateBackupFunc(ctx, accountID, fp)
}

func (m *MockAuthority) BeginWebAuthnRegistration(ctx context.Context, accountID string) (*protocol.CredentialCreation, error) {
	if m.BeginWebAuthnRegFunc == nil {
		m.t.Fatal("unexpected call to BeginWebAuthnRegistration")
	}
	return m.BeginWebAuthnRegFunc(ctx, accountID)
}

func (m *MockAuthority) FinishWebAuthnRegistration(ctx context.Context, accountID, name string, response io.Reader, fp models.Fingerprint) (*models.WebAuthnCredential, error) {
	if m.FinishWebAuthnRegFunc == nil {
		m.t.Fatal("unexpected call to FinishWebAuthnRegistration")
	}
	return m.FinishWebAuthnRegFunc(ctx, accountID, name, response, fp)
}

func (m *MockAuthority) ListWebAuthnCredentials(ctx context.Context, accountID string) ([]models.WebAuthnCredential, error) {
	if m.ListCredentialsFunc == nil {
		m.t.Fatal("unexpected call to ListWebAuthnCredentials")
	}
	return m.ListCredentialsFunc(ctx, accountID)
}

func (m *MockAuthority) RemoveWebAuthnCredential(ctx context.Context, accountID, credentialID, password string, fp models.Fingerprint) error {
	if m.RemoveCredentialFunc == nil {
		m.t.Fatal("unexpected call to RemoveWebAuthnCredential")
	}
	return m.RemoveCredentialFunc(ctx, accountID, credentialID, password, fp)
}

func (m *MockAuthority) FactorSummary(ctx context.Context, accountID string) (*models.FactorSet, error) {
	if m.FactorSummaryFunc == nil {
		m.t.Fatal("unexpected call to FactorSummary")
	}
	return m.FactorSummaryFunc(ctx, accountID)
}

func (m *MockAuthority) ListSessions(ctx context.Context, accountID string) ([]models.Session, error) {
	if m.ListSessionsFunc == nil {
		m.t.Fatal("unexpected call to ListSessions")
	}
	return m.ListSessionsFunc(ctx, accountID)
}

func (m *MockAuthority) RevokeSession(ctx context.Context, accountID, sessionID string, fp models.Fingerprint) error {
	if m.RevokeSessionFunc == nil {
		m.t.Fatal("unexpected call to RevokeSession")
	}
	return m.RevokeSessionFunc(ctx, accountID, sessionID, fp)
}

func (m *MockAuthority) RevokeAllSessions(ctx context.Context, accountID string, fp models.Fingerprint) (int64, error) {
	if m.RevokeAllSessionsFunc == nil {
		m.t.Fatal("unexpected call to RevokeAllSessions")
	}
	return m.RevokeAllSessionsFunc(ctx, accountID, fp)
}

// jsonRequest builds a request with a JSON body.
func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// authenticatedRequest attaches validated claims the way RequireSession does.
func authenticatedRequest(t *testing.T, method, target string, body any, accountID, sessionID string) *http.Request {
	t.Helper()
	req := jsonRequest(t, method, target, body)
	claims := &models.TokenClaims{
		Type:      models.TokenTypeAccess,
		AccountID: accountID,
		SessionID: sessionID,
	}
	ctx := context.WithValue(req.Context(), auth.ClaimsContextKey, claims)
	return req.WithContext(ctx)
}

// decodeJSON decodes a response recorder body into out.
func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}
