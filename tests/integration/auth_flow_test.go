package integration

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testDB *TestDB
	ts     *TestServer
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	var err error
	testDB, err = SetupTestDatabase(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up test database: %v\n", err)
		os.Exit(1)
	}

	ts, err = NewTestServer(testDB.DB)
	if err != nil {
		testDB.Teardown(ctx)
		fmt.Fprintf(os.Stderr, "failed to set up test server: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	ts.Close()
	testDB.Teardown(ctx)
	os.Exit(code)
}

// requireInfra skips tests that need the containerized stack.
func requireInfra(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("requires docker")
	}
	require.NoError(t, testDB.CleanupTables(context.Background()))
}

// clientHeaders isolates each test in its own per-IP throttle bucket.
func clientHeaders(ip string) map[string]string {
	return map[string]string{"X-Forwarded-For": ip}
}

func register(t *testing.T, email, password, clientIP string) {
	t.Helper()
	resp, err := ts.Request(http.MethodPost, "/auth/register", map[string]string{
		"email":        email,
		"display_name": "Flow Test",
		"password":     password,
	}, clientHeaders(clientIP))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func login(t *testing.T, email, password, clientIP string) (*LoginOutcome, int) {
	t.Helper()
	resp, err := ts.Request(http.MethodPost, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, clientHeaders(clientIP))
	require.NoError(t, err)

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, resp.StatusCode
	}

	outcome, err := ParseLoginResponse(resp)
	require.NoError(t, err)
	return outcome, http.StatusOK
}

func TestRegisterAndLoginFlow(t *testing.T) {
	requireInfra(t)

	email, password := TestAccount("login")
	register(t, email, password, "203.0.113.10")

	// No second factor enrolled yet, so the password alone issues a session.
	outcome, status := login(t, email, password, "203.0.113.10")
	require.Equal(t, http.StatusOK, status)
	assert.False(t, outcome.SecondFactorRequired)
	require.NotEmpty(t, outcome.AccessToken)
	require.NotEmpty(t, outcome.SessionID)

	resp, err := ts.RequestWithAuth(http.MethodGet, "/account", outcome.AccessToken, nil)
	require.NoError(t, err)
	var profile struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	require.NoError(t, ParseJSONResponse(resp, &profile))
	assert.Equal(t, email, profile.Email)
	assert.False(t, profile.EmailVerified)

	// Wrong password is indistinguishable from any other failure.
	_, status = login(t, email, "WrongPassword123!", "203.0.113.10")
	assert.Equal(t, http.StatusUnauthorized, status)

	// The activity view carries the trail of everything above.
	resp, err = ts.RequestWithAuth(http.MethodGet, "/account/activity", outcome.AccessToken, nil)
	require.NoError(t, err)
	var activity []struct {
		EventType string `json:"event_type"`
		Outcome   string `json:"outcome"`
		IPAddress string `json:"ip_address"`
	}
	require.NoError(t, ParseJSONResponse(resp, &activity))
	require.NotEmpty(t, activity)
	types := make([]string, 0, len(activity))
	for _, e := range activity {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, "account_registered")
	assert.Contains(t, types, "login_password")
}

func TestEmailVerificationFlow(t *testing.T) {
	requireInfra(t)

	email, password := TestAccount("verify")
	register(t, email, password, "203.0.113.20")

	// Registration dispatches a verification code to the address.
	sent := ts.Notifier.LastCode()
	require.NotNil(t, sent)
	assert.Equal(t, email, sent.Recipient)
	require.Len(t, sent.Code, 6)

	outcome, status := login(t, email, password, "203.0.113.20")
	require.Equal(t, http.StatusOK, status)

	resp, err := ts.RequestWithAuth(http.MethodPost, "/account/email/confirm", outcome.AccessToken,
		map[string]string{"code": sent.Code})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = ts.RequestWithAuth(http.MethodGet, "/account", outcome.AccessToken, nil)
	require.NoError(t, err)
	var profile struct {
		EmailVerified bool `json:"email_verified"`
	}
	require.NoError(t, ParseJSONResponse(resp, &profile))
	assert.True(t, profile.EmailVerified)
}

func TestTOTPStepUpFlow(t *testing.T) {
	requireInfra(t)

	email, password := TestAccount("totp")
	register(t, email, password, "203.0.113.30")

	outcome, status := login(t, email, password, "203.0.113.30")
	require.Equal(t, http.StatusOK, status)
	token := outcome.AccessToken

	// Enroll: begin returns the secret, confirm proves possession.
	resp, err := ts.RequestWithAuth(http.MethodPost, "/account/mfa/totp", token, nil)
	require.NoError(t, err)
	var enrollment struct {
		Secret          string `json:"secret"`
		ProvisioningURI string `json:"provisioning_uri"`
	}
	require.NoError(t, ParseJSONResponse(resp, &enrollment))
	require.NotEmpty(t, enrollment.Secret)
	assert.Contains(t, enrollment.ProvisioningURI, "otpauth://")

	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	require.NoError(t, err)

	resp, err = ts.RequestWithAuth(http.MethodPost, "/account/mfa/totp/confirm", token,
		map[string]string{"code": code})
	require.NoError(t, err)
	var backup struct {
		BackupCodes []string `json:"backup_codes"`
	}
	require.NoError(t, ParseJSONResponse(resp, &backup))
	require.NotEmpty(t, backup.BackupCodes)

	// Subsequent logins now stop at the step-up stage.
	stepUp, status := login(t, email, password, "203.0.113.30")
	require.Equal(t, http.StatusOK, status)
	require.True(t, stepUp.SecondFactorRequired)
	require.NotEmpty(t, stepUp.StepUpToken)
	assert.Contains(t, stepUp.Methods, "totp")
	assert.Empty(t, stepUp.AccessToken)

	code, err = totp.GenerateCode(enrollment.Secret, time.Now())
	require.NoError(t, err)

	resp, err = ts.Request(http.MethodPost, "/auth/login/verify", map[string]string{
		"step_up_token": stepUp.StepUpToken,
		"method":        "totp",
		"code":          code,
	}, clientHeaders("203.0.113.30"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var session struct {
		SessionID   string `json:"session_id"`
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, ParseJSONResponse(resp, &session))
	require.NotEmpty(t, session.AccessToken)

	// The issued token works against protected routes.
	resp, err = ts.RequestWithAuth(http.MethodGet, "/account/mfa", session.AccessToken, nil)
	require.NoError(t, err)
	var summary struct {
		TOTPEnrolled bool `json:"totp_enrolled"`
		UnusedBackup int  `json:"unused_backup_codes"`
	}
	require.NoError(t, ParseJSONResponse(resp, &summary))
	assert.True(t, summary.TOTPEnrolled)
	assert.Equal(t, len(backup.BackupCodes), summary.UnusedBackup)
}

func TestPasswordResetFlow(t *testing.T) {
	requireInfra(t)

	email, password := TestAccount("reset")
	register(t, email, password, "203.0.113.40")

	resp, err := ts.Request(http.MethodPost, "/auth/password-reset",
		map[string]string{"email": email}, clientHeaders("203.0.113.40"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	sent := ts.Notifier.LastCode()
	require.NotNil(t, sent)
	require.Equal(t, email, sent.Recipient)

	newPassword := "RotatedPassword456!"
	resp, err = ts.Request(http.MethodPost, "/auth/password-reset/complete", map[string]string{
		"email":        email,
		"code":         sent.Code,
		"new_password": newPassword,
	}, clientHeaders("203.0.113.40"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, status := login(t, email, password, "203.0.113.41")
	assert.Equal(t, http.StatusUnauthorized, status)

	outcome, status := login(t, email, newPassword, "203.0.113.41")
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, outcome.AccessToken)
}

func TestSessionRevocationFlow(t *testing.T) {
	requireInfra(t)

	email, password := TestAccount("sessions")
	register(t, email, password, "203.0.113.50")

	first, status := login(t, email, password, "203.0.113.50")
	require.Equal(t, http.StatusOK, status)
	second, status := login(t, email, password, "203.0.113.50")
	require.Equal(t, http.StatusOK, status)

	resp, err := ts.RequestWithAuth(http.MethodGet, "/account/sessions", second.AccessToken, nil)
	require.NoError(t, err)
	var sessions []struct {
		ID      string `json:"id"`
		Current bool   `json:"current"`
	}
	require.NoError(t, ParseJSONResponse(resp, &sessions))
	require.Len(t, sessions, 2)

	resp, err = ts.RequestWithAuth(http.MethodDelete, "/account/sessions/"+first.SessionID, second.AccessToken, nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The revoked session's token no longer passes the middleware.
	resp, err = ts.RequestWithAuth(http.MethodGet, "/account", first.AccessToken, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = ts.RequestWithAuth(http.MethodGet, "/account/sessions", second.AccessToken, nil)
	require.NoError(t, err)
	sessions = nil
	require.NoError(t, ParseJSONResponse(resp, &sessions))
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Current)
}

func TestSecurityEventsRecordedWithoutUserAgent(t *testing.T) {
	requireInfra(t)

	email, password := TestAccount("audit")

	// Go's client sends a default User-Agent; an explicitly empty value
	// makes it omit the header entirely, the way probe traffic often does.
	headers := clientHeaders("203.0.113.70")
	headers["User-Agent"] = ""

	resp, err := ts.Request(http.MethodPost, "/auth/register", map[string]string{
		"email":        email,
		"display_name": "Flow Test",
		"password":     password,
	}, headers)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = ts.Request(http.MethodPost, "/auth/login", map[string]string{
		"email":    email,
		"password": "WrongPassword123!",
	}, headers)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Both events must reach the durable trail despite the missing header.
	var n int
	err = testDB.Pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM security_events WHERE user_agent = ''`).Scan(&n)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)
}

func TestAccountLockoutAfterRepeatedFailures(t *testing.T) {
	requireInfra(t)

	email, password := TestAccount("lockout")
	register(t, email, password, "203.0.113.60")

	// Each attempt arrives from a different address, so only the
	// per-account budget accumulates.
	for i := 0; i < 5; i++ {
		ip := fmt.Sprintf("203.0.113.%d", 100+i)
		_, status := login(t, email, "WrongPassword123!", ip)
		require.Equal(t, http.StatusUnauthorized, status, "attempt %d", i+1)
	}

	resp, err := ts.Request(http.MethodPost, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, clientHeaders("203.0.113.200"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}
