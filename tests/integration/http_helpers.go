package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/merchward/bastion/internal/auth"
	"github.com/merchward/bastion/internal/config"
	"github.com/merchward/bastion/internal/database"
	"github.com/merchward/bastion/internal/handlers"
	"github.com/merchward/bastion/internal/memory"
	middlewareCustom "github.com/merchward/bastion/internal/middleware"
	"github.com/merchward/bastion/internal/routes"
	"github.com/merchward/bastion/internal/services"
	pkghttp "github.com/merchward/bastion/pkg/http"
	pkglogger "github.com/merchward/bastion/pkg/logger"
)

// SentCode is a one-time code captured in place of real email delivery
type SentCode struct {
	Recipient string
	Purpose   string
	Code      string
}

// CapturingNotifier records issued codes for test assertions
type CapturingNotifier struct {
	SentCodes []SentCode
	mu        sync.Mutex
}

// SendCode records the code instead of delivering it
func (n *CapturingNotifier) SendCode(ctx context.Context, recipient, purpose, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.SentCodes = append(n.SentCodes, SentCode{
		Recipient: recipient,
		Purpose:   purpose,
		Code:      code,
	})
	return nil
}

// LastCode returns the most recent code sent, or nil if none
func (n *CapturingNotifier) LastCode() *SentCode {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.SentCodes) == 0 {
		return nil
	}
	return &n.SentCodes[len(n.SentCodes)-1]
}

// TestServer wraps httptest.Server with the full authority stack on a real database
type TestServer struct {
	Server   *httptest.Server
	DB       *database.DB
	Notifier *CapturingNotifier
	Config   *config.Config

	logger *slog.Logger
}

// NewTestServer initializes a complete HTTP server with a real database and captured email
func NewTestServer(db *database.DB) (*TestServer, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:           "0",
			Env:            "test",
			TrustedProxies: []string{},
			AllowedOrigins: []string{},
		},
		Auth: config.AuthConfig{
			JWTSecret:         "test-secret-32-characters-long-for-testing",
			AccessTokenExpiry: 15 * time.Minute,
			StepUpTokenExpiry: 5 * time.Minute,
			TOTPIssuer:        "BastionTest",
			TOTPEncryptionKey: []byte("0123456789abcdef0123456789abcdef"),
			CleanupInterval:   1 * time.Hour,
			// Keep the failure delay negligible so tests stay fast.
			TimingBaseDelayMs:   1,
			TimingRandomDelayMs: 0,
		},
		RateLimit: config.RateLimitConfig{
			Window:          1 * time.Hour,
			MaxPerIP:        1000,
			MaxPerAccount:   5,
			LockoutDuration: 30 * time.Minute,
		},
		WebAuthn: config.WebAuthnConfig{
			RPID:          "localhost",
			RPOrigin:      "http://localhost",
			RPDisplayName: "Bastion Test",
		},
	}

	accountRepo, factorRepo, sessionRepo, eventRepo := InitializeRepositories(db)

	notifier := &CapturingNotifier{}

	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.StepUpTokenExpiry,
	)

	totpManager, err := auth.NewTOTPManager(cfg.Auth.TOTPEncryptionKey, cfg.Auth.TOTPIssuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create totp manager: %w", err)
	}

	relyingParty, err := auth.NewRelyingParty(cfg.WebAuthn.RPID, cfg.WebAuthn.RPOrigin, cfg.WebAuthn.RPDisplayName)
	if err != nil {
		return nil, fmt.Errorf("failed to create relying party: %w", err)
	}

	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.Auth.TimingBaseDelayMs,
		RandomDelayMs: cfg.Auth.TimingRandomDelayMs,
	})

	securityLogger := pkglogger.NewSecurityLogger(logger, eventRepo)

	rateLimitService := services.NewRateLimitService(memory.NewRateLimitStore(), services.RateLimitConfig{
		Window:          cfg.RateLimit.Window,
		MaxPerIP:        cfg.RateLimit.MaxPerIP,
		MaxPerAccount:   cfg.RateLimit.MaxPerAccount,
		LockoutDuration: cfg.RateLimit.LockoutDuration,
	}, logger)
	credentialService := services.NewCredentialService(accountRepo, logger)
	factorService := services.NewFactorService(factorRepo, totpManager, logger)
	webauthnService := services.NewWebAuthnService(relyingParty, factorRepo, memory.NewChallengeStore(), logger)
	codeService := services.NewCodeService(memory.NewCodeStore(), notifier, logger)
	sessionService := services.NewSessionService(sessionRepo, tokenManager, logger)

	authority := services.NewAuthorityService(
		credentialService,
		factorService,
		webauthnService,
		codeService,
		sessionService,
		rateLimitService,
		tokenManager,
		timingDelay,
		securityLogger,
		logger,
	)

	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	authHandler := handlers.NewAuthHandler(authority, ipConfig)
	accountHandler := handlers.NewAccountHandler(authority, ipConfig)
	mfaHandler := handlers.NewMFAHandler(authority, ipConfig)
	sessionHandler := handlers.NewSessionHandler(authority, ipConfig)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(r, authHandler, accountHandler, mfaHandler, sessionHandler, tokenManager, sessionService)

	server := httptest.NewServer(r)

	return &TestServer{
		Server:   server,
		DB:       db,
		Notifier: notifier,
		Config:   cfg,
		logger:   logger,
	}, nil
}

// Close shuts down the test server
func (ts *TestServer) Close() {
	if ts.Server != nil {
		ts.Server.Close()
	}
}

// Request makes an HTTP request to the test server
func (ts *TestServer) Request(method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	url := ts.Server.URL + path

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return http.DefaultClient.Do(req)
}

// RequestWithAuth makes an authenticated HTTP request with an access token
func (ts *TestServer) RequestWithAuth(method, path, accessToken string, body interface{}) (*http.Response, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + accessToken,
	}
	return ts.Request(method, path, body, headers)
}

// ParseJSONResponse parses the JSON response body into the target struct
func ParseJSONResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// LoginOutcome captures the fields of a login response a test may assert on
type LoginOutcome struct {
	SecondFactorRequired bool
	Methods              []string
	StepUpToken          string
	SessionID            string
	AccessToken          string
}

// ParseLoginResponse extracts the login outcome from a response body
func ParseLoginResponse(resp *http.Response) (*LoginOutcome, error) {
	defer resp.Body.Close()

	var body struct {
		SecondFactorRequired bool     `json:"second_factor_required"`
		Methods              []string `json:"methods"`
		StepUpToken          string   `json:"step_up_token"`
		Session              *struct {
			SessionID   string `json:"session_id"`
			AccessToken string `json:"access_token"`
		} `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to parse login response: %w", err)
	}

	outcome := &LoginOutcome{
		SecondFactorRequired: body.SecondFactorRequired,
		Methods:              body.Methods,
		StepUpToken:          body.StepUpToken,
	}
	if body.Session != nil {
		outcome.SessionID = body.Session.SessionID
		outcome.AccessToken = body.Session.AccessToken
	}
	return outcome, nil
}

// GetErrorMessage extracts the error message from an error response
func GetErrorMessage(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	var errResp map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return "", err
	}
	if msg, ok := errResp["message"].(string); ok {
		return msg, nil
	}
	return "", nil
}
