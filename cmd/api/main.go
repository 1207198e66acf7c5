package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/merchward/bastion/internal/auth"
	"github.com/merchward/bastion/internal/background"
	"github.com/merchward/bastion/internal/cache"
	"github.com/merchward/bastion/internal/config"
	"github.com/merchward/bastion/internal/database"
	"github.com/merchward/bastion/internal/handlers"
	"github.com/merchward/bastion/internal/memory"
	"github.com/merchward/bastion/internal/middleware"
	"github.com/merchward/bastion/internal/repositories"
	"github.com/merchward/bastion/internal/routes"
	"github.com/merchward/bastion/internal/services"
	pkghttp "github.com/merchward/bastion/pkg/http"
	"github.com/merchward/bastion/pkg/logger"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	log.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	db, err := database.NewConnection(&cfg.Database, log)
	if err != nil {
		log.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Repositories
	accountRepo := repositories.NewAccountRepository(db)
	factorRepo := repositories.NewFactorRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	eventRepo := repositories.NewSecurityEventRepository(db)

	// Ephemeral security state. Redis when configured, otherwise in-process
	// memory, which is fine for a single instance.
	var (
		rateStore      services.RateLimitStore
		codeStore      services.CodeStore
		challengeStore services.ChallengeStore
	)
	if cfg.Redis.Addr != "" {
		client, err := cache.NewClient(context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Error("failed to connect to redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer client.Close()
		rateStore = cache.NewRateLimitStore(client)
		codeStore = cache.NewCodeStore(client)
		challengeStore = cache.NewChallengeStore(client)
		log.Info("ephemeral state backed by redis", slog.String("addr", cfg.Redis.Addr))
	} else {
		rateStore = memory.NewRateLimitStore()
		codeStore = memory.NewCodeStore()
		challengeStore = memory.NewChallengeStore()
		log.Warn("ephemeral state held in process memory; lockouts reset on restart")
	}

	// Email delivery
	var notifier services.Notifier
	if cfg.Email.Enabled {
		sesNotifier, err := services.NewSESNotifier(context.Background(), cfg.Email.AWSRegion, cfg.Email.FromAddress, log)
		if err != nil {
			log.Error("failed to initialize ses notifier", slog.Any("error", err))
			os.Exit(1)
		}
		notifier = sesNotifier
	} else {
		notifier = services.NewLogNotifier(log)
		log.Warn("email delivery disabled; codes are logged instead")
	}

	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.StepUpTokenExpiry,
	)

	totpManager, err := auth.NewTOTPManager(cfg.Auth.TOTPEncryptionKey, cfg.Auth.TOTPIssuer)
	if err != nil {
		log.Error("failed to initialize totp manager", slog.Any("error", err))
		os.Exit(1)
	}

	relyingParty, err := auth.NewRelyingParty(cfg.WebAuthn.RPID, cfg.WebAuthn.RPOrigin, cfg.WebAuthn.RPDisplayName)
	if err != nil {
		log.Error("failed to initialize webauthn relying party", slog.Any("error", err))
		os.Exit(1)
	}

	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.Auth.TimingBaseDelayMs,
		RandomDelayMs: cfg.Auth.TimingRandomDelayMs,
	})

	securityLogger := logger.NewSecurityLogger(log, eventRepo)

	// Services
	rateLimitService := services.NewRateLimitService(rateStore, services.RateLimitConfig{
		Window:          cfg.RateLimit.Window,
		MaxPerIP:        cfg.RateLimit.MaxPerIP,
		MaxPerAccount:   cfg.RateLimit.MaxPerAccount,
		LockoutDuration: cfg.RateLimit.LockoutDuration,
	}, log)
	credentialService := services.NewCredentialService(accountRepo, log)
	factorService := services.NewFactorService(factorRepo, totpManager, log)
	webauthnService := services.NewWebAuthnService(relyingParty, factorRepo, challengeStore, log)
	codeService := services.NewCodeService(codeStore, notifier, log)
	sessionService := services.NewSessionService(sessionRepo, tokenManager, log)

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
		log,
	)

	// Handlers
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	authHandler := handlers.NewAuthHandler(authority, ipConfig)
	accountHandler := handlers.NewAccountHandler(authority, ipConfig)
	mfaHandler := handlers.NewMFAHandler(authority, ipConfig)
	sessionHandler := handlers.NewSessionHandler(authority, ipConfig)

	cleanupManager := background.NewCleanupManager(factorRepo, sessionRepo, eventRepo, log, cfg.Auth.CleanupInterval)

	// Router
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middleware.SecureLogger(log))
	router.Use(chimiddleware.Recoverer)
	router.Use(chimiddleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, authHandler, accountHandler, mfaHandler, sessionHandler, tokenManager, sessionService)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up"}`))
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	go func() {
		log.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	log.Info("server stopped gracefully")
}
