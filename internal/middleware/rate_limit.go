package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	pkghttp "github.com/merchward/bastion/pkg/http"
)

// RateLimitConfig bounds how many requests a single client address may make
// inside one window. This edge throttle sits in front of the per-account
// attempt accounting the services layer keeps.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// DefaultAuthRateLimit is the throttle applied to credential-bearing
// endpoints: 5 requests per minute per client address.
func DefaultAuthRateLimit() RateLimitConfig {
	return RateLimitConfig{
		Requests: 5,
		Window:   time.Minute,
	}
}

// RateLimitByIP throttles requests by client address. The real IP is
// resolved from forwarding headers when present, so deployments behind a
// proxy still key on the originating client.
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	window := config.Window
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(
		config.Requests,
		window,
		httprate.WithKeyByRealIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			// The window length is the worst-case wait for a fresh budget.
			pkghttp.WriteRateLimited(w, window)
		}),
	)
}
