package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/tenantguard/pkg/contextkeys"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate. Only the local
	// limiter uses it.
	BurstSize int
}

// DefaultRateLimitConfig returns the per-principal admin API limit
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
		BurstSize:         60,
	}
}

// VerificationRateLimitConfig returns the limit on deletion verification
// attempts per data subject
func VerificationRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Hour,
		BurstSize:         5,
	}
}

// Limiter decides whether one more request for key fits the limit
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Config() RateLimitConfig
}

// RateLimiter is an in-process token bucket per key. Idle buckets expire
// after two windows.
type RateLimiter struct {
	config  RateLimitConfig
	buckets *lru.LRU[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

// NewRateLimiter creates a new local rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.RequestsPerWindow <= 0 || config.WindowDuration <= 0 {
		config = DefaultRateLimitConfig()
	}
	burst := config.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		config:  config,
		buckets: lru.NewLRU[string, *rate.Limiter](100000, nil, 2*config.WindowDuration),
		limit:   rate.Limit(float64(config.RequestsPerWindow) / config.WindowDuration.Seconds()),
		burst:   burst,
	}
}

// Allow takes one token from key's bucket
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, error) {
	b, ok := rl.buckets.Get(key)
	if !ok {
		b = rate.NewLimiter(rl.limit, rl.burst)
		rl.buckets.Add(key, b)
	}
	return b.Allow(), nil
}

// Config returns the limiter settings
func (rl *RateLimiter) Config() RateLimitConfig { return rl.config }

// KeyFunc picks the rate limit key of a request. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

// PrincipalKey keys on the authenticated principal, or the client address
// for anonymous requests
func PrincipalKey(r *http.Request) string {
	if p, ok := contextkeys.PrincipalFrom(r.Context()); ok {
		return fmt.Sprintf("principal:%d:%d", p.TenantID, p.UserID)
	}
	return "ip:" + clientIP(r)
}

// RouteSubjectKey limits only routes whose path template ends with suffix,
// keyed on the {tenant} and {user} path variables
func RouteSubjectKey(suffix string) KeyFunc {
	return func(r *http.Request) string {
		route := mux.CurrentRoute(r)
		if route == nil {
			return ""
		}
		tmpl, err := route.GetPathTemplate()
		if err != nil || !strings.HasSuffix(tmpl, suffix) {
			return ""
		}
		vars := mux.Vars(r)
		return "subject:" + vars["tenant"] + ":" + vars["user"]
	}
}

// RateLimit returns middleware enforcing limiter per key. Limiter errors fail
// open so a cache outage does not take the admin API down.
func RateLimit(limiter Limiter, key KeyFunc, logger *logrus.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.New()
	}
	cfg := limiter.Config()
	limitHeader := strconv.Itoa(cfg.RequestsPerWindow)
	retryAfter := strconv.Itoa(int(cfg.WindowDuration.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), k)
			if err != nil {
				logger.WithError(err).WithField("key", k).Warn("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", limitHeader)
			if !allowed {
				w.Header().Set("Retry-After", retryAfter)
				httputil.WriteErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	// Check X-Forwarded-For header (if behind proxy)
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
