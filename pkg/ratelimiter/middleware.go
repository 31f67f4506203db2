package ratelimiter

import (
	"net"
	"net/http"
	"strconv"
	"strings"
)

// KeyFunc extracts a rate limit key from the request.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by client address. Proxy headers are trusted in the
// order CF-Connecting-IP, X-Forwarded-For (first valid entry), X-Real-IP,
// then the connection's remote address.
func ClientIP(r *http.Request) string {
	if ip := normalizeIP(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		for candidate := range strings.SplitSeq(forwarded, ",") {
			if ip := normalizeIP(candidate); ip != "" {
				return ip
			}
		}
	}
	if ip := normalizeIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return normalizeIP(r.RemoteAddr)
	}
	return normalizeIP(host)
}

// normalizeIP returns the canonical form of s, or "" when it is not an IP
func normalizeIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}

// MiddlewareOption configures Middleware
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	onLimited func(w http.ResponseWriter, r *http.Request, res *Result)
	onError   func(w http.ResponseWriter, r *http.Request, err error)
}

// WithLimitedHandler replaces the default 429 plain text response
func WithLimitedHandler(fn func(w http.ResponseWriter, r *http.Request, res *Result)) MiddlewareOption {
	return func(c *middlewareConfig) {
		if fn != nil {
			c.onLimited = fn
		}
	}
}

// WithErrorHandler replaces the default 500 plain text response for store failures
func WithErrorHandler(fn func(w http.ResponseWriter, r *http.Request, err error)) MiddlewareOption {
	return func(c *middlewareConfig) {
		if fn != nil {
			c.onError = fn
		}
	}
}

// Middleware limits requests per key and sets the X-RateLimit-* headers.
// Requests with an empty key pass through.
func Middleware(limiter RateLimiter, keyFunc KeyFunc, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{
		onLimited: func(w http.ResponseWriter, r *http.Request, res *Result) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		},
		onError: func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			res, err := limiter.Allow(r.Context(), key)
			if err != nil {
				cfg.onError(w, r, err)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(max(0, res.Remaining)))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed() {
				if retryAfter := int(res.RetryAfter().Seconds()); retryAfter > 0 {
					h.Set("Retry-After", strconv.Itoa(retryAfter))
				}
				cfg.onLimited(w, r, res)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
