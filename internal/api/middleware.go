package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"whatsapp-gateway/internal/config"
	"whatsapp-gateway/internal/metrics"
	"whatsapp-gateway/internal/security"
)

// Content security policies for JSON endpoints and the status page
const (
	apiCSP  = "default-src 'none'; frame-ancestors 'none'"
	pageCSP = "default-src 'self'; img-src 'self' data:; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; frame-ancestors 'none'"
)

// visitor idle time before its limiter is dropped
const visitorTTL = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one token bucket per client IP
type ipRateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	lastPrune time.Time
	now       func() time.Time
}

func newIPRateLimiter(perMinute int) *ipRateLimiter {
	return &ipRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		now:      time.Now,
	}
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) > visitorTTL {
		for key, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(l.visitors, key)
			}
		}
		l.lastPrune = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// clientIP returns the first X-Forwarded-For hop or the remote address
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// middleware holds the configuration shared by the handler chains
type middleware struct {
	cfg     *config.Config
	origins map[string]bool
	limiter *ipRateLimiter
	metrics *metrics.Metrics
}

func newMiddleware(cfg *config.Config, m *metrics.Metrics) *middleware {
	origins := make(map[string]bool, len(cfg.CORSOrigins))
	for _, origin := range cfg.CORSOrigins {
		origins[origin] = true
	}
	return &middleware{
		cfg:     cfg,
		origins: origins,
		limiter: newIPRateLimiter(cfg.RateLimitPerMinute),
		metrics: m,
	}
}

// auth validates the API key using constant-time comparison
func (m *middleware) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if disabled or no API_KEY is configured (dev mode)
		if m.cfg.DisableAuthCheck || m.cfg.APIKey == "" {
			next(w, r)
			return
		}

		ip := clientIP(r)
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(m.cfg.APIKey)) != 1 {
			security.LogAuthFailure(ip, r.Header.Get("User-Agent"), "Invalid API key")
			SendJSONError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		security.LogAuthSuccess(ip, r.URL.Path)
		next(w, r)
	}
}

// rateLimit limits requests per IP address
func (m *middleware) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !m.limiter.allow(ip) {
			security.LogRateLimitExceeded(ip)
			w.Header().Set("Retry-After", "60")
			SendJSONError(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// cors adds CORS headers for the configured origins
func (m *middleware) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if m.origins["*"] {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if m.origins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Max-Age", "86400")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// securityHeaders adds security headers with the given content security policy
func securityHeaders(csp string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", csp)
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency under route
func (m *middleware) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if m.metrics != nil {
			m.metrics.RecordHTTP(route, strconv.Itoa(rec.status), time.Since(start).Seconds())
		}
	}
}

// secure chains security headers, CORS, rate limiting and auth
func (m *middleware) secure(route string, next http.HandlerFunc) http.HandlerFunc {
	return m.instrument(route, securityHeaders(apiCSP, m.cors(m.rateLimit(m.auth(next)))))
}

// public is used for read-only routes polled by the status page
func (m *middleware) public(route, csp string, next http.HandlerFunc) http.HandlerFunc {
	return m.instrument(route, securityHeaders(csp, m.cors(next)))
}
