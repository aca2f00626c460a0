package main

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Onegaishimas/bin2nlp/api/handlers"
	"github.com/Onegaishimas/bin2nlp/internal/auth"
	"github.com/Onegaishimas/bin2nlp/internal/ctxkeys"
	"github.com/Onegaishimas/bin2nlp/internal/llmtypes"
	"github.com/Onegaishimas/bin2nlp/internal/metrics"
	"github.com/Onegaishimas/bin2nlp/internal/ratelimit"
	"github.com/Onegaishimas/bin2nlp/types"
)

// =============================================================================
// 🔗 中间件链
// =============================================================================

// Middleware 类型定义
type Middleware func(http.Handler) http.Handler

// Chain 将多个中间件串联；第一个参数最先执行。
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// =============================================================================
// 🆔 Request ID
// =============================================================================

// RequestID attaches a request id to the context and echoes it in the
// X-Request-ID response header. An inbound X-Request-ID is honored so
// callers can correlate across services.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(ctxkeys.WithTraceID(r.Context(), id)))
		})
	}
}

// =============================================================================
// 📝 请求日志 + 指标
// =============================================================================

// RequestLogger logs one structured line per request and feeds the HTTP
// metrics collector.
func RequestLogger(logger *zap.Logger, collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)
			elapsed := time.Since(start)

			requestID, _ := ctxkeys.TraceID(r.Context())
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Duration("elapsed", elapsed),
				zap.String("remote", remoteIP(r)),
				zap.String("request_id", requestID),
			)
			if collector != nil {
				collector.RecordHTTPRequest(r.Method, r.URL.Path, rw.StatusCode, elapsed, r.ContentLength, 0)
			}
		})
	}
}

// =============================================================================
// 🛡️ Recovery
// =============================================================================

// Recovery turns a handler panic into a 500 envelope instead of tearing
// the connection down; panic details go to the log only.
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
					)
					handlers.WriteError(w, types.NewError(types.ErrInternal, "internal error"), nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// 🔒 安全响应头 / HTTPS 强制
// =============================================================================

// SecurityHeaders sets the standard hardening headers, and, when
// enforceHTTPS is on, redirects plain-HTTP requests (as seen via
// X-Forwarded-Proto behind a terminating proxy) to their HTTPS form.
func SecurityHeaders(enforceHTTPS bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")

			if enforceHTTPS && r.TLS == nil && r.Header.Get("X-Forwarded-Proto") == "http" {
				target := "https://" + r.Host + r.URL.RequestURI()
				http.Redirect(w, r, target, http.StatusPermanentRedirect)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// 🚰 粗粒度 per-IP 限流（API key 鉴权之前的第一道闸）
// =============================================================================

// ipLimiters tracks one token bucket per client IP, evicting buckets idle
// past idleEvictAfter so the map cannot grow without bound.
type ipLimiters struct {
	mu       sync.Mutex
	buckets  map[string]*ipBucket
	rps      rate.Limit
	burst    int
	lastScan time.Time
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const idleEvictAfter = 10 * time.Minute

func newIPLimiters(rps float64, burst int) *ipLimiters {
	return &ipLimiters{
		buckets: make(map[string]*ipBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (l *ipLimiters) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastScan) > idleEvictAfter {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > idleEvictAfter {
				delete(l.buckets, k)
			}
		}
		l.lastScan = now
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}

// PerIPRateLimit applies the coarse token bucket ahead of authentication,
// shielding the KV-backed limiter (and the auth store) from raw floods.
func PerIPRateLimit(rps float64, burst int, logger *zap.Logger) Middleware {
	limiters := newIPLimiters(rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.allow(remoteIP(r)) {
				w.Header().Set("Retry-After", "1")
				handlers.WriteError(w,
					types.NewError(types.ErrRateLimited, "too many requests from this address"), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// 🔑 API key 鉴权
// =============================================================================

// APIKeyAuth authenticates via the X-API-Key header (or a Bearer token
// carrying the same raw key) against the key store, and attaches the key
// record to the request context. Paths listed in skip are public.
func APIKeyAuth(store *auth.Store, logger *zap.Logger, skip ...string) Middleware {
	skipSet := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipSet[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipSet[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			raw := r.Header.Get("X-API-Key")
			if raw == "" {
				if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
					raw = strings.TrimPrefix(bearer, "Bearer ")
				}
			}
			if raw == "" {
				handlers.WriteError(w, types.NewError(types.ErrAuthentication, "API key is required"), nil)
				return
			}

			key, err := store.Authenticate(r.Context(), raw, remoteIP(r))
			if err != nil {
				// Authenticate already returns safe messages; log the key
				// prefix only, never the raw credential.
				logger.Warn("authentication failed",
					zap.String("key_prefix", keyPrefix(raw)),
					zap.String("remote", remoteIP(r)),
				)
				handlers.WriteError(w, types.NewError(types.ErrAuthentication, "invalid API key"), nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctxkeys.WithAPIKey(r.Context(), key)))
		})
	}
}

// keyPrefix returns the short identification-by-prefix form of a raw key
// for logs.
func keyPrefix(raw string) string {
	if len(raw) <= 8 {
		return raw
	}
	return raw[:8] + "…"
}

// RequireScope guards one route with a scope check against the
// authenticated key: denied by scope yields 403, denied by tier likewise.
func RequireScope(scope auth.Scope, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := ctxkeys.APIKey(r.Context())
		if !ok {
			handlers.WriteError(w, types.NewError(types.ErrAuthentication, "API key is required"), nil)
			return
		}
		if err := auth.Authorize(key, scope); err != nil {
			handlers.WriteError(w, err.(*types.Error), nil)
			return
		}
		next(w, r)
	}
}

// =============================================================================
// ⏱️ KV-backed 分级限流（按 key id 计）
// =============================================================================

// TieredRateLimit applies the sliding-window limiter keyed by the
// authenticated key's id and tier. It runs after APIKeyAuth; requests on
// public paths (no key in context) pass through untouched.
func TieredRateLimit(limiter *ratelimit.Limiter, collector *metrics.Collector, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := ctxkeys.APIKey(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Check(r.Context(), key.ID, llmtypes.Tier(key.Tier), 1)
			if err != nil {
				// The limiter fails open internally; an error here is a bug
				// in the policy table, not a store outage. Let the request
				// through and say so.
				logger.Error("rate limit check errored", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			if result.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}
			if !result.Allowed {
				retryAfter := int(result.RetryAfter)
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				if collector != nil {
					collector.RecordRateLimitRejection("api_key")
				}
				appErr := types.NewError(types.ErrRateLimited, "rate limit exceeded for this API key")
				appErr.RetryAfter = result.RetryAfter
				handlers.WriteError(w, appErr, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// remoteIP extracts the caller's IP, trusting X-Forwarded-For's first hop
// when present (the service is expected to sit behind a terminating
// proxy in production).
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
