package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Onegaishimas/bin2nlp/internal/auth"
	"github.com/Onegaishimas/bin2nlp/internal/ctxkeys"
	"github.com/Onegaishimas/bin2nlp/internal/kvstore"
	"github.com/Onegaishimas/bin2nlp/internal/llmtypes"
	"github.com/Onegaishimas/bin2nlp/internal/ratelimit"
)

func newTestKV(t *testing.T) kvstore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return kvstore.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(okHandler(), mw("first"), mw("second"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ctxkeys.TraceID(r.Context())
	})
	h := Chain(inner, RequestID())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	// An inbound id is preserved.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "caller-chosen")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, "caller-chosen", seen)
}

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), Recovery(zap.NewNop()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestAPIKeyAuth(t *testing.T) {
	store := auth.NewStore(newTestKV(t), "b2n_")
	key, raw, err := store.Create(context.Background(), auth.CreateParams{
		Name:   "test",
		Scopes: []auth.Scope{auth.ScopeJobsRead},
		Tier:   "standard",
	})
	require.NoError(t, err)

	var gotKey *auth.APIKey
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey, _ = ctxkeys.APIKey(r.Context())
	})
	h := Chain(inner, APIKeyAuth(store, zap.NewNop(), "/healthz"))

	// Valid key.
	r := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	r.Header.Set("X-API-Key", raw)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotKey)
	assert.Equal(t, key.ID, gotKey.ID)

	// Missing key.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong key.
	r = httptest.NewRequest(http.MethodGet, "/jobs", nil)
	r.Header.Set("X-API-Key", "b2n_definitely_wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Skip path passes without a key.
	gotKey = nil
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, gotKey)
}

func TestRequireScope(t *testing.T) {
	key := &auth.APIKey{ID: "k1", Scopes: []auth.Scope{auth.ScopeJobsRead}, Tier: "standard"}
	handler := RequireScope(auth.ScopeJobsRead, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	r = r.WithContext(ctxkeys.WithAPIKey(r.Context(), key))
	rec := httptest.NewRecorder()
	handler(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)

	denied := RequireScope(auth.ScopeAdminRead, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec = httptest.NewRecorder()
	denied(rec, r)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTieredRateLimitDeniesOverQuota(t *testing.T) {
	limiter, err := ratelimit.New(newTestKV(t), map[llmtypes.Tier]llmtypes.TierPolicy{
		llmtypes.TierBasic: {PerMinute: 2, PerHour: 120, PerDay: 240, Burst: 0},
	}, zap.NewNop())
	require.NoError(t, err)

	key := &auth.APIKey{ID: "quota-key", Tier: "basic"}
	h := Chain(okHandler(), TieredRateLimit(limiter, nil, zap.NewNop()))

	allowed, denied := 0, 0
	for i := 0; i < 4; i++ {
		r := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		r = r.WithContext(ctxkeys.WithAPIKey(r.Context(), key))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		switch rec.Code {
		case http.StatusOK:
			allowed++
		case http.StatusTooManyRequests:
			denied++
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, 2, allowed)
	assert.Equal(t, 2, denied)
}

func TestPerIPRateLimit(t *testing.T) {
	h := Chain(okHandler(), PerIPRateLimit(1, 1, zap.NewNop()))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A different address gets its own bucket.
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.RemoteAddr = "192.0.2.11:1234"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r2)
	assert.Equal(t, http.StatusOK, rec.Code)
}
