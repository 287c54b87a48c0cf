package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/repository"
	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTenants struct {
	repository.TenantsRepository
	t   *model.Tenant
	err error
}

func (s stubTenants) GetByAPIKey(context.Context, string) (*model.Tenant, error) {
	return s.t, s.err
}

type seenCtx struct {
	tenantID int64
	ok       bool
	rps      any
}

func serve(mw []echo.MiddlewareFunc, key string) (*httptest.ResponseRecorder, seenCtx) {
	e := echo.New()
	var seen seenCtx
	e.GET("/", func(c echo.Context) error {
		seen.tenantID, seen.ok = TenantIDFromCtx(c)
		seen.rps = c.Get(ctxTenantRPS)
		return c.NoContent(http.StatusNoContent)
	}, mw...)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if key != "" {
		req.Header.Set(HeaderAPIKey, key)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec, seen
}

func TestAPIKeyMiddleware(t *testing.T) {
	rps := 7
	active := &model.Tenant{ID: 42, Status: model.TenantActive, RateLimitRPS: &rps}

	tests := []struct {
		name    string
		tenants stubTenants
		key     string
		code    int
	}{
		{"missing key", stubTenants{t: active}, "", http.StatusUnauthorized},
		{"unknown key", stubTenants{}, "k", http.StatusUnauthorized},
		{"suspended", stubTenants{t: &model.Tenant{ID: 1, Status: model.TenantSuspended}}, "k", http.StatusUnauthorized},
		{"lookup error", stubTenants{err: errors.New("db down")}, "k", http.StatusInternalServerError},
		{"ok", stubTenants{t: active}, "k", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := serve([]echo.MiddlewareFunc{APIKeyMiddleware(tt.tenants)}, tt.key)
			assert.Equal(t, tt.code, rec.Code)
		})
	}

	_, seen := serve([]echo.MiddlewareFunc{APIKeyMiddleware(stubTenants{t: active})}, "k")
	assert.True(t, seen.ok)
	assert.Equal(t, int64(42), seen.tenantID)
	assert.Equal(t, 7, seen.rps)
}

func TestRateLimitPassThrough(t *testing.T) {
	active := &model.Tenant{ID: 1, Status: model.TenantActive}

	// no redis configured
	mw := []echo.MiddlewareFunc{
		APIKeyMiddleware(stubTenants{t: active}),
		RateLimitMiddleware(RateLimitConfig{DefaultRPS: 1}),
	}
	for i := 0; i < 3; i++ {
		rec, _ := serve(mw, "k")
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}

	// no tenant in context
	rec, _ := serve([]echo.MiddlewareFunc{RateLimitMiddleware(RateLimitConfig{DefaultRPS: 1})}, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimitFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	mw := []echo.MiddlewareFunc{
		APIKeyMiddleware(stubTenants{t: &model.Tenant{ID: 1, Status: model.TenantActive}}),
		RateLimitMiddleware(RateLimitConfig{Redis: rdb, DefaultRPS: 1}),
	}
	rec, _ := serve(mw, "k")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimitTokenBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rps := 2
	tenant := &model.Tenant{ID: 9, Status: model.TenantActive, RateLimitRPS: &rps}
	mw := []echo.MiddlewareFunc{
		APIKeyMiddleware(stubTenants{t: tenant}),
		RateLimitMiddleware(RateLimitConfig{
			Redis:          rdb,
			DefaultRPS:     10,
			Burst:          20,
			RetryAfterHint: true,
			Now:            func() time.Time { return now },
		}),
	}

	// tenant override keeps the 2x burst ratio: 4 tokens
	for i := 3; i >= 0; i-- {
		rec, _ := serve(mw, "k")
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(i), rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec, _ := serve(mw, "k")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// half a second refills one token at 2 rps
	now = now.Add(500 * time.Millisecond)
	rec, _ = serve(mw, "k")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = serve(mw, "k")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	assert.True(t, mr.Exists("rl:tenant:9"))
	assert.Greater(t, mr.TTL("rl:tenant:9"), time.Duration(0))
}

func TestBucketSize(t *testing.T) {
	assert.Equal(t, 40, bucketSize(20, 20, 40))
	assert.Equal(t, 14, bucketSize(7, 20, 40))
	assert.Equal(t, 5, bucketSize(5, 20, 10), "burst below rate")
	assert.Equal(t, 3, bucketSize(3, 0, 0))
}
