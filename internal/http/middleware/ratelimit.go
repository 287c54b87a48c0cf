package middleware

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// tokenBucket refills ARGV[1] tokens per second up to ARGV[2] and takes one
// token at ARGV[3] (unix ms). It returns {allowed, remaining, retry_ms}.
var tokenBucket = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now
tokens = math.min(burst, tokens + math.max(0, now - ts) * rate / 1000)
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', ARGV[3])
redis.call('PEXPIRE', KEYS[1], math.ceil(burst * 1000 / rate) + 1000)
local retry = 0
if allowed == 0 then
  retry = math.ceil((1 - tokens) * 1000 / rate)
end
return {allowed, math.floor(tokens), retry}
`)

// RateLimitConfig config for the Redis token bucket limiter.
type RateLimitConfig struct {
	Redis          *redis.Client
	DefaultRPS     int    // fallback if the tenant has no own limit
	Burst          int    // bucket size at DefaultRPS
	KeyPrefix      string // e.g. "rl:tenant:"
	RetryAfterHint bool   // set Retry-After header when limited
	Now            func() time.Time
}

// RateLimitMiddleware applies a per-tenant token bucket kept in Redis, so
// every API replica shares one budget per tenant. It expects tenant_id in
// echo.Context (set by APIKeyMiddleware) and fails open when Redis errors.
func RateLimitMiddleware(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:tenant:"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, ok := TenantIDFromCtx(c)
			if !ok {
				return next(c)
			}

			limit := cfg.DefaultRPS
			if m, ok := c.Get(ctxTenantRPS).(int); ok && m > 0 {
				limit = m
			}
			if limit <= 0 || cfg.Redis == nil {
				return next(c)
			}
			burst := bucketSize(limit, cfg.DefaultRPS, cfg.Burst)

			ctx := c.Request().Context()
			key := cfg.KeyPrefix + strconv.FormatInt(tenantID, 10)
			res, err := tokenBucket.Run(ctx, cfg.Redis, []string{key}, limit, burst, cfg.Now().UnixMilli()).Int64Slice()
			if err != nil || len(res) != 3 {
				c.Logger().Warnf("rate limit redis error: %v", err)
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(res[1], 10))
			if res[0] == 1 {
				return next(c)
			}
			if cfg.RetryAfterHint {
				secs := (res[2] + 999) / 1000
				h.Set("Retry-After", strconv.FormatInt(max(secs, 1), 10))
			}
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		}
	}
}

// bucketSize keeps the configured burst-to-rate ratio for tenant overrides and
// never lets the bucket hold less than one second of traffic.
func bucketSize(limit, defaultRPS, burst int) int {
	if defaultRPS > 0 && burst > defaultRPS {
		return max(limit, limit*burst/defaultRPS)
	}
	return limit
}
