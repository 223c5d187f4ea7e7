/**
 * @description
 * Distributed rate limiting for the deal endpoints, backed by Redis. A Lua
 * script increments a fixed-window counter and returns the count together
 * with the window's remaining TTL so callers can surface a Retry-After.
 *
 * The limiter is optional: a Service without one (or with zero limits)
 * enforces nothing.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is the distributed fixed-window counter the deal endpoints
// consult before doing work.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RateLimitedError reports that a caller exceeded a deal endpoint limit.
type RateLimitedError struct {
	Scope             string
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s; retry after %ds", e.Scope, e.RetryAfterSeconds)
}

var dealRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisDealRateLimiter implements RateLimiter on top of Redis.
type RedisDealRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisDealRateLimiter(client redis.UniversalClient, prefix string) *RedisDealRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "bank:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisDealRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (r *RedisDealRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := dealRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return int(currentCount), retryAfter, nil
}

// SetDealRateLimiter installs the distributed limiter with the per-minute
// budgets for deal creation and deal detail reads.
func (s *Service) SetDealRateLimiter(limiter RateLimiter, createLimitPerMin, detailsLimitPerMin int) {
	s.dealLimiter = limiter
	s.dealCreateLimitPerMin = createLimitPerMin
	s.dealDetailsLimitPerMin = detailsLimitPerMin
}

// consumeDealRateLimit enforces a per-minute budget. Limiter outages fail
// open: a broken Redis must not take the deal endpoints down with it.
func (s *Service) consumeDealRateLimit(ctx context.Context, scope, subject string, limit int) error {
	if s.dealLimiter == nil || limit <= 0 {
		return nil
	}
	count, retryAfter, err := s.dealLimiter.ConsumeRateLimit(ctx, scope, subject, limit, time.Minute)
	if err != nil {
		log.Printf("level=warn component=rate_limiter msg=\"limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
		return nil
	}
	if count > limit {
		return &RateLimitedError{Scope: scope, RetryAfterSeconds: retryAfter}
	}
	return nil
}
