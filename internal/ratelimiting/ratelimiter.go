package ratelimiting

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

type RateLimiter interface {
	// Consume takes a token for key without waiting
	Consume(key string) bool
	// Wait blocks until a token for key is available or ctx is done
	Wait(ctx context.Context, key string) error
}

type tokenBucketRateLimiter struct {
	limiterByKey    *ttlcache.Cache[string, *rate.Limiter]
	refillPerSecond float64
	burstSize       int
}

func (rateLimiter *tokenBucketRateLimiter) limiterFor(key string) *rate.Limiter {
	limiter, _ := rateLimiter.limiterByKey.GetOrSet(key, rate.NewLimiter(rate.Limit(rateLimiter.refillPerSecond), rateLimiter.burstSize))
	return limiter.Value()
}

func (rateLimiter *tokenBucketRateLimiter) Consume(key string) bool {
	return rateLimiter.limiterFor(key).Allow()
}

func (rateLimiter *tokenBucketRateLimiter) Wait(ctx context.Context, key string) error {
	if err := rateLimiter.limiterFor(key).Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for rate limit on %s: %w", key, err)
	}
	return nil
}

type RefillPerSecond float64
type BurstSize int

// NewTokenBucketRateLimiter keeps one token bucket per key. Buckets idle for
// longer than the TTL are dropped, so a returning key starts with a full burst.
func NewTokenBucketRateLimiter(refillPerSecond RefillPerSecond, burstSize BurstSize) (RateLimiter, func()) {
	limiterTTLCache := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](30 * time.Minute),
	)
	go limiterTTLCache.Start()

	return &tokenBucketRateLimiter{
		limiterByKey:    limiterTTLCache,
		refillPerSecond: float64(refillPerSecond),
		burstSize:       int(burstSize),
	}, limiterTTLCache.Stop
}

type unlimited struct{}

func (unlimited) Consume(string) bool { return true }

func (unlimited) Wait(context.Context, string) error { return nil }

// NewUnlimited never limits
func NewUnlimited() RateLimiter {
	return unlimited{}
}

func HostKeyFunc(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Host == "" {
		return "host: <unknown>"
	}
	return fmt.Sprintf("host: %s", parsed.Host)
}
