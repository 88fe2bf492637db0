package payout

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

var payoutRateLimitScript = redis.NewScript(`
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

// RateLimiter bounds how often one technician can request a payout, shared
// across instances through redis. A nil limiter (or nil client) allows
// everything, so tests and single-box deployments need no redis.
type RateLimiter struct {
	client *redis.Client
	Limit  int
	Window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, Limit: limit, Window: window}
}

// Allow consumes one request slot for the subject. retryAfter is the wait
// in seconds when the limit is exceeded.
func (r *RateLimiter) Allow(ctx context.Context, subject string) (allowed bool, retryAfter int, err error) {
	if r == nil || r.client == nil || r.Limit <= 0 || r.Window <= 0 {
		return true, 0, nil
	}

	key := fmt.Sprintf("escrow:rate_limit:payout:%s", subject)
	res, err := payoutRateLimitScript.Run(ctx, r.client, []string{key}, r.Window.Milliseconds()).Slice()
	if err != nil || len(res) != 2 {
		// Fail open: the wallet debit is the real safety gate.
		return true, 0, err
	}

	count, _ := res[0].(int64)
	ttlMillis, _ := res[1].(int64)
	if count > int64(r.Limit) {
		return false, int(math.Ceil(float64(ttlMillis) / 1000.0)), nil
	}
	return true, 0, nil
}
