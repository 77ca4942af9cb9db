package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Budget names an independent allowance per subject. Request budgets are
// charged once per call; the image budget is charged per image a run encodes.
type Budget string

const (
	BudgetRequests Budget = "requests"
	BudgetImages   Budget = "images"
)

var ErrUnknownBudget = errors.New("unknown rate limit budget")

type Policy struct {
	Capacity int
	Window   time.Duration
}

func (p Policy) validate() error {
	if p.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive")
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	return nil
}

// refillPerMS is the steady refill rate that restores a full bucket in one window.
func (p Policy) refillPerMS() float64 {
	return float64(p.Capacity) / float64(max(p.Window.Milliseconds(), 1))
}

type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// RetryAfter is zero when allowed; otherwise the wait until cost fits.
	RetryAfter time.Duration
	// ResetAfter is the wait until the bucket is full again.
	ResetAfter time.Duration
}

// takeTokens refills by elapsed time, then takes ARGV[4] tokens if they are
// there. It returns {allowed, remaining, retry_after_ms, reset_after_ms}.
var takeTokens = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill_per_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "at")
local tokens = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now_ms

tokens = math.min(capacity, tokens + math.max(0, now_ms - at) * refill_per_ms)

local allowed = 0
local retry_ms = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  retry_ms = math.ceil((cost - tokens) / refill_per_ms)
end
local reset_ms = math.ceil((capacity - tokens) / refill_per_ms)

redis.call("HSET", KEYS[1], "tokens", tokens, "at", now_ms)
redis.call("PEXPIRE", KEYS[1], ttl_ms)

return {allowed, math.floor(tokens), retry_ms, reset_ms}
`)

// RedisTokenBucket keeps one bucket per budget and subject in Redis, so every
// API replica draws from the same allowance.
type RedisTokenBucket struct {
	client    redis.UniversalClient
	policies  map[Budget]Policy
	keyPrefix string
	now       func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, keyPrefix string, policies map[Budget]Policy) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if len(policies) == 0 {
		return nil, fmt.Errorf("at least one budget policy is required")
	}
	for budget, policy := range policies {
		if err := policy.validate(); err != nil {
			return nil, fmt.Errorf("budget %s: %w", budget, err)
		}
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "imgcompress:ratelimit"
	}

	return &RedisTokenBucket{
		client:    client,
		policies:  policies,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

// Take charges cost tokens from subject's bucket for budget. A cost above the
// budget's capacity is clamped, so a large run can still pass once the bucket
// is full.
func (l *RedisTokenBucket) Take(ctx context.Context, budget Budget, subject string, cost int) (Decision, error) {
	policy, ok := l.policies[budget]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownBudget, budget)
	}
	cost = min(max(cost, 1), policy.Capacity)

	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	key := l.keyPrefix + ":" + string(budget) + ":" + subject
	values, err := takeTokens.Run(
		ctx,
		l.client,
		[]string{key},
		policy.Capacity,
		policy.refillPerMS(),
		l.now().UTC().UnixMilli(),
		cost,
		(2 * policy.Window).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("take %s tokens: %w", budget, err)
	}
	if len(values) != 4 {
		return Decision{}, fmt.Errorf("take %s tokens: unexpected reply of %d values", budget, len(values))
	}

	return Decision{
		Allowed:    values[0] == 1,
		Limit:      int64(policy.Capacity),
		Remaining:  values[1],
		RetryAfter: time.Duration(values[2]) * time.Millisecond,
		ResetAfter: time.Duration(values[3]) * time.Millisecond,
	}, nil
}
