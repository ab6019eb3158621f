package ratequota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	xrate "golang.org/x/time/rate"

	"github.com/danvoulez/ledger/pkg/ids"
)

// TokenBucketLimiter is a process-local RateLimiter, grounded on the
// teacher's pkg/kernel.TokenBucket but rebuilt on golang.org/x/time/rate
// rather than a hand-rolled bucket — the teacher's own limiter.go
// reimplements what x/time/rate already provides, and ratequota is the
// one place in this repo new enough to reach for the ecosystem version
// instead of repeating that pattern.
type TokenBucketLimiter struct {
	mu       sync.Mutex
	limiters map[string]*xrate.Limiter
	rate     xrate.Limit
	burst    int
}

// NewTokenBucketLimiter builds a limiter with a shared rate/burst applied
// per distinct Scope.
func NewTokenBucketLimiter(ratePerSecond float64, burst int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*xrate.Limiter),
		rate:     xrate.Limit(ratePerSecond),
		burst:    burst,
	}
}

func (l *TokenBucketLimiter) bucket(scope Scope) *xrate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := scope.key()
	b, ok := l.limiters[k]
	if !ok {
		b = xrate.NewLimiter(l.rate, l.burst)
		l.limiters[k] = b
	}
	return b
}

func (l *TokenBucketLimiter) Check(ctx context.Context, scope Scope) (RateLimitResult, error) {
	b := l.bucket(scope)
	tokens := b.Tokens()
	allowed := tokens >= 1
	retryAfter := 0
	if !allowed {
		retryAfter = int(time.Duration(float64(time.Second) / float64(l.rate)).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
	}
	return RateLimitResult{
		Allowed:       allowed,
		Limit:         l.burst,
		Remaining:     int(tokens),
		RetryAfterSec: retryAfter,
	}, nil
}

func (l *TokenBucketLimiter) Record(ctx context.Context, scope Scope) error {
	b := l.bucket(scope)
	if !b.Allow() {
		return fmt.Errorf("ratequota: bucket for %s exhausted between check and record", scope.key())
	}
	return nil
}

// redisTokenBucketScript is the teacher's Lua token bucket
// (pkg/kernel/limiter_redis.go), reused verbatim: HMGET/refill/consume/
// HMSET/EXPIRE so a cluster of ledger nodes shares rate-limit state the
// same way the teacher's installations share API rate limits.
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisRateLimiter is the cluster-safe RateLimiter adapter, used when more
// than one ledger process shares the same rate-limit scopes.
type RedisRateLimiter struct {
	client *redis.Client
	rate   float64 // tokens per second
	burst  int
}

func NewRedisRateLimiter(client *redis.Client, ratePerSecond float64, burst int) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, rate: ratePerSecond, burst: burst}
}

func (l *RedisRateLimiter) run(ctx context.Context, scope Scope, cost int) (bool, float64, error) {
	key := "ratequota:" + scope.key()
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key}, l.rate, l.burst, cost, now).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratequota: redis limiter: %w", err)
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("ratequota: unexpected redis script result %v", res)
	}
	allowed := fmt.Sprint(vals[0]) == "1"
	remaining, _ := toFloat(vals[1])
	return allowed, remaining, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

func (l *RedisRateLimiter) Check(ctx context.Context, scope Scope) (RateLimitResult, error) {
	allowed, remaining, err := l.run(ctx, scope, 0)
	if err != nil {
		return RateLimitResult{}, err
	}
	result := RateLimitResult{Allowed: allowed && remaining >= 1, Limit: l.burst, Remaining: int(remaining)}
	if !result.Allowed {
		result.RetryAfterSec = 1
	}
	return result, nil
}

func (l *RedisRateLimiter) Record(ctx context.Context, scope Scope) error {
	allowed, _, err := l.run(ctx, scope, 1)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("ratequota: bucket for %s exhausted on record", scope.key())
	}
	return nil
}

// QuotaStorage is the narrow persistence interface StorageQuotaManager
// reads and writes; InMemoryQuotaStorage implements it. Grounded on the teacher's
// pkg/budget.Storage (Get/Set/Limits/SetLimits), generalized from
// per-tenant cents to per-(resource, realm) counters.
type QuotaStorage interface {
	Get(ctx context.Context, key string) (current, limit int64, err error)
	Add(ctx context.Context, key string, amount int64) error
	SetLimit(ctx context.Context, key string, limit int64) error
}

// InMemoryQuotaStorage is a process-local QuotaStorage, grounded on the
// teacher's pkg/budget.MemoryStorage's copy-on-read/write discipline.
type InMemoryQuotaStorage struct {
	mu      sync.RWMutex
	current map[string]int64
	limits  map[string]int64
}

func NewInMemoryQuotaStorage() *InMemoryQuotaStorage {
	return &InMemoryQuotaStorage{current: make(map[string]int64), limits: make(map[string]int64)}
}

func (s *InMemoryQuotaStorage) Get(ctx context.Context, key string) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current[key], s.limits[key], nil
}

func (s *InMemoryQuotaStorage) Add(ctx context.Context, key string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[key] += amount
	return nil
}

func (s *InMemoryQuotaStorage) SetLimit(ctx context.Context, key string, limit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[key] = limit
	return nil
}

// StorageQuotaManager implements QuotaManager over a QuotaStorage,
// fail-closed on any storage error — matching the teacher's
// pkg/budget.SimpleEnforcer.Check's "FAIL-CLOSED: Any error results in
// denial" discipline.
type StorageQuotaManager struct {
	storage QuotaStorage
}

func NewStorageQuotaManager(storage QuotaStorage) *StorageQuotaManager {
	return &StorageQuotaManager{storage: storage}
}

func quotaKey(resource string, realm *ids.ID) string {
	if realm == nil {
		return resource
	}
	return fmt.Sprintf("%s:%s", resource, *realm)
}

func (m *StorageQuotaManager) Check(ctx context.Context, resource string, realm *ids.ID) (QuotaResult, error) {
	key := quotaKey(resource, realm)
	current, limit, err := m.storage.Get(ctx, key)
	if err != nil {
		return QuotaResult{}, fmt.Errorf("ratequota: quota storage get %s: %w", key, err)
	}
	if limit <= 0 {
		return QuotaResult{Allowed: true, Current: current, Limit: 0, Remaining: 0}, nil
	}
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return QuotaResult{Allowed: current < limit, Current: current, Limit: limit, Remaining: remaining}, nil
}

func (m *StorageQuotaManager) Record(ctx context.Context, resource string, amount int64, realm *ids.ID) error {
	key := quotaKey(resource, realm)
	if err := m.storage.Add(ctx, key, amount); err != nil {
		return fmt.Errorf("ratequota: quota storage add %s: %w", key, err)
	}
	return nil
}
