package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"reflex-pvp/internal/models"
)

// DefaultQuotaWindow is the length of a per-user quota window
const DefaultQuotaWindow = 24 * time.Hour

// QuotaLedger enforces the per-match, per-user and global free-stake limits.
// Reserve either fails without side effects or commits all counters at once.
// Release hands back a reservation whose match was never stored.
type QuotaLedger interface {
	Reserve(ctx context.Context, wallet string, lamports int64) error
	Release(ctx context.Context, wallet string, lamports int64) error
	RemainingBudget(ctx context.Context) (int64, error)
}

// MemoryQuotaLedger keeps quotas in process memory. The global budget is set once
// at construction and is never replenished.
type MemoryQuotaLedger struct {
	mu        sync.Mutex
	limits    models.FreeStakeLimits
	remaining int64
	users     map[string]*models.UserDailyQuota
	now       func() time.Time
}

func NewMemoryQuotaLedger(limits models.FreeStakeLimits) *MemoryQuotaLedger {
	if limits.QuotaWindow <= 0 {
		limits.QuotaWindow = DefaultQuotaWindow
	}
	return &MemoryQuotaLedger{
		limits:    limits,
		remaining: limits.DailyBudgetLamports,
		users:     make(map[string]*models.UserDailyQuota),
		now:       time.Now,
	}
}

func (l *MemoryQuotaLedger) Reserve(_ context.Context, wallet string, lamports int64) error {
	if lamports > l.limits.MaxPerMatchLamports {
		return ErrMatchLimitExceeded
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	nowMs := l.now().UnixMilli()
	quota, ok := l.users[wallet]
	if !ok || nowMs-quota.WindowStartedAt >= l.limits.QuotaWindow.Milliseconds() {
		quota = &models.UserDailyQuota{WindowStartedAt: nowMs}
	}

	if quota.Count >= l.limits.MaxMatchesPerUserPerDay {
		return ErrUserDailyMatchLimit
	}
	if quota.SpentLamports+lamports > l.limits.MaxLamportsPerUserPerDay {
		return ErrUserDailyBudgetLimit
	}
	if l.remaining < lamports {
		return ErrDailyBudgetExhausted
	}

	quota.Count++
	quota.SpentLamports += lamports
	l.remaining -= lamports
	l.users[wallet] = quota
	return nil
}

// Release credits the global budget and, while its window is still open, the wallet's quota
func (l *MemoryQuotaLedger) Release(_ context.Context, wallet string, lamports int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.remaining += lamports
	if l.remaining > l.limits.DailyBudgetLamports {
		l.remaining = l.limits.DailyBudgetLamports
	}

	quota, ok := l.users[wallet]
	if !ok || l.now().UnixMilli()-quota.WindowStartedAt >= l.limits.QuotaWindow.Milliseconds() {
		return nil
	}
	if quota.Count > 0 {
		quota.Count--
	}
	quota.SpentLamports -= lamports
	if quota.SpentLamports < 0 {
		quota.SpentLamports = 0
	}
	return nil
}

func (l *MemoryQuotaLedger) RemainingBudget(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining, nil
}

// Usage returns a copy of the wallet's current window
func (l *MemoryQuotaLedger) Usage(wallet string) models.UserDailyQuota {
	l.mu.Lock()
	defer l.mu.Unlock()
	if quota, ok := l.users[wallet]; ok {
		return *quota
	}
	return models.UserDailyQuota{}
}

// Result codes returned by reserveScript
const (
	reserveOK = iota
	reserveMatchLimit
	reserveUserMatchLimit
	reserveUserBudgetLimit
	reserveBudgetExhausted
)

// reserveScript runs every quota check and mutation in one atomic step.
// KEYS: user hash, global budget. ARGV: lamports, now ms, window ms,
// max per match, max matches per user, max lamports per user, initial budget.
var reserveScript = redis.NewScript(`
local lamports = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
if lamports > tonumber(ARGV[4]) then return 1 end

local started = tonumber(redis.call('HGET', KEYS[1], 'window_started_at') or '-1')
local count = 0
local spent = 0
if started >= 0 and now - started < window then
  count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
  spent = tonumber(redis.call('HGET', KEYS[1], 'spent') or '0')
else
  started = now
end

if count >= tonumber(ARGV[5]) then return 2 end
if spent + lamports > tonumber(ARGV[6]) then return 3 end

local remaining = redis.call('GET', KEYS[2])
if not remaining then
  remaining = ARGV[7]
  redis.call('SET', KEYS[2], remaining)
end
remaining = tonumber(remaining)
if remaining < lamports then return 4 end

redis.call('SET', KEYS[2], string.format('%d', remaining - lamports))
redis.call('HSET', KEYS[1],
  'count', string.format('%d', count + 1),
  'spent', string.format('%d', spent + lamports),
  'window_started_at', string.format('%d', started))
redis.call('PEXPIRE', KEYS[1], window)
return 0
`)

// releaseScript undoes one reservation. KEYS and ARGV match reserveScript's first
// three arguments plus the initial budget.
var releaseScript = redis.NewScript(`
local lamports = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

local started = tonumber(redis.call('HGET', KEYS[1], 'window_started_at') or '-1')
if started >= 0 and now - started < window then
  local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
  local spent = tonumber(redis.call('HGET', KEYS[1], 'spent') or '0')
  redis.call('HSET', KEYS[1],
    'count', string.format('%d', math.max(count - 1, 0)),
    'spent', string.format('%d', math.max(spent - lamports, 0)))
end

local remaining = redis.call('GET', KEYS[2])
if remaining then
  local restored = math.min(tonumber(remaining) + lamports, tonumber(ARGV[4]))
  redis.call('SET', KEYS[2], string.format('%d', restored))
end
return 0
`)

// RedisQuotaLedger shares quotas between server instances through Redis.
// The budget key is seeded on first use and never replenished.
type RedisQuotaLedger struct {
	client    redis.UniversalClient
	keyPrefix string
	limits    models.FreeStakeLimits
	now       func() time.Time
}

func NewRedisQuotaLedger(client redis.UniversalClient, keyPrefix string, limits models.FreeStakeLimits) *RedisQuotaLedger {
	if limits.QuotaWindow <= 0 {
		limits.QuotaWindow = DefaultQuotaWindow
	}
	if keyPrefix == "" {
		keyPrefix = "freestake"
	}
	return &RedisQuotaLedger{
		client:    client,
		keyPrefix: keyPrefix,
		limits:    limits,
		now:       time.Now,
	}
}

func (l *RedisQuotaLedger) userKey(wallet string) string {
	return l.keyPrefix + ":user:" + wallet
}

func (l *RedisQuotaLedger) budgetKey() string {
	return l.keyPrefix + ":budget"
}

func (l *RedisQuotaLedger) Reserve(ctx context.Context, wallet string, lamports int64) error {
	code, err := reserveScript.Run(ctx, l.client,
		[]string{l.userKey(wallet), l.budgetKey()},
		lamports,
		l.now().UnixMilli(),
		l.limits.QuotaWindow.Milliseconds(),
		l.limits.MaxPerMatchLamports,
		l.limits.MaxMatchesPerUserPerDay,
		l.limits.MaxLamportsPerUserPerDay,
		l.limits.DailyBudgetLamports,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to reserve free stake quota: %w", err)
	}

	switch code {
	case reserveOK:
		return nil
	case reserveMatchLimit:
		return ErrMatchLimitExceeded
	case reserveUserMatchLimit:
		return ErrUserDailyMatchLimit
	case reserveUserBudgetLimit:
		return ErrUserDailyBudgetLimit
	case reserveBudgetExhausted:
		return ErrDailyBudgetExhausted
	}
	return fmt.Errorf("unexpected quota script result %d", code)
}

func (l *RedisQuotaLedger) Release(ctx context.Context, wallet string, lamports int64) error {
	err := releaseScript.Run(ctx, l.client,
		[]string{l.userKey(wallet), l.budgetKey()},
		lamports,
		l.now().UnixMilli(),
		l.limits.QuotaWindow.Milliseconds(),
		l.limits.DailyBudgetLamports,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to release free stake quota: %w", err)
	}
	return nil
}

func (l *RedisQuotaLedger) RemainingBudget(ctx context.Context) (int64, error) {
	val, err := l.client.Get(ctx, l.budgetKey()).Result()
	if errors.Is(err, redis.Nil) {
		return l.limits.DailyBudgetLamports, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read free stake budget: %w", err)
	}
	remaining, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid free stake budget value %q: %w", val, err)
	}
	return remaining, nil
}
