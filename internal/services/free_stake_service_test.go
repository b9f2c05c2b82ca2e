package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reflex-pvp/internal/models"
)

var testLimits = models.FreeStakeLimits{
	DailyBudgetLamports:      1_000_000_000,
	MaxPerMatchLamports:      100_000_000,
	MaxMatchesPerUserPerDay:  3,
	MaxLamportsPerUserPerDay: 250_000_000,
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestFreeStake(ledger QuotaLedger, clock *fakeClock) *FreeStakeService {
	svc := NewFreeStakeService("test-secret", 5*time.Minute, ledger, zap.NewNop())
	svc.now = clock.Now
	return svc
}

func redeem(wallet string, ticket *models.ClaimTicket, lamports int64) models.ClaimRedemption {
	return models.ClaimRedemption{
		Wallet:            wallet,
		Nonce:             ticket.Nonce,
		Signature:         ticket.Signature,
		RequestedLamports: lamports,
	}
}

func TestFreeStakeDailyMatchCap(t *testing.T) {
	clock := newFakeClock()
	ledger := NewMemoryQuotaLedger(testLimits)
	ledger.now = clock.Now
	svc := newTestFreeStake(ledger, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ticket, err := svc.IssueClaim("wallet-1")
		require.NoError(t, err)
		require.NoError(t, svc.ValidateAndConsumeClaim(ctx, redeem("wallet-1", ticket, 10_000_000)))
	}

	ticket, err := svc.IssueClaim("wallet-1")
	require.NoError(t, err)
	err = svc.ValidateAndConsumeClaim(ctx, redeem("wallet-1", ticket, 10_000_000))
	assert.ErrorIs(t, err, ErrUserDailyMatchLimit)
	assert.EqualError(t, err, "FREE_STAKE_USER_DAILY_MATCH_LIMIT")

	// a new window accepts claims again
	clock.Advance(DefaultQuotaWindow)
	ticket2, err := svc.IssueClaim("wallet-1")
	require.NoError(t, err)
	assert.NoError(t, svc.ValidateAndConsumeClaim(ctx, redeem("wallet-1", ticket2, 10_000_000)))
	assert.Equal(t, int64(1), ledger.Usage("wallet-1").Count)
}

func TestFreeStakeClaimIsSingleUse(t *testing.T) {
	clock := newFakeClock()
	svc := newTestFreeStake(NewMemoryQuotaLedger(testLimits), clock)
	ctx := context.Background()

	ticket, err := svc.IssueClaim("wallet-1")
	require.NoError(t, err)
	require.NoError(t, svc.ValidateAndConsumeClaim(ctx, redeem("wallet-1", ticket, 1_000)))

	err = svc.ValidateAndConsumeClaim(ctx, redeem("wallet-1", ticket, 1_000))
	assert.ErrorIs(t, err, ErrInvalidNonce)
	assert.Zero(t, svc.PendingClaims())
}

func TestFreeStakeClaimRejections(t *testing.T) {
	clock := newFakeClock()
	svc := newTestFreeStake(NewMemoryQuotaLedger(testLimits), clock)
	ctx := context.Background()

	ticket, err := svc.IssueClaim("wallet-1")
	require.NoError(t, err)

	err = svc.ValidateAndConsumeClaim(ctx, redeem("wallet-2", ticket, 1_000))
	assert.ErrorIs(t, err, ErrWalletMismatch)

	forged := redeem("wallet-1", ticket, 1_000)
	forged.Signature = "00" + ticket.Signature[2:]
	if forged.Signature == ticket.Signature {
		forged.Signature = "11" + ticket.Signature[2:]
	}
	err = svc.ValidateAndConsumeClaim(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	err = svc.ValidateAndConsumeClaim(ctx, redeem("wallet-1", ticket, testLimits.MaxPerMatchLamports+1))
	assert.ErrorIs(t, err, ErrMatchLimitExceeded)

	clock.Advance(5*time.Minute + time.Millisecond)
	err = svc.ValidateAndConsumeClaim(ctx, redeem("wallet-1", ticket, 1_000))
	assert.ErrorIs(t, err, ErrClaimExpired)
	assert.True(t, IsFreeStakeError(err))

	assert.Equal(t, 1, svc.SweepExpired())
	assert.Zero(t, svc.PendingClaims())
}

func TestFreeStakeConcurrentRedemptionConsumesOnce(t *testing.T) {
	clock := newFakeClock()
	svc := newTestFreeStake(NewMemoryQuotaLedger(testLimits), clock)
	ticket, err := svc.IssueClaim("wallet-1")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.ValidateAndConsumeClaim(context.Background(), redeem("wallet-1", ticket, 1_000)) == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func quotaLedgers(t *testing.T, limits models.FreeStakeLimits, clock *fakeClock) map[string]QuotaLedger {
	mem := NewMemoryQuotaLedger(limits)
	mem.now = clock.Now

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rl := NewRedisQuotaLedger(client, "test", limits)
	rl.now = clock.Now

	return map[string]QuotaLedger{"memory": mem, "redis": rl}
}

func TestQuotaLedgerCheckOrder(t *testing.T) {
	limits := models.FreeStakeLimits{
		DailyBudgetLamports:      300,
		MaxPerMatchLamports:      200,
		MaxMatchesPerUserPerDay:  2,
		MaxLamportsPerUserPerDay: 250,
	}
	for name, ledger := range quotaLedgers(t, limits, newFakeClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			assert.ErrorIs(t, ledger.Reserve(ctx, "a", 201), ErrMatchLimitExceeded)
			require.NoError(t, ledger.Reserve(ctx, "a", 200))
			assert.ErrorIs(t, ledger.Reserve(ctx, "a", 51), ErrUserDailyBudgetLimit)
			require.NoError(t, ledger.Reserve(ctx, "a", 50))
			assert.ErrorIs(t, ledger.Reserve(ctx, "a", 1), ErrUserDailyMatchLimit)

			assert.ErrorIs(t, ledger.Reserve(ctx, "b", 100), ErrDailyBudgetExhausted)
			require.NoError(t, ledger.Reserve(ctx, "b", 50))

			remaining, err := ledger.RemainingBudget(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), remaining)
		})
	}
}

func TestQuotaLedgerWindowRolls(t *testing.T) {
	limits := models.FreeStakeLimits{
		DailyBudgetLamports:      1_000,
		MaxPerMatchLamports:      100,
		MaxMatchesPerUserPerDay:  1,
		MaxLamportsPerUserPerDay: 100,
	}
	for _, name := range []string{"memory", "redis"} {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			ledger := quotaLedgers(t, limits, clock)[name]
			ctx := context.Background()

			require.NoError(t, ledger.Reserve(ctx, "a", 100))
			assert.ErrorIs(t, ledger.Reserve(ctx, "a", 10), ErrUserDailyMatchLimit)

			clock.Advance(DefaultQuotaWindow - time.Millisecond)
			assert.ErrorIs(t, ledger.Reserve(ctx, "a", 10), ErrUserDailyMatchLimit)

			clock.Advance(time.Millisecond)
			assert.NoError(t, ledger.Reserve(ctx, "a", 100))
		})
	}
}

func TestRedisQuotaLedgerWindowResetKeepsBudget(t *testing.T) {
	limits := models.FreeStakeLimits{
		DailyBudgetLamports:      150,
		MaxPerMatchLamports:      100,
		MaxMatchesPerUserPerDay:  1,
		MaxLamportsPerUserPerDay: 100,
	}
	clock := newFakeClock()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ledger := NewRedisQuotaLedger(client, "", limits)
	ledger.now = clock.Now
	ctx := context.Background()

	require.NoError(t, ledger.Reserve(ctx, "a", 100))
	assert.ErrorIs(t, ledger.Reserve(ctx, "a", 10), ErrUserDailyMatchLimit)

	clock.Advance(DefaultQuotaWindow)
	assert.ErrorIs(t, ledger.Reserve(ctx, "a", 60), ErrDailyBudgetExhausted)
	require.NoError(t, ledger.Reserve(ctx, "a", 50))

	remaining, err := ledger.RemainingBudget(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	assert.True(t, mr.Exists("freestake:user:a"))
}
