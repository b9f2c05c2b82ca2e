package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reflex-pvp/internal/models"
)

type reservation struct {
	wallet   string
	lamports int64
}

func TestQuotaLedgerRejectionPrecedence(t *testing.T) {
	limits := models.FreeStakeLimits{
		DailyBudgetLamports:      300,
		MaxPerMatchLamports:      200,
		MaxMatchesPerUserPerDay:  2,
		MaxLamportsPerUserPerDay: 150,
	}

	tests := []struct {
		name    string
		setup   []reservation
		reserve reservation
		wantErr error
	}{
		{
			name:    "per match cap wins over every other limit",
			setup:   []reservation{{"a", 50}, {"a", 50}, {"b", 150}},
			reserve: reservation{"a", 201},
			wantErr: ErrMatchLimitExceeded,
		},
		{
			name:    "daily match count wins over daily lamports and budget",
			setup:   []reservation{{"a", 50}, {"a", 50}, {"b", 150}},
			reserve: reservation{"a", 60},
			wantErr: ErrUserDailyMatchLimit,
		},
		{
			name:    "daily lamports wins over global budget",
			setup:   []reservation{{"a", 100}, {"b", 150}},
			reserve: reservation{"a", 60},
			wantErr: ErrUserDailyBudgetLimit,
		},
		{
			name:    "global budget",
			setup:   []reservation{{"b", 150}, {"c", 140}},
			reserve: reservation{"a", 20},
			wantErr: ErrDailyBudgetExhausted,
		},
		{
			name:    "within every limit",
			reserve: reservation{"a", 150},
		},
	}

	for _, backend := range []string{"memory", "redis"} {
		for _, tt := range tests {
			t.Run(backend+"/"+tt.name, func(t *testing.T) {
				ledger := quotaLedgers(t, limits, newFakeClock())[backend]
				ctx := context.Background()

				for _, r := range tt.setup {
					require.NoError(t, ledger.Reserve(ctx, r.wallet, r.lamports))
				}
				before, err := ledger.RemainingBudget(ctx)
				require.NoError(t, err)

				err = ledger.Reserve(ctx, tt.reserve.wallet, tt.reserve.lamports)
				after, budgetErr := ledger.RemainingBudget(ctx)
				require.NoError(t, budgetErr)

				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
					assert.Equal(t, before, after)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, before-tt.reserve.lamports, after)
			})
		}
	}
}

func TestQuotaLedgerRelease(t *testing.T) {
	limits := models.FreeStakeLimits{
		DailyBudgetLamports:      1_000,
		MaxPerMatchLamports:      100,
		MaxMatchesPerUserPerDay:  1,
		MaxLamportsPerUserPerDay: 100,
	}
	for _, name := range []string{"memory", "redis"} {
		t.Run(name, func(t *testing.T) {
			ledger := quotaLedgers(t, limits, newFakeClock())[name]
			ctx := context.Background()

			require.NoError(t, ledger.Reserve(ctx, "a", 100))
			assert.ErrorIs(t, ledger.Reserve(ctx, "a", 100), ErrUserDailyMatchLimit)

			require.NoError(t, ledger.Release(ctx, "a", 100))
			remaining, err := ledger.RemainingBudget(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1_000), remaining)

			require.NoError(t, ledger.Reserve(ctx, "a", 100))
			remaining, err = ledger.RemainingBudget(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(900), remaining)
		})
	}
}

func TestQuotaLedgerReleaseNeverExceedsBudget(t *testing.T) {
	limits := models.FreeStakeLimits{
		DailyBudgetLamports:      1_000,
		MaxPerMatchLamports:      100,
		MaxMatchesPerUserPerDay:  1,
		MaxLamportsPerUserPerDay: 100,
	}
	for _, name := range []string{"memory", "redis"} {
		t.Run(name, func(t *testing.T) {
			ledger := quotaLedgers(t, limits, newFakeClock())[name]
			ctx := context.Background()

			require.NoError(t, ledger.Reserve(ctx, "a", 10))
			require.NoError(t, ledger.Release(ctx, "ghost", 500))

			remaining, err := ledger.RemainingBudget(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1_000), remaining)
			// the unrelated release leaves a's window untouched
			assert.ErrorIs(t, ledger.Reserve(ctx, "a", 10), ErrUserDailyMatchLimit)
		})
	}
}
