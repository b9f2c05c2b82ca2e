package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"reflex-pvp/internal/models"
)

func setupTestRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.MatchRecord{}, &models.MatchLogEntry{}, &models.MatchStatistics{}))
	return NewRepository(db)
}

func newRecord(key, playerA string, at time.Time) *models.MatchRecord {
	return &models.MatchRecord{
		MatchID:        uuid.NewString(),
		OnChainMatch:   "onchain-" + key,
		PlayerA:        playerA,
		StakeLamports:  1000,
		Status:         models.MatchStatusCreated,
		IdempotencyKey: key,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func firstLog(at time.Time) models.MatchLogEntry {
	return models.MatchLogEntry{At: at, Action: models.MatchActionCreated}
}

func TestInsertMatchIfAbsent(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stored, inserted, err := repo.InsertMatchIfAbsent(ctx, newRecord("key-1", "A", now), firstLog(now))
	require.NoError(t, err)
	assert.True(t, inserted)
	require.Len(t, stored.Logs, 1)
	assert.Equal(t, models.MatchActionCreated, stored.Logs[0].Action)

	again, inserted, err := repo.InsertMatchIfAbsent(ctx, newRecord("key-1", "B", now), firstLog(now))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, stored.MatchID, again.MatchID)
	assert.Equal(t, "A", again.PlayerA)
	assert.Len(t, again.Logs, 1)

	byKey, err := repo.GetMatchByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, stored.MatchID, byKey.MatchID)

	missing, err := repo.GetMatchByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdateMatchAndLogs(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()
	start := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	stored, _, err := repo.InsertMatchIfAbsent(ctx, newRecord("key-2", "A", start), firstLog(start))
	require.NoError(t, err)

	status := models.MatchStatusActive
	playerB := "B"
	updated, err := repo.UpdateMatch(ctx, stored.MatchID, models.MatchPatch{Status: &status, PlayerB: &playerB}, start.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusActive, updated.Status)
	assert.Equal(t, "B", updated.PlayerB)
	assert.True(t, updated.UpdatedAt.Equal(start.Add(time.Minute)))

	none, err := repo.UpdateMatch(ctx, "nope", models.MatchPatch{Status: &status}, start)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, repo.AppendMatchLog(ctx, models.MatchLogEntry{
		MatchID: stored.MatchID,
		At:      start.Add(2 * time.Minute),
		Action:  models.MatchActionJoined,
		Details: map[string]interface{}{"playerB": "B"},
	}))
	// logs for unknown matches are dropped
	require.NoError(t, repo.AppendMatchLog(ctx, models.MatchLogEntry{MatchID: "nope", At: start, Action: models.MatchActionJoined}))

	got, err := repo.GetMatchByID(ctx, stored.MatchID)
	require.NoError(t, err)
	require.Len(t, got.Logs, 2)
	assert.Equal(t, models.MatchActionJoined, got.Logs[1].Action)
	assert.Equal(t, "B", got.Logs[1].Details["playerB"])
	assert.True(t, got.UpdatedAt.Equal(start.Add(2*time.Minute)))
}

func TestListStaleAndPlayerMatches(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	for i, key := range []string{"stale-1", "stale-2", "fresh-1"} {
		at := base.Add(time.Duration(i) * time.Minute)
		if key == "fresh-1" {
			at = base.Add(time.Hour)
		}
		_, _, err := repo.InsertMatchIfAbsent(ctx, newRecord(key, "A", at), firstLog(at))
		require.NoError(t, err)
	}

	stale, err := repo.ListStaleMatches(ctx, models.MatchStatusCreated, base.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "stale-1", stale[0].IdempotencyKey)

	limited, err := repo.ListStaleMatches(ctx, models.MatchStatusCreated, base.Add(30*time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	matches, err := repo.GetPlayerMatches(ctx, "A", 2, 0)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "fresh-1", matches[0].IdempotencyKey)
}

func TestIncrementMatchStats(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()

	empty, err := repo.GetMatchStatistics(ctx, "W")
	require.NoError(t, err)
	assert.Zero(t, empty.TotalMatches)

	require.NoError(t, repo.IncrementMatchStats(ctx, "W", 1, 1, 0, 1000, 700, 0))
	require.NoError(t, repo.IncrementMatchStats(ctx, "W", 1, 0, 1, 3000, 0, 3000))

	stats, err := repo.GetMatchStatistics(ctx, "W")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalMatches)
	assert.Equal(t, int64(1), stats.Wins)
	assert.Equal(t, int64(1), stats.Losses)
	assert.Equal(t, int64(4000), stats.TotalWagered)
	assert.Equal(t, int64(700), stats.TotalWon)
	assert.Equal(t, int64(3000), stats.TotalLost)
	assert.Equal(t, int64(2000), stats.AvgStake)
	assert.InDelta(t, 50.0, stats.WinRate, 0.01)
}
