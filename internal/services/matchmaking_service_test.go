package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-co-op/gocron/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reflex-pvp/internal/database"
	"reflex-pvp/internal/models"
)

const testTier int64 = 1_000_000

type capturePublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *capturePublisher) Publish(_ context.Context, event models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturePublisher) ofKind(kind string) []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Event
	for _, e := range p.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestScheduler(t *testing.T) gocron.Scheduler {
	t.Helper()
	s, err := gocron.NewScheduler()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func newTestMatchmaking(t *testing.T, store OrderedSetStore, clock *fakeClock) (*MatchmakingService, *capturePublisher) {
	t.Helper()
	pub := &capturePublisher{}
	svc := NewMatchmakingService(store, newTestScheduler(t), pub, MatchmakingConfig{
		CheckInterval:       time.Hour,
		MaxWait:             15 * time.Second,
		ReactionToleranceMs: 150,
	}, zap.NewNop())
	svc.now = clock.Now
	svc.botName = func() (string, error) { return "SolanaSlayer_0001", nil }
	return svc, pub
}

func orderedSetStores(t *testing.T) map[string]OrderedSetStore {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]OrderedSetStore{
		"memory": NewMemoryOrderedSetStore(),
		"redis":  database.NewRedisOrderedSetStore(client),
	}
}

func TestMatchmakingPairsWithinTolerance(t *testing.T) {
	for name, store := range orderedSetStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc, pub := newTestMatchmaking(t, store, newFakeClock())

			require.NoError(t, svc.AddToQueue(ctx, "u1", testTier, 250))
			require.NoError(t, svc.AddToQueue(ctx, "u2", testTier, 260))
			assert.Equal(t, []int64{testTier}, svc.ActiveTiers())

			result, err := svc.ProcessTier(ctx, testTier)
			require.NoError(t, err)
			assert.Equal(t, [][2]string{{"u1", "u2"}}, result.Pairs)
			assert.Empty(t, result.BotMatches)
			assert.True(t, result.Stopped)

			size, err := svc.QueueSize(ctx, testTier)
			require.NoError(t, err)
			assert.Zero(t, size)
			assert.Empty(t, svc.ActiveTiers())

			found := pub.ofKind(models.EventMatchFound)
			require.Len(t, found, 1)
			assert.ElementsMatch(t, []string{"u1", "u2"}, found[0].Recipients)
			payload := found[0].Payload.(models.MatchFoundPayload)
			assert.Equal(t, "human", payload.Type)
			assert.Equal(t, testTier, payload.StakeLamports)
		})
	}
}

func TestMatchmakingNeverPairsOutsideTolerance(t *testing.T) {
	for name, store := range orderedSetStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc, pub := newTestMatchmaking(t, store, newFakeClock())

			require.NoError(t, svc.AddToQueue(ctx, "fast", testTier, 100))
			require.NoError(t, svc.AddToQueue(ctx, "slow", testTier, 400))

			result, err := svc.ProcessTier(ctx, testTier)
			require.NoError(t, err)
			assert.Empty(t, result.Pairs)
			assert.False(t, result.Stopped)
			assert.Empty(t, pub.ofKind(models.EventMatchFound))

			size, err := svc.QueueSize(ctx, testTier)
			require.NoError(t, err)
			assert.Equal(t, int64(2), size)
		})
	}
}

func TestMatchmakingGreedyPairing(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestMatchmaking(t, NewMemoryOrderedSetStore(), newFakeClock())

	require.NoError(t, svc.AddToQueue(ctx, "a", testTier, 100))
	require.NoError(t, svc.AddToQueue(ctx, "b", testTier, 200))
	require.NoError(t, svc.AddToQueue(ctx, "c", testTier, 260))

	result, err := svc.ProcessTier(ctx, testTier)
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"a", "b"}}, result.Pairs)

	size, err := svc.QueueSize(ctx, testTier)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestMatchmakingTimeoutFallsBackToBotOnce(t *testing.T) {
	for name, store := range orderedSetStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			svc, pub := newTestMatchmaking(t, store, clock)

			require.NoError(t, svc.AddToQueue(ctx, "lonely", testTier, 300))
			clock.Advance(16 * time.Second)

			result, err := svc.ProcessTier(ctx, testTier)
			require.NoError(t, err)
			assert.Equal(t, []string{"lonely"}, result.BotMatches)
			assert.True(t, result.Stopped)

			result, err = svc.ProcessTier(ctx, testTier)
			require.NoError(t, err)
			assert.Empty(t, result.BotMatches)

			bots := pub.ofKind(models.EventBotMatch)
			require.Len(t, bots, 1)
			payload := bots[0].Payload.(models.BotMatchPayload)
			assert.Equal(t, "lonely", payload.UserID)
			assert.Equal(t, "adaptive", payload.Difficulty)
			assert.Equal(t, "SolanaSlayer_0001", payload.BotName)
		})
	}
}

func TestMatchmakingRemoveAndRestart(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestMatchmaking(t, NewMemoryOrderedSetStore(), newFakeClock())

	require.NoError(t, svc.AddToQueue(ctx, "u1", testTier, 250))
	require.NoError(t, svc.RemoveFromQueue(ctx, "u1", testTier))

	result, err := svc.ProcessTier(ctx, testTier)
	require.NoError(t, err)
	assert.True(t, result.Stopped)
	assert.Empty(t, svc.ActiveTiers())

	require.NoError(t, svc.AddToQueue(ctx, "u1", testTier, 250))
	assert.Equal(t, []int64{testTier}, svc.ActiveTiers())
}

func TestMatchmakingValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestMatchmaking(t, NewMemoryOrderedSetStore(), newFakeClock())

	assert.ErrorIs(t, svc.AddToQueue(ctx, "u1", 0, 250), ErrInvalidStake)
	assert.ErrorIs(t, svc.AddToQueue(ctx, "u1", testTier, -1), ErrInvalidReaction)
	assert.ErrorIs(t, svc.RemoveFromQueue(ctx, "u1", -10), ErrInvalidStake)
	assert.Empty(t, svc.ActiveTiers())
}
