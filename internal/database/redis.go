package database

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"reflex-pvp/internal/models"
)

// ConnectRedis parses a redis:// URL, connects and pings the server
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// RedisOrderedSetStore exposes the sorted-set commands the matchmaking queue needs
type RedisOrderedSetStore struct {
	client redis.UniversalClient
}

func NewRedisOrderedSetStore(client redis.UniversalClient) *RedisOrderedSetStore {
	return &RedisOrderedSetStore{client: client}
}

func (s *RedisOrderedSetStore) Add(ctx context.Context, key, member string, score float64) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisOrderedSetStore) Remove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.ZRem(ctx, key, args...).Err()
}

// RangeByRank returns members ranked start..stop (inclusive) in ascending score order
func (s *RedisOrderedSetStore) RangeByRank(ctx context.Context, key string, start, stop int64) ([]models.ScoredMember, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return toScoredMembers(zs), nil
}

// RangeByMaxScore returns members with score <= max in ascending score order
func (s *RedisOrderedSetStore) RangeByMaxScore(ctx context.Context, key string, max float64) ([]models.ScoredMember, error) {
	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, err
	}
	return toScoredMembers(zs), nil
}

func (s *RedisOrderedSetStore) Card(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

// toScoredMembers drops entries with a non-string member or a NaN score
func toScoredMembers(zs []redis.Z) []models.ScoredMember {
	out := make([]models.ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok || math.IsNaN(z.Score) {
			continue
		}
		out = append(out, models.ScoredMember{Member: member, Score: z.Score})
	}
	return out
}
