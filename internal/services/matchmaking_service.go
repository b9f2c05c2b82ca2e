package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"reflex-pvp/internal/events"
	"reflex-pvp/internal/models"
	"reflex-pvp/internal/utils"
)

// Matchmaking defaults
const (
	DefaultMatchCheckInterval  = 2 * time.Second
	DefaultMaxQueueWait        = 15 * time.Second
	DefaultReactionToleranceMs = 150
	DefaultQueueScanLimit      = 21
)

// OrderedSetStore is the shared queue backend
type OrderedSetStore interface {
	Add(ctx context.Context, key, member string, score float64) error
	Remove(ctx context.Context, key string, members ...string) error
	RangeByRank(ctx context.Context, key string, start, stop int64) ([]models.ScoredMember, error)
	RangeByMaxScore(ctx context.Context, key string, max float64) ([]models.ScoredMember, error)
	Card(ctx context.Context, key string) (int64, error)
}

// MatchmakingConfig holds the queue timings
type MatchmakingConfig struct {
	CheckInterval       time.Duration
	MaxWait             time.Duration
	ReactionToleranceMs float64
	ScanLimit           int
	// Locker, when set, makes each tier pass run on one instance at a time
	Locker gocron.Locker
}

// TierPassResult reports what one processing pass did
type TierPassResult struct {
	BotMatches []string
	Pairs      [][2]string
	Stopped    bool
}

// MatchmakingService pairs queued players by reaction time within a stake tier
type MatchmakingService struct {
	store     OrderedSetStore
	scheduler gocron.Scheduler
	publisher events.Publisher
	cfg       MatchmakingConfig
	logger    *zap.Logger
	now       func() time.Time
	botName   func() (string, error)

	mu         sync.Mutex
	processors map[int64]uuid.UUID
}

func NewMatchmakingService(
	store OrderedSetStore,
	scheduler gocron.Scheduler,
	publisher events.Publisher,
	cfg MatchmakingConfig,
	logger *zap.Logger,
) *MatchmakingService {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultMatchCheckInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxQueueWait
	}
	if cfg.ReactionToleranceMs <= 0 {
		cfg.ReactionToleranceMs = DefaultReactionToleranceMs
	}
	if cfg.ScanLimit < 2 {
		cfg.ScanLimit = DefaultQueueScanLimit
	}
	return &MatchmakingService{
		store:      store,
		scheduler:  scheduler,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger.Named("matchmaking"),
		now:        time.Now,
		botName:    utils.GenerateBotName,
		processors: make(map[int64]uuid.UUID),
	}
}

func queueKey(stake int64) string {
	return "matchmaking:queue:" + strconv.FormatInt(stake, 10)
}

func timerKey(stake int64) string {
	return "matchmaking:timers:" + strconv.FormatInt(stake, 10)
}

// AddToQueue enqueues userID in the stake tier and makes sure the tier is being processed
func (s *MatchmakingService) AddToQueue(ctx context.Context, userID string, stakeLamports int64, avgReactionMs float64) error {
	stake, ok := ToStakeLamports(stakeLamports)
	if !ok || stake <= 0 {
		return ErrInvalidStake
	}
	if math.IsNaN(avgReactionMs) || math.IsInf(avgReactionMs, 0) || avgReactionMs < 0 {
		return ErrInvalidReaction
	}

	if err := s.store.Add(ctx, queueKey(stake), userID, avgReactionMs); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if err := s.store.Add(ctx, timerKey(stake), userID, float64(s.now().UnixMilli())); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	s.logger.Info("player added to matchmaking queue",
		zap.String("userId", userID),
		zap.Int64("stakeLamports", stake),
		zap.Float64("avgReactionMs", avgReactionMs),
	)

	return s.ensureProcessor(stake)
}

// RemoveFromQueue removes userID from both sets of the tier
func (s *MatchmakingService) RemoveFromQueue(ctx context.Context, userID string, stakeLamports int64) error {
	stake, ok := ToStakeLamports(stakeLamports)
	if !ok || stake <= 0 {
		return ErrInvalidStake
	}
	if err := s.removePlayers(ctx, stake, userID); err != nil {
		return err
	}
	s.logger.Info("player removed from matchmaking queue",
		zap.String("userId", userID),
		zap.Int64("stakeLamports", stake),
	)
	return nil
}

// QueueSize returns the number of players waiting in the tier
func (s *MatchmakingService) QueueSize(ctx context.Context, stakeLamports int64) (int64, error) {
	n, err := s.store.Card(ctx, queueKey(stakeLamports))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return n, nil
}

// ActiveTiers returns the tiers that currently have a processor, in ascending order
func (s *MatchmakingService) ActiveTiers() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	tiers := make([]int64, 0, len(s.processors))
	for stake := range s.processors {
		tiers = append(tiers, stake)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}

func (s *MatchmakingService) removePlayers(ctx context.Context, stake int64, userIDs ...string) error {
	if err := s.store.Remove(ctx, queueKey(stake), userIDs...); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if err := s.store.Remove(ctx, timerKey(stake), userIDs...); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

func (s *MatchmakingService) ensureProcessor(stake int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.processors[stake]; running {
		return nil
	}

	opts := []gocron.JobOption{
		gocron.WithName("matchmaking:tier:" + strconv.FormatInt(stake, 10)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if s.cfg.Locker != nil {
		opts = append(opts, gocron.WithDistributedJobLocker(s.cfg.Locker))
	}

	job, err := s.scheduler.NewJob(
		gocron.DurationJob(s.cfg.CheckInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CheckInterval*5)
			defer cancel()
			if _, err := s.ProcessTier(ctx, stake); err != nil {
				s.logger.Warn("matchmaking pass failed", zap.Int64("stakeLamports", stake), zap.Error(err))
			}
		}),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to start matchmaking processor: %w", err)
	}

	s.processors[stake] = job.ID()
	s.logger.Info("matchmaking processor started", zap.Int64("stakeLamports", stake))
	return nil
}

// stopIfEmpty removes the tier's processor when nobody is waiting. The count is
// re-read under the lock so a concurrent enqueue always ends with a live processor.
func (s *MatchmakingService) stopIfEmpty(ctx context.Context, stake int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, running := s.processors[stake]
	if !running {
		return false, nil
	}

	n, err := s.store.Card(ctx, queueKey(stake))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if n > 0 {
		return false, nil
	}

	if err := s.scheduler.RemoveJob(id); err != nil {
		s.logger.Warn("failed to remove matchmaking processor", zap.Int64("stakeLamports", stake), zap.Error(err))
	}
	delete(s.processors, stake)
	s.logger.Info("matchmaking processor stopped", zap.Int64("stakeLamports", stake))
	return true, nil
}

// ProcessTier runs one timeout sweep and pairing pass for the tier
func (s *MatchmakingService) ProcessTier(ctx context.Context, stake int64) (*TierPassResult, error) {
	result := &TierPassResult{}

	cutoff := s.now().Add(-s.cfg.MaxWait).UnixMilli()
	expired, err := s.store.RangeByMaxScore(ctx, timerKey(stake), float64(cutoff))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	for _, entry := range expired {
		if entry.Member == "" {
			continue
		}
		if err := s.removePlayers(ctx, stake, entry.Member); err != nil {
			return nil, err
		}
		s.emitBotMatch(ctx, entry.Member, stake)
		result.BotMatches = append(result.BotMatches, entry.Member)
	}

	players, err := s.store.RangeByRank(ctx, queueKey(stake), 0, int64(s.cfg.ScanLimit-1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	if len(players) >= 2 {
		matched := make(map[string]bool)
		for i := 0; i < len(players); i++ {
			p1 := players[i]
			if p1.Member == "" || math.IsNaN(p1.Score) || matched[p1.Member] {
				continue
			}
			for j := i + 1; j < len(players); j++ {
				p2 := players[j]
				if p2.Member == "" || math.IsNaN(p2.Score) || matched[p2.Member] || p2.Member == p1.Member {
					continue
				}
				if math.Abs(p1.Score-p2.Score) > s.cfg.ReactionToleranceMs {
					continue
				}

				matched[p1.Member] = true
				matched[p2.Member] = true
				if err := s.removePlayers(ctx, stake, p1.Member, p2.Member); err != nil {
					return nil, err
				}
				s.emitHumanMatch(ctx, p1.Member, p2.Member, stake)
				result.Pairs = append(result.Pairs, [2]string{p1.Member, p2.Member})
				break
			}
		}
	}

	stopped, err := s.stopIfEmpty(ctx, stake)
	if err != nil {
		return nil, err
	}
	result.Stopped = stopped
	return result, nil
}

func (s *MatchmakingService) emitHumanMatch(ctx context.Context, player1, player2 string, stake int64) {
	matchID := fmt.Sprintf("%s-%s-%d", player1, player2, s.now().UnixMilli())
	s.logger.Info("human match found",
		zap.String("player1Id", player1),
		zap.String("player2Id", player2),
		zap.Int64("stakeLamports", stake),
	)
	s.publisher.Publish(ctx, models.Event{
		Kind:       models.EventMatchFound,
		Recipients: []string{player1, player2},
		Payload: models.MatchFoundPayload{
			Type:          "human",
			MatchID:       matchID,
			Player1ID:     player1,
			Player2ID:     player2,
			StakeLamports: stake,
		},
	})
}

func (s *MatchmakingService) emitBotMatch(ctx context.Context, userID string, stake int64) {
	name, err := s.botName()
	if err != nil {
		s.logger.Warn("failed to generate bot name", zap.Error(err))
	}
	s.logger.Info("queue timeout reached, creating bot match",
		zap.String("userId", userID),
		zap.Int64("stakeLamports", stake),
	)
	s.publisher.Publish(ctx, models.Event{
		Kind:       models.EventBotMatch,
		Recipients: []string{userID},
		Payload: models.BotMatchPayload{
			UserID:        userID,
			StakeLamports: stake,
			Difficulty:    "adaptive",
			BotName:       name,
		},
	})
}
