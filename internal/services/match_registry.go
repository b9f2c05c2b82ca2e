package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"reflex-pvp/internal/models"
)

// MatchStore persists match records. Lookups return (nil, nil) when nothing matches.
type MatchStore interface {
	// InsertMatchIfAbsent stores record together with its first log entry unless a
	// record with the same idempotency key exists. It returns the stored record and
	// whether this call inserted it.
	InsertMatchIfAbsent(ctx context.Context, record *models.MatchRecord, first models.MatchLogEntry) (*models.MatchRecord, bool, error)
	GetMatchByID(ctx context.Context, matchID string) (*models.MatchRecord, error)
	GetMatchByIdempotencyKey(ctx context.Context, key string) (*models.MatchRecord, error)
	UpdateMatch(ctx context.Context, matchID string, patch models.MatchPatch, at time.Time) (*models.MatchRecord, error)
	// AppendMatchLog is a no-op when the match does not exist.
	AppendMatchLog(ctx context.Context, entry models.MatchLogEntry) error
	ListStaleMatches(ctx context.Context, status models.MatchStatus, before time.Time, limit int) ([]*models.MatchRecord, error)
}

// CreateMatchInput describes a new match record
type CreateMatchInput struct {
	PlayerA            string
	StakeLamports      int64
	IdempotencyKey     string
	FreeStakeSponsored bool
	OnChainMatch       string
}

// MatchRegistry owns match records and their audit logs
type MatchRegistry struct {
	store  MatchStore
	logger *zap.Logger
	now    func() time.Time
}

func NewMatchRegistry(store MatchStore, logger *zap.Logger) *MatchRegistry {
	return &MatchRegistry{
		store:  store,
		logger: logger.Named("registry"),
		now:    time.Now,
	}
}

// Create returns the record for in.IdempotencyKey, creating it in the created state
// if none exists. The bool result is true only when this call created the record.
func (r *MatchRegistry) Create(ctx context.Context, in CreateMatchInput) (*models.MatchRecord, bool, error) {
	existing, err := r.store.GetMatchByIdempotencyKey(ctx, in.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	stake, ok := ToStakeLamports(in.StakeLamports)
	if !ok || stake <= 0 {
		return nil, false, ErrInvalidStake
	}

	onChainMatch := in.OnChainMatch
	if onChainMatch == "" {
		onChainMatch = newOnChainMatchID()
	}

	now := r.now()
	record := &models.MatchRecord{
		MatchID:            uuid.NewString(),
		OnChainMatch:       onChainMatch,
		PlayerA:            in.PlayerA,
		StakeLamports:      stake,
		FreeStakeSponsored: in.FreeStakeSponsored,
		Status:             models.MatchStatusCreated,
		IdempotencyKey:     in.IdempotencyKey,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	first := models.MatchLogEntry{
		MatchID: record.MatchID,
		At:      now,
		Action:  models.MatchActionCreated,
		Details: map[string]interface{}{
			"playerA":            in.PlayerA,
			"stakeLamports":      stake,
			"freeStakeSponsored": in.FreeStakeSponsored,
		},
	}

	stored, inserted, err := r.store.InsertMatchIfAbsent(ctx, record, first)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create match: %w", err)
	}
	if inserted {
		r.logger.Info("match created",
			zap.String("matchId", stored.MatchID),
			zap.String("playerA", stored.PlayerA),
			zap.Int64("stakeLamports", stored.StakeLamports),
			zap.Bool("freeStakeSponsored", stored.FreeStakeSponsored),
		)
	}
	return stored, inserted, nil
}

// Get returns the record for matchID or ErrMatchNotFound
func (r *MatchRegistry) Get(ctx context.Context, matchID string) (*models.MatchRecord, error) {
	record, err := r.store.GetMatchByID(ctx, matchID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMatchNotFound
		}
		return nil, fmt.Errorf("failed to get match: %w", err)
	}
	if record == nil {
		return nil, ErrMatchNotFound
	}
	return record, nil
}

// FindByIdempotencyKey returns the record created for key, or nil
func (r *MatchRegistry) FindByIdempotencyKey(ctx context.Context, key string) (*models.MatchRecord, error) {
	record, err := r.store.GetMatchByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return record, nil
}

// Update merges patch into the record and refreshes UpdatedAt.
// The state machine is not enforced here.
func (r *MatchRegistry) Update(ctx context.Context, matchID string, patch models.MatchPatch) (*models.MatchRecord, error) {
	record, err := r.store.UpdateMatch(ctx, matchID, patch, r.now())
	if err != nil {
		return nil, fmt.Errorf("failed to update match: %w", err)
	}
	if record == nil {
		return nil, ErrMatchNotFound
	}
	return record, nil
}

// Log appends an audit entry; unknown matches are ignored
func (r *MatchRegistry) Log(ctx context.Context, matchID, action string, details map[string]interface{}) error {
	if details == nil {
		details = map[string]interface{}{}
	}
	err := r.store.AppendMatchLog(ctx, models.MatchLogEntry{
		MatchID: matchID,
		At:      r.now(),
		Action:  action,
		Details: details,
	})
	if err != nil {
		return fmt.Errorf("failed to append match log: %w", err)
	}
	return nil
}

// ListStale returns up to limit records in status whose last update is older than olderThan
func (r *MatchRegistry) ListStale(ctx context.Context, status models.MatchStatus, olderThan time.Duration, limit int) ([]*models.MatchRecord, error) {
	records, err := r.store.ListStaleMatches(ctx, status, r.now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale matches: %w", err)
	}
	return records, nil
}

// newOnChainMatchID returns 32 lowercase hex characters
func newOnChainMatchID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:32]
}
