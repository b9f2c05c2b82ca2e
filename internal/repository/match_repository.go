package repository

import (
	"context"
	"errors"
	"time"

	"reflex-pvp/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// InsertMatchIfAbsent creates a match and its first log entry unless the
// idempotency key is already taken, in which case the existing match is returned
func (r *Repository) InsertMatchIfAbsent(
	ctx context.Context,
	record *models.MatchRecord,
	first models.MatchLogEntry,
) (*models.MatchRecord, bool, error) {
	var stored *models.MatchRecord
	inserted := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := *record
		row.Logs = nil

		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).Omit(clause.Associations).Create(&row)
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 1 {
			first.ID = 0
			first.MatchID = row.MatchID
			if err := tx.Create(&first).Error; err != nil {
				return err
			}
			inserted = true
		}

		var err error
		stored, err = findMatch(tx, "idempotency_key = ?", record.IdempotencyKey)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	return stored, inserted, nil
}

// GetMatchByID retrieves a match with its logs
func (r *Repository) GetMatchByID(ctx context.Context, matchID string) (*models.MatchRecord, error) {
	return findMatch(r.db.WithContext(ctx), "match_id = ?", matchID)
}

// GetMatchByIdempotencyKey retrieves a match by its creation key
func (r *Repository) GetMatchByIdempotencyKey(ctx context.Context, key string) (*models.MatchRecord, error) {
	return findMatch(r.db.WithContext(ctx), "idempotency_key = ?", key)
}

// UpdateMatch applies patch and returns the updated match, or nil if it does not exist
func (r *Repository) UpdateMatch(
	ctx context.Context,
	matchID string,
	patch models.MatchPatch,
	at time.Time,
) (*models.MatchRecord, error) {
	columns := patch.Columns()
	columns["updated_at"] = at

	result := r.db.WithContext(ctx).
		Model(&models.MatchRecord{}).
		Where("match_id = ?", matchID).
		Updates(columns)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	return r.GetMatchByID(ctx, matchID)
}

// AppendMatchLog adds an audit entry and touches the match's updated_at
func (r *Repository) AppendMatchLog(ctx context.Context, entry models.MatchLogEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.MatchRecord{}).
			Where("match_id = ?", entry.MatchID).
			Update("updated_at", entry.At)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		entry.ID = 0
		return tx.Create(&entry).Error
	})
}

// ListStaleMatches returns matches stuck in status since before
func (r *Repository) ListStaleMatches(
	ctx context.Context,
	status models.MatchStatus,
	before time.Time,
	limit int,
) ([]*models.MatchRecord, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, before).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var matches []*models.MatchRecord
	err := query.Find(&matches).Error

	if err != nil {
		return nil, err
	}

	return matches, nil
}

// GetPlayerMatches retrieves the most recent matches a wallet took part in
func (r *Repository) GetPlayerMatches(
	ctx context.Context,
	wallet string,
	limit int,
	offset int,
) ([]*models.MatchRecord, error) {
	var matches []*models.MatchRecord
	err := r.db.WithContext(ctx).
		Where("player_a = ? OR player_b = ?", wallet, wallet).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&matches).Error

	if err != nil {
		return nil, err
	}

	return matches, nil
}

// IncrementMatchStats updates match statistics for a wallet
func (r *Repository) IncrementMatchStats(
	ctx context.Context,
	wallet string,
	matchesIncr int64,
	winsIncr int64,
	lossesIncr int64,
	wageredIncr int64,
	wonIncr int64,
	lostIncr int64,
) error {
	// Initial values for the INSERT case
	initialStats := models.MatchStatistics{
		Wallet:       wallet,
		TotalMatches: matchesIncr,
		Wins:         winsIncr,
		Losses:       lossesIncr,
		TotalWagered: wageredIncr,
		TotalWon:     wonIncr,
		TotalLost:    lostIncr,
		UpdatedAt:    time.Now(),
	}

	if initialStats.TotalMatches > 0 {
		initialStats.WinRate = float64(initialStats.Wins) / float64(initialStats.TotalMatches) * 100
		initialStats.AvgStake = initialStats.TotalWagered / initialStats.TotalMatches
	}

	// Column references in DO UPDATE read the old row, so the increments are repeated
	// in the derived fields.
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "wallet"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total_matches": gorm.Expr("match_statistics.total_matches + ?", matchesIncr),
			"wins":          gorm.Expr("match_statistics.wins + ?", winsIncr),
			"losses":        gorm.Expr("match_statistics.losses + ?", lossesIncr),
			"total_wagered": gorm.Expr("match_statistics.total_wagered + ?", wageredIncr),
			"total_won":     gorm.Expr("match_statistics.total_won + ?", wonIncr),
			"total_lost":    gorm.Expr("match_statistics.total_lost + ?", lostIncr),
			"win_rate":      gorm.Expr("CASE WHEN (match_statistics.total_matches + ?) > 0 THEN (CAST((match_statistics.wins + ?) AS DOUBLE PRECISION) / (match_statistics.total_matches + ?) * 100) ELSE 0 END", matchesIncr, winsIncr, matchesIncr),
			"avg_stake":     gorm.Expr("CASE WHEN (match_statistics.total_matches + ?) > 0 THEN ((match_statistics.total_wagered + ?) / (match_statistics.total_matches + ?)) ELSE 0 END", matchesIncr, wageredIncr, matchesIncr),
			"updated_at":    gorm.Expr("CURRENT_TIMESTAMP"),
		}),
	}).Create(&initialStats).Error
}

// GetMatchStatistics retrieves statistics for a wallet; unknown wallets get zeroed stats
func (r *Repository) GetMatchStatistics(ctx context.Context, wallet string) (*models.MatchStatistics, error) {
	var stats models.MatchStatistics
	err := r.db.WithContext(ctx).Where("wallet = ?", wallet).First(&stats).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.MatchStatistics{Wallet: wallet}, nil
	}

	if err != nil {
		return nil, err
	}

	return &stats, nil
}

func findMatch(db *gorm.DB, query string, arg interface{}) (*models.MatchRecord, error) {
	var match models.MatchRecord
	err := db.
		Preload("Logs", func(db *gorm.DB) *gorm.DB {
			return db.Order("match_logs.id ASC")
		}).
		Where(query, arg).
		First(&match).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &match, nil
}
