package models

import (
	"time"

	"gorm.io/datatypes"
)

// MatchStatus represents the lifecycle state of a match
type MatchStatus string

const (
	MatchStatusCreated   MatchStatus = "created"
	MatchStatusWaiting   MatchStatus = "waiting"
	MatchStatusActive    MatchStatus = "active"
	MatchStatusFinished  MatchStatus = "finished"
	MatchStatusSettled   MatchStatus = "settled"
	MatchStatusRefunded  MatchStatus = "refunded"
	MatchStatusCancelled MatchStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed
func (s MatchStatus) IsTerminal() bool {
	switch s {
	case MatchStatusSettled, MatchStatusRefunded, MatchStatusCancelled:
		return true
	}
	return false
}

// Match log actions
const (
	MatchActionCreated          = "created"
	MatchActionWaiting          = "waiting"
	MatchActionJoined           = "joined"
	MatchActionWinnerSelected   = "winner_selected"
	MatchActionSettled          = "settled"
	MatchActionSettleFailed     = "settle_failed"
	MatchActionExpiredCancelled = "expired_cancelled"
	MatchActionExpiredRefunded  = "expired_refunded"
	MatchActionCancelFailed     = "cancel_failed"
)

// MatchRecord is the authoritative server-side record of one match
type MatchRecord struct {
	MatchID            string          `gorm:"primaryKey;size:36" json:"matchId"`
	OnChainMatch       string          `gorm:"size:64;not null;index" json:"onChainMatch"`
	PlayerA            string          `gorm:"size:64;not null;index" json:"playerA"`
	PlayerB            string          `gorm:"size:64;index" json:"playerB,omitempty"`
	StakeLamports      int64           `gorm:"not null" json:"stakeLamports"`
	FreeStakeSponsored bool            `gorm:"not null;default:false" json:"freeStakeSponsored"`
	Status             MatchStatus     `gorm:"size:20;not null;index" json:"status"`
	IdempotencyKey     string          `gorm:"size:255;not null;uniqueIndex" json:"idempotencyKey"`
	Winner             string          `gorm:"size:64" json:"winner,omitempty"`
	SettleSignature    string          `gorm:"size:128" json:"settleSignature,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	Logs               []MatchLogEntry `gorm:"foreignKey:MatchID;references:MatchID" json:"logs"`
}

func (MatchRecord) TableName() string {
	return "match_records"
}

// HasPlayer reports whether wallet is one of the two participants
func (m *MatchRecord) HasPlayer(wallet string) bool {
	return wallet != "" && (wallet == m.PlayerA || wallet == m.PlayerB)
}

// Clone returns a copy that shares nothing mutable with m
func (m *MatchRecord) Clone() *MatchRecord {
	if m == nil {
		return nil
	}
	out := *m
	out.Logs = make([]MatchLogEntry, len(m.Logs))
	for i, entry := range m.Logs {
		out.Logs[i] = entry.clone()
	}
	return &out
}

// MatchLogEntry is one append-only audit entry for a match
type MatchLogEntry struct {
	ID      uint              `gorm:"primaryKey;autoIncrement" json:"-"`
	MatchID string            `gorm:"size:36;not null;index" json:"-"`
	At      time.Time         `gorm:"not null" json:"at"`
	Action  string            `gorm:"size:50;not null" json:"action"`
	Details datatypes.JSONMap `json:"details"`
}

func (MatchLogEntry) TableName() string {
	return "match_logs"
}

func (e MatchLogEntry) clone() MatchLogEntry {
	if e.Details != nil {
		details := make(datatypes.JSONMap, len(e.Details))
		for k, v := range e.Details {
			details[k] = v
		}
		e.Details = details
	}
	return e
}

// MatchPatch lists the mutable fields of a match; nil fields are left as-is
type MatchPatch struct {
	OnChainMatch    *string
	PlayerB         *string
	Status          *MatchStatus
	Winner          *string
	SettleSignature *string
}

// Apply merges the non-nil fields of p into m
func (p MatchPatch) Apply(m *MatchRecord) {
	if p.OnChainMatch != nil {
		m.OnChainMatch = *p.OnChainMatch
	}
	if p.PlayerB != nil {
		m.PlayerB = *p.PlayerB
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.Winner != nil {
		m.Winner = *p.Winner
	}
	if p.SettleSignature != nil {
		m.SettleSignature = *p.SettleSignature
	}
}

// Columns returns the column updates for p, keyed by column name
func (p MatchPatch) Columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if p.OnChainMatch != nil {
		cols["on_chain_match"] = *p.OnChainMatch
	}
	if p.PlayerB != nil {
		cols["player_b"] = *p.PlayerB
	}
	if p.Status != nil {
		cols["status"] = *p.Status
	}
	if p.Winner != nil {
		cols["winner"] = *p.Winner
	}
	if p.SettleSignature != nil {
		cols["settle_signature"] = *p.SettleSignature
	}
	return cols
}

// MatchStatistics holds per-wallet settled match counters
type MatchStatistics struct {
	Wallet       string    `gorm:"primaryKey;size:64" json:"wallet"`
	TotalMatches int64     `gorm:"default:0" json:"totalMatches"`
	Wins         int64     `gorm:"default:0" json:"wins"`
	Losses       int64     `gorm:"default:0" json:"losses"`
	TotalWagered int64     `gorm:"default:0" json:"totalWagered"`
	TotalWon     int64     `gorm:"default:0" json:"totalWon"`
	TotalLost    int64     `gorm:"default:0" json:"totalLost"`
	WinRate      float64   `gorm:"type:decimal(5,2);default:0" json:"winRate"`
	AvgStake     int64     `gorm:"default:0" json:"avgStake"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (MatchStatistics) TableName() string {
	return "match_statistics"
}

// Identity is the authenticated caller as established by the session token
type Identity struct {
	UserID string
	Wallet string
}

// StakeInput carries a stake either in lamports or in SOL.
// Values are left untyped so that numbers and numeric strings are both accepted.
type StakeInput struct {
	StakeLamports interface{} `json:"stakeLamports,omitempty"`
	Stake         interface{} `json:"stake,omitempty"`
}

// CreateMatchRequest is the body of POST /api/matchmaking/create
type CreateMatchRequest struct {
	StakeInput
	IdempotencyKey string          `json:"idempotencyKey"`
	FreeStake      bool            `json:"freeStake"`
	Claim          *ClaimRedeemRef `json:"claim,omitempty"`
	OnChain        bool            `json:"onChain"`
}

// ClaimRedeemRef is the part of a ClaimTicket the client echoes back
type ClaimRedeemRef struct {
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// FinishMatchRequest is the body of POST /api/matchmaking/:matchId/finish
type FinishMatchRequest struct {
	Winner   string `json:"winner" binding:"required"`
	FeeVault string `json:"feeVault,omitempty"`
}

// JoinMatchRequest is the optional body of POST /api/matchmaking/:matchId/join
type JoinMatchRequest struct {
	OnChain bool `json:"onChain"`
}

// QueueRequest is the body of POST/DELETE /api/matchmaking/queue
type QueueRequest struct {
	StakeInput
	AvgReactionMs *float64 `json:"avgReactionMs,omitempty"`
}
