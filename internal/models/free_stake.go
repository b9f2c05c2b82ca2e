package models

import "time"

// FreeStakeClaim is a pending, single-use grant held server-side
type FreeStakeClaim struct {
	Nonce     string
	Wallet    string
	IssuedAt  int64 // unix ms
	ExpiresAt int64 // unix ms
}

// Expired reports whether the claim is past its expiry at now
func (c *FreeStakeClaim) Expired(now time.Time) bool {
	return c.ExpiresAt < now.UnixMilli()
}

// ClaimTicket is what the client receives for a claim
type ClaimTicket struct {
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
	ExpiresAt int64  `json:"expiresAt"`
}

// ClaimRedemption is a request to consume a claim for a sponsored match
type ClaimRedemption struct {
	Wallet            string
	Nonce             string
	Signature         string
	RequestedLamports int64
}

// UserDailyQuota tracks one wallet's sponsored usage within a rolling 24h window
type UserDailyQuota struct {
	Count           int64 `json:"count"`
	SpentLamports   int64 `json:"spentLamports"`
	WindowStartedAt int64 `json:"windowStartedAt"` // unix ms
}

// FreeStakeLimits configures the free-stake quota checks
type FreeStakeLimits struct {
	DailyBudgetLamports      int64
	MaxPerMatchLamports      int64
	MaxMatchesPerUserPerDay  int64
	MaxLamportsPerUserPerDay int64
	QuotaWindow              time.Duration
}
