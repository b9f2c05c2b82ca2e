package models

// ScoredMember is one entry of an ordered set
type ScoredMember struct {
	Member string
	Score  float64
}

// QueueStatus describes a player's position in a stake tier
type QueueStatus struct {
	StakeLamports int64 `json:"stakeLamports"`
	QueueSize     int64 `json:"queueSize"`
}
