package models

// Event kinds published on the event bus
const (
	EventMatchStatus = "match_status"
	EventMatchFound  = "match_found"
	EventBotMatch    = "bot_match"
)

// Event is a single notification fanned out to subscribers
type Event struct {
	Kind       string      `json:"kind"`
	Recipients []string    `json:"recipients,omitempty"`
	Payload    interface{} `json:"payload"`
}

// MatchStatusPayload is sent whenever a match changes status
type MatchStatusPayload struct {
	MatchID   string      `json:"matchId"`
	Status    MatchStatus `json:"status"`
	PlayerA   string      `json:"playerA"`
	PlayerB   string      `json:"playerB,omitempty"`
	Winner    string      `json:"winner,omitempty"`
	Signature string      `json:"signature,omitempty"`
}

// MatchFoundPayload announces a human-vs-human pairing
type MatchFoundPayload struct {
	Type          string `json:"type"`
	MatchID       string `json:"matchId"`
	Player1ID     string `json:"player1Id"`
	Player2ID     string `json:"player2Id"`
	StakeLamports int64  `json:"stakeLamports"`
}

// BotMatchPayload announces a timeout fallback to a bot opponent
type BotMatchPayload struct {
	UserID        string `json:"userId"`
	StakeLamports int64  `json:"stakeLamports"`
	Difficulty    string `json:"difficulty"`
	BotName       string `json:"botName,omitempty"`
}
