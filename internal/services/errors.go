package services

import "errors"

// Registry and orchestration errors
var (
	ErrInvalidStake          = errors.New("INVALID_STAKE_LAMPORTS")
	ErrMatchNotFound         = errors.New("match not found")
	ErrMissingIdempotencyKey = errors.New("idempotencyKey must be at least 8 characters")
	ErrMissingWallet         = errors.New("wallet identity required")
	ErrSelfJoin              = errors.New("cannot join your own match")
	ErrAlreadyJoined         = errors.New("match already joined")
	ErrMatchClosed           = errors.New("match is no longer open")
	ErrMatchNotActive        = errors.New("match has no opponent yet")
	ErrInvalidWinner         = errors.New("winner must be one of the match players")
	ErrWinnerConflict        = errors.New("a different winner was already recorded")
	ErrNotParticipant        = errors.New("caller is not a participant of this match")
	ErrSettlementFailed      = errors.New("settlement failed")
	ErrMissingClaim          = errors.New("free stake claim required")
	ErrInvalidReaction       = errors.New("avgReactionMs must be a non-negative number")
	ErrQueueUnavailable      = errors.New("matchmaking queue unavailable")
	ErrOnChainNotConfigured  = errors.New("escrow is not configured")
)

// Free-stake errors; the messages are the wire codes
var (
	ErrInvalidNonce         = errors.New("FREE_STAKE_INVALID_NONCE")
	ErrWalletMismatch       = errors.New("FREE_STAKE_WALLET_MISMATCH")
	ErrClaimExpired         = errors.New("FREE_STAKE_CLAIM_EXPIRED")
	ErrInvalidSignature     = errors.New("FREE_STAKE_INVALID_SIGNATURE")
	ErrMatchLimitExceeded   = errors.New("FREE_STAKE_MATCH_LIMIT_EXCEEDED")
	ErrUserDailyMatchLimit  = errors.New("FREE_STAKE_USER_DAILY_MATCH_LIMIT")
	ErrUserDailyBudgetLimit = errors.New("FREE_STAKE_USER_DAILY_BUDGET_LIMIT")
	ErrDailyBudgetExhausted = errors.New("FREE_STAKE_DAILY_BUDGET_EXHAUSTED")
)

// IsFreeStakeError reports whether err is one of the claim or quota rejections
func IsFreeStakeError(err error) bool {
	for _, target := range []error{
		ErrInvalidNonce, ErrWalletMismatch, ErrClaimExpired, ErrInvalidSignature,
		ErrMatchLimitExceeded, ErrUserDailyMatchLimit, ErrUserDailyBudgetLimit, ErrDailyBudgetExhausted,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
