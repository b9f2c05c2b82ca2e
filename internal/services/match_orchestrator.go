package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"reflex-pvp/internal/blockchain"
	"reflex-pvp/internal/events"
	"reflex-pvp/internal/models"
)

const (
	minIdempotencyKeyLength = 8
	matchLockStripes        = 64
	defaultReconcileBatch   = 100
)

// EscrowGateway is the part of the escrow bridge the orchestrator drives
type EscrowGateway interface {
	IsConfigured() bool
	CanBuildTransactions() bool
	FeeBps() int64
	BuildCreateMatchTx(ctx context.Context, playerA string, stakeLamports, joinExpirySecs int64) (*blockchain.BuiltTransaction, error)
	BuildJoinMatchTx(ctx context.Context, gameMatch, playerB string, settleDeadlineSecs int64) (*blockchain.BuiltTransaction, error)
	SettleMatch(ctx context.Context, req blockchain.SettleRequest) (*blockchain.SettleResult, error)
	CancelActiveMatch(ctx context.Context, req blockchain.CancelRequest) (*blockchain.SettleResult, error)
	LookupMatchAccount(ctx context.Context, onChainMatch string) (*blockchain.MatchAccount, error)
}

// StatsRecorder receives per-wallet results of settled matches
type StatsRecorder interface {
	IncrementMatchStats(ctx context.Context, wallet string, matchesIncr, winsIncr, lossesIncr, wageredIncr, wonIncr, lostIncr int64) error
}

// OrchestratorConfig holds the match deadlines
type OrchestratorConfig struct {
	JoinExpiry         time.Duration
	SettleDeadline     time.Duration
	ReconcileBatchSize int
}

// CreateMatchResult is returned by CreateMatch
type CreateMatchResult struct {
	Match      *models.MatchRecord          `json:"match"`
	Escrow     *blockchain.BuiltTransaction `json:"escrow,omitempty"`
	Idempotent bool                         `json:"idempotent"`
}

// JoinMatchResult is returned by JoinMatch
type JoinMatchResult struct {
	Match  *models.MatchRecord          `json:"match"`
	Escrow *blockchain.BuiltTransaction `json:"escrow,omitempty"`
}

// FinishMatchResult is returned by FinishMatch
type FinishMatchResult struct {
	Match      *models.MatchRecord `json:"match"`
	Signature  string              `json:"signature"`
	Idempotent bool                `json:"idempotent,omitempty"`
	Skipped    bool                `json:"skipped,omitempty"`
	Payout     *PayoutBreakdown    `json:"payout,omitempty"`
}

// ReconcileResult counts what one reconciliation pass did
type ReconcileResult struct {
	Cancelled int
	Refunded  int
	Failed    int
}

// MatchOrchestrator is the entry point for every match operation
type MatchOrchestrator struct {
	registry    *MatchRegistry
	freeStake   *FreeStakeService
	matchmaking *MatchmakingService
	escrow      EscrowGateway
	stats       StatsRecorder
	publisher   events.Publisher
	cfg         OrchestratorConfig
	logger      *zap.Logger

	locks    [matchLockStripes]sync.Mutex
	keyLocks [matchLockStripes]sync.Mutex
}

func NewMatchOrchestrator(
	registry *MatchRegistry,
	freeStake *FreeStakeService,
	matchmaking *MatchmakingService,
	escrow EscrowGateway,
	stats StatsRecorder,
	publisher events.Publisher,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) *MatchOrchestrator {
	if cfg.JoinExpiry <= 0 {
		cfg.JoinExpiry = time.Duration(blockchain.DefaultJoinExpirySecs) * time.Second
	}
	if cfg.SettleDeadline <= 0 {
		cfg.SettleDeadline = time.Duration(blockchain.DefaultSettleDeadlineSecs) * time.Second
	}
	if cfg.ReconcileBatchSize <= 0 {
		cfg.ReconcileBatchSize = defaultReconcileBatch
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &MatchOrchestrator{
		registry:    registry,
		freeStake:   freeStake,
		matchmaking: matchmaking,
		escrow:      escrow,
		stats:       stats,
		publisher:   publisher,
		cfg:         cfg,
		logger:      logger.Named("orchestrator"),
	}
}

// lockMatch serialises join, finish and reconciliation of one match
func (o *MatchOrchestrator) lockMatch(matchID string) func() {
	return lockStripe(&o.locks, matchID)
}

// lockIdempotencyKey serialises lookup, claim consumption and insert for one key
func (o *MatchOrchestrator) lockIdempotencyKey(key string) func() {
	return lockStripe(&o.keyLocks, key)
}

func lockStripe(stripes *[matchLockStripes]sync.Mutex, id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &stripes[h.Sum32()%matchLockStripes]
	mu.Lock()
	return mu.Unlock
}

// IssueFreeStakeClaim issues a sponsored-stake claim bound to the caller's wallet
func (o *MatchOrchestrator) IssueFreeStakeClaim(id models.Identity) (*models.ClaimTicket, error) {
	if id.Wallet == "" {
		return nil, ErrMissingWallet
	}
	return o.freeStake.IssueClaim(id.Wallet)
}

// CreateMatch creates a match for the caller, or returns the one already created
// under the same idempotency key without repeating any side effect.
func (o *MatchOrchestrator) CreateMatch(ctx context.Context, id models.Identity, req models.CreateMatchRequest) (*CreateMatchResult, error) {
	if id.Wallet == "" {
		return nil, ErrMissingWallet
	}
	stake, ok := StakeInputToLamports(req.StakeInput)
	if !ok || stake <= 0 {
		return nil, ErrInvalidStake
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if len(key) < minIdempotencyKeyLength {
		return nil, ErrMissingIdempotencyKey
	}

	unlock := o.lockIdempotencyKey(key)
	defer unlock()

	existing, err := o.registry.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &CreateMatchResult{Match: existing, Idempotent: true}, nil
	}

	if req.FreeStake {
		if req.Claim == nil || req.Claim.Nonce == "" {
			return nil, ErrMissingClaim
		}
		if err := o.freeStake.ValidateAndConsumeClaim(ctx, models.ClaimRedemption{
			Wallet:            id.Wallet,
			Nonce:             req.Claim.Nonce,
			Signature:         req.Claim.Signature,
			RequestedLamports: stake,
		}); err != nil {
			return nil, err
		}
	}

	var escrowTx *blockchain.BuiltTransaction
	if req.OnChain && !req.FreeStake {
		if o.escrow == nil || !o.escrow.CanBuildTransactions() {
			return nil, ErrOnChainNotConfigured
		}
		escrowTx, err = o.escrow.BuildCreateMatchTx(ctx, id.Wallet, stake, int64(o.cfg.JoinExpiry/time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to build create_match transaction: %w", err)
		}
	}

	in := CreateMatchInput{
		PlayerA:            id.Wallet,
		StakeLamports:      stake,
		IdempotencyKey:     key,
		FreeStakeSponsored: req.FreeStake,
	}
	if escrowTx != nil {
		in.OnChainMatch = escrowTx.GameMatch
	}

	record, inserted, err := o.registry.Create(ctx, in)
	if err != nil {
		if req.FreeStake {
			o.freeStake.ReleaseReservation(ctx, id.Wallet, stake)
		}
		return nil, err
	}
	if !inserted {
		// another instance stored this key first
		if req.FreeStake {
			o.freeStake.ReleaseReservation(ctx, id.Wallet, stake)
		}
		o.logger.Warn("concurrent create for idempotency key, returning existing match",
			zap.String("matchId", record.MatchID),
			zap.Bool("freeStake", req.FreeStake),
		)
		return &CreateMatchResult{Match: record, Idempotent: true}, nil
	}

	status := models.MatchStatusWaiting
	record, err = o.registry.Update(ctx, record.MatchID, models.MatchPatch{Status: &status})
	if err != nil {
		return nil, err
	}
	o.appendLog(ctx, record.MatchID, models.MatchActionWaiting, map[string]interface{}{
		"onChain": escrowTx != nil,
	})

	o.emitStatus(ctx, record, "", id.UserID)
	return &CreateMatchResult{Match: o.reload(ctx, record), Escrow: escrowTx}, nil
}

// JoinMatch makes the caller player B
func (o *MatchOrchestrator) JoinMatch(ctx context.Context, id models.Identity, matchID string, onChain bool) (*JoinMatchResult, error) {
	if id.Wallet == "" {
		return nil, ErrMissingWallet
	}
	unlock := o.lockMatch(matchID)
	defer unlock()

	record, err := o.registry.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if record.PlayerA == id.Wallet {
		return nil, ErrSelfJoin
	}
	if record.PlayerB != "" {
		return nil, ErrAlreadyJoined
	}
	if record.Status != models.MatchStatusWaiting && record.Status != models.MatchStatusCreated {
		return nil, ErrMatchClosed
	}

	var escrowTx *blockchain.BuiltTransaction
	if onChain && !record.FreeStakeSponsored {
		if o.escrow == nil || !o.escrow.CanBuildTransactions() {
			return nil, ErrOnChainNotConfigured
		}
		escrowTx, err = o.escrow.BuildJoinMatchTx(ctx, record.OnChainMatch, id.Wallet, int64(o.cfg.SettleDeadline/time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to build join_match transaction: %w", err)
		}
	}

	playerB := id.Wallet
	status := models.MatchStatusActive
	record, err = o.registry.Update(ctx, matchID, models.MatchPatch{PlayerB: &playerB, Status: &status})
	if err != nil {
		return nil, err
	}
	o.appendLog(ctx, matchID, models.MatchActionJoined, map[string]interface{}{"playerB": playerB})

	o.emitStatus(ctx, record, "", id.UserID)
	return &JoinMatchResult{Match: o.reload(ctx, record), Escrow: escrowTx}, nil
}

// FinishMatch records the winner and settles the escrow. Calling it again on a
// settled match returns the stored signature without touching the ledger.
func (o *MatchOrchestrator) FinishMatch(ctx context.Context, id models.Identity, matchID string, req models.FinishMatchRequest) (*FinishMatchResult, error) {
	if id.Wallet == "" {
		return nil, ErrMissingWallet
	}
	unlock := o.lockMatch(matchID)
	defer unlock()

	record, err := o.registry.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if record.PlayerB == "" {
		return nil, ErrMatchNotActive
	}
	if !record.HasPlayer(id.Wallet) {
		return nil, ErrNotParticipant
	}
	winner := strings.TrimSpace(req.Winner)
	if !record.HasPlayer(winner) {
		return nil, ErrInvalidWinner
	}

	if record.Status == models.MatchStatusSettled {
		return &FinishMatchResult{
			Match:      record,
			Signature:  record.SettleSignature,
			Idempotent: true,
			Skipped:    record.SettleSignature == blockchain.SettlementSkippedSignature,
		}, nil
	}
	if record.Status.IsTerminal() {
		return nil, ErrMatchClosed
	}
	if record.Winner != "" && record.Winner != winner {
		return nil, ErrWinnerConflict
	}

	finished := models.MatchStatusFinished
	if _, err := o.registry.Update(ctx, matchID, models.MatchPatch{Status: &finished, Winner: &winner}); err != nil {
		return nil, err
	}
	o.appendLog(ctx, matchID, models.MatchActionWinnerSelected, map[string]interface{}{
		"winner":    winner,
		"decidedBy": id.Wallet,
	})

	result, err := o.settle(ctx, record, winner, req.FeeVault)
	if err != nil {
		o.appendLog(ctx, matchID, models.MatchActionSettleFailed, map[string]interface{}{"error": err.Error()})
		o.logger.Error("settlement failed",
			zap.String("matchId", matchID),
			zap.String("onChainMatch", record.OnChainMatch),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	settled := models.MatchStatusSettled
	record, err = o.registry.Update(ctx, matchID, models.MatchPatch{Status: &settled, SettleSignature: &result.Signature})
	if err != nil {
		return nil, err
	}

	payout := CalculatePayout(record.StakeLamports, o.feeBps())
	details := payout.Details()
	details["winner"] = winner
	details["signature"] = result.Signature
	details["skipped"] = result.Skipped
	o.appendLog(ctx, matchID, models.MatchActionSettled, details)

	o.logger.Info("match settled",
		zap.String("matchId", matchID),
		zap.String("onChainMatch", record.OnChainMatch),
		zap.String("playerA", record.PlayerA),
		zap.String("playerB", record.PlayerB),
		zap.Int64("stakeLamports", record.StakeLamports),
		zap.String("winner", winner),
		zap.String("signature", result.Signature),
	)

	if !result.Skipped {
		o.recordStats(ctx, record, winner, payout)
	}
	o.emitStatus(ctx, record, result.Signature, id.UserID)

	return &FinishMatchResult{
		Match:     o.reload(ctx, record),
		Signature: result.Signature,
		Skipped:   result.Skipped,
		Payout:    &payout,
	}, nil
}

func (o *MatchOrchestrator) settle(ctx context.Context, record *models.MatchRecord, winner, feeVault string) (*blockchain.SettleResult, error) {
	skipped := &blockchain.SettleResult{Signature: blockchain.SettlementSkippedSignature, Skipped: true}
	if o.escrow == nil || !o.escrow.IsConfigured() {
		return skipped, nil
	}
	// sponsored and off-chain matches hold no escrowed funds
	if record.FreeStakeSponsored || !blockchain.IsValidPublicKey(record.OnChainMatch) {
		return skipped, nil
	}
	if _, err := o.escrow.LookupMatchAccount(ctx, record.OnChainMatch); err != nil {
		if errors.Is(err, blockchain.ErrMatchAccountMissing) {
			return skipped, nil
		}
		return nil, err
	}
	return o.escrow.SettleMatch(ctx, blockchain.SettleRequest{
		GameMatch: record.OnChainMatch,
		Winner:    winner,
		PlayerA:   record.PlayerA,
		PlayerB:   record.PlayerB,
		FeeVault:  feeVault,
	})
}

func (o *MatchOrchestrator) feeBps() int64 {
	if o.escrow == nil {
		return blockchain.DefaultFeeBps
	}
	return o.escrow.FeeBps()
}

func (o *MatchOrchestrator) recordStats(ctx context.Context, record *models.MatchRecord, winner string, payout PayoutBreakdown) {
	if o.stats == nil {
		return
	}
	loser := record.PlayerA
	if winner == record.PlayerA {
		loser = record.PlayerB
	}
	stake := record.StakeLamports
	if err := o.stats.IncrementMatchStats(ctx, winner, 1, 1, 0, stake, payout.PayoutLamports-stake, 0); err != nil {
		o.logger.Warn("failed to record winner stats", zap.String("wallet", winner), zap.Error(err))
	}
	if err := o.stats.IncrementMatchStats(ctx, loser, 1, 0, 1, stake, 0, stake); err != nil {
		o.logger.Warn("failed to record loser stats", zap.String("wallet", loser), zap.Error(err))
	}
}

// GetMatch returns the record or ErrMatchNotFound
func (o *MatchOrchestrator) GetMatch(ctx context.Context, matchID string) (*models.MatchRecord, error) {
	return o.registry.Get(ctx, matchID)
}

// JoinQueue puts the caller in the ranked pool for a stake tier
func (o *MatchOrchestrator) JoinQueue(ctx context.Context, id models.Identity, req models.QueueRequest) (*models.QueueStatus, error) {
	member := queueMember(id)
	if member == "" {
		return nil, ErrMissingWallet
	}
	stake, ok := StakeInputToLamports(req.StakeInput)
	if !ok || stake <= 0 {
		return nil, ErrInvalidStake
	}
	if req.AvgReactionMs == nil {
		return nil, ErrInvalidReaction
	}
	if err := o.matchmaking.AddToQueue(ctx, member, stake, *req.AvgReactionMs); err != nil {
		return nil, err
	}
	return o.queueStatus(ctx, stake)
}

// LeaveQueue removes the caller from a stake tier
func (o *MatchOrchestrator) LeaveQueue(ctx context.Context, id models.Identity, req models.QueueRequest) (*models.QueueStatus, error) {
	member := queueMember(id)
	if member == "" {
		return nil, ErrMissingWallet
	}
	stake, ok := StakeInputToLamports(req.StakeInput)
	if !ok || stake <= 0 {
		return nil, ErrInvalidStake
	}
	if err := o.matchmaking.RemoveFromQueue(ctx, member, stake); err != nil {
		return nil, err
	}
	return o.queueStatus(ctx, stake)
}

func (o *MatchOrchestrator) queueStatus(ctx context.Context, stake int64) (*models.QueueStatus, error) {
	size, err := o.matchmaking.QueueSize(ctx, stake)
	if err != nil {
		return nil, err
	}
	return &models.QueueStatus{StakeLamports: stake, QueueSize: size}, nil
}

func queueMember(id models.Identity) string {
	if id.UserID != "" {
		return id.UserID
	}
	return id.Wallet
}

// ReconcileStale cancels matches nobody joined within the join expiry and refunds
// matches that were never finished within the settle deadline.
func (o *MatchOrchestrator) ReconcileStale(ctx context.Context) (*ReconcileResult, error) {
	result := &ReconcileResult{}

	waiting, err := o.registry.ListStale(ctx, models.MatchStatusWaiting, o.cfg.JoinExpiry, o.cfg.ReconcileBatchSize)
	if err != nil {
		return nil, err
	}
	for _, record := range waiting {
		o.expire(ctx, record.MatchID, models.MatchStatusWaiting, o.cfg.JoinExpiry, result)
	}

	active, err := o.registry.ListStale(ctx, models.MatchStatusActive, o.cfg.SettleDeadline, o.cfg.ReconcileBatchSize)
	if err != nil {
		return nil, err
	}
	for _, record := range active {
		o.expire(ctx, record.MatchID, models.MatchStatusActive, o.cfg.SettleDeadline, result)
	}

	if result.Cancelled > 0 || result.Refunded > 0 || result.Failed > 0 {
		o.logger.Info("stale matches reconciled",
			zap.Int("cancelled", result.Cancelled),
			zap.Int("refunded", result.Refunded),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}

func (o *MatchOrchestrator) expire(ctx context.Context, matchID string, from models.MatchStatus, maxAge time.Duration, result *ReconcileResult) {
	unlock := o.lockMatch(matchID)
	defer unlock()

	record, err := o.registry.Get(ctx, matchID)
	if err != nil {
		o.logger.Warn("failed to reload stale match", zap.String("matchId", matchID), zap.Error(err))
		return
	}
	// A join or finish may have landed since the listing.
	if record.Status != from || o.registry.now().Sub(record.UpdatedAt) < maxAge {
		return
	}

	signature, err := o.refundOnChain(ctx, record)
	if err != nil {
		result.Failed++
		o.appendLog(ctx, matchID, models.MatchActionCancelFailed, map[string]interface{}{"error": err.Error()})
		o.logger.Error("failed to refund stale match", zap.String("matchId", matchID), zap.Error(err))
		return
	}

	to, action := models.MatchStatusCancelled, models.MatchActionExpiredCancelled
	if from == models.MatchStatusActive {
		to, action = models.MatchStatusRefunded, models.MatchActionExpiredRefunded
	}
	patch := models.MatchPatch{Status: &to}
	if signature != "" {
		patch.SettleSignature = &signature
	}
	record, err = o.registry.Update(ctx, matchID, patch)
	if err != nil {
		result.Failed++
		o.logger.Error("failed to expire stale match", zap.String("matchId", matchID), zap.Error(err))
		return
	}
	details := map[string]interface{}{"previousStatus": string(from)}
	if signature != "" {
		details["signature"] = signature
	}
	o.appendLog(ctx, matchID, action, details)

	if to == models.MatchStatusCancelled {
		result.Cancelled++
	} else {
		result.Refunded++
	}
	o.emitStatus(ctx, record, signature)
}

// refundOnChain returns the refund signature, or "" when no funds are escrowed
func (o *MatchOrchestrator) refundOnChain(ctx context.Context, record *models.MatchRecord) (string, error) {
	if record.FreeStakeSponsored || o.escrow == nil || !o.escrow.IsConfigured() {
		return "", nil
	}
	if !blockchain.IsValidPublicKey(record.OnChainMatch) {
		return "", nil
	}

	account, err := o.escrow.LookupMatchAccount(ctx, record.OnChainMatch)
	if errors.Is(err, blockchain.ErrMatchAccountMissing) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	switch account.AccountState() {
	case blockchain.MatchStateWaitingForB, blockchain.MatchStateActive:
	default:
		return "", nil
	}

	res, err := o.escrow.CancelActiveMatch(ctx, blockchain.CancelRequest{
		GameMatch: record.OnChainMatch,
		PlayerA:   record.PlayerA,
		PlayerB:   record.PlayerB,
	})
	if err != nil {
		return "", err
	}
	if res.Skipped {
		return "", nil
	}
	return res.Signature, nil
}

func (o *MatchOrchestrator) appendLog(ctx context.Context, matchID, action string, details map[string]interface{}) {
	if err := o.registry.Log(ctx, matchID, action, details); err != nil {
		o.logger.Warn("failed to append match log",
			zap.String("matchId", matchID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// reload returns the record with its latest logs, falling back to record
func (o *MatchOrchestrator) reload(ctx context.Context, record *models.MatchRecord) *models.MatchRecord {
	fresh, err := o.registry.Get(ctx, record.MatchID)
	if err != nil {
		return record
	}
	return fresh
}

func (o *MatchOrchestrator) emitStatus(ctx context.Context, record *models.MatchRecord, signature string, userIDs ...string) {
	recipients := []string{record.PlayerA}
	if record.PlayerB != "" {
		recipients = append(recipients, record.PlayerB)
	}
	for _, id := range userIDs {
		if id != "" {
			recipients = append(recipients, id)
		}
	}
	o.publisher.Publish(ctx, models.Event{
		Kind:       models.EventMatchStatus,
		Recipients: recipients,
		Payload: models.MatchStatusPayload{
			MatchID:   record.MatchID,
			Status:    record.Status,
			PlayerA:   record.PlayerA,
			PlayerB:   record.PlayerB,
			Winner:    record.Winner,
			Signature: signature,
		},
	})
}
