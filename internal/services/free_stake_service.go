package services

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"reflex-pvp/internal/models"
)

// FreeStakeService issues and redeems single-use sponsored-stake claims.
// Pending claims live in memory only and are lost on restart.
type FreeStakeService struct {
	mu       sync.Mutex
	claims   map[string]*models.FreeStakeClaim
	secret   []byte
	claimTTL time.Duration
	ledger   QuotaLedger
	logger   *zap.Logger
	now      func() time.Time
}

func NewFreeStakeService(secret string, claimTTL time.Duration, ledger QuotaLedger, logger *zap.Logger) *FreeStakeService {
	return &FreeStakeService{
		claims:   make(map[string]*models.FreeStakeClaim),
		secret:   []byte(secret),
		claimTTL: claimTTL,
		ledger:   ledger,
		logger:   logger.Named("free_stake"),
		now:      time.Now,
	}
}

// IssueClaim creates a pending claim for wallet and returns its signed ticket
func (s *FreeStakeService) IssueClaim(wallet string) (*models.ClaimTicket, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("failed to generate claim nonce: %w", err)
	}

	issuedAt := s.now().UnixMilli()
	claim := &models.FreeStakeClaim{
		Nonce:     hex.EncodeToString(nonceBytes),
		Wallet:    wallet,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt + s.claimTTL.Milliseconds(),
	}

	s.mu.Lock()
	s.claims[claim.Nonce] = claim
	s.mu.Unlock()

	return &models.ClaimTicket{
		Nonce:     claim.Nonce,
		Signature: s.sign(claim),
		ExpiresAt: claim.ExpiresAt,
	}, nil
}

// ValidateAndConsumeClaim checks the claim and reserves quota for it. On success the
// claim is gone; on a quota rejection the claim stays pending.
func (s *FreeStakeService) ValidateAndConsumeClaim(ctx context.Context, in models.ClaimRedemption) error {
	claim, err := s.take(in)
	if err != nil {
		return err
	}

	if err := s.ledger.Reserve(ctx, in.Wallet, in.RequestedLamports); err != nil {
		s.restore(claim)
		return err
	}

	s.logger.Info("free stake claim consumed",
		zap.String("wallet", in.Wallet),
		zap.Int64("lamports", in.RequestedLamports),
	)
	return nil
}

// ReleaseReservation returns the quota taken by a consumed claim whose match was
// never stored. The claim itself stays spent.
func (s *FreeStakeService) ReleaseReservation(ctx context.Context, wallet string, lamports int64) {
	if err := s.ledger.Release(ctx, wallet, lamports); err != nil {
		s.logger.Error("failed to release free stake quota",
			zap.String("wallet", wallet),
			zap.Int64("lamports", lamports),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("free stake quota released",
		zap.String("wallet", wallet),
		zap.Int64("lamports", lamports),
	)
}

// take removes a claim that passes every non-quota check so no concurrent caller can use it
func (s *FreeStakeService) take(in models.ClaimRedemption) (*models.FreeStakeClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim, ok := s.claims[in.Nonce]
	if !ok {
		return nil, ErrInvalidNonce
	}
	if claim.Wallet != in.Wallet {
		return nil, ErrWalletMismatch
	}
	if claim.Expired(s.now()) {
		return nil, ErrClaimExpired
	}

	given, err := hex.DecodeString(in.Signature)
	if err != nil || !hmac.Equal(given, s.mac(claim)) {
		return nil, ErrInvalidSignature
	}

	delete(s.claims, in.Nonce)
	return claim, nil
}

func (s *FreeStakeService) restore(claim *models.FreeStakeClaim) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.claims[claim.Nonce]; !exists {
		s.claims[claim.Nonce] = claim
	}
}

// SweepExpired drops claims that expired before now and returns how many were removed
func (s *FreeStakeService) SweepExpired() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for nonce, claim := range s.claims {
		if claim.Expired(now) {
			delete(s.claims, nonce)
			removed++
		}
	}
	return removed
}

// PendingClaims returns the number of claims awaiting redemption
func (s *FreeStakeService) PendingClaims() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claims)
}

// RemainingBudget reports the unspent global sponsorship budget
func (s *FreeStakeService) RemainingBudget(ctx context.Context) (int64, error) {
	return s.ledger.RemainingBudget(ctx)
}

func (s *FreeStakeService) mac(claim *models.FreeStakeClaim) []byte {
	payload := fmt.Sprintf("%s:%s:%d:%d", claim.Wallet, claim.Nonce, claim.IssuedAt, claim.ExpiresAt)
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(payload))
	return h.Sum(nil)
}

func (s *FreeStakeService) sign(claim *models.FreeStakeClaim) string {
	return hex.EncodeToString(s.mac(claim))
}
