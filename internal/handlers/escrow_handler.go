package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"reflex-pvp/internal/blockchain"
)

var lamportsPerSOL = decimal.NewFromInt(1_000_000_000)

// TransactionBuilder builds player-signed escrow transactions
type TransactionBuilder interface {
	BuildCreateMatchTx(ctx context.Context, playerA string, stakeLamports, joinExpirySecs int64) (*blockchain.BuiltTransaction, error)
	BuildJoinMatchTx(ctx context.Context, gameMatch, playerB string, settleDeadlineSecs int64) (*blockchain.BuiltTransaction, error)
}

// EscrowHandler serves unsigned escrow transactions for wallets to sign and send
type EscrowHandler struct {
	builder TransactionBuilder
	logger  *zap.Logger
}

func NewEscrowHandler(builder TransactionBuilder, logger *zap.Logger) *EscrowHandler {
	return &EscrowHandler{
		builder: builder,
		logger:  logger.Named("escrow_handler"),
	}
}

// RegisterRoutes mounts the transaction builders
func (h *EscrowHandler) RegisterRoutes(rg *gin.RouterGroup) {
	match := rg.Group("/match")
	match.POST("/create", h.CreateMatchTx)
	match.POST("/join", h.JoinMatchTx)
}

type createMatchTxRequest struct {
	StakeAmount  *float64 `json:"stakeAmount"`
	PlayerWallet string   `json:"playerWallet"`
}

type joinMatchTxRequest struct {
	GameMatch    string `json:"gameMatch"`
	PlayerWallet string `json:"playerWallet"`
}

// CreateMatchTx builds the create_match transaction, already signed by the new match account
// POST /api/match/create
func (h *EscrowHandler) CreateMatchTx(c *gin.Context) {
	var req createMatchTxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body."})
		return
	}

	playerWallet, err := parseWalletField(req.PlayerWallet, "playerWallet")
	if err != nil {
		h.writeError(c, err)
		return
	}
	if req.StakeAmount == nil || *req.StakeAmount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid stakeAmount. Expected a positive number."})
		return
	}
	stakeLamports := decimal.NewFromFloat(*req.StakeAmount).Mul(lamportsPerSOL).Round(0).IntPart()

	built, err := h.builder.BuildCreateMatchTx(c.Request.Context(), playerWallet, stakeLamports, blockchain.DefaultJoinExpirySecs)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"serializedTransaction": built.SerializedTransaction,
		"gameMatch":             built.GameMatch,
		"vault":                 built.Vault,
	})
}

// JoinMatchTx builds the join_match transaction for player B
// POST /api/match/join
func (h *EscrowHandler) JoinMatchTx(c *gin.Context) {
	var req joinMatchTxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body."})
		return
	}

	gameMatch, err := parseWalletField(req.GameMatch, "gameMatch")
	if err != nil {
		h.writeError(c, err)
		return
	}
	playerWallet, err := parseWalletField(req.PlayerWallet, "playerWallet")
	if err != nil {
		h.writeError(c, err)
		return
	}

	built, err := h.builder.BuildJoinMatchTx(c.Request.Context(), gameMatch, playerWallet, blockchain.DefaultSettleDeadlineSecs)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"serializedTransaction": built.SerializedTransaction})
}

func (h *EscrowHandler) writeError(c *gin.Context, err error) {
	message := err.Error()
	switch {
	case strings.HasPrefix(message, "Invalid "), errors.Is(err, blockchain.ErrInvalidPublicKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": message})
	case errors.Is(err, blockchain.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": message})
	default:
		h.logger.Error("failed to build escrow transaction", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}

// parseWalletField normalises a base58 public key field
func parseWalletField(value, field string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", errors.New("Invalid " + field + ". Expected a non-empty base58 string.")
	}
	key, err := blockchain.ParsePublicKey(value)
	if err != nil {
		return "", errors.New("Invalid " + field + ". Expected a valid Solana public key.")
	}
	return key.String(), nil
}
